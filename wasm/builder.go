package wasm

import "bytes"

// Builder assembles small core modules programmatically. Function index
// bookkeeping follows the binary format: imported functions occupy the front
// of the index space, locally defined functions follow.
type Builder struct {
	mod          *Module
	importedDone bool
}

// NewBuilder returns an empty module builder.
func NewBuilder() *Builder {
	return &Builder{mod: &Module{}}
}

// FuncType interns a function signature and returns its type index.
func (b *Builder) FuncType(params, results []ValType) uint32 {
	ft := FuncType{Params: params, Results: results}
	for i, other := range b.mod.Types {
		if ft.Equal(other) {
			return uint32(i)
		}
	}
	b.mod.Types = append(b.mod.Types, ft)
	return uint32(len(b.mod.Types) - 1)
}

// ImportFunc adds a function import and returns its function index.
// All imports must be added before the first Func call.
func (b *Builder) ImportFunc(module, name string, typeIdx uint32) uint32 {
	if b.importedDone {
		panic("wasm: ImportFunc after Func")
	}
	b.mod.Imports = append(b.mod.Imports, Import{
		Module:  module,
		Name:    name,
		Kind:    KindFunc,
		TypeIdx: typeIdx,
	})
	return b.numImportedFuncs() - 1
}

// ImportMemory adds a memory import.
func (b *Builder) ImportMemory(module, name string, min uint32, max *uint32) {
	b.mod.Imports = append(b.mod.Imports, Import{
		Module: module,
		Name:   name,
		Kind:   KindMemory,
		Memory: &Limits{Min: min, Max: max},
	})
}

// Memory defines a local memory and returns its index.
func (b *Builder) Memory(min uint32, max *uint32) uint32 {
	b.mod.Memories = append(b.mod.Memories, Limits{Min: min, Max: max})
	return uint32(len(b.mod.Memories) - 1)
}

// GlobalI32 defines an i32 global with a constant initializer and returns
// its global index.
func (b *Builder) GlobalI32(value int32, mutable bool) uint32 {
	var init bytes.Buffer
	init.WriteByte(0x41)
	WriteS32(&init, value)
	init.WriteByte(0x0B)
	b.mod.Globals = append(b.mod.Globals, Global{
		Type:    GlobalType{Type: I32, Mutable: mutable},
		Init:    init.Bytes(),
		InitI32: &value,
	})
	return uint32(len(b.mod.Globals) - 1)
}

// Func defines a function with the given signature and raw body (instruction
// bytes including the end opcode) and returns its function index.
func (b *Builder) Func(typeIdx uint32, locals []Local, code []byte) uint32 {
	b.importedDone = true
	b.mod.Funcs = append(b.mod.Funcs, typeIdx)
	b.mod.Code = append(b.mod.Code, FuncBody{Locals: locals, Code: code})
	return b.numImportedFuncs() + uint32(len(b.mod.Funcs)) - 1
}

// ExportFunc exports the function at the given index.
func (b *Builder) ExportFunc(name string, funcIdx uint32) {
	b.mod.Exports = append(b.mod.Exports, Export{Name: name, Kind: KindFunc, Index: funcIdx})
}

// ExportMemory exports the memory at the given index.
func (b *Builder) ExportMemory(name string, memIdx uint32) {
	b.mod.Exports = append(b.mod.Exports, Export{Name: name, Kind: KindMemory, Index: memIdx})
}

// ExportGlobal exports the global at the given index. The index is offset by
// the number of imported globals automatically.
func (b *Builder) ExportGlobal(name string, globalIdx uint32) {
	var importedGlobals uint32
	for _, imp := range b.mod.Imports {
		if imp.Kind == KindGlobal {
			importedGlobals++
		}
	}
	b.mod.Exports = append(b.mod.Exports, Export{Name: name, Kind: KindGlobal, Index: importedGlobals + globalIdx})
}

// Data adds an active data segment for memory 0.
func (b *Builder) Data(offset uint32, init []byte) {
	b.mod.Data = append(b.mod.Data, DataSegment{Offset: offset, Init: init})
}

// Module returns the assembled module.
func (b *Builder) Module() *Module {
	return b.mod
}

// Build encodes the assembled module to binary.
func (b *Builder) Build() []byte {
	return b.mod.Encode()
}

func (b *Builder) numImportedFuncs() uint32 {
	var n uint32
	for _, imp := range b.mod.Imports {
		if imp.Kind == KindFunc {
			n++
		}
	}
	return n
}
