package wasm

// Binary format constants
const (
	Magic   uint32 = 0x6d736100 // "\0asm"
	Version uint32 = 1
)

// Section ids
const (
	SectionCustom   byte = 0
	SectionType     byte = 1
	SectionImport   byte = 2
	SectionFunction byte = 3
	SectionTable    byte = 4
	SectionMemory   byte = 5
	SectionGlobal   byte = 6
	SectionExport   byte = 7
	SectionStart    byte = 8
	SectionElement  byte = 9
	SectionCode     byte = 10
	SectionData     byte = 11
)

// ValType is a WebAssembly value type
type ValType byte

const (
	I32 ValType = 0x7F
	I64 ValType = 0x7E
	F32 ValType = 0x7D
	F64 ValType = 0x7C
)

// Import/export kinds
const (
	KindFunc   byte = 0x00
	KindTable  byte = 0x01
	KindMemory byte = 0x02
	KindGlobal byte = 0x03
)

// FuncType is a function signature
type FuncType struct {
	Params  []ValType
	Results []ValType
}

// Equal reports whether two signatures match exactly
func (ft FuncType) Equal(other FuncType) bool {
	if len(ft.Params) != len(other.Params) || len(ft.Results) != len(other.Results) {
		return false
	}
	for i, p := range ft.Params {
		if p != other.Params[i] {
			return false
		}
	}
	for i, r := range ft.Results {
		if r != other.Results[i] {
			return false
		}
	}
	return true
}

// Limits are memory or table bounds in units of pages or elements
type Limits struct {
	Min uint32
	Max *uint32 // nil means unbounded
}

// GlobalType describes a global's value type and mutability
type GlobalType struct {
	Type    ValType
	Mutable bool
}

// Import is a single import entry
type Import struct {
	Module  string
	Name    string
	Kind    byte
	TypeIdx uint32      // KindFunc
	Memory  *Limits     // KindMemory
	Global  *GlobalType // KindGlobal
}

// Export is a single export entry
type Export struct {
	Name  string
	Kind  byte
	Index uint32
}

// Global is a global definition. Init holds the raw constant expression
// including the terminating end opcode; InitI32 is set when the expression is
// a single i32.const.
type Global struct {
	Type    GlobalType
	Init    []byte
	InitI32 *int32
}

// Local is a run of identically-typed locals in a function body
type Local struct {
	Count uint32
	Type  ValType
}

// FuncBody is a code section entry. Code holds raw instruction bytes
// including the terminating end opcode.
type FuncBody struct {
	Locals []Local
	Code   []byte
}

// DataSegment is an active data segment for memory 0 at a constant offset
type DataSegment struct {
	Offset uint32
	Init   []byte
}

// Module is the decoded (or to-be-encoded) view of a core module, limited to
// the sections the engine cares about.
type Module struct {
	Types    []FuncType
	Imports  []Import
	Funcs    []uint32 // type indices of locally defined functions
	Memories []Limits
	Globals  []Global
	Exports  []Export
	Code     []FuncBody
	Data     []DataSegment
}

// Export returns the export with the given name, or nil.
func (m *Module) Export(name string) *Export {
	for i := range m.Exports {
		if m.Exports[i].Name == name {
			return &m.Exports[i]
		}
	}
	return nil
}

// HasExport reports whether an export with the given name and kind exists.
func (m *Module) HasExport(name string, kind byte) bool {
	e := m.Export(name)
	return e != nil && e.Kind == kind
}

// ExportedGlobalI32 returns the constant value of an exported i32 global when
// it is locally defined with an i32.const initializer.
func (m *Module) ExportedGlobalI32(name string) (int32, bool) {
	e := m.Export(name)
	if e == nil || e.Kind != KindGlobal {
		return 0, false
	}
	// Imported globals occupy the front of the index space.
	var importedGlobals uint32
	for _, imp := range m.Imports {
		if imp.Kind == KindGlobal {
			importedGlobals++
		}
	}
	if e.Index < importedGlobals {
		return 0, false
	}
	idx := e.Index - importedGlobals
	if int(idx) >= len(m.Globals) || m.Globals[idx].InitI32 == nil {
		return 0, false
	}
	return *m.Globals[idx].InitI32, true
}
