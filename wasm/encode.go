package wasm

import "bytes"

// Encode encodes the module to WebAssembly binary format
func (m *Module) Encode() []byte {
	var w bytes.Buffer

	// Magic number and version
	w.Write([]byte{0x00, 0x61, 0x73, 0x6d})
	w.Write([]byte{0x01, 0x00, 0x00, 0x00})

	// Type section
	if len(m.Types) > 0 {
		var sec bytes.Buffer
		WriteU32(&sec, uint32(len(m.Types)))
		for _, ft := range m.Types {
			sec.WriteByte(0x60)
			writeValTypes(&sec, ft.Params)
			writeValTypes(&sec, ft.Results)
		}
		writeSection(&w, SectionType, sec.Bytes())
	}

	// Import section
	if len(m.Imports) > 0 {
		var sec bytes.Buffer
		WriteU32(&sec, uint32(len(m.Imports)))
		for _, imp := range m.Imports {
			writeName(&sec, imp.Module)
			writeName(&sec, imp.Name)
			sec.WriteByte(imp.Kind)
			switch imp.Kind {
			case KindFunc:
				WriteU32(&sec, imp.TypeIdx)
			case KindMemory:
				writeLimits(&sec, *imp.Memory)
			case KindGlobal:
				writeGlobalType(&sec, *imp.Global)
			}
		}
		writeSection(&w, SectionImport, sec.Bytes())
	}

	// Function section
	if len(m.Funcs) > 0 {
		var sec bytes.Buffer
		WriteU32(&sec, uint32(len(m.Funcs)))
		for _, typeIdx := range m.Funcs {
			WriteU32(&sec, typeIdx)
		}
		writeSection(&w, SectionFunction, sec.Bytes())
	}

	// Memory section
	if len(m.Memories) > 0 {
		var sec bytes.Buffer
		WriteU32(&sec, uint32(len(m.Memories)))
		for _, mem := range m.Memories {
			writeLimits(&sec, mem)
		}
		writeSection(&w, SectionMemory, sec.Bytes())
	}

	// Global section
	if len(m.Globals) > 0 {
		var sec bytes.Buffer
		WriteU32(&sec, uint32(len(m.Globals)))
		for _, g := range m.Globals {
			writeGlobalType(&sec, g.Type)
			sec.Write(g.Init)
		}
		writeSection(&w, SectionGlobal, sec.Bytes())
	}

	// Export section
	if len(m.Exports) > 0 {
		var sec bytes.Buffer
		WriteU32(&sec, uint32(len(m.Exports)))
		for _, exp := range m.Exports {
			writeName(&sec, exp.Name)
			sec.WriteByte(exp.Kind)
			WriteU32(&sec, exp.Index)
		}
		writeSection(&w, SectionExport, sec.Bytes())
	}

	// Code section
	if len(m.Code) > 0 {
		var sec bytes.Buffer
		WriteU32(&sec, uint32(len(m.Code)))
		for _, body := range m.Code {
			var b bytes.Buffer
			WriteU32(&b, uint32(len(body.Locals)))
			for _, local := range body.Locals {
				WriteU32(&b, local.Count)
				b.WriteByte(byte(local.Type))
			}
			b.Write(body.Code)
			WriteU32(&sec, uint32(b.Len()))
			sec.Write(b.Bytes())
		}
		writeSection(&w, SectionCode, sec.Bytes())
	}

	// Data section
	if len(m.Data) > 0 {
		var sec bytes.Buffer
		WriteU32(&sec, uint32(len(m.Data)))
		for _, d := range m.Data {
			WriteU32(&sec, 0) // active, memory 0
			sec.WriteByte(0x41)
			WriteS32(&sec, int32(d.Offset))
			sec.WriteByte(0x0B)
			WriteU32(&sec, uint32(len(d.Init)))
			sec.Write(d.Init)
		}
		writeSection(&w, SectionData, sec.Bytes())
	}

	return w.Bytes()
}

func writeSection(w *bytes.Buffer, id byte, data []byte) {
	w.WriteByte(id)
	WriteU32(w, uint32(len(data)))
	w.Write(data)
}

func writeValTypes(w *bytes.Buffer, types []ValType) {
	WriteU32(w, uint32(len(types)))
	for _, t := range types {
		w.WriteByte(byte(t))
	}
}

func writeName(w *bytes.Buffer, name string) {
	WriteU32(w, uint32(len(name)))
	w.WriteString(name)
}

func writeLimits(w *bytes.Buffer, l Limits) {
	if l.Max != nil {
		w.WriteByte(0x01)
		WriteU32(w, l.Min)
		WriteU32(w, *l.Max)
	} else {
		w.WriteByte(0x00)
		WriteU32(w, l.Min)
	}
}

func writeGlobalType(w *bytes.Buffer, g GlobalType) {
	w.WriteByte(byte(g.Type))
	if g.Mutable {
		w.WriteByte(1)
	} else {
		w.WriteByte(0)
	}
}
