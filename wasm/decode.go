package wasm

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

// Decode scans a core module binary into a Module. Sections the engine does
// not model (tables, elements, start, custom) are validated for framing and
// skipped; code and data bodies are carried opaquely.
func Decode(data []byte) (*Module, error) {
	if len(data) < 8 {
		return nil, fmt.Errorf("wasm: module too short (%d bytes)", len(data))
	}
	if binary.LittleEndian.Uint32(data) != Magic {
		return nil, fmt.Errorf("wasm: bad magic 0x%08x", binary.LittleEndian.Uint32(data))
	}
	if v := binary.LittleEndian.Uint32(data[4:]); v != Version {
		return nil, fmt.Errorf("wasm: unsupported binary version %d", v)
	}

	m := &Module{}
	r := bytes.NewReader(data[8:])

	for {
		id, err := r.ReadByte()
		if err == io.EOF {
			return m, nil
		}
		if err != nil {
			return nil, err
		}

		size, err := ReadU32(r)
		if err != nil {
			return nil, fmt.Errorf("wasm: section %d size: %w", id, err)
		}
		if uint32(r.Len()) < size {
			return nil, fmt.Errorf("wasm: section %d truncated: declared %d bytes, %d remain", id, size, r.Len())
		}

		payload := make([]byte, size)
		if _, err := io.ReadFull(r, payload); err != nil {
			return nil, err
		}

		if err := m.decodeSection(id, payload); err != nil {
			return nil, err
		}
	}
}

func (m *Module) decodeSection(id byte, payload []byte) error {
	r := bytes.NewReader(payload)
	switch id {
	case SectionType:
		return m.decodeTypes(r)
	case SectionImport:
		return m.decodeImports(r)
	case SectionFunction:
		return m.decodeFuncs(r)
	case SectionMemory:
		return m.decodeMemories(r)
	case SectionGlobal:
		return m.decodeGlobals(r)
	case SectionExport:
		return m.decodeExports(r)
	default:
		// Framing already validated; contents are not modeled.
		return nil
	}
}

func (m *Module) decodeTypes(r *bytes.Reader) error {
	count, err := ReadU32(r)
	if err != nil {
		return err
	}
	for i := uint32(0); i < count; i++ {
		form, err := r.ReadByte()
		if err != nil {
			return err
		}
		if form != 0x60 {
			return fmt.Errorf("wasm: type %d: unsupported form 0x%02x", i, form)
		}
		params, err := readValTypes(r)
		if err != nil {
			return err
		}
		results, err := readValTypes(r)
		if err != nil {
			return err
		}
		m.Types = append(m.Types, FuncType{Params: params, Results: results})
	}
	return nil
}

func (m *Module) decodeImports(r *bytes.Reader) error {
	count, err := ReadU32(r)
	if err != nil {
		return err
	}
	for i := uint32(0); i < count; i++ {
		mod, err := readName(r)
		if err != nil {
			return err
		}
		name, err := readName(r)
		if err != nil {
			return err
		}
		kind, err := r.ReadByte()
		if err != nil {
			return err
		}

		imp := Import{Module: mod, Name: name, Kind: kind}
		switch kind {
		case KindFunc:
			if imp.TypeIdx, err = ReadU32(r); err != nil {
				return err
			}
		case KindTable:
			if _, err = r.ReadByte(); err != nil { // element type
				return err
			}
			if _, err = readLimits(r); err != nil {
				return err
			}
		case KindMemory:
			lim, err := readLimits(r)
			if err != nil {
				return err
			}
			imp.Memory = &lim
		case KindGlobal:
			gt, err := readGlobalType(r)
			if err != nil {
				return err
			}
			imp.Global = &gt
		default:
			return fmt.Errorf("wasm: import %s.%s: unknown kind 0x%02x", mod, name, kind)
		}
		m.Imports = append(m.Imports, imp)
	}
	return nil
}

func (m *Module) decodeFuncs(r *bytes.Reader) error {
	count, err := ReadU32(r)
	if err != nil {
		return err
	}
	for i := uint32(0); i < count; i++ {
		idx, err := ReadU32(r)
		if err != nil {
			return err
		}
		m.Funcs = append(m.Funcs, idx)
	}
	return nil
}

func (m *Module) decodeMemories(r *bytes.Reader) error {
	count, err := ReadU32(r)
	if err != nil {
		return err
	}
	for i := uint32(0); i < count; i++ {
		lim, err := readLimits(r)
		if err != nil {
			return err
		}
		m.Memories = append(m.Memories, lim)
	}
	return nil
}

func (m *Module) decodeGlobals(r *bytes.Reader) error {
	count, err := ReadU32(r)
	if err != nil {
		return err
	}
	for i := uint32(0); i < count; i++ {
		gt, err := readGlobalType(r)
		if err != nil {
			return err
		}
		init, constI32, err := readConstExpr(r)
		if err != nil {
			return fmt.Errorf("wasm: global %d: %w", i, err)
		}
		m.Globals = append(m.Globals, Global{Type: gt, Init: init, InitI32: constI32})
	}
	return nil
}

func (m *Module) decodeExports(r *bytes.Reader) error {
	count, err := ReadU32(r)
	if err != nil {
		return err
	}
	for i := uint32(0); i < count; i++ {
		name, err := readName(r)
		if err != nil {
			return err
		}
		kind, err := r.ReadByte()
		if err != nil {
			return err
		}
		idx, err := ReadU32(r)
		if err != nil {
			return err
		}
		m.Exports = append(m.Exports, Export{Name: name, Kind: kind, Index: idx})
	}
	return nil
}

func readValTypes(r *bytes.Reader) ([]ValType, error) {
	count, err := ReadU32(r)
	if err != nil {
		return nil, err
	}
	types := make([]ValType, count)
	for i := range types {
		b, err := r.ReadByte()
		if err != nil {
			return nil, err
		}
		types[i] = ValType(b)
	}
	return types, nil
}

func readName(r *bytes.Reader) (string, error) {
	length, err := ReadU32(r)
	if err != nil {
		return "", err
	}
	if uint32(r.Len()) < length {
		return "", fmt.Errorf("wasm: name truncated")
	}
	buf := make([]byte, length)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}

func readLimits(r *bytes.Reader) (Limits, error) {
	flags, err := r.ReadByte()
	if err != nil {
		return Limits{}, err
	}
	min, err := ReadU32(r)
	if err != nil {
		return Limits{}, err
	}
	lim := Limits{Min: min}
	if flags&0x01 != 0 {
		max, err := ReadU32(r)
		if err != nil {
			return Limits{}, err
		}
		lim.Max = &max
	}
	return lim, nil
}

func readGlobalType(r *bytes.Reader) (GlobalType, error) {
	vt, err := r.ReadByte()
	if err != nil {
		return GlobalType{}, err
	}
	mut, err := r.ReadByte()
	if err != nil {
		return GlobalType{}, err
	}
	return GlobalType{Type: ValType(vt), Mutable: mut == 1}, nil
}

// readConstExpr reads a constant initializer expression up to and including
// its end opcode. The second return value is set for a lone i32.const.
func readConstExpr(r *bytes.Reader) ([]byte, *int32, error) {
	var raw bytes.Buffer
	var constI32 *int32
	first := true

	for {
		op, err := r.ReadByte()
		if err != nil {
			return nil, nil, err
		}
		raw.WriteByte(op)

		if !first && op != 0x0B {
			// More than one producing instruction: not a lone i32.const.
			constI32 = nil
		}

		switch op {
		case 0x0B: // end
			return raw.Bytes(), constI32, nil
		case 0x41: // i32.const
			v, err := ReadS32(r)
			if err != nil {
				return nil, nil, err
			}
			WriteS32(&raw, v)
			if first {
				constI32 = &v
			}
		case 0x42: // i64.const
			v, err := ReadS64(r)
			if err != nil {
				return nil, nil, err
			}
			WriteS64(&raw, v)
		case 0x23: // global.get
			idx, err := ReadU32(r)
			if err != nil {
				return nil, nil, err
			}
			WriteU32(&raw, idx)
		case 0x43: // f32.const
			var buf [4]byte
			if _, err := io.ReadFull(r, buf[:]); err != nil {
				return nil, nil, err
			}
			raw.Write(buf[:])
		case 0x44: // f64.const
			var buf [8]byte
			if _, err := io.ReadFull(r, buf[:]); err != nil {
				return nil, nil, err
			}
			raw.Write(buf[:])
		default:
			return nil, nil, fmt.Errorf("unsupported opcode 0x%02x in constant expression", op)
		}
		first = false
	}
}
