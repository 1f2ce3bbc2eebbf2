package wasm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func buildSample() []byte {
	b := NewBuilder()

	tUnary := b.FuncType([]ValType{I32}, []ValType{I32})
	tNullary := b.FuncType([]ValType{}, []ValType{I32})

	abort := b.ImportFunc("env", "abort", b.FuncType([]ValType{I32}, nil))
	b.ImportMemory("env", "memory", 2, nil)

	heap := b.GlobalI32(65536, true)
	ver := b.GlobalI32(1, false)

	ident := b.Func(tUnary, nil, NewAsm().LocalGet(0).End())
	hp := b.Func(tNullary, nil, NewAsm().GlobalGet(heap).End())
	boom := b.Func(tNullary, nil, NewAsm().I32Const(7).Call(abort).Unreachable().End())

	b.ExportFunc("ident", ident)
	b.ExportFunc("heap_ptr", hp)
	b.ExportFunc("boom", boom)
	b.ExportGlobal("abi_version", ver)
	b.Data(1024, []byte("{}\x00"))

	return b.Build()
}

func TestBuildDecodeRoundTrip(t *testing.T) {
	bin := buildSample()

	m, err := Decode(bin)
	require.NoError(t, err)

	require.Len(t, m.Imports, 2)
	assert.Equal(t, "env", m.Imports[0].Module)
	assert.Equal(t, "abort", m.Imports[0].Name)
	assert.Equal(t, KindFunc, m.Imports[0].Kind)
	assert.Equal(t, KindMemory, m.Imports[1].Kind)
	require.NotNil(t, m.Imports[1].Memory)
	assert.Equal(t, uint32(2), m.Imports[1].Memory.Min)

	assert.Len(t, m.Funcs, 3)
	assert.Len(t, m.Code, 3)
	assert.Len(t, m.Globals, 2)
	require.Len(t, m.Data, 1)
	assert.Equal(t, uint32(1024), m.Data[0].Offset)

	assert.True(t, m.HasExport("ident", KindFunc))
	assert.True(t, m.HasExport("abi_version", KindGlobal))
	assert.False(t, m.HasExport("missing", KindFunc))
}

func TestExportedGlobalI32(t *testing.T) {
	m, err := Decode(buildSample())
	require.NoError(t, err)

	v, ok := m.ExportedGlobalI32("abi_version")
	require.True(t, ok)
	assert.Equal(t, int32(1), v)

	_, ok = m.ExportedGlobalI32("ident")
	assert.False(t, ok)
}

func TestFuncIndexSpace(t *testing.T) {
	b := NewBuilder()
	t0 := b.FuncType(nil, []ValType{I32})

	imp0 := b.ImportFunc("env", "f0", t0)
	imp1 := b.ImportFunc("env", "f1", t0)
	local := b.Func(t0, nil, NewAsm().I32Const(0).End())

	assert.Equal(t, uint32(0), imp0)
	assert.Equal(t, uint32(1), imp1)
	assert.Equal(t, uint32(2), local)
}

func TestDecodeRejectsBadInput(t *testing.T) {
	tests := []struct {
		name string
		data []byte
	}{
		{"empty", nil},
		{"short", []byte{0x00, 0x61, 0x73}},
		{"bad magic", []byte{0xde, 0xad, 0xbe, 0xef, 0x01, 0x00, 0x00, 0x00}},
		{"bad version", []byte{0x00, 0x61, 0x73, 0x6d, 0x02, 0x00, 0x00, 0x00}},
		{"truncated section", append([]byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00}, 0x01, 0x7f)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode(tt.data)
			assert.Error(t, err)
		})
	}
}

func TestDecodeSkipsUnmodeledSections(t *testing.T) {
	// A module with only a custom section.
	bin := []byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00,
		0x00, 0x05, 0x04, 'n', 'a', 'm', 'e'}

	m, err := Decode(bin)
	require.NoError(t, err)
	assert.Empty(t, m.Exports)
}

func TestFuncTypeInterning(t *testing.T) {
	b := NewBuilder()
	a := b.FuncType([]ValType{I32, I32}, []ValType{I32})
	c := b.FuncType([]ValType{I32, I32}, []ValType{I32})
	d := b.FuncType([]ValType{I32}, []ValType{I32})

	assert.Equal(t, a, c)
	assert.NotEqual(t, a, d)
}
