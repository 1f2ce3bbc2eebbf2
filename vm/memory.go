package vm

import (
	"context"

	"github.com/tetratelabs/wazero/api"

	"github.com/policyrun/opawasm/errors"
)

// Block is a handle to a guest-memory allocation. Host code never retains
// raw offsets across calls; a Block is the only currency for guest memory.
type Block struct {
	Addr uint32
	Len  uint32
}

// memory is the bridge to guest linear memory. Allocation goes through the
// guest's own opa_malloc/opa_free exports; reads and writes are bounds
// checked against the current reported memory size on every access.
type memory struct {
	mem    api.Memory
	malloc api.Function
	free   api.Function
}

func newMemory(mem api.Memory, guest api.Module) *memory {
	return &memory{
		mem:    mem,
		malloc: guest.ExportedFunction(exportMalloc),
		free:   guest.ExportedFunction(exportFree),
	}
}

// Alloc obtains size bytes from the guest allocator.
func (m *memory) Alloc(ctx context.Context, size uint32) (Block, error) {
	res, err := m.malloc.Call(ctx, uint64(size))
	if err != nil {
		return Block{}, errors.ExecutionFault(err, "opa_malloc trapped")
	}
	addr := uint32(res[0])
	if addr == 0 {
		return Block{}, errors.OutOfMemory(size)
	}
	return Block{Addr: addr, Len: size}, nil
}

// Free releases a block through the guest allocator. Calling Free twice on
// the same block is caller error with undefined guest-side behavior.
func (m *memory) Free(ctx context.Context, b Block) error {
	if b.Addr == 0 {
		return nil
	}
	if _, err := m.free.Call(ctx, uint64(b.Addr)); err != nil {
		return errors.ExecutionFault(err, "opa_free trapped")
	}
	return nil
}

// Read copies a block out of guest memory.
func (m *memory) Read(b Block) ([]byte, error) {
	view, ok := m.mem.Read(b.Addr, b.Len)
	if !ok {
		return nil, errors.MemoryFault("read", b.Addr, b.Len, m.mem.Size())
	}
	out := make([]byte, len(view))
	copy(out, view)
	return out, nil
}

// ReadString reads a null-terminated string starting at addr.
func (m *memory) ReadString(addr uint32) (string, error) {
	size := m.mem.Size()
	if addr >= size {
		return "", errors.MemoryFault("read", addr, 1, size)
	}
	view, ok := m.mem.Read(addr, size-addr)
	if !ok {
		return "", errors.MemoryFault("read", addr, size-addr, size)
	}
	for i, c := range view {
		if c == 0 {
			return string(view[:i]), nil
		}
	}
	return "", errors.New(errors.PhaseDecode, errors.KindMemoryFault,
		"unterminated string at 0x%x", addr)
}

// Write allocates a block and copies data into it.
func (m *memory) Write(ctx context.Context, data []byte) (Block, error) {
	b, err := m.Alloc(ctx, uint32(len(data)))
	if err != nil {
		return Block{}, err
	}
	if err := m.WriteAt(b.Addr, data); err != nil {
		return Block{}, err
	}
	return b, nil
}

// WriteAt copies data into an existing allocation.
func (m *memory) WriteAt(addr uint32, data []byte) error {
	if !m.mem.Write(addr, data) {
		return errors.MemoryFault("write", addr, uint32(len(data)), m.mem.Size())
	}
	return nil
}
