package vm

import (
	"bytes"
	"context"
	"encoding/json"

	"github.com/tetratelabs/wazero/api"

	"github.com/policyrun/opawasm/errors"
)

// codec moves JSON-shaped values across the host/guest boundary. The wire
// format is JSON text: encoding serializes into a fresh guest block and asks
// the guest to parse it into its value heap; decoding asks the guest to dump
// a value back to JSON text and parses that.
//
// Numbers decode as json.Number so the integer/float distinction survives as
// far as the wire format allows.
type codec struct {
	mem       *memory
	jsonParse api.Function
	jsonDump  api.Function
}

func newCodec(mem *memory, guest api.Module) *codec {
	return &codec{
		mem:       mem,
		jsonParse: guest.ExportedFunction(exportJSONParse),
		jsonDump:  guest.ExportedFunction(exportJSONDump),
	}
}

// writeValue serializes v and loads it into the guest value heap, returning
// the value address. The intermediate serialized block is freed before
// returning.
func (c *codec) writeValue(ctx context.Context, v any) (uint32, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return 0, errors.MalformedValue(errors.PhaseEncode, err, "serialize value")
	}
	return c.writeRaw(ctx, raw)
}

// writeRaw loads pre-serialized JSON text into the guest value heap.
func (c *codec) writeRaw(ctx context.Context, raw []byte) (uint32, error) {
	blk, err := c.mem.Write(ctx, raw)
	if err != nil {
		return 0, err
	}

	res, err := c.jsonParse.Call(ctx, uint64(blk.Addr), uint64(blk.Len))
	if err != nil {
		return 0, errors.ExecutionFault(err, "opa_json_parse trapped")
	}
	valueAddr := uint32(res[0])

	if err := c.mem.Free(ctx, blk); err != nil {
		return 0, err
	}
	if valueAddr == 0 {
		return 0, errors.MalformedValue(errors.PhaseEncode, nil, "guest rejected serialized value")
	}
	return valueAddr, nil
}

// readRaw dumps the guest value at valueAddr to JSON text and returns a
// host-owned copy. The guest-side dump buffer is freed before returning.
func (c *codec) readRaw(ctx context.Context, valueAddr uint32) ([]byte, error) {
	res, err := c.jsonDump.Call(ctx, uint64(valueAddr))
	if err != nil {
		return nil, errors.ExecutionFault(err, "opa_json_dump trapped")
	}
	dumpAddr := uint32(res[0])
	if dumpAddr == 0 {
		return nil, errors.MalformedValue(errors.PhaseDecode, nil, "guest could not serialize value")
	}

	s, err := c.mem.ReadString(dumpAddr)
	if err != nil {
		return nil, err
	}
	if err := c.mem.Free(ctx, Block{Addr: dumpAddr}); err != nil {
		return nil, err
	}
	return []byte(s), nil
}

// readValue decodes the guest value at valueAddr into a host value.
func (c *codec) readValue(ctx context.Context, valueAddr uint32) (any, error) {
	raw, err := c.readRaw(ctx, valueAddr)
	if err != nil {
		return nil, err
	}
	return decodeJSON(raw)
}

// decodeJSON parses JSON text preserving number forms.
func decodeJSON(raw []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, errors.MalformedValue(errors.PhaseDecode, err, "parse guest value")
	}
	return v, nil
}
