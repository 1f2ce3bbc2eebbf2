package wasm

import "bytes"

// Asm is a tiny straight-line instruction assembler for function bodies.
// It covers only the opcodes needed by synthesized modules and fixtures.
type Asm struct {
	buf bytes.Buffer
}

// NewAsm returns an empty assembler.
func NewAsm() *Asm {
	return &Asm{}
}

func (a *Asm) LocalGet(idx uint32) *Asm {
	a.buf.WriteByte(0x20)
	WriteU32(&a.buf, idx)
	return a
}

func (a *Asm) LocalSet(idx uint32) *Asm {
	a.buf.WriteByte(0x21)
	WriteU32(&a.buf, idx)
	return a
}

func (a *Asm) GlobalGet(idx uint32) *Asm {
	a.buf.WriteByte(0x23)
	WriteU32(&a.buf, idx)
	return a
}

func (a *Asm) GlobalSet(idx uint32) *Asm {
	a.buf.WriteByte(0x24)
	WriteU32(&a.buf, idx)
	return a
}

func (a *Asm) I32Const(v int32) *Asm {
	a.buf.WriteByte(0x41)
	WriteS32(&a.buf, v)
	return a
}

func (a *Asm) I32Add() *Asm {
	a.buf.WriteByte(0x6A)
	return a
}

func (a *Asm) Call(funcIdx uint32) *Asm {
	a.buf.WriteByte(0x10)
	WriteU32(&a.buf, funcIdx)
	return a
}

func (a *Asm) Drop() *Asm {
	a.buf.WriteByte(0x1A)
	return a
}

// Loop opens a loop block with an empty block type.
func (a *Asm) Loop() *Asm {
	a.buf.WriteByte(0x03)
	a.buf.WriteByte(0x40)
	return a
}

// Br branches to the label at the given relative depth.
func (a *Asm) Br(depth uint32) *Asm {
	a.buf.WriteByte(0x0C)
	WriteU32(&a.buf, depth)
	return a
}

// EndBlock closes the innermost open block.
func (a *Asm) EndBlock() *Asm {
	a.buf.WriteByte(0x0B)
	return a
}

func (a *Asm) Unreachable() *Asm {
	a.buf.WriteByte(0x00)
	return a
}

// End terminates the body and returns the instruction bytes.
func (a *Asm) End() []byte {
	a.buf.WriteByte(0x0B)
	return a.buf.Bytes()
}
