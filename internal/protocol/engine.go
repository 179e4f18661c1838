package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/golang/glog"
)

// Transport is the byte channel to the target. Write must verify the echo of
// every byte it sends.
type Transport interface {
	Write(data []byte) error
	Read(buf []byte) error
	SetReset(level bool) error
	SetTimeout(timeout time.Duration) error
	Timeout() time.Duration
}

// ErrReadInBatch is returned when a response is requested while a write batch
// is still queueing frames.
var ErrReadInBatch = errors.New("read attempted while a write batch is open")

// HandshakeError is returned when the bootloader answers the connect
// challenge with anything but four 0xFF bytes.
type HandshakeError struct {
	Response [4]byte
}

func (e *HandshakeError) Error() string {
	return fmt.Sprintf("invalid handshake response % X", e.Response[:])
}

// Engine turns single-instruction execution on the target into memory access.
// It is not safe for concurrent use.
type Engine struct {
	t     Transport
	batch *batch
}

type batch struct {
	depth  int
	failed bool
	buf    []byte
}

// NewEngine creates an Engine on top of t.
func NewEngine(t Transport) *Engine {
	return &Engine{t: t}
}

// Batch queues every frame sent by fn and writes them as one block once the
// outermost Batch returns. Batches nest. Nothing is written if fn, or any
// nested batch, fails.
func (e *Engine) Batch(fn func() error) error {
	if e.batch == nil {
		e.batch = &batch{}
	}
	b := e.batch
	b.depth++

	err := fn()
	if err != nil {
		b.failed = true
	}

	b.depth--
	if b.depth > 0 {
		return err
	}
	e.batch = nil

	if err != nil {
		return err
	}
	if b.failed {
		return errors.New("nested write batch failed")
	}
	if len(b.buf) == 0 {
		return nil
	}

	glog.V(3).Infof("flush batch: %d bytes", len(b.buf))
	return e.t.Write(b.buf)
}

// InBatch reports whether a write batch is open.
func (e *Engine) InBatch() bool {
	return e.batch != nil
}

func (e *Engine) send(frame ...byte) error {
	if glog.V(3) {
		glog.Infof("tx %-12s % X", CommandName(frame[1]), frame)
	}
	if e.batch != nil {
		e.batch.buf = append(e.batch.buf, frame...)
		return nil
	}
	return e.t.Write(frame)
}

func (e *Engine) recv(buf []byte) error {
	if e.batch != nil {
		return ErrReadInBatch
	}
	if err := e.t.Read(buf); err != nil {
		return err
	}
	if glog.V(3) {
		glog.Infof("rx % X", buf)
	}
	return nil
}

// Select points the debug interface at register reg.
func (e *Engine) Select(reg byte) error {
	return e.send(SyncByte, CmdSelect, reg)
}

// Control writes a two byte control word.
func (e *Engine) Control(arg1, arg2 byte) error {
	return e.send(SyncByte, CmdControl, arg1, arg2)
}

// StartStream switches the fetch command to auto-incrementing flash reads.
func (e *Engine) StartStream() error {
	return e.send(SyncByte, CmdStreamStart)
}

// EndStream leaves bulk mode.
func (e *Engine) EndStream() error {
	return e.send(SyncByte, CmdStreamEnd)
}

// FetchByte emits the selected register (or the next streamed byte) and reads it.
func (e *Engine) FetchByte() (byte, error) {
	if e.batch != nil {
		return 0, ErrReadInBatch
	}
	if err := e.send(SyncByte, CmdFetch); err != nil {
		return 0, err
	}
	res := make([]byte, ResponseLength(CmdFetch))
	if err := e.recv(res); err != nil {
		return 0, err
	}
	return res[0], nil
}

// Status reads the two byte ISP status word.
func (e *Engine) Status() (uint16, error) {
	if e.batch != nil {
		return 0, ErrReadInBatch
	}
	if err := e.send(SyncByte, CmdStatus); err != nil {
		return 0, err
	}
	res := make([]byte, ResponseLength(CmdStatus))
	if err := e.recv(res); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(res), nil
}

// Handshake sends the connect challenge and checks the answer.
func (e *Engine) Handshake() error {
	if e.batch != nil {
		return ErrReadInBatch
	}
	glog.V(3).Infof("tx %-12s %d bytes", CommandName(CmdConnect), len(handshakeMagic))
	if err := e.t.Write(handshakeMagic[:]); err != nil {
		return err
	}

	var res [4]byte
	if err := e.recv(res[:]); err != nil {
		return fmt.Errorf("no handshake response, check reset circuit and chip connection: %w", err)
	}
	if res != [4]byte{0xFF, 0xFF, 0xFF, 0xFF} {
		return &HandshakeError{Response: res}
	}
	return nil
}

// ReadChipID reads the 32-bit chip identifier and closes bulk mode again.
func (e *Engine) ReadChipID() (uint32, error) {
	if e.batch != nil {
		return 0, ErrReadInBatch
	}
	if err := e.send(SyncByte, CmdChipID, 0x55, 0xA0); err != nil {
		return 0, err
	}
	res := make([]byte, ResponseLength(CmdChipID))
	if err := e.recv(res); err != nil {
		return 0, err
	}
	if err := e.EndStream(); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(res), nil
}

// ExecInstruction runs one 3-byte 8051 instruction on the target.
func (e *Engine) ExecInstruction(opcode, arg1, arg2 byte) error {
	glog.V(4).Infof("exec %02X %02X %02X", opcode, arg1, arg2)
	if err := e.Select(SelInstruction); err != nil {
		return err
	}
	if err := e.send(SyncByte, CmdLoad, arg2, arg1, opcode); err != nil {
		return err
	}
	if err := e.Select(SelExecute); err != nil {
		return err
	}
	return e.Control(CtrlStep, CtrlOn)
}

// WriteRAM stores value at an internal RAM (or SFR) address.
func (e *Engine) WriteRAM(address, value byte) error {
	return e.ExecInstruction(OpMovDirectImm, address, value)
}

// ReadRAM loads an internal RAM (or SFR) address into A and fetches it.
func (e *Engine) ReadRAM(address byte) (byte, error) {
	if err := e.ExecInstruction(OpMovADirect, address, 0x00); err != nil {
		return 0, err
	}
	if err := e.Select(SelAccumulator); err != nil {
		return 0, err
	}
	return e.FetchByte()
}

// WriteSFR writes a special function register.
func (e *Engine) WriteSFR(sfr SFR, value byte) error {
	glog.V(2).Infof("sfr[%02X] <- %02X", byte(sfr), value)
	return e.WriteRAM(byte(sfr), value)
}

// ReadSFR reads a special function register.
func (e *Engine) ReadSFR(sfr SFR) (byte, error) {
	v, err := e.ReadRAM(byte(sfr))
	if err != nil {
		return 0, err
	}
	glog.V(2).Infof("sfr[%02X] -> %02X", byte(sfr), v)
	return v, nil
}

// LoadDPTR points the data pointer at address.
func (e *Engine) LoadDPTR(address uint16) error {
	return e.ExecInstruction(OpMovDPTRImm, byte(address>>8), byte(address))
}

// WriteXRAM stores value in external memory through the data pointer.
func (e *Engine) WriteXRAM(address uint16, value byte) error {
	glog.V(2).Infof("xram[%04X] <- %02X", address, value)
	if err := e.LoadDPTR(address); err != nil {
		return err
	}
	if err := e.ExecInstruction(OpMovAImm, value, 0x00); err != nil {
		return err
	}
	return e.ExecInstruction(OpMovxDPTRA, 0x00, 0x00)
}

// ReadXRAM fetches one byte of external memory.
func (e *Engine) ReadXRAM(address uint16) (byte, error) {
	if err := e.LoadDPTR(address); err != nil {
		return 0, err
	}
	for _, reg := range []byte{SelMode, ModeMOVX, SelMode, ModeNormal, SelAccumulator} {
		if err := e.Select(reg); err != nil {
			return 0, err
		}
	}
	v, err := e.FetchByte()
	if err != nil {
		return 0, err
	}
	glog.V(2).Infof("xram[%04X] -> %02X", address, v)
	return v, nil
}
