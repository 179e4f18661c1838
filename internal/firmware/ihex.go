package firmware

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"
	"unicode/utf8"

	"github.com/marcinbor85/gohex"
)

var (
	ErrNotUTF8             = errors.New("Intel HEX data is not valid UTF-8")
	ErrInvalidPrefix       = errors.New("colon prefix missing")
	ErrInvalidHex          = errors.New("invalid hex digit")
	ErrRecordTooShort      = errors.New("record too short")
	ErrInvalidRecordLength = errors.New("length invalid for record")
	ErrInvalidChecksum     = errors.New("invalid checksum")
	ErrUnknownRecordType   = errors.New("unknown record type")
)

// ParseError reports a malformed Intel HEX record.
type ParseError struct {
	Line int
	Err  error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("Intel HEX parse error on line %d: %v", e.Line, e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

type recordType byte

const (
	recData recordType = iota
	recEOF
	recExtendedSegmentAddress
	recStartSegmentAddress
	recExtendedLinearAddress
	recStartLinearAddress
)

type record struct {
	typ     recordType
	address uint16
	data    []byte
}

// parseRecord decodes one ":LLAAAATT<data>CC" line.
func parseRecord(line string) (record, error) {
	if !strings.HasPrefix(line, ":") {
		return record{}, ErrInvalidPrefix
	}

	raw, err := hex.DecodeString(line[1:])
	if err != nil {
		return record{}, ErrInvalidHex
	}
	if len(raw) < 5 {
		return record{}, ErrRecordTooShort
	}

	length := int(raw[0])
	if len(raw) != length+5 {
		return record{}, ErrInvalidRecordLength
	}

	var sum byte
	for _, b := range raw {
		sum += b
	}
	if sum != 0 {
		return record{}, ErrInvalidChecksum
	}

	rec := record{
		typ:     recordType(raw[3]),
		address: binary.BigEndian.Uint16(raw[1:3]),
		data:    raw[4 : 4+length],
	}

	var want int
	switch rec.typ {
	case recData:
		return rec, nil
	case recEOF:
		want = 0
	case recExtendedSegmentAddress, recExtendedLinearAddress:
		want = 2
	case recStartSegmentAddress, recStartLinearAddress:
		want = 4
	default:
		return record{}, ErrUnknownRecordType
	}
	if length != want {
		return record{}, ErrInvalidRecordLength
	}
	return rec, nil
}

// FromIntelHex decodes Intel HEX text and places every data record at
// baseOffset plus its absolute address.
func FromIntelHex(text []byte, pageSize, baseOffset int) (*Image, error) {
	if !utf8.Valid(text) {
		return nil, ErrNotUTF8
	}

	var sections []Section
	base := 0

lines:
	for i, line := range strings.Split(string(text), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		rec, err := parseRecord(line)
		if err != nil {
			return nil, &ParseError{Line: i + 1, Err: err}
		}

		switch rec.typ {
		case recData:
			sections = append(sections, Section{
				Offset: baseOffset + base + int(rec.address),
				Data:   rec.data,
			})
		case recExtendedSegmentAddress:
			base = int(binary.BigEndian.Uint16(rec.data)) * 16
		case recExtendedLinearAddress:
			base = int(binary.BigEndian.Uint16(rec.data)) << 16
		case recEOF:
			break lines
		}
	}

	return newImage(sections, pageSize)
}

// WriteIntelHex encodes data placed at base as Intel HEX.
func WriteIntelHex(w io.Writer, base int, data []byte) error {
	mem := gohex.NewMemory()
	if err := mem.AddBinary(uint32(base), data); err != nil {
		return err
	}
	return mem.DumpIntelHex(w, 16)
}

// WriteIntelHex encodes every section of the image as Intel HEX.
func (img *Image) WriteIntelHex(w io.Writer) error {
	mem := gohex.NewMemory()
	for _, s := range img.sections {
		if err := mem.AddBinary(uint32(s.Offset), s.Data); err != nil {
			return err
		}
	}
	return mem.DumpIntelHex(w, 16)
}
