// Package firmware turns raw binaries and Intel HEX files into page aligned
// sections ready to be written to flash.
package firmware

import (
	"bytes"
	"cmp"
	"errors"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/golang/glog"
)

// Filler matches the content of erased flash.
const Filler = 0xFF

// MaxPageSize is the size of the internal RAM window a page is staged in.
const MaxPageSize = 0x100

// ErrPageSize is returned for a page size outside 1..MaxPageSize.
var ErrPageSize = errors.New("page size must be between 1 and 256 bytes")

// Section is one contiguous range of target memory.
type Section struct {
	Offset int
	Data   []byte
}

// Len returns the number of bytes in the section.
func (s Section) Len() int {
	return len(s.Data)
}

// End returns the offset just past the last byte.
func (s Section) End() int {
	return s.Offset + len(s.Data)
}

// Image is a firmware image split into ascending, disjoint sections whose
// offsets and lengths are multiples of the page size.
type Image struct {
	len      int
	pageSize int
	sections []Section
}

// Len returns the total number of bytes over all sections.
func (img *Image) Len() int {
	return img.len
}

// IsEmpty reports whether the image has nothing to write.
func (img *Image) IsEmpty() bool {
	return img.len == 0
}

// PageSize returns the page size the image was aligned to.
func (img *Image) PageSize() int {
	return img.pageSize
}

// Sections returns the merged sections. Callers must not modify them.
func (img *Image) Sections() []Section {
	return img.sections
}

func newImage(sections []Section, pageSize int) (*Image, error) {
	if pageSize <= 0 || pageSize > MaxPageSize {
		return nil, ErrPageSize
	}

	merged := AlignAndMerge(sections, pageSize)
	total := 0
	for _, s := range merged {
		total += s.Len()
	}

	return &Image{
		len:      total,
		pageSize: pageSize,
		sections: merged,
	}, nil
}

// FromRawBytes creates an image holding data at baseOffset.
func FromRawBytes(data []byte, pageSize, baseOffset int) (*Image, error) {
	return newImage([]Section{{Offset: baseOffset, Data: data}}, pageSize)
}

// FromReader reads a raw binary until EOF.
func FromReader(r io.Reader, pageSize, baseOffset int) (*Image, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	return FromRawBytes(data, pageSize, baseOffset)
}

// FromFile loads path as Intel HEX when it has a .hex, .ihex or .ihx
// extension and as raw binary otherwise.
func FromFile(path string, pageSize, baseOffset int) (*Image, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	if IsIntelHexPath(path) {
		glog.Infof("Loading %s as Intel HEX", path)
		return FromIntelHex(data, pageSize, baseOffset)
	}
	glog.Infof("Loading %s as raw binary", path)
	return FromRawBytes(data, pageSize, baseOffset)
}

// IsIntelHexPath reports whether the file extension denotes Intel HEX.
func IsIntelHexPath(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".hex", ".ihex", ".ihx":
		return true
	}
	return false
}

// AlignAndMerge sorts sections by offset and returns the smallest set of
// whole pages covering every input byte. Bytes not covered by any input
// section are set to Filler. Later sections win where inputs overlap.
func AlignAndMerge(sections []Section, pageSize int) []Section {
	sorted := make([]Section, 0, len(sections))
	for _, s := range sections {
		if len(s.Data) > 0 {
			sorted = append(sorted, s)
		}
	}
	slices.SortStableFunc(sorted, func(a, b Section) int {
		return cmp.Compare(a.Offset, b.Offset)
	})

	var result []Section
	for _, s := range sorted {
		aligned := s.Offset / pageSize * pageSize

		if n := len(result); n > 0 && aligned <= result[n-1].End() {
			prev := &result[n-1]
			inner := s.Offset - prev.Offset
			required := inner + len(s.Data)
			target := max(roundUp(required, pageSize), len(prev.Data))
			prev.Data = grow(prev.Data, target)
			copy(prev.Data[inner:required], s.Data)
			continue
		}

		inner := s.Offset - aligned
		data := grow(nil, roundUp(inner+len(s.Data), pageSize))
		copy(data[inner:], s.Data)
		result = append(result, Section{Offset: aligned, Data: data})
	}

	return result
}

func roundUp(n, multiple int) int {
	return (n + multiple - 1) / multiple * multiple
}

// grow extends buf to size bytes, filling new bytes with Filler.
func grow(buf []byte, size int) []byte {
	if len(buf) >= size {
		return buf
	}
	return append(buf, bytes.Repeat([]byte{Filler}, size-len(buf))...)
}
