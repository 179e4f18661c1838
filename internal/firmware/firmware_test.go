package firmware

import (
	"bytes"
	"errors"
	"math/rand"
	"os"
	"path/filepath"
	"reflect"
	"sort"
	"testing"
)

func TestAlignAndMerge_Example(t *testing.T) {
	src := []Section{
		{Offset: 1, Data: []byte{2}},
		{Offset: 2, Data: []byte{3, 4}},
		{Offset: 3, Data: []byte{5}},
		{Offset: 9, Data: []byte{7}},
		{Offset: 5, Data: []byte{6}},
		{Offset: 256, Data: []byte{8}},
	}
	expected := []Section{
		{Offset: 0, Data: []byte{0xFF, 2, 3, 5, 0xFF, 6}},
		{Offset: 8, Data: []byte{0xFF, 7}},
		{Offset: 256, Data: []byte{8, 0xFF}},
	}

	result := AlignAndMerge(src, 2)
	if !reflect.DeepEqual(result, expected) {
		t.Errorf("AlignAndMerge() = %v, want %v", result, expected)
	}
}

func TestAlignAndMerge_DoesNotModifyInput(t *testing.T) {
	src := []Section{
		{Offset: 40, Data: []byte{1, 2, 3}},
		{Offset: 3, Data: []byte{4}},
	}
	AlignAndMerge(src, 32)

	if src[0].Offset != 40 || !bytes.Equal(src[0].Data, []byte{1, 2, 3}) || src[1].Offset != 3 {
		t.Errorf("input modified: %v", src)
	}
}

func TestAlignAndMerge_SkipsEmpty(t *testing.T) {
	result := AlignAndMerge([]Section{{Offset: 5, Data: nil}}, 32)
	if len(result) != 0 {
		t.Errorf("AlignAndMerge(empty) = %v, want none", result)
	}
}

func randomSections(rng *rand.Rand) []Section {
	n := rng.Intn(12) + 1
	sections := make([]Section, n)
	for i := range sections {
		data := make([]byte, rng.Intn(70)+1)
		rng.Read(data)
		sections[i] = Section{Offset: rng.Intn(0x800), Data: data}
	}
	return sections
}

func checkInvariants(t *testing.T, sections []Section, pageSize int) {
	t.Helper()
	for i, s := range sections {
		if s.Offset%pageSize != 0 {
			t.Errorf("section %d offset %d not aligned to %d", i, s.Offset, pageSize)
		}
		if s.Len()%pageSize != 0 || s.Len() == 0 {
			t.Errorf("section %d length %d not a page multiple", i, s.Len())
		}
		if i > 0 && s.Offset <= sections[i-1].End() {
			t.Errorf("section %d at %d overlaps or touches previous ending at %d", i, s.Offset, sections[i-1].End())
		}
	}
}

func TestAlignAndMerge_Invariants(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	for _, pageSize := range []int{1, 2, 32, 64} {
		for iter := 0; iter < 200; iter++ {
			src := randomSections(rng)
			result := AlignAndMerge(src, pageSize)
			checkInvariants(t, result, pageSize)

			// Among overlapping inputs the one starting last wins.
			ordered := append([]Section(nil), src...)
			sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Offset < ordered[j].Offset })
			expected := coverage(ordered)
			covered := coverage(result)
			for addr, b := range expected {
				if got, ok := covered[addr]; !ok || got != b {
					t.Fatalf("page %d: address %d = 0x%02X (%v), want 0x%02X", pageSize, addr, got, ok, b)
				}
			}
			for addr, b := range covered {
				if _, ok := expected[addr]; !ok && b != Filler {
					t.Fatalf("page %d: filler at %d = 0x%02X", pageSize, addr, b)
				}
			}
		}
	}
}

func TestAlignAndMerge_Idempotent(t *testing.T) {
	rng := rand.New(rand.NewSource(2))
	for iter := 0; iter < 200; iter++ {
		once := AlignAndMerge(randomSections(rng), 32)
		twice := AlignAndMerge(once, 32)
		if !reflect.DeepEqual(once, twice) {
			t.Fatalf("AlignAndMerge not idempotent:\n%v\n%v", once, twice)
		}
	}
}

func coverage(sections []Section) map[int]byte {
	m := map[int]byte{}
	for _, s := range sections {
		for i, b := range s.Data {
			m[s.Offset+i] = b
		}
	}
	return m
}

func TestFromRawBytes(t *testing.T) {
	img, err := FromRawBytes([]byte{1, 2, 3}, 32, 0x10)
	if err != nil {
		t.Fatal(err)
	}
	if img.PageSize() != 32 || img.Len() != 32 || img.IsEmpty() {
		t.Errorf("image = len %d page %d", img.Len(), img.PageSize())
	}
	sections := img.Sections()
	if len(sections) != 1 || sections[0].Offset != 0 {
		t.Fatalf("Sections() = %v", sections)
	}
	if !bytes.Equal(sections[0].Data[0x10:0x13], []byte{1, 2, 3}) || sections[0].Data[0] != Filler {
		t.Errorf("section data = % X", sections[0].Data)
	}
}

func TestFromRawBytes_Empty(t *testing.T) {
	img, err := FromRawBytes(nil, 32, 0)
	if err != nil {
		t.Fatal(err)
	}
	if !img.IsEmpty() {
		t.Error("IsEmpty() = false for empty input")
	}
}

func TestFromRawBytes_BadPageSize(t *testing.T) {
	for _, pageSize := range []int{0, -32, MaxPageSize + 1, 1 << 30} {
		if _, err := FromRawBytes([]byte{1}, pageSize, 0); !errors.Is(err, ErrPageSize) {
			t.Errorf("FromRawBytes(page %d) error = %v, want ErrPageSize", pageSize, err)
		}
	}
	if _, err := FromIntelHex([]byte(":0100000011EE\n"), 1<<30, 0); !errors.Is(err, ErrPageSize) {
		t.Errorf("FromIntelHex(page 1<<30) error = %v, want ErrPageSize", err)
	}

	img, err := FromRawBytes([]byte{1}, MaxPageSize, 0)
	if err != nil {
		t.Fatalf("FromRawBytes(page %d) error = %v", MaxPageSize, err)
	}
	if img.Len() != MaxPageSize {
		t.Errorf("Len() = %d, want %d", img.Len(), MaxPageSize)
	}
}

func TestGrow(t *testing.T) {
	buf := grow([]byte{1, 2}, 5)
	if !bytes.Equal(buf, []byte{1, 2, Filler, Filler, Filler}) {
		t.Errorf("grow() = % X", buf)
	}
	if got := grow(buf, 3); len(got) != 5 {
		t.Errorf("grow() shrank to %d bytes", len(got))
	}
}

func TestFromReader(t *testing.T) {
	img, err := FromReader(bytes.NewReader([]byte{0xAA, 0xBB}), 2, 0)
	if err != nil {
		t.Fatal(err)
	}
	if img.Len() != 2 || !bytes.Equal(img.Sections()[0].Data, []byte{0xAA, 0xBB}) {
		t.Errorf("FromReader() = %v", img.Sections())
	}
}

func TestFromFile_ByExtension(t *testing.T) {
	dir := t.TempDir()

	hexPath := filepath.Join(dir, "fw.HEX")
	hexText := ":0300000002000CEF\n:00000001FF\n"
	if err := os.WriteFile(hexPath, []byte(hexText), 0o644); err != nil {
		t.Fatal(err)
	}
	img, err := FromFile(hexPath, 4, 0)
	if err != nil {
		t.Fatalf("FromFile(hex) error = %v", err)
	}
	if !bytes.Equal(img.Sections()[0].Data, []byte{0x02, 0x00, 0x0C, 0xFF}) {
		t.Errorf("FromFile(hex) = % X", img.Sections()[0].Data)
	}

	binPath := filepath.Join(dir, "fw.bin")
	if err := os.WriteFile(binPath, []byte(hexText), 0o644); err != nil {
		t.Fatal(err)
	}
	img, err = FromFile(binPath, 4, 0)
	if err != nil {
		t.Fatalf("FromFile(bin) error = %v", err)
	}
	if img.Len() != roundUp(len(hexText), 4) {
		t.Errorf("FromFile(bin) len = %d", img.Len())
	}

	if _, err := FromFile(filepath.Join(dir, "missing.bin"), 4, 0); err == nil {
		t.Error("FromFile(missing) succeeded")
	}
}

func TestIsIntelHexPath(t *testing.T) {
	tests := []struct {
		path     string
		expected bool
	}{
		{"a.hex", true},
		{"a.ihex", true},
		{"dir/a.IHX", true},
		{"a.bin", false},
		{"hex", false},
	}
	for _, tc := range tests {
		if got := IsIntelHexPath(tc.path); got != tc.expected {
			t.Errorf("IsIntelHexPath(%q) = %v, want %v", tc.path, got, tc.expected)
		}
	}
}
