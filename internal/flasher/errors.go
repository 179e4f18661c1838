package flasher

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrNotConnected     = errors.New("not connected to bootloader")
	ErrNonMainBankWrite = errors.New("writing to a non-main ROM bank is not allowed")
	ErrNonMainBankErase = errors.New("erasing a non-main ROM bank is not allowed")
)

// WriteCheckError is returned when the ISP status after an erase or page
// write is not the expected completion value.
type WriteCheckError struct {
	Status uint16
}

func (e *WriteCheckError) Error() string {
	return fmt.Sprintf("invalid write check result 0x%04X", e.Status)
}

// VerifyMismatchError lists every absolute offset whose flash content differs
// from the image.
type VerifyMismatchError struct {
	Offsets []int
}

func (e *VerifyMismatchError) Error() string {
	const shown = 16

	var sb strings.Builder
	fmt.Fprintf(&sb, "verify mismatch at %d offsets:", len(e.Offsets))
	for i, off := range e.Offsets {
		if i == shown {
			sb.WriteString(" ...")
			break
		}
		fmt.Fprintf(&sb, " 0x%04X", off)
	}
	return sb.String()
}

// AddressRangeError is returned for a section outside the 16-bit code space.
type AddressRangeError struct {
	Offset int
	Length int
}

func (e *AddressRangeError) Error() string {
	return fmt.Sprintf("range 0x%X+0x%X is outside the 64K code space", e.Offset, e.Length)
}
