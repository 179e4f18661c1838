package serial

import (
	"errors"
	"fmt"
	"time"

	"go.bug.st/serial"
)

// Default link parameters of the Sonix ISP bootloader.
const (
	DefaultBaudRate = 750000
	DefaultTimeout  = 50 * time.Millisecond
)

// ErrTimeout is returned when the port delivers no data within the read timeout.
var ErrTimeout = errors.New("serial read timed out")

// ResetLine selects the modem control line wired to the target reset pin.
type ResetLine int

const (
	ResetRTS ResetLine = iota
	ResetDTR
)

func (l ResetLine) String() string {
	switch l {
	case ResetRTS:
		return "rts"
	case ResetDTR:
		return "dtr"
	default:
		return fmt.Sprintf("ResetLine(%d)", int(l))
	}
}

// ParseResetLine converts "rts" or "dtr" into a ResetLine.
func ParseResetLine(s string) (ResetLine, error) {
	switch s {
	case "rts", "RTS":
		return ResetRTS, nil
	case "dtr", "DTR":
		return ResetDTR, nil
	}
	return 0, fmt.Errorf("unknown reset line %q (want rts or dtr)", s)
}

// EchoReadError reports that the echo of a written byte never came back.
// TX and RX share one wire, so this usually means RX is not connected.
type EchoReadError struct {
	Offset int
	Err    error
}

func (e *EchoReadError) Error() string {
	return fmt.Sprintf("failed to read echo of byte %d, check RX+TX connection: %v", e.Offset, e.Err)
}

func (e *EchoReadError) Unwrap() error {
	return e.Err
}

// EchoMismatchError reports an echoed byte that differs from the one sent.
type EchoMismatchError struct {
	Offset   int
	Sent     byte
	Received byte
}

func (e *EchoMismatchError) Error() string {
	return fmt.Sprintf("write/read mismatch at byte %d: sent 0x%02X, got 0x%02X, check RX+TX connection",
		e.Offset, e.Sent, e.Received)
}

// Port wraps a serial port wired for the Sonix single-wire ISP link.
type Port struct {
	port        serial.Port
	portName    string
	baudRate    int
	timeout     time.Duration
	resetLine   ResetLine
	resetInvert bool
}

// Open opens a serial port with the specified baud rate.
func Open(portName string, baudRate int) (*Port, error) {
	mode := &serial.Mode{
		BaudRate: baudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}

	port, err := serial.Open(portName, mode)
	if err != nil {
		return nil, fmt.Errorf("failed to open port %s: %w", portName, err)
	}

	p := newPort(port, portName, baudRate)
	if err := p.SetTimeout(DefaultTimeout); err != nil {
		port.Close()
		return nil, err
	}

	return p, nil
}

func newPort(port serial.Port, portName string, baudRate int) *Port {
	return &Port{
		port:     port,
		portName: portName,
		baudRate: baudRate,
		timeout:  DefaultTimeout,
	}
}

// Close closes the serial port.
func (p *Port) Close() error {
	if p.port != nil {
		return p.port.Close()
	}
	return nil
}

// Write sends data and consumes the echo of every byte, comparing it with
// what was sent.
func (p *Port) Write(data []byte) error {
	n, err := p.port.Write(data)
	if err != nil {
		return fmt.Errorf("failed to write into serial port: %w", err)
	}
	if n != len(data) {
		return fmt.Errorf("short write: %d of %d bytes", n, len(data))
	}
	if err := p.port.Drain(); err != nil {
		return fmt.Errorf("failed to drain serial port: %w", err)
	}

	var echo [1]byte
	for i, b := range data {
		if err := p.readByte(echo[:]); err != nil {
			return &EchoReadError{Offset: i, Err: err}
		}
		if echo[0] != b {
			return &EchoMismatchError{Offset: i, Sent: b, Received: echo[0]}
		}
	}

	return nil
}

// Read fills buf completely or fails.
func (p *Port) Read(buf []byte) error {
	for i := range buf {
		if err := p.readByte(buf[i : i+1]); err != nil {
			return fmt.Errorf("failed to read from serial port: %w", err)
		}
	}
	return nil
}

func (p *Port) readByte(b []byte) error {
	n, err := p.port.Read(b)
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrTimeout
	}
	return nil
}

// SetResetLine chooses between RTS and DTR for the reset signal.
func (p *Port) SetResetLine(line ResetLine) {
	p.resetLine = line
}

// SetResetInvert inverts the level driven on the reset line.
func (p *Port) SetResetInvert(invert bool) {
	p.resetInvert = invert
}

// SetReset drives the configured reset line.
func (p *Port) SetReset(level bool) error {
	if p.resetInvert {
		level = !level
	}
	switch p.resetLine {
	case ResetDTR:
		if err := p.port.SetDTR(level); err != nil {
			return fmt.Errorf("failed to set DTR pin: %w", err)
		}
	default:
		if err := p.port.SetRTS(level); err != nil {
			return fmt.Errorf("failed to set RTS pin: %w", err)
		}
	}
	return nil
}

// SetTimeout sets the read deadline for every single byte.
func (p *Port) SetTimeout(timeout time.Duration) error {
	if err := p.port.SetReadTimeout(timeout); err != nil {
		return fmt.Errorf("failed to set read timeout: %w", err)
	}
	p.timeout = timeout
	return nil
}

// Timeout returns the current read timeout.
func (p *Port) Timeout() time.Duration {
	return p.timeout
}

// Flush discards any buffered input.
func (p *Port) Flush() error {
	return p.port.ResetInputBuffer()
}

// PortName returns the port name.
func (p *Port) PortName() string {
	return p.portName
}

// BaudRate returns the current baud rate.
func (p *Port) BaudRate() int {
	return p.baudRate
}

// ListPorts returns a list of available serial ports.
func ListPorts() ([]string, error) {
	ports, err := serial.GetPortsList()
	if err != nil {
		return nil, err
	}
	return ports, nil
}
