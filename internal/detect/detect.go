package detect

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang/glog"

	"github.com/bigbag/sn8-flasher/internal/chip"
	"github.com/bigbag/sn8-flasher/internal/flasher"
	"github.com/bigbag/sn8-flasher/internal/serial"
)

// Result represents a detected SN8F5xxx device.
type Result struct {
	Port   string
	ChipID uint32
	Chip   chip.Info
	Known  bool
}

// ChipName returns the series name, or "unknown" for IDs not in the table.
func (r Result) ChipName() string {
	return chip.Name(r.ChipID)
}

// Options control how each port is opened and scanned.
type Options struct {
	BaudRate    int
	ResetLine   serial.ResetLine
	ResetInvert bool
	Timeout     time.Duration
	Flasher     []flasher.Option
}

// ErrNoPorts is returned when the system reports no serial ports.
var ErrNoPorts = errors.New("no serial ports found")

// DetectDevice tries to detect an SN8F5xxx on available ports.
// Returns the first device that answers the handshake, or an error.
func DetectDevice(opts Options) (*Result, error) {
	ports, err := serial.ListPorts()
	if err != nil {
		return nil, fmt.Errorf("failed to list ports: %w", err)
	}

	if len(ports) == 0 {
		return nil, ErrNoPorts
	}

	var lastErr error
	for _, portName := range ports {
		result, err := tryPort(portName, opts)
		if err != nil {
			glog.V(1).Infof("%s: %v", portName, err)
			lastErr = err
			continue
		}
		return result, nil
	}

	return nil, fmt.Errorf("no SN8F5xxx device found (last error: %w)", lastErr)
}

// DetectOnPort tries to detect an SN8F5xxx on a specific port.
func DetectOnPort(portName string, opts Options) (*Result, error) {
	return tryPort(portName, opts)
}

// ListDevices scans all ports and returns every device that answered.
func ListDevices(opts Options) ([]Result, error) {
	ports, err := serial.ListPorts()
	if err != nil {
		return nil, fmt.Errorf("failed to list ports: %w", err)
	}

	var results []Result
	for _, portName := range ports {
		result, err := tryPort(portName, opts)
		if err != nil {
			glog.V(1).Infof("%s: %v", portName, err)
			continue
		}
		results = append(results, *result)
	}

	return results, nil
}

// OpenPort opens portName with the reset line settings from opts.
func OpenPort(portName string, opts Options) (*serial.Port, error) {
	baud := opts.BaudRate
	if baud == 0 {
		baud = serial.DefaultBaudRate
	}
	port, err := serial.Open(portName, baud)
	if err != nil {
		return nil, err
	}
	port.SetResetLine(opts.ResetLine)
	port.SetResetInvert(opts.ResetInvert)
	if opts.Timeout > 0 {
		if err := port.SetTimeout(opts.Timeout); err != nil {
			port.Close()
			return nil, err
		}
	}
	if err := port.Flush(); err != nil {
		port.Close()
		return nil, err
	}
	return port, nil
}

func tryPort(portName string, opts Options) (*Result, error) {
	port, err := OpenPort(portName, opts)
	if err != nil {
		return nil, err
	}
	defer port.Close()

	f := flasher.New(port, opts.Flasher...)
	defer f.Close()

	id, err := f.Connect()
	if err != nil {
		return nil, err
	}

	info, known := chip.Lookup(id)
	return &Result{
		Port:   portName,
		ChipID: id,
		Chip:   info,
		Known:  known,
	}, nil
}
