package serial

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"go.bug.st/serial"
)

// loopbackPort echoes everything written, optionally corrupting one byte.
type loopbackPort struct {
	serial.Port

	rx      bytes.Buffer
	written bytes.Buffer
	corrupt int
	rts     []bool
	dtr     []bool
	timeout time.Duration
}

func newLoopback() *loopbackPort {
	return &loopbackPort{corrupt: -1}
}

func (l *loopbackPort) Write(p []byte) (int, error) {
	for i, b := range p {
		if l.written.Len() == l.corrupt {
			b ^= 0xFF
		}
		l.written.WriteByte(p[i])
		l.rx.WriteByte(b)
	}
	return len(p), nil
}

func (l *loopbackPort) Read(p []byte) (int, error) {
	if l.rx.Len() == 0 {
		return 0, nil
	}
	return l.rx.Read(p)
}

func (l *loopbackPort) Drain() error { return nil }

func (l *loopbackPort) SetRTS(v bool) error {
	l.rts = append(l.rts, v)
	return nil
}

func (l *loopbackPort) SetDTR(v bool) error {
	l.dtr = append(l.dtr, v)
	return nil
}

func (l *loopbackPort) SetReadTimeout(t time.Duration) error {
	l.timeout = t
	return nil
}

func (l *loopbackPort) Close() error { return nil }

func TestWrite_ConsumesEcho(t *testing.T) {
	lb := newLoopback()
	p := newPort(lb, "loop", DefaultBaudRate)

	if err := p.Write([]byte{0x55, 0x48, 0x86}); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if lb.rx.Len() != 0 {
		t.Errorf("echo not consumed: %d bytes left", lb.rx.Len())
	}
}

func TestWrite_EchoMismatch(t *testing.T) {
	lb := newLoopback()
	lb.corrupt = 1
	p := newPort(lb, "loop", DefaultBaudRate)

	err := p.Write([]byte{0x55, 0x2A})
	var mismatch *EchoMismatchError
	if !errors.As(err, &mismatch) {
		t.Fatalf("Write() error = %v, want EchoMismatchError", err)
	}
	if mismatch.Offset != 1 || mismatch.Sent != 0x2A || mismatch.Received != 0xD5 {
		t.Errorf("mismatch = %+v", mismatch)
	}
}

func TestWrite_NoEcho(t *testing.T) {
	p := newPort(&silentPort{loopbackPort: newLoopback()}, "loop", DefaultBaudRate)

	err := p.Write([]byte{0x55})
	var echoErr *EchoReadError
	if !errors.As(err, &echoErr) {
		t.Fatalf("Write() error = %v, want EchoReadError", err)
	}
	if !errors.Is(err, ErrTimeout) {
		t.Errorf("EchoReadError does not wrap ErrTimeout: %v", err)
	}
}

type silentPort struct {
	*loopbackPort
}

func (s *silentPort) Write(p []byte) (int, error) {
	return len(p), nil
}

func TestRead_Timeout(t *testing.T) {
	p := newPort(newLoopback(), "loop", DefaultBaudRate)

	buf := make([]byte, 2)
	if err := p.Read(buf); !errors.Is(err, ErrTimeout) {
		t.Errorf("Read() error = %v, want ErrTimeout", err)
	}
}

func TestRead_Exact(t *testing.T) {
	lb := newLoopback()
	lb.rx.Write([]byte{0xFF, 0xFF, 0xFF, 0xFF})
	p := newPort(lb, "loop", DefaultBaudRate)

	buf := make([]byte, 4)
	if err := p.Read(buf); err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if !bytes.Equal(buf, []byte{0xFF, 0xFF, 0xFF, 0xFF}) {
		t.Errorf("Read() = %X", buf)
	}
}

func TestSetReset(t *testing.T) {
	tests := []struct {
		name   string
		line   ResetLine
		invert bool
		level  bool
		rts    []bool
		dtr    []bool
	}{
		{"rts", ResetRTS, false, true, []bool{true}, nil},
		{"rts inverted", ResetRTS, true, true, []bool{false}, nil},
		{"dtr", ResetDTR, false, false, nil, []bool{false}},
		{"dtr inverted", ResetDTR, true, false, nil, []bool{true}},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			lb := newLoopback()
			p := newPort(lb, "loop", DefaultBaudRate)
			p.SetResetLine(tc.line)
			p.SetResetInvert(tc.invert)

			if err := p.SetReset(tc.level); err != nil {
				t.Fatalf("SetReset() error = %v", err)
			}
			if len(lb.rts) != len(tc.rts) || (len(tc.rts) > 0 && lb.rts[0] != tc.rts[0]) {
				t.Errorf("RTS = %v, want %v", lb.rts, tc.rts)
			}
			if len(lb.dtr) != len(tc.dtr) || (len(tc.dtr) > 0 && lb.dtr[0] != tc.dtr[0]) {
				t.Errorf("DTR = %v, want %v", lb.dtr, tc.dtr)
			}
		})
	}
}

func TestSetTimeout(t *testing.T) {
	lb := newLoopback()
	p := newPort(lb, "loop", DefaultBaudRate)

	if p.Timeout() != DefaultTimeout {
		t.Errorf("Timeout() = %v, want %v", p.Timeout(), DefaultTimeout)
	}
	if err := p.SetTimeout(200 * time.Millisecond); err != nil {
		t.Fatal(err)
	}
	if p.Timeout() != 200*time.Millisecond || lb.timeout != 200*time.Millisecond {
		t.Errorf("timeout not applied: port=%v underlying=%v", p.Timeout(), lb.timeout)
	}
}

func TestParseResetLine(t *testing.T) {
	for _, s := range []string{"rts", "RTS"} {
		if l, err := ParseResetLine(s); err != nil || l != ResetRTS {
			t.Errorf("ParseResetLine(%q) = %v, %v", s, l, err)
		}
	}
	if l, err := ParseResetLine("dtr"); err != nil || l != ResetDTR {
		t.Errorf("ParseResetLine(dtr) = %v, %v", l, err)
	}
	if _, err := ParseResetLine("cts"); err == nil {
		t.Error("ParseResetLine(cts) succeeded")
	}
}
