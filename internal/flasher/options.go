package flasher

import (
	"fmt"
	"time"
)

// RomBank selects one of the two physical flash banks.
type RomBank byte

const (
	// RomBankMain is the application flash.
	RomBankMain RomBank = 0
	// RomBankBoot is an undocumented boot parameter area. Wiping it leaves
	// the chip stuck in the built-in bootloader until it is restored.
	RomBankBoot RomBank = 1
)

func (b RomBank) String() string {
	switch b {
	case RomBankMain:
		return "main"
	case RomBankBoot:
		return "boot"
	default:
		return fmt.Sprintf("RomBank(%d)", byte(b))
	}
}

// ParseRomBank converts "main" or "boot" into a RomBank.
func ParseRomBank(s string) (RomBank, error) {
	switch s {
	case "main":
		return RomBankMain, nil
	case "boot":
		return RomBankBoot, nil
	}
	return 0, fmt.Errorf("unknown ROM bank %q (want main or boot)", s)
}

// Defaults recommended for SN8F5xxx targets.
const (
	DefaultResetDuration   = 10 * time.Millisecond
	DefaultConnectDuration = 1666 * time.Microsecond
)

// Config holds the flasher configuration.
type Config struct {
	// ResetDuration is how long the reset line is held asserted.
	ResetDuration time.Duration

	// ConnectDuration is the wait between releasing reset and the handshake.
	ConnectDuration time.Duration

	// RomBank is the bank read, written and erased.
	RomBank RomBank

	// AllowNonMainBank permits writing or erasing a bank other than main.
	AllowNonMainBank bool

	// FinalReset resets the target on Close so it leaves ISP mode.
	FinalReset bool
}

func defaultConfig() Config {
	return Config{
		ResetDuration:   DefaultResetDuration,
		ConnectDuration: DefaultConnectDuration,
		RomBank:         RomBankMain,
		FinalReset:      true,
	}
}

// Option is a functional option for configuring the Flasher.
type Option func(*Config)

// WithResetDuration sets how long reset is asserted.
func WithResetDuration(d time.Duration) Option {
	return func(c *Config) {
		c.ResetDuration = d
	}
}

// WithConnectDuration sets the delay between reset release and handshake.
func WithConnectDuration(d time.Duration) Option {
	return func(c *Config) {
		c.ConnectDuration = d
	}
}

// WithRomBank selects the ROM bank to operate on.
func WithRomBank(bank RomBank) Option {
	return func(c *Config) {
		c.RomBank = bank
	}
}

// WithAllowNonMainBank allows erasing and writing the boot bank.
// This can brick the chip.
func WithAllowNonMainBank(allow bool) Option {
	return func(c *Config) {
		c.AllowNonMainBank = allow
	}
}

// WithFinalReset enables or disables the reset pulse on Close.
func WithFinalReset(reset bool) Option {
	return func(c *Config) {
		c.FinalReset = reset
	}
}
