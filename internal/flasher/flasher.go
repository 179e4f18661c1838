package flasher

import (
	"fmt"
	"time"

	"github.com/golang/glog"

	"github.com/bigbag/sn8-flasher/internal/firmware"
	"github.com/bigbag/sn8-flasher/internal/protocol"
)

// Settle times required by the flash controller.
const (
	ispSettle  = 15 * time.Millisecond
	pageSettle = 5 * time.Millisecond
)

// codeSpace is the size of the 16-bit address space reachable through DPTR.
const codeSpace = 0x10000

// ProgressCallback receives the number of bytes processed since the last call.
// It runs on the flashing goroutine and must return quickly.
type ProgressCallback func(n int)

// Flasher drives the ISP bootloader of a Sonix SN8F5xxx target.
// It is not safe for concurrent use.
type Flasher struct {
	engine    *protocol.Engine
	transport protocol.Transport
	cfg       Config
	connected bool
	everUp    bool
	sleep     func(time.Duration)
}

// New creates a new Flasher for the given transport.
func New(t protocol.Transport, opts ...Option) *Flasher {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Flasher{
		engine:    protocol.NewEngine(t),
		transport: t,
		cfg:       cfg,
		sleep:     time.Sleep,
	}
}

// Config returns the active configuration.
func (f *Flasher) Config() Config {
	return f.cfg
}

// Connected reports whether the handshake succeeded.
func (f *Flasher) Connected() bool {
	return f.connected
}

func report(progress ProgressCallback, n int) {
	if progress != nil {
		progress(n)
	}
}

// Reset pulses the reset line.
func (f *Flasher) Reset() error {
	if err := f.transport.SetReset(true); err != nil {
		return err
	}
	f.sleep(f.cfg.ResetDuration)
	return f.transport.SetReset(false)
}

// Connect resets the target into its bootloader, performs the handshake and
// returns the chip ID.
func (f *Flasher) Connect() (uint32, error) {
	if err := f.Reset(); err != nil {
		return 0, fmt.Errorf("failed to reset target: %w", err)
	}
	f.sleep(f.cfg.ConnectDuration)

	if err := f.engine.Handshake(); err != nil {
		return 0, fmt.Errorf("handshake failed: %w", err)
	}
	f.connected = true
	f.everUp = true
	glog.V(1).Info("bootloader handshake complete")

	return f.ChipID()
}

// ChipID reads the chip identifier.
func (f *Flasher) ChipID() (uint32, error) {
	if !f.connected {
		return 0, ErrNotConnected
	}
	id, err := f.engine.ReadChipID()
	if err != nil {
		return 0, fmt.Errorf("failed to read chip ID: %w", err)
	}
	return id, nil
}

// Close resets the target so it leaves ISP mode, if enabled and the target
// was ever connected. A failing reset is only logged.
func (f *Flasher) Close() {
	if f.cfg.FinalReset && f.everUp {
		if err := f.Reset(); err != nil {
			glog.Warningf("final reset failed: %v", err)
		}
	}
	f.connected = false
}

func (f *Flasher) checkWritable(errDenied error) error {
	if !f.connected {
		return ErrNotConnected
	}
	if f.cfg.RomBank != RomBankMain && !f.cfg.AllowNonMainBank {
		return errDenied
	}
	return nil
}

func checkRange(offset, length int) error {
	if offset < 0 || offset+length > codeSpace {
		return &AddressRangeError{Offset: offset, Length: length}
	}
	return nil
}

func checkImage(img *firmware.Image) error {
	for _, s := range img.Sections() {
		if err := checkRange(s.Offset, s.Len()); err != nil {
			return err
		}
	}
	if img.PageSize() > firmware.MaxPageSize {
		return fmt.Errorf("page size %d exceeds the RAM mapping window", img.PageSize())
	}
	return nil
}

// enterISP arms write/erase mode and disables flash protection.
func (f *Flasher) enterISP() error {
	e := f.engine

	if err := e.WriteXRAM(protocol.XRAMRomBank, byte(RomBankMain)); err != nil {
		return err
	}
	for _, sfr := range []protocol.SFR{protocol.PERAM, protocol.PEROMH, protocol.PEROML} {
		if err := e.WriteSFR(sfr, 0x00); err != nil {
			return err
		}
	}
	if err := f.arm(protocol.CtrlArmWrite); err != nil {
		return err
	}
	f.sleep(ispSettle)

	if err := f.unlock(); err != nil {
		return err
	}
	f.sleep(ispSettle)
	return nil
}

// exitISP mirrors enterISP.
func (f *Flasher) exitISP() error {
	if err := f.arm(protocol.CtrlArmWrite); err != nil {
		return err
	}
	f.sleep(ispSettle)

	if err := f.unlock(); err != nil {
		return err
	}
	f.sleep(ispSettle)
	return nil
}

func (f *Flasher) arm(ctrl byte) error {
	if err := f.engine.Select(protocol.SelExecute); err != nil {
		return err
	}
	return f.engine.Control(ctrl, protocol.CtrlOn)
}

func (f *Flasher) unlock() error {
	if err := f.arm(protocol.CtrlArmUnlock); err != nil {
		return err
	}
	if err := f.engine.WriteXRAM(protocol.XRAMProtectKey1, protocol.ProtectDisable); err != nil {
		return err
	}
	return f.engine.WriteXRAM(protocol.XRAMProtectKey2, protocol.ProtectDisable)
}

func (f *Flasher) reloadProtection() error {
	if err := f.engine.WriteXRAM(protocol.XRAMProtectKey1, protocol.ProtectReload1); err != nil {
		return err
	}
	return f.engine.WriteXRAM(protocol.XRAMProtectKey2, protocol.ProtectReload2)
}

// selectBank switches to the configured bank and returns the previous one.
func (f *Flasher) selectBank() (byte, error) {
	old, err := f.engine.ReadXRAM(protocol.XRAMRomBank)
	if err != nil {
		return 0, err
	}
	if err := f.engine.WriteXRAM(protocol.XRAMRomBank, byte(f.cfg.RomBank)); err != nil {
		return 0, err
	}
	return old, nil
}

func (f *Flasher) restoreBank(bank byte) error {
	return f.engine.WriteXRAM(protocol.XRAMRomBank, bank)
}

func (f *Flasher) checkWriteFinished() error {
	if err := f.engine.Select(protocol.SelStatus); err != nil {
		return err
	}
	status, err := f.engine.Status()
	if err != nil {
		return err
	}
	if status != protocol.StatusWriteDone {
		return &WriteCheckError{Status: status}
	}
	return nil
}

// bulkRead streams len(buf) bytes of the selected bank starting at offset.
// The data pointer registers it clobbers are saved and restored.
func (f *Flasher) bulkRead(offset uint16, buf []byte, progress ProgressCallback) error {
	e := f.engine

	ckon, err := e.ReadSFR(protocol.CKON)
	if err != nil {
		return err
	}
	if err := e.WriteSFR(protocol.CKON, protocol.CKONBulkRead); err != nil {
		return err
	}

	saved := []protocol.SFR{protocol.DPS, protocol.DPC, protocol.DPL, protocol.DPH}
	values := make([]byte, len(saved))
	for i, sfr := range saved {
		if values[i], err = e.ReadSFR(sfr); err != nil {
			return err
		}
	}

	if err := e.WriteSFR(protocol.DPS, 0x00); err != nil {
		return err
	}
	if err := e.WriteSFR(protocol.DPC, 0x00); err != nil {
		return err
	}
	if err := e.LoadDPTR(offset); err != nil {
		return err
	}
	if err := e.Select(protocol.SelMode); err != nil {
		return err
	}
	if err := e.Select(protocol.ModeStream); err != nil {
		return err
	}
	if err := e.StartStream(); err != nil {
		return err
	}

	for i := range buf {
		if buf[i], err = e.FetchByte(); err != nil {
			return fmt.Errorf("failed to read byte at 0x%04X: %w", int(offset)+i, err)
		}
		report(progress, 1)
	}

	if err := e.EndStream(); err != nil {
		return err
	}
	if err := e.Select(protocol.SelMode); err != nil {
		return err
	}
	if err := e.Select(protocol.ModeNormal); err != nil {
		return err
	}

	if err := e.WriteSFR(protocol.CKON, ckon); err != nil {
		return err
	}
	for i, sfr := range saved {
		if err := e.WriteSFR(sfr, values[i]); err != nil {
			return err
		}
	}
	return nil
}

// ReadFlash reads len(buf) bytes of the configured bank starting at offset.
func (f *Flasher) ReadFlash(offset uint16, buf []byte, progress ProgressCallback) error {
	if !f.connected {
		return ErrNotConnected
	}
	if err := checkRange(int(offset), len(buf)); err != nil {
		return err
	}

	if err := f.enterISP(); err != nil {
		return fmt.Errorf("failed to enter ISP mode: %w", err)
	}

	oldBank, err := f.selectBank()
	if err != nil {
		return fmt.Errorf("failed to select ROM bank: %w", err)
	}
	if err := f.bulkRead(offset, buf, progress); err != nil {
		return err
	}
	if err := f.restoreBank(oldBank); err != nil {
		return fmt.Errorf("failed to restore ROM bank: %w", err)
	}
	f.sleep(ispSettle)

	if err := f.exitISP(); err != nil {
		return fmt.Errorf("failed to leave ISP mode: %w", err)
	}
	return nil
}

// EraseFlash mass-erases the configured bank.
func (f *Flasher) EraseFlash() error {
	if err := f.checkWritable(ErrNonMainBankErase); err != nil {
		return err
	}

	if err := f.enterISP(); err != nil {
		return fmt.Errorf("failed to enter ISP mode: %w", err)
	}

	oldBank, err := f.selectBank()
	if err != nil {
		return fmt.Errorf("failed to select ROM bank: %w", err)
	}

	glog.V(1).Infof("mass erase of %s bank", f.cfg.RomBank)
	if err := f.engine.WriteSFR(protocol.PEROML, protocol.PEROMLEnable); err != nil {
		return err
	}
	if err := f.engine.WriteSFR(protocol.PECMD, protocol.PECmdMassErase); err != nil {
		return err
	}
	f.sleep(ispSettle)

	if err := f.checkWriteFinished(); err != nil {
		return fmt.Errorf("erase failed: %w", err)
	}
	f.sleep(ispSettle)

	if err := f.restoreBank(oldBank); err != nil {
		return fmt.Errorf("failed to restore ROM bank: %w", err)
	}
	if err := f.reloadProtection(); err != nil {
		return fmt.Errorf("failed to reload protection: %w", err)
	}
	f.sleep(ispSettle)

	if err := f.exitISP(); err != nil {
		return fmt.Errorf("failed to leave ISP mode: %w", err)
	}
	return nil
}

// writePage stages one page in the RAM window and commits it as a single
// transport write.
func (f *Flasher) writePage(address int, data []byte) error {
	e := f.engine
	return e.Batch(func() error {
		for i, b := range data {
			if err := e.WriteRAM(byte(i), b); err != nil {
				return err
			}
		}
		if err := e.WriteSFR(protocol.PERAM, 0x00); err != nil {
			return err
		}
		if err := e.WriteSFR(protocol.PEROMH, byte(address>>8)); err != nil {
			return err
		}
		if err := e.WriteSFR(protocol.PEROML, byte(address)|protocol.PEROMLEnable); err != nil {
			return err
		}
		return e.WriteSFR(protocol.PECMD, protocol.PECmdPageWrite)
	})
}

// WriteFlash programs every page of img into the configured bank. The bank
// should be erased first. A failure leaves the flash partially written.
func (f *Flasher) WriteFlash(img *firmware.Image, progress ProgressCallback) error {
	if err := f.checkWritable(ErrNonMainBankWrite); err != nil {
		return err
	}
	if err := checkImage(img); err != nil {
		return err
	}

	if err := f.enterISP(); err != nil {
		return fmt.Errorf("failed to enter ISP mode: %w", err)
	}

	oldBank, err := f.selectBank()
	if err != nil {
		return fmt.Errorf("failed to select ROM bank: %w", err)
	}

	pageSize := img.PageSize()
	for _, s := range img.Sections() {
		for pos := 0; pos < s.Len(); pos += pageSize {
			address := s.Offset + pos
			glog.V(2).Infof("write page 0x%04X", address)

			if err := f.writePage(address, s.Data[pos:pos+pageSize]); err != nil {
				return fmt.Errorf("failed to write page 0x%04X: %w", address, err)
			}
			f.sleep(pageSettle)

			if err := f.checkWriteFinished(); err != nil {
				return fmt.Errorf("failed to write page 0x%04X: %w", address, err)
			}
			f.sleep(pageSettle)

			report(progress, pageSize)
		}
	}

	if err := f.restoreBank(oldBank); err != nil {
		return fmt.Errorf("failed to restore ROM bank: %w", err)
	}

	if err := f.exitISP(); err != nil {
		return fmt.Errorf("failed to leave ISP mode: %w", err)
	}
	return nil
}

// VerifyFlash reads back every section of img and compares it. All
// mismatching offsets are collected before failing.
func (f *Flasher) VerifyFlash(img *firmware.Image, progress ProgressCallback) error {
	if !f.connected {
		return ErrNotConnected
	}
	if err := checkImage(img); err != nil {
		return err
	}

	if err := f.enterISP(); err != nil {
		return fmt.Errorf("failed to enter ISP mode: %w", err)
	}

	oldBank, err := f.selectBank()
	if err != nil {
		return fmt.Errorf("failed to select ROM bank: %w", err)
	}

	var mismatches []int
	for _, s := range img.Sections() {
		buf := make([]byte, s.Len())
		if err := f.bulkRead(uint16(s.Offset), buf, progress); err != nil {
			return err
		}
		for i := range buf {
			if buf[i] != s.Data[i] {
				mismatches = append(mismatches, s.Offset+i)
			}
		}
	}

	if len(mismatches) > 0 {
		// The bank and ISP mode are left as they are; the final reset on
		// Close takes the target out of ISP mode.
		glog.Warningf("verify failed, target left in ISP mode with %s bank selected", f.cfg.RomBank)
		return &VerifyMismatchError{Offsets: mismatches}
	}

	if err := f.restoreBank(oldBank); err != nil {
		return fmt.Errorf("failed to restore ROM bank: %w", err)
	}
	f.sleep(ispSettle)

	if err := f.exitISP(); err != nil {
		return fmt.Errorf("failed to leave ISP mode: %w", err)
	}
	return nil
}
