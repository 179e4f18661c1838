package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/golang/glog"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
	"zappem.net/pub/debug/xcrc32"
	"zappem.net/pub/debug/xxd"

	"github.com/bigbag/sn8-flasher/internal/chip"
	"github.com/bigbag/sn8-flasher/internal/detect"
	"github.com/bigbag/sn8-flasher/internal/firmware"
	"github.com/bigbag/sn8-flasher/internal/flasher"
	"github.com/bigbag/sn8-flasher/internal/serial"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// defaultPageSize is used when the chip is not in the table.
const defaultPageSize = 0x20

var (
	portFlag            string
	baudFlag            int
	resetTypeFlag       string
	resetInvertFlag     bool
	noFinalResetFlag    bool
	resetDurationFlag   uint
	connectDurationFlag uint
	pageSizeFlag        int
	romBankFlag         string
	allowNonMainFlag    bool
	timeoutFlag         time.Duration

	fileFlag     string
	offsetFlag   uint16
	sizeFlag     uint32
	noEraseFlag  bool
	noVerifyFlag bool
	outFlag      string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "sn8-flasher",
		Short: "Flash firmware to Sonix SN8F5xxx microcontrollers",
		Long: `sn8-flasher talks to the ISP bootloader of Sonix SN8F5xxx (8051)
microcontrollers over a serial adapter with TX and RX tied together.

The reset line of the target is driven by RTS or DTR.`,
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&portFlag, "port", "p", "", "Serial port (auto-detect if not specified)")
	pf.IntVarP(&baudFlag, "baud", "b", serial.DefaultBaudRate, "Baud rate")
	pf.StringVarP(&resetTypeFlag, "reset-type", "r", "rts", "Reset signal (rts or dtr)")
	pf.BoolVarP(&resetInvertFlag, "reset-invert", "i", false, "Invert reset pin")
	pf.BoolVar(&noFinalResetFlag, "no-final-reset", false, "Do not reset chip after running a command")
	pf.UintVar(&resetDurationFlag, "reset-duration", uint(flasher.DefaultResetDuration/time.Millisecond), "Reset duration in milliseconds")
	pf.UintVar(&connectDurationFlag, "connect-duration", uint(flasher.DefaultConnectDuration/time.Microsecond), "Connect duration in microseconds")
	pf.IntVarP(&pageSizeFlag, "page-size", "x", 0, "Flash page size in bytes (0 = from chip table)")
	pf.StringVar(&romBankFlag, "rom-bank", "main", "ROM bank to work with (main or boot)")
	pf.BoolVar(&allowNonMainFlag, "dangerous-allow-write-non-main-bank", false, "Allow writing or erasing a non-main ROM bank (can brick the chip)")
	pf.DurationVar(&timeoutFlag, "timeout", serial.DefaultTimeout, "Serial read timeout")

	// glog flags (-v, --logtostderr, ...)
	pf.AddGoFlagSet(flag.CommandLine)
	flag.Set("logtostderr", "true")

	chipIDCmd := &cobra.Command{
		Use:   "chip-id",
		Short: "Connect and read chip ID",
		RunE:  runChipID,
	}

	eraseCmd := &cobra.Command{
		Use:   "erase",
		Short: "Erase flash",
		RunE:  runErase,
	}

	readCmd := &cobra.Command{
		Use:   "read",
		Short: "Read flash",
		Long: `Read flash contents.

Without --file the data is printed as a hex dump. Use "-" for raw binary
on stdout. Files ending in .hex, .ihex or .ihx are written as Intel HEX,
anything else as raw binary.`,
		RunE: runRead,
	}
	readCmd.Flags().Uint32VarP(&sizeFlag, "size", "s", 0, "Read size in bytes")
	readCmd.Flags().Uint16VarP(&offsetFlag, "offset", "o", 0, "Read offset in bytes")
	readCmd.Flags().StringVarP(&fileFlag, "file", "f", "", "Output file")
	readCmd.MarkFlagRequired("size")

	verifyCmd := &cobra.Command{
		Use:   "verify",
		Short: "Verify flash",
		RunE:  runVerify,
	}
	verifyCmd.Flags().StringVarP(&fileFlag, "file", "f", "", `Input file (raw binary or Intel HEX), "-" for raw binary from stdin`)
	verifyCmd.Flags().Uint16VarP(&offsetFlag, "offset", "o", 0, "Verify offset in bytes")
	verifyCmd.MarkFlagRequired("file")

	writeCmd := &cobra.Command{
		Use:   "write",
		Short: "Write flash",
		Long: `Erase the ROM bank, write the firmware and verify it.

Use --no-erase and --no-verify to skip the first or last step.`,
		RunE: runWrite,
	}
	writeCmd.Flags().StringVarP(&fileFlag, "file", "f", "", `Input file (raw binary or Intel HEX), "-" for raw binary from stdin`)
	writeCmd.Flags().Uint16VarP(&offsetFlag, "offset", "o", 0, "Write offset in bytes")
	writeCmd.Flags().BoolVar(&noEraseFlag, "no-erase", false, "Do not erase chip before writing")
	writeCmd.Flags().BoolVar(&noVerifyFlag, "no-verify", false, "Do not verify after writing")
	writeCmd.MarkFlagRequired("file")

	imageCmd := &cobra.Command{
		Use:   "image",
		Short: "Show the page layout of a firmware file",
		Long: `Load a firmware file the same way write does and print its page-aligned
sections with their CRC32. No device is needed.

With --out the aligned image is saved as Intel HEX.`,
		RunE: runImage,
	}
	imageCmd.Flags().StringVarP(&fileFlag, "file", "f", "", `Input file (raw binary or Intel HEX), "-" for raw binary from stdin`)
	imageCmd.Flags().Uint16VarP(&offsetFlag, "offset", "o", 0, "Load offset in bytes")
	imageCmd.Flags().StringVar(&outFlag, "out", "", "Save the aligned image as Intel HEX")
	imageCmd.MarkFlagRequired("file")

	detectCmd := &cobra.Command{
		Use:   "detect",
		Short: "Find SN8F5xxx devices",
		Long:  "Handshake on every serial port (or only --port) and show the chips that answer.",
		RunE:  runDetect,
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List available serial ports",
		RunE:  runList,
	}

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Show version info",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("sn8-flasher %s\n", version)
			fmt.Printf("  commit: %s\n", commit)
			fmt.Printf("  built:  %s\n", date)
		},
	}

	rootCmd.AddCommand(chipIDCmd, eraseCmd, readCmd, verifyCmd, writeCmd, imageCmd, detectCmd, listCmd, versionCmd)

	err := rootCmd.Execute()
	glog.Flush()
	if err != nil {
		color.New(color.FgRed).Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func detectOptions() (detect.Options, error) {
	line, err := serial.ParseResetLine(resetTypeFlag)
	if err != nil {
		return detect.Options{}, err
	}
	bank, err := flasher.ParseRomBank(romBankFlag)
	if err != nil {
		return detect.Options{}, err
	}

	return detect.Options{
		BaudRate:    baudFlag,
		ResetLine:   line,
		ResetInvert: resetInvertFlag,
		Timeout:     timeoutFlag,
		Flasher: []flasher.Option{
			flasher.WithResetDuration(time.Duration(resetDurationFlag) * time.Millisecond),
			flasher.WithConnectDuration(time.Duration(connectDurationFlag) * time.Microsecond),
			flasher.WithRomBank(bank),
			flasher.WithAllowNonMainBank(allowNonMainFlag),
			flasher.WithFinalReset(!noFinalResetFlag),
		},
	}, nil
}

// session is a connected flasher together with what is known about the chip.
type session struct {
	f        *flasher.Flasher
	chipID   uint32
	chip     chip.Info
	known    bool
	pageSize int
}

func withSession(fn func(s *session) error) error {
	opts, err := detectOptions()
	if err != nil {
		return err
	}

	portName := portFlag
	if portName == "" {
		fmt.Fprintln(os.Stderr, "Detecting device...")
		result, err := detect.DetectDevice(opts)
		if err != nil {
			return fmt.Errorf("device detection failed: %w", err)
		}
		portName = result.Port
		fmt.Fprintf(os.Stderr, "Found %s on %s\n", result.ChipName(), result.Port)
	}

	glog.Infof("Opening port %s...", portName)
	port, err := detect.OpenPort(portName, opts)
	if err != nil {
		return fmt.Errorf("failed to open port: %w", err)
	}
	defer port.Close()
	glog.Infof("Port: %s @ %d baud", port.PortName(), port.BaudRate())

	f := flasher.New(port, opts.Flasher...)
	defer f.Close()

	glog.Info("Connecting...")
	id, err := f.Connect()
	if err != nil {
		return err
	}

	s := &session{f: f, chipID: id, pageSize: pageSizeFlag}
	glog.V(1).Infof("Using %s ROM bank", f.Config().RomBank)
	s.chip, s.known = chip.Lookup(id)
	if s.known {
		glog.Infof("Chip ID is 0x%X (%s)", id, s.chip)
	} else {
		glog.Warningf("Chip ID is 0x%X (not in the chip table)", id)
	}
	if s.pageSize == 0 {
		s.pageSize = defaultPageSize
		if s.known {
			s.pageSize = s.chip.PageSize
		}
	}

	return fn(s)
}

func loadFirmware(path string, pageSize int, offset uint16) (*firmware.Image, error) {
	if path == "-" {
		glog.Info("Reading raw binary from stdin...")
		return firmware.FromReader(os.Stdin, pageSize, int(offset))
	}
	return firmware.FromFile(path, pageSize, int(offset))
}

func newProgressBar(total int, description string) *progressbar.ProgressBar {
	return progressbar.NewOptions(total,
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionSetDescription(description),
		progressbar.OptionSetWidth(40),
		progressbar.OptionShowBytes(true),
		progressbar.OptionSetPredictTime(true),
		progressbar.OptionThrottle(100*time.Millisecond),
		progressbar.OptionShowCount(),
		progressbar.OptionClearOnFinish(),
	)
}

// withProgress runs fn with a byte progress bar. A failed run exits the bar
// so the error is printed on its own line.
func withProgress(total int, description string, fn func(progress flasher.ProgressCallback) error) error {
	bar := newProgressBar(total, description)
	if err := fn(func(n int) { bar.Add(n) }); err != nil {
		bar.Exit()
		return err
	}
	return bar.Finish()
}

func runChipID(cmd *cobra.Command, args []string) error {
	return withSession(func(s *session) error {
		fmt.Printf("Chip ID: 0x%X\n", s.chipID)
		if s.known {
			fmt.Printf("Chip:    %s\n", s.chip)
		}
		return nil
	})
}

func runErase(cmd *cobra.Command, args []string) error {
	return withSession(func(s *session) error {
		glog.Info("Erasing flash...")
		return s.f.EraseFlash()
	})
}

func runRead(cmd *cobra.Command, args []string) error {
	if sizeFlag == 0 || int(offsetFlag)+int(sizeFlag) > 0x10000 {
		return fmt.Errorf("invalid read range 0x%X+0x%X", offsetFlag, sizeFlag)
	}

	return withSession(func(s *session) error {
		glog.Infof("Reading %d bytes of flash...", sizeFlag)
		data := make([]byte, sizeFlag)
		err := withProgress(len(data), "Reading", func(progress flasher.ProgressCallback) error {
			return s.f.ReadFlash(offsetFlag, data, progress)
		})
		if err != nil {
			return err
		}

		_, crc := xcrc32.NewCRC32(data)
		glog.Infof("Read %d bytes, crc32 0x%08x", len(data), crc)

		return dumpFirmware(fileFlag, data, offsetFlag)
	})
}

func dumpFirmware(path string, data []byte, offset uint16) error {
	switch {
	case path == "":
		xxd.Print(int(offset), data)
		return nil
	case path == "-":
		glog.Info("Dumping to stdout...")
		if _, err := os.Stdout.Write(data); err != nil {
			return fmt.Errorf("failed to write to standard output: %w", err)
		}
		return nil
	case firmware.IsIntelHexPath(path):
		glog.Infof("Saving Intel HEX to %s...", path)
		return writeFile(path, func(w io.Writer) error {
			return firmware.WriteIntelHex(w, int(offset), data)
		})
	default:
		glog.Infof("Saving to %s...", path)
		if err := os.WriteFile(path, data, 0o644); err != nil {
			return fmt.Errorf("failed to save %s: %w", path, err)
		}
		return nil
	}
}

func writeFile(path string, fn func(w io.Writer) error) error {
	out, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to save %s: %w", path, err)
	}
	if err := fn(out); err != nil {
		out.Close()
		return fmt.Errorf("failed to save %s: %w", path, err)
	}
	return out.Close()
}

func verify(s *session, img *firmware.Image) error {
	glog.Info("Verifying flash...")
	return withProgress(img.Len(), "Verifying", func(progress flasher.ProgressCallback) error {
		return s.f.VerifyFlash(img, progress)
	})
}

func runVerify(cmd *cobra.Command, args []string) error {
	return withSession(func(s *session) error {
		img, err := loadFirmware(fileFlag, s.pageSize, offsetFlag)
		if err != nil {
			return err
		}
		if err := verify(s, img); err != nil {
			return err
		}
		fmt.Println("Verify OK")
		return nil
	})
}

func runWrite(cmd *cobra.Command, args []string) error {
	return withSession(func(s *session) error {
		img, err := loadFirmware(fileFlag, s.pageSize, offsetFlag)
		if err != nil {
			return err
		}
		if img.IsEmpty() {
			return fmt.Errorf("%s contains no data", fileFlag)
		}
		if s.known && img.Sections()[len(img.Sections())-1].End() > int(s.chip.FlashSize) {
			glog.Warningf("image ends beyond the %d bytes of %s flash", s.chip.FlashSize, s.chip.Series)
		}

		if !noEraseFlag {
			glog.Info("Erasing flash...")
			if err := s.f.EraseFlash(); err != nil {
				return err
			}
		}

		glog.Infof("Writing %d bytes of flash...", img.Len())
		err = withProgress(img.Len(), "Writing", func(progress flasher.ProgressCallback) error {
			return s.f.WriteFlash(img, progress)
		})
		if err != nil {
			return err
		}

		if !noVerifyFlag {
			if err := verify(s, img); err != nil {
				return err
			}
		}

		fmt.Println("Done!")
		return nil
	})
}

func runImage(cmd *cobra.Command, args []string) error {
	pageSize := pageSizeFlag
	if pageSize == 0 {
		pageSize = defaultPageSize
	}

	img, err := loadFirmware(fileFlag, pageSize, offsetFlag)
	if err != nil {
		return err
	}

	fmt.Printf("%d bytes in %d section(s), %d-byte pages\n", img.Len(), len(img.Sections()), img.PageSize())
	for _, sec := range img.Sections() {
		_, crc := xcrc32.NewCRC32(sec.Data)
		fmt.Printf("  [0x%05X, 0x%05X)  %6d bytes  crc32 0x%08x\n", sec.Offset, sec.End(), sec.Len(), crc)
	}

	if outFlag != "" {
		glog.Infof("Saving Intel HEX to %s...", outFlag)
		return writeFile(outFlag, img.WriteIntelHex)
	}
	return nil
}

func runDetect(cmd *cobra.Command, args []string) error {
	opts, err := detectOptions()
	if err != nil {
		return err
	}

	if portFlag != "" {
		result, err := detect.DetectOnPort(portFlag, opts)
		if err != nil {
			return fmt.Errorf("failed to detect device on %s: %w", portFlag, err)
		}
		printDeviceInfo(result)
		return nil
	}

	fmt.Println("Scanning for SN8F5xxx devices...")
	devices, err := detect.ListDevices(opts)
	if err != nil {
		return err
	}

	if len(devices) == 0 {
		fmt.Println("No SN8F5xxx devices found")
		return nil
	}

	fmt.Printf("Found %d device(s):\n\n", len(devices))
	for i, d := range devices {
		fmt.Printf("Device %d:\n", i+1)
		printDeviceInfo(&d)
		fmt.Println()
	}

	return nil
}

func printDeviceInfo(d *detect.Result) {
	fmt.Printf("  Port:     %s\n", d.Port)
	fmt.Printf("  Chip:     %s\n", d.ChipName())
	fmt.Printf("  Chip ID:  0x%X\n", d.ChipID)
	if d.Known {
		fmt.Printf("  Flash:    %d bytes, %d-byte pages\n", d.Chip.FlashSize, d.Chip.PageSize)
	}
}

func runList(cmd *cobra.Command, args []string) error {
	ports, err := serial.ListPorts()
	if err != nil {
		return err
	}

	if len(ports) == 0 {
		fmt.Println("No serial ports found")
		return nil
	}

	fmt.Println("Available serial ports:")
	for _, p := range ports {
		fmt.Printf("  %s\n", p)
	}

	return nil
}
