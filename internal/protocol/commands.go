package protocol

// Every frame starts with this byte.
const SyncByte = 0x55

// ISP bootloader sub-commands
const (
	CmdConnect     = 0x08
	CmdChipID      = 0x21
	CmdStreamStart = 0x2A
	CmdStreamEnd   = 0x2B
	CmdSelect      = 0x48
	CmdControl     = 0x4B
	CmdLoad        = 0x58
	CmdFetch       = 0x88
	CmdStatus      = 0x8B
)

// Debug register selectors used with CmdSelect
const (
	SelExecute     = 0x80
	SelStatus      = 0x81
	SelAccumulator = 0x83
	SelInstruction = 0x86
	SelMode        = 0x88
)

// Values written after SelMode
const (
	ModeNormal = 0x00
	ModeStream = 0x04
	ModeMOVX   = 0x05
)

// Arguments for CmdControl
const (
	CtrlStep      = 0x57
	CtrlArmWrite  = 0x75
	CtrlArmUnlock = 0x55
	CtrlOn        = 0x01
)

// StatusWriteDone is the ISP status after a finished erase or page write.
const StatusWriteDone = 0x015D

// 8051 opcodes executed on the target
const (
	OpMovDirectImm = 0x75 // MOV direct, #data
	OpMovADirect   = 0xE5 // MOV A, direct
	OpMovAImm      = 0x74 // MOV A, #data
	OpMovDPTRImm   = 0x90 // MOV DPTR, #data16
	OpMovxDPTRA    = 0xF0 // MOVX @DPTR, A
)

// SFR is a special function register address on the target.
type SFR byte

const (
	DPL    SFR = 0x82 // data pointer low byte
	DPH    SFR = 0x83 // data pointer high byte
	CKON   SFR = 0x8E // extended cycle control
	DPS    SFR = 0x92 // data pointer selection
	DPC    SFR = 0x93 // data pointer control
	PECMD  SFR = 0x94 // ISP command
	PEROML SFR = 0x95 // ISP ROM address low byte
	PEROMH SFR = 0x96 // ISP ROM address high byte
	PERAM  SFR = 0x97 // ISP RAM mapping address
)

// ISP command register values
const (
	PECmdPageWrite = 0x5A
	PECmdMassErase = 0x96
)

// PEROMLEnable is or-ed into PEROML for every ISP command.
const PEROMLEnable = 0x0A

// XRAM locations of the ROM bank selector and the flash protection keys.
const (
	XRAMRomBank     = 0xFFFC
	XRAMProtectKey1 = 0xFFF8
	XRAMProtectKey2 = 0xFFFB
)

// Protection key values
const (
	ProtectDisable = 0xC3
	ProtectReload1 = 0x5A
	ProtectReload2 = 0xA5
)

// CKONBulkRead is loaded into CKON while streaming flash contents.
const CKONBulkRead = 0x71

// handshakeMagic is the complete connect frame, sync byte included.
var handshakeMagic = [...]byte{
	SyncByte, CmdConnect, 0x29, 0x23, 0xBE, 0x84, 0xE1, 0x6C, 0xD6, 0xAE, 0x52, 0x90, 0x49, 0xF1,
	0xF1, 0xBB, 0xE9, 0xEB, 0xB3, 0xA6, 0xDB, 0x3C, 0x87, 0x0C, 0x3E, 0x99, 0x24, 0x5E,
	0x0D, 0x1C, 0x06, 0xB7, 0x47, 0xDE, 0xB3, 0x12, 0x4D, 0xC8, 0x43, 0xBB, 0x8B, 0xA6,
	0x1F, 0x03, 0x5A, 0x7D, 0x09, 0x38, 0x25, 0x1F, 0x5D, 0xD4, 0xCB, 0xFC, 0x96, 0xF5,
	0x45, 0x3B, 0x13, 0x0D, 0x89, 0x0A, 0x1C, 0xDB, 0xAE, 0x32, 0x20, 0x9A, 0x50, 0xEE,
	0x40, 0x78, 0x36, 0xFD, 0x12, 0x49, 0x32, 0xF6, 0x9E, 0x7D, 0x49, 0xDC, 0xAD, 0x4F,
	0x14, 0xF2, 0x44, 0x40, 0x66, 0xD0, 0x6B, 0xC4, 0x30, 0xB7, 0x32, 0x3B, 0xA1, 0x22,
	0xF6, 0x22, 0x91, 0x9D, 0xE1, 0x8B, 0x1F, 0xDA, 0xB0, 0xCA, 0x99, 0x02, 0xB9, 0x72,
	0x9D, 0x49, 0x2C, 0x80, 0x7E, 0x6B, 0x8F, 0xD3, 0x92,
}

// HandshakeMagic returns a copy of the connect challenge frame.
func HandshakeMagic() []byte {
	return append([]byte(nil), handshakeMagic[:]...)
}

// CommandName returns a human-readable name for a sub-command.
func CommandName(cmd byte) string {
	switch cmd {
	case CmdConnect:
		return "connect"
	case CmdChipID:
		return "chip-id"
	case CmdStreamStart:
		return "stream-start"
	case CmdStreamEnd:
		return "stream-end"
	case CmdSelect:
		return "select"
	case CmdControl:
		return "control"
	case CmdLoad:
		return "load"
	case CmdFetch:
		return "fetch"
	case CmdStatus:
		return "status"
	default:
		return "unknown"
	}
}

// FrameLength returns the total length of a frame starting with sub-command cmd,
// or 0 if the sub-command is unknown.
func FrameLength(cmd byte) int {
	switch cmd {
	case CmdConnect:
		return len(handshakeMagic)
	case CmdChipID:
		return 4
	case CmdStreamStart, CmdStreamEnd, CmdFetch, CmdStatus:
		return 2
	case CmdSelect:
		return 3
	case CmdControl:
		return 4
	case CmdLoad:
		return 5
	default:
		return 0
	}
}

// ResponseLength returns how many bytes the target answers to sub-command cmd.
func ResponseLength(cmd byte) int {
	switch cmd {
	case CmdConnect, CmdChipID:
		return 4
	case CmdFetch:
		return 1
	case CmdStatus:
		return 2
	default:
		return 0
	}
}
