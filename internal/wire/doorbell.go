package wire

import (
	"fmt"
	"strings"
)

// DoorbellMode selects how a queue's doorbell register is written.
type DoorbellMode int32

const (
	DoorbellInvalid  DoorbellMode = -1
	DoorbellHardware DoorbellMode = 0
	DoorbellSoftware DoorbellMode = 1
)

func (m DoorbellMode) String() string {
	switch m {
	case DoorbellHardware:
		return "hardware"
	case DoorbellSoftware:
		return "software"
	default:
		return "invalid"
	}
}

// ParseDoorbellMode accepts "hardware"/"hw" and "software"/"sw".
func ParseDoorbellMode(s string) (DoorbellMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "hardware", "hw":
		return DoorbellHardware, nil
	case "software", "sw":
		return DoorbellSoftware, nil
	default:
		return DoorbellInvalid, fmt.Errorf("unknown doorbell mode %q (want hardware or software)", s)
	}
}

const (
	dbTagMask  = 0xFFFFFF
	dbCmdShift = 24
	dbCmdMask  = 0xF

	sqPIShift = 32
	sqPIMask  = 0xFFFF
	sqSLShift = 48
	sqSLMask  = 0xFF

	cqCIShift = 32
	cqCIMask  = 0xFFFFFF
	cqSNShift = 56

	// SQDoorbellCommand is the hardware command for a send queue producer update.
	SQDoorbellCommand = 0
	// CQDoorbellCommand is the hardware command for a completion queue consumer update.
	CQDoorbellCommand = 3

	// MaxHardwareSQDepth is the deepest send queue a hardware doorbell can
	// address: its producer index is 16 bits wide.
	MaxHardwareSQDepth = sqPIMask + 1
)

// SQDoorbell packs a hardware send queue doorbell: the queue number as tag,
// the low 16 bits of the new head as producer index, and the service level.
func SQDoorbell(wqn, head uint32, sl uint8) uint64 {
	v := uint64(wqn & dbTagMask)
	v |= uint64(SQDoorbellCommand) << dbCmdShift
	v |= uint64(head&sqPIMask) << sqPIShift
	v |= uint64(sl) << sqSLShift
	return v
}

// DecodeSQDoorbell unpacks a hardware send queue doorbell.
func DecodeSQDoorbell(v uint64) (wqn uint32, cmd uint8, pi uint16, sl uint8) {
	return uint32(v & dbTagMask), uint8(v >> dbCmdShift & dbCmdMask), uint16(v >> sqPIShift & sqPIMask), uint8(v >> sqSLShift & sqSLMask)
}

// CQDoorbell packs a hardware completion queue doorbell carrying the low 24
// bits of the new tail as consumer index.
func CQDoorbell(cqn, tail uint32) uint64 {
	v := uint64(cqn & dbTagMask)
	v |= uint64(CQDoorbellCommand) << dbCmdShift
	v |= uint64(tail&cqCIMask) << cqCIShift
	v |= uint64(1) << cqSNShift
	return v
}

// DecodeCQDoorbell unpacks a hardware completion queue doorbell.
func DecodeCQDoorbell(v uint64) (cqn uint32, cmd uint8, ci uint32, sn bool) {
	return uint32(v & dbTagMask), uint8(v >> dbCmdShift & dbCmdMask), uint32(v >> cqCIShift & cqCIMask), v>>cqSNShift&1 == 1
}

// SoftwareSQDoorbell is the raw word written in software doorbell mode.
func SoftwareSQDoorbell(head uint32) uint32 { return head }

// SoftwareCQDoorbell is the raw word written in software doorbell mode.
func SoftwareCQDoorbell(tail uint32) uint32 { return tail & cqCIMask }
