package candrive

import (
	"math"

	"github.com/go-daq/canbus"

	"xdrive/motion"
)

// CAN identifiers of the wheel controllers and the tracking-wheel pod.
const (
	canIDMotorFR uint32 = 0x22A
	canIDMotorFL uint32 = 0x22B
	canIDMotorRR uint32 = 0x22C
	canIDMotorRL uint32 = 0x22D

	canIDPodReset uint32 = 0x265

	canIDTelemWheelSpeed   uint32 = 0x241
	canIDTelemWheelCurrent uint32 = 0x243
	canIDTelemPodSides     uint32 = 0x245
	canIDTelemPodBack      uint32 = 0x246
	canIDTelemBatteryPower uint32 = 0x250
	canIDTelemBatteryState uint32 = 0x251
)

// wheel indexes, in the order the wheel telemetry frames carry them
const (
	wheelFL = iota
	wheelFR
	wheelRL
	wheelRR
	numWheels
)

var (
	wheelNames    = [numWheels]string{"fl", "fr", "rl", "rr"}
	wheelCanIDs   = [numWheels]uint32{canIDMotorFL, canIDMotorFR, canIDMotorRL, canIDMotorRR}
	wheelIsLeft   = [numWheels]bool{true, false, true, false}
	wheelSpeedSig = [numWheels]signal{
		{scale: 0.0078125, start: 0, length: 16, littleEndian: true, signed: true},
		{scale: 0.0078125, start: 16, length: 16, littleEndian: true, signed: true},
		{scale: 0.0078125, start: 32, length: 16, littleEndian: true, signed: true},
		{scale: 0.0078125, start: 48, length: 16, littleEndian: true, signed: true},
	}
	wheelCurrentSig = [numWheels]signal{
		{scale: 0.01, start: 0, length: 16, littleEndian: true, signed: true},
		{scale: 0.01, start: 16, length: 16, littleEndian: true, signed: true},
		{scale: 0.01, start: 32, length: 16, littleEndian: true, signed: true},
		{scale: 0.01, start: 48, length: 16, littleEndian: true, signed: true},
	}

	podLeftSig  = signal{scale: 1, start: 0, length: 32, littleEndian: true, signed: true}
	podRightSig = signal{scale: 1, start: 32, length: 32, littleEndian: true, signed: true}
	podBackSig  = signal{scale: 1, start: 0, length: 32, littleEndian: true, signed: true}

	batteryVoltageSig = signal{scale: 0.01, start: 0, length: 16, littleEndian: true}
	batteryCurrentSig = signal{scale: 0.01, start: 16, length: 16, littleEndian: true, signed: true}
	stateOfChargeSig  = signal{scale: 0.1, start: 0, length: 16, littleEndian: true}
)

// Wheel controller states.
const (
	mecanumStateDisable  byte = 0x00
	mecanumStateEnable   byte = 0x01
	mecanumStateResetErr byte = 0x02
	mecanumStateResetPos byte = 0x03
)

// Wheel controller modes.
const (
	mecanumModeSpeed    byte = 0x00
	mecanumModeAbsolute byte = 0x01
	mecanumModeRelative byte = 0x02
	mecanumModeCurrent  byte = 0x03
)

// mecanumCommand is one wheel controller command.
type mecanumCommand struct {
	state   byte
	mode    byte
	rpm     int16
	current int16
	encoder int32
}

// toFrame packs the command: state and mode nibbles, 16 bit rpm, 12 bit
// current limit and a 32 bit encoder target.
func (cmd mecanumCommand) toFrame(canID uint32) canbus.Frame {
	data := make([]byte, 0, 8)
	data = append(data,
		(cmd.state&0x0F)|((cmd.mode&0x0F)<<4),
		byte(cmd.rpm&0xFF),
		byte((cmd.rpm>>8)&0xFF)|byte((cmd.current&0x0F)<<4),
		byte((cmd.current>>4)&0xFF),
		byte(cmd.encoder&0xFF),
		byte((cmd.encoder>>8)&0xFF),
		byte((cmd.encoder>>16)&0xFF),
		byte((cmd.encoder>>24)&0xFF),
	)
	return canbus.Frame{ID: canID, Data: data, Kind: canbus.EFF}
}

// wheelCommand returns the command for one wheel at rpm. A zero speed honors
// the brake mode: coast disables the controller, brake holds zero speed and
// hold locks the current position.
func wheelCommand(rpm, current float64, mode motion.BrakeMode) mecanumCommand {
	r := int16(math.Round(rpm))
	cmd := mecanumCommand{
		state:   mecanumStateEnable,
		mode:    mecanumModeSpeed,
		rpm:     r,
		current: int16(current),
	}
	if r != 0 {
		return cmd
	}
	switch mode {
	case motion.BrakeCoast:
		cmd.state = mecanumStateDisable
	case motion.BrakeHold:
		cmd.mode = mecanumModeRelative
	case motion.BrakeBrake:
	}
	return cmd
}

func podResetFrame() canbus.Frame {
	return canbus.Frame{ID: canIDPodReset, Data: []byte{0x01}, Kind: canbus.SFF}
}
