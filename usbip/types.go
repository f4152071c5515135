package usbip

import (
	"github.com/dorssel/usbipd-win-sub001/device"
)

// Speed is the wire protocol's device speed enumeration.
type Speed uint32

const (
	SpeedUnknown Speed = iota
	SpeedLow
	SpeedFull
	SpeedHigh
	SpeedWireless
	SpeedSuper
)

// ExportedDevice is an immutable snapshot of everything the wire protocol
// needs about one connected device, taken at claim/export time.
type ExportedDevice struct {
	// Path identifies the device on this host; the instance id serves.
	Path string
	// BusID is the device's bus address at export time.
	BusID device.BusID
	// Speed is the negotiated speed, subject to the SuperSpeed cap (see
	// Builder).
	Speed Speed

	// The standard device descriptor identity fields.
	Vendor    uint16
	Product   uint16
	BCDDevice uint16

	DeviceClass    uint8
	DeviceSubClass uint8
	DeviceProtocol uint8

	ConfigurationValue uint8
	NumConfigurations  uint8

	// Interfaces holds one (class, subclass, protocol) triple per interface
	// descriptor of the active configuration at alternate setting zero.
	// Informational only; may be empty when the descriptor block was
	// unreadable.
	Interfaces [][3]uint8
}
