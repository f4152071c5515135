package usbip

import (
	"bytes"
	"encoding/binary"
	"io"

	"github.com/efficientgo/core/errors"
)

// exportDescriptor is the fixed-layout device record of the wire protocol,
// network byte order, text fields zero-padded to their fixed width. This
// layout is a hard compatibility contract with the remote peer.
type exportDescriptor struct {
	Path               [256]byte
	BusID              [32]byte
	BusNum             uint32
	DevNum             uint32
	Speed              uint32
	Vendor             uint16
	Product            uint16
	BCDDevice          uint16
	DeviceClass        uint8
	DeviceSubClass     uint8
	DeviceProtocol     uint8
	ConfigurationValue uint8
	NumConfigurations  uint8
	NumInterfaces      uint8
}

// interfaceDescriptor is the optional per-interface trailer record.
type interfaceDescriptor struct {
	InterfaceClass    uint8
	InterfaceSubClass uint8
	InterfaceProtocol uint8
	_                 uint8
}

// DescriptorSize is the byte length of the fixed device record; each
// interface adds InterfaceSize bytes.
const (
	DescriptorSize = 312
	InterfaceSize  = 4
)

func (d *ExportedDevice) descriptor() exportDescriptor {
	desc := exportDescriptor{
		BusNum:             uint32(d.BusID.Hub),
		DevNum:             uint32(d.BusID.Port),
		Speed:              uint32(d.Speed),
		Vendor:             d.Vendor,
		Product:            d.Product,
		BCDDevice:          d.BCDDevice,
		DeviceClass:        d.DeviceClass,
		DeviceSubClass:     d.DeviceSubClass,
		DeviceProtocol:     d.DeviceProtocol,
		ConfigurationValue: d.ConfigurationValue,
		NumConfigurations:  d.NumConfigurations,
		NumInterfaces:      uint8(len(d.Interfaces)),
	}
	copy(desc.Path[:], d.Path)
	copy(desc.BusID[:], d.BusID.String())
	return desc
}

// WriteTo serializes the device record, optionally followed by one 4-byte
// record per interface. The output is deterministic and its length depends
// only on the interface count, never on field contents.
func (d *ExportedDevice) WriteTo(w io.Writer, withInterfaces bool) error {
	if err := binary.Write(w, binary.BigEndian, d.descriptor()); err != nil {
		return errors.Wrap(err, "failed to write device descriptor record")
	}
	if !withInterfaces {
		return nil
	}
	for _, intf := range d.Interfaces {
		rec := interfaceDescriptor{
			InterfaceClass:    intf[0],
			InterfaceSubClass: intf[1],
			InterfaceProtocol: intf[2],
		}
		if err := binary.Write(w, binary.BigEndian, rec); err != nil {
			return errors.Wrap(err, "failed to write interface record")
		}
	}
	return nil
}

// MarshalBinary returns the full record including interface trailers.
func (d *ExportedDevice) MarshalBinary() ([]byte, error) {
	var buf bytes.Buffer
	buf.Grow(DescriptorSize + InterfaceSize*len(d.Interfaces))
	if err := d.WriteTo(&buf, true); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
