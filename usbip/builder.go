package usbip

import (
	"bytes"
	"context"
	"encoding/binary"

	"github.com/dorssel/usbipd-win-sub001/capture"
	"github.com/dorssel/usbipd-win-sub001/device"
	"github.com/dorssel/usbipd-win-sub001/devtree"
	"github.com/efficientgo/core/errors"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

// Hub IO-control codes used to interrogate a device through its parent hub.
const (
	ioctlNodeConnInfo   uint32 = 0x00220408
	ioctlNodeConnInfoV2 uint32 = 0x00220440
	ioctlGetDescriptor  uint32 = 0x00220410
)

// Hub-reported port speed values.
const (
	portSpeedLow uint8 = iota
	portSpeedFull
	portSpeedHigh
	portSpeedSuper
)

// V2 connection flags.
const (
	flagSuperSpeed     uint32 = 1 << 0
	flagSuperSpeedPlus uint32 = 1 << 1
)

// USB descriptor constants for the config block walk.
const (
	descTypeConfiguration uint8 = 2
	descTypeInterface     uint8 = 4
	configHeaderLen             = 9
	interfaceDescLen            = 9
)

type usbDeviceDescriptor struct {
	Length            uint8
	DescriptorType    uint8
	BcdUSB            uint16
	DeviceClass       uint8
	DeviceSubClass    uint8
	DeviceProtocol    uint8
	MaxPacketSize0    uint8
	Vendor            uint16
	Product           uint16
	BcdDevice         uint16
	Manufacturer      uint8
	ProductString     uint8
	SerialNumber      uint8
	NumConfigurations uint8
}

type nodeConnInfoRequest struct {
	Port uint32
}

type nodeConnInfoReply struct {
	Descriptor                usbDeviceDescriptor
	CurrentConfigurationValue uint8
	Speed                     uint8
	_                         [2]uint8
}

type nodeConnInfoV2Request struct {
	Port uint32
}

type nodeConnInfoV2Reply struct {
	Flags uint32
}

type descriptorRequest struct {
	Port           uint32
	DescriptorType uint8
	Index          uint8
	LangID         uint16
	Length         uint16
}

// HubOpener opens the control channel of a hub device.
type HubOpener interface {
	OpenHub(instanceID string) (capture.Conn, error)
}

// Builder interrogates a connected device through its parent hub and
// produces the immutable ExportedDevice record.
type Builder struct {
	snapshot func() (*devtree.Tree, error)
	opener   HubOpener
	logger   log.Logger
}

func NewBuilder(snapshot func() (*devtree.Tree, error), opener HubOpener, logger log.Logger) *Builder {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Builder{snapshot: snapshot, opener: opener, logger: logger}
}

// Build produces the export record for a connected device. The device must
// have a live bus id; a persisted-only record cannot be exported.
func (b *Builder) Build(ctx context.Context, dev *device.Device) (*ExportedDevice, error) {
	if dev.BusID == nil {
		return nil, errors.Newf("device %s is not connected", dev.InstanceID)
	}
	busID := *dev.BusID

	tree, err := b.snapshot()
	if err != nil {
		return nil, err
	}
	instanceID := dev.InstanceID
	if dev.StubInstanceID != "" {
		instanceID = dev.StubInstanceID
	}
	h, err := tree.Locate(instanceID)
	if err != nil {
		return nil, err
	}
	parent, ok := tree.Parent(h)
	if !ok {
		return nil, errors.Newf("device %s has no parent hub", instanceID)
	}

	conn, err := b.opener.OpenHub(tree.InstanceID(parent))
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open hub for %s", instanceID)
	}
	defer func() { _ = conn.Close() }()

	info, err := b.queryConnInfo(ctx, conn, busID.Port)
	if err != nil {
		return nil, err
	}

	exported := &ExportedDevice{
		Path:               dev.InstanceID,
		BusID:              busID,
		Speed:              b.querySpeed(ctx, conn, busID.Port, info.Speed),
		Vendor:             info.Descriptor.Vendor,
		Product:            info.Descriptor.Product,
		BCDDevice:          info.Descriptor.BcdDevice,
		DeviceClass:        info.Descriptor.DeviceClass,
		DeviceSubClass:     info.Descriptor.DeviceSubClass,
		DeviceProtocol:     info.Descriptor.DeviceProtocol,
		ConfigurationValue: info.CurrentConfigurationValue,
		NumConfigurations:  info.Descriptor.NumConfigurations,
	}

	// Interface triples are informational; a device whose descriptor block
	// cannot be read (e.g. disabled) still exports, just without them.
	block, err := b.readConfigDescriptor(ctx, conn, busID.Port, info.CurrentConfigurationValue)
	if err != nil {
		_ = level.Debug(b.logger).Log("msg", "config descriptor unavailable", "device", instanceID, "err", err)
	} else {
		exported.Interfaces = collectInterfaces(block)
	}
	return exported, nil
}

func (b *Builder) queryConnInfo(ctx context.Context, conn capture.Conn, port uint16) (*nodeConnInfoReply, error) {
	out := make([]byte, binary.Size(nodeConnInfoReply{}))
	err := conn.Ioctl(ctx, ioctlNodeConnInfo, encodeNative(nodeConnInfoRequest{Port: uint32(port)}), out)
	if err != nil {
		return nil, errors.Wrapf(err, "connection info query for port %d failed", port)
	}
	var info nodeConnInfoReply
	if err := binary.Read(bytes.NewReader(out), binary.NativeEndian, &info); err != nil {
		return nil, errors.Wrap(err, "short connection info reply")
	}
	return &info, nil
}

// querySpeed maps the hub's reported speed, then consults the versioned
// query for SuperSpeed operation. Devices operating above SuperSpeed are
// deliberately reported as plain SuperSpeed: the remote peer's speed
// enumeration does not reliably advertise the higher tier yet, and the USB
// protocol exchanged is unaffected. Hubs predating the versioned query keep
// the base speed.
func (b *Builder) querySpeed(ctx context.Context, conn capture.Conn, port uint16, reported uint8) Speed {
	speed := SpeedUnknown
	switch reported {
	case portSpeedLow:
		speed = SpeedLow
	case portSpeedFull:
		speed = SpeedFull
	case portSpeedHigh:
		speed = SpeedHigh
	case portSpeedSuper:
		speed = SpeedSuper
	}

	out := make([]byte, binary.Size(nodeConnInfoV2Reply{}))
	err := conn.Ioctl(ctx, ioctlNodeConnInfoV2, encodeNative(nodeConnInfoV2Request{Port: uint32(port)}), out)
	if err != nil {
		_ = level.Debug(b.logger).Log("msg", "v2 connection info unavailable", "port", port, "err", err)
		return speed
	}
	var v2 nodeConnInfoV2Reply
	if err := binary.Read(bytes.NewReader(out), binary.NativeEndian, &v2); err != nil {
		return speed
	}
	if v2.Flags&(flagSuperSpeed|flagSuperSpeedPlus) != 0 {
		return SpeedSuper
	}
	return speed
}

// readConfigDescriptor fetches the active configuration's descriptor block
// in two round-trips: header first to learn the total length, then the full
// block.
func (b *Builder) readConfigDescriptor(ctx context.Context, conn capture.Conn, port uint16, configValue uint8) ([]byte, error) {
	index := uint8(0)
	if configValue > 0 {
		index = configValue - 1
	}
	header := make([]byte, configHeaderLen)
	req := descriptorRequest{
		Port:           uint32(port),
		DescriptorType: descTypeConfiguration,
		Index:          index,
		Length:         configHeaderLen,
	}
	if err := conn.Ioctl(ctx, ioctlGetDescriptor, encodeNative(req), header); err != nil {
		return nil, errors.Wrap(err, "descriptor header read failed")
	}
	if header[1] != descTypeConfiguration {
		return nil, errors.Newf("unexpected descriptor type %d", header[1])
	}
	total := binary.LittleEndian.Uint16(header[2:4])
	if total < configHeaderLen {
		return nil, errors.Newf("implausible descriptor total length %d", total)
	}

	block := make([]byte, total)
	req.Length = total
	if err := conn.Ioctl(ctx, ioctlGetDescriptor, encodeNative(req), block); err != nil {
		return nil, errors.Wrap(err, "descriptor block read failed")
	}
	return block, nil
}

// collectInterfaces walks a configuration descriptor block and collects one
// class triple per interface descriptor at alternate setting zero. A
// malformed or truncated block ends the walk early; whatever was collected
// up to that point stands.
func collectInterfaces(block []byte) [][3]uint8 {
	var interfaces [][3]uint8
	offset := 0
	for offset+2 <= len(block) {
		length := int(block[offset])
		if length < 2 || offset+length > len(block) {
			break
		}
		if block[offset+1] == descTypeInterface && length >= interfaceDescLen {
			altSetting := block[offset+3]
			if altSetting == 0 {
				interfaces = append(interfaces, [3]uint8{
					block[offset+5],
					block[offset+6],
					block[offset+7],
				})
			}
		}
		offset += length
	}
	return interfaces
}

func encodeNative(v any) []byte {
	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.NativeEndian, v); err != nil {
		panic(err)
	}
	return buf.Bytes()
}
