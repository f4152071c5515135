// SPDX-License-Identifier: GPL-2.0-only

package capture

import (
	"bytes"
	"encoding/binary"

	"github.com/efficientgo/core/errors"
)

// IO-control codes of the companion kernel components. The monitor codes
// address the kernel monitor's control device, the device codes address an
// individual capture-filter device.
const (
	ioctlMonitorVersion      uint32 = 0x002A0000
	ioctlMonitorAddFilter    uint32 = 0x002A0004
	ioctlMonitorRemoveFilter uint32 = 0x002A0008

	ioctlDeviceVersion uint32 = 0x002A8000
	ioctlDeviceClaim   uint32 = 0x002A8004
)

// Protocol version this build speaks. The kernel side must report the exact
// same major and at least this minor.
const (
	RequiredMajor uint32 = 5
	RequiredMinor uint32 = 0
)

// The request/reply layouts below are fixed by the companion driver; they
// are exchanged as raw native-endian buffers and must not be altered.

type versionReply struct {
	Major uint32
	Minor uint32
}

type claimRequest struct {
	BusID [32]byte
}

type claimReply struct {
	Claimed uint32
}

// Filter describes a not-yet-claimed device the monitor should hand to this
// process when it appears. Zero fields are wildcards on the kernel side.
type Filter struct {
	Vendor   uint16
	Product  uint16
	Revision uint16
	Class    uint8
	SubClass uint8
	Protocol uint8
	_        uint8
	Port     uint16
}

// FilterID is the monitor's opaque handle for a registered filter. Filters
// must be explicitly removed when no longer needed.
type FilterID uint64

type filterReply struct {
	ID     uint64
	Status uint32
}

type removeFilterRequest struct {
	ID uint64
}

type removeFilterReply struct {
	Status uint32
}

func encode(v any) []byte {
	var buf bytes.Buffer
	// Layouts above contain only fixed-width fields; this cannot fail.
	if err := binary.Write(&buf, binary.NativeEndian, v); err != nil {
		panic(err)
	}
	return buf.Bytes()
}

func decode(raw []byte, v any) error {
	if err := binary.Read(bytes.NewReader(raw), binary.NativeEndian, v); err != nil {
		return errors.Wrap(err, "short reply from kernel component")
	}
	return nil
}

func sizeOf(v any) int {
	return binary.Size(v)
}
