// SPDX-License-Identifier: GPL-2.0-only

package device

import (
	"fmt"
	"strings"

	"github.com/efficientgo/core/errors"
)

// VidPid is the USB vendor/product identifier pair of a device, as it appears
// in hardware identifier strings (VID_xxxx&PID_xxxx).
type VidPid struct {
	Vendor  uint16
	Product uint16
}

func (v VidPid) String() string {
	return fmt.Sprintf("VID_%04X&PID_%04X", v.Vendor, v.Product)
}

// ParseVidPid parses a VID_xxxx&PID_xxxx pair. The pair may be embedded in a
// longer hardware identifier; the first occurrence wins.
func ParseVidPid(s string) (VidPid, error) {
	upper := strings.ToUpper(s)
	idx := strings.Index(upper, "VID_")
	if idx < 0 {
		return VidPid{}, errors.Newf("no VID_xxxx&PID_xxxx pair in %q", s)
	}
	var result VidPid
	_, err := fmt.Sscanf(upper[idx:], "VID_%04X&PID_%04X", &result.Vendor, &result.Product)
	if err != nil {
		return VidPid{}, errors.Wrapf(err, "malformed VID/PID pair in %q", s)
	}
	return result, nil
}

// BusID is the (hub, port) address of a connected device, both 1-based.
// The zero value is the "incompatible hub" sentinel: it orders before every
// real BusID and never equals one.
type BusID struct {
	Hub  uint16
	Port uint16
}

// IncompatibleHub is the sentinel for devices attached below an unsupported
// hub topology.
var IncompatibleHub = BusID{}

func (b BusID) IsIncompatible() bool {
	return b.Hub == 0 || b.Port == 0
}

func (b BusID) String() string {
	if b.IsIncompatible() {
		return "IncompatibleHub"
	}
	return fmt.Sprintf("%d-%d", b.Hub, b.Port)
}

// Location renders the BusID back into the hub driver's location string
// format, such that ParseBusID(b.Location()) == b for any compatible BusID.
func (b BusID) Location() string {
	return fmt.Sprintf("Port_#%04d.Hub_#%04d", b.Port, b.Hub)
}

// Compare orders by hub, then port.
func (b BusID) Compare(other BusID) int {
	if b.Hub != other.Hub {
		if b.Hub < other.Hub {
			return -1
		}
		return 1
	}
	if b.Port != other.Port {
		if b.Port < other.Port {
			return -1
		}
		return 1
	}
	return 0
}

// ParseBusID parses a location string of the form Port_#0002.Hub_#0001.
// Anything that does not match, including a zero hub or port, yields the
// IncompatibleHub sentinel. Location strings are produced by the hub driver
// and a mismatch simply means the device sits under a hub we cannot address.
func ParseBusID(location string) BusID {
	var port, hub uint16
	n, err := fmt.Sscanf(strings.TrimSpace(location), "Port_#%d.Hub_#%d", &port, &hub)
	if err != nil || n != 2 {
		return IncompatibleHub
	}
	b := BusID{Hub: hub, Port: port}
	if b.IsIncompatible() {
		return IncompatibleHub
	}
	return b
}
