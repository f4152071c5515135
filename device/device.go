// SPDX-License-Identifier: GPL-2.0-only

package device

import (
	"net/netip"
	"sort"

	baseerrors "errors"

	"github.com/google/uuid"
)

// ErrNotFound reports that a device, bus id, or record is absent. It is a
// normal negative result, not a failure of the subsystem that produced it.
var ErrNotFound = baseerrors.New("not found")

// Device is the merged view of one hardware instance: what the live device
// tree reports about it right now, plus what the registry remembers about it.
// A Device is rebuilt from scratch on every query and never mutated in place.
type Device struct {
	// InstanceID is the stable hardware/instance identifier, the merge key.
	InstanceID string
	// Description is a human readable device name.
	Description string
	// IsForced reports whether the capture-filter driver is (supposed to be)
	// bound to this device.
	IsForced bool
	// BusID is set iff the device is currently connected.
	BusID *BusID
	// BindingID is set iff the device has a persisted sharing record.
	BindingID *uuid.UUID
	// ClientAddr is set iff the device is actively forwarded to a remote
	// client.
	ClientAddr *netip.Addr
	// StubInstanceID is the instance id of the capture stub device, when one
	// exists.
	StubInstanceID string
}

// Bound reports whether a persisted sharing record exists for the device.
func (d *Device) Bound() bool {
	return d.BindingID != nil
}

// Connected reports whether the device is currently present on the bus.
func (d *Device) Connected() bool {
	return d.BusID != nil
}

// Merge combines persisted binding records with the result of a live
// enumeration. A device present in both sources appears once, with the
// persisted record's description and forced flag preferred and the live bus
// id attached. Devices with neither a bus id nor a binding id are dropped.
// The result is ordered by instance id so that successive queries with the
// same inputs produce the same listing.
func Merge(persisted []Device, live []Device) []Device {
	byInstance := make(map[string]Device, len(persisted)+len(live))
	for _, d := range persisted {
		byInstance[d.InstanceID] = d
	}
	for _, l := range live {
		p, ok := byInstance[l.InstanceID]
		if !ok {
			byInstance[l.InstanceID] = l
			continue
		}
		p.BusID = l.BusID
		if p.Description == "" {
			p.Description = l.Description
		}
		if p.StubInstanceID == "" {
			p.StubInstanceID = l.StubInstanceID
		}
		byInstance[l.InstanceID] = p
	}

	merged := make([]Device, 0, len(byInstance))
	for _, d := range byInstance {
		if d.BusID == nil && d.BindingID == nil {
			continue
		}
		merged = append(merged, d)
	}
	sort.Slice(merged, func(i, j int) bool {
		return merged[i].InstanceID < merged[j].InstanceID
	})
	return merged
}
