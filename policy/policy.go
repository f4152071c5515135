// SPDX-License-Identifier: GPL-2.0-only

// Package policy evaluates the administrative rules that gate automatic
// binding of devices. Rules are stored in the registry and only ever created
// or removed by explicit administrative action.
package policy

import (
	"net/netip"

	"github.com/dorssel/usbipd-win-sub001/device"
	"github.com/efficientgo/core/errors"
)

type Effect int

const (
	Deny Effect = iota
	Allow
)

func (e Effect) String() string {
	if e == Allow {
		return "Allow"
	}
	return "Deny"
}

type Operation int

const (
	// AutoBind is currently the only gated operation.
	AutoBind Operation = iota
)

func (o Operation) String() string {
	return "AutoBind"
}

// Rule matches a device iff every set filter equals the corresponding device
// attribute. A rule with no filters would match everything and is invalid.
type Rule struct {
	Effect    Effect
	Operation Operation
	BusID     *device.BusID
	VidPid    *device.VidPid
}

func (r Rule) Validate() error {
	if r.BusID == nil && r.VidPid == nil {
		return errors.New("a rule must have at least one filter")
	}
	if r.BusID != nil && r.BusID.IsIncompatible() {
		return errors.New("a rule cannot filter on the incompatible hub sentinel")
	}
	return nil
}

// Matches reports whether the rule applies to the device. A device that is
// not connected has no bus id and therefore cannot match a bus id filter.
func (r Rule) Matches(dev *device.Device, vidPid device.VidPid) bool {
	if r.BusID != nil {
		if dev.BusID == nil || *r.BusID != *dev.BusID {
			return false
		}
	}
	if r.VidPid != nil && *r.VidPid != vidPid {
		return false
	}
	return true
}

// IsAutoBindAllowed decides whether the device may be bound automatically:
// it must match at least one Allow rule and no Deny rule. With no Allow
// rules everything is denied. The client address is an extension point for
// network-origin filtering and is not evaluated yet; callers pass what they
// know and the decision ignores it.
func IsAutoBindAllowed(rules map[string]Rule, dev *device.Device, vidPid device.VidPid, _ *netip.Addr) bool {
	allowed := false
	for _, r := range rules {
		if r.Operation != AutoBind || !r.Matches(dev, vidPid) {
			continue
		}
		if r.Effect == Deny {
			return false
		}
		allowed = true
	}
	return allowed
}
