// SPDX-License-Identifier: GPL-2.0-only

// Package registry persists sharing intent: which devices an administrator
// bound, and the policy rules gating automatic binding. Only intent lives
// here; actual driver state is always derived live and reconciled against
// these records.
package registry

import (
	baseerrors "errors"
	"net/netip"

	"github.com/dorssel/usbipd-win-sub001/device"
	"github.com/dorssel/usbipd-win-sub001/policy"
	"github.com/google/uuid"
)

// ErrAccessDenied reports that the caller lacks the privilege to touch the
// persisted store. The engine never attempts privilege elevation itself.
var ErrAccessDenied = baseerrors.New("access to the registry denied")

// BoundDevice is one persisted sharing record.
type BoundDevice struct {
	InstanceID     string
	Description    string
	Forced         bool
	StubInstanceID string
	ClientAddr     string
}

// Store is the persisted-binding registry. Its concurrency discipline is
// single-writer, advisory; implementations serialize their own writes but
// do not coordinate between processes.
type Store interface {
	// GetBoundDevices returns all sharing records keyed by binding id.
	GetBoundDevices() (map[uuid.UUID]BoundDevice, error)
	// Persist records sharing intent for a device and returns the binding id.
	Persist(instanceID string, description string) (uuid.UUID, error)
	// SetStubInstanceID attaches the capture stub's instance id to a record.
	SetStubInstanceID(bindingID uuid.UUID, stubInstanceID string) error
	// StopSharing removes one sharing record.
	StopSharing(bindingID uuid.UUID) error
	// StopSharingAll removes every sharing record.
	StopSharingAll() error

	// GetPolicyRules returns all policy rules keyed by rule id.
	GetPolicyRules() (map[uuid.UUID]policy.Rule, error)
	// AddPolicyRule stores a validated rule and returns its id.
	AddPolicyRule(rule policy.Rule) (uuid.UUID, error)
	// RemovePolicyRule removes one rule.
	RemovePolicyRule(id uuid.UUID) error
	// RemoveAllPolicyRules removes every rule.
	RemoveAllPolicyRules() error

	Close() error
}

// BoundAsDevices converts sharing records into merged-view device records,
// for feeding device.Merge.
func BoundAsDevices(bound map[uuid.UUID]BoundDevice) []device.Device {
	devices := make([]device.Device, 0, len(bound))
	for id, b := range bound {
		bindingID := id
		d := device.Device{
			InstanceID:     b.InstanceID,
			Description:    b.Description,
			IsForced:       b.Forced,
			BindingID:      &bindingID,
			StubInstanceID: b.StubInstanceID,
		}
		if b.ClientAddr != "" {
			if addr, err := netip.ParseAddr(b.ClientAddr); err == nil {
				d.ClientAddr = &addr
			}
		}
		devices = append(devices, d)
	}
	return devices
}
