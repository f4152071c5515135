// SPDX-License-Identifier: GPL-2.0-only

package devtree

import (
	baseerrors "errors"
	"fmt"
)

// ErrNoDefaultDriver reports that the device manager has no best-match
// driver for a device. Callers restoring a default driver treat this as
// success: the device is simply left driverless.
var ErrNoDefaultDriver = baseerrors.New("no default driver available")

// ConfigError is a driver-subsystem failure: the device manager refused an
// install, remove, or property operation. It carries the failing operation's
// name and the native status code for diagnostics.
type ConfigError struct {
	Op     string
	Status uint32
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("%s failed with status 0x%08X", e.Op, e.Status)
}

// Mutator is the device manager's mutating surface. All calls are
// synchronous and potentially blocking; they must be issued from worker
// contexts, never from a connection-accepting context. Failures are
// *ConfigError except where noted.
type Mutator interface {
	// RemoveDriver strips the device's current driver binding, leaving it
	// with no driver and no setup class.
	RemoveDriver(instanceID string) error
	// InstallDriver installs the driver package at infPath onto the device.
	// The returned flag reports whether the driver requires a reboot.
	InstallDriver(instanceID string, infPath string) (reboot bool, err error)
	// InstallDefaultDriver asks the device manager to select and install its
	// best-match driver. Returns ErrNoDefaultDriver when none exists.
	InstallDefaultDriver(instanceID string) (reboot bool, err error)
	// SetFriendlyName overwrites the device's friendly name descriptor.
	SetFriendlyName(instanceID string, name string) error
	// RemoveSubtree removes the device and everything below it from the
	// tree. A veto by a driver or user-mode component is a hard failure.
	RemoveSubtree(instanceID string) error
	// MarkReady re-arms enumeration of a previously removed subtree.
	MarkReady(instanceID string) error
	// CyclePort power-cycles one port of a hub, emulating unplug/replug.
	CyclePort(hubInstanceID string, port uint16) error
	// UninstallDevice removes the device node entirely, including its
	// driver association.
	UninstallDevice(instanceID string) error
}
