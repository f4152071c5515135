// SPDX-License-Identifier: GPL-2.0-only

// Package binder swaps a device's driver binding between its default driver
// and the capture-filter driver. Driver state is never persisted: it is
// derived live from the device's matching driver on every operation, so the
// state machine stays correct after out-of-band driver changes.
package binder

import (
	"context"
	"strings"
	"time"

	baseerrors "errors"

	"github.com/benbjohnson/clock"
	"github.com/dorssel/usbipd-win-sub001/devtree"
	"github.com/efficientgo/core/errors"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

const (
	// DriverService is the service name the capture-filter driver registers
	// under; a device whose matching driver equals it is "forced".
	DriverService = "VBoxUSB"

	// ProductName replaces the friendly name of forced devices so they are
	// recognizable in device listings.
	ProductName = "USBIP Shared Device"

	// settleDelay is observed between stripping a driver and installing the
	// next one. Some hardware classes fail to re-enumerate when rebound
	// immediately; 500 ms was determined empirically on such devices.
	settleDelay = 500 * time.Millisecond

	// restartDelay is observed between removing a subtree and cycling the
	// hub port during a restart.
	restartDelay = 100 * time.Millisecond
)

// SnapshotFunc produces a fresh device tree snapshot. The binder re-resolves
// every handle through a new snapshot before acting on it; handles are never
// carried across operations.
type SnapshotFunc func() (*devtree.Tree, error)

type Binder struct {
	snapshot SnapshotFunc
	mut      devtree.Mutator
	infPath  string
	clock    clock.Clock
	logger   log.Logger
}

func New(snapshot SnapshotFunc, mut devtree.Mutator, infPath string, clk clock.Clock, logger log.Logger) *Binder {
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Binder{
		snapshot: snapshot,
		mut:      mut,
		infPath:  infPath,
		clock:    clk,
		logger:   logger,
	}
}

// HasCaptureDriver reports whether the device currently runs under the
// capture-filter driver. A device that cannot be located does not.
func (b *Binder) HasCaptureDriver(instanceID string) bool {
	tree, err := b.snapshot()
	if err != nil {
		return false
	}
	h, err := tree.Locate(instanceID)
	if err != nil {
		return false
	}
	driver, ok := tree.Str(h, devtree.PropDriver)
	return ok && strings.EqualFold(driver, DriverService)
}

func (b *Binder) settle(ctx context.Context, d time.Duration) error {
	select {
	case <-b.clock.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Force binds the capture-filter driver to the device. Any existing driver
// is stripped first so no stale setup class survives, then the capture
// driver package is installed explicitly. The returned flag reports whether
// the driver install requires a reboot.
func (b *Binder) Force(ctx context.Context, instanceID string) (reboot bool, err error) {
	if err := b.mut.RemoveDriver(instanceID); err != nil {
		return false, errors.Wrapf(err, "failed to remove existing driver from %s", instanceID)
	}
	if err := b.settle(ctx, settleDelay); err != nil {
		return false, err
	}
	reboot, err = b.mut.InstallDriver(instanceID, b.infPath)
	if err != nil {
		return false, errors.Wrapf(err, "failed to install capture driver on %s", instanceID)
	}
	// Renaming the descriptor is cosmetic; the force succeeded either way.
	if err := b.mut.SetFriendlyName(instanceID, ProductName); err != nil {
		_ = level.Warn(b.logger).Log("msg", "failed to set friendly name", "device", instanceID, "err", err)
	}
	_ = level.Info(b.logger).Log("msg", "forced capture driver", "device", instanceID, "reboot", reboot)
	return reboot, nil
}

// Unforce restores the device to its default driver. A device that does not
// carry the capture driver is left untouched. When the device manager has no
// default driver for the device it is left driverless; that is informational,
// not a failure.
func (b *Binder) Unforce(ctx context.Context, instanceID string) (reboot bool, err error) {
	if !b.HasCaptureDriver(instanceID) {
		return false, nil
	}
	if err := b.mut.RemoveDriver(instanceID); err != nil {
		return false, errors.Wrapf(err, "failed to remove capture driver from %s", instanceID)
	}
	if err := b.settle(ctx, settleDelay); err != nil {
		return false, err
	}
	reboot, err = b.mut.InstallDefaultDriver(instanceID)
	if err != nil {
		if baseerrors.Is(err, devtree.ErrNoDefaultDriver) {
			_ = level.Info(b.logger).Log("msg", "no default driver; device left driverless", "device", instanceID)
			return false, nil
		}
		return false, errors.Wrapf(err, "failed to install default driver on %s", instanceID)
	}
	_ = level.Info(b.logger).Log("msg", "restored default driver", "device", instanceID, "reboot", reboot)
	return reboot, nil
}

// restartSteps removes the device subtree, waits for the hardware to settle,
// cycles the parent hub port to emulate unplug/replug, and re-arms
// enumeration. Each step's error is returned to the caller for policy
// decisions; only the subtree removal veto is ever treated as hard.
func (b *Binder) restartSteps(instanceID string) []error {
	var errs []error

	tree, err := b.snapshot()
	if err != nil {
		return []error{err}
	}
	h, err := tree.Locate(instanceID)
	if err != nil {
		return []error{err}
	}
	busID := tree.BusID(h)
	var hubInstance string
	if parent, ok := tree.Parent(h); ok {
		hubInstance = tree.InstanceID(parent)
	}

	if err := b.mut.RemoveSubtree(instanceID); err != nil {
		// A veto means some component refuses to release the device; there
		// is no safe way to continue.
		return []error{errors.Wrapf(err, "removal of %s was vetoed", instanceID)}
	}
	<-b.clock.After(restartDelay)

	if hubInstance != "" && !busID.IsIncompatible() {
		if err := b.mut.CyclePort(hubInstance, busID.Port); err != nil {
			errs = append(errs, errors.Wrapf(err, "failed to cycle port %d of %s", busID.Port, hubInstance))
		}
	}
	if err := b.mut.MarkReady(instanceID); err != nil {
		errs = append(errs, errors.Wrapf(err, "failed to re-arm %s", instanceID))
	}
	return errs
}

// RestartSubtree makes the device re-initialize under its freshly installed
// driver without a full reboot.
func (b *Binder) RestartSubtree(instanceID string) error {
	if errs := b.restartSteps(instanceID); len(errs) > 0 {
		return baseerrors.Join(errs...)
	}
	return nil
}

// CleanupRestart is RestartSubtree for teardown paths. It never fails: the
// replug races with physical removal during disposal and a throw is illegal
// there, so every error is logged and swallowed.
func (b *Binder) CleanupRestart(instanceID string) {
	for _, err := range b.restartSteps(instanceID) {
		_ = level.Debug(b.logger).Log("msg", "ignoring restart error during cleanup", "device", instanceID, "err", err)
	}
}

// UninstallStub removes a capture stub device node entirely. Used when a
// persisted binding is removed and during product uninstall.
func (b *Binder) UninstallStub(instanceID string) error {
	if err := b.mut.UninstallDevice(instanceID); err != nil {
		return errors.Wrapf(err, "failed to uninstall stub %s", instanceID)
	}
	return nil
}

// UnforceAll restores the default driver on every device currently carrying
// the capture driver. Every unit is attempted independently; the joined
// failures are returned after all units ran.
func (b *Binder) UnforceAll(ctx context.Context) error {
	tree, err := b.snapshot()
	if err != nil {
		return err
	}
	var errs []error
	for _, h := range tree.Enumerate("", false) {
		driver, ok := tree.Str(h, devtree.PropDriver)
		if !ok || !strings.EqualFold(driver, DriverService) {
			continue
		}
		instanceID := tree.InstanceID(h)
		if _, err := b.Unforce(ctx, instanceID); err != nil {
			errs = append(errs, err)
			continue
		}
		if err := b.RestartSubtree(instanceID); err != nil {
			errs = append(errs, err)
		}
	}
	return baseerrors.Join(errs...)
}
