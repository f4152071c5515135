// SPDX-License-Identifier: GPL-2.0-only

// Package engine drives the device lifecycle: it merges persisted bindings
// with live enumeration, applies policy, swaps drivers through the binder,
// negotiates capture, and produces export records for the connection layer.
package engine

import (
	"context"
	"strings"

	baseerrors "errors"

	"github.com/dorssel/usbipd-win-sub001/binder"
	"github.com/dorssel/usbipd-win-sub001/capture"
	"github.com/dorssel/usbipd-win-sub001/device"
	"github.com/dorssel/usbipd-win-sub001/devtree"
	"github.com/dorssel/usbipd-win-sub001/policy"
	"github.com/dorssel/usbipd-win-sub001/registry"
	"github.com/dorssel/usbipd-win-sub001/usbip"
	"github.com/efficientgo/core/errors"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
)

// USBClass is the setup class of ordinary USB devices in the tree.
const USBClass = "USB"

type Engine struct {
	store      registry.Store
	binder     *binder.Binder
	negotiator *capture.Negotiator
	builder    *usbip.Builder
	snapshot   func() (*devtree.Tree, error)
	logger     log.Logger

	// metrics
	boundGauge     prometheus.Gauge
	connectedGauge prometheus.Gauge
	forcedTotal    prometheus.Counter
	autoBindTotal  prometheus.Counter
}

func New(store registry.Store, b *binder.Binder, n *capture.Negotiator, builder *usbip.Builder, snapshot func() (*devtree.Tree, error), logger log.Logger, reg prometheus.Registerer) *Engine {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	e := &Engine{
		store:      store,
		binder:     b,
		negotiator: n,
		builder:    builder,
		snapshot:   snapshot,
		logger:     logger,
		boundGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "usbipd_bound_devices",
			Help: "The number of devices with a persisted sharing record.",
		}),
		connectedGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "usbipd_connected_devices",
			Help: "The number of USB devices currently connected.",
		}),
		forcedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "usbipd_force_operations_total",
			Help: "The total number of capture driver force operations.",
		}),
		autoBindTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "usbipd_auto_binds_total",
			Help: "The total number of automatic bindings performed.",
		}),
	}
	if reg != nil {
		reg.MustRegister(e.boundGauge, e.connectedGauge, e.forcedTotal, e.autoBindTotal)
	}
	return e
}

// liveDevices builds the connected-device view from one fresh snapshot.
// Forcing swaps the driver but keeps the device's instance id, so a forced
// device is recognized by its matching driver, not by a separate node.
func (e *Engine) liveDevices() ([]device.Device, error) {
	tree, err := e.snapshot()
	if err != nil {
		return nil, err
	}
	var live []device.Device
	for _, class := range []string{USBClass, capture.StubClass} {
		for _, h := range tree.Enumerate(class, true) {
			busID := tree.BusID(h)
			d := device.Device{
				InstanceID:  tree.InstanceID(h),
				Description: tree.Description(h),
				BusID:       &busID,
			}
			if driver, ok := tree.Str(h, devtree.PropDriver); ok && strings.EqualFold(driver, binder.DriverService) {
				d.IsForced = true
				d.StubInstanceID = d.InstanceID
			}
			live = append(live, d)
		}
	}
	return live, nil
}

// List produces the merged device view: every bound device and every
// connected device, exactly once each. The view is rebuilt from scratch on
// every call; nothing is cached between calls.
func (e *Engine) List() ([]device.Device, error) {
	bound, err := e.store.GetBoundDevices()
	if err != nil {
		return nil, err
	}
	live, err := e.liveDevices()
	if err != nil {
		return nil, err
	}
	merged := device.Merge(registry.BoundAsDevices(bound), live)

	connected := 0
	for _, d := range merged {
		if d.Connected() {
			connected++
		}
	}
	e.boundGauge.Set(float64(len(bound)))
	e.connectedGauge.Set(float64(connected))
	return merged, nil
}

func (e *Engine) find(busID device.BusID) (*device.Device, error) {
	merged, err := e.List()
	if err != nil {
		return nil, err
	}
	for i := range merged {
		if merged[i].BusID != nil && *merged[i].BusID == busID {
			return &merged[i], nil
		}
	}
	return nil, errors.Wrapf(device.ErrNotFound, "no device at %s", busID)
}

// Bind persists sharing intent for the device at busID and forces the
// capture driver onto it. Binding an already-bound device is a no-op
// returning the existing binding id.
func (e *Engine) Bind(ctx context.Context, busID device.BusID) (uuid.UUID, error) {
	dev, err := e.find(busID)
	if err != nil {
		return uuid.Nil, err
	}
	if dev.Bound() {
		return *dev.BindingID, nil
	}

	bindingID, err := e.store.Persist(dev.InstanceID, dev.Description)
	if err != nil {
		return uuid.Nil, err
	}
	if !dev.IsForced {
		if _, err := e.binder.Force(ctx, dev.InstanceID); err != nil {
			return uuid.Nil, err
		}
		e.forcedTotal.Inc()
		if err := e.binder.RestartSubtree(dev.InstanceID); err != nil {
			return uuid.Nil, err
		}
	}
	if err := e.store.SetStubInstanceID(bindingID, dev.InstanceID); err != nil {
		_ = level.Warn(e.logger).Log("msg", "failed to record stub instance", "binding", bindingID, "err", err)
	}
	_ = level.Info(e.logger).Log("msg", "bound device", "busid", busID, "binding", bindingID)
	return bindingID, nil
}

// Unbind removes the sharing record and restores the default driver. The
// device may be disconnected; driver restoration then waits for the next
// connection and is skipped here.
func (e *Engine) Unbind(ctx context.Context, bindingID uuid.UUID) error {
	bound, err := e.store.GetBoundDevices()
	if err != nil {
		return err
	}
	rec, ok := bound[bindingID]
	if !ok {
		return errors.Wrapf(device.ErrNotFound, "no binding %s", bindingID)
	}
	if err := e.store.StopSharing(bindingID); err != nil {
		return err
	}
	if _, err := e.binder.Unforce(ctx, rec.InstanceID); err != nil {
		return err
	}
	if err := e.binder.RestartSubtree(rec.InstanceID); err != nil {
		_ = level.Warn(e.logger).Log("msg", "restart after unbind failed", "device", rec.InstanceID, "err", err)
	}
	_ = level.Info(e.logger).Log("msg", "unbound device", "binding", bindingID)
	return nil
}

// UnbindAll removes every sharing record and restores default drivers
// device by device. Each unit is attempted independently; failures are
// collected and returned together after all units ran.
func (e *Engine) UnbindAll(ctx context.Context) error {
	var errs []error
	if err := e.store.StopSharingAll(); err != nil {
		errs = append(errs, err)
	}
	if err := e.binder.UnforceAll(ctx); err != nil {
		errs = append(errs, err)
	}
	return baseerrors.Join(errs...)
}

// Export claims the bound, connected device at busID and builds its export
// record for the connection-forwarding layer. Closing the claimed device
// releases it.
func (e *Engine) Export(ctx context.Context, busID device.BusID) (*capture.ClaimedDevice, *usbip.ExportedDevice, error) {
	dev, err := e.find(busID)
	if err != nil {
		return nil, nil, err
	}
	if !dev.Bound() {
		return nil, nil, errors.Newf("device at %s is not shared", busID)
	}

	claimed, err := e.negotiator.Claim(ctx, busID)
	if err != nil {
		return nil, nil, err
	}
	exported, err := e.builder.Build(ctx, dev)
	if err != nil {
		_ = claimed.Close()
		return nil, nil, err
	}
	return claimed, exported, nil
}

// AutoBindPass binds every connected, unbound device the policy rules
// allow. Runs periodically; per-device failures are logged and do not stop
// the pass.
func (e *Engine) AutoBindPass(ctx context.Context) error {
	rules, err := e.store.GetPolicyRules()
	if err != nil {
		return err
	}
	ruleSet := make(map[string]policy.Rule, len(rules))
	for id, r := range rules {
		ruleSet[id.String()] = r
	}

	merged, err := e.List()
	if err != nil {
		return err
	}
	for i := range merged {
		dev := &merged[i]
		if dev.Bound() || !dev.Connected() {
			continue
		}
		vidPid, err := device.ParseVidPid(dev.InstanceID)
		if err != nil {
			// Root hubs and other non-USB-id nodes are not candidates.
			continue
		}
		if !policy.IsAutoBindAllowed(ruleSet, dev, vidPid, nil) {
			continue
		}
		if _, err := e.Bind(ctx, *dev.BusID); err != nil {
			_ = level.Warn(e.logger).Log("msg", "auto-bind failed", "busid", dev.BusID, "err", err)
			continue
		}
		e.autoBindTotal.Inc()
	}
	return nil
}
