// SPDX-License-Identifier: GPL-2.0-only

package capture

import (
	"context"
	"time"

	baseerrors "errors"

	"github.com/benbjohnson/clock"
	"github.com/dorssel/usbipd-win-sub001/device"
	"github.com/dorssel/usbipd-win-sub001/devtree"
	"github.com/efficientgo/core/errors"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

// StubClass is the setup class the capture-filter driver assigns to devices
// it captured.
const StubClass = "USBStub"

// DisplayName is the best-effort name given to claimed devices.
const DisplayName = "USBIP Shared Device"

const (
	pollInterval = 100 * time.Millisecond
	claimTimeout = 10 * time.Second
)

// ErrVersionMismatch reports an incompatible kernel component. Never retried.
var ErrVersionMismatch = baseerrors.New("kernel component version mismatch")

// ErrAlreadyClaimed reports that the filter driver refused the claim, most
// likely because another instance holds the device.
var ErrAlreadyClaimed = baseerrors.New("device already claimed")

// Opener opens the IO channel of a device by instance id.
type Opener interface {
	Open(instanceID string) (Conn, error)
}

// ClaimedDevice represents exclusive ownership of a captured device's data
// path. Closing it, by any means, releases the claim.
type ClaimedDevice struct {
	InstanceID string
	BusID      device.BusID
	Conn       Conn
}

func (d *ClaimedDevice) Close() error {
	return d.Conn.Close()
}

type Negotiator struct {
	snapshot func() (*devtree.Tree, error)
	opener   Opener
	mut      devtree.Mutator
	clock    clock.Clock
	logger   log.Logger
}

func NewNegotiator(snapshot func() (*devtree.Tree, error), opener Opener, mut devtree.Mutator, clk clock.Clock, logger log.Logger) *Negotiator {
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Negotiator{
		snapshot: snapshot,
		opener:   opener,
		mut:      mut,
		clock:    clk,
		logger:   logger,
	}
}

// locateStub polls for the stub device occupying busID. Right after a force
// the device is still re-enumerating, so absence is transient at first; only
// after the overall timeout does it become a not-found result. Losing a
// claim race against another instance surfaces the same way, which is why
// the bound applies per call, not per device.
func (n *Negotiator) locateStub(ctx context.Context, busID device.BusID) (string, error) {
	deadline := n.clock.Now().Add(claimTimeout)
	for {
		tree, err := n.snapshot()
		if err != nil {
			return "", err
		}
		h, err := tree.LocateByBusID(StubClass, busID)
		if err == nil {
			return tree.InstanceID(h), nil
		}
		if !baseerrors.Is(err, device.ErrNotFound) {
			return "", err
		}
		if !n.clock.Now().Before(deadline) {
			return "", errors.Wrapf(device.ErrNotFound, "no capture device appeared at %s within %s", busID, claimTimeout)
		}
		select {
		case <-n.clock.After(pollInterval):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
}

func checkVersion(ctx context.Context, conn Conn, code uint32) error {
	out := make([]byte, sizeOf(versionReply{}))
	if err := conn.Ioctl(ctx, code, nil, out); err != nil {
		return errors.Wrap(err, "version query failed")
	}
	var v versionReply
	if err := decode(out, &v); err != nil {
		return err
	}
	if v.Major != RequiredMajor || v.Minor < RequiredMinor {
		return errors.Wrapf(ErrVersionMismatch, "got %d.%d, need %d.%d or compatible",
			v.Major, v.Minor, RequiredMajor, RequiredMinor)
	}
	return nil
}

// Claim takes exclusive control of the capture device at busID. The device
// is located with a bounded poll, its channel opened, the filter driver's
// protocol version verified, and the claim issued. The returned device's
// channel represents the claim; closing it releases the device.
func (n *Negotiator) Claim(ctx context.Context, busID device.BusID) (*ClaimedDevice, error) {
	instanceID, err := n.locateStub(ctx, busID)
	if err != nil {
		return nil, err
	}

	conn, err := n.opener.Open(instanceID)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open capture device %s", instanceID)
	}

	if err := checkVersion(ctx, conn, ioctlDeviceVersion); err != nil {
		_ = conn.Close()
		return nil, translateCancel(ctx, err)
	}

	var req claimRequest
	copy(req.BusID[:], busID.String())
	out := make([]byte, sizeOf(claimReply{}))
	if err := conn.Ioctl(ctx, ioctlDeviceClaim, encode(req), out); err != nil {
		_ = conn.Close()
		return nil, translateCancel(ctx, errors.Wrap(err, "claim request failed"))
	}
	var reply claimReply
	if err := decode(out, &reply); err != nil {
		_ = conn.Close()
		return nil, err
	}
	if reply.Claimed == 0 {
		_ = conn.Close()
		return nil, errors.Wrapf(ErrAlreadyClaimed, "filter driver refused to claim %s", busID)
	}

	// Cosmetic only; the claim stands regardless.
	if err := n.mut.SetFriendlyName(instanceID, DisplayName); err != nil {
		_ = level.Debug(n.logger).Log("msg", "failed to set display name", "device", instanceID, "err", err)
	}

	_ = level.Info(n.logger).Log("msg", "claimed device", "busid", busID, "instance", instanceID)
	return &ClaimedDevice{InstanceID: instanceID, BusID: busID, Conn: conn}, nil
}

// translateCancel maps a channel-closed failure back to the cancellation
// that caused it. A close without cancellation stays an ordinary I/O error.
func translateCancel(ctx context.Context, err error) error {
	if baseerrors.Is(err, ErrConnClosed) && ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}
