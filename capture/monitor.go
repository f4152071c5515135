// SPDX-License-Identifier: GPL-2.0-only

package capture

import (
	"context"

	"github.com/efficientgo/core/errors"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

// Monitor is the kernel monitor's control surface. Filters registered here
// make the monitor hand matching devices to this process when they appear.
type Monitor struct {
	conn   Conn
	logger log.Logger
}

// NewMonitor wraps an open channel to the kernel monitor, verifying the
// monitor's protocol version first. A mismatch is fatal, not retried.
func NewMonitor(ctx context.Context, conn Conn, logger log.Logger) (*Monitor, error) {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	if err := checkVersion(ctx, conn, ioctlMonitorVersion); err != nil {
		return nil, err
	}
	return &Monitor{conn: conn, logger: logger}, nil
}

// AddFilter registers interest in a not-yet-claimed device. The returned id
// must be removed with RemoveFilter when no longer needed.
func (m *Monitor) AddFilter(ctx context.Context, f Filter) (FilterID, error) {
	out := make([]byte, sizeOf(filterReply{}))
	if err := m.conn.Ioctl(ctx, ioctlMonitorAddFilter, encode(f), out); err != nil {
		return 0, translateCancel(ctx, errors.Wrap(err, "add-filter request failed"))
	}
	var reply filterReply
	if err := decode(out, &reply); err != nil {
		return 0, err
	}
	if reply.Status != 0 {
		return 0, errors.Newf("monitor rejected filter: status 0x%08X", reply.Status)
	}
	_ = level.Debug(m.logger).Log("msg", "registered filter", "id", reply.ID)
	return FilterID(reply.ID), nil
}

// RemoveFilter unregisters a previously added filter.
func (m *Monitor) RemoveFilter(ctx context.Context, id FilterID) error {
	out := make([]byte, sizeOf(removeFilterReply{}))
	if err := m.conn.Ioctl(ctx, ioctlMonitorRemoveFilter, encode(removeFilterRequest{ID: uint64(id)}), out); err != nil {
		return translateCancel(ctx, errors.Wrap(err, "remove-filter request failed"))
	}
	var reply removeFilterReply
	if err := decode(out, &reply); err != nil {
		return err
	}
	if reply.Status != 0 {
		return errors.Newf("monitor refused to remove filter %d: status 0x%08X", id, reply.Status)
	}
	return nil
}

func (m *Monitor) Close() error {
	return m.conn.Close()
}
