// SPDX-License-Identifier: GPL-2.0-only

package capture

import (
	"path/filepath"
	"strings"
)

// MonitorChannel is the well-known device node of the kernel monitor,
// relative to the device channel directory.
const MonitorChannel = "monitor"

// FileOpener opens device channels under a directory, one node per device.
// Device instance IDs contain path separators; the device manager exposes
// channels under the flattened name with separators replaced by '#'.
type FileOpener struct {
	Dir string
}

func (o FileOpener) channelPath(instanceID string) string {
	flat := strings.NewReplacer(`\`, "#", "/", "#").Replace(instanceID)
	return filepath.Join(o.Dir, flat)
}

func (o FileOpener) Open(instanceID string) (Conn, error) {
	return OpenFileConn(o.channelPath(instanceID))
}

// OpenHub opens the channel of a hub device; hubs share the device channel
// namespace with captured devices.
func (o FileOpener) OpenHub(instanceID string) (Conn, error) {
	return OpenFileConn(o.channelPath(instanceID))
}

// OpenMonitor opens the kernel monitor's control channel.
func (o FileOpener) OpenMonitor() (Conn, error) {
	return OpenFileConn(filepath.Join(o.Dir, MonitorChannel))
}

var _ Opener = FileOpener{}
