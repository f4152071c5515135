// SPDX-License-Identifier: GPL-2.0-only

package devtree

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"syscall"

	baseerrors "errors"

	"github.com/efficientgo/core/errors"
)

// FSMutator drives the device manager through its command files under the
// tree root, one file per operation. Commands are plain strings; the device
// manager reports failures through the write itself and reboot demands
// through the reboot_required attribute.
type FSMutator struct {
	Root string
}

var _ Mutator = FSMutator{}

func (m FSMutator) commandPath(name string) string {
	return filepath.Join(m.Root, "control", name)
}

func (m FSMutator) writeCommand(op string, content string) error {
	f, err := os.OpenFile(m.commandPath(op), os.O_WRONLY, 0)
	if err != nil {
		return errors.Wrapf(err, "failed to open %s command", op)
	}
	defer func(f *os.File) {
		_ = f.Close()
	}(f)

	if _, err := f.WriteString(content); err != nil {
		return &ConfigError{Op: op, Status: statusOf(err)}
	}
	return nil
}

func statusOf(err error) uint32 {
	var errno syscall.Errno
	if baseerrors.As(err, &errno) {
		return uint32(errno)
	}
	return 0
}

func (m FSMutator) rebootRequired() bool {
	raw, err := os.ReadFile(m.commandPath("reboot_required"))
	if err != nil {
		return false
	}
	return strings.TrimSpace(string(raw)) == "1"
}

func (m FSMutator) RemoveDriver(instanceID string) error {
	return m.writeCommand("remove_driver", instanceID)
}

func (m FSMutator) InstallDriver(instanceID string, infPath string) (bool, error) {
	if err := m.writeCommand("install_driver", fmt.Sprintf("%s %s", instanceID, infPath)); err != nil {
		return false, err
	}
	return m.rebootRequired(), nil
}

func (m FSMutator) InstallDefaultDriver(instanceID string) (bool, error) {
	err := m.writeCommand("install_default_driver", instanceID)
	if err != nil {
		var cfgErr *ConfigError
		// The device manager reports "no driver found" as ENODATA; that is
		// an expected outcome, not an install failure.
		if baseerrors.As(err, &cfgErr) && cfgErr.Status == noDriverStatus {
			return false, ErrNoDefaultDriver
		}
		return false, err
	}
	return m.rebootRequired(), nil
}

const noDriverStatus uint32 = 61

func (m FSMutator) SetFriendlyName(instanceID string, name string) error {
	return m.writeCommand("friendly_name", fmt.Sprintf("%s %s", instanceID, name))
}

func (m FSMutator) RemoveSubtree(instanceID string) error {
	return m.writeCommand("remove_subtree", instanceID)
}

func (m FSMutator) MarkReady(instanceID string) error {
	return m.writeCommand("mark_ready", instanceID)
}

func (m FSMutator) CyclePort(hubInstanceID string, port uint16) error {
	return m.writeCommand("cycle_port", fmt.Sprintf("%s %d", hubInstanceID, port))
}

func (m FSMutator) UninstallDevice(instanceID string) error {
	return m.writeCommand("uninstall", instanceID)
}
