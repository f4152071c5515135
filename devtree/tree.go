// SPDX-License-Identifier: GPL-2.0-only

package devtree

import (
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"

	"github.com/dorssel/usbipd-win-sub001/device"
	"github.com/efficientgo/core/errors"
	"github.com/go-kit/log"
)

// Property keys, one attribute file per key under each node directory.
const (
	PropHardwareIDs   = "hardware_ids"
	PropCompatibleIDs = "compatible_ids"
	PropFriendlyName  = "friendly_name"
	PropDeviceDesc    = "device_desc"
	PropLocationInfo  = "location_info"
	PropDriver        = "driver"
	PropClass         = "class"
	PropStatus        = "status"
	PropAddress       = "address"
)

// Status bits reported by the device manager.
const (
	StatusPresent uint32 = 1 << 0
	StatusProblem uint32 = 1 << 1
)

// CompositeID is the reserved compatible id declaring a composite device.
const CompositeID = `USB\COMPOSITE`

// UnknownDevice is the description of last resort.
const UnknownDevice = "Unknown device"

const nodesDir = "nodes"

// Handle refers to one node of a Tree. It is only meaningful for the Tree
// that produced it; the device manager renumbers nodes on every tree
// mutation, so handles must never be carried across snapshots.
type Handle struct {
	node string
}

type nodeEntry struct {
	instanceID string
	parent     string
}

// Tree is one point-in-time snapshot of the device tree. A second snapshot
// re-walks the tree and may return different, renumbered handles for the
// same physical devices.
type Tree struct {
	fsys     fs.FS
	nodes    map[string]nodeEntry
	children map[string][]string
	order    []string
	logger   log.Logger
}

// Snapshot walks the device tree once. Nodes whose instance id cannot be
// read are skipped; they are either mid-removal or inaccessible, and either
// way there is nothing useful to report about them.
func Snapshot(fsys fs.FS, logger log.Logger) (*Tree, error) {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	entries, err := fs.ReadDir(fsys, nodesDir)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read device tree")
	}

	t := &Tree{
		fsys:     fsys,
		nodes:    make(map[string]nodeEntry, len(entries)),
		children: make(map[string][]string),
		logger:   logger,
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		node := e.Name()
		instance, err := t.readAttribute(node, "instance_id")
		if err != nil || instance == "" {
			_ = logger.Log("msg", "skipping node without instance id", "node", node)
			continue
		}
		parent, _ := t.readAttribute(node, "parent")
		t.nodes[node] = nodeEntry{instanceID: instance, parent: parent}
		t.order = append(t.order, node)
	}
	sort.Strings(t.order)
	for _, node := range t.order {
		if parent := t.nodes[node].parent; parent != "" {
			t.children[parent] = append(t.children[parent], node)
		}
	}
	return t, nil
}

func (t *Tree) readAttribute(node string, name string) (string, error) {
	content, err := fs.ReadFile(t.fsys, path.Join(nodesDir, node, name))
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(content)), nil
}

// Enumerate returns the snapshot's nodes, optionally restricted to one setup
// class and to devices currently present. The result reflects this snapshot
// only.
func (t *Tree) Enumerate(class string, presentOnly bool) []Handle {
	var handles []Handle
	for _, node := range t.order {
		h := Handle{node}
		if class != "" {
			c, ok := t.Str(h, PropClass)
			if !ok || !strings.EqualFold(c, class) {
				continue
			}
		}
		if presentOnly {
			status, ok := t.Uint32(h, PropStatus)
			if !ok || status&StatusPresent == 0 {
				continue
			}
		}
		handles = append(handles, h)
	}
	return handles
}

// InstanceID returns the stable hardware/instance identifier of the node.
func (t *Tree) InstanceID(h Handle) string {
	return t.nodes[h.node].instanceID
}

// Str reads a string property. Unreadable properties are absent, never an
// error: property access races with device removal all the time.
func (t *Tree) Str(h Handle, key string) (string, bool) {
	v, err := t.readAttribute(h.node, key)
	if err != nil {
		return "", false
	}
	return v, true
}

// StrList reads a multi-string property, one entry per line, empties dropped.
func (t *Tree) StrList(h Handle, key string) ([]string, bool) {
	raw, ok := t.Str(h, key)
	if !ok {
		return nil, false
	}
	var list []string
	for _, line := range strings.Split(raw, "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			list = append(list, line)
		}
	}
	return list, true
}

// Uint32 reads an unsigned 32-bit property. A malformed value is absent.
func (t *Tree) Uint32(h Handle, key string) (uint32, bool) {
	raw, ok := t.Str(h, key)
	if !ok {
		return 0, false
	}
	var v uint32
	if _, err := fmt.Sscanf(raw, "%d", &v); err != nil {
		return 0, false
	}
	return v, true
}

// Parent returns the parent node, if the node has one in this snapshot.
func (t *Tree) Parent(h Handle) (Handle, bool) {
	parent := t.nodes[h.node].parent
	if parent == "" {
		return Handle{}, false
	}
	if _, ok := t.nodes[parent]; !ok {
		return Handle{}, false
	}
	return Handle{parent}, true
}

// Children returns the direct children of the node in snapshot order.
func (t *Tree) Children(h Handle) []Handle {
	kids := t.children[h.node]
	handles := make([]Handle, len(kids))
	for i, node := range kids {
		handles[i] = Handle{node}
	}
	return handles
}

// Locate finds the node for an instance id in this snapshot.
func (t *Tree) Locate(instanceID string) (Handle, error) {
	for _, node := range t.order {
		if strings.EqualFold(t.nodes[node].instanceID, instanceID) {
			return Handle{node}, nil
		}
	}
	return Handle{}, errors.Wrapf(device.ErrNotFound, "no device with instance id %s", instanceID)
}

// LocateByBusID finds the present device of the given class occupying busID.
func (t *Tree) LocateByBusID(class string, busID device.BusID) (Handle, error) {
	for _, h := range t.Enumerate(class, true) {
		if t.BusID(h) == busID {
			return h, nil
		}
	}
	return Handle{}, errors.Wrapf(device.ErrNotFound, "no device at %s", busID)
}

// BusID derives the device's bus address from its location property.
// Devices without a parseable location map to the incompatible-hub sentinel.
func (t *Tree) BusID(h Handle) device.BusID {
	location, ok := t.Str(h, PropLocationInfo)
	if !ok {
		return device.IncompatibleHub
	}
	return device.ParseBusID(location)
}

// HasCompatibleID reports whether id occurs in the node's compatible id list.
func (t *Tree) HasCompatibleID(h Handle, id string) bool {
	ids, ok := t.StrList(h, PropCompatibleIDs)
	if !ok {
		return false
	}
	for _, c := range ids {
		if strings.EqualFold(c, id) {
			return true
		}
	}
	return false
}

// Description resolves a human readable name for the device. Ordinary
// devices prefer a user-assigned friendly name over the model description.
// Composite devices describe themselves as the concatenation of their own
// friendly name and their children's names, since the children are where the
// interesting functions live.
func (t *Tree) Description(h Handle) string {
	if t.HasCompatibleID(h, CompositeID) {
		if desc := t.compositeDescription(h); desc != "" {
			return desc
		}
	}
	return t.plainDescription(h)
}

func (t *Tree) plainDescription(h Handle) string {
	if name, ok := t.Str(h, PropFriendlyName); ok && strings.TrimSpace(name) != "" {
		return strings.TrimSpace(name)
	}
	if desc, ok := t.Str(h, PropDeviceDesc); ok && strings.TrimSpace(desc) != "" {
		return strings.TrimSpace(desc)
	}
	return UnknownDevice
}

func (t *Tree) compositeDescription(h Handle) string {
	var parts []string
	seen := make(map[string]bool)
	add := func(name string) {
		name = strings.TrimSpace(name)
		if name == "" || seen[name] {
			return
		}
		seen[name] = true
		parts = append(parts, name)
	}
	if name, ok := t.Str(h, PropFriendlyName); ok {
		add(name)
	}
	// Children may not be enumerated yet right after a driver switch; the
	// caller falls back to ordinary resolution in that case.
	for _, child := range t.Children(h) {
		add(t.plainDescription(child))
	}
	return strings.Join(parts, ", ")
}
