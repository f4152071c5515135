package policy

import (
	"testing"

	"github.com/dorssel/usbipd-win-sub001/device"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func busID(hub, port uint16) *device.BusID {
	b := device.BusID{Hub: hub, Port: port}
	return &b
}

func vidPid(vendor, product uint16) *device.VidPid {
	v := device.VidPid{Vendor: vendor, Product: product}
	return &v
}

func connectedAt(hub, port uint16) *device.Device {
	return &device.Device{
		InstanceID: `USB\VID_1234&PID_5678\SERIAL`,
		BusID:      busID(hub, port),
	}
}

func TestRuleValidate(t *testing.T) {
	assert.Error(t, Rule{Effect: Allow}.Validate(), "no filters")
	assert.Error(t, Rule{Effect: Allow, BusID: &device.IncompatibleHub}.Validate(), "sentinel filter")
	assert.NoError(t, Rule{Effect: Allow, BusID: busID(1, 2)}.Validate())
	assert.NoError(t, Rule{Effect: Deny, VidPid: vidPid(0x1234, 0x5678)}.Validate())
}

func TestNoRulesDeniesEverything(t *testing.T) {
	assert.False(t, IsAutoBindAllowed(nil, connectedAt(1, 2), device.VidPid{Vendor: 0x1234, Product: 0x5678}, nil))
}

func TestAllowRule(t *testing.T) {
	rules := map[string]Rule{
		"a": {Effect: Allow, VidPid: vidPid(0x1234, 0x5678)},
	}
	dev := connectedAt(1, 2)
	assert.True(t, IsAutoBindAllowed(rules, dev, device.VidPid{Vendor: 0x1234, Product: 0x5678}, nil))
	assert.False(t, IsAutoBindAllowed(rules, dev, device.VidPid{Vendor: 0x1234, Product: 0x9999}, nil))
}

func TestDenyOverridesAllow(t *testing.T) {
	dev := connectedAt(1, 2)
	vp := device.VidPid{Vendor: 0x1234, Product: 0x5678}

	rules := map[string]Rule{
		"allow": {Effect: Allow, VidPid: vidPid(0x1234, 0x5678)},
	}
	require.True(t, IsAutoBindAllowed(rules, dev, vp, nil))

	rules["deny"] = Rule{Effect: Deny, VidPid: vidPid(0x1234, 0x5678)}
	assert.False(t, IsAutoBindAllowed(rules, dev, vp, nil),
		"adding a matching Deny rule must flip the decision")

	delete(rules, "allow")
	delete(rules, "deny")
	assert.False(t, IsAutoBindAllowed(rules, dev, vp, nil),
		"removing all Allow rules must deny every device")
}

func TestBusIDDenyScenario(t *testing.T) {
	// Allow the VID/PID anywhere, deny whatever sits at bus 1-2.
	rules := map[string]Rule{
		"allow": {Effect: Allow, VidPid: vidPid(0x1234, 0x5678)},
		"deny":  {Effect: Deny, BusID: busID(1, 2)},
	}
	vp := device.VidPid{Vendor: 0x1234, Product: 0x5678}

	assert.False(t, IsAutoBindAllowed(rules, connectedAt(1, 2), vp, nil))
	assert.True(t, IsAutoBindAllowed(rules, connectedAt(1, 3), vp, nil))
}

func TestDisconnectedDeviceCannotMatchBusIDFilter(t *testing.T) {
	dev := &device.Device{InstanceID: `USB\VID_1234&PID_5678\SERIAL`}
	rules := map[string]Rule{
		"allow": {Effect: Allow, BusID: busID(1, 2)},
	}
	assert.False(t, IsAutoBindAllowed(rules, dev, device.VidPid{Vendor: 0x1234, Product: 0x5678}, nil))
}
