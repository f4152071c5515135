package registry

import (
	"path/filepath"
	"testing"

	"github.com/dorssel/usbipd-win-sub001/device"
	"github.com/dorssel/usbipd-win-sub001/policy"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const instanceID = `USB\VID_046D&PID_C52B\SERIAL1`

func tempStore(t *testing.T) (*FileStore, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "state.yaml")
	s, err := OpenFileStore(path)
	require.NoError(t, err)
	return s, path
}

func TestFileStoreRoundTrip(t *testing.T) {
	s, path := tempStore(t)

	id, err := s.Persist(instanceID, "Wireless Receiver")
	require.NoError(t, err)
	require.NoError(t, s.SetStubInstanceID(id, `USB\VID_046D&PID_C52B\STUB`))

	// Everything must survive a reopen.
	reopened, err := OpenFileStore(path)
	require.NoError(t, err)

	bound, err := reopened.GetBoundDevices()
	require.NoError(t, err)
	require.Len(t, bound, 1)
	d := bound[id]
	assert.Equal(t, instanceID, d.InstanceID)
	assert.Equal(t, "Wireless Receiver", d.Description)
	assert.True(t, d.Forced)
	assert.Equal(t, `USB\VID_046D&PID_C52B\STUB`, d.StubInstanceID)

	require.NoError(t, reopened.StopSharing(id))
	bound, err = reopened.GetBoundDevices()
	require.NoError(t, err)
	assert.Empty(t, bound)
}

func TestFileStorePersistReplacesExisting(t *testing.T) {
	s, _ := tempStore(t)

	first, err := s.Persist(instanceID, "old name")
	require.NoError(t, err)
	second, err := s.Persist(instanceID, "new name")
	require.NoError(t, err)
	assert.NotEqual(t, first, second)

	bound, err := s.GetBoundDevices()
	require.NoError(t, err)
	require.Len(t, bound, 1, "re-binding must replace, not duplicate")
	assert.Equal(t, "new name", bound[second].Description)
}

func TestFileStoreNotFound(t *testing.T) {
	s, _ := tempStore(t)
	err := s.StopSharing(uuid.New())
	assert.ErrorIs(t, err, device.ErrNotFound)
	err = s.RemovePolicyRule(uuid.New())
	assert.ErrorIs(t, err, device.ErrNotFound)
}

func TestFileStoreRules(t *testing.T) {
	s, path := tempStore(t)

	busID := device.BusID{Hub: 1, Port: 2}
	vidPid := device.VidPid{Vendor: 0x1234, Product: 0x5678}
	allowID, err := s.AddPolicyRule(policy.Rule{Effect: policy.Allow, VidPid: &vidPid})
	require.NoError(t, err)
	denyID, err := s.AddPolicyRule(policy.Rule{Effect: policy.Deny, BusID: &busID})
	require.NoError(t, err)

	reopened, err := OpenFileStore(path)
	require.NoError(t, err)
	rules, err := reopened.GetPolicyRules()
	require.NoError(t, err)
	require.Len(t, rules, 2)
	assert.Equal(t, policy.Allow, rules[allowID].Effect)
	require.NotNil(t, rules[allowID].VidPid)
	assert.Equal(t, vidPid, *rules[allowID].VidPid)
	assert.Equal(t, policy.Deny, rules[denyID].Effect)
	require.NotNil(t, rules[denyID].BusID)
	assert.Equal(t, busID, *rules[denyID].BusID)

	require.NoError(t, reopened.RemovePolicyRule(denyID))
	rules, err = reopened.GetPolicyRules()
	require.NoError(t, err)
	assert.Len(t, rules, 1)

	require.NoError(t, reopened.RemoveAllPolicyRules())
	rules, err = reopened.GetPolicyRules()
	require.NoError(t, err)
	assert.Empty(t, rules)
}

func TestFileStoreRejectsInvalidRule(t *testing.T) {
	s, _ := tempStore(t)
	_, err := s.AddPolicyRule(policy.Rule{Effect: policy.Allow})
	assert.Error(t, err, "rule without filters must be rejected")
	_, err = s.AddPolicyRule(policy.Rule{Effect: policy.Allow, BusID: &device.IncompatibleHub})
	assert.Error(t, err, "sentinel filter must be rejected")
}

func TestStopSharingAll(t *testing.T) {
	s, _ := tempStore(t)
	_, err := s.Persist(instanceID, "a")
	require.NoError(t, err)
	_, err = s.Persist(`USB\VID_1111&PID_2222\X`, "b")
	require.NoError(t, err)

	require.NoError(t, s.StopSharingAll())
	bound, err := s.GetBoundDevices()
	require.NoError(t, err)
	assert.Empty(t, bound)
}

func TestBoundAsDevices(t *testing.T) {
	id := uuid.New()
	devices := BoundAsDevices(map[uuid.UUID]BoundDevice{
		id: {InstanceID: instanceID, Description: "d", Forced: true, ClientAddr: "192.0.2.7"},
	})
	require.Len(t, devices, 1)
	assert.True(t, devices[0].Bound())
	assert.Equal(t, id, *devices[0].BindingID)
	require.NotNil(t, devices[0].ClientAddr)
	assert.Equal(t, "192.0.2.7", devices[0].ClientAddr.String())
}

var _ Store = (*FileStore)(nil)
var _ Store = (*MemStore)(nil)

func TestMemStoreBasics(t *testing.T) {
	s := NewMemStore()
	id, err := s.Persist(instanceID, "d")
	require.NoError(t, err)
	require.NoError(t, s.SetStubInstanceID(id, "STUB"))
	bound, err := s.GetBoundDevices()
	require.NoError(t, err)
	assert.Equal(t, "STUB", bound[id].StubInstanceID)
	assert.ErrorIs(t, s.StopSharing(uuid.New()), device.ErrNotFound)
	require.NoError(t, s.StopSharing(id))
}
