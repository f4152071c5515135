package engine

import (
	"context"
	baseerrors "errors"
	"fmt"
	"runtime"
	"testing"
	"testing/fstest"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/dorssel/usbipd-win-sub001/binder"
	"github.com/dorssel/usbipd-win-sub001/device"
	"github.com/dorssel/usbipd-win-sub001/devtree"
	"github.com/dorssel/usbipd-win-sub001/policy"
	"github.com/dorssel/usbipd-win-sub001/registry"
)

const (
	hubID    = `USB\ROOT_HUB30\4&AAAA&0&0`
	mouseID  = `USB\VID_046D&PID_C52B\SERIAL1`
	cameraID = `USB\VID_046D&PID_0825\SERIAL2`
)

type recordingMutator struct {
	calls []string
}

func (m *recordingMutator) record(format string, args ...any) {
	m.calls = append(m.calls, fmt.Sprintf(format, args...))
}

func (m *recordingMutator) RemoveDriver(id string) error {
	m.record("RemoveDriver(%s)", id)
	return nil
}

func (m *recordingMutator) InstallDriver(id string, _ string) (bool, error) {
	m.record("InstallDriver(%s)", id)
	return false, nil
}

func (m *recordingMutator) InstallDefaultDriver(id string) (bool, error) {
	m.record("InstallDefaultDriver(%s)", id)
	return false, nil
}

func (m *recordingMutator) SetFriendlyName(id string, _ string) error {
	m.record("SetFriendlyName(%s)", id)
	return nil
}

func (m *recordingMutator) RemoveSubtree(id string) error {
	m.record("RemoveSubtree(%s)", id)
	return nil
}

func (m *recordingMutator) MarkReady(id string) error {
	m.record("MarkReady(%s)", id)
	return nil
}

func (m *recordingMutator) CyclePort(hub string, port uint16) error {
	m.record("CyclePort(%s,%d)", hub, port)
	return nil
}

func (m *recordingMutator) UninstallDevice(id string) error {
	m.record("UninstallDevice(%s)", id)
	return nil
}

func (m *recordingMutator) called(call string) bool {
	for _, c := range m.calls {
		if c == call {
			return true
		}
	}
	return false
}

func testFS() fstest.MapFS {
	return fstest.MapFS{
		"nodes/0001/instance_id":   {Data: []byte(hubID)},
		"nodes/0001/class":         {Data: []byte(USBClass)},
		"nodes/0001/status":        {Data: []byte("1")},
		"nodes/0002/instance_id":   {Data: []byte(mouseID)},
		"nodes/0002/class":         {Data: []byte(USBClass)},
		"nodes/0002/status":        {Data: []byte("1")},
		"nodes/0002/parent":        {Data: []byte("0001")},
		"nodes/0002/friendly_name": {Data: []byte("Wireless Mouse")},
		"nodes/0002/location_info": {Data: []byte("Port_#0002.Hub_#0001")},
		"nodes/0002/driver":        {Data: []byte("HidUsb")},
		"nodes/0003/instance_id":   {Data: []byte(cameraID)},
		"nodes/0003/class":         {Data: []byte(USBClass)},
		"nodes/0003/status":        {Data: []byte("1")},
		"nodes/0003/parent":        {Data: []byte("0001")},
		"nodes/0003/device_desc":   {Data: []byte("USB Camera")},
		"nodes/0003/location_info": {Data: []byte("Port_#0003.Hub_#0001")},
		"nodes/0003/driver":        {Data: []byte("usbvideo")},
	}
}

func pump(mock *clock.Mock) func() {
	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case <-stop:
				return
			default:
				mock.Add(time.Second)
				runtime.Gosched()
			}
		}
	}()
	return func() {
		close(stop)
		<-done
	}
}

func testEngine(fsys fstest.MapFS, mut devtree.Mutator, mock *clock.Mock) (*Engine, *registry.MemStore) {
	snapshot := func() (*devtree.Tree, error) {
		return devtree.Snapshot(fsys, nil)
	}
	store := registry.NewMemStore()
	b := binder.New(snapshot, mut, "drv.inf", mock, nil)
	e := New(store, b, nil, nil, snapshot, nil, nil)
	return e, store
}

func TestListMergesBoundAndLive(t *testing.T) {
	fsys := testFS()
	e, store := testEngine(fsys, &recordingMutator{}, clock.NewMock())

	bindingID, err := store.Persist(mouseID, "Wireless Mouse")
	if err != nil {
		t.Fatal(err)
	}

	devices, err := e.List()
	if err != nil {
		t.Fatal(err)
	}
	// Hub, mouse, camera; the mouse appears once despite being in both
	// sources.
	if len(devices) != 3 {
		t.Fatalf("got %d devices: %v", len(devices), devices)
	}
	var mouse *device.Device
	for i := range devices {
		if devices[i].InstanceID == mouseID {
			mouse = &devices[i]
		}
	}
	if mouse == nil {
		t.Fatal("mouse missing from merged view")
	}
	if !mouse.Bound() || !mouse.Connected() {
		t.Errorf("mouse = %+v; want bound and connected", mouse)
	}
	if *mouse.BindingID != bindingID {
		t.Error("binding id lost in merge")
	}
}

func TestBind(t *testing.T) {
	mock := clock.NewMock()
	mut := &recordingMutator{}
	e, store := testEngine(testFS(), mut, mock)

	stop := pump(mock)
	defer stop()

	busID := device.BusID{Hub: 1, Port: 2}
	bindingID, err := e.Bind(context.Background(), busID)
	if err != nil {
		t.Fatal(err)
	}
	if !mut.called("InstallDriver(" + mouseID + ")") {
		t.Errorf("capture driver was not forced: %v", mut.calls)
	}
	if !mut.called("CyclePort(" + hubID + ",2)") {
		t.Errorf("subtree was not restarted: %v", mut.calls)
	}
	bound, err := store.GetBoundDevices()
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := bound[bindingID]; !ok {
		t.Error("binding not persisted")
	}

	// Binding again is a no-op returning the same id.
	again, err := e.Bind(context.Background(), busID)
	if err != nil {
		t.Fatal(err)
	}
	if again != bindingID {
		t.Errorf("rebind returned %s; want %s", again, bindingID)
	}
}

func TestBindNotFound(t *testing.T) {
	e, _ := testEngine(testFS(), &recordingMutator{}, clock.NewMock())
	_, err := e.Bind(context.Background(), device.BusID{Hub: 9, Port: 9})
	if !baseerrors.Is(err, device.ErrNotFound) {
		t.Errorf("expected ErrNotFound; got %v", err)
	}
}

func TestUnbind(t *testing.T) {
	mock := clock.NewMock()
	mut := &recordingMutator{}
	fsys := testFS()
	// The mouse already runs under the capture driver.
	fsys["nodes/0002/driver"] = &fstest.MapFile{Data: []byte(binder.DriverService)}
	e, store := testEngine(fsys, mut, mock)

	stop := pump(mock)
	defer stop()

	bindingID, err := store.Persist(mouseID, "Wireless Mouse")
	if err != nil {
		t.Fatal(err)
	}
	if err := e.Unbind(context.Background(), bindingID); err != nil {
		t.Fatal(err)
	}
	if !mut.called("InstallDefaultDriver(" + mouseID + ")") {
		t.Errorf("default driver was not restored: %v", mut.calls)
	}
	bound, err := store.GetBoundDevices()
	if err != nil {
		t.Fatal(err)
	}
	if len(bound) != 0 {
		t.Error("binding not removed")
	}

	if err := e.Unbind(context.Background(), bindingID); !baseerrors.Is(err, device.ErrNotFound) {
		t.Errorf("expected ErrNotFound for unknown binding; got %v", err)
	}
}

func TestAutoBindPass(t *testing.T) {
	mock := clock.NewMock()
	mut := &recordingMutator{}
	e, store := testEngine(testFS(), mut, mock)

	stop := pump(mock)
	defer stop()

	// No rules: nothing is bound.
	if err := e.AutoBindPass(context.Background()); err != nil {
		t.Fatal(err)
	}
	bound, _ := store.GetBoundDevices()
	if len(bound) != 0 {
		t.Fatalf("auto-bind without rules bound %v", bound)
	}

	// Allow the mouse, deny the camera's port.
	mouseVidPid := device.VidPid{Vendor: 0x046D, Product: 0xC52B}
	cameraVidPid := device.VidPid{Vendor: 0x046D, Product: 0x0825}
	if _, err := store.AddPolicyRule(policy.Rule{Effect: policy.Allow, VidPid: &mouseVidPid}); err != nil {
		t.Fatal(err)
	}
	if _, err := store.AddPolicyRule(policy.Rule{Effect: policy.Allow, VidPid: &cameraVidPid}); err != nil {
		t.Fatal(err)
	}
	cameraPort := device.BusID{Hub: 1, Port: 3}
	if _, err := store.AddPolicyRule(policy.Rule{Effect: policy.Deny, BusID: &cameraPort}); err != nil {
		t.Fatal(err)
	}

	if err := e.AutoBindPass(context.Background()); err != nil {
		t.Fatal(err)
	}
	bound, _ = store.GetBoundDevices()
	if len(bound) != 1 {
		t.Fatalf("bound %d devices; want only the mouse: %v", len(bound), bound)
	}
	for _, d := range bound {
		if d.InstanceID != mouseID {
			t.Errorf("bound %s; want %s", d.InstanceID, mouseID)
		}
	}
}
