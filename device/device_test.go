package device

import (
	"testing"

	"github.com/google/uuid"
)

func busID(hub, port uint16) *BusID {
	b := BusID{Hub: hub, Port: port}
	return &b
}

func TestMerge(t *testing.T) {
	bindingID := uuid.MustParse("9b1d4c7e-8f3a-4a11-9a63-0d2f7c1e5b20")

	persisted := []Device{
		{
			InstanceID:  `USB\VID_046D&PID_C52B\SERIAL1`,
			Description: "Wireless Receiver",
			IsForced:    true,
			BindingID:   &bindingID,
		},
	}
	live := []Device{
		{
			InstanceID:  `USB\VID_046D&PID_C52B\SERIAL1`,
			Description: "USB Input Device",
			BusID:       busID(1, 2),
		},
		{
			InstanceID:  `USB\VID_8087&PID_0026\5&ABCD&0&3`,
			Description: "Intel Wireless Bluetooth",
			BusID:       busID(1, 3),
		},
	}

	merged := Merge(persisted, live)
	if len(merged) != 2 {
		t.Fatalf("got %d merged devices; want 2", len(merged))
	}

	shared := merged[0]
	if shared.InstanceID != persisted[0].InstanceID {
		t.Fatalf("unexpected ordering: %v", merged)
	}
	if shared.Description != "Wireless Receiver" {
		t.Errorf("persisted description not preferred: %q", shared.Description)
	}
	if !shared.IsForced {
		t.Error("persisted forced flag lost in merge")
	}
	if shared.BusID == nil || *shared.BusID != (BusID{Hub: 1, Port: 2}) {
		t.Errorf("live bus id not attached: %v", shared.BusID)
	}
	if shared.BindingID == nil || *shared.BindingID != bindingID {
		t.Error("binding id lost in merge")
	}

	liveOnly := merged[1]
	if liveOnly.Bound() {
		t.Error("live-only device must not be bound")
	}
	if !liveOnly.Connected() {
		t.Error("live-only device must be connected")
	}
}

func TestMergeDropsGhosts(t *testing.T) {
	// A record with neither a bus id nor a binding id exists only transiently
	// and must never be surfaced.
	merged := Merge(
		[]Device{{InstanceID: "GHOST", Description: "stale"}},
		nil,
	)
	if len(merged) != 0 {
		t.Errorf("ghost record surfaced: %v", merged)
	}
}

func TestMergePersistedOnly(t *testing.T) {
	bindingID := uuid.MustParse("2f0a5b9c-1d2e-4f30-8a4b-5c6d7e8f9a0b")
	merged := Merge(
		[]Device{{InstanceID: "A", Description: "disconnected", BindingID: &bindingID}},
		nil,
	)
	if len(merged) != 1 {
		t.Fatalf("got %d devices; want 1", len(merged))
	}
	if merged[0].Connected() {
		t.Error("persisted-only device must not report connected")
	}
	if !merged[0].Bound() {
		t.Error("persisted-only device must report bound")
	}
}
