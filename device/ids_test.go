package device

import (
	"testing"
)

func TestParseBusID(t *testing.T) {
	for _, tc := range []struct {
		name     string
		location string
		want     BusID
	}{
		{"simple", "Port_#0002.Hub_#0001", BusID{Hub: 1, Port: 2}},
		{"large", "Port_#0016.Hub_#0012", BusID{Hub: 12, Port: 16}},
		{"unpadded", "Port_#2.Hub_#1", BusID{Hub: 1, Port: 2}},
		{"whitespace", "  Port_#0001.Hub_#0003\n", BusID{Hub: 3, Port: 1}},
		{"zero port", "Port_#0000.Hub_#0001", IncompatibleHub},
		{"zero hub", "Port_#0001.Hub_#0000", IncompatibleHub},
		{"empty", "", IncompatibleHub},
		{"garbage", "0000.0014.0000.008.003.004.003.000", IncompatibleHub},
		{"wrong order", "Hub_#0001.Port_#0002", IncompatibleHub},
	} {
		t.Run(tc.name, func(t *testing.T) {
			got := ParseBusID(tc.location)
			if got != tc.want {
				t.Errorf("ParseBusID(%q) = %v; want %v", tc.location, got, tc.want)
			}
		})
	}
}

func TestBusIDRoundTrip(t *testing.T) {
	for _, b := range []BusID{
		{Hub: 1, Port: 1},
		{Hub: 1, Port: 2},
		{Hub: 12, Port: 34},
		{Hub: 9999, Port: 9999},
	} {
		again := ParseBusID(b.Location())
		if again != b {
			t.Errorf("round trip of %v via %q yielded %v", b, b.Location(), again)
		}
	}
}

func TestIncompatibleHubNeverEqualsReal(t *testing.T) {
	if !IncompatibleHub.IsIncompatible() {
		t.Fatal("sentinel must report incompatible")
	}
	real := BusID{Hub: 1, Port: 1}
	if IncompatibleHub == real {
		t.Error("sentinel compares equal to a real BusID")
	}
	if IncompatibleHub.Compare(real) >= 0 {
		t.Error("sentinel should order before every real BusID")
	}
}

func TestBusIDOrdering(t *testing.T) {
	ordered := []BusID{
		{Hub: 1, Port: 1},
		{Hub: 1, Port: 2},
		{Hub: 2, Port: 1},
		{Hub: 2, Port: 7},
		{Hub: 3, Port: 1},
	}
	for i := range ordered {
		for j := range ordered {
			got := ordered[i].Compare(ordered[j])
			want := 0
			if i < j {
				want = -1
			} else if i > j {
				want = 1
			}
			if got != want {
				t.Errorf("Compare(%v, %v) = %d; want %d", ordered[i], ordered[j], got, want)
			}
		}
	}
}

func TestParseVidPid(t *testing.T) {
	for _, tc := range []struct {
		name    string
		in      string
		want    VidPid
		wantErr bool
	}{
		{"bare", "VID_046D&PID_C52B", VidPid{0x046D, 0xC52B}, false},
		{"lowercase", "vid_046d&pid_c52b", VidPid{0x046D, 0xC52B}, false},
		{"hardware id", `USB\VID_8087&PID_0026&REV_0002`, VidPid{0x8087, 0x0026}, false},
		{"missing pid", "VID_046D", VidPid{}, true},
		{"empty", "", VidPid{}, true},
		{"garbage", "USB\\ROOT_HUB30", VidPid{}, true},
	} {
		t.Run(tc.name, func(t *testing.T) {
			got, err := ParseVidPid(tc.in)
			if (err != nil) != tc.wantErr {
				t.Fatalf("ParseVidPid(%q) err = %v; wantErr %v", tc.in, err, tc.wantErr)
			}
			if err == nil && got != tc.want {
				t.Errorf("ParseVidPid(%q) = %v; want %v", tc.in, got, tc.want)
			}
		})
	}
}

func TestVidPidStringRoundTrip(t *testing.T) {
	v := VidPid{0x1234, 0x5678}
	again, err := ParseVidPid(v.String())
	if err != nil {
		t.Fatal(err)
	}
	if again != v {
		t.Errorf("round trip of %v yielded %v", v, again)
	}
}
