package bluez

import (
	"testing"

	"github.com/godbus/dbus/v5"
)

func TestDevicePath(t *testing.T) {
	got := devicePath("hci0", "D4:3A:12:8F:01:CC")
	want := dbus.ObjectPath("/org/bluez/hci0/dev_D4_3A_12_8F_01_CC")
	if got != want {
		t.Fatalf("devicePath = %q, want %q", got, want)
	}
}

func TestPathDeviceID(t *testing.T) {
	id, ok := pathDeviceID("hci0", "/org/bluez/hci0/dev_D4_3A_12_8F_01_CC")
	if !ok || id != "D4:3A:12:8F:01:CC" {
		t.Fatalf("pathDeviceID = %q, %v", id, ok)
	}
}

func TestPathDeviceIDRejectsNonDevicePaths(t *testing.T) {
	cases := []string{
		"/org/bluez/hci0",
		"/org/bluez/hci1/dev_AA_BB_CC_DD_EE_FF",
		"/org/bluez/hci0/dev_AA_BB_CC_DD_EE_FF/service0010",
		"/org/bluez/hci0/dev_AA_BB_CC_DD_EE_FF/service0010/char0011",
		"/org/bluez/hci0/dev_",
	}
	for _, path := range cases {
		if id, ok := pathDeviceID("hci0", dbus.ObjectPath(path)); ok {
			t.Errorf("pathDeviceID(%q) accepted as %q", path, id)
		}
	}
}

func TestParseCharacteristic(t *testing.T) {
	props := map[string]dbus.Variant{
		"UUID":  dbus.MakeVariant("8e0e0002-6d7d-4b3a-80b2-99c5ddfa8a9b"),
		"Flags": dbus.MakeVariant([]string{"write", "notify"}),
	}
	char, ok := parseCharacteristic(props)
	if !ok {
		t.Fatal("parseCharacteristic rejected valid props")
	}
	if char.UUID != "8E0E0002-6D7D-4B3A-80B2-99C5DDFA8A9B" {
		t.Errorf("UUID not normalized: %q", char.UUID)
	}
	if !char.Writable || !char.Notify {
		t.Errorf("flags: writable=%v notify=%v, want both", char.Writable, char.Notify)
	}
}

func TestParseCharacteristicWriteWithoutResponseIsNotWritable(t *testing.T) {
	props := map[string]dbus.Variant{
		"UUID":  dbus.MakeVariant("0000ffe1-0000-1000-8000-00805f9b34fb"),
		"Flags": dbus.MakeVariant([]string{"write-without-response"}),
	}
	char, ok := parseCharacteristic(props)
	if !ok {
		t.Fatal("parseCharacteristic rejected valid props")
	}
	if char.Writable {
		t.Error("write-without-response must not count as writable")
	}
}

func TestParseCharacteristicWithoutUUID(t *testing.T) {
	if _, ok := parseCharacteristic(map[string]dbus.Variant{}); ok {
		t.Fatal("parseCharacteristic accepted props without UUID")
	}
}

func TestAdvertisesAny(t *testing.T) {
	props := map[string]dbus.Variant{
		"UUIDs": dbus.MakeVariant([]string{
			"0000180a-0000-1000-8000-00805f9b34fb",
			"8e0e0001-6d7d-4b3a-80b2-99c5ddfa8a9b",
		}),
	}
	if !advertisesAny(props, []string{"8E0E0001-6D7D-4B3A-80B2-99C5DDFA8A9B"}) {
		t.Error("case-insensitive UUID match failed")
	}
	if advertisesAny(props, []string{"8E0E0099-6D7D-4B3A-80B2-99C5DDFA8A9B"}) {
		t.Error("matched a UUID the device does not advertise")
	}
	if advertisesAny(map[string]dbus.Variant{}, []string{"8E0E0001-6D7D-4B3A-80B2-99C5DDFA8A9B"}) {
		t.Error("matched a device with no UUIDs property")
	}
}

func TestCharKeyNormalizesCase(t *testing.T) {
	a := charKey("D4:3A:12:8F:01:CC", "8e0e0002-6d7d-4b3a-80b2-99c5ddfa8a9b")
	b := charKey("D4:3A:12:8F:01:CC", "8E0E0002-6D7D-4B3A-80B2-99C5DDFA8A9B")
	if a != b {
		t.Fatalf("charKey differs by case: %q vs %q", a, b)
	}
}
