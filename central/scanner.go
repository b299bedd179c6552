package central

import (
	"time"

	"github.com/user/bluedrop/transport"
)

// ScanState is the scanner's externally visible state. Idle and
// Scanning both imply the adapter is powered on.
type ScanState int

const (
	ScanPoweredOff ScanState = iota
	ScanUnauthorized
	ScanUnsupported
	ScanIdle
	ScanScanning
)

func (s ScanState) String() string {
	switch s {
	case ScanPoweredOff:
		return "PoweredOff"
	case ScanUnauthorized:
		return "Unauthorized"
	case ScanUnsupported:
		return "Unsupported"
	case ScanIdle:
		return "Idle"
	case ScanScanning:
		return "Scanning"
	default:
		return "Unknown"
	}
}

// scanner owns the adapter-gated scan state and the discovered-device
// table. It is a plain struct mutated only from the Manager's loop
// goroutine; every transition function is synchronous and lock-free.
type scanner struct {
	state   ScanState
	devices map[string]*Device
	order   []string // identifiers in first-sighting order
}

func newScanner() *scanner {
	return &scanner{
		state:   ScanPoweredOff,
		devices: make(map[string]*Device),
	}
}

// setAdapter folds a transport adapter notification into scan state.
// It reports the previous state and whether the change ended an active
// scan (the caller must tell the transport to stop).
func (s *scanner) setAdapter(st transport.AdapterState) (prev ScanState, scanStopped bool) {
	prev = s.state
	wasScanning := s.state == ScanScanning

	switch st {
	case transport.AdapterPoweredOn:
		if s.state != ScanScanning {
			s.state = ScanIdle
		}
	case transport.AdapterUnauthorized:
		s.state = ScanUnauthorized
	case transport.AdapterUnsupported:
		s.state = ScanUnsupported
	default:
		s.state = ScanPoweredOff
	}

	return prev, wasScanning && s.state != ScanScanning
}

// startScan transitions Idle to Scanning and resets the device table
// for the new scan session. Any other state makes it a no-op, not an
// error: callers observe state before scanning.
func (s *scanner) startScan() bool {
	if s.state != ScanIdle {
		return false
	}
	s.state = ScanScanning
	s.devices = make(map[string]*Device)
	s.order = nil
	return true
}

// stopScan transitions Scanning to Idle. The device table is kept: its
// lifetime is the scan session, and the session's results stay
// readable until the next startScan.
func (s *scanner) stopScan() bool {
	if s.state != ScanScanning {
		return false
	}
	s.state = ScanIdle
	return true
}

// upsert folds one advertisement sighting into the table. Duplicate
// sightings of an identifier refresh the freshness fields in place and
// never create a second entry.
func (s *scanner) upsert(adv transport.Advertisement) (Device, bool) {
	at := adv.At
	if at.IsZero() {
		at = time.Now()
	}

	if dev, ok := s.devices[adv.DeviceID]; ok {
		dev.LastSeenAt = at
		dev.SignalStrength = adv.RSSI
		if adv.LocalName != "" {
			dev.AdvertisedName = adv.LocalName
		}
		return *dev, false
	}

	dev := &Device{
		Identifier:     adv.DeviceID,
		AdvertisedName: adv.LocalName,
		LastSeenAt:     at,
		SignalStrength: adv.RSSI,
	}
	s.devices[adv.DeviceID] = dev
	s.order = append(s.order, adv.DeviceID)
	return *dev, true
}

// lookup returns a copy of a known device.
func (s *scanner) lookup(identifier string) (Device, bool) {
	dev, ok := s.devices[identifier]
	if !ok {
		return Device{}, false
	}
	return *dev, true
}

// snapshot lists devices in first-sighting order.
func (s *scanner) snapshot() []Device {
	out := make([]Device, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, *s.devices[id])
	}
	return out
}
