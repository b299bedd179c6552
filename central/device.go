package central

import "time"

// Device is one discovered peer. Instances live in the scanner's table
// for the duration of a scan session and are updated in place on every
// re-sighting; callers only ever see copies.
type Device struct {
	Identifier     string    // opaque, stable for the OS session
	AdvertisedName string    // may be empty
	LastSeenAt     time.Time
	SignalStrength int16 // dBm
}
