// Package transport defines the seam between the bluedrop state
// machines and a concrete BLE stack. Implementations deliver adapter,
// discovery, connection and write-completion events through handler
// callbacks; the state machines marshal those callbacks onto their own
// execution context, so handlers must return promptly and must not
// block.
package transport

import "time"

// The bluedrop GATT profile: one service carrying one writable ingest
// characteristic. Senders filter scans by ServiceUUID; receivers
// advertise it.
const (
	ServiceUUID    = "8E0E0001-6D7D-4B3A-80B2-99C5DDFA8A9B"
	IngestCharUUID = "8E0E0002-6D7D-4B3A-80B2-99C5DDFA8A9B"
)

// AdapterState mirrors the power/authorization state of the local BLE
// adapter.
type AdapterState int

const (
	AdapterUnknown AdapterState = iota
	AdapterPoweredOff
	AdapterPoweredOn
	AdapterUnauthorized
	AdapterUnsupported
)

func (s AdapterState) String() string {
	switch s {
	case AdapterPoweredOff:
		return "PoweredOff"
	case AdapterPoweredOn:
		return "PoweredOn"
	case AdapterUnauthorized:
		return "Unauthorized"
	case AdapterUnsupported:
		return "Unsupported"
	default:
		return "Unknown"
	}
}

// Advertisement is one sighting of a peripheral.
type Advertisement struct {
	DeviceID  string // opaque identifier, stable for the OS session
	LocalName string // may be empty
	RSSI      int16  // dBm
	At        time.Time
}

// Characteristic describes one discovered GATT characteristic.
// Characteristics arrive in discovery order, which implementations must
// keep stable for a given peer.
type Characteristic struct {
	UUID     string
	Writable bool // write-with-response supported
	Notify   bool
}

// Central is the sender-side BLE stack: scanning, connecting,
// discovering and writing. All completion signals arrive through the
// CentralHandler passed to Start.
type Central interface {
	// Start begins event delivery. The current adapter state is reported
	// through the handler before Start returns or shortly after.
	Start(h CentralHandler) error
	// Stop tears down scanning and any connections and stops delivery.
	Stop()

	// StartScan asks the stack to scan for peripherals advertising any of
	// the given service UUIDs (all peripherals when empty).
	StartScan(serviceUUIDs []string) error
	StopScan()

	// Connect initiates a link to a discovered device. Outcome arrives as
	// DeviceConnected or DeviceConnectFailed.
	Connect(deviceID string) error
	Disconnect(deviceID string)

	// DiscoverServices requests the peer's service list; result arrives
	// via ServicesDiscovered.
	DiscoverServices(deviceID string) error
	// DiscoverCharacteristics requests one service's characteristics;
	// result arrives via CharacteristicsDiscovered.
	DiscoverCharacteristics(deviceID, serviceUUID string) error

	// Write issues one write-with-response to a characteristic. Completion
	// (ack or failure) arrives via WriteCompleted; callers must not issue
	// another Write for the same device until then.
	Write(deviceID, charUUID string, data []byte) error

	// ChunkSize reports the usable payload per write for the link,
	// derived from the negotiated MTU, or 0 when unknown.
	ChunkSize(deviceID string) int
}

// CentralHandler receives Central events. Implementations must not
// block and must not call back into the Central from the handler.
type CentralHandler interface {
	AdapterStateChanged(state AdapterState)
	DeviceDiscovered(adv Advertisement)
	DeviceConnected(deviceID string)
	DeviceConnectFailed(deviceID string, err error)
	DeviceDisconnected(deviceID string, err error)
	ServicesDiscovered(deviceID string, serviceUUIDs []string, err error)
	CharacteristicsDiscovered(deviceID, serviceUUID string, chars []Characteristic, err error)
	WriteCompleted(deviceID, charUUID string, err error)
}

// Peripheral is the receiver-side BLE stack: advertise one writable
// characteristic and surface writes made to it.
type Peripheral interface {
	// Start registers the GATT service, begins advertising and delivers
	// events to the handler until Stop.
	Start(h PeripheralHandler) error
	Stop()
}

// PeripheralHandler receives Peripheral events. The data slice passed
// to DataWritten is only valid for the duration of the call.
type PeripheralHandler interface {
	CentralConnected(centralID string)
	CentralDisconnected(centralID string)
	DataWritten(centralID string, data []byte)
}
