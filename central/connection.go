package central

import (
	"github.com/user/bluedrop/transport"
)

// ConnState tracks one connection attempt from dial to a usable link.
// Failed and Disconnected are terminal: a retry is a new Connection.
type ConnState int

const (
	ConnIdle ConnState = iota
	ConnConnecting
	ConnDiscoveringServices
	ConnDiscoveringCharacteristics
	ConnReady
	ConnDisconnected
	ConnFailed
)

func (s ConnState) String() string {
	switch s {
	case ConnIdle:
		return "Idle"
	case ConnConnecting:
		return "Connecting"
	case ConnDiscoveringServices:
		return "DiscoveringServices"
	case ConnDiscoveringCharacteristics:
		return "DiscoveringCharacteristics"
	case ConnReady:
		return "Ready"
	case ConnDisconnected:
		return "Disconnected"
	case ConnFailed:
		return "Failed"
	default:
		return "Unknown"
	}
}

// Connection is the lifecycle of a single attempt against one device.
// Like scanner it is owned by the Manager loop; transitions are plain
// synchronous methods.
type Connection struct {
	Device Device
	State  ConnState
	Err    error

	// Set on Ready.
	WritableCharacteristic string
	NegotiatedChunkSize    int

	pending       []string // services still to probe, in probe order
	probing       string   // service currently being probed
	firstWritable string   // fallback if the well-known characteristic never shows
	localClose    bool     // a local Disconnect is in flight
	closeCause    error    // teardown reason to report when the link drops
}

func newConnection(dev Device) *Connection {
	return &Connection{Device: dev, State: ConnConnecting}
}

func (c *Connection) terminal() bool {
	return c.State == ConnFailed || c.State == ConnDisconnected
}

func (c *Connection) fail(err error) {
	c.State = ConnFailed
	c.Err = err
}

// beginServiceDiscovery records that the link is up and service
// discovery has been requested.
func (c *Connection) beginServiceDiscovery() {
	c.State = ConnDiscoveringServices
}

// setServices fixes the probe order for the discovered services. The
// well-known service is probed first when advertised; the rest keep
// discovery order so the firstWritable fallback is deterministic.
// Returns the first service to probe, or "" when the device exposed
// none.
func (c *Connection) setServices(serviceUUIDs []string) string {
	ordered := make([]string, 0, len(serviceUUIDs))
	for _, u := range serviceUUIDs {
		if u == ServiceUUID {
			ordered = append([]string{u}, ordered...)
		} else {
			ordered = append(ordered, u)
		}
	}
	if len(ordered) == 0 {
		return ""
	}
	c.State = ConnDiscoveringCharacteristics
	c.probing = ordered[0]
	c.pending = ordered[1:]
	return c.probing
}

// offerCharacteristics folds in one service's characteristics and
// decides what happens next. ready means the connection is usable;
// otherwise next names the service to probe, and next == "" with
// ready == false means the device has nothing writable at all.
func (c *Connection) offerCharacteristics(serviceUUID string, chars []transport.Characteristic) (ready bool, next string) {
	if serviceUUID == c.probing {
		c.probing = ""
	}
	for _, ch := range chars {
		if !ch.Writable {
			continue
		}
		// The well-known ingest characteristic wins wherever it shows up.
		if ch.UUID == IngestCharUUID {
			c.WritableCharacteristic = ch.UUID
			return true, ""
		}
		if c.firstWritable == "" {
			c.firstWritable = ch.UUID
		}
	}
	if len(c.pending) > 0 {
		c.probing = c.pending[0]
		c.pending = c.pending[1:]
		return false, c.probing
	}
	if c.firstWritable != "" {
		c.WritableCharacteristic = c.firstWritable
		return true, ""
	}
	return false, ""
}

// complete marks the connection Ready with the link's negotiated
// chunk size.
func (c *Connection) complete(chunkSize int) {
	c.State = ConnReady
	c.NegotiatedChunkSize = chunkSize
}

// disconnected folds in a link loss. A Ready link degrades to
// Disconnected; a link lost mid-setup is a failed attempt.
func (c *Connection) disconnected(err error) {
	if c.State == ConnReady {
		c.State = ConnDisconnected
		c.Err = err
		return
	}
	if !c.terminal() {
		c.fail(err)
	}
}
