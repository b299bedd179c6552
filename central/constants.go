package central

import (
	"time"

	"github.com/user/bluedrop/transport"
)

// Well-known bluedrop GATT identifiers. A peer exposing the ingest
// characteristic is selected deterministically; anything else falls
// back to the first writable characteristic in discovery order.
const (
	ServiceUUID    = transport.ServiceUUID
	IngestCharUUID = transport.IngestCharUUID
)

// Default suspension-point timeouts. Discovery steps finish in well
// under a second on a healthy link; a chunk ack gets longer because a
// busy radio can stall writes without the link being dead.
const (
	DefaultConnectTimeout  = 5 * time.Second
	DefaultDiscoverTimeout = 5 * time.Second
	DefaultWriteAckTimeout = 10 * time.Second
)
