package status

// Event types published by the daemon and the sender demo.
const (
	TypeAdapterState = "adapter/state"

	TypeScanStarted  = "scan/started"
	TypeScanStopped  = "scan/stopped"
	TypeDeviceFound  = "device/discovered"
	TypeDeviceUpdate = "device/updated"

	TypeConnectionState = "connection/state"

	TypeTransferStarted   = "transfer/started"
	TypeTransferProgress  = "transfer/progress"
	TypeTransferCompleted = "transfer/completed"
	TypeTransferFailed    = "transfer/failed"

	TypeReceiveStarted   = "receiver/started"
	TypeReceiveProgress  = "receiver/progress"
	TypeReceiveCompleted = "receiver/completed"
	TypeReceiveFailed    = "receiver/failed"
)
