package session

// Status represents the session state
type Status byte

const (
	StatusDisconnected Status = iota // No live transport; also the implicit state of unknown tenants
	StatusConnecting                 // Transport is being opened or handshaking
	StatusPairingReady               // A pairing code is available for scanning
	StatusConnected                  // Handshake completed, messages flowing
)

// String returns the string representation of the status
func (s Status) String() string {
	switch s {
	case StatusDisconnected:
		return "disconnected"
	case StatusConnecting:
		return "connecting"
	case StatusPairingReady:
		return "pairing_ready"
	case StatusConnected:
		return "connected"
	default:
		return "unknown"
	}
}
