package transport

// Phase is the connection lifecycle state.
type Phase string

const (
	PhaseDisconnected Phase = "disconnected"
	PhaseConnecting   Phase = "connecting"
	PhaseConnected    Phase = "connected"
	PhaseReconnecting Phase = "reconnecting"
)

// Close codes with special meaning for the client.
const (
	// CloseCredentialRejected is sent by the server when the token is invalid
	// or expired.
	CloseCredentialRejected = 4001
)

type closeReason int

const (
	reasonAbnormal closeReason = iota
	reasonCredential
	reasonServerNormal
	reasonDeliberate
)

func (r closeReason) String() string {
	switch r {
	case reasonCredential:
		return "credential_rejected"
	case reasonServerNormal:
		return "server_closed"
	case reasonDeliberate:
		return "deliberate"
	default:
		return "abnormal_close"
	}
}
