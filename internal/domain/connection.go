// Package domain contains the value types shared by the chatwire transport packages.
package domain

// ConnectionStatus is the lifecycle state of a persistent connection.
type ConnectionStatus string

const (
	StatusDisconnected ConnectionStatus = "disconnected"
	StatusConnecting   ConnectionStatus = "connecting"
	StatusConnected    ConnectionStatus = "connected"
	StatusReconnecting ConnectionStatus = "reconnecting"
	StatusError        ConnectionStatus = "error"
)

// ConnectionState is a snapshot of one user's persistent connection.
type ConnectionState struct {
	Status            ConnectionStatus `json:"status"`
	ReconnectAttempts uint             `json:"reconnect_attempts"`
	LastError         string           `json:"last_error,omitempty"`
}

// IsTerminal reports whether the status only changes through an explicit connect.
func (s ConnectionStatus) IsTerminal() bool {
	return s == StatusDisconnected || s == StatusError
}
