package transport

import "github.com/ashureev/chatwire/internal/domain"

// event drives the connection state machine.
type event int

const (
	evConnect     event = iota // explicit connect or forced reconnect
	evRetry                    // backoff timer fired
	evOpened                   // transport open
	evLost                     // unexpected close or dial failure
	evCleanClose               // server closed with a normal closure
	evAuthClosed               // auth-range close code or rejected handshake
	evTokenFailed              // token provider failed
	evTimeout                  // connect attempt exceeded the timeout
	evGiveUp                   // reconnect attempts exhausted
	evDisconnect               // manual disconnect
)

func (e event) String() string {
	switch e {
	case evConnect:
		return "connect"
	case evRetry:
		return "retry"
	case evOpened:
		return "opened"
	case evLost:
		return "lost"
	case evCleanClose:
		return "clean_close"
	case evAuthClosed:
		return "auth_closed"
	case evTokenFailed:
		return "token_failed"
	case evTimeout:
		return "timeout"
	case evGiveUp:
		return "give_up"
	case evDisconnect:
		return "disconnect"
	default:
		return "unknown"
	}
}

// transition returns the next status for ev, or false when ev is not valid
// in the current status.
func transition(from domain.ConnectionStatus, ev event) (domain.ConnectionStatus, bool) {
	switch ev {
	case evConnect:
		return domain.StatusConnecting, true
	case evDisconnect:
		return domain.StatusDisconnected, true
	case evRetry:
		if from == domain.StatusReconnecting {
			return domain.StatusReconnecting, true
		}
	case evOpened:
		if from == domain.StatusConnecting || from == domain.StatusReconnecting {
			return domain.StatusConnected, true
		}
	case evLost:
		if from == domain.StatusConnected || from == domain.StatusConnecting || from == domain.StatusReconnecting {
			return domain.StatusReconnecting, true
		}
	case evCleanClose:
		if from == domain.StatusConnected {
			return domain.StatusDisconnected, true
		}
	case evAuthClosed, evTokenFailed, evTimeout, evGiveUp:
		if from != domain.StatusDisconnected {
			return domain.StatusError, true
		}
	}
	return from, false
}
