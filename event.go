package iocore

// Event is the typed event a Continuation's handler receives. It mirrors
// the event set consumed by the HTTP state machine and produced by VConns
// (spec 4.B).
type Event int

const (
	EventNone Event = iota
	EventImmediate
	EventNetAccept
	EventNetAcceptFailed
	EventNetConnect
	EventNetConnectFailed
	EventVConnReadReady
	EventVConnReadComplete
	EventVConnWriteReady
	EventVConnWriteComplete
	EventVConnEOS
	EventError
	EventTimeout
	EventVConnInactivityTimeout
	EventVConnActiveTimeout
)

func (e Event) String() string {
	switch e {
	case EventNone:
		return "NONE"
	case EventImmediate:
		return "IMMEDIATE"
	case EventNetAccept:
		return "NET_ACCEPT"
	case EventNetAcceptFailed:
		return "NET_ACCEPT_FAILED"
	case EventNetConnect:
		return "NET_CONNECT"
	case EventNetConnectFailed:
		return "NET_CONNECT_FAILED"
	case EventVConnReadReady:
		return "VCONN_READ_READY"
	case EventVConnReadComplete:
		return "VCONN_READ_COMPLETE"
	case EventVConnWriteReady:
		return "VCONN_WRITE_READY"
	case EventVConnWriteComplete:
		return "VCONN_WRITE_COMPLETE"
	case EventVConnEOS:
		return "VCONN_EOS"
	case EventError:
		return "ERROR"
	case EventTimeout:
		return "TIMEOUT"
	case EventVConnInactivityTimeout:
		return "VCONN_INACTIVITY_TIMEOUT"
	case EventVConnActiveTimeout:
		return "VCONN_ACTIVE_TIMEOUT"
	default:
		return "UNKNOWN"
	}
}

// HTTPDisposition is what a transaction-hook handler returns to tell the
// surrounding HTTP state machine how to proceed (spec 6).
type HTTPDisposition int

const (
	HTTPContinue HTTPDisposition = iota
	HTTPError
)
