// Package signalrpc models the line-delimited JSON-RPC protocol spoken by
// `signal-cli jsonRpc`: receive notifications read from the daemon's stdout and
// send requests written to its stdin.
package signalrpc

// MethodReceive is the notification method carrying an incoming envelope.
const MethodReceive = "receive"

// MethodSend is the request method used to deliver a text message.
const MethodSend = "send"

// Kind tags a decoded notification.
type Kind int

const (
	// KindOther is any well-formed notification that is not a receive.
	KindOther Kind = iota
	// KindReceive is a "receive" notification.
	KindReceive
)

// String returns a short label for logs and metrics.
func (k Kind) String() string {
	switch k {
	case KindReceive:
		return "receive"
	default:
		return "other"
	}
}

// InboundEvent is one decoded notification. Envelope is only populated for
// KindReceive and may still be nil when the daemon omits it.
type InboundEvent struct {
	Kind     Kind
	Method   string
	Envelope *Envelope
}

// notification is the raw wire shape of a daemon line.
type notification struct {
	Method string  `json:"method"`
	Params *params `json:"params"`
}

type params struct {
	Envelope *Envelope `json:"envelope"`
}

// Envelope is the routing and content part of a received message.
type Envelope struct {
	SourceNumber string       `json:"sourceNumber"`
	DataMessage  *DataMessage `json:"dataMessage"`
	SyncMessage  *SyncMessage `json:"syncMessage"`
}

// DataMessage is a message received from another party.
type DataMessage struct {
	Message string `json:"message"`
}

// SyncMessage wraps messages the account owner sent from another device.
type SyncMessage struct {
	SentMessage *SentMessage `json:"sentMessage"`
}

// SentMessage is a message the owner sent. Only notes addressed back to the
// owner count as conversational input.
type SentMessage struct {
	Destination       string `json:"destination"`
	DestinationNumber string `json:"destinationNumber"`
	Message           string `json:"message"`
}

// Target returns the recipient of the sent message. Older daemons only fill
// destinationNumber.
func (s *SentMessage) Target() string {
	if s.Destination != "" {
		return s.Destination
	}
	return s.DestinationNumber
}

// Source returns the remote party of the envelope and whether it is usable.
func (e *Envelope) Source() (string, bool) {
	if e == nil || e.SourceNumber == "" {
		return "", false
	}
	return e.SourceNumber, true
}

// Text extracts the conversational text of the envelope. A data message takes
// precedence; otherwise a self-sync note is used only when it was sent to the
// source itself (a note to self, not a message relayed to a third party).
func (e *Envelope) Text() (string, bool) {
	source, ok := e.Source()
	if !ok {
		return "", false
	}
	if e.DataMessage != nil {
		return e.DataMessage.Message, e.DataMessage.Message != ""
	}
	if e.SyncMessage == nil || e.SyncMessage.SentMessage == nil {
		return "", false
	}
	sent := e.SyncMessage.SentMessage
	if sent.Target() != source {
		return "", false
	}
	return sent.Message, sent.Message != ""
}
