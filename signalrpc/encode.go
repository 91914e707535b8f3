package signalrpc

import (
	"bytes"
	"encoding/json"
	"strconv"
	"sync/atomic"
)

// SendParams are the parameters of a send request.
type SendParams struct {
	Recipient []string `json:"recipient"`
	Message   string   `json:"message"`
}

// Request is a JSON-RPC 2.0 request written to the daemon's stdin.
type Request struct {
	JSONRPC string     `json:"jsonrpc"`
	Method  string     `json:"method"`
	Params  SendParams `json:"params"`
	ID      string     `json:"id"`
}

// NewSendRequest builds a send request for a single recipient.
func NewSendRequest(id, recipient, message string) Request {
	return Request{
		JSONRPC: "2.0",
		Method:  MethodSend,
		Params:  SendParams{Recipient: []string{recipient}, Message: message},
		ID:      id,
	}
}

// MarshalLine encodes the request as one newline-terminated JSON line.
// HTML escaping is disabled so URLs in messages stay readable on the wire.
func (r Request) MarshalLine() ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(r); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DefaultFirstID is the id of the first request of a session.
const DefaultFirstID = 100

// IDSequence hands out request ids as decimal strings. Safe for concurrent use.
type IDSequence struct {
	next atomic.Int64
}

// NewIDSequence returns a sequence whose first id is start.
func NewIDSequence(start int64) *IDSequence {
	s := &IDSequence{}
	s.next.Store(start)
	return s
}

// Next returns the next id.
func (s *IDSequence) Next() string {
	return strconv.FormatInt(s.next.Add(1)-1, 10)
}
