package signalrpc

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

var (
	// ErrEmptyLine is returned for blank or whitespace-only lines.
	ErrEmptyLine = errors.New("empty line")
	// ErrNotNotification is returned for JSON that carries no method, such as a
	// response to one of our send requests.
	ErrNotNotification = errors.New("not a notification")
)

// Decode parses one daemon output line. Any error means the line should be
// dropped; none of them are fatal to the caller. Non-receive notifications
// decode successfully with KindOther so callers can count them.
func Decode(line []byte) (InboundEvent, error) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return InboundEvent{}, ErrEmptyLine
	}
	var n notification
	if err := json.Unmarshal(line, &n); err != nil {
		return InboundEvent{}, fmt.Errorf("malformed line: %w", err)
	}
	if n.Method == "" {
		return InboundEvent{}, ErrNotNotification
	}
	if n.Method != MethodReceive {
		return InboundEvent{Kind: KindOther, Method: n.Method}, nil
	}
	ev := InboundEvent{Kind: KindReceive, Method: n.Method}
	if n.Params != nil {
		ev.Envelope = n.Params.Envelope
	}
	return ev, nil
}
