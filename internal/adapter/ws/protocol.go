package ws

import (
	"encoding/json"
	"errors"

	"github.com/Strob0t/TeamForge/internal/domain/event"
)

// Client message types.
const (
	MsgPing        = "ping"
	MsgGetStatus   = "get_status"
	MsgSubscribe   = "subscribe_execution"
	MsgUnsubscribe = "unsubscribe_execution"
)

// maxClientMessage bounds a single inbound frame.
const maxClientMessage = 64 << 10

// ClientMessage is a request sent by an observer. RunID defaults to the run
// named in the connection path.
type ClientMessage struct {
	Type  string `json:"type"`
	RunID string `json:"run_id,omitempty"`
}

var errUnknownMessage = errors.New("unknown message type")

func parseClientMessage(data []byte) (ClientMessage, error) {
	var m ClientMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return ClientMessage{}, errors.New("malformed message")
	}
	switch m.Type {
	case MsgPing, MsgGetStatus, MsgSubscribe, MsgUnsubscribe:
		return m, nil
	case "":
		return ClientMessage{}, errors.New("missing message type")
	default:
		return ClientMessage{}, errUnknownMessage
	}
}

// terminalStatus reports whether ev announces that its run has finished.
func terminalStatus(ev event.Event) bool {
	if ev.Type != event.KindRunStatus {
		return false
	}
	var st event.RunStatus
	if err := json.Unmarshal(ev.Data, &st); err != nil {
		return false
	}
	return st.Status.IsTerminal()
}
