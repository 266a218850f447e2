package protocol

import (
	"encoding/json"
	"fmt"
	"io"
)

// MsgType discriminates the control-plane message kinds. The set is
// closed; dispatch sites switch exhaustively and log anything else.
type MsgType string

const (
	MsgRegister       MsgType = "register"
	MsgStartMap       MsgType = "start_map"
	MsgMapFinished    MsgType = "map_finished"
	MsgStartReduce    MsgType = "start_reduce"
	MsgReduceFinished MsgType = "reduce_finished"
	MsgShutdown       MsgType = "shutdown"
)

// Shutdown reasons carried by MsgShutdown.
const (
	ReasonJobComplete         = "job_complete"
	ReasonRegistrationTimeout = "registration_timeout"
	ReasonMapTimeout          = "map_timeout"
	ReasonReduceTimeout       = "reduce_timeout"
)

// CountEntry is one word with its occurrence count. On the wire it is a
// two-element [word, count] array.
type CountEntry struct {
	Word  string
	Count uint64
}

func (e CountEntry) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]any{e.Word, e.Count})
}

func (e *CountEntry) UnmarshalJSON(data []byte) error {
	var pair [2]json.RawMessage
	if err := json.Unmarshal(data, &pair); err != nil {
		return err
	}
	if err := json.Unmarshal(pair[0], &e.Word); err != nil {
		return err
	}
	return json.Unmarshal(pair[1], &e.Count)
}

// Message is the JSON payload of every control-plane frame. Only the
// fields relevant to a given Type are populated.
type Message struct {
	Type         MsgType      `json:"type"`
	MachineIndex int          `json:"machine_index"`
	SplitID      string       `json:"split_id,omitempty"`
	ShufflePort  int          `json:"shuffle_port,omitempty"`
	Success      bool         `json:"success"`
	Error        string       `json:"error,omitempty"`
	Results      []CountEntry `json:"results,omitempty"`
	Reason       string       `json:"reason,omitempty"`
}

// WriteMessage frames and sends one control message.
func WriteMessage(w io.Writer, m Message) error {
	payload, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("encode %s message: %w", m.Type, err)
	}
	return WriteFrame(w, payload)
}

// ReadMessage reads one framed control message. io.EOF and
// ErrTruncatedFrame pass through from the frame layer; malformed JSON
// is its own error so the caller can drop just that connection.
func ReadMessage(r io.Reader) (Message, error) {
	payload, err := ReadFrame(r)
	if err != nil {
		return Message{}, err
	}
	var m Message
	if err := json.Unmarshal(payload, &m); err != nil {
		return Message{}, fmt.Errorf("malformed control message: %w", err)
	}
	return m, nil
}
