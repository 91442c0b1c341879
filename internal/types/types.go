// Package types provides shared types for the routine-host relay.
package types

import "encoding/json"

// Message is the unit exchanged between the browser extension and the
// desktop application. Data is kept raw so it survives the relay untouched.
type Message struct {
	Action string          `json:"action"`
	Data   json.RawMessage `json:"data"`
}

// NewMessage builds a Message, marshaling data into its raw form.
func NewMessage(action string, data interface{}) (Message, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return Message{}, err
	}
	return Message{Action: action, Data: raw}, nil
}

// String renders the message the way it appears in the diagnostic log.
func (m Message) String() string {
	data := m.Data
	if len(data) == 0 {
		data = json.RawMessage("null")
	}
	return "action=" + m.Action + " data=" + string(data)
}
