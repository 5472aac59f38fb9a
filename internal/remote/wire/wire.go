// Package wire defines the JSON messages exchanged between the tree host
// and remote store clients over MQTT.
//
// A client publishes a Request on {prefix}/req/{clientID}. The host answers
// every request with a Response on {prefix}/res/{clientID}, and pushes
// listener updates as Push messages on {prefix}/watch/{clientID}/{watchID}.
// Values are plain JSON trees; a null value means the node does not exist.
package wire

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Operations.
const (
	OpGet      = "get"
	OpSet      = "set"
	OpUpdate   = "update"
	OpRemove   = "remove"
	OpCAS      = "cas"
	OpListen   = "listen"
	OpUnlisten = "unlisten"
)

// Request is one remote store operation.
type Request struct {
	ID       string `json:"id"`
	Op       string `json:"op"`
	Path     string `json:"path,omitempty"`
	Value    any    `json:"value,omitempty"`
	Expected any    `json:"expected,omitempty"`
	Limit    int    `json:"limit,omitempty"`
	WatchID  string `json:"watch_id,omitempty"`
}

// Response answers the Request with the same ID. Code is a remote error
// code (see remote.ErrorCode) when OK is false.
type Response struct {
	ID      string `json:"id"`
	OK      bool   `json:"ok"`
	Code    string `json:"code,omitempty"`
	Error   string `json:"error,omitempty"`
	Value   any    `json:"value,omitempty"`
	Swapped bool   `json:"swapped,omitempty"`
}

// Push carries a listener snapshot, or the listener's cancellation.
type Push struct {
	WatchID   string `json:"watch_id"`
	Value     any    `json:"value"`
	Cancelled bool   `json:"cancelled,omitempty"`
	Code      string `json:"code,omitempty"`
	Error     string `json:"error,omitempty"`
}

// Encode marshals a message.
func Encode(v any) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encoding %T: %w", v, err)
	}
	return b, nil
}

// Decode unmarshals a message. Numbers are kept as json.Number so that
// millisecond timestamps survive exactly until remote.Normalize.
func Decode(payload []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("decoding %T: %w", v, err)
	}
	return nil
}
