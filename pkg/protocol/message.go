package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrMalformed reports a message that failed JSON parsing, matched no
// record kind, or carried the discriminating keys of more than one
// kind. Malformed traffic is fatal to the connection that sent it,
// never to the process.
var ErrMalformed = errors.New("protocol: malformed message")

// Application WebSocket close codes.
const (
	CloseProtocolError = 4400 // malformed message or sequencing violation
	CloseUnauthorized  = 4401 // token verification or mount failure
	CloseSuperseded    = 4409 // another connection attached to the session
	CloseInternal      = 4500 // session-fatal server defect, e.g. a render shape mismatch
)

// Kind identifies a wire record.
type Kind uint8

const (
	KindInvalid Kind = iota
	KindConnect
	KindEvent
	KindPatch
	KindRender
	KindError
	KindDisconnect
)

// String returns the string representation of the Kind.
func (k Kind) String() string {
	switch k {
	case KindConnect:
		return "Connect"
	case KindEvent:
		return "Event"
	case KindPatch:
		return "Patch"
	case KindRender:
		return "Render"
	case KindError:
		return "Error"
	case KindDisconnect:
		return "Disconnect"
	default:
		return "Invalid"
	}
}

// Connect is the client's first message on a fresh socket, presenting
// the token embedded in the initial page.
type Connect struct {
	Token string `json:"token"`
}

// Event is a client-originated named event with an arbitrary payload.
type Event struct {
	Name    string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Patch carries one render's slot changes. Sequences advance by
// exactly one per emitted patch on a connection.
type Patch struct {
	Seq   uint64          `json:"seq"`
	Slots json.RawMessage `json:"patch"`
}

// Render carries a full client-format tree, re-baselining the
// receiver. Sent when a resumed session needs a resync; a fresh
// mount's baseline travels in the initial HTTP response instead.
type Render struct {
	Seq  uint64          `json:"seq"`
	Tree json.RawMessage `json:"render"`
}

// ErrorMessage reports a recoverable failure to the client. The
// session stays attached.
type ErrorMessage struct {
	Reason string `json:"error"`
}

// Disconnect announces an orderly teardown. Reason may be empty.
type Disconnect struct {
	Reason string `json:"disconnect"`
}

// Message is one decoded wire record; Kind selects which field is set.
type Message struct {
	Kind       Kind
	Connect    *Connect
	Event      *Event
	Patch      *Patch
	Render     *Render
	Error      *ErrorMessage
	Disconnect *Disconnect
}

// Decode classifies and parses one wire record. Classification is
// strict: exactly one discriminating key ("token", "event", "patch",
// "render", "error", "disconnect") must be present.
func Decode(data []byte) (*Message, error) {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	kind := KindInvalid
	for key, k := range discriminators {
		if _, ok := probe[key]; !ok {
			continue
		}
		if kind != KindInvalid {
			return nil, fmt.Errorf("%w: conflicting record keys", ErrMalformed)
		}
		kind = k
	}
	if kind == KindInvalid {
		return nil, fmt.Errorf("%w: no recognized record key", ErrMalformed)
	}

	msg := &Message{Kind: kind}
	var err error
	switch kind {
	case KindConnect:
		msg.Connect = &Connect{}
		err = json.Unmarshal(data, msg.Connect)
	case KindEvent:
		msg.Event = &Event{}
		err = json.Unmarshal(data, msg.Event)
	case KindPatch:
		msg.Patch = &Patch{}
		err = json.Unmarshal(data, msg.Patch)
	case KindRender:
		msg.Render = &Render{}
		err = json.Unmarshal(data, msg.Render)
	case KindError:
		msg.Error = &ErrorMessage{}
		err = json.Unmarshal(data, msg.Error)
	case KindDisconnect:
		msg.Disconnect = &Disconnect{}
		err = json.Unmarshal(data, msg.Disconnect)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return msg, nil
}

var discriminators = map[string]Kind{
	"token":      KindConnect,
	"event":      KindEvent,
	"patch":      KindPatch,
	"render":     KindRender,
	"error":      KindError,
	"disconnect": KindDisconnect,
}

// EncodeConnect frames the client's opening message.
func EncodeConnect(token string) ([]byte, error) {
	return json.Marshal(Connect{Token: token})
}

// EncodeEvent frames a named event. A nil payload is omitted.
func EncodeEvent(name string, payload any) ([]byte, error) {
	return json.Marshal(struct {
		Name    string `json:"event"`
		Payload any    `json:"payload,omitempty"`
	}{name, payload})
}

// EncodePatch frames one render's changes under its sequence number.
// slots is anything that marshals to the patch object, typically a
// rendered.Patch.
func EncodePatch(seq uint64, slots any) ([]byte, error) {
	return json.Marshal(struct {
		Seq   uint64 `json:"seq"`
		Slots any    `json:"patch"`
	}{seq, slots})
}

// EncodeRender frames a full tree for re-baselining, typically from a
// *rendered.Tree.
func EncodeRender(seq uint64, tree any) ([]byte, error) {
	return json.Marshal(struct {
		Seq  uint64 `json:"seq"`
		Tree any    `json:"render"`
	}{seq, tree})
}

// EncodeError frames a recoverable failure report.
func EncodeError(reason string) ([]byte, error) {
	return json.Marshal(ErrorMessage{Reason: reason})
}

// EncodeDisconnect frames an orderly teardown notice.
func EncodeDisconnect(reason string) ([]byte, error) {
	return json.Marshal(Disconnect{Reason: reason})
}
