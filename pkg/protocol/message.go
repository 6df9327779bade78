// Package protocol defines the envelope exchanged between peers, both over
// the signaling transport (JSON, one message per line or frame) and over an
// open data channel (msgpack, one message per channel message).
package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/vmihailenco/msgpack/v5"
)

// Signaling message types. Their values double as event names on the local
// bus of the receiving peer.
const (
	TypeStreamConnect   = "stream:connect"
	TypeStreamChange    = "stream:change"
	TypeStreamOffer     = "stream:offer"
	TypeStreamMakeOffer = "stream:makeoffer"
	TypeStreamAnswer    = "stream:answer"

	// Relay control messages. A client announces its id with register; the
	// relay confirms with registered or refuses with error.
	TypeRegister   = "register"
	TypeRegistered = "registered"
	TypeError      = "error"
)

// Session description types carried in Description.Type.
const (
	SDPTypeOffer  = "offer"
	SDPTypeAnswer = "answer"
)

const (
	MaxTypeLength = 64
	MaxTextLength = 4096

	// MaxFrameSize bounds a single encoded message. SDPs with a full
	// candidate set stay well below it.
	MaxFrameSize = 64 * 1024
)

var (
	ErrInvalidMessage = errors.New("invalid message")
	ErrTooLarge       = errors.New("message too large")
)

// Description is a session description as it travels between peers.
type Description struct {
	Type string `json:"type" msgpack:"type"`
	SDP  string `json:"sdp" msgpack:"sdp"`

	// Encoding names a transfer encoding applied to SDP, empty for plain text.
	Encoding string `json:"encoding,omitempty" msgpack:"encoding,omitempty"`
}

// Message is the envelope for signaling and channel traffic. Type is one of
// the Type* constants for signaling; channel messages carry an application
// defined type such as "hello".
type Message struct {
	Type      string       `json:"type" msgpack:"type"`
	From      string       `json:"from,omitempty" msgpack:"from,omitempty"`
	To        string       `json:"to,omitempty" msgpack:"to,omitempty"`
	Data      *Description `json:"data,omitempty" msgpack:"data,omitempty"`
	Text      string       `json:"text,omitempty" msgpack:"text,omitempty"`
	Payload   []byte       `json:"payload,omitempty" msgpack:"payload,omitempty"`
	Timestamp int64        `json:"timestamp,omitempty" msgpack:"timestamp,omitempty"`

	// Options carries the sender's stream options on stream:connect and
	// stream:makeoffer.
	Options *StreamOptions `json:"options,omitempty" msgpack:"options,omitempty"`
}

// Media is the wire form of a set of media kinds.
type Media struct {
	Video bool `json:"video,omitempty" msgpack:"video,omitempty"`
	Audio bool `json:"audio,omitempty" msgpack:"audio,omitempty"`
}

// StreamOptions is what the sender of a message sends (Local) and wants to
// receive (Remote).
type StreamOptions struct {
	Local  Media `json:"local" msgpack:"local"`
	Remote Media `json:"remote" msgpack:"remote"`
}

// NewMessage creates a message of type t addressed to to, stamped with the
// current time in unix milliseconds.
func NewMessage(t, to, text string) Message {
	return Message{
		Type:      t,
		To:        to,
		Text:      text,
		Timestamp: time.Now().UnixMilli(),
	}
}

// NewOffer wraps an offer SDP for delivery to to.
func NewOffer(to, sdp string) Message {
	return Message{
		Type: TypeStreamOffer,
		To:   to,
		Data: &Description{Type: SDPTypeOffer, SDP: sdp},
	}
}

// NewAnswer wraps an answer SDP for delivery to to.
func NewAnswer(to, sdp string) Message {
	return Message{
		Type: TypeStreamAnswer,
		To:   to,
		Data: &Description{Type: SDPTypeAnswer, SDP: sdp},
	}
}

// IsSignaling reports whether t is one of the stream negotiation types.
func IsSignaling(t string) bool {
	switch t {
	case TypeStreamConnect, TypeStreamChange, TypeStreamOffer, TypeStreamMakeOffer, TypeStreamAnswer:
		return true
	}
	return false
}

// Validate checks the message and returns an error wrapping
// ErrInvalidMessage describing the first problem found.
func (m Message) Validate() error {
	if m.Type == "" {
		return fmt.Errorf("%w: message type is required", ErrInvalidMessage)
	}
	if len(m.Type) > MaxTypeLength {
		return fmt.Errorf("%w: message type exceeds maximum length of %d", ErrInvalidMessage, MaxTypeLength)
	}
	if len(m.Text) > MaxTextLength {
		return fmt.Errorf("%w: message text exceeds maximum length of %d", ErrInvalidMessage, MaxTextLength)
	}
	if m.Timestamp < 0 {
		return fmt.Errorf("%w: invalid timestamp %d", ErrInvalidMessage, m.Timestamp)
	}

	switch m.Type {
	case TypeStreamOffer:
		return m.validateDescription(SDPTypeOffer)
	case TypeStreamAnswer:
		return m.validateDescription(SDPTypeAnswer)
	}
	return nil
}

func (m Message) validateDescription(want string) error {
	if m.Data == nil || m.Data.SDP == "" {
		return fmt.Errorf("%w: session description is required for %s", ErrInvalidMessage, m.Type)
	}
	if m.Data.Type != want {
		return fmt.Errorf("%w: %s carries a %q description", ErrInvalidMessage, m.Type, m.Data.Type)
	}
	return nil
}

// IsValid reports whether Validate succeeds.
func (m Message) IsValid() bool {
	return m.Validate() == nil
}

// Marshal encodes the message as a JSON line.
func Marshal(msg Message) []byte {
	// Message has no types json cannot encode.
	data, _ := json.Marshal(msg)
	return append(data, '\n')
}

// Unmarshal decodes and validates a JSON message. A trailing newline is
// accepted. On error the zero Message is returned.
func Unmarshal(data []byte) (Message, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return Message{}, fmt.Errorf("%w: invalid JSON format: empty input", ErrInvalidMessage)
	}
	if len(data) > MaxFrameSize {
		return Message{}, fmt.Errorf("%w: %d bytes", ErrTooLarge, len(data))
	}

	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return Message{}, fmt.Errorf("%w: invalid JSON format: %v", ErrInvalidMessage, err)
	}
	if err := msg.Validate(); err != nil {
		return Message{}, err
	}
	return msg, nil
}

// String returns the JSON line form of the message.
func (m Message) String() string {
	return string(Marshal(m))
}

// EncodeFrame encodes the message for a data channel.
func EncodeFrame(msg Message) ([]byte, error) {
	if err := msg.Validate(); err != nil {
		return nil, err
	}
	data, err := msgpack.Marshal(&msg)
	if err != nil {
		return nil, fmt.Errorf("encode frame: %w", err)
	}
	if len(data) > MaxFrameSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrTooLarge, len(data))
	}
	return data, nil
}

// DecodeFrame decodes and validates a data channel frame.
func DecodeFrame(data []byte) (Message, error) {
	if len(data) > MaxFrameSize {
		return Message{}, fmt.Errorf("%w: %d bytes", ErrTooLarge, len(data))
	}

	var msg Message
	if err := msgpack.Unmarshal(data, &msg); err != nil {
		return Message{}, fmt.Errorf("%w: decode frame: %v", ErrInvalidMessage, err)
	}
	if err := msg.Validate(); err != nil {
		return Message{}, err
	}
	return msg, nil
}
