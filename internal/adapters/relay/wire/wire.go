// Package wire defines the framed message protocol spoken between the relay
// client and a collection service.
//
// Every frame is a 4-byte big-endian length followed by a JSON envelope.
// A session opens with a hello/hello_ack exchange that pins the schema
// version; afterwards each result message is answered by an ack or a nack
// carrying the same id.
package wire

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// Protocol versions understood by this build.
const (
	MinVersion     = 1
	CurrentVersion = 1
)

// MaxFrameSize bounds a single frame payload.
const MaxFrameSize = 4 << 20

const headerSize = 4

// Message types.
const (
	TypeHello       = "hello"
	TypeHelloAck    = "hello_ack"
	TypeHelloReject = "hello_reject"
	TypeResult      = "result"
	TypeAck         = "ack"
	TypeNack        = "nack"
)

var (
	// ErrFrameTooLarge is returned for frames over MaxFrameSize.
	ErrFrameTooLarge = errors.New("frame too large")
	// ErrUnexpectedMessage is returned when a peer sends a message that is
	// not valid at this point of the session.
	ErrUnexpectedMessage = errors.New("unexpected message")
)

// Envelope is the outer JSON object of every frame.
type Envelope struct {
	Type     string          `json:"type"`
	ID       string          `json:"id,omitempty"`
	Version  int             `json:"version,omitempty"`
	Versions []int           `json:"versions,omitempty"`
	Payload  json.RawMessage `json:"payload,omitempty"`
	Error    string          `json:"error,omitempty"`
	Retry    bool            `json:"retry,omitempty"`
}

// WriteFrame writes one length-prefixed frame.
func WriteFrame(w io.Writer, payload []byte) error {
	if len(payload) > MaxFrameSize {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(payload))
	}
	buf := make([]byte, headerSize+len(payload))
	binary.BigEndian.PutUint32(buf, uint32(len(payload))) //nolint:gosec // bounded by MaxFrameSize
	copy(buf[headerSize:], payload)
	_, err := w.Write(buf)
	return err
}

// ReadFrame reads one length-prefixed frame.
func ReadFrame(r io.Reader) ([]byte, error) {
	var hdr [headerSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if n > MaxFrameSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, n)
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}
	return payload, nil
}

// Write encodes and frames an envelope.
func Write(w io.Writer, env *Envelope) error {
	b, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode %s: %w", env.Type, err)
	}
	return WriteFrame(w, b)
}

// Read reads and decodes one envelope.
func Read(r io.Reader) (*Envelope, error) {
	b, err := ReadFrame(r)
	if err != nil {
		return nil, err
	}
	var env Envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	return &env, nil
}

// SupportedVersions lists every version this build can speak, oldest first.
func SupportedVersions() []int {
	out := make([]int, 0, CurrentVersion-MinVersion+1)
	for v := MinVersion; v <= CurrentVersion; v++ {
		out = append(out, v)
	}
	return out
}

// Negotiate picks the highest version offered that lies in [lo, hi].
func Negotiate(offered []int, lo, hi int) (int, bool) {
	best := 0
	for _, v := range offered {
		if v >= lo && v <= hi && v > best {
			best = v
		}
	}
	return best, best != 0
}

// Hello builds the client's opening message.
func Hello() *Envelope {
	return &Envelope{Type: TypeHello, Versions: SupportedVersions()}
}

// NewResult wraps a result message for transmission under id.
func NewResult(id string, msg *ResultMessage) (*Envelope, error) {
	b, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encode result: %w", err)
	}
	return &Envelope{Type: TypeResult, ID: id, Payload: b}, nil
}

// DecodeResult extracts the result message from a result envelope.
func DecodeResult(env *Envelope) (*ResultMessage, error) {
	if env.Type != TypeResult {
		return nil, fmt.Errorf("%w: %q, want %q", ErrUnexpectedMessage, env.Type, TypeResult)
	}
	var msg ResultMessage
	if err := json.Unmarshal(env.Payload, &msg); err != nil {
		return nil, fmt.Errorf("decode result: %w", err)
	}
	return &msg, nil
}
