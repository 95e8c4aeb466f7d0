package wire

import (
	"bytes"
	"encoding/gob"
	"errors"
	"fmt"
	"io"

	msgio "github.com/libp2p/go-msgio"
)

// MaxMessageSize bounds one framed message; a full-sync of a large book is the
// biggest payload we send.
const MaxMessageSize = 16 << 20

type envelope struct {
	Msg Message
}

func Encode(m Message) ([]byte, error) {
	if m == nil {
		return nil, errors.New("encode: nil message")
	}
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(envelope{Msg: m}); err != nil {
		return nil, fmt.Errorf("encode %s: %w", m.Kind(), err)
	}
	return buf.Bytes(), nil
}

func Decode(b []byte) (Message, error) {
	var env envelope
	if err := gob.NewDecoder(bytes.NewReader(b)).Decode(&env); err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	if env.Msg == nil {
		return nil, errors.New("decode: empty envelope")
	}
	return env.Msg, nil
}

// WriteMsg writes m as one varint-length-prefixed frame.
func WriteMsg(w io.Writer, m Message) error {
	b, err := Encode(m)
	if err != nil {
		return err
	}
	return msgio.NewVarintWriter(w).WriteMsg(b)
}

// ReadMsg reads one frame written by WriteMsg.
func ReadMsg(r io.Reader) (Message, error) {
	mr := msgio.NewVarintReaderSize(r, MaxMessageSize)
	b, err := mr.ReadMsg()
	if err != nil {
		return nil, err
	}
	defer mr.ReleaseMsg(b)
	return Decode(b)
}

// Roundtrip passes m through the codec. The in-memory network uses it so that
// tests exercise the same encoding as libp2p and never share memory between peers.
func Roundtrip(m Message) (Message, error) {
	b, err := Encode(m)
	if err != nil {
		return nil, err
	}
	return Decode(b)
}
