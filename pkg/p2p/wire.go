package p2p

import (
	"bytes"
	"encoding/gob"

	"github.com/libp2p/go-libp2p/core/protocol"
)

const topicAnnounce = "peerbook/announce"

func init() {
	gob.Register(AnnounceWire{})
}

// AnnounceWire is gossiped on topicAnnounce: "peer offers service, reachable at addrs".
type AnnounceWire struct {
	Peer    string
	Service string
	Addrs   []string
}

func protocolFor(service string) protocol.ID {
	return protocol.ID("/peerbook/" + service + "/1.0.0")
}

func gobEncode(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func gobDecode(b []byte, v any) error {
	return gob.NewDecoder(bytes.NewReader(b)).Decode(v)
}
