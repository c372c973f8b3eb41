package p2p

import (
	"github.com/eryx-labs/execution/internal/chain"
)

// headerWire/bodyWire carry the compact-codec bytes (internal/codec,
// via chain.Header.Encode/chain.Body.Encode) inside a JSON envelope —
// this package's transport is JSON-over-HTTP (see peer.go), but the
// payload itself is still the one compact encoding spec §6 names as
// stable across the module, so a header/body decoded off the wire is
// byte-identical to one read back out of storage.
type headerWire struct {
	Raw []byte `json:"raw"`
}

type bodyWire struct {
	Raw []byte `json:"raw"`
}

func decodeHeaders(wire []headerWire) ([]*chain.Header, error) {
	out := make([]*chain.Header, 0, len(wire))
	for _, w := range wire {
		h, err := chain.DecodeHeader(w.Raw)
		if err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, nil
}

func decodeBodies(wire []bodyWire) ([]*chain.Body, error) {
	out := make([]*chain.Body, 0, len(wire))
	for _, w := range wire {
		b, err := chain.DecodeBody(w.Raw)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, nil
}
