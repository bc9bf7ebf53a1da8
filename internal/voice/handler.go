package voice

import (
	"context"

	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/protocol"

	"github.com/shurlinet/parley/pkg/p2pnet"
)

// Protocol carries one voice call: varint length-prefixed audio chunks in
// both directions. Changing the framing requires a new version.
const Protocol protocol.ID = "/parley/voice/1.0.0"

// StreamDialer opens a protocol stream on a given connection.
// *p2pnet.Network satisfies it.
type StreamDialer interface {
	OpenStream(ctx context.Context, c p2pnet.Conn, proto protocol.ID) (p2pnet.Stream, error)
}

type networkOpener struct {
	d StreamDialer
}

// NetworkOpener returns an Opener that opens Protocol streams through d.
func NetworkOpener(d StreamDialer) Opener {
	return networkOpener{d: d}
}

func (o networkOpener) OpenVoiceStream(ctx context.Context, c p2pnet.Conn) (Stream, error) {
	s, err := o.d.OpenStream(ctx, c, Protocol)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// StreamHandler returns the inbound handler for Protocol.
func (c *Controller) StreamHandler() network.StreamHandler {
	return func(s network.Stream) {
		c.HandleIncoming(s.Conn().RemotePeer(), s)
	}
}
