// Package envelope encodes and decodes the messages exchanged on the chat
// channel: user chat lines and address adverts used for direct upgrades.
package envelope

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	ma "github.com/multiformats/go-multiaddr"
)

// Kind identifies the envelope variant.
type Kind int

const (
	KindChat Kind = iota + 1
	KindAddressAdvert
)

func (k Kind) String() string {
	switch k {
	case KindChat:
		return "chat"
	case KindAddressAdvert:
		return "address-advert"
	default:
		return "unknown"
	}
}

// Envelope is either a ChatMessage or an AddressAdvert.
type Envelope interface {
	Kind() Kind
	sealed()
}

// ChatMessage is a user-visible chat line.
type ChatMessage struct {
	Username string
	Time     time.Time // zero when the sender's timestamp was unreadable
	Text     string
}

func (ChatMessage) Kind() Kind { return KindChat }
func (ChatMessage) sealed()    {}

// AddressAdvert tells the receiver where the sender may be dialed directly.
type AddressAdvert struct {
	Addr ma.Multiaddr
}

func (AddressAdvert) Kind() Kind { return KindAddressAdvert }
func (AddressAdvert) sealed()    {}

// WebRTC reports whether the advertised address uses WebRTC-direct.
func (a AddressAdvert) WebRTC() bool {
	if len(a.Addr) == 0 {
		return false
	}
	_, err := a.Addr.ValueForProtocol(ma.P_WEBRTC_DIRECT)
	return err == nil
}

// Wire type tags for adverts. Chat lines carry no tag.
const (
	typeWebRTCAddr    = "webrtc-addr"
	typeAddressAdvert = "address-advert"
	typeChat          = "chat"
)

type wireChat struct {
	Username string `json:"username"`
	Time     string `json:"time"`
	Message  string `json:"message"`
}

type wireAdvert struct {
	Type      string `json:"type"`
	Multiaddr string `json:"multiaddr"`
}

type wireIn struct {
	Type      *string `json:"type"`
	Username  *string `json:"username"`
	Time      *string `json:"time"`
	Message   *string `json:"message"`
	Multiaddr *string `json:"multiaddr"`
}

// Encode serializes e to its JSON wire form. Chat timestamps are written in
// UTC, so a decoded time is Equal to the original but not ==.
func Encode(e Envelope) ([]byte, error) {
	switch v := e.(type) {
	case ChatMessage:
		ts := ""
		if !v.Time.IsZero() {
			ts = v.Time.UTC().Format(time.RFC3339Nano)
		}
		return json.Marshal(wireChat{Username: v.Username, Time: ts, Message: v.Text})
	case AddressAdvert:
		if len(v.Addr) == 0 {
			return nil, fmt.Errorf("%w: advert without address", ErrInvalidEnvelope)
		}
		typ := typeAddressAdvert
		if v.WebRTC() {
			typ = typeWebRTCAddr
		}
		return json.Marshal(wireAdvert{Type: typ, Multiaddr: v.Addr.String()})
	case nil:
		return nil, fmt.Errorf("%w: nil envelope", ErrInvalidEnvelope)
	default:
		return nil, fmt.Errorf("%w: unsupported type %T", ErrInvalidEnvelope, e)
	}
}

// Decode parses one wire message. Objects with a type tag are adverts;
// objects with a message field are chat lines; a raw multiaddr, or a JSON
// string holding one, is an advert from older peers. Anything else is
// ErrMalformed.
func Decode(b []byte) (Envelope, error) {
	b = bytes.TrimSpace(b)
	if len(b) == 0 {
		return nil, fmt.Errorf("%w: empty payload", ErrMalformed)
	}

	switch b[0] {
	case '"':
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		if !strings.HasPrefix(s, "/") {
			return nil, fmt.Errorf("%w: bare string is not a multiaddr", ErrMalformed)
		}
		return parseAdvert(s)
	case '/':
		return parseAdvert(string(b))
	case '{':
	default:
		return nil, fmt.Errorf("%w: not a JSON object", ErrMalformed)
	}

	var w wireIn
	if err := json.Unmarshal(b, &w); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	typ := ""
	if w.Type != nil {
		typ = *w.Type
	}
	switch typ {
	case typeWebRTCAddr, typeAddressAdvert:
		if w.Multiaddr == nil {
			return nil, fmt.Errorf("%w: %s without multiaddr", ErrMalformed, typ)
		}
		return parseAdvert(*w.Multiaddr)
	case "", typeChat:
		if w.Message == nil {
			return nil, fmt.Errorf("%w: no message field", ErrMalformed)
		}
		m := ChatMessage{Text: *w.Message}
		if w.Username != nil {
			m.Username = *w.Username
		}
		if w.Time != nil {
			if ts, err := time.Parse(time.RFC3339Nano, *w.Time); err == nil {
				m.Time = ts
			}
		}
		return m, nil
	default:
		return nil, fmt.Errorf("%w: unknown type %q", ErrMalformed, typ)
	}
}

func parseAdvert(s string) (Envelope, error) {
	addr, err := ma.NewMultiaddr(s)
	if err != nil {
		return nil, fmt.Errorf("%w: bad multiaddr: %v", ErrMalformed, err)
	}
	return AddressAdvert{Addr: addr}, nil
}
