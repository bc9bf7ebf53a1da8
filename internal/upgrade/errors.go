package upgrade

import "errors"

var (
	// ErrAdvertIdentity is returned when an advert's /p2p suffix names a
	// peer other than the one that sent it.
	ErrAdvertIdentity = errors.New("advert names a different peer")

	// ErrNoAdvertisableAddr is returned by AdvertiseSelf when no local
	// address passes the advert filter.
	ErrNoAdvertisableAddr = errors.New("no advertisable local address")

	// ErrUnknownPeer is returned when an operation targets a peer the
	// coordinator has never seen a connection from.
	ErrUnknownPeer = errors.New("unknown peer")

	// ErrNoSignaler is returned by AdvertiseSelf before SetSignaler.
	ErrNoSignaler = errors.New("no advert signaler configured")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("coordinator closed")
)
