//go:build !linux

package p2pnet

import "context"

func watchNetworkChanges(ctx context.Context, ch chan<- struct{}) {
	pollNetworkChanges(ctx, ch)
}
