package p2pnet

import (
	"crypto/sha256"
	"fmt"
	"strings"

	"github.com/libp2p/go-libp2p/core/peer"
)

// safetyEmoji is indexed by six bits of the pair hash.
var safetyEmoji = [64]string{
	"🐶", "🐱", "🦊", "🐻", "🐼", "🐨", "🐯", "🦁",
	"🐮", "🐷", "🐸", "🐵", "🐧", "🦉", "🐺", "🦄",
	"🐝", "🦋", "🐌", "🐙", "🦀", "🐠", "🐬", "🐳",
	"🌵", "🌲", "🌴", "🍀", "🍁", "🌻", "🌹", "🍄",
	"🌙", "⭐", "🌈", "🔥", "🌊", "🍎", "🍋", "🍌",
	"🍇", "🍓", "🍒", "🥕", "🌽", "🧀", "🔑", "🔨",
	"🔧", "🧲", "🎯", "🔭", "🎸", "🎹", "🥁", "🎺",
	"🚀", "⛵", "🚂", "🚗", "⚽", "🏀", "🎲", "👑",
}

// SafetyCode lets two users confirm out of band that they reached each
// other and not an intermediary. Both sides derive the same code.
type SafetyCode struct {
	Emoji  string `json:"emoji"`
	Digits string `json:"digits"`
}

func (c SafetyCode) String() string {
	return c.Emoji + " (" + c.Digits + ")"
}

// ComputeSafetyCode derives the code for a peer pair. The order of a and
// b does not matter.
func ComputeSafetyCode(a, b peer.ID) SafetyCode {
	if b < a {
		a, b = b, a
	}
	sum := sha256.Sum256([]byte(string(a) + string(b)))

	// Four emoji from the first 24 bits, six bits each.
	bits := uint32(sum[0])<<16 | uint32(sum[1])<<8 | uint32(sum[2])
	emoji := make([]string, 4)
	for i := range emoji {
		emoji[i] = safetyEmoji[(bits>>(18-6*i))&0x3f]
	}

	n := (uint32(sum[3])<<16 | uint32(sum[4])<<8 | uint32(sum[5])) % 1000000
	return SafetyCode{
		Emoji:  strings.Join(emoji, " "),
		Digits: fmt.Sprintf("%03d-%03d", n/1000, n%1000),
	}
}
