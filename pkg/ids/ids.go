package ids

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"strings"

	"github.com/google/uuid"
)

var adjectives = []string{
	"cozy", "brisk", "bright", "calm", "curious", "eager", "gentle", "lively", "nimble", "quiet", "steady", "swift",
}

var nouns = []string{
	"tiger", "otter", "lynx", "falcon", "whale", "panther", "eagle", "sparrow", "orca", "fox", "badger", "hare",
}

const codeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

// SessionID returns human friendly IDs like cozy-tiger-4829.
func SessionID() string {
	number := randomInt(9000) + 1000
	return fmt.Sprintf("%s-%s-%04d", adjectives[randomInt(len(adjectives))], nouns[randomInt(len(nouns))], number)
}

// ShareCode returns a 6-character room code. Ambiguous characters
// (0/O, 1/I) are excluded so codes survive being read aloud.
func ShareCode() string {
	var sb strings.Builder
	for i := 0; i < 6; i++ {
		sb.WriteByte(codeAlphabet[randomInt(len(codeAlphabet))])
	}
	return sb.String()
}

// ObserverID returns a unique observer identity.
func ObserverID() string {
	return uuid.NewString()
}

// ShareID returns a unique share/room identity.
func ShareID() string {
	return uuid.NewString()
}

func randomInt(max int) int {
	if max <= 0 {
		return 0
	}
	n, err := rand.Int(rand.Reader, big.NewInt(int64(max)))
	if err != nil {
		return 0
	}
	return int(n.Int64())
}
