package upstream

import (
	"crypto/rand"
	"encoding/hex"

	"github.com/google/uuid"
)

// IDSource produces the opaque identifiers stamped on outbound requests and
// synthesized completions. Tests swap in a deterministic implementation.
type IDSource interface {
	UUID() string
	// Hex returns n random lowercase hex characters.
	Hex(n int) string
}

type RandomIDs struct{}

func (RandomIDs) UUID() string {
	return uuid.NewString()
}

func (RandomIDs) Hex(n int) string {
	if n <= 0 {
		return ""
	}
	buf := make([]byte, (n+1)/2)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)[:n]
}

// CompletionID renders an id in the "chatcmpl-<uuid>" shape clients expect.
func CompletionID(ids IDSource) string {
	return "chatcmpl-" + ids.UUID()
}

// Fingerprint renders a "fp_" prefixed 12 character system fingerprint.
func Fingerprint(ids IDSource) string {
	return "fp_" + ids.Hex(12)
}
