package task

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	"github.com/google/uuid"
)

// Hash returns the content hash of a snapshot. meta.hash and
// meta.messageCount are excluded: the first is the claim being checked, the
// second differs per delivery. encoding/json sorts map keys, so equal
// snapshots always hash equally.
func Hash(d Doc) string {
	c := d.Clone()
	if m := c.Section("meta"); m != nil {
		delete(m, "hash")
		delete(m, "messageCount")
	}
	data, err := json.Marshal(map[string]any(c))
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// VerifyHash reports whether meta.hash, when present, matches the content.
// A snapshot without a hash always verifies.
func VerifyHash(d Doc) (claimed, actual string, ok bool) {
	claimed = d.MetaInfo().Hash
	if claimed == "" {
		return "", "", true
	}
	actual = Hash(d)
	return claimed, actual, claimed == actual
}

// NewMessageID returns a time-ordered id; successive ids from one process
// compare in creation order.
func NewMessageID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// NewInstanceID returns a fresh instance or family id.
func NewInstanceID() string {
	return uuid.NewString()
}
