package registry

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/zeebo/blake3"
)

const (
	SessionIDPrefix   = "sess_"
	SandboxNamePrefix = "sa-"

	sessionIDHexLen   = 20
	sandboxNameHexLen = 12
)

// ConversationKey identifies one logical conversation, e.g. a chat channel
// plus thread.
type ConversationKey struct {
	Channel string
	Thread  string
}

func (k ConversationKey) String() string {
	return k.Channel + ":" + k.Thread
}

// ParseConversationKey is the inverse of ConversationKey.String. The thread
// may itself contain colons.
func ParseConversationKey(raw string) (ConversationKey, error) {
	channel, thread, ok := strings.Cut(strings.TrimSpace(raw), ":")
	if !ok || strings.TrimSpace(channel) == "" || strings.TrimSpace(thread) == "" {
		return ConversationKey{}, fmt.Errorf("invalid conversation key %q (expected channel:thread)", raw)
	}
	return ConversationKey{Channel: channel, Thread: thread}, nil
}

func keyDigest(key string) string {
	sum := blake3.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

// SessionID derives the stable session id for a conversation key.
func SessionID(key string) string {
	return SessionIDPrefix + keyDigest(key)[:sessionIDHexLen]
}

// SandboxName derives the stable affinity sandbox name for a conversation
// key. It shares the digest with SessionID but is shorter so it fits backend
// naming limits.
func SandboxName(key string) string {
	return SandboxNamePrefix + keyDigest(key)[:sandboxNameHexLen]
}

func looksLikeSessionID(ref string) bool {
	if !strings.HasPrefix(ref, SessionIDPrefix) || len(ref) != len(SessionIDPrefix)+sessionIDHexLen {
		return false
	}
	_, err := hex.DecodeString(ref[len(SessionIDPrefix):])
	return err == nil
}
