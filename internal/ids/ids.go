// Package ids generates sortable, prefixed identifiers.
package ids

import (
	"fmt"
	"strings"
	"time"

	"go.jetify.com/typeid"
)

var generateTypeID = func(prefix string) (string, error) {
	id, err := typeid.WithPrefix(prefix)
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// NewJob returns an id for one dispatched turn.
func NewJob() string {
	return newID("job")
}

// NewCheckpoint returns an id for a backend-local checkpoint.
func NewCheckpoint() string {
	return newID("ckpt")
}

// NewEvent returns an id for a message submitted without one.
func NewEvent() string {
	return newID("evt")
}

func newID(prefix string) string {
	id, err := generateTypeID(prefix)
	if err == nil && strings.TrimSpace(id) != "" {
		return id
	}

	return fmt.Sprintf("%s-%d", prefix, time.Now().UTC().UnixNano())
}

// Prefix returns the type prefix of id, or "" when it has none.
func Prefix(id string) string {
	if parsed, err := typeid.FromString(id); err == nil {
		return parsed.Prefix()
	}
	if i := strings.LastIndexAny(id, "_-"); i > 0 {
		return id[:i]
	}
	return ""
}
