package util

import (
	"strings"

	"github.com/google/uuid"
)

// WebSessionPrefix marks channel ids minted for anonymous web chats.
const WebSessionPrefix = "web_"

// NewSessionID returns a fresh web chat channel id.
func NewSessionID() string {
	return WebSessionPrefix + uuid.NewString()
}

// IsSessionID reports whether id was minted by NewSessionID.
func IsSessionID(id string) bool {
	rest, ok := strings.CutPrefix(id, WebSessionPrefix)
	if !ok {
		return false
	}
	_, err := uuid.Parse(rest)
	return err == nil
}
