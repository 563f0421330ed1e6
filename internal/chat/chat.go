// Package chat holds the conversation directory and the message ledger.
// Both act on behalf of an identity.Principal and persist through a
// store.Store; live views additionally need a store that can push.
package chat

import (
	"time"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// Options tune listing limits and live views.
type Options struct {
	// ChatLimit caps ListChats and WatchChats. Zero means no limit.
	ChatLimit int
	// MessageLimit keeps the newest messages of a chat. Zero means no limit.
	MessageLimit int
	// OverlayTTL bounds how long a local write waits for the store to
	// report it back. Zero waits forever.
	OverlayTTL time.Duration
}

func DefaultOptions() Options {
	return Options{ChatLimit: 50, MessageLimit: 100, OverlayTTL: 30 * time.Second}
}
