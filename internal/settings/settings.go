// Package settings holds the runtime-editable server settings. Today that is
// the developer-mode flag gating terminal access.
package settings

import (
	"context"
	"errors"
)

// ErrCorrupt is returned when persisted settings cannot be decoded.
var ErrCorrupt = errors.New("settings corrupt")

// Settings is the persisted document.
type Settings struct {
	DeveloperMode bool `json:"developer_mode"`
}

// Store reads and writes Settings. DeveloperMode satisfies
// terminal.FlagSource.
type Store interface {
	Get(ctx context.Context) (Settings, error)
	Update(ctx context.Context, s Settings) (Settings, error)
	DeveloperMode(ctx context.Context) (bool, error)
	Close() error
}
