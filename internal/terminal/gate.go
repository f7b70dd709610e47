package terminal

import (
	"context"
	"fmt"
)

// FlagSource reports whether interactive terminal access is enabled.
type FlagSource interface {
	DeveloperMode(ctx context.Context) (bool, error)
}

// Gate admits terminal sessions only while developer mode is on. It reads the
// flag on every admission and never changes it.
type Gate struct {
	flags FlagSource
}

// NewGate returns a Gate reading from flags.
func NewGate(flags FlagSource) *Gate {
	return &Gate{flags: flags}
}

// Admit returns nil when a session may be created, ErrCapabilityDenied when
// the flag is off, or a wrapped read error when the flag cannot be read.
func (g *Gate) Admit(ctx context.Context) error {
	enabled, err := g.flags.DeveloperMode(ctx)
	if err != nil {
		return fmt.Errorf("read developer mode: %w", err)
	}
	if !enabled {
		return ErrCapabilityDenied
	}
	return nil
}
