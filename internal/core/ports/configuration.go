package ports

import (
	"context"

	"github.com/sufield/cosign/internal/core/domain"
)

// SettingsProvider exposes the current configuration generation.
type SettingsProvider interface {
	// Settings returns the current snapshot or ErrConfigInvalid when no valid
	// configuration has been loaded.
	Settings() (*domain.Settings, error)
}

// ConfigListener is notified after a configuration generation is installed.
type ConfigListener interface {
	OnConfigUpdate(ctx context.Context, settings *domain.Settings) error
}

// ConfigListenerFunc adapts a function to ConfigListener.
type ConfigListenerFunc func(ctx context.Context, settings *domain.Settings) error

// OnConfigUpdate calls f.
func (f ConfigListenerFunc) OnConfigUpdate(ctx context.Context, settings *domain.Settings) error {
	return f(ctx, settings)
}
