package services

import (
	"log/slog"

	"github.com/kawanishi0117/agent-company-sub006/pkg/config"
)

// ConfigService exposes the runtime-mutable settings.
type ConfigService struct {
	settings *config.SettingsStore
	logger   *slog.Logger
}

// NewConfigService creates a new ConfigService.
func NewConfigService(settings *config.SettingsStore, logger *slog.Logger) *ConfigService {
	if settings == nil {
		panic("NewConfigService: settings must not be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ConfigService{settings: settings, logger: logger}
}

// Get returns the current settings snapshot.
func (s *ConfigService) Get() config.Settings {
	return s.settings.Get()
}

// Update applies a partial settings payload. The returned validation
// result is populated even on failure so callers can surface the field
// errors; a failed update wraps config.ErrSettingsInvalid.
func (s *ConfigService) Update(raw []byte) (*config.Settings, *config.ValidationResult, error) {
	return s.settings.Update(raw)
}

// Validate checks a settings payload without persisting it.
func (s *ConfigService) Validate(raw []byte) *config.ValidationResult {
	return s.settings.Validate(raw)
}
