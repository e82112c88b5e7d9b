package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"

	"dario.cat/mergo"

	"github.com/kawanishi0117/agent-company-sub006/pkg/store"
)

// ContainerRuntime defines supported worker container runtimes
type ContainerRuntime string

const (
	// ContainerRuntimeDoD is Docker-outside-of-Docker (host socket mount)
	ContainerRuntimeDoD ContainerRuntime = "dod"
	// ContainerRuntimeRootless is rootless Docker/Podman
	ContainerRuntimeRootless ContainerRuntime = "rootless"
	// ContainerRuntimeDinD is Docker-in-Docker
	ContainerRuntimeDinD ContainerRuntime = "dind"
)

// IsValid checks if the container runtime is valid
func (r ContainerRuntime) IsValid() bool {
	return r == ContainerRuntimeDoD || r == ContainerRuntimeRootless || r == ContainerRuntimeDinD
}

// MessageQueueType defines the message bus backends
type MessageQueueType string

const (
	// MessageQueueFile stores one JSON file per message under state/bus
	MessageQueueFile MessageQueueType = "file"
	// MessageQueueEmbeddedKV stores messages in an embedded LevelDB
	MessageQueueEmbeddedKV MessageQueueType = "embedded-kv"
	// MessageQueueNetwork uses an embedded NATS JetStream server
	MessageQueueNetwork MessageQueueType = "network"
)

// IsValid checks if the message queue type is valid
func (t MessageQueueType) IsValid() bool {
	return t == MessageQueueFile || t == MessageQueueEmbeddedKV || t == MessageQueueNetwork
}

// GitCredentialType defines how workers authenticate against Git remotes
type GitCredentialType string

const (
	// GitCredentialDeployKey uses a per-repository deploy key
	GitCredentialDeployKey GitCredentialType = "deploy_key"
	// GitCredentialToken uses a personal access token
	GitCredentialToken GitCredentialType = "token"
	// GitCredentialSSHAgent forwards the host's ssh-agent socket
	GitCredentialSSHAgent GitCredentialType = "ssh_agent"
)

// IsValid checks if the git credential type is valid
func (t GitCredentialType) IsValid() bool {
	return t == GitCredentialDeployKey || t == GitCredentialToken || t == GitCredentialSSHAgent
}

// Settings are the runtime-mutable settings. They are persisted to
// state/config.json and editable over the API while the system runs.
type Settings struct {
	// MaxConcurrentWorkers limits workflows executing at once (1-10).
	MaxConcurrentWorkers int `json:"maxConcurrentWorkers" yaml:"maxConcurrentWorkers"`

	// DefaultTimeout is the per-task timeout in seconds (30-3600).
	DefaultTimeout int `json:"defaultTimeout" yaml:"defaultTimeout"`

	// WorkerMemoryLimit is passed to the container runtime (e.g. "2g").
	WorkerMemoryLimit string `json:"workerMemoryLimit,omitempty" yaml:"workerMemoryLimit,omitempty"`

	// WorkerCpuLimit is passed to the container runtime (e.g. "1.5").
	WorkerCpuLimit string `json:"workerCpuLimit,omitempty" yaml:"workerCpuLimit,omitempty"`

	// DefaultAiAdapter names the adapter used when a task does not
	// pick one.
	DefaultAiAdapter string `json:"defaultAiAdapter,omitempty" yaml:"defaultAiAdapter,omitempty"`

	// DefaultModel names the model passed to the default adapter.
	DefaultModel string `json:"defaultModel,omitempty" yaml:"defaultModel,omitempty"`

	// ContainerRuntime selects how worker containers are launched.
	ContainerRuntime ContainerRuntime `json:"containerRuntime" yaml:"containerRuntime"`

	// MessageQueueType selects the agent bus backend.
	MessageQueueType MessageQueueType `json:"messageQueueType" yaml:"messageQueueType"`

	// GitCredentialType selects worker Git authentication.
	GitCredentialType GitCredentialType `json:"gitCredentialType" yaml:"gitCredentialType"`

	// GitSshAgentEnabled permits ssh_agent credential forwarding.
	GitSshAgentEnabled bool `json:"gitSshAgentEnabled" yaml:"gitSshAgentEnabled"`

	// StateRetentionDays is how long terminal run state is kept (1-365).
	StateRetentionDays int `json:"stateRetentionDays" yaml:"stateRetentionDays"`

	// IntegrationBranch is the branch worker branches fork from and
	// merge back into.
	IntegrationBranch string `json:"integrationBranch" yaml:"integrationBranch"`

	// AutoRefreshInterval is the settings re-read interval in seconds.
	// Zero disables the periodic re-read.
	AutoRefreshInterval int `json:"autoRefreshInterval" yaml:"autoRefreshInterval"`
}

// DefaultSettings returns the built-in runtime settings.
func DefaultSettings() Settings {
	return Settings{
		MaxConcurrentWorkers: 3,
		DefaultTimeout:       300,
		ContainerRuntime:     ContainerRuntimeDoD,
		MessageQueueType:     MessageQueueFile,
		GitCredentialType:    GitCredentialToken,
		GitSshAgentEnabled:   false,
		StateRetentionDays:   30,
		IntegrationBranch:    "main",
		AutoRefreshInterval:  30,
	}
}

// ValidationResult is the outcome of validating a settings payload.
// Warnings do not block persistence.
type ValidationResult struct {
	Valid    bool     `json:"valid"`
	Errors   []string `json:"errors"`
	Warnings []string `json:"warnings"`
}

// Validate checks ranges and enum membership, and collects warnings
// for configurations that are legal but suspicious.
func (s Settings) Validate() *ValidationResult {
	result := &ValidationResult{
		Errors:   []string{},
		Warnings: []string{},
	}

	if s.MaxConcurrentWorkers < 1 || s.MaxConcurrentWorkers > 10 {
		result.Errors = append(result.Errors,
			fmt.Sprintf("maxConcurrentWorkers must be between 1 and 10, got %d", s.MaxConcurrentWorkers))
	}
	if s.DefaultTimeout < 30 || s.DefaultTimeout > 3600 {
		result.Errors = append(result.Errors,
			fmt.Sprintf("defaultTimeout must be between 30 and 3600 seconds, got %d", s.DefaultTimeout))
	}
	if !s.ContainerRuntime.IsValid() {
		result.Errors = append(result.Errors,
			fmt.Sprintf("containerRuntime must be one of dod, rootless, dind, got %q", s.ContainerRuntime))
	}
	if !s.MessageQueueType.IsValid() {
		result.Errors = append(result.Errors,
			fmt.Sprintf("messageQueueType must be one of file, embedded-kv, network, got %q", s.MessageQueueType))
	}
	if !s.GitCredentialType.IsValid() {
		result.Errors = append(result.Errors,
			fmt.Sprintf("gitCredentialType must be one of deploy_key, token, ssh_agent, got %q", s.GitCredentialType))
	}
	if s.StateRetentionDays < 1 || s.StateRetentionDays > 365 {
		result.Errors = append(result.Errors,
			fmt.Sprintf("stateRetentionDays must be between 1 and 365, got %d", s.StateRetentionDays))
	}
	if s.IntegrationBranch == "" {
		result.Errors = append(result.Errors, "integrationBranch must not be empty")
	}
	if s.AutoRefreshInterval < 0 {
		result.Errors = append(result.Errors,
			fmt.Sprintf("autoRefreshInterval must not be negative, got %d", s.AutoRefreshInterval))
	}

	if s.GitCredentialType == GitCredentialSSHAgent && !s.GitSshAgentEnabled {
		result.Warnings = append(result.Warnings,
			"gitCredentialType is ssh_agent but gitSshAgentEnabled is false; workers will fail to authenticate")
	}
	if s.StateRetentionDays >= 1 && s.StateRetentionDays < 7 {
		result.Warnings = append(result.Warnings,
			fmt.Sprintf("stateRetentionDays %d is below 7; recent run history will be purged quickly", s.StateRetentionDays))
	}
	if s.MaxConcurrentWorkers > runtime.NumCPU() {
		result.Warnings = append(result.Warnings,
			fmt.Sprintf("maxConcurrentWorkers %d exceeds %d available CPUs", s.MaxConcurrentWorkers, runtime.NumCPU()))
	}

	result.Valid = len(result.Errors) == 0
	return result
}

const (
	settingsKind = "state"
	settingsKey  = "config"
)

// SettingsStore owns the persisted runtime settings. Reads are served
// from an in-memory copy; updates validate, persist to
// state/config.json, and notify subscribers.
type SettingsStore struct {
	store  *store.Store
	logger *slog.Logger

	mu       sync.RWMutex
	current  Settings
	onChange []func(Settings)
}

// NewSettingsStore loads state/config.json, seeding it from initial
// when absent. A persisted file wins over the bootstrap values.
func NewSettingsStore(st *store.Store, initial Settings, logger *slog.Logger) (*SettingsStore, error) {
	if logger == nil {
		logger = slog.Default()
	}

	s := &SettingsStore{
		store:   st,
		logger:  logger,
		current: initial,
	}

	var persisted Settings
	err := st.Load(settingsKind, settingsKey, &persisted)
	switch {
	case err == nil:
		s.current = persisted
		logger.Info("Runtime settings loaded", "source", "state/config.json")
	case errors.Is(err, store.ErrNotFound):
		if err := st.Save(settingsKind, settingsKey, initial); err != nil {
			return nil, fmt.Errorf("failed to seed settings: %w", err)
		}
		logger.Info("Runtime settings seeded from bootstrap defaults")
	default:
		return nil, fmt.Errorf("failed to load settings: %w", err)
	}

	return s, nil
}

// Get returns the current settings snapshot.
func (s *SettingsStore) Get() Settings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// OnChange registers fn to run after every applied settings change,
// including watcher-triggered reloads. Callbacks run synchronously
// under the update path.
func (s *SettingsStore) OnChange(fn func(Settings)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onChange = append(s.onChange, fn)
}

// Validate decodes and validates a settings payload without persisting
// it. Unknown fields are reported as errors.
func (s *SettingsStore) Validate(raw []byte) *ValidationResult {
	merged, err := s.merged(raw)
	if err != nil {
		return &ValidationResult{
			Valid:    false,
			Errors:   []string{err.Error()},
			Warnings: []string{},
		}
	}
	return merged.Validate()
}

// Update applies a partial settings payload: unknown fields are
// rejected, provided fields merge over the current values, and the
// result must validate before it is persisted. Returns the applied
// settings and the validation result; on validation failure the error
// wraps ErrSettingsInvalid and nothing is persisted.
func (s *SettingsStore) Update(raw []byte) (*Settings, *ValidationResult, error) {
	merged, err := s.merged(raw)
	if err != nil {
		result := &ValidationResult{
			Valid:    false,
			Errors:   []string{err.Error()},
			Warnings: []string{},
		}
		return nil, result, fmt.Errorf("%w: %v", ErrSettingsInvalid, err)
	}

	result := merged.Validate()
	if !result.Valid {
		return nil, result, fmt.Errorf("%w: %v", ErrSettingsInvalid, result.Errors)
	}

	if err := s.store.Save(settingsKind, settingsKey, merged); err != nil {
		return nil, result, fmt.Errorf("failed to persist settings: %w", err)
	}

	s.apply(merged)
	s.logger.Info("Runtime settings updated",
		"max_concurrent_workers", merged.MaxConcurrentWorkers,
		"message_queue_type", merged.MessageQueueType)

	return &merged, result, nil
}

// Reload re-reads state/config.json, applying it if it differs from
// the in-memory copy. Used by the file watcher and the auto-refresh
// ticker; external edits that fail validation are ignored with a
// warning.
func (s *SettingsStore) Reload() (bool, error) {
	var persisted Settings
	if err := s.store.Load(settingsKind, settingsKey, &persisted); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("failed to reload settings: %w", err)
	}

	s.mu.RLock()
	unchanged := persisted == s.current
	s.mu.RUnlock()
	if unchanged {
		return false, nil
	}

	if result := persisted.Validate(); !result.Valid {
		s.logger.Warn("Ignoring invalid settings on disk", "errors", result.Errors)
		return false, nil
	}

	s.apply(persisted)
	s.logger.Info("Runtime settings reloaded from disk")
	return true, nil
}

// merged decodes raw strictly and merges it over the current settings.
func (s *SettingsStore) merged(raw []byte) (Settings, error) {
	var patch Settings
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&patch); err != nil {
		return Settings{}, fmt.Errorf("invalid settings payload: %v", err)
	}

	merged := s.Get()
	if err := mergo.Merge(&merged, patch, mergo.WithOverride); err != nil {
		return Settings{}, fmt.Errorf("failed to merge settings: %v", err)
	}
	return merged, nil
}

func (s *SettingsStore) apply(next Settings) {
	s.mu.Lock()
	s.current = next
	callbacks := make([]func(Settings), len(s.onChange))
	copy(callbacks, s.onChange)
	s.mu.Unlock()

	for _, fn := range callbacks {
		fn(next)
	}
}
