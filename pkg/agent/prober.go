package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/sony/gobreaker"
)

// ErrUnavailable indicates no AI capability can accept work right now.
var ErrUnavailable = errors.New("no AI capability available")

// ProbeStatus is the per-capability availability verdict.
type ProbeStatus struct {
	Available bool   `json:"available"`
	Detail    string `json:"detail,omitempty"`
}

// ProbeResult is the /health/ai breakdown.
type ProbeResult struct {
	Available    bool                   `json:"available"`
	LocalLLM     ProbeStatus            `json:"localLlm"`
	CodingAgents map[string]ProbeStatus `json:"codingAgents,omitempty"`
	SetupHints   []string               `json:"setupHints,omitempty"`
	CheckedAt    time.Time              `json:"checkedAt"`
}

// ProberConfig configures the availability prober.
type ProberConfig struct {
	// Endpoint is the local LLM health URL. When empty the default
	// driver's Available check is used instead.
	Endpoint string

	// Driver is the default driver probed when Endpoint is empty.
	Driver Driver

	// CodingAgents are the registered plugins; any available one makes
	// the system available.
	CodingAgents *CodingAgentRegistry

	// CacheTTL bounds how long a probe verdict is reused. Default 5s.
	CacheTTL time.Duration

	// TripAfter is the consecutive-failure count that opens the
	// breaker. Default 3.
	TripAfter uint32

	// BreakerTimeout is how long the breaker stays open before a
	// half-open retry. Default 30s.
	BreakerTimeout time.Duration

	HTTPClient *http.Client
	Logger     *slog.Logger
}

// Prober gates task admission on AI availability. Probes run through a
// circuit breaker so a dead adapter is not hammered on every request,
// and verdicts are cached for a short TTL. Expired cache entries are
// refreshed lazily on Probe — no background goroutine.
type Prober struct {
	cfg     ProberConfig
	breaker *gobreaker.CircuitBreaker
	logger  *slog.Logger

	mu       sync.Mutex
	cached   *ProbeResult
	cachedAt time.Time

	now func() time.Time
}

// NewProber creates a prober from cfg, applying defaults.
func NewProber(cfg ProberConfig) *Prober {
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 5 * time.Second
	}
	if cfg.TripAfter == 0 {
		cfg.TripAfter = 3
	}
	if cfg.BreakerTimeout <= 0 {
		cfg.BreakerTimeout = 30 * time.Second
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 5 * time.Second}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	p := &Prober{cfg: cfg, logger: logger, now: time.Now}
	p.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "ai-availability",
		MaxRequests: 1,
		Timeout:     cfg.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.TripAfter
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("availability breaker state change",
				"breaker", name, "from", from.String(), "to", to.String())
		},
	})
	return p
}

// Probe returns the availability breakdown, reusing a fresh cached
// verdict when one exists.
func (p *Prober) Probe(ctx context.Context) *ProbeResult {
	p.mu.Lock()
	if p.cached != nil && p.now().Sub(p.cachedAt) < p.cfg.CacheTTL {
		cached := p.cached
		p.mu.Unlock()
		return cached
	}
	p.mu.Unlock()

	result := p.probeThroughBreaker(ctx)

	p.mu.Lock()
	p.cached = result
	p.cachedAt = p.now()
	p.mu.Unlock()
	return result
}

// Check is the admission gate: nil when some capability is available.
func (p *Prober) Check(ctx context.Context) (*ProbeResult, error) {
	result := p.Probe(ctx)
	if !result.Available {
		return result, ErrUnavailable
	}
	return result, nil
}

// Invalidate drops the cached verdict so the next Probe hits the
// capabilities again.
func (p *Prober) Invalidate() {
	p.mu.Lock()
	p.cached = nil
	p.mu.Unlock()
}

func (p *Prober) probeThroughBreaker(ctx context.Context) *ProbeResult {
	v, err := p.breaker.Execute(func() (any, error) {
		result := p.probe(ctx)
		if !result.Available {
			return result, ErrUnavailable
		}
		return result, nil
	})
	if result, ok := v.(*ProbeResult); ok {
		return result
	}
	// Breaker is open: no probe ran.
	result := &ProbeResult{
		Available: false,
		LocalLLM:  ProbeStatus{Available: false, Detail: "skipped: availability circuit open"},
		SetupHints: []string{
			"availability checks are suspended after repeated failures; they resume automatically",
		},
		CheckedAt: p.now().UTC(),
	}
	if err != nil && !errors.Is(err, gobreaker.ErrOpenState) && !errors.Is(err, gobreaker.ErrTooManyRequests) {
		result.LocalLLM.Detail = err.Error()
	}
	return result
}

// probe performs one real availability sweep.
func (p *Prober) probe(ctx context.Context) *ProbeResult {
	result := &ProbeResult{CheckedAt: p.now().UTC()}

	result.LocalLLM = p.probeLocalLLM(ctx)
	if p.cfg.CodingAgents != nil {
		result.CodingAgents = make(map[string]ProbeStatus)
		for name, probeErr := range p.cfg.CodingAgents.Availability(ctx) {
			status := ProbeStatus{Available: probeErr == nil}
			if probeErr != nil {
				status.Detail = probeErr.Error()
			}
			result.CodingAgents[name] = status
		}
	}

	result.Available = result.LocalLLM.Available
	for _, status := range result.CodingAgents {
		if status.Available {
			result.Available = true
			break
		}
	}
	if !result.Available {
		result.SetupHints = p.setupHints(result)
	}
	return result
}

func (p *Prober) probeLocalLLM(ctx context.Context) ProbeStatus {
	if p.cfg.Endpoint != "" {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.cfg.Endpoint, nil)
		if err != nil {
			return ProbeStatus{Available: false, Detail: err.Error()}
		}
		resp, err := p.cfg.HTTPClient.Do(req)
		if err != nil {
			return ProbeStatus{Available: false, Detail: err.Error()}
		}
		defer resp.Body.Close()
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			return ProbeStatus{Available: false, Detail: fmt.Sprintf("endpoint returned %d", resp.StatusCode)}
		}
		return ProbeStatus{Available: true, Detail: p.cfg.Endpoint}
	}
	if p.cfg.Driver != nil {
		if err := p.cfg.Driver.Available(ctx); err != nil {
			return ProbeStatus{Available: false, Detail: err.Error()}
		}
		return ProbeStatus{Available: true, Detail: p.cfg.Driver.Name()}
	}
	return ProbeStatus{Available: false, Detail: "no local LLM configured"}
}

func (p *Prober) setupHints(result *ProbeResult) []string {
	var hints []string
	if p.cfg.Endpoint == "" && p.cfg.Driver == nil {
		hints = append(hints, "configure agents.localLlmEndpoint in config/agentco.yaml or register a coding agent")
	} else if p.cfg.Endpoint != "" {
		hints = append(hints, fmt.Sprintf("check that the local LLM endpoint %s is reachable", p.cfg.Endpoint))
	} else {
		hints = append(hints, fmt.Sprintf("check the %s adapter connection", p.cfg.Driver.Name()))
	}
	if p.cfg.CodingAgents != nil {
		for _, name := range p.cfg.CodingAgents.Names() {
			if status, ok := result.CodingAgents[name]; ok && !status.Available {
				hints = append(hints, fmt.Sprintf("verify coding agent %q is installed and authenticated", name))
			}
		}
	}
	return hints
}
