package retry

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kawanishi0117/agent-company-sub006/pkg/models"
	"github.com/kawanishi0117/agent-company-sub006/pkg/store"
)

// errorLineRe is the stable errors.log record shape.
var errorLineRe = regexp.MustCompile(`^\[\d{4}-\d{2}-\d{2}T[^\]]+\] \[[A-Z_]+_ERROR\] \[(RECOVERABLE|FATAL)\] `)

// fastPolicy keeps backoff in the microsecond range so exhaustion
// tests stay quick.
func fastPolicy() Policy {
	return Policy{
		MaxRetries:        3,
		InitialDelay:      time.Microsecond,
		BackoffMultiplier: 2.0,
		MaxDelay:          4 * time.Microsecond,
	}
}

func newTestEngine(t *testing.T, opts ...Option) (*Engine, *store.Store) {
	t.Helper()
	st, err := store.New(t.TempDir())
	require.NoError(t, err)
	opts = append([]Option{WithPolicy(fastPolicy())}, opts...)
	return New(st, opts...), st
}

func errorLogLines(t *testing.T, st *store.Store, runID string) []string {
	t.Helper()
	text, err := st.ReadLog("runs", runID+"/errors")
	require.NoError(t, err)
	if text == "" {
		return nil
	}
	return strings.Split(strings.TrimRight(text, "\n"), "\n")
}

func TestDefaultPolicyDelaySequence(t *testing.T) {
	p := DefaultPolicy()

	assert.Equal(t, time.Second, p.Delay(0))
	assert.Equal(t, 2*time.Second, p.Delay(1))
	assert.Equal(t, 4*time.Second, p.Delay(2))
	assert.Equal(t, 4*time.Second, p.Delay(3), "past the cap every delay clamps to MaxDelay")
	assert.Equal(t, 4*time.Second, p.Delay(10))
}

func TestDelayMonotonicallyNonDecreasing(t *testing.T) {
	policies := []Policy{
		DefaultPolicy(),
		{MaxRetries: 8, InitialDelay: 250 * time.Millisecond, BackoffMultiplier: 1.5, MaxDelay: 3 * time.Second},
		{MaxRetries: 5, InitialDelay: time.Second, BackoffMultiplier: 1.0, MaxDelay: time.Second},
	}
	for _, p := range policies {
		prev := time.Duration(0)
		for n := 0; n <= p.MaxRetries+2; n++ {
			d := p.Delay(n)
			assert.GreaterOrEqual(t, d, prev, "delay(%d) regressed", n)
			assert.LessOrEqual(t, d, p.MaxDelay)
			prev = d
		}
	}
}

func TestWithRetrySucceedsFirstAttempt(t *testing.T) {
	e, st := newTestEngine(t)

	res := e.WithRetry(context.Background(), func(ctx context.Context) (any, error) {
		return "done", nil
	}, OpContext{RunID: "wf-1", AgentID: "worker_developer_1", Operation: "implement"})

	assert.True(t, res.Success)
	assert.Equal(t, "done", res.Value)
	assert.Equal(t, 1, res.Attempts)
	assert.Empty(t, res.ErrorHistory)
	assert.Empty(t, errorLogLines(t, st, "wf-1"))
}

func TestWithRetryRecoversAfterTransientFailures(t *testing.T) {
	e, st := newTestEngine(t)

	calls := 0
	res := e.WithRetry(context.Background(), func(ctx context.Context) (any, error) {
		calls++
		if calls < 3 {
			return nil, fmt.Errorf("tool call rejected (attempt %d)", calls)
		}
		return calls, nil
	}, OpContext{RunID: "wf-2", AgentID: "worker_developer_1", Operation: "implement"})

	assert.True(t, res.Success)
	assert.Equal(t, 3, res.Attempts)
	assert.Len(t, res.ErrorHistory, 2)

	lines := errorLogLines(t, st, "wf-2")
	require.Len(t, lines, 2)
	for _, line := range lines {
		assert.Regexp(t, errorLineRe, line)
		assert.Contains(t, line, "[TOOL_CALL_ERROR] [RECOVERABLE]")
	}
}

func TestWithRetryExhaustionEscalatesOnce(t *testing.T) {
	var escalations []models.EscalationPayload
	e, st := newTestEngine(t, WithEscalationHandler(func(ctx context.Context, esc models.EscalationPayload) {
		escalations = append(escalations, esc)
	}))

	res := e.WithRetry(context.Background(), func(ctx context.Context) (any, error) {
		return nil, errors.New("Connection refused")
	}, OpContext{RunID: "wf-3", AgentID: "worker_developer_1", Operation: "implement"})

	assert.False(t, res.Success)
	assert.Equal(t, 4, res.Attempts, "3 retries on top of the first attempt")
	assert.Len(t, res.ErrorHistory, 4)

	var exhausted *ExhaustedError
	require.ErrorAs(t, res.Err, &exhausted)
	assert.Equal(t, CategoryAIConnection, exhausted.Category)
	assert.Equal(t, 4, exhausted.Attempts)

	require.Len(t, escalations, 1)
	assert.Equal(t, "wf-3", escalations[0].RunID)
	assert.Equal(t, "worker_developer_1", escalations[0].AgentID)
	assert.Equal(t, "ai_connection", escalations[0].Category)
	assert.Equal(t, 4, escalations[0].Attempts)

	lines := errorLogLines(t, st, "wf-3")
	var records, fatals int
	for _, line := range lines {
		if strings.HasPrefix(line, "  ") {
			continue // Stack continuation
		}
		records++
		assert.Regexp(t, errorLineRe, line)
		if strings.Contains(line, "[FATAL]") {
			fatals++
			assert.Contains(t, line, "[AI_CONNECTION_ERROR]")
		}
	}
	assert.GreaterOrEqual(t, records, 4)
	assert.Equal(t, 1, fatals)
}

func TestWithRetryStopsOnContextCancel(t *testing.T) {
	var escalated bool
	e, _ := newTestEngine(t,
		WithPolicy(Policy{MaxRetries: 5, InitialDelay: time.Hour, BackoffMultiplier: 2.0, MaxDelay: time.Hour}),
		WithEscalationHandler(func(ctx context.Context, esc models.EscalationPayload) {
			escalated = true
		}))

	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	go func() {
		// Cancel while the engine waits out the first backoff.
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	res := e.WithRetry(ctx, func(ctx context.Context) (any, error) {
		calls++
		return nil, errors.New("boom")
	}, OpContext{RunID: "wf-4", AgentID: "a", Operation: "op"})

	assert.False(t, res.Success)
	assert.ErrorIs(t, res.Err, context.Canceled)
	assert.Equal(t, 1, calls, "no further attempts after cancellation")
	assert.False(t, escalated, "cancellation is not exhaustion")
}

func TestWithRetryAttemptTimeout(t *testing.T) {
	p := fastPolicy()
	p.AttemptTimeout = 10 * time.Millisecond
	e, _ := newTestEngine(t, WithPolicy(p))

	res := e.WithRetry(context.Background(), func(ctx context.Context) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}, OpContext{RunID: "wf-5", AgentID: "a", Operation: "op"})

	assert.False(t, res.Success)
	assert.Equal(t, 4, res.Attempts, "soft deadline fails the attempt, not the loop")

	var exhausted *ExhaustedError
	require.ErrorAs(t, res.Err, &exhausted)
	assert.Equal(t, CategoryTimeout, exhausted.Category)
}
