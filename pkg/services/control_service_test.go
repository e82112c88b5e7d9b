package services

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kawanishi0117/agent-company-sub006/pkg/models"
	"github.com/kawanishi0117/agent-company-sub006/pkg/queue"
)

func TestControlServicePauseResume(t *testing.T) {
	f := newFixture(t)
	svc := NewControlService(f.pool, f.prober, f.logger())

	svc.Pause()
	assert.True(t, svc.Health().Paused)

	svc.Resume()
	assert.False(t, svc.Health().Paused)
}

func TestControlServiceEmergencyStop(t *testing.T) {
	f := newFixture(t)
	svc := NewControlService(f.pool, f.prober, f.logger())

	wf := f.saveWorkflow(&models.Workflow{Phase: models.PhaseDevelopment})
	require.NoError(t, f.pool.Enqueue(wf.WorkflowID))

	stopped := svc.EmergencyStop(context.Background())
	assert.Equal(t, 1, stopped)
	assert.True(t, svc.Health().EmergencyStopped)

	persisted := f.reload(wf.WorkflowID)
	assert.Equal(t, models.StatusTerminated, persisted.Status)

	assert.ErrorIs(t, f.pool.Enqueue("another"), queue.ErrEmergencyStopped)

	svc.Resume()
	assert.False(t, svc.Health().EmergencyStopped)
}

func TestControlServiceAIHealth(t *testing.T) {
	f := newFixture(t)
	svc := NewControlService(f.pool, f.prober, f.logger())

	result := svc.AIHealth(context.Background())
	require.NotNil(t, result)
	assert.True(t, result.Available)

	f.driver.SetAvailabilityError(errors.New("adapter offline"))
	result = svc.AIHealth(context.Background())
	assert.False(t, result.Available)
	assert.NotEmpty(t, result.SetupHints)
}
