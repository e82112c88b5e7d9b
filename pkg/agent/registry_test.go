package agent

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kawanishi0117/agent-company-sub006/pkg/models"
)

func TestDefaultRegistryRoster(t *testing.T) {
	r := DefaultRegistry()

	facilitator, ok := r.Get(FacilitatorID)
	require.True(t, ok)
	assert.Equal(t, RoleFacilitator, facilitator.Role)

	manager, ok := r.Get(ManagerID)
	require.True(t, ok)
	assert.Equal(t, RoleManager, manager.Role)

	authority, ok := r.Get(QualityAuthorityID)
	require.True(t, ok)
	assert.Equal(t, RoleQualityAuthority, authority.Role)

	workers := r.Workers()
	assert.Len(t, workers, 6, "one worker per worker type")
	for _, wt := range []models.WorkerType{
		models.WorkerTypeResearch, models.WorkerTypeDesign, models.WorkerTypeDesigner,
		models.WorkerTypeDeveloper, models.WorkerTypeTest, models.WorkerTypeReviewer,
	} {
		w, ok := r.WorkerFor(wt)
		require.True(t, ok, "missing worker for %s", wt)
		assert.Equal(t, WorkerID(wt), w.ID)
		assert.NotEmpty(t, w.Expertise)
	}
}

func TestRegisterRejectsDuplicates(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(Agent{ID: "a1", Role: RoleWorker}))
	assert.Error(t, r.Register(Agent{ID: "a1", Role: RoleWorker}))
	assert.Error(t, r.Register(Agent{Role: RoleWorker}), "empty id rejected")
}

func TestByExpertise(t *testing.T) {
	r := DefaultRegistry()

	testers := r.ByExpertise([]string{"testing"})
	require.Len(t, testers, 1)
	assert.Equal(t, WorkerID(models.WorkerTypeTest), testers[0].ID)

	// "quality" spans the authority, the tester, and the reviewer, in
	// registration order.
	quality := r.ByExpertise([]string{"quality"})
	require.Len(t, quality, 3)
	assert.Equal(t, QualityAuthorityID, quality[0].ID)

	assert.Empty(t, r.ByExpertise([]string{"astrology"}))
}

func TestAllPreservesRegistrationOrder(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(Agent{ID: "z"}))
	require.NoError(t, r.Register(Agent{ID: "a"}))
	require.NoError(t, r.Register(Agent{ID: "m"}))

	all := r.All()
	require.Len(t, all, 3)
	assert.Equal(t, "z", all[0].ID)
	assert.Equal(t, "a", all[1].ID)
	assert.Equal(t, "m", all[2].ID)
}
