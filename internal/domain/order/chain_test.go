package order

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReconstructViewWithNothingToShow(t *testing.T) {
	expired := rec("A", ActionNew, "E1", activated("2024-01-01"), stopsOn("2024-02-01"))
	active := rec("B", ActionNew, "E1", activated("2024-01-01"))
	cfg := testConfig(ModeView, expired, active)

	plan := Reconstruct(cfg, "2024-06-01")

	assert.True(t, plan.NoOrders)
	assert.Empty(t, plan.Items())
	assert.False(t, plan.Fallback)
}

func TestReconstructPullsInPreviousEncounterOrder(t *testing.T) {
	a := rec("A", ActionNew, "E1", activated("2024-01-01"))
	b := rec("B", ActionRevise, "E2", activated("2024-06-01"), revises("A"))
	cfg := testConfig(ModeEntry, a, b)

	plan := Reconstruct(cfg, "2024-06-01")

	require.Len(t, plan.Sections, 2)

	// A is still active and unvoided, so it renders on its own as well.
	assert.Equal(t, SectionExisting, plan.Sections[0].Kind)
	require.Len(t, plan.Sections[0].Items, 1)
	assert.Equal(t, "A", plan.Sections[0].Current().Order.OrderID)
	assert.Empty(t, plan.Sections[0].Current().AllowedActions)

	second := plan.Sections[1]
	require.Len(t, second.Items, 2)
	assert.True(t, second.Items[0].IsPrevious)
	assert.Equal(t, "A", second.Items[0].Order.OrderID)
	assert.Empty(t, second.Items[0].AllowedActions)
	assert.False(t, second.Items[1].IsPrevious)
	assert.Equal(t, "B", second.Current().Order.OrderID)
	assert.Equal(t, []Action{ActionRevise, ActionDiscontinue}, second.Current().AllowedActions)
	assert.Equal(t, []EditKind{EditKindVoidAndEdit, EditKindVoid}, second.Current().EditKinds)
}

func TestReconstructSameEncounterChainRendersOnce(t *testing.T) {
	a := rec("A", ActionNew, "E2", activated("2024-06-01"))
	b := rec("B", ActionRevise, "E2", activated("2024-06-01"), revises("A"))
	cfg := testConfig(ModeEntry, a, b)

	plan := Reconstruct(cfg, "2024-06-01")

	require.Len(t, plan.Sections, 2)
	assert.Equal(t, SectionNew, plan.Sections[0].Kind)
	assert.Len(t, plan.Sections[0].Items, 1)
	assert.Empty(t, plan.Sections[0].Current().AllowedActions)
	assert.Equal(t, SectionExisting, plan.Sections[1].Kind)
	assert.Len(t, plan.Sections[1].Items, 1)

	ids := make([]string, 0)
	for _, item := range plan.Items() {
		ids = append(ids, item.Order.OrderID)
	}
	assert.Equal(t, []string{"A", "B"}, ids)
}

func TestReconstructMissingPreviousOrder(t *testing.T) {
	b := rec("B", ActionRevise, "E2", activated("2024-06-01"), revises("ghost"))
	cfg := testConfig(ModeEntry, b)

	plan := Reconstruct(cfg, "2024-06-01")

	require.Len(t, plan.Sections, 1)
	assert.Len(t, plan.Sections[0].Items, 1)
	require.Len(t, plan.Diagnostics, 1)
	assert.Equal(t, DiagMissingPrevious, plan.Diagnostics[0].Code)
	assert.Equal(t, "B", plan.Diagnostics[0].OrderID)
}

func TestReconstructFallsBackToLastActive(t *testing.T) {
	first := rec("A", ActionNew, "E1", activated("2024-01-01"), stoppedOn("2024-02-01"))
	second := rec("B", ActionNew, "E1", activated("2024-03-01"), stoppedOn("2024-04-01"))
	cfg := testConfig(ModeEntry, second, first)

	plan := Reconstruct(cfg, "2024-06-01")

	assert.True(t, plan.Fallback)
	assert.False(t, plan.NoOrders)
	require.Len(t, plan.Sections, 1)
	assert.Equal(t, "A", plan.Sections[0].Current().Order.OrderID, "last in stored order, not latest date")
}

func TestReconstructEmptyHistory(t *testing.T) {
	plan := Reconstruct(testConfig(ModeEntry), "2024-06-01")

	assert.True(t, plan.NoOrders)
	assert.NotNil(t, plan.Sections)
	assert.Empty(t, plan.Diagnostics)
}

func TestReconstructMarksActivity(t *testing.T) {
	placed := rec("A", ActionNew, "E2", activated("2024-07-01"))
	cfg := testConfig(ModeEdit, placed)

	plan := Reconstruct(cfg, "2024-06-01")

	require.Len(t, plan.Items(), 1)
	item := plan.Items()[0]
	assert.False(t, item.IsActive)
	assert.True(t, item.InCurrentEncounter)
	assert.Equal(t, ModeEdit, plan.Mode)
	assert.Equal(t, Date("2024-06-01"), plan.EncounterDate)
}
