package order

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFoldOrderableNoHistory(t *testing.T) {
	cfg := testConfig(ModeEntry)
	view := FoldOrderable(cfg, Orderable{ConceptID: "C1"}, "2024-06-01")

	assert.True(t, view.NoOrders)
	assert.Nil(t, view.LastRendered)
	assert.Equal(t, []Action{ActionNew}, view.AllowedActions)
}

func TestFoldOrderableCurrentEncounter(t *testing.T) {
	a := rec("A", ActionNew, "E1", activated("2024-01-01"), started("2024-01-01"))
	b := rec("B", ActionRevise, "E2", activated("2024-06-01"), started("2024-06-01"), revises("A"))
	c := rec("C", ActionDiscontinue, "E2", activated("2024-06-01"), started("2024-06-01"), stopsOn("2024-06-01"), revises("B"))
	cfg := testConfig(ModeEntry)

	view := FoldOrderable(cfg, Orderable{ConceptID: "C1", History: History{a, b, c}}, "2024-06-01")

	ids := make([]string, 0, len(view.Items))
	for _, item := range view.Items {
		ids = append(ids, item.Order.OrderID)
	}
	assert.Equal(t, []string{"A", "B", "C"}, ids)
	require.NotNil(t, view.LastRendered)
	assert.Equal(t, "C", view.LastRendered.OrderID)
	require.NotNil(t, view.LastInEncounter)
	assert.Equal(t, "C", view.LastInEncounter.OrderID)
	assert.False(t, view.NoOrders)
	assert.Equal(t, []Action{ActionNew}, view.AllowedActions)
}

func TestFoldOrderableFallback(t *testing.T) {
	old := rec("A", ActionNew, "E1", activated("2024-01-01"), started("2024-01-01"))
	cfg := testConfig(ModeEntry)

	view := FoldOrderable(cfg, Orderable{ConceptID: "C1", History: History{old}}, "2024-06-01")

	require.Len(t, view.Items, 1)
	require.NotNil(t, view.LastRendered)
	assert.Equal(t, "A", view.LastRendered.OrderID)
	assert.Nil(t, view.LastInEncounter)
	assert.Equal(t, []Action{ActionRevise, ActionRenew, ActionDiscontinue}, view.AllowedActions)
}

func TestFoldOrderableViewMode(t *testing.T) {
	old := rec("A", ActionNew, "E1", activated("2024-01-01"), started("2024-01-01"))
	cfg := testConfig(ModeView)

	view := FoldOrderable(cfg, Orderable{ConceptID: "C1", History: History{old}}, "2024-06-01")

	assert.True(t, view.NoOrders)
	assert.Empty(t, view.AllowedActions)
}

func TestFoldOrderableMissingPrevious(t *testing.T) {
	b := rec("B", ActionRevise, "E2", activated("2024-06-01"), started("2024-06-01"), revises("gone"))
	cfg := testConfig(ModeEntry)

	view := FoldOrderable(cfg, Orderable{ConceptID: "C1", History: History{b}}, "2024-06-01")

	require.Len(t, view.Items, 1)
	require.Len(t, view.Diagnostics, 1)
	assert.Equal(t, DiagMissingPrevious, view.Diagnostics[0].Code)
}

func TestFoldOrderables(t *testing.T) {
	cfg := testConfig(ModeEntry)
	cfg.Orderables = []Orderable{
		{ConceptID: "C1"},
		{ConceptID: "C2", History: History{rec("A", ActionNew, "E2", started("2024-06-01"))}},
	}

	views := FoldOrderables(cfg, "2024-06-01")

	require.Len(t, views, 2)
	assert.Equal(t, "C1", views[0].ConceptID)
	assert.True(t, views[0].NoOrders)
	assert.Equal(t, "C2", views[1].ConceptID)
	assert.Equal(t, []Action{ActionRevise, ActionDiscontinue}, views[1].AllowedActions)
}
