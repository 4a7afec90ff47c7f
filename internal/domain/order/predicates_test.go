package order

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsActive(t *testing.T) {
	tests := []struct {
		name   string
		order  Record
		onDate Date
		want   bool
	}{
		{
			name:   "open order after activation",
			order:  rec("A", ActionNew, "E1", activated("2024-01-01")),
			onDate: "2024-06-01",
			want:   true,
		},
		{
			name:   "before activation",
			order:  rec("A", ActionNew, "E1", activated("2024-01-01")),
			onDate: "2023-12-31",
			want:   false,
		},
		{
			name:   "activation day",
			order:  rec("A", ActionNew, "E1", activated("2024-01-01")),
			onDate: "2024-01-01",
			want:   true,
		},
		{
			name:   "stop date is exclusive",
			order:  rec("A", ActionNew, "E1", activated("2024-01-01"), stopsOn("2024-03-01")),
			onDate: "2024-03-01",
			want:   false,
		},
		{
			name:   "day before stop",
			order:  rec("A", ActionNew, "E1", activated("2024-01-01"), stopsOn("2024-03-01")),
			onDate: "2024-02-29",
			want:   true,
		},
		{
			name:   "after stop",
			order:  rec("A", ActionNew, "E1", activated("2024-01-01"), stopsOn("2024-03-01")),
			onDate: "2024-04-01",
			want:   false,
		},
		{
			name:   "empty fields",
			order:  Record{},
			onDate: "2024-01-01",
			want:   true,
		},
		{
			name:   "administrative stop does not affect activity",
			order:  rec("A", ActionNew, "E1", activated("2024-01-01"), stoppedOn("2024-02-01")),
			onDate: "2024-06-01",
			want:   true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsActive(tt.order, tt.onDate))
		})
	}
}

func TestShouldRenderPreviousOrder(t *testing.T) {
	cfg := testConfig(ModeEntry)

	assert.False(t, ShouldRenderPreviousOrder(rec("A", ActionNew, "E2"), cfg))
	assert.False(t, ShouldRenderPreviousOrder(rec("A", ActionNew, "E1"), cfg))
	assert.False(t, ShouldRenderPreviousOrder(rec("B", ActionRevise, "E1", revises("A")), cfg))
	assert.True(t, ShouldRenderPreviousOrder(rec("B", ActionRevise, "E2", revises("A")), cfg))
}

func TestShouldRenderOrder(t *testing.T) {
	active := rec("A", ActionNew, "E1", activated("2024-01-01"))
	expired := rec("B", ActionNew, "E1", activated("2024-01-01"), stopsOn("2024-02-01"))
	voided := rec("C", ActionNew, "E1", activated("2024-01-01"), stoppedOn("2024-01-05"))
	current := rec("D", ActionNew, "E2", activated("2024-01-01"), stopsOn("2024-02-01"), stoppedOn("2024-01-05"))

	entry := testConfig(ModeEntry)
	view := testConfig(ModeView)
	on := Date("2024-06-01")

	assert.True(t, ShouldRenderOrder(active, entry, on))
	assert.False(t, ShouldRenderOrder(expired, entry, on))
	assert.False(t, ShouldRenderOrder(voided, entry, on))
	assert.True(t, ShouldRenderOrder(current, entry, on))

	assert.False(t, ShouldRenderOrder(active, view, on))
	assert.True(t, ShouldRenderOrder(current, view, on))
}

func TestDateTime(t *testing.T) {
	assert.True(t, Date("2024-02-29").Valid())
	assert.True(t, Date("2024-02-29T10:00:00.000-0500").Valid())
	assert.False(t, Date("2024-13-01").Valid())
	assert.False(t, Date("yesterday").Valid())

	_, err := Date("nope").Time()
	assert.ErrorIs(t, err, ErrInvalidDate)
}
