package filter

import (
	"testing"
	"time"

	"github.com/dyluth/magicclub/pkg/loyalty"
	"github.com/stretchr/testify/assert"
)

func TestCriteria_Matches(t *testing.T) {
	base := time.Date(2025, 10, 29, 12, 0, 0, 0, time.UTC)
	p := &loyalty.Purchase{ClientID: "c1", Status: loyalty.PurchaseActive, CreatedAt: base}

	tests := []struct {
		name     string
		criteria Criteria
		want     bool
	}{
		{"no filters", Criteria{}, true},
		{"since before", Criteria{Since: base.Add(-time.Hour)}, true},
		{"since after", Criteria{Since: base.Add(time.Hour)}, false},
		{"until after", Criteria{Until: base.Add(time.Hour)}, true},
		{"until before", Criteria{Until: base.Add(-time.Hour)}, false},
		{"status matches", Criteria{Status: loyalty.PurchaseActive}, true},
		{"status differs", Criteria{Status: loyalty.PurchaseUsed}, false},
		{"client matches", Criteria{ClientID: "c1"}, true},
		{"client differs", Criteria{ClientID: "c2"}, false},
		{"all must match", Criteria{ClientID: "c1", Status: loyalty.PurchaseUsed}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.criteria.Matches(p))
		})
	}
}

func TestCriteria_Purchases(t *testing.T) {
	in := []loyalty.Purchase{
		{ID: "p1", Status: loyalty.PurchaseActive},
		{ID: "p2", Status: loyalty.PurchaseUsed},
		{ID: "p3", Status: loyalty.PurchaseActive},
	}

	none := &Criteria{}
	assert.False(t, none.HasFilters())
	assert.Len(t, none.Purchases(in), 3)

	active := &Criteria{Status: loyalty.PurchaseActive}
	assert.True(t, active.HasFilters())
	got := active.Purchases(in)
	assert.Equal(t, []string{"p1", "p3"}, []string{got[0].ID, got[1].ID})
}
