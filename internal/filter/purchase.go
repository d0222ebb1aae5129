package filter

import (
	"time"

	"github.com/dyluth/magicclub/pkg/loyalty"
)

// Criteria narrows a page of purchases locally.
// All filters are ANDed together - a purchase must match ALL criteria to pass.
type Criteria struct {
	Since    time.Time              // zero = no lower bound
	Until    time.Time              // zero = no upper bound
	Status   loyalty.PurchaseStatus // empty = any status
	ClientID string                 // empty = any client
}

// Matches returns true if the purchase matches all filter criteria.
func (c *Criteria) Matches(p *loyalty.Purchase) bool {
	if !c.Since.IsZero() && p.CreatedAt.Before(c.Since) {
		return false
	}
	if !c.Until.IsZero() && p.CreatedAt.After(c.Until) {
		return false
	}
	if c.Status != "" && p.Status != c.Status {
		return false
	}
	if c.ClientID != "" && p.ClientID != c.ClientID {
		return false
	}
	return true
}

// HasFilters returns true if any filters are active.
func (c *Criteria) HasFilters() bool {
	return !c.Since.IsZero() || !c.Until.IsZero() || c.Status != "" || c.ClientID != ""
}

// Purchases returns the purchases matching c, preserving order.
func (c *Criteria) Purchases(in []loyalty.Purchase) []loyalty.Purchase {
	if !c.HasFilters() {
		return in
	}
	out := make([]loyalty.Purchase, 0, len(in))
	for i := range in {
		if c.Matches(&in[i]) {
			out = append(out, in[i])
		}
	}
	return out
}
