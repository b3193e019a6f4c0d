package stats

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

// Mint totals are attributed to whoever minted, recorded in the minted audit
// entries. Holdings come from current owners and must never rewrite them:
// transferring a mint-root record away must not move its minted total.
func TestReconcileQueries_MintTotalsFollowTheMinter(t *testing.T) {
	assert.Contains(t, reconcileMintTotalsQuery, "FROM audit_entries")
	assert.Contains(t, reconcileMintTotalsQuery, "action = 'minted'")
	assert.Contains(t, reconcileMintTotalsQuery, "GROUP BY performed_by")
	assert.Contains(t, reconcileMintTotalsQuery, "details->>'carbon_amount'")
	assert.NotContains(t, reconcileMintTotalsQuery, "owner_id")
}

func TestReconcileQueries_HoldingsNeverTouchMintTotals(t *testing.T) {
	assert.Contains(t, reconcileHoldingsQuery, "GROUP BY owner_id")
	assert.NotContains(t, reconcileHoldingsQuery, "total_minted")
}

func TestNewReconciler_DefaultsSchedule(t *testing.T) {
	r := NewReconciler(nil, nil, "")
	assert.Equal(t, DefaultSchedule, r.schedule)

	r = NewReconciler(nil, nil, "*/5 * * * *")
	assert.True(t, strings.HasPrefix(r.schedule, "*/5"))
}
