package lifecycle

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"entitle/internal/types"
)

func TestNextSubscriptionStatus_LegalTransitions(t *testing.T) {
	tests := []struct {
		name  string
		from  types.SubscriptionStatus
		event types.TransitionEvent
		want  types.SubscriptionStatus
	}{
		{"pending pays", types.SubPending, types.EventPaymentConfirmed, types.SubPaid},
		{"paid approved", types.SubPaid, types.EventAdminApproved, types.SubApproved},
		{"paid rejected", types.SubPaid, types.EventAdminRejected, types.SubRejected},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NextSubscriptionStatus(tt.from, tt.event)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNextSubscriptionStatus_IllegalPairsAllRejected(t *testing.T) {
	legal := map[types.SubscriptionStatus]map[types.TransitionEvent]bool{
		types.SubPending: {types.EventPaymentConfirmed: true},
		types.SubPaid:    {types.EventAdminApproved: true, types.EventAdminRejected: true},
	}

	states := []types.SubscriptionStatus{
		types.SubPending, types.SubPaid, types.SubApproved, types.SubRejected, types.SubExpired,
	}
	events := []types.TransitionEvent{
		types.EventPaymentConfirmed, types.EventAdminApproved,
		types.EventAdminRejected, types.EventAdminCancelled,
	}

	for _, from := range states {
		for _, event := range events {
			if legal[from][event] {
				continue
			}
			_, err := NextSubscriptionStatus(from, event)
			require.Error(t, err, "expected %s + %s to be rejected", from, event)

			var appErr *types.AppError
			require.True(t, errors.As(err, &appErr))
			assert.Equal(t, types.ErrCodeConflictInvalidTransition, appErr.Code)
		}
	}
}

func TestNextDueStatus(t *testing.T) {
	got, err := NextDueStatus(types.DuePending, types.EventPaymentConfirmed)
	require.NoError(t, err)
	assert.Equal(t, types.DuePaid, got)

	got, err = NextDueStatus(types.DuePending, types.EventAdminCancelled)
	require.NoError(t, err)
	assert.Equal(t, types.DueCancelled, got)

	// PAID and CANCELLED are terminal.
	for _, from := range []types.DueStatus{types.DuePaid, types.DueCancelled} {
		for _, event := range []types.TransitionEvent{
			types.EventPaymentConfirmed, types.EventAdminCancelled, types.EventAdminApproved,
		} {
			_, err := NextDueStatus(from, event)
			require.Error(t, err, "expected %s + %s to be rejected", from, event)

			var appErr *types.AppError
			require.True(t, errors.As(err, &appErr))
			assert.Equal(t, types.ErrCodeConflictInvalidTransition, appErr.Code)
		}
	}
}

func TestEffectiveSubscriptionStatus(t *testing.T) {
	end := time.Date(2025, 4, 10, 0, 0, 0, 0, time.UTC)
	sub := &types.CatalogSubscription{
		Status:    types.SubApproved,
		ActiveEnd: &end,
	}

	// Inside the window the stored status stands.
	now := time.Date(2025, 4, 10, 0, 0, 0, 0, time.UTC)
	assert.Equal(t, types.SubApproved, EffectiveSubscriptionStatus(sub, now))

	// Advancing the clock past the window flips the projection without
	// any write.
	now = time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC)
	assert.Equal(t, types.SubExpired, EffectiveSubscriptionStatus(sub, now))
	assert.Equal(t, types.SubApproved, sub.Status, "stored status must not change")

	// Non-approved statuses never project to EXPIRED.
	sub.Status = types.SubPaid
	assert.Equal(t, types.SubPaid, EffectiveSubscriptionStatus(sub, now))

	// Approved with no window yet stays APPROVED.
	sub.Status = types.SubApproved
	sub.ActiveEnd = nil
	assert.Equal(t, types.SubApproved, EffectiveSubscriptionStatus(sub, now))
}

func TestEffectiveDueStatus(t *testing.T) {
	due := &types.Due{
		Status:  types.DuePending,
		DueDate: time.Date(2025, 3, 31, 0, 0, 0, 0, time.UTC),
	}

	before := time.Date(2025, 3, 31, 0, 0, 0, 0, time.UTC)
	assert.Equal(t, types.DuePending, EffectiveDueStatus(due, before))

	after := time.Date(2025, 4, 1, 0, 0, 0, 0, time.UTC)
	assert.Equal(t, types.DueOverdue, EffectiveDueStatus(due, after))
	assert.Equal(t, types.DuePending, due.Status, "stored status must not change")

	// PAID and CANCELLED are not subject to the overdue projection.
	due.Status = types.DuePaid
	assert.Equal(t, types.DuePaid, EffectiveDueStatus(due, after))
	due.Status = types.DueCancelled
	assert.Equal(t, types.DueCancelled, EffectiveDueStatus(due, after))
}
