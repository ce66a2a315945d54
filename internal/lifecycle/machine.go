// Package lifecycle holds the pure domain logic of the entitlement engine:
// the status state machines for both entitlement kinds and the calendar
// arithmetic for validity windows and due dates. It has no dependencies on
// storage or transport so every rule is testable in isolation.
package lifecycle

import (
	"time"

	"entitle/internal/types"
)

// subscriptionTransitions is the closed transition table for catalog
// subscriptions. EXPIRED does not appear here: it is a read-time projection
// over APPROVED, never the result of an event.
var subscriptionTransitions = map[types.SubscriptionStatus]map[types.TransitionEvent]types.SubscriptionStatus{
	types.SubPending: {
		types.EventPaymentConfirmed: types.SubPaid,
	},
	types.SubPaid: {
		types.EventAdminApproved: types.SubApproved,
		types.EventAdminRejected: types.SubRejected,
	},
}

// dueTransitions is the closed transition table for dues. Cancellation is
// allowed from PENDING only; because OVERDUE is a projection over PENDING,
// this also covers cancelling an overdue record.
var dueTransitions = map[types.DueStatus]map[types.TransitionEvent]types.DueStatus{
	types.DuePending: {
		types.EventPaymentConfirmed: types.DuePaid,
		types.EventAdminCancelled:   types.DueCancelled,
	},
}

// NextSubscriptionStatus validates an event against the subscription
// transition table and returns the target status. Illegal pairs return a
// conflict_invalid_transition error and imply no state change.
func NextSubscriptionStatus(from types.SubscriptionStatus, event types.TransitionEvent) (types.SubscriptionStatus, error) {
	if to, ok := subscriptionTransitions[from][event]; ok {
		return to, nil
	}
	return "", types.NewAppErrorWithDetails(
		types.ErrCodeConflictInvalidTransition,
		"subscription transition not allowed from current status",
		nil,
		map[string]any{"from": string(from), "event": string(event)},
	)
}

// NextDueStatus validates an event against the due transition table and
// returns the target status.
func NextDueStatus(from types.DueStatus, event types.TransitionEvent) (types.DueStatus, error) {
	if to, ok := dueTransitions[from][event]; ok {
		return to, nil
	}
	return "", types.NewAppErrorWithDetails(
		types.ErrCodeConflictInvalidTransition,
		"due transition not allowed from current status",
		nil,
		map[string]any{"from": string(from), "event": string(event)},
	)
}

// EffectiveSubscriptionStatus projects the stored status to its read-time
// value: an APPROVED subscription whose active window has passed reads as
// EXPIRED. Deriving this here, instead of rewriting rows from a scheduled
// job, keeps the listed status correct without any background writes.
func EffectiveSubscriptionStatus(sub *types.CatalogSubscription, now time.Time) types.SubscriptionStatus {
	if sub.Status == types.SubApproved && sub.ActiveEnd != nil && now.After(*sub.ActiveEnd) {
		return types.SubExpired
	}
	return sub.Status
}

// EffectiveDueStatus projects the stored status to its read-time value: a
// PENDING due past its due date reads as OVERDUE.
func EffectiveDueStatus(due *types.Due, now time.Time) types.DueStatus {
	if due.Status == types.DuePending && now.After(due.DueDate) {
		return types.DueOverdue
	}
	return due.Status
}
