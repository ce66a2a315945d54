// Package workflow implements the admin-facing payment and approval
// operations for entitlements. Every transition is validated against the
// lifecycle tables and committed through the store's compare-and-set update,
// so a guard violation or a lost race leaves the stored state untouched.
package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"entitle/internal/lifecycle"
	"entitle/internal/metrics"
	"entitle/internal/notify"
	"entitle/internal/types"
)

// EntitlementStore is the persistence contract the workflow needs. It is
// satisfied by db.EntitlementRepository.
type EntitlementStore interface {
	CreateSubscription(ctx context.Context, sub *types.CatalogSubscription) error
	GetSubscription(ctx context.Context, id string) (*types.CatalogSubscription, error)
	UpdateSubscriptionStatus(ctx context.Context, id string, expected, next types.SubscriptionStatus, patch *types.StatusPatch) error
	ListSubscriptionsByMember(ctx context.Context, memberID string) ([]*types.CatalogSubscription, error)

	GetDue(ctx context.Context, id string) (*types.Due, error)
	UpdateDueStatus(ctx context.Context, id string, expected, next types.DueStatus, patch *types.StatusPatch) error
	ListDues(ctx context.Context, year int, statuses []types.DueStatus, dueBefore *time.Time) ([]*types.Due, error)
}

// MemberReader provides member lookups for creation and notification.
type MemberReader interface {
	GetByID(ctx context.Context, id string) (*types.Member, error)
}

// PlanReader provides plan lookups for window computation.
type PlanReader interface {
	GetByID(ctx context.Context, id string) (*types.Plan, error)
}

// Service applies admin-initiated transitions on entitlements.
type Service struct {
	store      EntitlementStore
	members    MemberReader
	plans      PlanReader
	dispatcher notify.Dispatcher
	metrics    metrics.Recorder
	logger     *slog.Logger

	now func() time.Time // injected for tests
}

// NewService creates a workflow service.
func NewService(
	store EntitlementStore,
	members MemberReader,
	plans PlanReader,
	dispatcher notify.Dispatcher,
	recorder metrics.Recorder,
	logger *slog.Logger,
) *Service {
	if dispatcher == nil {
		dispatcher = notify.NopDispatcher{}
	}
	if recorder == nil {
		recorder = metrics.NopRecorder{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:      store,
		members:    members,
		plans:      plans,
		dispatcher: dispatcher,
		metrics:    recorder,
		logger:     logger,
		now:        time.Now,
	}
}

// CreateSubscription creates a PENDING catalog subscription for a member
// under a plan. The plan's duration is validated up front so a broken plan
// row surfaces at creation, not at approval time.
func (s *Service) CreateSubscription(ctx context.Context, memberID, planID, notes string) (*types.CatalogSubscription, error) {
	member, err := s.members.GetByID(ctx, memberID)
	if err != nil {
		return nil, err
	}

	plan, err := s.plans.GetByID(ctx, planID)
	if err != nil {
		return nil, err
	}
	if plan.DurationMonths < 1 {
		return nil, types.NewAppErrorWithDetails(
			types.ErrCodeValidationInvalidPlan,
			"plan duration must be at least one month",
			nil,
			map[string]any{"plan_id": plan.ID, "duration_months": plan.DurationMonths},
		)
	}

	sub := &types.CatalogSubscription{
		ID:       fmt.Sprintf("ent_%s", uuid.New().String()),
		MemberID: member.ID,
		PlanID:   plan.ID,
		Status:   types.SubPending,
		Notes:    notes,
	}
	if err := s.store.CreateSubscription(ctx, sub); err != nil {
		return nil, err
	}
	return sub, nil
}

// GetSubscription returns a subscription with its read-time status applied.
func (s *Service) GetSubscription(ctx context.Context, id string) (*types.CatalogSubscription, error) {
	sub, err := s.store.GetSubscription(ctx, id)
	if err != nil {
		return nil, err
	}
	sub.Status = lifecycle.EffectiveSubscriptionStatus(sub, s.now())
	return sub, nil
}

// ListSubscriptions returns a member's subscriptions with read-time statuses
// applied, so an approved listing past its window reads EXPIRED without any
// write having happened.
func (s *Service) ListSubscriptions(ctx context.Context, memberID string) ([]*types.CatalogSubscription, error) {
	if _, err := s.members.GetByID(ctx, memberID); err != nil {
		return nil, err
	}

	subs, err := s.store.ListSubscriptionsByMember(ctx, memberID)
	if err != nil {
		return nil, err
	}

	now := s.now()
	for _, sub := range subs {
		sub.Status = lifecycle.EffectiveSubscriptionStatus(sub, now)
	}
	return subs, nil
}

// MarkSubscriptionPaid records payment on a PENDING subscription. The
// payment record is stamped exactly once, atomically with the transition.
func (s *Service) MarkSubscriptionPaid(ctx context.Context, id string, method types.PaymentMethod, receiptRef string) (*types.CatalogSubscription, error) {
	sub, err := s.store.GetSubscription(ctx, id)
	if err != nil {
		return nil, err
	}

	next, err := lifecycle.NextSubscriptionStatus(sub.Status, types.EventPaymentConfirmed)
	if err != nil {
		return nil, err
	}

	payment := &types.PaymentRecord{
		Method:     method,
		ReceiptRef: receiptRef,
		PaidAt:     s.now().UTC(),
	}
	err = s.store.UpdateSubscriptionStatus(ctx, id, sub.Status, next, &types.StatusPatch{Payment: payment})
	if err != nil {
		return nil, err
	}

	sub.Status = next
	sub.Payment = payment
	s.metrics.RecordTransition(ctx, types.KindCatalogSubscription, types.EventPaymentConfirmed)
	s.sendReceipt(ctx, sub.MemberID, sub.ID, types.KindCatalogSubscription)
	return sub, nil
}

// Approve activates a PAID subscription. When explicit dates are absent the
// active window is computed from the plan duration, anchored at the current
// date.
func (s *Service) Approve(ctx context.Context, id string, start, end *time.Time, notes string) (*types.CatalogSubscription, error) {
	sub, err := s.store.GetSubscription(ctx, id)
	if err != nil {
		return nil, err
	}

	next, err := lifecycle.NextSubscriptionStatus(sub.Status, types.EventAdminApproved)
	if err != nil {
		return nil, err
	}

	windowStart, windowEnd, err := s.resolveWindow(ctx, sub.PlanID, start, end)
	if err != nil {
		return nil, err
	}

	patch := &types.StatusPatch{
		ActiveStart: &windowStart,
		ActiveEnd:   &windowEnd,
	}
	if notes != "" {
		patch.Notes = &notes
	}
	if err := s.store.UpdateSubscriptionStatus(ctx, id, sub.Status, next, patch); err != nil {
		return nil, err
	}

	sub.Status = next
	sub.ActiveStart = &windowStart
	sub.ActiveEnd = &windowEnd
	if notes != "" {
		sub.Notes = notes
	}
	s.metrics.RecordTransition(ctx, types.KindCatalogSubscription, types.EventAdminApproved)
	s.sendStatusChange(ctx, sub.MemberID, sub.ID)
	return sub, nil
}

// Reject declines a PAID subscription. Notes are mandatory: the reason is
// the audit trail.
func (s *Service) Reject(ctx context.Context, id, notes string) (*types.CatalogSubscription, error) {
	if strings.TrimSpace(notes) == "" {
		return nil, types.NewAppError(
			types.ErrCodeValidationMissingField,
			"rejection requires notes explaining the reason",
			nil,
		)
	}

	sub, err := s.store.GetSubscription(ctx, id)
	if err != nil {
		return nil, err
	}

	next, err := lifecycle.NextSubscriptionStatus(sub.Status, types.EventAdminRejected)
	if err != nil {
		return nil, err
	}

	if err := s.store.UpdateSubscriptionStatus(ctx, id, sub.Status, next, &types.StatusPatch{Notes: &notes}); err != nil {
		return nil, err
	}

	sub.Status = next
	sub.Notes = notes
	s.metrics.RecordTransition(ctx, types.KindCatalogSubscription, types.EventAdminRejected)
	s.sendStatusChange(ctx, sub.MemberID, sub.ID)
	return sub, nil
}

// MarkDuePaid records payment on a PENDING due. An overdue due is stored as
// PENDING, so paying late needs no special case.
func (s *Service) MarkDuePaid(ctx context.Context, id string, method types.PaymentMethod, receiptRef string) (*types.Due, error) {
	due, err := s.store.GetDue(ctx, id)
	if err != nil {
		return nil, err
	}

	next, err := lifecycle.NextDueStatus(due.Status, types.EventPaymentConfirmed)
	if err != nil {
		return nil, err
	}

	payment := &types.PaymentRecord{
		Method:     method,
		ReceiptRef: receiptRef,
		PaidAt:     s.now().UTC(),
	}
	if err := s.store.UpdateDueStatus(ctx, id, due.Status, next, &types.StatusPatch{Payment: payment}); err != nil {
		return nil, err
	}

	due.Status = next
	due.Payment = payment
	s.metrics.RecordTransition(ctx, types.KindDue, types.EventPaymentConfirmed)
	s.sendReceipt(ctx, due.MemberID, due.ID, types.KindDue)
	return due, nil
}

// CancelDue cancels a PENDING (or, equivalently, overdue) due.
func (s *Service) CancelDue(ctx context.Context, id, notes string) (*types.Due, error) {
	due, err := s.store.GetDue(ctx, id)
	if err != nil {
		return nil, err
	}

	next, err := lifecycle.NextDueStatus(due.Status, types.EventAdminCancelled)
	if err != nil {
		return nil, err
	}

	var patch types.StatusPatch
	if notes != "" {
		patch.Notes = &notes
	}
	if err := s.store.UpdateDueStatus(ctx, id, due.Status, next, &patch); err != nil {
		return nil, err
	}

	due.Status = next
	s.metrics.RecordTransition(ctx, types.KindDue, types.EventAdminCancelled)
	return due, nil
}

// ListDues lists dues for a year with the OVERDUE projection applied.
// statusFilter narrows the result; filtering by OVERDUE selects stored
// PENDING rows past their due date, and filtering by PENDING selects only
// those not yet due. An empty filter returns everything, projected.
func (s *Service) ListDues(ctx context.Context, year int, statusFilter types.DueStatus) ([]*types.Due, error) {
	now := s.now()

	var (
		stored    []types.DueStatus
		dueBefore *time.Time
	)
	switch statusFilter {
	case "":
		// No narrowing.
	case types.DueOverdue:
		stored = []types.DueStatus{types.DuePending}
		dueBefore = &now
	case types.DuePending, types.DuePaid, types.DueCancelled:
		stored = []types.DueStatus{statusFilter}
	default:
		return nil, types.NewAppErrorWithDetails(
			types.ErrCodeValidationInvalidStatus,
			"unknown due status filter",
			nil,
			map[string]any{"status": string(statusFilter)},
		)
	}

	dues, err := s.store.ListDues(ctx, year, stored, dueBefore)
	if err != nil {
		return nil, err
	}

	projected := dues[:0]
	for _, due := range dues {
		due.Status = lifecycle.EffectiveDueStatus(due, now)
		// A PENDING filter means "pending and not yet overdue"; the
		// projection decides, not the stored value.
		if statusFilter == types.DuePending && due.Status != types.DuePending {
			continue
		}
		projected = append(projected, due)
	}
	return projected, nil
}

// sendReceipt dispatches a payment receipt notice. Best effort: failures
// are logged, never returned, and never affect the stored transition.
func (s *Service) sendReceipt(ctx context.Context, memberID, entitlementID string, kind types.EntitlementKind) {
	member, err := s.members.GetByID(ctx, memberID)
	if err != nil {
		s.logger.Warn("receipt notice skipped; member lookup failed",
			slog.String("member_id", memberID),
			slog.String("error", err.Error()),
		)
		return
	}
	failures := s.dispatcher.Dispatch(ctx, []types.Notice{{
		Type:          types.NoticePaymentReceipt,
		MemberID:      member.ID,
		MemberEmail:   member.Email,
		EntitlementID: entitlementID,
		Kind:          kind,
	}})
	for _, f := range failures {
		s.logger.Warn("receipt notice delivery failed",
			slog.String("member_id", f.MemberID),
			slog.String("reason", f.Reason),
		)
	}
}

func (s *Service) sendStatusChange(ctx context.Context, memberID, entitlementID string) {
	member, err := s.members.GetByID(ctx, memberID)
	if err != nil {
		s.logger.Warn("status notice skipped; member lookup failed",
			slog.String("member_id", memberID),
			slog.String("error", err.Error()),
		)
		return
	}
	failures := s.dispatcher.Dispatch(ctx, []types.Notice{{
		Type:          types.NoticeStatusChanged,
		MemberID:      member.ID,
		MemberEmail:   member.Email,
		EntitlementID: entitlementID,
		Kind:          types.KindCatalogSubscription,
	}})
	for _, f := range failures {
		s.logger.Warn("status notice delivery failed",
			slog.String("member_id", f.MemberID),
			slog.String("reason", f.Reason),
		)
	}
}

// resolveWindow fills missing approval dates: a missing start anchors at
// the current date, a missing end is computed from the plan duration.
// An explicit end before the start is rejected.
func (s *Service) resolveWindow(ctx context.Context, planID string, start, end *time.Time) (time.Time, time.Time, error) {
	windowStart := s.now().UTC().Truncate(24 * time.Hour)
	if start != nil {
		windowStart = *start
	}

	if end != nil {
		if end.Before(windowStart) {
			return time.Time{}, time.Time{}, types.NewAppError(
				types.ErrCodeValidationInvalidPeriod,
				"active window end must not precede its start",
				nil,
			)
		}
		return windowStart, *end, nil
	}

	plan, err := s.plans.GetByID(ctx, planID)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	return lifecycle.ComputeWindow(windowStart, plan.DurationMonths)
}
