// Package issuance implements bulk creation of membership dues. A run visits
// every active member, creates the missing due for the target period, and
// reports a per-member outcome. The run is idempotent: repeating it for the
// same period creates nothing and reports every member as skipped.
package issuance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"entitle/internal/lifecycle"
	"entitle/internal/metrics"
	"entitle/internal/notify"
	"entitle/internal/types"
)

// DueStore is the subset of the entitlement store the engine needs.
type DueStore interface {
	FindDueByPeriod(ctx context.Context, memberID string, period types.PeriodKey) (*types.Due, error)
	CreateDue(ctx context.Context, due *types.Due) error
}

// MemberLister provides the eligible member set for a run.
type MemberLister interface {
	ListActive(ctx context.Context) ([]*types.Member, error)
}

// Request describes one bulk issuance run.
type Request struct {
	Year  int
	Month *int

	AmountCents int64
	// DueDate overrides the computed default due date for the period.
	DueDate *time.Time
	// Notify hands the newly created dues to the dispatcher after the run.
	Notify bool
}

// Engine iterates members and issues missing dues with bounded fan-out.
// Parallelism across members is safe because each member's create is
// independently idempotent under the store's natural-key constraint.
type Engine struct {
	store      DueStore
	members    MemberLister
	dispatcher notify.Dispatcher
	metrics    metrics.Recorder
	dueCfg     lifecycle.DueDateConfig
	fanOut     int
	logger     *slog.Logger

	now func() time.Time // injected for tests
}

// NewEngine creates a bulk issuance engine. fanOut bounds the number of
// concurrent member creates; values below 1 fall back to sequential.
func NewEngine(
	store DueStore,
	members MemberLister,
	dispatcher notify.Dispatcher,
	recorder metrics.Recorder,
	dueCfg lifecycle.DueDateConfig,
	fanOut int,
	logger *slog.Logger,
) *Engine {
	if dispatcher == nil {
		dispatcher = notify.NopDispatcher{}
	}
	if recorder == nil {
		recorder = metrics.NopRecorder{}
	}
	if fanOut < 1 {
		fanOut = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		store:      store,
		members:    members,
		dispatcher: dispatcher,
		metrics:    recorder,
		dueCfg:     dueCfg,
		fanOut:     fanOut,
		logger:     logger,
		now:        time.Now,
	}
}

// IssueDues runs one bulk issuance. One member's failure never aborts the
// batch; the returned report always accounts for every member visited.
// If the context is cancelled mid-run, already-created dues remain valid
// and the context error is returned alongside the partial report — the
// operation is resumable, not atomic-as-a-whole.
func (e *Engine) IssueDues(ctx context.Context, req Request) (*types.BulkReport, error) {
	if req.AmountCents <= 0 {
		return nil, types.NewAppError(
			types.ErrCodeValidationInvalidAmount,
			"due amount must be positive",
			nil,
		)
	}

	period := types.PeriodKey{Year: req.Year, Month: req.Month}
	dueDate, err := e.resolveDueDate(period, req.DueDate)
	if err != nil {
		return nil, err
	}

	members, err := e.members.ListActive(ctx)
	if err != nil {
		return nil, err
	}

	var (
		mu      sync.Mutex
		report  types.BulkReport
		created []types.Notice
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.fanOut)
	for _, member := range members {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			outcome := e.issueOne(gctx, member, period, req.AmountCents, dueDate)

			mu.Lock()
			defer mu.Unlock()
			switch outcome.result.Outcome {
			case types.OutcomeCreated:
				report.Created++
				created = append(created, types.Notice{
					Type:          types.NoticeDueIssued,
					MemberID:      member.ID,
					MemberEmail:   member.Email,
					EntitlementID: outcome.dueID,
					Kind:          types.KindDue,
					Period:        &period,
					AmountCents:   req.AmountCents,
					DueDate:       &dueDate,
				})
			case types.OutcomeSkipped:
				report.Skipped++
			case types.OutcomeFailed:
				report.Failed++
				report.Failures = append(report.Failures, outcome.result)
			}
			// Worker errors are folded into the report; returning nil keeps
			// the group running for the remaining members.
			return nil
		})
	}
	_ = g.Wait()

	if req.Notify && len(created) > 0 {
		report.NotifyFailures = e.dispatcher.Dispatch(ctx, created)
	}

	e.metrics.RecordBulkOutcomes(ctx, report)
	e.logger.Info("bulk dues issuance completed",
		slog.String("period", period.String()),
		slog.Int("created", report.Created),
		slog.Int("skipped", report.Skipped),
		slog.Int("failed", report.Failed),
	)

	return &report, ctx.Err()
}

type memberOutcome struct {
	result types.MemberOutcome
	dueID  string
}

// issueOne creates the due for a single member unless one already exists.
// A duplicate-key error from the store means a concurrent run won the
// create; that is a skip, not a failure.
func (e *Engine) issueOne(
	ctx context.Context,
	member *types.Member,
	period types.PeriodKey,
	amountCents int64,
	dueDate time.Time,
) memberOutcome {
	existing, err := e.store.FindDueByPeriod(ctx, member.ID, period)
	if err != nil {
		return memberOutcome{result: types.MemberOutcome{
			MemberID: member.ID,
			Outcome:  types.OutcomeFailed,
			Reason:   err.Error(),
		}}
	}
	if existing != nil {
		return memberOutcome{result: types.MemberOutcome{
			MemberID: member.ID,
			Outcome:  types.OutcomeSkipped,
		}}
	}

	due := &types.Due{
		ID:          fmt.Sprintf("ent_%s", uuid.New().String()),
		MemberID:    member.ID,
		Period:      period,
		Status:      types.DuePending,
		AmountCents: amountCents,
		DueDate:     dueDate,
	}
	if err := e.store.CreateDue(ctx, due); err != nil {
		if appErr, ok := asAppError(err); ok && appErr.Code == types.ErrCodeConflictDuplicate {
			// Lost the create race to a concurrent run; idempotent by
			// construction.
			return memberOutcome{result: types.MemberOutcome{
				MemberID: member.ID,
				Outcome:  types.OutcomeSkipped,
			}}
		}
		return memberOutcome{result: types.MemberOutcome{
			MemberID: member.ID,
			Outcome:  types.OutcomeFailed,
			Reason:   err.Error(),
		}}
	}

	return memberOutcome{
		result: types.MemberOutcome{MemberID: member.ID, Outcome: types.OutcomeCreated},
		dueID:  due.ID,
	}
}

func (e *Engine) resolveDueDate(period types.PeriodKey, override *time.Time) (time.Time, error) {
	if override != nil {
		return *override, nil
	}
	return lifecycle.ComputeDueDate(period, e.dueCfg)
}

func asAppError(err error) (*types.AppError, bool) {
	var appErr *types.AppError
	if errors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}
