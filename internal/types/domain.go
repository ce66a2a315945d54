package types

import (
	"fmt"
	"time"
)

// Member identifies a billable party: an association member or a catalog
// submitter. Members are created and managed by the membership application
// flow; this service only references them.
type Member struct {
	ID     string `json:"id" db:"id"`
	Name   string `json:"name" db:"name"`
	Email  string `json:"email" db:"email"`
	Active bool   `json:"active" db:"active"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// Plan is a priced catalog offering with a fixed validity duration.
// Dues do not use plans; they are keyed to a calendar period instead.
type Plan struct {
	ID             string    `json:"id" db:"id"`
	Name           string    `json:"name" db:"name"`
	PriceCents     int64     `json:"price_cents" db:"price_cents"`
	DurationMonths int       `json:"duration_months" db:"duration_months"`
	CreatedAt      time.Time `json:"created_at" db:"created_at"`
}

// PeriodKey is the business-meaningful identifier for a due: a year plus an
// optional month. Month == nil means an annual due. Together with the member
// ID it forms the natural key that prevents duplicate dues.
type PeriodKey struct {
	Year  int  `json:"year"`
	Month *int `json:"month,omitempty"`
}

// String renders the period for logging and error details, e.g. "2025" or
// "2025-03".
func (p PeriodKey) String() string {
	if p.Month == nil {
		return fmt.Sprintf("%d", p.Year)
	}
	return fmt.Sprintf("%d-%02d", p.Year, *p.Month)
}

// CatalogSubscription is a paid catalog listing held by one member under one
// plan. The active window is populated only on approval.
type CatalogSubscription struct {
	ID       string             `json:"id" db:"id"`
	MemberID string             `json:"member_id" db:"member_id"`
	PlanID   string             `json:"plan_id" db:"plan_id"`
	Status   SubscriptionStatus `json:"status" db:"status"`

	ActiveStart *time.Time `json:"active_start,omitempty" db:"active_start"`
	ActiveEnd   *time.Time `json:"active_end,omitempty" db:"active_end"`
	Notes       string     `json:"notes,omitempty" db:"notes"`

	Payment *PaymentRecord `json:"payment,omitempty"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// Due is a recurring membership fee obligation for one member and one
// calendar period.
type Due struct {
	ID       string    `json:"id" db:"id"`
	MemberID string    `json:"member_id" db:"member_id"`
	Period   PeriodKey `json:"period"`
	Status   DueStatus `json:"status" db:"status"`

	AmountCents int64     `json:"amount_cents" db:"amount_cents"`
	DueDate     time.Time `json:"due_date" db:"due_date"`

	Payment *PaymentRecord `json:"payment,omitempty"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// PaymentRecord captures how an entitlement was paid. It is embedded in the
// entitlement row and set exactly once, when the status moves into a paid
// state.
type PaymentRecord struct {
	Method     PaymentMethod `json:"method" db:"payment_method"`
	ReceiptRef string        `json:"receipt_ref,omitempty" db:"receipt_ref"`
	PaidAt     time.Time     `json:"paid_at" db:"paid_at"`
}

// StatusPatch carries the optional field updates applied atomically with a
// status transition. Nil fields are left untouched.
type StatusPatch struct {
	Payment     *PaymentRecord
	ActiveStart *time.Time
	ActiveEnd   *time.Time
	Notes       *string
}

// MemberOutcome records the result of bulk issuance for a single member.
type MemberOutcome struct {
	MemberID string       `json:"member_id"`
	Outcome  IssueOutcome `json:"outcome"`
	Reason   string       `json:"reason,omitempty"`
}

// BulkReport is the aggregate summary returned by a bulk issuance run.
// One member's failure never aborts the batch, so the counts always add up
// to the number of members visited.
type BulkReport struct {
	Created  int             `json:"created_count"`
	Skipped  int             `json:"skipped_count"`
	Failed   int             `json:"failed_count"`
	Failures []MemberOutcome `json:"failures,omitempty"`

	// NotifyFailures lists recipients the dispatcher could not reach.
	// Delivery failures never roll back created records.
	NotifyFailures []MemberOutcome `json:"notify_failures,omitempty"`
}

// Notice is a single (member, entitlement) notification handed to the
// dispatcher after bulk issuance or a status change.
type Notice struct {
	Type          NoticeType `json:"type"`
	MemberID      string     `json:"member_id"`
	MemberEmail   string     `json:"member_email"`
	EntitlementID string     `json:"entitlement_id"`

	Kind        EntitlementKind `json:"kind"`
	Period      *PeriodKey      `json:"period,omitempty"`
	AmountCents int64           `json:"amount_cents,omitempty"`
	DueDate     *time.Time      `json:"due_date,omitempty"`
}
