package types

// EntitlementKind discriminates the two billable entitlement families.
type EntitlementKind string

const (
	KindCatalogSubscription EntitlementKind = "catalog_subscription"
	KindDue                 EntitlementKind = "due"
)

// SubscriptionStatus represents the lifecycle state of a catalog subscription.
type SubscriptionStatus string

const (
	SubPending  SubscriptionStatus = "PENDING"
	SubPaid     SubscriptionStatus = "PAID"
	SubApproved SubscriptionStatus = "APPROVED"
	SubRejected SubscriptionStatus = "REJECTED"
	// SubExpired is a read-time projection over APPROVED once the active
	// window has passed. It is never written to the database.
	SubExpired SubscriptionStatus = "EXPIRED"
)

// DueStatus represents the lifecycle state of a membership due.
type DueStatus string

const (
	DuePending   DueStatus = "PENDING"
	DuePaid      DueStatus = "PAID"
	DueCancelled DueStatus = "CANCELLED"
	// DueOverdue is a read-time projection over PENDING once the due date
	// has passed. It is never written to the database.
	DueOverdue DueStatus = "OVERDUE"
)

// TransitionEvent identifies a requested state change validated against the
// transition tables in the lifecycle package.
type TransitionEvent string

const (
	EventPaymentConfirmed TransitionEvent = "payment_confirmed"
	EventAdminApproved    TransitionEvent = "admin_approved"
	EventAdminRejected    TransitionEvent = "admin_rejected"
	EventAdminCancelled   TransitionEvent = "admin_cancelled"
)

// PaymentMethod identifies how a payment was settled.
type PaymentMethod string

const (
	PaymentBankTransfer PaymentMethod = "bank_transfer"
	PaymentCash         PaymentMethod = "cash"
	PaymentCard         PaymentMethod = "card"
	PaymentStripe       PaymentMethod = "stripe"
)

// IssueOutcome classifies the result for a single member during bulk dues
// issuance.
type IssueOutcome string

const (
	OutcomeCreated IssueOutcome = "created"
	OutcomeSkipped IssueOutcome = "skipped_existing"
	OutcomeFailed  IssueOutcome = "failed"
)

// NoticeType identifies the kind of notification handed to the dispatcher.
type NoticeType string

const (
	NoticeDueIssued      NoticeType = "due_issued"
	NoticePaymentReceipt NoticeType = "payment_receipt"
	NoticeStatusChanged  NoticeType = "status_changed"
)
