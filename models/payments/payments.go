// Package payments implements the payment lifecycle: creation against the
// provider, status transitions driven by webhooks and the monitoring
// worker, the per-client event log and callback delivery.
package payments

import (
	"encoding/json"
	"fmt"
	"math/big"
	"reflect"
	"strings"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/jmoiron/sqlx/types"
	uuid "github.com/satori/go.uuid"
	"github.com/shopspring/decimal"

	"gitlab.com/arcanecrypto/vendcoil/build"
)

var log = build.AddSubLogger("PMNT")

// Status is the lifecycle state of a payment request.
type Status string

// All statuses a payment passes through. CREATED and PENDING are the only
// non-terminal ones.
const (
	StatusCreated  Status = "CREATED"
	StatusPending  Status = "PENDING"
	StatusPaid     Status = "PAID"
	StatusExpired  Status = "EXPIRED"
	StatusTimedOut Status = "TIMED_OUT"
	StatusFailed   Status = "FAILED"
	StatusCanceled Status = "CANCELED"
)

// IsTerminal reports whether the status accepts no further transitions.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusPaid, StatusExpired, StatusTimedOut, StatusFailed, StatusCanceled:
		return true
	}
	return false
}

// ValidTransition reports whether a payment may move from one status to
// another. Terminal statuses accept nothing, and self-transitions don't
// count as moves.
func ValidTransition(from, to Status) bool {
	switch from {
	case StatusCreated:
		return to == StatusPending || to == StatusFailed || to == StatusCanceled
	case StatusPending:
		return to == StatusPaid || to == StatusExpired || to == StatusTimedOut ||
			to == StatusFailed || to == StatusCanceled
	}
	return false
}

// MethodLightning is the only payment method we accept.
const MethodLightning = "BTC_LN"

// DefaultMonitorWindow is how long a payment stays watchable before the
// monitoring worker times it out.
const DefaultMonitorWindow = 120 * time.Second

// Event sources recorded on payment_events rows.
const (
	SourceAPI     = "API"
	SourceWorker  = "WORKER"
	SourceWebhook = "BTCPAY_WEBHOOK"
)

// Status reasons set when payments finalize.
const (
	ReasonProviderError         = "PROVIDER_ERROR"
	ReasonProviderExpired       = "PROVIDER_EXPIRED"
	ReasonMonitorWindowExceeded = "MONITOR_WINDOW_EXCEEDED"
	ReasonProviderUnreachable   = "PROVIDER_UNREACHABLE"
	ReasonCanceledByClient      = "CANCELED_BY_CLIENT"
)

// Money is an amount in a named currency. Amounts render as quoted decimal
// strings in JSON to survive round-trips unharmed.
type Money struct {
	Amount   decimal.Decimal `json:"amount"`
	Currency string          `json:"currency"`
}

// Payment is a payment_requests row.
type Payment struct {
	ID       uuid.UUID `db:"id"`
	ClientID uuid.UUID `db:"client_id"`

	ExternalCode  string          `db:"external_code"`
	PaymentMethod string          `db:"payment_method"`
	Amount        decimal.Decimal `db:"amount"`
	Currency      string          `db:"currency"`
	Description   *string         `db:"description"`
	CallbackURL   *string         `db:"callback_url"`
	RedirectURL   *string         `db:"redirect_url"`
	Metadata      types.JSONText  `db:"metadata"`

	IdempotencyKey     *string `db:"idempotency_key"`
	RequestFingerprint *string `db:"request_fingerprint"`

	Status       Status     `db:"status"`
	StatusReason *string    `db:"status_reason"`
	MonitorUntil time.Time  `db:"monitor_until"`
	FinalizedAt  *time.Time `db:"finalized_at"`
	CreatedAt    time.Time  `db:"created_at"`
	UpdatedAt    time.Time  `db:"updated_at"`

	// Invoice is the provider invoice backing this payment, attached by
	// reads that join it in. Not a column.
	Invoice *Invoice `db:"-"`
}

// SQL fragments shared by the queries in this package.
const (
	paymentSelectSQL = `SELECT id, client_id, external_code, payment_method,
	amount, currency, description, callback_url, redirect_url, metadata,
	idempotency_key, request_fingerprint, status, status_reason,
	monitor_until, finalized_at, created_at, updated_at
	FROM payment_requests`

	paymentReturningSQL = ` RETURNING id, client_id, external_code,
	payment_method, amount, currency, description, callback_url,
	redirect_url, metadata, idempotency_key, request_fingerprint, status,
	status_reason, monitor_until, finalized_at, created_at, updated_at`

	uniqueIdempotencyKeyConstraint = "payment_requests_client_id_and_idempotency_key_must_be_unique"
)

// Money returns the payment's amount and currency as one value.
func (p Payment) Money() Money {
	return Money{Amount: p.Amount, Currency: p.Currency}
}

// HintKind is the verdict a caller asks ApplyHint to apply.
type HintKind string

// Hints the webhook ingress and the monitoring worker can submit. INVALID
// and FAILED both finalize the payment as FAILED, they differ in who
// reported it.
const (
	HintPaid         HintKind = "PAID"
	HintExpired      HintKind = "EXPIRED"
	HintInvalid      HintKind = "INVALID"
	HintStillPending HintKind = "STILL_PENDING"
	HintTimedOut     HintKind = "TIMED_OUT"
	HintFailed       HintKind = "FAILED"
)

// Hint carries one lifecycle verdict into ApplyHint.
type Hint struct {
	Kind HintKind
	// Reason becomes the payment's status_reason when the hint is applied
	Reason string
	// Source is recorded on the emitted event, one of the Source constants
	Source string
	// RawStatus is the latest raw provider status document, stored on the
	// invoice row when present
	RawStatus json.RawMessage
}

// targetStatus returns the status the hint drives toward, false for
// purely informational hints.
func (h Hint) targetStatus() (Status, bool) {
	switch h.Kind {
	case HintPaid:
		return StatusPaid, true
	case HintExpired:
		return StatusExpired, true
	case HintInvalid, HintFailed:
		return StatusFailed, true
	case HintTimedOut:
		return StatusTimedOut, true
	}
	return "", false
}

// HintOutcome reports what ApplyHint did.
type HintOutcome struct {
	// Applied is true when the hint moved the payment to a new status
	Applied bool
	Payment Payment
	// Event is the persisted event when a transition was applied
	Event *Event
}

func (p Payment) String() string {
	fragments := []string{
		fmt.Sprintf("ID: %s", p.ID),
		fmt.Sprintf("ClientID: %s", p.ClientID),
		fmt.Sprintf("ExternalCode: %s", p.ExternalCode),
		fmt.Sprintf("Status: %s", p.Status),
		fmt.Sprintf("Amount: %s %s", p.Amount, p.Currency),
		fmt.Sprintf("MonitorUntil: %s", p.MonitorUntil),
	}

	if p.StatusReason != nil {
		fragments = append(fragments, fmt.Sprintf("StatusReason: %s", *p.StatusReason))
	}
	if p.FinalizedAt != nil {
		fragments = append(fragments, fmt.Sprintf("FinalizedAt: %s", *p.FinalizedAt))
	}
	if p.Invoice != nil {
		fragments = append(fragments, fmt.Sprintf("Invoice: %s", p.Invoice.ProviderInvoiceID))
	}

	return strings.Join(fragments, ", ")
}

// Equal compares two payments, ignoring the fields the database assigns.
// Returns a diff suitable for test output when they differ.
func (p Payment) Equal(other Payment) (bool, string) {
	p1, p2 := p, other
	p1.ID, p2.ID = uuid.Nil, uuid.Nil
	p1.CreatedAt, p2.CreatedAt = time.Time{}, time.Time{}
	p1.UpdatedAt, p2.UpdatedAt = time.Time{}, time.Time{}
	p1.Invoice, p2.Invoice = nil, nil

	if !p1.Amount.Equal(p2.Amount) {
		return false, fmt.Sprintf("amounts differ: %s != %s", p1.Amount, p2.Amount)
	}
	p1.Amount, p2.Amount = decimal.Decimal{}, decimal.Decimal{}

	if !reflect.DeepEqual(p1, p2) {
		return false, cmp.Diff(p1, p2,
			cmp.AllowUnexported(decimal.Decimal{}, big.Int{}))
	}
	return true, ""
}
