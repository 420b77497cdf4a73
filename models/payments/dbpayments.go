package payments

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/url"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/jmoiron/sqlx/types"
	"github.com/lib/pq"
	"github.com/pkg/errors"
	uuid "github.com/satori/go.uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"gitlab.com/arcanecrypto/vendcoil/btcpay"
	"gitlab.com/arcanecrypto/vendcoil/db"
)

// Exported errors. The API layer maps these onto the wire taxonomy.
var (
	ErrInvalidPaymentMethod = errors.New("payment_method must be " + MethodLightning)
	ErrNonPositiveAmount    = errors.New("amount must be greater than zero")
	ErrInvalidCurrency      = errors.New("currency must be between 3 and 10 characters")
	ErrInvalidExternalCode  = errors.New("external_code must be between 1 and 64 characters")
	ErrDescriptionTooLong   = errors.New("description must be at most 500 characters")
	ErrInvalidCallbackURL   = errors.New("callback_url must be an http(s) URL of at most 2048 characters")
	ErrInvalidRedirectURL   = errors.New("redirect_url must be an http(s) URL of at most 2048 characters")
	ErrInvalidMetadata      = errors.New("metadata must be a JSON document of at most 8 KiB")
	ErrInvalidIdempotencyKey = errors.New(
		"idempotency_key must be at most 255 characters")

	ErrIdempotencyConflict = errors.New(
		"idempotency key was already used with a different request")
	ErrPaymentNotFound     = errors.New("payment not found")
	ErrPaymentAlreadyFinal = errors.New("payment is already in a terminal status")
	ErrProviderUnavailable = errors.New("payment provider unavailable")
)

// errIdempotencyKeyTaken signals the unique-constraint race on insert, the
// loser re-reads the winner's row.
var errIdempotencyKeyTaken = errors.New("idempotency key already stored")

const (
	maxDescriptionLength    = 500
	maxURLLength            = 2048
	maxMetadataBytes        = 8 << 10
	maxIdempotencyKeyLength = 255

	// providerTimeout bounds the invoice-creation call
	providerTimeout = 10 * time.Second
)

// NewPaymentArgs is everything a client supplies to create a payment.
type NewPaymentArgs struct {
	ClientID uuid.UUID

	ExternalCode  string
	PaymentMethod string
	Amount        decimal.Decimal
	Currency      string
	Description   *string
	CallbackURL   *string
	RedirectURL   *string
	Metadata      types.JSONText

	IdempotencyKey *string

	// MonitorWindow defaults to DefaultMonitorWindow when not positive
	MonitorWindow time.Duration
}

// New creates a payment request and its provider invoice. The CREATED row
// commits before the provider call so a crash can't lose the request; the
// invoice row and the flip to PENDING commit after. On provider failure
// the payment finalizes as FAILED and ErrProviderUnavailable is returned.
func New(d *db.DB, provider btcpay.Provider, notifier *Notifier,
	args NewPaymentArgs) (Payment, error) {

	if err := validateNewPaymentArgs(&args); err != nil {
		return Payment{}, err
	}

	fingerprint, err := Fingerprint(args)
	if err != nil {
		return Payment{}, errors.Wrap(err, "could not fingerprint request")
	}

	if args.IdempotencyKey != nil {
		existing, found, err := resolveIdempotencyKey(d, args, fingerprint)
		if err != nil {
			return Payment{}, err
		}
		if found {
			log.WithFields(logrus.Fields{
				"paymentId":      existing.ID,
				"idempotencyKey": *args.IdempotencyKey,
			}).Info("Replaying idempotent create")
			return existing, nil
		}
	}

	payment, event, err := insertPayment(d, args, fingerprint)
	if err != nil {
		// two creates raced on the same key, the loser resolves against
		// the committed winner
		if err == errIdempotencyKeyTaken && args.IdempotencyKey != nil {
			existing, found, resolveErr := resolveIdempotencyKey(d, args, fingerprint)
			if resolveErr != nil {
				return Payment{}, resolveErr
			}
			if found {
				return existing, nil
			}
		}
		return Payment{}, err
	}
	notifier.notify(payment, event)

	ctx, cancel := context.WithTimeout(context.Background(), providerTimeout)
	defer cancel()

	providerInvoice, err := provider.CreateInvoice(ctx, btcpay.CreateInvoiceArgs{
		Amount:      payment.Amount,
		Currency:    payment.Currency,
		Metadata:    invoiceMetadata(payment),
		RedirectURL: derefOrEmpty(payment.RedirectURL),
	})
	if err != nil {
		log.WithError(err).WithField("paymentId", payment.ID).
			Error("Could not create provider invoice")

		failed, failEvent, markErr := markProviderFailure(d, payment.ID)
		if markErr != nil {
			log.WithError(markErr).WithField("paymentId", payment.ID).
				Error("Could not mark payment as failed")
			return Payment{}, ErrProviderUnavailable
		}
		if failEvent != nil {
			notifier.notify(failed, *failEvent)
		}
		return Payment{}, ErrProviderUnavailable
	}

	pending, pendingEvent, err := attachInvoice(d, payment.ID, providerInvoice)
	if err != nil {
		return Payment{}, err
	}
	if pendingEvent != nil {
		notifier.notify(pending, *pendingEvent)
	}
	return pending, nil
}

// GetByID returns the payment scoped to the given client, invoice
// attached when one exists.
func GetByID(d *db.DB, id uuid.UUID, clientID uuid.UUID) (Payment, error) {
	query := paymentSelectSQL + ` WHERE id=$1 AND client_id=$2 LIMIT 1`

	var payment Payment
	if err := d.Get(&payment, query, id, clientID); err != nil {
		if err == sql.ErrNoRows {
			return Payment{}, ErrPaymentNotFound
		}
		return Payment{}, errors.Wrapf(err, "GetByID(db, %s, %s)", id, clientID)
	}

	return withInvoice(d, payment)
}

// ListActive returns every payment that can still move, oldest first,
// invoices attached. The monitor sweeps these on startup.
func ListActive(d *db.DB) ([]Payment, error) {
	query := paymentSelectSQL + ` WHERE status IN ($1, $2) ORDER BY created_at`

	var active []Payment
	if err := d.Select(&active, query, StatusCreated, StatusPending); err != nil {
		return nil, errors.Wrap(err, "could not list active payments")
	}

	for i := range active {
		attached, err := withInvoice(d, active[i])
		if err != nil {
			return nil, err
		}
		active[i] = attached
	}
	return active, nil
}

// ApplyHint runs one lifecycle verdict against a payment under its row
// lock. Hints against terminal rows and hints asking for disallowed
// transitions are logged no-ops, so webhook replays and poll races stay
// harmless.
func ApplyHint(d *db.DB, notifier *Notifier, id uuid.UUID, hint Hint) (HintOutcome, error) {
	tx := d.MustBegin()

	payment, err := getForUpdate(tx, id)
	if err != nil {
		_ = tx.Rollback()
		return HintOutcome{}, err
	}

	if payment.Status.IsTerminal() {
		_ = tx.Rollback()
		log.WithFields(logrus.Fields{
			"paymentId": id,
			"hint":      hint.Kind,
			"status":    payment.Status,
		}).Info("Ignoring hint for finalized payment")
		return HintOutcome{Payment: payment}, nil
	}

	invoice, err := getInvoiceForPayment(tx, payment.ID)
	if err != nil {
		_ = tx.Rollback()
		return HintOutcome{}, err
	}
	payment.Invoice = invoice

	if len(hint.RawStatus) > 0 && invoice != nil {
		refreshed, err := updateRawStatus(tx, payment.ID, hint.RawStatus)
		if err != nil {
			_ = tx.Rollback()
			return HintOutcome{}, err
		}
		payment.Invoice = &refreshed
	}

	if hint.Kind == HintStillPending {
		if err := tx.Commit(); err != nil {
			return HintOutcome{}, errors.Wrap(err, "could not commit status refresh")
		}
		return HintOutcome{Payment: payment}, nil
	}

	target, ok := hint.targetStatus()
	if !ok {
		_ = tx.Rollback()
		return HintOutcome{}, errors.Errorf("unknown hint kind %q", hint.Kind)
	}

	if !ValidTransition(payment.Status, target) {
		// keep the raw status refresh, drop the transition
		if err := tx.Commit(); err != nil {
			return HintOutcome{}, errors.Wrap(err, "could not commit status refresh")
		}
		log.WithFields(logrus.Fields{
			"paymentId": id,
			"hint":      hint.Kind,
			"status":    payment.Status,
			"target":    target,
		}).Info("Ignoring disallowed transition hint")
		return HintOutcome{Payment: payment}, nil
	}

	oldStatus := payment.Status
	updated, err := updateStatus(tx, payment.ID, target, hint.Reason)
	if err != nil {
		_ = tx.Rollback()
		return HintOutcome{}, err
	}
	updated.Invoice = payment.Invoice

	event, err := insertEvent(tx, insertEventArgs{
		payment:   updated,
		eventType: statusEvent(updated.Status),
		oldStatus: &oldStatus,
		newStatus: statusPtr(updated.Status),
		source:    hint.Source,
	})
	if err != nil {
		_ = tx.Rollback()
		return HintOutcome{}, err
	}

	if err := tx.Commit(); err != nil {
		return HintOutcome{}, errors.Wrap(err, "could not commit transition")
	}

	log.WithFields(logrus.Fields{
		"paymentId": updated.ID,
		"oldStatus": oldStatus,
		"newStatus": updated.Status,
		"source":    hint.Source,
	}).Info("Payment finalized")

	notifier.notify(updated, event)
	return HintOutcome{Applied: true, Payment: updated, Event: &event}, nil
}

// Cancel finalizes a payment as CANCELED on behalf of the client that
// owns it. Allowed while the payment is CREATED or PENDING.
func Cancel(d *db.DB, notifier *Notifier, id, clientID uuid.UUID) (Payment, error) {
	tx := d.MustBegin()

	var payment Payment
	err := tx.Get(&payment,
		paymentSelectSQL+` WHERE id=$1 AND client_id=$2 FOR UPDATE`, id, clientID)
	if err != nil {
		_ = tx.Rollback()
		if err == sql.ErrNoRows {
			return Payment{}, ErrPaymentNotFound
		}
		return Payment{}, errors.Wrapf(err, "could not lock payment %s", id)
	}

	if !ValidTransition(payment.Status, StatusCanceled) {
		_ = tx.Rollback()
		return Payment{}, ErrPaymentAlreadyFinal
	}

	invoice, err := getInvoiceForPayment(tx, payment.ID)
	if err != nil {
		_ = tx.Rollback()
		return Payment{}, err
	}

	oldStatus := payment.Status
	updated, err := updateStatus(tx, payment.ID, StatusCanceled, ReasonCanceledByClient)
	if err != nil {
		_ = tx.Rollback()
		return Payment{}, err
	}
	updated.Invoice = invoice

	event, err := insertEvent(tx, insertEventArgs{
		payment:   updated,
		eventType: EventCanceled,
		oldStatus: &oldStatus,
		newStatus: statusPtr(updated.Status),
		source:    SourceAPI,
	})
	if err != nil {
		_ = tx.Rollback()
		return Payment{}, err
	}

	if err := tx.Commit(); err != nil {
		return Payment{}, errors.Wrap(err, "could not commit cancellation")
	}

	log.WithFields(logrus.Fields{
		"paymentId": updated.ID,
		"oldStatus": oldStatus,
	}).Info("Canceled payment")

	notifier.notify(updated, event)
	return updated, nil
}

// RecordProviderEvent appends an informational payment.status_changed
// event (old==new) for a provider notification that doesn't change the
// payment, keeping the raw body on the invoice row. The webhook ingress
// calls this for event types it has no mapping for.
func RecordProviderEvent(d *db.DB, notifier *Notifier, paymentID uuid.UUID,
	raw []byte) (Event, error) {

	tx := d.MustBegin()

	payment, err := getForUpdate(tx, paymentID)
	if err != nil {
		_ = tx.Rollback()
		return Event{}, err
	}

	if payment.Status.IsTerminal() {
		_ = tx.Rollback()
		return Event{}, ErrPaymentAlreadyFinal
	}

	invoice, err := getInvoiceForPayment(tx, payment.ID)
	if err != nil {
		_ = tx.Rollback()
		return Event{}, err
	}
	payment.Invoice = invoice

	if len(raw) > 0 && invoice != nil {
		refreshed, err := updateRawStatus(tx, payment.ID, raw)
		if err != nil {
			_ = tx.Rollback()
			return Event{}, err
		}
		payment.Invoice = &refreshed
	}

	event, err := insertEvent(tx, insertEventArgs{
		payment:   payment,
		eventType: EventStatusChanged,
		oldStatus: statusPtr(payment.Status),
		newStatus: statusPtr(payment.Status),
		source:    SourceWebhook,
	})
	if err != nil {
		_ = tx.Rollback()
		return Event{}, err
	}

	if err := tx.Commit(); err != nil {
		return Event{}, errors.Wrap(err, "could not commit provider event")
	}

	notifier.notify(payment, event)
	return event, nil
}

func validateNewPaymentArgs(args *NewPaymentArgs) error {
	if args.PaymentMethod != MethodLightning {
		return ErrInvalidPaymentMethod
	}
	if !args.Amount.IsPositive() {
		return ErrNonPositiveAmount
	}
	if len(args.Currency) < 3 || len(args.Currency) > 10 {
		return ErrInvalidCurrency
	}
	if len(args.ExternalCode) == 0 || len(args.ExternalCode) > 64 {
		return ErrInvalidExternalCode
	}
	if args.Description != nil && len(*args.Description) > maxDescriptionLength {
		return ErrDescriptionTooLong
	}
	if args.CallbackURL != nil && !validHTTPURL(*args.CallbackURL) {
		return ErrInvalidCallbackURL
	}
	if args.RedirectURL != nil && !validHTTPURL(*args.RedirectURL) {
		return ErrInvalidRedirectURL
	}

	if len(args.Metadata) == 0 {
		args.Metadata = types.JSONText(`{}`)
	} else if len(args.Metadata) > maxMetadataBytes || !json.Valid(args.Metadata) {
		return ErrInvalidMetadata
	}

	if args.IdempotencyKey != nil {
		if *args.IdempotencyKey == "" {
			args.IdempotencyKey = nil
		} else if len(*args.IdempotencyKey) > maxIdempotencyKeyLength {
			return ErrInvalidIdempotencyKey
		}
	}

	if args.MonitorWindow <= 0 {
		args.MonitorWindow = DefaultMonitorWindow
	}
	return nil
}

func validHTTPURL(raw string) bool {
	if len(raw) == 0 || len(raw) > maxURLLength {
		return false
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return (parsed.Scheme == "http" || parsed.Scheme == "https") &&
		parsed.Host != ""
}

// resolveIdempotencyKey looks for a payment already stored under the
// client's key. A hit with a matching fingerprint replays that payment,
// a hit with a different fingerprint is a conflict.
func resolveIdempotencyKey(d *db.DB, args NewPaymentArgs,
	fingerprint string) (Payment, bool, error) {

	query := paymentSelectSQL + ` WHERE client_id=$1 AND idempotency_key=$2 LIMIT 1`

	var existing Payment
	err := d.Get(&existing, query, args.ClientID, *args.IdempotencyKey)
	if err == sql.ErrNoRows {
		return Payment{}, false, nil
	}
	if err != nil {
		return Payment{}, false, errors.Wrap(err, "could not resolve idempotency key")
	}

	if existing.RequestFingerprint == nil ||
		*existing.RequestFingerprint != fingerprint {
		return Payment{}, false, ErrIdempotencyConflict
	}

	existing, err = withInvoice(d, existing)
	if err != nil {
		return Payment{}, false, err
	}
	return existing, true, nil
}

// insertPayment runs the first transaction of a create: the CREATED row
// and its payment.created event.
func insertPayment(d *db.DB, args NewPaymentArgs, fingerprint string) (Payment, Event, error) {
	tx := d.MustBegin()

	payment := Payment{
		ID:                 uuid.NewV4(),
		ClientID:           args.ClientID,
		ExternalCode:       args.ExternalCode,
		PaymentMethod:      args.PaymentMethod,
		Amount:             args.Amount,
		Currency:           args.Currency,
		Description:        args.Description,
		CallbackURL:        args.CallbackURL,
		RedirectURL:        args.RedirectURL,
		Metadata:           args.Metadata,
		IdempotencyKey:     args.IdempotencyKey,
		RequestFingerprint: &fingerprint,
		Status:             StatusCreated,
		MonitorUntil:       time.Now().UTC().Add(args.MonitorWindow),
	}

	inserted, err := insertPaymentRow(tx, payment)
	if err != nil {
		_ = tx.Rollback()
		return Payment{}, Event{}, err
	}

	event, err := insertEvent(tx, insertEventArgs{
		payment:   inserted,
		eventType: EventCreated,
		newStatus: statusPtr(inserted.Status),
		source:    SourceAPI,
	})
	if err != nil {
		_ = tx.Rollback()
		return Payment{}, Event{}, err
	}

	if err := tx.Commit(); err != nil {
		return Payment{}, Event{}, errors.Wrap(err, "could not commit payment insert")
	}

	log.WithFields(logrus.Fields{
		"paymentId":    inserted.ID,
		"externalCode": inserted.ExternalCode,
	}).Info("Created payment")

	return inserted, event, nil
}

func insertPaymentRow(tx *sqlx.Tx, payment Payment) (Payment, error) {
	query := `INSERT INTO payment_requests
		(id, client_id, external_code, payment_method, amount, currency,
		description, callback_url, redirect_url, metadata, idempotency_key,
		request_fingerprint, status, monitor_until)
		VALUES (:id, :client_id, :external_code, :payment_method, :amount,
		:currency, :description, :callback_url, :redirect_url, :metadata,
		:idempotency_key, :request_fingerprint, :status, :monitor_until)` +
		paymentReturningSQL

	rows, err := tx.NamedQuery(query, payment)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok &&
			pqErr.Constraint == uniqueIdempotencyKeyConstraint {
			return Payment{}, errIdempotencyKeyTaken
		}
		return Payment{}, fmt.Errorf("could not insert payment: %w", err)
	}
	defer db.CloseRows(rows)

	if !rows.Next() {
		return Payment{}, fmt.Errorf("could not insert payment: %w", sql.ErrNoRows)
	}

	var inserted Payment
	if err := rows.StructScan(&inserted); err != nil {
		return Payment{}, fmt.Errorf("could not scan payment: %w", err)
	}
	return inserted, nil
}

// attachInvoice runs the second transaction of a create: the invoice row
// and the flip to PENDING. If the payment left CREATED while the provider
// call was in flight the invoice is still recorded, but the status stays.
func attachInvoice(d *db.DB, paymentID uuid.UUID,
	providerInvoice btcpay.Invoice) (Payment, *Event, error) {

	tx := d.MustBegin()

	payment, err := getForUpdate(tx, paymentID)
	if err != nil {
		_ = tx.Rollback()
		return Payment{}, nil, err
	}

	invoice := Invoice{
		ID:                uuid.NewV4(),
		PaymentRequestID:  payment.ID,
		Provider:          ProviderBTCPay,
		ProviderInvoiceID: providerInvoice.ID,
		StoreID:           providerInvoice.StoreID,
		RawCreateResponse: types.JSONText(providerInvoice.Raw),
	}
	if providerInvoice.CheckoutLink != "" {
		link := providerInvoice.CheckoutLink
		invoice.CheckoutLink = &link
	}
	if providerInvoice.Bolt11 != "" {
		bolt11 := providerInvoice.Bolt11
		invoice.Bolt11 = &bolt11
	}
	if providerInvoice.ExpirationTime != nil {
		expiresAt := providerInvoice.ExpirationTime.Time
		invoice.ExpiresAt = &expiresAt
	}

	inserted, err := insertInvoice(tx, invoice)
	if err != nil {
		_ = tx.Rollback()
		return Payment{}, nil, err
	}

	if !ValidTransition(payment.Status, StatusPending) {
		// canceled while the provider call was in flight
		if err := tx.Commit(); err != nil {
			return Payment{}, nil, errors.Wrap(err, "could not commit invoice")
		}
		log.WithFields(logrus.Fields{
			"paymentId": payment.ID,
			"status":    payment.Status,
		}).Warn("Invoice arrived for payment that already left CREATED")
		payment.Invoice = &inserted
		return payment, nil, nil
	}

	oldStatus := payment.Status
	updated, err := updateStatus(tx, payment.ID, StatusPending, "")
	if err != nil {
		_ = tx.Rollback()
		return Payment{}, nil, err
	}
	updated.Invoice = &inserted

	event, err := insertEvent(tx, insertEventArgs{
		payment:   updated,
		eventType: EventInvoiceCreated,
		oldStatus: &oldStatus,
		newStatus: statusPtr(updated.Status),
		source:    SourceAPI,
	})
	if err != nil {
		_ = tx.Rollback()
		return Payment{}, nil, err
	}

	if err := tx.Commit(); err != nil {
		return Payment{}, nil, errors.Wrap(err, "could not commit invoice")
	}

	log.WithFields(logrus.Fields{
		"paymentId": updated.ID,
		"invoice":   inserted.ProviderInvoiceID,
	}).Info("Attached provider invoice")

	return updated, &event, nil
}

// markProviderFailure finalizes a CREATED payment as FAILED after the
// provider refused or timed out.
func markProviderFailure(d *db.DB, paymentID uuid.UUID) (Payment, *Event, error) {
	tx := d.MustBegin()

	payment, err := getForUpdate(tx, paymentID)
	if err != nil {
		_ = tx.Rollback()
		return Payment{}, nil, err
	}

	if !ValidTransition(payment.Status, StatusFailed) {
		_ = tx.Rollback()
		return payment, nil, nil
	}

	oldStatus := payment.Status
	updated, err := updateStatus(tx, payment.ID, StatusFailed, ReasonProviderError)
	if err != nil {
		_ = tx.Rollback()
		return Payment{}, nil, err
	}

	event, err := insertEvent(tx, insertEventArgs{
		payment:   updated,
		eventType: EventFailed,
		oldStatus: &oldStatus,
		newStatus: statusPtr(updated.Status),
		source:    SourceAPI,
	})
	if err != nil {
		_ = tx.Rollback()
		return Payment{}, nil, err
	}

	if err := tx.Commit(); err != nil {
		return Payment{}, nil, errors.Wrap(err, "could not commit failure")
	}

	return updated, &event, nil
}

func getForUpdate(g db.Getter, id uuid.UUID) (Payment, error) {
	query := paymentSelectSQL + ` WHERE id=$1 FOR UPDATE`

	var payment Payment
	if err := g.Get(&payment, query, id); err != nil {
		if err == sql.ErrNoRows {
			return Payment{}, ErrPaymentNotFound
		}
		return Payment{}, errors.Wrapf(err, "could not lock payment %s", id)
	}
	return payment, nil
}

// updateStatus persists a transition. Terminal targets get finalized_at
// in the same UPDATE.
func updateStatus(tx *sqlx.Tx, id uuid.UUID, to Status, reason string) (Payment, error) {
	var finalizedAt *time.Time
	if to.IsTerminal() {
		now := time.Now().UTC()
		finalizedAt = &now
	}
	var statusReason *string
	if reason != "" {
		statusReason = &reason
	}

	query := `UPDATE payment_requests
		SET status = :status, status_reason = :status_reason,
			finalized_at = :finalized_at, updated_at = now()
		WHERE id = :id` + paymentReturningSQL

	rows, err := tx.NamedQuery(query, map[string]interface{}{
		"id":            id,
		"status":        to,
		"status_reason": statusReason,
		"finalized_at":  finalizedAt,
	})
	if err != nil {
		return Payment{}, fmt.Errorf("could not update payment status: %w", err)
	}
	defer db.CloseRows(rows)

	if !rows.Next() {
		return Payment{}, fmt.Errorf("could not update payment status: %w", sql.ErrNoRows)
	}

	var updated Payment
	if err := rows.StructScan(&updated); err != nil {
		return Payment{}, fmt.Errorf("could not scan payment: %w", err)
	}
	return updated, nil
}

// invoiceMetadata is what we pin on the provider invoice: the client's
// own metadata plus our identifiers, which always win on key collisions.
func invoiceMetadata(payment Payment) map[string]interface{} {
	metadata := map[string]interface{}{}
	if len(payment.Metadata) > 0 {
		if err := json.Unmarshal(payment.Metadata, &metadata); err != nil {
			log.WithError(err).WithField("paymentId", payment.ID).
				Warn("Could not decode payment metadata")
			metadata = map[string]interface{}{}
		}
	}
	metadata["payment_id"] = payment.ID.String()
	metadata["external_code"] = payment.ExternalCode
	return metadata
}

func statusPtr(status Status) *Status {
	return &status
}

func derefOrEmpty(str *string) string {
	if str == nil {
		return ""
	}
	return *str
}
