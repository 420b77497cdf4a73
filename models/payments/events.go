package payments

import (
	"database/sql"
	"encoding/json"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/jmoiron/sqlx/types"
	"github.com/pkg/errors"
	uuid "github.com/satori/go.uuid"

	"gitlab.com/arcanecrypto/vendcoil/db"
)

// Event types delivered on the stream and in callbacks.
const (
	EventCreated        = "payment.created"
	EventInvoiceCreated = "payment.invoice_created"
	EventStatusChanged  = "payment.status_changed"
	EventPaid           = "payment.paid"
	EventExpired        = "payment.expired"
	EventTimedOut       = "payment.timed_out"
	EventFailed         = "payment.failed"
	EventCanceled       = "payment.canceled"
)

// statusEvent maps a new status to the event type announcing it.
func statusEvent(to Status) string {
	switch to {
	case StatusPending:
		return EventInvoiceCreated
	case StatusPaid:
		return EventPaid
	case StatusExpired:
		return EventExpired
	case StatusTimedOut:
		return EventTimedOut
	case StatusFailed:
		return EventFailed
	case StatusCanceled:
		return EventCanceled
	}
	return EventStatusChanged
}

// Event is a payment_events row. Seq is dense per client, starting at 1.
type Event struct {
	ID               int64     `db:"id"`
	ClientID         uuid.UUID `db:"client_id"`
	PaymentRequestID uuid.UUID `db:"payment_request_id"`

	Seq       int64   `db:"seq"`
	EventType string  `db:"event_type"`
	OldStatus *Status `db:"old_status"`
	NewStatus *Status `db:"new_status"`
	Source    string  `db:"source"`

	// Payload is the full stream envelope, snapshotted at emission
	Payload types.JSONText `db:"payload"`

	CreatedAt time.Time `db:"created_at"`
}

const eventReturningSQL = ` RETURNING id, client_id, payment_request_id,
	seq, event_type, old_status, new_status, source, payload, created_at`

type insertEventArgs struct {
	// payment must carry the state the envelope should snapshot, invoice
	// attached when one exists
	payment   Payment
	eventType string
	oldStatus *Status
	newStatus *Status
	source    string
}

// insertEvent appends one event inside the caller's transaction. The
// client row lock serializes sequence assignment, which keeps seq dense
// per client even with concurrent writers.
func insertEvent(tx *sqlx.Tx, args insertEventArgs) (Event, error) {
	var lockedID uuid.UUID
	err := tx.Get(&lockedID, `SELECT id FROM clients WHERE id = $1 FOR UPDATE`,
		args.payment.ClientID)
	if err != nil {
		return Event{}, errors.Wrapf(err, "could not lock client %s",
			args.payment.ClientID)
	}

	var seq int64
	err = tx.Get(&seq,
		`SELECT COALESCE(MAX(seq), 0) + 1 FROM payment_events WHERE client_id = $1`,
		args.payment.ClientID)
	if err != nil {
		return Event{}, errors.Wrap(err, "could not assign event seq")
	}

	event := Event{
		ClientID:         args.payment.ClientID,
		PaymentRequestID: args.payment.ID,
		Seq:              seq,
		EventType:        args.eventType,
		OldStatus:        args.oldStatus,
		NewStatus:        args.newStatus,
		Source:           args.source,
	}

	payload, err := json.Marshal(newEnvelope(event, args.payment))
	if err != nil {
		return Event{}, errors.Wrap(err, "could not marshal event payload")
	}
	event.Payload = types.JSONText(payload)

	query := `INSERT INTO payment_events
		(client_id, payment_request_id, seq, event_type, old_status,
		new_status, source, payload)
		VALUES (:client_id, :payment_request_id, :seq, :event_type,
		:old_status, :new_status, :source, :payload)` + eventReturningSQL

	rows, err := tx.NamedQuery(query, event)
	if err != nil {
		return Event{}, errors.Wrap(err, "could not insert event")
	}
	defer db.CloseRows(rows)

	if !rows.Next() {
		return Event{}, errors.Wrap(sql.ErrNoRows, "could not insert event")
	}

	var inserted Event
	if err := rows.StructScan(&inserted); err != nil {
		return Event{}, errors.Wrap(err, "could not scan event")
	}
	return inserted, nil
}

// ListEventsAfter returns a client's events with seq greater than the
// given value, in seq order. The stream handler replays from here.
func ListEventsAfter(d *db.DB, clientID uuid.UUID, afterSeq int64) ([]Event, error) {
	query := `SELECT id, client_id, payment_request_id, seq, event_type,
		old_status, new_status, source, payload, created_at
		FROM payment_events WHERE client_id=$1 AND seq > $2 ORDER BY seq`

	var events []Event
	if err := d.Select(&events, query, clientID, afterSeq); err != nil {
		return nil, errors.Wrapf(err, "ListEventsAfter(db, %s, %d)",
			clientID, afterSeq)
	}
	return events, nil
}

// Envelope is the JSON document stored as event payload, streamed to
// subscribers and posted to callback URLs.
type Envelope struct {
	EventID   int64     `json:"event_id"`
	Event     string    `json:"event"`
	EmittedAt time.Time `json:"emitted_at"`

	Payment        EnvelopePayment         `json:"payment"`
	Invoice        *EnvelopeInvoice        `json:"invoice"`
	ProviderStatus *EnvelopeProviderStatus `json:"provider_status"`
}

// EnvelopePayment is the payment snapshot inside an Envelope.
type EnvelopePayment struct {
	PaymentID     uuid.UUID  `json:"payment_id"`
	ExternalCode  string     `json:"external_code"`
	Status        Status     `json:"status"`
	StatusReason  *string    `json:"status_reason"`
	CreatedAt     time.Time  `json:"created_at"`
	FinalizedAt   *time.Time `json:"finalized_at"`
	MonitorUntil  time.Time  `json:"monitor_until"`
	Amount        Money      `json:"amount"`
	PaymentMethod string     `json:"payment_method"`
}

// EnvelopeInvoice is the invoice snapshot inside an Envelope, null until
// the provider assigned one.
type EnvelopeInvoice struct {
	Provider          string     `json:"provider"`
	ProviderInvoiceID string     `json:"provider_invoice_id"`
	CheckoutLink      *string    `json:"checkout_link"`
	Bolt11            *string    `json:"bolt11"`
	ExpiresAt         *time.Time `json:"expires_at"`
}

// EnvelopeProviderStatus is the latest provider-reported status, null
// until any source saw one.
type EnvelopeProviderStatus struct {
	BTCPayStatus string    `json:"btcpay_status"`
	SeenAt       time.Time `json:"seen_at"`
	Source       string    `json:"source"`
}

func newEnvelope(event Event, payment Payment) Envelope {
	envelope := Envelope{
		EventID:   event.Seq,
		Event:     event.EventType,
		EmittedAt: time.Now().UTC(),
		Payment: EnvelopePayment{
			PaymentID:     payment.ID,
			ExternalCode:  payment.ExternalCode,
			Status:        payment.Status,
			StatusReason:  payment.StatusReason,
			CreatedAt:     payment.CreatedAt,
			FinalizedAt:   payment.FinalizedAt,
			MonitorUntil:  payment.MonitorUntil,
			Amount:        payment.Money(),
			PaymentMethod: payment.PaymentMethod,
		},
	}

	if payment.Invoice != nil {
		envelope.Invoice = &EnvelopeInvoice{
			Provider:          payment.Invoice.Provider,
			ProviderInvoiceID: payment.Invoice.ProviderInvoiceID,
			CheckoutLink:      payment.Invoice.CheckoutLink,
			Bolt11:            payment.Invoice.Bolt11,
			ExpiresAt:         payment.Invoice.ExpiresAt,
		}
		if len(payment.Invoice.RawLastStatus) > 0 {
			envelope.ProviderStatus = &EnvelopeProviderStatus{
				BTCPayStatus: providerStatusFromRaw(payment.Invoice.RawLastStatus),
				SeenAt:       payment.Invoice.UpdatedAt,
				Source:       event.Source,
			}
		}
	}

	return envelope
}

// providerStatusFromRaw digs the provider's status string out of a raw
// status document. Poll responses carry it in status, webhook bodies in
// type or eventType.
func providerStatusFromRaw(raw types.JSONText) string {
	var fields struct {
		Status    string `json:"status"`
		Type      string `json:"type"`
		EventType string `json:"eventType"`
	}
	if err := json.Unmarshal(raw, &fields); err != nil {
		return ""
	}
	switch {
	case fields.Status != "":
		return fields.Status
	case fields.Type != "":
		return fields.Type
	}
	return fields.EventType
}
