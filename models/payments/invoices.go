package payments

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/jmoiron/sqlx/types"
	"github.com/pkg/errors"
	uuid "github.com/satori/go.uuid"

	"gitlab.com/arcanecrypto/vendcoil/db"
)

// ProviderBTCPay is the provider name stored on invoice rows.
const ProviderBTCPay = "BTCPAY"

// Invoice is a provider_invoices row, the provider-side counterpart of a
// payment. At most one exists per payment.
type Invoice struct {
	ID               uuid.UUID `db:"id"`
	PaymentRequestID uuid.UUID `db:"payment_request_id"`

	Provider          string     `db:"provider"`
	ProviderInvoiceID string     `db:"provider_invoice_id"`
	StoreID           string     `db:"store_id"`
	CheckoutLink      *string    `db:"checkout_link"`
	Bolt11            *string    `db:"bolt11"`
	ExpiresAt         *time.Time `db:"expires_at"`

	// RawCreateResponse is the provider's exact create response
	RawCreateResponse types.JSONText `db:"raw_create_response"`
	// RawLastStatus is the latest raw status document any source saw
	RawLastStatus types.JSONText `db:"raw_last_status"`

	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`
}

const (
	invoiceSelectSQL = `SELECT id, payment_request_id, provider,
	provider_invoice_id, store_id, checkout_link, bolt11, expires_at,
	raw_create_response, raw_last_status, created_at, updated_at
	FROM provider_invoices`

	invoiceReturningSQL = ` RETURNING id, payment_request_id, provider,
	provider_invoice_id, store_id, checkout_link, bolt11, expires_at,
	raw_create_response, raw_last_status, created_at, updated_at`
)

func insertInvoice(tx *sqlx.Tx, invoice Invoice) (Invoice, error) {
	query := `INSERT INTO provider_invoices
		(id, payment_request_id, provider, provider_invoice_id, store_id,
		checkout_link, bolt11, expires_at, raw_create_response)
		VALUES (:id, :payment_request_id, :provider, :provider_invoice_id,
		:store_id, :checkout_link, :bolt11, :expires_at,
		:raw_create_response)` + invoiceReturningSQL

	rows, err := tx.NamedQuery(query, invoice)
	if err != nil {
		return Invoice{}, fmt.Errorf("could not insert invoice: %w", err)
	}
	defer db.CloseRows(rows)

	if !rows.Next() {
		return Invoice{}, fmt.Errorf("could not insert invoice: %w", sql.ErrNoRows)
	}

	var inserted Invoice
	if err := rows.StructScan(&inserted); err != nil {
		return Invoice{}, fmt.Errorf("could not scan invoice: %w", err)
	}
	return inserted, nil
}

// getInvoiceForPayment reads the invoice backing a payment, nil when the
// payment never got one.
func getInvoiceForPayment(g db.Getter, paymentID uuid.UUID) (*Invoice, error) {
	query := invoiceSelectSQL + ` WHERE payment_request_id=$1 LIMIT 1`

	var invoice Invoice
	if err := g.Get(&invoice, query, paymentID); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, errors.Wrapf(err, "could not get invoice for payment %s", paymentID)
	}
	return &invoice, nil
}

// withInvoice attaches the payment's invoice when one exists.
func withInvoice(g db.Getter, payment Payment) (Payment, error) {
	invoice, err := getInvoiceForPayment(g, payment.ID)
	if err != nil {
		return Payment{}, err
	}
	payment.Invoice = invoice
	return payment, nil
}

// updateRawStatus stores the latest raw provider status document on the
// payment's invoice row.
func updateRawStatus(tx *sqlx.Tx, paymentID uuid.UUID, raw []byte) (Invoice, error) {
	query := `UPDATE provider_invoices
		SET raw_last_status = $2, updated_at = now()
		WHERE payment_request_id = $1` + invoiceReturningSQL

	rows, err := tx.Queryx(query, paymentID, types.JSONText(raw))
	if err != nil {
		return Invoice{}, fmt.Errorf("could not update raw status: %w", err)
	}
	defer db.CloseRows(rows)

	if !rows.Next() {
		return Invoice{}, fmt.Errorf("could not update raw status: %w", sql.ErrNoRows)
	}

	var updated Invoice
	if err := rows.StructScan(&updated); err != nil {
		return Invoice{}, fmt.Errorf("could not scan invoice: %w", err)
	}
	return updated, nil
}

// GetByProviderInvoiceID resolves a provider invoice ID to its payment,
// invoice attached. Used by the webhook ingress, which only knows the
// provider's identifier.
func GetByProviderInvoiceID(d *db.DB, providerInvoiceID string) (Payment, error) {
	var invoice Invoice
	err := d.Get(&invoice, invoiceSelectSQL+` WHERE provider_invoice_id=$1 LIMIT 1`,
		providerInvoiceID)
	if err != nil {
		if err == sql.ErrNoRows {
			return Payment{}, ErrPaymentNotFound
		}
		return Payment{}, errors.Wrapf(err,
			"GetByProviderInvoiceID(db, %s)", providerInvoiceID)
	}

	var payment Payment
	err = d.Get(&payment, paymentSelectSQL+` WHERE id=$1 LIMIT 1`,
		invoice.PaymentRequestID)
	if err != nil {
		return Payment{}, errors.Wrapf(err,
			"could not get payment %s for invoice %s",
			invoice.PaymentRequestID, providerInvoiceID)
	}

	payment.Invoice = &invoice
	return payment, nil
}
