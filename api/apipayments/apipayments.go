// Package apipayments provides HTTP handlers for creating, reading and
// canceling payments in our API.
package apipayments

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jmoiron/sqlx/types"
	uuid "github.com/satori/go.uuid"
	"github.com/shopspring/decimal"

	"gitlab.com/arcanecrypto/vendcoil/api/apierr"
	"gitlab.com/arcanecrypto/vendcoil/api/auth"
	"gitlab.com/arcanecrypto/vendcoil/btcpay"
	"gitlab.com/arcanecrypto/vendcoil/build"
	"gitlab.com/arcanecrypto/vendcoil/db"
	"gitlab.com/arcanecrypto/vendcoil/models/payments"
)

var log = build.AddSubLogger("APIP")

// Watcher keeps an eye on a pending payment until the provider settles it
// or the monitoring window runs out. The monitor package implements this,
// tests swap in their own.
type Watcher interface {
	Watch(payment payments.Payment)
}

// services that get initiated in RegisterRoutes
var (
	database      *db.DB
	provider      btcpay.Provider
	notifier      *payments.Notifier
	watcher       Watcher
	monitorWindow time.Duration
)

// RegisterRoutes applies the authMiddleware to this packages routes
// and registers routes on the gin Engine parameter. ratelimiter runs on
// payment creation only, keyed on the authenticated client.
func RegisterRoutes(server *gin.Engine, db *db.DB, btcpayProvider btcpay.Provider,
	paymentNotifier *payments.Notifier, paymentWatcher Watcher,
	authmiddleware gin.HandlerFunc, ratelimiter gin.HandlerFunc,
	window time.Duration) {
	// assign the services given
	database = db
	provider = btcpayProvider
	notifier = paymentNotifier
	watcher = paymentWatcher
	monitorWindow = window

	paymentRoutes := server.Group("/api/v1/payments")
	paymentRoutes.Use(authmiddleware)

	paymentRoutes.POST("", ratelimiter, createPayment())
	paymentRoutes.GET(":id", getPayment())
	paymentRoutes.POST(":id/cancel", cancelPayment())
}

// PaymentResponse is the wire shape of a payment, shared by the create,
// read and cancel endpoints.
type PaymentResponse struct {
	PaymentID    uuid.UUID       `json:"payment_id"`
	Status       payments.Status `json:"status"`
	StatusReason *string         `json:"status_reason,omitempty"`
	MonitorUntil time.Time       `json:"monitor_until"`

	Amount       payments.Money `json:"amount"`
	ExternalCode string         `json:"external_code"`
	Metadata     types.JSONText `json:"metadata"`

	Invoice *payments.EnvelopeInvoice `json:"invoice"`
	// LightningInvoice mirrors invoice.bolt11 so kiosks can render a QR
	// code without digging into the invoice object
	LightningInvoice *string `json:"lightning_invoice,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	FinalizedAt *time.Time `json:"finalized_at,omitempty"`
}

func newPaymentResponse(payment payments.Payment) PaymentResponse {
	res := PaymentResponse{
		PaymentID:    payment.ID,
		Status:       payment.Status,
		StatusReason: payment.StatusReason,
		MonitorUntil: payment.MonitorUntil,
		Amount:       payment.Money(),
		ExternalCode: payment.ExternalCode,
		Metadata:     payment.Metadata,
		CreatedAt:    payment.CreatedAt,
		FinalizedAt:  payment.FinalizedAt,
	}

	if payment.Invoice != nil {
		res.Invoice = &payments.EnvelopeInvoice{
			Provider:          payment.Invoice.Provider,
			ProviderInvoiceID: payment.Invoice.ProviderInvoiceID,
			CheckoutLink:      payment.Invoice.CheckoutLink,
			Bolt11:            payment.Invoice.Bolt11,
			ExpiresAt:         payment.Invoice.ExpiresAt,
		}
		res.LightningInvoice = payment.Invoice.Bolt11
	}

	return res
}

// createPayment books a payment request and asks the provider for a
// Lightning invoice to back it. Answers 201 with the payment, PENDING when
// the provider delivered, FAILED behind a 502 when it didn't.
func createPayment() gin.HandlerFunc {
	type createPaymentRequest struct {
		PaymentMethod  string          `json:"payment_method" binding:"required,paymentmethod"`
		Amount         decimal.Decimal `json:"amount" binding:"required,positivemoney"`
		Currency       string          `json:"currency" binding:"required,min=3,max=10"`
		ExternalCode   string          `json:"external_code" binding:"required,max=64"`
		Description    *string         `json:"description" binding:"omitempty,max=500"`
		CallbackURL    *string         `json:"callback_url" binding:"omitempty,url,max=2048"`
		RedirectURL    *string         `json:"redirect_url" binding:"omitempty,url,max=2048"`
		Metadata       types.JSONText  `json:"metadata"`
		IdempotencyKey *string         `json:"idempotency_key" binding:"omitempty,max=255"`
	}

	return func(c *gin.Context) {
		info, ok := auth.RequireScope(c, auth.ScopeCreatePayments)
		if !ok {
			return
		}

		var req createPaymentRequest
		if c.BindJSON(&req) != nil {
			return
		}

		payment, err := payments.New(database, provider, notifier,
			payments.NewPaymentArgs{
				ClientID:       info.ClientID,
				ExternalCode:   req.ExternalCode,
				PaymentMethod:  req.PaymentMethod,
				Amount:         req.Amount,
				Currency:       req.Currency,
				Description:    req.Description,
				CallbackURL:    req.CallbackURL,
				RedirectURL:    req.RedirectURL,
				Metadata:       req.Metadata,
				IdempotencyKey: req.IdempotencyKey,
				MonitorWindow:  monitorWindow,
			})
		if err != nil {
			switch {
			case errors.Is(err, payments.ErrIdempotencyConflict):
				apierr.Public(c, http.StatusConflict, apierr.ErrIdempotencyConflict)

			case errors.Is(err, payments.ErrProviderUnavailable):
				apierr.Public(c, http.StatusBadGateway, apierr.ErrProviderUnavailable)

			// binding catches most argument problems before us, these are
			// the checks only the model performs
			case errors.Is(err, payments.ErrInvalidMetadata):
				apierr.Public(c, http.StatusBadRequest, apierr.ErrInvalidMetadata)

			case errors.Is(err, payments.ErrInvalidCallbackURL):
				apierr.Public(c, http.StatusBadRequest, apierr.ErrInvalidCallbackURL)

			case errors.Is(err, payments.ErrInvalidRedirectURL):
				apierr.Public(c, http.StatusBadRequest, apierr.ErrInvalidRedirectURL)

			default:
				log.WithError(err).Error("Could not create payment")
				_ = c.Error(err)
				c.Abort()
			}
			return
		}

		// replays of idempotent creates can hand back finalized payments,
		// only watch the ones that can still move
		if payment.Status == payments.StatusPending {
			watcher.Watch(payment)
		}

		c.JSONP(http.StatusCreated, newPaymentResponse(payment))
	}
}

// getPayment answers with a single payment owned by the authenticated
// client. Unknown ids, other clients' payments and unparseable ids all
// answer 404, so callers can't probe for foreign payment ids.
func getPayment() gin.HandlerFunc {
	return func(c *gin.Context) {
		info, ok := auth.RequireScope(c, auth.ScopeReadPayments)
		if !ok {
			return
		}

		id, err := uuid.FromString(c.Param("id"))
		if err != nil {
			apierr.Public(c, http.StatusNotFound, apierr.ErrPaymentNotFound)
			return
		}

		payment, err := payments.GetByID(database, id, info.ClientID)
		if err != nil {
			if errors.Is(err, payments.ErrPaymentNotFound) {
				apierr.Public(c, http.StatusNotFound, apierr.ErrPaymentNotFound)
				return
			}
			log.WithError(err).WithField("paymentId", id).
				Error("Could not get payment")
			_ = c.Error(err)
			c.Abort()
			return
		}

		c.JSONP(http.StatusOK, newPaymentResponse(payment))
	}
}

// cancelPayment finalizes a payment as CANCELED while it is still CREATED
// or PENDING.
func cancelPayment() gin.HandlerFunc {
	return func(c *gin.Context) {
		info, ok := auth.RequireScope(c, auth.ScopeCreatePayments)
		if !ok {
			return
		}

		id, err := uuid.FromString(c.Param("id"))
		if err != nil {
			apierr.Public(c, http.StatusNotFound, apierr.ErrPaymentNotFound)
			return
		}

		payment, err := payments.Cancel(database, notifier, id, info.ClientID)
		if err != nil {
			switch {
			case errors.Is(err, payments.ErrPaymentNotFound):
				apierr.Public(c, http.StatusNotFound, apierr.ErrPaymentNotFound)

			case errors.Is(err, payments.ErrPaymentAlreadyFinal):
				apierr.Public(c, http.StatusConflict, apierr.ErrPaymentAlreadyFinal)

			default:
				log.WithError(err).WithField("paymentId", id).
					Error("Could not cancel payment")
				_ = c.Error(err)
				c.Abort()
			}
			return
		}

		c.JSONP(http.StatusOK, newPaymentResponse(payment))
	}
}
