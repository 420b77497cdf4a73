// Package apiwebhooks receives invoice notifications from the payment
// provider. Webhooks are authenticated with an HMAC signature over the raw
// body instead of a bearer token.
package apiwebhooks

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"gitlab.com/arcanecrypto/vendcoil/api/apierr"
	"gitlab.com/arcanecrypto/vendcoil/btcpay"
	"gitlab.com/arcanecrypto/vendcoil/build"
	"gitlab.com/arcanecrypto/vendcoil/db"
	"gitlab.com/arcanecrypto/vendcoil/models/payments"
)

var log = build.AddSubLogger("APIW")

// signatureHeader carries the provider's HMAC over the raw request body.
const signatureHeader = "Provider-Sig"

// services that get initiated in RegisterRoutes
var (
	database      *db.DB
	notifier      *payments.Notifier
	webhookSecret []byte
	eventMap      btcpay.EventMap
)

// RegisterRoutes registers the provider webhook endpoint on the gin Engine
// parameter. The endpoint skips the bearer middleware, requests prove
// themselves with the signature header.
func RegisterRoutes(server *gin.Engine, db *db.DB, paymentNotifier *payments.Notifier,
	secret []byte, events btcpay.EventMap) {
	// assign the services given
	database = db
	notifier = paymentNotifier
	webhookSecret = secret
	eventMap = events

	hooks := server.Group("/api/v1/webhooks")
	hooks.POST("provider", handleProviderWebhook())
}

// webhookResponse tells the provider what we did with its notification.
// Anything but a signature or parse problem answers 2xx, so the provider
// doesn't keep retrying notifications we have consciously declined.
type webhookResponse struct {
	Status    string `json:"status"`
	Reason    string `json:"reason,omitempty"`
	PaymentID string `json:"payment_id,omitempty"`
	EventType string `json:"event_type,omitempty"`
}

// handleProviderWebhook verifies, parses and applies one provider
// notification. The signature check runs over the raw bytes before any
// JSON parsing.
func handleProviderWebhook() gin.HandlerFunc {
	return func(c *gin.Context) {
		body, err := c.GetRawData()
		if err != nil {
			log.WithError(err).Error("Could not read webhook body")
			apierr.Public(c, http.StatusBadRequest, apierr.ErrInvalidWebhookPayload)
			return
		}

		if !btcpay.VerifySignature(body, c.GetHeader(signatureHeader), webhookSecret) {
			apierr.Public(c, http.StatusUnauthorized, apierr.ErrInvalidWebhookSignature)
			return
		}

		hook, err := btcpay.ParseWebhook(body)
		if err != nil {
			apierr.Public(c, http.StatusBadRequest, apierr.ErrInvalidWebhookPayload)
			return
		}

		payment, err := payments.GetByProviderInvoiceID(database, hook.InvoiceID)
		if err != nil {
			if errors.Is(err, payments.ErrPaymentNotFound) {
				// could be a test webhook, or an invoice for another store
				c.JSONP(http.StatusOK, webhookResponse{
					Status: "ignored",
					Reason: "invoice_not_found",
				})
				return
			}
			log.WithError(err).WithField("invoiceId", hook.InvoiceID).
				Error("Could not look up webhook invoice")
			_ = c.Error(err)
			c.Abort()
			return
		}

		// replays of already handled notifications are expected, the
		// provider retries until it sees a 2xx
		if payment.Status.IsTerminal() {
			c.JSONP(http.StatusOK, webhookResponse{
				Status: "ignored",
				Reason: "already_finalized",
			})
			return
		}

		verdict, known := eventMap.Classify(hook.Type)
		if !known {
			if _, err := payments.RecordProviderEvent(database, notifier,
				payment.ID, hook.Raw); err != nil {
				// the payment can finalize between our status check and here
				if errors.Is(err, payments.ErrPaymentAlreadyFinal) {
					c.JSONP(http.StatusOK, webhookResponse{
						Status: "ignored",
						Reason: "already_finalized",
					})
					return
				}
				log.WithError(err).WithField("paymentId", payment.ID).
					Error("Could not record provider event")
				_ = c.Error(err)
				c.Abort()
				return
			}
			c.JSONP(http.StatusOK, webhookResponse{
				Status:    "logged",
				PaymentID: payment.ID.String(),
				EventType: hook.Type,
			})
			return
		}

		outcome, err := payments.ApplyHint(database, notifier, payment.ID,
			hintForVerdict(verdict, hook))
		if err != nil {
			log.WithError(err).WithField("paymentId", payment.ID).
				Error("Could not apply webhook hint")
			_ = c.Error(err)
			c.Abort()
			return
		}

		if !outcome.Applied {
			c.JSONP(http.StatusOK, webhookResponse{
				Status:    "ignored",
				Reason:    "transition_not_allowed",
				PaymentID: payment.ID.String(),
			})
			return
		}

		c.JSONP(http.StatusOK, webhookResponse{
			Status:    "processed",
			PaymentID: payment.ID.String(),
		})
	}
}

// hintForVerdict translates an event map verdict into the lifecycle hint
// the payments model applies.
func hintForVerdict(verdict btcpay.Verdict, hook btcpay.Webhook) payments.Hint {
	hint := payments.Hint{
		Source:    payments.SourceWebhook,
		RawStatus: hook.Raw,
	}

	switch verdict {
	case btcpay.VerdictPaid:
		hint.Kind = payments.HintPaid
	case btcpay.VerdictExpired:
		hint.Kind = payments.HintExpired
		hint.Reason = payments.ReasonProviderExpired
	case btcpay.VerdictInvalid:
		hint.Kind = payments.HintInvalid
		hint.Reason = payments.ReasonProviderError + ": " + hook.Type
	}

	return hint
}
