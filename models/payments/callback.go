package payments

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"gitlab.com/arcanecrypto/vendcoil/async"
	"gitlab.com/arcanecrypto/vendcoil/btcpay"
	"gitlab.com/arcanecrypto/vendcoil/bus"
)

// Callback delivery schedule: up to three attempts, sleeping 1s and then
// 5s between them.
const (
	callbackAttempts      = 3
	callbackBaseSleep     = time.Second
	callbackBackoffFactor = 5
)

// HttpPoster is the interface for posting signed callback bodies. Tests
// swap in a mock.
type HttpPoster interface {
	Post(url, signature string, reader io.Reader) (*http.Response, error)
}

// SignedPoster posts JSON bodies with the signature in an X-Signature
// header.
type SignedPoster struct {
	// Client defaults to a plain client with a 5 second timeout
	Client *http.Client
}

func (s SignedPoster) Post(url, signature string, reader io.Reader) (*http.Response, error) {
	req, err := http.NewRequest(http.MethodPost, url, reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Signature", signature)

	client := s.Client
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	return client.Do(req)
}

// Notifier delivers committed events to stream subscribers and, when a
// payment with a callback URL finalizes, to the client's callback
// endpoint. A nil Notifier drops everything, which tests exercising only
// the database use.
type Notifier struct {
	Bus    bus.Publisher
	Poster HttpPoster
	// Secret keys the X-Signature HMAC on callback bodies, the same
	// secret the provider webhook uses
	Secret []byte
}

// notify fans out an event that has already committed. Must not be called
// inside the transaction that created the event.
func (n *Notifier) notify(payment Payment, event Event) {
	if n == nil {
		return
	}

	if n.Bus != nil {
		n.Bus.Publish(bus.Message{
			ClientID: event.ClientID,
			Seq:      event.Seq,
			Type:     event.EventType,
			Payload:  json.RawMessage(event.Payload),
		})
	}

	if payment.Status.IsTerminal() && payment.CallbackURL != nil && n.Poster != nil {
		n.postCallback(payment, event)
	}
}

// postCallback delivers the event envelope to the payment's callback URL
// in the background. Failures are logged and never affect payment state.
func (n *Notifier) postCallback(payment Payment, event Event) {
	body := []byte(event.Payload)
	signature := btcpay.SignPayload(body, n.Secret)
	url := *payment.CallbackURL

	go func() {
		retry := func() error {
			res, err := n.Poster.Post(url, signature, bytes.NewReader(body))
			if err != nil {
				return err
			}
			_ = res.Body.Close()
			if res.StatusCode < 200 || res.StatusCode > 299 {
				return errors.Errorf("callback answered %d", res.StatusCode)
			}
			return nil
		}

		err := async.RetryBackoff(callbackAttempts, callbackBaseSleep,
			callbackBackoffFactor, retry)
		if err != nil {
			log.WithError(err).WithFields(logrus.Fields{
				"paymentId": payment.ID,
				"event":     event.EventType,
			}).Error("Could not deliver callback")
			return
		}

		log.WithFields(logrus.Fields{
			"paymentId": payment.ID,
			"event":     event.EventType,
		}).Debug("Delivered callback")
	}()
}
