package btcpay

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io/ioutil"
	"strings"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v2"
)

// signaturePrefix is what BTCPay puts in front of the hex HMAC digest.
const signaturePrefix = "sha256="

// ErrNoInvoiceID means a webhook body carried no invoice ID in either of
// its known spellings.
var ErrNoInvoiceID = errors.New("webhook carries no invoice ID")

// SignPayload computes the signature header value for a payload, in the
// same format BTCPay uses for its webhooks.
func SignPayload(body, secret []byte) string {
	mac := hmac.New(sha256.New, secret)
	_, _ = mac.Write(body)
	return signaturePrefix + hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks a sha256=<hex> header value against the raw
// request body in constant time.
func VerifySignature(body []byte, header string, secret []byte) bool {
	if !strings.HasPrefix(header, signaturePrefix) {
		return false
	}
	got, err := hex.DecodeString(strings.TrimPrefix(header, signaturePrefix))
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, secret)
	_, _ = mac.Write(body)
	return hmac.Equal(got, mac.Sum(nil))
}

// Webhook is a parsed provider notification.
type Webhook struct {
	InvoiceID string
	Type      string
	Raw       json.RawMessage
}

// ParseWebhook extracts the invoice ID and event type from a webhook
// body. Both fields have an old and a new JSON spelling, older BTCPay
// versions nest the invoice ID and call the type eventType.
func ParseWebhook(body []byte) (Webhook, error) {
	var fields struct {
		InvoiceID string `json:"invoiceId"`
		Type      string `json:"type"`
		EventType string `json:"eventType"`
		Invoice   struct {
			ID string `json:"id"`
		} `json:"invoice"`
	}
	if err := json.Unmarshal(body, &fields); err != nil {
		return Webhook{}, errors.Wrap(err, "could not parse webhook body")
	}

	hook := Webhook{
		InvoiceID: fields.InvoiceID,
		Type:      fields.Type,
		Raw:       body,
	}
	if hook.InvoiceID == "" {
		hook.InvoiceID = fields.Invoice.ID
	}
	if hook.Type == "" {
		hook.Type = fields.EventType
	}
	if hook.InvoiceID == "" {
		return Webhook{}, ErrNoInvoiceID
	}
	return hook, nil
}

// Verdict is what a webhook event type means for a payment.
type Verdict string

// Verdicts an event map can assign.
const (
	VerdictPaid    Verdict = "PAID"
	VerdictExpired Verdict = "EXPIRED"
	VerdictInvalid Verdict = "INVALID"
)

// EventMap assigns verdicts to webhook event types. BTCPay renamed its
// event types between versions, and deployments can override the mapping
// with a YAML file.
type EventMap struct {
	Paid    []string `yaml:"paid"`
	Expired []string `yaml:"expired"`
	Invalid []string `yaml:"invalid"`
}

// DefaultEventMap covers the event type names of every BTCPay version
// we have seen in the wild.
func DefaultEventMap() EventMap {
	return EventMap{
		Paid:    []string{"InvoiceSettled", "invoice.settled"},
		Expired: []string{"InvoiceExpired", "invoice.expired"},
		Invalid: []string{"InvoiceInvalid", "invoice.invalid", "InvoiceFailed", "invoice.failed"},
	}
}

// LoadEventMap reads a YAML event map override. Verdicts the file leaves
// out keep their default event types.
func LoadEventMap(path string) (EventMap, error) {
	raw, err := ioutil.ReadFile(path)
	if err != nil {
		return EventMap{}, errors.Wrap(err, "could not read event map")
	}

	var override EventMap
	if err := yaml.Unmarshal(raw, &override); err != nil {
		return EventMap{}, errors.Wrapf(err, "could not parse event map %s", path)
	}

	eventMap := DefaultEventMap()
	if override.Paid != nil {
		eventMap.Paid = override.Paid
	}
	if override.Expired != nil {
		eventMap.Expired = override.Expired
	}
	if override.Invalid != nil {
		eventMap.Invalid = override.Invalid
	}
	return eventMap, nil
}

// Classify returns the verdict for an event type, false when the type
// isn't mapped to any verdict.
func (m EventMap) Classify(eventType string) (Verdict, bool) {
	switch {
	case containsString(m.Paid, eventType):
		return VerdictPaid, true
	case containsString(m.Expired, eventType):
		return VerdictExpired, true
	case containsString(m.Invalid, eventType):
		return VerdictInvalid, true
	}
	return "", false
}

func containsString(haystack []string, needle string) bool {
	for _, element := range haystack {
		if element == needle {
			return true
		}
	}
	return false
}
