// Package btcpay talks to a BTCPay Server instance over the Greenfield
// API and verifies the webhooks it sends back.
package btcpay

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"io"
	"io/ioutil"
	"net/http"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"gitlab.com/arcanecrypto/vendcoil/async"
	"gitlab.com/arcanecrypto/vendcoil/build"
)

var log = build.AddSubLogger("BPAY")

const (
	// lightningPaymentMethod is the Greenfield name for BOLT11 payments.
	// Newer BTCPay versions abbreviate it to BTC-LN.
	lightningPaymentMethod      = "BTC-LightningNetwork"
	lightningPaymentMethodShort = "BTC-LN"

	// invoiceExpirationMinutes is how long BTCPay keeps a fresh invoice
	// payable.
	invoiceExpirationMinutes = 15

	defaultTimeout = 10 * time.Second
)

// Invoice statuses reported by the Greenfield API.
const (
	InvoiceNew        = "New"
	InvoiceProcessing = "Processing"
	InvoiceSettled    = "Settled"
	InvoiceExpired    = "Expired"
	InvoiceInvalid    = "Invalid"
)

// Config has everything needed to reach a BTCPay Server store.
type Config struct {
	// URL is the base URL of the BTCPay Server instance
	URL string
	// APIKey is a Greenfield API key with invoice permissions on the store
	APIKey string
	// StoreID is the BTCPay store invoices are created in
	StoreID string
	// WebhookSecret signs the webhooks BTCPay sends us
	WebhookSecret string
	// TLSCert is an optional path to an extra CA certificate to trust
	TLSCert string
	// Timeout bounds every request, defaulting to 10 seconds
	Timeout time.Duration
}

// Provider creates and fetches Lightning invoices. It exists so tests can
// swap the real BTCPay client for a mock.
type Provider interface {
	CreateInvoice(ctx context.Context, args CreateInvoiceArgs) (Invoice, error)
	GetInvoice(ctx context.Context, invoiceID string) (Invoice, error)
}

// CreateInvoiceArgs are the parameters forwarded to invoice creation.
type CreateInvoiceArgs struct {
	Amount      decimal.Decimal
	Currency    string
	Metadata    map[string]interface{}
	RedirectURL string
}

// Invoice is the Greenfield invoice object, trimmed to the fields we read.
type Invoice struct {
	ID             string     `json:"id"`
	StoreID        string     `json:"storeId"`
	Status         string     `json:"status"`
	CheckoutLink   string     `json:"checkoutLink"`
	Amount         string     `json:"amount"`
	Currency       string     `json:"currency"`
	ExpirationTime *Timestamp `json:"expirationTime"`

	// Bolt11 comes from the payment-methods endpoint, not the invoice
	// object itself
	Bolt11 string `json:"-"`
	// Raw is the exact response body the invoice was decoded from
	Raw json.RawMessage `json:"-"`
}

// Timestamp handles the two encodings Greenfield has used for invoice
// times, unix seconds and RFC 3339 strings.
type Timestamp struct {
	time.Time
}

func (t *Timestamp) UnmarshalJSON(data []byte) error {
	if len(data) == 0 || string(data) == "null" {
		return nil
	}
	if data[0] == '"' {
		var str string
		if err := json.Unmarshal(data, &str); err != nil {
			return err
		}
		parsed, err := time.Parse(time.RFC3339, str)
		if err != nil {
			return errors.Wrapf(err, "could not parse timestamp %q", str)
		}
		t.Time = parsed
		return nil
	}
	var unix int64
	if err := json.Unmarshal(data, &unix); err != nil {
		return err
	}
	t.Time = time.Unix(unix, 0).UTC()
	return nil
}

func (t Timestamp) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.Time)
}

// RestClient is the Provider implementation backed by a real BTCPay
// Server.
type RestClient struct {
	baseURL string
	apiKey  string
	storeID string
	http    *http.Client
}

var _ Provider = &RestClient{}

// NewRestClient creates a client for the store in the given config.
func NewRestClient(conf Config) (*RestClient, error) {
	timeout := conf.Timeout
	if timeout == 0 {
		timeout = defaultTimeout
	}

	client := &http.Client{Timeout: timeout}
	if conf.TLSCert != "" {
		pool, err := x509.SystemCertPool()
		if err != nil {
			pool = x509.NewCertPool()
		}
		pem, err := ioutil.ReadFile(conf.TLSCert)
		if err != nil {
			return nil, errors.Wrap(err, "could not read BTCPay TLS certificate")
		}
		if !pool.AppendCertsFromPEM(pem) {
			return nil, errors.Errorf("no certificates found in %s", conf.TLSCert)
		}
		client.Transport = &http.Transport{
			TLSClientConfig: &tls.Config{RootCAs: pool},
		}
	}

	return &RestClient{
		baseURL: strings.TrimSuffix(conf.URL, "/"),
		apiKey:  conf.APIKey,
		storeID: conf.StoreID,
		http:    client,
	}, nil
}

type createInvoiceRequest struct {
	Amount   string                 `json:"amount"`
	Currency string                 `json:"currency"`
	Type     string                 `json:"type"`
	Checkout checkoutOptions        `json:"checkout"`
	Metadata map[string]interface{} `json:"metadata"`
}

type checkoutOptions struct {
	SpeedPolicy       string   `json:"speedPolicy"`
	ExpirationMinutes int      `json:"expirationMinutes"`
	MonitoringMinutes int      `json:"monitoringMinutes"`
	PaymentMethods    []string `json:"paymentMethods"`
	RedirectURL       string   `json:"redirectURL,omitempty"`
}

// CreateInvoice creates a Lightning-only invoice and resolves its BOLT11.
// BTCPay generates payment methods asynchronously, so the BOLT11 lookup
// is retried. An invoice without one is still payable through the
// checkout link.
func (c *RestClient) CreateInvoice(ctx context.Context, args CreateInvoiceArgs) (Invoice, error) {
	payload := createInvoiceRequest{
		Amount:   args.Amount.String(),
		Currency: args.Currency,
		Type:     "Standard",
		Checkout: checkoutOptions{
			SpeedPolicy:       "MediumSpeed",
			ExpirationMinutes: invoiceExpirationMinutes,
			// we run our own monitoring window
			MonitoringMinutes: 0,
			PaymentMethods:    []string{lightningPaymentMethod},
			RedirectURL:       args.RedirectURL,
		},
		Metadata: args.Metadata,
	}
	if payload.Metadata == nil {
		payload.Metadata = map[string]interface{}{}
	}

	raw, err := c.do(ctx, http.MethodPost,
		fmt.Sprintf("/api/v1/stores/%s/invoices", c.storeID), payload)
	if err != nil {
		return Invoice{}, errors.Wrap(err, "could not create invoice")
	}

	var invoice Invoice
	if err := json.Unmarshal(raw, &invoice); err != nil {
		return Invoice{}, errors.Wrap(err, "could not decode invoice")
	}
	invoice.Raw = raw

	if err := async.Retry(3, 500*time.Millisecond, func() error {
		bolt11, err := c.getBolt11(ctx, invoice.ID)
		if err != nil {
			return err
		}
		invoice.Bolt11 = bolt11
		return nil
	}); err != nil {
		log.WithError(err).WithField("invoice", invoice.ID).
			Warn("Could not fetch BOLT11 for invoice")
	}

	return invoice, nil
}

// GetInvoice fetches the current state of an invoice.
func (c *RestClient) GetInvoice(ctx context.Context, invoiceID string) (Invoice, error) {
	raw, err := c.do(ctx, http.MethodGet,
		fmt.Sprintf("/api/v1/stores/%s/invoices/%s", c.storeID, invoiceID), nil)
	if err != nil {
		return Invoice{}, errors.Wrap(err, "could not get invoice")
	}

	var invoice Invoice
	if err := json.Unmarshal(raw, &invoice); err != nil {
		return Invoice{}, errors.Wrap(err, "could not decode invoice")
	}
	invoice.Raw = raw
	return invoice, nil
}

type paymentMethod struct {
	PaymentMethodID string `json:"paymentMethodId"`
	PaymentMethod   string `json:"paymentMethod"`
	Destination     string `json:"destination"`
	PaymentLink     string `json:"paymentLink"`
}

func (m paymentMethod) isLightning() bool {
	for _, name := range []string{m.PaymentMethodID, m.PaymentMethod} {
		if name == lightningPaymentMethod || name == lightningPaymentMethodShort {
			return true
		}
	}
	return false
}

var errNoLightningMethod = errors.New("invoice has no lightning payment method")

// getBolt11 extracts the BOLT11 string from the payment-methods endpoint.
// The destination field carries it plain, the paymentLink fallback with a
// lightning: prefix.
func (c *RestClient) getBolt11(ctx context.Context, invoiceID string) (string, error) {
	raw, err := c.do(ctx, http.MethodGet,
		fmt.Sprintf("/api/v1/stores/%s/invoices/%s/payment-methods", c.storeID, invoiceID), nil)
	if err != nil {
		return "", err
	}

	var methods []paymentMethod
	if err := json.Unmarshal(raw, &methods); err != nil {
		return "", errors.Wrap(err, "could not decode payment methods")
	}

	for _, method := range methods {
		if !method.isLightning() {
			continue
		}
		if strings.HasPrefix(method.Destination, "lnbc") {
			return method.Destination, nil
		}
		if link := strings.TrimPrefix(method.PaymentLink, "lightning:"); strings.HasPrefix(link, "lnbc") {
			return link, nil
		}
	}
	return "", errNoLightningMethod
}

func (c *RestClient) do(ctx context.Context, method, path string,
	body interface{}) ([]byte, error) {

	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return nil, errors.Wrap(err, "could not encode request body")
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequest(method, c.baseURL+path, reader)
	if err != nil {
		return nil, err
	}
	req = req.WithContext(ctx)
	req.Header.Set("Authorization", "token "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	res, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := res.Body.Close(); err != nil {
			log.WithError(err).Error("Could not close response body")
		}
	}()

	raw, err := ioutil.ReadAll(res.Body)
	if err != nil {
		return nil, errors.Wrap(err, "could not read response body")
	}
	if res.StatusCode < 200 || res.StatusCode > 299 {
		return nil, errors.Errorf("BTCPay answered %s %s with %d: %s",
			method, path, res.StatusCode, string(raw))
	}
	return raw, nil
}
