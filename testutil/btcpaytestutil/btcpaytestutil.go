package btcpaytestutil

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/pkg/errors"

	"gitlab.com/arcanecrypto/vendcoil/btcpay"
	"gitlab.com/arcanecrypto/vendcoil/testutil"
)

// MockProvider satisfies btcpay.Provider without a BTCPay Server. Every
// created invoice is remembered so GetInvoice can replay it, and Status
// controls what lifecycle stage GetInvoice reports.
type MockProvider struct {
	mu sync.Mutex

	// CreateErr makes CreateInvoice fail
	CreateErr error
	// GetErr makes GetInvoice fail
	GetErr error

	status   string
	invoices map[string]btcpay.Invoice
	creates  int
	gets     int
}

func NewMockProvider() *MockProvider {
	return &MockProvider{
		status:   btcpay.InvoiceNew,
		invoices: make(map[string]btcpay.Invoice),
	}
}

var _ btcpay.Provider = &MockProvider{}

func (m *MockProvider) CreateInvoice(ctx context.Context,
	args btcpay.CreateInvoiceArgs) (btcpay.Invoice, error) {

	m.mu.Lock()
	defer m.mu.Unlock()

	m.creates++
	if m.CreateErr != nil {
		return btcpay.Invoice{}, m.CreateErr
	}

	id := fmt.Sprintf("INV-%s", testutil.MockStringOfLength(12))
	expires := btcpay.Timestamp{Time: time.Now().Add(15 * time.Minute).UTC()}
	invoice := btcpay.Invoice{
		ID:             id,
		StoreID:        "store-mock",
		Status:         btcpay.InvoiceNew,
		CheckoutLink:   "https://pay.example.com/i/" + id,
		Amount:         args.Amount.String(),
		Currency:       args.Currency,
		ExpirationTime: &expires,
		Bolt11:         testutil.MockBolt11(),
	}

	raw, err := json.Marshal(map[string]interface{}{
		"id":           id,
		"storeId":      invoice.StoreID,
		"status":       invoice.Status,
		"checkoutLink": invoice.CheckoutLink,
		"amount":       invoice.Amount,
		"currency":     invoice.Currency,
	})
	if err != nil {
		return btcpay.Invoice{}, err
	}
	invoice.Raw = raw

	m.invoices[id] = invoice
	return invoice, nil
}

func (m *MockProvider) GetInvoice(ctx context.Context,
	invoiceID string) (btcpay.Invoice, error) {

	m.mu.Lock()
	defer m.mu.Unlock()

	m.gets++
	if m.GetErr != nil {
		return btcpay.Invoice{}, m.GetErr
	}

	invoice, ok := m.invoices[invoiceID]
	if !ok {
		return btcpay.Invoice{}, errors.Errorf("no invoice with ID %s", invoiceID)
	}

	invoice.Status = m.status
	raw, err := json.Marshal(map[string]interface{}{
		"id":      invoice.ID,
		"storeId": invoice.StoreID,
		"status":  invoice.Status,
	})
	if err != nil {
		return btcpay.Invoice{}, err
	}
	invoice.Raw = raw

	return invoice, nil
}

// SetStatus flips what GetInvoice reports from now on, simulating the
// invoice moving through the provider's lifecycle.
func (m *MockProvider) SetStatus(status string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.status = status
}

// CreateCalls reports how many CreateInvoice calls the mock has seen.
func (m *MockProvider) CreateCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.creates
}

// GetCalls reports how many GetInvoice calls the mock has seen.
func (m *MockProvider) GetCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.gets
}
