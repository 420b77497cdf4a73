package payments_test

import (
	"encoding/json"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/brianvoe/gofakeit"
	"github.com/jmoiron/sqlx/types"
	uuid "github.com/satori/go.uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gitlab.com/arcanecrypto/vendcoil/async"
	"gitlab.com/arcanecrypto/vendcoil/btcpay"
	"gitlab.com/arcanecrypto/vendcoil/build"
	"gitlab.com/arcanecrypto/vendcoil/models/payments"
	"gitlab.com/arcanecrypto/vendcoil/testutil"
	"gitlab.com/arcanecrypto/vendcoil/testutil/btcpaytestutil"
	"gitlab.com/arcanecrypto/vendcoil/testutil/clienttestutil"
)

var (
	databaseConfig = testutil.GetDatabaseConfig("payments")
	testDB         = testutil.InitDatabase(databaseConfig)
)

func TestMain(m *testing.M) {
	build.SetLogLevels(logrus.ErrorLevel)
	gofakeit.Seed(0)

	result := m.Run()

	if err := testDB.Close(); err != nil {
		panic(err.Error())
	}
	os.Exit(result)
}

func mockPaymentArgs(clientID uuid.UUID) payments.NewPaymentArgs {
	cents := int64(gofakeit.Number(100, 100000))
	return payments.NewPaymentArgs{
		ClientID:      clientID,
		ExternalCode:  "TX-" + testutil.MockStringOfLength(10),
		PaymentMethod: payments.MethodLightning,
		Amount:        decimal.New(cents, -2),
		Currency:      "NOK",
	}
}

// createPendingPaymentOrFail runs the full create against a fresh mock
// provider and hands back the PENDING payment.
func createPendingPaymentOrFail(t *testing.T, clientID uuid.UUID) payments.Payment {
	t.Helper()

	payment, err := payments.New(testDB, btcpaytestutil.NewMockProvider(), nil,
		mockPaymentArgs(clientID))
	require.NoError(t, err)
	require.Equal(t, payments.StatusPending, payment.Status)
	return payment
}

// insertCreatedPaymentOrFail plants a bare CREATED row, the state a crash
// between the insert and the provider call leaves behind.
func insertCreatedPaymentOrFail(t *testing.T, clientID uuid.UUID) uuid.UUID {
	t.Helper()

	id := uuid.NewV4()
	_, err := testDB.Exec(`INSERT INTO payment_requests
		(id, client_id, external_code, payment_method, amount, currency, monitor_until)
		VALUES ($1, $2, $3, 'BTC_LN', 100, 'NOK', now() + interval '2 minutes')`,
		id, clientID, "TX-"+testutil.MockStringOfLength(10))
	require.NoError(t, err)
	return id
}

func strPtr(s string) *string {
	return &s
}

func TestStatusIsTerminal(t *testing.T) {
	t.Parallel()

	assert.False(t, payments.StatusCreated.IsTerminal())
	assert.False(t, payments.StatusPending.IsTerminal())
	assert.True(t, payments.StatusPaid.IsTerminal())
	assert.True(t, payments.StatusExpired.IsTerminal())
	assert.True(t, payments.StatusTimedOut.IsTerminal())
	assert.True(t, payments.StatusFailed.IsTerminal())
	assert.True(t, payments.StatusCanceled.IsTerminal())
}

func TestValidTransition(t *testing.T) {
	t.Parallel()

	allowed := []struct {
		from payments.Status
		to   payments.Status
	}{
		{payments.StatusCreated, payments.StatusPending},
		{payments.StatusCreated, payments.StatusFailed},
		{payments.StatusCreated, payments.StatusCanceled},
		{payments.StatusPending, payments.StatusPaid},
		{payments.StatusPending, payments.StatusExpired},
		{payments.StatusPending, payments.StatusTimedOut},
		{payments.StatusPending, payments.StatusFailed},
		{payments.StatusPending, payments.StatusCanceled},
	}
	for _, tt := range allowed {
		assert.True(t, payments.ValidTransition(tt.from, tt.to),
			"%s -> %s should be allowed", tt.from, tt.to)
	}

	disallowed := []struct {
		from payments.Status
		to   payments.Status
	}{
		{payments.StatusCreated, payments.StatusPaid},
		{payments.StatusCreated, payments.StatusExpired},
		{payments.StatusCreated, payments.StatusTimedOut},
		{payments.StatusPending, payments.StatusCreated},
		{payments.StatusPaid, payments.StatusExpired},
		{payments.StatusPaid, payments.StatusPending},
		{payments.StatusExpired, payments.StatusPaid},
		{payments.StatusCanceled, payments.StatusPaid},
		{payments.StatusFailed, payments.StatusPending},
		{payments.StatusTimedOut, payments.StatusPaid},
	}
	for _, tt := range disallowed {
		assert.False(t, payments.ValidTransition(tt.from, tt.to),
			"%s -> %s should be rejected", tt.from, tt.to)
	}
}

func TestNew(t *testing.T) {
	t.Parallel()

	t.Run("creates a PENDING payment with an attached invoice", func(t *testing.T) {
		t.Parallel()
		client := clienttestutil.CreateClientOrFail(t, testDB)
		args := mockPaymentArgs(client.ID)
		args.Description = strPtr("two bottles of water")

		payment, err := payments.New(testDB, btcpaytestutil.NewMockProvider(), nil, args)
		require.NoError(t, err)

		assert.Equal(t, payments.StatusPending, payment.Status)
		assert.Equal(t, client.ID, payment.ClientID)
		assert.Equal(t, args.ExternalCode, payment.ExternalCode)
		assert.True(t, payment.Amount.Equal(args.Amount),
			"amount %s should equal %s", payment.Amount, args.Amount)
		assert.Equal(t, "NOK", payment.Currency)
		require.NotNil(t, payment.Description)
		assert.Equal(t, "two bottles of water", *payment.Description)
		assert.Nil(t, payment.StatusReason)
		assert.Nil(t, payment.FinalizedAt)
		assert.WithinDuration(t,
			time.Now().Add(payments.DefaultMonitorWindow), payment.MonitorUntil,
			15*time.Second)

		require.NotNil(t, payment.Invoice)
		invoice := payment.Invoice
		assert.Equal(t, payments.ProviderBTCPay, invoice.Provider)
		assert.Equal(t, payment.ID, invoice.PaymentRequestID)
		assert.NotEmpty(t, invoice.ProviderInvoiceID)
		require.NotNil(t, invoice.CheckoutLink)
		assert.Contains(t, *invoice.CheckoutLink, invoice.ProviderInvoiceID)
		require.NotNil(t, invoice.Bolt11)
		assert.True(t, strings.HasPrefix(*invoice.Bolt11, "lnbc"))
		require.NotNil(t, invoice.ExpiresAt)
		assert.NotEmpty(t, []byte(invoice.RawCreateResponse))
	})

	t.Run("defaults metadata to an empty document", func(t *testing.T) {
		t.Parallel()
		client := clienttestutil.CreateClientOrFail(t, testDB)

		payment, err := payments.New(testDB, btcpaytestutil.NewMockProvider(), nil,
			mockPaymentArgs(client.ID))
		require.NoError(t, err)

		assert.JSONEq(t, `{}`, string(payment.Metadata))
	})

	t.Run("keeps the caller's metadata", func(t *testing.T) {
		t.Parallel()
		client := clienttestutil.CreateClientOrFail(t, testDB)
		args := mockPaymentArgs(client.ID)
		args.Metadata = types.JSONText(`{"slot": "A3", "operator": "north-campus"}`)

		payment, err := payments.New(testDB, btcpaytestutil.NewMockProvider(), nil, args)
		require.NoError(t, err)

		assert.JSONEq(t, `{"slot": "A3", "operator": "north-campus"}`,
			string(payment.Metadata))
	})

	t.Run("honors a custom monitor window", func(t *testing.T) {
		t.Parallel()
		client := clienttestutil.CreateClientOrFail(t, testDB)
		args := mockPaymentArgs(client.ID)
		args.MonitorWindow = 30 * time.Second

		payment, err := payments.New(testDB, btcpaytestutil.NewMockProvider(), nil, args)
		require.NoError(t, err)

		assert.WithinDuration(t,
			time.Now().Add(30*time.Second), payment.MonitorUntil, 15*time.Second)
	})

	t.Run("stores the request fingerprint", func(t *testing.T) {
		t.Parallel()
		client := clienttestutil.CreateClientOrFail(t, testDB)
		args := mockPaymentArgs(client.ID)

		payment, err := payments.New(testDB, btcpaytestutil.NewMockProvider(), nil, args)
		require.NoError(t, err)

		expected, err := payments.Fingerprint(args)
		require.NoError(t, err)
		require.NotNil(t, payment.RequestFingerprint)
		assert.Equal(t, expected, *payment.RequestFingerprint)
	})

	t.Run("emits payment.created and payment.invoice_created", func(t *testing.T) {
		t.Parallel()
		client := clienttestutil.CreateClientOrFail(t, testDB)

		payment := createPendingPaymentOrFail(t, client.ID)

		events, err := payments.ListEventsAfter(testDB, client.ID, 0)
		require.NoError(t, err)
		require.Len(t, events, 2)

		created := events[0]
		assert.Equal(t, int64(1), created.Seq)
		assert.Equal(t, payments.EventCreated, created.EventType)
		assert.Equal(t, payment.ID, created.PaymentRequestID)
		assert.Nil(t, created.OldStatus)
		require.NotNil(t, created.NewStatus)
		assert.Equal(t, payments.StatusCreated, *created.NewStatus)
		assert.Equal(t, payments.SourceAPI, created.Source)

		invoiceCreated := events[1]
		assert.Equal(t, int64(2), invoiceCreated.Seq)
		assert.Equal(t, payments.EventInvoiceCreated, invoiceCreated.EventType)
		require.NotNil(t, invoiceCreated.OldStatus)
		assert.Equal(t, payments.StatusCreated, *invoiceCreated.OldStatus)
		require.NotNil(t, invoiceCreated.NewStatus)
		assert.Equal(t, payments.StatusPending, *invoiceCreated.NewStatus)

		var envelope payments.Envelope
		require.NoError(t, json.Unmarshal(invoiceCreated.Payload, &envelope))
		assert.Equal(t, invoiceCreated.Seq, envelope.EventID)
		assert.Equal(t, payments.EventInvoiceCreated, envelope.Event)
		assert.Equal(t, payment.ID, envelope.Payment.PaymentID)
		assert.Equal(t, payments.StatusPending, envelope.Payment.Status)
		require.NotNil(t, envelope.Invoice)
		assert.Equal(t, payment.Invoice.ProviderInvoiceID,
			envelope.Invoice.ProviderInvoiceID)
		assert.Nil(t, envelope.ProviderStatus)

		var createdEnvelope payments.Envelope
		require.NoError(t, json.Unmarshal(created.Payload, &createdEnvelope))
		assert.Nil(t, createdEnvelope.Invoice)
	})
}

func TestNewValidation(t *testing.T) {
	t.Parallel()

	client := clienttestutil.CreateClientOrFail(t, testDB)

	longURL := "https://example.com/" + testutil.MockStringOfLength(2100)
	bigMetadata := `{"pad": "` + testutil.MockStringOfLength(9000) + `"}`

	tests := []struct {
		name   string
		mutate func(*payments.NewPaymentArgs)
		err    error
	}{
		{"unknown payment method",
			func(a *payments.NewPaymentArgs) { a.PaymentMethod = "CARD" },
			payments.ErrInvalidPaymentMethod},
		{"zero amount",
			func(a *payments.NewPaymentArgs) { a.Amount = decimal.Zero },
			payments.ErrNonPositiveAmount},
		{"negative amount",
			func(a *payments.NewPaymentArgs) { a.Amount = decimal.New(-100, -2) },
			payments.ErrNonPositiveAmount},
		{"currency too short",
			func(a *payments.NewPaymentArgs) { a.Currency = "NO" },
			payments.ErrInvalidCurrency},
		{"currency too long",
			func(a *payments.NewPaymentArgs) { a.Currency = "TOOLONGMONEY" },
			payments.ErrInvalidCurrency},
		{"empty external code",
			func(a *payments.NewPaymentArgs) { a.ExternalCode = "" },
			payments.ErrInvalidExternalCode},
		{"external code too long",
			func(a *payments.NewPaymentArgs) { a.ExternalCode = testutil.MockStringOfLength(65) },
			payments.ErrInvalidExternalCode},
		{"description too long",
			func(a *payments.NewPaymentArgs) { a.Description = strPtr(testutil.MockStringOfLength(501)) },
			payments.ErrDescriptionTooLong},
		{"callback URL without scheme",
			func(a *payments.NewPaymentArgs) { a.CallbackURL = strPtr("example.com/callback") },
			payments.ErrInvalidCallbackURL},
		{"callback URL with wrong scheme",
			func(a *payments.NewPaymentArgs) { a.CallbackURL = strPtr("ftp://example.com/callback") },
			payments.ErrInvalidCallbackURL},
		{"callback URL too long",
			func(a *payments.NewPaymentArgs) { a.CallbackURL = &longURL },
			payments.ErrInvalidCallbackURL},
		{"redirect URL with wrong scheme",
			func(a *payments.NewPaymentArgs) { a.RedirectURL = strPtr("gopher://example.com") },
			payments.ErrInvalidRedirectURL},
		{"metadata is not JSON",
			func(a *payments.NewPaymentArgs) { a.Metadata = types.JSONText(`{broken`) },
			payments.ErrInvalidMetadata},
		{"metadata too large",
			func(a *payments.NewPaymentArgs) { a.Metadata = types.JSONText(bigMetadata) },
			payments.ErrInvalidMetadata},
		{"idempotency key too long",
			func(a *payments.NewPaymentArgs) { a.IdempotencyKey = strPtr(testutil.MockStringOfLength(256)) },
			payments.ErrInvalidIdempotencyKey},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			provider := btcpaytestutil.NewMockProvider()

			args := mockPaymentArgs(client.ID)
			tt.mutate(&args)

			_, err := payments.New(testDB, provider, nil, args)
			assert.Equal(t, tt.err, err)
			assert.Zero(t, provider.CreateCalls(),
				"invalid args must never reach the provider")
		})
	}
}

func TestNewProviderFailure(t *testing.T) {
	t.Parallel()

	client := clienttestutil.CreateClientOrFail(t, testDB)
	provider := btcpaytestutil.NewMockProvider()
	provider.CreateErr = assert.AnError

	_, err := payments.New(testDB, provider, nil, mockPaymentArgs(client.ID))
	assert.Equal(t, payments.ErrProviderUnavailable, err)

	events, err := payments.ListEventsAfter(testDB, client.ID, 0)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, payments.EventCreated, events[0].EventType)
	assert.Equal(t, payments.EventFailed, events[1].EventType)

	payment, err := payments.GetByID(testDB, events[0].PaymentRequestID, client.ID)
	require.NoError(t, err)
	assert.Equal(t, payments.StatusFailed, payment.Status)
	require.NotNil(t, payment.StatusReason)
	assert.Equal(t, payments.ReasonProviderError, *payment.StatusReason)
	assert.NotNil(t, payment.FinalizedAt)
	assert.Nil(t, payment.Invoice)
}

func TestNewIdempotency(t *testing.T) {
	t.Parallel()

	t.Run("replays the same request without a second invoice", func(t *testing.T) {
		t.Parallel()
		client := clienttestutil.CreateClientOrFail(t, testDB)
		provider := btcpaytestutil.NewMockProvider()

		args := mockPaymentArgs(client.ID)
		args.IdempotencyKey = strPtr("order-" + testutil.MockStringOfLength(10))

		first, err := payments.New(testDB, provider, nil, args)
		require.NoError(t, err)

		second, err := payments.New(testDB, provider, nil, args)
		require.NoError(t, err)

		assert.Equal(t, first.ID, second.ID)
		assert.Equal(t, 1, provider.CreateCalls())
		require.NotNil(t, second.Invoice)
		assert.Equal(t, first.Invoice.ProviderInvoiceID,
			second.Invoice.ProviderInvoiceID)

		events, err := payments.ListEventsAfter(testDB, client.ID, 0)
		require.NoError(t, err)
		assert.Len(t, events, 2, "a replay must not append events")
	})

	t.Run("replays when only the amount formatting differs", func(t *testing.T) {
		t.Parallel()
		client := clienttestutil.CreateClientOrFail(t, testDB)
		provider := btcpaytestutil.NewMockProvider()

		args := mockPaymentArgs(client.ID)
		args.Amount = decimal.RequireFromString("12.50")
		args.IdempotencyKey = strPtr("order-" + testutil.MockStringOfLength(10))

		first, err := payments.New(testDB, provider, nil, args)
		require.NoError(t, err)

		args.Amount = decimal.RequireFromString("12.5")
		second, err := payments.New(testDB, provider, nil, args)
		require.NoError(t, err)

		assert.Equal(t, first.ID, second.ID)
		assert.Equal(t, 1, provider.CreateCalls())
	})

	t.Run("rejects the same key with a different request", func(t *testing.T) {
		t.Parallel()
		client := clienttestutil.CreateClientOrFail(t, testDB)
		provider := btcpaytestutil.NewMockProvider()

		args := mockPaymentArgs(client.ID)
		args.IdempotencyKey = strPtr("order-" + testutil.MockStringOfLength(10))

		_, err := payments.New(testDB, provider, nil, args)
		require.NoError(t, err)

		args.Amount = args.Amount.Add(decimal.New(1, 0))
		_, err = payments.New(testDB, provider, nil, args)
		assert.Equal(t, payments.ErrIdempotencyConflict, err)
		assert.Equal(t, 1, provider.CreateCalls())
	})

	t.Run("scopes keys to the client", func(t *testing.T) {
		t.Parallel()
		clientA := clienttestutil.CreateClientOrFail(t, testDB)
		clientB := clienttestutil.CreateClientOrFail(t, testDB)
		provider := btcpaytestutil.NewMockProvider()
		key := "order-" + testutil.MockStringOfLength(10)

		argsA := mockPaymentArgs(clientA.ID)
		argsA.IdempotencyKey = &key
		first, err := payments.New(testDB, provider, nil, argsA)
		require.NoError(t, err)

		argsB := mockPaymentArgs(clientB.ID)
		argsB.IdempotencyKey = &key
		second, err := payments.New(testDB, provider, nil, argsB)
		require.NoError(t, err)

		assert.NotEqual(t, first.ID, second.ID)
		assert.Equal(t, 2, provider.CreateCalls())
	})

	t.Run("treats requests without keys as distinct", func(t *testing.T) {
		t.Parallel()
		client := clienttestutil.CreateClientOrFail(t, testDB)
		provider := btcpaytestutil.NewMockProvider()

		args := mockPaymentArgs(client.ID)
		first, err := payments.New(testDB, provider, nil, args)
		require.NoError(t, err)

		second, err := payments.New(testDB, provider, nil, args)
		require.NoError(t, err)

		assert.NotEqual(t, first.ID, second.ID)
		assert.Equal(t, 2, provider.CreateCalls())
	})
}

func TestGetByID(t *testing.T) {
	t.Parallel()

	client := clienttestutil.CreateClientOrFail(t, testDB)
	other := clienttestutil.CreateClientOrFail(t, testDB)
	payment := createPendingPaymentOrFail(t, client.ID)

	t.Run("finds the payment with its invoice", func(t *testing.T) {
		t.Parallel()
		found, err := payments.GetByID(testDB, payment.ID, client.ID)
		require.NoError(t, err)

		equal, diff := payment.Equal(found)
		assert.True(t, equal, diff)
		require.NotNil(t, found.Invoice)
		assert.Equal(t, payment.Invoice.ProviderInvoiceID,
			found.Invoice.ProviderInvoiceID)
	})

	t.Run("hides payments belonging to other clients", func(t *testing.T) {
		t.Parallel()
		_, err := payments.GetByID(testDB, payment.ID, other.ID)
		assert.Equal(t, payments.ErrPaymentNotFound, err)
	})

	t.Run("reports unknown IDs as not found", func(t *testing.T) {
		t.Parallel()
		_, err := payments.GetByID(testDB, uuid.NewV4(), client.ID)
		assert.Equal(t, payments.ErrPaymentNotFound, err)
	})
}

func TestApplyHint(t *testing.T) {
	t.Parallel()

	t.Run("finalizes a PENDING payment as PAID", func(t *testing.T) {
		t.Parallel()
		client := clienttestutil.CreateClientOrFail(t, testDB)
		payment := createPendingPaymentOrFail(t, client.ID)

		outcome, err := payments.ApplyHint(testDB, nil, payment.ID, payments.Hint{
			Kind:      payments.HintPaid,
			Source:    payments.SourceWebhook,
			RawStatus: json.RawMessage(`{"status": "Settled"}`),
		})
		require.NoError(t, err)

		assert.True(t, outcome.Applied)
		assert.Equal(t, payments.StatusPaid, outcome.Payment.Status)
		assert.Nil(t, outcome.Payment.StatusReason)
		assert.NotNil(t, outcome.Payment.FinalizedAt)

		require.NotNil(t, outcome.Event)
		assert.Equal(t, payments.EventPaid, outcome.Event.EventType)
		assert.Equal(t, payments.SourceWebhook, outcome.Event.Source)

		var envelope payments.Envelope
		require.NoError(t, json.Unmarshal(outcome.Event.Payload, &envelope))
		assert.Equal(t, payments.StatusPaid, envelope.Payment.Status)
		require.NotNil(t, envelope.ProviderStatus)
		assert.Equal(t, "Settled", envelope.ProviderStatus.BTCPayStatus)
		assert.Equal(t, payments.SourceWebhook, envelope.ProviderStatus.Source)

		found, err := payments.GetByID(testDB, payment.ID, client.ID)
		require.NoError(t, err)
		require.NotNil(t, found.Invoice)
		assert.JSONEq(t, `{"status": "Settled"}`,
			string(found.Invoice.RawLastStatus))
	})

	t.Run("expires a PENDING payment with the given reason", func(t *testing.T) {
		t.Parallel()
		client := clienttestutil.CreateClientOrFail(t, testDB)
		payment := createPendingPaymentOrFail(t, client.ID)

		outcome, err := payments.ApplyHint(testDB, nil, payment.ID, payments.Hint{
			Kind:   payments.HintExpired,
			Reason: payments.ReasonProviderExpired,
			Source: payments.SourceWebhook,
		})
		require.NoError(t, err)

		assert.True(t, outcome.Applied)
		assert.Equal(t, payments.StatusExpired, outcome.Payment.Status)
		require.NotNil(t, outcome.Payment.StatusReason)
		assert.Equal(t, payments.ReasonProviderExpired, *outcome.Payment.StatusReason)
		require.NotNil(t, outcome.Event)
		assert.Equal(t, payments.EventExpired, outcome.Event.EventType)
	})

	t.Run("maps INVALID onto FAILED", func(t *testing.T) {
		t.Parallel()
		client := clienttestutil.CreateClientOrFail(t, testDB)
		payment := createPendingPaymentOrFail(t, client.ID)

		outcome, err := payments.ApplyHint(testDB, nil, payment.ID, payments.Hint{
			Kind:   payments.HintInvalid,
			Reason: "PROVIDER_ERROR: InvoiceInvalid",
			Source: payments.SourceWebhook,
		})
		require.NoError(t, err)

		assert.True(t, outcome.Applied)
		assert.Equal(t, payments.StatusFailed, outcome.Payment.Status)
		require.NotNil(t, outcome.Event)
		assert.Equal(t, payments.EventFailed, outcome.Event.EventType)
	})

	t.Run("times out a PENDING payment", func(t *testing.T) {
		t.Parallel()
		client := clienttestutil.CreateClientOrFail(t, testDB)
		payment := createPendingPaymentOrFail(t, client.ID)

		outcome, err := payments.ApplyHint(testDB, nil, payment.ID, payments.Hint{
			Kind:   payments.HintTimedOut,
			Reason: payments.ReasonMonitorWindowExceeded,
			Source: payments.SourceWorker,
		})
		require.NoError(t, err)

		assert.True(t, outcome.Applied)
		assert.Equal(t, payments.StatusTimedOut, outcome.Payment.Status)
		require.NotNil(t, outcome.Event)
		assert.Equal(t, payments.EventTimedOut, outcome.Event.EventType)
		assert.Equal(t, payments.SourceWorker, outcome.Event.Source)
	})

	t.Run("ignores hints against finalized payments", func(t *testing.T) {
		t.Parallel()
		client := clienttestutil.CreateClientOrFail(t, testDB)
		payment := createPendingPaymentOrFail(t, client.ID)

		outcome, err := payments.ApplyHint(testDB, nil, payment.ID, payments.Hint{
			Kind: payments.HintPaid, Source: payments.SourceWebhook,
		})
		require.NoError(t, err)
		require.True(t, outcome.Applied)

		replay, err := payments.ApplyHint(testDB, nil, payment.ID, payments.Hint{
			Kind: payments.HintExpired, Source: payments.SourceWorker,
		})
		require.NoError(t, err)

		assert.False(t, replay.Applied)
		assert.Nil(t, replay.Event)
		assert.Equal(t, payments.StatusPaid, replay.Payment.Status)

		events, err := payments.ListEventsAfter(testDB, client.ID, 0)
		require.NoError(t, err)
		assert.Len(t, events, 3, "replays must not append events")
	})

	t.Run("ignores transitions the lifecycle does not allow", func(t *testing.T) {
		t.Parallel()
		client := clienttestutil.CreateClientOrFail(t, testDB)
		paymentID := insertCreatedPaymentOrFail(t, client.ID)

		outcome, err := payments.ApplyHint(testDB, nil, paymentID, payments.Hint{
			Kind: payments.HintPaid, Source: payments.SourceWorker,
		})
		require.NoError(t, err)

		assert.False(t, outcome.Applied)
		assert.Nil(t, outcome.Event)
		assert.Equal(t, payments.StatusCreated, outcome.Payment.Status)
	})

	t.Run("still fails a payment stuck in CREATED", func(t *testing.T) {
		t.Parallel()
		client := clienttestutil.CreateClientOrFail(t, testDB)
		paymentID := insertCreatedPaymentOrFail(t, client.ID)

		outcome, err := payments.ApplyHint(testDB, nil, paymentID, payments.Hint{
			Kind:   payments.HintFailed,
			Reason: payments.ReasonProviderUnreachable,
			Source: payments.SourceWorker,
		})
		require.NoError(t, err)

		assert.True(t, outcome.Applied)
		assert.Equal(t, payments.StatusFailed, outcome.Payment.Status)
	})

	t.Run("refreshes the raw status without a transition", func(t *testing.T) {
		t.Parallel()
		client := clienttestutil.CreateClientOrFail(t, testDB)
		payment := createPendingPaymentOrFail(t, client.ID)

		outcome, err := payments.ApplyHint(testDB, nil, payment.ID, payments.Hint{
			Kind:      payments.HintStillPending,
			Source:    payments.SourceWorker,
			RawStatus: json.RawMessage(`{"status": "Processing"}`),
		})
		require.NoError(t, err)

		assert.False(t, outcome.Applied)
		assert.Nil(t, outcome.Event)
		assert.Equal(t, payments.StatusPending, outcome.Payment.Status)

		found, err := payments.GetByID(testDB, payment.ID, client.ID)
		require.NoError(t, err)
		require.NotNil(t, found.Invoice)
		assert.JSONEq(t, `{"status": "Processing"}`,
			string(found.Invoice.RawLastStatus))

		events, err := payments.ListEventsAfter(testDB, client.ID, 0)
		require.NoError(t, err)
		assert.Len(t, events, 2, "a status refresh must not append events")
	})

	t.Run("rejects unknown hint kinds", func(t *testing.T) {
		t.Parallel()
		client := clienttestutil.CreateClientOrFail(t, testDB)
		payment := createPendingPaymentOrFail(t, client.ID)

		_, err := payments.ApplyHint(testDB, nil, payment.ID, payments.Hint{
			Kind: "NONSENSE", Source: payments.SourceWorker,
		})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "unknown hint kind")
	})

	t.Run("reports missing payments", func(t *testing.T) {
		t.Parallel()
		_, err := payments.ApplyHint(testDB, nil, uuid.NewV4(), payments.Hint{
			Kind: payments.HintPaid, Source: payments.SourceWorker,
		})
		assert.Equal(t, payments.ErrPaymentNotFound, err)
	})
}

func TestCancel(t *testing.T) {
	t.Parallel()

	t.Run("cancels a PENDING payment", func(t *testing.T) {
		t.Parallel()
		client := clienttestutil.CreateClientOrFail(t, testDB)
		payment := createPendingPaymentOrFail(t, client.ID)

		canceled, err := payments.Cancel(testDB, nil, payment.ID, client.ID)
		require.NoError(t, err)

		assert.Equal(t, payments.StatusCanceled, canceled.Status)
		require.NotNil(t, canceled.StatusReason)
		assert.Equal(t, payments.ReasonCanceledByClient, *canceled.StatusReason)
		assert.NotNil(t, canceled.FinalizedAt)
		require.NotNil(t, canceled.Invoice)

		events, err := payments.ListEventsAfter(testDB, client.ID, 0)
		require.NoError(t, err)
		require.Len(t, events, 3)
		assert.Equal(t, payments.EventCanceled, events[2].EventType)
		assert.Equal(t, payments.SourceAPI, events[2].Source)
	})

	t.Run("rejects canceling a finalized payment", func(t *testing.T) {
		t.Parallel()
		client := clienttestutil.CreateClientOrFail(t, testDB)
		payment := createPendingPaymentOrFail(t, client.ID)

		_, err := payments.Cancel(testDB, nil, payment.ID, client.ID)
		require.NoError(t, err)

		_, err = payments.Cancel(testDB, nil, payment.ID, client.ID)
		assert.Equal(t, payments.ErrPaymentAlreadyFinal, err)
	})

	t.Run("rejects canceling a paid payment", func(t *testing.T) {
		t.Parallel()
		client := clienttestutil.CreateClientOrFail(t, testDB)
		payment := createPendingPaymentOrFail(t, client.ID)

		_, err := payments.ApplyHint(testDB, nil, payment.ID, payments.Hint{
			Kind: payments.HintPaid, Source: payments.SourceWebhook,
		})
		require.NoError(t, err)

		_, err = payments.Cancel(testDB, nil, payment.ID, client.ID)
		assert.Equal(t, payments.ErrPaymentAlreadyFinal, err)
	})

	t.Run("hides payments belonging to other clients", func(t *testing.T) {
		t.Parallel()
		client := clienttestutil.CreateClientOrFail(t, testDB)
		other := clienttestutil.CreateClientOrFail(t, testDB)
		payment := createPendingPaymentOrFail(t, client.ID)

		_, err := payments.Cancel(testDB, nil, payment.ID, other.ID)
		assert.Equal(t, payments.ErrPaymentNotFound, err)

		found, err := payments.GetByID(testDB, payment.ID, client.ID)
		require.NoError(t, err)
		assert.Equal(t, payments.StatusPending, found.Status)
	})

	t.Run("cancels a payment stuck in CREATED", func(t *testing.T) {
		t.Parallel()
		client := clienttestutil.CreateClientOrFail(t, testDB)
		paymentID := insertCreatedPaymentOrFail(t, client.ID)

		canceled, err := payments.Cancel(testDB, nil, paymentID, client.ID)
		require.NoError(t, err)
		assert.Equal(t, payments.StatusCanceled, canceled.Status)
		assert.Nil(t, canceled.Invoice)
	})
}

func TestRecordProviderEvent(t *testing.T) {
	t.Parallel()

	t.Run("appends an informational event and keeps the raw body", func(t *testing.T) {
		t.Parallel()
		client := clienttestutil.CreateClientOrFail(t, testDB)
		payment := createPendingPaymentOrFail(t, client.ID)

		raw := []byte(`{"type": "InvoiceReceivedPayment", "invoiceId": "` +
			payment.Invoice.ProviderInvoiceID + `"}`)

		event, err := payments.RecordProviderEvent(testDB, nil, payment.ID, raw)
		require.NoError(t, err)

		assert.Equal(t, payments.EventStatusChanged, event.EventType)
		assert.Equal(t, payments.SourceWebhook, event.Source)
		require.NotNil(t, event.OldStatus)
		require.NotNil(t, event.NewStatus)
		assert.Equal(t, *event.OldStatus, *event.NewStatus)
		assert.Equal(t, payments.StatusPending, *event.NewStatus)

		var envelope payments.Envelope
		require.NoError(t, json.Unmarshal(event.Payload, &envelope))
		require.NotNil(t, envelope.ProviderStatus)
		assert.Equal(t, "InvoiceReceivedPayment", envelope.ProviderStatus.BTCPayStatus)

		found, err := payments.GetByID(testDB, payment.ID, client.ID)
		require.NoError(t, err)
		assert.Equal(t, payments.StatusPending, found.Status)
		require.NotNil(t, found.Invoice)
		assert.JSONEq(t, string(raw), string(found.Invoice.RawLastStatus))
	})

	t.Run("rejects events against finalized payments", func(t *testing.T) {
		t.Parallel()
		client := clienttestutil.CreateClientOrFail(t, testDB)
		payment := createPendingPaymentOrFail(t, client.ID)

		_, err := payments.Cancel(testDB, nil, payment.ID, client.ID)
		require.NoError(t, err)

		_, err = payments.RecordProviderEvent(testDB, nil, payment.ID,
			[]byte(`{"type": "InvoicePaymentSettled"}`))
		assert.Equal(t, payments.ErrPaymentAlreadyFinal, err)
	})
}

func TestListActive(t *testing.T) {
	t.Parallel()

	client := clienttestutil.CreateClientOrFail(t, testDB)
	pending := createPendingPaymentOrFail(t, client.ID)
	canceled := createPendingPaymentOrFail(t, client.ID)
	createdID := insertCreatedPaymentOrFail(t, client.ID)

	_, err := payments.Cancel(testDB, nil, canceled.ID, client.ID)
	require.NoError(t, err)

	active, err := payments.ListActive(testDB)
	require.NoError(t, err)

	ids := make(map[uuid.UUID]payments.Payment)
	for _, payment := range active {
		ids[payment.ID] = payment
	}

	found, ok := ids[pending.ID]
	require.True(t, ok, "PENDING payment must be listed")
	assert.NotNil(t, found.Invoice)

	_, ok = ids[createdID]
	assert.True(t, ok, "CREATED payment must be listed")

	_, ok = ids[canceled.ID]
	assert.False(t, ok, "finalized payment must not be listed")
}

func TestCallbackDelivery(t *testing.T) {
	t.Parallel()

	secret := []byte("callback-signing-secret")

	t.Run("posts the signed envelope when a payment finalizes", func(t *testing.T) {
		t.Parallel()
		client := clienttestutil.CreateClientOrFail(t, testDB)

		poster := testutil.GetMockHttpPoster()
		notifier := &payments.Notifier{Poster: poster, Secret: secret}

		args := mockPaymentArgs(client.ID)
		args.CallbackURL = strPtr("https://kiosk.example.com/payment-callback")
		payment, err := payments.New(testDB, btcpaytestutil.NewMockProvider(),
			notifier, args)
		require.NoError(t, err)

		// payment.created is not terminal, nothing may go out for it
		assert.Equal(t, 0, poster.GetSentPostRequests())

		outcome, err := payments.ApplyHint(testDB, notifier, payment.ID, payments.Hint{
			Kind: payments.HintPaid, Source: payments.SourceWebhook,
		})
		require.NoError(t, err)
		require.True(t, outcome.Applied)

		// delivery runs on its own goroutine
		err = async.Await(10, 20*time.Millisecond, func() bool {
			return poster.GetSentPostRequests() == 1
		}, "callback was never delivered")
		require.NoError(t, err)

		body := poster.GetSentPostRequest(0)
		assert.JSONEq(t, string(outcome.Event.Payload), string(body))
		assert.True(t, btcpay.VerifySignature(body, poster.GetSentSignature(0), secret),
			"callback signature must verify against the shared secret")
	})

	t.Run("retries failed deliveries", func(t *testing.T) {
		t.Parallel()
		client := clienttestutil.CreateClientOrFail(t, testDB)

		poster := testutil.GetFailingMockHttpPoster(1)
		notifier := &payments.Notifier{Poster: poster, Secret: secret}

		args := mockPaymentArgs(client.ID)
		args.CallbackURL = strPtr("https://kiosk.example.com/payment-callback")
		payment, err := payments.New(testDB, btcpaytestutil.NewMockProvider(),
			notifier, args)
		require.NoError(t, err)

		_, err = payments.Cancel(testDB, notifier, payment.ID, client.ID)
		require.NoError(t, err)

		// the first attempt answers 500, the retry lands a second later
		err = async.Await(15, 100*time.Millisecond, func() bool {
			return poster.GetSentPostRequests() == 2
		}, "delivery was never retried")
		require.NoError(t, err)

		// both attempts carry the same signed body
		assert.Equal(t, poster.GetSentPostRequest(0), poster.GetSentPostRequest(1))
		assert.Equal(t, poster.GetSentSignature(0), poster.GetSentSignature(1))
	})

	t.Run("skips payments without a callback URL", func(t *testing.T) {
		t.Parallel()
		client := clienttestutil.CreateClientOrFail(t, testDB)

		poster := testutil.GetMockHttpPoster()
		notifier := &payments.Notifier{Poster: poster, Secret: secret}

		payment, err := payments.New(testDB, btcpaytestutil.NewMockProvider(),
			notifier, mockPaymentArgs(client.ID))
		require.NoError(t, err)

		_, err = payments.ApplyHint(testDB, notifier, payment.ID, payments.Hint{
			Kind: payments.HintPaid, Source: payments.SourceWebhook,
		})
		require.NoError(t, err)

		assert.Equal(t, 0, poster.GetSentPostRequests())
	})
}
