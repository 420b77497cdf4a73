package payments_test

import (
	"testing"
	"time"

	"github.com/jmoiron/sqlx/types"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gitlab.com/arcanecrypto/vendcoil/models/payments"
)

func TestFingerprint(t *testing.T) {
	t.Parallel()

	base := func() payments.NewPaymentArgs {
		return payments.NewPaymentArgs{
			ExternalCode:  "TX-0001",
			PaymentMethod: payments.MethodLightning,
			Amount:        decimal.RequireFromString("25.00"),
			Currency:      "NOK",
			Metadata:      types.JSONText(`{"slot": "B2", "operator": "north"}`),
		}
	}

	fingerprintOrFail := func(t *testing.T, args payments.NewPaymentArgs) string {
		t.Helper()
		fingerprint, err := payments.Fingerprint(args)
		require.NoError(t, err)
		return fingerprint
	}

	t.Run("is a deterministic hex digest", func(t *testing.T) {
		t.Parallel()
		first := fingerprintOrFail(t, base())
		second := fingerprintOrFail(t, base())

		assert.Equal(t, first, second)
		assert.Regexp(t, "^[0-9a-f]{64}$", first)
	})

	t.Run("ignores trailing zeros in the amount", func(t *testing.T) {
		t.Parallel()
		reference := fingerprintOrFail(t, base())

		for _, amount := range []string{"25.0", "25", "25.000000"} {
			args := base()
			args.Amount = decimal.RequireFromString(amount)
			assert.Equal(t, reference, fingerprintOrFail(t, args),
				"amount %s should fingerprint like 25.00", amount)
		}
	})

	t.Run("ignores metadata key order", func(t *testing.T) {
		t.Parallel()
		reference := fingerprintOrFail(t, base())

		args := base()
		args.Metadata = types.JSONText(`{"operator": "north", "slot": "B2"}`)
		assert.Equal(t, reference, fingerprintOrFail(t, args))
	})

	t.Run("treats missing and empty metadata alike", func(t *testing.T) {
		t.Parallel()
		args := base()
		args.Metadata = nil
		missing := fingerprintOrFail(t, args)

		args.Metadata = types.JSONText(`{}`)
		assert.Equal(t, missing, fingerprintOrFail(t, args))
	})

	t.Run("changes with the request fields", func(t *testing.T) {
		t.Parallel()
		reference := fingerprintOrFail(t, base())

		amount := base()
		amount.Amount = decimal.RequireFromString("25.01")
		assert.NotEqual(t, reference, fingerprintOrFail(t, amount))

		currency := base()
		currency.Currency = "EUR"
		assert.NotEqual(t, reference, fingerprintOrFail(t, currency))

		code := base()
		code.ExternalCode = "TX-0002"
		assert.NotEqual(t, reference, fingerprintOrFail(t, code))

		metadata := base()
		metadata.Metadata = types.JSONText(`{"slot": "B3", "operator": "north"}`)
		assert.NotEqual(t, reference, fingerprintOrFail(t, metadata))
	})

	t.Run("ignores fields outside the request body", func(t *testing.T) {
		t.Parallel()
		reference := fingerprintOrFail(t, base())

		args := base()
		args.IdempotencyKey = strPtr("order-1")
		args.MonitorWindow = 5 * time.Minute
		args.CallbackURL = strPtr("https://example.com/callback")
		args.Description = strPtr("unrelated")
		assert.Equal(t, reference, fingerprintOrFail(t, args))
	})
}
