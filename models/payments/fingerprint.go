package payments

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"

	"github.com/jmoiron/sqlx/types"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

// fingerprintFields is the canonical JSON document hashed into
// request_fingerprint. The struct fields are declared in alphabetical
// order, which is the key order encoding/json emits.
type fingerprintFields struct {
	Amount        string          `json:"amount"`
	Currency      string          `json:"currency"`
	ExternalCode  string          `json:"external_code"`
	Metadata      json.RawMessage `json:"metadata"`
	PaymentMethod string          `json:"payment_method"`
}

// Fingerprint hashes the identity-bearing fields of a create request.
// Requests that differ only in formatting, amount trailing zeros or
// metadata key order, produce the same fingerprint.
func Fingerprint(args NewPaymentArgs) (string, error) {
	metadata, err := canonicalMetadata(args.Metadata)
	if err != nil {
		return "", err
	}

	encoded, err := json.Marshal(fingerprintFields{
		Amount:        canonicalAmount(args.Amount),
		Currency:      args.Currency,
		ExternalCode:  args.ExternalCode,
		Metadata:      metadata,
		PaymentMethod: args.PaymentMethod,
	})
	if err != nil {
		return "", errors.Wrap(err, "could not encode fingerprint fields")
	}

	sum := sha256.Sum256(encoded)
	return hex.EncodeToString(sum[:]), nil
}

// canonicalAmount drops trailing fractional zeros, so 1.50 and 1.5 hash
// the same.
func canonicalAmount(amount decimal.Decimal) string {
	str := amount.String()
	if !strings.Contains(str, ".") {
		return str
	}
	str = strings.TrimRight(str, "0")
	return strings.TrimSuffix(str, ".")
}

// canonicalMetadata re-encodes metadata through a map, which sorts keys
// at every nesting level.
func canonicalMetadata(metadata types.JSONText) (json.RawMessage, error) {
	if len(metadata) == 0 {
		return json.RawMessage("{}"), nil
	}

	var decoded interface{}
	if err := json.Unmarshal(metadata, &decoded); err != nil {
		return nil, errors.Wrap(err, "could not parse metadata")
	}

	encoded, err := json.Marshal(decoded)
	if err != nil {
		return nil, errors.Wrap(err, "could not re-encode metadata")
	}
	return encoded, nil
}
