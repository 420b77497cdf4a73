// Package validation provides validation functionality for struct tag
// fields such as "binding", used in Gin/Validator.
package validation

import (
	"reflect"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"gopkg.in/go-playground/validator.v8"

	"gitlab.com/arcanecrypto/vendcoil/build"
	"gitlab.com/arcanecrypto/vendcoil/models/payments"
)

var log = build.AddSubLogger("VLDN")

const (
	paymentmethod = "paymentmethod"
	positivemoney = "positivemoney"
)

// isValidPaymentMethod checks that the field names a payment method we can
// orchestrate. Lightning is the only one for now.
func isValidPaymentMethod(
	_ *validator.Validate, _ reflect.Value, _ reflect.Value,
	field reflect.Value, _ reflect.Type, _ reflect.Kind, _ string) bool {
	return field.String() == payments.MethodLightning
}

// isPositiveMoney checks that a decimal amount is strictly greater than
// zero. Zero and negative amounts can't be invoiced.
func isPositiveMoney(
	_ *validator.Validate, _ reflect.Value, _ reflect.Value,
	field reflect.Value, _ reflect.Type, _ reflect.Kind, _ string) bool {
	amount, ok := field.Interface().(decimal.Decimal)
	if !ok {
		return false
	}
	return amount.IsPositive()
}

// registerValidator registers a validator in our validation engine with the
// given name.
func registerValidator(engine *validator.Validate, name string, function validator.Func) error {
	err := engine.RegisterValidation(name, function)
	if err != nil {
		return errors.Wrapf(err, "could not register %q validation", name)
	}
	return nil
}

// RegisterAllValidators registers all known validators to the Validator
// engine, quitting if this results in an error. This function should
// typically be called at startup.
func RegisterAllValidators(engine *validator.Validate) []string {
	type Validator struct {
		Name     string
		Function validator.Func
	}
	validators := []Validator{
		{
			Name:     paymentmethod,
			Function: isValidPaymentMethod,
		},
		{
			Name:     positivemoney,
			Function: isPositiveMoney,
		},
	}
	names := make([]string, len(validators))
	for i, elem := range validators {
		names[i] = elem.Name
		if err := registerValidator(engine, elem.Name, elem.Function); err != nil {
			log.Fatalf("Fatal error during validation registration: %s", err)
		}
	}
	return names
}
