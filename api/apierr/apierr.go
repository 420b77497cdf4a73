// Package apierr provides functionality for handling errors in our API.
// This includes both creating middleware for this, as well as terminating
// requests in a way that gives the caller a meaningful error body.
package apierr

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"unicode"

	"github.com/gin-gonic/gin"
	pkgerrors "github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"gopkg.in/go-playground/validator.v8"

	"gitlab.com/arcanecrypto/vendcoil/build/vendlog"
)

// RequestIDKey is the Gin context key the request ID middleware stores the
// generated request ID under. The error middleware includes this ID when
// logging internal errors, so a kiosk operator quoting the X-Request-ID
// header can be matched to our logs.
const RequestIDKey = "request-id"

// Response is the wire format of every error reply from this API.
type Response struct {
	Detail string `json:"detail"`
}

func (r Response) Error() string {
	return r.Detail
}

// apiError pairs a message that is safe to show to API clients with a
// stable code we can grep the logs for.
type apiError struct {
	err  error
	code string
}

func (a apiError) Error() string {
	return pkgerrors.Wrap(a.err, a.code).Error()
}

// Is provides functionality for comparing errors
func (a apiError) Is(err error) bool {
	if response, ok := err.(Response); ok {
		return strings.EqualFold(response.Detail, a.err.Error())
	}
	if aErr, ok := err.(apiError); ok {
		return a.code == aErr.code
	}
	return a.err.Error() == err.Error()
}

var (
	// ErrInvalidCredentials means the given machine ID and password did not
	// match an existing client. We reply with the same message whether the
	// client is missing or the password is wrong.
	ErrInvalidCredentials = apiError{
		err:  errors.New("invalid credentials"),
		code: "ERR_INVALID_CREDENTIALS",
	}

	// ErrClientInactive means the client exists but has been deactivated
	ErrClientInactive = apiError{
		err:  errors.New("client is inactive"),
		code: "ERR_CLIENT_INACTIVE",
	}

	// ErrIPNotAllowed means the request came from an IP outside the
	// client's allow-list
	ErrIPNotAllowed = apiError{
		err:  errors.New("IP address not allowed"),
		code: "ERR_IP_NOT_ALLOWED",
	}

	// ErrMissingAuthHeader means the HTTP request had an empty auth header
	ErrMissingAuthHeader = apiError{
		err:  errors.New("missing authentication header"),
		code: "ERR_MISSING_AUTH_HEADER",
	}

	//ErrMalformedJwt means the given JWT was malformed
	ErrMalformedJwt = apiError{
		err:  errors.New("malformed JWT"),
		code: "ERR_MALFORMED_JWT",
	}

	//ErrInvalidJwtSignature means the JWT signature was invalid
	ErrInvalidJwtSignature = apiError{
		err:  errors.New("invalid JWT signature"),
		code: "ERR_INVALID_JWT_SIGNATURE",
	}

	//ErrExpiredJwt means we were given an expired JWT
	ErrExpiredJwt = apiError{
		err:  errors.New("expired JWT"),
		code: "ERR_EXPIRED_JWT",
	}

	//ErrJwtNotValidYet means the given JWT has a start time set in the future
	ErrJwtNotValidYet = apiError{
		err:  errors.New("JWT is not valid yet"),
		code: "ERR_JWT_NOT_VALID_YET",
	}

	// ErrBadJwtIssuer means the JWT was issued by someone else
	ErrBadJwtIssuer = apiError{
		err:  errors.New("JWT has an unknown issuer"),
		code: "ERR_BAD_JWT_ISSUER",
	}

	// ErrMissingScope means the token lacks the scope the endpoint requires
	ErrMissingScope = apiError{
		err:  errors.New("token is missing the required scope"),
		code: "ERR_MISSING_SCOPE",
	}

	// ErrPaymentNotFound means the requested payment does not exist, or
	// belongs to another client
	ErrPaymentNotFound = apiError{
		err:  errors.New("payment not found"),
		code: "ERR_PAYMENT_NOT_FOUND",
	}

	// ErrPaymentAlreadyFinal means the payment has reached a terminal
	// status and cannot change anymore
	ErrPaymentAlreadyFinal = apiError{
		err:  errors.New("payment is already in a terminal status"),
		code: "ERR_PAYMENT_ALREADY_FINAL",
	}

	// ErrIdempotencyConflict means an idempotency key was reused with a
	// request body that doesn't match the original one
	ErrIdempotencyConflict = apiError{
		err:  errors.New("idempotency key was already used with a different request body"),
		code: "ERR_IDEMPOTENCY_CONFLICT",
	}

	// ErrInvalidMetadata means the metadata field was not a JSON document
	// within our size limit. Size is checked here rather than in binding
	// because the field is free-form.
	ErrInvalidMetadata = apiError{
		err:  errors.New("metadata must be a JSON document of at most 8 KiB"),
		code: "ERR_INVALID_METADATA",
	}

	// ErrInvalidCallbackURL means the callback URL was not http(s)
	ErrInvalidCallbackURL = apiError{
		err:  errors.New("callback_url must be an http(s) URL of at most 2048 characters"),
		code: "ERR_INVALID_CALLBACK_URL",
	}

	// ErrInvalidRedirectURL means the redirect URL was not http(s)
	ErrInvalidRedirectURL = apiError{
		err:  errors.New("redirect_url must be an http(s) URL of at most 2048 characters"),
		code: "ERR_INVALID_REDIRECT_URL",
	}

	// ErrProviderUnavailable means the Lightning provider failed while we
	// were creating an invoice. The payment row exists with status FAILED.
	ErrProviderUnavailable = apiError{
		err:  errors.New("payment provider is unavailable"),
		code: "ERR_PROVIDER_UNAVAILABLE",
	}

	// ErrInvalidWebhookSignature means the webhook signature header was
	// missing, malformed or did not match the payload
	ErrInvalidWebhookSignature = apiError{
		err:  errors.New("invalid webhook signature"),
		code: "ERR_INVALID_WEBHOOK_SIGNATURE",
	}

	// ErrInvalidWebhookPayload means the webhook body was not parseable
	ErrInvalidWebhookPayload = apiError{
		err:  errors.New("could not parse webhook payload"),
		code: "ERR_INVALID_WEBHOOK_PAYLOAD",
	}

	// ErrTooManyRequests means the caller blew through their rate limit
	ErrTooManyRequests = apiError{
		err:  errors.New("too many requests"),
		code: "ERR_TOO_MANY_REQUESTS",
	}

	// ErrRouteNotFound means the requested HTTP route wasn't found
	ErrRouteNotFound = apiError{
		err:  errors.New("route not found"),
		code: "ERR_ROUTE_NOT_FOUND",
	}

	// errInvalidJson means we got sent invalid JSON
	errInvalidJson = apiError{
		err:  errors.New("invalid JSON"),
		code: "ERR_INVALID_JSON",
	}

	errBodyRequired = apiError{
		err:  errors.New("JSON body required"),
		code: "ERR_BODY_REQUIRED",
	}

	// ErrRequestValidationFailed means the caller gave us an invalid
	// request, either in JSON, URL or query format
	ErrRequestValidationFailed = apiError{
		err:  errors.New("request validation failed"),
		code: "ERR_REQUEST_VALIDATION_FAILED",
	}

	// ErrUnknownError means we don't know exactly what went wrong
	ErrUnknownError = apiError{
		err:  errors.New("something went wrong"),
		code: "ERR_UNKNOWN_ERROR",
	}
)

// decapitalize makes the first element of a string lowercase
func decapitalize(str string) string {
	if str == "" {
		return ""
	}
	var decapitalized string
	for index, c := range str {
		if index == 0 {
			decapitalized = string(unicode.ToLower(c))
			continue
		}
		decapitalized = decapitalized + string(c)
	}
	return decapitalized
}

// capitalize makes the first element of a string uppercase
func capitalize(str string) string {
	if str == "" {
		return ""
	}
	var capitalized string
	for index, c := range str {
		if index == 0 {
			capitalized = string(unicode.ToUpper(c))
			continue
		}
		capitalized = capitalized + string(c)
	}
	return capitalized
}

// GetMiddleware returns a Gin middleware that converts errors attached to
// the request into our standard error body.
func GetMiddleware(log *vendlog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {

		// let previous handlers run
		c.Next()

		if len(c.Errors) == 0 {
			return
		}

		// if HTTP code is set to -1 it doesn't overwrite what's already there
		httpCode := -1
		if c.Writer.Status() == http.StatusOK {
			// default to 500 if no status has been set
			httpCode = http.StatusInternalServerError
		}

		// JSON parsing problems surface as bind errors. Catch them before
		// anything else, so the caller learns the body itself was the problem.
		for _, err := range c.Errors {
			var syntaxErr *json.SyntaxError
			if errors.Is(err.Err, io.EOF) {
				c.JSON(http.StatusBadRequest, Response{Detail: capitalize(errBodyRequired.err.Error())})
				return
			} else if errors.As(err.Err, &syntaxErr) {
				c.JSON(http.StatusBadRequest, Response{Detail: capitalize(errInvalidJson.err.Error())})
				return
			}
		}

		var detail string

		// public errors are errors that can be shown to the end user
		publicErrors := c.Errors.ByType(gin.ErrorTypePublic)
		if len(publicErrors) > 0 {
			// we only take the last one because our error format only has
			// space for one message. as of writing, we immediately return
			// from all places where we send a public error, so this
			// shouldn't really matter
			err := publicErrors.Last()
			if apiErr, ok := err.Err.(apiError); ok {
				detail = apiErr.err.Error()
			} else {
				log.WithError(err).Warn("Got public error in error handler that was not apiError type")
				detail = ErrUnknownError.err.Error()
			}
		}

		if detail == "" {
			if fieldErrors := describeValidationErrors(c, log); len(fieldErrors) > 0 {
				detail = strings.Join(fieldErrors, "; ")
				if httpCode == http.StatusInternalServerError {
					// binding failures are the caller's fault
					httpCode = http.StatusBadRequest
				}
			}
		}

		if detail == "" {
			// this is bad, but should be picked up by tests
			detail = ErrUnknownError.err.Error()
		}

		if httpCode == http.StatusInternalServerError ||
			c.Writer.Status() == http.StatusInternalServerError {
			log.WithFields(logrus.Fields{
				"requestId": c.GetString(RequestIDKey),
				"errors":    c.Errors.Errors(),
			}).Error("Request failed with internal error")
		}

		c.JSON(httpCode, Response{Detail: capitalize(detail)})
	}
}

// Public fails the given Gin request with the given error. It sets the error
// type as public, causing it to later be returned to the end user with a
// fitting error message.
func Public(c *gin.Context, code int, err apiError) {
	cErr := c.AbortWithError(code, err)
	_ = cErr.SetType(gin.ErrorTypePublic)
}

// describeValidationErrors turns binding errors attached to the request into
// human readable messages.
func describeValidationErrors(c *gin.Context, log *vendlog.Logger) []string {
	var messages []string
	for _, err := range c.Errors.ByType(gin.ErrorTypeBind) {
		// not all errors encountered in validation is a nice
		// validator.ValidationErrors type. if you request an int in a form
		// for example, parsing of that int will fail before proper
		// validation happens, and we're left with this ugly error type.
		// see these GitHub issues:  https://github.com/gin-gonic/gin/issues/1093
		//							 https://github.com/gin-gonic/gin/issues/1907
		if numError, ok := err.Err.(*strconv.NumError); ok {
			messages = append(messages,
				fmt.Sprintf("%q is not a valid number", numError.Num))
			continue
		}

		// if we pass an int to a JSON field expecting a string (or something
		// similar), we end up with this kind of error, not a
		// validator.ValidationErrors
		if jsonError, ok := err.Err.(*json.UnmarshalTypeError); ok {
			log.WithError(jsonError).WithFields(logrus.Fields{
				"field":  jsonError.Field,
				"value":  jsonError.Value,
				"type":   jsonError.Type,
				"struct": jsonError.Struct,
			}).Debug("Handling JSON error")
			messages = append(messages,
				fmt.Sprintf("%q requires a %s, got a %s", jsonError.Field, jsonError.Type, jsonError.Value))
			continue
		}

		validationErrors, ok := err.Err.(validator.ValidationErrors)
		if !ok {
			continue
		}
		for _, validationErr := range validationErrors {
			// When doing field validation, it's not possible to get the name
			// of the JSON/Query field we're validating, only the field of the
			// struct. The assumption here is that all struct fields are named
			// the same as corresponding form/JSON fields, except for the
			// first letter.
			field := decapitalize(validationErr.Field)
			var message string
			switch validationErr.Tag {
			case "required":
				message = fmt.Sprintf("%q is required", field)
			case "positivemoney":
				message = fmt.Sprintf("%q must be a positive decimal amount", field)
			case "paymentmethod":
				message = fmt.Sprintf("%q is not a supported payment method", field)
			case "gte":
				message = fmt.Sprintf("%q field must be greater than or equal %s. Got: %s",
					field, validationErr.Param, validationErr.Value)
			case "lte":
				message = fmt.Sprintf("%q field must be less than or equal %s. Got: %s",
					field, validationErr.Param, validationErr.Value)
			case "gt":
				message = fmt.Sprintf("%q field must be greater than %s. Got: %s",
					field, validationErr.Param, validationErr.Value)
			case "url":
				message = fmt.Sprintf("%q field is not a valid URL", field)
			case "max":
				message = fmt.Sprintf("%q cannot be longer than %s characters", field, validationErr.Param)
			case "min":
				message = fmt.Sprintf("%q cannot be shorter than %s characters", field, validationErr.Param)
			default:
				log.WithField("tag", validationErr.Tag).Warn("Encountered unknown validation field")
				message = fmt.Sprintf("%s is invalid", field)
			}
			messages = append(messages, message)
		}
	}
	return messages
}
