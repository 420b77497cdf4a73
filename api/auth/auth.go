// Package auth issues and verifies the short-lived bearer tokens kiosks use
// against the payments API.
package auth

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/dgrijalva/jwt-go"
	"github.com/gin-gonic/gin"
	uuid "github.com/satori/go.uuid"

	"gitlab.com/arcanecrypto/vendcoil/api/apierr"
	"gitlab.com/arcanecrypto/vendcoil/build"
	"gitlab.com/arcanecrypto/vendcoil/db"
	"gitlab.com/arcanecrypto/vendcoil/models/clients"
)

const (
	// Header is the name of the header we check for authentication details
	Header = "Authorization"
	// clientIdVariable is the Gin variable we store the authenticated
	// client ID as
	clientIdVariable = "client-id"
	// machineIdVariable is the Gin variable we store the authenticated
	// client's machine ID as
	machineIdVariable = "machine-id"
	// scopeVariable is the Gin variable we store the token scope under
	scopeVariable = "token-scope"
)

const (
	// ScopeCreatePayments is required to create and cancel payments
	ScopeCreatePayments = "payments:create"
	// ScopeReadPayments is required to read payments and consume the
	// event stream
	ScopeReadPayments = "payments:read"

	// TokenScope is the scope claim issued to authenticated kiosks
	TokenScope = ScopeCreatePayments + " " + ScopeReadPayments

	// DefaultTokenTTL is how long issued tokens stay valid
	DefaultTokenTTL = 10 * time.Minute
	// DefaultIssuer is the iss claim we put on issued tokens
	DefaultIssuer = "vendcoil"

	// clockSkew is how much clock drift between us and the kiosk we
	// tolerate when checking time claims. The boundary itself is rejected:
	// a token seen exactly at expiry+skew is expired.
	clockSkew = 30 * time.Second
)

var log = build.AddSubLogger("AUTH")

var (
	ErrNoPrivateKey        = errors.New("private key not present in args")
	ErrInvalidKeyType      = errors.New("key is not a RSA key")
	ErrKeyPairMismatch     = errors.New("first public key does not pair the private key")
	ErrJwtKeyHasNotBeenSet = errors.New("JWT key is nil! You need to call SetJwtPrivateKey before using this package")
)

// signing key plus the set of keys tokens may verify against. Retired
// signing keys stay in the set until every token they signed has expired.
var (
	jwtPrivateKey *rsa.PrivateKey
	jwtPublicKeys []*rsa.PublicKey
)

var (
	tokenTTL = DefaultTokenTTL
	issuer   = DefaultIssuer
)

// SetTokenTTL overrides how long new tokens stay valid. Non-positive values
// are ignored.
func SetTokenTTL(ttl time.Duration) {
	if ttl > 0 {
		tokenTTL = ttl
	}
}

// TokenTTL returns the configured token lifetime.
func TokenTTL() time.Duration {
	return tokenTTL
}

// SetIssuer overrides the iss claim on new tokens. Empty values are ignored.
func SetIssuer(iss string) {
	if iss != "" {
		issuer = iss
	}
}

// SetJwtPrivateKey takes in a RSA private key, and sets the JWT signing key
// used in this package to it. The matching public key becomes the only
// verification key.
func SetJwtPrivateKey(key *rsa.PrivateKey) {
	jwtPrivateKey = key
	jwtPublicKeys = []*rsa.PublicKey{&key.PublicKey}
}

// AddJwtPublicKey appends a verification key. Tokens signed by a retired
// private key stay valid through rotation as long as its public key is kept
// in the set.
func AddJwtPublicKey(key *rsa.PublicKey) {
	jwtPublicKeys = append(jwtPublicKeys, key)
}

// SetRawJwtKeys takes a PEM encoded RSA private key plus zero or more PEM
// encoded public keys, and sets them as the signing key and verification key
// set of this package. When public keys are given, the first must pair the
// private key.
func SetRawJwtKeys(privateKey []byte, publicKeys ...[]byte) error {
	priv, err := parseRawPrivateKey(privateKey)
	if err != nil {
		return err
	}

	if len(publicKeys) == 0 {
		SetJwtPrivateKey(priv)
		return nil
	}

	pubs := make([]*rsa.PublicKey, len(publicKeys))
	for i, raw := range publicKeys {
		pub, err := ParseRawPublicKey(raw)
		if err != nil {
			return fmt.Errorf("could not parse public key %d: %w", i, err)
		}
		pubs[i] = pub
	}

	if pubs[0].N.Cmp(priv.PublicKey.N) != 0 || pubs[0].E != priv.PublicKey.E {
		return ErrKeyPairMismatch
	}

	jwtPrivateKey = priv
	jwtPublicKeys = pubs
	return nil
}

func parseRawPrivateKey(key []byte) (*rsa.PrivateKey, error) {
	privPem, _ := pem.Decode(key)
	if privPem == nil {
		return nil, errors.New("could not decode PEM key")
	}
	if privPem.Type != "RSA PRIVATE KEY" {
		return nil, ErrInvalidKeyType
	}

	privateKey, err := x509.ParsePKCS1PrivateKey(privPem.Bytes)
	if err != nil {
		return nil, err
	}
	return privateKey, nil
}

// ParseRawPublicKey decodes a PEM encoded RSA public key, accepting both
// PKCS1 and PKIX encodings.
func ParseRawPublicKey(key []byte) (*rsa.PublicKey, error) {
	pubPem, _ := pem.Decode(key)
	if pubPem == nil {
		return nil, errors.New("could not decode PEM key")
	}

	if pub, err := x509.ParsePKCS1PublicKey(pubPem.Bytes); err == nil {
		return pub, nil
	}

	parsed, err := x509.ParsePKIXPublicKey(pubPem.Bytes)
	if err != nil {
		return nil, err
	}
	pub, ok := parsed.(*rsa.PublicKey)
	if !ok {
		return nil, ErrInvalidKeyType
	}
	return pub, nil
}

// jwtClaims is the claim set on our JWTs. The subject is the client ID,
// `mid` the kiosk machine ID.
type jwtClaims struct {
	MachineID string `json:"mid"`
	Scope     string `json:"scope"`
	jwt.StandardClaims
}

// GetMiddleware generates a middleware that authenticates that the caller
// supplies a valid Bearer JWT in their authorization header. The client the
// token was issued to is reloaded on every request, so deactivating a client
// locks out tokens that are still within their lifetime. It inserts the
// client ID, machine ID and token scope as request variables that can be
// retrieved later, after the request has passed through the middleware.
func GetMiddleware(database *db.DB) func(c *gin.Context) {

	return func(c *gin.Context) {
		header := c.GetHeader(Header)
		if header == "" {
			apierr.Public(c, http.StatusUnauthorized, apierr.ErrMissingAuthHeader)
			return
		}

		claims, err := authenticateJWT(c)
		if err != nil {
			return
		}

		// the subject claim was validated during parsing
		clientID, _ := uuid.FromString(claims.Subject)

		client, err := clients.GetByID(database, clientID)
		if err != nil {
			// the token verifies but the client is gone
			log.WithError(err).WithField("clientId", clientID).Error("Couldn't find client for valid JWT")
			apierr.Public(c, http.StatusUnauthorized, apierr.ErrInvalidCredentials)
			return
		}

		if !client.Active {
			log.WithField("machineId", client.MachineID).Info("Rejected token for deactivated client")
			apierr.Public(c, http.StatusForbidden, apierr.ErrClientInactive)
			return
		}

		c.Set(clientIdVariable, client.ID)
		c.Set(machineIdVariable, client.MachineID)
		c.Set(scopeVariable, claims.Scope)
	}
}

// authenticateJWT tries to extract and verify a JWT from the authorization
// header. If that doesn't succeed, it rejects the request. If an error is
// returned, the request has been responded to, and no further action is
// needed.
func authenticateJWT(c *gin.Context) (*jwtClaims, error) {
	tokenString := c.GetHeader(Header)

	_, claims, err := parseBearerJwt(tokenString)
	if err != nil {
		var validationError *jwt.ValidationError
		if errors.As(err, &validationError) {
			switch {
			case validationError.Errors&jwt.ValidationErrorExpired != 0:
				apierr.Public(c, http.StatusUnauthorized, apierr.ErrExpiredJwt)
			case validationError.Errors&jwt.ValidationErrorIssuedAt != 0:
				apierr.Public(c, http.StatusUnauthorized, apierr.ErrJwtNotValidYet)
			case validationError.Errors&jwt.ValidationErrorIssuer != 0:
				apierr.Public(c, http.StatusUnauthorized, apierr.ErrBadJwtIssuer)
			case validationError.Errors&(jwt.ValidationErrorSignatureInvalid|jwt.ValidationErrorUnverifiable) != 0:
				apierr.Public(c, http.StatusUnauthorized, apierr.ErrInvalidJwtSignature)
			default:
				apierr.Public(c, http.StatusUnauthorized, apierr.ErrMalformedJwt)
			}
			return nil, err
		}

		log.WithError(err).Info("Got unexpected error when parsing JWT")
		_ = c.Error(err)
		c.Abort()
		return nil, err
	}

	return claims, nil
}

// parseBearerJwt parses a string representation of a JWT and validates it is
// signed by one of our verification keys. It returns the token and the
// extracted claims. If anything goes wrong, an error with a descriptive
// reason is returned.
func parseBearerJwt(tokenString string) (*jwt.Token, *jwtClaims, error) {
	if len(jwtPublicKeys) == 0 {
		log.Panic(ErrJwtKeyHasNotBeenSet)
	}

	// Remove 'Bearer ' from tokenString. It is fine to do it this way because
	// a malicious actor will just create an invalid JWT if anything other
	// then Bearer is passed as the first 7 characters
	if len(tokenString) < 7 || tokenString[:7] != "Bearer " {
		return nil, nil, jwt.NewValidationError("malformed JWT", jwt.ValidationErrorMalformed)
	}
	tokenString = tokenString[7:]

	var lastErr error
	for _, key := range jwtPublicKeys {
		token, claims, err := parseJwtWithKey(tokenString, key)
		if err == nil {
			return token, claims, nil
		}
		lastErr = err

		// a bad signature may just mean the token was signed by another
		// key in the set
		var validationError *jwt.ValidationError
		if errors.As(err, &validationError) &&
			validationError.Errors&jwt.ValidationErrorSignatureInvalid != 0 {
			continue
		}
		return nil, nil, err
	}
	return nil, nil, lastErr
}

func parseJwtWithKey(tokenString string, publicKey *rsa.PublicKey) (*jwt.Token, *jwtClaims, error) {
	// time claims are checked in validateClaims with our clock skew, not by
	// the library
	parser := jwt.Parser{
		ValidMethods:         []string{jwt.SigningMethodRS256.Alg()},
		SkipClaimsValidation: true,
	}

	claims := &jwtClaims{}
	token, err := parser.ParseWithClaims(tokenString, claims,
		func(token *jwt.Token) (interface{}, error) {
			return publicKey, nil
		})
	if err != nil {
		return nil, nil, err
	}

	if err := validateClaims(claims, time.Now()); err != nil {
		return nil, nil, err
	}

	return token, claims, nil
}

// validateClaims applies our own time checks. Drift up to clockSkew is
// accepted in both directions, with the boundary itself rejected.
func validateClaims(claims *jwtClaims, now time.Time) error {
	skew := int64(clockSkew / time.Second)

	if now.Unix() >= claims.ExpiresAt+skew {
		return jwt.NewValidationError("token is expired", jwt.ValidationErrorExpired)
	}
	if claims.IssuedAt >= now.Unix()+skew {
		return jwt.NewValidationError("token used before issued", jwt.ValidationErrorIssuedAt)
	}
	if claims.Issuer != issuer {
		return jwt.NewValidationError("unknown issuer", jwt.ValidationErrorIssuer)
	}
	if _, err := uuid.FromString(claims.Subject); err != nil {
		return jwt.NewValidationError("malformed subject claim", jwt.ValidationErrorClaimsInvalid)
	}
	return nil
}

type createJwtArgs struct {
	clientID   uuid.UUID
	machineID  string
	privateKey *rsa.PrivateKey
	now        func() time.Time
}

func createJwt(args createJwtArgs) (string, error) {
	if args.now == nil {
		args.now = time.Now
	}

	if args.privateKey == nil {
		return "", ErrNoPrivateKey
	}

	now := args.now()
	token := jwt.NewWithClaims(jwt.SigningMethodRS256,
		&jwtClaims{
			MachineID: args.machineID,
			Scope:     TokenScope,
			StandardClaims: jwt.StandardClaims{
				Subject:   args.clientID.String(),
				Id:        uuid.NewV4().String(),
				IssuedAt:  now.Unix(),
				ExpiresAt: now.Add(tokenTTL).Unix(),
				Issuer:    issuer,
			},
		},
	)

	tokenString, err := token.SignedString(args.privateKey)
	if err != nil {
		log.WithError(err).Error("Signing JWT failed")
		return "", err
	}

	log.WithField("machineId", args.machineID).Trace("Signed token successfully")

	return tokenString, nil
}

// CreateJwt creates a new JWT for the given client, with a fresh jti and the
// configured TTL, signed with our signing key. It returns the compact string
// representation of the token, without a Bearer prefix.
func CreateJwt(clientID uuid.UUID, machineID string) (string, error) {
	if jwtPrivateKey == nil {
		log.Panic(ErrJwtKeyHasNotBeenSet)
	}

	return createJwt(createJwtArgs{
		clientID:   clientID,
		machineID:  machineID,
		privateKey: jwtPrivateKey,
		now:        time.Now,
	})
}

// Info identifies the authenticated client on a request
type Info struct {
	ClientID  uuid.UUID
	MachineID string
	Scope     string
}

// ClientID returns the authenticated client's ID, if the auth middleware
// has run on this request.
func ClientID(c *gin.Context) (uuid.UUID, bool) {
	id, exists := c.Get(clientIdVariable)
	if !exists {
		return uuid.UUID{}, false
	}
	clientID, ok := id.(uuid.UUID)
	return clientID, ok
}

// getInfoOrReject retrieves the authentication info associated with this
// request. This info is set by the authentication middleware, which means
// this method can safely be called by all endpoints that use the
// authentication middleware.
func getInfoOrReject(c *gin.Context) (Info, bool) {
	id, exists := c.Get(clientIdVariable)
	if !exists {
		const msg = "client ID is not set in request! This is a serious error, and means our authentication middleware did not set the correct variable"
		_ = c.AbortWithError(http.StatusInternalServerError, errors.New(msg))
		return Info{}, false
	}
	clientID, ok := id.(uuid.UUID)
	if !ok {
		const msg = "client ID was not a UUID! This means our authentication middleware did something bad"
		_ = c.AbortWithError(http.StatusInternalServerError, errors.New(msg))
		return Info{}, false
	}

	return Info{
		ClientID:  clientID,
		MachineID: c.GetString(machineIdVariable),
		Scope:     c.GetString(scopeVariable),
	}, true
}

// RequireScope extracts the authentication information associated with the
// given request, and confirms the given scope is present on the token. If
// the scope doesn't match, we reject the request, and no further action is
// needed by the caller of this function.
func RequireScope(c *gin.Context, scope string) (Info, bool) {
	info, ok := getInfoOrReject(c)
	if !ok {
		return Info{}, false
	}

	for _, granted := range strings.Fields(info.Scope) {
		if granted == scope {
			return info, true
		}
	}

	apierr.Public(c, http.StatusForbidden, apierr.ErrMissingScope)
	return Info{}, false
}
