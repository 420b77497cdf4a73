package auth

import (
	"bytes"
	"crypto/rand"
	"crypto/rsa"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/brianvoe/gofakeit"
	"github.com/dgrijalva/jwt-go"
	"github.com/gin-gonic/gin"
	uuid "github.com/satori/go.uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gitlab.com/arcanecrypto/vendcoil/db"
	"gitlab.com/arcanecrypto/vendcoil/models/clients"
	"gitlab.com/arcanecrypto/vendcoil/testutil"
	"gitlab.com/arcanecrypto/vendcoil/testutil/clienttestutil"
)

var (
	dbConfig = testutil.GetDatabaseConfig("api_auth")
	testDB   *db.DB

	wrongJwtPrivKey   *rsa.PrivateKey
	correctJwtPrivKey *rsa.PrivateKey
	rotatedJwtPrivKey *rsa.PrivateKey
)

func TestMain(m *testing.M) {
	gofakeit.Seed(0)
	reader := rand.Reader

	var err error
	wrongJwtPrivKey, err = rsa.GenerateKey(reader, 2048)
	if err != nil {
		panic(err)
	}

	correctJwtPrivKey, err = rsa.GenerateKey(reader, 2048)
	if err != nil {
		panic(err)
	}

	rotatedJwtPrivKey, err = rsa.GenerateKey(reader, 2048)
	if err != nil {
		panic(err)
	}

	SetJwtPrivateKey(correctJwtPrivKey)
	AddJwtPublicKey(&rotatedJwtPrivKey.PublicKey)

	testDB = testutil.InitDatabase(dbConfig)
	gofakeit.Seed(0)
	os.Exit(m.Run())
}

func TestCreateJwt(t *testing.T) {
	t.Parallel()
	clientID := uuid.NewV4()
	machineID := "KIOSK-" + gofakeit.Word()

	token, err := CreateJwt(clientID, machineID)
	require.NoError(t, err)

	parsed, claims, err := parseBearerJwt("Bearer " + token)
	require.NoError(t, err)

	assert.True(t, parsed.Valid, "Token was invalid")
	assert.Equal(t, clientID.String(), claims.Subject)
	assert.Equal(t, machineID, claims.MachineID)
	assert.Equal(t, TokenScope, claims.Scope)
	assert.Equal(t, DefaultIssuer, claims.Issuer)
	assert.NotEmpty(t, claims.Id, "token had no jti")
	assert.Equal(t, claims.IssuedAt+int64(DefaultTokenTTL/time.Second), claims.ExpiresAt)
}

func TestParseBearerJwt(t *testing.T) {
	t.Parallel()
	clientID := uuid.NewV4()

	t.Run("creating a JWT with a bad key should not parse", func(t *testing.T) {
		token, err := createJwt(createJwtArgs{
			clientID:   clientID,
			machineID:  "KIOSK-BAD",
			privateKey: wrongJwtPrivKey,
		})
		require.NoError(t, err)
		_, _, err = parseBearerJwt("Bearer " + token)
		require.Error(t, err)
		assert.Equal(t, err.Error(), rsa.ErrVerification.Error())
	})

	t.Run("a JWT signed by a rotated out key should still parse", func(t *testing.T) {
		token, err := createJwt(createJwtArgs{
			clientID:   clientID,
			machineID:  "KIOSK-ROTATED",
			privateKey: rotatedJwtPrivKey,
		})
		require.NoError(t, err)

		_, claims, err := parseBearerJwt("Bearer " + token)
		require.NoError(t, err)
		assert.Equal(t, clientID.String(), claims.Subject)
	})

	t.Run("a token without a Bearer prefix should not parse", func(t *testing.T) {
		token, err := CreateJwt(clientID, "KIOSK-NO-PREFIX")
		require.NoError(t, err)
		_, _, err = parseBearerJwt(token)
		require.Error(t, err)
	})
}

func TestValidateClaims(t *testing.T) {
	t.Parallel()
	now := time.Now()

	newClaims := func(issuedAt, expiresAt time.Time) *jwtClaims {
		return &jwtClaims{
			MachineID: "KIOSK-SKEW",
			Scope:     TokenScope,
			StandardClaims: jwt.StandardClaims{
				Subject:   uuid.NewV4().String(),
				Id:        uuid.NewV4().String(),
				IssuedAt:  issuedAt.Unix(),
				ExpiresAt: expiresAt.Unix(),
				Issuer:    DefaultIssuer,
			},
		}
	}

	t.Run("accepts a token just inside the expiry skew", func(t *testing.T) {
		claims := newClaims(now.Add(-10*time.Minute), now.Add(-clockSkew+time.Second))
		assert.NoError(t, validateClaims(claims, now))
	})

	t.Run("rejects a token exactly at expiry plus skew", func(t *testing.T) {
		claims := newClaims(now.Add(-10*time.Minute), now.Add(-clockSkew))
		err := validateClaims(claims, now)
		require.Error(t, err)
		validationErr, ok := err.(*jwt.ValidationError)
		require.True(t, ok)
		assert.NotZero(t, validationErr.Errors&jwt.ValidationErrorExpired)
	})

	t.Run("accepts a token issued just inside the future skew", func(t *testing.T) {
		claims := newClaims(now.Add(clockSkew-time.Second), now.Add(10*time.Minute))
		assert.NoError(t, validateClaims(claims, now))
	})

	t.Run("rejects a token issued at now plus skew", func(t *testing.T) {
		claims := newClaims(now.Add(clockSkew), now.Add(10*time.Minute))
		err := validateClaims(claims, now)
		require.Error(t, err)
		validationErr, ok := err.(*jwt.ValidationError)
		require.True(t, ok)
		assert.NotZero(t, validationErr.Errors&jwt.ValidationErrorIssuedAt)
	})

	t.Run("rejects a token from another issuer", func(t *testing.T) {
		claims := newClaims(now, now.Add(10*time.Minute))
		claims.Issuer = "someone-else"
		err := validateClaims(claims, now)
		require.Error(t, err)
		validationErr, ok := err.(*jwt.ValidationError)
		require.True(t, ok)
		assert.NotZero(t, validationErr.Errors&jwt.ValidationErrorIssuer)
	})

	t.Run("rejects a token whose subject is not a UUID", func(t *testing.T) {
		claims := newClaims(now, now.Add(10*time.Minute))
		claims.Subject = "not-a-uuid"
		assert.Error(t, validateClaims(claims, now))
	})
}

func TestSetRawJwtKeys(t *testing.T) {
	t.Parallel()

	t.Run("rejects garbage private key", func(t *testing.T) {
		err := SetRawJwtKeys([]byte("not a PEM block"))
		assert.Error(t, err)
	})

	t.Run("rejects a first public key that does not pair", func(t *testing.T) {
		privPem := testutil.EncodePrivateKeyPem(correctJwtPrivKey)
		otherPub := testutil.EncodePublicKeyPem(&wrongJwtPrivKey.PublicKey)
		err := SetRawJwtKeys(privPem, otherPub)
		require.Error(t, err)
		assert.Equal(t, ErrKeyPairMismatch, err)
	})
}

func setupRouter(middleware gin.HandlerFunc) *gin.Engine {
	r := gin.Default()
	r.Use(middleware)
	r.GET("/ping", func(c *gin.Context) {
		c.Status(200)
	})
	r.GET("/scope-test", func(c *gin.Context) {
		_, ok := RequireScope(c, ScopeReadPayments)
		if !ok {
			return
		}
		c.Status(200)
	})
	return r
}

func TestGetMiddleware(t *testing.T) {
	t.Parallel()
	middleware := GetMiddleware(testDB)
	router := setupRouter(middleware)
	emptyBody := bytes.NewBuffer([]byte(""))

	client := clienttestutil.CreateClientOrFail(t, testDB)

	t.Run("authenticate with JWT", func(t *testing.T) {
		token, err := CreateJwt(client.ID, client.MachineID)
		require.NoError(t, err)

		w := httptest.NewRecorder()
		req, _ := http.NewRequest("GET", "/ping", emptyBody)
		req.Header.Add(Header, "Bearer "+token)
		router.ServeHTTP(w, req)
		assert.Equal(t, http.StatusOK, w.Code)
	})

	t.Run("not authenticate without a header", func(t *testing.T) {
		w := httptest.NewRecorder()
		req, _ := http.NewRequest("GET", "/ping", emptyBody)
		router.ServeHTTP(w, req)
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("not authenticate with JWT from bad key", func(t *testing.T) {
		token, err := createJwt(createJwtArgs{
			clientID:   client.ID,
			machineID:  client.MachineID,
			privateKey: wrongJwtPrivKey,
		})
		require.NoError(t, err)

		w := httptest.NewRecorder()
		req, _ := http.NewRequest("GET", "/ping", emptyBody)
		req.Header.Add(Header, "Bearer "+token)
		router.ServeHTTP(w, req)
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("not authenticate with malformed JWT", func(t *testing.T) {
		w := httptest.NewRecorder()
		req, _ := http.NewRequest("GET", "/ping", emptyBody)
		req.Header.Add(Header, "Bearer foobar")
		router.ServeHTTP(w, req)
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("not authenticate with expired JWT", func(t *testing.T) {
		token, err := createJwt(createJwtArgs{
			clientID:   client.ID,
			machineID:  client.MachineID,
			privateKey: correctJwtPrivKey,
			now: func() time.Time {
				return time.Now().Add(-24 * time.Hour)
			},
		})
		require.NoError(t, err)

		w := httptest.NewRecorder()
		req, _ := http.NewRequest("GET", "/ping", emptyBody)
		req.Header.Add(Header, "Bearer "+token)
		router.ServeHTTP(w, req)
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("not authenticate with JWT issued in the future", func(t *testing.T) {
		token, err := createJwt(createJwtArgs{
			clientID:   client.ID,
			machineID:  client.MachineID,
			privateKey: correctJwtPrivKey,
			now: func() time.Time {
				return time.Now().Add(24 * time.Hour)
			},
		})
		require.NoError(t, err)

		w := httptest.NewRecorder()
		req, _ := http.NewRequest("GET", "/ping", emptyBody)
		req.Header.Add(Header, "Bearer "+token)
		router.ServeHTTP(w, req)
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("not authenticate a token for a client that is gone", func(t *testing.T) {
		token, err := CreateJwt(uuid.NewV4(), "KIOSK-GONE")
		require.NoError(t, err)

		w := httptest.NewRecorder()
		req, _ := http.NewRequest("GET", "/ping", emptyBody)
		req.Header.Add(Header, "Bearer "+token)
		router.ServeHTTP(w, req)
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("not authenticate a token for a deactivated client", func(t *testing.T) {
		deactivated := clienttestutil.CreateClientOrFail(t, testDB)
		token, err := CreateJwt(deactivated.ID, deactivated.MachineID)
		require.NoError(t, err)

		_, err = clients.Deactivate(testDB, deactivated.ID)
		require.NoError(t, err)

		w := httptest.NewRecorder()
		req, _ := http.NewRequest("GET", "/ping", emptyBody)
		req.Header.Add(Header, "Bearer "+token)
		router.ServeHTTP(w, req)
		assert.Equal(t, http.StatusForbidden, w.Code)
	})

	t.Run("authenticate with scopes", func(t *testing.T) {
		token, err := CreateJwt(client.ID, client.MachineID)
		require.NoError(t, err)

		goodW := httptest.NewRecorder()
		goodReq, _ := http.NewRequest("GET", "/scope-test", emptyBody)
		goodReq.Header.Add(Header, "Bearer "+token)
		router.ServeHTTP(goodW, goodReq)
		assert.Equal(t, http.StatusOK, goodW.Code)

		// hand-roll a token that lacks the payments scopes
		now := time.Now()
		narrow := jwt.NewWithClaims(jwt.SigningMethodRS256, &jwtClaims{
			MachineID: client.MachineID,
			Scope:     "metrics:read",
			StandardClaims: jwt.StandardClaims{
				Subject:   client.ID.String(),
				Id:        uuid.NewV4().String(),
				IssuedAt:  now.Unix(),
				ExpiresAt: now.Add(10 * time.Minute).Unix(),
				Issuer:    DefaultIssuer,
			},
		})
		narrowToken, err := narrow.SignedString(correctJwtPrivKey)
		require.NoError(t, err)

		badW := httptest.NewRecorder()
		badReq, _ := http.NewRequest("GET", "/scope-test", emptyBody)
		badReq.Header.Add(Header, "Bearer "+narrowToken)
		router.ServeHTTP(badW, badReq)
		assert.Equal(t, http.StatusForbidden, badW.Code)
	})
}
