// Package api assembles the HTTP server: middleware, health endpoint and
// the route packages for auth, payments, events and webhooks.
package api

import (
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/pkg/errors"
	uuid "github.com/satori/go.uuid"
	"github.com/sirupsen/logrus"
	"gopkg.in/go-playground/validator.v8"

	"gitlab.com/arcanecrypto/vendcoil/api/apiauth"
	"gitlab.com/arcanecrypto/vendcoil/api/apierr"
	"gitlab.com/arcanecrypto/vendcoil/api/apievents"
	"gitlab.com/arcanecrypto/vendcoil/api/apipayments"
	"gitlab.com/arcanecrypto/vendcoil/api/apiwebhooks"
	"gitlab.com/arcanecrypto/vendcoil/api/auth"
	"gitlab.com/arcanecrypto/vendcoil/api/validation"
	"gitlab.com/arcanecrypto/vendcoil/btcpay"
	"gitlab.com/arcanecrypto/vendcoil/build"
	"gitlab.com/arcanecrypto/vendcoil/build/vendlog"
	"gitlab.com/arcanecrypto/vendcoil/bus"
	"gitlab.com/arcanecrypto/vendcoil/db"
	"gitlab.com/arcanecrypto/vendcoil/models/payments"
)

var log = build.AddSubLogger("API")

// Default rate limits, requests per minute.
const (
	DefaultAuthRateLimit     = 5
	DefaultPaymentsRateLimit = 60
)

// Config is the configuration for our API.
type Config struct {
	// LogLevel specifies which level our application is going to log to
	LogLevel logrus.Level
	// WebhookSecret authenticates incoming provider webhooks
	WebhookSecret []byte
	// EventMap decides what webhook event types mean for payments
	EventMap btcpay.EventMap
	// RatelimitAuth is token requests per minute per source IP
	RatelimitAuth int
	// RatelimitPayments is payment creations per minute per client
	RatelimitPayments int
	// MonitorWindow is how long new payments stay watchable before the
	// worker times them out. Zero means payments.DefaultMonitorWindow.
	MonitorWindow time.Duration
}

// RestServer is the rest server for our app. It includes a Router, a db
// connection and the services the route packages need.
type RestServer struct {
	Router *gin.Engine

	database *db.DB
	provider btcpay.Provider
	eventBus *bus.Bus
	notifier *payments.Notifier
	watcher  apipayments.Watcher
}

func getCorsConfig() cors.Config {
	return cors.Config{
		AllowAllOrigins: true,
		AllowMethods: []string{
			http.MethodGet, http.MethodPost,
		},
		AllowHeaders: []string{
			"Accept", "Access-Control-Allow-Origin", "Content-Type", "Referer",
			"Authorization", "Last-Event-ID"},
	}
}

// requestIDMiddleware tags every request with a fresh UUID. The ID goes
// back to the caller in X-Request-ID and shows up in our logs when the
// request fails internally, so support can match kiosk reports to logs.
func requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := uuid.NewV4().String()
		c.Set(apierr.RequestIDKey, requestID)
		c.Header("X-Request-ID", requestID)
		c.Next()
	}
}

// getGinEngine creates a new Gin engine, and applies middlewares used by
// our API. This includes recovering from panics, logging with Logrus and
// applying CORS configuration.
func getGinEngine() *gin.Engine {
	engine := gin.New()

	log.Debug("Applying gin.Recovery middleware")
	engine.Use(gin.Recovery())

	log.Debug("Applying request ID middleware")
	engine.Use(requestIDMiddleware())

	log.Debug("Applying Gin logging middleware")
	// the token endpoint gets its body blacklisted, credentials don't
	// belong in logs
	engine.Use(vendlog.GinLoggingMiddleWare(log, []string{"/api/v1/auth/token"}))

	log.Debug("Applying CORS middleware")
	engine.Use(cors.New(getCorsConfig()))

	log.Debug("Applying error handler middleware")
	engine.Use(apierr.GetMiddleware(log))

	return engine
}

// NewApp creates a new app. The server is ready to serve when this
// returns, watching and sweeping stale payments stays with the caller.
func NewApp(database *db.DB, provider btcpay.Provider, eventBus *bus.Bus,
	notifier *payments.Notifier, watcher apipayments.Watcher,
	config Config) (RestServer, error) {
	build.SetLogLevels(config.LogLevel)

	engine := getGinEngine()

	validatorEngine, ok := binding.Validator.Engine().(*validator.Validate)
	if !ok {
		return RestServer{}, errors.Errorf(
			"gin validator engine (%v) was not validator.Validate",
			binding.Validator.Engine())
	}
	validators := validation.RegisterAllValidators(validatorEngine)
	log.Infof("Registered custom validators: %s", validators)

	if len(config.EventMap.Paid) == 0 && len(config.EventMap.Expired) == 0 &&
		len(config.EventMap.Invalid) == 0 {
		config.EventMap = btcpay.DefaultEventMap()
	}
	if config.RatelimitAuth == 0 {
		config.RatelimitAuth = DefaultAuthRateLimit
	}
	if config.RatelimitPayments == 0 {
		config.RatelimitPayments = DefaultPaymentsRateLimit
	}
	if config.MonitorWindow == 0 {
		config.MonitorWindow = payments.DefaultMonitorWindow
	}

	r := RestServer{
		Router:   engine,
		database: database,
		provider: provider,
		eventBus: eventBus,
		notifier: notifier,
		watcher:  watcher,
	}

	r.Router.GET("/health", r.health())

	r.Router.NoRoute(func(c *gin.Context) {
		apierr.Public(c, http.StatusNotFound, apierr.ErrRouteNotFound)
	})

	authLimiter := newRateLimiter(config.RatelimitAuth)
	paymentLimiter := newRateLimiter(config.RatelimitPayments)
	authMiddleware := auth.GetMiddleware(database)

	apiauth.RegisterRoutes(r.Router, database, authLimiter.byIP())
	apipayments.RegisterRoutes(r.Router, database, provider, notifier, watcher,
		authMiddleware, paymentLimiter.byClient(), config.MonitorWindow)
	apievents.RegisterRoutes(r.Router, database, eventBus, authMiddleware)
	apiwebhooks.RegisterRoutes(r.Router, database, notifier,
		config.WebhookSecret, config.EventMap)

	return r, nil
}

// health reports whether the process is up and can reach its database.
// Always 200, load balancers read the body.
func (r *RestServer) health() gin.HandlerFunc {
	return func(c *gin.Context) {
		databaseStatus := "ok"
		if err := r.database.Ping(); err != nil {
			log.WithError(err).Error("Health check could not ping database")
			databaseStatus = "degraded"
		}

		status := "ok"
		if databaseStatus != "ok" {
			status = "degraded"
		}

		c.JSONP(http.StatusOK, gin.H{
			"status":   status,
			"database": databaseStatus,
			"time":     time.Now().UTC(),
		})
	}
}
