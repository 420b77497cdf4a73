package actions

import (
	"context"
	"errors"
	"fmt"
	"io/ioutil"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/urfave/cli"

	"gitlab.com/arcanecrypto/vendcoil/api"
	"gitlab.com/arcanecrypto/vendcoil/api/auth"
	"gitlab.com/arcanecrypto/vendcoil/async"
	"gitlab.com/arcanecrypto/vendcoil/btcpay"
	"gitlab.com/arcanecrypto/vendcoil/bus"
	"gitlab.com/arcanecrypto/vendcoil/cmd/vlc/flags"
	"gitlab.com/arcanecrypto/vendcoil/db"
	"gitlab.com/arcanecrypto/vendcoil/models/payments"
	"gitlab.com/arcanecrypto/vendcoil/monitor"
)

const (
	dbAwaitAttempts = 5
	dbAwaitDuration = time.Second

	shutdownTimeout = 10 * time.Second
)

// awaitDatabase tries to get a ping response from postgres, returning an
// error if that isn't possible within a set of attempts
func awaitDatabase(database *db.DB) error {
	retry := func() bool {
		err := database.Ping()
		if err != nil {
			wrapped := fmt.Errorf("awaitDatabase: %w", err)
			log.WithError(wrapped).Debug("ping failed")
		}
		return err == nil
	}
	return async.Await(dbAwaitAttempts, dbAwaitDuration, retry, "couldn't reach postgres")
}

// readJwtKeys loads the signing key and the optional verification key set
// from the auth flags and hands them to the auth package
func readJwtKeys(c *cli.Context) error {
	privateKeyPath := c.String("auth.privatekey")
	if privateKeyPath == "" {
		return errors.New("no RSA JWT key given")
	}

	privateKey, err := ioutil.ReadFile(privateKeyPath)
	if err != nil {
		return fmt.Errorf("could not read RSA JWT key: %w", err)
	}

	var publicKeys [][]byte
	for _, keyPath := range strings.Split(c.String("auth.publickeys"), ",") {
		keyPath = strings.TrimSpace(keyPath)
		if keyPath == "" {
			continue
		}
		raw, err := ioutil.ReadFile(keyPath)
		if err != nil {
			return fmt.Errorf("could not read JWT public key %q: %w", keyPath, err)
		}
		publicKeys = append(publicKeys, raw)
	}

	if err := auth.SetRawJwtKeys(privateKey, publicKeys...); err != nil {
		return err
	}
	log.WithField("publicKeys", len(publicKeys)).Info("Set JWT signing key")
	return nil
}

func Serve() cli.Command {
	serve := cli.Command{
		Name:  "serve",
		Usage: "Starts the vending payment orchestration API",
		Before: func(c *cli.Context) error {
			if err := readJwtKeys(c); err != nil {
				return err
			}

			auth.SetTokenTTL(c.Duration("auth.tokenttl"))
			auth.SetIssuer(c.String("auth.issuer"))
			return nil
		},
		Action: func(c *cli.Context) (err error) {

			dbConf := flags.ReadDbConf(c)
			database, err := db.Open(dbConf)
			if err != nil {
				return err
			}
			defer func() {
				if dbErr := database.Close(); dbErr != nil {
					err = dbErr
				}
			}()

			// fail on connectivity problems here, instead of on the first
			// request that needs the database
			if err := awaitDatabase(database); err != nil {
				return err
			}
			log.Info("postgres is reachable")

			if c.Bool("db.migrateup") {
				if err := database.MigrateUp(); err != nil {
					return err
				}
			}

			btcpayConf := flags.ReadBtcpayConf(c)
			provider, err := btcpay.NewRestClient(btcpayConf)
			if err != nil {
				return err
			}
			log.WithFields(logrus.Fields{
				"url":   btcpayConf.URL,
				"store": btcpayConf.StoreID,
			}).Info("Configured BTCPay Server provider")

			eventMap := btcpay.DefaultEventMap()
			if mapPath := c.String("btcpay.eventmap"); mapPath != "" {
				eventMap, err = btcpay.LoadEventMap(mapPath)
				if err != nil {
					return err
				}
				log.WithField("path", mapPath).Info("Loaded webhook event map")
			}

			webhookSecret := []byte(btcpayConf.WebhookSecret)

			eventBus := bus.New()
			notifier := &payments.Notifier{
				Bus:    eventBus,
				Poster: payments.SignedPoster{},
				Secret: webhookSecret,
			}

			paymentMonitor := monitor.New(database, provider, notifier,
				c.Duration("payments.pollinterval"))

			config := api.Config{
				LogLevel:          log.Level,
				WebhookSecret:     webhookSecret,
				EventMap:          eventMap,
				RatelimitAuth:     c.Int("ratelimit.auth"),
				RatelimitPayments: c.Int("ratelimit.payments"),
				MonitorWindow:     c.Duration("payments.monitorwindow"),
			}

			a, err := api.NewApp(database, provider, eventBus, notifier,
				paymentMonitor, config)
			if err != nil {
				return err
			}

			// payments that were live when the process last stopped get
			// their monitors back before we take traffic
			if err := paymentMonitor.SweepStale(); err != nil {
				return err
			}

			address := fmt.Sprintf("%s:%d", c.String("api.host"), c.Int("api.port"))
			server := &http.Server{
				Addr:    address,
				Handler: a.Router,
			}

			serveErr := make(chan error, 1)
			go func() {
				log.WithField("address", address).Info("Serving API")
				serveErr <- server.ListenAndServe()
			}()

			quit := make(chan os.Signal, 1)
			signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

			select {
			case err := <-serveErr:
				return err
			case sig := <-quit:
				log.WithField("signal", sig).Info("Shutting down")
			}

			ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := server.Shutdown(ctx); err != nil {
				return err
			}
			paymentMonitor.Shutdown()
			return nil
		},
	}

	serve.Flags = flags.Concat(flags.Api, flags.Auth, flags.Btcpay, flags.Db,
		flags.Payments, flags.Ratelimit)
	return serve
}
