// Package flags provides functionality for managing flags for vlc
package flags

import (
	"fmt"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/urfave/cli"

	"gitlab.com/arcanecrypto/vendcoil/btcpay"
	"gitlab.com/arcanecrypto/vendcoil/db"
)

// Concat concatenates the given list of flags, without mutating them
func Concat(first []cli.Flag, rest ...[]cli.Flag) []cli.Flag {
	var copied = make([]cli.Flag, len(first))
	_ = copy(copied, first)
	for _, r := range rest {
		copied = append(copied, r...)
	}
	return copied
}

// CommonFlags is a set of flags that all commands take
var CommonFlags = Concat(logging)

// ReadDbConf reads the approriate flags for connecting to the DB
func ReadDbConf(c *cli.Context) db.DatabaseConfig {
	conf := db.DatabaseConfig{
		User:           c.String("db.user"),
		Password:       c.String("db.password"),
		Host:           c.String("db.host"),
		Port:           c.Int("db.port"),
		Name:           c.String("db.name"),
		MigrationsPath: c.String("db.migrationspath"),
	}

	// if no scheme was supplied to migrations path, default to file:
	parsedPath, err := url.Parse(conf.MigrationsPath)
	if err != nil {
		panic(fmt.Errorf("could not parse migrations path into URL: %w", err))
	}
	if len(parsedPath.Scheme) == 0 {
		conf.MigrationsPath = path.Join("file:", conf.MigrationsPath)
	}

	// how flags work in urfave/cli can be a bit confusing. flags belongs to a
	// context, and I haven't been able to find a natural way of scoping flags
	// correctly. so one issue that kept popping up was that DB flags were passed
	// in, but weren't picked up, because we did c.String instead of c.GlobalString.
	// however, doing c.GlobalString (or Int, or whatever) everywhere doesn't work
	// either. therefore, we recurse here until we find a context where the flags
	// are defined
	if conf.User == "" {
		parent := c.Parent()
		if parent == nil {
			panic("Reached root CLI context without hitting valid DB credentials!")
		}
		return ReadDbConf(parent)
	}
	return conf
}

// ReadBtcpayConf reads the appropriate flags for constructing a BTCPay
// Server configuration
func ReadBtcpayConf(c *cli.Context) btcpay.Config {
	return btcpay.Config{
		URL:           c.String("btcpay.url"),
		APIKey:        c.String("btcpay.apikey"),
		StoreID:       c.String("btcpay.storeid"),
		WebhookSecret: c.String("btcpay.webhooksecret"),
		TLSCert:       c.String("btcpay.tlscert"),
	}
}

// Api is a list of flags for the HTTP listener
var Api = []cli.Flag{
	cli.StringFlag{
		Name:   "api.host",
		Usage:  "Host the API listens on, empty for all interfaces",
		EnvVar: "VENDCOIL_API_HOST",
	},
	cli.IntFlag{
		Name:   "api.port",
		Usage:  "Port number to listen on",
		Value:  5000,
		EnvVar: "VENDCOIL_API_PORT",
	},
}

// Auth is a list of flags for token signing and verification
var Auth = []cli.Flag{
	cli.StringFlag{
		Name:      "auth.privatekey",
		Usage:     "File path to PEM encoded RSA private key used for signing JWTs",
		EnvVar:    "VENDCOIL_AUTH_PRIVATE_KEY",
		TakesFile: true,
		Required:  true,
	},
	cli.StringFlag{
		Name: "auth.publickeys",
		Usage: "Comma separated paths to PEM encoded RSA public keys tokens " +
			"may verify against. The first must pair the private key, the rest " +
			"keep tokens from retired signing keys valid through rotation",
		EnvVar: "VENDCOIL_AUTH_PUBLIC_KEYS",
	},
	cli.DurationFlag{
		Name:   "auth.tokenttl",
		Usage:  "How long issued tokens stay valid",
		Value:  10 * time.Minute,
		EnvVar: "VENDCOIL_AUTH_TOKEN_TTL",
	},
	cli.StringFlag{
		Name:   "auth.issuer",
		Usage:  "The iss claim on issued tokens",
		Value:  "vendcoil",
		EnvVar: "VENDCOIL_AUTH_ISSUER",
	},
}

// Btcpay is a list of flags for reaching the BTCPay Server store
var Btcpay = []cli.Flag{
	cli.StringFlag{
		Name:     "btcpay.url",
		Usage:    "Base URL of the BTCPay Server instance",
		EnvVar:   "VENDCOIL_BTCPAY_URL",
		Required: true,
	},
	cli.StringFlag{
		Name:     "btcpay.apikey",
		Usage:    "Greenfield API key with invoice permissions on the store",
		EnvVar:   "VENDCOIL_BTCPAY_API_KEY",
		Required: true,
	},
	cli.StringFlag{
		Name:     "btcpay.storeid",
		Usage:    "BTCPay store to create invoices in",
		EnvVar:   "VENDCOIL_BTCPAY_STORE_ID",
		Required: true,
	},
	cli.StringFlag{
		Name:     "btcpay.webhooksecret",
		Usage:    "Secret BTCPay signs webhook deliveries with, also keys outgoing callback signatures",
		EnvVar:   "VENDCOIL_BTCPAY_WEBHOOK_SECRET",
		Required: true,
	},
	cli.StringFlag{
		Name:      "btcpay.tlscert",
		Usage:     "Path to an extra CA certificate to trust when talking to BTCPay",
		EnvVar:    "VENDCOIL_BTCPAY_TLS_CERT",
		TakesFile: true,
	},
	cli.StringFlag{
		Name:      "btcpay.eventmap",
		Usage:     "Path to a YAML file overriding how webhook event types map to payment outcomes",
		EnvVar:    "VENDCOIL_BTCPAY_EVENT_MAP",
		TakesFile: true,
	},
}

// Payments is a list of flags for payment monitoring
var Payments = []cli.Flag{
	cli.DurationFlag{
		Name:   "payments.monitorwindow",
		Usage:  "How long a payment stays watchable before the worker times it out",
		Value:  120 * time.Second,
		EnvVar: "VENDCOIL_MONITOR_WINDOW",
	},
	cli.DurationFlag{
		Name:   "payments.pollinterval",
		Usage:  "How often watched payments are polled at the provider",
		Value:  5 * time.Second,
		EnvVar: "VENDCOIL_POLL_INTERVAL",
	},
}

// Ratelimit is a list of flags bounding request rates
var Ratelimit = []cli.Flag{
	cli.IntFlag{
		Name:   "ratelimit.auth",
		Usage:  "Token requests per minute per source IP",
		Value:  5,
		EnvVar: "VENDCOIL_RATELIMIT_AUTH",
	},
	cli.IntFlag{
		Name:   "ratelimit.payments",
		Usage:  "Payment creations per minute per client",
		Value:  60,
		EnvVar: "VENDCOIL_RATELIMIT_PAYMENTS",
	},
}

// Db is a list of flags that apply to functionality that needs Db access
var Db = []cli.Flag{
	cli.StringFlag{
		Name:     "db.user",
		Usage:    "Database user",
		EnvVar:   "DATABASE_USER",
		Required: true,
	},
	cli.StringFlag{
		Name:     "db.password",
		Usage:    "Database password",
		EnvVar:   "DATABASE_PASSWORD",
		Required: true,
	},
	cli.StringFlag{
		Name:   "db.name",
		Usage:  "Database name",
		Value:  "vendcoil",
		EnvVar: "DATABASE_NAME",
	},
	cli.StringFlag{
		Name:  "db.host",
		Usage: "Database host to connect to",
		Value: "localhost",
	},
	cli.IntFlag{
		Name:   "db.port",
		Usage:  "Database port",
		Value:  5432,
		EnvVar: "DATABASE_PORT",
	},
	cli.StringFlag{
		Name:      "db.migrationspath",
		Usage:     `Path to DB migrations. Needs scheme ("file", etc.) in front of path"`,
		TakesFile: true,
		Value: func() string {
			dir, err := os.Getwd()
			if err != nil {
				panic(err)
			}
			return filepath.Join("file:", dir, "db", "migrations")
		}(),
	},
	cli.BoolFlag{
		Name:  "db.migrateup",
		Usage: "Apply migrations before starting the API",
	},
}

// logging is logging related CLI flags
var logging = []cli.Flag{
	cli.StringFlag{
		Name:   "logging.level",
		Value:  logrus.InfoLevel.String(),
		Usage:  "Logging level for all subsystems {trace, debug, info, warn, error, fatal, panic}",
		EnvVar: "VENDCOIL_LOG_LEVEL",
	},
	cli.StringFlag{
		Name:      "logging.directory",
		TakesFile: true,
		Usage:     "Directory to write log files to, empty logs to the console only",
		EnvVar:    "VENDCOIL_LOG_DIR",
	},
}
