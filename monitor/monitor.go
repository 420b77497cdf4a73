// Package monitor polls the provider for invoice status until watched
// payments settle, fail or run out of monitoring window. Webhooks are the
// fast path for status changes, the monitor is the fallback that
// guarantees every payment finalizes.
package monitor

import (
	"context"
	"sync"
	"time"

	uuid "github.com/satori/go.uuid"
	"github.com/sirupsen/logrus"

	"gitlab.com/arcanecrypto/vendcoil/btcpay"
	"gitlab.com/arcanecrypto/vendcoil/build"
	"gitlab.com/arcanecrypto/vendcoil/db"
	"gitlab.com/arcanecrypto/vendcoil/models/payments"
)

var log = build.AddSubLogger("MNTR")

// DefaultPollInterval is how often a watched payment's invoice is fetched
// from the provider.
const DefaultPollInterval = 5 * time.Second

const (
	// maxConsecutiveErrors is how many provider polls in a row may fail
	// before the payment finalizes as unreachable
	maxConsecutiveErrors = 3

	// pollTimeout bounds a single invoice fetch
	pollTimeout = 10 * time.Second
)

// Monitor runs one polling goroutine per watched payment, at most one per
// payment id.
type Monitor struct {
	database *db.DB
	provider btcpay.Provider
	notifier *payments.Notifier

	pollInterval time.Duration

	mu       sync.Mutex
	inFlight map[uuid.UUID]struct{}

	quit chan struct{}
	wg   sync.WaitGroup
}

// New creates a monitor. A zero pollInterval means DefaultPollInterval.
func New(database *db.DB, provider btcpay.Provider, notifier *payments.Notifier,
	pollInterval time.Duration) *Monitor {
	if pollInterval == 0 {
		pollInterval = DefaultPollInterval
	}
	return &Monitor{
		database:     database,
		provider:     provider,
		notifier:     notifier,
		pollInterval: pollInterval,
		inFlight:     make(map[uuid.UUID]struct{}),
		quit:         make(chan struct{}),
	}
}

// Watch starts a polling loop for the payment unless one is already
// running. Safe to call with replayed and already finalized payments, the
// loop exits as soon as it observes a terminal status.
func (m *Monitor) Watch(payment payments.Payment) {
	select {
	case <-m.quit:
		return
	default:
	}

	m.mu.Lock()
	if _, watching := m.inFlight[payment.ID]; watching {
		m.mu.Unlock()
		return
	}
	m.inFlight[payment.ID] = struct{}{}
	m.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer m.release(payment.ID)
		m.watch(payment)
	}()
}

func (m *Monitor) release(id uuid.UUID) {
	m.mu.Lock()
	delete(m.inFlight, id)
	m.mu.Unlock()
}

// SweepStale picks up payments that were live when the process last
// stopped. Payments whose window already passed finalize as TIMED_OUT, the
// rest get watched again.
func (m *Monitor) SweepStale() error {
	active, err := payments.ListActive(m.database)
	if err != nil {
		return err
	}

	now := time.Now()
	resumed, timedOut := 0, 0
	for _, payment := range active {
		if payment.MonitorUntil.After(now) {
			m.Watch(payment)
			resumed++
			continue
		}
		m.applyHint(payment.ID, payments.Hint{
			Kind:   payments.HintTimedOut,
			Reason: payments.ReasonMonitorWindowExceeded,
			Source: payments.SourceWorker,
		})
		timedOut++
	}

	log.WithFields(logrus.Fields{
		"resumed":  resumed,
		"timedOut": timedOut,
	}).Info("Swept stale payments")
	return nil
}

// Shutdown stops every watch loop and waits for them to finish.
func (m *Monitor) Shutdown() {
	close(m.quit)
	m.wg.Wait()
}

// watch is the polling loop for one payment. It leaves finalizing the
// payment to ApplyHint and its transition table, so it can't race the
// webhook ingress into a double transition.
func (m *Monitor) watch(payment payments.Payment) {
	logger := log.WithFields(logrus.Fields{
		"paymentId":    payment.ID,
		"monitorUntil": payment.MonitorUntil,
	})

	if payment.Status.IsTerminal() {
		return
	}
	logger.Debug("Watching payment")

	ticker := time.NewTicker(m.pollInterval)
	defer ticker.Stop()

	consecutiveErrors := 0
	for {
		select {
		case <-m.quit:
			return
		case <-ticker.C:
		}

		if !time.Now().Before(payment.MonitorUntil) {
			m.applyHint(payment.ID, payments.Hint{
				Kind:   payments.HintTimedOut,
				Reason: payments.ReasonMonitorWindowExceeded,
				Source: payments.SourceWorker,
			})
			return
		}

		if payment.Invoice == nil {
			// nothing to poll without an invoice, only the deadline can
			// move this payment
			continue
		}

		invoice, err := m.fetchInvoice(payment.Invoice.ProviderInvoiceID)
		if err != nil {
			consecutiveErrors++
			logger.WithError(err).WithField("consecutiveErrors", consecutiveErrors).
				Warn("Could not poll invoice")
			if consecutiveErrors >= maxConsecutiveErrors {
				m.applyHint(payment.ID, payments.Hint{
					Kind:   payments.HintFailed,
					Reason: payments.ReasonProviderUnreachable,
					Source: payments.SourceWorker,
				})
				return
			}
			continue
		}
		consecutiveErrors = 0

		hint, ok := hintForStatus(invoice)
		if !ok {
			logger.WithField("status", invoice.Status).
				Warn("Provider reported unknown invoice status")
			continue
		}

		outcome, err := payments.ApplyHint(m.database, m.notifier, payment.ID, hint)
		if err != nil {
			// database problems are retried on the next tick
			logger.WithError(err).Error("Could not apply poll hint")
			continue
		}

		if outcome.Payment.Status.IsTerminal() {
			logger.WithField("status", outcome.Payment.Status).
				Debug("Payment finalized, stopping watch")
			return
		}
	}
}

func (m *Monitor) fetchInvoice(providerInvoiceID string) (btcpay.Invoice, error) {
	ctx, cancel := context.WithTimeout(context.Background(), pollTimeout)
	defer cancel()
	return m.provider.GetInvoice(ctx, providerInvoiceID)
}

// applyHint submits a finalizing hint, logging instead of failing when the
// engine declines it. The watch loop is ending either way.
func (m *Monitor) applyHint(id uuid.UUID, hint payments.Hint) {
	outcome, err := payments.ApplyHint(m.database, m.notifier, id, hint)
	if err != nil {
		log.WithError(err).WithFields(logrus.Fields{
			"paymentId": id,
			"hint":      hint.Kind,
		}).Error("Could not finalize payment")
		return
	}
	if !outcome.Applied {
		log.WithFields(logrus.Fields{
			"paymentId": id,
			"hint":      hint.Kind,
			"status":    outcome.Payment.Status,
		}).Info("Finalizing hint declined")
	}
}

// hintForStatus maps a provider invoice status onto a lifecycle hint,
// false for statuses we don't know.
func hintForStatus(invoice btcpay.Invoice) (payments.Hint, bool) {
	hint := payments.Hint{
		Source:    payments.SourceWorker,
		RawStatus: invoice.Raw,
	}

	switch invoice.Status {
	case btcpay.InvoiceSettled:
		hint.Kind = payments.HintPaid
	case btcpay.InvoiceExpired:
		hint.Kind = payments.HintExpired
		hint.Reason = payments.ReasonProviderExpired
	case btcpay.InvoiceInvalid:
		hint.Kind = payments.HintInvalid
		hint.Reason = payments.ReasonProviderError + ": " + invoice.Status
	case btcpay.InvoiceNew, btcpay.InvoiceProcessing:
		hint.Kind = payments.HintStillPending
	default:
		return payments.Hint{}, false
	}

	return hint, true
}
