// Package apievents streams payment events to kiosks over server-sent
// events. A kiosk that reconnects sends the last event id it saw and gets
// every event it missed replayed before the live stream continues.
package apievents

import (
	"strconv"
	"time"

	"github.com/gin-contrib/sse"
	"github.com/gin-gonic/gin"

	"gitlab.com/arcanecrypto/vendcoil/api/auth"
	"gitlab.com/arcanecrypto/vendcoil/build"
	"gitlab.com/arcanecrypto/vendcoil/bus"
	"gitlab.com/arcanecrypto/vendcoil/db"
	"gitlab.com/arcanecrypto/vendcoil/models/payments"
)

var log = build.AddSubLogger("APIE")

// keepaliveInterval is how often an idle stream emits a keepalive frame.
// A var so tests can shorten it.
var keepaliveInterval = 15 * time.Second

// services that get initiated in RegisterRoutes
var (
	database *db.DB
	eventBus *bus.Bus
)

// RegisterRoutes applies the authMiddleware to this packages routes
// and registers routes on the gin Engine parameter
func RegisterRoutes(server *gin.Engine, db *db.DB, b *bus.Bus,
	authmiddleware gin.HandlerFunc) {
	// assign the services given
	database = db
	eventBus = b

	events := server.Group("/api/v1/events")
	events.Use(authmiddleware)

	events.GET("stream", streamEvents())
}

// streamEvents serves one SSE connection. The subscription is taken out
// before the replay query runs, so an event committed between the two is
// seen either in the replay or live, never lost. Live events whose seq was
// already replayed are skipped.
func streamEvents() gin.HandlerFunc {
	return func(c *gin.Context) {
		info, ok := auth.RequireScope(c, auth.ScopeReadPayments)
		if !ok {
			return
		}

		lastEventID := parseLastEventID(c.GetHeader("Last-Event-ID"))

		sub := eventBus.Subscribe(info.ClientID)
		defer sub.Cancel()

		replay, err := payments.ListEventsAfter(database, info.ClientID, lastEventID)
		if err != nil {
			log.WithError(err).WithField("clientId", info.ClientID).
				Error("Could not replay events")
			_ = c.Error(err)
			c.Abort()
			return
		}

		c.Header("Content-Type", "text/event-stream")
		c.Header("Cache-Control", "no-cache")
		c.Header("Connection", "keep-alive")

		delivered := lastEventID
		for _, event := range replay {
			if err := writeFrame(c, event.Seq, event.EventType, string(event.Payload)); err != nil {
				return
			}
			delivered = event.Seq
		}

		ticker := time.NewTicker(keepaliveInterval)
		defer ticker.Stop()

		ctx := c.Request.Context()
		for {
			select {
			case <-ctx.Done():
				return

			case msg, open := <-sub.Messages():
				if !open {
					// the bus dropped us for falling behind, closing makes
					// the kiosk reconnect and replay what it missed
					log.WithField("clientId", info.ClientID).
						Info("Closing stream behind disconnected subscription")
					return
				}
				if msg.Seq <= delivered {
					continue
				}
				if err := writeFrame(c, msg.Seq, msg.Type, string(msg.Payload)); err != nil {
					return
				}
				delivered = msg.Seq

			case <-ticker.C:
				// keepalive frames carry no id, they don't advance the
				// client's replay cursor
				if err := sse.Encode(c.Writer, sse.Event{
					Event: "keepalive",
					Data:  "{}",
				}); err != nil {
					return
				}
				c.Writer.Flush()
			}
		}
	}
}

// writeFrame emits one event frame and flushes it to the client.
func writeFrame(c *gin.Context, seq int64, eventType, payload string) error {
	err := sse.Encode(c.Writer, sse.Event{
		Id:    strconv.FormatInt(seq, 10),
		Event: eventType,
		Data:  payload,
	})
	if err != nil {
		return err
	}
	c.Writer.Flush()
	return nil
}

// parseLastEventID reads the header value a reconnecting EventSource sends.
// Absent or unparseable values mean a full replay.
func parseLastEventID(header string) int64 {
	if header == "" {
		return 0
	}
	id, err := strconv.ParseInt(header, 10, 64)
	if err != nil || id < 0 {
		log.WithField("lastEventId", header).
			Debug("Ignoring unparseable Last-Event-ID header")
		return 0
	}
	return id
}
