// Package bus fans persisted payment events out to connected event streams.
package bus

import (
	"encoding/json"
	"sync"

	"github.com/satori/go.uuid"
	"github.com/sirupsen/logrus"

	"gitlab.com/arcanecrypto/vendcoil/build"
)

var log = build.AddSubLogger("BUS")

// subscriptionBuffer is the number of undelivered messages a subscription
// may accumulate before it is disconnected.
const subscriptionBuffer = 64

// Message is a single event frame addressed to one client.
type Message struct {
	ClientID uuid.UUID
	Seq      int64
	Type     string
	Payload  json.RawMessage
}

// Publisher is the publishing half of a Bus.
type Publisher interface {
	Publish(msg Message)
}

// Subscription receives every message published for one client, until it
// is canceled or falls too far behind.
type Subscription struct {
	id       uint64
	clientID uuid.UUID
	bus      *Bus
	messages chan Message
}

// Messages returns the channel messages are delivered on. The channel is
// closed when the subscription is canceled or disconnected.
func (s *Subscription) Messages() <-chan Message {
	return s.messages
}

// Cancel removes the subscription and closes its channel. Canceling an
// already removed subscription is a no-op.
func (s *Subscription) Cancel() {
	s.bus.mu.Lock()
	s.bus.removeLocked(s.clientID, s.id)
	s.bus.mu.Unlock()
}

// Bus is an in-process fan-out of payment events keyed by client ID.
// Publishing never blocks, a subscription that doesn't drain its buffer
// is disconnected instead.
type Bus struct {
	mu     sync.Mutex
	nextID uint64
	subs   map[uuid.UUID]map[uint64]*Subscription
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{
		subs: make(map[uuid.UUID]map[uint64]*Subscription),
	}
}

// Subscribe registers a subscription for every message published for the
// given client. A client may hold several subscriptions at once, each one
// gets every message.
func (b *Bus) Subscribe(clientID uuid.UUID) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := &Subscription{
		id:       b.nextID,
		clientID: clientID,
		bus:      b,
		messages: make(chan Message, subscriptionBuffer),
	}
	if b.subs[clientID] == nil {
		b.subs[clientID] = make(map[uint64]*Subscription)
	}
	b.subs[clientID][sub.id] = sub

	log.WithFields(logrus.Fields{
		"clientId":     clientID,
		"subscription": sub.id,
	}).Debug("Added subscription")

	return sub
}

// Publish delivers msg to every subscription registered for msg.ClientID.
// A subscription whose buffer is full is closed instead of skipped, so a
// consumer never sees a stream with silent gaps.
func (b *Bus) Publish(msg Message) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for id, sub := range b.subs[msg.ClientID] {
		select {
		case sub.messages <- msg:
		default:
			b.removeLocked(msg.ClientID, id)
			log.WithFields(logrus.Fields{
				"clientId":     msg.ClientID,
				"subscription": id,
				"seq":          msg.Seq,
			}).Warn("Disconnected subscription with full buffer")
		}
	}
}

// removeLocked deletes the subscription and closes its channel. The caller
// must hold b.mu.
func (b *Bus) removeLocked(clientID uuid.UUID, id uint64) {
	clientSubs, ok := b.subs[clientID]
	if !ok {
		return
	}
	sub, ok := clientSubs[id]
	if !ok {
		return
	}
	delete(clientSubs, id)
	if len(clientSubs) == 0 {
		delete(b.subs, clientID)
	}
	close(sub.messages)
}
