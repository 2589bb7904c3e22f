package broadcast

import (
	"context"
	"time"

	"github.com/eduquiz/duel-lobby-backend/internal/presence"
)

type EventType string

const (
	EvtPresenceSync      EventType = "presence_sync"
	EvtPresenceJoin      EventType = "presence_join"
	EvtPresenceLeave     EventType = "presence_leave"
	EvtChallengeOffer    EventType = "challenge_offer"
	EvtChallengeResponse EventType = "challenge_response"
)

type OfferEvent struct {
	OfferID       string    `json:"offer_id"`
	ChallengerID  string    `json:"challenger_id"`
	OpponentID    string    `json:"opponent_id"`
	Topic         string    `json:"topic,omitempty"` // empty means mixed
	QuestionCount int       `json:"question_count"`
	ExpiresAt     time.Time `json:"expires_at"`
}

type ResponseEvent struct {
	OfferID   string `json:"offer_id"`
	Accepted  bool   `json:"accepted"`
	SessionID string `json:"session_id,omitempty"`
}

// Event is the wire shape pushed to shard subscribers. Exactly one payload
// field is set, depending on Type. Delivery is best-effort; the http api is
// the source of truth and events only prompt clients to re-render or
// re-query.
type Event struct {
	Type     EventType         `json:"type"`
	Members  []presence.Player `json:"members,omitempty"`
	Player   *presence.Player  `json:"player,omitempty"`
	PlayerID string            `json:"player_id,omitempty"`
	Offer    *OfferEvent       `json:"offer,omitempty"`
	Response *ResponseEvent    `json:"response,omitempty"`
}

type Msg interface{ isChannelMsg() }

type Subscribe struct {
	ClientID string
	Outbox   chan Event // where this client wants to receive events
	Welcome  *Event     // delivered immediately on registration, before any publish
}

func (Subscribe) isChannelMsg() {}

type Unsubscribe struct{ ClientID string }

func (Unsubscribe) isChannelMsg() {}

type Publish struct{ Event Event }

func (Publish) isChannelMsg() {}

type Shutdown struct{}

func (Shutdown) isChannelMsg() {}

type GetState struct {
	Reply chan View
}

func (GetState) isChannelMsg() {}

type View struct {
	NumSubscribers int
}

// Channel fans events out to every subscriber of one shard. One goroutine
// owns the subscriber map; everything goes through the inbox.
type Channel struct {
	inbox  chan Msg
	subs   map[string]chan Event
	ctx    context.Context
	cancel context.CancelFunc
}

func NewChannel(parent context.Context) *Channel {
	ctx, cancel := context.WithCancel(parent)

	c := &Channel{
		inbox:  make(chan Msg, 64), // Small buffer
		subs:   make(map[string]chan Event),
		ctx:    ctx,
		cancel: cancel,
	}

	go c.loop()
	return c
}

func (c *Channel) loop() {
	for {
		select {
		case <-c.ctx.Done():
			c.shutdown()
			return

		case m := <-c.inbox:
			switch msg := m.(type) {
			case Subscribe:
				c.subs[msg.ClientID] = msg.Outbox
				if msg.Welcome != nil {
					msg.Outbox <- *msg.Welcome
				}

			case Unsubscribe:
				// Close the outbox so the ws writer draining it exits.
				// The loop goroutine is the sole closer.
				if ch, ok := c.subs[msg.ClientID]; ok {
					close(ch)
					delete(c.subs, msg.ClientID)
				}

			case Publish:
				c.fanout(msg.Event)

			case GetState:
				// test-only: reflect internal state without data races
				msg.Reply <- View{NumSubscribers: len(c.subs)}

			case Shutdown:
				c.shutdown()
				return
			}
		}
	}
}

func (c *Channel) shutdown() {
	for id, ch := range c.subs {
		close(ch) // Tell subscriber no more events
		delete(c.subs, id)
	}
	c.cancel()
}

func (c *Channel) fanout(ev Event) {
	for id, ch := range c.subs {
		select {
		case ch <- ev:
			//ok
		default:
			// Subscriber is slow/full - drop them. They reconcile from the
			// presence_sync they get on resubscribe.
			close(ch)
			delete(c.subs, id)
		}
	}
}

// Expose the inbox so the router, ws layer and tests can send messages.
func (c *Channel) Inbox() chan<- Msg { return c.inbox }
