package pqbroker

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"reflect"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/pkg/errors"

	"github.com/pqbroker/pqbroker/metrics"
)

// Notification is a decoded push event delivered to subscription handlers.
// ID is only set on the minimal envelope an oversized payload degrades to;
// dispatch uses it to refetch the record before filtering.
type Notification struct {
	Operation string                 `json:"operation"`
	Schema    string                 `json:"schema"`
	Table     string                 `json:"table"`
	ID        string                 `json:"id,omitempty"`
	Channel   string                 `json:"channel,omitempty"`
	Record    map[string]interface{} `json:"record,omitempty"`
	Previous  map[string]interface{} `json:"previous,omitempty"`
	Changes   map[string]interface{} `json:"changes,omitempty"`
}

// NotificationHandler receives notifications that passed the subscription's
// filter. Handlers run on the dispatch goroutine and should return quickly.
type NotificationHandler func(Notification)

// ChannelSubscription is one registered (channel, event) subscription.
type ChannelSubscription struct {
	ID        uuid.UUID              `json:"id"`
	Channel   string                 `json:"channel"`
	Event     string                 `json:"event"`
	Filter    map[string]interface{} `json:"filter,omitempty"`
	CreatedAt time.Time              `json:"created_at"`

	topic   string
	handler NotificationHandler
}

// subscriptionRegistry is the process-wide registry of active subscriptions.
// It exists behind an interface so tests can inject a fake and assert
// dispatch behavior without a live listening connection.
type subscriptionRegistry interface {
	add(sub *ChannelSubscription)
	// remove drops every subscription for a channel and returns them.
	remove(channel string) []*ChannelSubscription
	removeByID(id uuid.UUID) bool
	byTopic(topic string) []*ChannelSubscription
	snapshot() []*ChannelSubscription
}

type memoryRegistry struct {
	mu   sync.RWMutex
	subs map[uuid.UUID]*ChannelSubscription
}

func newMemoryRegistry() *memoryRegistry {
	return &memoryRegistry{subs: make(map[uuid.UUID]*ChannelSubscription)}
}

func (r *memoryRegistry) add(sub *ChannelSubscription) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.subs[sub.ID] = sub
}

func (r *memoryRegistry) remove(channel string) []*ChannelSubscription {
	r.mu.Lock()
	defer r.mu.Unlock()
	var removed []*ChannelSubscription
	for id, sub := range r.subs {
		if sub.Channel == channel {
			removed = append(removed, sub)
			delete(r.subs, id)
		}
	}
	return removed
}

func (r *memoryRegistry) removeByID(id uuid.UUID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.subs[id]; !ok {
		return false
	}
	delete(r.subs, id)
	return true
}

func (r *memoryRegistry) byTopic(topic string) []*ChannelSubscription {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*ChannelSubscription
	for _, sub := range r.subs {
		if sub.topic == topic {
			out = append(out, sub)
		}
	}
	return out
}

func (r *memoryRegistry) snapshot() []*ChannelSubscription {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*ChannelSubscription, 0, len(r.subs))
	for _, sub := range r.subs {
		out = append(out, sub)
	}
	return out
}

// subscribable row events.
const (
	EventInsert = "INSERT"
	EventUpdate = "UPDATE"
	EventDelete = "DELETE"
	EventAll    = "*"
)

// notifyTopic is the NOTIFY channel a logical channel's trigger publishes on.
func notifyTopic(channel string) string {
	return notifyPrefix + channel
}

// channelIdent derives a stable identifier suffix for a channel's trigger
// and function names; channel keys are arbitrary strings, object names are
// not.
func channelIdent(channel string) string {
	h := fnv.New32a()
	h.Write([]byte(channel))
	return fmt.Sprintf("%08x", h.Sum32())
}

// buildTriggerFunction renders the per-channel PL/pgSQL function that pushes
// row changes out through pg_notify. The channel check runs inside the
// function against the jsonb rendering of the row, so it works for every
// schema shape and for DELETE rows, where only OLD exists. Oversized
// notifications degrade stepwise to stay under the NOTIFY payload limit.
func buildTriggerFunction(shape SchemaShape, channel, fnName string) string {
	return fmt.Sprintf(`CREATE OR REPLACE FUNCTION %s() RETURNS trigger AS $$
    DECLARE
        rec jsonb;
        prev jsonb;
        notification jsonb;
    BEGIN
        IF (TG_OP = 'DELETE') THEN
            rec = to_jsonb(OLD);
        ELSE
            rec = to_jsonb(NEW);
        END IF;
        IF (TG_OP = 'UPDATE') THEN
            prev = to_jsonb(OLD);
        END IF;

        IF (%s) IS DISTINCT FROM %s THEN
            RETURN NULL;
        END IF;

        notification = jsonb_build_object(
                          'operation', TG_OP,
                          'schema', TG_TABLE_SCHEMA,
                          'table', TG_TABLE_NAME,
                          'record', rec,
                          'previous', prev);
        IF (length(notification::text) >= 8000) THEN
            notification = notification - 'previous';
        END IF;
        IF (length(notification::text) >= 8000) THEN
            notification = jsonb_build_object(
                              'operation', TG_OP,
                              'schema', TG_TABLE_SCHEMA,
                              'table', TG_TABLE_NAME,
                              'id', rec->>'id');
        END IF;

        PERFORM pg_notify(%s, notification::text);
        RETURN NULL;
    END;
$$ LANGUAGE plpgsql`,
		fnName,
		shape.RecordKeyExpr("rec"),
		pq.QuoteLiteral(channel),
		pq.QuoteLiteral(notifyTopic(channel)))
}

// buildTrigger renders the per-channel trigger. It always fires on all three
// row events regardless of what any one subscription asked for: several
// event-granular subscriptions share the channel's single trigger, and
// dispatch scopes each delivery to its subscription's event in process.
func buildTrigger(triggerName, fnName string) string {
	return fmt.Sprintf(
		"CREATE TRIGGER %s AFTER INSERT OR UPDATE OR DELETE ON realtime.messages FOR EACH ROW EXECUTE FUNCTION %s()",
		triggerName, fnName)
}

// Subscribe registers a handler for row events on a channel: it provisions
// (or replaces) the channel's trigger function and trigger, starts listening
// on the channel's notify topic over the dedicated connection, and records
// the subscription in the registry. The filter, when non-empty, must match
// the message payload exactly, field for field, before the handler runs.
func (b *Broker) Subscribe(ctx context.Context, channel, event string, filter map[string]interface{}, handler NotificationHandler) (*ChannelSubscription, error) {
	if channel == "" {
		return nil, &ValidationError{Msg: "channel is required"}
	}
	if handler == nil {
		return nil, &ValidationError{Msg: "handler is required"}
	}
	event = strings.ToUpper(strings.TrimSpace(event))
	if event == "" {
		event = EventInsert
	}
	switch event {
	case EventInsert, EventUpdate, EventDelete, EventAll:
	default:
		return nil, validationErrorf("event must be INSERT, UPDATE, DELETE or *, got %q", event)
	}

	shape, err := b.DetectShape(ctx)
	if err != nil {
		return nil, err
	}

	ident := channelIdent(channel)
	fnName := fmt.Sprintf("realtime.broadcast_%s", ident)
	triggerName := fmt.Sprintf("broadcast_%s", ident)

	err = b.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, buildTriggerFunction(shape, channel, fnName)); err != nil {
			return errors.Wrap(asPrecondition(err), "create trigger function")
		}
		if _, err := tx.ExecContext(ctx, fmt.Sprintf("DROP TRIGGER IF EXISTS %s ON realtime.messages", triggerName)); err != nil {
			return errors.Wrap(err, "drop old trigger")
		}
		if _, err := tx.ExecContext(ctx, buildTrigger(triggerName, fnName)); err != nil {
			return errors.Wrap(err, "create trigger")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if err := b.l.Listen(notifyTopic(channel)); err != nil && err != pq.ErrChannelAlreadyOpen {
		return nil, errors.Wrap(err, "listen")
	}

	sub := &ChannelSubscription{
		ID:        uuid.New(),
		Channel:   channel,
		Event:     event,
		Filter:    filter,
		CreatedAt: time.Now(),
		topic:     notifyTopic(channel),
		handler:   handler,
	}
	b.registry.add(sub)
	metrics.ActiveSubscriptions.Inc()
	b.logger.WithField("channel", channel).WithField("event", event).Debugln("subscribed")
	return sub, nil
}

// Unsubscribe removes every subscription registered for a channel, drops the
// channel's trigger and trigger function, and stops listening on its topic.
// A channel with zero active subscriptions is a reported error; callers that
// want idempotence check Subscriptions first.
func (b *Broker) Unsubscribe(ctx context.Context, channel string) (int, error) {
	if channel == "" {
		return 0, &ValidationError{Msg: "channel is required"}
	}
	removed := b.registry.remove(channel)
	if len(removed) == 0 {
		return 0, &NotFoundError{Kind: "subscription", Name: channel}
	}
	metrics.ActiveSubscriptions.Sub(float64(len(removed)))

	ident := channelIdent(channel)
	err := b.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, fmt.Sprintf("DROP TRIGGER IF EXISTS broadcast_%s ON realtime.messages", ident)); err != nil {
			return errors.Wrap(err, "drop trigger")
		}
		if _, err := tx.ExecContext(ctx, fmt.Sprintf("DROP FUNCTION IF EXISTS realtime.broadcast_%s()", ident)); err != nil {
			return errors.Wrap(err, "drop trigger function")
		}
		return nil
	})
	if err != nil {
		// registry entries are already gone; surface the cleanup failure
		return len(removed), err
	}

	if err := b.l.Unlisten(notifyTopic(channel)); err != nil && err != pq.ErrChannelNotOpen {
		return len(removed), errors.Wrap(err, "unlisten")
	}
	b.logger.WithField("channel", channel).WithField("removed", len(removed)).Debugln("unsubscribed")
	return len(removed), nil
}

// Detach removes a single subscription from the registry without touching
// the channel's trigger or the other subscriptions on it. Stream viewers use
// this on disconnect; Unsubscribe remains the channel-granular teardown.
func (b *Broker) Detach(sub *ChannelSubscription) bool {
	if sub == nil {
		return false
	}
	if b.registry.removeByID(sub.ID) {
		metrics.ActiveSubscriptions.Dec()
		return true
	}
	return false
}

// Subscriptions returns a snapshot of the registered subscriptions. It reads
// only in-process state and performs no database access.
func (b *Broker) Subscriptions() []ChannelSubscription {
	subs := b.registry.snapshot()
	out := make([]ChannelSubscription, 0, len(subs))
	for _, sub := range subs {
		out = append(out, *sub)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// DispatchLoop consumes notifications from the dedicated listening connection
// and fans them out to matching subscriptions until the context is canceled.
// A lost connection is not re-established here; recreating subscriptions
// after a drop is the caller's responsibility.
func (b *Broker) DispatchLoop(ctx context.Context) error {
	events := b.l.NotificationChannel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-b.ctx.Done():
			return nil
		case ev := <-events:
			b.dispatch(ev)
		case <-time.After(b.listenerPingInterval):
			b.logger.WithField("interval", b.listenerPingInterval).Debugln("pinging")
			if err := b.l.Ping(); err != nil {
				return errors.Wrap(err, "ping")
			}
		}
	}
}

// dispatch decodes one notification and forwards it to every matching
// subscription. Malformed payloads are logged and skipped; one bad message
// must never take the listening connection down.
func (b *Broker) dispatch(ev *pq.Notification) {
	if ev == nil {
		// the listener emits nil after an automatic reconnect
		b.logger.Debugln("got nil notification")
		return
	}
	subs := b.registry.byTopic(ev.Channel)
	if len(subs) == 0 {
		return
	}

	var n Notification
	if err := json.Unmarshal([]byte(ev.Extra), &n); err != nil {
		metrics.NotificationsDropped.Inc()
		b.logger.WithField("topic", ev.Channel).WithError(err).Errorln("malformed notification payload")
		return
	}
	n.Channel = strings.TrimPrefix(ev.Channel, notifyPrefix)
	if n.Record == nil && n.ID != "" {
		// an oversized payload degraded to the minimal envelope
		if err := b.fallbackLookup(&n); err != nil {
			b.logger.WithField("topic", ev.Channel).WithError(err).Infoln("checking for fallback row failed")
		}
	}
	b.redactFields(&n)

	if n.Operation == EventUpdate {
		if patch, err := generatePatch(n.Previous, n.Record); err != nil {
			b.logger.WithField("topic", ev.Channel).WithError(err).Infoln("issue generating merge patch")
		} else {
			n.Changes = patch
		}
	}

	for _, sub := range subs {
		if sub.Event != EventAll && sub.Event != n.Operation {
			continue
		}
		if !matchFilter(n, sub.Filter) {
			metrics.NotificationsFiltered.Inc()
			continue
		}
		sub.handler(n)
		metrics.NotificationsDispatched.WithLabelValues(sub.Channel).Inc()
	}
}

const fallbackLookupTimeout = 5 * time.Second

// fallbackLookup refetches a row whose notification arrived without a record
// because the payload exceeded the NOTIFY size limit. A DELETE row is gone by
// the time dispatch runs; the notification then stays minimal and only
// unfiltered subscriptions see it.
func (b *Broker) fallbackLookup(n *Notification) error {
	ctx, cancel := context.WithTimeout(b.ctx, fallbackLookupTimeout)
	defer cancel()
	var body []byte
	if err := b.db.QueryRowContext(ctx, sqlFetchRowByID, n.ID).Scan(&body); err != nil {
		if err == sql.ErrNoRows {
			return nil
		}
		return errors.Wrap(err, "fetch row")
	}
	return errors.Wrap(json.Unmarshal(body, &n.Record), "decode row")
}

// matchFilter applies a subscription's exact-match filter. Fields are matched
// against the message payload when the record carries one, otherwise against
// the record itself; every filter field must match.
func matchFilter(n Notification, filter map[string]interface{}) bool {
	if len(filter) == 0 {
		return true
	}
	target := n.Record
	if payload, ok := n.Record["payload"].(map[string]interface{}); ok {
		target = payload
	}
	for k, want := range filter {
		got, ok := target[k]
		if !ok || !reflect.DeepEqual(got, want) {
			return false
		}
	}
	return true
}
