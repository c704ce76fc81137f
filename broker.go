// Package pqbroker emulates a realtime message broker on top of a PostgreSQL
// database: channels and messages live in an append-only log, push delivery
// rides on triggers and LISTEN/NOTIFY, and access control is expressed as row
// level security policies. The column layout of the message log is detected
// at run time, so the broker adapts to whichever deployment shape it finds.
package pqbroker

import (
	"context"
	"database/sql"
	"time"

	"github.com/lib/pq"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const (
	minReconnectInterval = time.Second
	maxReconnectInterval = 10 * time.Second
	defaultPingInterval  = 9 * time.Second
)

// Broker manages the provisioned pub/sub infrastructure and the dedicated
// listening connection used for push delivery. Ordinary operations run on the
// pooled *sql.DB; the pq.Listener connection is never shared with them.
type Broker struct {
	logger logrus.FieldLogger
	db     *sql.DB
	l      *pq.Listener
	ctx    context.Context

	listenerPingInterval time.Duration
	redactions           FieldRedactions
	registry             subscriptionRegistry

	// feature toggles recorded by Enable, reported by Status.
	features EnableOptions
}

// Option allows customization of a new broker.
type Option func(*Broker)

// WithLogger allows attaching a custom logger.
func WithLogger(l logrus.FieldLogger) Option {
	return func(b *Broker) {
		b.logger = l
	}
}

// WithContext allows supplying a custom context.
func WithContext(ctx context.Context) Option {
	return func(b *Broker) {
		b.ctx = ctx
	}
}

// WithFieldRedactions controls which fields are redacted from dispatched
// notifications.
func WithFieldRedactions(r FieldRedactions) Option {
	return func(b *Broker) {
		b.redactions = r
	}
}

// WithSubscriptionRegistry replaces the in-memory subscription registry.
// Tests use this to assert dispatch behavior without a live listener.
func WithSubscriptionRegistry(r subscriptionRegistry) Option {
	return func(b *Broker) {
		b.registry = r
	}
}

// NewBroker connects to the cluster and prepares the dedicated listening
// connection. No broker infrastructure is provisioned; see Enable.
func NewBroker(connectionString string, opts ...Option) (*Broker, error) {
	b := &Broker{
		ctx:                  context.Background(),
		listenerPingInterval: defaultPingInterval,
		redactions:           make(FieldRedactions),
	}
	for _, o := range opts {
		o(b)
	}
	if b.logger == nil {
		b.logger = logrus.StandardLogger()
	}
	if b.registry == nil {
		b.registry = newMemoryRegistry()
	}
	db, err := sql.Open("postgres", connectionString)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		return nil, errors.Wrap(err, "ping")
	}
	b.l = pq.NewListener(connectionString, minReconnectInterval, maxReconnectInterval, func(ev pq.ListenerEventType, err error) {
		b.logger.WithField("listener-event", ev).Debugln("got listener event")
		if err != nil {
			b.logger.WithField("listener-event", ev).WithError(err).Errorln("got listener event error")
		}
	})
	b.db = db
	return b, nil
}

const closeTeardownTimeout = 5 * time.Second

// Close tears down every active subscription, then stops the broker. The
// teardown runs on its own context: the broker's context is typically already
// canceled by the time Close runs, and the triggers still have to come out.
func (b *Broker) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), closeTeardownTimeout)
	defer cancel()
	for _, sub := range b.registry.snapshot() {
		if _, err := b.Unsubscribe(ctx, sub.Channel); err != nil && !IsNotFound(err) {
			b.logger.WithField("channel", sub.Channel).WithError(err).Errorln("unsubscribe on close")
		}
	}
	errL := b.l.Close()
	errDB := b.db.Close()
	if errL != nil {
		return errors.Wrap(errL, "listener")
	}
	if errDB != nil {
		return errors.Wrap(errDB, "DB")
	}
	return nil
}

// withTx runs fn inside a transaction, rolling back on any error so callers
// never observe a half-applied state.
func (b *Broker) withTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin")
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			b.logger.WithError(rbErr).Errorln("rollback")
		}
		return err
	}
	return errors.Wrap(tx.Commit(), "commit")
}
