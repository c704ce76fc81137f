package pqbroker

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/pkg/errors"
)

// Channel is one row of the derived registry view. Channels are never stored;
// they exist exactly as long as messages grouped under their key do.
type Channel struct {
	ID             string    `json:"id"`
	Name           string    `json:"name"`
	Type           string    `json:"type"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
	BroadcastCount int64     `json:"broadcast_count"`
}

// buildChannelsView renders the registry view definition for the current
// shape. CREATE OR REPLACE makes regeneration re-entrant: an unchanged shape
// replaces the view with itself, a migrated shape repoints it.
func buildChannelsView(shape SchemaShape) string {
	key := shape.KeyExpr()
	ts := shape.TimestampExpr()
	groupBy := key
	if shape.Kind == ShapeConstant {
		// a bare string literal is not a legal group key; group by the
		// output column position instead
		groupBy = "1"
	}
	return fmt.Sprintf(`CREATE OR REPLACE VIEW realtime.channels AS
SELECT %s AS id,
       %s AS name,
       'standard' AS type,
       min(%s) AS created_at,
       max(%s) AS updated_at,
       count(*) AS broadcast_count
  FROM realtime.messages
 GROUP BY %s`, key, key, ts, ts, groupBy)
}

// RefreshChannelsView regenerates the registry view against the shape the
// message log has right now.
func (b *Broker) RefreshChannelsView(ctx context.Context) error {
	return b.withTx(ctx, func(tx *sql.Tx) error {
		shape, err := detectShape(ctx, tx)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, buildChannelsView(shape)); err != nil {
			return errors.Wrap(err, "replace channels view")
		}
		return nil
	})
}

// channelsViewExists reports whether the registry view has been provisioned.
func (b *Broker) channelsViewExists(ctx context.Context) (bool, error) {
	var exists bool
	err := b.db.QueryRowContext(ctx, sqlTableExists, brokerSchema+"."+channelsView).Scan(&exists)
	return exists, errors.Wrap(err, "channels view check")
}

// CreateChannel publishes the system message that brings a channel into
// existence. It refuses to run against a broker that was never enabled rather
// than provisioning one as a side effect.
func (b *Broker) CreateChannel(ctx context.Context, id, typ string, metadata map[string]interface{}) (Message, error) {
	if id == "" {
		return Message{}, &ValidationError{Msg: "channel id is required"}
	}
	if typ == "" {
		typ = "standard"
	}
	exists, err := b.channelsViewExists(ctx)
	if err != nil {
		return Message{}, err
	}
	if !exists {
		return Message{}, &PreconditionError{Msg: "realtime broker is not enabled"}
	}
	payload := map[string]interface{}{
		"type":   typ,
		"system": true,
	}
	if len(metadata) > 0 {
		payload["metadata"] = metadata
	}
	return b.Publish(ctx, id, payload, "channel_created")
}

// DeleteChannel purges a channel's messages. A channel with no messages is
// already gone; deleting it succeeds with zero removed.
func (b *Broker) DeleteChannel(ctx context.Context, id string) (int64, error) {
	return b.Purge(ctx, id)
}

// ChannelDetails reads one channel from the registry view. An absent channel
// is a reported error, not an empty success.
func (b *Broker) ChannelDetails(ctx context.Context, id string) (Channel, error) {
	if id == "" {
		return Channel{}, &ValidationError{Msg: "channel id is required"}
	}
	var ch Channel
	err := b.db.QueryRowContext(ctx,
		"SELECT id, name, type, created_at, updated_at, broadcast_count FROM realtime.channels WHERE id = $1",
		id).Scan(&ch.ID, &ch.Name, &ch.Type, &ch.CreatedAt, &ch.UpdatedAt, &ch.BroadcastCount)
	if err == sql.ErrNoRows {
		return Channel{}, &NotFoundError{Kind: "channel", Name: id}
	}
	if err != nil {
		return Channel{}, errors.Wrap(asPrecondition(err), "channel details")
	}
	return ch, nil
}

// Channels lists every known channel from the registry view.
func (b *Broker) Channels(ctx context.Context) ([]Channel, error) {
	rows, err := b.db.QueryContext(ctx,
		"SELECT id, name, type, created_at, updated_at, broadcast_count FROM realtime.channels ORDER BY name")
	if err != nil {
		return nil, errors.Wrap(asPrecondition(err), "list channels")
	}
	defer rows.Close()

	channels := []Channel{}
	for rows.Next() {
		var ch Channel
		if err := rows.Scan(&ch.ID, &ch.Name, &ch.Type, &ch.CreatedAt, &ch.UpdatedAt, &ch.BroadcastCount); err != nil {
			return nil, errors.Wrap(err, "scan channel")
		}
		channels = append(channels, ch)
	}
	return channels, errors.Wrap(rows.Err(), "read channels")
}
