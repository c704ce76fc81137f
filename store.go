package pqbroker

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"
	"github.com/pkg/errors"

	"github.com/pqbroker/pqbroker/metrics"
)

// eventKey is the reserved payload key an event tag is merged under.
const eventKey = "event"

const (
	defaultListLimit = 50
	maxListLimit     = 200
)

// Message is one immutable row of the message log.
type Message struct {
	ID        string                 `json:"id"`
	Channel   string                 `json:"channel"`
	Payload   map[string]interface{} `json:"payload,omitempty"`
	CreatedAt time.Time              `json:"created_at"`
}

// Event returns the event tag embedded in the payload, if any.
func (m Message) Event() string {
	if m.Payload == nil {
		return ""
	}
	ev, _ := m.Payload[eventKey].(string)
	return ev
}

// ListOptions bound and filter a history query.
type ListOptions struct {
	Limit     int        `json:"limit"`
	Offset    int        `json:"offset"`
	OrderBy   string     `json:"order_by"`  // created_at (default) or id
	Direction string     `json:"direction"` // asc or desc (default)
	Event     string     `json:"event,omitempty"`
	Start     *time.Time `json:"start,omitempty"`
	End       *time.Time `json:"end,omitempty"`
}

// Publish appends a message to the log. An event tag, when supplied, is
// merged into the payload under the reserved "event" key before storage.
// Publishing to a channel that has never been used implicitly creates it.
func (b *Broker) Publish(ctx context.Context, channel string, payload map[string]interface{}, event string) (Message, error) {
	if channel == "" {
		return Message{}, &ValidationError{Msg: "channel is required"}
	}
	shape, err := b.DetectShape(ctx)
	if err != nil {
		return Message{}, err
	}

	doc := make(map[string]interface{}, len(payload)+2)
	for k, v := range payload {
		doc[k] = v
	}
	if event != "" {
		doc[eventKey] = event
	}

	query, args, err := buildInsert(shape, channel, doc)
	if err != nil {
		return Message{}, err
	}

	msg := Message{Channel: channel, Payload: doc, CreatedAt: time.Now()}
	if shape.Kind == ShapeConstant {
		msg.Channel = shape.Value
	}
	row := b.db.QueryRowContext(ctx, query, args...)
	if shape.TimestampColumn != "" {
		err = row.Scan(&msg.ID, &msg.CreatedAt)
	} else {
		err = row.Scan(&msg.ID)
	}
	if err != nil {
		return Message{}, errors.Wrap(asPrecondition(err), "publish")
	}
	metrics.MessagesPublished.WithLabelValues(msg.Channel).Inc()
	return msg, nil
}

// buildInsert assembles the shape-dependent insert statement. The returning
// clause always yields the id (empty when the table has none) and, when a
// timestamp column exists, the server-assigned timestamp.
func buildInsert(shape SchemaShape, channel string, doc map[string]interface{}) (string, []interface{}, error) {
	idExpr := "''"
	if shape.HasID {
		idExpr = "id::text"
	}
	returning := fmt.Sprintf("RETURNING %s", idExpr)
	if shape.TimestampColumn != "" {
		returning = fmt.Sprintf("RETURNING %s, %s", idExpr, shape.TimestampExpr())
	}

	body, err := json.Marshal(doc)
	if err != nil {
		return "", nil, errors.Wrap(err, "marshal payload")
	}

	switch shape.Kind {
	case ShapeDedicatedColumn:
		if shape.HasPayload {
			q := fmt.Sprintf("INSERT INTO realtime.messages (%s, payload) VALUES ($1, $2) %s",
				pq.QuoteIdentifier(shape.Column), returning)
			return q, []interface{}{channel, body}, nil
		}
		if len(doc) > 0 {
			// refusing beats silently dropping the caller's body
			return "", nil, &PreconditionError{Msg: "message log has no payload column; cannot store message bodies"}
		}
		q := fmt.Sprintf("INSERT INTO realtime.messages (%s) VALUES ($1) %s",
			pq.QuoteIdentifier(shape.Column), returning)
		return q, []interface{}{channel}, nil
	case ShapeJSONPath:
		doc[shape.Key] = channel
		body, err := json.Marshal(doc)
		if err != nil {
			return "", nil, errors.Wrap(err, "marshal payload")
		}
		q := fmt.Sprintf("INSERT INTO realtime.messages (%s) VALUES ($1) %s",
			pq.QuoteIdentifier(shape.Column), returning)
		return q, []interface{}{body}, nil
	default:
		if !shape.HasPayload {
			return "", nil, &PreconditionError{Msg: "message log has no channel or payload column; cannot store messages"}
		}
		q := fmt.Sprintf("INSERT INTO realtime.messages (payload) VALUES ($1) %s", returning)
		return q, []interface{}{body}, nil
	}
}

// List returns one page of a channel's history plus the total count matching
// the same predicate. A channel with no messages yields an empty page and a
// zero total, not an error.
func (b *Broker) List(ctx context.Context, channel string, opts ListOptions) ([]Message, int64, error) {
	if channel == "" {
		return nil, 0, &ValidationError{Msg: "channel is required"}
	}
	if err := opts.validate(); err != nil {
		return nil, 0, err
	}
	shape, err := b.DetectShape(ctx)
	if err != nil {
		return nil, 0, err
	}

	query, countQuery, args, countArgs := buildListQuery(shape, channel, opts)

	var total int64
	if err := b.db.QueryRowContext(ctx, countQuery, countArgs...).Scan(&total); err != nil {
		return nil, 0, errors.Wrap(asPrecondition(err), "count messages")
	}

	rows, err := b.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, errors.Wrap(asPrecondition(err), "list messages")
	}
	defer rows.Close()

	messages := []Message{}
	for rows.Next() {
		var (
			m    Message
			body []byte
		)
		if err := rows.Scan(&m.ID, &m.Channel, &body, &m.CreatedAt); err != nil {
			return nil, 0, errors.Wrap(err, "scan message")
		}
		if len(body) > 0 {
			if err := json.Unmarshal(body, &m.Payload); err != nil {
				return nil, 0, errors.Wrap(err, "decode payload")
			}
		}
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, errors.Wrap(err, "read messages")
	}
	return messages, total, nil
}

func (o *ListOptions) validate() error {
	switch o.OrderBy {
	case "", "created_at", "id":
	default:
		return validationErrorf("order_by must be created_at or id, got %q", o.OrderBy)
	}
	switch o.Direction {
	case "", "asc", "desc":
	default:
		return validationErrorf("direction must be asc or desc, got %q", o.Direction)
	}
	if o.Limit < 0 || o.Offset < 0 {
		return &ValidationError{Msg: "limit and offset must not be negative"}
	}
	return nil
}

// buildListQuery assembles the page and count statements over one shared
// predicate so pagination metadata stays consistent with the page itself.
func buildListQuery(shape SchemaShape, channel string, opts ListOptions) (query, countQuery string, args, countArgs []interface{}) {
	where := []string{fmt.Sprintf("%s = $1", shape.KeyExpr())}
	predicateArgs := []interface{}{channel}

	if opts.Event != "" {
		if shape.HasPayload {
			predicateArgs = append(predicateArgs, opts.Event)
			where = append(where, fmt.Sprintf("payload->>'event' = $%d", len(predicateArgs)))
		} else {
			// no payload column means no event tags can match
			where = append(where, "false")
		}
	}
	if opts.Start != nil {
		predicateArgs = append(predicateArgs, *opts.Start)
		where = append(where, fmt.Sprintf("%s >= $%d", shape.TimestampExpr(), len(predicateArgs)))
	}
	if opts.End != nil {
		predicateArgs = append(predicateArgs, *opts.End)
		where = append(where, fmt.Sprintf("%s <= $%d", shape.TimestampExpr(), len(predicateArgs)))
	}

	orderCol := shape.TimestampExpr()
	if opts.OrderBy == "id" && shape.HasID {
		orderCol = "id"
	}
	direction := "DESC"
	if opts.Direction == "asc" {
		direction = "ASC"
	}

	limit := opts.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}

	idExpr := "''"
	if shape.HasID {
		idExpr = "id::text"
	}
	payloadExpr := "NULL"
	if shape.HasPayload {
		payloadExpr = "payload"
	}

	predicate := strings.Join(where, " AND ")
	countQuery = fmt.Sprintf("SELECT count(*) FROM realtime.messages WHERE %s", predicate)
	countArgs = predicateArgs

	args = append(append([]interface{}{}, predicateArgs...), limit, opts.Offset)
	query = fmt.Sprintf(
		"SELECT %s, %s, %s, %s FROM realtime.messages WHERE %s ORDER BY %s %s LIMIT $%d OFFSET $%d",
		idExpr, shape.KeyExpr(), payloadExpr, shape.TimestampExpr(),
		predicate, orderCol, direction, len(predicateArgs)+1, len(predicateArgs)+2)
	return query, countQuery, args, countArgs
}

// Purge deletes every message for a channel and reports how many went.
// Purging a channel that never existed deletes zero rows and is not an error.
func (b *Broker) Purge(ctx context.Context, channel string) (int64, error) {
	if channel == "" {
		return 0, &ValidationError{Msg: "channel is required"}
	}
	shape, err := b.DetectShape(ctx)
	if err != nil {
		return 0, err
	}
	res, err := b.db.ExecContext(ctx,
		fmt.Sprintf("DELETE FROM realtime.messages WHERE %s = $1", shape.KeyExpr()), channel)
	if err != nil {
		return 0, errors.Wrap(asPrecondition(err), "purge")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, "rows affected")
	}
	return n, nil
}

// asPrecondition converts "relation/schema does not exist" backend errors
// into precondition errors: the broker simply has not been enabled.
func asPrecondition(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case "42P01", "3F000": // undefined_table, invalid_schema_name
			return &PreconditionError{Msg: "realtime broker is not enabled"}
		}
	}
	return err
}
