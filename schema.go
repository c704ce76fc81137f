package pqbroker

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lib/pq"
	"github.com/pkg/errors"
)

// ShapeKind discriminates how the message log identifies a channel.
type ShapeKind int

const (
	// ShapeDedicatedColumn means a dedicated text column holds the channel key.
	ShapeDedicatedColumn ShapeKind = iota
	// ShapeJSONPath means the channel key is embedded in the payload document.
	ShapeJSONPath
	// ShapeConstant means no usable key exists; every message belongs to one
	// implicit channel.
	ShapeConstant
)

func (k ShapeKind) String() string {
	switch k {
	case ShapeDedicatedColumn:
		return "dedicated-column"
	case ShapeJSONPath:
		return "json-path"
	case ShapeConstant:
		return "constant"
	}
	return fmt.Sprintf("ShapeKind(%d)", int(k))
}

// SchemaShape is the resolved mapping from the abstract channel key to a
// concrete expression over the message log. It is recomputed on every use;
// the table may be altered out-of-band between calls.
type SchemaShape struct {
	Kind ShapeKind

	// Column is the key column (dedicated-column) or the payload column
	// (json-path).
	Column string
	// Key is the payload document key holding the channel (json-path only).
	Key string
	// Value is the implicit channel name (constant only).
	Value string

	// TimestampColumn is empty when the table carries no usable timestamp;
	// time-dependent queries then fall back to now().
	TimestampColumn string
	// HasPayload reports whether a payload document column exists.
	HasPayload bool
	// HasID reports whether an id column exists for identity ordering.
	HasID bool

	// Degraded carries a human-readable note when resolution fell back to a
	// weaker shape. Empty for the dedicated-column case.
	Degraded string
}

// KeyExpr returns the SQL expression that evaluates to the channel key for a
// row of the message log.
func (s SchemaShape) KeyExpr() string {
	switch s.Kind {
	case ShapeDedicatedColumn:
		return pq.QuoteIdentifier(s.Column)
	case ShapeJSONPath:
		return fmt.Sprintf("%s->>%s", pq.QuoteIdentifier(s.Column), pq.QuoteLiteral(s.Key))
	default:
		return pq.QuoteLiteral(s.Value)
	}
}

// RecordKeyExpr returns the SQL expression that evaluates to the channel key
// for a jsonb rendering of a row, as seen inside a trigger function.
func (s SchemaShape) RecordKeyExpr(record string) string {
	switch s.Kind {
	case ShapeDedicatedColumn:
		return fmt.Sprintf("%s->>%s", record, pq.QuoteLiteral(s.Column))
	case ShapeJSONPath:
		return fmt.Sprintf("%s->%s->>%s", record, pq.QuoteLiteral(s.Column), pq.QuoteLiteral(s.Key))
	default:
		return pq.QuoteLiteral(s.Value)
	}
}

// TimestampExpr returns the SQL expression used for message timestamps.
func (s SchemaShape) TimestampExpr() string {
	if s.TimestampColumn == "" {
		return "now()"
	}
	return pq.QuoteIdentifier(s.TimestampColumn)
}

// Describe renders the shape for status reporting.
func (s SchemaShape) Describe() string {
	switch s.Kind {
	case ShapeDedicatedColumn:
		return fmt.Sprintf("column %q", s.Column)
	case ShapeJSONPath:
		return fmt.Sprintf("%s->>'%s'", s.Column, s.Key)
	default:
		return fmt.Sprintf("constant %q", s.Value)
	}
}

// Recognized column names, in resolution priority order.
const (
	channelColumn      = "channel"
	altChannelColumn   = "topic"
	payloadColumn      = "payload"
	timestampColumn    = "created_at"
	altTimestampColumn = "inserted_at"
	idColumn           = "id"

	fallbackChannel = "default"
)

// queryer abstracts the pooled executor and an open transaction, so shape
// detection can run inside Enable's transaction as well.
type queryer interface {
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
}

// DetectShape introspects the message log and resolves the current schema
// shape. The ranked fallback never fails past a broken introspection query:
// worst case is the constant shape, reported as degraded, which collapses the
// broker to a single implicit channel.
func (b *Broker) DetectShape(ctx context.Context) (SchemaShape, error) {
	return detectShape(ctx, b.db)
}

func detectShape(ctx context.Context, q queryer) (SchemaShape, error) {
	rows, err := q.QueryContext(ctx, sqlMessageColumns, brokerSchema, messagesTable)
	if err != nil {
		return SchemaShape{}, errors.Wrap(err, "introspect message columns")
	}
	defer rows.Close()

	var columns []string
	for rows.Next() {
		var c string
		if err := rows.Scan(&c); err != nil {
			return SchemaShape{}, errors.Wrap(err, "scan column name")
		}
		columns = append(columns, c)
	}
	if err := rows.Err(); err != nil {
		return SchemaShape{}, errors.Wrap(err, "read message columns")
	}
	return resolveShape(columns), nil
}

// resolveShape is the pure ranked-fallback resolution over a column list.
func resolveShape(columns []string) SchemaShape {
	have := make(map[string]bool, len(columns))
	for _, c := range columns {
		have[c] = true
	}

	shape := SchemaShape{HasPayload: have[payloadColumn], HasID: have[idColumn]}
	switch {
	case have[timestampColumn]:
		shape.TimestampColumn = timestampColumn
	case have[altTimestampColumn]:
		shape.TimestampColumn = altTimestampColumn
	}

	switch {
	case have[channelColumn]:
		shape.Kind = ShapeDedicatedColumn
		shape.Column = channelColumn
	case have[altChannelColumn]:
		shape.Kind = ShapeDedicatedColumn
		shape.Column = altChannelColumn
	case have[payloadColumn]:
		shape.Kind = ShapeJSONPath
		shape.Column = payloadColumn
		shape.Key = channelColumn
		shape.Degraded = "no dedicated channel column; keying on payload->>'channel'"
	default:
		shape.Kind = ShapeConstant
		shape.Value = fallbackChannel
		shape.Degraded = "no channel or payload column; all messages share the implicit channel \"default\""
	}
	return shape
}
