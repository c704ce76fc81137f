package pqbroker

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

var (
	primaryShape = SchemaShape{
		Kind:            ShapeDedicatedColumn,
		Column:          "channel",
		TimestampColumn: "created_at",
		HasPayload:      true,
		HasID:           true,
	}
	jsonPathShape = SchemaShape{
		Kind:            ShapeJSONPath,
		Column:          "payload",
		Key:             "channel",
		TimestampColumn: "created_at",
		HasPayload:      true,
		HasID:           true,
	}
	constantShape = SchemaShape{
		Kind:       ShapeConstant,
		Value:      "default",
		HasPayload: true,
	}
)

func Test_buildInsert(t *testing.T) {
	tests := []struct {
		name      string
		shape     SchemaShape
		channel   string
		doc       map[string]interface{}
		wantQuery string
		wantArgs  int
		wantErr   bool
	}{
		{
			"dedicated column",
			primaryShape,
			"room:1",
			map[string]interface{}{"body": "hi"},
			`INSERT INTO realtime.messages ("channel", payload) VALUES ($1, $2) RETURNING id::text, "created_at"`,
			2,
			false,
		},
		{
			"dedicated column without payload",
			SchemaShape{Kind: ShapeDedicatedColumn, Column: "topic", HasID: true},
			"room:1",
			nil,
			`INSERT INTO realtime.messages ("topic") VALUES ($1) RETURNING id::text`,
			1,
			false,
		},
		{
			"body rejected when no payload column can hold it",
			SchemaShape{Kind: ShapeDedicatedColumn, Column: "topic", HasID: true},
			"room:1",
			map[string]interface{}{"body": "hi"},
			"",
			0,
			true,
		},
		{
			"json path embeds channel",
			jsonPathShape,
			"room:1",
			map[string]interface{}{"body": "hi"},
			`INSERT INTO realtime.messages ("payload") VALUES ($1) RETURNING id::text, "created_at"`,
			1,
			false,
		},
		{
			"constant with payload",
			constantShape,
			"anything",
			map[string]interface{}{"body": "hi"},
			`INSERT INTO realtime.messages (payload) VALUES ($1) RETURNING ''`,
			1,
			false,
		},
		{
			"constant without payload",
			SchemaShape{Kind: ShapeConstant, Value: "default"},
			"anything",
			nil,
			"",
			0,
			true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			query, args, err := buildInsert(tt.shape, tt.channel, tt.doc)
			if (err != nil) != tt.wantErr {
				t.Fatalf("buildInsert() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil {
				if !IsPrecondition(err) {
					t.Errorf("buildInsert() error is not a precondition error: %v", err)
				}
				return
			}
			if query != tt.wantQuery {
				t.Errorf("buildInsert() query = %v, want %v", query, tt.wantQuery)
			}
			if len(args) != tt.wantArgs {
				t.Errorf("buildInsert() got %d args, want %d", len(args), tt.wantArgs)
			}
		})
	}
}

func Test_buildInsert_jsonPathEmbedsKey(t *testing.T) {
	doc := map[string]interface{}{"body": "hi"}
	_, args, err := buildInsert(jsonPathShape, "room:1", doc)
	if err != nil {
		t.Fatal(err)
	}
	if doc["channel"] != "room:1" {
		t.Errorf("channel key not embedded in payload: %v", doc)
	}
	body, ok := args[0].([]byte)
	if !ok || len(body) == 0 {
		t.Errorf("expected marshaled payload arg, got %T", args[0])
	}
}

func Test_buildListQuery(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	end := start.Add(24 * time.Hour)

	tests := []struct {
		name          string
		shape         SchemaShape
		opts          ListOptions
		wantQuery     string
		wantCount     string
		wantArgs      int
		wantCountArgs int
	}{
		{
			"defaults",
			primaryShape,
			ListOptions{},
			`SELECT id::text, "channel", payload, "created_at" FROM realtime.messages WHERE "channel" = $1 ORDER BY "created_at" DESC LIMIT $2 OFFSET $3`,
			`SELECT count(*) FROM realtime.messages WHERE "channel" = $1`,
			3,
			1,
		},
		{
			"ascending by id with event filter",
			primaryShape,
			ListOptions{OrderBy: "id", Direction: "asc", Event: "channel_created"},
			`SELECT id::text, "channel", payload, "created_at" FROM realtime.messages WHERE "channel" = $1 AND payload->>'event' = $2 ORDER BY id ASC LIMIT $3 OFFSET $4`,
			`SELECT count(*) FROM realtime.messages WHERE "channel" = $1 AND payload->>'event' = $2`,
			4,
			2,
		},
		{
			"date range",
			primaryShape,
			ListOptions{Start: &start, End: &end},
			`SELECT id::text, "channel", payload, "created_at" FROM realtime.messages WHERE "channel" = $1 AND "created_at" >= $2 AND "created_at" <= $3 ORDER BY "created_at" DESC LIMIT $4 OFFSET $5`,
			`SELECT count(*) FROM realtime.messages WHERE "channel" = $1 AND "created_at" >= $2 AND "created_at" <= $3`,
			5,
			3,
		},
		{
			"json path shape",
			jsonPathShape,
			ListOptions{},
			`SELECT id::text, "payload"->>'channel', payload, "created_at" FROM realtime.messages WHERE "payload"->>'channel' = $1 ORDER BY "created_at" DESC LIMIT $2 OFFSET $3`,
			`SELECT count(*) FROM realtime.messages WHERE "payload"->>'channel' = $1`,
			3,
			1,
		},
		{
			"event filter without payload column never matches",
			SchemaShape{Kind: ShapeDedicatedColumn, Column: "channel", TimestampColumn: "created_at", HasID: true},
			ListOptions{Event: "x"},
			`SELECT id::text, "channel", NULL, "created_at" FROM realtime.messages WHERE "channel" = $1 AND false ORDER BY "created_at" DESC LIMIT $2 OFFSET $3`,
			`SELECT count(*) FROM realtime.messages WHERE "channel" = $1 AND false`,
			3,
			1,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			query, countQuery, args, countArgs := buildListQuery(tt.shape, "room:1", tt.opts)
			if query != tt.wantQuery {
				t.Errorf("query = %v, want %v", query, tt.wantQuery)
			}
			if countQuery != tt.wantCount {
				t.Errorf("count query = %v, want %v", countQuery, tt.wantCount)
			}
			if len(args) != tt.wantArgs {
				t.Errorf("got %d args, want %d", len(args), tt.wantArgs)
			}
			if len(countArgs) != tt.wantCountArgs {
				t.Errorf("got %d count args, want %d", len(countArgs), tt.wantCountArgs)
			}
		})
	}
}

func Test_buildListQuery_limits(t *testing.T) {
	_, _, args, _ := buildListQuery(primaryShape, "room:1", ListOptions{})
	if got := args[len(args)-2]; got != defaultListLimit {
		t.Errorf("default limit = %v, want %v", got, defaultListLimit)
	}
	_, _, args, _ = buildListQuery(primaryShape, "room:1", ListOptions{Limit: 10000})
	if got := args[len(args)-2]; got != maxListLimit {
		t.Errorf("capped limit = %v, want %v", got, maxListLimit)
	}
}

func TestListOptions_validate(t *testing.T) {
	tests := []struct {
		name    string
		opts    ListOptions
		wantErr bool
	}{
		{"zero value", ListOptions{}, false},
		{"valid", ListOptions{OrderBy: "id", Direction: "asc", Limit: 10}, false},
		{"bad order", ListOptions{OrderBy: "payload"}, true},
		{"bad direction", ListOptions{Direction: "sideways"}, true},
		{"negative limit", ListOptions{Limit: -1}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.opts.validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !IsValidation(err) {
				t.Errorf("validate() error is not a validation error: %v", err)
			}
		})
	}
}

func TestMessage_Event(t *testing.T) {
	m := Message{Payload: map[string]interface{}{"event": "channel_created"}}
	if got := m.Event(); got != "channel_created" {
		t.Errorf("Event() = %v, want channel_created", got)
	}
	if got := (Message{}).Event(); got != "" {
		t.Errorf("Event() = %v, want empty", got)
	}
}

func Test_buildChannelsView(t *testing.T) {
	tests := []struct {
		name  string
		shape SchemaShape
		want  string
	}{
		{
			"dedicated column",
			primaryShape,
			`CREATE OR REPLACE VIEW realtime.channels AS
SELECT "channel" AS id,
       "channel" AS name,
       'standard' AS type,
       min("created_at") AS created_at,
       max("created_at") AS updated_at,
       count(*) AS broadcast_count
  FROM realtime.messages
 GROUP BY "channel"`,
		},
		{
			"json path",
			jsonPathShape,
			`CREATE OR REPLACE VIEW realtime.channels AS
SELECT "payload"->>'channel' AS id,
       "payload"->>'channel' AS name,
       'standard' AS type,
       min("created_at") AS created_at,
       max("created_at") AS updated_at,
       count(*) AS broadcast_count
  FROM realtime.messages
 GROUP BY "payload"->>'channel'`,
		},
		{
			"constant",
			constantShape,
			`CREATE OR REPLACE VIEW realtime.channels AS
SELECT 'default' AS id,
       'default' AS name,
       'standard' AS type,
       min(now()) AS created_at,
       max(now()) AS updated_at,
       count(*) AS broadcast_count
  FROM realtime.messages
 GROUP BY 1`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := buildChannelsView(tt.shape); !cmp.Equal(got, tt.want) {
				t.Errorf("buildChannelsView() mismatch:\n%s", cmp.Diff(got, tt.want))
			}
		})
	}
}
