package pqbroker

import "testing"

func Test_resolveShape(t *testing.T) {
	tests := []struct {
		name    string
		columns []string
		want    SchemaShape
	}{
		{
			"dedicated channel column",
			[]string{"id", "channel", "payload", "created_at"},
			SchemaShape{
				Kind:            ShapeDedicatedColumn,
				Column:          "channel",
				TimestampColumn: "created_at",
				HasPayload:      true,
				HasID:           true,
			},
		},
		{
			"alternate column naming",
			[]string{"id", "topic", "payload", "inserted_at"},
			SchemaShape{
				Kind:            ShapeDedicatedColumn,
				Column:          "topic",
				TimestampColumn: "inserted_at",
				HasPayload:      true,
				HasID:           true,
			},
		},
		{
			"payload-embedded key only",
			[]string{"id", "payload", "created_at"},
			SchemaShape{
				Kind:            ShapeJSONPath,
				Column:          "payload",
				Key:             "channel",
				TimestampColumn: "created_at",
				HasPayload:      true,
				HasID:           true,
				Degraded:        "no dedicated channel column; keying on payload->>'channel'",
			},
		},
		{
			"channel wins over topic",
			[]string{"channel", "topic"},
			SchemaShape{Kind: ShapeDedicatedColumn, Column: "channel"},
		},
		{
			"no usable columns",
			[]string{"data"},
			SchemaShape{
				Kind:     ShapeConstant,
				Value:    "default",
				Degraded: "no channel or payload column; all messages share the implicit channel \"default\"",
			},
		},
		{
			"empty table",
			nil,
			SchemaShape{
				Kind:     ShapeConstant,
				Value:    "default",
				Degraded: "no channel or payload column; all messages share the implicit channel \"default\"",
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := resolveShape(tt.columns); got != tt.want {
				t.Errorf("resolveShape() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func Test_resolveShape_deterministic(t *testing.T) {
	columns := []string{"id", "payload", "created_at"}
	first := resolveShape(columns)
	for i := 0; i < 10; i++ {
		if got := resolveShape(columns); got != first {
			t.Fatalf("resolveShape() not deterministic: %+v vs %+v", got, first)
		}
	}
}

func TestSchemaShape_KeyExpr(t *testing.T) {
	tests := []struct {
		name  string
		shape SchemaShape
		want  string
	}{
		{"dedicated", SchemaShape{Kind: ShapeDedicatedColumn, Column: "channel"}, `"channel"`},
		{"json path", SchemaShape{Kind: ShapeJSONPath, Column: "payload", Key: "channel"}, `"payload"->>'channel'`},
		{"constant", SchemaShape{Kind: ShapeConstant, Value: "default"}, `'default'`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.shape.KeyExpr(); got != tt.want {
				t.Errorf("KeyExpr() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestSchemaShape_RecordKeyExpr(t *testing.T) {
	tests := []struct {
		name  string
		shape SchemaShape
		want  string
	}{
		{"dedicated", SchemaShape{Kind: ShapeDedicatedColumn, Column: "topic"}, `rec->>'topic'`},
		{"json path", SchemaShape{Kind: ShapeJSONPath, Column: "payload", Key: "channel"}, `rec->'payload'->>'channel'`},
		{"constant", SchemaShape{Kind: ShapeConstant, Value: "default"}, `'default'`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.shape.RecordKeyExpr("rec"); got != tt.want {
				t.Errorf("RecordKeyExpr() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestSchemaShape_TimestampExpr(t *testing.T) {
	if got := (SchemaShape{TimestampColumn: "created_at"}).TimestampExpr(); got != `"created_at"` {
		t.Errorf("TimestampExpr() = %v, want %v", got, `"created_at"`)
	}
	if got := (SchemaShape{}).TimestampExpr(); got != "now()" {
		t.Errorf("TimestampExpr() = %v, want now()", got)
	}
}
