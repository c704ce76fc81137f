package pqbroker

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestBroker_redactFields(t *testing.T) {
	rfields := FieldRedactions{
		"realtime": {"messages": []string{
			"password",
			"email",
		},
		},
	}

	makeNotification := func() *Notification {
		return &Notification{
			Schema: "realtime",
			Table:  "messages",
			Record: map[string]interface{}{
				"first_name": "first_name",
				"last_name":  "last_name",
				"password":   "_insecure_",
				"email":      "someone@corp.com",
			},
			Previous: map[string]interface{}{
				"password": "_insecure_old_",
			},
		}
	}

	tests := []struct {
		name       string
		redactions FieldRedactions
		incoming   *Notification
		expected   *Notification
	}{
		{
			name:       "found",
			redactions: rfields,
			incoming:   makeNotification(),
			expected: &Notification{
				Schema: "realtime",
				Table:  "messages",
				Record: map[string]interface{}{
					"first_name": "first_name",
					"last_name":  "last_name",
				},
				Previous: map[string]interface{}{},
			},
		},
		{
			name:       "other_table",
			redactions: FieldRedactions{"public": {"users": []string{"password"}}},
			incoming:   makeNotification(),
			expected:   makeNotification(),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := &Broker{redactions: tt.redactions}
			b.redactFields(tt.incoming)

			if got := tt.incoming; !cmp.Equal(got, tt.expected) {
				t.Errorf("b.redactFields()= %v, want %v", got, tt.expected)
			}
		})
	}
}

func TestDecodeRedactions(t *testing.T) {
	r, err := DecodeRedactions(`{"realtime":{"messages":["secret"]}}`)
	if err != nil {
		t.Fatal(err)
	}
	want := FieldRedactions{"realtime": {"messages": []string{"secret"}}}
	if !cmp.Equal(r, want) {
		t.Errorf("DecodeRedactions() = %v, want %v", r, want)
	}
}
