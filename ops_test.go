package pqbroker

import (
	"testing"

	"github.com/pkg/errors"
)

func TestRespond(t *testing.T) {
	tests := []struct {
		name     string
		data     interface{}
		err      error
		wantOK   bool
		wantKind string
	}{
		{"success", map[string]string{"status": "enabled"}, nil, true, ""},
		{"validation", nil, &ValidationError{Msg: "channel is required"}, false, "validation"},
		{"precondition", nil, &PreconditionError{Msg: "realtime broker is not enabled"}, false, "precondition"},
		{"not found", nil, &NotFoundError{Kind: "channel", Name: "room:1"}, false, "not_found"},
		{"backend", nil, errors.New("connection refused"), false, "backend"},
		{
			"wrapped precondition keeps its kind",
			nil,
			errors.Wrap(&PreconditionError{Msg: "realtime broker is not enabled"}, "publish"),
			false,
			"precondition",
		},
		{
			"wrapped not found keeps its kind",
			nil,
			errors.Wrap(&NotFoundError{Kind: "policy", Name: "fence"}, "delete policy"),
			false,
			"not_found",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := Respond(tt.data, tt.err)
			if resp.OK != tt.wantOK {
				t.Errorf("Respond().OK = %v, want %v", resp.OK, tt.wantOK)
			}
			if tt.wantOK {
				if resp.Error != nil {
					t.Errorf("Respond().Error = %+v, want nil", resp.Error)
				}
				return
			}
			if resp.Data != nil {
				t.Errorf("Respond().Data = %v, want nil on error", resp.Data)
			}
			if resp.Error == nil {
				t.Fatal("Respond().Error = nil, want populated")
			}
			if resp.Error.Kind != tt.wantKind {
				t.Errorf("Respond().Error.Kind = %q, want %q", resp.Error.Kind, tt.wantKind)
			}
			if resp.Error.Message == "" {
				t.Error("Respond().Error.Message is empty")
			}
		})
	}
}

func TestNotFoundError_Error(t *testing.T) {
	err := &NotFoundError{Kind: "channel", Name: "room:1"}
	if got := err.Error(); got != "channel not found: room:1" {
		t.Errorf("Error() = %q", got)
	}
}
