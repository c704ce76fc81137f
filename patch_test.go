package pqbroker

import (
	"encoding/json"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func Test_generatePatch(t *testing.T) {
	type args struct {
		a map[string]interface{}
		b map[string]interface{}
	}
	tests := []struct {
		name     string
		args     args
		wantJSON string
		wantErr  bool
	}{
		{"nils", args{nil, nil}, "{}", false},
		{"empties", args{map[string]interface{}{}, map[string]interface{}{}}, "{}", false},
		{"basic", args{map[string]interface{}{}, map[string]interface{}{
			"foo": "bar",
		}}, `{"foo":"bar"}`, false},
		{"removal", args{map[string]interface{}{
			"foo": "bar",
		}, map[string]interface{}{}}, `{"foo":null}`, false},
		{"unchanged", args{map[string]interface{}{
			"foo": "bar",
		}, map[string]interface{}{
			"foo": "bar",
		}}, "{}", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := generatePatch(tt.args.a, tt.args.b)
			if (err != nil) != tt.wantErr {
				t.Errorf("generatePatch() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			gotBytes, err := json.Marshal(got)
			if err != nil {
				t.Error(err)
			}
			gotJSON := string(gotBytes)
			if !cmp.Equal(gotJSON, tt.wantJSON) {
				t.Errorf("generatePatch() = %v, want %v\n%s", gotJSON, tt.wantJSON, cmp.Diff(gotJSON, tt.wantJSON))
			}
		})
	}
}
