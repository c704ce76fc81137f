package pqbroker

import (
	"encoding/json"

	jsonpatch "github.com/evanphx/json-patch"
)

// generatePatch computes the merge patch between the previous and current
// rendering of a row, attached to UPDATE notifications as their change set.
func generatePatch(a, b map[string]interface{}) (map[string]interface{}, error) {
	abytes := []byte("{}")
	bbytes := []byte("{}")

	var err error
	if a != nil {
		if abytes, err = json.Marshal(a); err != nil {
			return nil, err
		}
	}
	if b != nil {
		if bbytes, err = json.Marshal(b); err != nil {
			return nil, err
		}
	}
	p, err := jsonpatch.CreateMergePatch(abytes, bbytes)
	if err != nil {
		return nil, err
	}
	var r map[string]interface{}
	err = json.Unmarshal(p, &r)
	return r, err
}
