package pqbroker

import (
	"encoding/json"
	"strings"
)

// FieldRedactions describes how redaction fields are specified.
// Top level map key is the schema, inner map key is the table and slice is
// the fields to redact.
type FieldRedactions map[string]map[string][]string

// DecodeRedactions returns a FieldRedactions map decoded from redactions
// specified in json format.
func DecodeRedactions(r string) (FieldRedactions, error) {
	rfields := make(FieldRedactions)
	if err := json.NewDecoder(strings.NewReader(r)).Decode(&rfields); err != nil {
		return nil, err
	}
	return rfields, nil
}

// redactFields searches the redaction map for fields that match the
// notification's table and strips them from the record and previous payloads
// before any filter or handler sees them.
func (b *Broker) redactFields(n *Notification) {
	tables, ok := b.redactions[n.Schema]
	if !ok {
		return
	}
	fields, ok := tables[n.Table]
	if !ok {
		return
	}
	for _, rf := range fields {
		if n.Record != nil {
			delete(n.Record, rf)
		}
		if n.Previous != nil {
			delete(n.Previous, rf)
		}
	}
}
