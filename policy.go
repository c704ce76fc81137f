package pqbroker

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/lib/pq"
	"github.com/pkg/errors"
)

// Policy is one access rule on the message log. A row is visible or writable
// iff every restrictive policy passes and at least one permissive policy
// passes; with row level security active and no policies defined, access
// defaults to deny.
type Policy struct {
	Name    string   `json:"name"`
	Command string   `json:"command"` // SELECT, INSERT, UPDATE, DELETE or ALL
	Roles   []string `json:"roles,omitempty"`
	Mode    string   `json:"mode"` // PERMISSIVE or RESTRICTIVE
	Using   string   `json:"using,omitempty"`
	Check   string   `json:"check,omitempty"`
}

const (
	PolicyPermissive  = "PERMISSIVE"
	PolicyRestrictive = "RESTRICTIVE"
)

// PolicyFilter narrows ListPolicies.
type PolicyFilter struct {
	Name    string `json:"name,omitempty"`
	Command string `json:"command,omitempty"`
}

// PolicyPatch describes an update. Without Recreate only a rename is
// possible; the backend cannot mutate a policy's command or predicates in
// place, so everything else requires a transactional drop and re-create.
type PolicyPatch struct {
	NewName  string   `json:"new_name,omitempty"`
	Recreate bool     `json:"recreate,omitempty"`
	Command  string   `json:"command,omitempty"`
	Roles    []string `json:"roles,omitempty"`
	Mode     string   `json:"mode,omitempty"`
	Using    string   `json:"using,omitempty"`
	Check    string   `json:"check,omitempty"`
}

func (p *Policy) validate() error {
	if p.Name == "" {
		return &ValidationError{Msg: "policy name is required"}
	}
	p.Command = strings.ToUpper(strings.TrimSpace(p.Command))
	if p.Command == "" {
		p.Command = "ALL"
	}
	switch p.Command {
	case "SELECT", "INSERT", "UPDATE", "DELETE", "ALL":
	default:
		return validationErrorf("invalid policy command %q", p.Command)
	}
	p.Mode = strings.ToUpper(strings.TrimSpace(p.Mode))
	if p.Mode == "" {
		p.Mode = PolicyPermissive
	}
	if p.Mode != PolicyPermissive && p.Mode != PolicyRestrictive {
		return validationErrorf("invalid policy mode %q", p.Mode)
	}
	if p.Using == "" && p.Check == "" {
		return &ValidationError{Msg: "policy requires a using or check expression"}
	}
	if p.Command == "INSERT" && p.Using != "" {
		return &ValidationError{Msg: "INSERT policies take only a check expression"}
	}
	if p.Command == "SELECT" && p.Check != "" {
		return &ValidationError{Msg: "SELECT policies take only a using expression"}
	}
	return nil
}

// buildCreatePolicy assembles the CREATE POLICY statement. Predicates are
// caller-supplied SQL expressions; roles and the name are quoted.
func buildCreatePolicy(p Policy) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "CREATE POLICY %s ON realtime.messages", pq.QuoteIdentifier(p.Name))
	if p.Mode == PolicyRestrictive {
		sb.WriteString(" AS RESTRICTIVE")
	}
	fmt.Fprintf(&sb, " FOR %s", p.Command)
	if len(p.Roles) > 0 {
		quoted := make([]string, len(p.Roles))
		for i, r := range p.Roles {
			quoted[i] = pq.QuoteIdentifier(r)
		}
		fmt.Fprintf(&sb, " TO %s", strings.Join(quoted, ", "))
	}
	if p.Using != "" {
		fmt.Fprintf(&sb, " USING (%s)", p.Using)
	}
	if p.Check != "" {
		fmt.Fprintf(&sb, " WITH CHECK (%s)", p.Check)
	}
	return sb.String()
}

// ListPolicies returns the policies attached to the message log, optionally
// narrowed by name or command.
func (b *Broker) ListPolicies(ctx context.Context, filter PolicyFilter) ([]Policy, error) {
	filter.Command = strings.ToUpper(strings.TrimSpace(filter.Command))
	rows, err := b.db.QueryContext(ctx, sqlListPolicies, brokerSchema, messagesTable)
	if err != nil {
		return nil, errors.Wrap(err, "list policies")
	}
	defer rows.Close()

	policies := []Policy{}
	for rows.Next() {
		var (
			p     Policy
			roles []string
		)
		if err := rows.Scan(&p.Name, &p.Mode, pq.Array(&roles), &p.Command, &p.Using, &p.Check); err != nil {
			return nil, errors.Wrap(err, "scan policy")
		}
		p.Mode = strings.ToUpper(p.Mode)
		for _, r := range roles {
			if r != "public" {
				p.Roles = append(p.Roles, r)
			}
		}
		if filter.Name != "" && p.Name != filter.Name {
			continue
		}
		if filter.Command != "" && p.Command != filter.Command {
			continue
		}
		policies = append(policies, p)
	}
	return policies, errors.Wrap(rows.Err(), "read policies")
}

func (b *Broker) getPolicy(ctx context.Context, name string) (Policy, error) {
	policies, err := b.ListPolicies(ctx, PolicyFilter{Name: name})
	if err != nil {
		return Policy{}, err
	}
	if len(policies) == 0 {
		return Policy{}, &NotFoundError{Kind: "policy", Name: name}
	}
	return policies[0], nil
}

// CreatePolicy validates and creates a policy. Validation failures reject
// the request before any database round trip.
func (b *Broker) CreatePolicy(ctx context.Context, spec Policy) (Policy, error) {
	if err := spec.validate(); err != nil {
		return Policy{}, err
	}
	if _, err := b.db.ExecContext(ctx, buildCreatePolicy(spec)); err != nil {
		return Policy{}, errors.Wrap(asPrecondition(err), "create policy")
	}
	return spec, nil
}

// UpdatePolicy renames a policy, or with Recreate drops and re-creates it so
// command, roles, mode and predicates can change. The drop and re-create run
// in one transaction; concurrent readers never observe the gap.
func (b *Broker) UpdatePolicy(ctx context.Context, name string, patch PolicyPatch) (Policy, error) {
	if name == "" {
		return Policy{}, &ValidationError{Msg: "policy name is required"}
	}
	current, err := b.getPolicy(ctx, name)
	if err != nil {
		return Policy{}, err
	}

	if !patch.Recreate {
		if patch.Command != "" || patch.Mode != "" || patch.Using != "" || patch.Check != "" || len(patch.Roles) > 0 {
			return Policy{}, &ValidationError{Msg: "changing command, roles, mode or expressions requires recreate"}
		}
		if patch.NewName == "" || patch.NewName == name {
			return current, nil
		}
		q := fmt.Sprintf("ALTER POLICY %s ON realtime.messages RENAME TO %s",
			pq.QuoteIdentifier(name), pq.QuoteIdentifier(patch.NewName))
		if _, err := b.db.ExecContext(ctx, q); err != nil {
			return Policy{}, errors.Wrap(err, "rename policy")
		}
		current.Name = patch.NewName
		return current, nil
	}

	next := current
	if patch.NewName != "" {
		next.Name = patch.NewName
	}
	if patch.Command != "" {
		next.Command = patch.Command
	}
	if patch.Mode != "" {
		next.Mode = patch.Mode
	}
	if patch.Using != "" {
		next.Using = patch.Using
	}
	if patch.Check != "" {
		next.Check = patch.Check
	}
	if len(patch.Roles) > 0 {
		next.Roles = patch.Roles
	}
	if err := next.validate(); err != nil {
		return Policy{}, err
	}

	err = b.withTx(ctx, func(tx *sql.Tx) error {
		q := fmt.Sprintf("DROP POLICY %s ON realtime.messages", pq.QuoteIdentifier(name))
		if _, err := tx.ExecContext(ctx, q); err != nil {
			return errors.Wrap(err, "drop policy")
		}
		if _, err := tx.ExecContext(ctx, buildCreatePolicy(next)); err != nil {
			return errors.Wrap(err, "recreate policy")
		}
		return nil
	})
	if err != nil {
		return Policy{}, err
	}
	return next, nil
}

// DeletePolicy drops a policy. With ifExists set, deleting an absent policy
// succeeds; without it, the absence is an error.
func (b *Broker) DeletePolicy(ctx context.Context, name string, ifExists bool) error {
	if name == "" {
		return &ValidationError{Msg: "policy name is required"}
	}
	stmt := "DROP POLICY %s ON realtime.messages"
	if ifExists {
		stmt = "DROP POLICY IF EXISTS %s ON realtime.messages"
	}
	if _, err := b.db.ExecContext(ctx, fmt.Sprintf(stmt, pq.QuoteIdentifier(name))); err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "42704" { // undefined_object
			return &NotFoundError{Kind: "policy", Name: name}
		}
		return errors.Wrap(asPrecondition(err), "drop policy")
	}
	return nil
}
