package pqbroker

import (
	"testing"
)

func TestPolicy_validate(t *testing.T) {
	tests := []struct {
		name    string
		policy  Policy
		wantErr bool
	}{
		{
			"read policy",
			Policy{Name: "read all", Command: "SELECT", Using: "true"},
			false,
		},
		{
			"insert policy",
			Policy{Name: "write own", Command: "INSERT", Check: "channel = current_user"},
			false,
		},
		{
			"restrictive policy",
			Policy{Name: "tenant fence", Mode: "restrictive", Using: "tenant_id = current_setting('app.tenant')"},
			false,
		},
		{
			"missing name",
			Policy{Command: "SELECT", Using: "true"},
			true,
		},
		{
			"no expressions",
			Policy{Name: "empty", Command: "SELECT"},
			true,
		},
		{
			"only check succeeds",
			Policy{Name: "check only", Command: "UPDATE", Check: "true"},
			false,
		},
		{
			"insert rejects using",
			Policy{Name: "bad insert", Command: "INSERT", Using: "true"},
			true,
		},
		{
			"select rejects check",
			Policy{Name: "bad select", Command: "SELECT", Check: "true"},
			true,
		},
		{
			"unknown command",
			Policy{Name: "bad", Command: "TRUNCATE", Using: "true"},
			true,
		},
		{
			"unknown mode",
			Policy{Name: "bad", Mode: "LENIENT", Using: "true"},
			true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.policy.validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !IsValidation(err) {
				t.Errorf("validate() error = %v, want validation error", err)
			}
		})
	}
}

func TestPolicy_validate_defaults(t *testing.T) {
	p := Policy{Name: "defaults", Using: "true"}
	if err := p.validate(); err != nil {
		t.Fatalf("validate() error = %v", err)
	}
	if p.Command != "ALL" {
		t.Errorf("Command = %q, want ALL", p.Command)
	}
	if p.Mode != PolicyPermissive {
		t.Errorf("Mode = %q, want PERMISSIVE", p.Mode)
	}
}

func Test_buildCreatePolicy(t *testing.T) {
	tests := []struct {
		name   string
		policy Policy
		want   string
	}{
		{
			"select with roles",
			Policy{Name: "Allow authenticated read", Command: "SELECT", Mode: PolicyPermissive,
				Roles: []string{"authenticated"}, Using: "true"},
			`CREATE POLICY "Allow authenticated read" ON realtime.messages FOR SELECT TO "authenticated" USING (true)`,
		},
		{
			"insert check",
			Policy{Name: "Allow authenticated insert", Command: "INSERT", Mode: PolicyPermissive,
				Roles: []string{"authenticated"}, Check: "true"},
			`CREATE POLICY "Allow authenticated insert" ON realtime.messages FOR INSERT TO "authenticated" WITH CHECK (true)`,
		},
		{
			"restrictive all",
			Policy{Name: "fence", Command: "ALL", Mode: PolicyRestrictive,
				Using: "channel <> 'private'", Check: "channel <> 'private'"},
			`CREATE POLICY "fence" ON realtime.messages AS RESTRICTIVE FOR ALL USING (channel <> 'private') WITH CHECK (channel <> 'private')`,
		},
		{
			"multiple roles",
			Policy{Name: "shared", Command: "SELECT", Mode: PolicyPermissive,
				Roles: []string{"reader", "auditor"}, Using: "true"},
			`CREATE POLICY "shared" ON realtime.messages FOR SELECT TO "reader", "auditor" USING (true)`,
		},
		{
			"no roles defaults to everyone",
			Policy{Name: "open", Command: "SELECT", Mode: PolicyPermissive, Using: "true"},
			`CREATE POLICY "open" ON realtime.messages FOR SELECT USING (true)`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := buildCreatePolicy(tt.policy); got != tt.want {
				t.Errorf("buildCreatePolicy() =\n%v\nwant\n%v", got, tt.want)
			}
		})
	}
}
