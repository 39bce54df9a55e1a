package permission

import "testing"

func TestUserAllowedExplicitTool(t *testing.T) {
	m := New(map[string][]string{"analyst": {"mcp:search", "skill:summarize"}})

	if !m.UserAllowed("analyst", "mcp:search") {
		t.Fatal("expected analyst to be allowed mcp:search")
	}
	if m.UserAllowed("analyst", "mcp:delete") {
		t.Fatal("expected analyst to be denied mcp:delete")
	}
}

func TestUserAllowedWildcard(t *testing.T) {
	m := New(map[string][]string{"admin": {"*"}})

	if !m.UserAllowed("admin", "mcp:anything") {
		t.Fatal("expected admin wildcard to allow any tool")
	}
}

func TestUserAllowedUnknownRoleDenied(t *testing.T) {
	m := New(map[string][]string{"analyst": {"*"}})

	if m.UserAllowed("guest", "mcp:search") {
		t.Fatal("expected unknown role to be denied")
	}
}

func TestSetRoleReplacesAllowedTools(t *testing.T) {
	m := New(nil)
	m.SetRole("analyst", []string{"mcp:search"})

	if !m.UserAllowed("analyst", "mcp:search") {
		t.Fatal("expected newly set role to take effect")
	}
}
