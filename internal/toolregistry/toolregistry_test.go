package toolregistry

import (
	"context"
	"testing"
)

func echoHandler(_ context.Context, args map[string]any) (string, error) {
	if v, ok := args["msg"].(string); ok {
		return v, nil
	}
	return "", nil
}

func TestRegisterAndCall(t *testing.T) {
	r := New()
	r.Register(Tool{Name: "echo", Source: SourceInline}, echoHandler)

	out, err := r.Call(context.Background(), "inline:echo", map[string]any{"msg": "hi"})
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if out != "hi" {
		t.Fatalf("Call = %q, want hi", out)
	}
}

func TestActiveUnionsEssentialTools(t *testing.T) {
	r := New()
	r.Register(Tool{Name: "search", Source: SourceMCP}, echoHandler)
	r.Register(Tool{Name: "always_on", Source: SourceMCP, Essential: true}, echoHandler)
	r.Register(Tool{Name: "unused", Source: SourceMCP}, echoHandler)

	active := r.Active([]string{"mcp:search"})
	names := make(map[string]bool)
	for _, tool := range active {
		names[tool.FullName] = true
	}

	if !names["mcp:search"] {
		t.Fatal("expected explicitly filtered tool to be active")
	}
	if !names["mcp:always_on"] {
		t.Fatal("expected essential tool to be active regardless of filter")
	}
	if names["mcp:unused"] {
		t.Fatal("expected unfiltered, non-essential tool to be inactive")
	}
}

func TestActiveWithEmptyFilterReturnsEverything(t *testing.T) {
	r := New()
	r.Register(Tool{Name: "a", Source: SourceSkill}, echoHandler)
	r.Register(Tool{Name: "b", Source: SourceSkill}, echoHandler)

	active := r.Active(nil)
	if len(active) != 2 {
		t.Fatalf("Active(nil) returned %d tools, want 2", len(active))
	}
}

func TestUnregisterSource(t *testing.T) {
	r := New()
	r.Register(Tool{Name: "a", Source: SourceMCP}, echoHandler)
	r.Register(Tool{Name: "b", Source: SourceSkill}, echoHandler)

	r.UnregisterSource(SourceMCP)

	all := r.All()
	if len(all) != 1 || all[0].Source != SourceSkill {
		t.Fatalf("All() after UnregisterSource = %+v, want only skill:b", all)
	}
}

func TestCallUnknownToolErrors(t *testing.T) {
	r := New()
	if _, err := r.Call(context.Background(), "mcp:missing", nil); err == nil {
		t.Fatal("Call: want error for unknown tool, got nil")
	}
}
