package agent

import (
	"context"
	"testing"
)

func TestNewJSHandlerReturnsComputedValue(t *testing.T) {
	h := NewJSHandler("return a + b;")

	out, err := h(context.Background(), map[string]any{"a": 2, "b": 3})
	if err != nil {
		t.Fatalf("handler: %v", err)
	}
	if out != "5" {
		t.Fatalf("out = %q, want %q", out, "5")
	}
}

func TestNewJSHandlerReturnsString(t *testing.T) {
	h := NewJSHandler(`return "hello " + name;`)

	out, err := h(context.Background(), map[string]any{"name": "world"})
	if err != nil {
		t.Fatalf("handler: %v", err)
	}
	if out != "hello world" {
		t.Fatalf("out = %q", out)
	}
}

func TestNewJSHandlerPropagatesScriptError(t *testing.T) {
	h := NewJSHandler("throw new Error('boom');")

	if _, err := h(context.Background(), nil); err == nil {
		t.Fatal("want error from a throwing script")
	}
}
