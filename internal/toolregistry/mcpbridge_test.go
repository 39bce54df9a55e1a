package toolregistry

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestMCPServerListsRegisteredTools(t *testing.T) {
	r := New()
	r.Register(Tool{Name: "echo", Description: "echoes msg", Source: SourceInline}, echoHandler)

	srv := r.MCPServer(context.Background())

	ts := httptest.NewServer(srv)
	defer ts.Close()

	body := []byte(`{"jsonrpc":"2.0","id":1,"method":"tools/list"}`)
	resp, err := http.Post(ts.URL, "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()

	var out struct {
		Result struct {
			Tools []struct {
				Name string `json:"name"`
			} `json:"tools"`
		} `json:"result"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}

	if len(out.Result.Tools) != 1 || out.Result.Tools[0].Name != "echo" {
		t.Fatalf("tools/list = %+v, want one tool named echo", out.Result.Tools)
	}
}

func TestMCPServerCallsThroughToRegistry(t *testing.T) {
	r := New()
	r.Register(Tool{Name: "echo", Source: SourceInline}, echoHandler)

	srv := r.MCPServer(context.Background())
	ts := httptest.NewServer(srv)
	defer ts.Close()

	body := []byte(`{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"echo","arguments":{"msg":"hi"}}}`)
	resp, err := http.Post(ts.URL, "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()

	var out struct {
		Result string `json:"result"`
		Error  *struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Error != nil {
		t.Fatalf("tools/call returned error: %s", out.Error.Message)
	}
	if out.Result != "hi" {
		t.Fatalf("tools/call result = %q, want hi", out.Result)
	}
}
