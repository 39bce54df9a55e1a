package agent

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/dop251/goja"

	"github.com/rakunlabs/cortex/internal/toolregistry"
)

// NewJSHandler compiles a JavaScript tool body into a toolregistry.Handler,
// the same IIFE-wrapped Goja execution the teacher's workflow script node
// used: the call's arguments are exposed as top-level variables named after
// their keys, and whatever the function body returns becomes the tool
// result (JSON-encoded unless it is already a plain string). This backs
// inline JS-defined tools loaded into the registry as
// toolregistry.SourceSkill entries.
func NewJSHandler(code string) toolregistry.Handler {
	return func(_ context.Context, arguments map[string]any) (string, error) {
		vm := goja.New()

		if err := registerJSHelpers(vm); err != nil {
			return "", fmt.Errorf("agent: js tool: %w", err)
		}
		for k, v := range arguments {
			if err := vm.Set(k, v); err != nil {
				return "", fmt.Errorf("agent: js tool: set %q: %w", k, err)
			}
		}

		val, err := vm.RunString("(function(){" + code + "})()")
		if err != nil {
			return "", fmt.Errorf("agent: js tool: %w", err)
		}

		switch v := val.Export().(type) {
		case nil:
			return "", nil
		case string:
			return v, nil
		default:
			data, err := json.Marshal(v)
			if err != nil {
				return "", fmt.Errorf("agent: js tool: marshal result: %w", err)
			}
			return string(data), nil
		}
	}
}

// registerJSHelpers adds the small set of conversions a tool body typically
// needs (jsonParse, btoa, atob) without the HTTP helpers
// workflow/goja.go's SetupGojaVM also registers — a JS-defined tool that
// needs to call out to a network API belongs in MCP, not an inline script.
func registerJSHelpers(vm *goja.Runtime) error {
	if err := vm.Set("jsonParse", func(call goja.FunctionCall) goja.Value {
		if len(call.Arguments) == 0 {
			return goja.Null()
		}
		var raw []byte
		switch v := call.Arguments[0].Export().(type) {
		case []byte:
			raw = v
		case string:
			raw = []byte(v)
		default:
			panic(vm.NewTypeError("jsonParse: expected string or bytes"))
		}
		var parsed any
		if err := json.Unmarshal(raw, &parsed); err != nil {
			panic(vm.NewTypeError("jsonParse: " + err.Error()))
		}
		return vm.ToValue(parsed)
	}); err != nil {
		return err
	}

	if err := vm.Set("btoa", func(call goja.FunctionCall) goja.Value {
		if len(call.Arguments) == 0 {
			return vm.ToValue("")
		}
		var raw []byte
		switch v := call.Arguments[0].Export().(type) {
		case []byte:
			raw = v
		case string:
			raw = []byte(v)
		default:
			panic(vm.NewTypeError("btoa: expected string or bytes"))
		}
		return vm.ToValue(base64.StdEncoding.EncodeToString(raw))
	}); err != nil {
		return err
	}

	return vm.Set("atob", func(call goja.FunctionCall) goja.Value {
		if len(call.Arguments) == 0 {
			return vm.ToValue([]byte{})
		}
		decoded, err := base64.StdEncoding.DecodeString(call.Arguments[0].String())
		if err != nil {
			panic(vm.NewTypeError("atob: " + err.Error()))
		}
		return vm.ToValue(decoded)
	})
}
