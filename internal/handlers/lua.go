// Package handlers supplies the registry's Loader: one handler per *.lua
// file under the configured handler directories, plus a small built-in set
// compiled into the binary. Scripting the
// hot-reloadable half in Lua (via gopher-lua) keeps reload genuinely
// dynamic — editing a .lua file takes effect without recompiling the Go
// binary, which a Go-only handler table could never do.
package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	lua "github.com/yuin/gopher-lua"

	"github.com/pytake/orchestrator/internal/queue"
)

// LoadDirectories builds the handler map the registry reloads on every
// fsnotify trigger: every "*.lua" file becomes a handler named after its
// basename (without extension), plus the built-ins from Builtins().
func LoadDirectories(dirs []string) (map[string]queue.HandlerFunc, error) {
	out := Builtins()

	for _, dir := range dirs {
		entries, err := os.ReadDir(dir)
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("handlers: reading %s: %w", dir, err)
		}
		for _, entry := range entries {
			if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".lua") {
				continue
			}
			name := strings.TrimSuffix(entry.Name(), ".lua")
			path := filepath.Join(dir, entry.Name())
			out[name] = luaHandler(path)
		}
	}
	return out, nil
}

// luaHandler returns a HandlerFunc that loads and runs the script at path
// fresh on every invocation. Re-reading the file (rather than caching the
// compiled chunk) is what makes an in-place edit visible to the very next
// job even if the registry's debounced reload hasn't fired yet.
func luaHandler(path string) queue.HandlerFunc {
	return func(ctx context.Context, job *queue.Job, updateProgress func(interface{})) (map[string]interface{}, error) {
		script, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("handlers: reading %s: %w", path, err)
		}

		L := lua.NewState()
		defer L.Close()

		L.SetGlobal("payload", marshalToLua(L, job.Payload))
		L.SetGlobal("jobId", lua.LString(job.ID))
		L.SetGlobal("attempt", lua.LNumber(job.Attempt))
		L.SetGlobal("updateProgress", L.NewFunction(func(L *lua.LState) int {
			v := unmarshalFromLua(L.CheckAny(1))
			updateProgress(v)
			return 0
		}))

		if err := L.DoString(string(script)); err != nil {
			return nil, fmt.Errorf("handlers: %s: %w", filepath.Base(path), err)
		}

		ret := L.GetGlobal("result")
		if ret == lua.LNil {
			return map[string]interface{}{}, nil
		}
		v := unmarshalFromLua(ret)
		m, ok := v.(map[string]interface{})
		if !ok {
			return map[string]interface{}{"value": v}, nil
		}
		return m, nil
	}
}

func marshalToLua(L *lua.LState, v interface{}) lua.LValue {
	switch val := v.(type) {
	case map[string]interface{}:
		t := L.NewTable()
		for k, sub := range val {
			L.SetField(t, k, marshalToLua(L, sub))
		}
		return t
	case []interface{}:
		t := L.NewTable()
		for i, sub := range val {
			t.RawSetInt(i+1, marshalToLua(L, sub))
		}
		return t
	case string:
		return lua.LString(val)
	case float64:
		return lua.LNumber(val)
	case int:
		return lua.LNumber(val)
	case bool:
		return lua.LBool(val)
	default:
		return lua.LNil
	}
}

func unmarshalFromLua(v lua.LValue) interface{} {
	switch val := v.(type) {
	case lua.LString:
		return string(val)
	case lua.LNumber:
		return float64(val)
	case lua.LBool:
		return bool(val)
	case *lua.LTable:
		if val.Len() > 0 {
			arr := make([]interface{}, 0, val.Len())
			val.ForEach(func(_, item lua.LValue) { arr = append(arr, unmarshalFromLua(item)) })
			return arr
		}
		m := make(map[string]interface{})
		val.ForEach(func(key, item lua.LValue) { m[key.String()] = unmarshalFromLua(item) })
		return m
	default:
		return nil
	}
}

// marshalJSON is a small helper the built-ins use to serialise a payload to
// a JSON string; it returns "{}" when marshalling fails.
func marshalJSON(v interface{}) string {
	b, err := json.Marshal(v)
	if err != nil {
		return "{}"
	}
	return string(b)
}
