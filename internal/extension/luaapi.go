package extension

import (
	"context"
	"errors"

	lua "github.com/yuin/gopher-lua"

	"github.com/kverity/hearth/internal/extension/scope"
)

// LuaModuleName is the module Lua plugins require to reach the host API.
const LuaModuleName = "hearth"

// errSelfSend guards Lua plugins sending to themselves: the handler would
// need the interpreter lock the sender is already holding.
var errSelfSend = errors.New("plugin cannot send a message to itself")

// luaModule builds the per-plugin "hearth" module. The host attaches it
// to the plugin's scope so scripts can do:
//
//	local hearth = require("hearth")
//	hearth.contrib.add("commands", { id = "report.run", title = "Run" })
//	hearth.bus.on("report.run", function(body) ... end)
func (h *Host) luaModule(api *API) scope.Loader {
	return func(L *lua.LState) lua.LValue {
		root := L.NewTable()
		root.RawSetString("plugin", lua.LString(api.PluginID()))
		root.RawSetString("contrib", h.luaContrib(L, api))
		root.RawSetString("bus", h.luaBus(L, api))
		root.RawSetString("ctx", h.luaCtx(L, api))
		root.RawSetString("log", h.luaLog(L, api))
		root.RawSetString("storage", h.luaStorage(L, api))
		return root
	}
}

func (h *Host) luaContrib(L *lua.LState, api *API) *lua.LTable {
	t := L.NewTable()
	t.RawSetString("add", L.NewFunction(func(L *lua.LState) int {
		point := L.CheckString(1)
		payload := scope.ToGo(L.CheckTable(2))
		whenExpr := L.OptString(3, "")
		if err := api.AddContribution(point, payload, whenExpr); err != nil {
			L.RaiseError("contrib.add: %v", err)
		}
		return 0
	}))
	t.RawSetString("query", L.NewFunction(func(L *lua.LState) int {
		point := L.CheckString(1)
		items := api.Contributions(point)
		out := L.NewTable()
		for i, c := range items {
			row := L.NewTable()
			row.RawSetString("owner", lua.LString(c.Owner))
			row.RawSetString("payload", scope.ToLua(L, c.Payload))
			out.RawSetInt(i+1, row)
		}
		L.Push(out)
		return 1
	}))
	return t
}

func (h *Host) luaBus(L *lua.LState, api *API) *lua.LTable {
	t := L.NewTable()

	t.RawSetString("on", L.NewFunction(func(L *lua.LState) int {
		msgType := L.CheckString(1)
		fn := L.CheckFunction(2)
		err := api.OnMessage(msgType, func(ctx context.Context, body any) (any, error) {
			results, err := h.scope.CallValue(fn, body)
			if err != nil {
				return nil, err
			}
			if len(results) == 0 {
				return nil, nil
			}
			return results[0], nil
		})
		if err != nil {
			L.RaiseError("bus.on: %v", err)
		}
		return 0
	}))

	t.RawSetString("send", L.NewFunction(func(L *lua.LState) int {
		target := L.CheckString(1)
		msgType := L.CheckString(2)
		var body any
		if L.GetTop() >= 3 {
			body = scope.ToGo(L.Get(3))
		}
		if target == api.PluginID() {
			L.Push(lua.LNil)
			L.Push(lua.LString(errSelfSend.Error()))
			return 2
		}
		resp, err := api.Send(context.Background(), target, msgType, body)
		if err != nil {
			L.Push(lua.LNil)
			L.Push(lua.LString(err.Error()))
			return 2
		}
		L.Push(scope.ToLua(L, resp))
		return 1
	}))

	t.RawSetString("broadcast", L.NewFunction(func(L *lua.LState) int {
		msgType := L.CheckString(1)
		var body any
		if L.GetTop() >= 2 {
			body = scope.ToGo(L.Get(2))
		}
		api.Broadcast(context.Background(), msgType, body)
		return 0
	}))

	t.RawSetString("subscribe", L.NewFunction(func(L *lua.LState) int {
		msgType := L.CheckString(1)
		fn := L.CheckFunction(2)
		err := api.OnBroadcast(msgType, func(ctx context.Context, body any) {
			// Skip broadcasts this plugin issued itself: re-entering the
			// interpreter from its own delivery pass would deadlock.
			if origin, ok := BroadcastOrigin(ctx); ok && origin == api.PluginID() {
				return
			}
			if _, err := h.scope.CallValue(fn, body); err != nil {
				api.Log().WithError(err).Warn("broadcast subscriber failed")
			}
		})
		if err != nil {
			L.RaiseError("bus.subscribe: %v", err)
		}
		return 0
	}))

	return t
}

func (h *Host) luaCtx(L *lua.LState, api *API) *lua.LTable {
	t := L.NewTable()
	t.RawSetString("set", L.NewFunction(func(L *lua.LState) int {
		key := L.CheckString(1)
		api.SetContext(key, scope.ToGo(L.Get(2)))
		return 0
	}))
	t.RawSetString("get", L.NewFunction(func(L *lua.LState) int {
		key := L.CheckString(1)
		v, ok := api.GetContext(key)
		if !ok {
			L.Push(lua.LNil)
			return 1
		}
		L.Push(scope.ToLua(L, v))
		return 1
	}))
	t.RawSetString("clear", L.NewFunction(func(L *lua.LState) int {
		api.ClearContext(L.CheckString(1))
		return 0
	}))
	t.RawSetString("eval", L.NewFunction(func(L *lua.LState) int {
		L.Push(lua.LBool(api.EvalWhen(L.CheckString(1))))
		return 1
	}))
	return t
}

func (h *Host) luaLog(L *lua.LState, api *API) *lua.LTable {
	t := L.NewTable()
	levels := map[string]func(...any){
		"debug": api.Log().Debug,
		"info":  api.Log().Info,
		"warn":  api.Log().Warn,
		"error": api.Log().Error,
	}
	for name, logFn := range levels {
		logFn := logFn
		t.RawSetString(name, L.NewFunction(func(L *lua.LState) int {
			logFn(L.CheckString(1))
			return 0
		}))
	}
	return t
}

func (h *Host) luaStorage(L *lua.LState, api *API) *lua.LTable {
	t := L.NewTable()
	t.RawSetString("get", L.NewFunction(func(L *lua.LState) int {
		v := api.Storage().Get(L.CheckString(1))
		L.Push(scope.ToLua(L, v))
		return 1
	}))
	t.RawSetString("set", L.NewFunction(func(L *lua.LState) int {
		key := L.CheckString(1)
		if err := api.Storage().Set(key, scope.ToGo(L.Get(2))); err != nil {
			L.RaiseError("storage.set: %v", err)
		}
		return 0
	}))
	t.RawSetString("delete", L.NewFunction(func(L *lua.LState) int {
		if err := api.Storage().Delete(L.CheckString(1)); err != nil {
			L.RaiseError("storage.delete: %v", err)
		}
		return 0
	}))
	return t
}
