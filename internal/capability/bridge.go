// Package capability installs the Capability Bridge onto a guest runtime:
// the store/fetch/command/utility globals described by the sandbox kernel's
// bootstrap sequence.
package capability

import (
	"context"
	"fmt"
	"strings"

	"github.com/dop251/goja"

	"github.com/Potat-Industries/eval-server/internal/adapter/observability"
	"github.com/Potat-Industries/eval-server/internal/domain"
	"github.com/Potat-Industries/eval-server/internal/fetchguard"
	"github.com/Potat-Industries/eval-server/internal/kvstore"
)

// Commander lets the Capability Bridge ask a connected socket client to run
// one of its named commands and wait for the reply, per the Reverse-Call
// Router contract.
type Commander interface {
	Command(ctx context.Context, name string, argsJoined string, msg *domain.Msg) (map[string]any, error)
}

// Bridge wires a submission's Msg/PotatContext to the host capabilities
// exposed on a freshly-created guest runtime.
type Bridge struct {
	Store     kvstore.Store
	Fetch     *fetchguard.Client
	Commander Commander
	Msg       *domain.Msg
	PotatCtx  *domain.PotatContext
}

// Install defines store, fetch, command, permissions, and the utility
// globals on rt, and freezes store/fetch/permissions against reassignment.
func (b *Bridge) Install(ctx context.Context, rt *goja.Runtime) error {
	storeObj := b.buildStoreObject(ctx, rt)
	if err := rt.Set("store", storeObj); err != nil {
		return fmt.Errorf("install store: %w", err)
	}

	permissions := rt.NewObject()
	_ = permissions.Set("USER", int(domain.ScopeUser))
	_ = permissions.Set("COMMAND", int(domain.ScopeCommand))
	_ = permissions.Set("CHANNEL", int(domain.ScopeChannel))
	if err := rt.Set("permissions", permissions); err != nil {
		return fmt.Errorf("install permissions: %w", err)
	}

	if err := rt.Set("fetch", b.buildFetchFunc(ctx, rt)); err != nil {
		return fmt.Errorf("install fetch: %w", err)
	}

	if b.Commander != nil {
		if err := rt.Set("command", b.buildCommandFunc(ctx, rt)); err != nil {
			return fmt.Errorf("install command: %w", err)
		}
	}

	global := rt.GlobalObject()
	_ = global.Set("s", storeObj)
	_ = global.Set("p", permissions)

	if err := rt.Set("randomString", randomString); err != nil {
		return err
	}
	if err := rt.Set("randomInt", randomInt); err != nil {
		return err
	}
	if err := rt.Set("shuffleArray", shuffleArray); err != nil {
		return err
	}
	if err := rt.Set("shuffleString", shuffleString); err != nil {
		return err
	}
	if err := rt.Set("splitArray", splitArray); err != nil {
		return err
	}
	if err := rt.Set("randomSlice", randomSlice); err != nil {
		return err
	}
	if err := rt.Set("atob", atob); err != nil {
		return err
	}
	if err := rt.Set("btoa", btoa); err != nil {
		return err
	}
	if err := rt.Set("humanizeDuration", humanizeDuration); err != nil {
		return err
	}

	processObj := rt.NewObject()
	_ = processObj.Set("exit", func(goja.FunctionCall) goja.Value {
		panic(rt.NewTypeError("process.exit is disabled in the sandbox"))
	})
	if err := rt.Set("process", processObj); err != nil {
		return err
	}

	freeze(rt, "store")
	freeze(rt, "fetch")
	freeze(rt, "permissions")

	return nil
}

// freeze marks a previously-set global non-writable and non-configurable so
// guest code cannot reassign it.
func freeze(rt *goja.Runtime, name string) {
	global := rt.GlobalObject()
	v := global.Get(name)
	if v == nil {
		return
	}
	_ = global.DefineDataProperty(name, v, goja.FLAG_FALSE, goja.FLAG_FALSE, goja.FLAG_TRUE)
}

// flagFromArg coerces a guest-supplied flag argument to ScopeFlags, defaulting
// to 0 (meaning "no recognised bits set") for absent or non-numeric values.
func flagFromArg(v goja.Value) domain.ScopeFlags {
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return 0
	}
	n := v.ToInteger()
	return domain.ScopeFlags(n)
}

func (b *Bridge) buildStoreObject(ctx context.Context, rt *goja.Runtime) *goja.Object {
	obj := rt.NewObject()

	get := func(call goja.FunctionCall) goja.Value {
		key := call.Argument(0).String()
		flags := flagFromArg(call.Argument(1))
		promise, resolve, reject := rt.NewPromise()
		val, ok, err := b.Store.Get(ctx, b.Msg, key, flags)
		observability.RecordKVOp("get", outcome(err))
		if err != nil {
			reject(err.Error())
		} else if !ok {
			resolve(goja.Null())
		} else {
			resolve(val)
		}
		return rt.ToValue(promise)
	}

	set := func(call goja.FunctionCall) goja.Value {
		key := call.Argument(0).String()
		raw := call.Argument(1).Export()
		flags := flagFromArg(call.Argument(2))
		ex := int(call.Argument(3).ToInteger())
		promise, resolve, reject := rt.NewPromise()
		encoded, err := kvstore.Encode(raw)
		if err == nil {
			err = b.Store.Set(ctx, b.Msg, key, encoded, flags, ex)
		}
		observability.RecordKVOp("set", outcome(err))
		if err != nil {
			reject(err.Error())
		} else {
			resolve(goja.Undefined())
		}
		return rt.ToValue(promise)
	}

	del := func(call goja.FunctionCall) goja.Value {
		key := call.Argument(0).String()
		flags := flagFromArg(call.Argument(1))
		promise, resolve, reject := rt.NewPromise()
		err := b.Store.Del(ctx, b.Msg, key, flags)
		observability.RecordKVOp("del", outcome(err))
		if err != nil {
			reject(err.Error())
		} else {
			resolve(goja.Undefined())
		}
		return rt.ToValue(promise)
	}

	length := func(call goja.FunctionCall) goja.Value {
		flags := flagFromArg(call.Argument(0))
		promise, resolve, reject := rt.NewPromise()
		n, err := b.Store.Len(ctx, b.Msg, flags)
		observability.RecordKVOp("len", outcome(err))
		if err != nil {
			reject(err.Error())
		} else {
			resolve(n)
		}
		return rt.ToValue(promise)
	}

	ex := func(call goja.FunctionCall) goja.Value {
		key := call.Argument(0).String()
		seconds := int(call.Argument(1).ToInteger())
		flags := flagFromArg(call.Argument(2))
		promise, resolve, reject := rt.NewPromise()
		err := b.Store.Ex(ctx, b.Msg, key, seconds, flags)
		observability.RecordKVOp("ex", outcome(err))
		if err != nil {
			reject(err.Error())
		} else {
			resolve(goja.Undefined())
		}
		return rt.ToValue(promise)
	}

	_ = obj.Set("get", get)
	_ = obj.Set("set", set)
	_ = obj.Set("del", del)
	_ = obj.Set("len", length)
	_ = obj.Set("ex", ex)
	_ = obj.Set("g", get)
	_ = obj.Set("s", set)
	_ = obj.Set("d", del)
	_ = obj.Set("l", length)
	return obj
}

func (b *Bridge) buildFetchFunc(ctx context.Context, rt *goja.Runtime) func(goja.FunctionCall) goja.Value {
	return func(call goja.FunctionCall) goja.Value {
		rawURL := call.Argument(0).String()
		var opts fetchguard.Options
		if len(call.Arguments) > 1 && !goja.IsUndefined(call.Argument(1)) {
			if err := rt.ExportTo(call.Argument(1), &opts); err != nil {
				opts = fetchguard.Options{}
			}
		}
		promise, resolve, _ := rt.NewPromise()
		res := b.Fetch.Fetch(ctx, rawURL, opts, b.PotatCtx)
		resolve(rt.ToValue(res))
		return rt.ToValue(promise)
	}
}

func (b *Bridge) buildCommandFunc(ctx context.Context, rt *goja.Runtime) func(goja.FunctionCall) goja.Value {
	return func(call goja.FunctionCall) goja.Value {
		if len(call.Arguments) == 0 {
			panic(rt.NewTypeError("command requires a name"))
		}
		name := call.Argument(0).String()
		args := make([]string, 0, len(call.Arguments)-1)
		for _, a := range call.Arguments[1:] {
			if _, ok := a.Export().(string); !ok {
				panic(rt.NewTypeError("command arguments must be strings"))
			}
			args = append(args, a.String())
		}
		promise, resolve, reject := rt.NewPromise()
		result, err := b.Commander.Command(ctx, name, strings.Join(args, " "), b.Msg)
		observability.RecordReverseCall(outcome(err))
		if err != nil {
			reject(err.Error())
		} else {
			resolve(rt.ToValue(result))
		}
		return rt.ToValue(promise)
	}
}

func outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
