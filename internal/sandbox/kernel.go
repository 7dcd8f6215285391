// Package sandbox implements the Sandbox Kernel: per-submission guest
// lifecycle over a goja runtime, including prelude injection, async-form
// detection, timeout/memory enforcement, and result stringification.
package sandbox

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/dop251/goja"

	"github.com/Potat-Industries/eval-server/internal/adapter/observability"
	"github.com/Potat-Industries/eval-server/internal/capability"
	"github.com/Potat-Industries/eval-server/internal/domain"
)

const guestMemoryLimitBytes = 8 << 20 // 8 MiB, per §4.4 regardless of the configured vmMemoryLimit reservation.

// Kernel evaluates one submission at a time inside a fresh guest isolate.
type Kernel struct {
	VMTimeout time.Duration
	MaxOutput int
}

// New builds a Kernel with the given guest wall-clock cap and truncation
// length.
func New(vmTimeout time.Duration, maxOutput int) *Kernel {
	return &Kernel{VMTimeout: vmTimeout, MaxOutput: maxOutput}
}

// Evaluate runs code in a fresh guest isolate and returns the stringified
// result. It never returns an error for guest-side faults — those are
// folded into the returned string per the 🚫-prefixed convention; the error
// return is reserved for kernel-fatal conditions (bridge install failure).
func (k *Kernel) Evaluate(ctx context.Context, code string, msg *domain.Msg, bridge *capability.Bridge) (string, error) {
	rt := goja.New()
	rt.SetFieldNameMapper(goja.TagFieldNameMapper("json", true))
	defer rt.ClearInterrupt()

	func() {
		defer func() { recover() }() //nolint:errcheck // older goja builds without SetMemoryLimit must not panic the kernel.
		rt.SetMemoryLimit(guestMemoryLimitBytes)
	}()

	global := rt.GlobalObject()
	_ = rt.Set("global", global)

	if bridge != nil {
		if err := bridge.Install(ctx, rt); err != nil {
			return "", fmt.Errorf("install capability bridge: %w", err)
		}
	}

	if err := injectPrelude(rt, msg); err != nil {
		return "", fmt.Errorf("inject prelude: %w", err)
	}

	wrapped, _ := wrapCode(code)

	deadline := k.VMTimeout + time.Second
	timer := time.AfterFunc(deadline, func() {
		rt.Interrupt("execution timed out")
	})
	defer timer.Stop()

	start := time.Now()
	result, runErr := k.run(rt, wrapped)
	timedOut := isInterrupted(runErr)
	observability.RecordSandboxEval(time.Since(start), timedOut)

	if runErr != nil {
		return truncate(formatGuestError(runErr), k.MaxOutput), nil
	}
	return truncate(result, k.MaxOutput), nil
}

// run evaluates wrapped code and unwraps the result down to its final
// string. Both branches can complete with a thenable still outstanding: the
// async-form wrapper chains through the prelude's toString, whose thenable
// arm (`v.then(toString)`) resolves to the real answer on goja's job queue
// rather than returning it inline, and the plain eval() branch hits the same
// case whenever the guest's last expression is itself a promise (a bare
// `fetch(url)` with no return/await). resolvePromise does the unwrap either
// way instead of stringifying the Promise object itself.
func (k *Kernel) run(rt *goja.Runtime, wrapped string) (string, error) {
	v, err := rt.RunString(wrapped)
	if err != nil {
		return "", err
	}
	return resolvePromise(rt, v)
}

// resolvePromise drains rt's job queue until v, if it is a promise, settles,
// then returns its fulfilled value's string form or a rejectionError
// carrying the rejection reason. goja runs queued reactions as part of each
// RunProgram/RunString call, so a promise returned from top-level code has
// usually already settled by the time the caller sees it — but that must be
// confirmed rather than assumed, since a reaction chained deeper than the
// host calls this kernel makes synchronously (store/fetch/command all
// resolve before returning) could in principle still be outstanding.
func resolvePromise(rt *goja.Runtime, v goja.Value) (string, error) {
	promise, ok := v.Export().(*goja.Promise)
	if !ok {
		return v.String(), nil
	}

	for promise.State() == goja.PromiseStatePending {
		if _, err := rt.RunString(""); err != nil {
			return "", err
		}
	}

	result := promise.Result()
	if promise.State() == goja.PromiseStateRejected {
		return "", rejectionError{reason: result}
	}
	return resolvePromise(rt, result)
}

// rejectionError carries a rejected guest promise's reason so
// formatGuestError can render it the same way as a thrown exception.
type rejectionError struct{ reason goja.Value }

func (e rejectionError) Error() string { return e.reason.String() }

// wrapCode implements the §4.4 step-6 async-form detector: a naive substring
// check for "return" or "await", preserved bit-exact including its false
// positives on identifiers like returnValue/awaited.
func wrapCode(code string) (string, bool) {
	if strings.Contains(code, "return") || strings.Contains(code, "await") {
		wrapped := fmt.Sprintf("toString((async function evaluate(){ %s })())", code)
		return wrapped, true
	}
	escaped := escapeForEval(code)
	wrapped := fmt.Sprintf("toString(eval(\"%s\"))", escaped)
	return wrapped, false
}

func escapeForEval(code string) string {
	r := strings.NewReplacer(`\`, `\\`, `"`, `\"`, `'`, `\'`)
	return r.Replace(code)
}

const preludeScript = `
function toString(v) {
  if (typeof v === "string") return v;
  if (v instanceof Error) return v.name + ": " + v.message;
  if (v && typeof v.then === "function") {
    return v.then(toString);
  }
  if (Array.isArray(v)) return v.map(toString).join(",");
  if (v === undefined) return "undefined";
  if (v === null) return "null";
  try {
    return JSON.stringify(v);
  } catch (e) {
    return String(v);
  }
}
`

// injectPrelude defines the toString stringifier and a guest-side msg
// constant parsed from an embedded JSON copy of msg.
func injectPrelude(rt *goja.Runtime, msg *domain.Msg) error {
	if _, err := rt.RunString(preludeScript); err != nil {
		return err
	}
	encoded, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	script := fmt.Sprintf("const msg = %s;", string(encoded))
	_, err = rt.RunString(script)
	return err
}

func isInterrupted(err error) bool {
	if err == nil {
		return false
	}
	_, ok := err.(*goja.InterruptedError)
	return ok
}

// formatGuestError renders a guest-side failure as the canonical
// "🚫 <ErrorName>: <message>" string.
func formatGuestError(err error) string {
	if exc, ok := err.(*goja.Exception); ok {
		return formatGuestValue(exc.Value())
	}
	if rej, ok := err.(rejectionError); ok {
		return formatGuestValue(rej.reason)
	}
	if isInterrupted(err) {
		return "🚫 TimeoutError: execution timed out"
	}
	return fmt.Sprintf("🚫 Error: %s", err.Error())
}

// formatGuestValue renders a thrown or rejected guest value as the canonical
// "🚫 <ErrorName>: <message>" string.
func formatGuestValue(val goja.Value) string {
	if obj, ok := val.(*goja.Object); ok {
		// Get walks the prototype chain, so an Error's inherited name and its
		// non-enumerable message are both found.
		if name := obj.Get("name"); name != nil && !goja.IsUndefined(name) && name.String() != "" {
			message := ""
			if m := obj.Get("message"); m != nil && !goja.IsUndefined(m) {
				message = m.String()
			}
			return fmt.Sprintf("🚫 %s: %s", name.String(), message)
		}
	}
	return fmt.Sprintf("🚫 Error: %s", val.String())
}

// truncate cuts s to at most n characters. A multi-byte rune at the cut
// boundary may be split, matching the spec's documented behaviour.
func truncate(s string, n int) string {
	if n <= 0 || len(s) <= n {
		return s
	}
	return s[:n]
}
