// Package fetchguard implements the guest-visible Safe Outbound Fetch:
// a concurrency-capped, SSRF-defended HTTP client exposed to the sandbox as
// the `fetch` global.
package fetchguard

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/Potat-Industries/eval-server/internal/adapter/observability"
	"github.com/Potat-Industries/eval-server/internal/domain"
)

const userAgent = "eval-server/1.0 (+https://github.com/Potat-Industries/eval-server)"

// Result is the value returned to guest code by fetch().
type Result struct {
	Body   any `json:"body"`
	Status int `json:"status"`
}

// Options mirrors the guest-supplied fetch options object.
type Options struct {
	Method          string            `json:"method"`
	Headers         map[string]string `json:"headers"`
	Body            string            `json:"body"`
	WithDataHeaders bool              `json:"withDataHeaders"`
}

// dataHeaderHost triggers header-policy item 4 unconditionally, mirroring
// the spec's fixed origin check.
const dataHeaderHost = "https://fun.joet.me"

// Client is the process-wide Safe Outbound Fetch gate: one concurrency
// semaphore shared by every guest evaluation in this process.
type Client struct {
	sem     *semaphore.Weighted
	timeout time.Duration
	maxConc int64
}

// New builds a Client with the given concurrency cap and per-request timeout.
func New(maxConcurrency int, timeout time.Duration) *Client {
	if maxConcurrency <= 0 {
		maxConcurrency = 5
	}
	return &Client{
		sem:     semaphore.NewWeighted(int64(maxConcurrency)),
		timeout: timeout,
		maxConc: int64(maxConcurrency),
	}
}

// Fetch performs a guarded outbound request on behalf of guest code.
func (c *Client) Fetch(ctx context.Context, rawURL string, opts Options, pctx *domain.PotatContext) Result {
	if !c.sem.TryAcquire(1) {
		observability.RecordFetchRejected("concurrency")
		return Result{Status: 429, Body: "Too many requests."}
	}
	observability.FetchConcurrencyInFlight.Inc()
	defer func() {
		c.sem.Release(1)
		observability.FetchConcurrencyInFlight.Dec()
	}()

	if err := checkLiteralAddress(rawURL); err != nil {
		observability.RecordFetchRejected("ssrf")
		return Result{Status: 400, Body: err.Error()}
	}

	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	method := opts.Method
	if method == "" {
		method = http.MethodGet
	}
	var bodyReader io.Reader
	if opts.Body != "" {
		bodyReader = strings.NewReader(opts.Body)
	}

	req, err := http.NewRequestWithContext(reqCtx, method, rawURL, bodyReader)
	if err != nil {
		observability.RecordFetchRejected("build")
		return Result{Status: 400, Body: fmt.Sprintf("Request failed - %s: %s", "TypeError", err.Error())}
	}
	for k, v := range opts.Headers {
		req.Header.Set(k, v)
	}
	req.Header.Set("User-Agent", userAgent)
	if opts.WithDataHeaders || strings.HasPrefix(rawURL, dataHeaderHost) {
		applyDataHeaders(req, pctx)
	}

	client := &http.Client{Transport: c.transport()}
	resp, err := client.Do(req)
	if err != nil {
		if reqCtx.Err() != nil {
			observability.RecordFetchRejected("timeout")
			return Result{Status: 408, Body: "Request timed out."}
		}
		var d *disallowedError
		if errors.As(err, &d) {
			observability.RecordFetchRejected("ssrf")
			return Result{Status: 400, Body: d.Error()}
		}
		observability.RecordFetchRejected("error")
		return Result{Status: 400, Body: fmt.Sprintf("Request failed - %s: %s", errName(err), err.Error())}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		observability.RecordFetchRejected("read")
		return Result{Status: 400, Body: fmt.Sprintf("Request failed - %s: %s", "ReadError", err.Error())}
	}

	var parsed any
	text := string(raw)
	if json.Valid(raw) {
		if err := json.Unmarshal(raw, &parsed); err == nil {
			return Result{Status: resp.StatusCode, Body: parsed}
		}
	}
	return Result{Status: resp.StatusCode, Body: text}
}

// transport intercepts DNS resolution and the dialed connection so that
// every resolved address — not just the literal hostname — is checked
// against the private-address policy.
func (c *Client) transport() *http.Transport {
	dialer := &net.Dialer{
		Timeout: c.timeout,
		Control: func(_, address string, _ syscall.RawConn) error {
			host, _, err := net.SplitHostPort(address)
			if err != nil {
				host = address
			}
			ip := net.ParseIP(host)
			if ip != nil && isDisallowedIP(ip) {
				return &disallowedError{addr: host}
			}
			return nil
		},
	}
	return &http.Transport{
		DialContext: dialer.DialContext,
	}
}

type disallowedError struct{ addr string }

func (e *disallowedError) Error() string {
	return fmt.Sprintf("Access to %s is disallowed", e.addr)
}

// checkLiteralAddress rejects URLs whose hostname is itself a literal
// private/loopback/link-local IPv4 or bracketed IPv6 address, before any DNS
// resolution happens.
func checkLiteralAddress(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("Request failed - URLParseError: %s", err.Error())
	}
	host := u.Hostname()
	ip := net.ParseIP(host)
	if ip != nil && isDisallowedIP(ip) {
		return &disallowedError{addr: host}
	}
	return nil
}

// isDisallowedIP reports whether ip is a private, link-local, loopback, or
// otherwise non-routable address per RFC1918 and its IPv6 equivalents.
func isDisallowedIP(ip net.IP) bool {
	if ip.IsLoopback() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() ||
		ip.IsPrivate() || ip.IsUnspecified() {
		return true
	}
	if ip4 := ip.To4(); ip4 != nil {
		// Carrier-grade NAT (100.64.0.0/10) is also treated as an
		// internal-network range.
		if ip4[0] == 100 && ip4[1] >= 64 && ip4[1] <= 127 {
			return true
		}
	}
	return false
}

// applyDataHeaders attaches x-potat-data[-N] headers carrying URL-encoded
// JSON of the PotatContext and each ancestor, outermost ancestor getting the
// largest numeric suffix.
func applyDataHeaders(req *http.Request, pctx *domain.PotatContext) {
	if pctx == nil {
		return
	}
	chain := []*domain.PotatContext{pctx}
	for cur := pctx.Parent; cur != nil; cur = cur.Parent {
		chain = append(chain, cur)
	}
	n := len(chain)
	for i, c := range chain {
		b, err := json.Marshal(c)
		if err != nil {
			continue
		}
		encoded := url.QueryEscape(string(b))
		name := "x-potat-data"
		if n > 1 {
			suffix := i + 1
			name = "x-potat-data-" + strconv.Itoa(suffix)
		}
		req.Header.Set(name, encoded)
	}
}

func errName(err error) string {
	var d *disallowedError
	if errors.As(err, &d) {
		return "DisallowedError"
	}
	return "FetchError"
}
