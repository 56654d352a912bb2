package model

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

// Defaults applied by Normalize when a field is missing or unusable.
const (
	DefaultMethod      = http.MethodGet
	DefaultConnections = 10
	DefaultPipelining  = 1
	DefaultDuration    = 10 * time.Second
	DefaultTimeout     = 10000 * time.Millisecond
)

// Upper bounds for the concurrency fields. Connections times pipelining
// is the number of in-flight workers an engine starts.
const (
	MaxConnections = 1000
	MaxPipelining  = 10
)

// RunSpec is a normalized load-test job. Exactly one of Duration and Amount
// bounds the run: when Amount is set Duration is zero.
type RunSpec struct {
	URL         string
	Method      string
	Headers     http.Header
	Body        []byte
	HasBody     bool
	Connections int
	Pipelining  int
	Duration    time.Duration
	Amount      int
	Timeout     time.Duration

	// Rate is a per-connection requests/sec cap, OverallRate caps the whole run.
	Rate                  int
	OverallRate           int
	MaxConnectionRequests int
	MaxOverallRequests    int

	TLS                bool
	VerifyConnection   bool
	Warmup             time.Duration
	RejectUnauthorized bool
}

// Normalize validates and coerces a raw JSON run request into a RunSpec.
// Only the url and method are structural; any other field that cannot be
// read as a usable number falls back to its default.
func Normalize(raw []byte) (RunSpec, error) {
	if !gjson.ValidBytes(raw) {
		return RunSpec{}, fmt.Errorf("%w: body must be a JSON object", ErrInvalidSpec)
	}
	root := gjson.ParseBytes(raw)
	if !root.IsObject() {
		return RunSpec{}, fmt.Errorf("%w: body must be a JSON object", ErrInvalidSpec)
	}

	target, err := parseTarget(root.Get("url"))
	if err != nil {
		return RunSpec{}, err
	}
	method, err := parseMethod(root.Get("method"))
	if err != nil {
		return RunSpec{}, err
	}

	spec := RunSpec{
		URL:                target.String(),
		Method:             method,
		Headers:            parseHeaders(root.Get("headers")),
		Connections:        atMost(intOr(root.Get("connections"), DefaultConnections), MaxConnections),
		Pipelining:         atMost(intOr(root.Get("pipelining"), DefaultPipelining), MaxPipelining),
		Duration:           secondsOr(root.Get("duration"), DefaultDuration),
		Timeout:            millisOr(root.Get("timeout"), DefaultTimeout),
		Rate:               intOr(root.Get("rate"), 0),
		OverallRate:        intOr(root.Get("overallRate"), 0),
		TLS:                strings.EqualFold(target.Scheme, "https"),
		VerifyConnection:   truthy(root.Get("verifyConnection")),
		RejectUnauthorized: true,
	}
	spec.MaxConnectionRequests = intOr(root.Get("maxConnectionRequests"), 0)
	spec.MaxOverallRequests = intOr(root.Get("maxOverallRequests"), 0)

	if body := root.Get("body"); body.Exists() && body.Type != gjson.Null {
		spec.HasBody = true
		if body.Type == gjson.String {
			spec.Body = []byte(body.Str)
		} else {
			spec.Body = compactJSON(body.Raw)
		}
	}

	// A truthy amount that is not a positive integer leaves the run bounded
	// by duration; with neither it would never stop.
	if amount := root.Get("amount"); truthy(amount) {
		if n := intOr(amount, 0); n > 0 {
			spec.Amount = n
			spec.Duration = 0
		}
	}

	if warmup := root.Get("warmup"); warmup.IsObject() {
		spec.Warmup = secondsOr(warmup.Get("duration"), 0)
	}

	if reject := root.Get("rejectUnauthorized"); reject.Exists() {
		spec.RejectUnauthorized = truthy(reject)
	}

	return spec, nil
}

// RequestLimit is the total number of requests the run may issue, or zero
// when the run is bounded only by its duration.
func (s RunSpec) RequestLimit() int {
	limit := 0
	consider := func(n int) {
		if n > 0 && (limit == 0 || n < limit) {
			limit = n
		}
	}
	consider(s.Amount)
	consider(s.MaxOverallRequests)
	consider(s.MaxConnectionRequests * s.Connections)
	return limit
}

// TargetRate is the overall requests/sec cap, or zero when the run sets none.
func (s RunSpec) TargetRate() int {
	if s.OverallRate > 0 {
		return s.OverallRate
	}
	if s.Rate > 0 {
		return s.Rate * s.Connections
	}
	return 0
}

func parseTarget(res gjson.Result) (*url.URL, error) {
	if res.Type != gjson.String || strings.TrimSpace(res.Str) == "" {
		return nil, fmt.Errorf("%w: url is required", ErrInvalidSpec)
	}
	u, err := url.Parse(strings.TrimSpace(res.Str))
	if err != nil {
		return nil, fmt.Errorf("%w: url: %v", ErrInvalidSpec, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("%w: url must be an absolute http(s) URL", ErrInvalidSpec)
	}
	return u, nil
}

func parseMethod(res gjson.Result) (string, error) {
	if !res.Exists() || res.Type == gjson.Null {
		return DefaultMethod, nil
	}
	if res.Type != gjson.String {
		return "", fmt.Errorf("%w: method must be a string", ErrInvalidSpec)
	}
	method := strings.ToUpper(strings.TrimSpace(res.Str))
	if method == "" {
		return DefaultMethod, nil
	}
	for _, r := range method {
		if !isTokenChar(r) {
			return "", fmt.Errorf("%w: invalid method %q", ErrInvalidSpec, res.Str)
		}
	}
	return method, nil
}

// isTokenChar reports whether r may appear in an HTTP method token.
func isTokenChar(r rune) bool {
	if r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' {
		return true
	}
	return strings.ContainsRune("!#$%&'*+-.^_`|~", r)
}

// parseHeaders folds header names case-insensitively; a later duplicate wins.
func parseHeaders(res gjson.Result) http.Header {
	headers := http.Header{}
	if !res.IsObject() {
		return headers
	}
	res.ForEach(func(key, value gjson.Result) bool {
		name := strings.TrimSpace(key.String())
		if name == "" {
			return true
		}
		switch value.Type {
		case gjson.String:
			headers.Set(name, value.Str)
		case gjson.Null:
			headers.Set(name, "")
		default:
			headers.Set(name, value.Raw)
		}
		return true
	})
	return headers
}

// number reads res the way a loosely typed client means it: numeric
// strings and booleans count, anything else is NaN.
func number(res gjson.Result) float64 {
	switch res.Type {
	case gjson.Number:
		return res.Num
	case gjson.String:
		s := strings.TrimSpace(res.Str)
		if s == "" {
			return 0
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return math.NaN()
		}
		return f
	case gjson.True:
		return 1
	case gjson.False, gjson.Null:
		return 0
	default:
		return math.NaN()
	}
}

func positive(res gjson.Result) (float64, bool) {
	if !res.Exists() {
		return 0, false
	}
	f := number(res)
	if math.IsNaN(f) || math.IsInf(f, 0) || f <= 0 {
		return 0, false
	}
	return f, true
}

func intOr(res gjson.Result, def int) int {
	f, ok := positive(res)
	if !ok || f > math.MaxInt32 {
		return def
	}
	if n := int(f); n > 0 {
		return n
	}
	return def
}

// compactJSON drops the insignificant whitespace of a JSON body, so the
// request and its log preview carry it on one line.
func compactJSON(raw string) []byte {
	var buf bytes.Buffer
	if err := json.Compact(&buf, []byte(raw)); err != nil {
		return []byte(raw)
	}
	return buf.Bytes()
}

func atMost(n, max int) int {
	if n > max {
		return max
	}
	return n
}

func secondsOr(res gjson.Result, def time.Duration) time.Duration {
	f, ok := positive(res)
	if !ok || f > math.MaxInt32 {
		return def
	}
	return time.Duration(f * float64(time.Second))
}

func millisOr(res gjson.Result, def time.Duration) time.Duration {
	f, ok := positive(res)
	if !ok || f > math.MaxInt32 {
		return def
	}
	return time.Duration(f * float64(time.Millisecond))
}

func truthy(res gjson.Result) bool {
	switch res.Type {
	case gjson.True, gjson.JSON:
		return true
	case gjson.Number:
		return res.Num != 0 && !math.IsNaN(res.Num)
	case gjson.String:
		return res.Str != ""
	default:
		return false
	}
}
