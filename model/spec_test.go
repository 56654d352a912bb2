package model

import (
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeDefaults(t *testing.T) {
	spec, err := Normalize([]byte(`{"url":"http://example.com/ok"}`))
	require.NoError(t, err)

	assert.Equal(t, "http://example.com/ok", spec.URL)
	assert.Equal(t, "GET", spec.Method)
	assert.Equal(t, DefaultConnections, spec.Connections)
	assert.Equal(t, DefaultPipelining, spec.Pipelining)
	assert.Equal(t, DefaultDuration, spec.Duration)
	assert.Equal(t, DefaultTimeout, spec.Timeout)
	assert.Zero(t, spec.Amount)
	assert.False(t, spec.TLS)
	assert.False(t, spec.HasBody)
	assert.True(t, spec.RejectUnauthorized)
	assert.Empty(t, spec.Headers)
}

func TestNormalizeInvalid(t *testing.T) {
	tests := map[string]struct {
		raw string
	}{
		"not json":          {raw: `url=http://x`},
		"array":             {raw: `[1,2]`},
		"missing url":       {raw: `{"method":"GET"}`},
		"empty url":         {raw: `{"url":"  "}`},
		"numeric url":       {raw: `{"url":42}`},
		"relative url":      {raw: `{"url":"/just/a/path"}`},
		"unparseable url":   {raw: `{"url":"http://[::1"}`},
		"unsupported scheme": {raw: `{"url":"ftp://example.com"}`},
		"method not string": {raw: `{"url":"http://x","method":7}`},
		"method with space": {raw: `{"url":"http://x","method":"GE T"}`},
	}
	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := Normalize([]byte(test.raw))
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalidSpec), "got %v", err)
		})
	}
}

func TestNormalizeCoercion(t *testing.T) {
	tests := map[string]struct {
		raw   string
		check func(t *testing.T, spec RunSpec)
	}{
		"method uppercased": {
			raw: `{"url":"http://x","method":"post"}`,
			check: func(t *testing.T, spec RunSpec) {
				assert.Equal(t, "POST", spec.Method)
			},
		},
		"numeric strings": {
			raw: `{"url":"http://x","connections":"5","pipelining":"2","duration":"3","timeout":"250"}`,
			check: func(t *testing.T, spec RunSpec) {
				assert.Equal(t, 5, spec.Connections)
				assert.Equal(t, 2, spec.Pipelining)
				assert.Equal(t, 3*time.Second, spec.Duration)
				assert.Equal(t, 250*time.Millisecond, spec.Timeout)
			},
		},
		"garbage numbers fall back": {
			raw: `{"url":"http://x","connections":"lots","pipelining":{},"duration":-4,"timeout":null}`,
			check: func(t *testing.T, spec RunSpec) {
				assert.Equal(t, DefaultConnections, spec.Connections)
				assert.Equal(t, DefaultPipelining, spec.Pipelining)
				assert.Equal(t, DefaultDuration, spec.Duration)
				assert.Equal(t, DefaultTimeout, spec.Timeout)
			},
		},
		"fractional duration": {
			raw: `{"url":"http://x","duration":1.5}`,
			check: func(t *testing.T, spec RunSpec) {
				assert.Equal(t, 1500*time.Millisecond, spec.Duration)
			},
		},
		"amount forces zero duration": {
			raw: `{"url":"http://x","amount":200,"duration":30}`,
			check: func(t *testing.T, spec RunSpec) {
				assert.Equal(t, 200, spec.Amount)
				assert.Zero(t, spec.Duration)
			},
		},
		"falsy amount keeps duration": {
			raw: `{"url":"http://x","amount":0,"duration":4}`,
			check: func(t *testing.T, spec RunSpec) {
				assert.Zero(t, spec.Amount)
				assert.Equal(t, 4*time.Second, spec.Duration)
			},
		},
		"unusable amount keeps duration": {
			raw: `{"url":"http://x","amount":"abc"}`,
			check: func(t *testing.T, spec RunSpec) {
				assert.Zero(t, spec.Amount)
				assert.Equal(t, DefaultDuration, spec.Duration)
			},
		},
		"fractional amount keeps duration": {
			raw: `{"url":"http://x","amount":0.5,"duration":2}`,
			check: func(t *testing.T, spec RunSpec) {
				assert.Zero(t, spec.Amount)
				assert.Equal(t, 2*time.Second, spec.Duration)
			},
		},
		"concurrency is capped": {
			raw: `{"url":"http://x","connections":2147483647,"pipelining":"100000"}`,
			check: func(t *testing.T, spec RunSpec) {
				assert.Equal(t, MaxConnections, spec.Connections)
				assert.Equal(t, MaxPipelining, spec.Pipelining)
			},
		},
		"concurrency at the cap is kept": {
			raw: `{"url":"http://x","connections":1000,"pipelining":10}`,
			check: func(t *testing.T, spec RunSpec) {
				assert.Equal(t, 1000, spec.Connections)
				assert.Equal(t, 10, spec.Pipelining)
			},
		},
		"https enables tls": {
			raw: `{"url":"https://secure.example.com"}`,
			check: func(t *testing.T, spec RunSpec) {
				assert.True(t, spec.TLS)
			},
		},
		"string body": {
			raw: `{"url":"http://x","body":"hello"}`,
			check: func(t *testing.T, spec RunSpec) {
				assert.True(t, spec.HasBody)
				assert.Equal(t, "hello", string(spec.Body))
			},
		},
		"object body kept as json": {
			raw: `{"url":"http://x","body":{"a":1}}`,
			check: func(t *testing.T, spec RunSpec) {
				assert.True(t, spec.HasBody)
				assert.JSONEq(t, `{"a":1}`, string(spec.Body))
			},
		},
		"object body is compacted": {
			raw: `{"url":"http://x","body":{ "a" : [1, 2],
				"b": {"c": "d e"} }}`,
			check: func(t *testing.T, spec RunSpec) {
				assert.Equal(t, `{"a":[1,2],"b":{"c":"d e"}}`, string(spec.Body))
			},
		},
		"json text in a string body is kept": {
			raw: `{"url":"http://x","body":"{\"a\": 1}"}`,
			check: func(t *testing.T, spec RunSpec) {
				assert.Equal(t, `{"a": 1}`, string(spec.Body))
			},
		},
		"null body": {
			raw: `{"url":"http://x","body":null}`,
			check: func(t *testing.T, spec RunSpec) {
				assert.False(t, spec.HasBody)
			},
		},
		"headers fold case": {
			raw: `{"url":"http://x","headers":{"x-trace":"a","X-Trace":"b","Accept":"text/plain","n":3}}`,
			check: func(t *testing.T, spec RunSpec) {
				assert.Equal(t, http.Header{
					"X-Trace": {"b"},
					"Accept":  {"text/plain"},
					"N":       {"3"},
				}, spec.Headers)
			},
		},
		"optional caps": {
			raw: `{"url":"http://x","rate":"20","overallRate":50,"maxConnectionRequests":7,"maxOverallRequests":"x"}`,
			check: func(t *testing.T, spec RunSpec) {
				assert.Equal(t, 20, spec.Rate)
				assert.Equal(t, 50, spec.OverallRate)
				assert.Equal(t, 7, spec.MaxConnectionRequests)
				assert.Zero(t, spec.MaxOverallRequests)
			},
		},
		"flags": {
			raw: `{"url":"http://x","verifyConnection":1,"rejectUnauthorized":false,"warmup":{"duration":2}}`,
			check: func(t *testing.T, spec RunSpec) {
				assert.True(t, spec.VerifyConnection)
				assert.False(t, spec.RejectUnauthorized)
				assert.Equal(t, 2*time.Second, spec.Warmup)
			},
		},
	}
	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			spec, err := Normalize([]byte(test.raw))
			require.NoError(t, err)
			test.check(t, spec)
		})
	}
}

func TestRunSpecLimits(t *testing.T) {
	tests := map[string]struct {
		spec      RunSpec
		wantLimit int
		wantRate  int
	}{
		"duration bounded":      {spec: RunSpec{Connections: 10}, wantLimit: 0, wantRate: 0},
		"amount":                {spec: RunSpec{Connections: 10, Amount: 100}, wantLimit: 100},
		"smallest cap wins":     {spec: RunSpec{Connections: 4, Amount: 100, MaxConnectionRequests: 5}, wantLimit: 20},
		"overall request cap":   {spec: RunSpec{Connections: 4, MaxOverallRequests: 9, Amount: 50}, wantLimit: 9},
		"per connection rate":   {spec: RunSpec{Connections: 4, Rate: 5}, wantRate: 20},
		"overall rate wins":     {spec: RunSpec{Connections: 4, Rate: 5, OverallRate: 7}, wantRate: 7},
	}
	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, test.wantLimit, test.spec.RequestLimit())
			assert.Equal(t, test.wantRate, test.spec.TargetRate())
		})
	}
}
