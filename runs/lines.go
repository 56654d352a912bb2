package runs

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/javking07/toadrunner/engine"
	"github.com/javking07/toadrunner/model"
)

// BodyPreviewLimit caps how much of a request body the start line echoes.
const BodyPreviewLimit = 2000

func startLine(id string, spec model.RunSpec) string {
	body := "(none)"
	if spec.HasBody && len(spec.Body) > 0 {
		body = model.Truncate(string(spec.Body), BodyPreviewLimit)
	}
	rate := "(none)"
	if r := spec.TargetRate(); r > 0 {
		rate = strconv.Itoa(r)
	}
	return fmt.Sprintf("RUN %s START %s %s | qs=%s | body=%s | headers=%s | conn=%d pipe=%d dur=%ss amt=%d rate=%s timeout=%dms",
		id, spec.Method, spec.URL,
		toJSON(queryParams(spec.URL)),
		body,
		toJSON(model.RedactHeaders(spec.Headers)),
		spec.Connections, spec.Pipelining,
		strconv.FormatFloat(spec.Duration.Seconds(), 'f', -1, 64),
		spec.Amount, rate,
		spec.Timeout.Milliseconds(),
	)
}

func tickLine(id string, elapsed time.Duration, sample model.ProgressSample) string {
	reqs, kbs := "-", "-"
	if sample.ReqPerSec != nil {
		reqs = strconv.FormatFloat(*sample.ReqPerSec, 'f', 1, 64)
	}
	if sample.BytesPerSec != nil {
		kbs = strconv.FormatFloat(*sample.BytesPerSec/1024, 'f', 1, 64)
	}
	return fmt.Sprintf("RUN %s TICK t=%.1fs req/s=%s KB/s=%s totalReq=%d totalBytes=%d",
		id, elapsed.Seconds(), reqs, kbs, sample.Counter, sample.Bytes)
}

func doneLine(id string, r *engine.Report) string {
	return fmt.Sprintf("RUN %s DONE avgReq/s=%.2f p50=%.2fms p99=%.2fms 2xx=%d non2xx=%d errors=%d bytes=%d",
		id, r.Requests.Average, r.Latency.P50, r.Latency.P99, r.Status2xx, r.Non2xx, r.Errors, r.Bytes)
}

func errorLine(id, msg string) string {
	return fmt.Sprintf("RUN %s ERROR %s", id, msg)
}

// queryParams flattens the query string; the last value of a key wins.
func queryParams(raw string) map[string]string {
	out := map[string]string{}
	u, err := url.Parse(raw)
	if err != nil {
		return out
	}
	for k, vs := range u.Query() {
		if len(vs) > 0 {
			out[k] = vs[len(vs)-1]
		}
	}
	return out
}

func toJSON(v interface{}) string {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(b)
}
