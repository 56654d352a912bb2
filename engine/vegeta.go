package engine

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/url"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	vegeta "github.com/tsenart/vegeta/lib"

	"github.com/javking07/toadrunner/conf"
	"github.com/javking07/toadrunner/model"
)

// Vegeta runs jobs with the vegeta attacker. Pipelining has no direct
// equivalent there, so it becomes extra in-flight workers per connection.
type Vegeta struct {
	TickInterval time.Duration
	DefaultRate  int
	Logger       zerolog.Logger
}

// NewVegeta builds the engine from config.
func NewVegeta(config *conf.EngineConfig, logger zerolog.Logger) *Vegeta {
	return &Vegeta{
		TickInterval: config.TickInterval,
		DefaultRate:  config.DefaultRate,
		Logger:       logger,
	}
}

// Start checks the job can be turned into a request and attacks in the
// background.
func (v *Vegeta) Start(ctx context.Context, job Job, sink Sink) error {
	target := vegeta.Target{
		Method: job.Spec.Method,
		URL:    job.Spec.URL,
		Header: job.Spec.Headers.Clone(),
	}
	if job.Spec.HasBody {
		target.Body = job.Spec.Body
	}
	if _, err := target.Request(); err != nil {
		return fmt.Errorf("building request: %w", err)
	}

	go v.run(ctx, job, vegeta.NewStaticTargeter(target), sink)
	return nil
}

func (v *Vegeta) run(ctx context.Context, job Job, targeter vegeta.Targeter, sink Sink) {
	defer func() {
		if p := recover(); p != nil {
			sink.Fail(fmt.Errorf("engine panic: %v", p))
		}
	}()

	spec := job.Spec
	logger := v.Logger.With().Str("run", job.ID).Logger()

	if spec.VerifyConnection {
		if err := verifyConnection(ctx, spec); err != nil {
			sink.Fail(err)
			return
		}
	}

	pacer := v.pacer(spec)
	if spec.Warmup > 0 {
		logger.Debug().Dur("warmup", spec.Warmup).Msg("warming up")
		warm := vegeta.NewAttacker(v.options(spec)...)
		if !drain(ctx, warm, warm.Attack(targeter, pacer, spec.Warmup, job.ID+"-warmup")) {
			sink.Fail(fmt.Errorf("run aborted: %v", ctx.Err()))
			return
		}
	}

	logger.Debug().
		Int("rate", pacer.Freq).
		Dur("duration", spec.Duration).
		Int("limit", spec.RequestLimit()).
		Msg("attack started")

	attacker := vegeta.NewAttacker(v.options(spec)...)
	rec := newRecorder(time.Now())
	limit := uint64(spec.RequestLimit())
	results := attacker.Attack(limitTargets(targeter, limit), pacer, spec.Duration, job.ID)

	ticker := time.NewTicker(v.TickInterval)
	defer ticker.Stop()

	stopped := false
	stop := func() {
		if !stopped {
			stopped = true
			attacker.Stop()
		}
	}
	done := ctx.Done()
	aborted := false

loop:
	for {
		select {
		case res, ok := <-results:
			if !ok {
				break loop
			}
			if res.Error == vegeta.ErrNoTargets.Error() {
				// a worker asked past the cap; nothing was sent
				continue
			}
			if limit > 0 && rec.requests >= limit {
				// in flight when the cap was reached
				continue
			}
			rec.add(res)
			if limit > 0 && rec.requests >= limit {
				stop()
			}
		case t := <-ticker.C:
			sink.Tick(Tick{Time: t, Requests: rec.requests, Bytes: rec.bytes})
		case <-done:
			done = nil
			aborted = true
			stop()
		}
	}

	if aborted {
		sink.Fail(fmt.Errorf("run aborted: %v", ctx.Err()))
		return
	}
	sink.Done(rec.report(job, time.Now()))
}

// limitTargets hands out at most limit targets. The attacker stops itself
// on the first ErrNoTargets, so bounded runs never send more than limit
// requests. A zero limit leaves tr as is.
func limitTargets(tr vegeta.Targeter, limit uint64) vegeta.Targeter {
	if limit == 0 {
		return tr
	}
	var issued uint64
	return func(tgt *vegeta.Target) error {
		if atomic.AddUint64(&issued, 1) > limit {
			return vegeta.ErrNoTargets
		}
		return tr(tgt)
	}
}

func (v *Vegeta) pacer(spec model.RunSpec) vegeta.Rate {
	freq := spec.TargetRate()
	if freq <= 0 {
		freq = v.DefaultRate * spec.Connections
	}
	return vegeta.Rate{Freq: freq, Per: time.Second}
}

func (v *Vegeta) options(spec model.RunSpec) []func(*vegeta.Attacker) {
	return []func(*vegeta.Attacker){
		vegeta.Timeout(spec.Timeout),
		vegeta.Connections(spec.Connections),
		vegeta.Workers(uint64(spec.Connections * spec.Pipelining)),
		vegeta.KeepAlive(true),
		vegeta.Redirects(vegeta.NoFollow),
		vegeta.TLSConfig(&tls.Config{InsecureSkipVerify: !spec.RejectUnauthorized}), //nolint:gosec
	}
}

// drain consumes results until the attack ends. It reports false if ctx
// ended first.
func drain(ctx context.Context, attacker *vegeta.Attacker, results <-chan *vegeta.Result) bool {
	for {
		select {
		case _, ok := <-results:
			if !ok {
				return ctx.Err() == nil
			}
		case <-ctx.Done():
			attacker.Stop()
			for range results {
			}
			return false
		}
	}
}

// verifyConnection makes sure the target accepts TCP connections before
// any load is sent.
func verifyConnection(ctx context.Context, spec model.RunSpec) error {
	u, err := url.Parse(spec.URL)
	if err != nil {
		return fmt.Errorf("verify connection: %w", err)
	}
	port := u.Port()
	if port == "" {
		port = "80"
		if u.Scheme == "https" {
			port = "443"
		}
	}
	dialer := net.Dialer{Timeout: spec.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", net.JoinHostPort(u.Hostname(), port))
	if err != nil {
		return fmt.Errorf("verify connection: %w", err)
	}
	return conn.Close()
}
