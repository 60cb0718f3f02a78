// Package pool implements the Analyzer Pool: the load-balanced, circuit
// broken, cross-endpoint-retrying front the Task Executor talks to instead
// of any individual replica. One Pool instance exists per analysis kind.
package pool

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/forgebench/anacore/pkg/retry"
	"github.com/forgebench/anacore/pkg/taskerr"
	"github.com/forgebench/anacore/pkg/telemetry"
)

// SelectionPolicy names how the pool chooses among healthy endpoints.
type SelectionPolicy string

const (
	// LeastLoaded selects the endpoint with the fewest active requests,
	// breaking ties by shortest recent average latency, then randomly.
	LeastLoaded SelectionPolicy = "least_loaded"
	RoundRobin  SelectionPolicy = "round_robin"
	Random      SelectionPolicy = "random"
)

// Request is one unit of work the pool dispatches to a replica endpoint.
type Request struct {
	RequestID string
	TaskID    string
	AppKey    string
	SourcePath string
	ToolNames []string
	Config     map[string]any
	Timeout    time.Duration
}

// Result is the terminal outcome of a dispatched request.
type Result struct {
	Tools   map[string]any
	Summary map[string]any
}

// Transport issues a single request/response exchange against one replica
// endpoint and blocks until the terminal frame arrives or ctx is done. The
// Analyzer Replica Worker's bidirectional framed channel (pkg/replica)
// implements this on the wire; tests substitute a fake.
type Transport interface {
	Dispatch(ctx context.Context, endpoint string, req Request) (Result, error)
}

// EndpointConfig describes one replica endpoint at construction time.
type EndpointConfig struct {
	Address string
}

// Config configures a Pool.
type Config struct {
	Kind                 string
	Endpoints            []EndpointConfig
	Selection            SelectionPolicy
	FailureThreshold     uint32
	CooldownDuration     time.Duration
	MaxCrossEndpointRetries int
	Logger               telemetry.Logger
	Metrics              telemetry.Metrics
}

// Stats is the observability surface exposed per endpoint and in aggregate.
type Stats struct {
	Address           string
	Healthy           bool
	ActiveRequests    int
	AverageLatencyMS  float64
	ConsecutiveFails  uint32
	CooldownEndsAt    *time.Time
}

type endpoint struct {
	address string
	breaker *gobreaker.TwoStepCircuitBreaker[any]

	mu             sync.Mutex
	active         int
	latencySamples []time.Duration
}

// Pool is a thread-safe collection of replica endpoints for one analysis
// kind, load-balanced and circuit-broken per endpoint.
type Pool struct {
	cfg       Config
	transport Transport
	logger    telemetry.Logger
	metrics   telemetry.Metrics

	endpoints []*endpoint

	mu          sync.Mutex
	roundRobinN int
}

// ErrNoHealthyEndpoint indicates every endpoint of this pool's kind is
// currently in cooldown or otherwise unavailable, the pre-flight signal the
// Task Executor watches for.
var ErrNoHealthyEndpoint = taskerr.New(taskerr.Preflight, "no healthy endpoint available")

// New constructs a Pool. Each endpoint gets its own TwoStepCircuitBreaker
// tuned from cfg.FailureThreshold/CooldownDuration, implementing the health
// model's consecutive-failure-counter-then-cooldown-then-single-probe
// semantics: ReadyToTrip fires once ConsecutiveFailures reaches the
// threshold, Timeout is the cooldown duration, and MaxRequests=1 limits the
// half-open state to exactly one probe.
func New(cfg Config, transport Transport) *Pool {
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = 3
	}
	if cfg.CooldownDuration == 0 {
		cfg.CooldownDuration = 5 * time.Minute
	}
	if cfg.MaxCrossEndpointRetries == 0 {
		cfg.MaxCrossEndpointRetries = 2
	}
	if cfg.Selection == "" {
		cfg.Selection = LeastLoaded
	}
	logger := cfg.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = telemetry.NewNoopMetrics()
	}

	p := &Pool{cfg: cfg, transport: transport, logger: logger, metrics: metrics}
	for _, ec := range cfg.Endpoints {
		ec := ec
		settings := gobreaker.Settings{
			Name:        fmt.Sprintf("%s:%s", cfg.Kind, ec.Address),
			MaxRequests: 1,
			Interval:    0,
			Timeout:     cfg.CooldownDuration,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= cfg.FailureThreshold
			},
			OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
				logger.Warn(context.Background(), "analyzer endpoint circuit state changed",
					"endpoint", name, "from", from.String(), "to", to.String())
			},
		}
		p.endpoints = append(p.endpoints, &endpoint{
			address: ec.Address,
			breaker: gobreaker.NewTwoStepCircuitBreaker[any](settings),
		})
	}
	return p
}

// Dispatch routes req to a healthy endpoint, retrying on transient failure
// against an alternative endpoint up to cfg.MaxCrossEndpointRetries times.
// Non-transient errors (validation, explicit tool failure) are returned
// immediately without retry, per the pool's retry contract.
func (p *Pool) Dispatch(ctx context.Context, req Request) (Result, error) {
	var lastErr error
	tried := make(map[string]bool)

	attempts := p.cfg.MaxCrossEndpointRetries + 1
	for i := 0; i < attempts; i++ {
		ep := p.selectEndpoint(tried)
		if ep == nil {
			if lastErr != nil {
				return Result{}, lastErr
			}
			return Result{}, ErrNoHealthyEndpoint
		}
		tried[ep.address] = true

		res, err := p.dispatchToEndpoint(ctx, ep, req)
		if err == nil {
			return res, nil
		}
		lastErr = err
		if !retry.IsRetryable(err) {
			return Result{}, err
		}
	}
	return Result{}, lastErr
}

func (p *Pool) dispatchToEndpoint(ctx context.Context, ep *endpoint, req Request) (Result, error) {
	done, err := ep.breaker.Allow()
	if err != nil {
		// The breaker is open (cooldown) or the half-open probe slot is
		// taken; fail fast without attempting the connection, per the
		// pool's "must fail fast" health-model contract.
		return Result{}, taskerr.Wrap(taskerr.Preflight, fmt.Sprintf("endpoint %s in cooldown", ep.address), err)
	}

	ep.mu.Lock()
	ep.active++
	ep.mu.Unlock()
	start := time.Now()

	res, dispatchErr := p.transport.Dispatch(ctx, ep.address, req)

	elapsed := time.Since(start)
	ep.mu.Lock()
	ep.active--
	ep.latencySamples = append(ep.latencySamples, elapsed)
	if len(ep.latencySamples) > 20 {
		ep.latencySamples = ep.latencySamples[len(ep.latencySamples)-20:]
	}
	ep.mu.Unlock()

	success := dispatchErr == nil || !retry.IsRetryable(dispatchErr)
	done(success)

	if dispatchErr != nil {
		return Result{}, dispatchErr
	}
	p.metrics.RecordTimer("pool.dispatch.latency", elapsed, "kind", p.cfg.Kind, "endpoint", ep.address)
	return res, nil
}

func (p *Pool) selectEndpoint(exclude map[string]bool) *endpoint {
	var candidates []*endpoint
	for _, ep := range p.endpoints {
		if exclude[ep.address] {
			continue
		}
		if ep.breaker.State() == gobreaker.StateOpen {
			continue
		}
		candidates = append(candidates, ep)
	}
	if len(candidates) == 0 {
		return nil
	}

	switch p.cfg.Selection {
	case RoundRobin:
		p.mu.Lock()
		idx := p.roundRobinN % len(candidates)
		p.roundRobinN++
		p.mu.Unlock()
		return candidates[idx]
	case Random:
		return candidates[rand.Intn(len(candidates))] //nolint:gosec // endpoint selection, not security sensitive
	default: // LeastLoaded
		return leastLoaded(candidates)
	}
}

func leastLoaded(candidates []*endpoint) *endpoint {
	best := candidates[0]
	bestActive, bestLatency := best.snapshot()
	for _, ep := range candidates[1:] {
		active, latency := ep.snapshot()
		switch {
		case active < bestActive:
			best, bestActive, bestLatency = ep, active, latency
		case active == bestActive && latency < bestLatency:
			best, bestActive, bestLatency = ep, active, latency
		}
	}
	return best
}

func (e *endpoint) snapshot() (active int, avgLatency time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.latencySamples) == 0 {
		return e.active, 0
	}
	var total time.Duration
	for _, d := range e.latencySamples {
		total += d
	}
	return e.active, total / time.Duration(len(e.latencySamples))
}

// HealthyCount reports how many endpoints are currently outside cooldown,
// the signal the Task Executor's pre-flight phase watches for per analyzer
// kind before dispatching a task.
func (p *Pool) HealthyCount() int {
	n := 0
	for _, ep := range p.endpoints {
		if ep.breaker.State() != gobreaker.StateOpen {
			n++
		}
	}
	return n
}

// Kind returns the analysis kind this pool routes requests for.
func (p *Pool) Kind() string { return p.cfg.Kind }

// Stats returns a snapshot of every endpoint's observability surface.
func (p *Pool) Stats() []Stats {
	out := make([]Stats, 0, len(p.endpoints))
	for _, ep := range p.endpoints {
		active, avgLatency := ep.snapshot()
		counts := ep.breaker.Counts()
		out = append(out, Stats{
			Address:          ep.address,
			Healthy:          ep.breaker.State() != gobreaker.StateOpen,
			ActiveRequests:   active,
			AverageLatencyMS: float64(avgLatency.Microseconds()) / 1000.0,
			ConsecutiveFails: counts.ConsecutiveFailures,
		})
	}
	return out
}
