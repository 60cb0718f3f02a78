package executor

import (
	"context"

	"github.com/forgebench/anacore/pkg/pool"
	"github.com/forgebench/anacore/pkg/task"
	"github.com/forgebench/anacore/pkg/taskerr"
)

// Dispatcher routes a single request to the Analyzer Pool for its kind.
// *Router implements this over real pool.Pool instances; tests substitute
// a fake that never touches a live replica.
type Dispatcher interface {
	Dispatch(ctx context.Context, kind task.Kind, req pool.Request) (pool.Result, error)
	// HealthyEndpoints reports how many endpoints of kind are currently
	// outside cooldown, the signal the pre-flight phase probes.
	HealthyEndpoints(kind task.Kind) int
}

// Router is the default Dispatcher, fronting one pool.Pool per analysis
// kind. One Router is shared by every Executor instance in a process.
type Router struct {
	pools map[task.Kind]*pool.Pool
}

// NewRouter constructs a Router over pools, one per analysis kind.
func NewRouter(pools map[task.Kind]*pool.Pool) *Router {
	return &Router{pools: pools}
}

// Dispatch delegates to the pool registered for kind.
func (r *Router) Dispatch(ctx context.Context, kind task.Kind, req pool.Request) (pool.Result, error) {
	p, ok := r.pools[kind]
	if !ok {
		return pool.Result{}, taskerr.Errorf(taskerr.Preflight, "no analyzer pool configured for kind %s", kind)
	}
	return p.Dispatch(ctx, req)
}

// HealthyEndpoints reports the healthy-endpoint count for kind, or 0 if no
// pool is configured for it at all.
func (r *Router) HealthyEndpoints(kind task.Kind) int {
	p, ok := r.pools[kind]
	if !ok {
		return 0
	}
	return p.HealthyCount()
}
