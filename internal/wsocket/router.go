package wsocket

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/Voskan/gsfleet/internal/metrics"
	"github.com/Voskan/gsfleet/internal/workerpool"
	"github.com/Voskan/gsfleet/pkg/gserr"
)

// Router is the Subscription Router: it partitions (event,key) subscription
// keys across a pool of Instances, each capped at maxSubscriptionsPerSocket,
// creating new Instances on demand and discarding ones that empty out.
type Router struct {
	newInstanceID atomic.Int64

	capacity int
	factory  func(id int64, onDispose func(int64)) *Instance

	mu        sync.Mutex
	instances map[int64]*Instance
	routing   map[string]int64 // subKey -> instanceId

	log *zap.Logger
}

// NewRouter constructs a Router. capacity is maxSubscriptionsPerWebSocket.
// base is the Instance Config template every new Instance is created with
// (URL/credentials/timeouts); NewRouter copies it per-Instance.
func NewRouter(capacity int, base Config, pool *workerpool.Pool, log *zap.Logger) *Router {
	if log == nil {
		log = zap.NewNop()
	}
	if capacity < 1 {
		capacity = 500
	}
	base.Pool = pool
	r := &Router{
		capacity:  capacity,
		instances: make(map[int64]*Instance),
		routing:   make(map[string]int64),
		log:       log,
	}
	r.factory = func(id int64, onDispose func(int64)) *Instance {
		return NewInstance(id, base, onDispose)
	}
	return r
}

// Subscribe routes (event,key) to an Instance with spare capacity, creating
// one if none qualifies, and registers cb there.
func (r *Router) Subscribe(ctx context.Context, event, key string, cb SubscribeCallback) error {
	sk := subKey(event, key)

	r.mu.Lock()
	if _, exists := r.routing[sk]; exists {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", gserr.ErrAlreadySubscribed, sk)
	}

	inst := r.pickInstanceLocked()
	r.mu.Unlock()

	if err := inst.Subscribe(ctx, event, key, cb); err != nil {
		return err
	}

	r.mu.Lock()
	r.routing[sk] = inst.id
	r.mu.Unlock()
	metrics.Subscriptions.Inc()
	return nil
}

// Unsubscribe routes (event,key) to its owning Instance and removes it;
// the Instance disposes itself (via onDispose) once its count reaches zero.
func (r *Router) Unsubscribe(ctx context.Context, event, key string) error {
	sk := subKey(event, key)

	r.mu.Lock()
	id, exists := r.routing[sk]
	if !exists {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", gserr.ErrNotSubscribed, sk)
	}
	inst := r.instances[id]
	r.mu.Unlock()

	if inst == nil {
		// Instance already disposed out from under this mapping; the
		// subscription is effectively gone.
		r.mu.Lock()
		delete(r.routing, sk)
		r.mu.Unlock()
		metrics.Subscriptions.Dec()
		return nil
	}

	if err := inst.Unsubscribe(ctx, event, key); err != nil {
		return err
	}

	r.mu.Lock()
	delete(r.routing, sk)
	r.mu.Unlock()
	metrics.Subscriptions.Dec()
	return nil
}

// pickInstanceLocked must be called with r.mu held. It returns the first
// (lowest-id) Instance with spare capacity, creating a new one (with a
// monotone id) if none qualifies.
func (r *Router) pickInstanceLocked() *Instance {
	ids := make([]int64, 0, len(r.instances))
	for id := range r.instances {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		if inst := r.instances[id]; inst.SubscriptionCount() < r.capacity {
			return inst
		}
	}

	id := r.newInstanceID.Add(1)
	inst := r.factory(id, r.onInstanceEmpty)
	r.instances[id] = inst
	metrics.AccountSockets.Inc()
	r.log.Info("opened new account socket instance", zap.Int64("instanceId", id))
	return inst
}

func (r *Router) onInstanceEmpty(id int64) {
	r.mu.Lock()
	inst, ok := r.instances[id]
	if ok {
		delete(r.instances, id)
	}
	r.mu.Unlock()
	if ok {
		metrics.AccountSockets.Dec()
		r.log.Info("discarding empty account socket instance", zap.Int64("instanceId", id))
		inst.Dispose()
	}
}

// Dispose tears down every Instance in the pool.
func (r *Router) Dispose() {
	r.mu.Lock()
	instances := make([]*Instance, 0, len(r.instances))
	for _, inst := range r.instances {
		instances = append(instances, inst)
	}
	r.instances = make(map[int64]*Instance)
	r.routing = make(map[string]int64)
	r.mu.Unlock()

	for _, inst := range instances {
		inst.Dispose()
	}
}

// InstanceCount reports the current pool size, for tests and metrics.
func (r *Router) InstanceCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.instances)
}
