package deploy

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/modelmux/modelmux/pkg/errdefs"
	"github.com/modelmux/modelmux/pkg/models"
)

// Operation is the handle for one asynchronous provisioning run. It resolves
// exactly once, to Succeeded, Failed or Deleted.
type Operation struct {
	id     string
	entity string
	cancel context.CancelFunc

	mu    sync.Mutex
	state models.ProvisioningState
	err   error
	done  chan struct{}
}

func newOperation(entity string, initial models.ProvisioningState, cancel context.CancelFunc) *Operation {
	return &Operation{
		id:     uuid.New().String(),
		entity: entity,
		cancel: cancel,
		state:  initial,
		done:   make(chan struct{}),
	}
}

// completedOperation is an already-resolved handle, used for idempotent no-ops.
func completedOperation(entity string, state models.ProvisioningState) *Operation {
	op := newOperation(entity, state, func() {})
	close(op.done)
	return op
}

// ID returns the operation id
func (o *Operation) ID() string { return o.id }

// Entity returns the key of the endpoint or deployment being provisioned
func (o *Operation) Entity() string { return o.entity }

// Poll returns the current provisioning state without blocking. The error is
// non-nil once the operation has resolved to Failed.
func (o *Operation) Poll() (models.ProvisioningState, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state, o.err
}

// Await blocks until the operation resolves, the timeout elapses or ctx is
// canceled. Provisioning continues after a Timeout error.
func (o *Operation) Await(ctx context.Context, timeout time.Duration) (models.ProvisioningState, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-o.done:
		return o.Poll()
	case <-timer.C:
		return o.poll(), errdefs.Timeout(o.entity, "provisioning did not finish within %s", timeout)
	case <-ctx.Done():
		return o.poll(), ctx.Err()
	}
}

// Cancel requests cancellation of the provisioning run. Best effort: a run
// past its point of no return resolves normally.
func (o *Operation) Cancel() {
	o.cancel()
}

func (o *Operation) poll() models.ProvisioningState {
	state, _ := o.Poll()
	return state
}

// resolve records the terminal state and releases waiters. Only the first
// call has effect.
func (o *Operation) resolve(state models.ProvisioningState, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	select {
	case <-o.done:
		return
	default:
	}
	o.state = state
	o.err = err
	close(o.done)
}
