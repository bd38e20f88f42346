// Package dispatcher admits JSON-RPC batches under two simultaneous
// constraints — a maximum concurrency and a per-second quota — queuing
// excess work FIFO. It is the rate-limited front door between the
// harvester/fetch loop and the RPC transport.
package dispatcher

import (
	"context"
	"fmt"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/evmindexer/core/internal/batchsizer"
	"github.com/evmindexer/core/internal/jsonrpc"
)

// Caller is the subset of jsonrpc.Transport the dispatcher depends
// on; narrowed to an interface so tests can substitute a fake.
type Caller interface {
	Call(ctx context.Context, batch []jsonrpc.Request) ([]jsonrpc.Response, error)
}

// Dispatcher fans a stream of submitted requests out to an upstream
// Caller, capping in-flight concurrency at C and throughput at R
// admissions/second. Submissions beyond either limit block in FIFO
// order inside the semaphore/limiter themselves — no separate queue
// data structure is needed because both primitives already serialize
// admission fairly for blocked acquirers.
type Dispatcher struct {
	caller  Caller
	sem     *semaphore.Weighted
	limiter *rate.Limiter
	sizer   *batchsizer.Sizer
}

// New constructs a Dispatcher. concurrency is the maximum number of
// batches in flight at once; perSecond is the admission quota (token
// bucket, burst equal to perSecond and at least 1). sizer may be nil if the caller
// does not want adaptive batch sizing feedback.
func New(caller Caller, concurrency int, perSecond float64, sizer *batchsizer.Sizer) *Dispatcher {
	if concurrency < 1 {
		concurrency = 1
	}
	burst := int(perSecond)
	if burst < 1 {
		burst = 1
	}
	return &Dispatcher{
		caller:  caller,
		sem:     semaphore.NewWeighted(int64(concurrency)),
		limiter: rate.NewLimiter(rate.Limit(perSecond), burst),
		sizer:   sizer,
	}
}

// Submit admits one batch under the concurrency cap and rate quota,
// blocking in FIFO order until both permit it or ctx is canceled. On
// a transport-level failure, or ctx cancellation while waiting on the
// rate limiter, the sizer, if configured, is notified so the next
// window shrinks; cancellation while waiting for a concurrency slot
// returns without notifying it.
func (d *Dispatcher) Submit(ctx context.Context, batch []jsonrpc.Request) ([]jsonrpc.Response, error) {
	if err := d.sem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("dispatcher: acquire concurrency slot: %w", err)
	}
	defer d.sem.Release(1)

	if err := d.limiter.Wait(ctx); err != nil {
		if d.sizer != nil {
			d.sizer.NoteError()
		}
		return nil, fmt.Errorf("dispatcher: rate limiter wait: %w", err)
	}

	resp, err := d.caller.Call(ctx, batch)
	if err != nil {
		if d.sizer != nil {
			d.sizer.NoteError()
		}
		return nil, err
	}
	if d.sizer != nil {
		anyErr := false
		for _, r := range resp {
			if r.Err != nil {
				anyErr = true
				d.sizer.NoteError()
			}
		}
		if !anyErr && len(resp) > 0 {
			d.sizer.NoteSuccess()
		}
	}
	return resp, nil
}

// BatchSize returns the batch size the caller should use for the next
// submission, delegating to the configured Sizer, or a fixed fallback
// if none was configured.
func (d *Dispatcher) BatchSize(fallback int) int {
	if d.sizer == nil {
		return fallback
	}
	return d.sizer.Current()
}
