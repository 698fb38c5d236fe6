// Package resolve implements the async resolver adapter: name resolution
// offloaded from a connection's own goroutine, bounded by a weighted
// semaphore so a burst of domain CONNECTs can't starve the shared
// resolver.
package resolve

import (
	"context"
	"net"

	"golang.org/x/sync/semaphore"
)

// Result is the outcome of a single resolution: a possibly-empty address
// list, or an error. The caller treats an empty, non-error Addrs the same
// as a failed lookup.
type Result struct {
	Addrs []net.IPAddr
	Err   error
}

// Resolver bounds concurrent in-flight lookups across all connections.
type Resolver struct {
	net *net.Resolver
	sem *semaphore.Weighted
}

// New builds a Resolver allowing up to maxConcurrent in-flight lookups.
func New(maxConcurrent int64) *Resolver {
	if maxConcurrent <= 0 {
		maxConcurrent = 16
	}
	return &Resolver{
		net: net.DefaultResolver,
		sem: semaphore.NewWeighted(maxConcurrent),
	}
}

// Resolve starts an off-goroutine lookup of host and returns a
// single-slot, write-once channel the caller receives from exactly once.
// The channel send happens-before the corresponding receive, so the
// result is always fully published before the waiting connection wakes;
// no separate one-shot cell or explicit wake signal is needed.
func (r *Resolver) Resolve(ctx context.Context, host string) <-chan Result {
	ch := make(chan Result, 1)
	go func() {
		if err := r.sem.Acquire(ctx, 1); err != nil {
			ch <- Result{Err: err}
			return
		}
		defer r.sem.Release(1)

		addrs, err := r.net.LookupIPAddr(ctx, host)
		ch <- Result{Addrs: addrs, Err: err}
	}()
	return ch
}
