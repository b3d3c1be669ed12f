// Package sessions is the registry of calls this process is relaying. The
// /calls endpoint lists it, and shutdown waits on it until every caller has
// hung up or been cut off.
package sessions

import (
	"context"
	"sort"
	"sync"

	"github.com/vango-go/vai-callbridge/pkg/gateway/call/relay"
)

// Call is what the registry can do with one live call session.
type Call struct {
	Hangup   func()
	Snapshot func() relay.Snapshot
}

type Registry struct {
	mu    sync.Mutex
	calls map[string]*liveCall
	// idle is closed whenever no call is live.
	idle chan struct{}
}

type liveCall struct {
	Call
	ended sync.Once
}

func NewRegistry() *Registry {
	idle := make(chan struct{})
	close(idle)
	return &Registry{calls: make(map[string]*liveCall), idle: idle}
}

// Admit records a call as live until the returned func runs. Admitting a
// session id that is already live replaces the older entry; ending the older
// one afterwards is a no-op.
func (r *Registry) Admit(sessionID string, c Call) (ended func()) {
	if r == nil {
		return func() {}
	}
	lc := &liveCall{Call: c}

	r.mu.Lock()
	if r.calls == nil {
		r.calls = make(map[string]*liveCall)
	}
	if len(r.calls) == 0 {
		r.idle = make(chan struct{})
	}
	r.calls[sessionID] = lc
	r.mu.Unlock()

	return func() { r.end(sessionID, lc) }
}

func (r *Registry) end(sessionID string, lc *liveCall) {
	lc.ended.Do(func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		if r.calls[sessionID] != lc {
			return
		}
		delete(r.calls, sessionID)
		if len(r.calls) == 0 {
			close(r.idle)
		}
	})
}

// Live returns the number of calls in progress.
func (r *Registry) Live() int {
	if r == nil {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

func (r *Registry) live() []*liveCall {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*liveCall, 0, len(r.calls))
	for _, lc := range r.calls {
		out = append(out, lc)
	}
	return out
}

// Snapshots returns the current state of every live call, ordered by session id.
func (r *Registry) Snapshots() []relay.Snapshot {
	if r == nil {
		return nil
	}
	var out []relay.Snapshot
	for _, lc := range r.live() {
		if lc.Snapshot != nil {
			out = append(out, lc.Snapshot())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SessionID < out[j].SessionID })
	return out
}

// HangupAll ends every live call and returns how many were asked to hang up.
func (r *Registry) HangupAll() (n int) {
	if r == nil {
		return 0
	}
	for _, lc := range r.live() {
		if lc.Hangup != nil {
			lc.Hangup()
			n++
		}
	}
	return n
}

// WaitIdle blocks until no call is live or ctx ends. It reports whether the
// registry went idle.
func (r *Registry) WaitIdle(ctx context.Context) bool {
	if r == nil {
		return true
	}
	for {
		r.mu.Lock()
		idle := r.idle
		r.mu.Unlock()
		if idle == nil {
			return true
		}
		select {
		case <-idle:
			// A call admitted after idle closed reopens it.
			r.mu.Lock()
			n := len(r.calls)
			r.mu.Unlock()
			if n == 0 {
				return true
			}
		case <-ctx.Done():
			return false
		}
	}
}
