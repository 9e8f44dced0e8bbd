package sboxtest

import (
	"sync"
	"testing"
	"time"

	"github.com/nuln/sboxd"
)

// Recorder captures every reply delivered to a request's continuation.
type Recorder struct {
	mu      sync.Mutex
	replies []sboxd.Reply
	clients []any
}

// Continuation returns the continuation that records into r.
func (r *Recorder) Continuation() sboxd.Continuation {
	return func(reply sboxd.Reply, client any) {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.replies = append(r.replies, reply)
		r.clients = append(r.clients, client)
	}
}

// Request builds a request whose replies go to a new Recorder.
func Request(op sboxd.Operation, params sboxd.Params, sessionID string) (*sboxd.Request, *Recorder) {
	rec := &Recorder{}
	return sboxd.NewRequest(op, params, sessionID, "test-client", rec.Continuation()), rec
}

// Replies returns a copy of everything recorded so far.
func (r *Recorder) Replies() []sboxd.Reply {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]sboxd.Reply(nil), r.replies...)
}

// Clients returns the client values delivered with each reply.
func (r *Recorder) Clients() []any {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]any(nil), r.clients...)
}

// Last returns the most recent reply, or nil.
func (r *Recorder) Last() sboxd.Reply {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.replies) == 0 {
		return nil
	}
	return r.replies[len(r.replies)-1]
}

// Wait blocks until req completes, failing the test after timeout, and
// returns the terminal reply.
func Wait(t testing.TB, req *sboxd.Request, rec *Recorder, timeout time.Duration) sboxd.Reply {
	t.Helper()
	select {
	case <-req.Done():
	case <-time.After(timeout):
		t.Fatalf("request %s did not complete within %s", req.Operation, timeout)
	}
	return rec.Last()
}

// Progress returns the progress field of every reply that carries one,
// in delivery order.
func (r *Recorder) Progress() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []int
	for _, reply := range r.replies {
		if p, ok := reply["progress"].(int); ok {
			out = append(out, p)
		}
	}
	return out
}
