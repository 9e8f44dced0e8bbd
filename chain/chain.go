// Package chain composes several dependent calls to one external service
// into a single logical operation.
package chain

import (
	"context"
	"sync"

	"github.com/nuln/sboxd"
)

// Payload is the body of a call or reply.
type Payload = map[string]any

// Step is one external call.
type Step struct {
	Target  string
	Payload Payload
	Tag     string

	// Prepare, when set, completes a copy of the step (usually its target
	// or payload) from the replies accumulated so far. An error ends the
	// chain before the call is issued.
	Prepare func(step *Step, replies []Reply) error
}

// Reply is the raw reply to one step.
type Reply struct {
	Tag     string
	Target  string
	Payload Payload
}

// Caller issues one asynchronous call. done must be called once with
// the reply or the error; later calls are ignored.
type Caller interface {
	Call(ctx context.Context, target string, payload Payload, done func(Payload, error))
}

// CallerFunc adapts a function to Caller.
type CallerFunc func(ctx context.Context, target string, payload Payload, done func(Payload, error))

func (f CallerFunc) Call(ctx context.Context, target string, payload Payload, done func(Payload, error)) {
	f(ctx, target, payload, done)
}

// Completion receives every reply in step order, or the translated error
// that ended the chain together with the replies gathered before it.
type Completion func(replies []Reply, err *sboxd.Error)

// Orchestrator runs steps strictly in order. Step i+1 is issued only
// after step i's reply has been accumulated, and the completion runs
// exactly once.
type Orchestrator struct {
	caller    Caller
	translate func(error) *sboxd.Error
	complete  Completion

	mu       sync.Mutex
	ctx      context.Context
	steps    []Step
	current  int
	replies  []Reply
	started  bool
	finished bool
}

// New creates an orchestrator. translate maps call and Prepare failures
// into the unified taxonomy; nil uses sboxd.AsError.
func New(caller Caller, steps []Step, translate func(error) *sboxd.Error, complete Completion) *Orchestrator {
	if translate == nil {
		translate = sboxd.AsError
	}
	return &Orchestrator{
		caller:    caller,
		translate: translate,
		complete:  complete,
		steps:     append([]Step(nil), steps...),
		replies:   make([]Reply, 0, len(steps)),
	}
}

// Start issues the first step. It returns immediately; the completion
// runs on whichever goroutine delivers the last reply. Calling Start more
// than once has no effect.
func (o *Orchestrator) Start(ctx context.Context) {
	o.mu.Lock()
	if o.started {
		o.mu.Unlock()
		return
	}
	o.started = true
	o.ctx = ctx
	o.mu.Unlock()

	o.issue()
}

// issue sends the current step, or completes when none is left.
func (o *Orchestrator) issue() {
	o.mu.Lock()
	if o.finished {
		o.mu.Unlock()
		return
	}
	if o.current == len(o.steps) {
		o.mu.Unlock()
		o.finish(nil)
		return
	}
	if err := o.ctx.Err(); err != nil {
		o.mu.Unlock()
		o.finish(err)
		return
	}
	index := o.current
	step := o.steps[index]
	replies := append([]Reply(nil), o.replies...)
	ctx := o.ctx
	o.mu.Unlock()

	if step.Prepare != nil {
		if err := step.Prepare(&step, replies); err != nil {
			o.finish(err)
			return
		}
	}

	var once sync.Once
	o.caller.Call(ctx, step.Target, step.Payload, func(reply Payload, err error) {
		once.Do(func() { o.handle(index, step, reply, err) })
	})
}

func (o *Orchestrator) handle(index int, step Step, reply Payload, err error) {
	if err != nil {
		o.finish(err)
		return
	}

	o.mu.Lock()
	if o.finished || index != o.current {
		o.mu.Unlock()
		return
	}
	o.replies = append(o.replies, Reply{Tag: step.Tag, Target: step.Target, Payload: reply})
	o.current++
	o.mu.Unlock()

	o.issue()
}

func (o *Orchestrator) finish(err error) {
	o.mu.Lock()
	if o.finished {
		o.mu.Unlock()
		return
	}
	o.finished = true
	replies := o.replies
	o.mu.Unlock()

	var e *sboxd.Error
	if err != nil {
		e = o.translate(err)
	}
	o.complete(replies, e)
}

// Run starts a chain and blocks until it completes.
func Run(ctx context.Context, caller Caller, steps []Step, translate func(error) *sboxd.Error) ([]Reply, error) {
	type result struct {
		replies []Reply
		err     *sboxd.Error
	}
	ch := make(chan result, 1)
	New(caller, steps, translate, func(replies []Reply, err *sboxd.Error) {
		ch <- result{replies, err}
	}).Start(ctx)

	r := <-ch
	if r.err != nil {
		return r.replies, r.err
	}
	return r.replies, nil
}

// Last returns the final reply's payload, or nil.
func Last(replies []Reply) Payload {
	if len(replies) == 0 {
		return nil
	}
	return replies[len(replies)-1].Payload
}

// Find returns the payload of the reply tagged tag.
func Find(replies []Reply, tag string) (Payload, bool) {
	for _, r := range replies {
		if r.Tag == tag {
			return r.Payload, true
		}
	}
	return nil, false
}
