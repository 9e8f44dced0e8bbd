package sboxd

import (
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
)

// Operation is the kind of work a Request asks for.
type Operation int

const (
	OpUnknown Operation = iota
	OpList
	OpGetProperties
	OpCopy
	OpMove
	OpRemove
	OpRename
	OpEject
	OpFormat
	OpListStorages
	OpAttach
	OpAuthenticate
	OpExtra
)

var operationNames = map[Operation]string{
	OpList:          "list",
	OpGetProperties: "getProperties",
	OpCopy:          "copy",
	OpMove:          "move",
	OpRemove:        "remove",
	OpRename:        "rename",
	OpEject:         "eject",
	OpFormat:        "format",
	OpListStorages:  "listStorages",
	OpAttach:        "attach",
	OpAuthenticate:  "authenticate",
	OpExtra:         "extra",
}

func (o Operation) String() string {
	if name, ok := operationNames[o]; ok {
		return name
	}
	return fmt.Sprintf("operation(%d)", int(o))
}

// ParseOperation resolves a wire name (case-insensitive) to an Operation.
func ParseOperation(name string) (Operation, error) {
	for op, n := range operationNames {
		if strings.EqualFold(n, name) {
			return op, nil
		}
	}
	return OpUnknown, Errorf(CodeInvalidParameter, "unknown operation %q", name)
}

// Progressive reports whether the operation emits progress replies
// before its terminal reply.
func (o Operation) Progressive() bool {
	return o == OpCopy || o == OpMove
}

// Params is the structured payload of a request. Its shape depends on the
// operation.
type Params map[string]any

// String returns the string value of key, or "".
func (p Params) String(key string) string {
	s, _ := p[key].(string)
	return s
}

// Reply is the payload handed to a continuation. It always holds
// returnValue; failures add errorCode and errorText.
type Reply map[string]any

// Success builds a successful reply from operation-specific fields.
func Success(fields map[string]any) Reply {
	r := Reply{"returnValue": true}
	for k, v := range fields {
		r[k] = v
	}
	return r
}

// Failure builds a failed reply from any error.
func Failure(err error) Reply {
	return Reply(AsError(err).Fields())
}

// OK reports the reply's returnValue.
func (r Reply) OK() bool {
	ok, _ := r["returnValue"].(bool)
	return ok
}

// ErrorCode returns the reply's errorCode, 0 for successes.
func (r Reply) ErrorCode() int {
	code, _ := r["errorCode"].(int)
	return code
}

// Continuation delivers a reply back to the caller identified by client.
type Continuation func(reply Reply, client any)

// Request is one admitted unit of work. Its continuation runs at most once
// with a terminal reply; Copy and Move may deliver progress replies first.
type Request struct {
	Operation Operation
	Params    Params
	SessionID string
	// Client is owned by the transport and only threaded through.
	Client any

	continuation Continuation
	mu           sync.Mutex
	terminal     atomic.Bool
	result       Reply
	done         chan struct{}
}

// NewRequest creates a request. A nil continuation discards replies.
func NewRequest(op Operation, params Params, sessionID string, client any, cont Continuation) *Request {
	if params == nil {
		params = Params{}
	}
	if cont == nil {
		cont = func(Reply, any) {}
	}
	return &Request{
		Operation:    op,
		Params:       params,
		SessionID:    sessionID,
		Client:       client,
		continuation: cont,
		done:         make(chan struct{}),
	}
}

// Progress delivers a non-terminal reply. It is dropped once the request
// has completed.
func (r *Request) Progress(reply Reply) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.terminal.Load() {
		return
	}
	r.continuation(reply, r.Client)
}

// Complete delivers the terminal reply. Only the first call has an
// effect; it reports whether this call was the one delivered.
func (r *Request) Complete(reply Reply) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.terminal.CompareAndSwap(false, true) {
		return false
	}
	r.result = reply
	r.continuation(reply, r.Client)
	close(r.done)
	return true
}

// Fail completes the request with err translated into the unified
// taxonomy.
func (r *Request) Fail(err error) bool {
	return r.Complete(Failure(err))
}

// Completed reports whether the terminal reply has been delivered.
func (r *Request) Completed() bool { return r.terminal.Load() }

// Result returns the terminal reply, or nil while the request is pending.
func (r *Request) Result() Reply {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.result
}

// Done is closed after the terminal reply has been delivered.
func (r *Request) Done() <-chan struct{} { return r.done }
