// Package session binds drive handles to the session that created them.
package session

import (
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/nuln/sboxd"
)

// Record is one registered drive handle.
type Record[C any] struct {
	Handle    string
	Key       string
	SessionID string
	Context   C
}

type entry[C any] struct {
	record Record[C]
	// lock serializes exclusive drive operations (eject, format) against
	// file operations on the same handle.
	lock sync.RWMutex
}

// Registry maps drive handles of one backend to their owning session and
// backend context C. At most one handle exists per uniqueness key.
type Registry[C any] struct {
	mu       sync.RWMutex
	byHandle map[string]*entry[C]
	byKey    map[string]string

	newHandle func() string
}

// New creates an empty registry.
func New[C any]() *Registry[C] {
	return &Registry[C]{
		byHandle:  make(map[string]*entry[C]),
		byKey:     make(map[string]string),
		newHandle: uuid.NewString,
	}
}

// Register allocates a handle for key owned by sessionID. A key that is
// already registered fails with AlreadyAuthenticated and leaves the
// existing record untouched.
func (r *Registry[C]) Register(key, sessionID string, ctx C) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.byKey[key]; ok {
		return "", sboxd.NewError(sboxd.CodeAlreadyAuthenticated, "")
	}
	handle := r.newHandle()
	for r.byHandle[handle] != nil {
		handle = r.newHandle()
	}
	r.byHandle[handle] = &entry[C]{record: Record[C]{
		Handle:    handle,
		Key:       key,
		SessionID: sessionID,
		Context:   ctx,
	}}
	r.byKey[key] = handle
	return handle, nil
}

// Authorize returns the backend context of handle if sessionID owns it.
func (r *Registry[C]) Authorize(handle, sessionID string) (C, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var zero C
	e, err := r.authorizeLocked(handle, sessionID)
	if err != nil {
		return zero, err
	}
	return e.record.Context, nil
}

func (r *Registry[C]) authorizeLocked(handle, sessionID string) (*entry[C], error) {
	e, ok := r.byHandle[handle]
	if !ok {
		return nil, sboxd.NewError(sboxd.CodeInvalidDriveHandle, "")
	}
	if e.record.SessionID != sessionID {
		return nil, sboxd.NewError(sboxd.CodeSessionMismatch, "")
	}
	return e, nil
}

// Update authorizes handle for sessionID and replaces its context with
// the result of fn, atomically. An error from fn leaves the record as is.
func (r *Registry[C]) Update(handle, sessionID string, fn func(C) (C, error)) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, err := r.authorizeLocked(handle, sessionID)
	if err != nil {
		return err
	}
	next, err := fn(e.record.Context)
	if err != nil {
		return err
	}
	e.record.Context = next
	return nil
}

// Unregister removes handle.
func (r *Registry[C]) Unregister(handle string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.byHandle[handle]
	if !ok {
		return sboxd.NewError(sboxd.CodeInvalidDriveHandle, "")
	}
	delete(r.byHandle, handle)
	delete(r.byKey, e.record.Key)
	return nil
}

// Lookup returns the record of handle without authorization.
func (r *Registry[C]) Lookup(handle string) (Record[C], bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.byHandle[handle]
	if !ok {
		return Record[C]{}, false
	}
	return e.record, true
}

// HandleForKey returns the handle registered for key.
func (r *Registry[C]) HandleForKey(key string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.byKey[key]
	return h, ok
}

// Records returns the records owned by sessionID ordered by key. An
// empty sessionID returns every record.
func (r *Registry[C]) Records(sessionID string) []Record[C] {
	r.mu.RLock()
	out := make([]Record[C], 0, len(r.byHandle))
	for _, e := range r.byHandle {
		if sessionID == "" || e.record.SessionID == sessionID {
			out = append(out, e.record)
		}
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// Lock returns the per-handle lock after authorizing sessionID.
func (r *Registry[C]) Lock(handle, sessionID string) (*sync.RWMutex, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, err := r.authorizeLocked(handle, sessionID)
	if err != nil {
		return nil, err
	}
	return &e.lock, nil
}

// Len returns the number of registered handles.
func (r *Registry[C]) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byHandle)
}
