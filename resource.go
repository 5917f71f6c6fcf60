package tnet

import "sync"

// Resource is the capability set a user-defined shared resource type must
// satisfy. A Listener takes one already-constructed instance
// (ListenerConfig.Resource), wraps it in a ResourceHandle guarded by a single
// read-write lock, and hands that handle to every handler invocation. The
// framework itself does not call New.
type Resource interface {
	New() Resource
}

// ResourceHandle wraps a user Resource behind a reader-writer lock so
// handlers running concurrently across connections can share it safely.
// Handlers dispatched for the same connection still run sequentially, but
// two different connections may call into the resource at once.
type ResourceHandle[R Resource] struct {
	mu       sync.RWMutex
	resource R
}

// NewResourceHandle wraps an already-constructed resource.
func NewResourceHandle[R Resource](r R) *ResourceHandle[R] {
	return &ResourceHandle[R]{resource: r}
}

// Read runs fn with a read lock held. fn must not retain the resource
// pointer beyond its own scope.
func (h *ResourceHandle[R]) Read(fn func(r R)) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	fn(h.resource)
}

// Write runs fn with the write lock held.
func (h *ResourceHandle[R]) Write(fn func(r R)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	fn(h.resource)
}
