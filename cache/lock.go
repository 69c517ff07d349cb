package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
)

// LockManager serializes access to module slots.
//
// Locking has two levels. Across processes, each slot is protected by an
// advisory lock on <dir>/<module>.lock taken through the configured Backend;
// a process holds at most one such lock per slot. Inside the process, each
// slot has a gate that admits one owner at a time. Ownership is carried by
// the context returned from Acquire: a nested Acquire for the same slot with
// that context re-enters (incrementing a count) instead of deadlocking, while
// unrelated goroutines wait at the gate. Handing the owner context to another
// goroutine hands over the lock with it.
//
// The registry mutex is never held while waiting, so slots for different
// modules are fully independent.
type LockManager struct {
	backend Backend
	logger  *slog.Logger

	mu    sync.Mutex
	slots map[slotKey]*slot
}

type slotKey struct {
	dir    string
	module string
}

// slot is the registry entry for one module. It lives while any goroutine
// holds or waits for it.
type slot struct {
	gate   chan struct{} // holds a token while the slot is free
	refs   int
	holder *LockHandle
}

// LockHandle is exclusive ownership of one module's slot. It is released
// exactly once per successful Acquire.
type LockHandle struct {
	mgr    *LockManager
	key    slotKey
	locker Locker
	count  int // guarded by mgr.mu
}

// Module returns the module name the handle locks.
func (h *LockHandle) Module() string { return h.key.module }

// Dir returns the cache directory of the locked slot.
func (h *LockHandle) Dir() string { return h.key.dir }

// LockOption configures a LockManager.
type LockOption func(*LockManager)

// WithBackend selects the cross-process lock backend.
func WithBackend(b Backend) LockOption {
	return func(m *LockManager) { m.backend = b }
}

// WithLogger sets the logger used for lock tracing.
func WithLogger(l *slog.Logger) LockOption {
	return func(m *LockManager) { m.logger = l }
}

// NewLockManager returns an empty registry using DefaultBackend unless
// overridden.
func NewLockManager(opts ...LockOption) *LockManager {
	m := &LockManager{
		backend: DefaultBackend(),
		logger:  slog.New(slog.DiscardHandler),
		slots:   make(map[slotKey]*slot),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Backend returns the backend locks are taken through.
func (m *LockManager) Backend() Backend { return m.backend }

type ownerKey struct {
	m   *LockManager
	key slotKey
}

// Acquire blocks until the caller owns module's slot in dir, or ctx is done.
// The returned context carries ownership; pass it to nested calls that may
// need the same slot. Every successful Acquire must be matched by Release.
//
// Abandoning a blocked Acquire via ctx leaves the registry consistent.
func (m *LockManager) Acquire(ctx context.Context, dir, module string) (*LockHandle, context.Context, error) {
	key, err := m.key(dir, module)
	if err != nil {
		return nil, ctx, err
	}
	if h := m.reenter(ctx, key); h != nil {
		return h, ctx, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, ctx, err
	}

	m.logger.Debug("acquiring lock", "module", module, "dir", key.dir)
	s := m.ref(key)
	select {
	case <-s.gate:
	case <-ctx.Done():
		m.unref(key, s)
		return nil, ctx, ctx.Err()
	}

	locker, err := m.openLocker(key)
	if err == nil {
		if err = locker.Lock(ctx); err != nil {
			_ = locker.Unlock()
		}
	}
	if err != nil {
		s.gate <- struct{}{}
		m.unref(key, s)
		return nil, ctx, fmt.Errorf("acquire lock %q: %w", module, err)
	}

	h := m.install(key, s, locker)
	return h, context.WithValue(ctx, ownerKey{m: m, key: key}, h), nil
}

// TryAcquire is Acquire without waiting. It reports false when the slot is
// owned by another goroutine of this process or by another process.
func (m *LockManager) TryAcquire(ctx context.Context, dir, module string) (*LockHandle, context.Context, bool, error) {
	key, err := m.key(dir, module)
	if err != nil {
		return nil, ctx, false, err
	}
	if h := m.reenter(ctx, key); h != nil {
		return h, ctx, true, nil
	}

	s := m.ref(key)
	select {
	case <-s.gate:
	default:
		m.unref(key, s)
		return nil, ctx, false, nil
	}

	locker, err := m.openLocker(key)
	ok := false
	if err == nil {
		ok, err = locker.TryLock()
		if err != nil || !ok {
			_ = locker.Unlock()
		}
	}
	if err != nil || !ok {
		s.gate <- struct{}{}
		m.unref(key, s)
		if err != nil {
			return nil, ctx, false, fmt.Errorf("try lock %q: %w", module, err)
		}
		return nil, ctx, false, nil
	}

	h := m.install(key, s, locker)
	return h, context.WithValue(ctx, ownerKey{m: m, key: key}, h), true, nil
}

// Release undoes one Acquire. When the reentrancy count reaches zero the
// advisory lock is released and the slot is handed to the next waiter.
// Releasing a handle that is not held, or that the registry does not
// recognise as the owner, returns a *LockStateError.
func (m *LockManager) Release(h *LockHandle) error {
	if h == nil {
		return &LockStateError{Reason: "release of nil handle"}
	}
	if h.mgr != m {
		return &LockStateError{Module: h.key.module, Reason: "handle belongs to a different lock manager"}
	}

	m.mu.Lock()
	s := m.slots[h.key]
	switch {
	case s == nil || s.holder == nil:
		m.mu.Unlock()
		return &LockStateError{Module: h.key.module, Reason: "releasing a lock that is not held"}
	case s.holder != h:
		m.mu.Unlock()
		return &LockStateError{Module: h.key.module, Reason: "handle does not match the registered owner"}
	case h.count <= 0:
		m.mu.Unlock()
		return &LockStateError{Module: h.key.module, Reason: fmt.Sprintf("reentrancy count would go negative (%d)", h.count-1)}
	}
	h.count--
	if h.count > 0 {
		count := h.count
		m.mu.Unlock()
		m.logger.Debug("released nested lock", "module", h.key.module, "count", count)
		return nil
	}
	s.holder = nil
	locker := h.locker
	h.locker = nil
	m.mu.Unlock()

	err := locker.Unlock()
	s.gate <- struct{}{}
	m.unref(h.key, s)
	m.logger.Debug("released lock", "module", h.key.module)
	if err != nil {
		return fmt.Errorf("release lock %q: %w", h.key.module, err)
	}
	return nil
}

// ReleaseAll force-releases every slot this manager holds, regardless of
// reentrancy counts. It is meant for cleanup on abnormal shutdown. Any slot
// still registered as held afterwards is reported as a *LockStateError.
func (m *LockManager) ReleaseAll() error {
	m.mu.Lock()
	var held []*LockHandle
	for _, s := range m.slots {
		if s.holder != nil {
			s.holder.count = 1
			held = append(held, s.holder)
		}
	}
	m.mu.Unlock()

	var errs []error
	for _, h := range held {
		if err := m.Release(h); err != nil {
			errs = append(errs, err)
		}
	}

	m.mu.Lock()
	for _, h := range held {
		if s := m.slots[h.key]; (s != nil && s.holder == h) || h.count != 0 {
			errs = append(errs, &LockStateError{Module: h.key.module, Reason: "still held after releasing all locks"})
		}
	}
	m.mu.Unlock()
	return errors.Join(errs...)
}

// WithLock runs fn while holding module's slot. The lock is released on
// every exit from fn, including panics.
func (m *LockManager) WithLock(ctx context.Context, dir, module string, fn func(ctx context.Context) error) (err error) {
	h, lctx, err := m.Acquire(ctx, dir, module)
	if err != nil {
		return err
	}
	defer func() {
		if rerr := m.Release(h); rerr != nil {
			err = errors.Join(err, rerr)
		}
	}()
	return fn(lctx)
}

// Count returns the reentrancy count of module's slot, or 0 when this
// process does not hold it.
func (m *LockManager) Count(dir, module string) int {
	key, err := m.key(dir, module)
	if err != nil {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if s := m.slots[key]; s != nil && s.holder != nil {
		return s.holder.count
	}
	return 0
}

// Held returns the number of slots currently held by this process.
func (m *LockManager) Held() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, s := range m.slots {
		if s.holder != nil {
			n++
		}
	}
	return n
}

func (m *LockManager) key(dir, module string) (slotKey, error) {
	if err := ValidateModuleName(module); err != nil {
		return slotKey{}, err
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return slotKey{}, fmt.Errorf("lock %q: %w", module, err)
	}
	return slotKey{dir: abs, module: module}, nil
}

// reenter increments the count of a slot already owned through ctx.
func (m *LockManager) reenter(ctx context.Context, key slotKey) *LockHandle {
	h, _ := ctx.Value(ownerKey{m: m, key: key}).(*LockHandle)
	if h == nil {
		return nil
	}
	m.mu.Lock()
	s := m.slots[key]
	if s == nil || s.holder != h || h.count == 0 {
		m.mu.Unlock()
		return nil
	}
	h.count++
	count := h.count
	m.mu.Unlock()
	m.logger.Debug("re-entered lock", "module", key.module, "count", count)
	return h
}

func (m *LockManager) ref(key slotKey) *slot {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.slots[key]
	if !ok {
		s = &slot{gate: make(chan struct{}, 1)}
		s.gate <- struct{}{}
		m.slots[key] = s
	}
	s.refs++
	return s
}

func (m *LockManager) unref(key slotKey, s *slot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s.refs--
	if s.refs == 0 && m.slots[key] == s {
		delete(m.slots, key)
	}
}

func (m *LockManager) install(key slotKey, s *slot, locker Locker) *LockHandle {
	h := &LockHandle{mgr: m, key: key, locker: locker, count: 1}
	m.mu.Lock()
	s.holder = h
	m.mu.Unlock()
	m.logger.Debug("acquired lock", "module", key.module, "backend", m.backend.Name())
	return h
}

func (m *LockManager) openLocker(key slotKey) (Locker, error) {
	if err := os.MkdirAll(key.dir, 0o755); err != nil {
		return nil, fmt.Errorf("create cache dir: %w", err)
	}
	return m.backend.Open(SlotPaths(key.dir, key.module).Lock())
}
