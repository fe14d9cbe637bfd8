package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"isolate/core/environment"
)

// RetireMode decides what happens to a ready environment once its last reference is
// released.
type RetireMode string

const (
	RetireKeep      RetireMode = "keep"
	RetireImmediate RetireMode = "immediate"
	RetireTTL       RetireMode = "ttl"
)

const maxTombstones = 4096

var ErrClosed = errors.New("lifecycle manager closed")

// Adopter is implemented by builders that can recognize an environment left on disk by
// a previous process.
type Adopter interface {
	Exists(ctx context.Context, key environment.Key) (BuildResult, bool)
}

type Options struct {
	// FailureRetention is how long a failed build is replayed before a retry is allowed.
	FailureRetention time.Duration
	Retire           RetireMode
	IdleTTL          time.Duration
	Logger           *zap.Logger
	Observer         Observer
	Now              func() time.Time
}

func (o Options) withDefaults() Options {
	if o.FailureRetention <= 0 {
		o.FailureRetention = time.Minute
	}
	if o.Retire == "" {
		o.Retire = RetireKeep
	}
	if o.Retire == RetireTTL && o.IdleTTL <= 0 {
		o.IdleTTL = 5 * time.Minute
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// Manager owns the lifecycle of every environment built by one Builder. It is the only
// holder of mutable lifecycle state; callers keep handle ids.
type Manager struct {
	builder Builder
	opts    Options
	logger  *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu         sync.Mutex
	closed     bool
	flights    map[environment.Key]*flight
	entries    map[environment.Key]*entry
	byID       map[string]environment.Key
	tombstones map[string]struct{}
	tombOrder  []string

	// retiring holds keys whose environment is being torn down. Acquire waits on the
	// channel so a rebuild never shares a directory with a running teardown.
	retiring map[environment.Key]chan struct{}
}

type entry struct {
	handle  environment.Handle
	err     error
	expires time.Time
	refs    int
	idle    *time.Timer
}

type sinkRef struct{ fn func(string) }

type flight struct {
	done    chan struct{}
	handle  environment.Handle
	err     error
	waiters int
	sinks   []*sinkRef
}

func NewManager(builder Builder, opts Options) *Manager {
	opts = opts.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		builder:    builder,
		opts:       opts,
		logger:     opts.Logger.Named("lifecycle").With(zap.String("backend", builder.Name())),
		ctx:        ctx,
		cancel:     cancel,
		flights:    make(map[environment.Key]*flight),
		entries:    make(map[environment.Key]*entry),
		retiring:   make(map[environment.Key]chan struct{}),
		byID:       make(map[string]environment.Key),
		tombstones: make(map[string]struct{}),
	}
}

// Name is the backend name of the underlying builder.
func (m *Manager) Name() string { return m.builder.Name() }

// Acquire returns a ready handle for def, building it at most once per key no matter
// how many callers ask concurrently. A cancelled ctx stops this caller waiting; the
// shared build keeps running.
func (m *Manager) Acquire(ctx context.Context, def environment.Definition) (environment.Handle, error) {
	if err := def.Validate(); err != nil {
		return environment.Handle{}, err
	}
	def = environment.Normalize(def)
	key, err := m.builder.Key(def)
	if err != nil {
		return environment.Handle{}, err
	}

	m.mu.Lock()
	for {
		if m.closed {
			m.mu.Unlock()
			return environment.Handle{}, ErrClosed
		}
		retired, ok := m.retiring[key]
		if !ok {
			break
		}
		m.mu.Unlock()
		m.logger.Debug("waiting for teardown", zap.String("key", key.Short()))
		select {
		case <-retired:
		case <-ctx.Done():
			return environment.Handle{}, ctx.Err()
		}
		m.mu.Lock()
	}
	if ent, ok := m.entries[key]; ok {
		switch ent.handle.Status {
		case environment.StatusReady:
			ent.refs++
			if ent.idle != nil {
				ent.idle.Stop()
				ent.idle = nil
			}
			h := ent.handle
			m.mu.Unlock()
			return h, nil
		case environment.StatusFailed:
			if m.opts.Now().Before(ent.expires) {
				err := ent.err
				m.mu.Unlock()
				return environment.Handle{}, err
			}
			delete(m.entries, key)
			delete(m.byID, ent.handle.ID)
		}
	}
	f, ok := m.flights[key]
	if !ok {
		f = m.startLocked(key, def)
	} else {
		m.logger.Debug("joining in-flight build", zap.String("key", key.Short()))
	}
	f.waiters++
	var ref *sinkRef
	if fn := buildLogFrom(ctx); fn != nil {
		ref = &sinkRef{fn: fn}
		f.sinks = append(f.sinks, ref)
	}
	m.mu.Unlock()

	select {
	case <-f.done:
		return f.handle, f.err
	case <-ctx.Done():
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	select {
	case <-f.done:
		// Settled while we were giving up; the reference was already counted.
		return f.handle, f.err
	default:
	}
	f.waiters--
	if ref != nil {
		for i, s := range f.sinks {
			if s == ref {
				f.sinks = append(f.sinks[:i], f.sinks[i+1:]...)
				break
			}
		}
	}
	return environment.Handle{}, ctx.Err()
}

func (m *Manager) startLocked(key environment.Key, def environment.Definition) *flight {
	pending := environment.Handle{
		ID:        uuid.NewString(),
		Key:       key,
		Backend:   m.builder.Name(),
		Status:    environment.StatusPending,
		CreatedAt: m.opts.Now().UTC(),
	}
	building, _ := pending.Advance(environment.StatusBuilding)
	f := &flight{done: make(chan struct{}), handle: building}
	m.flights[key] = f
	m.wg.Add(1)
	go m.build(f, key, def)
	return f
}

func (m *Manager) build(f *flight, key environment.Key, def environment.Definition) {
	defer m.wg.Done()
	m.notify(f.handle, environment.StatusPending, "")

	started := m.opts.Now()
	log := func(line string) {
		m.mu.Lock()
		sinks := make([]*sinkRef, len(f.sinks))
		copy(sinks, f.sinks)
		m.mu.Unlock()
		for _, s := range sinks {
			s.fn(line)
		}
	}

	res, adopted, err := m.runBuilder(key, def, log)

	// Observers hear about the outcome before any waiter can act on it.
	if err != nil {
		failed, _ := f.handle.Advance(environment.StatusFailed)
		buildErr := m.asBuildError(key, err)
		m.logger.Warn("environment build failed", zap.String("key", key.Short()), zap.Error(err))
		m.notify(failed, environment.StatusBuilding, buildErr.Error())

		m.mu.Lock()
		delete(m.flights, key)
		m.entries[key] = &entry{handle: failed, err: buildErr, expires: m.opts.Now().Add(m.opts.FailureRetention)}
		m.byID[failed.ID] = key
		f.handle, f.err = environment.Handle{}, buildErr
		close(f.done)
		m.mu.Unlock()
		return
	}
	ready, _ := f.handle.Advance(environment.StatusReady)
	ready.Locator = res.Locator
	ready.Meta = copyMeta(res.Meta)
	var detail string
	if adopted {
		detail = "adopted"
	}
	m.logger.Info("environment ready",
		zap.String("key", key.Short()),
		zap.String("locator", ready.Locator),
		zap.Bool("adopted", adopted),
		zap.Duration("took", m.opts.Now().Sub(started)))
	m.notify(ready, environment.StatusBuilding, detail)

	m.mu.Lock()
	delete(m.flights, key)
	ent := &entry{handle: ready, refs: f.waiters}
	m.entries[key] = ent
	m.byID[ready.ID] = key
	f.handle = ready
	var orphan *environment.Handle
	if ent.refs == 0 {
		orphan = m.retireLocked(ent)
	}
	close(f.done)
	m.mu.Unlock()

	if orphan != nil {
		if err := m.teardown(m.ctx, *orphan, "unreferenced"); err != nil {
			m.logger.Warn("teardown failed", zap.String("id", orphan.ID), zap.Error(err))
		}
	}
}

func (m *Manager) runBuilder(key environment.Key, def environment.Definition, log func(string)) (res BuildResult, adopted bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("builder panic: %v", r)
		}
	}()
	if a, ok := m.builder.(Adopter); ok {
		if res, found := a.Exists(m.ctx, key); found {
			return res, true, nil
		}
	}
	res, err = m.builder.Build(m.ctx, BuildRequest{Key: key, Definition: def, Log: log})
	return res, false, err
}

func (m *Manager) asBuildError(key environment.Key, err error) error {
	var defErr *environment.DefinitionError
	if errors.As(err, &defErr) {
		return defErr
	}
	var buildErr *environment.BuildError
	if errors.As(err, &buildErr) {
		if buildErr.Key == "" {
			buildErr.Key = key
		}
		if buildErr.Backend == "" {
			buildErr.Backend = m.builder.Name()
		}
		return buildErr
	}
	out := &environment.BuildError{Key: key, Backend: m.builder.Name(), Err: err}
	var diag Diagnostic
	if errors.As(err, &diag) {
		out.Output = diag.Diagnostics()
	}
	return out
}

// Release drops one reference to a ready handle and applies the retire policy when the
// count reaches zero.
func (m *Manager) Release(ctx context.Context, id string) error {
	m.mu.Lock()
	ent, err := m.entryLocked(id)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	if ent.handle.Status != environment.StatusReady {
		m.mu.Unlock()
		return environment.NotReady(id, ent.handle.Status)
	}
	if ent.refs > 0 {
		ent.refs--
	}
	var teardown *environment.Handle
	if ent.refs == 0 {
		teardown = m.retireLocked(ent)
	}
	m.mu.Unlock()
	if teardown != nil {
		return m.teardown(ctx, *teardown, "released")
	}
	return nil
}

// retireLocked applies the retire policy to an unreferenced entry. It returns the handle
// to tear down when the policy is immediate.
func (m *Manager) retireLocked(ent *entry) *environment.Handle {
	switch m.opts.Retire {
	case RetireImmediate:
		h := ent.handle
		m.removeLocked(ent)
		m.retiringLocked(h.Key)
		return &h
	case RetireTTL:
		if ent.idle != nil {
			ent.idle.Stop()
		}
		ent.idle = time.AfterFunc(m.opts.IdleTTL, func() { m.expire(ent) })
	}
	return nil
}

func (m *Manager) expire(ent *entry) {
	m.mu.Lock()
	cur, ok := m.entries[ent.handle.Key]
	if !ok || cur != ent || ent.refs > 0 || m.closed {
		m.mu.Unlock()
		return
	}
	h := ent.handle
	m.removeLocked(ent)
	m.retiringLocked(h.Key)
	m.mu.Unlock()
	if err := m.teardown(m.ctx, h, "idle"); err != nil {
		m.logger.Warn("idle teardown failed", zap.String("id", h.ID), zap.Error(err))
	}
}

// Destroy tears an environment down regardless of outstanding references. The handle id
// is tombstoned and every later use fails with ErrHandleDestroyed.
func (m *Manager) Destroy(ctx context.Context, id string) error {
	m.mu.Lock()
	ent, err := m.entryLocked(id)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	h := ent.handle
	m.removeLocked(ent)
	if h.Status == environment.StatusFailed {
		m.mu.Unlock()
		destroyed, _ := h.Advance(environment.StatusDestroyed)
		m.notify(destroyed, environment.StatusFailed, "cleared")
		return nil
	}
	m.retiringLocked(h.Key)
	m.mu.Unlock()
	return m.teardown(ctx, h, "destroyed")
}

// teardown removes h through the builder and then releases the key reserved by
// retiringLocked.
func (m *Manager) teardown(ctx context.Context, h environment.Handle, reason string) error {
	defer m.retired(h.Key)
	err := m.builder.Teardown(ctx, h)
	destroyed, _ := h.Advance(environment.StatusDestroyed)
	detail := reason
	if err != nil {
		detail = fmt.Sprintf("%s: teardown: %v", reason, err)
		err = fmt.Errorf("teardown %s: %w", h.Key.Short(), err)
	}
	m.logger.Info("environment retired", zap.String("key", h.Key.Short()), zap.String("reason", reason))
	m.notify(destroyed, h.Status, detail)
	return err
}

func (m *Manager) retiringLocked(key environment.Key) {
	if _, ok := m.retiring[key]; !ok {
		m.retiring[key] = make(chan struct{})
	}
}

func (m *Manager) retired(key environment.Key) {
	m.mu.Lock()
	if ch, ok := m.retiring[key]; ok {
		delete(m.retiring, key)
		close(ch)
	}
	m.mu.Unlock()
}

func (m *Manager) removeLocked(ent *entry) {
	if ent.idle != nil {
		ent.idle.Stop()
		ent.idle = nil
	}
	delete(m.entries, ent.handle.Key)
	delete(m.byID, ent.handle.ID)
	m.tombstones[ent.handle.ID] = struct{}{}
	m.tombOrder = append(m.tombOrder, ent.handle.ID)
	if len(m.tombOrder) > maxTombstones {
		delete(m.tombstones, m.tombOrder[0])
		m.tombOrder = m.tombOrder[1:]
	}
}

func (m *Manager) entryLocked(id string) (*entry, error) {
	if _, gone := m.tombstones[id]; gone {
		return nil, environment.Destroyed(id)
	}
	if key, ok := m.byID[id]; ok {
		return m.entries[key], nil
	}
	for _, f := range m.flights {
		if f.handle.ID == id {
			return nil, environment.NotReady(id, f.handle.Status)
		}
	}
	return nil, environment.NotFound(id)
}

// Lookup resolves a handle id to its current handle. Handles that are still building are
// returned with their status; callers check Ready before executing.
func (m *Manager) Lookup(id string) (environment.Handle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, gone := m.tombstones[id]; gone {
		return environment.Handle{}, environment.Destroyed(id)
	}
	if key, ok := m.byID[id]; ok {
		return m.entries[key].handle, nil
	}
	for _, f := range m.flights {
		if f.handle.ID == id {
			return f.handle, nil
		}
	}
	return environment.Handle{}, environment.NotFound(id)
}

// List returns every known handle, building ones included, oldest first.
func (m *Manager) List() []environment.Handle {
	m.mu.Lock()
	out := make([]environment.Handle, 0, len(m.entries)+len(m.flights))
	for _, ent := range m.entries {
		out = append(out, ent.handle)
	}
	for _, f := range m.flights {
		out = append(out, f.handle)
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Close cancels in-flight builds and waits for them to settle. Ready environments stay
// on disk.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	for _, ent := range m.entries {
		if ent.idle != nil {
			ent.idle.Stop()
			ent.idle = nil
		}
	}
	m.mu.Unlock()
	m.cancel()
	m.wg.Wait()
	return nil
}

func (m *Manager) notify(h environment.Handle, from environment.Status, detail string) {
	if m.opts.Observer == nil {
		return
	}
	m.opts.Observer.Transition(h, from, detail)
}

func copyMeta(in map[string]string) map[string]string {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
