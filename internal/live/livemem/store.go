// Package livemem is an in-process live.Store. It backs tests and the
// single-process daemon mode; liveredis is the networked equivalent.
package livemem

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/otavioch/tandem/internal/live"
)

const watchBuffer = 256

type entry struct {
	val []byte
	seq int64 // first-write order, stable across updates
}

type watcher struct {
	path string
	ch   chan live.Event
	once sync.Once
}

// close is shared by the watch's cancel func and the store's Close;
// whichever runs second must be a no-op, not a double close.
func (w *watcher) close() {
	w.once.Do(func() { close(w.ch) })
}

// Store is an in-memory implementation of live.Store. All mutations and
// event fan-out happen under one mutex, so watchers observe writes in
// program order.
type Store struct {
	mu       sync.Mutex
	data     map[string]entry
	seq      int64
	watchers map[int]*watcher
	nextID   int
	cleanup  []live.Op
	closed   bool
}

// New creates an empty store.
func New() *Store {
	return &Store{
		data:     make(map[string]entry),
		watchers: make(map[int]*watcher),
	}
}

var _ live.Store = (*Store)(nil)

func (s *Store) Set(ctx context.Context, path string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.setLocked(path, value)
	return nil
}

// setLocked writes and notifies. Caller holds s.mu.
func (s *Store) setLocked(path string, value []byte) {
	cur, existed := s.data[path]
	seq := cur.seq
	if !existed {
		s.seq++
		seq = s.seq
	}
	v := make([]byte, len(value))
	copy(v, value)
	s.data[path] = entry{val: v, seq: seq}

	typ := live.Added
	if existed {
		typ = live.Changed
	}
	s.notifyLocked(path, typ, v)
}

func (s *Store) Get(ctx context.Context, path string) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.data[path]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), e.val...), true, nil
}

func (s *Store) Delete(ctx context.Context, path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.data[path]; !ok {
		return nil
	}
	delete(s.data, path)
	s.notifyLocked(path, live.Removed, nil)
	return nil
}

func (s *Store) Update(ctx context.Context, path string, fn func(cur []byte) ([]byte, error)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var cur []byte
	if e, ok := s.data[path]; ok {
		cur = append([]byte(nil), e.val...)
	}
	next, err := fn(cur)
	if err != nil {
		return err
	}
	if next == nil {
		return nil
	}
	s.setLocked(path, next)
	return nil
}

func (s *Store) Incr(ctx context.Context, path string, delta int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	if e, ok := s.data[path]; ok {
		n = live.ParseCounter(e.val)
	}
	n += delta
	s.setLocked(path, live.FormatCounter(n))
	return n, nil
}

func (s *Store) Exists(ctx context.Context, path string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.data[path]
	return ok, nil
}

func (s *Store) Children(ctx context.Context, path string) (map[string][]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string][]byte)
	prefix := path + "/"
	for k, e := range s.data {
		if !strings.HasPrefix(k, prefix) {
			continue
		}
		rel := k[len(prefix):]
		if strings.ContainsRune(rel, '/') {
			continue
		}
		out[rel] = append([]byte(nil), e.val...)
	}
	return out, nil
}

func (s *Store) Watch(ctx context.Context, path string, window int) (<-chan live.Event, func(), error) {
	s.mu.Lock()

	// Replay existing direct children in first-write order, last `window`.
	type child struct {
		key string
		val []byte
		seq int64
	}
	var replay []child
	prefix := path + "/"
	for k, e := range s.data {
		if !strings.HasPrefix(k, prefix) {
			continue
		}
		rel := k[len(prefix):]
		if strings.ContainsRune(rel, '/') {
			continue
		}
		replay = append(replay, child{key: rel, val: append([]byte(nil), e.val...), seq: e.seq})
	}
	sort.Slice(replay, func(i, j int) bool { return replay[i].seq < replay[j].seq })
	if window > 0 && len(replay) > window {
		replay = replay[len(replay)-window:]
	}

	ch := make(chan live.Event, len(replay)+1+watchBuffer)
	for _, c := range replay {
		ch <- live.Event{Type: live.Added, Key: c.key, Value: c.val}
	}
	ch <- live.Event{Type: live.InitialSync}

	w := &watcher{path: path, ch: ch}
	id := s.nextID
	s.nextID++
	s.watchers[id] = w
	s.mu.Unlock()

	cancel := func() {
		s.mu.Lock()
		delete(s.watchers, id)
		s.mu.Unlock()
		w.close()
	}

	stop := context.AfterFunc(ctx, cancel)
	return ch, func() { stop(); cancel() }, nil
}

// notifyLocked fans an event out to every watcher whose path is an
// ancestor of the mutated path. Caller holds s.mu.
func (s *Store) notifyLocked(path string, typ live.EventType, value []byte) {
	for _, w := range s.watchers {
		rel, ok := strings.CutPrefix(path, w.path+"/")
		if !ok {
			continue
		}
		select {
		case w.ch <- live.Event{Type: typ, Key: rel, Value: value}:
		default:
			// Watcher buffer full; event lost (same policy as the bus).
		}
	}
}

func (s *Store) QueueDisconnect(ops ...live.Op) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cleanup = append(s.cleanup, ops...)
}

// Close runs queued disconnect ops, then drops every watcher.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	for _, op := range s.cleanup {
		switch op.Kind {
		case live.OpDelete:
			if _, ok := s.data[op.Path]; ok {
				delete(s.data, op.Path)
				s.notifyLocked(op.Path, live.Removed, nil)
			}
		case live.OpSet:
			s.setLocked(op.Path, op.Value)
		}
	}
	s.cleanup = nil
	for id, w := range s.watchers {
		delete(s.watchers, id)
		w.close()
	}
	return nil
}
