// Package liveredis implements live.Store on Redis. Values live at
// per-path string keys, each parent keeps a ZSET index of its direct
// children ordered by first write, and watch events travel over pub/sub
// channels keyed by path.
package liveredis

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/otavioch/tandem/internal/live"
)

const (
	watchBuffer    = 256
	updateAttempts = 8
)

// Options configures a Store.
type Options struct {
	Addr     string
	Password string
	DB       int
	// Prefix namespaces every key; defaults to "tandem".
	Prefix string
}

// Store is a Redis-backed live channel session.
type Store struct {
	rdb    *redis.Client
	prefix string
	logger *zap.Logger

	mu      sync.Mutex
	cleanup []live.Op
	closed  bool
}

// New connects to Redis and verifies the connection.
func New(ctx context.Context, opts Options, logger *zap.Logger) (*Store, error) {
	if opts.Prefix == "" {
		opts.Prefix = "tandem"
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &Store{rdb: rdb, prefix: opts.Prefix, logger: logger}, nil
}

var _ live.Store = (*Store)(nil)

func (s *Store) key(path string) string      { return s.prefix + ":" + path }
func (s *Store) idxKey(parent string) string { return s.prefix + ":idx:" + parent }
func (s *Store) evtChan(path string) string  { return s.prefix + ":evt:" + path }

// wireEvent is the pub/sub payload. Value rides as base64 via
// encoding/json's []byte handling.
type wireEvent struct {
	Type  int    `json:"t"`
	Path  string `json:"p"`
	Value []byte `json:"v,omitempty"`
}

func childName(path string) string {
	if i := strings.LastIndexByte(path, '/'); i >= 0 {
		return path[i+1:]
	}
	return path
}

// index records path under its parent's ZSET. NX keeps first-write order.
// Returns true when the child is new.
func (s *Store) index(ctx context.Context, path string) (bool, error) {
	parent := live.Parent(path)
	if parent == "" {
		return false, nil
	}
	n, err := s.rdb.ZAddNX(ctx, s.idxKey(parent), redis.Z{
		Score:  float64(time.Now().UnixMilli()),
		Member: childName(path),
	}).Result()
	return n > 0, err
}

func (s *Store) publish(ctx context.Context, typ live.EventType, path string, value []byte) {
	payload, _ := json.Marshal(wireEvent{Type: int(typ), Path: path, Value: value})
	if err := s.rdb.Publish(ctx, s.evtChan(path), payload).Err(); err != nil && s.logger != nil {
		s.logger.Warn("publish live event", zap.Error(err), zap.String("path", path))
	}
}

func (s *Store) Set(ctx context.Context, path string, value []byte) error {
	if err := s.rdb.Set(ctx, s.key(path), value, 0).Err(); err != nil {
		return fmt.Errorf("live set %s: %w", path, err)
	}
	added, err := s.index(ctx, path)
	if err != nil {
		return fmt.Errorf("live index %s: %w", path, err)
	}
	typ := live.Changed
	if added {
		typ = live.Added
	}
	s.publish(ctx, typ, path, value)
	return nil
}

func (s *Store) Get(ctx context.Context, path string) ([]byte, bool, error) {
	v, err := s.rdb.Get(ctx, s.key(path)).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("live get %s: %w", path, err)
	}
	return v, true, nil
}

func (s *Store) Delete(ctx context.Context, path string) error {
	n, err := s.rdb.Del(ctx, s.key(path)).Result()
	if err != nil {
		return fmt.Errorf("live delete %s: %w", path, err)
	}
	if parent := live.Parent(path); parent != "" {
		_ = s.rdb.ZRem(ctx, s.idxKey(parent), childName(path)).Err()
	}
	if n > 0 {
		s.publish(ctx, live.Removed, path, nil)
	}
	return nil
}

func (s *Store) Update(ctx context.Context, path string, fn func(cur []byte) ([]byte, error)) error {
	key := s.key(path)
	var written []byte
	var existed bool

	txn := func(tx *redis.Tx) error {
		cur, err := tx.Get(ctx, key).Bytes()
		if err == redis.Nil {
			cur = nil
		} else if err != nil {
			return err
		}
		existed = cur != nil
		next, err := fn(cur)
		if err != nil {
			return err
		}
		if next == nil {
			written = nil
			return nil
		}
		written = next
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, next, 0)
			return nil
		})
		return err
	}

	var err error
	for i := 0; i < updateAttempts; i++ {
		err = s.rdb.Watch(ctx, txn, key)
		if err != redis.TxFailedErr {
			break
		}
	}
	if err != nil {
		return fmt.Errorf("live update %s: %w", path, err)
	}
	if written == nil {
		return nil
	}
	if _, err := s.index(ctx, path); err != nil {
		return fmt.Errorf("live index %s: %w", path, err)
	}
	typ := live.Changed
	if !existed {
		typ = live.Added
	}
	s.publish(ctx, typ, path, written)
	return nil
}

func (s *Store) Incr(ctx context.Context, path string, delta int64) (int64, error) {
	n, err := s.rdb.IncrBy(ctx, s.key(path), delta).Result()
	if err != nil {
		return 0, fmt.Errorf("live incr %s: %w", path, err)
	}
	added, err := s.index(ctx, path)
	if err != nil {
		return n, fmt.Errorf("live index %s: %w", path, err)
	}
	typ := live.Changed
	if added {
		typ = live.Added
	}
	s.publish(ctx, typ, path, live.FormatCounter(n))
	return n, nil
}

func (s *Store) Exists(ctx context.Context, path string) (bool, error) {
	n, err := s.rdb.Exists(ctx, s.key(path)).Result()
	if err != nil {
		return false, fmt.Errorf("live exists %s: %w", path, err)
	}
	return n > 0, nil
}

func (s *Store) Children(ctx context.Context, path string) (map[string][]byte, error) {
	names, err := s.rdb.ZRange(ctx, s.idxKey(path), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("live children %s: %w", path, err)
	}
	out := make(map[string][]byte, len(names))
	if len(names) == 0 {
		return out, nil
	}
	keys := make([]string, len(names))
	for i, n := range names {
		keys[i] = s.key(path + "/" + n)
	}
	vals, err := s.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("live children values %s: %w", path, err)
	}
	for i, v := range vals {
		if sv, ok := v.(string); ok {
			out[names[i]] = []byte(sv)
		}
	}
	return out, nil
}

func (s *Store) Watch(ctx context.Context, path string, window int) (<-chan live.Event, func(), error) {
	// Subscribe before the replay so nothing written in between is missed;
	// a child may then arrive both replayed and as an event, which readers
	// treat as an upsert.
	pubsub := s.rdb.PSubscribe(ctx, s.evtChan(path)+"/*")
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, nil, fmt.Errorf("live watch %s: %w", path, err)
	}

	ch := make(chan live.Event, watchBuffer)
	go func() {
		defer close(ch)

		start := int64(0)
		if window > 0 {
			start = int64(-window)
		}
		names, err := s.rdb.ZRange(ctx, s.idxKey(path), start, -1).Result()
		if err != nil && s.logger != nil {
			s.logger.Warn("live watch replay", zap.Error(err), zap.String("path", path))
		}
		for _, name := range names {
			v, err := s.rdb.Get(ctx, s.key(path+"/"+name)).Bytes()
			if err != nil {
				continue
			}
			ch <- live.Event{Type: live.Added, Key: name, Value: v}
		}
		ch <- live.Event{Type: live.InitialSync}

		for msg := range pubsub.Channel() {
			var we wireEvent
			if err := json.Unmarshal([]byte(msg.Payload), &we); err != nil {
				continue
			}
			rel, ok := strings.CutPrefix(we.Path, path+"/")
			if !ok {
				continue
			}
			select {
			case ch <- live.Event{Type: live.EventType(we.Type), Key: rel, Value: we.Value}:
			default:
				if s.logger != nil {
					s.logger.Warn("live watch buffer full, event dropped", zap.String("path", path))
				}
			}
		}
	}()

	var once sync.Once
	cancel := func() {
		once.Do(func() { _ = pubsub.Close() })
	}
	return ch, cancel, nil
}

func (s *Store) QueueDisconnect(ops ...live.Op) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cleanup = append(s.cleanup, ops...)
}

// Close runs queued disconnect ops, then releases the client. The
// cleanup runs client-side: it covers graceful shutdown, and an abrupt
// crash is covered by the next Connect overwriting presence state.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	ops := s.cleanup
	s.cleanup = nil
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, op := range ops {
		switch op.Kind {
		case live.OpDelete:
			if err := s.Delete(ctx, op.Path); err != nil && s.logger != nil {
				s.logger.Warn("disconnect cleanup", zap.Error(err), zap.String("path", op.Path))
			}
		case live.OpSet:
			if err := s.Set(ctx, op.Path, op.Value); err != nil && s.logger != nil {
				s.logger.Warn("disconnect cleanup", zap.Error(err), zap.String("path", op.Path))
			}
		}
	}
	return s.rdb.Close()
}
