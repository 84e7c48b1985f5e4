// Package store is the embedded, durable state engine behind the bucket
// registry. It guarantees linearizable access to a single (type,key) bucket
// while letting distinct keys proceed in parallel: a fixed set of
// lock-striped shards, selected by hashing the lookup key, bounds contention
// by shard count rather than by a single global mutex.
//
// State written here must survive a restart, so each shard's critical
// section also appends the post-mutation state to a go.etcd.io/bbolt
// database opened in the same process. bbolt serializes all writes behind
// one writer transaction; the in-memory shard locks bound CPU contention on
// the hot path, bbolt bounds durability latency.
package store

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/dchest/siphash"
	"go.etcd.io/bbolt"

	"github.com/limitd/limitd-go/internal/bucket"
	"github.com/limitd/limitd-go/internal/errs"
	"github.com/limitd/limitd-go/internal/eventbus"
	"github.com/limitd/limitd-go/internal/metrics"
)

// observe records how long a single store engine operation took, feeding
// metrics.StoreOpDuration.
func observe(op string, start time.Time) {
	metrics.StoreOpDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

const (
	defaultShardCount = 256
	bucketsBucketName = "buckets"
	maxPrefixResults  = 100
)

// shardKeyA/B are the fixed siphash keys used to select a shard. They need
// not be secret; they only need to stay constant across a process lifetime
// so that a given (type,key) always lands on the same shard.
var shardKeyA, shardKeyB uint64 = 0x9ae16a3b2f90404f, 0xc2b2ae3d27d4eb4f

type shard struct {
	mu     sync.Mutex
	states map[string]bucket.State
}

// Store is the durable, sharded engine behind TAKE/PUT/STATUS/RESET/WAIT.
type Store struct {
	db     *bbolt.DB
	shards []*shard
	mask   uint64
	bus    *eventbus.Bus
}

// Open opens (creating if absent) the bbolt database at path; its contents
// are left on disk and entries are loaded lazily on first touch rather than
// all at once. Lifecycle events are published on bus as the engine
// transitions through opening, ready, and (on Close) closed.
func Open(path string, bus *eventbus.Bus) (*Store, error) {
	bus.Publish(eventbus.TopicStoreRepairing, path)

	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		bus.Publish(eventbus.TopicStoreError, err.Error())
		return nil, errs.Wrap(errs.KindStoreFatal, "open store", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(bucketsBucketName))
		return err
	})
	if err != nil {
		db.Close()
		bus.Publish(eventbus.TopicStoreError, err.Error())
		return nil, errs.Wrap(errs.KindStoreFatal, "init schema", err)
	}

	shards := make([]*shard, defaultShardCount)
	for i := range shards {
		shards[i] = &shard{states: make(map[string]bucket.State)}
	}

	s := &Store{
		db:     db,
		shards: shards,
		mask:   uint64(defaultShardCount - 1),
		bus:    bus,
	}

	bus.Publish(eventbus.TopicStoreReady, path)
	return s, nil
}

func storeKey(typ, key string) string {
	return typ + "\x00" + key
}

func (s *Store) shardFor(typ, key string) *shard {
	h := siphash.Hash(shardKeyA, shardKeyB, []byte(storeKey(typ, key)))
	return s.shards[h&s.mask]
}

// load returns the current state for (typ,key), reading through to bbolt on
// a cold in-memory shard. fresh is called to produce the initial state when
// neither the shard nor bbolt has one yet.
func (s *Store) load(tx *bbolt.Tx, sh *shard, skey string, fresh func() bucket.State) bucket.State {
	if st, ok := sh.states[skey]; ok {
		return st
	}

	b := tx.Bucket([]byte(bucketsBucketName))
	if raw := b.Get([]byte(skey)); raw != nil {
		if st, err := decodeState(raw); err == nil {
			sh.states[skey] = st
			return st
		}
	}

	st := fresh()
	sh.states[skey] = st
	return st
}

func (s *Store) persist(tx *bbolt.Tx, skey string, st bucket.State) error {
	b := tx.Bucket([]byte(bucketsBucketName))
	return b.Put([]byte(skey), encodeState(st))
}

// Take attempts to remove count tokens from bucket (typ,key) governed by
// lim, and reports whether the request was conformant. The state mutation
// and its bbolt write happen inside the shard's lock, so concurrent TAKE
// calls on the same key are linearized while distinct keys proceed on other shards untouched.
func (s *Store) Take(ctx context.Context, typ, key string, lim bucket.Limits, count int64, now time.Time) (bucket.State, bool, error) {
	defer observe("take", time.Now())

	sh := s.shardFor(typ, key)
	skey := storeKey(typ, key)

	sh.mu.Lock()
	defer sh.mu.Unlock()

	var result bucket.State
	var conformant bool
	err := s.db.Update(func(tx *bbolt.Tx) error {
		cur := s.load(tx, sh, skey, func() bucket.State { return lim.Fresh(now) })
		result, conformant = lim.Take(cur, count, now)
		sh.states[skey] = result
		return s.persist(tx, skey, result)
	})
	if err != nil {
		return bucket.State{}, false, errs.Wrap(errs.KindStoreTransient, "take", err)
	}
	return result, conformant, nil
}

// Put adds tokens back to bucket (typ,key), optionally filling it to
// capacity when all is true.
func (s *Store) Put(ctx context.Context, typ, key string, lim bucket.Limits, count int64, all bool, now time.Time) (bucket.State, error) {
	defer observe("put", time.Now())

	sh := s.shardFor(typ, key)
	skey := storeKey(typ, key)

	sh.mu.Lock()
	defer sh.mu.Unlock()

	var result bucket.State
	err := s.db.Update(func(tx *bbolt.Tx) error {
		cur := s.load(tx, sh, skey, func() bucket.State { return lim.Fresh(now) })
		result = lim.Put(cur, count, all, now)
		sh.states[skey] = result
		return s.persist(tx, skey, result)
	})
	if err != nil {
		return bucket.State{}, errs.Wrap(errs.KindStoreTransient, "put", err)
	}
	return result, nil
}

// Get reads the current state of bucket (typ,key) without mutating it,
// refilling the view to now so STATUS reflects drift-free elapsed time.
func (s *Store) Get(ctx context.Context, typ, key string, lim bucket.Limits, now time.Time) (bucket.State, error) {
	defer observe("get", time.Now())

	sh := s.shardFor(typ, key)
	skey := storeKey(typ, key)

	sh.mu.Lock()
	defer sh.mu.Unlock()

	var result bucket.State
	err := s.db.View(func(tx *bbolt.Tx) error {
		cur := s.load(tx, sh, skey, func() bucket.State { return lim.Fresh(now) })
		result = lim.Refill(cur, now)
		return nil
	})
	if err != nil {
		return bucket.State{}, errs.Wrap(errs.KindStoreTransient, "get", err)
	}
	return result, nil
}

// Reset erases bucket (typ,key) back to a full, freshly-dripped state.
func (s *Store) Reset(ctx context.Context, typ, key string, lim bucket.Limits, now time.Time) error {
	defer observe("reset", time.Now())

	sh := s.shardFor(typ, key)
	skey := storeKey(typ, key)

	sh.mu.Lock()
	defer sh.mu.Unlock()

	fresh := lim.Fresh(now)
	err := s.db.Update(func(tx *bbolt.Tx) error {
		sh.states[skey] = fresh
		return s.persist(tx, skey, fresh)
	})
	if err != nil {
		return errs.Wrap(errs.KindStoreTransient, "reset", err)
	}
	return nil
}

// Erase removes bucket (typ,key) entirely; a subsequent Take or Get treats
// it as never having existed.
func (s *Store) Erase(ctx context.Context, typ, key string) error {
	defer observe("erase", time.Now())

	sh := s.shardFor(typ, key)
	skey := storeKey(typ, key)

	sh.mu.Lock()
	defer sh.mu.Unlock()

	err := s.db.Update(func(tx *bbolt.Tx) error {
		delete(sh.states, skey)
		b := tx.Bucket([]byte(bucketsBucketName))
		return b.Delete([]byte(skey))
	})
	if err != nil {
		return errs.Wrap(errs.KindStoreTransient, "erase", err)
	}
	return nil
}

// Wait blocks, at most once, until enough tokens are available to satisfy
// count or ctx is done — never a polling loop. It computes the wait duration from
// the current state, sleeps once, then retries Take exactly one time.
func (s *Store) Wait(ctx context.Context, typ, key string, lim bucket.Limits, count int64, now time.Time) (bucket.State, bool, error) {
	st, conformant, err := s.Take(ctx, typ, key, lim, count, now)
	if err != nil {
		return bucket.State{}, false, err
	}
	if conformant {
		return st, true, nil
	}

	d := lim.WaitDuration(st.Tokens, count, now)
	if d <= 0 {
		return st, false, nil
	}

	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
		return st, false, ctx.Err()
	}

	return s.Take(ctx, typ, key, lim, count, time.Now())
}

// StatusEntry is one key's state returned by a STATUS prefix scan.
type StatusEntry struct {
	Key   string
	State bucket.State
}

// StatusPrefix lists up to maxPrefixResults keys of bucket type typ whose key
// starts with prefix, walking bbolt's ordered B-tree cursor rather than the
// unordered in-memory shards so results come back in a stable, deterministic
// order.
func (s *Store) StatusPrefix(ctx context.Context, typ, prefix string) ([]StatusEntry, error) {
	defer observe("status_prefix", time.Now())

	lo := []byte(storeKey(typ, prefix))

	var out []StatusEntry
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(bucketsBucketName))
		c := b.Cursor()
		for k, v := c.Seek(lo); k != nil && len(out) < maxPrefixResults; k, v = c.Next() {
			ks := string(k)
			if !hasStorePrefix(ks, typ, prefix) {
				break
			}
			st, err := decodeState(v)
			if err != nil {
				continue
			}
			out = append(out, StatusEntry{Key: ks[len(typ)+1:], State: st})
		}
		return nil
	})
	if err != nil {
		return nil, errs.Wrap(errs.KindStoreTransient, "status prefix scan", err)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func hasStorePrefix(stored, typ, prefix string) bool {
	want := storeKey(typ, prefix)
	if len(stored) < len(want) {
		return false
	}
	return stored[:len(want)] == want
}

// Close drains any in-flight shard operations and closes the underlying
// database, publishing TopicStoreClose once complete. Every single-key
// operation holds its shard lock for its whole bbolt round-trip, so
// acquiring each shard lock once guarantees no operation is still mid-write.
func (s *Store) Close() error {
	for _, sh := range s.shards {
		sh.mu.Lock()
		sh.mu.Unlock() //nolint:staticcheck // acquire-release drains any in-flight holder
	}

	err := s.db.Close()
	s.bus.Publish(eventbus.TopicStoreClose, nil)
	return err
}

const stateEncodingLen = 1 + 8 + 8 + 1 + 8

// encodeState serializes a bucket.State to a fixed-length binary record:
// version byte, tokens (float64 bits), last-drip unix nanos, a
// before-drop-present flag, and the before-drop value.
func encodeState(st bucket.State) []byte {
	buf := make([]byte, stateEncodingLen)
	buf[0] = 1
	binary.BigEndian.PutUint64(buf[1:9], math.Float64bits(st.Tokens))
	binary.BigEndian.PutUint64(buf[9:17], uint64(st.LastDrip.UnixNano()))
	if st.BeforeDrop != nil {
		buf[17] = 1
		binary.BigEndian.PutUint64(buf[18:26], math.Float64bits(*st.BeforeDrop))
	}
	return buf
}

func decodeState(buf []byte) (bucket.State, error) {
	if len(buf) != stateEncodingLen || buf[0] != 1 {
		return bucket.State{}, fmt.Errorf("store: malformed state record")
	}
	st := bucket.State{
		Tokens:   math.Float64frombits(binary.BigEndian.Uint64(buf[1:9])),
		LastDrip: time.Unix(0, int64(binary.BigEndian.Uint64(buf[9:17]))),
	}
	if buf[17] == 1 {
		v := math.Float64frombits(binary.BigEndian.Uint64(buf[18:26]))
		st.BeforeDrop = &v
	}
	return st, nil
}
