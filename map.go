// Copyright 2024 The Cockroach Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// package probemap is a Go implementation of a linear probing hash table.
// See https://en.wikipedia.org/wiki/Linear_probing.
//
// # Layout
//
// A Map stores every entry directly in a single array of slots (open
// addressing). Each slot is in one of three states: empty, tombstone, or
// occupied by a key and its value. A key's home slot is hash(key) mod
// capacity, folded into [0, capacity) because hash values may be negative.
// Collisions are resolved by scanning forward one slot at a time, wrapping at
// the end of the array, until the probe finds what it is looking for.
//
// # Probing
//
// Lookups walk the probe sequence starting at the home slot. Occupied slots
// are compared against the key, tombstones are skipped, and an empty slot
// ends the search: an entry is never placed beyond an empty slot on its own
// probe sequence. Probing also stops after visiting every slot once, so a
// table with no empty slots (everything occupied or tombstoned) cannot cause
// an unbounded loop.
//
// Inserts use the same walk. The first empty or tombstoned slot on the
// sequence is remembered as the insertion point, but the walk continues
// until an empty slot (or a full wrap) so that a key sitting beyond a
// tombstone is still detected as a duplicate.
//
// # Deletion
//
// Deletion cannot simply mark a slot empty: other keys whose probe sequence
// passes through the slot would then be cut off. Instead the slot becomes a
// tombstone. Tombstones do not count towards Len but do occupy slots until
// the next resize, which copies only occupied slots into a fresh array.
//
// # Growth
//
// After an insert, if len/capacity >= the load factor the table is resized
// to floor(capacity * growthRatio) slots (at least capacity+1). This repeats
// until the load factor is respected, so after every successful insert
// len/capacity < load factor. Capacity never decreases.
package probemap

import (
	"fmt"
	"hash/maphash"
	"math"
	"reflect"
	"strings"
	"unsafe"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
)

const (
	debug = false

	// DefaultCapacity is the initial capacity used by NewDefault.
	DefaultCapacity = 6
	// DefaultLoadFactor is the load factor used by NewDefault.
	DefaultLoadFactor = 0.5
	// DefaultGrowthRatio is the growth ratio used by NewDefault.
	DefaultGrowthRatio = 1.2

	// maxAllocBytes bounds the size of a single slots array: 2^47-1 bytes
	// on 64-bit platforms and 2^31-1 bytes on 32-bit platforms.
	maxAllocBytes = math.MaxInt>>16 | math.MaxInt32
)

type slotState uint8

const (
	slotEmpty slotState = iota
	slotTombstone
	slotOccupied
)

func (s slotState) String() string {
	switch s {
	case slotEmpty:
		return "empty"
	case slotTombstone:
		return "tombstone"
	case slotOccupied:
		return "occupied"
	default:
		return fmt.Sprintf("slotState(%d)", uint8(s))
	}
}

// Slot holds a key and value. The zero Slot is empty.
type Slot[K comparable, V any] struct {
	key   K
	value V
	state slotState
}

// Hasher is implemented by key types that provide their own hash function.
// Unless WithHash is specified, a Map uses Hash for keys that implement it
// and a seeded hash/maphash hash otherwise. Keys that are == must return the
// same hash.
type Hasher interface {
	Hash() int
}

// Map is a hash map from keys to values using open addressing with linear
// probing and tombstone deletion. Keys are unique: Insert rejects a key that
// is already present and Put overwrites its value.
//
// A Map is NOT goroutine-safe.
type Map[K comparable, V any] struct {
	hash func(key K) int
	seed maphash.Seed
	// The allocator to use for the slots slice.
	allocator Allocator[K, V]
	logger    *zap.Logger
	// slots is capacity in length.
	slots []Slot[K, V]
	// The number of occupied slots (i.e. the number of elements in the map).
	filled int
	// The number of tombstone slots. Reset to zero by every resize.
	tombstones  int
	loadFactor  float64
	growthRatio float64
	// maxCapacity is the capacity growth is clamped to (WithMaxCapacity).
	maxCapacity int
	// slotLimit is the largest slots array that can be allocated. Growth
	// that would step past it fails rather than clamping.
	slotLimit int
	// nillable is set when K can hold nil, in which case keys are checked
	// before use.
	nillable bool
}

// New constructs a new Map with the specified initial capacity, load factor
// and growth ratio. The capacity must be positive, the load factor must be
// in (0, 1] and the growth ratio must be greater than 1. Violations are
// reported as ErrInvalidArgument.
func New[K comparable, V any](
	capacity int, loadFactor, growthRatio float64, options ...option[K, V],
) (*Map[K, V], error) {
	if capacity <= 0 {
		return nil, errors.Wrapf(ErrInvalidArgument, "capacity %d must be positive", capacity)
	}
	// NB: the comparisons are written so that NaN fails them.
	if !(loadFactor > 0 && loadFactor <= 1) {
		return nil, errors.Wrapf(ErrInvalidArgument, "load factor %v must be in (0, 1]", loadFactor)
	}
	if !(growthRatio > 1) || math.IsInf(growthRatio, 1) {
		return nil, errors.Wrapf(ErrInvalidArgument, "growth ratio %v must be a finite value > 1", growthRatio)
	}

	m := &Map[K, V]{
		seed:        maphash.MakeSeed(),
		allocator:   defaultAllocator[K, V]{},
		logger:      zap.NewNop(),
		loadFactor:  loadFactor,
		growthRatio: growthRatio,
		slotLimit:   maxAllocBytes / int(unsafe.Sizeof(Slot[K, V]{})),
		nillable:    nillable[K](),
	}
	m.hash = m.defaultHash
	m.maxCapacity = m.slotLimit

	for _, op := range options {
		op.apply(m)
	}
	m.maxCapacity = min(m.maxCapacity, m.slotLimit)

	if m.hash == nil {
		return nil, errors.Wrap(ErrInvalidArgument, "hash function must not be nil")
	}
	if m.allocator == nil {
		return nil, errors.Wrap(ErrInvalidArgument, "allocator must not be nil")
	}
	if m.logger == nil {
		m.logger = zap.NewNop()
	}
	if capacity > m.maxCapacity {
		return nil, errors.Wrapf(ErrInvalidArgument,
			"capacity %d exceeds maximum capacity %d", capacity, m.maxCapacity)
	}

	slots, err := m.allocSlots(capacity)
	if err != nil {
		return nil, err
	}
	m.slots = slots
	m.checkInvariants()
	return m, nil
}

// NewDefault constructs a new Map using DefaultCapacity, DefaultLoadFactor
// and DefaultGrowthRatio. It panics if the options make construction fail
// (e.g. a maximum capacity below DefaultCapacity).
func NewDefault[K comparable, V any](options ...option[K, V]) *Map[K, V] {
	m, err := New[K, V](DefaultCapacity, DefaultLoadFactor, DefaultGrowthRatio, options...)
	if err != nil {
		panic(err)
	}
	return m
}

// Close releases the slots back to the configured allocator. It is
// unnecessary to close a map using the default allocator. It is invalid to
// use a Map after it has been closed, though Close itself is idempotent.
func (m *Map[K, V]) Close() {
	if m.slots != nil {
		m.allocator.FreeSlots(m.slots)
		m.slots = nil
	}
	m.filled = 0
	m.tombstones = 0
}

// Insert adds an entry for key to the map. It returns ErrDuplicateKey if the
// key is already present and ErrInvalidArgument for a nil key. If the insert
// requires the map to grow and growing fails, ErrResourceExhausted is
// returned. The map is unchanged whenever an error is returned.
func (m *Map[K, V]) Insert(key K, value V) error {
	if err := m.checkKey(key); err != nil {
		return err
	}
	i, free := m.find(key)
	if i >= 0 {
		return errors.Wrapf(ErrDuplicateKey, "insert(%v)", key)
	}
	return m.insertAt(free, key, value)
}

// Put inserts an entry into the map, overwriting the existing value if an
// entry with the same key already exists. Overwriting never grows the map.
func (m *Map[K, V]) Put(key K, value V) error {
	if err := m.checkKey(key); err != nil {
		return err
	}
	i, free := m.find(key)
	if i >= 0 {
		if debug {
			fmt.Printf("put(updating): index=%d key=%v\n", i, key)
		}
		m.slots[i].value = value
		m.checkInvariants()
		return nil
	}
	return m.insertAt(free, key, value)
}

// Get retrieves the value from the map for the specified key. It returns
// ErrKeyNotFound if the key is not present.
func (m *Map[K, V]) Get(key K) (value V, err error) {
	if err := m.checkKey(key); err != nil {
		return value, err
	}
	i, _ := m.find(key)
	if i < 0 {
		return value, errors.Wrapf(ErrKeyNotFound, "get(%v)", key)
	}
	return m.slots[i].value, nil
}

// Contains returns true if the key is present in the map. A nil key is never
// present.
func (m *Map[K, V]) Contains(key K) bool {
	if m.checkKey(key) != nil {
		return false
	}
	i, _ := m.find(key)
	return i >= 0
}

// Remove deletes the entry for key, returning its value. It returns
// ErrKeyNotFound if the key is not present. The slot is left as a tombstone
// and capacity is unchanged.
func (m *Map[K, V]) Remove(key K) (value V, err error) {
	if err := m.checkKey(key); err != nil {
		return value, err
	}
	i, _ := m.find(key)
	if i < 0 {
		return value, errors.Wrapf(ErrKeyNotFound, "remove(%v)", key)
	}
	value = m.slots[i].value
	m.slots[i] = Slot[K, V]{state: slotTombstone}
	m.filled--
	m.tombstones++
	if debug {
		fmt.Printf("remove(%v): index=%d filled=%d tombstones=%d\n", key, i, m.filled, m.tombstones)
	}
	m.checkInvariants()
	return value, nil
}

// Clear deletes all entries from the map, leaving every slot empty. The
// capacity is retained.
func (m *Map[K, V]) Clear() {
	clear(m.slots)
	m.filled = 0
	m.tombstones = 0
	m.checkInvariants()
}

// All calls yield sequentially for each key and value present in the map, in
// slot order. If yield returns false, iteration stops. The map can be
// mutated during iteration, though there is no guarantee that the mutations
// will be visible to the iteration.
func (m *Map[K, V]) All(yield func(key K, value V) bool) {
	// Snapshot the slots so that iteration remains valid if the map is
	// resized during iteration.
	slots := m.slots
	for i := range slots {
		s := &slots[i]
		if s.state != slotOccupied {
			continue
		}
		if !yield(s.key, s.value) {
			return
		}
	}
}

// Len returns the number of entries in the map.
func (m *Map[K, V]) Len() int {
	return m.filled
}

// Capacity returns the number of slots in the map.
func (m *Map[K, V]) Capacity() int {
	return len(m.slots)
}

// Tombstones returns the number of slots holding a tombstone.
func (m *Map[K, V]) Tombstones() int {
	return m.tombstones
}

// String returns a diagnostic rendering of the map listing len/capacity and
// the state of every slot. The format is not stable.
func (m *Map[K, V]) String() string {
	var buf strings.Builder
	fmt.Fprintf(&buf, "%d/%d [", m.filled, len(m.slots))
	for i := range m.slots {
		if i > 0 {
			buf.WriteString(", ")
		}
		switch s := &m.slots[i]; s.state {
		case slotOccupied:
			fmt.Fprintf(&buf, "%v: %v", s.key, s.value)
		default:
			buf.WriteString(s.state.String())
		}
	}
	buf.WriteString("]")
	return buf.String()
}

// find walks the probe sequence for key. It returns the index of the slot
// holding key, or -1 if the key is not present. free is the first empty or
// tombstone slot on the probe sequence, or -1 if every slot is occupied.
func (m *Map[K, V]) find(key K) (index, free int) {
	capacity := len(m.slots)
	start := bucketIndex(m.hash(key), capacity)
	if debug {
		fmt.Printf("find(%v): start=%d capacity=%d\n", key, start, capacity)
	}

	free = -1
	for i := start; ; {
		s := &m.slots[i]
		switch s.state {
		case slotEmpty:
			if free < 0 {
				free = i
			}
			if debug {
				fmt.Printf("find(not-found): index=%d free=%d\n", i, free)
			}
			return -1, free
		case slotTombstone:
			if free < 0 {
				free = i
			}
		case slotOccupied:
			if s.key == key {
				return i, free
			}
		}

		if i++; i == capacity {
			i = 0
		}
		if i == start {
			if debug {
				fmt.Printf("find(wrapped): start=%d free=%d\n", start, free)
			}
			return -1, free
		}
	}
}

// insertAt writes an entry known not to be in the table into slot free and
// grows the table if the load factor has been reached. If growing fails the
// write is undone and the map is left as it was.
func (m *Map[K, V]) insertAt(free int, key K, value V) error {
	// Every slot is occupied. Make room before writing, keeping the old slots
	// around until the insert is known to succeed.
	var oldSlots []Slot[K, V]
	var oldTombstones int
	if free < 0 {
		next, err := m.nextCapacity(len(m.slots))
		if err != nil {
			return errors.Wrapf(err, "insert(%v)", key)
		}
		oldTombstones = m.tombstones
		if oldSlots, err = m.rehash(next); err != nil {
			return errors.Wrapf(err, "insert(%v)", key)
		}
		_, free = m.find(key)
	}

	prev := m.slots[free]
	m.slots[free] = Slot[K, V]{key: key, value: value, state: slotOccupied}
	m.filled++
	if prev.state == slotTombstone {
		m.tombstones--
	}
	if debug {
		fmt.Printf("insert(%v,%v): index=%d filled=%d\n", key, value, free, m.filled)
	}

	if err := m.maybeGrow(); err != nil {
		m.slots[free] = prev
		m.filled--
		if prev.state == slotTombstone {
			m.tombstones++
		}
		if oldSlots != nil {
			m.allocator.FreeSlots(m.slots)
			m.slots = oldSlots
			m.tombstones = oldTombstones
		}
		return errors.Wrapf(err, "insert(%v)", key)
	}
	if oldSlots != nil {
		m.allocator.FreeSlots(oldSlots)
	}
	m.checkInvariants()
	return nil
}

func (m *Map[K, V]) overloaded(capacity int) bool {
	return float64(m.filled)/float64(capacity) >= m.loadFactor
}

// maybeGrow resizes the table if the load factor has been reached. A single
// growth step is not guaranteed to bring the load factor back under the
// threshold (e.g. a growth ratio close to 1), so the target capacity is
// stepped until it does and the table is resized once.
func (m *Map[K, V]) maybeGrow() error {
	capacity := len(m.slots)
	for m.overloaded(capacity) {
		next, err := m.nextCapacity(capacity)
		if err != nil {
			return err
		}
		capacity = next
	}
	if capacity == len(m.slots) {
		return nil
	}
	return m.resize(capacity)
}

// nextCapacity returns floor(capacity * growthRatio), bumped to capacity+1
// when the ratio does not increase the capacity and clamped to the maximum
// capacity. Stepping past the largest allocatable slots array is an error.
func (m *Map[K, V]) nextCapacity(capacity int) (int, error) {
	f := math.Floor(float64(capacity) * m.growthRatio)
	next := m.maxCapacity
	if f < float64(m.maxCapacity) {
		next = int(f)
	}
	if next <= capacity {
		next = capacity + 1
	}
	if f > float64(m.slotLimit) || next <= capacity || next > m.maxCapacity {
		m.logger.Warn("cannot grow past maximum capacity",
			zap.Int("capacity", capacity),
			zap.Int("max-capacity", m.maxCapacity),
			zap.Float64("target", f),
			zap.Int("filled", m.filled))
		return 0, errors.Wrapf(ErrResourceExhausted,
			"growing capacity %d by %v past maximum %d", capacity, m.growthRatio, m.maxCapacity)
	}
	return next, nil
}

// resize allocates a table of newCapacity empty slots, re-places every
// occupied slot into it and releases the old table to the allocator. On
// error the map is unchanged.
func (m *Map[K, V]) resize(newCapacity int) error {
	oldSlots, err := m.rehash(newCapacity)
	if err != nil {
		return err
	}
	m.allocator.FreeSlots(oldSlots)
	return nil
}

// rehash installs a table of newCapacity empty slots holding every occupied
// slot, placed in slot order using the same home slot and linear probe as
// insertion. Tombstones are dropped. The old slots are returned and not
// released. On error the map is unchanged.
func (m *Map[K, V]) rehash(newCapacity int) (oldSlots []Slot[K, V], _ error) {
	slots, err := m.allocSlots(newCapacity)
	if err != nil {
		return nil, err
	}

	oldSlots = m.slots
	for i := range oldSlots {
		s := &oldSlots[i]
		if s.state != slotOccupied {
			continue
		}
		j := bucketIndex(m.hash(s.key), newCapacity)
		for slots[j].state != slotEmpty {
			if j++; j == newCapacity {
				j = 0
			}
		}
		slots[j] = *s
	}

	m.logger.Debug("resized",
		zap.Int("old-capacity", len(oldSlots)),
		zap.Int("new-capacity", newCapacity),
		zap.Int("filled", m.filled),
		zap.Int("dropped-tombstones", m.tombstones))
	if debug {
		fmt.Printf("resize: capacity=%d->%d filled=%d\n", len(oldSlots), newCapacity, m.filled)
	}

	m.slots = slots
	m.tombstones = 0
	return oldSlots, nil
}

func (m *Map[K, V]) allocSlots(n int) ([]Slot[K, V], error) {
	slots := m.allocator.AllocSlots(n)
	if len(slots) != n {
		if slots != nil {
			m.allocator.FreeSlots(slots)
		}
		m.logger.Warn("slot allocation failed",
			zap.Int("requested", n),
			zap.Int("allocated", len(slots)))
		return nil, errors.Wrapf(ErrResourceExhausted, "allocating %d slots", n)
	}
	return slots, nil
}

func (m *Map[K, V]) checkKey(key K) error {
	if m.nillable && reflect.ValueOf(&key).Elem().IsNil() {
		return errors.Wrap(ErrInvalidArgument, "key must not be nil")
	}
	return nil
}

func (m *Map[K, V]) defaultHash(key K) int {
	if h, ok := any(key).(Hasher); ok {
		return h.Hash()
	}
	return int(maphash.Comparable(m.seed, key))
}

func (m *Map[K, V]) checkInvariants() {
	if invariants {
		if m.slots == nil {
			if m.filled != 0 || m.tombstones != 0 {
				panic(fmt.Sprintf("invariant failed: closed map has filled=%d tombstones=%d",
					m.filled, m.tombstones))
			}
			return
		}

		// For every occupied slot, verify we find the key at that slot (which
		// also proves there is no earlier duplicate on its probe sequence).
		// Count the number of occupied and tombstone slots.
		var filled, tombstones int
		for i := range m.slots {
			s := &m.slots[i]
			switch s.state {
			case slotEmpty:
			case slotTombstone:
				tombstones++
			case slotOccupied:
				if j, _ := m.find(s.key); j != i {
					panic(fmt.Sprintf("invariant failed: slot(%d): %v found at %d [hash=%d]\n%s",
						i, s.key, j, m.hash(s.key), m.debugString()))
				}
				filled++
			default:
				panic(fmt.Sprintf("invariant failed: slot(%d): unexpected %s", i, s.state))
			}
		}

		if filled != m.filled {
			panic(fmt.Sprintf("invariant failed: found %d occupied slots, but filled count is %d\n%s",
				filled, m.filled, m.debugString()))
		}
		if tombstones != m.tombstones {
			panic(fmt.Sprintf("invariant failed: found %d tombstones, but tombstone count is %d\n%s",
				tombstones, m.tombstones, m.debugString()))
		}
		if m.overloaded(len(m.slots)) {
			panic(fmt.Sprintf("invariant failed: load %d/%d reached load factor %v\n%s",
				m.filled, len(m.slots), m.loadFactor, m.debugString()))
		}
	}
}

func (m *Map[K, V]) debugString() string {
	var buf strings.Builder
	fmt.Fprintf(&buf, "capacity=%d  filled=%d  tombstones=%d\n", len(m.slots), m.filled, m.tombstones)
	for i := range m.slots {
		switch s := &m.slots[i]; s.state {
		case slotOccupied:
			h := m.hash(s.key)
			fmt.Fprintf(&buf, "  %4d: %v [hash=%d home=%d]\n", i, s.key, h, bucketIndex(h, len(m.slots)))
		default:
			fmt.Fprintf(&buf, "  %4d: %s\n", i, s.state)
		}
	}
	return buf.String()
}

// bucketIndex folds the hash h into [0, capacity). Unlike h % capacity the
// result is never negative.
func bucketIndex(h, capacity int) int {
	i := h % capacity
	if i < 0 {
		i += capacity
	}
	return i
}

// nillable returns true if values of type K can be nil.
func nillable[K any]() bool {
	switch reflect.TypeFor[K]().Kind() {
	case reflect.Pointer, reflect.Interface, reflect.Chan, reflect.UnsafePointer:
		return true
	}
	return false
}
