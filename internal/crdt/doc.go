// Package crdt implements the conflict-free document held by each room.
//
// A Doc is a set of named maps whose values are last-writer-wins
// registers ordered by (Lamport clock, client id). Merging is commutative,
// associative and idempotent, so replicas converge regardless of the order
// updates arrive in. Updates and full states share one CBOR encoding.
package crdt

import (
	"bytes"
	"errors"
	"sort"
)

var ErrMalformedUpdate = errors.New("malformed update")

type register struct {
	value   []byte
	clock   uint64
	client  string
	deleted bool
}

// newer reports whether r wins over other. Identical (clock, client) pairs
// only occur when a replica misbehaves; the byte comparison keeps the
// outcome deterministic in that case.
func (r register) newer(other register) bool {
	if r.clock != other.clock {
		return r.clock > other.clock
	}
	if r.client != other.client {
		return r.client > other.client
	}
	if r.deleted != other.deleted {
		return r.deleted
	}
	return bytes.Compare(r.value, other.value) > 0
}

// Event describes a change that was applied to a Doc.
type Event struct {
	Origin  string
	Changed int
	Local   bool
}

// Doc is not safe for concurrent use. Callers serialize access.
type Doc struct {
	client    string
	clock     uint64
	maps      map[string]map[string]register
	observers []func(Event)
}

func New(clientID string) *Doc {
	return &Doc{
		client: clientID,
		maps:   make(map[string]map[string]register),
	}
}

// Observe registers fn to run after every update or transaction that
// changed at least one register.
func (d *Doc) Observe(fn func(Event)) {
	d.observers = append(d.observers, fn)
}

func (d *Doc) Get(mapName, key string) ([]byte, bool) {
	reg, ok := d.maps[mapName][key]
	if !ok || reg.deleted {
		return nil, false
	}
	return append([]byte(nil), reg.value...), true
}

// Keys returns the live keys of mapName in sorted order.
func (d *Doc) Keys(mapName string) []string {
	keys := make([]string, 0, len(d.maps[mapName]))
	for key, reg := range d.maps[mapName] {
		if !reg.deleted {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys
}

// Len counts live registers across all maps.
func (d *Doc) Len() int {
	count := 0
	for _, entries := range d.maps {
		for _, reg := range entries {
			if !reg.deleted {
				count++
			}
		}
	}
	return count
}

func (d *Doc) Empty() bool {
	return d.Len() == 0
}

// EncodeState serializes every register, tombstones included.
func (d *Doc) EncodeState() ([]byte, error) {
	mapNames := make([]string, 0, len(d.maps))
	for name := range d.maps {
		mapNames = append(mapNames, name)
	}
	sort.Strings(mapNames)

	var entries []wireEntry
	for _, name := range mapNames {
		keys := make([]string, 0, len(d.maps[name]))
		for key := range d.maps[name] {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		for _, key := range keys {
			reg := d.maps[name][key]
			entries = append(entries, wireEntry{
				Map:     name,
				Key:     key,
				Value:   reg.value,
				Clock:   reg.clock,
				Client:  reg.client,
				Deleted: reg.deleted,
			})
		}
	}
	return encodeEntries(entries)
}

// ApplyUpdate merges an encoded update or full state. The document is left
// untouched when the update cannot be decoded.
func (d *Doc) ApplyUpdate(update []byte, origin string) error {
	entries, err := decodeEntries(update)
	if err != nil {
		return err
	}
	changed := 0
	for _, entry := range entries {
		reg := register{
			value:   entry.Value,
			clock:   entry.Clock,
			client:  entry.Client,
			deleted: entry.Deleted,
		}
		if reg.deleted {
			reg.value = nil
		}
		if d.merge(entry.Map, entry.Key, reg) {
			changed++
		}
		if entry.Clock > d.clock {
			d.clock = entry.Clock
		}
	}
	d.emit(Event{Origin: origin, Changed: changed})
	return nil
}

// Transact runs fn and returns the encoded delta of every write it made,
// or nil when fn wrote nothing.
func (d *Doc) Transact(origin string, fn func(*Txn)) ([]byte, error) {
	txn := &Txn{doc: d}
	fn(txn)
	if len(txn.entries) == 0 {
		return nil, nil
	}
	d.emit(Event{Origin: origin, Changed: len(txn.entries), Local: true})
	return encodeEntries(txn.entries)
}

func (d *Doc) merge(mapName, key string, incoming register) bool {
	entries, ok := d.maps[mapName]
	if !ok {
		entries = make(map[string]register)
		d.maps[mapName] = entries
	}
	current, exists := entries[key]
	if exists && !incoming.newer(current) {
		return false
	}
	entries[key] = incoming
	return true
}

func (d *Doc) emit(event Event) {
	if event.Changed == 0 {
		return
	}
	for _, fn := range d.observers {
		fn(event)
	}
}

// Txn collects the writes of one Transact call.
type Txn struct {
	doc     *Doc
	entries []wireEntry
}

func (t *Txn) Set(mapName, key string, value []byte) {
	t.write(mapName, key, append([]byte(nil), value...), false)
}

func (t *Txn) Delete(mapName, key string) {
	if _, ok := t.doc.Get(mapName, key); !ok {
		return
	}
	t.write(mapName, key, nil, true)
}

func (t *Txn) Get(mapName, key string) ([]byte, bool) {
	return t.doc.Get(mapName, key)
}

func (t *Txn) write(mapName, key string, value []byte, deleted bool) {
	if mapName == "" || key == "" {
		return
	}
	t.doc.clock++
	reg := register{value: value, clock: t.doc.clock, client: t.doc.client, deleted: deleted}
	t.doc.merge(mapName, key, reg)
	t.entries = append(t.entries, wireEntry{
		Map:     mapName,
		Key:     key,
		Value:   value,
		Clock:   reg.clock,
		Client:  reg.client,
		Deleted: deleted,
	})
}
