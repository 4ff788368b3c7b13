// Copyright 2024 StreamWeave Contributors.
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

package state

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/dgraph-io/badger/v4"
	jsoniter "github.com/json-iterator/go"
)

// DefaultPrefix is the sub-store prefix used by plain (non-windowed) state.
const DefaultPrefix byte = 0x00

var (
	// ErrTransactionOpen is returned by Begin while a previous transaction on
	// the same partition is still open. One open transaction per partition.
	ErrTransactionOpen = errors.New("store partition already has an open transaction")

	// ErrFenced is returned when opening a partition whose metadata records a
	// newer writer epoch. A stale instance must not touch the store.
	ErrFenced = errors.New("store partition is owned by a newer writer epoch")

	// ErrUnknownPrefix is returned when a transaction addresses a sub-store
	// prefix that was never reserved on the partition.
	ErrUnknownPrefix = errors.New("sub-store prefix not reserved on this partition")
)

var metaJson = jsoniter.ConfigCompatibleWithStandardLibrary

const metaFileName = ".meta"

// partitionMeta is the sidecar metadata persisted next to the dataset:
// the changelog watermark already applied to local state, and the writer
// epoch used for fencing.
type partitionMeta struct {
	ProcessedOffset int64 `json:"processed_offset"`
	Epoch           int64 `json:"epoch"`
}

/*
StorePartition is one slice of a named key-value store, bound 1:1 to an input
Kafka partition. It is backed by a badger dataset at
{state_dir}/{group}/{store}/{partition} plus a small metadata file.

All keys are composite: one sub-store prefix byte followed by the user key.
Sub-store prefixes must be reserved via [StorePartition.ReservePrefix] before
use; operators own disjoint prefixes within the one changelog topic.
*/
type StorePartition struct {
	store          string
	partition      int32
	changelogTopic string
	dir            string
	db             *badger.DB
	meta           partitionMeta
	open           *Transaction
	prefixes       map[byte]string
	mux            sync.Mutex
}

// OpenPartition opens (creating if necessary) the store partition dataset.
// `epoch` is the writer's fencing token: opening with an epoch lower than the
// persisted one fails with [ErrFenced], and the persisted epoch is advanced
// otherwise. changelogTopic may be empty when changelogs are disabled.
func OpenPartition(dir, store string, partition int32, changelogTopic string, epoch int64) (*StorePartition, error) {
	path := filepath.Join(dir, store, fmt.Sprintf("%d", partition))
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, err
	}
	meta, err := readMeta(path)
	if err != nil {
		return nil, err
	}
	if meta.Epoch > epoch {
		return nil, fmt.Errorf("%w: persisted epoch %d, ours %d", ErrFenced, meta.Epoch, epoch)
	}
	opts := badger.DefaultOptions(path).
		WithLogger(badgerLogger{}).
		WithCompactL0OnClose(true)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("opening store %s/%d: %w", store, partition, err)
	}
	sp := &StorePartition{
		store:          store,
		partition:      partition,
		changelogTopic: changelogTopic,
		dir:            path,
		db:             db,
		meta:           meta,
		prefixes:       map[byte]string{DefaultPrefix: "default"},
	}
	sp.meta.Epoch = epoch
	if err := sp.writeMeta(); err != nil {
		db.Close()
		return nil, err
	}
	log.Debugf("opened store partition %s/%d at %s, processed offset: %d", store, partition, path, meta.ProcessedOffset)
	return sp, nil
}

func readMeta(dir string) (partitionMeta, error) {
	meta := partitionMeta{ProcessedOffset: -1}
	raw, err := os.ReadFile(filepath.Join(dir, metaFileName))
	if errors.Is(err, os.ErrNotExist) {
		return meta, nil
	}
	if err != nil {
		return meta, err
	}
	err = metaJson.Unmarshal(raw, &meta)
	return meta, err
}

// writeMeta persists the metadata file atomically (write temp, rename).
func (sp *StorePartition) writeMeta() error {
	raw, err := metaJson.Marshal(sp.meta)
	if err != nil {
		return err
	}
	tmp := filepath.Join(sp.dir, metaFileName+".tmp")
	if err = os.WriteFile(tmp, raw, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, filepath.Join(sp.dir, metaFileName))
}

func (sp *StorePartition) Store() string {
	return sp.store
}

func (sp *StorePartition) Partition() int32 {
	return sp.partition
}

func (sp *StorePartition) ChangelogTopic() string {
	return sp.changelogTopic
}

// ProcessedOffset is the highest changelog offset whose effect is durable in
// local state; -1 when nothing has been applied.
func (sp *StorePartition) ProcessedOffset() int64 {
	sp.mux.Lock()
	defer sp.mux.Unlock()
	return sp.meta.ProcessedOffset
}

// ReservePrefix reserves a sub-store prefix for the named operator. Reserving
// an already-owned prefix for a different owner is a programming error.
func (sp *StorePartition) ReservePrefix(prefix byte, owner string) error {
	sp.mux.Lock()
	defer sp.mux.Unlock()
	if existing, ok := sp.prefixes[prefix]; ok && existing != owner {
		return fmt.Errorf("prefix %#x already reserved by %s", prefix, existing)
	}
	sp.prefixes[prefix] = owner
	return nil
}

func (sp *StorePartition) prefixReserved(prefix byte) bool {
	sp.mux.Lock()
	defer sp.mux.Unlock()
	_, ok := sp.prefixes[prefix]
	return ok
}

// Begin opens a transaction against the partition. At most one transaction
// may be open at a time; a second Begin before Commit or Discard fails.
func (sp *StorePartition) Begin() (*Transaction, error) {
	sp.mux.Lock()
	defer sp.mux.Unlock()
	if sp.open != nil && sp.open.State() == TxnOpen {
		return nil, ErrTransactionOpen
	}
	txn := newTransaction(sp)
	sp.open = txn
	return txn, nil
}

func (sp *StorePartition) clearOpen(txn *Transaction) {
	sp.mux.Lock()
	if sp.open == txn {
		sp.open = nil
	}
	sp.mux.Unlock()
}

// get reads a composite key directly from the dataset.
func (sp *StorePartition) get(key []byte) ([]byte, bool, error) {
	var value []byte
	err := sp.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err != nil {
			return err
		}
		value, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return value, true, nil
}

// Get reads a key from the given sub-store, bypassing any open transaction.
func (sp *StorePartition) Get(prefix byte, key []byte) ([]byte, bool, error) {
	return sp.get(compositeKey(prefix, key))
}

/*
ApplyChangelog applies one recovered changelog record directly to the dataset:
nil value deletes the key, anything else stores it. Used only during recovery,
before the partition is eligible for processing.
*/
func (sp *StorePartition) ApplyChangelog(key, value []byte) error {
	return sp.db.Update(func(txn *badger.Txn) error {
		if value == nil {
			err := txn.Delete(key)
			if errors.Is(err, badger.ErrKeyNotFound) {
				return nil
			}
			return err
		}
		return txn.Set(key, value)
	})
}

// SetProcessedOffset persists the changelog watermark.
func (sp *StorePartition) SetProcessedOffset(offset int64) error {
	sp.mux.Lock()
	defer sp.mux.Unlock()
	if offset <= sp.meta.ProcessedOffset {
		return nil
	}
	sp.meta.ProcessedOffset = offset
	return sp.writeMeta()
}

/*
PrefixScan iterates the sub-store in key order, invoking fn with the user key
(prefix stripped) and value for every entry. Iteration stops when fn returns
false. The scan observes committed state only; buffered transaction writes
are not visible.
*/
func (sp *StorePartition) PrefixScan(prefix byte, fn func(key, value []byte) bool) error {
	if !sp.prefixReserved(prefix) {
		return ErrUnknownPrefix
	}
	return sp.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte{prefix}
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			value, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			key := item.KeyCopy(nil)
			if !fn(key[1:], value) {
				return nil
			}
		}
		return nil
	})
}

// Close discards any open transaction and closes the dataset.
func (sp *StorePartition) Close() error {
	sp.mux.Lock()
	open := sp.open
	sp.open = nil
	sp.mux.Unlock()
	if open != nil && open.State() == TxnOpen {
		open.Discard()
	}
	log.Debugf("closing store partition %s/%d", sp.store, sp.partition)
	return sp.db.Close()
}

// Destroy closes the partition and removes its on-disk data. Used when a
// partition is reassigned and changelogs are disabled, where stale local
// state must not survive.
func (sp *StorePartition) Destroy() error {
	if err := sp.Close(); err != nil {
		return err
	}
	return os.RemoveAll(sp.dir)
}

func compositeKey(prefix byte, key []byte) []byte {
	composite := make([]byte, 0, len(key)+1)
	composite = append(composite, prefix)
	return append(composite, key...)
}
