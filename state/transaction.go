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
	"sync"
	"sync/atomic"

	"github.com/twmb/franz-go/pkg/kgo"
)

// TxnState is the monotonic lifecycle flag of a Transaction.
type TxnState int32

const (
	TxnOpen TxnState = iota
	TxnPrepared
	TxnCommitted
	TxnFailed
)

func (ts TxnState) String() string {
	switch ts {
	case TxnOpen:
		return "open"
	case TxnPrepared:
		return "prepared"
	case TxnCommitted:
		return "committed"
	case TxnFailed:
		return "failed"
	}
	return "unknown"
}

var ErrTxnClosed = errors.New("transaction is no longer open")

type writeOp struct {
	value     []byte
	tombstone bool
}

/*
Transaction is the unit of mutation against a store partition. Writes are
buffered in a write-set; reads consult the write-set first, then a read cache,
then the underlying dataset. The lifecycle is strictly monotonic:

	open -> prepared -> committed
	     \-> failed (on any error or Discard)

PrepareChangelog replicates the write-set to the changelog topic;
Commit applies it locally and advances the partition watermark. Durability at
the broker always precedes durability in the local store.
*/
type Transaction struct {
	sp     *StorePartition
	writes map[string]writeOp
	reads  map[string][]byte
	state  atomic.Int32

	// source binding for changelog headers, updated per processed record
	sourceTopic     string
	sourcePartition int32
	sourceOffset    int64

	// delivery results of prepared changelog records
	ackedOffset atomic.Int64
	inFlight    sync.WaitGroup
	ackMux      sync.Mutex
	firstErr    error
	mux         sync.Mutex
}

func newTransaction(sp *StorePartition) *Transaction {
	txn := &Transaction{
		sp:              sp,
		writes:          make(map[string]writeOp),
		reads:           make(map[string][]byte),
		sourcePartition: sp.partition,
		sourceOffset:    -1,
	}
	txn.ackedOffset.Store(-1)
	return txn
}

func (txn *Transaction) State() TxnState {
	return TxnState(txn.state.Load())
}

func (txn *Transaction) Partition() *StorePartition {
	return txn.sp
}

// SetSource binds the input record currently being processed. The binding is
// stamped onto every changelog record prepared from this transaction.
func (txn *Transaction) SetSource(topic string, partition int32, offset int64) {
	txn.mux.Lock()
	txn.sourceTopic = topic
	txn.sourcePartition = partition
	txn.sourceOffset = offset
	txn.mux.Unlock()
}

// Dirty reports whether the write-set holds any mutation.
func (txn *Transaction) Dirty() bool {
	txn.mux.Lock()
	defer txn.mux.Unlock()
	return len(txn.writes) > 0
}

// Get reads a key from the default sub-store.
func (txn *Transaction) Get(key []byte) ([]byte, bool, error) {
	return txn.get(DefaultPrefix, key)
}

// Set buffers a write to the default sub-store.
func (txn *Transaction) Set(key, value []byte) error {
	return txn.set(DefaultPrefix, key, value)
}

// Delete buffers a tombstone for the default sub-store.
func (txn *Transaction) Delete(key []byte) error {
	return txn.del(DefaultPrefix, key)
}

// Sub returns a view of the transaction scoped to a reserved sub-store
// prefix. Addressing an unreserved prefix fails.
func (txn *Transaction) Sub(prefix byte) (SubStore, error) {
	if !txn.sp.prefixReserved(prefix) {
		return SubStore{}, ErrUnknownPrefix
	}
	return SubStore{txn: txn, prefix: prefix}, nil
}

// SubStore is a prefix-scoped view of a transaction. Cross-prefix access is
// impossible through this handle; operators own their prefix contracts.
type SubStore struct {
	txn    *Transaction
	prefix byte
}

func (ss SubStore) Get(key []byte) ([]byte, bool, error) {
	return ss.txn.get(ss.prefix, key)
}

func (ss SubStore) Set(key, value []byte) error {
	return ss.txn.set(ss.prefix, key, value)
}

func (ss SubStore) Delete(key []byte) error {
	return ss.txn.del(ss.prefix, key)
}

func (txn *Transaction) get(prefix byte, key []byte) ([]byte, bool, error) {
	if txn.State() != TxnOpen {
		return nil, false, ErrTxnClosed
	}
	composite := compositeKey(prefix, key)
	ck := string(composite)
	txn.mux.Lock()
	if op, ok := txn.writes[ck]; ok {
		txn.mux.Unlock()
		if op.tombstone {
			return nil, false, nil
		}
		return op.value, true, nil
	}
	if cached, ok := txn.reads[ck]; ok {
		txn.mux.Unlock()
		if cached == nil {
			return nil, false, nil
		}
		return cached, true, nil
	}
	txn.mux.Unlock()

	value, found, err := txn.sp.get(composite)
	if err != nil {
		return nil, false, err
	}
	txn.mux.Lock()
	if found {
		txn.reads[ck] = value
	} else {
		txn.reads[ck] = nil
	}
	txn.mux.Unlock()
	return value, found, nil
}

func (txn *Transaction) set(prefix byte, key, value []byte) error {
	if txn.State() != TxnOpen {
		return ErrTxnClosed
	}
	if value == nil {
		value = []byte{}
	}
	txn.mux.Lock()
	txn.writes[string(compositeKey(prefix, key))] = writeOp{value: value}
	txn.mux.Unlock()
	return nil
}

func (txn *Transaction) del(prefix byte, key []byte) error {
	if txn.State() != TxnOpen {
		return ErrTxnClosed
	}
	txn.mux.Lock()
	txn.writes[string(compositeKey(prefix, key))] = writeOp{tombstone: true}
	txn.mux.Unlock()
	return nil
}

/*
PrepareChangelog emits one changelog record per mutated key through the
writer, each stamped with the source input topic/partition/offset and its
sub-store prefix. The transaction transitions open -> prepared; delivery
results are collected asynchronously and surface at Commit (after the
caller's producer flush).

When the partition has no changelog topic, the transition happens with no
records produced.
*/
func (txn *Transaction) PrepareChangelog(writer ChangelogWriter) error {
	if !txn.state.CompareAndSwap(int32(TxnOpen), int32(TxnPrepared)) {
		return fmt.Errorf("prepare changelog: transaction is %v", txn.State())
	}
	if txn.sp.changelogTopic == "" {
		return nil
	}
	txn.mux.Lock()
	defer txn.mux.Unlock()
	for ck, op := range txn.writes {
		cr := ChangelogRecord{
			Key:             []byte(ck),
			Prefix:          ck[0],
			SourceTopic:     txn.sourceTopic,
			SourcePartition: txn.sourcePartition,
			SourceOffset:    txn.sourceOffset,
		}
		if !op.tombstone {
			cr.Value = op.value
		}
		record := encodeChangelogRecord(txn.sp.changelogTopic, txn.sp.partition, cr)
		txn.inFlight.Add(1)
		writer.ProduceChangelog(record, txn.changelogDelivered)
		if err := txn.produceError(); err != nil {
			// fail fast, the checkpoint is already doomed
			txn.state.Store(int32(TxnFailed))
			return err
		}
	}
	return nil
}

func (txn *Transaction) changelogDelivered(record *kgo.Record, err error) {
	if err != nil {
		txn.ackMux.Lock()
		if txn.firstErr == nil {
			txn.firstErr = err
		}
		txn.ackMux.Unlock()
	} else {
		for {
			current := txn.ackedOffset.Load()
			if record.Offset <= current || txn.ackedOffset.CompareAndSwap(current, record.Offset) {
				break
			}
		}
	}
	txn.inFlight.Done()
}

func (txn *Transaction) produceError() error {
	txn.ackMux.Lock()
	defer txn.ackMux.Unlock()
	return txn.firstErr
}

/*
Commit applies the write-set to the underlying dataset atomically and
advances the partition's processed offset to the highest acknowledged
changelog offset. It must only be called after the changelog producer has
been flushed; un-flushed deliveries are waited for defensively.

Commit is idempotent after success.
*/
func (txn *Transaction) Commit() error {
	switch txn.State() {
	case TxnCommitted:
		return nil
	case TxnOpen, TxnFailed:
		return fmt.Errorf("commit: transaction is %v", txn.State())
	}
	txn.inFlight.Wait()
	if err := txn.produceError(); err != nil {
		txn.state.Store(int32(TxnFailed))
		txn.sp.clearOpen(txn)
		return fmt.Errorf("changelog replication failed: %w", err)
	}

	txn.mux.Lock()
	defer txn.mux.Unlock()
	wb := txn.sp.db.NewWriteBatch()
	defer wb.Cancel()
	for ck, op := range txn.writes {
		var err error
		if op.tombstone {
			err = wb.Delete([]byte(ck))
		} else {
			err = wb.Set([]byte(ck), op.value)
		}
		if err != nil {
			txn.state.Store(int32(TxnFailed))
			txn.sp.clearOpen(txn)
			return err
		}
	}
	if err := wb.Flush(); err != nil {
		txn.state.Store(int32(TxnFailed))
		txn.sp.clearOpen(txn)
		return err
	}
	if acked := txn.ackedOffset.Load(); acked >= 0 {
		if err := txn.sp.SetProcessedOffset(acked); err != nil {
			return err
		}
	}
	txn.state.Store(int32(TxnCommitted))
	txn.sp.clearOpen(txn)
	return nil
}

// Discard drops the write-set; the store is untouched. Safe to call in any
// state; a committed transaction stays committed.
func (txn *Transaction) Discard() {
	if txn.State() == TxnCommitted {
		return
	}
	txn.state.Store(int32(TxnFailed))
	txn.mux.Lock()
	txn.writes = make(map[string]writeOp)
	txn.reads = make(map[string][]byte)
	txn.mux.Unlock()
	txn.sp.clearOpen(txn)
}
