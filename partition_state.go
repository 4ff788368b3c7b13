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

package streams

import (
	"github.com/streamweave/streams/state"
	"github.com/twmb/franz-go/pkg/kgo"
)

/*
PartitionState is the loop's view of one assigned input partition: the next
offset, the event-time watermark, its open store transactions keyed by store
name, the pipeline bound to its topic, and the paused flag used during
recovery and back-pressure.

The processing loop exclusively owns PartitionStates while a partition is
assigned; the rebalance handlers own them during recovery. Transfer happens
under the runner's mutex.
*/
type PartitionState struct {
	tp         TopicPartition
	topic      *Topic
	binding    *pipelineBinding
	nextOffset int64
	watermark  int64
	paused     bool
	recovering bool
	buffered   []*kgo.Record
	stores     map[string]*state.StorePartition
	txns       map[string]*state.Transaction
}

func newPartitionState(tp TopicPartition, topic *Topic, binding *pipelineBinding) *PartitionState {
	return &PartitionState{
		tp:         tp,
		topic:      topic,
		binding:    binding,
		nextOffset: -1,
		watermark:  -1,
		stores:     make(map[string]*state.StorePartition),
		txns:       make(map[string]*state.Transaction),
	}
}

func (ps *PartitionState) TopicPartition() TopicPartition {
	return ps.tp
}

// NextOffset is the offset the next checkpoint will commit; -1 before any
// record has been processed.
func (ps *PartitionState) NextOffset() int64 {
	return ps.nextOffset
}

// Watermark is the maximum event timestamp seen on the partition, in epoch ms.
func (ps *PartitionState) Watermark() int64 {
	return ps.watermark
}

func (ps *PartitionState) Paused() bool {
	return ps.paused || ps.recovering
}

func (ps *PartitionState) observeTimestamp(ts int64) {
	if ts > ps.watermark {
		ps.watermark = ts
	}
}

// buffer holds records for a paused partition; a paused partition never has
// its offset advanced.
func (ps *PartitionState) buffer(records []*kgo.Record) {
	ps.buffered = append(ps.buffered, records...)
}

func (ps *PartitionState) takeBuffered() []*kgo.Record {
	records := ps.buffered
	ps.buffered = nil
	return records
}

/*
transactionFor returns the open store transaction for the store, creating one
lazily on first state access during the partition's current checkpoint window.
The new transaction is registered with the checkpoint so it is sealed at the
next commit.
*/
func (ps *PartitionState) transactionFor(store string, cp *Checkpoint) (*state.Transaction, error) {
	if txn, ok := ps.txns[store]; ok && txn.State() == state.TxnOpen {
		return txn, nil
	}
	sp, ok := ps.stores[store]
	if !ok {
		return nil, ErrPartitionNotAssigned
	}
	txn, err := sp.Begin()
	if err != nil {
		return nil, err
	}
	ps.txns[store] = txn
	cp.TrackTransaction(txn)
	return txn, nil
}

// dropTransactions forgets the partition's transaction handles without
// discarding them; the checkpoint owns their lifecycle.
func (ps *PartitionState) dropTransactions() {
	ps.txns = make(map[string]*state.Transaction)
}

// discardTransactions force-discards everything the partition holds. Used on
// revocation and loss, where the checkpoint must not see these again.
func (ps *PartitionState) discardTransactions() {
	for _, txn := range ps.txns {
		txn.Discard()
	}
	ps.txns = make(map[string]*state.Transaction)
}
