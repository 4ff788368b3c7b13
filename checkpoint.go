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
	"context"
	"fmt"
	"time"

	"github.com/streamweave/streams/state"
	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/pkg/kmsg"
)

type txnKey struct {
	store     string
	partition int32
}

/*
Checkpoint is the in-progress commit unit: the next offset to commit per
input TopicPartition and the open store transactions created since the last
successful commit. One Checkpoint is live at any time; it is created at loop
start and replaced right after the previous one commits or aborts.
*/
type Checkpoint struct {
	offsets   map[TopicPartition]int64
	txns      map[txnKey]*state.Transaction
	createdAt time.Time
	processed int
}

func NewCheckpoint() *Checkpoint {
	return &Checkpoint{
		offsets:   make(map[TopicPartition]int64),
		txns:      make(map[txnKey]*state.Transaction),
		createdAt: time.Now(),
	}
}

// TrackOffset records the next offset to commit for the partition.
func (cp *Checkpoint) TrackOffset(tp TopicPartition, nextOffset int64) {
	cp.offsets[tp] = nextOffset
}

// TrackTransaction registers an open store transaction with the checkpoint.
func (cp *Checkpoint) TrackTransaction(txn *state.Transaction) {
	sp := txn.Partition()
	cp.txns[txnKey{store: sp.Store(), partition: sp.Partition()}] = txn
}

// RecordProcessed bumps the processed-record counter used by the
// commit-every trigger.
func (cp *Checkpoint) RecordProcessed() {
	cp.processed++
}

func (cp *Checkpoint) Processed() int {
	return cp.processed
}

func (cp *Checkpoint) Age() time.Duration {
	return time.Since(cp.createdAt)
}

// Empty reports whether the checkpoint carries nothing to commit.
func (cp *Checkpoint) Empty() bool {
	return len(cp.offsets) == 0 && !cp.Dirty()
}

// Dirty reports whether any tracked store transaction holds mutations.
func (cp *Checkpoint) Dirty() bool {
	for _, txn := range cp.txns {
		if txn.Dirty() {
			return true
		}
	}
	return false
}

// Forget drops all bookkeeping for a partition, used when the partition is
// lost and must not be committed.
func (cp *Checkpoint) Forget(tp TopicPartition) {
	delete(cp.offsets, tp)
	for key, txn := range cp.txns {
		if key.partition == tp.Partition {
			txn.Discard()
			delete(cp.txns, key)
		}
	}
}

// split extracts the bookkeeping for `tps` into a new checkpoint, leaving the
// remainder in place. Used for revocation-scoped commits.
func (cp *Checkpoint) split(tps TopicPartitionSet) *Checkpoint {
	out := NewCheckpoint()
	for tp, next := range cp.offsets {
		if tps.Contains(tp) {
			out.offsets[tp] = next
			delete(cp.offsets, tp)
		}
	}
	partitions := make(map[int32]struct{})
	for _, tp := range tps.Items() {
		partitions[tp.Partition] = struct{}{}
	}
	for key, txn := range cp.txns {
		if _, ok := partitions[key.partition]; ok {
			out.txns[key] = txn
			delete(cp.txns, key)
		}
	}
	return out
}

// discardTransactions drops every tracked store transaction. The local store
// is untouched; offsets are not committed.
func (cp *Checkpoint) discardTransactions() {
	for _, txn := range cp.txns {
		txn.Discard()
	}
}

func (cp *Checkpoint) epochOffsets() map[string]map[int32]kgo.EpochOffset {
	out := make(map[string]map[int32]kgo.EpochOffset)
	for tp, next := range cp.offsets {
		byPartition, ok := out[tp.Topic]
		if !ok {
			byPartition = make(map[int32]kgo.EpochOffset)
			out[tp.Topic] = byPartition
		}
		byPartition[tp.Partition] = kgo.EpochOffset{Offset: next, Epoch: -1}
	}
	return out
}

/*
Committer owns the boundary between "processing" and "committed". The commit
sequence is strictly ordered:

 1. freeze the dirty transactions and per-partition next offsets
 2. replicate each transaction's write-set to its changelog
 3. flush the producer; a timeout fails the checkpoint
 4. commit input offsets (inside the producer transaction when enabled)
 5. only then commit each store transaction locally
 6. the caller resets to a fresh checkpoint

Durability at the Kafka broker precedes durability in the local store: dying
between 4 and 5 replays the changelog tail on restart, a net no-op at the
store level. The store never leads the changelog.
*/
type Committer struct {
	producer     *RowProducer
	consumer     *kgo.Client
	group        string
	interval     time.Duration
	maxRecords   int
	flushTimeout time.Duration
	latency      *LatencySummary
	metrics      *metricEmitter
}

func NewCommitter(producer *RowProducer, consumer *kgo.Client, cfg Config, latency *LatencySummary, metrics *metricEmitter) *Committer {
	return &Committer{
		producer:     producer,
		consumer:     consumer,
		group:        cfg.ConsumerGroup,
		interval:     cfg.CommitInterval,
		maxRecords:   cfg.CommitEvery,
		flushTimeout: cfg.FlushTimeout,
		latency:      latency,
		metrics:      metrics,
	}
}

// ShouldCommit reports whether any checkpoint trigger has fired: the wall
// time interval elapsed, the record count threshold reached, or producer
// back-pressure demanding bounded memory.
func (c *Committer) ShouldCommit(cp *Checkpoint) bool {
	if cp.Empty() {
		return false
	}
	if cp.Processed() >= c.maxRecords {
		return true
	}
	if cp.Age() >= c.interval {
		return true
	}
	return c.producer.QueueFull()
}

/*
Commit runs the ordered sequence for the checkpoint. A nil return means
offsets, changelog and local state are all durable. On error the checkpoint
has NOT been applied locally; the caller aborts (producer transaction,
store transactions) and halts.

Taking a checkpoint with nothing to commit is a no-op that does not touch
committed offsets.
*/
func (c *Committer) Commit(ctx context.Context, cp *Checkpoint) error {
	if cp.Empty() {
		return nil
	}
	start := time.Now()

	// 2. changelog replication for every tracked transaction
	for key, txn := range cp.txns {
		if err := txn.PrepareChangelog(c.producer); err != nil {
			return processingError(PhaseProduce, TopicPartition{Partition: key.partition}, -1,
				fmt.Errorf("preparing changelog for store %s: %w", key.store, err))
		}
	}

	// 3. flush all in-flight output and changelog records
	flushStart := time.Now()
	if err := c.producer.Flush(c.flushTimeout); err != nil {
		return processingError(PhaseFlush, TopicPartition{}, -1, err)
	}
	c.latency.RecordFlush(time.Since(flushStart))

	// 4. commit input offsets, transactionally when enabled
	if err := c.commitOffsets(ctx, cp); err != nil {
		return processingError(PhaseCommit, TopicPartition{}, -1, err)
	}

	// 5. apply store transactions locally
	for key, txn := range cp.txns {
		if err := txn.Commit(); err != nil {
			return processingError(PhaseStoreCommit, TopicPartition{Partition: key.partition}, -1,
				fmt.Errorf("committing store %s: %w", key.store, err))
		}
	}

	c.latency.RecordCommit(time.Since(start))
	c.metrics.emit(Metric{
		Operation: CheckpointOperation,
		GroupId:   c.group,
		StartTime: start,
		EndTime:   time.Now(),
		Count:     cp.Processed(),
		Partition: -1,
	})
	log.Debugf("checkpoint committed: %d records, %d partitions, %d store txns in %v",
		cp.Processed(), len(cp.offsets), len(cp.txns), time.Since(start))
	return nil
}

func (c *Committer) commitOffsets(ctx context.Context, cp *Checkpoint) error {
	offsets := cp.epochOffsets()
	if len(offsets) == 0 {
		return nil
	}
	if c.producer.Transactional() {
		memberID, generation := c.consumer.GroupMetadata()
		meta := GroupMetadata{Group: c.group, Generation: generation, MemberID: memberID}
		if err := c.producer.SendOffsetsToTransaction(ctx, offsets, meta); err != nil {
			return err
		}
		return c.producer.CommitTransaction(ctx, c.flushTimeout)
	}
	return c.commitOffsetsSync(ctx, offsets)
}

func (c *Committer) commitOffsetsSync(ctx context.Context, offsets map[string]map[int32]kgo.EpochOffset) error {
	var commitErr error
	c.consumer.CommitOffsetsSync(ctx, offsets, func(_ *kgo.Client, _ *kmsg.OffsetCommitRequest, _ *kmsg.OffsetCommitResponse, err error) {
		commitErr = err
	})
	return commitErr
}

// Abort tears down an in-flight checkpoint after a failed commit or a fatal
// pipeline error: abort the producer transaction when enabled, then discard
// every store transaction. Offsets are not committed.
func (c *Committer) Abort(ctx context.Context, cp *Checkpoint) {
	if c.producer.Transactional() {
		if err := c.producer.AbortTransaction(ctx); err != nil {
			log.Errorf("aborting producer transaction: %v", err)
		}
	}
	cp.discardTransactions()
}
