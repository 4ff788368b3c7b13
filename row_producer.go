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
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/pkg/kmsg"
)

// GroupMetadata identifies the consumer group member enlisting its offsets
// into a producer transaction.
type GroupMetadata struct {
	Group      string
	Generation int32
	MemberID   string
	InstanceID *string
}

// TransactionalID derives the deterministic transactional id for an
// application instance so that assignment changes take over the fencing token.
func TransactionalID(group, applicationID, topic string, partition int32) string {
	return group + "-" + applicationID + "-" + topic + "-" + strconv.Itoa(int(partition))
}

// RowProducerConfig configures a [RowProducer].
type RowProducerConfig struct {
	// Enables the Begin/SendOffsets/Commit transaction cycle.
	Transactional bool
	// Required when Transactional is set.
	TransactionalID string
	// Producer queue size; at this depth [RowProducer.QueueFull] reports true
	// and the processing loop stops polling.
	MaxBufferedRecords int
	// Additional kgo options, e.g. translated broker tunables.
	ExtraOpts []kgo.Opt
}

/*
RowProducer wraps a Kafka producer with per-message delivery tracking.
Produce enqueues for asynchronous delivery and returns immediately; Flush
blocks until every in-flight message has been acknowledged or the timeout
elapses. In transactional mode the producer owns the
begin/produce/commit-offsets/commit cycle.

The RowProducer is shared across all partitions on the loop thread; the
loop's single-threaded discipline makes this safe.
*/
type RowProducer struct {
	client        *kgo.Client
	transactional bool
	txnID         string
	maxBuffered   int64
	inFlight      atomic.Int64
	errMux        sync.Mutex
	firstErr      error
}

func NewRowProducer(cluster Cluster, cfg RowProducerConfig) (*RowProducer, error) {
	if cfg.MaxBufferedRecords <= 0 {
		cfg.MaxBufferedRecords = 10000
	}
	opts := []kgo.Opt{
		kgo.RecordPartitioner(NewOptionalPartitioner(kgo.StickyKeyPartitioner(nil))),
		kgo.MaxBufferedRecords(cfg.MaxBufferedRecords),
		kgo.ProducerLinger(5 * time.Millisecond),
	}
	if cfg.Transactional {
		if cfg.TransactionalID == "" {
			return nil, fmt.Errorf("transactional producer requires a transactional id")
		}
		opts = append(opts,
			kgo.TransactionalID(cfg.TransactionalID),
			kgo.TransactionTimeout(30*time.Second))
	}
	opts = append(opts, cfg.ExtraOpts...)
	client, err := NewClient(cluster, opts...)
	if err != nil {
		return nil, err
	}
	return &RowProducer{
		client:        client,
		transactional: cfg.Transactional,
		txnID:         cfg.TransactionalID,
		maxBuffered:   int64(cfg.MaxBufferedRecords),
	}, nil
}

func (p *RowProducer) Transactional() bool {
	return p.transactional
}

// InFlight is the number of produced messages not yet acknowledged.
func (p *RowProducer) InFlight() int64 {
	return p.inFlight.Load()
}

// QueueFull reports producer back-pressure. The processing loop pauses
// polling and forces a checkpoint when this trips: bounded memory wins over
// commit frequency.
func (p *RowProducer) QueueFull() bool {
	return p.inFlight.Load() >= p.maxBuffered
}

func (p *RowProducer) noteErr(err error) {
	p.errMux.Lock()
	if p.firstErr == nil {
		p.firstErr = err
	}
	p.errMux.Unlock()
}

func (p *RowProducer) takeErr() error {
	p.errMux.Lock()
	defer p.errMux.Unlock()
	err := p.firstErr
	p.firstErr = nil
	return err
}

/*
Produce serializes the row with the topic's serializers and enqueues it for
asynchronous delivery. The topic must carry serializers. `partition` may be
[AutoAssign]. `done` is optional.
*/
func (p *RowProducer) Produce(topic *Topic, row Row, partition int32, done func(Row, error)) error {
	if !topic.producible() {
		return fmt.Errorf("topic %s has no serializers and cannot be produced to", topic.Name)
	}
	sctx := SerdeContext{Topic: topic.Name, Partition: partition, Headers: row.Headers()}
	value, err := topic.ValueSerializer.Serialize(row.Value(), sctx)
	if err != nil {
		return fmt.Errorf("serializing value for %s: %w", topic.Name, err)
	}
	key := row.Key()
	if topic.KeySerializer != nil {
		if key, err = topic.KeySerializer.Serialize(row.Key(), sctx); err != nil {
			return fmt.Errorf("serializing key for %s: %w", topic.Name, err)
		}
	}
	record := &kgo.Record{
		Topic:     topic.Name,
		Partition: partition,
		Key:       key,
		Value:     value,
		Headers:   row.Headers(),
	}
	if ts := row.Timestamp(); ts > 0 {
		record.Timestamp = time.UnixMilli(ts)
	}
	p.produce(record, func(r *kgo.Record, err error) {
		if done != nil {
			done(row, err)
		}
	})
	return nil
}

// ProduceChangelog satisfies the state subsystem's ChangelogWriter: the
// record is already in wire shape, only delivery tracking is added.
func (p *RowProducer) ProduceChangelog(record *kgo.Record, done func(*kgo.Record, error)) {
	p.produce(record, done)
}

func (p *RowProducer) produce(record *kgo.Record, done func(*kgo.Record, error)) {
	p.inFlight.Add(1)
	p.client.Produce(context.Background(), record, func(r *kgo.Record, err error) {
		p.inFlight.Add(-1)
		if err != nil {
			p.noteErr(err)
		}
		if done != nil {
			done(r, err)
		}
	})
}

/*
Flush blocks until all in-flight messages have been acknowledged or the
timeout elapses. On timeout it fails with [ErrFlushTimeout]: the caller must
treat all unacknowledged messages as lost for the current checkpoint. A
delivery error observed since the last Flush also fails the call.
*/
func (p *RowProducer) Flush(timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := p.client.Flush(ctx); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("%w after %v with %d messages unacknowledged", ErrFlushTimeout, timeout, p.InFlight())
		}
		return err
	}
	return p.takeErr()
}

// BeginTransaction must be called before any produce tied to a checkpoint.
func (p *RowProducer) BeginTransaction() error {
	if !p.transactional {
		return ErrNotTransactional
	}
	return p.client.BeginTransaction()
}

/*
SendOffsetsToTransaction enlists the input consumer's next offsets into the
current transaction: AddOffsetsToTxn followed by TxnOffsetCommit, issued
directly so the offsets commit with the producer's id and epoch.
*/
func (p *RowProducer) SendOffsetsToTransaction(ctx context.Context, offsets map[string]map[int32]kgo.EpochOffset, meta GroupMetadata) error {
	if !p.transactional {
		return ErrNotTransactional
	}
	if len(offsets) == 0 {
		return nil
	}
	producerID, producerEpoch, err := p.client.ProducerID(ctx)
	if err != nil {
		return fmt.Errorf("resolving producer id: %w", err)
	}

	addReq := kmsg.NewPtrAddOffsetsToTxnRequest()
	addReq.TransactionalID = p.txnID
	addReq.ProducerID = producerID
	addReq.ProducerEpoch = producerEpoch
	addReq.Group = meta.Group
	addResp, err := addReq.RequestWith(ctx, p.client)
	if err != nil {
		return fmt.Errorf("AddOffsetsToTxn: %w", err)
	}
	if err = kerr.ErrorForCode(addResp.ErrorCode); err != nil {
		return fmt.Errorf("AddOffsetsToTxn: %w", err)
	}

	commitReq := kmsg.NewPtrTxnOffsetCommitRequest()
	commitReq.TransactionalID = p.txnID
	commitReq.Group = meta.Group
	commitReq.ProducerID = producerID
	commitReq.ProducerEpoch = producerEpoch
	commitReq.Generation = meta.Generation
	commitReq.MemberID = meta.MemberID
	commitReq.InstanceID = meta.InstanceID
	for topic, partitions := range offsets {
		reqTopic := kmsg.NewTxnOffsetCommitRequestTopic()
		reqTopic.Topic = topic
		for partition, eo := range partitions {
			reqPartition := kmsg.NewTxnOffsetCommitRequestTopicPartition()
			reqPartition.Partition = partition
			reqPartition.Offset = eo.Offset
			reqPartition.LeaderEpoch = eo.Epoch
			reqTopic.Partitions = append(reqTopic.Partitions, reqPartition)
		}
		commitReq.Topics = append(commitReq.Topics, reqTopic)
	}
	commitResp, err := commitReq.RequestWith(ctx, p.client)
	if err != nil {
		return fmt.Errorf("TxnOffsetCommit: %w", err)
	}
	for _, t := range commitResp.Topics {
		for _, partition := range t.Partitions {
			if err = kerr.ErrorForCode(partition.ErrorCode); err != nil {
				return fmt.Errorf("TxnOffsetCommit %s/%d: %w", t.Topic, partition.Partition, err)
			}
		}
	}
	return nil
}

// CommitTransaction ends the transaction atomically. A failed attempt is
// retried once before escalating.
func (p *RowProducer) CommitTransaction(ctx context.Context, timeout time.Duration) error {
	if !p.transactional {
		return ErrNotTransactional
	}
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	err := p.client.EndTransaction(cctx, kgo.TryCommit)
	if err == nil {
		return nil
	}
	log.Warnf("transaction commit failed, retrying once: %v", err)
	if err = p.client.EndTransaction(cctx, kgo.TryCommit); err != nil {
		return fmt.Errorf("transaction commit failed after retry: %w", err)
	}
	return nil
}

// AbortTransaction drops all buffered records and aborts the transaction.
// Invoked on any pipeline error between Begin and Commit.
func (p *RowProducer) AbortTransaction(ctx context.Context) error {
	if !p.transactional {
		return ErrNotTransactional
	}
	if err := p.client.AbortBufferedRecords(ctx); err != nil {
		return err
	}
	p.takeErr()
	return p.client.EndTransaction(ctx, kgo.TryAbort)
}

func (p *RowProducer) Close() {
	p.client.Close()
}

type OptionalPartitioner struct {
	manualPartitioner  kgo.Partitioner
	defaultPartitioner kgo.Partitioner
}

type optionalTopicPartitioner struct {
	manualTopicPartitioner kgo.TopicPartitioner
	keyTopicPartitioner    kgo.TopicPartitioner
}

// A kgo compatible partitioner which respects record partitions that are manually
// assigned. If the record partition is [AutoAssign], the provided kgo.Partitioner
// will be used for partition assignment. Changelog and repartition records carry
// explicit partitions; everything else hashes by key.
func NewOptionalPartitioner(partitioner kgo.Partitioner) OptionalPartitioner {
	return OptionalPartitioner{
		manualPartitioner:  kgo.ManualPartitioner(),
		defaultPartitioner: partitioner,
	}
}

func (op OptionalPartitioner) ForTopic(topic string) kgo.TopicPartitioner {
	return optionalTopicPartitioner{
		manualTopicPartitioner: op.manualPartitioner.ForTopic(topic),
		keyTopicPartitioner:    op.defaultPartitioner.ForTopic(topic),
	}
}

func (otp optionalTopicPartitioner) RequiresConsistency(_ *kgo.Record) bool {
	return true
}

func (otp optionalTopicPartitioner) Partition(r *kgo.Record, n int) int {
	if r.Partition == AutoAssign {
		return otp.keyTopicPartitioner.Partition(r, n)
	}
	return otp.manualTopicPartitioner.Partition(r, n)
}
