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
	"fmt"

	"github.com/cespare/xxhash/v2"
	"github.com/streamweave/streams/state"
)

/*
Pipeline is the user callable bound to one input topic. It is invoked once
per Row, strictly in offset order within a partition. A pipeline may produce
output rows through the context, read and write state through the partition's
store transactions, or return an error, which aborts the current checkpoint.
*/
type Pipeline func(pc *ProcessingContext, row Row) error

// pipelineBinding ties a pipeline to its topic and the stores it may access.
type pipelineBinding struct {
	topic    *Topic
	pipeline Pipeline
	stores   []string
}

/*
ProcessingContext is the pipeline's handle into the runtime for the record
currently being processed: producing downstream rows and accessing the store
transactions of the record's partition. It is valid only for the duration of
one pipeline invocation.
*/
type ProcessingContext struct {
	runner *Runner
	ps     *PartitionState
	row    Row
}

// Topic resolves a registered topic by name.
func (pc *ProcessingContext) Topic(name string) *Topic {
	return pc.runner.topics.Topic(name)
}

// Produce routes an output row through the shared row producer. Delivery is
// asynchronous; the row becomes durable at the next checkpoint's flush.
func (pc *ProcessingContext) Produce(topic *Topic, row Row) error {
	return pc.ProduceToPartition(topic, row, AutoAssign)
}

// ProduceToPartition produces to an explicit partition, bypassing key hashing.
func (pc *ProcessingContext) ProduceToPartition(topic *Topic, row Row, partition int32) error {
	if err := pc.runner.producer.Produce(topic, row, partition, nil); err != nil {
		return processingError(PhaseProduce, pc.row.TopicPartition(), pc.row.Offset(), err)
	}
	return nil
}

// State returns the default store's transaction for the record's partition,
// created lazily on first access.
func (pc *ProcessingContext) State() (*state.Transaction, error) {
	return pc.StateFor(state.DefaultStoreName)
}

// StateFor returns the named store's transaction for the record's partition.
func (pc *ProcessingContext) StateFor(store string) (*state.Transaction, error) {
	txn, err := pc.ps.transactionFor(store, pc.runner.checkpoint)
	if err != nil {
		return nil, err
	}
	txn.SetSource(pc.row.Topic(), pc.row.Partition(), pc.row.Offset())
	return txn, nil
}

// Watermark is the partition's max-seen event timestamp in epoch ms,
// including the current row.
func (pc *ProcessingContext) Watermark() int64 {
	return pc.ps.Watermark()
}

/*
Repartitioner re-keys a stream so downstream operators see records grouped by
a new key. Rows are produced to the derived repartition topic; the partition
is chosen by hashing the new key, so all rows sharing a key land on one
partition regardless of their source partition.
*/
type Repartitioner struct {
	topic *Topic
	keyFn func(Row) ([]byte, error)
}

// NewRepartitioner derives (and registers) the repartition topic for
// `operation` over `source` and returns the operator.
func NewRepartitioner(tm *TopicManager, source *Topic, operation string, keyFn func(Row) ([]byte, error)) *Repartitioner {
	return &Repartitioner{
		topic: tm.RepartitionTopic(source, operation),
		keyFn: keyFn,
	}
}

// Topic is the derived repartition topic, to be consumed by a downstream
// pipeline.
func (r *Repartitioner) Topic() *Topic {
	return r.topic
}

// Apply re-keys the row and produces it to the repartition topic.
func (r *Repartitioner) Apply(pc *ProcessingContext, row Row) error {
	key, err := r.keyFn(row)
	if err != nil {
		return fmt.Errorf("repartition key for %s: %w", r.topic.Name, err)
	}
	partitions := r.topic.BrokerConfig.NumPartitions
	if partitions <= 0 && r.topic.CreateConfig != nil {
		partitions = r.topic.CreateConfig.NumPartitions
	}
	if partitions <= 0 {
		return fmt.Errorf("repartition topic %s has no known partition count", r.topic.Name)
	}
	partition := int32(xxhash.Sum64(key) % uint64(partitions))
	return pc.ProduceToPartition(r.topic, row.WithKey(key), partition)
}
