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
	"testing"
	"time"
)

func TestFlushWithNothingInFlight(t *testing.T) {
	producer := testProducer(t)
	if err := producer.Flush(time.Second); err != nil {
		t.Errorf("flush with no in-flight messages must succeed, got: %v", err)
	}
	if producer.InFlight() != 0 {
		t.Errorf("expected 0 in flight, got %d", producer.InFlight())
	}
}

func TestNonTransactionalGuards(t *testing.T) {
	producer := testProducer(t)
	if err := producer.BeginTransaction(); !errors.Is(err, ErrNotTransactional) {
		t.Errorf("BeginTransaction on plain producer: %v", err)
	}
	if err := producer.SendOffsetsToTransaction(context.Background(), nil, GroupMetadata{}); !errors.Is(err, ErrNotTransactional) {
		t.Errorf("SendOffsetsToTransaction on plain producer: %v", err)
	}
	if err := producer.CommitTransaction(context.Background(), time.Second); !errors.Is(err, ErrNotTransactional) {
		t.Errorf("CommitTransaction on plain producer: %v", err)
	}
	if err := producer.AbortTransaction(context.Background()); !errors.Is(err, ErrNotTransactional) {
		t.Errorf("AbortTransaction on plain producer: %v", err)
	}
}

func TestTransactionalProducerRequiresID(t *testing.T) {
	_, err := NewRowProducer(SimpleCluster{"127.0.0.1:9092"}, RowProducerConfig{Transactional: true})
	if err == nil {
		t.Error("transactional mode without an id must fail")
	}
}

func TestQueueFullSignal(t *testing.T) {
	producer := testProducer(t) // MaxBufferedRecords: 8
	if producer.QueueFull() {
		t.Error("fresh producer must not report back-pressure")
	}
	producer.inFlight.Store(8)
	if !producer.QueueFull() {
		t.Error("producer at capacity must report back-pressure")
	}
	producer.inFlight.Store(0)
}

func TestProduceRequiresSerializers(t *testing.T) {
	producer := testProducer(t)
	topic := &Topic{Name: "out"}
	if err := producer.Produce(topic, NewRow(nil, "v", 0), AutoAssign, nil); err == nil {
		t.Error("producing to a topic without serializers must fail")
	}
}

func TestProduceSerializationError(t *testing.T) {
	producer := testProducer(t)
	topic := &Topic{Name: "out", ValueSerializer: StringSerde{}}
	if err := producer.Produce(topic, NewRow(nil, 42, 0), AutoAssign, nil); err == nil {
		t.Error("a serializer type mismatch must surface at produce time")
	}
	if producer.InFlight() != 0 {
		t.Error("a failed serialization must not count as in-flight")
	}
}
