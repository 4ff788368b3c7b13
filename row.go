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
	"github.com/twmb/franz-go/pkg/kgo"
)

// AutoAssign as a Row partition lets the producer's partitioner choose the
// destination partition.
const AutoAssign = int32(-1)

// Row is a deserialized message payload together with its routing metadata.
// A Row is immutable from the pipeline's perspective; transforms yield new
// Rows via the With* methods.
type Row struct {
	value     any
	key       []byte
	headers   []kgo.RecordHeader
	timestamp int64
	topic     string
	partition int32
	offset    int64
}

// NewRow builds a Row not bound to any input record, e.g. for producing
// a fresh output row from a source.
func NewRow(key []byte, value any, timestamp int64) Row {
	return Row{key: key, value: value, timestamp: timestamp, partition: AutoAssign, offset: -1}
}

func newRow(record *kgo.Record, value any, timestamp int64) Row {
	return Row{
		value:     value,
		key:       record.Key,
		headers:   record.Headers,
		timestamp: timestamp,
		topic:     record.Topic,
		partition: record.Partition,
		offset:    record.Offset,
	}
}

func (r Row) Value() any {
	return r.value
}

func (r Row) Key() []byte {
	return r.key
}

func (r Row) Headers() []kgo.RecordHeader {
	return r.headers
}

func (r Row) HeaderValue(name string) []byte {
	for _, h := range r.headers {
		if h.Key == name {
			return h.Value
		}
	}
	return nil
}

// Timestamp is the row time in epoch milliseconds.
func (r Row) Timestamp() int64 {
	return r.timestamp
}

func (r Row) Topic() string {
	return r.topic
}

func (r Row) Partition() int32 {
	return r.partition
}

func (r Row) Offset() int64 {
	return r.offset
}

func (r Row) TopicPartition() TopicPartition {
	return ntp(r.partition, r.topic)
}

// WithValue returns a copy of the Row carrying the new value.
func (r Row) WithValue(value any) Row {
	r.value = value
	return r
}

// WithKey returns a copy of the Row carrying the new key.
func (r Row) WithKey(key []byte) Row {
	r.key = key
	return r
}

// WithTimestamp returns a copy of the Row carrying the new timestamp (epoch ms).
func (r Row) WithTimestamp(ts int64) Row {
	r.timestamp = ts
	return r
}

// WithHeader returns a copy of the Row with the header appended. The original
// header slice is not mutated.
func (r Row) WithHeader(key string, value []byte) Row {
	headers := make([]kgo.RecordHeader, 0, len(r.headers)+1)
	headers = append(headers, r.headers...)
	r.headers = append(headers, kgo.RecordHeader{Key: key, Value: value})
	return r
}
