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
	"encoding/binary"
	"fmt"

	"github.com/twmb/franz-go/pkg/kgo"
)

// Changelog record headers. The key of a changelog record is the raw
// composite store key (prefix byte + user key); the value is the raw value
// bytes, or null for a tombstone.
const (
	HeaderSourceTopic     = "__source_topic"
	HeaderSourcePartition = "__source_partition" // 4-byte big-endian
	HeaderSourceOffset    = "__source_offset"    // 8-byte big-endian
	HeaderPrefix          = "__prefix"           // one byte identifying the sub-store
)

// ChangelogWriter is the producer-side handle a store partition uses to
// replicate its mutations. The store holds the handle, never the reverse.
type ChangelogWriter interface {
	// ProduceChangelog enqueues the record for asynchronous delivery; done is
	// invoked with the delivery result once the broker acknowledges.
	ProduceChangelog(record *kgo.Record, done func(record *kgo.Record, err error))
}

// ChangelogRecord is the decoded wire shape of one changelog entry.
type ChangelogRecord struct {
	Key             []byte // composite key, prefix byte included
	Value           []byte // nil == tombstone
	Prefix          byte
	SourceTopic     string
	SourcePartition int32
	SourceOffset    int64
}

func encodeChangelogRecord(topic string, partition int32, cr ChangelogRecord) *kgo.Record {
	var partitionBuf [4]byte
	var offsetBuf [8]byte
	binary.BigEndian.PutUint32(partitionBuf[:], uint32(cr.SourcePartition))
	binary.BigEndian.PutUint64(offsetBuf[:], uint64(cr.SourceOffset))
	return &kgo.Record{
		Topic:     topic,
		Partition: partition,
		Key:       cr.Key,
		Value:     cr.Value,
		Headers: []kgo.RecordHeader{
			{Key: HeaderSourceTopic, Value: []byte(cr.SourceTopic)},
			{Key: HeaderSourcePartition, Value: partitionBuf[:]},
			{Key: HeaderSourceOffset, Value: offsetBuf[:]},
			{Key: HeaderPrefix, Value: []byte{cr.Prefix}},
		},
	}
}

// DecodeChangelogRecord parses a record read back from a changelog topic.
func DecodeChangelogRecord(record *kgo.Record) (ChangelogRecord, error) {
	cr := ChangelogRecord{
		Key:             record.Key,
		Value:           record.Value,
		SourcePartition: -1,
		SourceOffset:    -1,
	}
	if len(record.Key) == 0 {
		return cr, fmt.Errorf("changelog record at %s/%d@%d has an empty key",
			record.Topic, record.Partition, record.Offset)
	}
	cr.Prefix = record.Key[0]
	for _, h := range record.Headers {
		switch h.Key {
		case HeaderSourceTopic:
			cr.SourceTopic = string(h.Value)
		case HeaderSourcePartition:
			if len(h.Value) == 4 {
				cr.SourcePartition = int32(binary.BigEndian.Uint32(h.Value))
			}
		case HeaderSourceOffset:
			if len(h.Value) == 8 {
				cr.SourceOffset = int64(binary.BigEndian.Uint64(h.Value))
			}
		case HeaderPrefix:
			if len(h.Value) == 1 {
				cr.Prefix = h.Value[0]
			}
		}
	}
	return cr, nil
}
