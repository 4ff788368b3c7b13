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
	"errors"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/streamweave/streams/state"
	"github.com/twmb/franz-go/pkg/kgo"
)

// ackWriter acknowledges changelog records inline with increasing offsets.
type ackWriter struct {
	mux     sync.Mutex
	records []*kgo.Record
}

func (w *ackWriter) ProduceChangelog(record *kgo.Record, done func(*kgo.Record, error)) {
	w.mux.Lock()
	record.Offset = int64(len(w.records))
	w.records = append(w.records, record)
	w.mux.Unlock()
	done(record, nil)
}

func testRunner(t *testing.T, topic *Topic, stores []string, pipeline Pipeline) (*Runner, *PartitionState) {
	t.Helper()
	cfg := DefaultConfig("g1")
	cfg.StateDir = t.TempDir()
	r, err := NewRunner(cfg, SimpleCluster{"127.0.0.1:9092"})
	if err != nil {
		t.Fatal(err)
	}
	r.topics.topics[topic.Name] = topic
	if err = r.AddPipeline(topic, stores, pipeline); err != nil {
		t.Fatal(err)
	}

	tp := ntp(0, topic.Name)
	ps := newPartitionState(tp, topic, r.bindings[topic.Name])
	storePartitions, err := r.stores.OnAssign(topic.Name, 0, 1)
	if err != nil {
		t.Fatal(err)
	}
	ps.stores = storePartitions
	r.states[tp] = ps
	t.Cleanup(r.stores.Close)
	return r, ps
}

func record(topic string, offset int64, value string) *kgo.Record {
	return &kgo.Record{
		Topic:     topic,
		Partition: 0,
		Offset:    offset,
		Value:     []byte(value),
		Timestamp: time.UnixMilli(1000 + offset),
	}
}

// The count-words scenario: three records, keyed state, one checkpoint.
func TestProcessRecordsCountWords(t *testing.T) {
	topic := &Topic{Name: "words", ValueDeserializer: StringSerde{}}
	countWords := func(pc *ProcessingContext, row Row) error {
		txn, err := pc.State()
		if err != nil {
			return err
		}
		for _, word := range strings.Fields(row.Value().(string)) {
			current, _, err := txn.Get([]byte(word))
			if err != nil {
				return err
			}
			count := int64(0)
			if current != nil {
				count, _ = strconv.ParseInt(string(current), 10, 64)
			}
			if err = txn.Set([]byte(word), []byte(strconv.FormatInt(count+1, 10))); err != nil {
				return err
			}
		}
		return nil
	}
	r, ps := testRunner(t, topic, []string{state.DefaultStoreName}, countWords)

	records := []*kgo.Record{
		record("words", 0, "a b a"),
		record("words", 1, "a"),
		record("words", 2, "b b"),
	}
	if err := r.processRecords(ps, records); err != nil {
		t.Fatal(err)
	}

	if ps.NextOffset() != 3 {
		t.Errorf("expected next offset 3, got %d", ps.NextOffset())
	}
	if r.checkpoint.Processed() != 3 {
		t.Errorf("expected 3 processed records, got %d", r.checkpoint.Processed())
	}
	if got := r.checkpoint.offsets[ntp(0, "words")]; got != 3 {
		t.Errorf("checkpoint must track next offset 3, got %d", got)
	}
	if !r.checkpoint.Dirty() {
		t.Error("state mutations must dirty the checkpoint")
	}

	// seal the checkpoint's store transactions the way the committer would
	writer := &ackWriter{}
	for _, txn := range r.checkpoint.txns {
		if err := txn.PrepareChangelog(writer); err != nil {
			t.Fatal(err)
		}
		if err := txn.Commit(); err != nil {
			t.Fatal(err)
		}
	}

	sp := ps.stores[state.DefaultStoreName]
	for word, expected := range map[string]string{"a": "4", "b": "3"} {
		value, found, err := sp.Get(state.DefaultPrefix, []byte(word))
		if err != nil {
			t.Fatal(err)
		}
		if !found || string(value) != expected {
			t.Errorf("store[%s] = %q (found=%v), expected %q", word, value, found, expected)
		}
	}
	if len(writer.records) != 2 {
		t.Errorf("expected one changelog record per key, got %d", len(writer.records))
	}
	t.Logf("counted words from %d records", len(records))
}

// Deserializer returns skip: the pipeline is not invoked, the offset advances.
func TestProcessRecordSkip(t *testing.T) {
	invoked := 0
	topic := &Topic{Name: "words", ValueDeserializer: skipOddDeserializer{}}
	r, ps := testRunner(t, topic, nil, func(pc *ProcessingContext, row Row) error {
		invoked++
		return nil
	})

	if err := r.processRecords(ps, []*kgo.Record{
		record("words", 6, "keep"),
		record("words", 7, "skip"),
	}); err != nil {
		t.Fatal(err)
	}
	if invoked != 1 {
		t.Errorf("pipeline invoked %d times, expected 1", invoked)
	}
	if ps.NextOffset() != 8 {
		t.Errorf("skip must advance next offset to 8, got %d", ps.NextOffset())
	}
	if got := r.checkpoint.offsets[ntp(0, "words")]; got != 8 {
		t.Errorf("the skipped record's offset must be committed: got %d", got)
	}
}

type skipOddDeserializer struct{}

func (skipOddDeserializer) Deserialize(data []byte, ctx SerdeContext) DeserializeResult {
	if string(data) == "skip" {
		return SkipMessage()
	}
	return DeserializedValue(string(data))
}

type failingDeserializer struct{}

func (failingDeserializer) Deserialize([]byte, SerdeContext) DeserializeResult {
	return DeserializeFailed(errors.New("malformed"))
}

func TestDeserializeFailureHaltsByDefault(t *testing.T) {
	topic := &Topic{Name: "words", ValueDeserializer: failingDeserializer{}}
	r, ps := testRunner(t, topic, nil, func(*ProcessingContext, Row) error { return nil })

	err := r.processRecords(ps, []*kgo.Record{record("words", 0, "x")})
	var pe *ProcessingError
	if !errors.As(err, &pe) || pe.Phase != PhaseDeserialize {
		t.Fatalf("expected deserialize-phase failure, got %v", err)
	}
	if ps.NextOffset() != -1 {
		t.Error("a failed record must not advance the offset")
	}
}

func TestDeserializeFailureSkipPolicy(t *testing.T) {
	topic := &Topic{Name: "words", ValueDeserializer: failingDeserializer{}}
	r, ps := testRunner(t, topic, nil, func(*ProcessingContext, Row) error { return nil })
	counter := NewSkipCounter()
	r.OnDeserializationError(SkipAndCountErrors(counter))

	if err := r.processRecords(ps, []*kgo.Record{record("words", 0, "x")}); err != nil {
		t.Fatal(err)
	}
	if counter.Skipped() != 1 {
		t.Errorf("expected 1 counted skip, got %d", counter.Skipped())
	}
	if ps.NextOffset() != 1 {
		t.Errorf("skip policy must advance the offset, got %d", ps.NextOffset())
	}
}

func TestPipelineErrorAdvancesNothing(t *testing.T) {
	topic := &Topic{Name: "words", ValueDeserializer: StringSerde{}}
	boom := errors.New("boom")
	r, ps := testRunner(t, topic, nil, func(*ProcessingContext, Row) error { return boom })

	err := r.processRecords(ps, []*kgo.Record{record("words", 4, "x")})
	var pe *ProcessingError
	if !errors.As(err, &pe) || pe.Phase != PhasePipeline {
		t.Fatalf("expected pipeline-phase failure, got %v", err)
	}
	if !errors.Is(err, boom) {
		t.Error("the cause must be preserved")
	}
	if ps.NextOffset() != -1 {
		t.Error("a failed record must not advance the offset")
	}
	if _, ok := r.checkpoint.offsets[ntp(0, "words")]; ok {
		t.Error("a failed record must not be tracked for commit")
	}
}

func TestPausedPartitionBuffersRecords(t *testing.T) {
	topic := &Topic{Name: "words", ValueDeserializer: StringSerde{}}
	invoked := 0
	r, ps := testRunner(t, topic, nil, func(*ProcessingContext, Row) error {
		invoked++
		return nil
	})
	ps.recovering = true

	if err := r.receive(ntp(0, "words"), []*kgo.Record{record("words", 0, "x")}); err != nil {
		t.Fatal(err)
	}
	if invoked != 0 {
		t.Error("a paused partition must not reach the pipeline")
	}
	if ps.NextOffset() != -1 {
		t.Error("a paused partition never has its offset advanced")
	}

	ps.recovering = false
	if err := r.drainBuffered(ps); err != nil {
		t.Fatal(err)
	}
	if invoked != 1 {
		t.Errorf("drain must replay the buffered record, invoked=%d", invoked)
	}
	if ps.NextOffset() != 1 {
		t.Errorf("expected next offset 1 after drain, got %d", ps.NextOffset())
	}
}

func TestWatermarkTracksMaxTimestamp(t *testing.T) {
	topic := &Topic{Name: "words", ValueDeserializer: StringSerde{}}
	r, ps := testRunner(t, topic, nil, func(*ProcessingContext, Row) error { return nil })

	older := record("words", 0, "x")
	older.Timestamp = time.UnixMilli(5000)
	newer := record("words", 1, "y")
	newer.Timestamp = time.UnixMilli(2000)
	if err := r.processRecords(ps, []*kgo.Record{older, newer}); err != nil {
		t.Fatal(err)
	}
	if ps.Watermark() != 5000 {
		t.Errorf("watermark must be the max seen timestamp, got %d", ps.Watermark())
	}
}

func TestTimestampExtractorOverrides(t *testing.T) {
	var seen int64
	topic := &Topic{
		Name:              "words",
		ValueDeserializer: StringSerde{},
		TimestampExtractor: func(value any, _ []kgo.RecordHeader, ts int64) int64 {
			return 42
		},
	}
	r, ps := testRunner(t, topic, nil, func(pc *ProcessingContext, row Row) error {
		seen = row.Timestamp()
		return nil
	})
	if err := r.processRecords(ps, []*kgo.Record{record("words", 0, "x")}); err != nil {
		t.Fatal(err)
	}
	if seen != 42 {
		t.Errorf("extractor timestamp must flow into the row, got %d", seen)
	}
}

func TestTransactionalIDDerivation(t *testing.T) {
	id := TransactionalID("g1", "app", "words", 3)
	if id != "g1-app-words-3" {
		t.Errorf("unexpected transactional id: %s", id)
	}
	if TransactionalID("g1", "app", "words", 3) != id {
		t.Error("derivation must be deterministic")
	}
}
