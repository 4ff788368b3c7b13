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
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/twmb/franz-go/pkg/kgo"
)

// fakeWriter acknowledges every changelog record immediately, assigning
// monotonically increasing offsets like a single-partition broker would.
type fakeWriter struct {
	mux     sync.Mutex
	records []*kgo.Record
	err     error
}

func (w *fakeWriter) ProduceChangelog(record *kgo.Record, done func(*kgo.Record, error)) {
	w.mux.Lock()
	record.Offset = int64(len(w.records))
	w.records = append(w.records, record)
	err := w.err
	w.mux.Unlock()
	done(record, err)
}

func openTestPartition(t *testing.T, changelogTopic string) *StorePartition {
	t.Helper()
	sp, err := OpenPartition(t.TempDir(), "counts", 0, changelogTopic, 1)
	require.NoError(t, err)
	t.Cleanup(func() { sp.Close() })
	return sp
}

func TestTransactionReadsItsOwnWrites(t *testing.T) {
	sp := openTestPartition(t, "changelog__g--t--counts")
	txn, err := sp.Begin()
	require.NoError(t, err)

	_, found, err := txn.Get([]byte("a"))
	require.NoError(t, err)
	require.False(t, found)

	require.NoError(t, txn.Set([]byte("a"), []byte("1")))
	value, found, err := txn.Get([]byte("a"))
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, []byte("1"), value)

	require.NoError(t, txn.Delete([]byte("a")))
	_, found, err = txn.Get([]byte("a"))
	require.NoError(t, err)
	require.False(t, found, "tombstoned key must read as absent")
}

func TestSingleOpenTransaction(t *testing.T) {
	sp := openTestPartition(t, "")
	txn, err := sp.Begin()
	require.NoError(t, err)

	_, err = sp.Begin()
	require.ErrorIs(t, err, ErrTransactionOpen)

	txn.Discard()
	_, err = sp.Begin()
	require.NoError(t, err, "begin must succeed after discard")
}

func TestCommitAppliesWriteSet(t *testing.T) {
	sp := openTestPartition(t, "changelog__g--t--counts")
	writer := &fakeWriter{}

	txn, err := sp.Begin()
	require.NoError(t, err)
	txn.SetSource("words", 0, 2)
	require.NoError(t, txn.Set([]byte("a"), []byte("4")))
	require.NoError(t, txn.Set([]byte("b"), []byte("3")))

	require.NoError(t, txn.PrepareChangelog(writer))
	require.Equal(t, TxnPrepared, txn.State())
	require.NoError(t, txn.Commit())
	require.Equal(t, TxnCommitted, txn.State())
	require.NoError(t, txn.Commit(), "commit must be idempotent after success")

	value, found, err := sp.Get(DefaultPrefix, []byte("a"))
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, []byte("4"), value)

	// the watermark advanced to the acked changelog tail
	require.Equal(t, int64(1), sp.ProcessedOffset())
}

func TestDiscardLeavesStoreUntouched(t *testing.T) {
	sp := openTestPartition(t, "")
	txn, err := sp.Begin()
	require.NoError(t, err)
	require.NoError(t, txn.Set([]byte("a"), []byte("1")))
	txn.Discard()

	_, found, err := sp.Get(DefaultPrefix, []byte("a"))
	require.NoError(t, err)
	require.False(t, found)

	require.ErrorIs(t, txn.Set([]byte("b"), []byte("2")), ErrTxnClosed)
}

func TestCommitWithoutPrepareFails(t *testing.T) {
	sp := openTestPartition(t, "")
	txn, err := sp.Begin()
	require.NoError(t, err)
	require.NoError(t, txn.Set([]byte("a"), []byte("1")))
	require.Error(t, txn.Commit(), "commit before prepare is a lifecycle violation")
}

func TestChangelogRecordShape(t *testing.T) {
	sp := openTestPartition(t, "changelog__g--words--counts")
	writer := &fakeWriter{}

	txn, err := sp.Begin()
	require.NoError(t, err)
	txn.SetSource("words", 0, 41)
	require.NoError(t, txn.Set([]byte("a"), []byte("4")))
	require.NoError(t, txn.Delete([]byte("gone")))
	require.NoError(t, txn.PrepareChangelog(writer))

	require.Len(t, writer.records, 2)
	for _, record := range writer.records {
		require.Equal(t, "changelog__g--words--counts", record.Topic)
		require.Equal(t, int32(0), record.Partition)

		cr, err := DecodeChangelogRecord(record)
		require.NoError(t, err)
		require.Equal(t, "words", cr.SourceTopic)
		require.Equal(t, int32(0), cr.SourcePartition)
		require.Equal(t, int64(41), cr.SourceOffset)
		require.Equal(t, DefaultPrefix, cr.Prefix)

		switch string(cr.Key[1:]) {
		case "a":
			require.Equal(t, []byte("4"), cr.Value)
		case "gone":
			require.Nil(t, cr.Value, "tombstones travel as null values")
		default:
			t.Fatalf("unexpected changelog key %q", cr.Key)
		}
	}
}

func TestPrepareWithoutChangelogTopic(t *testing.T) {
	sp := openTestPartition(t, "")
	txn, err := sp.Begin()
	require.NoError(t, err)
	require.NoError(t, txn.Set([]byte("a"), []byte("1")))
	require.NoError(t, txn.PrepareChangelog(&fakeWriter{}))
	require.NoError(t, txn.Commit())

	// nothing was replicated and the watermark is untouched
	require.Equal(t, int64(-1), sp.ProcessedOffset())
}

func TestSubStorePrefixIsolation(t *testing.T) {
	sp := openTestPartition(t, "")
	require.NoError(t, sp.ReservePrefix(0x07, "dedupe"))

	txn, err := sp.Begin()
	require.NoError(t, err)

	_, err = txn.Sub(0x08)
	require.ErrorIs(t, err, ErrUnknownPrefix, "unreserved prefixes must be rejected")

	sub, err := txn.Sub(0x07)
	require.NoError(t, err)
	require.NoError(t, sub.Set([]byte("k"), []byte("v")))
	require.NoError(t, txn.Set([]byte("k"), []byte("other")))

	subValue, found, err := sub.Get([]byte("k"))
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, []byte("v"), subValue)

	mainValue, _, err := txn.Get([]byte("k"))
	require.NoError(t, err)
	require.Equal(t, []byte("other"), mainValue, "prefixes must not collide")
}

func TestReservePrefixConflict(t *testing.T) {
	sp := openTestPartition(t, "")
	require.NoError(t, sp.ReservePrefix(0x05, "window"))
	require.NoError(t, sp.ReservePrefix(0x05, "window"), "re-reserving for the same owner is fine")
	require.Error(t, sp.ReservePrefix(0x05, "other"))
}
