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
)

// Sub-store prefixes used by windowed state. Window values and the
// start-time index share one changelog topic with plain state, multiplexed
// by the leading key byte.
const (
	PrefixWindowValues byte = 0x01
	PrefixWindowIndex  byte = 0x02
	PrefixWindowMeta   byte = 0x03
)

var latestExpiredKey = []byte("__latest_expired__")

// Window identifies one window instance for a message key.
type Window struct {
	Key     []byte
	StartMs int64
	EndMs   int64
}

// WindowedState is a prefix-scoped view over a transaction for windowed
// aggregations. Values are keyed (message key, window start); an index keyed
// (window start, message key) supports expiry scans in time order.
type WindowedState struct {
	txn    *Transaction
	values SubStore
	index  SubStore
	meta   SubStore
}

// NewWindowedState reserves the windowed prefixes on the partition and
// returns the view. The operator owning the view must be the only writer of
// these prefixes for the partition.
func NewWindowedState(txn *Transaction, owner string) (*WindowedState, error) {
	sp := txn.Partition()
	for _, prefix := range []byte{PrefixWindowValues, PrefixWindowIndex, PrefixWindowMeta} {
		if err := sp.ReservePrefix(prefix, owner); err != nil {
			return nil, err
		}
	}
	values, err := txn.Sub(PrefixWindowValues)
	if err != nil {
		return nil, err
	}
	index, err := txn.Sub(PrefixWindowIndex)
	if err != nil {
		return nil, err
	}
	meta, err := txn.Sub(PrefixWindowMeta)
	if err != nil {
		return nil, err
	}
	return &WindowedState{txn: txn, values: values, index: index, meta: meta}, nil
}

// valueKey = message key + 8-byte BE window start, so all windows of one key
// are contiguous.
func valueKey(key []byte, startMs int64) []byte {
	out := make([]byte, 0, len(key)+8)
	out = append(out, key...)
	return binary.BigEndian.AppendUint64(out, uint64(startMs))
}

// indexKey = 8-byte BE window start + message key, so expiry scans walk
// windows in start-time order regardless of key.
func indexKey(key []byte, startMs int64) []byte {
	out := make([]byte, 0, len(key)+8)
	out = binary.BigEndian.AppendUint64(out, uint64(startMs))
	return append(out, key...)
}

func splitIndexKey(k []byte) (key []byte, startMs int64, err error) {
	if len(k) < 8 {
		return nil, 0, fmt.Errorf("malformed window index key of length %d", len(k))
	}
	return k[8:], int64(binary.BigEndian.Uint64(k[:8])), nil
}

// GetWindow returns the stored value of the window starting at startMs.
func (ws *WindowedState) GetWindow(key []byte, startMs int64) ([]byte, bool, error) {
	return ws.values.Get(valueKey(key, startMs))
}

// UpdateWindow stores the window value and maintains the start-time index.
func (ws *WindowedState) UpdateWindow(key []byte, startMs int64, value []byte) error {
	if err := ws.values.Set(valueKey(key, startMs), value); err != nil {
		return err
	}
	return ws.index.Set(indexKey(key, startMs), []byte{})
}

// DeleteWindow removes the window value and its index entry.
func (ws *WindowedState) DeleteWindow(key []byte, startMs int64) error {
	if err := ws.values.Delete(valueKey(key, startMs)); err != nil {
		return err
	}
	return ws.index.Delete(indexKey(key, startMs))
}

// LatestExpired returns the start time at or below which windows have already
// been expired (-1 when none have), so consecutive expiry scans do not re-walk
// dead entries.
func (ws *WindowedState) LatestExpired() (int64, error) {
	raw, ok, err := ws.meta.Get(latestExpiredKey)
	if err != nil || !ok || len(raw) != 8 {
		return -1, err
	}
	return int64(binary.BigEndian.Uint64(raw)), nil
}

/*
ExpireWindows walks the start-time index for windows with start <= maxStartMs,
invokes fn with each window and its value, and deletes the expired entries.
The scan observes committed state plus this transaction's deletions are
buffered as usual; windows created and expired inside one un-flushed
transaction are not observed, matching the expiry cadence of checkpointed
processing.
*/
func (ws *WindowedState) ExpireWindows(maxStartMs int64, fn func(w Window, value []byte) error) error {
	floor, err := ws.LatestExpired()
	if err != nil {
		return err
	}
	sp := ws.txn.Partition()
	type expired struct {
		key     []byte
		startMs int64
	}
	var toExpire []expired
	var scanErr error
	if err := sp.PrefixScan(PrefixWindowIndex, func(k, _ []byte) bool {
		key, startMs, splitErr := splitIndexKey(k)
		if splitErr != nil {
			scanErr = splitErr
			return false
		}
		if startMs <= floor {
			return true
		}
		if startMs > maxStartMs {
			return false
		}
		toExpire = append(toExpire, expired{key: key, startMs: startMs})
		return true
	}); err != nil {
		return err
	}
	if scanErr != nil {
		return scanErr
	}
	for _, e := range toExpire {
		value, ok, getErr := ws.GetWindow(e.key, e.startMs)
		if getErr != nil {
			return getErr
		}
		if ok && fn != nil {
			if cbErr := fn(Window{Key: e.key, StartMs: e.startMs}, value); cbErr != nil {
				return cbErr
			}
		}
		if delErr := ws.DeleteWindow(e.key, e.startMs); delErr != nil {
			return delErr
		}
	}
	if len(toExpire) > 0 {
		var buf [8]byte
		binary.BigEndian.PutUint64(buf[:], uint64(maxStartMs))
		return ws.meta.Set(latestExpiredKey, buf[:])
	}
	return nil
}
