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
	"testing"

	"github.com/stretchr/testify/require"
)

func commitWindowTxn(t *testing.T, txn *Transaction) {
	t.Helper()
	require.NoError(t, txn.PrepareChangelog(&fakeWriter{}))
	require.NoError(t, txn.Commit())
}

func TestWindowedStateRoundTrip(t *testing.T) {
	sp := openTestPartition(t, "")
	txn, err := sp.Begin()
	require.NoError(t, err)
	ws, err := NewWindowedState(txn, "tumbling-60s")
	require.NoError(t, err)

	require.NoError(t, ws.UpdateWindow([]byte("user-1"), 60000, []byte("2")))
	value, found, err := ws.GetWindow([]byte("user-1"), 60000)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, []byte("2"), value)

	_, found, err = ws.GetWindow([]byte("user-1"), 120000)
	require.NoError(t, err)
	require.False(t, found)
}

func TestExpireWindows(t *testing.T) {
	sp := openTestPartition(t, "")

	txn, err := sp.Begin()
	require.NoError(t, err)
	ws, err := NewWindowedState(txn, "tumbling-60s")
	require.NoError(t, err)
	require.NoError(t, ws.UpdateWindow([]byte("u1"), 0, []byte("a")))
	require.NoError(t, ws.UpdateWindow([]byte("u2"), 60000, []byte("b")))
	require.NoError(t, ws.UpdateWindow([]byte("u1"), 120000, []byte("c")))
	commitWindowTxn(t, txn)

	txn, err = sp.Begin()
	require.NoError(t, err)
	ws, err = NewWindowedState(txn, "tumbling-60s")
	require.NoError(t, err)

	var expired []Window
	require.NoError(t, ws.ExpireWindows(60000, func(w Window, value []byte) error {
		expired = append(expired, w)
		return nil
	}))
	require.Len(t, expired, 2, "windows starting at 0 and 60000 expire at watermark 60000")
	require.Equal(t, int64(0), expired[0].StartMs, "expiry walks windows in start-time order")
	require.Equal(t, int64(60000), expired[1].StartMs)
	commitWindowTxn(t, txn)

	// expired windows are gone; the live window survives
	txn, err = sp.Begin()
	require.NoError(t, err)
	ws, err = NewWindowedState(txn, "tumbling-60s")
	require.NoError(t, err)
	_, found, err := ws.GetWindow([]byte("u1"), 0)
	require.NoError(t, err)
	require.False(t, found)
	_, found, err = ws.GetWindow([]byte("u1"), 120000)
	require.NoError(t, err)
	require.True(t, found)

	// consecutive scans do not re-deliver already expired windows
	expired = expired[:0]
	require.NoError(t, ws.ExpireWindows(60000, func(w Window, _ []byte) error {
		expired = append(expired, w)
		return nil
	}))
	require.Empty(t, expired)
}

func TestWindowedPrefixesDoNotCollideWithDefault(t *testing.T) {
	sp := openTestPartition(t, "")
	txn, err := sp.Begin()
	require.NoError(t, err)
	ws, err := NewWindowedState(txn, "w")
	require.NoError(t, err)

	require.NoError(t, txn.Set([]byte("k"), []byte("plain")))
	require.NoError(t, ws.UpdateWindow([]byte("k"), 0, []byte("windowed")))
	commitWindowTxn(t, txn)

	value, _, err := sp.Get(DefaultPrefix, []byte("k"))
	require.NoError(t, err)
	require.Equal(t, []byte("plain"), value)
}
