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
	"context"
	"fmt"
	"time"

	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/pkg/kmsg"
)

/*
HighWatermark queries the changelog partition's high watermark (the next
offset the broker will assign). Issued as a raw ListOffsets request so the
recovery client can reuse its existing connection.
*/
func HighWatermark(ctx context.Context, client *kgo.Client, topic string, partition int32) (int64, error) {
	req := kmsg.NewPtrListOffsetsRequest()
	reqTopic := kmsg.NewListOffsetsRequestTopic()
	reqTopic.Topic = topic
	reqPartition := kmsg.NewListOffsetsRequestTopicPartition()
	reqPartition.Partition = partition
	reqPartition.Timestamp = -1 // latest
	reqTopic.Partitions = append(reqTopic.Partitions, reqPartition)
	req.Topics = append(req.Topics, reqTopic)

	resp, err := req.RequestWith(ctx, client)
	if err != nil {
		return -1, err
	}
	for _, t := range resp.Topics {
		for _, p := range t.Partitions {
			if t.Topic == topic && p.Partition == partition {
				if err := kerr.ErrorForCode(p.ErrorCode); err != nil {
					return -1, err
				}
				return p.Offset, nil
			}
		}
	}
	return -1, fmt.Errorf("list offsets response missing %s/%d", topic, partition)
}

// RecoveryResult summarizes one partition's changelog replay.
type RecoveryResult struct {
	Applied       int64
	HighWatermark int64
	From          int64
}

/*
RecoverPartition replays the tail of the changelog into the store partition:

 1. read the persisted processed offset (absent == -1)
 2. query the changelog high watermark
 3. persisted+1 >= high watermark: recovery is a no-op
 4. otherwise apply every record from persisted+1 up to exactly the high
    watermark: nil value deletes the key, anything else stores it
 5. persist the new watermark; the partition is then eligible for processing

The client must be a dedicated consumer assigned to exactly the changelog
partition, positioned at persisted+1, with read-committed isolation so an
aborted producer transaction is never replayed into state.
*/
func RecoverPartition(ctx context.Context, client *kgo.Client, sp *StorePartition) (RecoveryResult, error) {
	processed := sp.ProcessedOffset()
	result := RecoveryResult{From: processed + 1}
	hwm, err := HighWatermark(ctx, client, sp.changelogTopic, sp.partition)
	if err != nil {
		return result, fmt.Errorf("querying high watermark for %s/%d: %w", sp.changelogTopic, sp.partition, err)
	}
	result.HighWatermark = hwm
	if processed+1 >= hwm {
		log.Debugf("store %s/%d is caught up with %s (processed: %d, hwm: %d)",
			sp.store, sp.partition, sp.changelogTopic, processed, hwm)
		return result, nil
	}

	log.Infof("recovering store %s/%d from %s: offsets %d..%d",
		sp.store, sp.partition, sp.changelogTopic, processed+1, hwm-1)
	start := time.Now()
	next := processed + 1
	for next < hwm {
		pollCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		fetches := client.PollFetches(pollCtx)
		cancel()
		if fetches.IsClientClosed() || ctx.Err() != nil {
			return result, fmt.Errorf("recovery interrupted for %s/%d at offset %d", sp.store, sp.partition, next)
		}
		for _, fetchErr := range fetches.Errors() {
			if fetchErr.Err != pollCtx.Err() {
				return result, fmt.Errorf("recovery fetch for %s/%d: %w", sp.store, sp.partition, fetchErr.Err)
			}
		}
		var applyErr error
		fetches.EachRecord(func(record *kgo.Record) {
			if applyErr != nil || record.Offset >= hwm {
				return
			}
			if err := sp.ApplyChangelog(record.Key, record.Value); err != nil {
				applyErr = err
				return
			}
			result.Applied++
			next = record.Offset + 1
		})
		if applyErr != nil {
			return result, applyErr
		}
	}
	if err := sp.SetProcessedOffset(hwm - 1); err != nil {
		return result, err
	}
	log.Infof("recovered store %s/%d: %d records in %v", sp.store, sp.partition, result.Applied, time.Since(start))
	return result, nil
}
