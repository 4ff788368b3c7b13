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
	"time"

	"github.com/streamweave/streams/state"
	"github.com/twmb/franz-go/pkg/kgo"
)

/*
partitionAssignor reacts to the input consumer's rebalance callbacks.

On assign: build PartitionState, open the store partitions for every store
registered against the topic, pause fetching, and kick off changelog recovery.
The partition stays paused until its recovery worker reports completion;
other partitions keep processing.

On revoke: take a final checkpoint for the revoked partitions only, then
close their store partitions and drop their transactions.

On lost: discard everything without a checkpoint; the partitions will be
replayed elsewhere.

Callbacks run on the consumer's internal goroutine; all shared state is
guarded by the runner's mutex.
*/
type partitionAssignor struct {
	runner *Runner
}

func (pa *partitionAssignor) onAssigned(_ context.Context, client *kgo.Client, assignments map[string][]int32) {
	r := pa.runner
	for topic, partitions := range assignments {
		log.Infof("assigned topic: %s, partitions: %v", topic, partitions)
		binding := r.bindingFor(topic)
		if binding == nil {
			log.Warnf("no pipeline bound to assigned topic %s", topic)
			continue
		}
		client.PauseFetchPartitions(map[string][]int32{topic: partitions})
		for _, p := range partitions {
			pa.assignPartition(topic, p, binding)
		}
	}
}

func (pa *partitionAssignor) assignPartition(topic string, partition int32, binding *pipelineBinding) {
	r := pa.runner
	tp := ntp(partition, topic)

	r.mux.Lock()
	ps, ok := r.states[tp]
	if !ok {
		ps = newPartitionState(tp, binding.topic, binding)
		r.states[tp] = ps
	}
	ps.recovering = true
	r.mux.Unlock()

	stores, err := r.stores.OnAssign(topic, partition, r.epoch)
	if err != nil {
		r.fail(processingError(PhaseRecovery, tp, -1, err))
		return
	}
	r.mux.Lock()
	ps.stores = stores
	r.mux.Unlock()

	// one recovery worker per input partition; it replays each store's
	// changelog tail sequentially, then reports readiness to the loop
	go pa.recoverPartition(tp, stores)
}

func (pa *partitionAssignor) recoverPartition(tp TopicPartition, stores map[string]*state.StorePartition) {
	r := pa.runner
	start := time.Now()
	applied := int64(0)
	for _, sp := range stores {
		if sp.ChangelogTopic() == "" {
			continue
		}
		result, err := pa.recoverStorePartition(sp)
		if err != nil {
			r.fail(processingError(PhaseRecovery, tp, -1, err))
			return
		}
		applied += result.Applied
	}
	if applied > 0 {
		r.metrics.emit(Metric{
			Operation: RecoveryOperation,
			Topic:     tp.Topic,
			GroupId:   r.cfg.ConsumerGroup,
			Partition: tp.Partition,
			StartTime: start,
			EndTime:   time.Now(),
			Count:     int(applied),
		})
	}
	select {
	case r.recovered <- tp:
	case <-r.runStatus.Done():
	}
}

// recoverStorePartition creates the dedicated recovery consumer for one store
// partition, positioned at processed+1 with read-committed isolation, and
// replays to the high watermark.
func (pa *partitionAssignor) recoverStorePartition(sp *state.StorePartition) (state.RecoveryResult, error) {
	r := pa.runner
	client, err := NewClient(r.cluster,
		kgo.ConsumePartitions(map[string]map[int32]kgo.Offset{
			sp.ChangelogTopic(): {sp.Partition(): kgo.NewOffset().At(sp.ProcessedOffset() + 1)},
		}),
		kgo.FetchIsolationLevel(kgo.ReadCommitted()),
		kgo.FetchMaxWait(time.Second),
	)
	if err != nil {
		return state.RecoveryResult{}, err
	}
	defer client.Close()
	return state.RecoverPartition(r.runStatus.Ctx(), client, sp)
}

func (pa *partitionAssignor) onRevoked(ctx context.Context, client *kgo.Client, assignments map[string][]int32) {
	r := pa.runner
	revoked := NewTopicPartitionSet()
	for topic, partitions := range assignments {
		log.Infof("revoked topic: %s, partitions: %v", topic, partitions)
		for _, tp := range toTopicPartitions(topic, partitions...) {
			revoked.Insert(tp)
		}
	}
	if revoked.Len() == 0 {
		return
	}

	// final checkpoint for the revoked partitions, bounded by the session
	// timeout the broker is waiting out. In transactional mode the whole
	// checkpoint commits: a producer transaction cannot be split, and
	// committing only part of it would expose records whose offsets were
	// never enlisted.
	r.mux.Lock()
	var partial *Checkpoint
	if r.producer != nil && r.producer.Transactional() {
		partial = r.checkpoint
		r.checkpoint = NewCheckpoint()
		for _, ps := range r.states {
			ps.dropTransactions()
		}
	} else {
		partial = r.checkpoint.split(revoked)
		for _, tp := range revoked.Items() {
			if ps, ok := r.states[tp]; ok {
				ps.dropTransactions()
			}
		}
	}
	r.mux.Unlock()

	if !partial.Empty() {
		err := r.committer.Commit(ctx, partial)
		if err != nil {
			log.Errorf("final checkpoint for revoked partitions failed: %v", err)
			r.committer.Abort(ctx, partial)
		}
		// the commit (or abort) ended the producer transaction; open the next
		// one so the loop keeps producing
		if r.producer.Transactional() {
			if beginErr := r.producer.BeginTransaction(); beginErr != nil {
				r.fail(processingError(PhaseCommit, TopicPartition{}, -1, beginErr))
			}
		}
	}

	r.mux.Lock()
	for _, tp := range revoked.Items() {
		if ps, ok := r.states[tp]; ok {
			ps.discardTransactions()
			delete(r.states, tp)
		}
		r.stores.OnRevoke(tp.Topic, tp.Partition)
	}
	r.mux.Unlock()
}

func (pa *partitionAssignor) onLost(_ context.Context, _ *kgo.Client, assignments map[string][]int32) {
	r := pa.runner
	r.mux.Lock()
	defer r.mux.Unlock()
	for topic, partitions := range assignments {
		log.Warnf("lost topic: %s, partitions: %v", topic, partitions)
		for _, tp := range toTopicPartitions(topic, partitions...) {
			r.checkpoint.Forget(tp)
			if ps, ok := r.states[tp]; ok {
				ps.discardTransactions()
				delete(r.states, tp)
			}
			r.stores.OnRevoke(tp.Topic, tp.Partition)
		}
	}
}
