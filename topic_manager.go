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
	"fmt"
	"sync"
	"time"

	"github.com/streamweave/streams/sak"
	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kerr"
)

const (
	changelogTopicPrefix   = "changelog__"
	repartitionTopicPrefix = "repartition__"

	// default retention for repartition topics: 7 days
	defaultRepartitionRetentionMs = int64(7 * 24 * time.Hour / time.Millisecond)
)

// TopicConfig is the immutable creation/validation shape of a topic.
// Equality is by value.
type TopicConfig struct {
	NumPartitions     int32
	ReplicationFactor int16
	ExtraConfig       map[string]string
}

func (tc TopicConfig) Equal(other TopicConfig) bool {
	if tc.NumPartitions != other.NumPartitions || tc.ReplicationFactor != other.ReplicationFactor {
		return false
	}
	if len(tc.ExtraConfig) != len(other.ExtraConfig) {
		return false
	}
	for k, v := range tc.ExtraConfig {
		if ov, ok := other.ExtraConfig[k]; !ok || ov != v {
			return false
		}
	}
	return true
}

// Topic is a logical topic: a name plus its serde wiring and configs.
// A Topic is usable for produce only when its serializers are set, and for
// consume only when its deserializers are set. A nil CreateConfig means the
// topic is externally managed and will not be created by [TopicManager].
type Topic struct {
	Name               string
	CreateConfig       *TopicConfig
	BrokerConfig       TopicConfig
	KeySerializer      Serializer
	ValueSerializer    Serializer
	KeyDeserializer    Deserializer
	ValueDeserializer  Deserializer
	TimestampExtractor TimestampExtractor
}

func (t *Topic) producible() bool {
	return t.ValueSerializer != nil
}

func (t *Topic) consumable() bool {
	return t.ValueDeserializer != nil
}

// TopicOption customizes a Topic at registration time.
type TopicOption func(*Topic)

func WithCreateConfig(cfg TopicConfig) TopicOption {
	return func(t *Topic) { t.CreateConfig = &cfg }
}

func WithKeySerializer(s Serializer) TopicOption {
	return func(t *Topic) { t.KeySerializer = s }
}

func WithValueSerializer(s Serializer) TopicOption {
	return func(t *Topic) { t.ValueSerializer = s }
}

func WithKeyDeserializer(d Deserializer) TopicOption {
	return func(t *Topic) { t.KeyDeserializer = d }
}

func WithValueDeserializer(d Deserializer) TopicOption {
	return func(t *Topic) { t.ValueDeserializer = d }
}

func WithTimestampExtractor(e TimestampExtractor) TopicOption {
	return func(t *Topic) { t.TimestampExtractor = e }
}

// ChangelogTopicName derives the changelog topic name for (group, source topic, store).
func ChangelogTopicName(group, topic, store string) string {
	return fmt.Sprintf("%s%s--%s--%s", changelogTopicPrefix, group, topic, store)
}

// RepartitionTopicName derives the repartition topic name for (group, source topic, operation).
func RepartitionTopicName(group, topic, operation string) string {
	return fmt.Sprintf("%s%s--%s--%s", repartitionTopicPrefix, group, topic, operation)
}

/*
TopicManager is the canonical source of all Topic objects for one application
instance, including the derived changelog and repartition topics.

The manager holds topics by name; nothing holds a reference back to the
manager. Derived topic configs are pinned at derivation time:

  - changelogs are compacted with unbounded retention and mirror the source
    topic's partition count
  - repartition topics use delete cleanup with bounded retention
*/
type TopicManager struct {
	cluster           Cluster
	group             string
	replicationFactor int16
	repartitionMs     int64
	adminTimeout      time.Duration
	topics            map[string]*Topic
	changelogSources  map[string]string // changelog name -> source topic name
	mux               sync.Mutex
}

func NewTopicManager(cluster Cluster, group string) *TopicManager {
	return &TopicManager{
		cluster:          cluster,
		group:            group,
		repartitionMs:    defaultRepartitionRetentionMs,
		adminTimeout:     30 * time.Second,
		topics:           make(map[string]*Topic),
		changelogSources: make(map[string]string),
	}
}

// SetReplicationFactor overrides the cluster default replication factor used
// when creating derived topics.
func (tm *TopicManager) SetReplicationFactor(rf int16) {
	tm.replicationFactor = rf
}

// SetRepartitionRetention bounds the retention of derived repartition topics.
func (tm *TopicManager) SetRepartitionRetention(d time.Duration) {
	tm.repartitionMs = int64(d / time.Millisecond)
}

// RegisterTopic registers an input or output topic and returns it.
// Registering the same name twice returns the existing Topic.
func (tm *TopicManager) RegisterTopic(name string, opts ...TopicOption) *Topic {
	tm.mux.Lock()
	defer tm.mux.Unlock()
	if t, ok := tm.topics[name]; ok {
		return t
	}
	t := &Topic{Name: name}
	for _, opt := range opts {
		opt(t)
	}
	tm.topics[name] = t
	return t
}

// Topic returns a registered topic by name, or nil.
func (tm *TopicManager) Topic(name string) *Topic {
	tm.mux.Lock()
	defer tm.mux.Unlock()
	return tm.topics[name]
}

/*
ChangelogTopic derives and registers the changelog topic for (source topic,
store). The partition count mirrors the source; cleanup.policy=compact and
retention is unbounded so live keys are never dropped. Keys and values are raw
bytes; the manager does not interpret them.
*/
func (tm *TopicManager) ChangelogTopic(source *Topic, store string) *Topic {
	name := ChangelogTopicName(tm.group, source.Name, store)
	tm.mux.Lock()
	defer tm.mux.Unlock()
	if t, ok := tm.topics[name]; ok {
		return t
	}
	t := &Topic{
		Name: name,
		CreateConfig: &TopicConfig{
			NumPartitions:     tm.sourcePartitionsLocked(source),
			ReplicationFactor: tm.replicationFactor,
			ExtraConfig: map[string]string{
				"cleanup.policy":        "compact",
				"min.compaction.lag.ms": "0",
				"retention.ms":          "-1",
				"retention.bytes":       "-1",
			},
		},
		KeySerializer:   BytesSerde{},
		ValueSerializer: BytesSerde{},
	}
	tm.topics[name] = t
	tm.changelogSources[name] = source.Name
	return t
}

/*
RepartitionTopic derives and registers the repartition topic for a GroupBy
operation over the source topic. The partition count mirrors the source;
cleanup.policy=delete with bounded retention. The value serde is inherited
from the source topic so re-keyed rows round-trip unchanged.
*/
func (tm *TopicManager) RepartitionTopic(source *Topic, operation string) *Topic {
	name := RepartitionTopicName(tm.group, source.Name, operation)
	tm.mux.Lock()
	defer tm.mux.Unlock()
	if t, ok := tm.topics[name]; ok {
		return t
	}
	t := &Topic{
		Name: name,
		CreateConfig: &TopicConfig{
			NumPartitions:     tm.sourcePartitionsLocked(source),
			ReplicationFactor: tm.replicationFactor,
			ExtraConfig: map[string]string{
				"cleanup.policy": "delete",
				"retention.ms":   fmt.Sprintf("%d", tm.repartitionMs),
			},
		},
		KeySerializer:      BytesSerde{},
		ValueSerializer:    source.ValueSerializer,
		KeyDeserializer:    BytesSerde{},
		ValueDeserializer:  source.ValueDeserializer,
		TimestampExtractor: source.TimestampExtractor,
	}
	if t.ValueSerializer == nil {
		t.ValueSerializer = JSONSerde{}
	}
	if t.ValueDeserializer == nil {
		t.ValueDeserializer = JSONSerde{}
	}
	tm.topics[name] = t
	return t
}

// the best partition count known for source: broker truth wins over the create config
func (tm *TopicManager) sourcePartitionsLocked(source *Topic) int32 {
	if source.BrokerConfig.NumPartitions > 0 {
		return source.BrokerConfig.NumPartitions
	}
	if source.CreateConfig != nil {
		return source.CreateConfig.NumPartitions
	}
	return 0
}

func (tm *TopicManager) adminClient() (*kadm.Client, func(), error) {
	client, err := NewClient(tm.cluster)
	if err != nil {
		return nil, nil, err
	}
	return kadm.NewClient(client), client.Close, nil
}

/*
EnsureTopics creates every registered topic that carries a CreateConfig.
Creating a topic that already exists is a success. Any other creation failure
is fatal at startup. Network errors retry with a one second pause, as broker
metadata is frequently unsettled while a cluster boots.
*/
func (tm *TopicManager) EnsureTopics(ctx context.Context) error {
	adm, closer, err := tm.adminClient()
	if err != nil {
		return err
	}
	defer closer()

	tm.mux.Lock()
	topics := sak.MapValuesToSlice(tm.topics)
	tm.mux.Unlock()

	for _, t := range topics {
		if t.CreateConfig == nil {
			continue
		}
		if err := tm.createTopic(ctx, adm, t); err != nil {
			return err
		}
	}
	return tm.describeTopics(ctx, adm, topics)
}

func (tm *TopicManager) createTopic(ctx context.Context, adm *kadm.Client, t *Topic) error {
	cfg := make(map[string]*string, len(t.CreateConfig.ExtraConfig))
	for k, v := range t.CreateConfig.ExtraConfig {
		cfg[k] = sak.Ptr(v)
	}
	rf := t.CreateConfig.ReplicationFactor
	if rf <= 0 {
		rf = -1 // cluster default
	}
	partitions := t.CreateConfig.NumPartitions
	if partitions <= 0 {
		partitions = -1 // cluster default
	}

	var lastErr error
	for retryCount := 0; retryCount < 15; retryCount++ {
		cctx, cancel := context.WithTimeout(ctx, tm.adminTimeout)
		res, err := adm.CreateTopics(cctx, partitions, rf, cfg, t.Name)
		cancel()
		if isNetworkError(err) {
			lastErr = err
			time.Sleep(time.Second)
			continue
		}
		if err != nil {
			return err
		}
		for _, ctr := range res.Sorted() {
			if ctr.Err != nil && !errors.Is(ctr.Err, kerr.TopicAlreadyExists) {
				return fmt.Errorf("creating topic %s: %w", ctr.Topic, ctr.Err)
			}
		}
		log.Infof("topic %s present", t.Name)
		return nil
	}
	return lastErr
}

// describeTopics fills in BrokerConfig for every registered topic.
func (tm *TopicManager) describeTopics(ctx context.Context, adm *kadm.Client, topics []*Topic) error {
	names := make([]string, 0, len(topics))
	for _, t := range topics {
		names = append(names, t.Name)
	}
	cctx, cancel := context.WithTimeout(ctx, tm.adminTimeout)
	defer cancel()
	details, err := adm.ListTopics(cctx, names...)
	if err != nil {
		if cctx.Err() != nil {
			return retryableError{err}
		}
		return err
	}
	tm.mux.Lock()
	defer tm.mux.Unlock()
	for _, t := range topics {
		if td, ok := details[t.Name]; ok && td.Err == nil {
			t.BrokerConfig.NumPartitions = int32(len(td.Partitions.Numbers()))
			t.BrokerConfig.ReplicationFactor = int16(td.Partitions.NumReplicas())
		}
	}
	return nil
}

/*
ValidateAll checks every registered topic against broker state and collects
all failures into a single aggregated error:

  - every topic's broker config must be populated (the topic exists)
  - every changelog must match its source partition count on the broker
  - every changelog's derived create config must set cleanup.policy=compact;
    the cleanup.policy the broker actually holds is not read
*/
func (tm *TopicManager) ValidateAll(ctx context.Context) error {
	adm, closer, err := tm.adminClient()
	if err != nil {
		return err
	}
	defer closer()

	tm.mux.Lock()
	topics := sak.MapValuesToSlice(tm.topics)
	changelogs := make(map[string]string, len(tm.changelogSources))
	for k, v := range tm.changelogSources {
		changelogs[k] = v
	}
	tm.mux.Unlock()

	if err := tm.describeTopics(ctx, adm, topics); err != nil {
		return err
	}

	var errs []error
	for _, t := range topics {
		if t.BrokerConfig.NumPartitions == 0 {
			errs = append(errs, fmt.Errorf("topic %s does not exist on the broker", t.Name))
			continue
		}
		source, isChangelog := changelogs[t.Name]
		if !isChangelog {
			continue
		}
		if policy := t.CreateConfig.ExtraConfig["cleanup.policy"]; policy != "compact" {
			errs = append(errs, fmt.Errorf("changelog %s is not compacted (cleanup.policy=%s)", t.Name, policy))
		}
		st := tm.Topic(source)
		if st != nil && st.BrokerConfig.NumPartitions != t.BrokerConfig.NumPartitions {
			errs = append(errs, fmt.Errorf("changelog %s partition count (%d) does not match source topic %s partition count (%d)",
				t.Name, t.BrokerConfig.NumPartitions, source, st.BrokerConfig.NumPartitions))
		}
	}
	return errors.Join(errs...)
}

// ConsumableTopics lists registered topic names that have deserializers set.
func (tm *TopicManager) ConsumableTopics() []string {
	tm.mux.Lock()
	defer tm.mux.Unlock()
	names := make([]string, 0, len(tm.topics))
	for name, t := range tm.topics {
		if t.consumable() {
			names = append(names, name)
		}
	}
	return names
}
