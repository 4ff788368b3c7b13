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
	"fmt"
	"path/filepath"
	"sync"
)

// DefaultStoreName is the store registered when a pipeline asks for state
// without naming a store.
const DefaultStoreName = "default"

// Store is a named keyed state bound to one input topic. Partitions are
// assigned and revoked as the consumer group rebalances.
type Store struct {
	Name           string
	Topic          string
	ChangelogTopic string
	baseDir        string
	partitions     map[int32]*StorePartition
	mux            sync.Mutex
}

// AssignPartition opens (or returns) the store partition for the input
// partition. `epoch` is the writer fencing token; the runner passes its
// instance start time in epoch ms.
func (s *Store) AssignPartition(partition int32, epoch int64) (*StorePartition, error) {
	s.mux.Lock()
	defer s.mux.Unlock()
	if sp, ok := s.partitions[partition]; ok {
		return sp, nil
	}
	sp, err := OpenPartition(s.baseDir, s.Name, partition, s.ChangelogTopic, epoch)
	if err != nil {
		return nil, err
	}
	s.partitions[partition] = sp
	return sp, nil
}

// Partition returns the assigned store partition, or nil.
func (s *Store) Partition(partition int32) *StorePartition {
	s.mux.Lock()
	defer s.mux.Unlock()
	return s.partitions[partition]
}

// RevokePartition closes the store partition. When `destroy` is set, its
// on-disk data is removed as well (local-only state cannot be recovered on
// another instance, so keeping it would serve stale reads on reassignment).
func (s *Store) RevokePartition(partition int32, destroy bool) error {
	s.mux.Lock()
	sp, ok := s.partitions[partition]
	delete(s.partitions, partition)
	s.mux.Unlock()
	if !ok {
		return nil
	}
	if destroy {
		return sp.Destroy()
	}
	return sp.Close()
}

func (s *Store) close() {
	s.mux.Lock()
	partitions := s.partitions
	s.partitions = make(map[int32]*StorePartition)
	s.mux.Unlock()
	for _, sp := range partitions {
		if err := sp.Close(); err != nil {
			log.Errorf("closing store %s/%d: %v", s.Name, sp.partition, err)
		}
	}
}

/*
Manager owns every registered store for one application instance and fans
rebalance callbacks out to them. It is the state-side counterpart of the
processing loop's partition bookkeeping: the loop decides when partitions
come and go, the Manager decides what that means for local datasets.
*/
type Manager struct {
	stateDir      string
	group         string
	useChangelogs bool
	stores        map[string]map[string]*Store // topic -> store name -> store
	mux           sync.Mutex
}

// NewManager creates a store manager rooted at {stateDir}/{group}.
func NewManager(stateDir, group string, useChangelogs bool) *Manager {
	return &Manager{
		stateDir:      filepath.Join(stateDir, group),
		group:         group,
		useChangelogs: useChangelogs,
		stores:        make(map[string]map[string]*Store),
	}
}

func (m *Manager) UsingChangelogs() bool {
	return m.useChangelogs
}

// RegisterStore registers a store for the topic. Registering the same
// (topic, name) twice returns the existing store. changelogTopic is ignored
// when changelogs are disabled.
func (m *Manager) RegisterStore(topic, name, changelogTopic string) *Store {
	m.mux.Lock()
	defer m.mux.Unlock()
	byName, ok := m.stores[topic]
	if !ok {
		byName = make(map[string]*Store)
		m.stores[topic] = byName
	}
	if s, ok := byName[name]; ok {
		return s
	}
	if !m.useChangelogs {
		changelogTopic = ""
	}
	s := &Store{
		Name:           name,
		Topic:          topic,
		ChangelogTopic: changelogTopic,
		baseDir:        m.stateDir,
		partitions:     make(map[int32]*StorePartition),
	}
	byName[name] = s
	return s
}

// GetStore returns the registered store, or an error naming the miss.
func (m *Manager) GetStore(topic, name string) (*Store, error) {
	m.mux.Lock()
	defer m.mux.Unlock()
	if s, ok := m.stores[topic][name]; ok {
		return s, nil
	}
	return nil, fmt.Errorf("store %q (topic %q) is not registered", name, topic)
}

// StoresFor lists the stores registered against the topic.
func (m *Manager) StoresFor(topic string) []*Store {
	m.mux.Lock()
	defer m.mux.Unlock()
	stores := make([]*Store, 0, len(m.stores[topic]))
	for _, s := range m.stores[topic] {
		stores = append(stores, s)
	}
	return stores
}

// OnAssign opens the store partitions for every store registered against the
// topic and returns them keyed by store name.
func (m *Manager) OnAssign(topic string, partition int32, epoch int64) (map[string]*StorePartition, error) {
	assigned := make(map[string]*StorePartition)
	for _, s := range m.StoresFor(topic) {
		sp, err := s.AssignPartition(partition, epoch)
		if err != nil {
			return nil, err
		}
		assigned[s.Name] = sp
	}
	return assigned, nil
}

// OnRevoke closes the store partitions for every store registered against the
// topic. Without changelogs the partitions are destroyed, as their content
// cannot be rebuilt elsewhere and must not leak into a future reassignment.
func (m *Manager) OnRevoke(topic string, partition int32) {
	for _, s := range m.StoresFor(topic) {
		if err := s.RevokePartition(partition, !m.useChangelogs); err != nil {
			log.Errorf("revoking store %s/%d: %v", s.Name, partition, err)
		}
	}
}

// Close closes every assigned partition of every store.
func (m *Manager) Close() {
	m.mux.Lock()
	all := make([]*Store, 0)
	for _, byName := range m.stores {
		for _, s := range byName {
			all = append(all, s)
		}
	}
	m.mux.Unlock()
	for _, s := range all {
		s.close()
	}
}
