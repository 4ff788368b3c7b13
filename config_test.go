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
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig("g1")
	require.NoError(t, cfg.validate())
	require.Equal(t, 5*time.Second, cfg.CommitInterval)
	require.Equal(t, 100, cfg.CommitEvery)
	require.Equal(t, AtLeastOnce, cfg.Guarantee)
	require.True(t, cfg.UseChangelogTopics)
}

func TestConfigValidate(t *testing.T) {
	cfg := DefaultConfig("")
	require.Error(t, cfg.validate(), "missing consumer group must fail")

	cfg = DefaultConfig("g1")
	cfg.Guarantee = "sometimes"
	require.Error(t, cfg.validate())

	cfg = DefaultConfig("g1")
	cfg.CommitEvery = 0
	require.Error(t, cfg.validate())

	cfg = DefaultConfig("g1")
	cfg.AutoOffsetReset = "middle"
	require.Error(t, cfg.validate())
}

func TestLoadConfigFromYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "app.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
consumer_group: counter
processing_guarantee: exactly-once
commit_every: 250
use_changelog_topics: false
state_dir: /tmp/counter-state
`), 0o644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	require.Equal(t, "counter", cfg.ConsumerGroup)
	require.Equal(t, ExactlyOnce, cfg.Guarantee)
	require.Equal(t, 250, cfg.CommitEvery)
	require.False(t, cfg.UseChangelogTopics)
	require.Equal(t, "/tmp/counter-state", cfg.StateDir)
}

func TestLoadConfigEnvOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "app.yaml")
	require.NoError(t, os.WriteFile(path, []byte("consumer_group: from-file\n"), 0o644))
	t.Setenv("STREAMS_CONSUMER_GROUP", "from-env")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	require.Equal(t, "from-env", cfg.ConsumerGroup)
}

func TestLoadConfigRejectsUnknownExtension(t *testing.T) {
	_, err := LoadConfig("config.toml")
	require.Error(t, err)
}
