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
	"fmt"
	"strings"
	"time"

	koanfjson "github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// ProcessingGuarantee selects how input offsets, produced output and state are
// made durable relative to each other.
type ProcessingGuarantee string

const (
	// AtLeastOnce commits offsets with plain consumer commits after output is flushed.
	AtLeastOnce ProcessingGuarantee = "at-least-once"
	// ExactlyOnce commits offsets inside a Kafka producer transaction.
	ExactlyOnce ProcessingGuarantee = "exactly-once"
)

type AutoOffsetReset string

const (
	OffsetEarliest AutoOffsetReset = "earliest"
	OffsetLatest   AutoOffsetReset = "latest"
)

// Config is the application-level configuration. It is treated as immutable
// after startup.
type Config struct {
	// Kafka group id and the suffix of all derived topic names.
	ConsumerGroup string `koanf:"consumer_group"`
	// Distinguishes application instances sharing a group, used in the
	// transactional id derivation.
	ApplicationID string `koanf:"application_id"`
	// Initial position when no committed offset exists.
	AutoOffsetReset AutoOffsetReset `koanf:"auto_offset_reset"`
	// Max time between checkpoints.
	CommitInterval time.Duration `koanf:"commit_interval"`
	// Max records between checkpoints.
	CommitEvery int `koanf:"commit_every"`
	// at-least-once or exactly-once.
	Guarantee ProcessingGuarantee `koanf:"processing_guarantee"`
	// When false, state is local-only and lost on reassignment.
	UseChangelogTopics bool `koanf:"use_changelog_topics"`
	// Directory holding the embedded store partitions.
	StateDir string `koanf:"state_dir"`
	// Poll timeout of the hot loop.
	PollTimeout time.Duration `koanf:"poll_timeout"`
	// Budget for producer flush and offset commit during a checkpoint.
	FlushTimeout time.Duration `koanf:"flush_timeout"`
	// Producer queue size before back-pressure pauses polling.
	MaxBufferedRecords int `koanf:"max_buffered_records"`
	// Raw broker tunables, passed through to the respective clients.
	ProducerExtraConfig map[string]string `koanf:"producer_extra_config"`
	ConsumerExtraConfig map[string]string `koanf:"consumer_extra_config"`
}

// DefaultConfig returns a Config for `group` with the documented defaults:
// 5s commit interval, 100 records per checkpoint, at-least-once, changelogs on.
func DefaultConfig(group string) Config {
	return Config{
		ConsumerGroup:      group,
		ApplicationID:      group,
		AutoOffsetReset:    OffsetEarliest,
		CommitInterval:     5 * time.Second,
		CommitEvery:        100,
		Guarantee:          AtLeastOnce,
		UseChangelogTopics: true,
		StateDir:           "state",
		PollTimeout:        100 * time.Millisecond,
		FlushTimeout:       30 * time.Second,
		MaxBufferedRecords: 10000,
	}
}

func (c Config) validate() error {
	if c.ConsumerGroup == "" {
		return fmt.Errorf("consumer_group is required")
	}
	if c.CommitInterval <= 0 {
		return fmt.Errorf("commit_interval must be positive")
	}
	if c.CommitEvery < 1 {
		return fmt.Errorf("commit_every must be at least 1")
	}
	switch c.Guarantee {
	case AtLeastOnce, ExactlyOnce:
	default:
		return fmt.Errorf("processing_guarantee must be %q or %q", AtLeastOnce, ExactlyOnce)
	}
	switch c.AutoOffsetReset {
	case OffsetEarliest, OffsetLatest:
	default:
		return fmt.Errorf("auto_offset_reset must be %q or %q", OffsetEarliest, OffsetLatest)
	}
	return nil
}

/*
LoadConfig builds a Config from an optional YAML or JSON file plus STREAMS_
environment variables, env taking precedence. Nested keys use double
underscores in the environment:

	STREAMS_CONSUMER_GROUP=my-group
	STREAMS_PROCESSING_GUARANTEE=exactly-once
*/
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig("")
	ko := koanf.New(".")

	if path != "" {
		var parser koanf.Parser
		switch {
		case strings.HasSuffix(path, ".yaml"), strings.HasSuffix(path, ".yml"):
			parser = yaml.Parser()
		case strings.HasSuffix(path, ".json"):
			parser = koanfjson.Parser()
		default:
			return cfg, fmt.Errorf("unsupported config file extension: %s", path)
		}
		if err := ko.Load(file.Provider(path), parser); err != nil {
			return cfg, fmt.Errorf("loading config file %s: %w", path, err)
		}
	}

	err := ko.Load(env.Provider("STREAMS_", ".", func(s string) string {
		return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, "STREAMS_")), "__", ".")
	}), nil)
	if err != nil {
		return cfg, err
	}

	if err := ko.Unmarshal("", &cfg); err != nil {
		return cfg, err
	}
	return cfg, cfg.validate()
}
