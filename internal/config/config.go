// Copyright 2023 The Cockroach Authors
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
//
// SPDX-License-Identifier: Apache-2.0

// Package config holds the user-visible configuration for running the
// pipeline: the replication connection, the slot/publication pair, the
// batching defaults new mappings inherit, and the index writer's retry
// policy.
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/pflag"

	"github.com/puffgres/core/internal/index"
	"github.com/puffgres/core/internal/types"
)

// ReplicationConfig describes the dedicated logical-replication
// connection: which slot and publication to bind, and whether either
// may be created if absent.
type ReplicationConfig struct {
	ConnString      string
	SlotName        string
	PublicationName string
	CreateIfMissing bool
}

// Bind registers flags.
func (c *ReplicationConfig) Bind(flags *pflag.FlagSet) {
	flags.StringVar(&c.ConnString, "sourceConnString", "",
		"the connection string for the source database's replication connection")
	flags.StringVar(&c.SlotName, "slotName", "puffgres",
		"the name of the logical replication slot to use")
	flags.StringVar(&c.PublicationName, "publicationName", "puffgres",
		"the name of the publication the slot streams through")
	flags.BoolVar(&c.CreateIfMissing, "createIfMissing", true,
		"create the replication slot and publication if they do not already exist")
}

// Preflight validates the replication configuration.
func (c *ReplicationConfig) Preflight() error {
	if c.ConnString == "" {
		return errors.New("sourceConnString unset")
	}
	if c.SlotName == "" {
		return errors.New("slotName unset")
	}
	if c.PublicationName == "" {
		return errors.New("publicationName unset")
	}
	return nil
}

// BatchDefaults bounds the batching caps a mapping inherits when its
// own declaration leaves a field unset.
type BatchDefaults struct {
	MaxRows         int
	MaxBytes        int
	FlushIntervalMs int
}

// Bind registers flags.
func (c *BatchDefaults) Bind(flags *pflag.FlagSet) {
	flags.IntVar(&c.MaxRows, "batchMaxRows", types.DefaultMaxRows,
		"default maximum number of actions per batch")
	flags.IntVar(&c.MaxBytes, "batchMaxBytes", types.DefaultMaxBytes,
		"default maximum estimated byte size per batch")
	flags.IntVar(&c.FlushIntervalMs, "batchFlushIntervalMs", types.DefaultFlushIntervalMs,
		"default maximum time a batch may accumulate before being flushed")
}

// Preflight validates the batch defaults.
func (c *BatchDefaults) Preflight() error {
	if c.MaxRows <= 0 {
		return errors.New("batchMaxRows must be positive")
	}
	if c.MaxBytes <= 0 {
		return errors.New("batchMaxBytes must be positive")
	}
	if c.FlushIntervalMs <= 0 {
		return errors.New("batchFlushIntervalMs must be positive")
	}
	return nil
}

// AsBatchConfig converts the process-wide defaults into a
// types.BatchConfig a mapping without its own batching block can use
// directly.
func (c BatchDefaults) AsBatchConfig() types.BatchConfig {
	return types.BatchConfig{MaxRows: c.MaxRows, MaxBytes: c.MaxBytes, FlushIntervalMs: c.FlushIntervalMs}
}

// RetryConfig mirrors index.RetryConfig as flag-bindable fields.
type RetryConfig struct {
	MaxAttempts int
	BaseDelayMs int
	MaxDelayMs  int
}

// Bind registers flags.
func (c *RetryConfig) Bind(flags *pflag.FlagSet) {
	flags.IntVar(&c.MaxAttempts, "indexRetryMaxAttempts", 5,
		"maximum number of attempts for an index write before diverting to the DLQ")
	flags.IntVar(&c.BaseDelayMs, "indexRetryBaseDelayMs", 100,
		"base delay in milliseconds for index write retry backoff")
	flags.IntVar(&c.MaxDelayMs, "indexRetryMaxDelayMs", 30000,
		"maximum delay in milliseconds for index write retry backoff")
}

// MaxRetriesEnv overrides the flag-configured attempt cap when set,
// read once at Preflight time.
const MaxRetriesEnv = "PUFFGRES_MAX_RETRIES"

// Preflight validates the retry configuration.
func (c *RetryConfig) Preflight() error {
	if v := os.Getenv(MaxRetriesEnv); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return errors.Wrapf(err, "parsing %s", MaxRetriesEnv)
		}
		c.MaxAttempts = n
	}
	if c.MaxAttempts <= 0 {
		return errors.New("indexRetryMaxAttempts must be positive")
	}
	if c.BaseDelayMs <= 0 {
		return errors.New("indexRetryBaseDelayMs must be positive")
	}
	if c.MaxDelayMs < c.BaseDelayMs {
		return errors.New("indexRetryMaxDelayMs must be at least indexRetryBaseDelayMs")
	}
	return nil
}

// AsIndexRetryConfig converts to index.RetryConfig.
func (c RetryConfig) AsIndexRetryConfig() index.RetryConfig {
	return index.RetryConfig{
		MaxAttempts: c.MaxAttempts,
		BaseDelay:   time.Duration(c.BaseDelayMs) * time.Millisecond,
		MaxDelay:    time.Duration(c.MaxDelayMs) * time.Millisecond,
	}
}

// Config contains the user-visible configuration for running the
// pipeline.
type Config struct {
	Replication ReplicationConfig
	Batching    BatchDefaults
	Retry       RetryConfig

	StateConnString string
	BaseNamespace   string
	QueueDepth      int
}

// Bind registers flags.
func (c *Config) Bind(flags *pflag.FlagSet) {
	c.Replication.Bind(flags)
	c.Batching.Bind(flags)
	c.Retry.Bind(flags)

	flags.StringVar(&c.StateConnString, "stateConnString", "",
		"the connection string for the checkpoint/DLQ state store; defaults to the replication connection string")
	flags.StringVar(&c.BaseNamespace, "baseNamespace", "",
		"an optional prefix applied to every mapping's target namespace")
	flags.IntVar(&c.QueueDepth, "queueDepth", 8192,
		"the bound on the decoded-batch queue between the replication and supervisor tasks")
}

// Preflight validates the whole configuration and fills in derived
// defaults (StateConnString defaulting to the replication connection).
func (c *Config) Preflight() error {
	if err := c.Replication.Preflight(); err != nil {
		return err
	}
	if err := c.Batching.Preflight(); err != nil {
		return err
	}
	if err := c.Retry.Preflight(); err != nil {
		return err
	}
	if c.StateConnString == "" {
		c.StateConnString = c.Replication.ConnString
	}
	if c.QueueDepth <= 0 {
		c.QueueDepth = 8192
	}
	return nil
}
