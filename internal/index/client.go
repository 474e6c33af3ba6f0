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

// Package index executes WriteRequests against the external target
// index service, classifying failures as retryable or permanent and
// diverting permanent failures to the DLQ. Reads are never issued by
// this package.
package index

import (
	"context"

	"github.com/puffgres/core/internal/batch"
)

// Client is the opaque outbound collaborator: an index service
// exposing per-namespace write, existence-check and wholesale-delete
// operations. The core never depends on the service's query API.
type Client interface {
	// Write executes one WriteRequest against the service's namespace
	// and returns the number of documents affected.
	Write(ctx context.Context, req batch.WriteRequest) (Ack, error)
	// Exists reports whether namespace has been provisioned.
	Exists(ctx context.Context, namespace string) (bool, error)
	// DeleteAll wholesale-deletes namespace's contents, used by the
	// supervisor to translate a source-table truncation.
	DeleteAll(ctx context.Context, namespace string) error
}

// Ack is a successful write's result.
type Ack struct {
	AffectedCount int
}
