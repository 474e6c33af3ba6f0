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

package index

import (
	"context"
	"math/rand"

	"github.com/pkg/errors"

	"github.com/puffgres/core/internal/batch"
)

// ErrChaos is the error injected by WithChaos.
var ErrChaos = errors.New("chaos")

// WithChaos wraps a Client with a fault injector for exercising the
// Writer's retry/backoff behavior under test. delegate is returned
// unwrapped if prob is zero or negative. This wrapper is test-only
// infrastructure, never part of the runtime default path.
func WithChaos(delegate Client, prob float32, retryable bool) Client {
	if prob <= 0 {
		return delegate
	}
	return &chaosClient{delegate: delegate, prob: prob, retryable: retryable}
}

type chaosClient struct {
	delegate  Client
	prob      float32
	retryable bool
}

var _ Client = (*chaosClient)(nil)

func (c *chaosClient) Write(ctx context.Context, req batch.WriteRequest) (Ack, error) {
	if rand.Float32() < c.prob {
		if c.retryable {
			return Ack{}, &StatusError{StatusCode: 503, Err: errors.WithMessage(ErrChaos, "Write")}
		}
		return Ack{}, &StatusError{StatusCode: 400, Err: errors.WithMessage(ErrChaos, "Write")}
	}
	return c.delegate.Write(ctx, req)
}

func (c *chaosClient) Exists(ctx context.Context, namespace string) (bool, error) {
	if rand.Float32() < c.prob {
		return false, errors.WithMessage(ErrChaos, "Exists")
	}
	return c.delegate.Exists(ctx, namespace)
}

func (c *chaosClient) DeleteAll(ctx context.Context, namespace string) error {
	if rand.Float32() < c.prob {
		return errors.WithMessage(ErrChaos, "DeleteAll")
	}
	return c.delegate.DeleteAll(ctx, namespace)
}
