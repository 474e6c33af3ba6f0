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
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/puffgres/core/internal/batch"
	"github.com/puffgres/core/internal/types"
)

func TestClassifyStatusCodes(t *testing.T) {
	cases := []struct {
		name      string
		err       error
		retryable bool
	}{
		{"429", &StatusError{StatusCode: 429, Err: errors.New("slow down")}, true},
		{"500", &StatusError{StatusCode: 500, Err: errors.New("boom")}, true},
		{"503", &StatusError{StatusCode: 503, Err: errors.New("unavailable")}, true},
		{"400", &StatusError{StatusCode: 400, Err: errors.New("bad request")}, false},
		{"404", &StatusError{StatusCode: 404, Err: errors.New("not found")}, false},
		{"network", &net.DNSError{Err: "no such host", IsTemporary: true}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := Classify(tc.err)
			require.NotNil(t, got)
			assert.Equal(t, tc.retryable, got.Retryable)
		})
	}
}

func TestClassifyPassesThroughDownstreamError(t *testing.T) {
	original := &types.DownstreamError{Retryable: true, Message: "already classified"}
	got := Classify(original)
	assert.Same(t, original, got)
}

// countingClient fails the first N calls with a retryable StatusError,
// then succeeds.
type countingClient struct {
	failures  int
	attempts  int
	retryable bool
}

func (c *countingClient) Write(ctx context.Context, req batch.WriteRequest) (Ack, error) {
	c.attempts++
	if c.attempts <= c.failures {
		code := 503
		if !c.retryable {
			code = 400
		}
		return Ack{}, &StatusError{StatusCode: code, Err: errors.New("induced failure")}
	}
	return Ack{AffectedCount: len(req.Upserts) + len(req.Deletes)}, nil
}

func (c *countingClient) Exists(ctx context.Context, namespace string) (bool, error) {
	return true, nil
}

func (c *countingClient) DeleteAll(ctx context.Context, namespace string) error { return nil }

func TestWriterRetriesRetryableFailures(t *testing.T) {
	client := &countingClient{failures: 2, retryable: true}
	w := &Writer{Client: client, Retry: RetryConfig{MaxAttempts: 5, BaseDelay: time.Millisecond, MaxDelay: 10 * time.Millisecond}}
	ack, err := w.Write(context.Background(), batch.WriteRequest{Namespace: "ns"})
	require.NoError(t, err)
	assert.Equal(t, 0, ack.AffectedCount)
	assert.Equal(t, 3, client.attempts)
}

func TestWriterDoesNotRetryPermanentFailures(t *testing.T) {
	client := &countingClient{failures: 10, retryable: false}
	w := &Writer{Client: client, Retry: RetryConfig{MaxAttempts: 5, BaseDelay: time.Millisecond, MaxDelay: 10 * time.Millisecond}}
	_, err := w.Write(context.Background(), batch.WriteRequest{Namespace: "ns"})
	require.Error(t, err)
	var downstream *types.DownstreamError
	require.ErrorAs(t, err, &downstream)
	assert.False(t, downstream.Retryable)
	assert.Equal(t, 1, client.attempts)
}

func TestWriterExhaustsRetriesAndReturnsDownstreamError(t *testing.T) {
	client := &countingClient{failures: 100, retryable: true}
	w := &Writer{Client: client, Retry: RetryConfig{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}}
	_, err := w.Write(context.Background(), batch.WriteRequest{Namespace: "ns"})
	require.Error(t, err)
	var downstream *types.DownstreamError
	require.ErrorAs(t, err, &downstream)
	assert.True(t, downstream.Retryable)
	assert.Equal(t, 3, client.attempts)
}

func TestWriterHonorsContextCancellationDuringBackoff(t *testing.T) {
	client := &countingClient{failures: 100, retryable: true}
	w := &Writer{Client: client, Retry: RetryConfig{MaxAttempts: 5, BaseDelay: time.Second, MaxDelay: time.Second}}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := w.Write(ctx, batch.WriteRequest{Namespace: "ns"})
	require.Error(t, err)
}

func TestChaosClientInjectsFailures(t *testing.T) {
	inner := &countingClient{failures: 0, retryable: true}
	chaotic := WithChaos(inner, 1.0, true)
	_, err := chaotic.Write(context.Background(), batch.WriteRequest{Namespace: "ns"})
	require.Error(t, err)
	var statusErr *StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, 503, statusErr.StatusCode)
}

func TestChaosClientPassesThroughWhenProbabilityZero(t *testing.T) {
	inner := &countingClient{failures: 0, retryable: true}
	calm := WithChaos(inner, 0, true)
	assert.Same(t, inner, calm)
}

func TestBackoffDelayRespectsMaxDelay(t *testing.T) {
	cfg := RetryConfig{BaseDelay: time.Second, MaxDelay: 2 * time.Second}
	for attempt := 0; attempt < 10; attempt++ {
		d := backoffDelay(attempt, cfg)
		assert.LessOrEqual(t, d, cfg.MaxDelay)
		assert.GreaterOrEqual(t, d, time.Duration(0))
	}
}
