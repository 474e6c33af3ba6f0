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
	"math"
	"math/rand"
	"net"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/puffgres/core/internal/batch"
	"github.com/puffgres/core/internal/types"
)

// StatusError is how a Client implementation reports an HTTP-shaped
// failure so Classify can apply the status-code rules. Client
// implementations that talk to a non-HTTP transport should instead
// return a *types.DownstreamError directly with Retryable set.
type StatusError struct {
	StatusCode int
	Err        error
}

func (e *StatusError) Error() string { return e.Err.Error() }
func (e *StatusError) Unwrap() error { return e.Err }

// RetryConfig bounds the index writer's backoff policy.
type RetryConfig struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// DefaultRetryConfig is the documented default policy: 5 attempts,
// 100ms base, 30s cap, full jitter.
var DefaultRetryConfig = RetryConfig{MaxAttempts: 5, BaseDelay: 100 * time.Millisecond, MaxDelay: 30 * time.Second}

// Classify maps an error returned by a Client into a
// *types.DownstreamError: network/connection
// errors and HTTP 429/5xx are retryable (429 additionally carries
// jitter handling at the backoff layer); HTTP 4xx and anything else
// is permanent.
func Classify(err error) *types.DownstreamError {
	if err == nil {
		return nil
	}
	var existing *types.DownstreamError
	if errors.As(err, &existing) {
		return existing
	}
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		switch {
		case statusErr.StatusCode == 429:
			return &types.DownstreamError{Retryable: true, Message: err.Error()}
		case statusErr.StatusCode >= 500:
			return &types.DownstreamError{Retryable: true, Message: err.Error()}
		case statusErr.StatusCode >= 400:
			return &types.DownstreamError{Retryable: false, Message: err.Error()}
		default:
			return &types.DownstreamError{Retryable: false, Message: err.Error()}
		}
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return &types.DownstreamError{Retryable: true, Message: err.Error()}
	}
	return &types.DownstreamError{Retryable: false, Message: err.Error()}
}

// Writer executes WriteRequests against a Client, retrying retryable
// failures with bounded exponential backoff and full jitter.
type Writer struct {
	Client Client
	Retry  RetryConfig
}

// NewWriter returns a Writer using DefaultRetryConfig.
func NewWriter(client Client) *Writer {
	return &Writer{Client: client, Retry: DefaultRetryConfig}
}

// Write executes req, retrying retryable failures up to Retry's
// MaxAttempts. A retried request is the byte-identical original. On
// final failure the returned error is a *types.DownstreamError so the
// caller can tell retryable-exhausted from permanent without
// re-classifying; if ctx ends during a backoff sleep, the wrapped
// context error is returned instead.
func (w *Writer) Write(ctx context.Context, req batch.WriteRequest) (Ack, error) {
	var lastErr *types.DownstreamError
	attempts := w.Retry.MaxAttempts
	if attempts <= 0 {
		attempts = DefaultRetryConfig.MaxAttempts
	}
	for attempt := 0; attempt < attempts; attempt++ {
		ack, err := w.Client.Write(ctx, req)
		if err == nil {
			return ack, nil
		}
		lastErr = Classify(err)
		if !lastErr.Retryable {
			return Ack{}, lastErr
		}
		log.WithFields(log.Fields{
			"namespace": req.Namespace,
			"attempt":   attempt + 1,
			"error":     lastErr.Message,
		}).Warn("index write failed, retrying")
		if attempt == attempts-1 {
			break
		}
		delay := backoffDelay(attempt, w.Retry)
		select {
		case <-ctx.Done():
			return Ack{}, errors.Wrap(ctx.Err(), "index write cancelled during backoff")
		case <-time.After(delay):
		}
	}
	return Ack{}, lastErr
}

// backoffDelay computes a full-jitter exponential backoff delay for
// the given zero-based attempt index, bounded by cfg.MaxDelay.
func backoffDelay(attempt int, cfg RetryConfig) time.Duration {
	base := cfg.BaseDelay
	if base <= 0 {
		base = DefaultRetryConfig.BaseDelay
	}
	maxDelay := cfg.MaxDelay
	if maxDelay <= 0 {
		maxDelay = DefaultRetryConfig.MaxDelay
	}
	cap := float64(base) * math.Pow(2, float64(attempt))
	if cap > float64(maxDelay) {
		cap = float64(maxDelay)
	}
	return time.Duration(rand.Int63n(int64(cap) + 1))
}
