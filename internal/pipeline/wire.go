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

//go:build wireinject
// +build wireinject

package pipeline

import (
	"context"

	"github.com/google/wire"

	"github.com/puffgres/core/internal/config"
	"github.com/puffgres/core/internal/index"
	"github.com/puffgres/core/internal/transform"
	"github.com/puffgres/core/internal/types"
)

func newStreamPipeline(ctx context.Context, cfg *config.Config, mappings []types.Mapping, transformers map[string]transform.Transformer, client index.Client) (*streamPipeline, func(), error) {
	panic(wire.Build(StreamSet))
}

func newBackfillPipeline(ctx context.Context, cfg *config.Config, req BackfillRequest, xform transform.Transformer, client index.Client) (*backfillPipeline, func(), error) {
	panic(wire.Build(BackfillSet))
}
