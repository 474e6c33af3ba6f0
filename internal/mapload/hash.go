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

package mapload

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
)

// Canonicalize normalizes line endings (CRLF to LF) so a declaration
// hashes identically regardless of the platform it was authored on.
func Canonicalize(content []byte) []byte {
	return bytes.ReplaceAll(content, []byte("\r\n"), []byte("\n"))
}

// Hash returns the hex SHA-256 of the canonicalized content. This is
// the tamper-detection hash recorded at apply time.
func Hash(content []byte) string {
	sum := sha256.Sum256(Canonicalize(content))
	return hex.EncodeToString(sum[:])
}
