// Copyright 2025 Tom Barlow
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

package txn

import (
	"encoding/hex"

	"github.com/google/uuid"
)

// newGUID returns a 16 character lowercase hex identifier used for
// transaction and segment guids.
func newGUID() string {
	u := uuid.New()
	return hex.EncodeToString(u[:8])
}

// newTraceID returns a 32 character lowercase hex identifier shared by all
// participants in a distributed trace.
func newTraceID() string {
	u := uuid.New()
	return hex.EncodeToString(u[:])
}
