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

import "fmt"

// Params is the free-form parameter map attached to segments and trace
// nodes. Values are restricted to a bounded union: string, bool, integer,
// float, or a nested Params map. Anything else is stringified on the way
// in, so the map never holds arbitrary live objects.
type Params map[string]any

// AddParam stores a single parameter on the segment, normalizing the value
// into the supported union.
func (s *Segment) AddParam(key string, value any) {
	s.setParam(key, normalizeParam(value))
}

// Param returns a previously stored parameter value, or nil.
func (s *Segment) Param(key string) any {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.params == nil {
		return nil
	}
	return s.params[key]
}

func (s *Segment) setParam(key string, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.params == nil {
		s.params = Params{}
	}
	s.params[key] = value
}

// snapshotParams returns a deep copy so that built traces never alias the
// live segment map.
func (s *Segment) snapshotParams() Params {
	s.mu.Lock()
	defer s.mu.Unlock()
	return copyParams(s.params)
}

func normalizeParam(value any) any {
	switch v := value.(type) {
	case nil:
		return nil
	case string, bool, float64, float32, int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64:
		return v
	case Params:
		return normalizeMap(v)
	case map[string]any:
		return normalizeMap(v)
	default:
		return fmt.Sprintf("%v", v)
	}
}

func normalizeMap(m map[string]any) Params {
	out := make(Params, len(m))
	for k, v := range m {
		out[k] = normalizeParam(v)
	}
	return out
}

func copyParams(p Params) Params {
	if len(p) == 0 {
		return nil
	}
	out := make(Params, len(p))
	for k, v := range p {
		if nested, ok := v.(Params); ok {
			out[k] = copyParams(nested)
		} else {
			out[k] = v
		}
	}
	return out
}
