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

package propagation

import "net/http"

// Carrier abstracts the header map trace context travels in. Get returns
// the empty string for an absent key.
type Carrier interface {
	Get(key string) string
	Set(key, value string)
}

// HeaderCarrier adapts http.Header to the Carrier interface.
type HeaderCarrier http.Header

func (c HeaderCarrier) Get(key string) string {
	return http.Header(c).Get(key)
}

func (c HeaderCarrier) Set(key, value string) {
	http.Header(c).Set(key, value)
}

// MapCarrier adapts a plain string map, for message attributes and other
// non-HTTP transports. Lookups are exact-case.
type MapCarrier map[string]string

func (c MapCarrier) Get(key string) string { return c[key] }

func (c MapCarrier) Set(key, value string) { c[key] = value }
