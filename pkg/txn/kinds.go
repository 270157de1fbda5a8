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
	"fmt"
	"time"
)

// Specialized segment kinds. Each is an ordinary Segment with a
// kind-specific metric name, unscoped rollup metrics, and parameters; the
// tree, timing and exclusive-duration behavior is identical across kinds.

// DatastoreParams describes one datastore operation.
type DatastoreParams struct {
	Product      string // e.g. "MySQL", "Redis"
	Operation    string // e.g. "select", "get"
	Collection   string // table / collection name, optional
	Host         string
	PortPathOrID string
	DatabaseName string
	Parent       *Segment  // nil: current cursor
	Start        time.Time // zero: now
}

// StartDatastoreSegment creates and attaches a datastore segment.
func (t *Transaction) StartDatastoreSegment(p DatastoreParams) *Segment {
	if p.Product == "" {
		p.Product = "Unknown"
	}
	if p.Operation == "" {
		p.Operation = "other"
	}
	var name string
	if p.Collection != "" {
		name = fmt.Sprintf("Datastore/statement/%s/%s/%s", p.Product, p.Collection, p.Operation)
	} else {
		name = fmt.Sprintf("Datastore/operation/%s/%s", p.Product, p.Operation)
	}
	rollups := []string{
		"Datastore/all",
		fmt.Sprintf("Datastore/%s/all", p.Product),
	}
	s := t.startSegment(name, CategoryDatastore, p.Parent, rollups, p.Start)
	if p.Host != "" {
		s.AddParam("host", p.Host)
	}
	if p.PortPathOrID != "" {
		s.AddParam("port_path_or_id", p.PortPathOrID)
	}
	if p.DatabaseName != "" {
		s.AddParam("database_name", p.DatabaseName)
	}
	return s
}

// ExternalParams describes one outbound request to another service.
type ExternalParams struct {
	Library   string // client library, e.g. "http"
	URI       string
	Procedure string // HTTP method or RPC name
	Host      string // derived host; falls back to URI when empty
	Parent    *Segment
	Start     time.Time
}

// StartExternalSegment creates and attaches an external-request segment.
// It is the segment whose guid becomes the parent span id on any outbound
// trace context created while it is current.
func (t *Transaction) StartExternalSegment(p ExternalParams) *Segment {
	host := p.Host
	if host == "" {
		host = p.URI
	}
	if host == "" {
		host = "unknown"
	}
	name := fmt.Sprintf("External/%s/%s/%s", host, orUnknown(p.Library), orUnknown(p.Procedure))
	rollups := []string{
		"External/all",
		fmt.Sprintf("External/%s/all", host),
	}
	s := t.startSegment(name, CategoryExternal, p.Parent, rollups, p.Start)
	if p.URI != "" {
		s.AddParam("uri", p.URI)
	}
	return s
}

// MessageBrokerParams describes one message produce or consume operation.
type MessageBrokerParams struct {
	Action          string // "Produce" or "Consume"
	Library         string // e.g. "RabbitMQ", "Kafka"
	DestinationType string // "Queue", "Topic", "Exchange"
	DestinationName string
	Parent          *Segment
	Start           time.Time
}

// StartMessageBrokerSegment creates and attaches a message-broker segment.
func (t *Transaction) StartMessageBrokerSegment(p MessageBrokerParams) *Segment {
	dest := p.DestinationName
	if dest == "" {
		dest = "Unknown"
	}
	name := fmt.Sprintf("MessageBroker/%s/%s/%s/Named/%s",
		orUnknown(p.Library), orUnknown(p.DestinationType), orUnknown(p.Action), dest)
	rollups := []string{"MessageBroker/all"}
	return t.startSegment(name, CategoryMessageBroker, p.Parent, rollups, p.Start)
}

func orUnknown(s string) string {
	if s == "" {
		return "Unknown"
	}
	return s
}
