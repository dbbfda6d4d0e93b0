/*
Copyright 2025 Jordi Gil.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package logging provides standard structured log fields so that every
// component names operations, peers and protocol state the same way.
package logging

import (
	"time"

	"go.uber.org/zap"

	"github.com/parafs/mds/pkg/dao/types"
)

// StandardFields accumulates the common log fields with a fluent interface.
type StandardFields map[string]interface{}

// NewFields creates an empty field set.
func NewFields() StandardFields {
	return StandardFields{}
}

// Component records which coordinator component is logging.
func (f StandardFields) Component(name string) StandardFields {
	f["component"] = name
	return f
}

// Operation records the operation id.
func (f StandardFields) Operation(id types.OperationID) StandardFields {
	f["op_id"] = uint64(id)
	return f
}

// Status records the protocol status of an operation.
func (f StandardFields) Status(status types.Status) StandardFields {
	f["status"] = status.String()
	return f
}

// Protocol records the coordination protocol of an operation.
func (f StandardFields) Protocol(p types.Protocol) StandardFields {
	f["protocol"] = p.String()
	return f
}

// Peer records the remote server an event came from or goes to.
func (f StandardFields) Peer(addr types.ServerAddress) StandardFields {
	if addr != "" {
		f["peer"] = string(addr)
	}
	return f
}

// Subtree records the subtree entry inode, the journal key of the operation.
func (f StandardFields) Subtree(inode types.InodeID) StandardFields {
	f["subtree_entry"] = uint64(inode)
	return f
}

// Duration records elapsed time in milliseconds.
func (f StandardFields) Duration(d time.Duration) StandardFields {
	f["duration_ms"] = d.Milliseconds()
	return f
}

// Error records an error message. A nil error adds nothing.
func (f StandardFields) Error(err error) StandardFields {
	if err != nil {
		f["error"] = err.Error()
	}
	return f
}

// Zap converts the field set into zap fields for structured output.
func (f StandardFields) Zap() []zap.Field {
	fields := make([]zap.Field, 0, len(f))
	for k, v := range f {
		fields = append(fields, zap.Any(k, v))
	}
	return fields
}
