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

// Package transport carries DAO frames between metadata servers. The
// coordinator treats it as a reliable-ordered-per-peer, possibly-dropping
// bidirectional channel; every loss is eventually repaired by the protocol
// retries on top.
package transport

import (
	"time"

	"github.com/parafs/mds/pkg/dao/types"
)

// Module identifies the metadata-server module a message belongs to. Only
// messages of the distributed-atomic-operation module reach the dispatcher.
type Module uint8

const (
	ModuleLoadBalancing Module = iota
	ModuleDistributedAtomicOp
	ModuleAdminOp
	ModulePrefixPerm
)

func (m Module) String() string {
	switch m {
	case ModuleLoadBalancing:
		return "LoadBalancing"
	case ModuleDistributedAtomicOp:
		return "DistributedAtomicOp"
	case ModuleAdminOp:
		return "AdminOp"
	case ModulePrefixPerm:
		return "PrefixPerm"
	}
	return "Unknown"
}

// MsgLifetime bounds how long a message may sit in transit before the
// receiver discards it as stale.
const MsgLifetime = 20 * time.Second

// Correlation ids of the underlying request/reply machinery. The DAO uses
// only plain requests; anything else is refused.
const (
	CorrelationRequest uint64 = 0
)

// Inbound is one message delivered by the receive server.
type Inbound struct {
	Sender        types.ServerAddress
	Module        Module
	CorrelationID uint64
	SentAt        time.Time
	Payload       []byte
}
