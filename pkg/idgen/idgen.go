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

// Package idgen generates cluster-unique operation identifiers.
package idgen

import (
	"encoding/binary"

	"github.com/google/uuid"

	"github.com/parafs/mds/pkg/dao/types"
)

// Generator produces collision-resistant, non-zero operation ids by folding
// a random UUID into 64 bits.
type Generator struct{}

// New creates a Generator.
func New() *Generator {
	return &Generator{}
}

// Next returns a fresh operation id. Zero and the server-journal sentinel
// are never returned.
func (g *Generator) Next() types.OperationID {
	for {
		u := uuid.New()
		hi := binary.BigEndian.Uint64(u[0:8])
		lo := binary.BigEndian.Uint64(u[8:16])
		id := types.OperationID(hi ^ lo)
		if id == 0 || types.InodeID(id) == types.ServerJournalKey {
			continue
		}
		return id
	}
}
