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

// Package mlt provides the metadata lookup table collaborator: the mapping
// from subtree entry inodes to the metadata servers owning them. The
// coordinator consults it to authorize peers and to refresh stale
// participant addresses; it never mutates it.
package mlt

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/parafs/mds/pkg/dao/types"
)

// ErrUnknownSubtree reports a lookup for an inode the table does not map.
var ErrUnknownSubtree = fmt.Errorf("mlt: unknown subtree entry")

// Table resolves subtree ownership.
type Table interface {
	// OwnerOf returns the server owning the subtree rooted at inode.
	OwnerOf(inode types.InodeID) (types.ServerAddress, error)

	// IsOwner reports whether addr currently owns the subtree at inode.
	IsOwner(addr types.ServerAddress, inode types.InodeID) bool

	// Servers lists every server the table knows.
	Servers() []types.ServerAddress
}

// FileTable is a Table loaded from a lookup file. The file carries one
// mapping per line, "entry_inode server_address", with '#' comments.
type FileTable struct {
	mu      sync.RWMutex
	path    string
	entries map[types.InodeID]types.ServerAddress
	logger  *zap.Logger
}

// LoadFile reads the lookup file at path.
func LoadFile(path string, logger *zap.Logger) (*FileTable, error) {
	t := &FileTable{
		path:    path,
		entries: make(map[types.InodeID]types.ServerAddress),
		logger:  logger.Named("mlt"),
	}
	if err := t.Reload(); err != nil {
		return nil, err
	}
	return t, nil
}

// Reload re-reads the lookup file, replacing the table atomically.
func (t *FileTable) Reload() error {
	f, err := os.Open(t.path)
	if err != nil {
		return fmt.Errorf("open mlt file %s: %w", t.path, err)
	}
	defer f.Close()

	entries := make(map[types.InodeID]types.ServerAddress)
	scanner := bufio.NewScanner(f)
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		fields := strings.Fields(text)
		if len(fields) != 2 {
			return fmt.Errorf("mlt file %s line %d: want \"inode address\", got %q", t.path, line, text)
		}
		inode, err := strconv.ParseUint(fields[0], 10, 64)
		if err != nil {
			return fmt.Errorf("mlt file %s line %d: bad inode %q: %w", t.path, line, fields[0], err)
		}
		entries[types.InodeID(inode)] = types.ServerAddress(fields[1])
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read mlt file %s: %w", t.path, err)
	}

	t.mu.Lock()
	t.entries = entries
	t.mu.Unlock()
	t.logger.Info("lookup table loaded", zap.String("path", t.path), zap.Int("entries", len(entries)))
	return nil
}

// OwnerOf implements Table.
func (t *FileTable) OwnerOf(inode types.InodeID) (types.ServerAddress, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	addr, ok := t.entries[inode]
	if !ok {
		return "", fmt.Errorf("inode %d: %w", uint64(inode), ErrUnknownSubtree)
	}
	return addr, nil
}

// IsOwner implements Table.
func (t *FileTable) IsOwner(addr types.ServerAddress, inode types.InodeID) bool {
	owner, err := t.OwnerOf(inode)
	return err == nil && owner == addr
}

// Servers implements Table.
func (t *FileTable) Servers() []types.ServerAddress {
	t.mu.RLock()
	defer t.mu.RUnlock()
	seen := make(map[types.ServerAddress]struct{})
	var servers []types.ServerAddress
	for _, addr := range t.entries {
		if _, dup := seen[addr]; dup {
			continue
		}
		seen[addr] = struct{}{}
		servers = append(servers, addr)
	}
	return servers
}

// Watch reloads the table whenever the lookup file changes, until ctx is
// done. Reload failures keep the previous table and are logged.
func (t *FileTable) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create mlt watcher: %w", err)
	}
	if err := watcher.Add(t.path); err != nil {
		watcher.Close()
		return fmt.Errorf("watch mlt file %s: %w", t.path, err)
	}

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				if err := t.Reload(); err != nil {
					t.logger.Warn("lookup table reload failed", zap.Error(err))
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				t.logger.Warn("lookup table watcher error", zap.Error(err))
			}
		}
	}()
	return nil
}
