package pool

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/harborglow/hashlab/internal/config"
	"github.com/harborglow/hashlab/internal/jsonx"
)

// IdentityMapping links local miner names to pool worker names. Both sides
// are unique.
type IdentityMapping struct {
	localToPool map[string]string
	poolToLocal map[string]string
}

// NewIdentityMapping validates a {localName: workerName} table.
func NewIdentityMapping(localToPool map[string]string) (*IdentityMapping, error) {
	m := &IdentityMapping{
		localToPool: make(map[string]string, len(localToPool)),
		poolToLocal: make(map[string]string, len(localToPool)),
	}

	// sorted so the reported conflict is stable
	locals := make([]string, 0, len(localToPool))
	for local := range localToPool {
		locals = append(locals, local)
	}
	sort.Strings(locals)

	for _, local := range locals {
		worker := strings.TrimSpace(localToPool[local])
		local = strings.TrimSpace(local)
		if local == "" || worker == "" {
			return nil, &config.ValidationError{Field: "pool mapping", Reason: "empty local or worker name"}
		}
		if _, dup := m.localToPool[local]; dup {
			return nil, &config.ValidationError{Field: "pool mapping", Reason: fmt.Sprintf("local name %q listed twice", local)}
		}
		if other, dup := m.poolToLocal[worker]; dup {
			return nil, &config.ValidationError{
				Field:  "pool mapping",
				Reason: fmt.Sprintf("worker %q mapped by both %q and %q", worker, other, local),
			}
		}
		m.localToPool[local] = worker
		m.poolToLocal[worker] = local
	}
	return m, nil
}

// LocalName maps a pool worker to its local miner.
func (m *IdentityMapping) LocalName(worker string) (string, bool) {
	local, ok := m.poolToLocal[worker]
	return local, ok
}

// WorkerName maps a local miner to its pool worker.
func (m *IdentityMapping) WorkerName(local string) (string, bool) {
	worker, ok := m.localToPool[local]
	return worker, ok
}

// Table returns a copy of the {localName: workerName} table.
func (m *IdentityMapping) Table() map[string]string {
	out := make(map[string]string, len(m.localToPool))
	for k, v := range m.localToPool {
		out[k] = v
	}
	return out
}

// Len is the number of mapped miners.
func (m *IdentityMapping) Len() int { return len(m.localToPool) }

// MappingStore persists the identity mapping as JSON.
type MappingStore struct {
	path    string
	mu      sync.RWMutex
	mapping *IdentityMapping
}

// LoadMappingStore reads path; a missing file is an empty mapping.
func LoadMappingStore(path string) (*MappingStore, error) {
	empty, _ := NewIdentityMapping(nil)
	s := &MappingStore{path: path, mapping: empty}

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read pool mapping: %w", err)
	}
	if strings.TrimSpace(string(data)) == "" {
		return s, nil
	}

	table := make(map[string]string)
	if err := jsonx.Unmarshal(data, &table); err != nil {
		return nil, fmt.Errorf("parse pool mapping %s: %w", path, err)
	}
	m, err := NewIdentityMapping(table)
	if err != nil {
		return nil, err
	}
	s.mapping = m
	return s, nil
}

// Mapping returns the current mapping.
func (s *MappingStore) Mapping() *IdentityMapping {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.mapping
}

// Replace validates and persists a new table, then swaps it in.
func (s *MappingStore) Replace(table map[string]string) (*IdentityMapping, error) {
	m, err := NewIdentityMapping(table)
	if err != nil {
		return nil, err
	}
	data, err := jsonx.MarshalIndent(m.Table(), "", "  ")
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := config.WriteFileAtomic(s.path, data); err != nil {
		return nil, fmt.Errorf("save pool mapping: %w", err)
	}
	s.mapping = m
	return m, nil
}
