package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/harborglow/hashlab/internal/jsonx"
	"github.com/harborglow/hashlab/internal/storage"
)

var hostnameLabel = regexp.MustCompile(`^[A-Za-z0-9]([A-Za-z0-9-]{0,61}[A-Za-z0-9])?$`)

// FleetStore holds the configured miners ({name: address} on disk). Changes
// are persisted by writing a full copy and renaming it into place; the
// in-memory set is only swapped after the write succeeds.
type FleetStore struct {
	path   string
	mu     sync.RWMutex
	miners map[string]string
}

// LoadFleetStore reads the fleet file. A missing file yields an empty fleet.
func LoadFleetStore(path string) (*FleetStore, error) {
	s := &FleetStore{path: path, miners: make(map[string]string)}

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read fleet file: %w", err)
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return s, nil
	}

	raw := make(map[string]string)
	if err := jsonx.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse fleet file %s: %w", path, err)
	}
	for name, addr := range raw {
		name = strings.TrimSpace(name)
		if err := ValidateMinerName(name); err != nil {
			return nil, err
		}
		addr = strings.TrimSpace(addr)
		if err := ValidateAddress(addr); err != nil {
			return nil, fmt.Errorf("miner %q: %w", name, err)
		}
		if _, dup := s.miners[name]; dup {
			return nil, fmt.Errorf("miner %q: %w", name, ErrDuplicateMiner)
		}
		s.miners[name] = addr
	}
	return s, nil
}

// List returns the configured identities sorted by name.
func (s *FleetStore) List() []storage.MinerIdentity {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]storage.MinerIdentity, 0, len(s.miners))
	for name, addr := range s.miners {
		out = append(out, storage.MinerIdentity{Name: name, Address: addr})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Get looks up a single identity.
func (s *FleetStore) Get(name string) (storage.MinerIdentity, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	addr, ok := s.miners[name]
	return storage.MinerIdentity{Name: name, Address: addr}, ok
}

// Add registers a new miner. Duplicate names and malformed addresses are
// rejected and leave the store untouched.
func (s *FleetStore) Add(name, address string) (storage.MinerIdentity, error) {
	name = strings.TrimSpace(name)
	address = strings.TrimSpace(address)
	if err := ValidateMinerName(name); err != nil {
		return storage.MinerIdentity{}, err
	}
	if err := ValidateAddress(address); err != nil {
		return storage.MinerIdentity{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.miners[name]; exists {
		return storage.MinerIdentity{}, fmt.Errorf("%q: %w", name, ErrDuplicateMiner)
	}

	next := s.copyLocked()
	next[name] = address
	if err := s.persist(next); err != nil {
		return storage.MinerIdentity{}, err
	}
	s.miners = next
	return storage.MinerIdentity{Name: name, Address: address}, nil
}

// Remove deletes a miner by name.
func (s *FleetStore) Remove(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.miners[name]; !exists {
		return fmt.Errorf("%q: %w", name, ErrMinerNotFound)
	}

	next := s.copyLocked()
	delete(next, name)
	if err := s.persist(next); err != nil {
		return err
	}
	s.miners = next
	return nil
}

func (s *FleetStore) copyLocked() map[string]string {
	next := make(map[string]string, len(s.miners)+1)
	for k, v := range s.miners {
		next[k] = v
	}
	return next
}

func (s *FleetStore) persist(miners map[string]string) error {
	data, err := jsonx.MarshalIndent(miners, "", "  ")
	if err != nil {
		return fmt.Errorf("encode fleet: %w", err)
	}
	if err := WriteFileAtomic(s.path, data); err != nil {
		return fmt.Errorf("save fleet: %w", err)
	}
	return nil
}

// ValidateMinerName rejects empty or overlong names.
func ValidateMinerName(name string) error {
	if name == "" {
		return &ValidationError{Field: "name", Reason: "must not be empty"}
	}
	if len(name) > 64 {
		return &ValidationError{Field: "name", Reason: "longer than 64 characters"}
	}
	if strings.ContainsAny(name, "\r\n\t,/") {
		return &ValidationError{Field: "name", Reason: "contains a forbidden character"}
	}
	return nil
}

// ValidateAddress accepts host or host:port where host is an IP literal or an
// RFC 1123 hostname.
func ValidateAddress(addr string) error {
	if addr == "" {
		return &ValidationError{Field: "address", Reason: "must not be empty"}
	}

	host := addr
	if h, port, err := net.SplitHostPort(addr); err == nil {
		n, perr := strconv.Atoi(port)
		if perr != nil || n < 1 || n > 65535 {
			return &ValidationError{Field: "address", Reason: fmt.Sprintf("bad port %q", port)}
		}
		host = h
	} else if strings.Count(addr, ":") == 1 {
		return &ValidationError{Field: "address", Reason: err.Error()}
	}

	if net.ParseIP(host) != nil {
		return nil
	}
	if len(host) > 253 {
		return &ValidationError{Field: "address", Reason: "hostname too long"}
	}
	labels := strings.Split(host, ".")
	for _, label := range labels {
		if !hostnameLabel.MatchString(label) {
			return &ValidationError{Field: "address", Reason: fmt.Sprintf("%q is not a valid host", host)}
		}
	}
	// all-numeric last label means a malformed IPv4 literal
	if _, err := strconv.Atoi(labels[len(labels)-1]); err == nil {
		return &ValidationError{Field: "address", Reason: fmt.Sprintf("%q is not a valid IP", host)}
	}
	return nil
}
