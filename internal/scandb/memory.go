package scandb

import (
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/stepscan-labs/stepscan/internal/util"
	"github.com/stepscan-labs/stepscan/pkg/stepscan/v1/scandb"
)

// column is one named data series buffered during a run.
type column struct {
	label  string
	pvname string
	units  string
	notes  string
	values []float64
}

// MemoryStore implements scandb.Store using in-process maps behind a
// sync.RWMutex. It is the default store for single-process deployments and
// for tests. All read operations return copies, so callers can never mutate
// buffered data through a returned slice.
type MemoryStore struct {
	mu          sync.RWMutex
	info        map[string]string
	columns     map[string]*column
	definitions map[string][]byte
	commands    []scandb.Command
	nextOrder   int
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		info:        make(map[string]string),
		columns:     make(map[string]*column),
		definitions: make(map[string][]byte),
		nextOrder:   1,
	}
}

func (s *MemoryStore) GetInfo(key string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	val, exists := s.info[key]
	return val, exists
}

func (s *MemoryStore) GetInfoBool(key string) bool {
	val, exists := s.GetInfo(key)
	if !exists {
		return false
	}
	switch strings.ToLower(strings.TrimSpace(val)) {
	case "1", "true", "yes", "on":
		return true
	}
	if b, err := strconv.ParseBool(val); err == nil {
		return b
	}
	return false
}

func (s *MemoryStore) SetInfo(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.info[key] = value
	return nil
}

func (s *MemoryStore) AddScanData(label, pvname, units, notes string, values []float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.columns[label] = &column{
		label:  label,
		pvname: pvname,
		units:  units,
		notes:  notes,
		values: util.CloneFloats(values),
	}
	return nil
}

func (s *MemoryStore) SetScanData(label string, values []float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	col, exists := s.columns[label]
	if !exists {
		col = &column{label: label}
		s.columns[label] = col
	}
	col.values = util.CloneFloats(values)
	return nil
}

func (s *MemoryStore) AppendScanData(label string, values []float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	col, exists := s.columns[label]
	if !exists {
		col = &column{label: label}
		s.columns[label] = col
	}
	col.values = append(col.values, values...)
	return nil
}

func (s *MemoryStore) GetScanData(label string) ([]float64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	col, exists := s.columns[label]
	if !exists {
		return nil, false
	}
	return util.CloneFloats(col.values), true
}

func (s *MemoryStore) ClearScanData() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.columns = make(map[string]*column)
	return nil
}

func (s *MemoryStore) GetScanDefinition(name string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	doc, exists := s.definitions[name]
	if !exists {
		return nil, scandb.ErrKeyNotFound
	}
	out := make([]byte, len(doc))
	copy(out, doc)
	return out, nil
}

func (s *MemoryStore) PutScanDefinition(name string, doc []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored := make([]byte, len(doc))
	copy(stored, doc)
	s.definitions[name] = stored
	return nil
}

func (s *MemoryStore) AddCommand(name, arguments string) (uuid.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cmd := scandb.Command{
		ID:        uuid.New(),
		Name:      name,
		Arguments: arguments,
		Status:    scandb.CommandRequested,
		RunOrder:  s.nextOrder,
		Requested: time.Now(),
	}
	s.nextOrder++
	s.commands = append(s.commands, cmd)
	return cmd.ID, nil
}

func (s *MemoryStore) PendingCommands() ([]scandb.Command, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var pending []scandb.Command
	for _, cmd := range s.commands {
		if cmd.Status == scandb.CommandRequested {
			pending = append(pending, cmd)
		}
	}
	sort.Slice(pending, func(i, j int) bool {
		return pending[i].RunOrder < pending[j].RunOrder
	})
	return pending, nil
}

func (s *MemoryStore) GetCommand(id uuid.UUID) (scandb.Command, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, cmd := range s.commands {
		if cmd.ID == id {
			return cmd, nil
		}
	}
	return scandb.Command{}, scandb.ErrCommandNotFound
}

func (s *MemoryStore) SetCommandStatus(id uuid.UUID, status scandb.CommandStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.commands {
		if s.commands[i].ID == id {
			s.commands[i].Status = status
			return nil
		}
	}
	return scandb.ErrCommandNotFound
}

// Close is a no-op: the MemoryStore holds no external resources.
func (s *MemoryStore) Close() error {
	return nil
}

var _ scandb.Store = (*MemoryStore)(nil)
