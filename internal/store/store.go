// Package store persists instance bookkeeping rows. All access goes through a
// single mutex held for the duration of one operation; when a path is given
// every mutation is written to disk atomically.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

const fileVersion = "1.0"

// Table names a group of rows.
type Table string

const (
	TableInstances Table = "instances"
	TableNets      Table = "instance_nets"
	TableVMs       Table = "instance_vms"
)

var tables = []Table{TableInstances, TableNets, TableVMs}

var (
	// ErrNotFound is returned when no row matches.
	ErrNotFound = errors.New("row not found")
	// ErrConflict is returned when inserting a duplicate uuid.
	ErrConflict = errors.New("row already exists")
	// ErrConstraint is returned when deleting an instance that still owns rows.
	ErrConstraint = errors.New("row is still referenced")
	// ErrUnknownTable is returned for tables outside the schema.
	ErrUnknownTable = errors.New("unknown table")
)

// Row is one persisted record.
type Row struct {
	UUID       string            `json:"uuid"`
	InstanceID string            `json:"instance_id,omitempty"`
	Name       string            `json:"name"`
	Datacenter string            `json:"datacenter,omitempty"`
	ResourceID string            `json:"vim_id,omitempty"`
	Status     string            `json:"status,omitempty"`
	Created    bool              `json:"created"`
	Fields     map[string]string `json:"fields,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
}

// File is the on-disk layout.
type File struct {
	Version string          `json:"version"`
	Tables  map[Table][]Row `json:"tables"`
}

// Store holds the rows of every table.
type Store struct {
	path string

	mu   sync.Mutex
	rows map[Table][]Row
}

// Open loads the store at path, creating parent directories as needed. An
// empty path yields a store kept only in memory.
func Open(path string) (*Store, error) {
	s := &Store{path: path, rows: make(map[Table][]Row, len(tables))}
	for _, t := range tables {
		s.rows[t] = []Row{}
	}
	if path == "" {
		return s, nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, fmt.Errorf("failed to read store: %w", err)
	}

	var file File
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse store %s: %w", path, err)
	}
	for t, rows := range file.Tables {
		if !known(t) {
			return nil, fmt.Errorf("store %s: %w %q", path, ErrUnknownTable, t)
		}
		s.rows[t] = rows
	}
	return s, nil
}

func known(t Table) bool {
	for _, k := range tables {
		if k == t {
			return true
		}
	}
	return false
}

// Path returns the backing file, empty for in-memory stores.
func (s *Store) Path() string { return s.path }

// commitLocked writes the store with the given tables replaced and installs
// them only once the write succeeded, so a failed save leaves the rows as they
// were. Caller holds s.mu.
func (s *Store) commitLocked(changed map[Table][]Row) error {
	next := make(map[Table][]Row, len(s.rows))
	for t, rows := range s.rows {
		next[t] = rows
	}
	for t, rows := range changed {
		next[t] = rows
	}
	if err := s.save(next); err != nil {
		return err
	}
	s.rows = next
	return nil
}

// save writes rows atomically.
func (s *Store) save(rows map[Table][]Row) error {
	if s.path == "" {
		return nil
	}

	data, err := json.MarshalIndent(File{Version: fileVersion, Tables: rows}, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal store: %w", err)
	}

	tmpPath := s.path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0o644); err != nil {
		return fmt.Errorf("failed to write temporary file: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to rename temporary file: %w", err)
	}
	return nil
}

func cloneRow(r Row) Row {
	if r.Fields != nil {
		fields := make(map[string]string, len(r.Fields))
		for k, v := range r.Fields {
			fields[k] = v
		}
		r.Fields = fields
	}
	return r
}

func (s *Store) begin(ctx context.Context, table Table) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !known(table) {
		return fmt.Errorf("%w %q", ErrUnknownTable, table)
	}
	return nil
}

// Insert adds a row. UUID is required and unique within the table; instance
// names are unique too.
func (s *Store) Insert(ctx context.Context, table Table, row Row) error {
	if err := s.begin(ctx, table); err != nil {
		return err
	}
	if row.UUID == "" {
		return fmt.Errorf("insert into %s: uuid is required", table)
	}
	if row.CreatedAt.IsZero() {
		row.CreatedAt = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.rows[table] {
		if existing.UUID == row.UUID {
			return fmt.Errorf("insert into %s %s: %w", table, row.UUID, ErrConflict)
		}
		if table == TableInstances && row.Name != "" && existing.Name == row.Name {
			return fmt.Errorf("insert into %s: name %q: %w as %s", table, row.Name, ErrConflict, existing.UUID)
		}
	}
	rows := make([]Row, 0, len(s.rows[table])+1)
	rows = append(rows, s.rows[table]...)
	rows = append(rows, cloneRow(row))
	return s.commitLocked(map[Table][]Row{table: rows})
}

// Get returns a row by uuid.
func (s *Store) Get(ctx context.Context, table Table, uuid string) (Row, error) {
	if err := s.begin(ctx, table); err != nil {
		return Row{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, r := range s.rows[table] {
		if r.UUID == uuid {
			return cloneRow(r), nil
		}
	}
	return Row{}, fmt.Errorf("%s %s: %w", table, uuid, ErrNotFound)
}

// List returns the rows of a table ordered by creation time. A non-empty
// instanceID restricts the result to that instance.
func (s *Store) List(ctx context.Context, table Table, instanceID string) ([]Row, error) {
	if err := s.begin(ctx, table); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Row, 0, len(s.rows[table]))
	for _, r := range s.rows[table] {
		if instanceID != "" && r.InstanceID != instanceID {
			continue
		}
		out = append(out, cloneRow(r))
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// Update replaces a row identified by its uuid.
func (s *Store) Update(ctx context.Context, table Table, row Row) error {
	if err := s.begin(ctx, table); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for i, existing := range s.rows[table] {
		if existing.UUID == row.UUID {
			if row.CreatedAt.IsZero() {
				row.CreatedAt = existing.CreatedAt
			}
			rows := append([]Row(nil), s.rows[table]...)
			rows[i] = cloneRow(row)
			return s.commitLocked(map[Table][]Row{table: rows})
		}
	}
	return fmt.Errorf("update %s %s: %w", table, row.UUID, ErrNotFound)
}

// Delete removes a row. Deleting an instance that still owns network or VM
// rows fails with ErrConstraint.
func (s *Store) Delete(ctx context.Context, table Table, uuid string) error {
	if err := s.begin(ctx, table); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if table == TableInstances {
		for _, child := range []Table{TableNets, TableVMs} {
			for _, r := range s.rows[child] {
				if r.InstanceID == uuid {
					return fmt.Errorf("delete %s %s: %w by %s %s", table, uuid, ErrConstraint, child, r.UUID)
				}
			}
		}
	}

	current := s.rows[table]
	for i, r := range current {
		if r.UUID == uuid {
			rows := make([]Row, 0, len(current)-1)
			rows = append(rows, current[:i]...)
			rows = append(rows, current[i+1:]...)
			return s.commitLocked(map[Table][]Row{table: rows})
		}
	}
	return fmt.Errorf("delete %s %s: %w", table, uuid, ErrNotFound)
}

// ReplaceResourceID swaps a pending id for the resolved backend id in every
// network and VM row that references it. Matching nothing is not an error.
func (s *Store) ReplaceResourceID(ctx context.Context, pendingID, resolvedID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if pendingID == "" {
		return fmt.Errorf("replace resource id: pending id is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	changed := make(map[Table][]Row)
	for _, t := range []Table{TableNets, TableVMs} {
		var rows []Row
		for i, r := range s.rows[t] {
			if r.ResourceID != pendingID {
				continue
			}
			if rows == nil {
				rows = append([]Row(nil), s.rows[t]...)
			}
			rows[i].ResourceID = resolvedID
		}
		if rows != nil {
			changed[t] = rows
		}
	}
	if len(changed) == 0 {
		return nil
	}
	return s.commitLocked(changed)
}
