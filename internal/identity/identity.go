// Package identity maps normalized natural keys to store-specific ids, one map
// per entity type and store side. Entries are added only after the write that
// produced the id has committed.
package identity

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"maps"
	"sync"

	"github.com/listenupapp/bookbridge/internal/domain"
	"github.com/listenupapp/bookbridge/internal/normalize"
)

// Mapping is one natural key to id association, produced by a writer and
// registered once its chunk commits.
type Mapping struct {
	Entity domain.Entity
	Side   domain.Side
	Key    string
	ID     string
}

type slot struct {
	entity domain.Entity
	side   domain.Side
}

// mappedEntities are the entity types with natural keys. Comments have none.
var mappedEntities = []domain.Entity{domain.EntityAuthor, domain.EntityGenre, domain.EntityBook}

var sides = []domain.Side{domain.SideDocument, domain.SideRelational}

// Store is a concurrency-safe set of identity maps. The zero value is not
// usable; create one with New.
type Store struct {
	mu   sync.RWMutex
	maps map[slot]map[string]string
}

// New creates an empty identity store.
func New() *Store {
	s := &Store{maps: make(map[slot]map[string]string, len(mappedEntities)*len(sides))}
	for _, e := range mappedEntities {
		for _, side := range sides {
			s.maps[slot{e, side}] = make(map[string]string)
		}
	}
	return s
}

// BookKey returns the composite natural key of a book.
func BookKey(authorKey, title string) string {
	return normalize.BookKey(authorKey, title)
}

// FindID returns the id recorded for key on side, if any.
func (s *Store) FindID(entity domain.Entity, side domain.Side, key string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.maps[slot{entity, side}]
	if !ok {
		return "", false
	}
	id, ok := m[key]
	return id, ok
}

// Remember records id for key on side. Last write wins.
func (s *Store) Remember(entity domain.Entity, side domain.Side, key, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.maps[slot{entity, side}]
	if !ok {
		return fmt.Errorf("identity: no map for %s on %s side", entity, side)
	}
	m[key] = id
	return nil
}

// RememberAll registers a batch of committed mappings under one lock.
func (s *Store) RememberAll(mappings []Mapping) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, mp := range mappings {
		m, ok := s.maps[slot{mp.Entity, mp.Side}]
		if !ok {
			return fmt.Errorf("identity: no map for %s on %s side", mp.Entity, mp.Side)
		}
		m[mp.Key] = mp.ID
	}
	return nil
}

// Len returns the number of entries for entity on side.
func (s *Store) Len(entity domain.Entity, side domain.Side) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.maps[slot{entity, side}])
}

// ClearSide drops every entry pointing into side.
func (s *Store) ClearSide(side domain.Side) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, e := range mappedEntities {
		s.maps[slot{e, side}] = make(map[string]string)
	}
}

// Snapshot is the persisted form of the six identity maps.
type Snapshot struct {
	AuthorsToDocument   map[string]string `json:"authorsToDocument"`
	AuthorsToRelational map[string]string `json:"authorsToRelational"`
	GenresToDocument    map[string]string `json:"genresToDocument"`
	GenresToRelational  map[string]string `json:"genresToRelational"`
	BooksToDocument     map[string]string `json:"booksToDocument"`
	BooksToRelational   map[string]string `json:"booksToRelational"`
}

func (snap *Snapshot) fields() map[slot]*map[string]string {
	return map[slot]*map[string]string{
		{domain.EntityAuthor, domain.SideDocument}:   &snap.AuthorsToDocument,
		{domain.EntityAuthor, domain.SideRelational}: &snap.AuthorsToRelational,
		{domain.EntityGenre, domain.SideDocument}:    &snap.GenresToDocument,
		{domain.EntityGenre, domain.SideRelational}:  &snap.GenresToRelational,
		{domain.EntityBook, domain.SideDocument}:     &snap.BooksToDocument,
		{domain.EntityBook, domain.SideRelational}:   &snap.BooksToRelational,
	}
}

// Snapshot copies the current contents of every map.
func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var snap Snapshot
	for k, field := range snap.fields() {
		*field = maps.Clone(s.maps[k])
	}
	return snap
}

// MarshalJSON encodes the current contents.
func (s *Store) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.Snapshot())
}

// Restore replaces the contents of every map with the snapshot's.
// Nil slices restore as empty maps.
func (s *Store) Restore(snap Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for k, field := range snap.fields() {
		m := maps.Clone(*field)
		if m == nil {
			m = make(map[string]string)
		}
		s.maps[k] = m
	}
}

// snapshotKeys maps JSON field names to slots so each slice decodes on its own.
var snapshotKeys = map[string]slot{
	"authorsToDocument":   {domain.EntityAuthor, domain.SideDocument},
	"authorsToRelational": {domain.EntityAuthor, domain.SideRelational},
	"genresToDocument":    {domain.EntityGenre, domain.SideDocument},
	"genresToRelational":  {domain.EntityGenre, domain.SideRelational},
	"booksToDocument":     {domain.EntityBook, domain.SideDocument},
	"booksToRelational":   {domain.EntityBook, domain.SideRelational},
}

// RestoreJSON reloads a persisted snapshot. A slice that does not decode as a
// string map is logged and left empty; the remaining slices still load.
// Only a document that is not a JSON object at all returns an error, in which
// case every map is left empty.
func (s *Store) RestoreJSON(data []byte, logger *slog.Logger) error {
	fresh := New()
	defer func() {
		s.mu.Lock()
		s.maps = fresh.maps
		s.mu.Unlock()
	}()

	if len(data) == 0 {
		return nil
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("decode identity snapshot: %w", err)
	}

	for name, body := range raw {
		k, ok := snapshotKeys[name]
		if !ok {
			continue
		}
		var m map[string]string
		if err := json.Unmarshal(body, &m); err != nil {
			if logger != nil {
				logger.Warn("identity map slice unreadable, starting it empty",
					"slice", name,
					"error", err,
				)
			}
			continue
		}
		if m != nil {
			fresh.maps[k] = m
		}
	}
	return nil
}
