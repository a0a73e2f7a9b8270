package recording

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sync"
	"time"
)

// Artifact is a finalized session recording on disk. It outlives the
// session that produced it and stays until Discard.
type Artifact struct {
	ID         string        `json:"id"`
	Path       string        `json:"-"`
	FileName   string        `json:"fileName"`
	SampleRate int           `json:"sampleRate"`
	Duration   time.Duration `json:"duration"`
	Size       int64         `json:"size"`
	CreatedAt  time.Time     `json:"createdAt"`
}

// ContentType returns the MIME type of the artifact
func (a *Artifact) ContentType() string {
	return "audio/wav"
}

// Open opens the artifact for reading
func (a *Artifact) Open() (*os.File, error) {
	return os.Open(a.Path)
}

// Discard deletes the artifact file. Discarding twice is not an error.
func (a *Artifact) Discard() error {
	if err := os.Remove(a.Path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to discard recording %s: %w", a.ID, err)
	}
	return nil
}

// Store keeps finalized artifacts available for download until discarded
type Store struct {
	mu        sync.RWMutex
	artifacts map[string]*Artifact
}

// NewStore creates an empty store
func NewStore() *Store {
	return &Store{artifacts: make(map[string]*Artifact)}
}

// Put registers an artifact
func (s *Store) Put(a *Artifact) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.artifacts[a.ID] = a
}

// Get looks up an artifact by id
func (s *Store) Get(id string) (*Artifact, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.artifacts[id]
	return a, ok
}

// Discard removes an artifact from the store and deletes its file
func (s *Store) Discard(id string) error {
	s.mu.Lock()
	a, ok := s.artifacts[id]
	delete(s.artifacts, id)
	s.mu.Unlock()

	if !ok {
		return nil
	}
	return a.Discard()
}

// Len returns the number of stored artifacts
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.artifacts)
}

// DiscardAll deletes every stored artifact, used on shutdown
func (s *Store) DiscardAll() error {
	s.mu.Lock()
	artifacts := s.artifacts
	s.artifacts = make(map[string]*Artifact)
	s.mu.Unlock()

	var errs []error
	for _, a := range artifacts {
		if err := a.Discard(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
