// Package artifact uploads execution artifacts and hands back URLs a browser
// can open.
package artifact

import (
	"context"
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"sort"
	"sync"
)

// DefaultBucket holds every artifact under <job id>/<file name>
const DefaultBucket = "test-artifacts"

// Store uploads one local file under key and returns a URL for it
type Store interface {
	Upload(ctx context.Context, key, filePath string) (string, error)
}

// Key is the object key for a file produced by a job
func Key(jobID, fileName string) string {
	return jobID + "/" + fileName
}

func contentType(path string) string {
	if ct := mime.TypeByExtension(filepath.Ext(path)); ct != "" {
		return ct
	}
	return "application/octet-stream"
}

// MemoryStore keeps uploads in memory
type MemoryStore struct {
	mu      sync.Mutex
	objects map[string][]byte
}

// NewMemoryStore creates an empty MemoryStore
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{objects: make(map[string][]byte)}
}

func (s *MemoryStore) Upload(_ context.Context, key, filePath string) (string, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return "", fmt.Errorf("failed to read artifact: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[key] = data
	return "memory://" + DefaultBucket + "/" + key, nil
}

// Keys returns the uploaded keys in order
func (s *MemoryStore) Keys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	keys := make([]string, 0, len(s.objects))
	for k := range s.objects {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Object returns the uploaded bytes for key
func (s *MemoryStore) Object(key string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.objects[key]
	return data, ok
}
