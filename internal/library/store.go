package library

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	ErrNotFound     = errors.New("library: story not found")
	ErrInvalidStory = errors.New("library: invalid story")
)

// Library is an in-memory story store. Stored stories are not mutated after
// Put, so readers may share them.
type Library struct {
	mu      sync.RWMutex
	stories map[string]*Story
	now     func() time.Time
}

// New returns an empty library.
func New() *Library {
	return &Library{
		stories: make(map[string]*Story),
		now:     time.Now,
	}
}

// Put stores s, assigning a luid when its metadata has none, and returns the
// luid. An existing story with the same luid is replaced.
func (l *Library) Put(s *Story) (string, error) {
	if s == nil || s.Meta == nil {
		return "", fmt.Errorf("%w: missing metadata", ErrInvalidStory)
	}
	for i, c := range s.Chapters {
		if c == nil {
			return "", fmt.Errorf("%w: chapter %d is nil", ErrInvalidStory, i)
		}
		if c.Story != nil && c.Story != s {
			return "", fmt.Errorf("%w: chapter %d belongs to another story", ErrInvalidStory, i)
		}
		c.Story = s
	}

	meta := s.Meta
	meta.Luid = strings.TrimSpace(meta.Luid)
	if meta.Luid == "" {
		meta.Luid = uuid.NewString()
	}
	now := l.now().UTC()
	if meta.Created.IsZero() {
		meta.Created = now
	}
	meta.Updated = now
	if meta.Words == 0 {
		for _, c := range s.Chapters {
			meta.Words += c.Words
		}
	}

	l.mu.Lock()
	l.stories[meta.Luid] = s
	l.mu.Unlock()
	return meta.Luid, nil
}

// Get returns the story stored under luid.
func (l *Library) Get(luid string) (*Story, error) {
	l.mu.RLock()
	s, ok := l.stories[strings.TrimSpace(luid)]
	l.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, luid)
	}
	return s, nil
}

// List returns the metadata of every story, ordered by title then luid.
func (l *Library) List() []*MetaData {
	l.mu.RLock()
	out := make([]*MetaData, 0, len(l.stories))
	for _, s := range l.stories {
		out = append(out, s.Meta)
	}
	l.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Title != out[j].Title {
			return out[i].Title < out[j].Title
		}
		return out[i].Luid < out[j].Luid
	})
	return out
}

// Delete removes luid and reports whether it was present.
func (l *Library) Delete(luid string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	luid = strings.TrimSpace(luid)
	if _, ok := l.stories[luid]; !ok {
		return false
	}
	delete(l.stories, luid)
	return true
}

// Len is the number of stored stories.
func (l *Library) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.stories)
}
