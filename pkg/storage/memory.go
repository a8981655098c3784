package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"iter"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/rcrowley/go-metrics"

	"github.com/godaddy/datasafe"
)

var (
	// Verify Memory implements the Storage interface.
	_ datasafe.Storage = (*Memory)(nil)

	readMemoryTimer   = metrics.GetOrRegisterTimer(fmt.Sprintf("%s.storage.memory.read", datasafe.MetricsPrefix), nil)
	writeMemoryTimer  = metrics.GetOrRegisterTimer(fmt.Sprintf("%s.storage.memory.write", datasafe.MetricsPrefix), nil)
	removeMemoryTimer = metrics.GetOrRegisterTimer(fmt.Sprintf("%s.storage.memory.remove", datasafe.MetricsPrefix), nil)
)

// Memory is an in-memory implementation of datasafe.Storage.
// NOTE: It should not be used in production and is for testing only!
type Memory struct {
	sync.RWMutex

	Objects map[string][]byte
}

// NewMemory returns a new, empty in-memory storage.
func NewMemory() *Memory {
	return &Memory{
		Objects: make(map[string][]byte),
	}
}

// Read returns a reader over a copy of the object stored at location.
func (m *Memory) Read(_ context.Context, location string) (io.ReadCloser, error) {
	defer readMemoryTimer.UpdateSince(time.Now())

	m.RLock()
	defer m.RUnlock()

	data, ok := m.Objects[location]
	if !ok {
		return nil, fmt.Errorf("%w: %s", datasafe.ErrNotFound, location)
	}

	return io.NopCloser(bytes.NewReader(bytes.Clone(data))), nil
}

// Write returns a writer that stores the object when closed.
func (m *Memory) Write(ctx context.Context, location string) (io.WriteCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, failure(err, "write", location)
	}

	return newBufferedWriter(func(data []byte) error {
		defer writeMemoryTimer.UpdateSince(time.Now())

		m.Lock()
		defer m.Unlock()

		m.Objects[location] = data

		return nil
	}), nil
}

// List yields the sorted locations starting with prefix. The listing is a snapshot taken when iteration
// starts, so callers may remove objects while iterating.
func (m *Memory) List(ctx context.Context, prefix string) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		m.RLock()

		var matches []string

		for loc := range m.Objects {
			if strings.HasPrefix(loc, prefix) {
				matches = append(matches, loc)
			}
		}

		m.RUnlock()

		slices.Sort(matches)

		for _, loc := range matches {
			if err := ctx.Err(); err != nil {
				yield("", failure(err, "list", prefix))
				return
			}

			if !yield(loc, nil) {
				return
			}
		}
	}
}

// Remove deletes the object at location.
func (m *Memory) Remove(_ context.Context, location string) error {
	defer removeMemoryTimer.UpdateSince(time.Now())

	m.Lock()
	defer m.Unlock()

	delete(m.Objects, location)

	return nil
}

// Exists reports whether an object is stored at location.
func (m *Memory) Exists(_ context.Context, location string) (bool, error) {
	m.RLock()
	defer m.RUnlock()

	_, ok := m.Objects[location]

	return ok, nil
}
