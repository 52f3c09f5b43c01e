package searchservice

import (
	"context"
	"fmt"

	"github.com/davidschrooten/open-search-facade/internal/search"
)

// bulkBuffer groups documents by type tag in first-seen order.
// When active is false the buffer is empty.
type bulkBuffer struct {
	active bool
	order  []string
	groups map[string][]search.Document

	// holds a reference on the shared memory guard
	holdsMemory bool
}

func (b *bulkBuffer) add(typeName string, doc search.Document) {
	if b.groups == nil {
		b.groups = make(map[string][]search.Document)
	}
	if _, ok := b.groups[typeName]; !ok {
		b.order = append(b.order, typeName)
	}
	b.groups[typeName] = append(b.groups[typeName], doc)
}

func (b *bulkBuffer) count() int {
	n := 0
	for _, docs := range b.groups {
		n += len(docs)
	}
	return n
}

func (b *bulkBuffer) reset() {
	b.active = false
	b.order = nil
	b.groups = nil
}

// StartBulkIndex opens a bulk session. Subsequent Index calls are buffered
// until EndBulkIndex. Calling it while a session is open has no effect.
func (s *Service) StartBulkIndex() {
	if s.buffer.active {
		return
	}

	s.buffer.active = true
	if s.memoryLimit > 0 {
		s.buffer.holdsMemory = true
		if indexingMemory.acquire(s.memoryLimit) {
			s.logger.Debug("indexing memory limit raised", "limit", s.memoryHint)
		}
	}
}

// Buffering reports whether a bulk session is open
func (s *Service) Buffering() bool {
	return s.buffer.active
}

// BufferedCount returns the number of documents waiting to be flushed
func (s *Service) BufferedCount() int {
	return s.buffer.count()
}

// EndBulkIndex flushes the buffer: one grouped write per type tag, in the
// order the tags were first seen, each followed by a refresh. The buffer is
// cleared whatever the outcome.
//
// A *search.ConnectionError abandons the flush, marks the service
// disconnected and is not returned. A *search.BulkError is returned as is.
// Any other error is returned wrapped.
func (s *Service) EndBulkIndex(ctx context.Context) error {
	defer s.endSession()

	if len(s.buffer.order) == 0 {
		return nil
	}

	index, err := s.GetIndex()
	if err != nil {
		return s.flushFailed(err, "")
	}

	for _, typeName := range s.buffer.order {
		docs := s.buffer.groups[typeName]

		if _, err := index.AddDocuments(ctx, docs); err != nil {
			return s.flushFailed(err, typeName)
		}
		if err := index.Refresh(ctx); err != nil {
			return s.flushFailed(err, typeName)
		}

		s.logger.Debug("bulk group flushed", "index", index.Name(), "type", typeName, "documents", len(docs))
	}

	return nil
}

func (s *Service) endSession() {
	if s.buffer.holdsMemory {
		indexingMemory.release()
		s.buffer.holdsMemory = false
	}
	s.buffer.reset()
}

func (s *Service) flushFailed(err error, typeName string) error {
	switch search.Classify(err) {
	case search.FaultConnection:
		s.connected.Store(false)
		s.logger.Error("search backend unreachable, bulk flush abandoned",
			"index", s.IndexName(), "type", typeName, "error", err)
		return nil
	case search.FaultBulk:
		s.logger.Error("bulk write failed", "index", s.IndexName(), "type", typeName, "error", err)
		return err
	default:
		s.logger.Error("bulk flush failed", "index", s.IndexName(), "type", typeName, "error", err)
		if typeName == "" {
			return fmt.Errorf("failed to flush bulk buffer: %w", err)
		}
		return fmt.Errorf("failed to flush %s documents: %w", typeName, err)
	}
}
