package searchservice

import (
	"log/slog"

	"github.com/davidschrooten/open-search-facade/internal/content"
)

// Option configures a Service
type Option func(*Service) error

// WithLogger sets the logger used for flush faults and result execution
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) error {
		if logger != nil {
			s.logger = logger
		}
		return nil
	}
}

// WithTypeDiscovery sets the collaborator answering type-hierarchy questions
func WithTypeDiscovery(d content.Discovery) Option {
	return func(s *Service) error {
		s.discovery = d
		return nil
	}
}

// WithSearchableCapability overrides the capability that marks a type as indexed
func WithSearchableCapability(capability string) Option {
	return func(s *Service) error {
		if capability != "" {
			s.capability = capability
		}
		return nil
	}
}

// WithIndexingMemory raises the soft memory limit while a bulk session is
// open, e.g. "512M" or "1GiB". A hint below the current limit is ignored and
// an empty hint leaves the runtime untouched.
func WithIndexingMemory(hint string) Option {
	return func(s *Service) error {
		if hint == "" {
			return nil
		}

		n, err := parseMemoryHint(hint)
		if err != nil {
			return err
		}

		s.memoryHint = hint
		s.memoryLimit = n
		return nil
	}
}
