package search

import (
	"fmt"

	"github.com/davidschrooten/open-search-facade/config"
)

// Lister is implemented by backends that can enumerate their indexes
type Lister interface {
	ListIndexes() ([]IndexInfo, error)
}

// Remover is implemented by backends that can drop an index
type Remover interface {
	RemoveIndex(name string) error
}

// NewClient creates the backend client selected by cfg.Backend
func NewClient(cfg config.SearchConfig, types []config.ContentTypeConfig) (Client, error) {
	switch cfg.Backend {
	case config.BackendBleve, "":
		return NewEngine(cfg, types)
	case config.BackendTypesense:
		return NewTypesenseClient(cfg.Typesense), nil
	default:
		return nil, fmt.Errorf("unknown search backend: %s (valid options: %s, %s)", cfg.Backend, config.BackendBleve, config.BackendTypesense)
	}
}
