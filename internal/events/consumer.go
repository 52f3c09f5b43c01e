package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/davidschrooten/open-search-facade/internal/content"
	"github.com/davidschrooten/open-search-facade/internal/search"
	"github.com/davidschrooten/open-search-facade/internal/searchservice"
)

// ChangeEvent announces that a content item was created or updated
type ChangeEvent struct {
	Type   string                 `json:"type"`
	ID     string                 `json:"id"`
	Fields map[string]interface{} `json:"fields"`
}

// Indexer is the part of the search façade the consumer writes through
type Indexer interface {
	Index(ctx context.Context, item searchservice.Indexable) (*search.WriteResponse, error)
	IsIndexedType(typeName string) bool
}

// Consumer indexes every change event it receives, one document at a time
type Consumer struct {
	bus     Bus
	indexer Indexer
	subject string
	queue   string
	logger  *slog.Logger
}

// NewConsumer creates a consumer for subject, load-balanced over queue
func NewConsumer(bus Bus, indexer Indexer, subject, queue string, logger *slog.Logger) *Consumer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Consumer{
		bus:     bus,
		indexer: indexer,
		subject: subject,
		queue:   queue,
		logger:  logger,
	}
}

// Start subscribes to the change subject
func (c *Consumer) Start() (Subscription, error) {
	return c.bus.Subscribe(c.subject, c.queue, c.handle)
}

func (c *Consumer) handle(ctx context.Context, payload []byte) error {
	var evt ChangeEvent
	if err := json.Unmarshal(payload, &evt); err != nil {
		c.logger.Error("discarding malformed change event", "subject", c.subject, "error", err)
		return nil
	}

	if evt.Type == "" || evt.ID == "" {
		c.logger.Warn("discarding change event without type or id", "subject", c.subject)
		return nil
	}

	if !c.indexer.IsIndexedType(evt.Type) {
		c.logger.Debug("ignoring change event for unsearchable type", "type", evt.Type, "id", evt.ID)
		return nil
	}

	resp, err := c.indexer.Index(ctx, content.NewItem(evt.Type, evt.ID, evt.Fields))
	if err != nil {
		return fmt.Errorf("failed to index %s %s: %w", evt.Type, evt.ID, err)
	}

	if resp != nil {
		c.logger.Debug("change event indexed", "type", evt.Type, "id", evt.ID, "index", resp.Index)
	}
	return nil
}
