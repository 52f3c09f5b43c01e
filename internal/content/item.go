package content

import (
	"github.com/google/uuid"

	"github.com/davidschrooten/open-search-facade/internal/search"
)

// Item is a generic content record that can be submitted for indexing
type Item struct {
	Type   string                 `json:"type"`
	ID     string                 `json:"id"`
	Fields map[string]interface{} `json:"fields"`
}

// NewItem creates an item, assigning a random ID when id is empty
func NewItem(typeName, id string, fields map[string]interface{}) *Item {
	if id == "" {
		id = uuid.NewString()
	}
	if fields == nil {
		fields = make(map[string]interface{})
	}
	return &Item{Type: typeName, ID: id, Fields: fields}
}

// SearchType returns the type tag used to group bulk writes
func (i *Item) SearchType() string {
	return i.Type
}

// SearchDocument serialises the item into a backend-ready document
func (i *Item) SearchDocument() search.Document {
	if i.ID == "" {
		i.ID = uuid.NewString()
	}

	body := make(map[string]interface{}, len(i.Fields))
	for k, v := range i.Fields {
		body[k] = v
	}

	return search.Document{ID: i.ID, Type: i.Type, Body: body}
}
