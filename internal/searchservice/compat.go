package searchservice

// AllSearchableFieldsFor is kept for callers of the older façade; field
// discovery is handled by the backend mapping.
func (s *Service) AllSearchableFieldsFor(listType string) {}

// IndexFieldName returns field unchanged
func (s *Service) IndexFieldName(field string, types ...string) string {
	return field
}

// SortFieldName returns sortBy unchanged
func (s *Service) SortFieldName(sortBy string, types ...string) string {
	return sortBy
}
