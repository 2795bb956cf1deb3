package shared

// ListFilters carries the standard list-endpoint filters.
type ListFilters struct {
	Page    int
	Limit   int
	Search  string
	SortBy  string
	SortDir string
	Active  *bool

	Category string
}
