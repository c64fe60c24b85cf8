package analytics

import "errors"

var (
	// ErrNotFound is returned when a requested city or metric is not in the table.
	ErrNotFound = errors.New("not found")
	// ErrUnavailable is returned when a query cannot be answered for this table
	// at all, such as a twin search over fewer than two cities.
	ErrUnavailable = errors.New("unavailable")
)
