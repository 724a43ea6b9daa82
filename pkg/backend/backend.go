// Package backend defines the contract of the quota-constrained data service
// that batches are dispatched to, and provides a SQL implementation of it.
package backend

import (
	"context"

	"github.com/Sternrassler/quota-batcher/pkg/request"
)

// Query selects the rows an operation applies to. IDs and Filter are combined
// with AND; an empty Query matches every row.
type Query struct {
	// IDs restricts the query to rows whose identifier column is in the list.
	IDs []string

	// Filter restricts the query to rows where every column equals its value.
	Filter request.Filter

	// Columns projects the result. Empty selects every column.
	Columns []string

	// OrderBy sorts the result by a column, descending when Desc is set.
	OrderBy string
	Desc    bool

	// Limit caps the number of rows returned. Zero means no limit.
	Limit int
}

// Backend executes one operation against a collection and returns the rows
// it produced or touched.
//
// Implementations must support identifier lists for Select and Delete and
// multi-row payloads for Insert; Insert must return rows in payload order.
type Backend interface {
	Select(ctx context.Context, resource string, q Query) ([]request.Row, error)
	Insert(ctx context.Context, resource string, rows []request.Row) ([]request.Row, error)
	Update(ctx context.Context, resource string, q Query, patch request.Row) ([]request.Row, error)
	Delete(ctx context.Context, resource string, q Query) ([]request.Row, error)
}
