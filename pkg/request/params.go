package request

import "fmt"

// Params is the operation-specific payload of a request. Exactly one of
// SelectParams, InsertParams, UpdateParams or DeleteParams.
type Params interface {
	Operation() Operation
	Validate() error
	isParams()
}

// Filter is an equality predicate: every column must equal its value.
type Filter map[string]any

// SelectParams reads either one row by identifier or an arbitrary filtered set.
// Only identifier-based selects can be merged with other requests.
type SelectParams struct {
	ID      string
	Filter  Filter
	Columns []string
	OrderBy string
	Desc    bool
	Limit   int
}

// Operation implements Params.
func (SelectParams) Operation() Operation { return OpSelect }

// ByID reports whether the select targets a single identifier with no
// further predicate, which makes it mergeable.
func (p SelectParams) ByID() bool { return p.ID != "" && len(p.Filter) == 0 }

// Validate implements Params.
func (p SelectParams) Validate() error {
	if p.Limit < 0 {
		return fmt.Errorf("%w: negative limit %d", ErrInvalidRequest, p.Limit)
	}
	return nil
}

func (SelectParams) isParams() {}

// InsertParams carries one or more rows to write. Rows from every request of a
// chunk are concatenated into a single multi-row insert.
type InsertParams struct {
	Rows []Row
}

// Operation implements Params.
func (InsertParams) Operation() Operation { return OpInsert }

// Validate implements Params.
func (p InsertParams) Validate() error {
	if len(p.Rows) == 0 {
		return fmt.Errorf("%w: insert requires at least one row", ErrInvalidRequest)
	}
	for i, row := range p.Rows {
		if len(row) == 0 {
			return fmt.Errorf("%w: insert row %d is empty", ErrInvalidRequest, i)
		}
	}
	return nil
}

func (InsertParams) isParams() {}

// UpdateParams patches the rows matched by ID or Filter. Updates are never merged.
type UpdateParams struct {
	ID     string
	Filter Filter
	Patch  Row
}

// Operation implements Params.
func (UpdateParams) Operation() Operation { return OpUpdate }

// Validate implements Params.
func (p UpdateParams) Validate() error {
	if p.ID == "" && len(p.Filter) == 0 {
		return fmt.Errorf("%w: update requires an id or a filter", ErrInvalidRequest)
	}
	if len(p.Patch) == 0 {
		return fmt.Errorf("%w: update requires a patch", ErrInvalidRequest)
	}
	return nil
}

func (UpdateParams) isParams() {}

// DeleteParams removes the rows matched by ID or Filter. Identifier-based
// deletes are merged into a single multi-identifier call.
type DeleteParams struct {
	ID     string
	Filter Filter
}

// Operation implements Params.
func (DeleteParams) Operation() Operation { return OpDelete }

// ByID reports whether the delete targets a single identifier with no
// further predicate, which makes it mergeable.
func (p DeleteParams) ByID() bool { return p.ID != "" && len(p.Filter) == 0 }

// Validate implements Params.
func (p DeleteParams) Validate() error {
	if p.ID == "" && len(p.Filter) == 0 {
		return fmt.Errorf("%w: delete requires an id or a filter", ErrInvalidRequest)
	}
	return nil
}

func (DeleteParams) isParams() {}
