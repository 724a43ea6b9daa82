package executor

import (
	"context"
	"fmt"

	"github.com/Sternrassler/quota-batcher/pkg/backend"
	"github.com/Sternrassler/quota-batcher/pkg/request"
)

func (e *Executor) executeSelect(ctx context.Context, resource string, chunk []*request.Pending) int {
	byID, single, invalid := selectParts(chunk)
	e.rejectInvalid(request.OpSelect, invalid)

	calls := 0
	if len(byID) > 0 {
		e.selectMerged(ctx, resource, byID)
		calls++
	}
	calls += e.fanOut(ctx, single, func(ctx context.Context, p *request.Pending) {
		sp := p.Params.(request.SelectParams)
		callCtx, cancel := e.callCtx(ctx)
		defer cancel()

		q := queryFor(sp.ID, sp.Filter)
		rows, err := e.backend.Select(callCtx, resource, backend.Query{
			IDs:     q.IDs,
			Filter:  q.Filter,
			Columns: sp.Columns,
			OrderBy: sp.OrderBy,
			Desc:    sp.Desc,
			Limit:   sp.Limit,
		})
		if err != nil {
			e.fail(ctx, request.OpSelect, []*request.Pending{p}, err)
			return
		}
		p.Resolve(request.Result{Rows: rows})
	})
	return calls
}

// selectMerged issues one IN-style select for every identifier in reqs.
func (e *Executor) selectMerged(ctx context.Context, resource string, reqs []*request.Pending) {
	ids := make([]string, 0, len(reqs))
	allColumns := false
	colSet := map[string]bool{e.cfg.IDColumn: true}
	cols := []string{e.cfg.IDColumn}
	for _, p := range reqs {
		sp := p.Params.(request.SelectParams)
		ids = append(ids, sp.ID)
		if len(sp.Columns) == 0 {
			allColumns = true
		}
		for _, c := range sp.Columns {
			if !colSet[c] {
				colSet[c] = true
				cols = append(cols, c)
			}
		}
	}
	if allColumns {
		cols = nil
	}

	callCtx, cancel := e.callCtx(ctx)
	defer cancel()
	rows, err := e.backend.Select(callCtx, resource, backend.Query{IDs: uniqueIDs(ids), Columns: cols})
	if err != nil {
		e.fail(ctx, request.OpSelect, reqs, err)
		return
	}

	index := e.indexByID(rows)
	for _, p := range reqs {
		sp := p.Params.(request.SelectParams)
		row, ok := index[sp.ID]
		if !ok {
			e.notFound(request.OpSelect, resource, p, sp.ID)
			continue
		}
		p.Resolve(request.Result{Rows: []request.Row{project(row, sp.Columns)}})
	}
}

// executeInsert concatenates the payloads of each column-set group into one
// multi-row insert and hands the returned rows back by position.
func (e *Executor) executeInsert(ctx context.Context, resource string, chunk []*request.Pending) int {
	groups, invalid := insertGroups(chunk)
	e.rejectInvalid(request.OpInsert, invalid)

	for _, group := range groups {
		e.insertGroup(ctx, resource, group)
	}
	return len(groups)
}

func (e *Executor) insertGroup(ctx context.Context, resource string, reqs []*request.Pending) {
	var rows []request.Row
	for _, p := range reqs {
		rows = append(rows, p.Params.(request.InsertParams).Rows...)
	}

	callCtx, cancel := e.callCtx(ctx)
	defer cancel()
	out, err := e.backend.Insert(callCtx, resource, rows)
	if err != nil {
		e.fail(ctx, request.OpInsert, reqs, err)
		return
	}
	if len(out) != len(rows) {
		e.logger.Error().
			Str("resource", resource).
			Int("submitted", len(rows)).
			Int("returned", len(out)).
			Msg("Insert returned unexpected row count")
		e.reject(reqs, fmt.Errorf("%w: inserted %d rows, backend returned %d", request.ErrResultMismatch, len(rows), len(out)))
		return
	}

	offset := 0
	for _, p := range reqs {
		n := len(p.Params.(request.InsertParams).Rows)
		p.Resolve(request.Result{Rows: out[offset : offset+n]})
		offset += n
	}
}

// executeUpdate runs every update on its own; predicates and patches differ
// per request, so the batch is a bounded gather rather than one call.
func (e *Executor) executeUpdate(ctx context.Context, resource string, chunk []*request.Pending) int {
	valid, invalid := updateParts(chunk)
	e.rejectInvalid(request.OpUpdate, invalid)

	return e.fanOut(ctx, valid, func(ctx context.Context, p *request.Pending) {
		up := p.Params.(request.UpdateParams)
		callCtx, cancel := e.callCtx(ctx)
		defer cancel()

		rows, err := e.backend.Update(callCtx, resource, queryFor(up.ID, up.Filter), up.Patch)
		if err != nil {
			e.fail(ctx, request.OpUpdate, []*request.Pending{p}, err)
			return
		}
		p.Resolve(request.Result{Rows: rows})
	})
}

func (e *Executor) executeDelete(ctx context.Context, resource string, chunk []*request.Pending) int {
	byID, single, invalid := deleteParts(chunk)
	e.rejectInvalid(request.OpDelete, invalid)

	calls := 0
	if len(byID) > 0 {
		e.deleteMerged(ctx, resource, byID)
		calls++
	}
	calls += e.fanOut(ctx, single, func(ctx context.Context, p *request.Pending) {
		dp := p.Params.(request.DeleteParams)
		callCtx, cancel := e.callCtx(ctx)
		defer cancel()

		rows, err := e.backend.Delete(callCtx, resource, queryFor(dp.ID, dp.Filter))
		if err != nil {
			e.fail(ctx, request.OpDelete, []*request.Pending{p}, err)
			return
		}
		p.Resolve(request.Result{Rows: rows})
	})
	return calls
}

// deleteMerged removes every identifier in reqs with one call. Identifiers
// missing from the deleted set are reported as not found.
func (e *Executor) deleteMerged(ctx context.Context, resource string, reqs []*request.Pending) {
	ids := make([]string, 0, len(reqs))
	for _, p := range reqs {
		ids = append(ids, p.Params.(request.DeleteParams).ID)
	}

	callCtx, cancel := e.callCtx(ctx)
	defer cancel()
	rows, err := e.backend.Delete(callCtx, resource, backend.Query{IDs: uniqueIDs(ids)})
	if err != nil {
		e.fail(ctx, request.OpDelete, reqs, err)
		return
	}

	index := e.indexByID(rows)
	for _, p := range reqs {
		id := p.Params.(request.DeleteParams).ID
		row, ok := index[id]
		if !ok {
			e.notFound(request.OpDelete, resource, p, id)
			continue
		}
		p.Resolve(request.Result{Rows: []request.Row{project(row, nil)}})
	}
}

func queryFor(id string, filter request.Filter) backend.Query {
	q := backend.Query{Filter: filter}
	if id != "" {
		q.IDs = []string{id}
	}
	return q
}
