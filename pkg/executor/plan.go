package executor

import (
	"fmt"
	"sort"
	"strings"

	"github.com/Sternrassler/quota-batcher/pkg/request"
)

// Calls returns the number of backend calls Execute issues for chunk under op.
// Identifier selects and deletes share one merged call, every other select,
// delete and update is a call of its own, and inserts take one call per
// column set.
func Calls(op request.Operation, chunk []*request.Pending) int {
	switch op {
	case request.OpSelect:
		byID, single, _ := selectParts(chunk)
		return merged(byID) + len(single)
	case request.OpInsert:
		groups, _ := insertGroups(chunk)
		return len(groups)
	case request.OpUpdate:
		valid, _ := updateParts(chunk)
		return len(valid)
	case request.OpDelete:
		byID, single, _ := deleteParts(chunk)
		return merged(byID) + len(single)
	default:
		return 0
	}
}

// Split cuts chunk into consecutive parts that issue at most maxCalls
// backend calls each. Order is preserved. Every request costs at most one
// call, so no part is ever empty.
func Split(op request.Operation, chunk []*request.Pending, maxCalls int) [][]*request.Pending {
	if maxCalls < 1 {
		maxCalls = 1
	}
	if Calls(op, chunk) <= maxCalls {
		return [][]*request.Pending{chunk}
	}

	var parts [][]*request.Pending
	var cur []*request.Pending
	for _, p := range chunk {
		next := append(cur[:len(cur):len(cur)], p)
		if len(cur) > 0 && Calls(op, next) > maxCalls {
			parts = append(parts, cur)
			cur = []*request.Pending{p}
			continue
		}
		cur = next
	}
	if len(cur) > 0 {
		parts = append(parts, cur)
	}
	return parts
}

func merged(reqs []*request.Pending) int {
	if len(reqs) > 0 {
		return 1
	}
	return 0
}

// selectParts separates identifier selects, which share one merged call,
// from selects that run on their own. Requests carrying other params are
// returned as invalid.
func selectParts(chunk []*request.Pending) (byID, single, invalid []*request.Pending) {
	for _, p := range chunk {
		sp, ok := p.Params.(request.SelectParams)
		switch {
		case !ok:
			invalid = append(invalid, p)
		case sp.ByID():
			byID = append(byID, p)
		default:
			single = append(single, p)
		}
	}
	return byID, single, invalid
}

func deleteParts(chunk []*request.Pending) (byID, single, invalid []*request.Pending) {
	for _, p := range chunk {
		dp, ok := p.Params.(request.DeleteParams)
		switch {
		case !ok:
			invalid = append(invalid, p)
		case dp.ByID():
			byID = append(byID, p)
		default:
			single = append(single, p)
		}
	}
	return byID, single, invalid
}

func updateParts(chunk []*request.Pending) (valid, invalid []*request.Pending) {
	for _, p := range chunk {
		if _, ok := p.Params.(request.UpdateParams); ok {
			valid = append(valid, p)
		} else {
			invalid = append(invalid, p)
		}
	}
	return valid, invalid
}

// insertGroups groups inserts by the column set of their rows, in order of
// first appearance. A multi-row insert needs every row to carry the same
// columns, so each group becomes one call. A request whose own rows differ
// in columns forms a group of its own.
func insertGroups(chunk []*request.Pending) (groups [][]*request.Pending, invalid []*request.Pending) {
	index := make(map[string]int)
	for _, p := range chunk {
		ip, ok := p.Params.(request.InsertParams)
		if !ok {
			invalid = append(invalid, p)
			continue
		}

		sig, uniform := rowsSignature(ip.Rows)
		if !uniform {
			groups = append(groups, []*request.Pending{p})
			continue
		}
		if i, ok := index[sig]; ok {
			groups[i] = append(groups[i], p)
			continue
		}
		index[sig] = len(groups)
		groups = append(groups, []*request.Pending{p})
	}
	return groups, invalid
}

// rowsSignature returns the sorted column list shared by rows and whether
// every row carries exactly those columns.
func rowsSignature(rows []request.Row) (string, bool) {
	sig := ""
	for i, row := range rows {
		cols := make([]string, 0, len(row))
		for c := range row {
			cols = append(cols, c)
		}
		sort.Strings(cols)
		s := strings.Join(cols, "\x00")
		if i == 0 {
			sig = s
		} else if s != sig {
			return "", false
		}
	}
	return sig, true
}

func (e *Executor) rejectInvalid(op request.Operation, reqs []*request.Pending) {
	for _, p := range reqs {
		p.Reject(fmt.Errorf("%w: %s request carries %T", request.ErrInvalidRequest, op, p.Params))
	}
}
