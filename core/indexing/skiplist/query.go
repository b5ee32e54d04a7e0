package skiplist

import (
	"fmt"
	"iter"
	"slices"
	"strings"

	"github.com/sushant-115/gojolite/core/storage_engine/common"
	"github.com/sushant-115/gojolite/core/value"
	pagemanager "github.com/sushant-115/gojolite/core/write_engine/page_manager"
)

// Query selects index nodes. Every query is built from Find and level 0
// walks; a predicate filter is used only where no key range applies.
type Query interface {
	Run(s *IndexService, ci *pagemanager.CollectionIndex, order common.Order) iter.Seq2[*pagemanager.IndexNode, error]
	String() string
}

// All selects every key.
func All() Query { return allQuery{} }

type allQuery struct{}

func (allQuery) Run(s *IndexService, ci *pagemanager.CollectionIndex, order common.Order) iter.Seq2[*pagemanager.IndexNode, error] {
	return s.FindAll(ci, order)
}

func (allQuery) String() string { return "ALL" }

// Equals selects keys equal to v.
func Equals(v value.Value) Query { return rangeQuery{start: v, end: v, startEquals: true, endEquals: true, op: "="} }

// Between selects keys in [start, end].
func Between(start, end value.Value) Query {
	return rangeQuery{start: start, end: end, startEquals: true, endEquals: true, op: "BETWEEN"}
}

// Greater selects keys above v, or at or above it with orEqual.
func Greater(v value.Value, orEqual bool) Query {
	op := ">"
	if orEqual {
		op = ">="
	}
	return rangeQuery{start: v, end: value.MaxValue(), startEquals: orEqual, endEquals: true, op: op}
}

// Less selects keys below v, or at or below it with orEqual.
func Less(v value.Value, orEqual bool) Query {
	op := "<"
	if orEqual {
		op = "<="
	}
	return rangeQuery{start: value.MinValue(), end: v, startEquals: true, endEquals: orEqual, op: op}
}

type rangeQuery struct {
	start, end             value.Value
	startEquals, endEquals bool
	op                     string
}

func (q rangeQuery) String() string {
	switch q.op {
	case "BETWEEN":
		return fmt.Sprintf("BETWEEN %s AND %s", q.start, q.end)
	case "<", "<=":
		return fmt.Sprintf("%s %s", q.op, q.end)
	}
	return fmt.Sprintf("%s %s", q.op, q.start)
}

func (q rangeQuery) Run(s *IndexService, ci *pagemanager.CollectionIndex, order common.Order) iter.Seq2[*pagemanager.IndexNode, error] {
	return func(yield func(*pagemanager.IndexNode, error) bool) {
		lo, hi := q.start, q.end
		loEq, hiEq := q.startEquals, q.endEquals
		if lo.Compare(hi, s.collation) > 0 {
			lo, hi, loEq, hiEq = hi, lo, hiEq, loEq
		}
		if lo.IsMinValue() && hi.IsMaxValue() {
			for node, err := range s.FindAll(ci, order) {
				if !yield(node, err) {
					return
				}
			}
			return
		}

		first, stop, firstEq, stopEq := lo, hi, loEq, hiEq
		if order == common.Descending {
			first, stop, firstEq, stopEq = hi, lo, hiEq, loEq
		}
		node, err := s.seek(ci, first, order)
		for ; err == nil && node != nil; node, err = s.step(node, order) {
			key := node.Key()
			// an exclusive bound skips the run of keys equal to it
			if !firstEq && key.Compare(first, s.collation) == 0 {
				continue
			}
			diff := key.Compare(stop, s.collation) * int(order)
			if diff > 0 || (diff == 0 && !stopEq) {
				return
			}
			if !yield(node, nil) {
				return
			}
		}
		if err != nil {
			yield(nil, err)
		}
	}
}

// seek returns the first node in order at or past key, rewound to the
// start of a run of equal keys.
func (s *IndexService) seek(ci *pagemanager.CollectionIndex, key value.Value, order common.Order) (*pagemanager.IndexNode, error) {
	node, err := s.Find(ci, key, true, order)
	if err != nil || node == nil {
		return nil, err
	}
	for {
		addr := node.GetNextPrev(0, -order)
		if addr.IsEmpty() {
			return node, nil
		}
		prev, err := s.GetNode(addr)
		if err != nil {
			return nil, err
		}
		if prev.IsHead() || prev.IsTail() || prev.Key().Compare(node.Key(), s.collation) != 0 {
			return node, nil
		}
		node = prev
	}
}

// step follows level 0 in order and returns nil at a sentinel.
func (s *IndexService) step(node *pagemanager.IndexNode, order common.Order) (*pagemanager.IndexNode, error) {
	addr := node.GetNextPrev(0, order)
	if addr.IsEmpty() {
		return nil, nil
	}
	next, err := s.GetNode(addr)
	if err != nil {
		return nil, err
	}
	if next.IsHead() || next.IsTail() {
		return nil, nil
	}
	return next, nil
}

// StartsWith selects string keys with prefix under the index collation.
func StartsWith(prefix string) Query { return prefixQuery{prefix: prefix} }

type prefixQuery struct{ prefix string }

func (q prefixQuery) String() string { return fmt.Sprintf("LIKE %q", q.prefix+"%") }

func (q prefixQuery) Run(s *IndexService, ci *pagemanager.CollectionIndex, order common.Order) iter.Seq2[*pagemanager.IndexNode, error] {
	return func(yield func(*pagemanager.IndexNode, error) bool) {
		if order == common.Descending {
			// the run is found ascending, then replayed backwards
			var nodes []*pagemanager.IndexNode
			for node, err := range q.Run(s, ci, common.Ascending) {
				if err != nil {
					yield(nil, err)
					return
				}
				nodes = append(nodes, node)
			}
			for _, node := range slices.Backward(nodes) {
				if !yield(node, nil) {
					return
				}
			}
			return
		}

		node, err := s.seek(ci, value.String(q.prefix), common.Ascending)
		for ; err == nil && node != nil; node, err = s.step(node, common.Ascending) {
			key := node.Key()
			if key.Kind() != value.KindString || !s.collation.HasPrefix(key.AsString(), q.prefix) {
				return
			}
			if !yield(node, nil) {
				return
			}
		}
		if err != nil {
			yield(nil, err)
		}
	}
}

// In selects keys equal to any of values. Duplicates are ignored.
func In(values ...value.Value) Query { return inQuery{values: values} }

type inQuery struct{ values []value.Value }

func (q inQuery) String() string {
	parts := make([]string, len(q.values))
	for i, v := range q.values {
		parts[i] = v.String()
	}
	return "IN (" + strings.Join(parts, ", ") + ")"
}

func (q inQuery) Run(s *IndexService, ci *pagemanager.CollectionIndex, order common.Order) iter.Seq2[*pagemanager.IndexNode, error] {
	return func(yield func(*pagemanager.IndexNode, error) bool) {
		keys := slices.Clone(q.values)
		slices.SortFunc(keys, func(a, b value.Value) int { return a.Compare(b, s.collation) * int(order) })
		keys = slices.CompactFunc(keys, func(a, b value.Value) bool { return a.Compare(b, s.collation) == 0 })
		for _, key := range keys {
			for node, err := range Equals(key).Run(s, ci, order) {
				if !yield(node, err) || err != nil {
					return
				}
			}
		}
	}
}

// Scan walks the whole index keeping keys accepted by fn.
func Scan(name string, fn func(value.Value) bool) Query { return scanQuery{name: name, fn: fn} }

type scanQuery struct {
	name string
	fn   func(value.Value) bool
}

func (q scanQuery) String() string { return "SCAN(" + q.name + ")" }

func (q scanQuery) Run(s *IndexService, ci *pagemanager.CollectionIndex, order common.Order) iter.Seq2[*pagemanager.IndexNode, error] {
	return func(yield func(*pagemanager.IndexNode, error) bool) {
		for node, err := range s.FindAll(ci, order) {
			if err != nil {
				yield(nil, err)
				return
			}
			if q.fn(node.Key()) && !yield(node, nil) {
				return
			}
		}
	}
}

// Or yields the documents selected by either query, each once. Documents
// are identified by data block.
func Or(left, right Query) Query { return setQuery{left: left, right: right, op: "OR"} }

// And yields the documents of left that right also selects.
func And(left, right Query) Query { return setQuery{left: left, right: right, op: "AND"} }

// Not yields the documents of the index that q does not select.
func Not(q Query) Query { return setQuery{left: All(), right: q, op: "NOT"} }

type setQuery struct {
	left, right Query
	op          string
}

func (q setQuery) String() string {
	if q.op == "NOT" {
		return fmt.Sprintf("NOT (%s)", q.right)
	}
	return fmt.Sprintf("(%s %s %s)", q.left, q.op, q.right)
}

func (q setQuery) Run(s *IndexService, ci *pagemanager.CollectionIndex, order common.Order) iter.Seq2[*pagemanager.IndexNode, error] {
	return func(yield func(*pagemanager.IndexNode, error) bool) {
		if q.op == "OR" {
			seen := make(map[pagemanager.PageAddress]struct{})
			for _, part := range []Query{q.left, q.right} {
				for node, err := range part.Run(s, ci, order) {
					if err != nil {
						yield(nil, err)
						return
					}
					if _, dup := seen[node.DataBlock()]; dup {
						continue
					}
					seen[node.DataBlock()] = struct{}{}
					if !yield(node, nil) {
						return
					}
				}
			}
			return
		}

		right := make(map[pagemanager.PageAddress]struct{})
		for node, err := range q.right.Run(s, ci, order) {
			if err != nil {
				yield(nil, err)
				return
			}
			right[node.DataBlock()] = struct{}{}
		}
		keep := q.op == "AND"
		for node, err := range q.left.Run(s, ci, order) {
			if err != nil {
				yield(nil, err)
				return
			}
			if _, ok := right[node.DataBlock()]; ok != keep {
				continue
			}
			if !yield(node, nil) {
				return
			}
		}
	}
}
