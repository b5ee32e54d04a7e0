// Package skiplist implements collection indexes as skip lists stored in
// index pages. Nodes link to each other by PageAddress and every link is
// resolved through the transaction snapshot, so an index is only ever seen
// at the snapshot's read version.
package skiplist

import (
	"fmt"
	"iter"
	"math/rand/v2"

	"github.com/sushant-115/gojolite/core/storage_engine/common"
	"github.com/sushant-115/gojolite/core/transaction"
	"github.com/sushant-115/gojolite/core/value"
	pagemanager "github.com/sushant-115/gojolite/core/write_engine/page_manager"
)

// IndexService reads and changes the indexes of the snapshot's collection.
// It is bound to one snapshot and, like it, is not safe for concurrent use.
type IndexService struct {
	snapshot  *transaction.Snapshot
	collation *value.Collation
	rnd       *rand.Rand
}

// NewIndexService binds the indexes of snapshot. rnd draws node levels; a
// nil rnd uses a randomly seeded source.
func NewIndexService(snapshot *transaction.Snapshot, collation *value.Collation, rnd *rand.Rand) *IndexService {
	if rnd == nil {
		rnd = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	if collation == nil {
		collation = value.MustParseCollation(value.DefaultCollation)
	}
	return &IndexService{snapshot: snapshot, collation: collation, rnd: rnd}
}

func (s *IndexService) Collation() *value.Collation { return s.collation }

func (s *IndexService) collectionPage() (*pagemanager.CollectionPage, error) {
	col := s.snapshot.CollectionPage()
	if col == nil {
		return nil, fmt.Errorf("%w: %s", common.ErrCollectionNotFound, s.snapshot.CollectionName())
	}
	return col, nil
}

// CreateIndex registers an index and creates its head and tail sentinels
// with every level linked to each other.
func (s *IndexService) CreateIndex(name string, unique bool) (*pagemanager.CollectionIndex, error) {
	col, err := s.collectionPage()
	if err != nil {
		return nil, err
	}
	ci, err := col.InsertCollectionIndex(name, unique)
	if err != nil {
		return nil, err
	}

	length := pagemanager.GetNodeLength(common.MaxLevelLength, value.MinValue()) +
		pagemanager.GetNodeLength(common.MaxLevelLength, value.MaxValue())
	page, err := s.snapshot.GetFreeIndexPage(length, ci)
	if err != nil {
		return nil, err
	}
	head, err := page.InsertIndexNode(ci.Slot, common.MaxLevelLength, value.MinValue(), pagemanager.EmptyAddress)
	if err != nil {
		return nil, err
	}
	tail, err := page.InsertIndexNode(ci.Slot, common.MaxLevelLength, value.MaxValue(), pagemanager.EmptyAddress)
	if err != nil {
		return nil, err
	}
	for level := range common.MaxLevelLength {
		head.SetNext(level, tail.Position())
		tail.SetPrev(level, head.Position())
	}
	ci.SetSentinels(head.Position(), tail.Position())
	ci.SetMaxLevel(1)

	if err := s.snapshot.AddOrRemoveFreeIndexList(page, ci); err != nil {
		return nil, err
	}
	return ci, nil
}

// GetNode resolves a node address.
func (s *IndexService) GetNode(addr pagemanager.PageAddress) (*pagemanager.IndexNode, error) {
	page, err := s.snapshot.GetIndexPage(addr.PageID)
	if err != nil {
		return nil, err
	}
	return page.GetIndexNode(addr.Index)
}

// flip draws a level count: each extra level has probability 1/2.
func (s *IndexService) flip() uint8 {
	levels := uint8(1)
	for r := s.rnd.Uint64(); r&1 == 1 && levels < common.MaxLevelLength; r >>= 1 {
		levels++
	}
	return levels
}

// AddNode inserts key pointing at dataBlock. When last is set the new node
// is appended to last's document chain. Equal keys are placed after the
// existing ones; a unique index rejects them with ErrDuplicateKey.
func (s *IndexService) AddNode(ci *pagemanager.CollectionIndex, key value.Value, dataBlock pagemanager.PageAddress, last *pagemanager.IndexNode) (*pagemanager.IndexNode, error) {
	if key.IsMinValue() || key.IsMaxValue() {
		return nil, fmt.Errorf("%w: %s is reserved for sentinels", common.ErrInvalidKey, key)
	}
	return s.addNode(ci, key, dataBlock, s.flip(), last)
}

func (s *IndexService) addNode(ci *pagemanager.CollectionIndex, key value.Value, dataBlock pagemanager.PageAddress, levels uint8, last *pagemanager.IndexNode) (*pagemanager.IndexNode, error) {
	length := pagemanager.GetNodeLength(levels, key)
	if length > pagemanager.MaxIndexNodeLength {
		return nil, fmt.Errorf("%w: node of %d bytes", common.ErrIndexKeyTooLong, length)
	}
	if levels > ci.MaxLevel() {
		ci.SetMaxLevel(levels)
	}

	page, err := s.snapshot.GetFreeIndexPage(length, ci)
	if err != nil {
		return nil, err
	}
	node, err := page.InsertIndexNode(ci.Slot, levels, key, dataBlock)
	if err != nil {
		return nil, err
	}

	cur, err := s.GetNode(ci.Head)
	if err != nil {
		return nil, err
	}
	for level := int(ci.MaxLevel()) - 1; level >= 0; level-- {
		for addr := cur.Next(level); !addr.IsEmpty(); addr = cur.Next(level) {
			next, err := s.GetNode(addr)
			if err != nil {
				return nil, err
			}
			diff := next.Key().Compare(key, s.collation)
			if diff == 0 && ci.Unique {
				return nil, fmt.Errorf("%w: index %s key %s", common.ErrDuplicateKey, ci.Name, key)
			}
			if diff > 0 {
				break
			}
			cur = next
		}
		if level >= int(levels) {
			continue
		}
		next, err := s.GetNode(cur.Next(level))
		if err != nil {
			return nil, err
		}
		node.SetPrev(level, cur.Position())
		node.SetNext(level, next.Position())
		next.SetPrev(level, node.Position())
		cur.SetNext(level, node.Position())
	}

	if last != nil {
		if !last.NextNode().IsEmpty() {
			return nil, fmt.Errorf("%w: node %s already has a next node", common.ErrCorruptedPage, last.Position())
		}
		last.SetNextNode(node.Position())
	}
	if err := s.snapshot.AddOrRemoveFreeIndexList(page, ci); err != nil {
		return nil, err
	}
	return node, nil
}

// GetNodeList walks a document chain starting at its primary key node.
func (s *IndexService) GetNodeList(first pagemanager.PageAddress) iter.Seq2[*pagemanager.IndexNode, error] {
	return func(yield func(*pagemanager.IndexNode, error) bool) {
		for addr := first; !addr.IsEmpty(); {
			node, err := s.GetNode(addr)
			if !yield(node, err) || err != nil {
				return
			}
			addr = node.NextNode()
		}
	}
}

// DeleteAll removes every index node of one document.
func (s *IndexService) DeleteAll(pkAddress pagemanager.PageAddress) error {
	col, err := s.collectionPage()
	if err != nil {
		return err
	}
	// the next address is read before the node is removed from its page
	for addr := pkAddress; !addr.IsEmpty(); {
		node, err := s.GetNode(addr)
		if err != nil {
			return err
		}
		addr = node.NextNode()
		if err := s.deleteNode(col, node); err != nil {
			return err
		}
	}
	return nil
}

// DeleteList removes the nodes listed in toDelete from a document chain
// and returns the last node kept.
func (s *IndexService) DeleteList(pkAddress pagemanager.PageAddress, toDelete map[pagemanager.PageAddress]struct{}) (*pagemanager.IndexNode, error) {
	col, err := s.collectionPage()
	if err != nil {
		return nil, err
	}
	last, err := s.GetNode(pkAddress)
	if err != nil {
		return nil, err
	}
	for addr := last.NextNode(); !addr.IsEmpty(); {
		node, err := s.GetNode(addr)
		if err != nil {
			return nil, err
		}
		addr = node.NextNode()
		if _, ok := toDelete[node.Position()]; !ok {
			last = node
			continue
		}
		last.SetNextNode(node.NextNode())
		if err := s.deleteNode(col, node); err != nil {
			return nil, err
		}
	}
	return last, nil
}

// deleteNode unlinks node at each of its levels and frees its segment.
func (s *IndexService) deleteNode(col *pagemanager.CollectionPage, node *pagemanager.IndexNode) error {
	ci, ok := col.GetCollectionIndexBySlot(node.Slot())
	if !ok {
		return fmt.Errorf("%w: node %s belongs to unknown index slot %d", common.ErrCorruptedPage, node.Position(), node.Slot())
	}
	for level := range int(node.Levels()) {
		prev, err := s.GetNode(node.Prev(level))
		if err != nil {
			return err
		}
		next, err := s.GetNode(node.Next(level))
		if err != nil {
			return err
		}
		prev.SetNext(level, next.Position())
		next.SetPrev(level, prev.Position())
	}
	page := node.Page()
	if err := page.DeleteIndexNode(node.Position().Index); err != nil {
		return err
	}
	return s.snapshot.AddOrRemoveFreeIndexList(page, ci)
}

// DropIndex removes every node of ci from the document chains, then its
// sentinels and definition. The primary key cannot be dropped.
func (s *IndexService) DropIndex(ci *pagemanager.CollectionIndex) error {
	col, err := s.collectionPage()
	if err != nil {
		return err
	}
	if ci.Slot == 0 {
		return fmt.Errorf("%w: primary key index cannot be dropped", common.ErrInvalidIndexName)
	}
	pk := col.PK()

	var chains []pagemanager.PageAddress
	for node, err := range s.FindAll(pk, common.Ascending) {
		if err != nil {
			return err
		}
		chains = append(chains, node.Position())
	}
	for _, first := range chains {
		toDelete := make(map[pagemanager.PageAddress]struct{})
		for node, err := range s.GetNodeList(first) {
			if err != nil {
				return err
			}
			if node.Slot() == ci.Slot {
				toDelete[node.Position()] = struct{}{}
			}
		}
		if len(toDelete) == 0 {
			continue
		}
		if _, err := s.DeleteList(first, toDelete); err != nil {
			return err
		}
	}

	// sentinels are linked only to each other now
	for _, addr := range []pagemanager.PageAddress{ci.Head, ci.Tail} {
		page, err := s.snapshot.GetIndexPage(addr.PageID)
		if err != nil {
			return err
		}
		if err := page.DeleteIndexNode(addr.Index); err != nil {
			return err
		}
		if err := s.snapshot.AddOrRemoveFreeIndexList(page, ci); err != nil {
			return err
		}
	}
	return col.DeleteCollectionIndex(ci.Name)
}

// Find descends from the top level towards key. It returns a node equal to
// key, or with sibling the first node past key in order, or nil.
func (s *IndexService) Find(ci *pagemanager.CollectionIndex, key value.Value, sibling bool, order common.Order) (*pagemanager.IndexNode, error) {
	start := ci.Head
	if order == common.Descending {
		start = ci.Tail
	}
	cur, err := s.GetNode(start)
	if err != nil {
		return nil, err
	}
	for level := int(ci.MaxLevel()) - 1; level >= 0; level-- {
		for addr := cur.GetNextPrev(level, order); !addr.IsEmpty(); addr = cur.GetNextPrev(level, order) {
			next, err := s.GetNode(addr)
			if err != nil {
				return nil, err
			}
			diff := next.Key().Compare(key, s.collation)
			if diff == int(order) {
				if level == 0 && sibling {
					if next.IsHead() || next.IsTail() {
						return nil, nil
					}
					return next, nil
				}
				break
			}
			if diff == 0 {
				return next, nil
			}
			cur = next
		}
	}
	return nil, nil
}

// FindAll yields every node of ci at level 0 in order, sentinels excluded.
func (s *IndexService) FindAll(ci *pagemanager.CollectionIndex, order common.Order) iter.Seq2[*pagemanager.IndexNode, error] {
	return func(yield func(*pagemanager.IndexNode, error) bool) {
		start := ci.Head
		if order == common.Descending {
			start = ci.Tail
		}
		cur, err := s.GetNode(start)
		if err != nil {
			yield(nil, err)
			return
		}
		for {
			addr := cur.GetNextPrev(0, order)
			if addr.IsEmpty() {
				return
			}
			if cur, err = s.GetNode(addr); err != nil {
				yield(nil, err)
				return
			}
			if cur.IsHead() || cur.IsTail() {
				return
			}
			if !yield(cur, nil) {
				return
			}
		}
	}
}

// Count returns the number of keys in ci.
func (s *IndexService) Count(ci *pagemanager.CollectionIndex) (int, error) {
	n := 0
	for _, err := range s.FindAll(ci, common.Ascending) {
		if err != nil {
			return 0, err
		}
		n++
	}
	return n, nil
}

// IndexPages lists every page holding nodes of any index of the
// collection, sentinels included.
func (s *IndexService) IndexPages() ([]uint32, error) {
	col, err := s.collectionPage()
	if err != nil {
		return nil, err
	}
	seen := make(map[uint32]struct{})
	var out []uint32
	add := func(id uint32) {
		if _, ok := seen[id]; !ok {
			seen[id] = struct{}{}
			out = append(out, id)
		}
	}
	for _, ci := range col.GetCollectionIndexes() {
		add(ci.Head.PageID)
		add(ci.Tail.PageID)
		for node, err := range s.FindAll(ci, common.Ascending) {
			if err != nil {
				return nil, err
			}
			add(node.Position().PageID)
		}
	}
	return out, nil
}
