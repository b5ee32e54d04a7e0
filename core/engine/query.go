package engine

import (
	"context"
	"iter"

	"github.com/sushant-115/gojolite/core/indexing/skiplist"
	"github.com/sushant-115/gojolite/core/storage_engine/common"
	"github.com/sushant-115/gojolite/core/storage_engine/extsort"
	"go.uber.org/zap"
)

// SortItem is a key with the address it came from.
type SortItem = extsort.SortItem

func (e *Engine) orderBy(ctx context.Context, items iter.Seq[SortItem], order common.Order) iter.Seq2[SortItem, error] {
	return func(yield func(SortItem, error) bool) {
		st, err := e.current()
		if err != nil {
			yield(SortItem{}, err)
			return
		}
		dir := ""
		if !e.settings.MemoryStream {
			dir = extsort.TempDir(e.settings.Filename)
		}
		disk, err := extsort.NewSortDisk(extsort.TempFactory(dir), e.settings.SortContainerSize, e.logger)
		if err != nil {
			yield(SortItem{}, err)
			return
		}
		defer func() {
			if err := disk.Close(); err != nil {
				e.logger.Warn("close sort file", zap.Error(err))
			}
		}()

		sorter := extsort.NewSortService(disk, order, st.collation, e.logger, e.metrics)
		defer sorter.Close()
		if err := sorter.Insert(ctx, items); err != nil {
			yield(SortItem{}, err)
			return
		}
		for item, err := range sorter.Sort() {
			if !yield(item, err) || err != nil {
				return
			}
		}
	}
}

// QueryOrderBy runs q over index and yields the results ordered by the key
// sortKey extracts from each document.
func (e *Engine) QueryOrderBy(ctx context.Context, collection, index string, q skiplist.Query, sortKey KeyFunc, order common.Order) iter.Seq2[*Document, error] {
	return func(yield func(*Document, error) bool) {
		tx, err := e.BeginTrans(ctx)
		if err != nil {
			yield(nil, err)
			return
		}
		defer tx.Rollback()

		var failed error
		items := func(yieldItem func(SortItem) bool) {
			for res, err := range tx.Query(ctx, collection, index, q, common.Ascending) {
				if err != nil {
					failed = err
					return
				}
				doc, err := tx.Load(ctx, collection, res.Address)
				if err != nil {
					failed = err
					return
				}
				key, err := sortKey(doc.ID, doc.Payload)
				if err != nil {
					failed = err
					return
				}
				if !yieldItem(SortItem{Key: key, Address: res.Address}) {
					return
				}
			}
		}

		for item, err := range e.orderBy(ctx, items, order) {
			if err == nil {
				err = failed
			}
			if err != nil {
				yield(nil, err)
				return
			}
			doc, err := tx.Load(ctx, collection, item.Address)
			if !yield(doc, err) || err != nil {
				return
			}
		}
		if failed != nil {
			yield(nil, failed)
		}
	}
}
