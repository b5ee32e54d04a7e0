package engine

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"strings"

	"github.com/sushant-115/gojolite/core/indexing/skiplist"
	"github.com/sushant-115/gojolite/core/storage_engine/common"
	"github.com/sushant-115/gojolite/core/storage_engine/data"
	"github.com/sushant-115/gojolite/core/transaction"
	"github.com/sushant-115/gojolite/core/value"
	pagemanager "github.com/sushant-115/gojolite/core/write_engine/page_manager"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Transaction is an explicit transaction. Any failed write rolls it back
// before the error is returned; later calls then fail with
// ErrTransactionNotActive.
type Transaction struct {
	store  *store
	tracer trace.Tracer
	tx     *transaction.TransactionService
}

func (t *Transaction) ID() uint32 { return t.tx.ID() }

func (t *Transaction) State() transaction.TransactionState { return t.tx.State() }

// Commit makes every change durable.
func (t *Transaction) Commit(ctx context.Context) error {
	_, span := t.tracer.Start(ctx, "engine.Commit", trace.WithAttributes(
		attribute.Int64("gojolite.tx_id", int64(t.tx.ID())),
		attribute.Int("gojolite.new_pages", len(t.tx.Pages().NewPages)),
	))
	defer span.End()
	if err := t.tx.Commit(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "commit failed")
		return err
	}
	return nil
}

// Rollback discards every change.
func (t *Transaction) Rollback() error { return t.tx.Rollback() }

// fail rolls the transaction back and returns err.
func (t *Transaction) fail(err error) error {
	if t.tx.State() == transaction.TxnStateActive {
		if rerr := t.tx.Rollback(); rerr != nil {
			t.store.logger.Error("rollback after failed write", zap.Uint32("txID", t.tx.ID()), zap.Error(rerr))
		}
	}
	return err
}

type collectionView struct {
	snap    *transaction.Snapshot
	indexes *skiplist.IndexService
	data    *data.DataService
}

func (v collectionView) exists() bool { return v.snap.CollectionPage() != nil }

func (v collectionView) pk() *pagemanager.CollectionIndex { return v.snap.CollectionPage().PK() }

func (t *Transaction) view(ctx context.Context, mode transaction.LockMode, collection string) (collectionView, error) {
	if err := checkName(collection, common.ErrInvalidCollectionName); err != nil {
		return collectionView{}, err
	}
	snap, err := t.tx.CreateSnapshot(ctx, mode, collection)
	if err != nil {
		return collectionView{}, err
	}
	return collectionView{
		snap:    snap,
		indexes: skiplist.NewIndexService(snap, t.store.collation, nil),
		data:    data.NewDataService(snap),
	}, nil
}

// writeView returns a write view of collection, creating the collection
// with its primary key when it is missing and create is set.
func (t *Transaction) writeView(ctx context.Context, collection string, create bool) (collectionView, error) {
	v, err := t.view(ctx, transaction.LockWrite, collection)
	if err != nil {
		return v, err
	}
	if v.exists() || !create {
		return v, nil
	}
	if _, err := v.snap.CreateCollection(); err != nil {
		return v, err
	}
	if _, err := v.indexes.CreateIndex(pagemanager.PrimaryKeyIndex, true); err != nil {
		return v, err
	}
	t.store.logger.Debug("collection created", zap.String("collection", collection))
	return v, nil
}

// Insert stores docs and returns their ids.
func (t *Transaction) Insert(ctx context.Context, collection string, docs ...Document) ([]value.Value, error) {
	v, err := t.writeView(ctx, collection, true)
	if err != nil {
		return nil, t.fail(err)
	}
	ids := make([]value.Value, 0, len(docs))
	for _, doc := range docs {
		id, err := checkID(doc.ID)
		if err != nil {
			return nil, t.fail(err)
		}
		if err := t.insertRecord(v, id, encodeRecord(id, doc.Payload), doc.Keys); err != nil {
			return nil, t.fail(fmt.Errorf("insert %s into %s: %w", id, collection, err))
		}
		ids = append(ids, id)
		if err := t.tx.Safepoint(); err != nil {
			return nil, t.fail(err)
		}
	}
	return ids, nil
}

func (t *Transaction) insertRecord(v collectionView, id value.Value, record []byte, keys map[string]value.Value) error {
	addr, err := v.data.Insert(record)
	if err != nil {
		return err
	}
	last, err := v.indexes.AddNode(v.pk(), id, addr, nil)
	if err != nil {
		return err
	}
	for _, ci := range v.snap.CollectionPage().GetCollectionIndexes()[1:] {
		if last, err = v.indexes.AddNode(ci, keyFor(keys, ci.Name), addr, last); err != nil {
			return fmt.Errorf("index %s: %w", ci.Name, err)
		}
	}
	return nil
}

func keyFor(keys map[string]value.Value, name string) value.Value {
	if k, ok := keys[name]; ok {
		return k
	}
	for n, k := range keys {
		if strings.EqualFold(n, name) {
			return k
		}
	}
	return value.Null()
}

// Update replaces the payload and keys of documents that exist and returns
// how many were found.
func (t *Transaction) Update(ctx context.Context, collection string, docs ...Document) (int, error) {
	v, err := t.writeView(ctx, collection, false)
	if err != nil {
		return 0, t.fail(err)
	}
	if !v.exists() {
		return 0, nil
	}
	n := 0
	for _, doc := range docs {
		found, err := t.updateDocument(v, doc)
		if err != nil {
			return n, t.fail(fmt.Errorf("update %s in %s: %w", doc.ID, collection, err))
		}
		if found {
			n++
		}
		if err := t.tx.Safepoint(); err != nil {
			return n, t.fail(err)
		}
	}
	return n, nil
}

func (t *Transaction) updateDocument(v collectionView, doc Document) (bool, error) {
	if doc.ID.IsNull() {
		return false, fmt.Errorf("%w: update needs an id", common.ErrInvalidDocumentID)
	}
	pkNode, err := v.indexes.Find(v.pk(), doc.ID, false, common.Ascending)
	if err != nil || pkNode == nil {
		return false, err
	}
	pkAddr, dataBlock := pkNode.Position(), pkNode.DataBlock()
	if err := v.data.Update(dataBlock, encodeRecord(doc.ID, doc.Payload)); err != nil {
		return false, err
	}

	col := v.snap.CollectionPage()
	stale := make(map[pagemanager.PageAddress]struct{})
	current := make(map[uint8]struct{})
	for node, err := range v.indexes.GetNodeList(pkAddr) {
		if err != nil {
			return false, err
		}
		if node.Slot() == 0 {
			continue
		}
		ci, ok := col.GetCollectionIndexBySlot(node.Slot())
		if ok && node.Key().Equal(keyFor(doc.Keys, ci.Name)) {
			current[node.Slot()] = struct{}{}
			continue
		}
		stale[node.Position()] = struct{}{}
	}
	last, err := v.indexes.DeleteList(pkAddr, stale)
	if err != nil {
		return false, err
	}
	for _, ci := range col.GetCollectionIndexes()[1:] {
		if _, ok := current[ci.Slot]; ok {
			continue
		}
		if last, err = v.indexes.AddNode(ci, keyFor(doc.Keys, ci.Name), dataBlock, last); err != nil {
			return false, fmt.Errorf("index %s: %w", ci.Name, err)
		}
	}
	return true, nil
}

// Upsert updates documents that exist and inserts the others. It returns
// the number of inserted documents.
func (t *Transaction) Upsert(ctx context.Context, collection string, docs ...Document) (int, error) {
	v, err := t.writeView(ctx, collection, true)
	if err != nil {
		return 0, t.fail(err)
	}
	inserted := 0
	for _, doc := range docs {
		found := false
		if !doc.ID.IsNull() {
			if found, err = t.updateDocument(v, doc); err != nil {
				return inserted, t.fail(fmt.Errorf("upsert %s in %s: %w", doc.ID, collection, err))
			}
		}
		if !found {
			id, err := checkID(doc.ID)
			if err != nil {
				return inserted, t.fail(err)
			}
			if err := t.insertRecord(v, id, encodeRecord(id, doc.Payload), doc.Keys); err != nil {
				return inserted, t.fail(fmt.Errorf("upsert %s into %s: %w", id, collection, err))
			}
			inserted++
		}
		if err := t.tx.Safepoint(); err != nil {
			return inserted, t.fail(err)
		}
	}
	return inserted, nil
}

// Delete removes documents by id and returns how many existed.
func (t *Transaction) Delete(ctx context.Context, collection string, ids ...value.Value) (int, error) {
	v, err := t.writeView(ctx, collection, false)
	if err != nil {
		return 0, t.fail(err)
	}
	if !v.exists() {
		return 0, nil
	}
	n := 0
	for _, id := range ids {
		pkNode, err := v.indexes.Find(v.pk(), id, false, common.Ascending)
		if err != nil {
			return n, t.fail(err)
		}
		if pkNode == nil {
			continue
		}
		dataBlock := pkNode.DataBlock()
		if err := v.indexes.DeleteAll(pkNode.Position()); err != nil {
			return n, t.fail(err)
		}
		if err := v.data.Delete(dataBlock); err != nil {
			return n, t.fail(err)
		}
		n++
		if err := t.tx.Safepoint(); err != nil {
			return n, t.fail(err)
		}
	}
	return n, nil
}

// FindByID returns the document with id, its secondary keys included.
func (t *Transaction) FindByID(ctx context.Context, collection string, id value.Value) (*Document, error) {
	v, err := t.view(ctx, transaction.LockRead, collection)
	if err != nil {
		return nil, err
	}
	if !v.exists() {
		return nil, fmt.Errorf("%w: %s", common.ErrCollectionNotFound, collection)
	}
	pkNode, err := v.indexes.Find(v.pk(), id, false, common.Ascending)
	if err != nil {
		return nil, err
	}
	if pkNode == nil {
		return nil, fmt.Errorf("%w: %s in %s", common.ErrDocumentNotFound, id, collection)
	}
	doc, err := t.load(v, pkNode.DataBlock())
	if err != nil {
		return nil, err
	}
	doc.Keys, err = t.documentKeys(v, pkNode.Position())
	return doc, err
}

func (t *Transaction) documentKeys(v collectionView, pkAddr pagemanager.PageAddress) (map[string]value.Value, error) {
	col := v.snap.CollectionPage()
	keys := make(map[string]value.Value)
	for node, err := range v.indexes.GetNodeList(pkAddr) {
		if err != nil {
			return nil, err
		}
		if node.Slot() == 0 {
			continue
		}
		if ci, ok := col.GetCollectionIndexBySlot(node.Slot()); ok {
			keys[ci.Name] = node.Key()
		}
	}
	return keys, nil
}

// Load reads the document stored at addr. Keys are not filled in.
func (t *Transaction) Load(ctx context.Context, collection string, addr pagemanager.PageAddress) (*Document, error) {
	v, err := t.view(ctx, transaction.LockRead, collection)
	if err != nil {
		return nil, err
	}
	if !v.exists() {
		return nil, fmt.Errorf("%w: %s", common.ErrCollectionNotFound, collection)
	}
	return t.load(v, addr)
}

func (t *Transaction) load(v collectionView, addr pagemanager.PageAddress) (*Document, error) {
	record, err := v.data.Read(addr)
	if err != nil {
		return nil, err
	}
	id, payload, err := decodeRecord(record)
	if err != nil {
		return nil, err
	}
	return &Document{ID: id, Payload: payload}, nil
}

// Query runs q over the named index. A missing collection yields nothing.
func (t *Transaction) Query(ctx context.Context, collection, index string, q skiplist.Query, order common.Order) iter.Seq2[Result, error] {
	return func(yield func(Result, error) bool) {
		v, err := t.view(ctx, transaction.LockRead, collection)
		if err != nil {
			yield(Result{}, err)
			return
		}
		if !v.exists() {
			return
		}
		ci, ok := v.snap.CollectionPage().GetCollectionIndex(index)
		if !ok {
			yield(Result{}, fmt.Errorf("%w: %s.%s", common.ErrIndexNotFound, collection, index))
			return
		}
		for node, err := range q.Run(v.indexes, ci, order) {
			if err != nil {
				yield(Result{}, err)
				return
			}
			if !yield(Result{Key: node.Key(), Address: node.DataBlock()}, nil) {
				return
			}
		}
	}
}

// Find runs q and loads each matching document.
func (t *Transaction) Find(ctx context.Context, collection, index string, q skiplist.Query, order common.Order) iter.Seq2[*Document, error] {
	return func(yield func(*Document, error) bool) {
		v, err := t.view(ctx, transaction.LockRead, collection)
		if err != nil {
			yield(nil, err)
			return
		}
		for res, err := range t.Query(ctx, collection, index, q, order) {
			if err != nil {
				yield(nil, err)
				return
			}
			doc, err := t.load(v, res.Address)
			if !yield(doc, err) || err != nil {
				return
			}
		}
	}
}

// Count returns the number of documents in collection.
func (t *Transaction) Count(ctx context.Context, collection string) (int, error) {
	v, err := t.view(ctx, transaction.LockRead, collection)
	if err != nil {
		return 0, err
	}
	if !v.exists() {
		return 0, nil
	}
	return v.indexes.Count(v.pk())
}

// EnsureIndex creates an index unless one with the same name exists. Keys
// of documents already stored come from keyFn, or are null without it. It
// reports whether the index was created.
func (t *Transaction) EnsureIndex(ctx context.Context, collection, name string, unique bool, keyFn KeyFunc) (bool, error) {
	if err := checkName(name, common.ErrInvalidIndexName); err != nil {
		return false, err
	}
	v, err := t.writeView(ctx, collection, true)
	if err != nil {
		return false, t.fail(err)
	}
	if ci, ok := v.snap.CollectionPage().GetCollectionIndex(name); ok {
		if ci.Unique != unique {
			return false, t.fail(fmt.Errorf("%w: %s.%s with unique=%t", common.ErrIndexAlreadyExists, collection, name, ci.Unique))
		}
		return false, nil
	}
	ci, err := v.indexes.CreateIndex(name, unique)
	if err != nil {
		return false, t.fail(err)
	}

	type entry struct {
		pkAddr, dataBlock pagemanager.PageAddress
	}
	var entries []entry
	for node, err := range v.indexes.FindAll(v.pk(), common.Ascending) {
		if err != nil {
			return false, t.fail(err)
		}
		entries = append(entries, entry{node.Position(), node.DataBlock()})
	}
	for _, e := range entries {
		key := value.Null()
		if keyFn != nil {
			doc, err := t.load(v, e.dataBlock)
			if err != nil {
				return false, t.fail(err)
			}
			if key, err = keyFn(doc.ID, doc.Payload); err != nil {
				return false, t.fail(fmt.Errorf("index %s key of %s: %w", name, doc.ID, err))
			}
		}
		var last *pagemanager.IndexNode
		for node, err := range v.indexes.GetNodeList(e.pkAddr) {
			if err != nil {
				return false, t.fail(err)
			}
			last = node
		}
		if _, err := v.indexes.AddNode(ci, key, e.dataBlock, last); err != nil {
			return false, t.fail(fmt.Errorf("index %s: %w", name, err))
		}
		if err := t.tx.Safepoint(); err != nil {
			return false, t.fail(err)
		}
	}
	t.store.logger.Info("index created",
		zap.String("collection", collection), zap.String("index", name),
		zap.Bool("unique", unique), zap.Int("keys", len(entries)))
	return true, nil
}

// DropIndex removes a secondary index and reports whether it existed.
func (t *Transaction) DropIndex(ctx context.Context, collection, name string) (bool, error) {
	v, err := t.writeView(ctx, collection, false)
	if err != nil {
		return false, t.fail(err)
	}
	if !v.exists() {
		return false, nil
	}
	ci, ok := v.snap.CollectionPage().GetCollectionIndex(name)
	if !ok {
		return false, nil
	}
	if err := v.indexes.DropIndex(ci); err != nil {
		return false, t.fail(err)
	}
	return true, nil
}

// DropCollection deletes a collection with all its pages and reports
// whether it existed.
func (t *Transaction) DropCollection(ctx context.Context, collection string) (bool, error) {
	v, err := t.writeView(ctx, collection, false)
	if err != nil {
		return false, t.fail(err)
	}
	if !v.exists() {
		return false, nil
	}
	pages, err := v.indexes.IndexPages()
	if err != nil {
		return false, t.fail(err)
	}
	if err := v.snap.DropCollection(pages, t.tx.Safepoint); err != nil {
		return false, t.fail(err)
	}
	return true, nil
}

// RenameCollection renames a collection and reports whether it existed.
func (t *Transaction) RenameCollection(ctx context.Context, collection, newName string) (bool, error) {
	if err := checkName(newName, common.ErrInvalidCollectionName); err != nil {
		return false, err
	}
	v, err := t.writeView(ctx, collection, false)
	if err != nil {
		return false, t.fail(err)
	}
	if !v.exists() {
		return false, nil
	}
	if err := v.snap.RenameCollection(newName); err != nil {
		if errors.Is(err, common.ErrCollectionExists) {
			return false, t.fail(err)
		}
		return false, t.fail(fmt.Errorf("rename %s: %w", collection, err))
	}
	return true, nil
}
