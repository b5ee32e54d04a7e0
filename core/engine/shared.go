package engine

import (
	"context"
	"errors"
	"sync"

	"github.com/sushant-115/gojolite/core/indexing/skiplist"
	"github.com/sushant-115/gojolite/core/storage_engine/common"
	"github.com/sushant-115/gojolite/core/value"
	"github.com/sushant-115/gojolite/pkg/telemetry"
	"go.uber.org/zap"
)

// SharedEngine lets several processes use one data file. Every operation
// takes the file lock, opens the engine, runs and closes it again.
type SharedEngine struct {
	settings Settings
	logger   *zap.Logger
	tel      *telemetry.Telemetry
	lock     *common.FileLock

	mu sync.Mutex
}

// OpenShared validates s and opens the file once to create or check it.
func OpenShared(ctx context.Context, s Settings, logger *zap.Logger, tel *telemetry.Telemetry) (*SharedEngine, error) {
	s = s.withDefaults()
	s.Connection = ConnectionShared
	if err := s.validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	se := &SharedEngine{
		settings: s,
		logger:   logger.Named("shared"),
		tel:      tel,
		lock:     common.NewFileLock(s.Filename + ".lock"),
	}
	if err := se.Do(ctx, func(context.Context, *Engine) error { return nil }); err != nil {
		return nil, err
	}
	return se, nil
}

// Do runs fn against an engine opened for this call only. fn must not keep
// the engine or anything read lazily from it.
func (s *SharedEngine) Do(ctx context.Context, fn func(ctx context.Context, e *Engine) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	lockCtx, cancel := context.WithTimeout(ctx, s.settings.Timeout)
	defer cancel()
	if err := s.lock.Lock(lockCtx, s.settings.ReadOnly); err != nil {
		return err
	}
	defer func() {
		if err := s.lock.Unlock(); err != nil {
			s.logger.Warn("release file lock", zap.Error(err))
		}
	}()

	e, err := open(ctx, s.settings, s.logger, s.tel, false)
	if err != nil {
		return err
	}
	ferr := fn(ctx, e)
	return errors.Join(ferr, e.Close(ctx))
}

func sharedCall[T any](ctx context.Context, s *SharedEngine, fn func(*Engine) (T, error)) (T, error) {
	var out T
	err := s.Do(ctx, func(_ context.Context, e *Engine) error {
		var err error
		out, err = fn(e)
		return err
	})
	return out, err
}

func (s *SharedEngine) Insert(ctx context.Context, collection string, docs ...Document) ([]value.Value, error) {
	return sharedCall(ctx, s, func(e *Engine) ([]value.Value, error) { return e.Insert(ctx, collection, docs...) })
}

func (s *SharedEngine) Update(ctx context.Context, collection string, docs ...Document) (int, error) {
	return sharedCall(ctx, s, func(e *Engine) (int, error) { return e.Update(ctx, collection, docs...) })
}

func (s *SharedEngine) Upsert(ctx context.Context, collection string, docs ...Document) (int, error) {
	return sharedCall(ctx, s, func(e *Engine) (int, error) { return e.Upsert(ctx, collection, docs...) })
}

func (s *SharedEngine) Delete(ctx context.Context, collection string, ids ...value.Value) (int, error) {
	return sharedCall(ctx, s, func(e *Engine) (int, error) { return e.Delete(ctx, collection, ids...) })
}

func (s *SharedEngine) FindByID(ctx context.Context, collection string, id value.Value) (*Document, error) {
	return sharedCall(ctx, s, func(e *Engine) (*Document, error) { return e.FindByID(ctx, collection, id) })
}

func (s *SharedEngine) Count(ctx context.Context, collection string) (int, error) {
	return sharedCall(ctx, s, func(e *Engine) (int, error) { return e.Count(ctx, collection) })
}

// Find collects every match, since the engine closes when the call returns.
func (s *SharedEngine) Find(ctx context.Context, collection, index string, q skiplist.Query, order common.Order) ([]*Document, error) {
	return sharedCall(ctx, s, func(e *Engine) ([]*Document, error) {
		var docs []*Document
		for doc, err := range e.Find(ctx, collection, index, q, order) {
			if err != nil {
				return nil, err
			}
			docs = append(docs, doc)
		}
		return docs, nil
	})
}

func (s *SharedEngine) EnsureIndex(ctx context.Context, collection, name string, unique bool, keyFn KeyFunc) (bool, error) {
	return sharedCall(ctx, s, func(e *Engine) (bool, error) { return e.EnsureIndex(ctx, collection, name, unique, keyFn) })
}

func (s *SharedEngine) GetCollectionNames(ctx context.Context) ([]string, error) {
	return sharedCall(ctx, s, func(e *Engine) ([]string, error) { return e.GetCollectionNames() })
}
