package extsort

import (
	"container/heap"
	"context"
	"fmt"
	"iter"

	"github.com/sushant-115/gojolite/core/storage_engine/common"
	"github.com/sushant-115/gojolite/core/value"
	internaltelemetry "github.com/sushant-115/gojolite/internal/telemetry"
	"go.uber.org/zap"
)

// SortService runs one external sort. It is not safe for concurrent use.
type SortService struct {
	logger    *zap.Logger
	metrics   *internaltelemetry.StorageMetrics
	disk      *SortDisk
	collation *value.Collation
	order     common.Order

	containers []*SortContainer
}

func NewSortService(disk *SortDisk, order common.Order, collation *value.Collation, logger *zap.Logger, metrics *internaltelemetry.StorageMetrics) *SortService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if metrics == nil {
		metrics = internaltelemetry.Noop()
	}
	if collation == nil {
		collation = value.MustParseCollation(value.DefaultCollation)
	}
	return &SortService{
		logger:    logger.Named("sort"),
		metrics:   metrics,
		disk:      disk,
		collation: collation,
		order:     order,
	}
}

// Containers lists the sorted runs built by Insert.
func (s *SortService) Containers() []*SortContainer { return s.containers }

// Insert buffers items into runs of at most one container size each. Only
// the run being filled is held in memory: a full run is sorted and spilled
// to the sort file before the next one starts. A lone run never touches
// the disk.
func (s *SortService) Insert(ctx context.Context, items iter.Seq[SortItem]) error {
	limit := s.disk.ContainerSize()
	var (
		buffer  []SortItem
		used    int
		spilled int
	)
	flush := func(spill bool) error {
		c := newSortContainer(buffer, s.collation, int(s.order))
		c.seq = len(s.containers)
		buffer, used = nil, 0
		if spill {
			if err := c.spill(s.disk); err != nil {
				return err
			}
			spilled++
		}
		s.containers = append(s.containers, c)
		return nil
	}

	for item := range items {
		if err := ctx.Err(); err != nil {
			return err
		}
		n := item.Length()
		if used+n > limit {
			if len(buffer) == 0 {
				return fmt.Errorf("%w: item of %d bytes exceeds container of %d", common.ErrSortContainerSize, n, limit)
			}
			if err := flush(true); err != nil {
				return err
			}
		}
		buffer = append(buffer, item)
		used += n
	}
	if len(buffer) > 0 || len(s.containers) == 0 {
		if err := flush(len(s.containers) > 0); err != nil {
			return err
		}
	}

	if spilled > 0 {
		s.metrics.SortContainersCounter.Add(ctx, int64(spilled))
		s.logger.Debug("sort spilled", zap.Int("containers", spilled))
	}
	return nil
}

// Sort yields every inserted item in order. With a single run the items
// come straight from memory; otherwise the runs are merged through a heap
// keyed by each run's current item.
func (s *SortService) Sort() iter.Seq2[SortItem, error] {
	return func(yield func(SortItem, error) bool) {
		h := &runHeap{collation: s.collation, order: int(s.order)}
		defer func() {
			for _, c := range s.containers {
				c.close()
			}
		}()
		for _, c := range s.containers {
			c.open(s.disk)
			ok, err := c.next()
			if err != nil {
				yield(SortItem{}, err)
				return
			}
			if ok {
				h.runs = append(h.runs, c)
			}
		}
		heap.Init(h)

		for h.Len() > 0 {
			c := h.runs[0]
			if !yield(c.Current(), nil) {
				return
			}
			ok, err := c.next()
			if err != nil {
				yield(SortItem{}, err)
				return
			}
			if ok {
				heap.Fix(h, 0)
			} else {
				heap.Pop(h)
			}
		}
	}
}

// Close returns the spilled regions to the sort disk.
func (s *SortService) Close() {
	for _, c := range s.containers {
		c.close()
		if pos, ok := c.Position(); ok {
			s.disk.Return(pos)
		}
	}
	s.containers = nil
}

// runHeap orders runs by their current item. Ties go to the earlier run so
// equal keys keep insertion order.
type runHeap struct {
	runs      []*SortContainer
	collation *value.Collation
	order     int
}

func (h *runHeap) Len() int { return len(h.runs) }

func (h *runHeap) Less(i, j int) bool {
	a, b := h.runs[i], h.runs[j]
	if diff := a.Current().Key.Compare(b.Current().Key, h.collation) * h.order; diff != 0 {
		return diff < 0
	}
	return a.seq < b.seq
}

func (h *runHeap) Swap(i, j int) { h.runs[i], h.runs[j] = h.runs[j], h.runs[i] }

func (h *runHeap) Push(x any) { h.runs = append(h.runs, x.(*SortContainer)) }

func (h *runHeap) Pop() any {
	n := len(h.runs)
	c := h.runs[n-1]
	h.runs = h.runs[:n-1]
	return c
}
