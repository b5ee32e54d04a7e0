package engine

import (
	"context"
	"fmt"

	"github.com/sushant-115/gojolite/core/storage_engine/common"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

// Backup checkpoints and copies the data file to dest at no more than
// bytesPerSec (unlimited when <= 0). Writers wait until the copy ends. It
// returns the sha256 of the copy.
func (e *Engine) Backup(ctx context.Context, dest string, bytesPerSec int64) ([]byte, error) {
	st, err := e.current()
	if err != nil {
		return nil, err
	}
	if e.settings.MemoryStream {
		return nil, fmt.Errorf("backup: in-memory database has no data file")
	}
	ctx, span := e.tracer.Start(ctx, "engine.Backup")
	defer span.End()

	if err := e.locker.EnterExclusive(ctx); err != nil {
		return nil, err
	}
	defer e.locker.ExitExclusive()

	if !e.settings.ReadOnly {
		if _, err := st.monitor.CheckpointLocked(ctx); err != nil {
			return nil, err
		}
	}
	sum, err := common.CopyThrottled(ctx, e.settings.Filename, dest, bytesPerSec, true)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "backup failed")
		return nil, fmt.Errorf("backup to %s: %w", dest, err)
	}
	span.SetAttributes(attribute.Int64("gojolite.bytes", st.dataLength()))
	e.logger.Info("backup written", zap.String("dest", dest), zap.Int64("bytes", st.dataLength()))
	return sum, nil
}
