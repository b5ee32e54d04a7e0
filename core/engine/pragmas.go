package engine

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/sushant-115/gojolite/core/storage_engine/common"
	pagemanager "github.com/sushant-115/gojolite/core/write_engine/page_manager"
	"go.uber.org/zap"
)

// Pragma names stored in the header page.
const (
	PragmaUserVersion = "USER_VERSION"
	PragmaCollation   = "COLLATION"
	PragmaTimeout     = "TIMEOUT"
	PragmaLimitSize   = "LIMIT_SIZE"
	PragmaUTCDate     = "UTC_DATE"
	PragmaCheckpoint  = "CHECKPOINT"
)

// PragmaNames lists every pragma.
var PragmaNames = []string{PragmaUserVersion, PragmaCollation, PragmaTimeout, PragmaLimitSize, PragmaUTCDate, PragmaCheckpoint}

// Pragma returns the current value of a pragma, formatted as SetPragma
// accepts it.
func (e *Engine) Pragma(name string) (string, error) {
	st, err := e.current()
	if err != nil {
		return "", err
	}
	p := st.header.Pragmas()
	switch strings.ToUpper(name) {
	case PragmaUserVersion:
		return strconv.FormatInt(int64(p.UserVersion), 10), nil
	case PragmaCollation:
		return p.Collation, nil
	case PragmaTimeout:
		return p.Timeout.String(), nil
	case PragmaLimitSize:
		return strconv.FormatInt(p.LimitSize, 10), nil
	case PragmaUTCDate:
		return strconv.FormatBool(p.UTCDate), nil
	case PragmaCheckpoint:
		return strconv.Itoa(p.Checkpoint), nil
	}
	return "", fmt.Errorf("%w: %s", common.ErrUnknownPragma, name)
}

// parsePragma applies raw to p. COLLATION only changes through Rebuild.
func parsePragma(p *pagemanager.Pragmas, name, raw string) error {
	raw = strings.TrimSpace(raw)
	var err error
	switch strings.ToUpper(name) {
	case PragmaUserVersion:
		var v int64
		if v, err = strconv.ParseInt(raw, 10, 32); err == nil {
			p.UserVersion = int32(v)
		}
	case PragmaCollation:
		return fmt.Errorf("%w: %s changes through a rebuild", common.ErrReadOnlyPragma, PragmaCollation)
	case PragmaTimeout:
		var d time.Duration
		if secs, perr := strconv.Atoi(raw); perr == nil {
			d = time.Duration(secs) * time.Second
		} else if d, err = time.ParseDuration(raw); err != nil {
			break
		}
		if d < time.Second {
			return fmt.Errorf("pragma %s: at least one second, got %q", PragmaTimeout, raw)
		}
		p.Timeout = d
	case PragmaLimitSize:
		var v int64
		if v, err = strconv.ParseInt(raw, 10, 64); err == nil {
			if v < 4*common.PageSize {
				return fmt.Errorf("pragma %s: at least %d bytes", PragmaLimitSize, 4*common.PageSize)
			}
			p.LimitSize = v
		}
	case PragmaUTCDate:
		p.UTCDate, err = strconv.ParseBool(raw)
	case PragmaCheckpoint:
		var v int
		if v, err = strconv.Atoi(raw); err == nil {
			if v < 0 {
				return fmt.Errorf("pragma %s: must not be negative", PragmaCheckpoint)
			}
			p.Checkpoint = v
		}
	default:
		return fmt.Errorf("%w: %s", common.ErrUnknownPragma, name)
	}
	if err != nil {
		return fmt.Errorf("pragma %s: %w", strings.ToUpper(name), err)
	}
	return nil
}

// SetPragma changes a pragma in its own transaction.
func (e *Engine) SetPragma(ctx context.Context, name, raw string) error {
	st, err := e.current()
	if err != nil {
		return err
	}
	if e.settings.ReadOnly {
		return common.ErrReadOnly
	}
	next := st.header.Pragmas()
	if err := parsePragma(&next, name, raw); err != nil {
		return err
	}

	_, err = autoWrite(ctx, e, func(tx *Transaction) (struct{}, error) {
		tx.tx.Pages().OnCommit(func(h *pagemanager.HeaderPage) error {
			p := h.Pragmas()
			if err := parsePragma(&p, name, raw); err != nil {
				return err
			}
			if used := int64(h.LastPageID()+1) * common.PageSize; p.LimitSize < used {
				return fmt.Errorf("%w: %s %d below the %d bytes in use", common.ErrSizeLimitReached, PragmaLimitSize, p.LimitSize, used)
			}
			next = p
			return h.SetPragmas(p)
		})
		return struct{}{}, nil
	})
	if err != nil {
		return err
	}
	e.locker.SetTimeout(next.Timeout)
	e.logger.Info("pragma changed", zap.String("name", strings.ToUpper(name)), zap.String("value", raw))
	return nil
}
