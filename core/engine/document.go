package engine

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/sushant-115/gojolite/core/storage_engine/bufferio"
	"github.com/sushant-115/gojolite/core/storage_engine/common"
	"github.com/sushant-115/gojolite/core/value"
	pagemanager "github.com/sushant-115/gojolite/core/write_engine/page_manager"
)

// Document is what the engine stores: an id, the keys of the secondary
// indexes and an opaque payload. A null ID is replaced by a new Guid.
type Document struct {
	ID      value.Value
	Keys    map[string]value.Value
	Payload []byte
}

// KeyFunc extracts the key of an index from a stored document. It is used
// when an index is created over documents that never supplied the key.
type KeyFunc func(id value.Value, payload []byte) (value.Value, error)

// Result is one index entry returned by a query.
type Result struct {
	Key     value.Value
	Address pagemanager.PageAddress
}

// records are the serialized id followed by the payload
func encodeRecord(id value.Value, payload []byte) []byte {
	n := bufferio.KeyLength(id)
	out := make([]byte, n+len(payload))
	w := bufferio.NewBytesWriter(out[:n])
	w.WriteIndexKey(id)
	w.Close()
	copy(out[n:], payload)
	return out
}

func decodeRecord(record []byte) (value.Value, []byte, error) {
	r := bufferio.NewBytesReader(record)
	defer r.Close()
	id := r.ReadIndexKey()
	if err := r.Err(); err != nil {
		return value.Null(), nil, fmt.Errorf("%w: document record: %w", common.ErrCorruptedPage, err)
	}
	return id, record[r.Position():], nil
}

func checkID(id value.Value) (value.Value, error) {
	switch {
	case id.IsNull():
		return value.Guid(uuid.New()), nil
	case id.IsMinValue(), id.IsMaxValue():
		return id, fmt.Errorf("%w: %s", common.ErrInvalidDocumentID, id)
	}
	if n := bufferio.KeyLength(id); n > common.MaxIndexKeyLength {
		return id, fmt.Errorf("%w: id of %d bytes", common.ErrInvalidDocumentID, n)
	}
	return id, nil
}

const maxNameLength = 60

// checkName validates collection and index names: letters, digits and
// underscores, not starting with a digit.
func checkName(name string, kind error) error {
	if name == "" || len(name) > maxNameLength {
		return fmt.Errorf("%w: %q", kind, name)
	}
	for i, r := range name {
		ok := r == '_' || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (i > 0 && r >= '0' && r <= '9')
		if !ok {
			return fmt.Errorf("%w: %q", kind, name)
		}
	}
	return nil
}
