package pagemanager

import (
	"fmt"

	"github.com/sushant-115/gojolite/core/storage_engine/common"
	"github.com/sushant-115/gojolite/core/write_engine/memcache"
)

// Load builds the typed view matching the page type stored in buffer.
func Load(buffer *memcache.PageBuffer) (Page, error) {
	switch t := PageType(buffer.Array[pPageType]); t {
	case PageTypeHeader:
		return LoadHeaderPage(buffer)
	case PageTypeCollection:
		return LoadCollectionPage(buffer)
	case PageTypeIndex:
		return LoadIndexPage(buffer)
	case PageTypeData:
		return LoadDataPage(buffer)
	case PageTypeEmpty:
		return LoadBasePage(buffer)
	default:
		return nil, fmt.Errorf("%w: unknown page type %d", common.ErrCorruptedPage, uint8(t))
	}
}

// Create formats buffer as a new page of type t.
func Create(buffer *memcache.PageBuffer, pageID uint32, t PageType) (Page, error) {
	switch t {
	case PageTypeHeader:
		return NewHeaderPage(buffer, DefaultPragmas()), nil
	case PageTypeCollection:
		return NewCollectionPage(buffer, pageID), nil
	case PageTypeIndex:
		return NewIndexPage(buffer, pageID), nil
	case PageTypeData:
		return NewDataPage(buffer, pageID), nil
	case PageTypeEmpty:
		return NewBasePage(buffer, pageID, PageTypeEmpty), nil
	default:
		return nil, fmt.Errorf("cannot create page of type %s", t)
	}
}
