package pagination

import (
	"strconv"

	"github.com/labstack/echo/v4"
)

const (
	MaxLimit = 500

	// HeaderTotalCount carries the unpaged result size on list responses.
	HeaderTotalCount = "X-Total-Count"
)

// Params holds pagination parameters extracted from a request. A zero Limit
// means the caller did not ask for paging.
type Params struct {
	Limit  int
	Offset int
}

// FromContext extracts ?limit and ?offset from the echo context. Missing or
// non-positive values leave the list unpaged.
func FromContext(c echo.Context) Params {
	limit, _ := strconv.Atoi(c.QueryParam("limit"))
	if limit < 0 {
		limit = 0
	}
	if limit > MaxLimit {
		limit = MaxLimit
	}

	offset, _ := strconv.Atoi(c.QueryParam("offset"))
	if offset < 0 {
		offset = 0
	}

	return Params{Limit: limit, Offset: offset}
}

// Paged reports whether the request asked for a bounded page.
func (p Params) Paged() bool {
	return p.Limit > 0
}

// HasNext returns true if there are more results after the current page.
func (p Params) HasNext(total int) bool {
	return p.Paged() && p.Offset+p.Limit < total
}

// NextOffset returns the offset for the next page.
func (p Params) NextOffset() int {
	return p.Offset + p.Limit
}

// SetHeaders writes the total count so clients can page without an envelope.
func SetHeaders(c echo.Context, total int) {
	c.Response().Header().Set(HeaderTotalCount, strconv.Itoa(total))
}
