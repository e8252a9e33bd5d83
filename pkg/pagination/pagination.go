package pagination

import (
	"fmt"
	"strconv"

	"github.com/labstack/echo/v4"
)

const (
	DefaultLimit = 20
	MaxLimit     = 500
)

// Params holds pagination parameters extracted from a request.
type Params struct {
	Limit  int
	Offset int
}

// FromContext extracts limit and offset from the query string. Absent values
// take the defaults; malformed or out-of-range values are an error.
func FromContext(c echo.Context) (Params, error) {
	p := Params{Limit: DefaultLimit}
	if v := c.QueryParam("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > MaxLimit {
			return Params{}, fmt.Errorf("limit must be between 1 and %d", MaxLimit)
		}
		p.Limit = n
	}
	if v := c.QueryParam("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return Params{}, fmt.Errorf("offset must be a non-negative integer")
		}
		p.Offset = n
	}
	return p, nil
}

// Fetch is the number of rows to request so that HasMore can be decided
// without a count query.
func (p Params) Fetch() int {
	return p.Limit + 1
}

// NextOffset returns the offset for the next page.
func (p Params) NextOffset() int {
	return p.Offset + p.Limit
}

// Response wraps one page of results.
type Response[T any] struct {
	Data    []T  `json:"data"`
	Limit   int  `json:"limit"`
	Offset  int  `json:"offset"`
	HasMore bool `json:"has_more"`
}

// NewResponse trims rows fetched with Fetch to one page.
func NewResponse[T any](rows []T, p Params) *Response[T] {
	more := len(rows) > p.Limit
	if more {
		rows = rows[:p.Limit]
	}
	if rows == nil {
		rows = []T{}
	}
	return &Response[T]{Data: rows, Limit: p.Limit, Offset: p.Offset, HasMore: more}
}
