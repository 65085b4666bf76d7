package pagination

import (
	"errors"
	"strconv"

	"github.com/labstack/echo/v4"
)

const (
	DefaultLimit = 50
	MaxLimit     = 200
)

// ErrInvalidLimit is returned for a limit that is not a positive integer.
var ErrInvalidLimit = errors.New("limit must be a positive integer")

// Params holds pagination parameters extracted from a request.
type Params struct {
	Limit int
}

// FromContext reads ?limit= from the request. A missing limit yields
// DefaultLimit and larger values are capped at MaxLimit.
func FromContext(c echo.Context) (Params, error) {
	v := c.QueryParam("limit")
	if v == "" {
		return Params{Limit: DefaultLimit}, nil
	}
	limit, err := strconv.Atoi(v)
	if err != nil || limit <= 0 {
		return Params{}, ErrInvalidLimit
	}
	if limit > MaxLimit {
		limit = MaxLimit
	}
	return Params{Limit: limit}, nil
}

// Truncated reports whether a page of n items may have more behind it.
func (p Params) Truncated(n int) bool {
	return n >= p.Limit
}
