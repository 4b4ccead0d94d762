package pagination

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	domain "github.com/storefront/orderflow/internal/domain"
)

const (
	// DefaultPageSize is used when the client omits pageSize.
	DefaultPageSize = 20
	// DefaultMaxPageSize caps pageSize.
	DefaultMaxPageSize = 100

	maxPageTokenLength = 1024
)

// ErrInvalidPageSize is returned for non-numeric or out-of-range sizes.
var ErrInvalidPageSize = errors.New("pagination: invalid pageSize")

// ErrInvalidPageToken is returned for tokens that are too long to be ours.
var ErrInvalidPageToken = errors.New("pagination: invalid pageToken")

// Parse reads pageSize and pageToken from the query string.
func Parse(r *http.Request) (domain.Pagination, error) {
	query := r.URL.Query()
	out := domain.Pagination{PageSize: DefaultPageSize}

	if raw := strings.TrimSpace(query.Get("pageSize")); raw != "" {
		size, err := strconv.Atoi(raw)
		if err != nil || size <= 0 {
			return domain.Pagination{}, fmt.Errorf("%w: %q", ErrInvalidPageSize, raw)
		}
		if size > DefaultMaxPageSize {
			size = DefaultMaxPageSize
		}
		out.PageSize = size
	}

	token := strings.TrimSpace(query.Get("pageToken"))
	if len(token) > maxPageTokenLength {
		return domain.Pagination{}, ErrInvalidPageToken
	}
	out.PageToken = token
	return out, nil
}
