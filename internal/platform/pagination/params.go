// Package pagination parses list query parameters and the opaque keyset tokens handed back
// to clients.
package pagination

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

const (
	DefaultPageSize    = 20
	DefaultMaxPageSize = 100
)

var (
	ErrInvalidPageSize  = errors.New("pagination: invalid page_size")
	ErrInvalidPageToken = errors.New("pagination: invalid page_token")
)

// Params is a validated page request. After is decoded from PageToken.
type Params struct {
	PageSize  int
	PageToken string
	After     Keyset
}

// Options overrides the default and maximum page sizes.
type Options struct {
	DefaultPageSize int
	MaxPageSize     int
}

// FromRequest parses page_size and page_token from the request query.
func FromRequest(r *http.Request, opts Options) (Params, error) {
	if r == nil {
		return Params{}, errors.New("pagination: nil request")
	}
	return Parse(r.URL.Query(), opts)
}

// Parse validates page parameters. Oversized pages are clamped rather than rejected; the
// camelCase spellings pageSize and pageToken are accepted too.
func Parse(values url.Values, opts Options) (Params, error) {
	maxSize, defSize := opts.limits()

	params := Params{PageSize: defSize}
	if raw := lookup(values, "page_size", "pageSize"); raw != "" {
		size, err := strconv.Atoi(raw)
		if err != nil {
			return Params{}, fmt.Errorf("%w: must be an integer", ErrInvalidPageSize)
		}
		if size <= 0 {
			return Params{}, fmt.Errorf("%w: must be greater than zero", ErrInvalidPageSize)
		}
		params.PageSize = min(size, maxSize)
	}

	if token := lookup(values, "page_token", "pageToken"); token != "" {
		after, err := DecodeToken(token)
		if err != nil {
			return Params{}, err
		}
		params.PageToken = token
		params.After = after
	}
	return params, nil
}

func (o Options) limits() (maxSize, defSize int) {
	maxSize = o.MaxPageSize
	if maxSize <= 0 {
		maxSize = DefaultMaxPageSize
	}
	defSize = o.DefaultPageSize
	if defSize <= 0 {
		defSize = DefaultPageSize
	}
	return maxSize, min(defSize, maxSize)
}

func lookup(values url.Values, keys ...string) string {
	for _, key := range keys {
		if v := strings.TrimSpace(values.Get(key)); v != "" {
			return v
		}
	}
	return ""
}
