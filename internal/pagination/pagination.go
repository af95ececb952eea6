// Package pagination extracts the item limit of a listing request from its
// query string.
package pagination

import (
	"net/url"
	"strconv"
)

// Params holds the limit requested by a client after defaults and caps.
type Params struct {
	Limit int
}

const (
	// MaxLimit is the largest number of items a single listing may return.
	MaxLimit = 50
	// DefaultLimit applies when neither the request nor an option sets one.
	DefaultLimit = 10
)

// Option configures the defaults applied by GetParams.
type Option func(*Params)

// WithDefaultLimit sets the limit used when the request has none. Values
// below 1 are ignored.
func WithDefaultLimit(limit int) Option {
	return func(p *Params) {
		if limit > 0 {
			p.Limit = limit
		}
	}
}

// GetParams reads "limit" from q. Missing, malformed or non-positive values
// fall back to the default; values above MaxLimit are capped.
func GetParams(q url.Values, opts ...Option) *Params {
	params := &Params{Limit: DefaultLimit}
	for _, opt := range opts {
		opt(params)
	}

	if limitStr := q.Get("limit"); limitStr != "" {
		if val, err := strconv.Atoi(limitStr); err == nil && val > 0 {
			params.Limit = val
		}
	}

	if params.Limit > MaxLimit {
		params.Limit = MaxLimit
	}
	return params
}

// GetLimit is GetParams(q, opts...).Limit.
func GetLimit(q url.Values, opts ...Option) int {
	return GetParams(q, opts...).Limit
}
