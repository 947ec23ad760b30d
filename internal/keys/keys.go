// Package keys builds deterministic cache keys from request parameters.
//
// A key is a namespace followed by ':'-separated segments. Segments are
// trimmed and lower-cased, so equivalent requests collide:
//
//	keys.New("facilities").Part("Austin", "TX").Set("yoga", "CrossFit").String()
//	// facilities:austin-tx:crossfit|yoga
package keys

import (
	"slices"
	"strings"
	"time"
)

// TTLs observed for the listing, event and open-now endpoints
const (
	DefaultTTL = 24 * time.Hour
	ListingTTL = 24 * time.Hour
	EventsTTL  = 6 * time.Hour
	OpenNowTTL = time.Hour
)

// Builder accumulates key segments
type Builder struct {
	segments []string
}

// New starts a key in the given namespace
func New(namespace string) *Builder {
	return &Builder{segments: []string{normalize(namespace)}}
}

// Part adds one segment made of vals joined with '-'. Empty values are kept
// so that positional segments stay aligned.
func (b *Builder) Part(vals ...string) *Builder {
	parts := make([]string, 0, len(vals))
	for _, v := range vals {
		parts = append(parts, normalize(v))
	}
	b.segments = append(b.segments, strings.Join(parts, "-"))
	return b
}

// Or adds v as a segment, or fallback when v is blank
func (b *Builder) Or(v, fallback string) *Builder {
	if strings.TrimSpace(v) == "" {
		v = fallback
	}
	return b.Part(v)
}

// Set adds an order-independent segment: values are de-duplicated, sorted
// and joined with '|'.
func (b *Builder) Set(vals ...string) *Builder {
	norm := make([]string, 0, len(vals))
	for _, v := range vals {
		if v = normalize(v); v != "" {
			norm = append(norm, v)
		}
	}
	slices.Sort(norm)
	norm = slices.Compact(norm)
	b.segments = append(b.segments, strings.Join(norm, "|"))
	return b
}

// Flag adds name when on, an empty segment otherwise
func (b *Builder) Flag(name string, on bool) *Builder {
	if !on {
		name = ""
	}
	return b.Part(name)
}

func (b *Builder) String() string {
	return strings.Join(b.segments, ":")
}

func normalize(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	return strings.Join(strings.Fields(s), "-")
}
