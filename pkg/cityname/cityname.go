// Package cityname normalizes city spellings and resolves configured
// equivalence groups ("BOGOTA" and "BOGOTA D.C." naming the same place).
package cityname

import (
	"context"
	"sort"
	"strings"
	"sync"
	"unicode"

	"go.uber.org/zap"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// Normalize trims, upper-cases and strips diacritics from name.
//
// The second return value is false when nothing is left after trimming.
func Normalize(name string) (string, bool) {
	t := strings.ToUpper(strings.TrimSpace(name))
	if t == "" {
		return "", false
	}

	// transform.Chain keeps state, so it is built per call.
	stripper := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)))
	out, _, err := transform.String(stripper, t)
	if err != nil {
		return t, true
	}
	return out, true
}

// VariantSource supplies raw variant groups, as configured.
type VariantSource interface {
	CityVariants(ctx context.Context) ([][]string, error)
}

// VariantSourceFunc adapts a function to VariantSource.
type VariantSourceFunc func(ctx context.Context) ([][]string, error)

// CityVariants implements VariantSource.
func (f VariantSourceFunc) CityVariants(ctx context.Context) ([][]string, error) {
	return f(ctx)
}

// Resolver answers equivalence questions over normalized city names.
//
// Groups are fetched from the source on first use and cached until Reset.
// A failed fetch is logged and cached as "no groups", so matching falls back
// to spelling normalization only.
type Resolver struct {
	source VariantSource
	logger *zap.Logger

	mu     sync.Mutex
	loaded bool
	index  map[string]int
	groups [][]string
}

// NewResolver creates a Resolver. A nil source means no variant groups.
func NewResolver(source VariantSource, logger *zap.Logger) *Resolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{source: source, logger: logger}
}

// Reset drops the cached groups; the next call fetches them again.
func (r *Resolver) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.loaded = false
	r.index = nil
	r.groups = nil
}

// Match reports whether a and b name the same city.
func (r *Resolver) Match(ctx context.Context, a, b string) bool {
	na, ok := Normalize(a)
	if !ok {
		return false
	}
	nb, ok := Normalize(b)
	if !ok {
		return false
	}
	if na == nb {
		return true
	}

	index, _ := r.load(ctx)
	ga, okA := index[na]
	gb, okB := index[nb]
	return okA && okB && ga == gb
}

// SearchVariants returns every normalized spelling equivalent to name,
// sorted. Unknown names yield a single-element slice; empty names yield nil.
func (r *Resolver) SearchVariants(ctx context.Context, name string) []string {
	n, ok := Normalize(name)
	if !ok {
		return nil
	}

	index, groups := r.load(ctx)
	if gi, found := index[n]; found {
		out := make([]string, len(groups[gi]))
		copy(out, groups[gi])
		return out
	}
	return []string{n}
}

// Known reports whether name belongs to any configured group.
func (r *Resolver) Known(ctx context.Context, name string) bool {
	n, ok := Normalize(name)
	if !ok {
		return false
	}
	index, _ := r.load(ctx)
	_, found := index[n]
	return found
}

func (r *Resolver) load(ctx context.Context) (map[string]int, [][]string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.loaded {
		return r.index, r.groups
	}
	r.loaded = true
	r.index = map[string]int{}
	r.groups = nil

	if r.source == nil {
		return r.index, r.groups
	}

	raw, err := r.source.CityVariants(ctx)
	if err != nil {
		r.logger.Warn("City variants unavailable, matching by spelling only", zap.Error(err))
		return r.index, r.groups
	}

	for _, group := range raw {
		seen := map[string]struct{}{}
		var members []string
		for _, name := range group {
			n, ok := Normalize(name)
			if !ok {
				continue
			}
			if _, dup := seen[n]; dup {
				continue
			}
			seen[n] = struct{}{}
			members = append(members, n)
		}
		if len(members) == 0 {
			continue
		}
		sort.Strings(members)

		gi := len(r.groups)
		r.groups = append(r.groups, members)
		for _, n := range members {
			// First group wins when a name is configured twice.
			if _, exists := r.index[n]; !exists {
				r.index[n] = gi
			}
		}
	}

	r.logger.Debug("City variants loaded", zap.Int("groups", len(r.groups)))
	return r.index, r.groups
}
