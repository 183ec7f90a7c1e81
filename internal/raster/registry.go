package raster

import (
	"context"
	"fmt"
	"log"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"
)

// DefaultRegistryCapacity is the number of handles kept open by default.
const DefaultRegistryCapacity = 1024

// Registry caches opened sources by URL with least-recently-used eviction.
// Concurrent opens of the same URL share a single call to the Opener.
//
// Evicted handles are dropped, not closed, since a request may still be
// reading from them. Close releases whatever is cached at shutdown.
type Registry struct {
	opener Opener
	cache  *lru.Cache[string, Source]
	group  singleflight.Group
}

// NewRegistry creates a registry holding up to capacity open sources.
func NewRegistry(opener Opener, capacity int) (*Registry, error) {
	if capacity <= 0 {
		capacity = DefaultRegistryCapacity
	}
	cache, err := lru.New[string, Source](capacity)
	if err != nil {
		return nil, fmt.Errorf("failed to create source cache: %w", err)
	}
	return &Registry{
		opener: opener,
		cache:  cache,
	}, nil
}

// Open returns the cached source for url, opening it on a miss.
func (r *Registry) Open(ctx context.Context, url string) (Source, error) {
	if src, ok := r.cache.Get(url); ok {
		return src, nil
	}

	v, err, _ := r.group.Do(url, func() (interface{}, error) {
		if src, ok := r.cache.Get(url); ok {
			return src, nil
		}
		// The open is shared with other callers; one caller going away
		// must not cancel it for the rest.
		src, err := r.opener.Open(context.WithoutCancel(ctx), url)
		if err != nil {
			return nil, err
		}
		r.cache.Add(url, src)
		return src, nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", url, err)
	}
	return v.(Source), nil
}

// Len returns the number of cached sources.
func (r *Registry) Len() int {
	return r.cache.Len()
}

// Close closes and forgets every cached source.
func (r *Registry) Close() error {
	var firstErr error
	for _, url := range r.cache.Keys() {
		src, ok := r.cache.Peek(url)
		if !ok {
			continue
		}
		if err := src.Close(); err != nil {
			log.Printf("[Registry] failed to close %s: %v", url, err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	r.cache.Purge()
	return firstErr
}
