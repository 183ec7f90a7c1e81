package metadata

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/singleflight"

	"github.com/scene-tiles/server/pkg/colorops"
)

// DefaultTTL is how long fetched metadata is served without refetching.
const DefaultTTL = 300 * time.Second

// CacheConfig contains metadata cache configuration.
type CacheConfig struct {
	Bucket string
	Prefix string // normalized: ends with "/" unless empty, never starts with "/"

	// Endpoint replaces "http://{bucket}.s3.amazonaws.com" when set.
	Endpoint string

	TTL        time.Duration
	MaxEntries int
	Client     *http.Client
}

// Cache fetches metadata over HTTP and keeps each document for a fixed TTL
// after it was fetched. Reads do not extend the TTL.
type Cache struct {
	endpoint string
	prefix   string
	client   *http.Client
	entries  *expirable.LRU[string, *Metadata]
	group    singleflight.Group
}

// NewCache creates a metadata cache.
func NewCache(cfg CacheConfig) *Cache {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.Client == nil {
		cfg.Client = &http.Client{Timeout: 30 * time.Second}
	}
	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = fmt.Sprintf("http://%s.s3.amazonaws.com", cfg.Bucket)
	}

	return &Cache{
		endpoint: endpoint,
		prefix:   cfg.Prefix,
		client:   cfg.Client,
		entries:  expirable.NewLRU[string, *Metadata](cfg.MaxEntries, nil, cfg.TTL),
	}
}

// URL returns the location of the document for k.
func (c *Cache) URL(k Key) string {
	name := "scene"
	if k.ImageID != "" {
		name = k.ImageID
	}
	return c.endpoint + "/" + c.prefix + k.ID + "/" + strconv.Itoa(k.Scene) + "/" + name + ".json"
}

// Fetch returns the metadata for k, fetching it on a miss or after expiry.
func (c *Cache) Fetch(ctx context.Context, k Key) (*Metadata, error) {
	key := k.String()
	if md, ok := c.entries.Get(key); ok {
		return md, nil
	}

	v, err, _ := c.group.Do(key, func() (interface{}, error) {
		if md, ok := c.entries.Get(key); ok {
			return md, nil
		}
		md, err := c.load(context.WithoutCancel(ctx), c.URL(k))
		if err != nil {
			return nil, err
		}
		c.entries.Add(key, md)
		return md, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Metadata), nil
}

// Len returns the number of cached documents.
func (c *Cache) Len() int {
	return c.entries.Len()
}

func (c *Cache) load(ctx context.Context, url string) (*Metadata, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: could not load %s: %v", ErrUnavailable, url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("%w: could not load %s (status %d)", ErrUnavailable, url, resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: reading %s: %v", ErrUnavailable, url, err)
	}

	md, err := Decode(body)
	if err != nil {
		if errors.Is(err, colorops.ErrUnsupportedOperation) {
			return nil, fmt.Errorf("%s: %w", url, err)
		}
		return nil, fmt.Errorf("%w: %s: %v", ErrUnavailable, url, err)
	}

	log.Printf("[Metadata] loaded %s (zoom %d-%d, %d sources)", url, md.MinZoom, md.MaxZoom, len(md.Meta.Sources))
	return md, nil
}
