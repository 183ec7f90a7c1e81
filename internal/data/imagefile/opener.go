// Package imagefile opens image-encoded rasters (PNG, JPEG, GIF, TIFF, WebP)
// over HTTP or from blob storage and serves windowed reads from them.
//
// The decoded image is placed at the origin of the source's pixel grid, so
// a window addresses image pixels directly. Reads outside the image are
// transparent.
package imagefile

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/gif"  // Register GIF format decoder
	_ "image/jpeg" // Register JPEG format decoder
	_ "image/png"  // Register PNG format decoder
	"io"
	"log"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"
	"gocloud.dev/blob"
	_ "gocloud.dev/blob/fileblob" // Register file:// buckets
	_ "gocloud.dev/blob/gcsblob"  // Register gs:// buckets
	_ "gocloud.dev/blob/s3blob"   // Register s3:// buckets
	"gocloud.dev/gcerrors"
	_ "golang.org/x/image/tiff" // Register TIFF format decoder
	_ "golang.org/x/image/webp" // Register WebP format decoder

	"github.com/scene-tiles/server/internal/raster"
)

// ErrNotFound is returned when the object behind a URL does not exist.
var ErrNotFound = errors.New("source not found")

// Config contains opener configuration.
type Config struct {
	// Client is used for http and https URLs.
	Client *http.Client
}

// Opener opens image sources. It implements raster.Opener.
type Opener struct {
	client  *http.Client
	decoder *zstd.Decoder
}

// NewOpener creates a new opener.
func NewOpener(cfg Config) (*Opener, error) {
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: 60 * time.Second}
	}
	return &Opener{
		client:  client,
		decoder: decoder,
	}, nil
}

// Open fetches and decodes the image at rawURL. Objects whose name ends in
// ".zst" are decompressed first.
func (o *Opener) Open(ctx context.Context, rawURL string) (raster.Source, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid source URL %q: %w", rawURL, err)
	}

	var data []byte
	switch u.Scheme {
	case "http", "https":
		data, err = o.fetchHTTP(ctx, rawURL)
	default:
		data, err = o.fetchBlob(ctx, u)
	}
	if err != nil {
		return nil, err
	}

	if strings.HasSuffix(u.Path, ".zst") {
		data, err = o.decoder.DecodeAll(data, nil)
		if err != nil {
			return nil, fmt.Errorf("zstd decompress failed for %s: %w", rawURL, err)
		}
	}

	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", rawURL, err)
	}

	src := newSource(img)
	log.Printf("[Opener] opened %s (%s, %dx%d, %d bands)", rawURL, format, img.Bounds().Dx(), img.Bounds().Dy(), src.Count())
	return src, nil
}

// Close releases the decompressor.
func (o *Opener) Close() {
	o.decoder.Close()
}

func (o *Opener) fetchHTTP(ctx context.Context, rawURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := o.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch %s: %w", rawURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, rawURL)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("failed to fetch %s: status %d", rawURL, resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

// fetchBlob reads an object through a gocloud bucket. For file URLs the
// bucket is the parent directory; otherwise it is scheme://host.
func (o *Opener) fetchBlob(ctx context.Context, u *url.URL) ([]byte, error) {
	var bucketURL, key string
	switch u.Scheme {
	case "", "file":
		dir, name := path.Split(u.Path)
		bucketURL, key = "file://"+dir, name
	default:
		bucketURL = u.Scheme + "://" + u.Host
		if u.RawQuery != "" {
			bucketURL += "?" + u.RawQuery
		}
		key = strings.TrimPrefix(u.Path, "/")
	}

	bucket, err := blob.OpenBucket(ctx, bucketURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open bucket %s: %w", bucketURL, err)
	}
	defer bucket.Close()

	data, err := bucket.ReadAll(ctx, key)
	if err != nil {
		if gcerrors.Code(err) == gcerrors.NotFound {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, u)
		}
		return nil, fmt.Errorf("failed to read %s: %w", u, err)
	}
	return data, nil
}
