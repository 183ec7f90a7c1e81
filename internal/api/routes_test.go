package api

import (
	"bytes"
	"encoding/json"
	"image"
	"image/color"
	"image/png"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/scene-tiles/server/internal/cache"
	"github.com/scene-tiles/server/internal/data/imagefile"
	"github.com/scene-tiles/server/internal/metadata"
	"github.com/scene-tiles/server/internal/raster"
	"github.com/scene-tiles/server/internal/render"
	"github.com/scene-tiles/server/internal/service"
)

// testServer holds the test server and its dependencies
type testServer struct {
	server     *httptest.Server
	metadata   *httptest.Server
	opener     *imagefile.Opener
	registry   *raster.Registry
	cache      *cache.Manager
	sourcePath string
}

// writeQuadrantPNG writes a 256x256 image whose quadrants are red, green,
// white and blue, clockwise from the top left.
func writeQuadrantPNG(t *testing.T, dir string) string {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, 256, 256))
	for y := 0; y < 256; y++ {
		for x := 0; x < 256; x++ {
			c := color.NRGBA{R: 255, A: 255}
			switch {
			case x >= 128 && y < 128:
				c = color.NRGBA{G: 255, A: 255}
			case x < 128 && y >= 128:
				c = color.NRGBA{R: 255, G: 255, B: 255, A: 255}
			case x >= 128 && y >= 128:
				c = color.NRGBA{B: 255, A: 255}
			}
			img.SetNRGBA(x, y, c)
		}
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("Failed to encode source: %v", err)
	}
	p := filepath.Join(dir, "world.png")
	if err := os.WriteFile(p, buf.Bytes(), 0644); err != nil {
		t.Fatalf("Failed to write source: %v", err)
	}
	return p
}

func sceneDocument(source string) string {
	return `{
  "bounds": [-180, -85, 180, 85],
  "center": [0, 0, 1],
  "minzoom": 0,
  "maxzoom": 2,
  "name": "world",
  "tilejson": "2.1.0",
  "meta": {"approximateZoom": 0, "width": 256, "height": 256, "source": "` + source + `"}
}`
}

// setupTestServer wires the full pipeline against a local metadata server
// and a source image on disk.
func setupTestServer(t *testing.T) *testServer {
	t.Helper()

	sourcePath := writeQuadrantPNG(t, t.TempDir())
	docs := map[string]string{
		"/world/0/scene.json":  sceneDocument("file://" + sourcePath),
		"/world/0/bw.json":     strings.Replace(sceneDocument("file://"+sourcePath), `"meta": {`, `"meta": {"operations": ["saturation 0"], `, 1),
		"/broken/0/scene.json": sceneDocument("file://" + filepath.Join(t.TempDir(), "missing.png")),
		"/badops/0/scene.json": strings.Replace(sceneDocument("file://"+sourcePath), `"meta": {`, `"meta": {"operations": ["posterize 4"], `, 1),
	}
	metadataServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		doc, ok := docs[r.URL.Path]
		if !ok {
			http.Error(w, "NoSuchKey", http.StatusNotFound)
			return
		}
		w.Write([]byte(doc))
	}))

	opener, err := imagefile.NewOpener(imagefile.Config{})
	if err != nil {
		t.Fatalf("Failed to initialize opener: %v", err)
	}
	registry, err := raster.NewRegistry(opener, 16)
	if err != nil {
		t.Fatalf("Failed to initialize registry: %v", err)
	}
	cacheManager, err := cache.NewManager(cache.Config{
		TileCacheSizeMB: 16,
		TileTTL:         time.Minute,
	})
	if err != nil {
		t.Fatalf("Failed to initialize cache: %v", err)
	}

	tileService := service.NewTileService(service.TileServiceConfig{
		Metadata: metadata.NewCache(metadata.CacheConfig{Endpoint: metadataServer.URL}),
		Renderer: render.NewCompositor(registry, render.Config{ReadTimeout: 10 * time.Second}),
		Encoder:  render.NewEncoder(),
		Cache:    cacheManager,
	})

	router := NewRouter(RouterConfig{
		Service:     tileService,
		Cache:       cacheManager,
		CORSOrigins: []string{"http://localhost:3000"},
	})

	return &testServer{
		server:     httptest.NewServer(router),
		metadata:   metadataServer,
		opener:     opener,
		registry:   registry,
		cache:      cacheManager,
		sourcePath: sourcePath,
	}
}

// close cleans up test server resources
func (ts *testServer) close() {
	ts.server.Close()
	ts.metadata.Close()
	ts.registry.Close()
	ts.opener.Close()
	ts.cache.Close()
}

func (ts *testServer) get(t *testing.T, path string) (*http.Response, []byte) {
	t.Helper()
	resp, err := http.Get(ts.server.URL + path)
	if err != nil {
		t.Fatalf("Failed to make request: %v", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("Failed to read response body: %v", err)
	}
	return resp, body
}

// --- Helper Functions ---

// assertStatusCode verifies the HTTP status code
func assertStatusCode(t *testing.T, resp *http.Response, expected int) {
	t.Helper()
	if resp.StatusCode != expected {
		t.Errorf("Expected status code %d, got %d", expected, resp.StatusCode)
	}
}

// assertContentType verifies the Content-Type header
func assertContentType(t *testing.T, resp *http.Response, expected string) {
	t.Helper()
	contentType := resp.Header.Get("Content-Type")
	if contentType != expected {
		t.Errorf("Expected Content-Type %q, got %q", expected, contentType)
	}
}

// decodePNG verifies the response body is a valid PNG image
func decodePNG(t *testing.T, body []byte) image.Image {
	t.Helper()
	img, err := png.Decode(bytes.NewReader(body))
	if err != nil {
		t.Fatalf("Invalid PNG: %v", err)
	}
	return img
}

// assertJSONFields verifies the response contains expected JSON fields
func assertJSONFields(t *testing.T, body []byte, expectedFields []string) {
	t.Helper()
	var result map[string]interface{}
	if err := json.Unmarshal(body, &result); err != nil {
		t.Errorf("Failed to parse JSON response: %v", err)
		return
	}
	for _, field := range expectedFields {
		if _, ok := result[field]; !ok {
			t.Errorf("Expected JSON field %q not found in response", field)
		}
	}
}

func rgba(img image.Image, x, y int) [4]uint32 {
	r, g, b, a := img.At(x, y).RGBA()
	return [4]uint32{r >> 8, g >> 8, b >> 8, a >> 8}
}

func diff(a, b uint32) uint32 {
	if a > b {
		return a - b
	}
	return b - a
}

// --- Test Cases ---

func TestHealthEndpoint(t *testing.T) {
	ts := setupTestServer(t)
	defer ts.close()

	resp, body := ts.get(t, "/health")
	assertStatusCode(t, resp, http.StatusOK)
	if string(body) != "OK" {
		t.Errorf("Expected body 'OK', got %q", string(body))
	}
}

func TestTileEndpoint(t *testing.T) {
	ts := setupTestServer(t)
	defer ts.close()

	tests := []struct {
		name           string
		path           string
		expectedStatus int
		expectedSize   int
	}{
		{"valid tile z0", "/world/0/0/0/0.png", http.StatusOK, 256},
		{"valid tile z1", "/world/0/1/1/0.png", http.StatusOK, 256},
		{"retina tile", "/world/0/0/0/0@2x.png", http.StatusOK, 512},
		{"image tile", "/world/0/bw/0/0/0.png", http.StatusOK, 256},
		{"invalid z parameter", "/world/0/abc/0/0.png", http.StatusBadRequest, 0},
		{"invalid scene parameter", "/world/abc/0/0/0.png", http.StatusBadRequest, 0},
		{"invalid extension", "/world/0/0/0/0.jpg", http.StatusBadRequest, 0},
		{"zero scale", "/world/0/0/0/0@0x.png", http.StatusBadRequest, 0},
		{"zoom above maxzoom", "/world/0/3/0/0.png", http.StatusNotFound, 0},
		{"x outside bounds", "/world/0/1/2/0.png", http.StatusNotFound, 0},
		{"unknown dataset", "/nowhere/0/0/0/0.png", http.StatusNotFound, 0},
		{"unreadable source", "/broken/0/0/0/0.png", http.StatusInternalServerError, 0},
		{"unsupported operation", "/badops/0/0/0/0.png", http.StatusInternalServerError, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := ts.get(t, tt.path)
			assertStatusCode(t, resp, tt.expectedStatus)

			if tt.expectedStatus != http.StatusOK {
				assertContentType(t, resp, "application/json")
				assertJSONFields(t, body, []string{"message"})
				return
			}
			assertContentType(t, resp, "image/png")
			if cc := resp.Header.Get("Cache-Control"); cc != "public, max-age=3600" {
				t.Errorf("Unexpected Cache-Control %q", cc)
			}
			img := decodePNG(t, body)
			if img.Bounds().Dx() != tt.expectedSize || img.Bounds().Dy() != tt.expectedSize {
				t.Errorf("Expected %dx%d tile, got %v", tt.expectedSize, tt.expectedSize, img.Bounds())
			}
		})
	}
}

func TestTileEndpoint_Pixels(t *testing.T) {
	ts := setupTestServer(t)
	defer ts.close()

	// Tile 1/1/0 is the north-eastern quadrant of the source.
	_, body := ts.get(t, "/world/0/1/1/0.png")
	if got := rgba(decodePNG(t, body), 100, 100); got != [4]uint32{0, 255, 0, 255} {
		t.Errorf("Expected opaque green, got %v", got)
	}

	// Tile 0/0/0 shows the whole source.
	_, body = ts.get(t, "/world/0/0/0/0.png")
	img := decodePNG(t, body)
	if got := rgba(img, 10, 10); got != [4]uint32{255, 0, 0, 255} {
		t.Errorf("Expected opaque red top-left, got %v", got)
	}
	if got := rgba(img, 250, 250); got != [4]uint32{0, 0, 255, 255} {
		t.Errorf("Expected opaque blue bottom-right, got %v", got)
	}

	// Saturation 0 turns the green quadrant gray.
	_, body = ts.get(t, "/world/0/bw/1/1/0.png")
	got := rgba(decodePNG(t, body), 100, 100)
	if diff(got[0], got[1]) > 1 || diff(got[1], got[2]) > 1 || got[3] != 255 {
		t.Errorf("Expected opaque gray, got %v", got)
	}
}

func TestBoundsEndpoint(t *testing.T) {
	ts := setupTestServer(t)
	defer ts.close()

	resp, body := ts.get(t, "/world/0/bounds")
	assertStatusCode(t, resp, http.StatusOK)
	assertContentType(t, resp, "application/json")

	var result struct {
		ID     string    `json:"id"`
		Bounds []float64 `json:"bounds"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		t.Fatalf("Failed to parse JSON response: %v", err)
	}
	if result.ID != "world/0" || len(result.Bounds) != 4 || result.Bounds[0] != -180 || result.Bounds[3] != 85 {
		t.Errorf("Unexpected bounds response %s", body)
	}

	resp, _ = ts.get(t, "/world/0/bw/bounds")
	assertStatusCode(t, resp, http.StatusOK)

	resp, _ = ts.get(t, "/nowhere/0/bounds")
	assertStatusCode(t, resp, http.StatusNotFound)
}

func TestTileJSONEndpoint(t *testing.T) {
	ts := setupTestServer(t)
	defer ts.close()

	resp, body := ts.get(t, "/world/0/tilejson.json")
	assertStatusCode(t, resp, http.StatusOK)
	assertJSONFields(t, body, []string{"tilejson", "name", "bounds", "center", "minzoom", "maxzoom", "tiles"})

	var tj service.TileJSON
	if err := json.Unmarshal(body, &tj); err != nil {
		t.Fatalf("Failed to parse JSON response: %v", err)
	}
	if len(tj.Tiles) != 1 || !strings.HasSuffix(tj.Tiles[0], "/world/0/{z}/{x}/{y}.png") {
		t.Errorf("Unexpected tile template %v", tj.Tiles)
	}
}

func TestStatsEndpoint(t *testing.T) {
	ts := setupTestServer(t)
	defer ts.close()

	ts.get(t, "/world/0/0/0/0.png")
	ts.get(t, "/world/0/0/0/0.png")

	resp, body := ts.get(t, "/stats")
	assertStatusCode(t, resp, http.StatusOK)
	assertJSONFields(t, body, []string{"tile_cache_len", "tile_cache_hits", "tile_cache_misses"})

	var stats map[string]float64
	if err := json.Unmarshal(body, &stats); err != nil {
		t.Fatalf("Failed to parse JSON response: %v", err)
	}
	if stats["tile_cache_hits"] < 1 {
		t.Errorf("Expected a cache hit for the repeated tile, got %v", stats["tile_cache_hits"])
	}
}

func TestParseTileY(t *testing.T) {
	tests := []struct {
		segment string
		y       int
		scale   int
		wantErr bool
	}{
		{"1583.png", 1583, 1, false},
		{"1583@2x.png", 1583, 2, false},
		{"0@3x.png", 0, 3, false},
		{"1583", 0, 0, true},
		{"-1.png", 0, 0, true},
		{"1583@x.png", 0, 0, true},
		{"1583.png.png", 0, 0, true},
	}
	for _, tt := range tests {
		y, scale, err := parseTileY(tt.segment)
		if (err != nil) != tt.wantErr {
			t.Errorf("parseTileY(%q) error = %v, wantErr %v", tt.segment, err, tt.wantErr)
			continue
		}
		if !tt.wantErr && (y != tt.y || scale != tt.scale) {
			t.Errorf("parseTileY(%q) = %d, %d, want %d, %d", tt.segment, y, scale, tt.y, tt.scale)
		}
	}
}

func TestStatusFor(t *testing.T) {
	tests := map[service.Kind]int{
		service.MetadataUnavailable:  http.StatusNotFound,
		service.ZoomOutOfRange:       http.StatusNotFound,
		service.CoordinateOutOfRange: http.StatusNotFound,
		service.InvalidRequest:       http.StatusBadRequest,
		service.UnsupportedOperation: http.StatusInternalServerError,
		service.RescaleError:         http.StatusInternalServerError,
		service.SourceReadError:      http.StatusInternalServerError,
	}
	for kind, want := range tests {
		if got := statusFor(kind); got != want {
			t.Errorf("statusFor(%s) = %d, want %d", kind, got, want)
		}
	}
}
