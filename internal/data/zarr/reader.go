// Package zarr serves windowed reads from Zarr v3 arrays on local disk.
//
// An array holds one raster with shape [bands, height, width] and data type
// uint8 or uint16. Chunks are encoded with the "bytes" codec, optionally
// followed by "zstd". Missing chunks read as the array's fill value.
package zarr

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/klauspost/compress/zstd"

	"github.com/scene-tiles/server/internal/raster"
	"github.com/scene-tiles/server/internal/tile"
)

// DefaultChunkCacheSize is the number of decoded chunks kept per array.
const DefaultChunkCacheSize = 256

// ZarrV3ArrayMeta represents Zarr v3 array metadata (zarr.json).
type ZarrV3ArrayMeta struct {
	Shape     []int  `json:"shape"`
	DataType  string `json:"data_type"`
	ChunkGrid struct {
		Name          string `json:"name"`
		Configuration struct {
			ChunkShape []int `json:"chunk_shape"`
		} `json:"configuration"`
	} `json:"chunk_grid"`
	ChunkKeyEncoding struct {
		Name          string `json:"name"`
		Configuration struct {
			Separator string `json:"separator"`
		} `json:"configuration"`
	} `json:"chunk_key_encoding"`
	FillValue interface{} `json:"fill_value"`
	Codecs    []struct {
		Name          string                 `json:"name"`
		Configuration map[string]interface{} `json:"configuration"`
	} `json:"codecs"`
	ZarrFormat int    `json:"zarr_format"`
	NodeType   string `json:"node_type"`
}

// Opener opens Zarr arrays by path. It implements raster.Opener.
type Opener struct {
	decoder        *zstd.Decoder
	chunkCacheSize int
}

// NewOpener creates a new opener. chunkCacheSize <= 0 selects
// DefaultChunkCacheSize.
func NewOpener(chunkCacheSize int) (*Opener, error) {
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
	}
	if chunkCacheSize <= 0 {
		chunkCacheSize = DefaultChunkCacheSize
	}
	return &Opener{decoder: decoder, chunkCacheSize: chunkCacheSize}, nil
}

// Close releases the decompressor.
func (o *Opener) Close() {
	if o.decoder != nil {
		o.decoder.Close()
	}
}

// Open opens the array at url, a directory path optionally prefixed with
// "file://".
func (o *Opener) Open(ctx context.Context, url string) (raster.Source, error) {
	basePath := strings.TrimPrefix(url, "file://")
	meta, err := loadArrayMeta(basePath)
	if err != nil {
		return nil, fmt.Errorf("failed to load array metadata: %w", err)
	}
	if err := validate(meta); err != nil {
		return nil, fmt.Errorf("%s: %w", url, err)
	}

	compressed := false
	for _, c := range meta.Codecs {
		switch c.Name {
		case "bytes":
			if endian, _ := c.Configuration["endian"].(string); endian == "big" {
				return nil, fmt.Errorf("%s: big endian arrays are not supported", url)
			}
		case "zstd":
			compressed = true
		default:
			return nil, fmt.Errorf("%s: unsupported codec %q", url, c.Name)
		}
	}

	dtype, _ := dataType(meta.DataType)
	fill, err := fillValue(meta)
	if err != nil {
		return nil, err
	}
	chunks, err := lru.New[string, []byte](o.chunkCacheSize)
	if err != nil {
		return nil, err
	}

	log.Printf("[Zarr] opened %s (%s, shape %v, chunks %v)", basePath, meta.DataType, meta.Shape, meta.ChunkGrid.Configuration.ChunkShape)
	return &Source{
		basePath:   basePath,
		meta:       meta,
		dtype:      dtype,
		fill:       fill,
		compressed: compressed,
		decoder:    o.decoder,
		chunks:     chunks,
	}, nil
}

// Source is an opened array. It is safe for concurrent reads.
type Source struct {
	basePath   string
	meta       *ZarrV3ArrayMeta
	dtype      raster.DataType
	fill       float32
	compressed bool
	decoder    *zstd.Decoder
	chunks     *lru.Cache[string, []byte]
}

// Count returns the number of bands.
func (s *Source) Count() int { return s.meta.Shape[0] }

// DataType returns the element type of the array.
func (s *Source) DataType() raster.DataType { return s.dtype }

// Close drops cached chunks.
func (s *Source) Close() error {
	s.chunks.Purge()
	return nil
}

// Read samples win at width x height with nearest neighbour sampling.
// Pixels outside the array read as zero.
func (s *Source) Read(ctx context.Context, bands []int, win tile.Window, width, height int) (*raster.Buffer, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("invalid output size %dx%d", width, height)
	}
	for _, b := range bands {
		if b < 1 || b > s.Count() {
			return nil, fmt.Errorf("band %d out of range [1, %d]", b, s.Count())
		}
	}

	out := raster.NewBuffer(s.dtype, len(bands), height, width)
	if win.Empty() {
		return out, nil
	}

	// Source pixel sampled by each output row and column, or -1 outside
	// the array.
	rows := samples(win.Rows, height, s.meta.Shape[1])
	cols := samples(win.Cols, width, s.meta.Shape[2])
	seen := make(map[[3]int]chunkRef)

	for i, b := range bands {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		band := out.Band(i)
		for y, row := range rows {
			if row < 0 {
				continue
			}
			for x, col := range cols {
				if col < 0 {
					continue
				}
				v, err := s.at(seen, b-1, row, col)
				if err != nil {
					return nil, err
				}
				band[y*width+x] = v
			}
		}
	}
	return out, nil
}

// samples maps n output pixels onto the half-open range r of an axis with
// size pixels.
func samples(r tile.Range, n, size int) []int {
	out := make([]int, n)
	step := r.Len() / float64(n)
	for i := range out {
		p := int(math.Floor(r.Start + (float64(i)+0.5)*step))
		if p < 0 || p >= size {
			p = -1
		}
		out[i] = p
	}
	return out
}

type chunkRef struct {
	data  []byte
	shape []int
}

// at returns the element at band, row, col. seen memoizes chunk lookups
// within one read.
func (s *Source) at(seen map[[3]int]chunkRef, band, row, col int) (float32, error) {
	cs := s.meta.ChunkGrid.Configuration.ChunkShape
	idx := [3]int{band / cs[0], row / cs[1], col / cs[2]}
	ref, ok := seen[idx]
	if !ok {
		data, shape, err := s.chunk(idx[:])
		if err != nil {
			return 0, err
		}
		ref = chunkRef{data: data, shape: shape}
		seen[idx] = ref
	}
	if ref.data == nil {
		return s.fill, nil
	}

	b, r, c := band-idx[0]*cs[0], row-idx[1]*cs[1], col-idx[2]*cs[2]
	offset := (b*ref.shape[1]+r)*ref.shape[2] + c
	switch s.dtype {
	case raster.Uint16:
		return float32(binary.LittleEndian.Uint16(ref.data[offset*2:])), nil
	default:
		return float32(ref.data[offset]), nil
	}
}

// chunk returns the decoded chunk at idx and the shape its bytes are laid
// out in. A nil chunk is all fill value.
func (s *Source) chunk(idx []int) ([]byte, []int, error) {
	key := encodeChunkKey(s.meta, idx)
	data, ok := s.chunks.Get(key)
	if !ok {
		var err error
		data, err = s.readChunkAt(idx)
		if err != nil {
			return nil, nil, err
		}
		s.chunks.Add(key, data)
	}
	if len(data) == 0 {
		return nil, nil, nil
	}

	// Edge chunks are stored at full chunk shape; some writers store the
	// truncated shape instead.
	size := dtypeSize(s.dtype)
	full := s.meta.ChunkGrid.Configuration.ChunkShape
	if len(data) == product(full)*size {
		return data, full, nil
	}
	actual, err := chunkShapeAt(s.meta, idx)
	if err != nil {
		return nil, nil, err
	}
	if len(data) != product(actual)*size {
		return nil, nil, fmt.Errorf("chunk %s has %d bytes, expected %d", key, len(data), product(full)*size)
	}
	return data, actual, nil
}

// loadArrayMeta loads Zarr v3 array metadata.
func loadArrayMeta(arrayPath string) (*ZarrV3ArrayMeta, error) {
	metaPath := filepath.Join(arrayPath, "zarr.json")
	data, err := os.ReadFile(metaPath)
	if err != nil {
		return nil, err
	}

	var meta ZarrV3ArrayMeta
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, err
	}

	return &meta, nil
}

func validate(meta *ZarrV3ArrayMeta) error {
	if meta.NodeType != "" && meta.NodeType != "array" {
		return fmt.Errorf("node_type is %q, not an array", meta.NodeType)
	}
	if len(meta.Shape) != 3 {
		return fmt.Errorf("expected shape [bands, height, width], got %v", meta.Shape)
	}
	if len(meta.ChunkGrid.Configuration.ChunkShape) != 3 {
		return fmt.Errorf("expected 3 chunk dims, got %v", meta.ChunkGrid.Configuration.ChunkShape)
	}
	for d, n := range meta.ChunkGrid.Configuration.ChunkShape {
		if n <= 0 {
			return fmt.Errorf("invalid chunk shape at dim %d: %d", d, n)
		}
	}
	if _, err := dataType(meta.DataType); err != nil {
		return err
	}
	return nil
}

func dataType(name string) (raster.DataType, error) {
	switch name {
	case "uint8":
		return raster.Uint8, nil
	case "uint16":
		return raster.Uint16, nil
	default:
		return raster.Unknown, fmt.Errorf("unsupported zarr data_type: %s", name)
	}
}

func dtypeSize(t raster.DataType) int {
	if t == raster.Uint16 {
		return 2
	}
	return 1
}

func fillValue(meta *ZarrV3ArrayMeta) (float32, error) {
	switch t := meta.FillValue.(type) {
	case nil:
		return 0, nil
	case float64:
		return float32(t), nil
	default:
		return 0, fmt.Errorf("unsupported fill_value type for %s: %T", meta.DataType, meta.FillValue)
	}
}

// readChunk reads and decompresses a chunk from Zarr v3 format.
func (s *Source) readChunk(chunkKey string) ([]byte, error) {
	// Zarr v3 stores chunks in c/ directory
	chunkPath := filepath.Join(s.basePath, "c", filepath.FromSlash(chunkKey))

	data, err := os.ReadFile(chunkPath)
	if err != nil || !s.compressed {
		return data, err
	}

	decompressed, err := s.decoder.DecodeAll(data, nil)
	if err != nil {
		return nil, fmt.Errorf("zstd decompress failed: %w", err)
	}
	return decompressed, nil
}

func encodeChunkKey(meta *ZarrV3ArrayMeta, chunkIndices []int) string {
	sep := meta.ChunkKeyEncoding.Configuration.Separator
	if sep == "" {
		sep = "/"
	}
	parts := make([]string, len(chunkIndices))
	for i, idx := range chunkIndices {
		parts[i] = strconv.Itoa(idx)
	}
	return strings.Join(parts, sep)
}

func chunkShapeAt(meta *ZarrV3ArrayMeta, chunkIndices []int) ([]int, error) {
	actual := make([]int, len(meta.Shape))
	for d := range meta.Shape {
		chunkLen := meta.ChunkGrid.Configuration.ChunkShape[d]
		start := chunkIndices[d] * chunkLen
		if start < 0 || start >= meta.Shape[d] {
			return nil, fmt.Errorf("chunk index out of range at dim %d: start=%d shape=%d", d, start, meta.Shape[d])
		}
		if remaining := meta.Shape[d] - start; remaining < chunkLen {
			chunkLen = remaining
		}
		actual[d] = chunkLen
	}
	return actual, nil
}

func product(ints []int) int {
	p := 1
	for _, v := range ints {
		p *= v
	}
	return p
}

// readChunkAt returns the decoded chunk at chunkIndices, or an empty slice
// if the chunk is not stored.
func (s *Source) readChunkAt(chunkIndices []int) ([]byte, error) {
	data, err := s.readChunk(encodeChunkKey(s.meta, chunkIndices))
	if err == nil {
		return data, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return []byte{}, nil
	}
	return nil, fmt.Errorf("%w: %w", raster.ErrRead, err)
}
