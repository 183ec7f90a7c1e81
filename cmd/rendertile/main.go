// Command rendertile renders one tile of a scene or mosaic to a PNG file
// through the same pipeline as the server.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/carlmjohnson/versioninfo"
	"github.com/iancoleman/strcase"
	"github.com/urfave/cli/v2"

	"github.com/scene-tiles/server/internal/config"
	"github.com/scene-tiles/server/internal/data/imagefile"
	"github.com/scene-tiles/server/internal/data/zarr"
	"github.com/scene-tiles/server/internal/metadata"
	"github.com/scene-tiles/server/internal/raster"
	"github.com/scene-tiles/server/internal/render"
	"github.com/scene-tiles/server/internal/service"
	"github.com/scene-tiles/server/internal/tile"
)

const BUCKET string = `s3Bucket`
const PREFIX string = `s3Prefix`
const ENDPOINT string = `endpoint`
const ID string = `id`
const SCENE string = `scene`
const IMAGE string = `image`
const TILE string = `tile`
const SCALE string = `scale`
const OUTPUT string = `output`
const TIMEOUT string = `timeout`

func main() {
	err := newApp().Run(os.Args)
	if err != nil {
		log.Fatal(err)
	}
}

// newApp builds the command line application. Bucket and prefix share their
// environment variables with the server configuration.
func newApp() *cli.App {
	app := cli.NewApp()
	app.Name = "rendertile"
	app.Usage = "Render a single tile of a scene to PNG"
	app.Version = versioninfo.Short()

	app.Flags = []cli.Flag{
		&cli.StringFlag{
			Name:    BUCKET,
			Aliases: []string{"b"},
			Usage:   "Bucket holding the metadata documents",
			EnvVars: []string{config.EnvBucket},
		},
		&cli.StringFlag{
			Name:    PREFIX,
			Usage:   "Key prefix of the metadata documents",
			EnvVars: []string{config.EnvPrefix},
		},
		&cli.StringFlag{
			Name:    ENDPOINT,
			Usage:   "Metadata endpoint replacing http://{bucket}.s3.amazonaws.com",
			EnvVars: []string{strcase.ToScreamingSnake(ENDPOINT)},
		},
		&cli.StringFlag{
			Name:     ID,
			Usage:    "Dataset identifier",
			Required: true,
		},
		&cli.IntFlag{
			Name:  SCENE,
			Usage: "Scene index",
			Value: 0,
		},
		&cli.StringFlag{
			Name:  IMAGE,
			Usage: "Image id within the scene",
		},
		&cli.StringFlag{
			Name:     TILE,
			Aliases:  []string{"t"},
			Usage:    "Tile address z/x/y, e.g. 12/654/1583",
			Required: true,
		},
		&cli.IntFlag{
			Name:  SCALE,
			Usage: "Retina scale factor",
			Value: 1,
		},
		&cli.StringFlag{
			Name:    OUTPUT,
			Aliases: []string{"o"},
			Usage:   "Output PNG path",
			Value:   "tile.png",
		},
		&cli.DurationFlag{
			Name:  TIMEOUT,
			Usage: "Timeout of each source read",
			Value: 30 * time.Second,
		},
	}

	app.Action = renderTile
	return app
}

// renderTile renders the requested tile and writes it to the output path.
func renderTile(c *cli.Context) error {
	cfg := config.DefaultConfig()
	cfg.Storage.Bucket = c.String(BUCKET)
	cfg.Storage.Endpoint = c.String(ENDPOINT)
	cfg.Storage.Prefix = config.NormalizePrefix(c.String(PREFIX))
	if err := cfg.Validate(); err != nil {
		return err
	}

	t, err := parseTile(c.String(TILE))
	if err != nil {
		return err
	}

	imageOpener, err := imagefile.NewOpener(imagefile.Config{})
	if err != nil {
		return err
	}
	defer imageOpener.Close()

	zarrOpener, err := zarr.NewOpener(cfg.Sources.ZarrChunkCache)
	if err != nil {
		return err
	}
	defer zarrOpener.Close()

	opener := raster.NewMux(imageOpener)
	opener.Handle(".zarr", zarrOpener)

	registry, err := raster.NewRegistry(opener, cfg.Sources.Capacity)
	if err != nil {
		return err
	}
	defer registry.Close()

	svc := service.NewTileService(service.TileServiceConfig{
		Metadata: metadata.NewCache(metadata.CacheConfig{
			Bucket:   cfg.Storage.Bucket,
			Prefix:   cfg.Storage.Prefix,
			Endpoint: cfg.Storage.Endpoint,
		}),
		Renderer: render.NewCompositor(registry, render.Config{
			Workers:     cfg.Render.Workers,
			ReadTimeout: c.Duration(TIMEOUT),
		}),
		MaxScale: cfg.Render.MaxScale,
	})

	req := service.TileRequest{
		Key:   metadata.Key{ID: c.String(ID), Scene: c.Int(SCENE), ImageID: c.String(IMAGE)},
		Tile:  t,
		Scale: c.Int(SCALE),
	}
	start := time.Now()
	data, err := svc.GetTile(context.Background(), req)
	if err != nil {
		return cli.Exit(fmt.Sprintf("%s: %v", service.KindOf(err), err), 1)
	}

	if err := os.WriteFile(c.String(OUTPUT), data, 0644); err != nil {
		return err
	}
	log.Printf("Rendered %s/%s@%dx to %s (%d bytes, %s)", req.Key, t, req.Scale, c.String(OUTPUT), len(data), time.Since(start))
	return nil
}

// parseTile parses "z/x/y".
func parseTile(s string) (tile.Tile, error) {
	parts := strings.Split(s, "/")
	if len(parts) != 3 {
		return tile.Tile{}, fmt.Errorf("tile must be z/x/y, got %q", s)
	}
	var zxy [3]int
	for i, p := range parts {
		v, err := strconv.Atoi(p)
		if err != nil || v < 0 {
			return tile.Tile{}, fmt.Errorf("tile must be z/x/y, got %q", s)
		}
		zxy[i] = v
	}
	t := tile.New(zxy[0], zxy[1], zxy[2])
	if !t.Valid() {
		return tile.Tile{}, fmt.Errorf("tile %s does not exist", t)
	}
	return t, nil
}
