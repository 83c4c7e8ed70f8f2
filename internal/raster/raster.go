// Package raster implements the Raster I/O Kernel: a narrow
// wrapper over GDAL-backed raster I/O so the rest of glamd never imports
// godal directly. Metadata introspection, windowed reads aligned to block
// size, mosaic reduction, and the canonical sinusoidal projection/clip
// pipeline all live here.
package raster

import (
	"fmt"
	"math"
	"os"

	"github.com/airbusgeo/godal"

	"github.com/glam-monitor/glamd/internal/domain"
)

// CanonicalWKT is the fixed sinusoidal projection every normalized product
// raster is warped into.
const CanonicalWKT = `PROJCS["Sinusoidal",GEOGCS["GCS_Undefined",DATUM["Undefined",SPHEROID["User_Defined_Spheroid",6371007.181,0.0]],PRIMEM["Greenwich",0.0],UNIT["Degree",0.0174532925199433]],PROJECTION["Sinusoidal"],PARAMETER["False_Easting",0.0],PARAMETER["False_Northing",0.0],PARAMETER["Central_Meridian",0.0],UNIT["Meter",1.0]]`

// Canonical bounding box, in projected meters, that every normalized
// raster is clipped against.
const (
	CanonicalNorth = 9_962_342.0
	CanonicalWest  = -22_735_470.0
	CanonicalSouth = -9_143_189.0
	CanonicalEast  = 20_958_445.0
)

func init() {
	godal.RegisterAll()
}

// Meta describes a raster's essential properties without reading pixels.
type Meta struct {
	Width, Height int
	BlockX, BlockY int
	NoData        float64
	HasNoData     bool
	DataType      string
	Projection    string
}

// Reduce combines same-shape blocks element-wise.
type Reduce string

const (
	ReduceMin  Reduce = "min"
	ReduceMax  Reduce = "max"
	ReduceMean Reduce = "mean"
)

// Inspect opens path read-only and reports its metadata, without reading
// pixel data.
func Inspect(path string) (Meta, error) {
	ds, err := godal.Open(path)
	if err != nil {
		return Meta{}, domain.Classify(domain.ErrBadInput, "raster.Inspect", fmt.Errorf("open %s: %w", path, err))
	}
	defer ds.Close()

	bands := ds.Bands()
	if len(bands) == 0 {
		return Meta{}, domain.Classify(domain.ErrBadInput, "raster.Inspect", fmt.Errorf("%s has no bands", path))
	}
	structure := ds.Structure()
	band := bands[0]
	bstruct := band.Structure()

	m := Meta{
		Width:    structure.SizeX,
		Height:   structure.SizeY,
		BlockX:   bstruct.BlockSizeX,
		BlockY:   bstruct.BlockSizeY,
		DataType: bstruct.DataType.String(),
	}
	if nodata, ok := band.NoData(); ok {
		m.NoData = nodata
		m.HasNoData = true
	}
	m.Projection = ds.Projection()
	return m, nil
}

// Window is an aligned rectangular region of a raster, in pixel
// coordinates, sized at a multiple of the on-disk tile block.
type Window struct {
	X0, Y0 int
	Width, Height int
}

// Windows partitions a width×height raster into block-aligned windows of
// blockX*scale by blockY*scale pixels (clamped at the raster edges).
func Windows(width, height, blockX, blockY, scale int) []Window {
	if blockX <= 0 {
		blockX = 256
	}
	if blockY <= 0 {
		blockY = 256
	}
	if scale <= 0 {
		scale = 1
	}
	stepX := blockX * scale
	stepY := blockY * scale

	var out []Window
	for y := 0; y < height; y += stepY {
		h := stepY
		if y+h > height {
			h = height - y
		}
		for x := 0; x < width; x += stepX {
			w := stepX
			if x+w > width {
				w = width - x
			}
			out = append(out, Window{X0: x, Y0: y, Width: w, Height: h})
		}
	}
	return out
}

// Handle is an open raster, local to one caller. Handles are never shared
// across goroutines — each worker in the Zonal Aggregator opens its own.
type Handle struct {
	ds *godal.Dataset
}

// Open opens path for reading. Callers must call Close.
func Open(path string) (*Handle, error) {
	ds, err := godal.Open(path)
	if err != nil {
		return nil, domain.Classify(domain.ErrBadInput, "raster.Open", fmt.Errorf("open %s: %w", path, err))
	}
	return &Handle{ds: ds}, nil
}

func (h *Handle) Close() error {
	return h.ds.Close()
}

// ReadWindow reads band 1 of win as float64, row-major.
func (h *Handle) ReadWindow(win Window) ([]float64, error) {
	bands := h.ds.Bands()
	if len(bands) == 0 {
		return nil, domain.Classify(domain.ErrBadInput, "raster.ReadWindow", fmt.Errorf("dataset has no bands"))
	}
	buf := make([]float64, win.Width*win.Height)
	if err := bands[0].Read(win.X0, win.Y0, buf, win.Width, win.Height); err != nil {
		return nil, domain.Classify(domain.ErrAggregationFailure, "raster.ReadWindow", fmt.Errorf("read window: %w", err))
	}
	return buf, nil
}

// NoData returns the dataset's band-1 nodata value, if any.
func (h *Handle) NoData() (float64, bool) {
	bands := h.ds.Bands()
	if len(bands) == 0 {
		return 0, false
	}
	return bands[0].NoData()
}

// ReduceBlocks combines n same-length blocks element-wise under r. NaN
// inputs are skipped (treated as absent) so a partially-missing day in a
// temperature mosaic doesn't poison the whole pixel.
func ReduceBlocks(blocks [][]float64, r Reduce) ([]float64, error) {
	if len(blocks) == 0 {
		return nil, domain.Classify(domain.ErrBadInput, "raster.ReduceBlocks", fmt.Errorf("no blocks to reduce"))
	}
	n := len(blocks[0])
	out := make([]float64, n)

	for i := 0; i < n; i++ {
		var (
			acc   float64
			count int
			first = true
		)
		for _, b := range blocks {
			v := b[i]
			if math.IsNaN(v) {
				continue
			}
			switch r {
			case ReduceMin:
				if first || v < acc {
					acc = v
				}
			case ReduceMax:
				if first || v > acc {
					acc = v
				}
			case ReduceMean:
				acc += v
				count++
			default:
				return nil, domain.Classify(domain.ErrBadInput, "raster.ReduceBlocks", fmt.Errorf("unknown reduce %q", r))
			}
			first = false
		}
		if r == ReduceMean {
			if count == 0 {
				out[i] = math.NaN()
			} else {
				out[i] = acc / float64(count)
			}
		} else if first {
			out[i] = math.NaN()
		} else {
			out[i] = acc
		}
	}
	return out, nil
}

// MosaicReduce combines the same-shape rasters in srcPaths into a single
// output raster at dstPath by reducing them window-by-window under r. All
// sources must share the same dimensions and projection; the mosaic is
// built in the sources' own grid, and callers project/clip the result
// afterwards.
func MosaicReduce(srcPaths []string, dstPath string, r Reduce) error {
	if len(srcPaths) == 0 {
		return domain.Classify(domain.ErrBadInput, "raster.MosaicReduce", fmt.Errorf("no sources to mosaic"))
	}

	first, err := godal.Open(srcPaths[0])
	if err != nil {
		return domain.Classify(domain.ErrBadInput, "raster.MosaicReduce", fmt.Errorf("open %s: %w", srcPaths[0], err))
	}
	defer first.Close()
	structure := first.Structure()
	firstBands := first.Bands()
	if len(firstBands) == 0 {
		return domain.Classify(domain.ErrBadInput, "raster.MosaicReduce", fmt.Errorf("%s has no bands", srcPaths[0]))
	}
	blockStruct := firstBands[0].Structure()

	out, err := godal.Create(godal.GTiff, dstPath, 1, godal.Float64, structure.SizeX, structure.SizeY)
	if err != nil {
		return domain.Classify(domain.ErrAggregationFailure, "raster.MosaicReduce", fmt.Errorf("create %s: %w", dstPath, err))
	}
	defer out.Close()
	if err := out.SetProjection(first.Projection()); err != nil {
		return domain.Classify(domain.ErrAggregationFailure, "raster.MosaicReduce", fmt.Errorf("set projection on %s: %w", dstPath, err))
	}
	if nodata, ok := firstBands[0].NoData(); ok {
		if err := out.Bands()[0].SetNoData(nodata); err != nil {
			return domain.Classify(domain.ErrAggregationFailure, "raster.MosaicReduce", fmt.Errorf("set nodata on %s: %w", dstPath, err))
		}
	}

	handles := make([]*Handle, 0, len(srcPaths))
	for _, p := range srcPaths {
		h, err := Open(p)
		if err != nil {
			for _, opened := range handles {
				opened.Close()
			}
			return err
		}
		handles = append(handles, h)
	}
	defer func() {
		for _, h := range handles {
			h.Close()
		}
	}()

	for _, win := range Windows(structure.SizeX, structure.SizeY, blockStruct.BlockSizeX, blockStruct.BlockSizeY, 1) {
		blocks := make([][]float64, 0, len(handles))
		for _, h := range handles {
			buf, err := h.ReadWindow(win)
			if err != nil {
				return err
			}
			blocks = append(blocks, buf)
		}
		reduced, err := ReduceBlocks(blocks, r)
		if err != nil {
			return err
		}
		if err := out.Bands()[0].Write(win.X0, win.Y0, reduced, win.Width, win.Height); err != nil {
			return domain.Classify(domain.ErrAggregationFailure, "raster.MosaicReduce", fmt.Errorf("write window: %w", err))
		}
	}
	return nil
}

// ProjectToCanonical warps srcPath into dstPath under the canonical
// sinusoidal projection, clipped to the canonical bounding box (the
// nearer side snapped to the limit when the source exceeds it).
func ProjectToCanonical(srcPath, dstPath string) error {
	ds, err := godal.Open(srcPath)
	if err != nil {
		return domain.Classify(domain.ErrBadInput, "raster.ProjectToCanonical", fmt.Errorf("open %s: %w", srcPath, err))
	}
	defer ds.Close()

	if ds.Projection() == "" {
		if err := ds.SetProjection("+proj=longlat +datum=WGS84 +no_defs"); err != nil {
			return domain.Classify(domain.ErrAggregationFailure, "raster.ProjectToCanonical", fmt.Errorf("assign wgs84: %w", err))
		}
	}

	warped, err := ds.Warp(dstPath, []string{
		"-t_srs", CanonicalWKT,
		"-te", fmt.Sprintf("%f", CanonicalWest), fmt.Sprintf("%f", CanonicalSouth),
		fmt.Sprintf("%f", CanonicalEast), fmt.Sprintf("%f", CanonicalNorth),
		"-dstnodata", "-9999",
	})
	if err != nil {
		return domain.Classify(domain.ErrAggregationFailure, "raster.ProjectToCanonical", fmt.Errorf("warp %s: %w", srcPath, err))
	}
	return warped.Close()
}

// CloudOptimize rewrites path in place as a tiled, LZW-compressed,
// overview-carrying GeoTIFF. bigTIFF enables BIGTIFF mode for the large
// NDVI rasters.
func CloudOptimize(path string, bigTIFF bool) error {
	ds, err := godal.Open(path, godal.Update())
	if err != nil {
		return domain.Classify(domain.ErrBadInput, "raster.CloudOptimize", fmt.Errorf("open %s: %w", path, err))
	}
	defer ds.Close()

	if err := ds.BuildOverviews(); err != nil {
		return domain.Classify(domain.ErrAggregationFailure, "raster.CloudOptimize", fmt.Errorf("build overviews %s: %w", path, err))
	}

	creationOpts := []string{
		"-co", "TILED=YES",
		"-co", "COPY_SRC_OVERVIEWS=YES",
		"-co", "COMPRESS=LZW",
		"-co", "PREDICTOR=2",
	}
	if bigTIFF {
		creationOpts = append(creationOpts, "-co", "BIGTIFF=YES")
	}

	tmp := path + ".cog.tmp"
	out, err := ds.Translate(tmp, creationOpts)
	if err != nil {
		return domain.Classify(domain.ErrAggregationFailure, "raster.CloudOptimize", fmt.Errorf("translate %s: %w", path, err))
	}
	if err := out.Close(); err != nil {
		return domain.Classify(domain.ErrAggregationFailure, "raster.CloudOptimize", fmt.Errorf("close %s: %w", tmp, err))
	}
	if err := os.Rename(tmp, path); err != nil {
		return domain.Classify(domain.ErrAggregationFailure, "raster.CloudOptimize", fmt.Errorf("replace %s: %w", path, err))
	}
	return nil
}

// ExtractSubdataset materializes the named subdataset (a NetCDF band) of
// src into a standalone GeoTIFF at dst.
func ExtractSubdataset(src, name, dst string) error {
	ds, err := godal.Open(src)
	if err != nil {
		return domain.Classify(domain.ErrBadInput, "raster.ExtractSubdataset", fmt.Errorf("open %s: %w", src, err))
	}
	defer ds.Close()

	sub, err := godal.Open(fmt.Sprintf("NETCDF:%q:%s", src, name))
	if err != nil {
		return domain.Classify(domain.ErrBadInput, "raster.ExtractSubdataset", fmt.Errorf("open subdataset %s of %s: %w", name, src, err))
	}
	defer sub.Close()

	out, err := sub.Translate(dst, nil)
	if err != nil {
		return domain.Classify(domain.ErrAggregationFailure, "raster.ExtractSubdataset", fmt.Errorf("translate subdataset %s: %w", name, err))
	}
	return out.Close()
}

// ApplyNoData rewrites a nodata tag into path's band-1 header.
func ApplyNoData(path string, value float64) error {
	ds, err := godal.Open(path, godal.Update())
	if err != nil {
		return domain.Classify(domain.ErrBadInput, "raster.ApplyNoData", fmt.Errorf("open %s: %w", path, err))
	}
	defer ds.Close()

	bands := ds.Bands()
	if len(bands) == 0 {
		return domain.Classify(domain.ErrBadInput, "raster.ApplyNoData", fmt.Errorf("%s has no bands", path))
	}
	if err := bands[0].SetNoData(value); err != nil {
		return domain.Classify(domain.ErrAggregationFailure, "raster.ApplyNoData", fmt.Errorf("set nodata on %s: %w", path, err))
	}
	return nil
}

// TightBoundingBox scans a categorical raster (region or mask) for the
// smallest window containing every pixel that is neither nodata nor 0
// (0 means no region / not arable), so block-windowed
// passes can skip empty blocks entirely. blockX/blockY/scale pick the
// scan granularity.
func TightBoundingBox(h *Handle, width, height, blockX, blockY, scale int) (Window, error) {
	minX, minY := width, height
	maxX, maxY := -1, -1

	for _, win := range Windows(width, height, blockX, blockY, scale) {
		buf, err := h.ReadWindow(win)
		if err != nil {
			return Window{}, err
		}
		nodata, hasNoData := h.NoData()
		empty := true
		for i, v := range buf {
			if hasNoData && v == nodata {
				continue
			}
			if v == 0 {
				continue
			}
			empty = false
			px := win.X0 + i%win.Width
			py := win.Y0 + i/win.Width
			if px < minX {
				minX = px
			}
			if px > maxX {
				maxX = px
			}
			if py < minY {
				minY = py
			}
			if py > maxY {
				maxY = py
			}
		}
		_ = empty
	}

	if maxX < minX || maxY < minY {
		return Window{X0: 0, Y0: 0, Width: 0, Height: 0}, nil
	}
	return Window{X0: minX, Y0: minY, Width: maxX - minX + 1, Height: maxY - minY + 1}, nil
}
