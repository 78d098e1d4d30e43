package storage

import (
	"context"
	"database/sql"
	"encoding/binary"
	"fmt"
	"image/color"
	"math"
	"strconv"

	"github.com/klauspost/compress/zstd"
	_ "modernc.org/sqlite"

	"github.com/agentic-research/strata/internal/region"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS meta (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS cells (
	x INTEGER NOT NULL,
	y INTEGER NOT NULL,
	heights BLOB NOT NULL,
	colors BLOB,
	PRIMARY KEY (x, y)
) WITHOUT ROWID;
CREATE TABLE IF NOT EXISTS layers (
	x INTEGER NOT NULL,
	y INTEGER NOT NULL,
	idx INTEGER NOT NULL,
	name TEXT NOT NULL,
	opacity REAL NOT NULL,
	PRIMARY KEY (x, y, idx)
) WITHOUT ROWID;
`

// SQLite serves baked per-cell heightfields from a database written by Writer.
// Height and colour grids are stored as zstd-compressed blobs, one row per cell.
type SQLite struct {
	db       *sql.DB
	path     string
	cellSize float32
	cellLOD  uint8
	dec      *zstd.Decoder
}

// OpenSQLite opens a baked terrain database read-only.
func OpenSQLite(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite", "file:"+path+"?mode=ro")
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	db.SetMaxOpenConns(4)

	meta, err := readMeta(db)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("read meta %s: %w", path, err)
	}
	cellSize, err := strconv.ParseFloat(meta["cell_size"], 32)
	if err != nil || cellSize <= 0 {
		_ = db.Close()
		return nil, fmt.Errorf("invalid cell_size %q in %s", meta["cell_size"], path)
	}
	cellLOD, err := strconv.ParseUint(meta["cell_lod"], 10, 8)
	if err != nil || cellLOD > region.MaxLOD {
		_ = db.Close()
		return nil, fmt.Errorf("invalid cell_lod %q in %s", meta["cell_lod"], path)
	}

	// DecodeAll is safe for concurrent use.
	dec, err := zstd.NewReader(nil, zstd.WithDecoderConcurrency(0))
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("zstd decoder: %w", err)
	}

	return &SQLite{
		db:       db,
		path:     path,
		cellSize: float32(cellSize),
		cellLOD:  uint8(cellLOD),
		dec:      dec,
	}, nil
}

func readMeta(db *sql.DB) (map[string]string, error) {
	rows, err := db.Query("SELECT key, value FROM meta")
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	meta := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, err
		}
		meta[k] = v
	}
	return meta, rows.Err()
}

// Path returns the database file path.
func (s *SQLite) Path() string { return s.path }

// CellSize returns the world-space width of one stored cell.
func (s *SQLite) CellSize() float32 { return s.cellSize }

// Close releases the database handle.
func (s *SQLite) Close() error {
	s.dec.Close()
	return s.db.Close()
}

// cellGrid is one decoded cell.
type cellGrid struct {
	res     int
	heights []float32
	colors  []color.NRGBA
}

type cellCoord struct{ x, y int32 }

// SampleRegion implements Storage.
func (s *SQLite) SampleRegion(ctx context.Context, r region.Rect, lod uint8) (*Samples, error) {
	cells, err := s.loadCells(ctx, r)
	if err != nil {
		return nil, err
	}
	height := func(x, y float32) (float32, error) {
		h, _, err := s.lookup(cells, x, y)
		return h, err
	}
	col := func(x, y, _ float32) color.NRGBA {
		_, c, _ := s.lookup(cells, x, y)
		return c
	}
	return sampleGrid(ctx, r, lod, height, col)
}

// SampleTexture implements Storage. Layers come from the cell under the rect's centre.
func (s *SQLite) SampleTexture(ctx context.Context, r region.Rect, lod uint8) ([]Layer, error) {
	cx, cy := region.CellAt((r.MinX+r.MaxX)/2, (r.MinY+r.MaxY)/2, s.cellSize)
	rows, err := s.db.QueryContext(ctx, "SELECT name, opacity FROM layers WHERE x = ? AND y = ? ORDER BY idx", cx, cy)
	if err != nil {
		return nil, fmt.Errorf("query layers (%d,%d): %w", cx, cy, err)
	}
	defer func() { _ = rows.Close() }()

	var layers []Layer
	for rows.Next() {
		var l Layer
		var opacity float64
		if err := rows.Scan(&l.Name, &opacity); err != nil {
			return nil, err
		}
		l.Opacity = float32(opacity)
		layers = append(layers, l)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(layers) == 0 {
		return nil, fmt.Errorf("layers (%d,%d): %w", cx, cy, ErrDataUnavailable)
	}
	return layers, nil
}

// loadCells fetches every stored cell touching r, one cell of margin included so
// edge normals can look across cell borders.
func (s *SQLite) loadCells(ctx context.Context, r region.Rect) (map[cellCoord]*cellGrid, error) {
	x0, y0 := region.CellAt(r.MinX, r.MinY, s.cellSize)
	x1, y1 := region.CellAt(r.MaxX, r.MaxY, s.cellSize)
	rows, err := s.db.QueryContext(ctx,
		"SELECT x, y, heights, colors FROM cells WHERE x BETWEEN ? AND ? AND y BETWEEN ? AND ?",
		x0-1, x1+1, y0-1, y1+1)
	if err != nil {
		return nil, fmt.Errorf("query cells: %w", err)
	}
	defer func() { _ = rows.Close() }()

	res := region.Vertices(s.cellLOD)
	cells := make(map[cellCoord]*cellGrid)
	for rows.Next() {
		var x, y int32
		var hb, cb []byte
		if err := rows.Scan(&x, &y, &hb, &cb); err != nil {
			return nil, err
		}
		g, err := s.decodeCell(res, hb, cb)
		if err != nil {
			return nil, fmt.Errorf("decode cell (%d,%d): %w", x, y, err)
		}
		cells[cellCoord{x, y}] = g
	}
	return cells, rows.Err()
}

func (s *SQLite) decodeCell(res int, hb, cb []byte) (*cellGrid, error) {
	raw, err := s.dec.DecodeAll(hb, nil)
	if err != nil {
		return nil, err
	}
	if len(raw) != res*res*4 {
		return nil, fmt.Errorf("heights blob has %d bytes, want %d", len(raw), res*res*4)
	}
	g := &cellGrid{res: res, heights: make([]float32, res*res)}
	for i := range g.heights {
		g.heights[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
	}
	if len(cb) > 0 {
		craw, err := s.dec.DecodeAll(cb, nil)
		if err != nil {
			return nil, err
		}
		if len(craw) == res*res*4 {
			g.colors = make([]color.NRGBA, res*res)
			for i := range g.colors {
				g.colors[i] = color.NRGBA{R: craw[i*4], G: craw[i*4+1], B: craw[i*4+2], A: craw[i*4+3]}
			}
		}
	}
	return g, nil
}

func pickCell(cells map[cellCoord]*cellGrid, cx, cy int32, lx, ly float32) (*cellGrid, float32, float32, bool) {
	if g, ok := cells[cellCoord{cx, cy}]; ok {
		return g, lx, ly, true
	}
	if lx == 0 {
		if g, ok := cells[cellCoord{cx - 1, cy}]; ok {
			return g, 1, ly, true
		}
	}
	if ly == 0 {
		if g, ok := cells[cellCoord{cx, cy - 1}]; ok {
			return g, lx, 1, true
		}
	}
	if lx == 0 && ly == 0 {
		if g, ok := cells[cellCoord{cx - 1, cy - 1}]; ok {
			return g, 1, 1, true
		}
	}
	return nil, 0, 0, false
}

// lookup returns the interpolated height and nearest colour at a world position.
// A point on a shared border falls back to the lower neighbour's last row/column.
func (s *SQLite) lookup(cells map[cellCoord]*cellGrid, x, y float32) (float32, color.NRGBA, error) {
	cx, cy := region.CellAt(x, y, s.cellSize)
	lx := x/s.cellSize - float32(cx)
	ly := y/s.cellSize - float32(cy)

	g, lx, ly, ok := pickCell(cells, cx, cy, lx, ly)
	if !ok {
		return 0, color.NRGBA{}, fmt.Errorf("cell at (%g, %g): %w", x, y, ErrDataUnavailable)
	}

	steps := float32(g.res - 1)
	fx, fy := lx*steps, ly*steps
	ix := clampIndex(int(fx), g.res-2)
	iy := clampIndex(int(fy), g.res-2)
	tx, ty := fx-float32(ix), fy-float32(iy)

	at := func(i, j int) float32 { return g.heights[j*g.res+i] }
	top := at(ix, iy) + (at(ix+1, iy)-at(ix, iy))*tx
	bottom := at(ix, iy+1) + (at(ix+1, iy+1)-at(ix, iy+1))*tx
	h := top + (bottom-top)*ty

	c := color.NRGBA{R: 255, G: 255, B: 255, A: 255}
	if g.colors != nil {
		ni := clampIndex(int(fx+0.5), g.res-1)
		nj := clampIndex(int(fy+0.5), g.res-1)
		c = g.colors[nj*g.res+ni]
	}
	return h, c, nil
}
