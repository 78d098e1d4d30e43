package storage

import (
	"context"
	"database/sql"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"strconv"
	"sync"

	"github.com/klauspost/compress/zstd"
	_ "modernc.org/sqlite"

	"github.com/agentic-research/strata/internal/region"
)

// Writer bakes per-cell heightfields into a database readable by OpenSQLite.
type Writer struct {
	db        *sql.DB
	tx        *sql.Tx
	stmtCell  *sql.Stmt
	stmtLayer *sql.Stmt
	enc       *zstd.Encoder
	cellSize  float32
	cellLOD   uint8
	batchSize int
	count     int
	mu        sync.Mutex
}

// NewWriter creates (or extends) a baked terrain database.
// Every cell is stored as a region.Vertices(cellLOD)-sided grid.
func NewWriter(path string, cellSize float32, cellLOD uint8) (*Writer, error) {
	if cellLOD > region.MaxLOD {
		return nil, fmt.Errorf("cell lod %d exceeds %d", cellLOD, region.MaxLOD)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode = DELETE"); err != nil {
		_ = db.Close()
		return nil, err
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	if _, err := db.Exec(
		"INSERT OR REPLACE INTO meta (key, value) VALUES ('cell_size', ?), ('cell_lod', ?)",
		strconv.FormatFloat(float64(cellSize), 'g', -1, 32), strconv.Itoa(int(cellLOD)),
	); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("write meta: %w", err)
	}

	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("zstd encoder: %w", err)
	}

	w := &Writer{
		db:        db,
		enc:       enc,
		cellSize:  cellSize,
		cellLOD:   cellLOD,
		batchSize: 512,
	}
	if err := w.beginTx(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return w, nil
}

func (w *Writer) beginTx() error {
	var err error
	w.tx, err = w.db.Begin()
	if err != nil {
		return err
	}
	w.stmtCell, err = w.tx.Prepare(`INSERT OR REPLACE INTO cells (x, y, heights, colors) VALUES (?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	w.stmtLayer, err = w.tx.Prepare(`INSERT OR REPLACE INTO layers (x, y, idx, name, opacity) VALUES (?, ?, ?, ?, ?)`)
	return err
}

func (w *Writer) commitTx() error {
	if w.stmtCell != nil {
		_ = w.stmtCell.Close()
	}
	if w.stmtLayer != nil {
		_ = w.stmtLayer.Close()
	}
	return w.tx.Commit()
}

// PutCell stores one cell's samples and texture layers, replacing any previous row.
func (w *Writer) PutCell(x, y int32, s *Samples, layers []Layer) error {
	res := region.Vertices(w.cellLOD)
	if s.Size != res || len(s.Heights) != res*res {
		return fmt.Errorf("cell (%d,%d): got %d samples per side, want %d", x, y, s.Size, res)
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	hraw := make([]byte, len(s.Heights)*4)
	for i, h := range s.Heights {
		binary.LittleEndian.PutUint32(hraw[i*4:], math.Float32bits(h))
	}
	var cblob []byte
	if len(s.Colors) == len(s.Heights) {
		craw := make([]byte, 0, len(s.Colors)*4)
		for _, c := range s.Colors {
			craw = append(craw, c.R, c.G, c.B, c.A)
		}
		cblob = w.enc.EncodeAll(craw, nil)
	}

	if _, err := w.stmtCell.Exec(x, y, w.enc.EncodeAll(hraw, nil), cblob); err != nil {
		return fmt.Errorf("insert cell (%d,%d): %w", x, y, err)
	}
	if _, err := w.tx.Exec("DELETE FROM layers WHERE x = ? AND y = ?", x, y); err != nil {
		return fmt.Errorf("clear layers (%d,%d): %w", x, y, err)
	}
	for i, l := range layers {
		if _, err := w.stmtLayer.Exec(x, y, i, l.Name, float64(l.Opacity)); err != nil {
			return fmt.Errorf("insert layer %s (%d,%d): %w", l.Name, x, y, err)
		}
	}

	w.count++
	if w.count >= w.batchSize {
		if err := w.commitTx(); err != nil {
			return fmt.Errorf("commit: %w", err)
		}
		if err := w.beginTx(); err != nil {
			return fmt.Errorf("begin: %w", err)
		}
		w.count = 0
	}
	return nil
}

// Close commits pending cells and closes the database.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	err := w.commitTx()
	_ = w.enc.Close()
	if cerr := w.db.Close(); err == nil {
		err = cerr
	}
	return err
}

// Bake samples every cell in [-radius, radius) from src and writes it to w.
// Cells src cannot supply are skipped. It returns the number of cells written.
func Bake(ctx context.Context, src Storage, w *Writer, radius int32) (int, error) {
	written := 0
	for y := -radius; y < radius; y++ {
		for x := -radius; x < radius; x++ {
			if err := ctx.Err(); err != nil {
				return written, err
			}
			r := region.Cell(x, y, 0).Rect(w.cellSize)
			s, err := src.SampleRegion(ctx, r, w.cellLOD)
			if errors.Is(err, ErrDataUnavailable) {
				continue
			}
			if err != nil {
				return written, fmt.Errorf("sample cell (%d,%d): %w", x, y, err)
			}
			layers, err := src.SampleTexture(ctx, r, w.cellLOD)
			if err != nil && !errors.Is(err, ErrDataUnavailable) {
				return written, fmt.Errorf("sample layers (%d,%d): %w", x, y, err)
			}
			if err := w.PutCell(x, y, s, layers); err != nil {
				return written, err
			}
			written++
		}
	}
	return written, nil
}

