// Package spatial provides the relay's broad-phase index for radius queries
// over entity positions.
//
// Structures use preallocated slices with integer indices (not pointers)
// to minimize GC pressure and maximize cache locality.
package spatial

import (
	"math"

	"entity-sync/internal/config"
)

// Grid provides O(1) average spatial queries via fixed-size cells over a
// rectangular region of the world starting at (minX, minY).
// Positions outside the region are clamped into the border cells.
//
// Memory layout: cells are stored in row-major order (cells[row*cols+col])
type Grid struct {
	minX, minY  float64
	cellSize    float64
	invCellSize float64 // 1/cellSize for faster division
	cols, rows  int
	cells       [][]uint32 // cells[row*cols+col] = list of entity indices
	scratch     []uint32   // reusable buffer for query results
	count       int
}

// NewGrid creates a grid covering the configured world region.
// CellSize should equal the largest query radius for optimal performance.
func NewGrid(cfg config.SpatialConfig) *Grid {
	cols := int(math.Ceil(cfg.Width / cfg.CellSize))
	rows := int(math.Ceil(cfg.Height / cfg.CellSize))

	// Ensure at least 1x1 grid
	if cols < 1 {
		cols = 1
	}
	if rows < 1 {
		rows = 1
	}

	return &Grid{
		minX:        cfg.MinX,
		minY:        cfg.MinY,
		cellSize:    cfg.CellSize,
		invCellSize: 1.0 / cfg.CellSize,
		cols:        cols,
		rows:        rows,
		cells:       make([][]uint32, cols*rows),
		scratch:     make([]uint32, 0, 64),
	}
}

// Clear resets all cells without deallocating underlying memory.
func (g *Grid) Clear() {
	for i := range g.cells {
		g.cells[i] = g.cells[i][:0] // Keep capacity, reset length
	}
	g.count = 0
}

// Insert adds an entity index at world position (x, y).
func (g *Grid) Insert(index uint32, x, y float64) {
	idx := g.cellIndex(x, y)
	g.cells[idx] = append(g.cells[idx], index)
	g.count++
}

func (g *Grid) col(x float64) int {
	c := int(math.Floor((x - g.minX) * g.invCellSize))
	if c < 0 {
		return 0
	}
	if c >= g.cols {
		return g.cols - 1
	}
	return c
}

func (g *Grid) row(y float64) int {
	r := int(math.Floor((y - g.minY) * g.invCellSize))
	if r < 0 {
		return 0
	}
	if r >= g.rows {
		return g.rows - 1
	}
	return r
}

func (g *Grid) cellIndex(x, y float64) int {
	return g.row(y)*g.cols + g.col(x)
}

// QueryRadius returns all indices potentially within radius of (cx, cy).
//
// IMPORTANT: The returned slice is reused on subsequent calls.
// Copy the results if you need to persist them.
//
// The returned candidates may include entities outside the radius;
// the caller must perform a precise distance check (narrow phase).
func (g *Grid) QueryRadius(cx, cy, radius float64) []uint32 {
	g.scratch = g.scratch[:0]

	minCol, maxCol := g.col(cx-radius), g.col(cx+radius)
	minRow, maxRow := g.row(cy-radius), g.row(cy+radius)

	for row := minRow; row <= maxRow; row++ {
		for col := minCol; col <= maxCol; col++ {
			g.scratch = append(g.scratch, g.cells[row*g.cols+col]...)
		}
	}

	return g.scratch
}

// Len returns the number of inserted indices.
func (g *Grid) Len() int {
	return g.count
}

// Stats returns grid statistics for debugging/profiling.
func (g *Grid) Stats() GridStats {
	var maxInCell, nonEmpty int
	for _, cell := range g.cells {
		if len(cell) > maxInCell {
			maxInCell = len(cell)
		}
		if len(cell) > 0 {
			nonEmpty++
		}
	}

	avgPerCell := 0.0
	if nonEmpty > 0 {
		avgPerCell = float64(g.count) / float64(nonEmpty)
	}

	return GridStats{
		TotalCells:     len(g.cells),
		NonEmptyCells:  nonEmpty,
		TotalEntities:  g.count,
		MaxInCell:      maxInCell,
		AvgPerNonEmpty: avgPerCell,
	}
}

// GridStats contains grid statistics for debugging.
type GridStats struct {
	TotalCells     int     `json:"totalCells"`
	NonEmptyCells  int     `json:"nonEmptyCells"`
	TotalEntities  int     `json:"totalEntities"`
	MaxInCell      int     `json:"maxInCell"`
	AvgPerNonEmpty float64 `json:"avgPerNonEmpty"`
}
