// Package mesh holds the minimal structured-mesh and field containers the
// integrator and the inversion layer operate on.
//
// The domain is decomposed in x only; every process holds the full y and z
// extent. Indices include guard cells: interior points run from XStart..XEnd
// and YStart..YEnd.
package mesh

import (
	"fmt"
	"math"

	"github.com/san-kum/meshsim/internal/comm"
)

// CellLoc is the staggered location of a field's values within a cell.
type CellLoc int

const (
	CellCentre CellLoc = iota
	CellXLow
	CellYLow
	CellZLow
)

func (l CellLoc) String() string {
	switch l {
	case CellCentre:
		return "CELL_CENTRE"
	case CellXLow:
		return "CELL_XLOW"
	case CellYLow:
		return "CELL_YLOW"
	case CellZLow:
		return "CELL_ZLOW"
	default:
		return fmt.Sprintf("CellLoc(%d)", int(l))
	}
}

// Ind2D addresses a point in the x-y plane.
type Ind2D struct {
	X, Y int
}

// Config describes the global grid.
type Config struct {
	Nx        int     `yaml:"nx"`
	Ny        int     `yaml:"ny"`
	Nz        int     `yaml:"nz"`
	MXG       int     `yaml:"mxg"`
	MYG       int     `yaml:"myg"`
	Dy        float64 `yaml:"dy"`
	ZLength   float64 `yaml:"zlength"`
	PeriodicY bool    `yaml:"periodic_y"`
}

func DefaultConfig() Config {
	return Config{
		Nx:        4,
		Ny:        16,
		Nz:        8,
		MXG:       1,
		MYG:       1,
		Dy:        1.0,
		ZLength:   2 * math.Pi,
		PeriodicY: true,
	}
}

// Mesh is one process's share of the grid.
type Mesh struct {
	LocalNx, LocalNy, LocalNz int
	XStart, XEnd              int
	YStart, YEnd              int
	// GlobalXOffset is the global interior index of XStart.
	GlobalXOffset int

	Dy        float64
	ZLength   float64
	PeriodicY bool

	// FirstX and LastX are set when this process owns a domain edge in x.
	FirstX, LastX bool

	Comm comm.Comm

	bndry   []Ind2D
	noBndry []Ind2D
}

// New partitions cfg.Nx interior columns across c's ranks and builds this
// rank's mesh.
func New(cfg Config, c comm.Comm) (*Mesh, error) {
	if c == nil {
		c = comm.Self()
	}
	if cfg.Nx < c.Size() || cfg.Ny < 1 || cfg.Nz < 1 {
		return nil, fmt.Errorf("mesh: invalid grid %dx%dx%d for %d processes", cfg.Nx, cfg.Ny, cfg.Nz, c.Size())
	}
	if cfg.MXG < 0 || cfg.MYG < 0 {
		return nil, fmt.Errorf("mesh: negative guard width")
	}
	if !cfg.PeriodicY && cfg.MYG < 1 {
		return nil, fmt.Errorf("mesh: non-periodic y needs at least one guard cell")
	}
	if cfg.Dy <= 0 {
		return nil, fmt.Errorf("mesh: dy must be positive, got %f", cfg.Dy)
	}
	if cfg.ZLength <= 0 {
		cfg.ZLength = 2 * math.Pi
	}

	start, end := split1D(cfg.Nx, c.Size(), c.Rank())
	nxLocal := end - start

	m := &Mesh{
		LocalNx:       nxLocal + 2*cfg.MXG,
		LocalNy:       cfg.Ny + 2*cfg.MYG,
		LocalNz:       cfg.Nz,
		XStart:        cfg.MXG,
		XEnd:          cfg.MXG + nxLocal - 1,
		YStart:        cfg.MYG,
		YEnd:          cfg.MYG + cfg.Ny - 1,
		GlobalXOffset: start,
		Dy:            cfg.Dy,
		ZLength:       cfg.ZLength,
		PeriodicY:     cfg.PeriodicY,
		FirstX:        c.Rank() == 0,
		LastX:         c.Rank() == c.Size()-1,
		Comm:          c,
	}
	m.buildRegions()
	return m, nil
}

// split1D splits n items over parts with a maximum imbalance of one item.
func split1D(n, parts, idx int) (start, end int) {
	npart := n / parts
	remainder := n % parts
	var startAdd, endAdd int
	if remainder != 0 {
		if idx+1 > remainder {
			startAdd = remainder
		} else {
			startAdd = idx
			endAdd = 1
		}
	}
	start = idx*npart + startAdd
	end = start + npart + endAdd
	return
}

func (m *Mesh) buildRegions() {
	m.bndry = m.bndry[:0]
	m.noBndry = m.noBndry[:0]
	for x := 0; x < m.LocalNx; x++ {
		for y := 0; y < m.LocalNy; y++ {
			switch {
			case m.isInteriorX(x) && m.isInteriorY(y):
				m.noBndry = append(m.noBndry, Ind2D{x, y})
			case m.isXBoundary(x) && m.isInteriorY(y):
				m.bndry = append(m.bndry, Ind2D{x, y})
			case m.isInteriorX(x) && m.isYBoundary(y):
				m.bndry = append(m.bndry, Ind2D{x, y})
			}
		}
	}
}

func (m *Mesh) isInteriorX(x int) bool { return x >= m.XStart && x <= m.XEnd }
func (m *Mesh) isInteriorY(y int) bool { return y >= m.YStart && y <= m.YEnd }

func (m *Mesh) isXBoundary(x int) bool {
	return (m.FirstX && x < m.XStart) || (m.LastX && x > m.XEnd)
}

func (m *Mesh) isYBoundary(y int) bool {
	if m.PeriodicY {
		return false
	}
	return y < m.YStart || y > m.YEnd
}

// RegionBndry returns the boundary points (guard cells on domain edges),
// x-major.
func (m *Mesh) RegionBndry() []Ind2D { return m.bndry }

// RegionNoBndry returns the interior points, x-major.
func (m *Mesh) RegionNoBndry() []Ind2D { return m.noBndry }

// Dz is the uniform z spacing.
func (m *Mesh) Dz() float64 { return m.ZLength / float64(m.LocalNz) }

// YNeighbours returns the y indices below and above y. Periodic meshes
// wrap within the interior.
func (m *Mesh) YNeighbours(y int) (ym, yp int) {
	ym, yp = y-1, y+1
	if m.PeriodicY {
		ny := m.YEnd - m.YStart + 1
		if ym < m.YStart {
			ym += ny
		}
		if yp > m.YEnd {
			yp -= ny
		}
	}
	return
}
