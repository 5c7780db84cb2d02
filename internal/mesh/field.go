package mesh

// Field2D is a quantity uniform along z, stored over the local x-y plane
// including guard cells.
type Field2D struct {
	mesh *Mesh
	loc  CellLoc
	data []float64
}

func NewField2D(m *Mesh, loc CellLoc) *Field2D {
	return &Field2D{mesh: m, loc: loc, data: make([]float64, m.LocalNx*m.LocalNy)}
}

// NewField2DConst returns a uniform field with value v.
func NewField2DConst(m *Mesh, v float64, loc CellLoc) *Field2D {
	f := NewField2D(m, loc)
	f.Fill(v)
	return f
}

func (f *Field2D) Mesh() *Mesh             { return f.mesh }
func (f *Field2D) Location() CellLoc       { return f.loc }
func (f *Field2D) SetLocation(loc CellLoc) { f.loc = loc }
func (f *Field2D) Data() []float64         { return f.data }

func (f *Field2D) index(x, y int) int { return x*f.mesh.LocalNy + y }

func (f *Field2D) At(x, y int) float64     { return f.data[f.index(x, y)] }
func (f *Field2D) Set(x, y int, v float64) { f.data[f.index(x, y)] = v }

func (f *Field2D) Fill(v float64) {
	for i := range f.data {
		f.data[i] = v
	}
}

func (f *Field2D) Clone() *Field2D {
	c := &Field2D{mesh: f.mesh, loc: f.loc, data: make([]float64, len(f.data))}
	copy(c.data, f.data)
	return c
}

// Field3D is a quantity varying in x, y and z.
type Field3D struct {
	mesh *Mesh
	loc  CellLoc
	data []float64
}

func NewField3D(m *Mesh, loc CellLoc) *Field3D {
	return &Field3D{mesh: m, loc: loc, data: make([]float64, m.LocalNx*m.LocalNy*m.LocalNz)}
}

func (f *Field3D) Mesh() *Mesh             { return f.mesh }
func (f *Field3D) Location() CellLoc       { return f.loc }
func (f *Field3D) SetLocation(loc CellLoc) { f.loc = loc }
func (f *Field3D) Data() []float64         { return f.data }

func (f *Field3D) index(x, y, z int) int {
	return (x*f.mesh.LocalNy+y)*f.mesh.LocalNz + z
}

func (f *Field3D) At(x, y, z int) float64     { return f.data[f.index(x, y, z)] }
func (f *Field3D) Set(x, y, z int, v float64) { f.data[f.index(x, y, z)] = v }

// Column returns the z column at (x, y). The slice aliases the field.
func (f *Field3D) Column(x, y int) []float64 {
	i := f.index(x, y, 0)
	return f.data[i : i+f.mesh.LocalNz]
}

func (f *Field3D) Fill(v float64) {
	for i := range f.data {
		f.data[i] = v
	}
}

func (f *Field3D) Clone() *Field3D {
	c := &Field3D{mesh: f.mesh, loc: f.loc, data: make([]float64, len(f.data))}
	copy(c.data, f.data)
	return c
}

// DC returns the z average of f.
func DC(f *Field3D) *Field2D {
	m := f.mesh
	out := NewField2D(m, f.loc)
	nz := float64(m.LocalNz)
	for x := 0; x < m.LocalNx; x++ {
		for y := 0; y < m.LocalNy; y++ {
			sum := 0.0
			for _, v := range f.Column(x, y) {
				sum += v
			}
			out.Set(x, y, sum/nz)
		}
	}
	return out
}

// Promote replicates f along z.
func Promote(f *Field2D) *Field3D {
	m := f.mesh
	out := NewField3D(m, f.loc)
	for x := 0; x < m.LocalNx; x++ {
		for y := 0; y < m.LocalNy; y++ {
			v := f.At(x, y)
			col := out.Column(x, y)
			for z := range col {
				col[z] = v
			}
		}
	}
	return out
}
