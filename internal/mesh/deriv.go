package mesh

// D2DY2 returns the second-order central second derivative in y over the
// interior. Non-periodic meshes read guard cells at the y ends.
func D2DY2(f *Field3D) *Field3D {
	m := f.mesh
	out := NewField3D(m, f.loc)
	inv := 1.0 / (m.Dy * m.Dy)
	for x := m.XStart; x <= m.XEnd; x++ {
		for y := m.YStart; y <= m.YEnd; y++ {
			ym, yp := m.YNeighbours(y)
			lo, mid, hi := f.Column(x, ym), f.Column(x, y), f.Column(x, yp)
			col := out.Column(x, y)
			for z := range col {
				col[z] = (hi[z] - 2*mid[z] + lo[z]) * inv
			}
		}
	}
	return out
}

// DDY returns the central first derivative in y over the interior.
func DDY(f *Field3D) *Field3D {
	m := f.mesh
	out := NewField3D(m, f.loc)
	inv := 1.0 / (2 * m.Dy)
	for x := m.XStart; x <= m.XEnd; x++ {
		for y := m.YStart; y <= m.YEnd; y++ {
			ym, yp := m.YNeighbours(y)
			lo, hi := f.Column(x, ym), f.Column(x, yp)
			col := out.Column(x, y)
			for z := range col {
				col[z] = (hi[z] - lo[z]) * inv
			}
		}
	}
	return out
}
