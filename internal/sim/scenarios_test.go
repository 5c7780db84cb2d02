package sim_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/san-kum/meshsim/internal/comm"
	"github.com/san-kum/meshsim/internal/config"
	"github.com/san-kum/meshsim/internal/dynamo"
	"github.com/san-kum/meshsim/internal/integrators"
	"github.com/san-kum/meshsim/internal/invert"
	"github.com/san-kum/meshsim/internal/mesh"
	"github.com/san-kum/meshsim/internal/sim"
)

// field2DModel evolves one 2-D field with dy/dt = -y, optionally failing
// for t > 0 or on every call.
type field2DModel struct {
	bndry      bool
	failLate   bool
	failAlways bool
	calls      int
	f, ddt     *mesh.Field2D
}

func (m *field2DModel) Init(s *sim.Solver) error {
	m.f = mesh.NewField2D(s.Mesh(), mesh.CellCentre)
	m.ddt = mesh.NewField2D(s.Mesh(), mesh.CellCentre)
	m.f.Fill(1)
	return s.Add2D("f", m.f, m.ddt, m.bndry)
}

func (m *field2DModel) RHS(t float64) error {
	m.calls++
	if m.failAlways || (m.failLate && t > 0) {
		return fmt.Errorf("negative density at t = %g: %w", t, dynamo.ErrRHSFail)
	}
	for i, v := range m.f.Data() {
		m.ddt.Data()[i] = -v
	}
	return nil
}

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

var _ = Describe("Solver", func() {
	Describe("global problem size", func() {
		It("sums bulk points over two processes", func() {
			w := comm.NewWorld(2)
			g, err := sim.NewGroup(w, func(c comm.Comm) (*sim.Solver, error) {
				// Four interior points per rank.
				msh, err := mesh.New(mesh.Config{Nx: 4, Ny: 2, Nz: 1, MXG: 1, MYG: 1, Dy: 1}, c)
				if err != nil {
					return nil, err
				}
				return sim.New(msh, nil, &field2DModel{bndry: false}, sim.WithLogger(discard)), nil
			})
			Expect(err).NotTo(HaveOccurred())
			Expect(g.Init(1, 0.1)).To(Succeed())

			for _, s := range g.Solvers() {
				local, global := s.Size()
				Expect(local).To(Equal(4))
				Expect(global).To(Equal(8))
			}
		})
	})

	Describe("positivity constraints", func() {
		It("are rejected by a backend without constraint support before any step", func() {
			msh, err := mesh.New(mesh.DefaultConfig(), nil)
			Expect(err).NotTo(HaveOccurred())
			opts := config.FromMap(map[string]any{
				"solver": map[string]any{"backend": "v2", "apply_positivity_constraints": true},
			})
			model := &field2DModel{}
			s := sim.New(msh, opts, model, sim.WithLogger(discard))

			err = s.Init(1, 0.1)
			Expect(err).To(MatchError(dynamo.ErrConfig))
			Expect(model.calls).To(BeZero())
			Expect(s.Phase()).To(Equal(sim.Uninitialized))
		})

		It("are accepted by the current backend", func() {
			msh, err := mesh.New(mesh.DefaultConfig(), nil)
			Expect(err).NotTo(HaveOccurred())
			opts := config.FromMap(map[string]any{
				"solver": map[string]any{"apply_positivity_constraints": true},
				"f":      map[string]any{"positivity_constraint": "positive"},
			})
			s := sim.New(msh, opts, &field2DModel{}, sim.WithLogger(discard))
			Expect(s.Init(2, 0.1)).To(Succeed())
			Expect(s.Run(context.Background())).To(Succeed())
		})
	})

	Describe("soft RHS failures", func() {
		It("are retried and then surface as an integration failure with the time", func() {
			msh, err := mesh.New(mesh.DefaultConfig(), nil)
			Expect(err).NotTo(HaveOccurred())
			model := &field2DModel{failLate: true}
			s := sim.New(msh, nil, model, sim.WithLogger(discard))
			Expect(s.Init(1, 0.1)).To(Succeed())

			err = s.Run(context.Background())
			var ierr *dynamo.IntegrationError
			Expect(errors.As(err, &ierr)).To(BeTrue())
			Expect(err).To(MatchError(dynamo.ErrIntegration))
			Expect(err).To(MatchError(dynamo.ErrRHSFail))
			Expect(ierr.Time).To(Equal(0.0))
			Expect(ierr.Flag).To(Equal(integrators.RepeatedRHSFuncErr))
			Expect(err.Error()).To(ContainSubstring("t = 0.000000e+00"))

			// One evaluation at t0, then several retries.
			Expect(model.calls).To(BeNumerically(">", 2))
			Expect(s.Phase()).To(Equal(sim.Failed))
		})

		It("fail the run without retry when the first evaluation fails", func() {
			msh, err := mesh.New(mesh.DefaultConfig(), nil)
			Expect(err).NotTo(HaveOccurred())
			model := &field2DModel{failAlways: true}
			s := sim.New(msh, nil, model, sim.WithLogger(discard))
			Expect(s.Init(1, 0.1)).To(Succeed())

			err = s.Run(context.Background())
			var ierr *dynamo.IntegrationError
			Expect(errors.As(err, &ierr)).To(BeTrue())
			Expect(err).To(MatchError(dynamo.ErrRHSFail))
			Expect(ierr.Time).To(Equal(0.0))
			Expect(ierr.Flag).To(Equal(integrators.FirstRHSFuncErr))
			Expect(err.Error()).To(ContainSubstring("FIRST_RHSFUNC_ERR"))
			Expect(model.calls).To(Equal(1))
			Expect(s.Phase()).To(Equal(sim.Failed))
		})
	})

	Describe("2-D inversion", func() {
		It("equals the z average of the promoted 3-D solve", func() {
			msh, err := mesh.New(mesh.DefaultConfig(), nil)
			Expect(err).NotTo(HaveOccurred())
			inv, err := invert.NewRegistry().Create(mesh.CellCentre, msh)
			Expect(err).NotTo(HaveOccurred())
			Expect(inv.SetCoefA(invert.Const(2))).To(Succeed())
			Expect(inv.SetCoefB(invert.Const(-0.5))).To(Succeed())

			rhs := mesh.NewField2D(msh, mesh.CellCentre)
			for x := 0; x < msh.LocalNx; x++ {
				for y := 0; y < msh.LocalNy; y++ {
					rhs.Set(x, y, float64(x+1)+0.1*float64(y*y))
				}
			}

			got, err := inv.Solve2D(rhs)
			Expect(err).NotTo(HaveOccurred())
			full, err := inv.Solve(mesh.Promote(rhs))
			Expect(err).NotTo(HaveOccurred())
			want := mesh.DC(full)

			Expect(got.Location()).To(Equal(mesh.CellCentre))
			for i, v := range want.Data() {
				Expect(got.Data()[i]).To(BeNumerically("~", v, 1e-12))
			}
		})

		It("scales by 1/A when only A is set", func() {
			msh, err := mesh.New(mesh.DefaultConfig(), nil)
			Expect(err).NotTo(HaveOccurred())
			inv, err := invert.NewRegistry().CreateType(invert.Cyclic, nil, mesh.CellCentre, msh)
			Expect(err).NotTo(HaveOccurred())
			Expect(inv.SetCoefA(invert.Const(4))).To(Succeed())

			rhs := mesh.NewField3D(msh, mesh.CellCentre)
			for i := range rhs.Data() {
				rhs.Data()[i] = float64(i%11) - 3
			}
			out, err := inv.Solve(rhs)
			Expect(err).NotTo(HaveOccurred())
			for _, p := range msh.RegionNoBndry() {
				for z := 0; z < msh.LocalNz; z++ {
					Expect(out.At(p.X, p.Y, z)).To(BeNumerically("~", rhs.At(p.X, p.Y, z)/4, 1e-12))
				}
			}
		})
	})
})
