package conversions

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/spatial/r3"

	"sansred/pkg/nd"
	"sansred/pkg/sansdata"
)

// singleVec extracts the one vector of a scalar vector field.
func singleVec(v *nd.Vectors, name string) (r3.Vec, error) {
	if v == nil {
		return r3.Vec{}, fmt.Errorf("conversions: missing %s vector", name)
	}
	if v.Len() != 1 {
		return r3.Vec{}, fmt.Errorf("conversions: %s must be a single vector, found %d", name, v.Len())
	}
	return v.Values()[0], nil
}

// incidentBeamRule derives the source-to-sample vector.
func incidentBeamRule() Rule {
	return Rule{
		Outputs: []string{CoordIncidentBeam},
		Inputs:  []string{CoordSamplePosition, CoordSourcePosition},
		Apply: func(ctx *Context) error {
			sample, err := ctx.Vector(CoordSamplePosition)
			if err != nil {
				return err
			}
			source, err := ctx.Vector(CoordSourcePosition)
			if err != nil {
				return err
			}
			src, err := singleVec(source, CoordSourcePosition)
			if err != nil {
				return err
			}
			ctx.SetVec(CoordIncidentBeam, sample.SubVec(src))
			return nil
		},
	}
}

// scatteredBeamRule derives the sample-to-pixel vector for every detector
// position.
func scatteredBeamRule() Rule {
	return Rule{
		Outputs: []string{CoordScatteredBeam},
		Inputs:  []string{CoordPosition, CoordSamplePosition},
		Apply: func(ctx *Context) error {
			pos, err := ctx.Vector(CoordPosition)
			if err != nil {
				return err
			}
			sample, err := ctx.Vector(CoordSamplePosition)
			if err != nil {
				return err
			}
			sam, err := singleVec(sample, CoordSamplePosition)
			if err != nil {
				return err
			}
			ctx.SetVec(CoordScatteredBeam, pos.SubVec(sam))
			return nil
		},
	}
}

// normRule derives a path length as the norm of a beam vector.
func normRule(out, in string) Rule {
	return Rule{
		Outputs: []string{out},
		Inputs:  []string{in},
		Apply: func(ctx *Context) error {
			v, err := ctx.Vector(in)
			if err != nil {
				return err
			}
			ctx.SetDense(out, v.Norm())
			return nil
		},
	}
}

// ltotalRule sums the primary and secondary flight paths.
func ltotalRule() Rule {
	return Rule{
		Outputs: []string{CoordLtotal},
		Inputs:  []string{CoordL1, CoordL2},
		Apply: func(ctx *Context) error {
			l1, err := ctx.Number(CoordL1)
			if err != nil {
				return err
			}
			l2, err := ctx.Number(CoordL2)
			if err != nil {
				return err
			}
			total, err := nd.Add(l1, l2)
			if err != nil {
				return err
			}
			ctx.SetDense(CoordLtotal, total)
			return nil
		},
	}
}

// monitorLtotalRule derives the source-to-monitor flight path directly
// from the monitor position.
func monitorLtotalRule() Rule {
	return Rule{
		Outputs: []string{CoordLtotal},
		Inputs:  []string{CoordPosition, CoordSourcePosition},
		Apply: func(ctx *Context) error {
			pos, err := ctx.Vector(CoordPosition)
			if err != nil {
				return err
			}
			source, err := ctx.Vector(CoordSourcePosition)
			if err != nil {
				return err
			}
			src, err := singleVec(source, CoordSourcePosition)
			if err != nil {
				return err
			}
			ctx.SetDense(CoordLtotal, pos.SubVec(src).Norm())
			return nil
		},
	}
}

// wavelengthRule converts time of flight to wavelength over the total
// flight path.
func wavelengthRule() Rule {
	return Rule{
		Outputs: []string{CoordWavelength},
		Inputs:  []string{CoordTof, CoordLtotal},
		Apply: func(ctx *Context) error {
			return ctx.Elementwise(
				[]string{CoordWavelength},
				[]string{CoordTof, CoordLtotal},
				func(in, out []float64) {
					out[0] = TofToWavelength * in[0] / in[1]
				})
		},
	}
}

// beamUnitsRule derives the unit vectors spanning the plane normal to the
// incident beam, with the y axis opposing gravity.
func beamUnitsRule() Rule {
	return Rule{
		Outputs: []string{CoordCylXUnit, CoordCylYUnit},
		Inputs:  []string{CoordIncidentBeam},
		Apply: func(ctx *Context) error {
			inc, err := ctx.Vector(CoordIncidentBeam)
			if err != nil {
				return err
			}
			iv, err := singleVec(inc, CoordIncidentBeam)
			if err != nil {
				return err
			}
			xhat, yhat, _ := BeamAlignedUnitVectors(iv, GravityVector())
			ctx.SetVec(CoordCylXUnit, nd.ScalarVec(xhat))
			ctx.SetVec(CoordCylYUnit, nd.ScalarVec(yhat))
			return nil
		},
	}
}

// cylindricalRule projects the scattered beam onto the beam-aligned axes.
func cylindricalRule() Rule {
	return Rule{
		Outputs: []string{CoordCylindricalX, CoordCylindricalY},
		Inputs:  []string{CoordScatteredBeam, CoordCylXUnit, CoordCylYUnit},
		Apply: func(ctx *Context) error {
			scat, err := ctx.Vector(CoordScatteredBeam)
			if err != nil {
				return err
			}
			xu, err := ctx.Vector(CoordCylXUnit)
			if err != nil {
				return err
			}
			yu, err := ctx.Vector(CoordCylYUnit)
			if err != nil {
				return err
			}
			xhat, err := singleVec(xu, CoordCylXUnit)
			if err != nil {
				return err
			}
			yhat, err := singleVec(yu, CoordCylYUnit)
			if err != nil {
				return err
			}
			ctx.SetDense(CoordCylindricalX, scat.Dot(xhat))
			ctx.SetDense(CoordCylindricalY, scat.Dot(yhat))
			return nil
		},
	}
}

// twoThetaPhiGravityRule computes scattering angles with the parabolic
// gravity drop folded into the pixel height. The drop grows with the
// square of wavelength and of the secondary flight path, so the angles
// become wavelength dependent.
func twoThetaPhiGravityRule() Rule {
	const dropFactor = StandardGravity * MetersPerAngstrom * MetersPerAngstrom /
		(2 * PlanckOverNeutronMass * PlanckOverNeutronMass)
	return Rule{
		Outputs: []string{CoordTwoTheta, CoordPhi},
		Inputs:  []string{CoordWavelength, CoordCylindricalX, CoordCylindricalY, CoordL2},
		Apply: func(ctx *Context) error {
			return ctx.Elementwise(
				[]string{CoordTwoTheta, CoordPhi},
				[]string{CoordWavelength, CoordCylindricalX, CoordCylindricalY, CoordL2},
				func(in, out []float64) {
					lam, x, y, l2 := in[0], in[1], in[2], in[3]
					drop := dropFactor * lam * lam * l2 * l2
					yp := y + drop
					out[0] = math.Asin(math.Sqrt(x*x+yp*yp) / l2)
					out[1] = math.Atan2(yp, x)
				})
		},
	}
}

// twoThetaRule computes the scattering angle from the beam directions
// alone, without a gravity correction.
func twoThetaRule() Rule {
	return Rule{
		Outputs: []string{CoordTwoTheta},
		Inputs:  []string{CoordIncidentBeam, CoordScatteredBeam},
		Apply: func(ctx *Context) error {
			inc, err := ctx.Vector(CoordIncidentBeam)
			if err != nil {
				return err
			}
			iv, err := singleVec(inc, CoordIncidentBeam)
			if err != nil {
				return err
			}
			ihat := r3.Scale(1/r3.Norm(iv), iv)
			scat, err := ctx.Vector(CoordScatteredBeam)
			if err != nil {
				return err
			}
			dots := scat.Dot(ihat)
			norms := scat.Norm()
			vals := make([]float64, dots.Len())
			dv := dots.Values()
			nv := norms.Values()
			for i := range vals {
				vals[i] = math.Acos(dv[i] / nv[i])
			}
			arr, err := nd.NewArray(dots.Dims(), dots.Shape(), vals, nil)
			if err != nil {
				return err
			}
			ctx.SetDense(CoordTwoTheta, arr)
			return nil
		},
	}
}

// phiRule computes the azimuthal angle in the detector plane without a
// gravity correction.
func phiRule() Rule {
	return Rule{
		Outputs: []string{CoordPhi},
		Inputs:  []string{CoordCylindricalX, CoordCylindricalY},
		Apply: func(ctx *Context) error {
			return ctx.Elementwise(
				[]string{CoordPhi},
				[]string{CoordCylindricalX, CoordCylindricalY},
				func(in, out []float64) {
					out[0] = math.Atan2(in[1], in[0])
				})
		},
	}
}

// qRule computes the magnitude of the momentum transfer.
func qRule() Rule {
	return Rule{
		Outputs: []string{CoordQ},
		Inputs:  []string{CoordTwoTheta, CoordWavelength},
		Apply: func(ctx *Context) error {
			return ctx.Elementwise(
				[]string{CoordQ},
				[]string{CoordTwoTheta, CoordWavelength},
				func(in, out []float64) {
					out[0] = 4 * math.Pi * math.Sin(in[0]/2) / in[1]
				})
		},
	}
}

// qxyRule splits the momentum transfer into detector-plane components.
func qxyRule() Rule {
	return Rule{
		Outputs: []string{CoordQx, CoordQy},
		Inputs:  []string{CoordQ, CoordPhi},
		Apply: func(ctx *Context) error {
			return ctx.Elementwise(
				[]string{CoordQx, CoordQy},
				[]string{CoordQ, CoordPhi},
				func(in, out []float64) {
					out[0] = in[0] * math.Cos(in[1])
					out[1] = in[0] * math.Sin(in[1])
				})
		},
	}
}

// ElasticGraph builds the coordinate graph for elastic scattering off the
// sample. With gravity enabled the scattering angles include the
// wavelength-dependent drop of the neutron between sample and detector.
// The graph evaluates wavelength-dependent rules at bin midpoints so that
// derived coordinates are element sized and histogrammable.
func ElasticGraph(gravity bool) *Graph {
	rules := []Rule{
		incidentBeamRule(),
		scatteredBeamRule(),
		normRule(CoordL1, CoordIncidentBeam),
		normRule(CoordL2, CoordScatteredBeam),
		ltotalRule(),
		wavelengthRule(),
		beamUnitsRule(),
		cylindricalRule(),
		qRule(),
		qxyRule(),
	}
	if gravity {
		rules = append(rules, twoThetaPhiGravityRule())
	} else {
		rules = append(rules, twoThetaRule(), phiRule())
	}
	return NewGraph(rules, true, map[string]string{CoordTof: CoordWavelength})
}

// MonitorGraph builds the coordinate graph for beam monitors. Monitor
// spectra are histogrammed in time of flight and the map to wavelength is
// monotone, so bin edges stay bin edges.
func MonitorGraph() *Graph {
	rules := []Rule{
		monitorLtotalRule(),
		wavelengthRule(),
	}
	return NewGraph(rules, false, map[string]string{CoordTof: CoordWavelength})
}

// ToWavelength converts time of flight to wavelength, renaming the tof
// dimension of dense data.
func ToWavelength(da *sansdata.DataArray, g *Graph) (*sansdata.DataArray, error) {
	return g.Transform(da, CoordWavelength)
}

// ToQ attaches the momentum-transfer magnitude. The wavelength dimension
// of dense data is kept so the result can be reduced per wavelength band.
func ToQ(da *sansdata.DataArray, g *Graph) (*sansdata.DataArray, error) {
	return g.Transform(da, CoordQ)
}

// ToQxy attaches both detector-plane momentum-transfer components.
func ToQxy(da *sansdata.DataArray, g *Graph) (*sansdata.DataArray, error) {
	return g.Transform(da, CoordQx, CoordQy)
}

// CalibratePositions shifts the detector positions so the beam center sits
// at the origin of the detector plane. The input is not modified.
func CalibratePositions(da *sansdata.DataArray, beamCenter r3.Vec) (*sansdata.DataArray, error) {
	pos, ok := da.VecCoord(CoordPosition)
	if !ok {
		return nil, fmt.Errorf("conversions: data has no %s coordinate", CoordPosition)
	}
	return da.WithVecCoord(CoordPosition, pos.SubVec(beamCenter)), nil
}

// OffsetsToVector converts in-plane beam-center offsets to an absolute
// shift using the beam-aligned unit vectors of the data's geometry.
func OffsetsToVector(da *sansdata.DataArray, g *Graph, x, y float64) (r3.Vec, error) {
	withUnits, err := g.Transform(da, CoordCylXUnit, CoordCylYUnit)
	if err != nil {
		return r3.Vec{}, err
	}
	xvec, _ := withUnits.VecCoord(CoordCylXUnit)
	xu, err := singleVec(xvec, CoordCylXUnit)
	if err != nil {
		return r3.Vec{}, err
	}
	yvec, _ := withUnits.VecCoord(CoordCylYUnit)
	yu, err := singleVec(yvec, CoordCylYUnit)
	if err != nil {
		return r3.Vec{}, err
	}
	return r3.Add(r3.Scale(x, xu), r3.Scale(y, yu)), nil
}
