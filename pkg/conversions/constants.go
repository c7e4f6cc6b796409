// Package conversions derives beam geometry and momentum-transfer
// coordinates from detector positions and times of flight. Transforms are
// expressed as a small rule graph so that event-mode and dense data share
// one implementation: a rule evaluates per event when any of its inputs
// lives on the events, and on the dense layout otherwise.
//
// Canonical units are meters for distances, seconds for times of flight
// and angstrom for wavelengths, so momentum transfer comes out in inverse
// angstrom.
package conversions

import "gonum.org/v1/gonum/spatial/r3"

// Physical constants. The Planck-constant-over-neutron-mass ratio fixes
// the time-of-flight to wavelength conversion.
const (
	// PlanckOverNeutronMass is h/m_n in m^2/s.
	PlanckOverNeutronMass = 3.956034e-7
	// TofToWavelength converts tof[s]/L[m] into angstrom.
	TofToWavelength = PlanckOverNeutronMass * 1e10
	// StandardGravity is g in m/s^2.
	StandardGravity = 9.80665
	// MetersPerAngstrom converts wavelengths into meters for the gravity
	// drop term.
	MetersPerAngstrom = 1e-10
)

// GravityVector points along the direction weight falls: straight down the
// laboratory y axis.
func GravityVector() r3.Vec {
	return r3.Vec{X: 0, Y: -StandardGravity, Z: 0}
}

// Coordinate and dimension names shared across the pipeline.
const (
	CoordPosition       = "position"
	CoordSamplePosition = "sample_position"
	CoordSourcePosition = "source_position"
	CoordIncidentBeam   = "incident_beam"
	CoordScatteredBeam  = "scattered_beam"
	CoordL1             = "L1"
	CoordL2             = "L2"
	CoordLtotal         = "Ltotal"
	CoordTof            = "tof"
	CoordWavelength     = "wavelength"
	CoordCylindricalX   = "cylindrical_x"
	CoordCylindricalY   = "cylindrical_y"
	CoordCylXUnit       = "cyl_x_unit_vector"
	CoordCylYUnit       = "cyl_y_unit_vector"
	CoordTwoTheta       = "two_theta"
	CoordPhi            = "phi"
	CoordQ              = "Q"
	CoordQx             = "Qx"
	CoordQy             = "Qy"
)
