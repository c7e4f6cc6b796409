package conversions

import (
	"fmt"
	"sort"

	"gonum.org/v1/gonum/spatial/r3"

	"sansred/pkg/nd"
	"sansred/pkg/sansdata"
)

// Quantity is one named value flowing through a coordinate graph. Exactly
// one of the fields is set: Dense for scalar fields over the data dimensions,
// Vec for vector fields, Events for per-event scalar lists.
type Quantity struct {
	Dense  *nd.Array
	Vec    *nd.Vectors
	Events []float64
}

// Rule derives one or more output quantities from input quantities. Inputs
// are resolved recursively against the data's coordinates and the other
// rules of the graph before Apply runs.
type Rule struct {
	Outputs []string
	Inputs  []string
	Apply   func(ctx *Context) error
}

// Graph is an ordered set of coordinate rules together with the evaluation
// conventions of a beamline. Build one with ElasticGraph or MonitorGraph
// and run it with Transform.
type Graph struct {
	rules []Rule
	// midpoint selects whether bin-edge coordinates are collapsed to bin
	// midpoints before entering a rule. Pixel data carries a wavelength
	// edge coordinate that must be midpointed so derived coordinates are
	// element sized; monitor spectra keep edge semantics because the
	// time-of-flight to wavelength map is monotone.
	midpoint bool
	// renames maps data dimensions to their post-transform names, such as
	// tof to wavelength once the wavelength coordinate exists.
	renames map[string]string
	byOut   map[string]int
}

// NewGraph assembles a graph from rules. Later rules win when two rules
// claim the same output.
func NewGraph(rules []Rule, midpoint bool, renames map[string]string) *Graph {
	g := &Graph{
		rules:    rules,
		midpoint: midpoint,
		renames:  renames,
		byOut:    make(map[string]int),
	}
	for i, r := range rules {
		for _, out := range r.Outputs {
			g.byOut[out] = i
		}
	}
	return g
}

// Context carries the state of one Transform invocation. Rule bodies read
// inputs with Number, Vector and Per-event helpers and publish outputs with
// SetDense, SetVec and SetEvents.
type Context struct {
	da       *sansdata.DataArray
	binned   *sansdata.Binned
	midpoint bool
	values   map[string]*Quantity
}

// Transform evaluates the graph until every target quantity exists and
// returns a shallow copy of da with the targets attached as coordinates.
// Event-valued targets become event coordinates of the binned payload,
// everything else becomes a regular or vector coordinate. Dimension
// renames configured on the graph are applied last.
func (g *Graph) Transform(da *sansdata.DataArray, targets ...string) (*sansdata.DataArray, error) {
	ctx := &Context{
		da:       da,
		midpoint: g.midpoint,
		values:   make(map[string]*Quantity),
	}
	if b, ok := da.Binned(); ok {
		ctx.binned = b
	}
	resolving := make(map[string]bool)
	for _, t := range targets {
		if err := g.resolve(ctx, t, resolving); err != nil {
			return nil, err
		}
	}

	out := da
	binned := ctx.binned
	for _, t := range targets {
		q := ctx.values[t]
		if q == nil {
			// The target was already a coordinate of da and no rule
			// recomputed it.
			continue
		}
		switch {
		case q.Events != nil:
			if binned == nil {
				return nil, fmt.Errorf("conversions: event-valued target %q on dense data", t)
			}
			var err error
			binned, err = binned.WithEventCoord(t, q.Events)
			if err != nil {
				return nil, err
			}
		case q.Vec != nil:
			out = out.WithVecCoord(t, q.Vec)
		case q.Dense != nil:
			out = out.WithCoord(t, q.Dense)
		}
	}
	if binned != nil && binned != ctx.binned {
		out = out.WithData(binned)
	}
	// A dimension is renamed only when the renamed coordinate itself was
	// requested, so unit conversions deeper in a chain leave the data
	// dimensions alone.
	targeted := make(map[string]bool, len(targets))
	for _, t := range targets {
		targeted[t] = true
	}
	for old, new := range g.renames {
		if targeted[new] && out.HasDim(old) {
			out = out.RenameDim(old, new)
			if out.HasCoord(old) {
				out = out.WithoutCoord(old)
			}
		}
	}
	return out, nil
}

// resolve makes the named quantity available, either from the data's own
// coordinates or by running the rule that produces it.
func (g *Graph) resolve(ctx *Context, name string, resolving map[string]bool) error {
	if _, ok := ctx.values[name]; ok {
		return nil
	}
	if ctx.has(name) {
		return nil
	}
	i, ok := g.byOut[name]
	if !ok {
		return fmt.Errorf("conversions: no rule produces %q and the data has no such coordinate", name)
	}
	if resolving[name] {
		return fmt.Errorf("conversions: rule cycle at %q", name)
	}
	resolving[name] = true
	rule := g.rules[i]
	for _, in := range rule.Inputs {
		if err := g.resolve(ctx, in, resolving); err != nil {
			return err
		}
	}
	if err := rule.Apply(ctx); err != nil {
		return fmt.Errorf("conversions: computing %v: %w", rule.Outputs, err)
	}
	for _, out := range rule.Outputs {
		if _, ok := ctx.values[out]; !ok {
			return fmt.Errorf("conversions: rule declared output %q but did not set it", out)
		}
	}
	delete(resolving, name)
	return nil
}

// has reports whether the quantity exists without running any rule.
func (ctx *Context) has(name string) bool {
	if _, ok := ctx.values[name]; ok {
		return true
	}
	if ctx.da.HasCoord(name) || ctx.da.HasVecCoord(name) {
		return true
	}
	if ctx.binned != nil {
		if _, ok := ctx.binned.Buffer().Coords[name]; ok {
			return true
		}
	}
	return false
}

// SetDense publishes a dense output quantity.
func (ctx *Context) SetDense(name string, a *nd.Array) { ctx.values[name] = &Quantity{Dense: a} }

// SetVec publishes a vector output quantity.
func (ctx *Context) SetVec(name string, v *nd.Vectors) { ctx.values[name] = &Quantity{Vec: v} }

// SetEvents publishes a per-event output quantity.
func (ctx *Context) SetEvents(name string, ev []float64) { ctx.values[name] = &Quantity{Events: ev} }

// quantity fetches a previously resolved quantity or a coordinate of the
// data. Event coordinates win over dense coordinates of the same name so
// that event-mode data converts per event.
func (ctx *Context) quantity(name string) (*Quantity, error) {
	if q, ok := ctx.values[name]; ok {
		return q, nil
	}
	if ctx.binned != nil {
		if ev, ok := ctx.binned.Buffer().Coords[name]; ok {
			return &Quantity{Events: ev}, nil
		}
	}
	if c, ok := ctx.da.Coord(name); ok {
		return &Quantity{Dense: c}, nil
	}
	if v, ok := ctx.da.VecCoord(name); ok {
		return &Quantity{Vec: v}, nil
	}
	return nil, fmt.Errorf("conversions: quantity %q is not available", name)
}

// Vector fetches a vector-valued quantity.
func (ctx *Context) Vector(name string) (*nd.Vectors, error) {
	q, err := ctx.quantity(name)
	if err != nil {
		return nil, err
	}
	if q.Vec == nil {
		return nil, fmt.Errorf("conversions: quantity %q is not vector valued", name)
	}
	return q.Vec, nil
}

// Number fetches a scalar-field quantity as a dense array, collapsing
// bin-edge coordinates to midpoints when the graph works on midpoints.
func (ctx *Context) Number(name string) (*nd.Array, error) {
	q, err := ctx.quantity(name)
	if err != nil {
		return nil, err
	}
	if q.Dense == nil {
		return nil, fmt.Errorf("conversions: quantity %q is not a dense scalar field", name)
	}
	return ctx.maybeMidpoint(q.Dense)
}

// maybeMidpoint collapses every bin-edge sized dimension of a to midpoints
// when the graph midpoints, so rule outputs are element sized.
func (ctx *Context) maybeMidpoint(a *nd.Array) (*nd.Array, error) {
	if !ctx.midpoint {
		return a, nil
	}
	out := a
	for _, d := range a.Dims() {
		sz, ok := ctx.da.Size(d)
		if !ok {
			continue
		}
		if n, _ := out.Size(d); n == sz+1 {
			m, err := out.Midpoints(d)
			if err != nil {
				return nil, err
			}
			out = m
		}
	}
	return out, nil
}

// ewArg is one resolved input of an Elementwise evaluation.
type ewArg struct {
	dense  *nd.Array
	events []float64
}

// Elementwise evaluates f for every element of the broadcast union of the
// named inputs and publishes the outputs. When any input is event valued
// the evaluation runs per event, with dense inputs looked up per cell;
// otherwise the output is dense over the union of the input dimensions.
// Inputs must be scalar fields. Variances never propagate through
// coordinate transforms.
func (ctx *Context) Elementwise(outs []string, ins []string, f func(in, out []float64)) error {
	args := make([]ewArg, len(ins))
	anyEvents := false
	for i, name := range ins {
		q, err := ctx.quantity(name)
		if err != nil {
			return err
		}
		switch {
		case q.Events != nil:
			args[i] = ewArg{events: q.Events}
			anyEvents = true
		case q.Dense != nil:
			mid, err := ctx.maybeMidpoint(q.Dense)
			if err != nil {
				return err
			}
			args[i] = ewArg{dense: mid}
		default:
			return fmt.Errorf("conversions: input %q is not scalar valued", name)
		}
	}

	in := make([]float64, len(ins))
	res := make([]float64, len(outs))

	if anyEvents {
		if ctx.binned == nil {
			return fmt.Errorf("conversions: event-valued inputs on non-event data")
		}
		nev := ctx.binned.NumEvents()
		flat := make([][]float64, len(args))
		for i, a := range args {
			if a.events != nil {
				if len(a.events) != nev {
					return fmt.Errorf("conversions: input %q has %d entries for %d events", ins[i], len(a.events), nev)
				}
				flat[i] = a.events
				continue
			}
			expanded, err := ctx.perEvent(a.dense)
			if err != nil {
				return fmt.Errorf("conversions: input %q: %w", ins[i], err)
			}
			flat[i] = expanded
		}
		outputs := make([][]float64, len(outs))
		for i := range outputs {
			outputs[i] = make([]float64, nev)
		}
		for e := 0; e < nev; e++ {
			for i := range flat {
				in[i] = flat[i][e]
			}
			f(in, res)
			for i := range outputs {
				outputs[i][e] = res[i]
			}
		}
		for i, name := range outs {
			ctx.SetEvents(name, outputs[i])
		}
		return nil
	}

	dims, shape := unionOf(args)
	n := 1
	for _, s := range shape {
		n *= s
	}
	values := make([][]float64, len(args))
	for i, a := range args {
		full, err := a.dense.BroadcastTo(dims, shape)
		if err != nil {
			return fmt.Errorf("conversions: input %q: %w", ins[i], err)
		}
		values[i] = full.Values()
	}
	outputs := make([][]float64, len(outs))
	for i := range outputs {
		outputs[i] = make([]float64, n)
	}
	for ix := 0; ix < n; ix++ {
		for i := range values {
			in[i] = values[i][ix]
		}
		f(in, res)
		for i := range outputs {
			outputs[i][ix] = res[i]
		}
	}
	for i, name := range outs {
		out, err := nd.NewArray(dims, shape, outputs[i], nil)
		if err != nil {
			return err
		}
		ctx.SetDense(name, out)
	}
	return nil
}

// unionOf builds the broadcast layout covering every dense argument, with
// the dimensions of earlier arguments leading.
func unionOf(args []ewArg) ([]string, []int) {
	var dims []string
	var shape []int
	seen := make(map[string]bool)
	for _, a := range args {
		if a.dense == nil {
			continue
		}
		ds := a.dense.Dims()
		sh := a.dense.Shape()
		for i, d := range ds {
			if !seen[d] {
				seen[d] = true
				dims = append(dims, d)
				shape = append(shape, sh[i])
			}
		}
	}
	return dims, shape
}

// perEvent expands a dense per-cell field to one value per event. The
// field's dimensions must be a subset of the binned dimensions.
func (ctx *Context) perEvent(a *nd.Array) ([]float64, error) {
	b := ctx.binned
	full, err := a.BroadcastTo(b.Dims(), b.Shape())
	if err != nil {
		return nil, err
	}
	vals := full.Values()
	out := make([]float64, b.NumEvents())
	for cell := 0; cell < b.NumCells(); cell++ {
		lo, hi := b.CellRange(cell)
		for e := lo; e < hi; e++ {
			out[e] = vals[cell]
		}
	}
	return out, nil
}

// VecComponents splits a vector quantity into dense component arrays for
// use in Elementwise rules.
func (ctx *Context) VecComponents(name string) (x, y, z *nd.Array, err error) {
	v, err := ctx.Vector(name)
	if err != nil {
		return nil, nil, nil, err
	}
	n := v.Len()
	xs := make([]float64, n)
	ys := make([]float64, n)
	zs := make([]float64, n)
	for i, vec := range v.Values() {
		xs[i] = vec.X
		ys[i] = vec.Y
		zs[i] = vec.Z
	}
	mk := func(vals []float64) (*nd.Array, error) {
		return nd.NewArray(v.Dims(), v.Shape(), vals, nil)
	}
	if x, err = mk(xs); err != nil {
		return nil, nil, nil, err
	}
	if y, err = mk(ys); err != nil {
		return nil, nil, nil, err
	}
	z, err = mk(zs)
	return x, y, z, err
}

// Targets returns the outputs of every rule in the graph, sorted. Useful
// for diagnostics.
func (g *Graph) Targets() []string {
	out := make([]string, 0, len(g.byOut))
	for name := range g.byOut {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// BeamAlignedUnitVectors derives the detector-plane basis from the incident
// beam and gravity: up opposes gravity, forward follows the beam and the
// horizontal axis completes the right-handed system.
func BeamAlignedUnitVectors(incidentBeam, gravity r3.Vec) (xhat, yhat, zhat r3.Vec) {
	yhat = r3.Scale(-1/r3.Norm(gravity), gravity)
	zhat = r3.Scale(1/r3.Norm(incidentBeam), incidentBeam)
	xhat = r3.Cross(yhat, zhat)
	return xhat, yhat, zhat
}
