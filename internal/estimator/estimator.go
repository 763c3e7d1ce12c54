// Package estimator implements the closed-form CPV solver: given measured
// MP min-sums and AV inter-verifier delays, it computes each verifier's
// estimated one-way delay to the client and decides whether the client
// lies inside the triangle the three verifiers form.
package estimator

import "math"

// VerifierID is one of the three canonical verifier indices, 1..3.
type VerifierID int

// The canonical pair ordering used throughout the estimator, matching the
// (i,j) traversal of the original MP/AV implementation.
var pairs = [3][2]VerifierID{{1, 2}, {2, 3}, {3, 1}}

// scaleKmPerMs is a geometric bookkeeping constant: delays are first
// converted seconds -> milliseconds, then multiplied by this to obtain a
// planar "distance". It is preserved at its original value for
// bit-compatibility with existing logs; the inside/outside decision is
// scale invariant, so its actual value does not affect correctness.
const scaleKmPerMs = 200.0

// MinSums maps an ordered verifier pair (i,j) to the MP e_ij value
// (d_ic + d_cj) in seconds, as produced by the measurement orchestrator.
type MinSums map[[2]VerifierID]float64

// AVDelays maps an ordered verifier pair (i,j) to the measured AV
// inter-verifier delay in seconds.
type AVDelays map[[2]VerifierID]float64

// Result is the outcome of a single CPV solve.
type Result struct {
	X             map[VerifierID]float64 // estimated client->verifier OWDs, seconds
	Y             map[VerifierID]float64 // inter-verifier OWDs used, seconds
	AreaVerifiers float64                 // A_v, scaled planar units
	AreaClient    float64                 // A_c, scaled planar units
	Inside        bool
}

// clientOWDs solves x1+x2=m12, x2+x3=m23, x3+x1=m31 for x1,x2,x3, taking for
// each (i,j) the minimum of e_ij and e_ji (defaulting to +Inf if absent),
// exactly as the MP protocol's symmetrization step requires.
func clientOWDs(e MinSums) map[VerifierID]float64 {
	m := make(map[[2]VerifierID]float64, 3)
	for _, p := range pairs {
		i, j := p[0], p[1]
		eij, ok1 := e[[2]VerifierID{i, j}]
		if !ok1 {
			eij = math.Inf(1)
		}
		eji, ok2 := e[[2]VerifierID{j, i}]
		if !ok2 {
			eji = math.Inf(1)
		}
		m[p] = math.Min(eij, eji)
	}

	m12 := m[[2]VerifierID{1, 2}]
	m23 := m[[2]VerifierID{2, 3}]
	m31 := m[[2]VerifierID{3, 1}]

	x1 := (m12 + m31 - m23) / 2
	x2 := m12 - x1
	x3 := m31 - x1

	return map[VerifierID]float64{1: x1, 2: x2, 3: x3}
}

// verifierOWDs selects yi = dv[(i,j)] for the canonical pair i belongs to.
// Per the original implementation, only the (i,j) direction is ever read,
// never (j,i) -- this orientation is intentional and preserved here.
func verifierOWDs(dv AVDelays) map[VerifierID]float64 {
	y := make(map[VerifierID]float64, 3)
	for _, p := range pairs {
		i, j := p[0], p[1]
		if v, ok := dv[[2]VerifierID{i, j}]; ok {
			y[i] = v
		} else {
			y[i] = math.Inf(1)
		}
	}
	return y
}

// AreaOfTriangle computes the area of a triangle from its three side
// lengths via Heron's formula, returning 0 for any non-positive radicand
// (i.e. side lengths that cannot form a real triangle).
func AreaOfTriangle(a, b, c float64) float64 {
	s := (a + b + c) / 2
	areaSquared := s * (s - a) * (s - b) * (s - c)
	if !(areaSquared > 0) { // also catches NaN from infinite (missing) sides
		return 0
	}
	return math.Sqrt(areaSquared)
}

// Solve runs the full CPV algorithm: MP min-sum symmetrization and linear
// solve, AV orientation selection, seconds->planar-km rescale, Heron areas,
// and the 20%-tolerance inside/outside test.
func Solve(e MinSums, dv AVDelays) Result {
	x := clientOWDs(e)
	y := verifierOWDs(dv)

	scale := func(secs float64) float64 {
		return secs * 1000 * scaleKmPerMs
	}

	xScaled := map[VerifierID]float64{1: scale(x[1]), 2: scale(x[2]), 3: scale(x[3])}
	yScaled := map[VerifierID]float64{1: scale(y[1]), 2: scale(y[2]), 3: scale(y[3])}

	areaV := AreaOfTriangle(yScaled[1], yScaled[2], yScaled[3])

	areaC := 0.0
	for i := VerifierID(1); i <= 3; i++ {
		next := i%3 + 1
		areaC += AreaOfTriangle(xScaled[i], xScaled[next], yScaled[i])
	}

	inside := false
	if areaV > 0 {
		inside = math.Abs(areaC-areaV) <= 0.2*areaV
	}

	return Result{
		X:             x,
		Y:             y,
		AreaVerifiers: areaV,
		AreaClient:    areaC,
		Inside:        inside,
	}
}
