package engine

import (
	"context"
	"math"

	cycle "heatpump-cloud/internal/cycle/domain"
)

const (
	defaultMaxIterations = 50
	defaultTolerance     = 1e-9
	maxDampingSteps      = 12
)

// residualFunc evaluates the scaled residuals of a two-unknown system.
type residualFunc func(x [2]float64) ([2]float64, bool)

// newton solves f(x) = 0 with a forward-difference Jacobian. Steps that
// leave the feasible region or do not reduce the residual are halved.
func newton(ctx context.Context, mode cycle.Mode, f residualFunc, x [2]float64, maxIter int, tol float64) ([2]float64, int, error) {
	r, ok := f(x)
	if !ok {
		return x, 0, &cycle.ConvergenceError{Mode: mode, Residual: math.NaN(), Reason: "infeasible starting point"}
	}
	norm := maxAbs(r)
	for iter := 1; iter <= maxIter; iter++ {
		if norm <= tol {
			return x, iter - 1, nil
		}
		if err := ctx.Err(); err != nil {
			return x, iter - 1, &cycle.ConvergenceError{Mode: mode, Iterations: iter - 1, Residual: norm, Reason: "interrupted", Cause: err}
		}

		var jac [2][2]float64
		for j := 0; j < 2; j++ {
			h := 1e-7 * math.Max(math.Abs(x[j]), 1)
			xp := x
			xp[j] += h
			rp, ok := f(xp)
			if !ok {
				return x, iter, &cycle.ConvergenceError{Mode: mode, Iterations: iter, Residual: norm, Reason: "jacobian evaluation left the feasible region"}
			}
			jac[0][j] = (rp[0] - r[0]) / h
			jac[1][j] = (rp[1] - r[1]) / h
		}
		det := jac[0][0]*jac[1][1] - jac[0][1]*jac[1][0]
		if det == 0 || !finite(det) {
			return x, iter, &cycle.ConvergenceError{Mode: mode, Iterations: iter, Residual: norm, Reason: "singular jacobian"}
		}
		step := [2]float64{
			(-r[0]*jac[1][1] + r[1]*jac[0][1]) / det,
			(-r[1]*jac[0][0] + r[0]*jac[1][0]) / det,
		}

		lambda := 1.0
		accepted := false
		for d := 0; d < maxDampingSteps; d++ {
			candidate := [2]float64{x[0] + lambda*step[0], x[1] + lambda*step[1]}
			rc, ok := f(candidate)
			if ok && maxAbs(rc) < norm {
				x, r, norm = candidate, rc, maxAbs(rc)
				accepted = true
				break
			}
			lambda /= 2
		}
		if !accepted {
			return x, iter, &cycle.ConvergenceError{Mode: mode, Iterations: iter, Residual: norm, Reason: "line search failed"}
		}
	}
	if norm <= tol {
		return x, maxIter, nil
	}
	return x, maxIter, &cycle.ConvergenceError{Mode: mode, Iterations: maxIter, Residual: norm, Reason: "iteration limit reached"}
}

func maxAbs(r [2]float64) float64 {
	a, b := math.Abs(r[0]), math.Abs(r[1])
	if math.IsNaN(a) || math.IsNaN(b) {
		return math.Inf(1)
	}
	return math.Max(a, b)
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
