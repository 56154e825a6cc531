package anomaly

import "math"

// mahalanobisSquared computes vᵀ M v for a deviation vector v and a matrix
// M (normally Σ⁻¹). Complexity O(n²).
func mahalanobisSquared(v []float64, m [][]float64) float64 {
	n := len(v)
	mv := make([]float64, n)
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			mv[i] += m[i][j] * v[j]
		}
	}
	var result float64
	for i := 0; i < n; i++ {
		result += v[i] * mv[i]
	}
	return result
}

// euclideanSquared computes the squared Euclidean norm of v, the fallback
// used in place of mahalanobisSquared when Σ is singular (Σ⁻¹ = I).
func euclideanSquared(v []float64) float64 {
	var sum float64
	for _, vi := range v {
		sum += vi * vi
	}
	return sum
}

// InvertCovariance computes the inverse of a symmetric positive-definite
// matrix via Cholesky decomposition (Σ = LLᵀ). Returns nil if the matrix is
// singular or not positive-definite; the caller falls back to Euclidean
// distance and stores nil in Baseline.InvCovariance.
//
// Complexity O(n³) — called only when a baseline is (re)trained, never per
// event.
func InvertCovariance(cov [][]float64) [][]float64 {
	n := len(cov)
	if n == 0 {
		return nil
	}

	l := choleskyDecompose(cov)
	if l == nil {
		return nil
	}
	linv := invertLowerTriangular(l)
	if linv == nil {
		return nil
	}

	// Σ⁻¹ = (Lᵀ)⁻¹ L⁻¹, since Σ = L Lᵀ.
	inv := make([][]float64, n)
	for i := range inv {
		inv[i] = make([]float64, n)
		for j := 0; j < n; j++ {
			for k := 0; k < n; k++ {
				inv[i][j] += linv[k][i] * linv[k][j]
			}
		}
	}
	return inv
}

// choleskyDecompose computes the lower-triangular Cholesky factor L of A.
// Returns nil if A is not positive-definite.
func choleskyDecompose(a [][]float64) [][]float64 {
	n := len(a)
	l := make([][]float64, n)
	for i := range l {
		l[i] = make([]float64, n)
	}

	for i := 0; i < n; i++ {
		for j := 0; j <= i; j++ {
			sum := a[i][j]
			for k := 0; k < j; k++ {
				sum -= l[i][k] * l[j][k]
			}
			if i == j {
				if sum <= 0 {
					return nil
				}
				l[i][j] = math.Sqrt(sum)
			} else {
				if l[j][j] == 0 {
					return nil
				}
				l[i][j] = sum / l[j][j]
			}
		}
	}
	return l
}

// invertLowerTriangular inverts a lower-triangular matrix by forward
// substitution. Returns nil on singular input.
func invertLowerTriangular(l [][]float64) [][]float64 {
	n := len(l)
	inv := make([][]float64, n)
	for i := range inv {
		inv[i] = make([]float64, n)
	}

	for j := 0; j < n; j++ {
		if l[j][j] == 0 {
			return nil
		}
		inv[j][j] = 1.0 / l[j][j]
		for i := j + 1; i < n; i++ {
			var sum float64
			for k := j; k < i; k++ {
				sum -= l[i][k] * inv[k][j]
			}
			inv[i][j] = sum / l[i][i]
		}
	}
	return inv
}
