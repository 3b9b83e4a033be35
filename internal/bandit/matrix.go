package bandit

// Small dense matrix helpers for the LinUCB design matrices. The matrices
// here are 10x10 ridge-regularised Gram matrices, always symmetric positive
// definite, so Gauss-Jordan with partial pivoting is enough.

type matrix struct {
	n    int
	data []float64 // row-major
}

func identity(n int, scale float64) *matrix {
	m := &matrix{n: n, data: make([]float64, n*n)}
	for i := 0; i < n; i++ {
		m.data[i*n+i] = scale
	}
	return m
}

func (m *matrix) at(i, j int) float64     { return m.data[i*m.n+j] }
func (m *matrix) set(i, j int, v float64) { m.data[i*m.n+j] = v }

// addOuter applies A += x·xᵀ.
func (m *matrix) addOuter(x []float64) {
	for i := 0; i < m.n; i++ {
		for j := 0; j < m.n; j++ {
			m.data[i*m.n+j] += x[i] * x[j]
		}
	}
}

// inverse returns A⁻¹ by Gauss-Jordan elimination with partial pivoting.
// The ridge prior keeps A invertible throughout an arm's life.
func (m *matrix) inverse() *matrix {
	n := m.n
	work := make([]float64, len(m.data))
	copy(work, m.data)
	inv := identity(n, 1)

	for col := 0; col < n; col++ {
		pivot := col
		for row := col + 1; row < n; row++ {
			if abs(work[row*n+col]) > abs(work[pivot*n+col]) {
				pivot = row
			}
		}
		if pivot != col {
			swapRows(work, n, col, pivot)
			swapRows(inv.data, n, col, pivot)
		}

		p := work[col*n+col]
		if p == 0 {
			continue // unreachable for SPD input
		}
		for j := 0; j < n; j++ {
			work[col*n+j] /= p
			inv.data[col*n+j] /= p
		}
		for row := 0; row < n; row++ {
			if row == col {
				continue
			}
			f := work[row*n+col]
			if f == 0 {
				continue
			}
			for j := 0; j < n; j++ {
				work[row*n+j] -= f * work[col*n+j]
				inv.data[row*n+j] -= f * inv.data[col*n+j]
			}
		}
	}
	return inv
}

func (m *matrix) mulVec(x []float64) []float64 {
	out := make([]float64, m.n)
	for i := 0; i < m.n; i++ {
		var sum float64
		for j := 0; j < m.n; j++ {
			sum += m.at(i, j) * x[j]
		}
		out[i] = sum
	}
	return out
}

// quadForm computes xᵀ·M·x.
func quadForm(m *matrix, x []float64) float64 {
	var total float64
	for i := 0; i < m.n; i++ {
		var row float64
		for j := 0; j < m.n; j++ {
			row += m.at(i, j) * x[j]
		}
		total += x[i] * row
	}
	return total
}

func dot(a, b []float64) float64 {
	var sum float64
	for i := range a {
		sum += a[i] * b[i]
	}
	return sum
}

func swapRows(data []float64, n, a, b int) {
	for j := 0; j < n; j++ {
		data[a*n+j], data[b*n+j] = data[b*n+j], data[a*n+j]
	}
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
