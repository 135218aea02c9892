package doc

import "math"

// Transform is a 2D affine transform. A point (x, y) maps to
// (A*x + C*y + E, B*x + D*y + F).
type Transform struct {
	A, B, C, D, E, F float64
}

// Identity returns the identity transform.
func Identity() Transform {
	return Transform{A: 1, D: 1}
}

// Translating returns a pure translation.
func Translating(dx, dy float64) Transform {
	return Transform{A: 1, D: 1, E: dx, F: dy}
}

// Then returns the transform that applies t first and then next.
func (t Transform) Then(next Transform) Transform {
	return Transform{
		A: next.A*t.A + next.C*t.B,
		B: next.B*t.A + next.D*t.B,
		C: next.A*t.C + next.C*t.D,
		D: next.B*t.C + next.D*t.D,
		E: next.A*t.E + next.C*t.F + next.E,
		F: next.B*t.E + next.D*t.F + next.F,
	}
}

// Inverse returns the inverse transform. A singular transform inverts to the identity.
func (t Transform) Inverse() Transform {
	det := t.A*t.D - t.B*t.C
	if det == 0 || math.IsNaN(det) {
		return Identity()
	}
	return Transform{
		A: t.D / det,
		B: -t.B / det,
		C: -t.C / det,
		D: t.A / det,
		E: (t.C*t.F - t.D*t.E) / det,
		F: (t.B*t.E - t.A*t.F) / det,
	}
}

// Apply maps a point.
func (t Transform) Apply(x, y float64) (float64, float64) {
	return t.A*x + t.C*y + t.E, t.B*x + t.D*y + t.F
}

// Array returns the six coefficients in wire order.
func (t Transform) Array() [6]float64 {
	return [6]float64{t.A, t.B, t.C, t.D, t.E, t.F}
}

// TransformFromArray is the inverse of Array.
func TransformFromArray(m [6]float64) Transform {
	return Transform{A: m[0], B: m[1], C: m[2], D: m[3], E: m[4], F: m[5]}
}

// StrokeTransform is a transform applied to a stroke together with the scale
// applied to its internal dimensions (pen width and similar).
type StrokeTransform struct {
	Matrix Transform
	ScaleX float64
	ScaleY float64
}

// NewStrokeTransform wraps a plain matrix with unit internal scale.
func NewStrokeTransform(m Transform) StrokeTransform {
	return StrokeTransform{Matrix: m, ScaleX: 1, ScaleY: 1}
}

// Inverse undoes both the matrix and the internal scale.
func (st StrokeTransform) Inverse() StrokeTransform {
	inv := StrokeTransform{Matrix: st.Matrix.Inverse(), ScaleX: 1, ScaleY: 1}
	if st.ScaleX != 0 {
		inv.ScaleX = 1 / st.ScaleX
	}
	if st.ScaleY != 0 {
		inv.ScaleY = 1 / st.ScaleY
	}
	return inv
}
