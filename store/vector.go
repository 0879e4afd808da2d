package store

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"math"
)

// Vector is an embedding stored as a JSON text column so it round-trips
// identically on sqlite, postgres and mysql.
type Vector []float32

func (v Vector) Value() (driver.Value, error) {
	if v == nil {
		return nil, nil
	}
	data, err := json.Marshal([]float32(v))
	if err != nil {
		return nil, fmt.Errorf("marshal vector: %w", err)
	}
	return string(data), nil
}

func (v *Vector) Scan(src any) error {
	if src == nil {
		*v = nil
		return nil
	}
	var data []byte
	switch s := src.(type) {
	case []byte:
		data = s
	case string:
		data = []byte(s)
	default:
		return fmt.Errorf("unsupported vector column type %T", src)
	}
	if len(data) == 0 {
		*v = nil
		return nil
	}
	var out []float32
	if err := json.Unmarshal(data, &out); err != nil {
		return fmt.Errorf("unmarshal vector: %w", err)
	}
	*v = out
	return nil
}

func (Vector) GormDataType() string { return "text" }

// degenerateNormFloor is the magnitude below which a stored vector is
// treated as a failed embedding rather than a valid search candidate.
const degenerateNormFloor = 1e-6

// Norm returns the Euclidean magnitude of the vector.
func (v Vector) Norm() float64 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	return math.Sqrt(sum)
}

// IsDegenerate reports whether the vector is absent or has near-zero
// magnitude. Degenerate vectors must never rank as search candidates: a
// naive cosine against a near-zero vector produces spurious top scores.
func (v Vector) IsDegenerate() bool {
	return len(v) == 0 || v.Norm() < degenerateNormFloor
}

// Cosine returns cosine similarity in [-1, 1], or 0 when either vector is
// degenerate or the dimensions differ.
func Cosine(a, b Vector) float64 {
	if len(a) != len(b) || a.IsDegenerate() || b.IsDegenerate() {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
