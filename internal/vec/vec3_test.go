package vec

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestVec3Float_Arithmetic(t *testing.T) {
	a := Vec3Float{X: 1, Y: 2, Z: 3}
	b := Vec3Float{X: 4, Y: 6, Z: 3}

	assert.Equal(t, Vec3Float{X: 5, Y: 8, Z: 6}, a.Add(b))
	assert.Equal(t, Vec3Float{X: 3, Y: 4, Z: 0}, b.Sub(a))
	assert.Equal(t, Vec3Float{X: 2, Y: 4, Z: 6}, a.Mul(2))
	assert.InDelta(t, 5.0, a.DistanceTo(b), 1e-9, "Расстояние 3-4-5")
	assert.True(t, a.Equals(Vec3Float{X: 1, Y: 2, Z: 3}))
}

func TestFromSlice(t *testing.T) {
	assert.Equal(t, Vec3Float{X: 1, Y: 2}, FromSlice([]float64{1, 2}))
	assert.Equal(t, Vec3Float{X: 1, Y: 2, Z: 3}, FromSlice([]float64{1, 2, 3, 4}))
	assert.Equal(t, Vec3Float{}, FromSlice(nil))
}
