package netid

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_ClaimNeverNull(t *testing.T) {
	r := NewRegistry(nil)

	seen := make(map[ID]bool)
	for i := 0; i < 1000; i++ {
		id := r.Claim()
		require.NotEqual(t, Null, id, "Claim не должен возвращать Null")
		require.False(t, seen[id], "Живые идентификаторы не должны совпадать")
		seen[id] = true
	}
	assert.Equal(t, 1000, r.Len())
}

func TestRegistry_AssignGetRelease(t *testing.T) {
	r := NewRegistry(nil)
	id := r.Claim()

	_, ok := r.Get(id)
	assert.False(t, ok, "Выделенный без значения идентификатор не разрешается")

	require.NoError(t, r.Assign(id, "first"))
	require.NoError(t, r.Assign(id, "second"))
	v, ok := r.Get(id)
	require.True(t, ok)
	assert.Equal(t, "second", v, "Последняя запись побеждает")

	assert.True(t, r.Release(id))
	_, ok = r.Get(id)
	assert.False(t, ok, "После Release значение не находится")
	assert.False(t, r.Release(id), "Повторный Release ничего не делает")
}

func TestRegistry_AssignNull(t *testing.T) {
	r := NewRegistry(nil)
	assert.ErrorIs(t, r.Assign(Null, 1), ErrNullID)
}

func TestRegistry_RecyclesReleased(t *testing.T) {
	r := NewRegistry(nil)
	a := r.Claim()
	b := r.Claim()
	require.True(t, r.Release(a))

	c := r.Claim()
	assert.Equal(t, a, c, "Освобождённый идентификатор переиспользуется")
	assert.NotEqual(t, b, c)
}

func TestRegistry_ForeignAssignIsNotReissued(t *testing.T) {
	r := NewRegistry(nil)

	// Реплика получает идентификаторы от сервера без Claim
	require.NoError(t, r.Assign(ID(1), "zone"))
	require.NoError(t, r.Assign(ID(2), "anchor"))

	id := r.Claim()
	assert.NotEqual(t, ID(1), id)
	assert.NotEqual(t, ID(2), id)

	// Освобождённый и снова присвоенный чужой идентификатор убирается из списка свободных
	require.True(t, r.Release(ID(1)))
	require.NoError(t, r.Assign(ID(1), "zone again"))
	next := r.Claim()
	assert.NotEqual(t, ID(1), next)
}

func TestRegistry_Clear(t *testing.T) {
	r := NewRegistry(nil)
	for i := 0; i < 5; i++ {
		require.NoError(t, r.Assign(r.Claim(), i))
	}
	r.Clear()
	assert.Equal(t, 0, r.Len())
	assert.Equal(t, ID(1), r.Claim(), "После выгрузки уровня выдача начинается заново")
}

func TestRegistry_IDsSorted(t *testing.T) {
	r := NewRegistry(nil)
	require.NoError(t, r.Assign(ID(9), "far"))
	a := r.Claim()
	b := r.Claim()
	require.True(t, r.Release(a))

	assert.Equal(t, []ID{b, ID(9)}, r.IDs())
}
