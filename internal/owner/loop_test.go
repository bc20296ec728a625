package owner

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startLoop(t *testing.T) *Loop {
	t.Helper()
	l := NewLoop(16)
	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = l.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-l.Done()
	})
	// Ждём, пока цикл станет владельцем
	require.NoError(t, l.Do(context.Background(), func() {}))
	return l
}

func TestLoop_DoRunsOnOwner(t *testing.T) {
	l := startLoop(t)

	assert.False(t, l.Owned(), "Тестовая горутина не владелец")
	assert.Panics(t, l.MustOwn, "MustOwn вне цикла должен паниковать")

	var owned bool
	require.NoError(t, l.Do(context.Background(), func() {
		owned = l.Owned()
		l.MustOwn()
	}))
	assert.True(t, owned, "Задача исполняется в горутине-владельце")
}

func TestLoop_NestedDoRunsInline(t *testing.T) {
	l := startLoop(t)

	var order []int
	require.NoError(t, l.Do(context.Background(), func() {
		order = append(order, 1)
		_ = l.Do(context.Background(), func() { order = append(order, 2) })
		order = append(order, 3)
	}))
	assert.Equal(t, []int{1, 2, 3}, order)
}

func TestLoop_PostPreservesOrder(t *testing.T) {
	l := startLoop(t)

	var got []int
	for i := 0; i < 10; i++ {
		i := i
		require.True(t, l.Post(func() { got = append(got, i) }))
	}
	require.NoError(t, l.Do(context.Background(), func() {}))
	assert.Equal(t, []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}, got)
}

func TestLoop_ClosedRejectsTasks(t *testing.T) {
	l := NewLoop(1)
	go func() { _ = l.Run(context.Background()) }()
	l.Close()

	select {
	case <-l.Done():
	case <-time.After(time.Second):
		t.Fatal("Цикл не остановился")
	}
	assert.False(t, l.Post(func() {}))
	assert.ErrorIs(t, l.Do(context.Background(), func() {}), ErrClosed)
}

func TestLoop_NilIsUnchecked(t *testing.T) {
	var l *Loop
	assert.True(t, l.Owned())
	assert.NotPanics(t, l.MustOwn)
}

func TestLoop_MustOwnOutsideTaskPanics(t *testing.T) {
	l := startLoop(t)

	// Цикл простаивает: проверка срабатывает без разбора стека
	assert.PanicsWithValue(t, ErrNotOwner, l.MustOwn)

	var allocs float64
	require.NoError(t, l.Do(context.Background(), func() {
		allocs = testing.AllocsPerRun(100, l.MustOwn)
	}))
	assert.Zero(t, allocs, "Проверка владения не выделяет память")

	require.NoError(t, l.Do(context.Background(), func() {}))
	assert.Panics(t, l.MustOwn, "После задачи владение снято")
}
