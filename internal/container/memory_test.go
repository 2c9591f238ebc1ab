package container

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryDriverCreateIsIdempotentPerSession(t *testing.T) {
	d := NewMemoryDriver()
	ctx := context.Background()

	first, err := d.Create(ctx, "s1", Spec{Image: "img"})
	require.NoError(t, err)
	assert.False(t, first.Reused)

	second, err := d.Create(ctx, "s1", Spec{Image: "img"})
	require.NoError(t, err)
	assert.True(t, second.Reused)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, 1, d.CreateCount())

	id, found, err := d.FindBySessionLabel(ctx, "s1")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, first.ID, id)
}

func TestMemoryDriverLifecycle(t *testing.T) {
	d := NewMemoryDriver()
	ctx := context.Background()

	c, err := d.Create(ctx, "s1", Spec{Image: "img"})
	require.NoError(t, err)

	require.NoError(t, d.Stop(ctx, c.ID))
	st, _ := d.Inspect(ctx, c.ID)
	assert.Equal(t, Status{Exists: true, Running: false, State: "exited"}, st)

	require.NoError(t, d.Start(ctx, c.ID))
	st, _ = d.Inspect(ctx, c.ID)
	assert.True(t, st.Running)

	require.NoError(t, d.Remove(ctx, c.ID))
	assert.Empty(t, d.Containers())

	// 不存在的容器
	assert.NoError(t, d.Stop(ctx, c.ID))
	assert.NoError(t, d.Remove(ctx, c.ID))
	assert.ErrorIs(t, d.Start(ctx, c.ID), ErrNotFound)
}

func TestMemoryDriverFailureInjection(t *testing.T) {
	d := NewMemoryDriver()
	ctx := context.Background()
	boom := errors.New("boom")

	d.SetFailure(OpCreate, boom)
	_, err := d.Create(ctx, "s1", Spec{})
	assert.ErrorIs(t, err, boom)
	assert.Empty(t, d.Containers())

	d.SetFailure(OpCreate, nil)
	c, err := d.Create(ctx, "s1", Spec{})
	require.NoError(t, err)

	d.SetFailure(OpRemove, boom)
	assert.ErrorIs(t, d.Remove(ctx, c.ID), boom)
	assert.Len(t, d.Containers(), 1)

	d.Kill(c.ID)
	st, _ := d.Inspect(ctx, c.ID)
	assert.False(t, st.Running)
}
