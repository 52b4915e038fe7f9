package notify

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MatthewSnow2/parra-kind-connect-local-sub005/internal/models"
)

func setupRedisGuard(t *testing.T) (*miniredis.Miniredis, *RedisGuard) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return mr, NewRedisGuard(client, 30*time.Second)
}

func TestRedisGuard_AcquireRelease(t *testing.T) {
	_, guard := setupRedisGuard(t)
	ctx := context.Background()

	ok, err := guard.Acquire(ctx, "alert-1", models.RecipientPatient)
	require.NoError(t, err)
	assert.True(t, ok)

	// 在途期间再次获取失败
	ok, err = guard.Acquire(ctx, "alert-1", models.RecipientPatient)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, guard.Release(ctx, "alert-1", models.RecipientPatient))

	ok, err = guard.Acquire(ctx, "alert-1", models.RecipientPatient)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRedisGuard_KeysIndependent(t *testing.T) {
	_, guard := setupRedisGuard(t)
	ctx := context.Background()

	ok, err := guard.Acquire(ctx, "alert-1", models.RecipientPatient)
	require.NoError(t, err)
	require.True(t, ok)

	// 不同受众、不同报警各自独立
	ok, err = guard.Acquire(ctx, "alert-1", models.RecipientCaregiver)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = guard.Acquire(ctx, "alert-2", models.RecipientPatient)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRedisGuard_TTLExpires(t *testing.T) {
	mr, guard := setupRedisGuard(t)
	ctx := context.Background()

	ok, err := guard.Acquire(ctx, "alert-1", models.RecipientPatient)
	require.NoError(t, err)
	require.True(t, ok)

	// 持有者崩溃：TTL 到期后在途位自动释放
	mr.FastForward(31 * time.Second)

	ok, err = guard.Acquire(ctx, "alert-1", models.RecipientPatient)
	require.NoError(t, err)
	assert.True(t, ok)
}
