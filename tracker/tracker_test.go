package tracker

import (
	"context"
	"errors"
	"runtime"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/maxpert/shedder/cluster"
	"github.com/maxpert/shedder/host"
	"github.com/maxpert/shedder/policy"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setup(t *testing.T) (*host.Host, *Tracker) {
	t.Helper()

	h := host.New("node-a")
	require.NoError(t, h.RegisterType("orders.Cart", host.Sheddable()))
	require.NoError(t, h.RegisterType("system.Ledger"))

	table := policy.NewTable(map[string]policy.Priority{"orders.Cart": policy.PriorityNormal})
	tr := New(table, h)
	h.Use(tr.Intercept)
	return h, tr
}

func cart(k string) cluster.ActivationKey {
	return cluster.ActivationKey{Type: "orders.Cart", Key: k}
}

func TestTracker_RecordsEligibleCalls(t *testing.T) {
	h, tr := setup(t)
	ctx := context.Background()

	require.NoError(t, h.Invoke(ctx, cart("1"), nil))
	require.NoError(t, h.Invoke(ctx, cart("2"), nil))
	require.NoError(t, h.Invoke(ctx, cluster.ActivationKey{Type: "system.Ledger", Key: "main"}, nil))

	assert.Equal(t, 2, tr.Len())
	assert.ElementsMatch(t, []cluster.ActivationStat{
		{Key: cart("1"), Node: "node-a"},
		{Key: cart("2"), Node: "node-a"},
	}, tr.Stats("node-a"))
}

func TestTracker_RecordsFailedCalls(t *testing.T) {
	h, tr := setup(t)
	boom := errors.New("boom")

	err := h.Invoke(context.Background(), cart("1"), func(context.Context, *host.Activation) error {
		return boom
	})
	assert.Equal(t, boom, err)

	_, ok := tr.Lookup(cart("1"))
	assert.True(t, ok)
}

func TestTracker_OverwritesSameIdentity(t *testing.T) {
	h, tr := setup(t)
	ctx := context.Background()

	require.NoError(t, h.Invoke(ctx, cart("1"), nil))
	first, ok := tr.Lookup(cart("1"))
	require.True(t, ok)

	_, err := h.RequestEvictOnIdle(cart("1")).Get()
	require.NoError(t, err)
	require.NoError(t, h.Invoke(ctx, cart("1"), nil))

	second, ok := tr.Lookup(cart("1"))
	require.True(t, ok)
	assert.NotSame(t, first, second)
	assert.Equal(t, 1, tr.Len())
}

func TestTracker_PendingEvictsOnCompletion(t *testing.T) {
	h, tr := setup(t)
	ctx := context.Background()

	require.NoError(t, tr.SetPending(2))

	for _, k := range []string{"1", "2", "3"} {
		require.NoError(t, h.Invoke(ctx, cart(k), nil))
	}

	assert.Equal(t, int64(0), tr.Pending())
	assert.Equal(t, int64(2), tr.InterceptEvictions())

	_, ok := h.Lookup(cart("1"))
	assert.False(t, ok)
	_, ok = h.Lookup(cart("2"))
	assert.False(t, ok)
	_, ok = h.Lookup(cart("3"))
	assert.True(t, ok)

	assert.Equal(t, 1, tr.Len())
}

func TestTracker_PendingIgnoresIneligibleTypes(t *testing.T) {
	h, tr := setup(t)
	require.NoError(t, tr.SetPending(1))

	require.NoError(t, h.Invoke(context.Background(), cluster.ActivationKey{Type: "system.Ledger", Key: "main"}, nil))

	assert.Equal(t, int64(1), tr.Pending())
	_, ok := h.Lookup(cluster.ActivationKey{Type: "system.Ledger", Key: "main"})
	assert.True(t, ok)
}

func TestTracker_ConcurrentDecrementsExactlyN(t *testing.T) {
	h, tr := setup(t)
	ctx := context.Background()
	require.NoError(t, tr.SetPending(25))

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			assert.NoError(t, h.Invoke(ctx, cart(strconv.Itoa(i)), nil))
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int64(0), tr.Pending())
	assert.Equal(t, int64(25), tr.InterceptEvictions())
}

func TestTracker_SetPendingRejectsNegative(t *testing.T) {
	_, tr := setup(t)

	err := tr.SetPending(-1)
	assert.True(t, errors.Is(err, cluster.ErrNegativePending))
	assert.Equal(t, int64(0), tr.Pending())

	require.NoError(t, tr.SetPending(0))
}

func TestTracker_SnapshotPrunesEvicted(t *testing.T) {
	h, tr := setup(t)
	ctx := context.Background()

	require.NoError(t, h.Invoke(ctx, cart("1"), nil))
	require.NoError(t, h.Invoke(ctx, cart("2"), nil))

	_, err := h.RequestEvictOnIdle(cart("1")).Get()
	require.NoError(t, err)

	acts := tr.Snapshot()
	require.Len(t, acts, 1)
	assert.Equal(t, cart("2"), acts[0].Key())
	assert.Equal(t, 1, tr.Len())
}

func TestTracker_DoesNotKeepActivationsAlive(t *testing.T) {
	h, tr := setup(t)

	require.NoError(t, h.Invoke(context.Background(), cart("1"), nil))
	_, err := h.RequestEvictOnIdle(cart("1")).Get()
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		runtime.GC()
		ref, ok := tr.refs.Load(cart("1").String())
		return ok && ref.Value() == nil
	}, 2*time.Second, 10*time.Millisecond)
}

func TestTracker_Forget(t *testing.T) {
	h, tr := setup(t)
	require.NoError(t, h.Invoke(context.Background(), cart("1"), nil))

	tr.Forget(cart("1"))
	_, ok := tr.Lookup(cart("1"))
	assert.False(t, ok)
}

func TestTracker_PendingSkipsClaimedUnits(t *testing.T) {
	h, tr := setup(t)
	ctx := context.Background()

	require.True(t, tr.Claim(cart("1")))
	require.NoError(t, tr.SetPending(1))

	// a unit already being evicted neither pays off pending nor gets recorded
	require.NoError(t, h.Invoke(ctx, cart("1"), nil))
	assert.Equal(t, int64(1), tr.Pending())
	assert.Equal(t, int64(0), tr.InterceptEvictions())
	_, ok := tr.Lookup(cart("1"))
	assert.False(t, ok)

	require.NoError(t, h.Invoke(ctx, cart("2"), nil))
	assert.Equal(t, int64(0), tr.Pending())
	assert.Equal(t, int64(1), tr.InterceptEvictions())
}

func TestTracker_ClaimReleasedWhenEvictionSettles(t *testing.T) {
	h, tr := setup(t)
	require.NoError(t, tr.SetPending(1))

	require.NoError(t, h.Invoke(context.Background(), cart("1"), nil))
	_, ok := h.Lookup(cart("1"))
	assert.False(t, ok)
	assert.False(t, tr.Evicting(cart("1")))

	assert.True(t, tr.Claim(cart("1")))
	assert.False(t, tr.Claim(cart("1")))
	tr.Release(cart("1"))
	assert.False(t, tr.Evicting(cart("1")))
}
