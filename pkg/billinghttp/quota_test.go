package billinghttp_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/billingkit/pkg/billinghttp"
	"github.com/dmitrymomot/billingkit/pkg/subscription"
)

func quotaRouter(t *testing.T, store *subscription.MemoryStore, feature http.Handler) http.Handler {
	t.Helper()
	return billinghttp.Router(billinghttp.RouterOptions{
		Gate:     subscription.NewGate(store),
		Features: map[string]http.Handler{"/assist": feature},
	})
}

func call(h http.Handler, method, path, userID string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	if userID != "" {
		req.Header.Set(billinghttp.HeaderUserID, userID)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

// cancelAwareStore fails usage writes on a canceled context the way
// network-backed stores do.
type cancelAwareStore struct {
	*subscription.MemoryStore
}

func (s cancelAwareStore) Consume(ctx context.Context, userID string) (subscription.Record, error) {
	if err := ctx.Err(); err != nil {
		return subscription.Record{}, err
	}
	return s.MemoryStore.Consume(ctx, userID)
}

func (s cancelAwareStore) ConsumeWithinLimit(ctx context.Context, userID string, now time.Time) (subscription.Record, error) {
	if err := ctx.Err(); err != nil {
		return subscription.Record{}, err
	}
	return s.MemoryStore.ConsumeWithinLimit(ctx, userID, now)
}

func TestRequireQuota(t *testing.T) {
	t.Parallel()

	ok := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })

	t.Run("consumes after success", func(t *testing.T) {
		t.Parallel()

		store := subscription.NewMemoryStore()
		_, err := store.Create(context.Background(), "u1")
		require.NoError(t, err)
		h := quotaRouter(t, store, ok)

		for range 3 {
			require.Equal(t, http.StatusOK, call(h, http.MethodPost, "/api/assist", "u1").Code)
		}
		rec, err := store.Get(context.Background(), "u1")
		require.NoError(t, err)
		assert.Equal(t, int64(3), rec.UsageCount)
	})

	t.Run("failed work is not metered", func(t *testing.T) {
		t.Parallel()

		store := subscription.NewMemoryStore()
		_, err := store.Create(context.Background(), "u1")
		require.NoError(t, err)
		failing := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "model unavailable", http.StatusBadGateway)
		})
		h := quotaRouter(t, store, failing)

		assert.Equal(t, http.StatusBadGateway, call(h, http.MethodPost, "/api/assist", "u1").Code)
		rec, err := store.Get(context.Background(), "u1")
		require.NoError(t, err)
		assert.Zero(t, rec.UsageCount)
	})

	t.Run("client disconnect after success is still metered", func(t *testing.T) {
		t.Parallel()

		store := subscription.NewMemoryStore()
		_, err := store.Create(context.Background(), "u1")
		require.NoError(t, err)

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		disconnecting := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusOK)
			cancel()
		})
		h := billinghttp.Router(billinghttp.RouterOptions{
			Gate:     subscription.NewGate(cancelAwareStore{store}),
			Features: map[string]http.Handler{"/assist": disconnecting},
		})

		req := httptest.NewRequestWithContext(ctx, http.MethodPost, "/api/assist", nil)
		req.Header.Set(billinghttp.HeaderUserID, "u1")
		w := httptest.NewRecorder()
		h.ServeHTTP(w, req)
		require.Equal(t, http.StatusOK, w.Code)

		rec, err := store.Get(context.Background(), "u1")
		require.NoError(t, err)
		assert.Equal(t, int64(1), rec.UsageCount)
	})

	t.Run("exhausted quota returns subscription required", func(t *testing.T) {
		t.Parallel()

		store := subscription.NewMemoryStore()
		r := subscription.NewRecord("u1")
		r.UsageCount = subscription.FreeUsageLimit
		store.Put(r)

		called := false
		h := quotaRouter(t, store, http.HandlerFunc(func(http.ResponseWriter, *http.Request) { called = true }))

		res := call(h, http.MethodPost, "/api/assist", "u1")
		assert.Equal(t, http.StatusForbidden, res.Code)
		assert.False(t, called)

		body := decode(t, res)
		require.NotNil(t, body.Error)
		assert.Equal(t, "subscription_required", body.Error.Code)
		data := body.Data.(map[string]any)
		assert.EqualValues(t, 100, data["usage_count"])
		assert.EqualValues(t, 100, data["usage_limit"])
		assert.Equal(t, "inactive", data["subscription_status"])
	})

	t.Run("missing user", func(t *testing.T) {
		t.Parallel()

		h := quotaRouter(t, subscription.NewMemoryStore(), ok)
		assert.Equal(t, http.StatusUnauthorized, call(h, http.MethodPost, "/api/assist", "").Code)
	})

	t.Run("unknown user", func(t *testing.T) {
		t.Parallel()

		h := quotaRouter(t, subscription.NewMemoryStore(), ok)
		assert.Equal(t, http.StatusNotFound, call(h, http.MethodPost, "/api/assist", "ghost").Code)
	})
}

func TestUsageHandler(t *testing.T) {
	t.Parallel()

	store := subscription.NewMemoryStore()
	r := subscription.NewRecord("u1")
	r.UsageCount = 25
	store.Put(r)

	h := quotaRouter(t, store, http.NotFoundHandler())
	res := call(h, http.MethodGet, "/api/usage", "u1")
	require.Equal(t, http.StatusOK, res.Code)

	data := decode(t, res).Data.(map[string]any)
	assert.EqualValues(t, 25, data["usage_count"])
	assert.EqualValues(t, 100, data["usage_limit"])
	assert.EqualValues(t, 25, data["percent"])
	assert.Equal(t, true, data["allowed"])
	assert.NotContains(t, data, "billing_period_end")
}
