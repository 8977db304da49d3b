package contracts

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const lookupBody = `{
  "symbol": "MNQ",
  "contracts_by_type": {
    "FUT": {
      "contracts": [
        {"con_id": 711280073, "symbol": "MNQ", "sec_type": "FUT", "exchange": "CME",
         "currency": "USD", "local_symbol": "MNQU5", "trading_class": "MNQ",
         "multiplier": "2", "expiry": "20250919"}
      ]
    },
    "STK": {"contracts": []}
  }
}`

func TestLookupAndHydrate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/lookup/MNQ", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(lookupBody))
	}))
	defer srv.Close()

	client := NewClient(srv.URL)
	result, err := client.Lookup(context.Background(), "MNQ")
	require.NoError(t, err)

	entry, ok := result.FindByConID(711280073)
	require.True(t, ok)
	assert.Equal(t, "FUT", entry.SecType)
	assert.Equal(t, "CME", entry.Exchange)

	contract := entry.ToContract()
	assert.Equal(t, int64(711280073), contract.ConID)
	assert.Equal(t, "MNQU5", contract.LocalSymbol)

	_, ok = result.FindByConID(42)
	assert.False(t, ok)
}

func TestLookupServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL).Lookup(context.Background(), "MNQ")
	assert.Error(t, err)
}

func TestHydrateFailsClosedWithoutCache(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	repo, err := NewRepository(nil)
	require.NoError(t, err)
	svc := NewService(NewClient(srv.URL), repo)

	_, err = svc.Hydrate(context.Background(), 711280073, "MNQ")
	assert.Error(t, err, "lookup failure without a cache aborts the hydration")
}
