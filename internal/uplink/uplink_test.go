package uplink

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reliefops/xir/internal/api"
	"github.com/reliefops/xir/internal/queue"
)

var testSecret = []byte("provisioned-secret")

func staticSecret(context.Context) ([]byte, error) { return testSecret, nil }

func TestDeliver_AcksProcessedAndDuplicate(t *testing.T) {
	var gotAuth string
	var gotReq api.SyncRequest

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/sync", r.URL.Path)
		gotAuth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotReq))

		resp := api.SyncResponse{
			BatchID: gotReq.BatchID,
			Results: []api.SyncItemResult{
				{ActionID: "a1", Status: api.SyncStatusProcessed},
				{ActionID: "a2", Status: api.SyncStatusDuplicate},
				{ActionID: "a3", Status: api.SyncStatusFailed, Code: "ERR_SIGNATURE_INVALID"},
			},
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	c := New(srv.URL, "station-4", staticSecret, time.Minute)
	acked, err := c.Deliver(context.Background(), []queue.Item{
		{ActionID: "a1", Kind: "DISPENSE_RECORD", Payload: json.RawMessage(`{}`)},
		{ActionID: "a2", Kind: "CONSUMPTION_RECORD", Payload: json.RawMessage(`{}`)},
		{ActionID: "a3", Kind: "DISPENSE_RECORD", Payload: json.RawMessage(`{}`)},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"a1", "a2"}, acked)

	assert.Equal(t, "station-4", gotReq.StationID)
	assert.NotEmpty(t, gotReq.BatchID)
	assert.Len(t, gotReq.Actions, 3)

	// The bearer token must be an HS256 JWT over the pairing secret
	// with the station as subject.
	require.Regexp(t, "^Bearer ", gotAuth)
	tok, err := jwt.ParseWithClaims(gotAuth[len("Bearer "):], &jwt.RegisteredClaims{},
		func(*jwt.Token) (any, error) { return testSecret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	)
	require.NoError(t, err)
	sub, err := tok.Claims.GetSubject()
	require.NoError(t, err)
	assert.Equal(t, "station-4", sub)
}

func TestDeliver_HubErrorLeavesNothingAcked(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "not ready", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := New(srv.URL, "station-4", staticSecret, time.Minute)
	acked, err := c.Deliver(context.Background(), []queue.Item{
		{ActionID: "a1", Kind: "DISPENSE_RECORD", Payload: json.RawMessage(`{}`)},
	})
	require.Error(t, err)
	assert.Nil(t, acked)
}

func TestDeliver_UnreachableHub(t *testing.T) {
	c := New("http://127.0.0.1:1", "station-4", staticSecret, time.Minute)
	_, err := c.Deliver(context.Background(), []queue.Item{
		{ActionID: "a1", Kind: "DISPENSE_RECORD", Payload: json.RawMessage(`{}`)},
	})
	require.Error(t, err)
}
