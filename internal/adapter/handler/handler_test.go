package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	grpc_health_v1 "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/rl1809/stock-ledger/internal/core/domain"
)

type stubRecords struct {
	records map[domain.RecordKey]domain.InventoryRecord
	err     error
}

func (s *stubRecords) Get(ctx context.Context, key domain.RecordKey) (*domain.InventoryRecord, error) {
	if s.err != nil {
		return nil, s.err
	}
	rec, ok := s.records[key]
	if !ok {
		return nil, nil
	}
	return &rec, nil
}

func TestGetInventory(t *testing.T) {
	key := domain.RecordKey{ItemID: "I1", LocationID: "L1", LotID: "LOT-1"}
	records := &stubRecords{records: map[domain.RecordKey]domain.InventoryRecord{
		key: {
			ID: "R1", ItemID: "I1", LocationID: "L1", LotID: "LOT-1",
			OnHand: decimal.NewFromInt(50), Reserved: decimal.NewFromInt(12),
			Status: domain.StatusAvailable, Version: 3,
		},
	}}
	router := NewHTTPHandler(records, nil, nil).Routes()

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/inventory/I1/L1?lot=LOT-1", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var body InventoryHTTPResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, "R1", body.ID)
	assert.True(t, body.Available.Equal(decimal.NewFromInt(38)))
	assert.Equal(t, int64(3), body.Version)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/inventory/I1/L1", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetInventory_StoreError(t *testing.T) {
	router := NewHTTPHandler(&stubRecords{err: errors.New("db down")}, nil, nil).Routes()

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/inventory/I1/L1", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotContains(t, rec.Body.String(), "db down")
}

func TestHealthCheck(t *testing.T) {
	healthy := func(context.Context) error { return nil }
	down := func(context.Context) error { return errors.New("connection refused") }

	router := NewHTTPHandler(&stubRecords{}, map[string]HealthCheck{"mysql": healthy, "redis": healthy}, nil).Routes()
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	router = NewHTTPHandler(&stubRecords{}, map[string]HealthCheck{"mysql": healthy, "redis": down}, nil).Routes()
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var body HealthHTTPResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, "degraded", body.Status)
	assert.Equal(t, "healthy", body.Checks["mysql"])
	assert.Contains(t, body.Checks["redis"], "connection refused")
}

func TestGRPCHealth(t *testing.T) {
	h := NewGRPCHandler()
	srv := h.NewServer()

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go srv.Serve(listener)
	defer srv.Stop()

	conn, err := grpc.NewClient(listener.Addr().String(), grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	defer conn.Close()

	client := grpc_health_v1.NewHealthClient(conn)
	check := func() grpc_health_v1.HealthCheckResponse_ServingStatus {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		resp, err := client.Check(ctx, &grpc_health_v1.HealthCheckRequest{Service: LedgerServiceName})
		require.NoError(t, err)
		return resp.GetStatus()
	}

	assert.Equal(t, grpc_health_v1.HealthCheckResponse_NOT_SERVING, check())
	h.SetServing(true)
	assert.Equal(t, grpc_health_v1.HealthCheckResponse_SERVING, check())
	h.Shutdown()
	assert.Equal(t, grpc_health_v1.HealthCheckResponse_NOT_SERVING, check())
}
