package clientsync_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Gobusters/ectologger/zapadapter"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fiscalops/fleetwatch/internal/clientsync"
	"github.com/fiscalops/fleetwatch/pkg/httpclient"
)

func newTestClient() *httpclient.Client {
	zapLogger, _ := zap.NewDevelopment()
	logger := zapadapter.NewZapEctoLogger(zapLogger, nil)
	return httpclient.NewClient(httpclient.DefaultConfig(), logger)
}

func TestMonitor_Fetch(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/getServerMonitoringInfo.jsp", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"serverName": "srv-main", "version": "7.9.4"}`))
	}))
	defer server.Close()

	monitor := clientsync.NewMonitor(newTestClient(), 3, 10*time.Millisecond)

	info, err := monitor.Fetch(context.Background(), server.URL+"/")
	require.NoError(t, err)
	assert.Equal(t, "srv-main", info.ServerName)
	assert.Equal(t, "7.9.4", info.Version)
}

func TestMonitor_Fetch_RetriesServerErrors(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"serverName": "srv-retry", "version": "8.0.0"}`))
	}))
	defer server.Close()

	monitor := clientsync.NewMonitor(newTestClient(), 3, 10*time.Millisecond)

	info, err := monitor.Fetch(context.Background(), server.URL)
	require.NoError(t, err)
	assert.Equal(t, "srv-retry", info.ServerName)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestMonitor_Fetch_ExhaustsRetries(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	monitor := clientsync.NewMonitor(newTestClient(), 2, 10*time.Millisecond)

	_, err := monitor.Fetch(context.Background(), server.URL)
	assert.Error(t, err)
}

func TestMonitor_Fetch_BadPayload(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`not json`))
	}))
	defer server.Close()

	monitor := clientsync.NewMonitor(newTestClient(), 1, 10*time.Millisecond)

	_, err := monitor.Fetch(context.Background(), server.URL)
	assert.Error(t, err)
}
