package clientsync

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/fiscalops/fleetwatch/pkg/httpclient"
)

const monitoringPath = "/getServerMonitoringInfo.jsp"

// MonitoringInfo is the payload an RMS server reports about itself.
type MonitoringInfo struct {
	ServerName string `json:"serverName"`
	Version    string `json:"version"`
}

// Monitor fetches installation details from RMS endpoints.
type Monitor struct {
	client     *httpclient.Client
	attempts   int
	retryDelay time.Duration
}

func NewMonitor(client *httpclient.Client, attempts int, retryDelay time.Duration) *Monitor {
	if attempts < 1 {
		attempts = 1
	}
	return &Monitor{client: client, attempts: attempts, retryDelay: retryDelay}
}

// Fetch queries the endpoint's monitoring servlet with bounded retries.
func (m *Monitor) Fetch(ctx context.Context, urlRMS string) (*MonitoringInfo, error) {
	url := strings.TrimRight(urlRMS, "/") + monitoringPath

	resp, err := m.client.GetWithRetry(ctx, url, m.attempts, m.retryDelay)
	if err != nil {
		return nil, fmt.Errorf("monitoring fetch from %s failed: %w", urlRMS, err)
	}

	var info MonitoringInfo
	if err := httpclient.DecodeJSON(resp, &info); err != nil {
		return nil, fmt.Errorf("monitoring response from %s: %w", urlRMS, err)
	}
	return &info, nil
}
