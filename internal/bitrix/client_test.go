package bitrix_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/Gobusters/ectologger/zapadapter"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fiscalops/fleetwatch/internal/bitrix"
	"github.com/fiscalops/fleetwatch/pkg/httpclient"
)

func getTestLogger() ectologger.Logger {
	zapLogger, _ := zap.NewDevelopment()
	return zapadapter.NewZapEctoLogger(zapLogger, nil)
}

func newTestClient(webhookURL string) *bitrix.Client {
	logger := getTestLogger()
	httpClient := httpclient.NewClient(httpclient.DefaultConfig(), logger)
	return bitrix.NewClient(httpClient, bitrix.ClientConfig{
		WebhookURL: webhookURL,
		Attempts:   3,
		RetryDelay: 10 * time.Millisecond,
	}, logger)
}

func TestClient_AuthorID(t *testing.T) {
	client := newTestClient("https://portal.bitrix24.ru/rest/17/abc123/")
	id, err := client.AuthorID()
	require.NoError(t, err)
	assert.Equal(t, "17", id)

	client = newTestClient("https://portal.example.com/hooks/")
	_, err = client.AuthorID()
	assert.Error(t, err)
}

func TestEmployee_DepartmentJSON(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want string
	}{
		{name: "array", raw: `[1, 2]`, want: `[1, 2]`},
		{name: "scalar", raw: `5`, want: `[5]`},
		{name: "null", raw: `null`, want: `[]`},
		{name: "missing", raw: ``, want: `[]`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			employee := bitrix.Employee{Department: json.RawMessage(tt.raw)}
			assert.Equal(t, tt.want, employee.DepartmentJSON())
		})
	}
}

func TestClient_ListEmployees(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/user.get", r.URL.Path)

		var payload map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		assert.Equal(t, float64(0), payload["start"])

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"result": [
			{"ID": "1", "NAME": "Anna", "LAST_NAME": "Petrova", "UF_DEPARTMENT": [3]},
			{"ID": "2", "NAME": "Ivan", "LAST_NAME": "Sidorov", "UF_DEPARTMENT": 7}
		], "total": 2}`))
	}))
	defer server.Close()

	client := newTestClient(server.URL + "/")

	employees, err := client.ListEmployees(context.Background())
	require.NoError(t, err)
	require.Len(t, employees, 2)
	assert.Equal(t, "Anna", employees[0].Name)
	assert.Equal(t, "[3]", employees[0].DepartmentJSON())
	assert.Equal(t, "[7]", employees[1].DepartmentJSON())
}

func TestClient_ListProjects_RetriesServerErrors(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"result": [{"ID": "9", "NAME": "Service", "SUBJECT_NAME": "Support"}]}`))
	}))
	defer server.Close()

	client := newTestClient(server.URL)

	projects, err := client.ListProjects(context.Background())
	require.NoError(t, err)
	require.Len(t, projects, 1)
	assert.Equal(t, "9", projects[0].ID)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestClient_CreateTask(t *testing.T) {
	var captured map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/tasks.task.add", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&captured))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"result": {"task": {"id": 101}}}`))
	}))
	defer server.Close()

	client := newTestClient(server.URL)

	err := client.CreateTask(context.Background(), bitrix.TaskFields{
		Title:         "FN replacement due 2026-09-30, Main store",
		Description:   "Serial number: SN-1",
		ResponsibleID: "17",
		CreatedBy:     "17",
		GroupID:       "9",
	})
	require.NoError(t, err)

	fields, ok := captured["fields"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "17", fields["RESPONSIBLE_ID"])
	assert.Equal(t, "9", fields["GROUP_ID"])
}

func TestClient_CreateTask_OmitsEmptyGroup(t *testing.T) {
	var captured map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&captured))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"result": {}}`))
	}))
	defer server.Close()

	client := newTestClient(server.URL)

	err := client.CreateTask(context.Background(), bitrix.TaskFields{
		Title:         "t",
		ResponsibleID: "17",
		CreatedBy:     "17",
	})
	require.NoError(t, err)

	fields, ok := captured["fields"].(map[string]any)
	require.True(t, ok)
	_, hasGroup := fields["GROUP_ID"]
	assert.False(t, hasGroup)
}
