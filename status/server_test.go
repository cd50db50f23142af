package status

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Meander-Cloud/go-branch/config"
	"github.com/Meander-Cloud/go-branch/logging"
)

type fakeSource struct {
	id       uuid.UUID
	info     string
	branches map[uuid.UUID]string
}

func (f *fakeSource) UUID() uuid.UUID                         { return f.id }
func (f *fakeSource) InfoJSON() string                        { return f.info }
func (f *fakeSource) ConnectedBranches() map[uuid.UUID]string { return f.branches }

func newTestServer(t *testing.T) (*Server, *fakeSource) {
	peer := uuid.New()
	src := &fakeSource{
		id:   uuid.New(),
		info: `{"name":"local","tcp_server_port":1234}`,
		branches: map[uuid.UUID]string{
			peer: `{"name":"remote","connected_since":"2024-01-02T03:04:05.000Z"}`,
		},
	}

	registry := prometheus.NewRegistry()
	counter := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "branch",
		Subsystem: "broadcasts",
		Name:      "sent_total",
		Help:      "test counter",
	})
	registry.MustRegister(counter)
	counter.Add(3)

	s, err := NewServer(src, registry, &config.StatusConfig{Enabled: true, Address: "127.0.0.1:0"}, logging.Nop())
	require.NoError(t, err)
	return s, src
}

func get(s *Server, path string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	s.echo.ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	s, src := newTestServer(t)

	rec := get(s, "/health")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, src.id.String(), resp.UUID)
}

func TestBranchInfo(t *testing.T) {
	s, src := newTestServer(t)

	rec := get(s, "/branch")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, src.info, rec.Body.String())
}

func TestConnections(t *testing.T) {
	s, src := newTestServer(t)

	rec := get(s, "/branch/connections")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp map[string]map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp, 1)
	for id := range src.branches {
		assert.Equal(t, "remote", resp[id.String()]["name"])
	}
}

func TestMetrics(t *testing.T) {
	s, _ := newTestServer(t)

	rec := get(s, "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "branch_broadcasts_sent_total 3")
}

func TestReadOnly(t *testing.T) {
	s, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/branch", nil)
	rec := httptest.NewRecorder()
	s.echo.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestNewServerValidation(t *testing.T) {
	_, err := NewServer(nil, prometheus.NewRegistry(), &config.StatusConfig{Address: ":0"}, logging.Nop())
	assert.Error(t, err)

	_, err = NewServer(&fakeSource{}, prometheus.NewRegistry(), &config.StatusConfig{}, logging.Nop())
	assert.Error(t, err)
}
