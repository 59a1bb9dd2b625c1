package cluster

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/krantius/anki/membership"
	"github.com/krantius/anki/scheduler"
	"github.com/krantius/anki/transport"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"
)

func TestRouter(t *testing.T) {
	logger, _ := test.NewNullLogger()
	hub := transport.NewHub(logger)

	n := newTestNode(t, hub, testConfig("an-1"))
	lead(t, n)

	hub.Join("ki-1")
	n.Registry().Register("ki-1", "", membership.Worker)
	require.NoError(t, n.Submit(context.Background(), scheduler.Task{ID: "task-1"}))
	require.Equal(t, 1, n.Scheduler().Drain(context.Background()))

	router := n.Router()

	cases := []struct {
		path     string
		code     int
		contains string
	}{
		{path: "/api/status", code: http.StatusOK, contains: `"is_leader":true`},
		{path: "/api/nodes", code: http.StatusOK, contains: `"ki-1"`},
		{path: "/api/nodes/ki-1", code: http.StatusOK, contains: `"role":"worker"`},
		{path: "/api/nodes/ki-9", code: http.StatusNotFound, contains: "node not found"},
		{path: "/api/proposals", code: http.StatusOK, contains: `"pending"`},
		{path: "/api/proposals/nope", code: http.StatusNotFound, contains: "proposal not found"},
		{path: "/api/tasks", code: http.StatusOK, contains: `"task-1"`},
		{path: "/api/tasks/task-1", code: http.StatusOK, contains: `"state":"assigned"`},
		{path: "/api/tasks/task-9", code: http.StatusNotFound, contains: "task not found"},
		{path: "/api/snapshot", code: http.StatusOK, contains: `"term":1`},
		{path: "/metrics", code: http.StatusOK, contains: "anki_election_term"},
	}

	for _, tc := range cases {
		t.Run(tc.path, func(t *testing.T) {
			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, httptest.NewRequest("GET", tc.path, nil))

			require.Equal(t, tc.code, rec.Code)
			require.Contains(t, rec.Body.String(), tc.contains)
		})
	}
}

func TestStatus(t *testing.T) {
	logger, _ := test.NewNullLogger()
	hub := transport.NewHub(logger)

	n := newTestNode(t, hub, testConfig("an-1"))
	lead(t, n)
	n.Registry().Register("ki-1", "", membership.Worker)

	rec := httptest.NewRecorder()
	n.Router().ServeHTTP(rec, httptest.NewRequest("GET", "/api/status", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.True(t, strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json"))

	var s Status
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&s))
	require.Equal(t, "an-1", s.ID)
	require.Equal(t, uint64(1), s.Election.Term)
	require.Equal(t, "an-1", s.Election.Leader)
	require.Equal(t, 2, s.Members)
	require.Equal(t, 1, s.LiveVoters)
	require.Equal(t, []string{"ki-1"}, s.Workers)
}

func TestMethodNotAllowed(t *testing.T) {
	logger, _ := test.NewNullLogger()
	n := newTestNode(t, transport.NewHub(logger), testConfig("an-1"))

	rec := httptest.NewRecorder()
	n.Router().ServeHTTP(rec, httptest.NewRequest("POST", "/api/status", nil))
	require.NotEqual(t, http.StatusOK, rec.Code)
}
