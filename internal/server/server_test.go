package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"warroom/internal/app"
	"warroom/internal/config"
	"warroom/internal/domain"
	"warroom/internal/engine"
)

type testServer struct {
	URL    string
	Env    *app.Env
	client *http.Client
}

func newTestServer(t *testing.T, auth AuthConfig) *testServer {
	t.Helper()
	env, err := app.Open(context.Background(), app.Options{
		Workspace: t.TempDir(),
		Config:    config.Default(),
		LogOutput: io.Discard,
	})
	require.NoError(t, err)
	handler, err := New(Config{Dispatcher: env.Dispatcher, BasePath: "/v1", Auth: auth, Logger: env.Logger})
	require.NoError(t, err)
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	require.NoError(t, err)
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	t.Cleanup(func() {
		srv.Shutdown(context.Background())
		ln.Close()
		env.Close()
	})
	return &testServer{URL: "http://" + ln.Addr().String(), Env: env, client: &http.Client{}}
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader io.Reader = bytes.NewReader(nil)
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, url, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	require.NoError(t, err)
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	return res, data
}

type errorEnvelope struct {
	Error struct {
		Code    string         `json:"code"`
		Message string         `json:"message"`
		Details map[string]any `json:"details"`
	} `json:"error"`
}

func decodeError(t *testing.T, data []byte) errorEnvelope {
	t.Helper()
	var env errorEnvelope
	require.NoError(t, json.Unmarshal(data, &env), string(data))
	return env
}

func meridianBody(rounds int) map[string]any {
	return map[string]any{
		"title":               "Meridian Ventures tranche dispute",
		"facts":               "Meridian refuses to release Tranche 2 alleging unmet milestone",
		"jurisdiction":        "Delaware",
		"stakes":              "$4M second tranche",
		"deliberation_rounds": rounds,
	}
}

func (s *testServer) submitIdle(t *testing.T, rounds int) domain.Case {
	t.Helper()
	c, err := s.Env.Engine.SubmitCase(context.Background(), engine.SubmitInput{
		Title: "Idle case", Facts: "facts", Jurisdiction: "Delaware", Stakes: "stakes",
		DeliberationRounds: &rounds,
	})
	require.NoError(t, err)
	return c
}

func TestSubmitRunsWorkflowToSnapshot(t *testing.T) {
	srv := newTestServer(t, AuthConfig{})
	res, data := doJSON(t, srv.client, http.MethodPost, srv.URL+"/v1/cases", meridianBody(2), nil)
	require.Equal(t, http.StatusCreated, res.StatusCode, string(data))
	var created domain.Case
	require.NoError(t, json.Unmarshal(data, &created))
	assert.Equal(t, domain.PhaseCreated, created.Phase)
	assert.Equal(t, 2, created.DeliberationRounds)

	srv.Env.Dispatcher.Wait()

	res, data = doJSON(t, srv.client, http.MethodGet, srv.URL+"/v1/cases/"+created.ID, nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var snap domain.Snapshot
	require.NoError(t, json.Unmarshal(data, &snap))
	assert.Equal(t, domain.PhaseComplete, snap.Case.Phase)
	assert.Len(t, snap.Arguments, 3)
	assert.Len(t, snap.Counterarguments, 2)
	require.NotNil(t, snap.Strategy)
	assert.Equal(t, 1, snap.Strategy.Version)
	assert.Len(t, snap.AgentRuns, 6)
	assert.Equal(t, int64(18), snap.LastEventSeq)

	res, data = doJSON(t, srv.client, http.MethodGet, srv.URL+"/v1/cases/"+created.ID+"/conflicts?status=unresolved", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var open []domain.Conflict
	require.NoError(t, json.Unmarshal(data, &open))
	require.Len(t, open, 1)
	assert.Equal(t, "contract performance", open[0].Issue)

	res, data = doJSON(t, srv.client, http.MethodGet, srv.URL+"/v1/cases/"+created.ID+"/runs", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var runs []RunResponse
	require.NoError(t, json.Unmarshal(data, &runs))
	require.Len(t, runs, 6)
	assert.NotEmpty(t, runs[0].Steps)

	res, data = doJSON(t, srv.client, http.MethodGet, srv.URL+"/v1/cases/"+created.ID+"/arguments?role=precedent_researcher", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var args []domain.Argument
	require.NoError(t, json.Unmarshal(data, &args))
	require.Len(t, args, 1)
	assert.Equal(t, domain.ArgumentPrecedent, args[0].Kind)
}

func TestSubmitValidation(t *testing.T) {
	srv := newTestServer(t, AuthConfig{})
	body := meridianBody(1)
	body["title"] = "   "
	res, data := doJSON(t, srv.client, http.MethodPost, srv.URL+"/v1/cases", body, nil)
	require.Equal(t, http.StatusBadRequest, res.StatusCode, string(data))
	env := decodeError(t, data)
	assert.Equal(t, "validation_failed", env.Error.Code)
	fields, ok := env.Error.Details["fields"].(map[string]any)
	require.True(t, ok, string(data))
	assert.Contains(t, fields, "title")

	body = meridianBody(11)
	res, data = doJSON(t, srv.client, http.MethodPost, srv.URL+"/v1/cases", body, nil)
	assert.Equal(t, http.StatusBadRequest, res.StatusCode, string(data))

	res, _ = doJSON(t, srv.client, http.MethodPost, srv.URL+"/v1/cases", nil, nil)
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)
}

func TestUnknownCaseIs404(t *testing.T) {
	srv := newTestServer(t, AuthConfig{})
	for _, suffix := range []string{"", "/arguments", "/conflicts", "/strategy", "/strategy/versions", "/runs", "/messages", "/events"} {
		res, data := doJSON(t, srv.client, http.MethodGet, srv.URL+"/v1/cases/missing"+suffix, nil, nil)
		assert.Equal(t, http.StatusNotFound, res.StatusCode, suffix)
		assert.Equal(t, "not_found", decodeError(t, data).Error.Code, suffix)
	}
	c := srv.submitIdle(t, 1)
	res, _ := doJSON(t, srv.client, http.MethodGet, srv.URL+"/v1/cases/"+c.ID+"/strategy", nil, nil)
	assert.Equal(t, http.StatusNotFound, res.StatusCode)
}

func TestListCasesPaginates(t *testing.T) {
	srv := newTestServer(t, AuthConfig{})
	for i := 0; i < 3; i++ {
		srv.submitIdle(t, 0)
	}
	res, data := doJSON(t, srv.client, http.MethodGet, srv.URL+"/v1/cases?limit=2", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var page paginatedCases
	require.NoError(t, json.Unmarshal(data, &page))
	require.Len(t, page.Items, 2)
	require.NotEmpty(t, page.NextCursor)

	res, data = doJSON(t, srv.client, http.MethodGet, srv.URL+"/v1/cases?limit=2&cursor="+url.QueryEscape(page.NextCursor), nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var next paginatedCases
	require.NoError(t, json.Unmarshal(data, &next))
	require.Len(t, next.Items, 1)
	assert.Empty(t, next.NextCursor)
	seen := map[string]bool{page.Items[0].ID: true, page.Items[1].ID: true}
	assert.False(t, seen[next.Items[0].ID])

	res, _ = doJSON(t, srv.client, http.MethodGet, srv.URL+"/v1/cases?cursor=broken", nil, nil)
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)
}

func TestEventLogPages(t *testing.T) {
	srv := newTestServer(t, AuthConfig{})
	res, data := doJSON(t, srv.client, http.MethodPost, srv.URL+"/v1/cases", meridianBody(1), nil)
	require.Equal(t, http.StatusCreated, res.StatusCode, string(data))
	var c domain.Case
	require.NoError(t, json.Unmarshal(data, &c))
	srv.Env.Dispatcher.Wait()

	var all []EventResponse
	after := int64(0)
	for {
		res, data := doJSON(t, srv.client, http.MethodGet, fmt.Sprintf("%s/v1/cases/%s/events?after=%d&limit=4", srv.URL, c.ID, after), nil, nil)
		require.Equal(t, http.StatusOK, res.StatusCode, string(data))
		var page paginatedEvents
		require.NoError(t, json.Unmarshal(data, &page))
		all = append(all, page.Items...)
		if page.NextAfter == 0 {
			break
		}
		after = page.NextAfter
	}
	require.NotEmpty(t, all)
	for i, evt := range all {
		assert.Equal(t, int64(i+1), evt.Seq)
	}
	last := all[len(all)-1]
	assert.Equal(t, "strategy_ready", last.Kind)
	assert.NotEmpty(t, last.Payload["final_strategy"])
}

type sseFrame struct {
	ID    string
	Event string
	Data  string
}

func readStream(t *testing.T, client *http.Client, url string) []sseFrame {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	require.NoError(t, err)
	res, err := client.Do(req)
	require.NoError(t, err)
	defer res.Body.Close()
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Contains(t, res.Header.Get("Content-Type"), "text/event-stream")

	var frames []sseFrame
	var cur sseFrame
	scanner := bufio.NewScanner(res.Body)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if cur.Data != "" {
				frames = append(frames, cur)
			}
			cur = sseFrame{}
		case strings.HasPrefix(line, "id:"):
			cur.ID = strings.TrimSpace(strings.TrimPrefix(line, "id:"))
		case strings.HasPrefix(line, "event:"):
			cur.Event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			cur.Data += strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		}
	}
	require.NoError(t, ctx.Err(), "stream did not end")
	return frames
}

func TestStreamDeliversFullSequenceAndEnds(t *testing.T) {
	srv := newTestServer(t, AuthConfig{})
	c := srv.submitIdle(t, 2)

	var frames []sseFrame
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		frames = readStream(t, srv.client, srv.URL+"/v1/cases/"+c.ID+"/stream")
	}()
	require.Eventually(t, func() bool { return srv.Env.Bus.Subscribers(c.ID) == 1 }, 5*time.Second, 10*time.Millisecond)
	require.NoError(t, srv.Env.Dispatcher.Start(c.ID))
	wg.Wait()

	require.Len(t, frames, 18)
	for i, f := range frames {
		assert.Equal(t, fmt.Sprint(i+1), f.ID)
	}
	assert.Equal(t, "agent_started", frames[0].Event)
	assert.Equal(t, "conflict_detected", frames[14].Event)
	assert.Equal(t, "strategy_ready", frames[17].Event)

	// Reconnecting after the terminal event returns at once.
	assert.Empty(t, readStream(t, srv.client, srv.URL+"/v1/cases/"+c.ID+"/stream?after=18"))
	// Reconnecting midway replays the rest.
	rest := readStream(t, srv.client, srv.URL+"/v1/cases/"+c.ID+"/stream?after=15")
	require.Len(t, rest, 3)
	assert.Equal(t, "16", rest[0].ID)
}

func TestStreamOfUnknownCaseSendsError(t *testing.T) {
	srv := newTestServer(t, AuthConfig{})
	frames := readStream(t, srv.client, srv.URL+"/v1/cases/missing/stream")
	require.Len(t, frames, 1)
	assert.Equal(t, "error", frames[0].Event)
	assert.Contains(t, frames[0].Data, "not found")
}

func TestCancelRequiresOperatorToken(t *testing.T) {
	const secret = "test-secret"
	srv := newTestServer(t, AuthConfig{JWTSecret: secret})
	c := srv.submitIdle(t, 1)
	url := srv.URL + "/v1/cases/" + c.ID + "/cancel"

	res, _ := doJSON(t, srv.client, http.MethodPost, url, nil, nil)
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)

	res, _ = doJSON(t, srv.client, http.MethodPost, url, nil, map[string]string{"Authorization": "Bearer not-a-jwt"})
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)

	viewer, err := SignToken(secret, "viewer", []string{"viewer"}, time.Minute)
	require.NoError(t, err)
	res, data := doJSON(t, srv.client, http.MethodPost, url, nil, map[string]string{"Authorization": "Bearer " + viewer})
	assert.Equal(t, http.StatusForbidden, res.StatusCode)
	assert.Equal(t, "forbidden", decodeError(t, data).Error.Code)

	operator, err := SignToken(secret, "ops", []string{RoleOperator}, time.Minute)
	require.NoError(t, err)
	auth := map[string]string{"Authorization": "Bearer " + operator}
	res, data = doJSON(t, srv.client, http.MethodPost, url, nil, auth)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var cancelled domain.Case
	require.NoError(t, json.Unmarshal(data, &cancelled))
	assert.Equal(t, domain.PhaseFailed, cancelled.Phase)

	res, data = doJSON(t, srv.client, http.MethodPost, url, nil, auth)
	assert.Equal(t, http.StatusConflict, res.StatusCode)
	assert.Equal(t, "case_terminal", decodeError(t, data).Error.Code)

	// Reads stay open.
	res, _ = doJSON(t, srv.client, http.MethodGet, srv.URL+"/v1/cases/"+c.ID, nil, nil)
	assert.Equal(t, http.StatusOK, res.StatusCode)
}

func TestResynthesize(t *testing.T) {
	srv := newTestServer(t, AuthConfig{})
	idle := srv.submitIdle(t, 1)
	res, data := doJSON(t, srv.client, http.MethodPost, srv.URL+"/v1/cases/"+idle.ID+"/resynthesize", nil, nil)
	assert.Equal(t, http.StatusConflict, res.StatusCode)
	assert.Equal(t, "case_not_complete", decodeError(t, data).Error.Code)

	res, data = doJSON(t, srv.client, http.MethodPost, srv.URL+"/v1/cases", meridianBody(1), nil)
	require.Equal(t, http.StatusCreated, res.StatusCode, string(data))
	var c domain.Case
	require.NoError(t, json.Unmarshal(data, &c))
	srv.Env.Dispatcher.Wait()

	res, data = doJSON(t, srv.client, http.MethodPost, srv.URL+"/v1/cases/"+c.ID+"/resynthesize", nil, nil)
	require.Equal(t, http.StatusAccepted, res.StatusCode, string(data))
	srv.Env.Dispatcher.Wait()

	res, data = doJSON(t, srv.client, http.MethodGet, srv.URL+"/v1/cases/"+c.ID+"/strategy/versions", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var versions []domain.Strategy
	require.NoError(t, json.Unmarshal(data, &versions))
	require.Len(t, versions, 2)
	assert.Equal(t, 2, versions[1].Version)

	res, data = doJSON(t, srv.client, http.MethodGet, srv.URL+"/v1/cases/"+c.ID+"/strategy", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var current domain.Strategy
	require.NoError(t, json.Unmarshal(data, &current))
	assert.Equal(t, versions[1].ID, current.ID)
}

func TestHealthAndOpenAPI(t *testing.T) {
	srv := newTestServer(t, AuthConfig{})
	res, data := doJSON(t, srv.client, http.MethodGet, srv.URL+"/v1/health", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.JSONEq(t, `{"status":"ok"}`, string(data))

	res, data = doJSON(t, srv.client, http.MethodGet, srv.URL+"/v1/openapi.json", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	var doc map[string]any
	require.NoError(t, json.Unmarshal(data, &doc))
	paths, ok := doc["paths"].(map[string]any)
	require.True(t, ok)
	assert.Contains(t, paths, "/v1/cases")
	assert.Contains(t, paths, "/v1/cases/{case_id}/stream")

	res, _ = doJSON(t, srv.client, http.MethodGet, srv.URL+"/docs", nil, nil)
	assert.Equal(t, http.StatusOK, res.StatusCode)
}

func TestWebhooksDeliverFilteredEvents(t *testing.T) {
	var mu sync.Mutex
	var got []webhookEvent
	var signatures []string
	hook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var evt webhookEvent
		if err := json.Unmarshal(body, &evt); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		mu.Lock()
		got = append(got, evt)
		signatures = append(signatures, r.Header.Get("X-Warroom-Signature"))
		mu.Unlock()
		assert.Equal(t, "sha256="+sign("hook-secret", body), r.Header.Get("X-Warroom-Signature"))
		assert.Equal(t, evt.Kind, r.Header.Get("X-Warroom-Event"))
	}))
	defer hook.Close()

	srv := newTestServer(t, AuthConfig{})
	res, data := doJSON(t, srv.client, http.MethodPost, srv.URL+"/v1/cases", meridianBody(1), nil)
	require.Equal(t, http.StatusCreated, res.StatusCode, string(data))
	srv.Env.Dispatcher.Wait()

	d := NewWebhookDispatcher(srv.Env.Ledger, []config.WebhookConfig{{
		URL:    hook.URL,
		Events: []string{"strategy_ready", "conflict_detected"},
		Secret: "hook-secret",
	}}, srv.Env.Logger)
	require.True(t, d.Active())
	d.Seek(0)
	d.DispatchAll(context.Background())
	// A second pass delivers nothing new.
	d.DispatchAll(context.Background())

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 2)
	assert.Equal(t, "conflict_detected", got[0].Kind)
	assert.Equal(t, "strategy_ready", got[1].Kind)
	assert.Less(t, got[0].Delivery, got[1].Delivery)
	assert.Len(t, signatures, 2)
}

func TestWebhookFailureRetriesNextPass(t *testing.T) {
	var mu sync.Mutex
	fail := true
	var kinds []string
	hook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		if fail {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		kinds = append(kinds, r.Header.Get("X-Warroom-Event"))
	}))
	defer hook.Close()

	srv := newTestServer(t, AuthConfig{})
	c := srv.submitIdle(t, 0)
	_, err := srv.Env.Engine.Cancel(context.Background(), c.ID)
	require.NoError(t, err)

	d := NewWebhookDispatcher(srv.Env.Ledger, []config.WebhookConfig{{URL: hook.URL}}, srv.Env.Logger)
	d.Seek(0)
	d.DispatchAll(context.Background())
	mu.Lock()
	assert.Empty(t, kinds)
	fail = false
	mu.Unlock()

	d.DispatchAll(context.Background())
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"error"}, kinds)
}
