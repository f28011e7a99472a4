package warroomsdk

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"warroom/internal/app"
	"warroom/internal/config"
	"warroom/internal/engine"
	"warroom/internal/server"
)

const testSecret = "sdk-test-secret"

func newTestClient(t *testing.T) (*Client, *app.Env) {
	t.Helper()
	env, err := app.Open(context.Background(), app.Options{
		Workspace: t.TempDir(),
		Config:    config.Default(),
		LogOutput: io.Discard,
	})
	require.NoError(t, err)
	handler, err := server.New(server.Config{
		Dispatcher: env.Dispatcher,
		BasePath:   "/v1",
		Auth:       server.AuthConfig{JWTSecret: testSecret},
		Logger:     env.Logger,
	})
	require.NoError(t, err)
	ts := httptest.NewServer(handler)
	t.Cleanup(func() {
		ts.Close()
		env.Close()
	})
	return New(ts.URL), env
}

func TestSubmitFollowAndSnapshot(t *testing.T) {
	client, _ := newTestClient(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	rounds := 1
	c, err := client.SubmitCase(ctx, CaseInput{
		Title:              "Meridian Ventures tranche dispute",
		Facts:              "Meridian refuses to release Tranche 2 alleging unmet milestone",
		Jurisdiction:       "Delaware",
		Stakes:             "$4M second tranche",
		DeliberationRounds: &rounds,
	})
	require.NoError(t, err)
	assert.Equal(t, "created", c.Phase)
	assert.Equal(t, 1, c.DeliberationRounds)

	var seen []Event
	last, err := client.Follow(ctx, c.ID, 0, func(evt Event) { seen = append(seen, evt) })
	require.NoError(t, err)
	assert.Equal(t, "strategy_ready", last.Kind)
	require.NotEmpty(t, seen)
	for i, evt := range seen {
		assert.Equal(t, int64(i+1), evt.Seq)
	}

	snap, err := client.Snapshot(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, "complete", snap.Case.Phase)
	require.NotNil(t, snap.Strategy)
	assert.Equal(t, 1, snap.Strategy.Version)
	assert.Equal(t, int64(len(seen)), snap.LastEventSeq)

	strategy, err := client.Strategy(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, snap.Strategy.Content, strategy.Content)

	logged, err := client.Events(ctx, c.ID)
	require.NoError(t, err)
	assert.Len(t, logged, len(seen))

	page, err := client.ListCases(ctx, "complete", 10, "")
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	assert.Equal(t, c.ID, page.Items[0].ID)
}

func TestErrorsDecodeEnvelope(t *testing.T) {
	client, _ := newTestClient(t)
	ctx := context.Background()

	_, err := client.Snapshot(ctx, "missing")
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusNotFound, apiErr.StatusCode)
	assert.Equal(t, "not_found", apiErr.Code)

	_, err = client.SubmitCase(ctx, CaseInput{Title: "only a title"})
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusBadRequest, apiErr.StatusCode)
}

func TestCancelNeedsOperatorToken(t *testing.T) {
	client, env := newTestClient(t)
	ctx := context.Background()
	rounds := 0
	c, err := env.Engine.SubmitCase(ctx, engine.SubmitInput{
		Title: "Idle", Facts: "facts", Jurisdiction: "Delaware", Stakes: "stakes",
		DeliberationRounds: &rounds,
	})
	require.NoError(t, err)

	_, err = client.Cancel(ctx, c.ID)
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusUnauthorized, apiErr.StatusCode)

	token, err := server.SignToken(testSecret, "ops", []string{server.RoleOperator}, time.Minute)
	require.NoError(t, err)
	client.BearerToken = token
	cancelled, err := client.Cancel(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, "failed", cancelled.Phase)
	assert.True(t, cancelled.Terminal())
}

func TestReadEventsJoinsDataLines(t *testing.T) {
	stream := "id: 1\nevent: agent_started\ndata: {\"case_id\":\"c1\",\"seq\":1,\n" +
		"data: \"kind\":\"agent_started\"}\n\n" +
		": keepalive\n\n" +
		"id: 2\nevent: error\ndata: {\"case_id\":\"c1\",\"seq\":2,\"kind\":\"error\",\"payload\":{\"message\":\"boom\"}}\n\n"
	var got []Event
	err := readEvents(strings.NewReader(stream), func(evt Event) error {
		got = append(got, evt)
		return nil
	})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "agent_started", got[0].Kind)
	assert.True(t, got[1].Terminal())
	assert.Equal(t, "boom", got[1].Payload["message"])
}
