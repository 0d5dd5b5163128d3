package server_test

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/renga/internal/auth"
	"github.com/ashita-ai/renga/internal/graph"
	"github.com/ashita-ai/renga/internal/llm"
	"github.com/ashita-ai/renga/internal/model"
	"github.com/ashita-ai/renga/internal/run"
	"github.com/ashita-ai/renga/internal/server"
	"github.com/ashita-ai/renga/internal/storage"
)

type testServer struct {
	http  *httptest.Server
	jwt   *auth.JWTManager
	store storage.Store
}

func newTestServer(t *testing.T, authDisabled bool) *testServer {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := storage.NewMemory()
	registry := graph.NewRegistry()
	resolver := llm.NewResolver(llm.Config{DefaultModel: "echo"})
	registry.Register(graph.ChatGraphID, graph.NewChatFactory(resolver, nil, logger))

	jwtMgr, err := auth.NewJWTManager("", "", time.Hour)
	require.NoError(t, err)

	srv := server.New(server.Config{
		Store:               store,
		Runs:                run.NewCoordinator(store, registry, nil, logger),
		Graphs:              registry,
		JWTMgr:              jwtMgr,
		Logger:              logger,
		Version:             "test",
		AuthDisabled:        authDisabled,
		MaxRequestBodyBytes: 1 << 20,
	})

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return &testServer{http: ts, jwt: jwtMgr, store: store}
}

func (s *testServer) token(t *testing.T, owner string) string {
	t.Helper()
	tok, _, err := s.jwt.IssueToken(owner, owner)
	require.NoError(t, err)
	return tok
}

// do issues a request and returns the response. A non-empty token is sent as
// a bearer credential.
func (s *testServer) do(t *testing.T, method, path, token string, body any) *http.Response {
	t.Helper()

	var buf io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		buf = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, s.http.URL+path, buf)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := s.http.Client().Do(req)
	require.NoError(t, err)
	return resp
}

func decodeBody[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var out T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func detailOf(t *testing.T, resp *http.Response) string {
	t.Helper()
	return decodeBody[map[string]string](t, resp)["detail"]
}

func createAssistant(t *testing.T, s *testServer, token string) model.Assistant {
	t.Helper()
	resp := s.do(t, http.MethodPost, "/assistants", token, model.CreateAssistantRequest{
		GraphID: graph.ChatGraphID,
		Config:  model.AssistantConfig{Model: "echo"},
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	return decodeBody[model.Assistant](t, resp)
}

func createThread(t *testing.T, s *testServer, token string) model.Thread {
	t.Helper()
	resp := s.do(t, http.MethodPost, "/threads", token, map[string]any{})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	return decodeBody[model.Thread](t, resp)
}

func runInput(text string) map[string]any {
	return map[string]any{"messages": []any{
		map[string]any{"type": "human", "content": text},
	}}
}

// sseFrame is one parsed server-sent event.
type sseFrame struct {
	Event string
	Data  json.RawMessage
}

func readSSE(t *testing.T, body io.Reader) []sseFrame {
	t.Helper()
	var frames []sseFrame
	var current sseFrame
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			current.Event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			current.Data = json.RawMessage(strings.TrimPrefix(line, "data: "))
		case line == "":
			if current.Event != "" {
				frames = append(frames, current)
				current = sseFrame{}
			}
		}
	}
	require.NoError(t, scanner.Err())
	return frames
}

func TestHealthNoAuth(t *testing.T) {
	s := newTestServer(t, false)

	resp := s.do(t, http.MethodGet, "/health", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body := decodeBody[map[string]any](t, resp)
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, "connected", body["store"])
}

func TestMissingTokenRejected(t *testing.T) {
	s := newTestServer(t, false)

	resp := s.do(t, http.MethodPost, "/assistants", "", model.CreateAssistantRequest{GraphID: graph.ChatGraphID})
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "missing authorization header", detailOf(t, resp))
}

func TestInvalidTokenRejected(t *testing.T) {
	s := newTestServer(t, false)

	resp := s.do(t, http.MethodGet, "/threads/t1", "not-a-token", nil)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "invalid or expired token", detailOf(t, resp))
}

func TestAssistantCRUD(t *testing.T) {
	s := newTestServer(t, false)
	tok := s.token(t, "user-1")

	asst := createAssistant(t, s, tok)
	assert.NotEmpty(t, asst.ID)
	assert.Equal(t, 1, asst.Version)

	resp := s.do(t, http.MethodGet, "/assistants/"+asst.ID, tok, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	got := decodeBody[model.Assistant](t, resp)
	assert.Equal(t, asst.ID, got.ID)
	assert.Equal(t, "echo", got.Config.Model)

	prompt := "be brief"
	resp = s.do(t, http.MethodPatch, "/assistants/"+asst.ID, tok, model.UpdateAssistantRequest{
		Config: &model.AssistantConfig{Model: "echo", SystemPrompt: prompt},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	updated := decodeBody[model.Assistant](t, resp)
	assert.Equal(t, 2, updated.Version)
	assert.Equal(t, prompt, updated.Config.SystemPrompt)

	resp = s.do(t, http.MethodDelete, "/assistants/"+asst.ID, tok, nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp.Body.Close()

	resp = s.do(t, http.MethodGet, "/assistants/"+asst.ID, tok, nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "not found", detailOf(t, resp))
}

func TestAssistantIDRoundTrip(t *testing.T) {
	s := newTestServer(t, false)
	tok := s.token(t, "user-1")

	resp := s.do(t, http.MethodPost, "/assistants", tok, model.CreateAssistantRequest{
		AssistantID: "my-agent",
		GraphID:     graph.ChatGraphID,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	created := decodeBody[model.Assistant](t, resp)
	assert.Equal(t, "my-agent", created.ID)

	// Re-posting the same id upserts instead of creating.
	resp = s.do(t, http.MethodPost, "/assistants", tok, model.CreateAssistantRequest{
		AssistantID: "my-agent",
		GraphID:     graph.ChatGraphID,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	upserted := decodeBody[model.Assistant](t, resp)
	assert.Equal(t, "my-agent", upserted.ID)
	assert.Equal(t, 2, upserted.Version)
}

func TestAssistantUnknownGraph(t *testing.T) {
	s := newTestServer(t, false)
	tok := s.token(t, "user-1")

	resp := s.do(t, http.MethodPost, "/assistants", tok, model.CreateAssistantRequest{GraphID: "no-such-graph"})
	require.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	assert.Contains(t, detailOf(t, resp), "unknown graph_id")
}

func TestAssistantOwnerIsolation(t *testing.T) {
	s := newTestServer(t, false)
	alice := s.token(t, "alice")
	bob := s.token(t, "bob")

	asst := createAssistant(t, s, alice)

	resp := s.do(t, http.MethodGet, "/assistants/"+asst.ID, bob, nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()

	resp = s.do(t, http.MethodPost, "/assistants/search", bob, model.SearchRequest{})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, decodeBody[[]model.Assistant](t, resp))

	resp = s.do(t, http.MethodPost, "/assistants/count", alice, model.SearchRequest{})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 1, decodeBody[int](t, resp))
}

func TestSharedAssistantVisibleToAll(t *testing.T) {
	s := newTestServer(t, false)
	bob := s.token(t, "bob")

	shared, _, err := s.store.PutAssistant(t.Context(), model.Assistant{
		ID:       "org-wide",
		GraphID:  graph.ChatGraphID,
		Metadata: model.StampOwner(nil, model.SharedOwner),
	})
	require.NoError(t, err)

	resp := s.do(t, http.MethodGet, "/assistants/"+shared.ID, bob, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()
}

func TestThreadLifecycle(t *testing.T) {
	s := newTestServer(t, false)
	tok := s.token(t, "user-1")

	th := createThread(t, s, tok)
	assert.Equal(t, model.ThreadStatusIdle, th.Status)

	// Fresh thread state is empty.
	resp := s.do(t, http.MethodGet, "/threads/"+th.ID+"/state", tok, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	snap := decodeBody[model.StateSnapshot](t, resp)
	assert.Empty(t, snap.Values)
	assert.Empty(t, snap.CheckpointID)

	resp = s.do(t, http.MethodPatch, "/threads/"+th.ID, tok, model.UpdateThreadRequest{
		Metadata: map[string]any{"topic": "demo"},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	updated := decodeBody[model.Thread](t, resp)
	assert.Equal(t, "demo", updated.Metadata["topic"])

	resp = s.do(t, http.MethodGet, "/threads/"+th.ID+"/history", tok, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, decodeBody[[]model.StateSnapshot](t, resp))

	resp = s.do(t, http.MethodDelete, "/threads/"+th.ID, tok, nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp.Body.Close()

	resp = s.do(t, http.MethodGet, "/threads/"+th.ID, tok, nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()
}

func TestStreamRunEventOrder(t *testing.T) {
	s := newTestServer(t, false)
	tok := s.token(t, "user-1")
	asst := createAssistant(t, s, tok)
	th := createThread(t, s, tok)

	resp := s.do(t, http.MethodPost, "/threads/"+th.ID+"/runs/stream", tok, model.CreateRunRequest{
		AssistantID: asst.ID,
		Input:       runInput("hello world"),
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))
	assert.Equal(t, "no-store", resp.Header.Get("Cache-Control"))
	assert.Equal(t, "no", resp.Header.Get("X-Accel-Buffering"))

	frames := readSSE(t, resp.Body)
	resp.Body.Close()
	require.GreaterOrEqual(t, len(frames), 4)

	assert.Equal(t, "metadata", frames[0].Event)
	var meta map[string]any
	require.NoError(t, json.Unmarshal(frames[0].Data, &meta))
	assert.NotEmpty(t, meta["run_id"])
	assert.Equal(t, float64(1), meta["attempt"])

	assert.Equal(t, "values", frames[1].Event)
	assert.Equal(t, "values", frames[len(frames)-1].Event)
	for _, f := range frames[2 : len(frames)-1] {
		assert.Contains(t, []string{"messages/metadata", "messages/partial", "updates"}, f.Event)
	}

	var final map[string]any
	require.NoError(t, json.Unmarshal(frames[len(frames)-1].Data, &final))
	msgs := model.MessagesOf(final)
	require.Len(t, msgs, 2)
	reply := msgs[1].(map[string]any)
	assert.Equal(t, "ai", reply["type"])
	assert.Equal(t, "hello world", reply["content"])
}

func TestStreamSecondTurnAccumulates(t *testing.T) {
	s := newTestServer(t, false)
	tok := s.token(t, "user-1")
	asst := createAssistant(t, s, tok)
	th := createThread(t, s, tok)

	resp := s.do(t, http.MethodPost, "/threads/"+th.ID+"/runs/stream", tok, model.CreateRunRequest{
		AssistantID: asst.ID,
		Input:       runInput("first"),
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	readSSE(t, resp.Body)
	resp.Body.Close()

	resp = s.do(t, http.MethodPost, "/threads/"+th.ID+"/runs/stream", tok, model.CreateRunRequest{
		AssistantID: asst.ID,
		Input:       runInput("second"),
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	frames := readSSE(t, resp.Body)
	resp.Body.Close()

	// Initial values carry the two prior messages plus the new input.
	var initial map[string]any
	require.NoError(t, json.Unmarshal(frames[1].Data, &initial))
	require.Len(t, model.MessagesOf(initial), 3)

	var final map[string]any
	require.NoError(t, json.Unmarshal(frames[len(frames)-1].Data, &final))
	require.Len(t, model.MessagesOf(final), 4)
}

func TestStatelessStream(t *testing.T) {
	s := newTestServer(t, false)
	tok := s.token(t, "user-1")
	asst := createAssistant(t, s, tok)

	resp := s.do(t, http.MethodPost, "/runs/stream", tok, model.CreateRunRequest{
		AssistantID: asst.ID,
		Input:       runInput("ephemeral"),
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	frames := readSSE(t, resp.Body)
	resp.Body.Close()

	require.GreaterOrEqual(t, len(frames), 4)
	assert.Equal(t, "metadata", frames[0].Event)
	assert.Equal(t, "values", frames[len(frames)-1].Event)

	// Nothing persisted: no threads visible to the caller.
	count := s.do(t, http.MethodPost, "/threads/count", tok, model.SearchRequest{})
	require.Equal(t, http.StatusOK, count.StatusCode)
	assert.Equal(t, 0, decodeBody[int](t, count))
}

func TestStreamValidationError(t *testing.T) {
	s := newTestServer(t, false)
	tok := s.token(t, "user-1")

	resp := s.do(t, http.MethodPost, "/runs/stream", tok, model.CreateRunRequest{})
	require.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	assert.Contains(t, detailOf(t, resp), "assistant_id is required")
}

func TestStreamUnknownAssistant(t *testing.T) {
	s := newTestServer(t, false)
	tok := s.token(t, "user-1")
	th := createThread(t, s, tok)

	resp := s.do(t, http.MethodPost, "/threads/"+th.ID+"/runs/stream", tok, model.CreateRunRequest{
		AssistantID: "missing",
		Input:       runInput("x"),
	})
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "not found", detailOf(t, resp))
}

func TestWaitRun(t *testing.T) {
	s := newTestServer(t, false)
	tok := s.token(t, "user-1")
	asst := createAssistant(t, s, tok)
	th := createThread(t, s, tok)

	resp := s.do(t, http.MethodPost, "/threads/"+th.ID+"/runs/wait", tok, model.CreateRunRequest{
		AssistantID: asst.ID,
		Input:       runInput("blocking call"),
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	final := decodeBody[map[string]any](t, resp)
	msgs := model.MessagesOf(final)
	require.Len(t, msgs, 2)
	assert.Equal(t, "blocking call", msgs[1].(map[string]any)["content"])
}

func TestCreateRunReturnsSettledRecord(t *testing.T) {
	s := newTestServer(t, false)
	tok := s.token(t, "user-1")
	asst := createAssistant(t, s, tok)
	th := createThread(t, s, tok)

	resp := s.do(t, http.MethodPost, "/threads/"+th.ID+"/runs", tok, model.CreateRunRequest{
		AssistantID: asst.ID,
		Input:       runInput("background"),
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	created := decodeBody[model.Run](t, resp)
	assert.Equal(t, model.RunStatusSuccess, created.Status)
	assert.Equal(t, th.ID, created.ThreadID)

	resp = s.do(t, http.MethodGet, fmt.Sprintf("/threads/%s/runs/%s", th.ID, created.ID), tok, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	got := decodeBody[model.Run](t, resp)
	assert.Equal(t, created.ID, got.ID)

	resp = s.do(t, http.MethodGet, "/threads/"+th.ID+"/runs", tok, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, decodeBody[[]model.Run](t, resp), 1)
}

func TestRunIfNotExistsCreatesThread(t *testing.T) {
	s := newTestServer(t, false)
	tok := s.token(t, "user-1")
	asst := createAssistant(t, s, tok)

	resp := s.do(t, http.MethodPost, "/threads/implicit-thread/runs/wait", tok, model.CreateRunRequest{
		AssistantID: asst.ID,
		Input:       runInput("hi"),
		IfNotExists: model.IfNotExistsCreate,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp = s.do(t, http.MethodGet, "/threads/implicit-thread", tok, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()
}

func TestCancelMissingRun(t *testing.T) {
	s := newTestServer(t, false)
	tok := s.token(t, "user-1")
	th := createThread(t, s, tok)

	resp := s.do(t, http.MethodPost, "/threads/"+th.ID+"/runs/run_nope/cancel", tok, nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()
}

func TestCancelTerminalRunConflicts(t *testing.T) {
	s := newTestServer(t, false)
	tok := s.token(t, "user-1")
	asst := createAssistant(t, s, tok)
	th := createThread(t, s, tok)

	resp := s.do(t, http.MethodPost, "/threads/"+th.ID+"/runs", tok, model.CreateRunRequest{
		AssistantID: asst.ID,
		Input:       runInput("done already"),
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	created := decodeBody[model.Run](t, resp)

	resp = s.do(t, http.MethodPost, fmt.Sprintf("/threads/%s/runs/%s/cancel", th.ID, created.ID), tok, nil)
	require.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Contains(t, detailOf(t, resp), "already")
}

func TestJoinStreamWithoutBuffer(t *testing.T) {
	s := newTestServer(t, false)
	tok := s.token(t, "user-1")
	th := createThread(t, s, tok)

	resp := s.do(t, http.MethodGet, "/threads/"+th.ID+"/runs/run_x/stream", tok, nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "stream resumption is not enabled", detailOf(t, resp))
}

func TestAuthDisabledActsAsSharedOwner(t *testing.T) {
	s := newTestServer(t, true)

	asst := createAssistant(t, s, "")
	assert.Equal(t, model.SharedOwner, model.Owner(asst.Metadata))
}

func TestMalformedBody(t *testing.T) {
	s := newTestServer(t, false)
	tok := s.token(t, "user-1")

	req, err := http.NewRequest(http.MethodPost, s.http.URL+"/assistants", strings.NewReader("{not json"))
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+tok)
	resp, err := s.http.Client().Do(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	assert.Contains(t, detailOf(t, resp), "invalid JSON body")
}

func TestRequestIDHeader(t *testing.T) {
	s := newTestServer(t, false)

	resp := s.do(t, http.MethodGet, "/health", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))
	resp.Body.Close()
}
