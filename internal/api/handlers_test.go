package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-chi/chi/v5"
	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"diagramcollab/internal/auth"
	"diagramcollab/internal/authz"
	"diagramcollab/internal/docsync"
	"diagramcollab/internal/models"
	"diagramcollab/internal/repositories"
	"diagramcollab/internal/session"
	"diagramcollab/internal/snapshot"
	"diagramcollab/internal/storage"
	"diagramcollab/internal/testhelpers"
)

const testSecret = "test-secret"

type testEnv struct {
	server    *httptest.Server
	registry  *session.Registry
	snapshots *repositories.SnapshotRepository
	redis     *miniredis.Miniredis
}

func setupEnv(t *testing.T) *testEnv {
	t.Helper()
	log := zap.NewNop()

	db := testhelpers.SetupTestDB(t)
	testhelpers.Seed(t, db,
		&models.File{ID: "F1", OwnerID: "U1"},
		&models.Collaborator{FileID: "F1", UserID: "editor", Role: models.RoleEdit},
		&models.Collaborator{FileID: "F1", UserID: "viewer", Role: models.RoleView},
		&models.SnapshotRecord{FileID: "F1", Data: []byte(`{"clock":3,"records":{"shape:1":{"x":1}}}`)},
	)
	snapshots := &repositories.SnapshotRepository{DB: db}
	scheduler := snapshot.NewScheduler(snapshots, 20*time.Millisecond, log)

	registry := session.NewRegistry(docsync.New, log,
		session.WithChangeHook(func(r *session.Room) { scheduler.Notify(r) }),
		session.WithCloseHook(func(r *session.Room) { _ = scheduler.Flush(context.Background(), r.FileID()) }),
	)
	resolver := authz.NewResolver(&repositories.AccessRepository{DB: db}, log)
	coordinator := session.NewCoordinator(resolver, registry, scheduler, log)

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	h := NewHandlers(log, coordinator, registry, storage.NewAssetStore(rdb, 0), 16, []string{"*"})

	r := chi.NewRouter()
	r.Use(auth.Identify(auth.NewVerifier(testSecret), log))
	r.Get("/healthz", h.Health)
	r.Get("/ws/connect", h.CollabWS)
	r.Get("/api/v1/rooms", h.ListRooms)
	r.Post("/api/v1/uploads", h.CreateAsset)
	r.Put("/api/v1/uploads/{id}", h.PutAsset)
	r.Get("/api/v1/uploads/{id}", h.GetAsset)

	server := httptest.NewServer(r)
	t.Cleanup(func() {
		registry.CloseAll()
		server.Close()
	})
	return &testEnv{server: server, registry: registry, snapshots: snapshots, redis: mr}
}

func tokenFor(t *testing.T, userID string) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, &auth.UserClaims{UserID: userID}).SignedString([]byte(testSecret))
	require.NoError(t, err)
	return token
}

func (e *testEnv) dial(t *testing.T, userID, sessionID, roomID, fileID string) *websocket.Conn {
	t.Helper()
	q := url.Values{}
	q.Set("sessionId", sessionID)
	q.Set("roomId", roomID)
	q.Set("fileId", fileID)
	if userID != "" {
		q.Set("token", tokenFor(t, userID))
	}
	wsURL := "ws" + strings.TrimPrefix(e.server.URL, "http") + "/ws/connect?" + q.Encode()
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg map[string]any
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

// expectClosedSilently asserts the server closed the socket without sending
// any application payload.
func expectClosedSilently(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	require.Error(t, err, "unexpected payload %q", data)
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure) || !websocket.IsUnexpectedCloseError(err),
		"unexpected error %v", err)
}

func TestHealth(t *testing.T) {
	rec := httptest.NewRecorder()
	(&Handlers{}).Health(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, "ok", rec.Body.String())
}

func TestCollabWSOwnerReceivesPersistedDocument(t *testing.T) {
	env := setupEnv(t)
	conn := env.dial(t, "U1", "s1", "room-F1", "F1")

	msg := readFrame(t, conn)
	assert.Equal(t, "connect", msg["type"])
	assert.Equal(t, "s1", msg["sessionId"])
	assert.EqualValues(t, 3, msg["clock"])
	assert.Equal(t, false, msg["readonly"])
	assert.Contains(t, msg["records"], "shape:1")
}

func TestCollabWSRelaysPushes(t *testing.T) {
	env := setupEnv(t)
	owner := env.dial(t, "U1", "s1", "room-F1", "F1")
	readFrame(t, owner)
	editor := env.dial(t, "editor", "s2", "room-F1", "F1")
	readFrame(t, editor)

	require.NoError(t, owner.WriteJSON(map[string]any{
		"type":        "push",
		"clientClock": 1,
		"diff":        map[string]any{"put": map[string]any{"shape:2": map[string]any{"y": 2}}},
	}))

	result := readFrame(t, owner)
	assert.Equal(t, "push_result", result["type"])
	assert.Equal(t, "commit", result["action"])
	assert.EqualValues(t, 4, result["clock"])

	patch := readFrame(t, editor)
	assert.Equal(t, "patch", patch["type"])
	assert.EqualValues(t, 4, patch["clock"])

	// Last one out persists the document.
	owner.Close()
	editor.Close()
	require.Eventually(t, func() bool {
		data, ok, err := env.snapshots.LoadLatest(context.Background(), "F1")
		return err == nil && ok && bytes.Contains(data, []byte("shape:2"))
	}, 2*time.Second, 20*time.Millisecond)
	require.Eventually(t, func() bool { return len(env.registry.Rooms()) == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestCollabWSViewerCannotEdit(t *testing.T) {
	env := setupEnv(t)
	viewer := env.dial(t, "viewer", "s3", "room-F1", "F1")
	connect := readFrame(t, viewer)
	assert.Equal(t, true, connect["readonly"])

	require.NoError(t, viewer.WriteJSON(map[string]any{
		"type": "push", "clientClock": 9,
		"diff": map[string]any{"remove": []string{"shape:1"}},
	}))
	result := readFrame(t, viewer)
	assert.Equal(t, "rejected", result["action"])
	assert.Equal(t, "readonly", result["reason"])
}

func TestCollabWSRejectsSilently(t *testing.T) {
	env := setupEnv(t)

	t.Run("non collaborator", func(t *testing.T) {
		expectClosedSilently(t, env.dial(t, "U2", "s9", "room-F1", "F1"))
	})
	t.Run("unknown file", func(t *testing.T) {
		expectClosedSilently(t, env.dial(t, "U1", "s9", "room-F404", "F404"))
	})
	t.Run("anonymous", func(t *testing.T) {
		expectClosedSilently(t, env.dial(t, "", "s9", "room-F1", "F1"))
	})
	t.Run("missing session id", func(t *testing.T) {
		expectClosedSilently(t, env.dial(t, "U1", "", "room-F1", "F1"))
	})
	assert.Empty(t, env.registry.Rooms())
}

func TestListRooms(t *testing.T) {
	env := setupEnv(t)
	conn := env.dial(t, "U1", "s1", "room-F1", "F1")
	readFrame(t, conn)

	resp, err := http.Get(env.server.URL + "/api/v1/rooms")
	require.NoError(t, err)
	defer resp.Body.Close()

	var rooms []models.RoomInfo
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&rooms))
	assert.Equal(t, []models.RoomInfo{{RoomID: "room-F1", FileID: "F1", Sessions: 1}}, rooms)
}

func doRequest(t *testing.T, method, url string, body []byte) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, url, bytes.NewReader(body))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestAssetsPutAndGet(t *testing.T) {
	env := setupEnv(t)

	resp := doRequest(t, http.MethodPut, env.server.URL+"/api/v1/uploads/logo_1", []byte("png-bytes"))
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp = doRequest(t, http.MethodGet, env.server.URL+"/api/v1/uploads/logo_1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var buf bytes.Buffer
	_, _ = buf.ReadFrom(resp.Body)
	assert.Equal(t, "png-bytes", buf.String())
}

func TestAssetsCreateGeneratesID(t *testing.T) {
	env := setupEnv(t)

	resp := doRequest(t, http.MethodPost, env.server.URL+"/api/v1/uploads", []byte("blob"))
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var out uploadResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Len(t, out.ID, 36)
	assert.Equal(t, 4, out.Size)
	assert.True(t, env.redis.Exists("asset:"+out.ID))
}

func TestAssetsErrors(t *testing.T) {
	env := setupEnv(t)

	cases := []struct {
		name   string
		method string
		path   string
		body   []byte
		status int
	}{
		{"too large", http.MethodPut, "/api/v1/uploads/big", bytes.Repeat([]byte("x"), 17), http.StatusRequestEntityTooLarge},
		{"empty", http.MethodPut, "/api/v1/uploads/empty", nil, http.StatusBadRequest},
		{"unsafe id", http.MethodPut, "/api/v1/uploads/a.b", []byte("x"), http.StatusBadRequest},
		{"missing", http.MethodGet, "/api/v1/uploads/nothing", nil, http.StatusNotFound},
		{"unsafe get", http.MethodGet, "/api/v1/uploads/a.b", nil, http.StatusBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp := doRequest(t, tc.method, env.server.URL+tc.path, tc.body)
			assert.Equal(t, tc.status, resp.StatusCode)
		})
	}
}

func TestOriginChecker(t *testing.T) {
	check := originChecker([]string{"https://app.example.com"})

	req := httptest.NewRequest(http.MethodGet, "/ws/connect", nil)
	assert.True(t, check(req))
	req.Header.Set("Origin", "https://app.example.com")
	assert.True(t, check(req))
	req.Header.Set("Origin", "https://evil.example.com")
	assert.False(t, check(req))
	assert.True(t, originChecker([]string{"*"})(req))
}
