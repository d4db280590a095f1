package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"studysync/internal/activity"
	"studysync/internal/cache"
	"studysync/internal/model"
	"studysync/internal/service"
	"studysync/internal/transport/ws"
)

type memRooms struct {
	mu    sync.Mutex
	rooms map[string]*model.Room
}

func (m *memRooms) Create(ctx context.Context, room *model.Room) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rooms[room.ID]; ok {
		return model.ErrRoomExists
	}
	m.rooms[room.ID] = room
	return nil
}

func (m *memRooms) GetByID(ctx context.Context, roomID string) (*model.Room, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	room, ok := m.rooms[roomID]
	if !ok {
		return nil, model.ErrRoomNotFound
	}
	return room, nil
}

func (m *memRooms) Delete(ctx context.Context, roomID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.rooms, roomID)
	return nil
}

type fixture struct {
	handler http.Handler
	auth    *service.AuthService
	store   cache.SessionStore
}

func newFixture(t *testing.T, devAuth bool) *fixture {
	t.Helper()
	logger := zap.NewNop()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	store := cache.NewMemorySessionStore(time.Hour, time.Now)
	roomCache := cache.NewRoomCache(client)
	rooms := &memRooms{rooms: make(map[string]*model.Room)}
	registry := activity.DefaultRegistry()

	auth := service.NewAuthService("rest-test-secret", time.Hour)
	router := service.NewMoveRouter(store, rooms, registry, time.Second, logger)
	relay := service.NewDocumentRelay(nil, time.Second, logger)
	lifecycle := service.NewLifecycle(store, roomCache, nil, relay, service.LifecycleConfig{
		GracePeriod:     time.Second,
		SweepInterval:   time.Minute,
		PersistInterval: time.Minute,
		PersistTimeout:  time.Second,
	}, logger)
	sessions := service.NewSessionService(store, router, lifecycle, logger)
	hub := ws.NewHub(logger)

	h := NewRouter(&Container{
		AuthService:    auth,
		RoomService:    service.NewRoomService(rooms, roomCache, registry, logger),
		SessionService: sessions,
		WSHandler:      ws.NewHandler(hub, auth, sessions, lifecycle, relay, time.Second, logger),
		DevAuth:        devAuth,
	})
	return &fixture{handler: h, auth: auth, store: store}
}

func (f *fixture) do(t *testing.T, method, path, userID string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if userID != "" {
		token, err := f.auth.IssueToken(userID)
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer "+token.Token)
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func TestHealthAndMetrics(t *testing.T) {
	f := newFixture(t, false)

	rec := f.do(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())

	rec = f.do(t, http.MethodGet, "/metrics", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "studysync_http_requests_total")
}

func TestDevTokenRoute(t *testing.T) {
	off := newFixture(t, false)
	rec := off.do(t, http.MethodPost, "/v1/auth/token", "", model.TokenRequest{UserID: "U1"})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	on := newFixture(t, true)
	rec = on.do(t, http.MethodPost, "/v1/auth/token", "", model.TokenRequest{UserID: "U1"})
	require.Equal(t, http.StatusOK, rec.Code)
	var resp model.TokenResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	claims, err := on.auth.ValidateToken(resp.Token)
	require.NoError(t, err)
	assert.Equal(t, "U1", claims.UserID)

	rec = on.do(t, http.MethodPost, "/v1/auth/token", "", model.TokenRequest{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRoomsRequireAuth(t *testing.T) {
	f := newFixture(t, false)
	rec := f.do(t, http.MethodPost, "/v1/rooms", "", model.CreateRoomRequest{ActivityKind: model.ActivityCounter})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/v1/rooms/r1", nil)
	req.Header.Set("Authorization", "Bearer forged")
	rec = httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestPreflightSkipsAuth(t *testing.T) {
	f := newFixture(t, false)
	rec := f.do(t, http.MethodOptions, "/v1/rooms", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestRoomLifecycle(t *testing.T) {
	f := newFixture(t, false)

	rec := f.do(t, http.MethodPost, "/v1/rooms", "U1", model.CreateRoomRequest{
		ActivityKind: model.ActivityCounter,
		Config:       json.RawMessage(`{"start":2}`),
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	var room model.Room
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &room))
	assert.Len(t, room.ID, 6)
	assert.Equal(t, "U1", room.CreatedBy)

	rec = f.do(t, http.MethodGet, "/v1/rooms/"+room.ID, "U2", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var view model.RoomView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))
	assert.Equal(t, model.ActivityCounter, view.ActivityKind)
	assert.Equal(t, []string{"U1"}, view.MemberIDs)
	assert.Empty(t, view.OnlineMemberIDs)

	rec = f.do(t, http.MethodPost, "/v1/rooms", "U1", model.CreateRoomRequest{
		RoomID:       room.ID,
		ActivityKind: model.ActivityCounter,
	})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = f.do(t, http.MethodDelete, "/v1/rooms/"+room.ID, "U2", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = f.do(t, http.MethodDelete, "/v1/rooms/"+room.ID, "U1", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = f.do(t, http.MethodGet, "/v1/rooms/"+room.ID, "U1", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCreateRoomValidatesActivity(t *testing.T) {
	f := newFixture(t, false)

	rec := f.do(t, http.MethodPost, "/v1/rooms", "U1", model.CreateRoomRequest{ActivityKind: "chess"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPost, "/v1/rooms", "U1", model.CreateRoomRequest{
		ActivityKind: model.ActivityCounter,
		Config:       json.RawMessage(`"not an object"`),
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestActiveSession(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()

	rec := f.do(t, http.MethodGet, "/v1/sessions/active", "U1", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	_, err := f.store.Create(ctx, &model.Session{
		ID:           "room:r1",
		OwnerID:      "U1",
		RoomID:       "r1",
		ActivityKind: model.ActivityCounter,
		StateBlob:    json.RawMessage(`{"score":0}`),
	})
	require.NoError(t, err)
	require.NoError(t, f.store.SetActive(ctx, "U1", "room:r1"))

	rec = f.do(t, http.MethodGet, "/v1/sessions/active", "U1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var state model.SessionState
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &state))
	assert.Equal(t, "room:r1", state.SessionID)
	assert.Equal(t, int64(1), state.Version)

	rec = f.do(t, http.MethodGet, "/v1/sessions/history?limit=5", "U1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"sessions":[]}`, rec.Body.String())
}
