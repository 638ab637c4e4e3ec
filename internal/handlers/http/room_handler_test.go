package http

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"huddle/internal/core/domain"
	"huddle/internal/core/services"
	"huddle/internal/infrastructure/middleware"
	"huddle/internal/infrastructure/repositories/memory"
)

func newTestRouter(t *testing.T) (*gin.Engine, services.CredentialService) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	logger := zaptest.NewLogger(t).Sugar()

	credentials := services.NewCredentialService("test-key", time.Hour, "huddle-test")
	rooms := services.NewRoomService(
		memory.NewMemoryRoomRepository(),
		memory.NewMemoryUserRepository(),
		[]domain.Plugin{{ID: "board", Name: "Board", URL: "https://plugins.test/board"}},
		logger,
	)

	router := gin.New()
	router.Use(middleware.ErrorHandlerMiddleware(logger))
	NewRoomHandler(rooms).SetupRoutes(router, middleware.OptionalAuthMiddleware(credentials))
	return router, credentials
}

func do(router *gin.Engine, method, path, token string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req, _ := http.NewRequest(method, path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	router.ServeHTTP(w, req)
	return w
}

func decodeRoom(t *testing.T, w *httptest.ResponseRecorder) domain.Room {
	t.Helper()
	var body struct {
		Room domain.Room `json:"room"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body.Room
}

func TestRoomHandler_CreateAndGet(t *testing.T) {
	router, _ := newTestRouter(t)

	w := do(router, http.MethodPost, "/rooms", "")
	require.Equal(t, http.StatusCreated, w.Code)
	created := decodeRoom(t, w)
	assert.NotEmpty(t, created.ID)
	assert.Empty(t, created.AdminID)
	assert.Empty(t, created.JoinedUsers)

	w = do(router, http.MethodGet, "/rooms/"+string(created.ID), "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, created.ID, decodeRoom(t, w).ID)
}

func TestRoomHandler_CreateRecordsAdmin(t *testing.T) {
	router, credentials := newTestRouter(t)
	secret, err := credentials.Issue("alice")
	require.NoError(t, err)

	w := do(router, http.MethodPost, "/rooms", secret)
	require.Equal(t, http.StatusCreated, w.Code)
	assert.Equal(t, domain.UserID("alice"), decodeRoom(t, w).AdminID)

	w = do(router, http.MethodPost, "/rooms", "garbage")
	require.Equal(t, http.StatusCreated, w.Code, "bad secrets fall back to anonymous")
	assert.Empty(t, decodeRoom(t, w).AdminID)
}

func TestRoomHandler_GetMissing(t *testing.T) {
	router, _ := newTestRouter(t)

	w := do(router, http.MethodGet, "/rooms/missing", "")
	require.Equal(t, http.StatusNotFound, w.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "NOT_FOUND", body["error"])
	assert.Equal(t, float64(http.StatusNotFound), body["code"])
}

func TestRoomHandler_ListRooms(t *testing.T) {
	router, _ := newTestRouter(t)
	do(router, http.MethodPost, "/rooms", "")
	do(router, http.MethodPost, "/rooms", "")

	w := do(router, http.MethodGet, "/rooms", "")
	require.Equal(t, http.StatusOK, w.Code)
	var body struct {
		Rooms []domain.Room `json:"rooms"`
		Count int           `json:"count"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, 2, body.Count)
	assert.Len(t, body.Rooms, 2)
}

func TestRoomHandler_ListPlugins(t *testing.T) {
	router, _ := newTestRouter(t)

	w := do(router, http.MethodGet, "/plugins", "")
	require.Equal(t, http.StatusOK, w.Code)
	var body struct {
		Plugins []domain.Plugin `json:"plugins"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Len(t, body.Plugins, 1)
	assert.Equal(t, "https://plugins.test/board", body.Plugins[0].URL)
}
