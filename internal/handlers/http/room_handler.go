package http

import (
	"net/http"

	"huddle/internal/core/domain"
	"huddle/internal/core/ports"
	"huddle/internal/infrastructure/middleware"

	"github.com/gin-gonic/gin"
)

type RoomHandler struct {
	roomService ports.RoomService
}

var _ ports.RoomHTTPHandler = (*RoomHandler)(nil)

func NewRoomHandler(roomService ports.RoomService) *RoomHandler {
	return &RoomHandler{
		roomService: roomService,
	}
}

// SetupRoutes mounts the room and plugin catalog endpoints. auth runs on
// room creation only, so it should be the optional variant.
func (h *RoomHandler) SetupRoutes(router *gin.Engine, auth gin.HandlerFunc) {
	rooms := router.Group("/rooms")
	{
		rooms.POST("", auth, h.CreateRoom)
		rooms.GET("", h.ListRooms)
		rooms.GET("/:id", h.GetRoom)
	}
	router.GET("/plugins", h.ListPlugins)
}

func (h *RoomHandler) CreateRoom(c *gin.Context) {
	var admin domain.UserID
	if v, ok := c.Get(middleware.ContextUserID); ok {
		admin, _ = v.(domain.UserID)
	}

	room, err := h.roomService.CreateRoom(c.Request.Context(), admin)
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"room": room,
	})
}

func (h *RoomHandler) GetRoom(c *gin.Context) {
	roomID := domain.RoomID(c.Param("id"))

	room, err := h.roomService.GetRoom(c.Request.Context(), roomID)
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"room": room,
	})
}

func (h *RoomHandler) ListRooms(c *gin.Context) {
	rooms, err := h.roomService.ListRooms(c.Request.Context())
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"rooms": rooms,
		"count": len(rooms),
	})
}

func (h *RoomHandler) ListPlugins(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"plugins": h.roomService.ListPlugins(c.Request.Context()),
	})
}
