package api

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"anonchat-service/internal/middleware"
	"anonchat-service/internal/service"
	"anonchat-service/internal/service/match"
	usersvc "anonchat-service/internal/service/user"
	"anonchat-service/internal/ws"
	appErr "anonchat-service/pkg/errors"
	"anonchat-service/pkg/response"

	"github.com/gin-gonic/gin"
)

type Handler struct {
	services *service.Container
}

func RegisterRoutes(r *gin.Engine, services *service.Container) {
	handler := &Handler{services: services}
	wsHandler := ws.NewHandler(services.Notify)

	r.GET("/ping", func(c *gin.Context) {
		response.Success(c, gin.H{"message": "pong"})
	})

	v1 := r.Group("/anonchat/v1")
	{
		authGroup := v1.Group("/auth")
		{
			authGroup.POST("/anonymous", handler.AnonymousLogin)
		}

		userGroup := v1.Group("/user")
		userGroup.Use(middleware.AuthRequired())
		{
			userGroup.GET("/profile", handler.GetProfile)
			userGroup.PUT("/profile", handler.UpdateProfile)
		}

		queueGroup := v1.Group("/queue")
		queueGroup.Use(middleware.AuthRequired())
		{
			queueGroup.POST("/join", handler.QueueJoin)
			queueGroup.POST("/cancel", handler.QueueCancel)
			queueGroup.POST("/heartbeat", handler.QueueHeartbeat)
			queueGroup.GET("/status", handler.QueueStatus)
		}

		roomGroup := v1.Group("/rooms")
		roomGroup.Use(middleware.AuthRequired())
		{
			roomGroup.POST("/:roomId/leave", handler.RoomLeave)
			roomGroup.GET("/:roomId/messages", handler.RoomMessages)
			roomGroup.POST("/:roomId/messages", handler.RoomPostMessage)
		}
	}

	adminGroup := r.Group("/admin")
	{
		adminGroup.POST("/auth/login", handler.AdminLogin)

		protected := adminGroup.Group("/")
		protected.Use(middleware.AdminAuthRequired())
		{
			protected.GET("/queue/stats", handler.AdminQueueStats)
		}
	}

	r.GET("/ws/notifications", wsHandler.HandleNotificationsWS)
}

type anonymousLoginBody struct {
	Language string `json:"language"`
}

type queueJoinBody struct {
	Interests []string `json:"interests"`
	Language  string   `json:"language"`
}

type updateProfileBody struct {
	DisplayName *string `json:"displayName"`
	Language    *string `json:"language"`
}

type adminLoginBody struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

type postMessageBody struct {
	Content string `json:"content" binding:"required"`
}

func (h *Handler) AnonymousLogin(c *gin.Context) {
	var body anonymousLoginBody
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&body); err != nil {
			response.Error(c, http.StatusBadRequest, err.Error())
			return
		}
	}

	resp, err := h.services.Auth.AnonymousLogin(c.Request.Context(), body.Language)
	if err != nil {
		response.Error(c, http.StatusInternalServerError, err.Error())
		return
	}
	response.Success(c, resp)
}

func (h *Handler) AdminLogin(c *gin.Context) {
	var body adminLoginBody
	if err := c.ShouldBindJSON(&body); err != nil {
		response.Error(c, http.StatusBadRequest, err.Error())
		return
	}

	resp, err := h.services.Admin.Login(c.Request.Context(), body.Username, body.Password)
	if err != nil {
		status := http.StatusInternalServerError
		switch err {
		case appErr.ErrAdminNotFound, appErr.ErrInvalidAdminPassword:
			status = http.StatusUnauthorized
		case appErr.ErrAdminDisabled:
			status = http.StatusForbidden
		}
		response.Error(c, status, err.Error())
		return
	}

	response.Success(c, resp)
}

func (h *Handler) QueueJoin(c *gin.Context) {
	var body queueJoinBody
	if err := c.ShouldBindJSON(&body); err != nil {
		response.Error(c, http.StatusBadRequest, err.Error())
		return
	}

	userID, ok := getUserID(c)
	if !ok {
		response.Error(c, http.StatusUnauthorized, appErr.ErrUnauthorized.Error())
		return
	}
	if _, err := h.services.Auth.ValidateUser(c.Request.Context(), userID); err != nil {
		h.handleQueueError(c, err)
		return
	}

	result, err := h.services.Match.Join(c.Request.Context(), matchJoinRequest(userID, body, c.ClientIP()))
	if err != nil {
		h.handleQueueError(c, err)
		return
	}
	response.Success(c, result)
}

func (h *Handler) QueueCancel(c *gin.Context) {
	userID, ok := getUserID(c)
	if !ok {
		response.Error(c, http.StatusUnauthorized, appErr.ErrUnauthorized.Error())
		return
	}

	result, err := h.services.Match.Cancel(c.Request.Context(), userID)
	if err != nil {
		h.handleQueueError(c, err)
		return
	}
	response.Success(c, result)
}

func (h *Handler) QueueHeartbeat(c *gin.Context) {
	userID, ok := getUserID(c)
	if !ok {
		response.Error(c, http.StatusUnauthorized, appErr.ErrUnauthorized.Error())
		return
	}

	result, err := h.services.Match.Heartbeat(c.Request.Context(), userID)
	if err != nil {
		h.handleQueueError(c, err)
		return
	}
	response.Success(c, result)
}

func (h *Handler) QueueStatus(c *gin.Context) {
	userID, ok := getUserID(c)
	if !ok {
		response.Error(c, http.StatusUnauthorized, appErr.ErrUnauthorized.Error())
		return
	}

	result, err := h.services.Match.Status(c.Request.Context(), userID)
	if err != nil {
		h.handleQueueError(c, err)
		return
	}
	response.Success(c, result)
}

func (h *Handler) RoomLeave(c *gin.Context) {
	userID, ok := getUserID(c)
	if !ok {
		response.Error(c, http.StatusUnauthorized, appErr.ErrUnauthorized.Error())
		return
	}
	roomID := strings.TrimSpace(c.Param("roomId"))
	if roomID == "" {
		response.Error(c, http.StatusBadRequest, "invalid room id")
		return
	}

	if err := h.services.Room.RemoveMember(c.Request.Context(), roomID, userID); err != nil {
		h.handleRoomError(c, err)
		return
	}
	response.Success(c, gin.H{"left": true})
}

func (h *Handler) RoomMessages(c *gin.Context) {
	userID, ok := getUserID(c)
	if !ok {
		response.Error(c, http.StatusUnauthorized, appErr.ErrUnauthorized.Error())
		return
	}
	roomID := strings.TrimSpace(c.Param("roomId"))

	limit := 0
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			response.Error(c, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = parsed
	}

	messages, err := h.services.Room.ListMessages(c.Request.Context(), roomID, userID, limit)
	if err != nil {
		h.handleRoomError(c, err)
		return
	}
	response.Success(c, gin.H{"messages": messages})
}

func (h *Handler) RoomPostMessage(c *gin.Context) {
	userID, ok := getUserID(c)
	if !ok {
		response.Error(c, http.StatusUnauthorized, appErr.ErrUnauthorized.Error())
		return
	}
	roomID := strings.TrimSpace(c.Param("roomId"))

	var body postMessageBody
	if err := c.ShouldBindJSON(&body); err != nil {
		response.Error(c, http.StatusBadRequest, err.Error())
		return
	}

	msg, err := h.services.Room.PostMessage(c.Request.Context(), roomID, userID, body.Content)
	if err != nil {
		h.handleRoomError(c, err)
		return
	}
	response.Success(c, gin.H{"message": msg})
}

func (h *Handler) GetProfile(c *gin.Context) {
	userID, ok := getUserID(c)
	if !ok {
		response.Error(c, http.StatusUnauthorized, appErr.ErrUnauthorized.Error())
		return
	}
	profile, err := h.services.User.GetProfile(c.Request.Context(), userID)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, appErr.ErrUserNotFound) {
			status = http.StatusNotFound
		}
		response.Error(c, status, err.Error())
		return
	}
	response.Success(c, profile)
}

func (h *Handler) UpdateProfile(c *gin.Context) {
	userID, ok := getUserID(c)
	if !ok {
		response.Error(c, http.StatusUnauthorized, appErr.ErrUnauthorized.Error())
		return
	}

	var body updateProfileBody
	if err := c.ShouldBindJSON(&body); err != nil {
		response.Error(c, http.StatusBadRequest, err.Error())
		return
	}

	updated, err := h.services.User.UpdateProfile(c.Request.Context(), userID, usersvc.UpdateProfileRequest{
		DisplayName: body.DisplayName,
		Language:    body.Language,
	})
	if err != nil {
		response.Error(c, http.StatusInternalServerError, err.Error())
		return
	}
	response.Success(c, updated)
}

func (h *Handler) AdminQueueStats(c *gin.Context) {
	stats, err := h.services.Match.Stats(c.Request.Context())
	if err != nil {
		response.Error(c, http.StatusInternalServerError, err.Error())
		return
	}
	response.Success(c, stats)
}

func (h *Handler) handleQueueError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, appErr.ErrNotInQueue):
		response.Error(c, http.StatusNotFound, err.Error())
	case errors.Is(err, appErr.ErrAlreadyMatched):
		response.Error(c, http.StatusConflict, err.Error())
	case errors.Is(err, appErr.ErrAlreadyCancelled):
		response.Error(c, http.StatusConflict, err.Error())
	case errors.Is(err, appErr.ErrMatchConflict):
		response.Error(c, http.StatusConflict, err.Error())
	case errors.Is(err, appErr.ErrQueueProcessing):
		response.Error(c, http.StatusTooManyRequests, err.Error())
	case errors.Is(err, appErr.ErrRoomCreateFailed):
		response.Error(c, http.StatusBadGateway, err.Error())
	case errors.Is(err, appErr.ErrUserNotFound), errors.Is(err, appErr.ErrUserBanned):
		response.Error(c, http.StatusForbidden, err.Error())
	default:
		response.Error(c, http.StatusInternalServerError, err.Error())
	}
}

func (h *Handler) handleRoomError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, appErr.ErrRoomNotFound):
		response.Error(c, http.StatusNotFound, err.Error())
	case errors.Is(err, appErr.ErrNotRoomMember):
		response.Error(c, http.StatusForbidden, err.Error())
	case errors.Is(err, appErr.ErrRoomClosed):
		response.Error(c, http.StatusGone, err.Error())
	default:
		response.Error(c, http.StatusInternalServerError, err.Error())
	}
}

func matchJoinRequest(userID int64, body queueJoinBody, ip string) match.JoinRequest {
	return match.JoinRequest{
		UserID:    userID,
		Interests: body.Interests,
		Language:  body.Language,
		IP:        ip,
	}
}

func getUserID(c *gin.Context) (int64, bool) {
	v, ok := c.Get(middleware.ContextUserIDKey)
	if !ok {
		return 0, false
	}
	id, ok := v.(int64)
	return id, ok
}
