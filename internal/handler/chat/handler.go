package chat

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/zhouzirui/podchat/internal/model/chat"
	"github.com/zhouzirui/podchat/internal/model/persona"
	aiService "github.com/zhouzirui/podchat/internal/service/ai"
	chatService "github.com/zhouzirui/podchat/internal/service/chat"
	"github.com/zhouzirui/podchat/pkg/utils"
)

// Handler 会话生命周期的HTTP处理器
type Handler struct {
	chatSvc      *chatService.Service
	aiSvc        *aiService.Service
	personaStore persona.Store
	logger       *zap.Logger
}

// New 创建会话处理器
func New(chatSvc *chatService.Service, aiSvc *aiService.Service, personaStore persona.Store, logger *zap.Logger) *Handler {
	return &Handler{
		chatSvc:      chatSvc,
		aiSvc:        aiSvc,
		personaStore: personaStore,
		logger:       logger,
	}
}

// RegisterRoutes 注册会话相关的路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/session", h.handleCreateSession)
	r.Get("/session/{sessionID}/messages", h.handleTranscript)
	r.Delete("/session/{sessionID}", h.handleEndSession)
}

type createSessionResponse struct {
	Session  chat.Session `json:"session"`
	Greeting *chat.Event  `json:"greeting,omitempty"`
}

// handleCreateSession 创建会话并返回开场白
func (h *Handler) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		PersonaID string `json:"personaId"`
	}

	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil && !errors.Is(err, io.EOF) {
		h.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	p, ok := h.personaStore.FindByID(payload.PersonaID)
	if !ok {
		h.respondError(w, http.StatusBadRequest, "persona not found")
		return
	}

	session, err := h.chatSvc.CreateSession(r.Context(), p.ID)
	if err != nil {
		h.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	resp := createSessionResponse{Session: session}
	if h.aiSvc != nil {
		greet := chat.EmitterFunc(func(e chat.Event) { resp.Greeting = &e })
		if err := h.aiSvc.Greet(r.Context(), session.ID, greet); err != nil {
			h.logger.Warn("greeting failed", zap.String("session", session.ID), zap.Error(err))
		}
	}

	h.respondJSON(w, http.StatusCreated, resp)
}

// handleTranscript 返回会话的完整消息序列
func (h *Handler) handleTranscript(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	turns, err := h.chatSvc.History(r.Context(), sessionID)
	if err != nil {
		h.respondSessionError(w, err)
		return
	}

	h.respondJSON(w, http.StatusOK, map[string]any{
		"sessionId": sessionID,
		"messages":  turns,
	})
}

// handleEndSession 结束会话并丢弃其状态
func (h *Handler) handleEndSession(w http.ResponseWriter, r *http.Request) {
	if err := h.chatSvc.EndSession(r.Context(), chi.URLParam(r, "sessionID")); err != nil {
		h.respondSessionError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) respondSessionError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	if errors.Is(err, chatService.ErrSessionNotFound) {
		status = http.StatusNotFound
	}
	h.respondError(w, status, err.Error())
}

// respondJSON 发送JSON响应
func (h *Handler) respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	if err := utils.RespondJSON(w, status, payload); err != nil {
		h.logger.Warn("failed to encode response", zap.Error(err))
	}
}

// respondError 发送错误响应
func (h *Handler) respondError(w http.ResponseWriter, status int, message string) {
	h.respondJSON(w, status, map[string]string{"error": message})
}
