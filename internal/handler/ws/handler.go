package ws

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/zhouzirui/podchat/internal/model/chat"
	"github.com/zhouzirui/podchat/internal/model/persona"
	aiService "github.com/zhouzirui/podchat/internal/service/ai"
	chatService "github.com/zhouzirui/podchat/internal/service/chat"
	"github.com/zhouzirui/podchat/pkg/utils"
)

const (
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
	writeWait  = 10 * time.Second
)

// Handler WebSocket聊天处理器，一个连接对应一个会话
type Handler struct {
	aiSvc        *aiService.Service
	chatSvc      *chatService.Service
	personaStore persona.Store
	maxMessage   int64
	logger       *zap.Logger
	upgrader     websocket.Upgrader
}

// New 创建WebSocket处理器
func New(aiSvc *aiService.Service, chatSvc *chatService.Service, personaStore persona.Store, maxMessage int64, logger *zap.Logger) *Handler {
	return &Handler{
		aiSvc:        aiSvc,
		chatSvc:      chatSvc,
		personaStore: personaStore,
		maxMessage:   maxMessage,
		logger:       logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
}

// RegisterRoutes 注册WebSocket路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/ws", h.handleWebSocket)
}

type inboundMessage struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

type connEmitter struct {
	conn   *websocket.Conn
	logger *zap.Logger
}

func (e *connEmitter) Emit(ev chat.Event) {
	e.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := e.conn.WriteJSON(ev); err != nil {
		e.logger.Debug("websocket write failed", zap.String("session", ev.SessionID), zap.Error(err))
	}
}

// handleWebSocket 建立连接即开始会话，连接关闭即结束会话
func (h *Handler) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	p, ok := h.personaStore.FindByID(r.URL.Query().Get("personaId"))
	if !ok {
		_ = utils.RespondError(w, http.StatusBadRequest, "persona not found")
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	session, err := h.chatSvc.CreateSession(ctx, p.ID)
	if err != nil {
		h.logger.Error("create session failed", zap.Error(err))
		return
	}
	defer func() {
		if err := h.chatSvc.EndSession(context.Background(), session.ID); err != nil && !errors.Is(err, chatService.ErrSessionNotFound) {
			h.logger.Warn("end session failed", zap.String("session", session.ID), zap.Error(err))
		}
	}()

	logger := h.logger.With(zap.String("session", session.ID))
	logger.Info("websocket connected", zap.String("persona", p.ID))

	emit := &connEmitter{conn: conn, logger: logger}
	emit.Emit(chat.Event{Type: chat.EventSession, SessionID: session.ID})
	if err := h.aiSvc.Greet(ctx, session.ID, emit); err != nil {
		logger.Warn("greeting failed", zap.Error(err))
	}

	inbound := make(chan inboundMessage)
	go h.readLoop(ctx, cancel, conn, inbound, logger)
	go h.pingLoop(ctx, conn, session.ID)

	for {
		select {
		case <-ctx.Done():
			logger.Info("websocket closed")
			return
		case msg := <-inbound:
			h.handleMessage(ctx, emit, session.ID, msg)
		}
	}
}

// readLoop 持续读取客户端消息，使 pong 在长回复期间也能被处理
func (h *Handler) readLoop(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn, out chan<- inboundMessage, logger *zap.Logger) {
	defer cancel()

	if h.maxMessage > 0 {
		conn.SetReadLimit(h.maxMessage)
	}
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var msg inboundMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Warn("websocket read error", zap.Error(err))
			}
			return
		}
		conn.SetReadDeadline(time.Now().Add(pongWait))

		select {
		case out <- msg:
		case <-ctx.Done():
			return
		}
	}
}

func (h *Handler) handleMessage(ctx context.Context, emit chat.Emitter, sessionID string, msg inboundMessage) {
	switch msg.Type {
	case "message":
		var in chat.Inbound
		if err := json.Unmarshal(msg.Data, &in); err != nil {
			h.sendError(emit, sessionID, "invalid message payload")
			return
		}
		h.aiSvc.HandleMessage(ctx, sessionID, in, emit)
	default:
		h.sendError(emit, sessionID, "unsupported message type: "+msg.Type)
	}
}

func (h *Handler) sendError(emit chat.Emitter, sessionID, message string) {
	emit.Emit(chat.Event{
		Type:      chat.EventMessage,
		SessionID: sessionID,
		Author:    chat.RoleSystem,
		Content:   message,
		Error:     true,
	})
}

// pingLoop 定期发送ping消息并刷新会话活跃时间
func (h *Handler) pingLoop(ctx context.Context, conn *websocket.Conn, sessionID string) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.chatSvc.Touch(sessionID)
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}
