package stream

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/zhouzirui/podchat/internal/model/chat"
	aiService "github.com/zhouzirui/podchat/internal/service/ai"
	chatService "github.com/zhouzirui/podchat/internal/service/chat"
	"github.com/zhouzirui/podchat/pkg/utils"
)

// Handler relays assistant replies to HTTP clients via Server-Sent Events.
type Handler struct {
	aiService      *aiService.Service
	chatSvc        *chatService.Service
	maxUploadBytes int64
	logger         *zap.Logger
}

// New creates a new stream handler
func New(aiSvc *aiService.Service, chatSvc *chatService.Service, maxUploadBytes int64, logger *zap.Logger) *Handler {
	return &Handler{
		aiService:      aiSvc,
		chatSvc:        chatSvc,
		maxUploadBytes: maxUploadBytes,
		logger:         logger,
	}
}

// RegisterRoutes mounts the streaming endpoint.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/stream/{sessionID}", h.handleStream)
}

// EndEvent closes an SSE exchange.
type EndEvent struct {
	SessionID string `json:"sessionId"`
	MessageID string `json:"messageId,omitempty"`
	Finished  bool   `json:"finished"`
	Error     string `json:"error,omitempty"`
}

type sseEmitter struct {
	w       http.ResponseWriter
	flusher http.Flusher
	logger  *zap.Logger
	lastID  string
}

func (e *sseEmitter) Emit(ev chat.Event) {
	e.lastID = ev.MessageID
	if err := utils.SendSSEEvent(e.w, e.flusher, string(ev.Type), ev); err != nil {
		e.logger.Debug("sse write failed", zap.String("session", ev.SessionID), zap.Error(err))
	}
}

func (h *Handler) handleStream(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	if _, err := h.chatSvc.GetSession(r.Context(), sessionID); err != nil {
		_ = utils.RespondError(w, http.StatusNotFound, err.Error())
		return
	}

	msg, err := h.decodeInbound(w, r)
	if err != nil {
		status := http.StatusBadRequest
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			status = http.StatusRequestEntityTooLarge
		}
		_ = utils.RespondError(w, status, err.Error())
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		_ = utils.RespondError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	utils.SetupSSEHeaders(w)
	emitter := &sseEmitter{w: w, flusher: flusher, logger: h.logger}

	res := h.aiService.HandleMessage(r.Context(), sessionID, msg, emitter)

	end := EndEvent{SessionID: sessionID, MessageID: emitter.lastID, Finished: res.OK()}
	if res.Err != nil {
		end.Error = res.Err.Error()
	}
	if err := utils.SendSSEEvent(w, flusher, "end", end); err != nil {
		h.logger.Debug("sse end write failed", zap.String("session", sessionID), zap.Error(err))
	}
}

// decodeInbound accepts multipart uploads (content + files) or a JSON body.
func (h *Handler) decodeInbound(w http.ResponseWriter, r *http.Request) (chat.Inbound, error) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxUploadBytes)

	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "multipart/form-data" {
		if err := r.ParseMultipartForm(h.maxUploadBytes); err != nil {
			return chat.Inbound{}, fmt.Errorf("invalid multipart body: %w", err)
		}
		defer r.MultipartForm.RemoveAll()

		msg := chat.Inbound{Content: r.FormValue("content")}
		for _, fh := range r.MultipartForm.File["files"] {
			el, err := readUpload(fh)
			if err != nil {
				return chat.Inbound{}, err
			}
			msg.Elements = append(msg.Elements, el)
		}
		return msg, nil
	}

	var msg chat.Inbound
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
		return chat.Inbound{}, fmt.Errorf("invalid request body: %w", err)
	}
	return msg, nil
}

func readUpload(fh *multipart.FileHeader) (chat.Element, error) {
	f, err := fh.Open()
	if err != nil {
		return chat.Element{}, fmt.Errorf("open upload %q: %w", fh.Filename, err)
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return chat.Element{}, fmt.Errorf("read upload %q: %w", fh.Filename, err)
	}

	return chat.Element{
		Name: fh.Filename,
		Mime: fh.Header.Get("Content-Type"),
		Data: data,
	}, nil
}
