package handler

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/zhouzirui/podchat/internal/model/chat"
	"github.com/zhouzirui/podchat/internal/model/persona"
	aiService "github.com/zhouzirui/podchat/internal/service/ai"
	"github.com/zhouzirui/podchat/internal/service/ai/aitest"
	chatService "github.com/zhouzirui/podchat/internal/service/chat"
)

const (
	textModel   = "text-model"
	visionModel = "vision-model"
	greeting    = "Hello! How can I help you today?"
)

type fixture struct {
	router   http.Handler
	model    *aitest.Model
	sessions *chatService.Service
}

func setup(t *testing.T) fixture {
	t.Helper()
	fm := &aitest.Model{Chunks: []string{"Hi", " there"}}
	sessions := chatService.NewService(chatService.Options{})
	personas := persona.NewMemoryStore(persona.Seed("You are helpful.", greeting))
	aiSvc := aiService.NewService(fm, personas, sessions, aiService.Options{
		Text:        chat.Params{Model: textModel, Temperature: 0.3, MaxTokens: 500},
		VisionModel: visionModel,
	})

	return fixture{
		router:   NewRouter(personas, sessions, aiSvc, Options{MaxUploadBytes: 1 << 20}),
		model:    fm,
		sessions: sessions,
	}
}

func (f fixture) createSession(t *testing.T) string {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/api/session", strings.NewReader(`{}`))
	resp := httptest.NewRecorder()
	f.router.ServeHTTP(resp, req)

	if resp.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", resp.Code, resp.Body.String())
	}

	var body struct {
		Session  chat.Session `json:"session"`
		Greeting *chat.Event  `json:"greeting"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode err: %v", err)
	}
	if body.Greeting == nil || body.Greeting.Content != greeting {
		t.Fatalf("expected greeting, got %+v", body.Greeting)
	}
	return body.Session.ID
}

type sseEvent struct {
	name  string
	event chat.Event
	raw   string
}

func parseSSE(t *testing.T, body string) []sseEvent {
	t.Helper()
	var out []sseEvent
	for _, block := range strings.Split(strings.TrimSpace(body), "\n\n") {
		var ev sseEvent
		for _, line := range strings.Split(block, "\n") {
			switch {
			case strings.HasPrefix(line, "event: "):
				ev.name = strings.TrimPrefix(line, "event: ")
			case strings.HasPrefix(line, "data: "):
				ev.raw = strings.TrimPrefix(line, "data: ")
			}
		}
		if ev.name != "end" {
			if err := json.Unmarshal([]byte(ev.raw), &ev.event); err != nil {
				t.Fatalf("bad sse payload %q: %v", ev.raw, err)
			}
		}
		out = append(out, ev)
	}
	return out
}

func TestHealthz(t *testing.T) {
	f := setup(t)
	resp := httptest.NewRecorder()
	f.router.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
}

func TestListPersonas(t *testing.T) {
	f := setup(t)
	resp := httptest.NewRecorder()
	f.router.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/api/personas", nil))

	var list []persona.Persona
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		t.Fatalf("decode err: %v", err)
	}
	if len(list) != 1 || list[0].ID != persona.DefaultID {
		t.Fatalf("unexpected personas: %+v", list)
	}
}

func TestCreateSessionUnknownPersona(t *testing.T) {
	f := setup(t)
	req := httptest.NewRequest(http.MethodPost, "/api/session", strings.NewReader(`{"personaId":"nobody"}`))
	resp := httptest.NewRecorder()
	f.router.ServeHTTP(resp, req)

	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.Code)
	}
}

func TestStreamTextMessage(t *testing.T) {
	f := setup(t)
	id := f.createSession(t)

	req := httptest.NewRequest(http.MethodPost, "/api/stream/"+id, strings.NewReader(`{"content":"Hello"}`))
	req.Header.Set("Content-Type", "application/json")
	resp := httptest.NewRecorder()
	f.router.ServeHTTP(resp, req)

	if ct := resp.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("unexpected content type %q", ct)
	}

	events := parseSSE(t, resp.Body.String())
	names := make([]string, 0, len(events))
	for _, ev := range events {
		names = append(names, ev.name)
	}
	if got := strings.Join(names, ","); got != "message,token,token,update,end" {
		t.Fatalf("unexpected event sequence: %s", got)
	}
	if events[3].event.Content != "Hi there" {
		t.Fatalf("unexpected final content: %q", events[3].event.Content)
	}
	if !strings.Contains(events[4].raw, `"finished":true`) {
		t.Fatalf("unexpected end event: %s", events[4].raw)
	}

	history, err := f.sessions.History(context.Background(), id)
	if err != nil || len(history) != 3 {
		t.Fatalf("expected 3 turns, got %d (%v)", len(history), err)
	}
}

func TestStreamMultipartImage(t *testing.T) {
	f := setup(t)
	id := f.createSession(t)
	image := []byte{0xff, 0xd8, 0xff, 0xe0}

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	if err := mw.WriteField("content", ""); err != nil {
		t.Fatal(err)
	}
	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", `form-data; name="files"; filename="photo.jpg"`)
	header.Set("Content-Type", "image/jpeg")
	part, err := mw.CreatePart(header)
	if err != nil {
		t.Fatal(err)
	}
	part.Write(image)
	mw.Close()

	req := httptest.NewRequest(http.MethodPost, "/api/stream/"+id, &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	resp := httptest.NewRecorder()
	f.router.ServeHTTP(resp, req)

	if f.model.LastModel() != visionModel {
		t.Fatalf("expected vision model, got %q", f.model.LastModel())
	}

	history, _ := f.sessions.History(context.Background(), id)
	user := history[1]
	if !user.Multimodal() || user.Parts[0].Text != aiService.DefaultImagePrompt {
		t.Fatalf("unexpected user turn: %+v", user)
	}
	encoded, ok := strings.CutPrefix(user.Parts[1].ImageURL.URL, "data:image/jpeg;base64,")
	if !ok {
		t.Fatalf("unexpected image url: %s", user.Parts[1].ImageURL.URL)
	}
	decoded, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		t.Fatalf("decode err: %v", err)
	}
	if !bytes.Equal(decoded, image) {
		t.Fatalf("expected uploaded bytes, got %v", decoded)
	}
}

func TestStreamRejectsOversizedBody(t *testing.T) {
	f := setup(t)
	id := f.createSession(t)
	payload := bytes.Repeat([]byte("a"), 2<<20)

	var multipartBody bytes.Buffer
	mw := multipart.NewWriter(&multipartBody)
	fw, err := mw.CreateFormFile("files", "big.jpg")
	if err != nil {
		t.Fatal(err)
	}
	fw.Write(payload)
	mw.Close()

	jsonBody, err := json.Marshal(chat.Inbound{Content: string(payload)})
	if err != nil {
		t.Fatal(err)
	}

	cases := []struct {
		name        string
		body        []byte
		contentType string
	}{
		{"multipart", multipartBody.Bytes(), mw.FormDataContentType()},
		{"json", jsonBody, "application/json"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/api/stream/"+id, bytes.NewReader(tc.body))
			req.Header.Set("Content-Type", tc.contentType)
			resp := httptest.NewRecorder()
			f.router.ServeHTTP(resp, req)

			if resp.Code != http.StatusRequestEntityTooLarge {
				t.Fatalf("expected 413, got %d: %s", resp.Code, resp.Body.String())
			}
		})
	}

	if calls := len(f.model.Calls()); calls != 0 {
		t.Fatalf("expected no upstream calls, got %d", calls)
	}
}

func TestStreamUpstreamFailureKeepsConversation(t *testing.T) {
	f := setup(t)
	id := f.createSession(t)
	f.model.Script(nil, errors.New("upstream unavailable"), nil)

	req := httptest.NewRequest(http.MethodPost, "/api/stream/"+id, strings.NewReader(`{"content":"Hello"}`))
	resp := httptest.NewRecorder()
	f.router.ServeHTTP(resp, req)

	events := parseSSE(t, resp.Body.String())
	update := events[len(events)-2]
	if update.name != "update" || !update.event.Error || update.event.Content != "Error: upstream unavailable" {
		t.Fatalf("unexpected failure event: %+v", update)
	}

	transcript := httptest.NewRecorder()
	f.router.ServeHTTP(transcript, httptest.NewRequest(http.MethodGet, "/api/session/"+id+"/messages", nil))
	var out struct {
		Messages []chat.Turn `json:"messages"`
	}
	if err := json.NewDecoder(transcript.Body).Decode(&out); err != nil {
		t.Fatalf("decode err: %v", err)
	}
	if len(out.Messages) != 2 || out.Messages[1].Role != chat.RoleUser {
		t.Fatalf("unexpected transcript: %+v", out.Messages)
	}
}

func TestStreamUnknownSession(t *testing.T) {
	f := setup(t)
	req := httptest.NewRequest(http.MethodPost, "/api/stream/missing", strings.NewReader(`{"content":"hi"}`))
	resp := httptest.NewRecorder()
	f.router.ServeHTTP(resp, req)

	if resp.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.Code)
	}
}

func TestStreamInvalidBody(t *testing.T) {
	f := setup(t)
	id := f.createSession(t)
	req := httptest.NewRequest(http.MethodPost, "/api/stream/"+id, strings.NewReader(`{not json`))
	resp := httptest.NewRecorder()
	f.router.ServeHTTP(resp, req)

	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.Code)
	}
}

func TestEndSession(t *testing.T) {
	f := setup(t)
	id := f.createSession(t)

	resp := httptest.NewRecorder()
	f.router.ServeHTTP(resp, httptest.NewRequest(http.MethodDelete, "/api/session/"+id, nil))
	if resp.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", resp.Code)
	}

	again := httptest.NewRecorder()
	f.router.ServeHTTP(again, httptest.NewRequest(http.MethodGet, "/api/session/"+id+"/messages", nil))
	if again.Code != http.StatusNotFound {
		t.Fatalf("expected 404 after end, got %d", again.Code)
	}
}

func TestWebSocketConversation(t *testing.T) {
	f := setup(t)
	srv := httptest.NewServer(f.router)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial err: %v", err)
	}
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	read := func() chat.Event {
		t.Helper()
		var ev chat.Event
		if err := conn.ReadJSON(&ev); err != nil {
			t.Fatalf("read err: %v", err)
		}
		return ev
	}

	session := read()
	if session.Type != chat.EventSession || session.SessionID == "" {
		t.Fatalf("expected session event, got %+v", session)
	}
	if hello := read(); hello.Type != chat.EventMessage || hello.Content != greeting {
		t.Fatalf("expected greeting, got %+v", hello)
	}

	if err := conn.WriteJSON(map[string]any{
		"type": "message",
		"data": map[string]any{"content": "Hello"},
	}); err != nil {
		t.Fatalf("write err: %v", err)
	}

	var got []chat.Event
	for {
		ev := read()
		got = append(got, ev)
		if ev.Type == chat.EventUpdate {
			break
		}
	}
	if len(got) != 4 || got[0].Content != "" || got[1].Content != "Hi" || got[2].Content != " there" || got[3].Content != "Hi there" {
		t.Fatalf("unexpected events: %+v", got)
	}

	history, err := f.sessions.History(context.Background(), session.SessionID)
	if err != nil || len(history) != 3 {
		t.Fatalf("expected 3 turns, got %d (%v)", len(history), err)
	}

	conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := f.sessions.GetSession(context.Background(), session.SessionID); errors.Is(err, chatService.ErrSessionNotFound) {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("session should end when the websocket closes")
}

func TestWebSocketImageMessage(t *testing.T) {
	f := setup(t)
	srv := httptest.NewServer(f.router)
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/api/ws", nil)
	if err != nil {
		t.Fatalf("dial err: %v", err)
	}
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var session chat.Event
	conn.ReadJSON(&session)
	var hello chat.Event
	conn.ReadJSON(&hello)

	// []byte fields travel base64-encoded in JSON.
	if err := conn.WriteJSON(map[string]any{
		"type": "message",
		"data": chat.Inbound{Content: "describe", Elements: []chat.Element{{Name: "a.jpg", Mime: "image/jpeg", Data: []byte("img")}}},
	}); err != nil {
		t.Fatalf("write err: %v", err)
	}

	for {
		var ev chat.Event
		if err := conn.ReadJSON(&ev); err != nil {
			t.Fatalf("read err: %v", err)
		}
		if ev.Type == chat.EventUpdate {
			break
		}
	}

	if f.model.LastModel() != visionModel {
		t.Fatalf("expected vision model, got %q", f.model.LastModel())
	}
}
