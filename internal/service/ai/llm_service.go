package ai

import (
	"context"
	"errors"
	"fmt"

	"github.com/cloudwego/eino/components/model"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/zhouzirui/podchat/internal/model/chat"
	"github.com/zhouzirui/podchat/internal/model/persona"
)

// ErrPersonaNotFound is returned when a session names a persona the store does not know.
var ErrPersonaNotFound = errors.New("persona not found")

// SessionStore is the conversation state the service reads and extends.
type SessionStore interface {
	GetSession(ctx context.Context, sessionID string) (chat.Session, error)
	History(ctx context.Context, sessionID string) ([]chat.Turn, error)
	SetHistory(ctx context.Context, sessionID string, turns []chat.Turn) error
	Acquire(ctx context.Context, sessionID string) (func(), error)
}

// Options configures the chat service.
type Options struct {
	Text        chat.Params
	VisionModel string
	Logger      *zap.Logger
}

// Service encapsulates AI-powered chat functionality
type Service struct {
	composer *Composer
	relay    *Relay
	personas persona.Store
	sessions SessionStore
	logger   *zap.Logger
}

// NewService creates a new AI service instance
func NewService(chatModel model.BaseChatModel, personas persona.Store, sessions SessionStore, opts Options) *Service {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		composer: NewComposer(opts.Text, opts.VisionModel),
		relay:    NewRelay(chatModel, logger),
		personas: personas,
		sessions: sessions,
		logger:   logger,
	}
}

// Greet sends the persona's opening message for a new conversation.
func (s *Service) Greet(ctx context.Context, sessionID string, emit chat.Emitter) error {
	p, err := s.sessionPersona(ctx, sessionID)
	if err != nil {
		return err
	}

	emit.Emit(chat.Event{
		Type:      chat.EventMessage,
		SessionID: sessionID,
		MessageID: uuid.NewString(),
		Author:    chat.RoleAssistant,
		Content:   p.Greeting,
	})
	return nil
}

// HandleMessage runs one exchange: the user turn is stored before the upstream
// request, the assistant turn only after the reply is finalized.
func (s *Service) HandleMessage(ctx context.Context, sessionID string, msg chat.Inbound, emit chat.Emitter) Result {
	release, err := s.sessions.Acquire(ctx, sessionID)
	if err != nil {
		return Result{State: StateIdle, Err: err}
	}
	defer release()

	p, err := s.sessionPersona(ctx, sessionID)
	if err != nil {
		return Result{State: StateIdle, Err: err}
	}

	history, err := s.sessions.History(ctx, sessionID)
	if err != nil {
		return Result{State: StateIdle, Err: err}
	}

	x := s.relay.Begin(sessionID, emit)

	turns, params, err := s.composer.Compose(history, p.SystemPrompt, msg)
	if err != nil {
		return x.Fail(err)
	}
	if err := s.sessions.SetHistory(ctx, sessionID, turns); err != nil {
		return x.Fail(fmt.Errorf("store user turn: %w", err))
	}

	s.logger.Info("relaying message",
		zap.String("session", sessionID),
		zap.String("model", params.Model),
		zap.Int("turns", len(turns)),
		zap.Bool("image", turns[len(turns)-1].Multimodal()),
	)

	res := x.Run(ctx, turns, params)
	if !res.OK() {
		return res
	}

	turns = append(turns, chat.AssistantTurn(res.Content))
	if err := s.sessions.SetHistory(ctx, sessionID, turns); err != nil {
		s.logger.Warn("failed to store assistant turn", zap.String("session", sessionID), zap.Error(err))
	}
	return res
}

func (s *Service) sessionPersona(ctx context.Context, sessionID string) (persona.Persona, error) {
	session, err := s.sessions.GetSession(ctx, sessionID)
	if err != nil {
		return persona.Persona{}, err
	}

	p, ok := s.personas.FindByID(session.PersonaID)
	if !ok {
		return persona.Persona{}, fmt.Errorf("%w: %s", ErrPersonaNotFound, session.PersonaID)
	}
	return p, nil
}
