package ai

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/cloudwego/eino/components/model"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/zhouzirui/podchat/internal/model/chat"
)

// RelayState tracks one assistant reply from request to outcome.
type RelayState int

const (
	StateIdle RelayState = iota
	StateRequestSent
	StateStreaming
	StateFinalized
	StateFailed
)

func (s RelayState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRequestSent:
		return "request-sent"
	case StateStreaming:
		return "streaming"
	case StateFinalized:
		return "finalized"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("RelayState(%d)", int(s))
	}
}

// Result is the outcome of an exchange: Content on success, Err otherwise.
type Result struct {
	State   RelayState
	Content string
	Err     error
}

// OK reports whether the reply was finalized.
func (r Result) OK() bool { return r.Err == nil && r.State == StateFinalized }

// ErrorText renders a failure the way it is shown in the chat.
func ErrorText(err error) string {
	return fmt.Sprintf("Error: %s", err)
}

// Relay streams completions from the upstream model into the UI.
type Relay struct {
	model  model.BaseChatModel
	logger *zap.Logger
}

// NewRelay wraps the upstream chat model.
func NewRelay(chatModel model.BaseChatModel, logger *zap.Logger) *Relay {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Relay{model: chatModel, logger: logger}
}

// Exchange is a single assistant message being produced.
type Exchange struct {
	relay     *Relay
	sessionID string
	messageID string
	emit      chat.Emitter
	state     RelayState
}

// Begin emits the empty placeholder message and returns the exchange driving it.
func (r *Relay) Begin(sessionID string, emit chat.Emitter) *Exchange {
	x := &Exchange{
		relay:     r,
		sessionID: sessionID,
		messageID: uuid.NewString(),
		emit:      emit,
		state:     StateIdle,
	}
	x.send(chat.EventMessage, "", false)
	return x
}

// MessageID identifies the placeholder message in the UI.
func (x *Exchange) MessageID() string { return x.messageID }

// State returns the current relay state.
func (x *Exchange) State() RelayState { return x.state }

// Run issues the streaming request and relays fragments in arrival order.
func (x *Exchange) Run(ctx context.Context, turns []chat.Turn, params chat.Params) Result {
	start := time.Now()
	logger := x.relay.logger.With(
		zap.String("session", x.sessionID),
		zap.String("message", x.messageID),
		zap.String("model", params.Model),
	)

	x.state = StateRequestSent
	stream, err := x.relay.model.Stream(ctx, toSchemaMessages(turns), requestOptions(params)...)
	if err != nil {
		return x.Fail(err)
	}
	defer stream.Close()

	x.state = StateStreaming
	var (
		content   strings.Builder
		fragments int
	)
	for {
		chunk, recvErr := stream.Recv()
		if errors.Is(recvErr, io.EOF) {
			break
		}
		if recvErr != nil {
			return x.Fail(recvErr)
		}
		if chunk == nil || chunk.Content == "" {
			continue
		}

		content.WriteString(chunk.Content)
		fragments++
		x.send(chat.EventToken, chunk.Content, false)
	}

	x.state = StateFinalized
	reply := content.String()
	x.send(chat.EventUpdate, reply, false)

	logger.Debug("reply finalized",
		zap.Int("fragments", fragments),
		zap.Int("length", len(reply)),
		zap.Duration("duration", time.Since(start)),
	)
	return Result{State: StateFinalized, Content: reply}
}

// Fail replaces the placeholder content with the error text.
func (x *Exchange) Fail(err error) Result {
	x.state = StateFailed
	x.relay.logger.Error("chat exchange failed",
		zap.String("session", x.sessionID),
		zap.String("message", x.messageID),
		zap.Error(err),
	)
	x.send(chat.EventUpdate, ErrorText(err), true)
	return Result{State: StateFailed, Err: err}
}

func (x *Exchange) send(kind chat.EventType, content string, failed bool) {
	x.emit.Emit(chat.Event{
		Type:      kind,
		SessionID: x.sessionID,
		MessageID: x.messageID,
		Author:    chat.RoleAssistant,
		Content:   content,
		Error:     failed,
	})
}
