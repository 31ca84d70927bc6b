// Package aitest provides a scripted chat model for tests.
package aitest

import (
	"context"
	"errors"
	"sync"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
)

// Call records one Stream invocation.
type Call struct {
	Messages []*schema.Message
	Options  *model.Options
}

// Model replays Chunks through an eino stream. Err fails the call itself;
// RecvErr is delivered after the chunks.
type Model struct {
	mu      sync.Mutex
	Chunks  []string
	Err     error
	RecvErr error
	calls   []Call
}

// Script replaces the scripted reply.
func (m *Model) Script(chunks []string, err, recvErr error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Chunks, m.Err, m.RecvErr = chunks, err, recvErr
}

// Generate is not used by the relay.
func (m *Model) Generate(context.Context, []*schema.Message, ...model.Option) (*schema.Message, error) {
	return nil, errors.New("aitest: generate not supported")
}

// Stream implements model.BaseChatModel.
func (m *Model) Stream(_ context.Context, input []*schema.Message, opts ...model.Option) (*schema.StreamReader[*schema.Message], error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.calls = append(m.calls, Call{Messages: input, Options: model.GetCommonOptions(nil, opts...)})
	if m.Err != nil {
		return nil, m.Err
	}

	sr, sw := schema.Pipe[*schema.Message](len(m.Chunks) + 1)
	for _, c := range m.Chunks {
		sw.Send(schema.AssistantMessage(c, nil), nil)
	}
	if m.RecvErr != nil {
		sw.Send(nil, m.RecvErr)
	}
	sw.Close()
	return sr, nil
}

// Calls returns the recorded invocations.
func (m *Model) Calls() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Call(nil), m.calls...)
}

// LastModel returns the model name of the most recent call.
func (m *Model) LastModel() string {
	calls := m.Calls()
	if len(calls) == 0 || calls[len(calls)-1].Options.Model == nil {
		return ""
	}
	return *calls[len(calls)-1].Options.Model
}
