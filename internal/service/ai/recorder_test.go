package ai

import "github.com/zhouzirui/podchat/internal/model/chat"

type recorder struct {
	events []chat.Event
}

func (r *recorder) Emit(e chat.Event) { r.events = append(r.events, e) }

func (r *recorder) types() []chat.EventType {
	out := make([]chat.EventType, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.Type)
	}
	return out
}

func (r *recorder) last() chat.Event {
	if len(r.events) == 0 {
		return chat.Event{}
	}
	return r.events[len(r.events)-1]
}
