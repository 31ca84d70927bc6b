package ai

import (
	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"

	"github.com/zhouzirui/podchat/internal/model/chat"
)

func toSchemaMessages(turns []chat.Turn) []*schema.Message {
	out := make([]*schema.Message, 0, len(turns))
	for _, t := range turns {
		out = append(out, toSchemaMessage(t))
	}
	return out
}

func toSchemaMessage(t chat.Turn) *schema.Message {
	msg := &schema.Message{Role: toSchemaRole(t.Role)}
	if !t.Multimodal() {
		msg.Content = t.Content
		return msg
	}

	parts := make([]schema.ChatMessagePart, 0, len(t.Parts))
	for _, p := range t.Parts {
		switch p.Type {
		case chat.PartText:
			parts = append(parts, schema.ChatMessagePart{
				Type: schema.ChatMessagePartTypeText,
				Text: p.Text,
			})
		case chat.PartImageURL:
			if p.ImageURL == nil {
				continue
			}
			parts = append(parts, schema.ChatMessagePart{
				Type:     schema.ChatMessagePartTypeImageURL,
				ImageURL: &schema.ChatMessageImageURL{URL: p.ImageURL.URL},
			})
		}
	}
	msg.MultiContent = parts
	return msg
}

func toSchemaRole(r chat.Role) schema.RoleType {
	switch r {
	case chat.RoleSystem:
		return schema.System
	case chat.RoleAssistant:
		return schema.Assistant
	default:
		return schema.User
	}
}

func requestOptions(p chat.Params) []model.Option {
	opts := []model.Option{model.WithTemperature(p.Temperature)}
	if p.Model != "" {
		opts = append(opts, model.WithModel(p.Model))
	}
	if p.MaxTokens > 0 {
		opts = append(opts, model.WithMaxTokens(p.MaxTokens))
	}
	return opts
}
