package chat

import (
	"encoding/json"
	"errors"
)

// Role tags the author of a turn.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// PartType identifies a block inside structured turn content.
type PartType string

const (
	PartText     PartType = "text"
	PartImageURL PartType = "image_url"
)

// ImageURL references an image, usually as a data URI.
type ImageURL struct {
	URL string `json:"url"`
}

// Part is one block of multimodal content.
type Part struct {
	Type     PartType  `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *ImageURL `json:"image_url,omitempty"`
}

// Turn is one message of a conversation. Parts, when set, replaces Content.
type Turn struct {
	Role    Role
	Content string
	Parts   []Part
}

// SystemTurn builds a system turn.
func SystemTurn(content string) Turn { return Turn{Role: RoleSystem, Content: content} }

// UserTurn builds a plain-text user turn.
func UserTurn(content string) Turn { return Turn{Role: RoleUser, Content: content} }

// AssistantTurn builds an assistant turn.
func AssistantTurn(content string) Turn { return Turn{Role: RoleAssistant, Content: content} }

// Multimodal reports whether the turn carries structured content.
func (t Turn) Multimodal() bool { return len(t.Parts) > 0 }

type wireTurn struct {
	Role    Role            `json:"role"`
	Content json.RawMessage `json:"content"`
}

// MarshalJSON renders the turn in the OpenAI chat shape, where content is
// either a string or a list of blocks.
func (t Turn) MarshalJSON() ([]byte, error) {
	var (
		content []byte
		err     error
	)
	if t.Multimodal() {
		content, err = json.Marshal(t.Parts)
	} else {
		content, err = json.Marshal(t.Content)
	}
	if err != nil {
		return nil, err
	}
	return json.Marshal(wireTurn{Role: t.Role, Content: content})
}

// UnmarshalJSON accepts both content shapes.
func (t *Turn) UnmarshalJSON(data []byte) error {
	var w wireTurn
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	if w.Role == "" {
		return errors.New("turn role is required")
	}

	*t = Turn{Role: w.Role}
	if len(w.Content) == 0 || string(w.Content) == "null" {
		return nil
	}
	if w.Content[0] == '[' {
		return json.Unmarshal(w.Content, &t.Parts)
	}
	return json.Unmarshal(w.Content, &t.Content)
}
