package ai

import (
	"encoding/base64"
	"fmt"
	"io"

	"github.com/zhouzirui/podchat/internal/model/chat"
)

// DefaultImagePrompt replaces empty text on image-only messages.
const DefaultImagePrompt = "What's in this image?"

const imageDataURIPrefix = "data:image/jpeg;base64,"

// Composer turns an inbound message into the next request.
type Composer struct {
	text        chat.Params
	visionModel string
}

// NewComposer returns a composer using text for plain messages and
// visionModel for messages carrying an image.
func NewComposer(text chat.Params, visionModel string) *Composer {
	return &Composer{text: text, visionModel: visionModel}
}

// Compose returns history extended by exactly one user turn (preceded by the
// system turn when history is empty) together with the model parameters for
// this request. history is not modified.
func (c *Composer) Compose(history []chat.Turn, systemPrompt string, msg chat.Inbound) ([]chat.Turn, chat.Params, error) {
	turns := make([]chat.Turn, 0, len(history)+2)
	if len(history) == 0 {
		turns = append(turns, chat.SystemTurn(systemPrompt))
	}
	turns = append(turns, history...)

	image, ok := msg.FirstImage()
	if !ok {
		return append(turns, chat.UserTurn(msg.Content)), c.text, nil
	}

	encoded, err := encodeImage(image)
	if err != nil {
		return nil, chat.Params{}, err
	}

	text := msg.Content
	if text == "" {
		text = DefaultImagePrompt
	}

	turn := chat.Turn{
		Role: chat.RoleUser,
		Parts: []chat.Part{
			{Type: chat.PartText, Text: text},
			{Type: chat.PartImageURL, ImageURL: &chat.ImageURL{URL: imageDataURIPrefix + encoded}},
		},
	}
	return append(turns, turn), c.text.WithModel(c.visionModel), nil
}

func encodeImage(el chat.Element) (string, error) {
	rc, err := el.Open()
	if err != nil {
		return "", fmt.Errorf("open attachment %q: %w", el.Name, err)
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		return "", fmt.Errorf("read attachment %q: %w", el.Name, err)
	}
	return base64.StdEncoding.EncodeToString(data), nil
}
