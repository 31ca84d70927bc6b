package chat

import (
	"bytes"
	"io"
	"os"
	"strings"
)

// Element is a file attached to an inbound message.
type Element struct {
	Name string `json:"name"`
	Mime string `json:"mime"`
	// Path points at a spooled copy on disk; Data is used when Path is empty.
	Path string `json:"-"`
	Data []byte `json:"data,omitempty"`
}

// IsImage reports whether the media type tags an image.
func (e Element) IsImage() bool {
	return strings.Contains(e.Mime, "image")
}

// Open returns a reader over the element's bytes. Callers must close it.
func (e Element) Open() (io.ReadCloser, error) {
	if e.Path != "" {
		return os.Open(e.Path)
	}
	return io.NopCloser(bytes.NewReader(e.Data)), nil
}

// Inbound is one user message as delivered by the UI.
type Inbound struct {
	Content  string    `json:"content"`
	Elements []Element `json:"elements,omitempty"`
}

// FirstImage returns the first image element, ignoring everything else.
func (m Inbound) FirstImage() (Element, bool) {
	for _, el := range m.Elements {
		if el.IsImage() {
			return el, true
		}
	}
	return Element{}, false
}
