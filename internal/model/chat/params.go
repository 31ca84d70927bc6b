package chat

// Params is the model configuration sent with one upstream request.
type Params struct {
	Model       string  `json:"model"`
	Temperature float32 `json:"temperature"`
	MaxTokens   int     `json:"max_tokens"`
}

// WithModel returns a copy of p using the given model name.
func (p Params) WithModel(name string) Params {
	p.Model = name
	return p
}
