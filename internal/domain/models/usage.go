package models

// Usage counts provider tokens. Turns sum the usage of every round.
type Usage struct {
	PromptTokens     int `json:"promptTokens" msgpack:"promptTokens"`
	CompletionTokens int `json:"completionTokens" msgpack:"completionTokens"`
	TotalTokens      int `json:"totalTokens" msgpack:"totalTokens"`
}

// Add accumulates other into u. A nil other adds nothing.
func (u *Usage) Add(other *Usage) {
	if other == nil {
		return
	}
	u.PromptTokens += other.PromptTokens
	u.CompletionTokens += other.CompletionTokens
	u.TotalTokens += other.TotalTokens
}

func (u Usage) IsZero() bool {
	return u.PromptTokens == 0 && u.CompletionTokens == 0 && u.TotalTokens == 0
}
