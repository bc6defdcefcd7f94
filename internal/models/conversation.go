package models

import "time"

// Role identifies the author of a turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	return r == RoleUser || r == RoleAssistant
}

// Turn is one message in a conversation.
type Turn struct {
	Seq       int64     `json:"seq" yaml:"seq"`
	Role      Role      `json:"role" yaml:"role"`
	Content   string    `json:"content" yaml:"content"`
	Truncated bool      `json:"truncated,omitempty" yaml:"truncated,omitempty"`
	CreatedAt time.Time `json:"created_at" yaml:"created_at"`
}

// ConversationState is the bounded history plus rolling summary of one conversation.
type ConversationState struct {
	ID     string `json:"id"`
	UserID string `json:"user_id,omitempty"`
	Turns  []Turn `json:"turns"`

	Summary string `json:"summary,omitempty"`
	// SummaryTurnCount counts turns appended since the last successful summary.
	SummaryTurnCount int `json:"summary_turn_count"`
	// LastSummarizedAt is the Seq of the newest turn folded into Summary.
	LastSummarizedAt int64 `json:"last_summarized_at"`
	// TotalAppended is the Seq of the newest turn ever appended.
	TotalAppended int64 `json:"total_appended"`
}

// AssembledContext is the prompt material for one user turn. It is never persisted.
type AssembledContext struct {
	SystemPreamble     string `json:"system_preamble"`
	Summary            string `json:"summary,omitempty"`
	RecentTurns        []Turn `json:"recent_turns"`
	GraphExcerpt       string `json:"graph_excerpt,omitempty"`
	CurrentMessage     string `json:"current_message"`
	TotalTokenEstimate int    `json:"total_token_estimate"`
	Budget             int    `json:"budget"`

	// ExcerptEntityIDs lists the graph entities quoted in GraphExcerpt.
	ExcerptEntityIDs []string `json:"excerpt_entity_ids,omitempty"`
}
