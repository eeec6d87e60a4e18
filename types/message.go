package types

import "time"

// MessageType distinguishes real traffic from control entries on a stream.
type MessageType string

// Stream entry types.
const (
	MessageTypeMessage MessageType = "message"
	MessageTypeInit    MessageType = "init"
	MessageTypeEmitter MessageType = "emitter"
	// MessageTypeUnsubscribe removes UserID from ChannelID and deletes the
	// user's sessions there.
	MessageTypeUnsubscribe MessageType = "unsubscribe"
)

// IncomingMessage is the payload carried by stream entries.
type IncomingMessage struct {
	ID          string         `json:"id"`
	Type        MessageType    `json:"type"`
	BotID       string         `json:"bot_id,omitempty"`
	ChannelID   string         `json:"channel_id"`
	UserID      string         `json:"user_id,omitempty"`
	SenderBotID string         `json:"sender_bot_id,omitempty"`
	Text        string         `json:"text"`
	Params      map[string]any `json:"params,omitempty"`
	Event       string         `json:"event,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
}

// IsControl reports whether the entry carries no conversation traffic.
func (m *IncomingMessage) IsControl() bool {
	return m.Type == MessageTypeInit
}

// Context returns the message as the "message" namespace seen by rules and
// placeholders.
func (m *IncomingMessage) Context() map[string]any {
	params := m.Params
	if params == nil {
		params = map[string]any{}
	}
	return map[string]any{
		"id":            m.ID,
		"type":          string(m.Type),
		"text":          m.Text,
		"params":        params,
		"channel_id":    m.ChannelID,
		"user_id":       m.UserID,
		"sender_bot_id": m.SenderBotID,
		"event":         m.Event,
	}
}

// OutboundMessage is a message rendered by a bot on arrival at a step.
type OutboundMessage struct {
	ID          string         `json:"id"`
	BotID       string         `json:"bot_id"`
	ChannelID   string         `json:"channel_id"`
	RecipientID string         `json:"recipient_id,omitempty"`
	StepID      string         `json:"step_id"`
	Text        string         `json:"text"`
	Params      map[string]any `json:"params,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
}

// AsIncoming converts a bot message into the form other subscriber bots
// consume from the bot-originated stream.
func (m *OutboundMessage) AsIncoming() *IncomingMessage {
	return &IncomingMessage{
		ID:          m.ID,
		Type:        MessageTypeMessage,
		ChannelID:   m.ChannelID,
		SenderBotID: m.BotID,
		UserID:      m.RecipientID,
		Text:        m.Text,
		Params:      m.Params,
		CreatedAt:   m.CreatedAt,
	}
}
