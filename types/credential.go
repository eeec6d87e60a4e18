package types

import "time"

// Credential is a stored secret for one external identity provider. Payload
// is encrypted at rest.
type Credential struct {
	ID        string    `json:"id"`
	BotID     string    `json:"bot_id"`
	Provider  string    `json:"provider"`
	Strategy  string    `json:"strategy"`
	Scopes    []string  `json:"scopes,omitempty"`
	IsDefault bool      `json:"is_default"`
	Payload   []byte    `json:"payload"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Emitter is a scheduled trigger that injects a synthetic message.
type Emitter struct {
	ID        string         `json:"id"`
	BotID     string         `json:"bot_id"`
	ChannelID string         `json:"channel_id"`
	UserID    string         `json:"user_id,omitempty"`
	Name      string         `json:"name"`
	Trigger   Trigger        `json:"trigger"`
	Text      string         `json:"text,omitempty"`
	Params    map[string]any `json:"params,omitempty"`
	Enabled   bool           `json:"enabled"`
}

// Trigger describes when an emitter fires. Each field is a fixed value or
// "*". Any interval field other than "*" selects interval semantics,
// otherwise the cron fields apply.
type Trigger struct {
	Weeks   string `json:"weeks,omitempty"`
	Days    string `json:"days,omitempty"`
	Hours   string `json:"hours,omitempty"`
	Minutes string `json:"minutes,omitempty"`
	Seconds string `json:"seconds,omitempty"`

	Second    string `json:"second,omitempty"`
	Minute    string `json:"minute,omitempty"`
	Hour      string `json:"hour,omitempty"`
	Day       string `json:"day,omitempty"`
	DayOfWeek string `json:"day_of_week,omitempty"`
	Month     string `json:"month,omitempty"`
	Year      string `json:"year,omitempty"`
}
