package gormstore

import (
	"encoding/json"
	"time"

	"gorm.io/datatypes"

	"github.com/carbonfay/DBCV-sub000/types"
)

type botModel struct {
	ID             string `gorm:"primaryKey;size:64"`
	Name           string `gorm:"size:255"`
	FirstStepID    string `gorm:"size:64"`
	Config         datatypes.JSON
	CacheStructure datatypes.JSON `gorm:"type:jsonb"`
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

func (botModel) TableName() string { return "bots" }

type userModel struct {
	ID        string `gorm:"primaryKey;size:64"`
	Name      string `gorm:"size:255"`
	CreatedAt time.Time
}

func (userModel) TableName() string { return "users" }

type channelModel struct {
	ID        string `gorm:"primaryKey;size:64"`
	Name      string `gorm:"size:255"`
	CreatedAt time.Time
}

func (channelModel) TableName() string { return "channels" }

type sessionModel struct {
	ID        string `gorm:"primaryKey;size:64"`
	UserID    string `gorm:"size:64;uniqueIndex:idx_session_owner"`
	BotID     string `gorm:"size:64;uniqueIndex:idx_session_owner"`
	ChannelID string `gorm:"size:64;uniqueIndex:idx_session_owner"`
	StepID    string `gorm:"size:64"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (sessionModel) TableName() string { return "sessions" }

type scopeModel struct {
	Scope     string         `gorm:"primaryKey;size:16"`
	OwnerID   string         `gorm:"primaryKey;size:64"`
	Data      datatypes.JSON `gorm:"type:jsonb"`
	UpdatedAt time.Time
}

func (scopeModel) TableName() string { return "variable_scopes" }

const (
	memberBot  = "bot"
	memberUser = "user"
)

type subscriptionModel struct {
	ChannelID  string `gorm:"primaryKey;size:64"`
	MemberType string `gorm:"primaryKey;size:8"`
	MemberID   string `gorm:"primaryKey;size:64"`
	CreatedAt  time.Time
}

func (subscriptionModel) TableName() string { return "channel_subscriptions" }

type credentialModel struct {
	ID        string `gorm:"primaryKey;size:64"`
	BotID     string `gorm:"size:64;index:idx_credential_lookup"`
	Provider  string `gorm:"size:64;index:idx_credential_lookup"`
	Strategy  string `gorm:"size:64"`
	Scopes    datatypes.JSONSlice[string]
	IsDefault bool
	Payload   []byte `gorm:"type:bytea"`
	UpdatedAt time.Time
}

func (credentialModel) TableName() string { return "credentials" }

type emitterModel struct {
	ID        string `gorm:"primaryKey;size:64"`
	BotID     string `gorm:"size:64;index"`
	ChannelID string `gorm:"size:64"`
	UserID    string `gorm:"size:64"`
	Name      string `gorm:"size:255"`
	Trigger   datatypes.JSONType[types.Trigger]
	Text      string
	Params    datatypes.JSON
	Enabled   bool `gorm:"default:true"`
}

func (emitterModel) TableName() string { return "emitters" }

func decodeMap(raw datatypes.JSON) (map[string]any, error) {
	out := map[string]any{}
	if len(raw) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	if out == nil {
		out = map[string]any{}
	}
	return out, nil
}

func encodeMap(m map[string]any) (datatypes.JSON, error) {
	if m == nil {
		m = map[string]any{}
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return datatypes.JSON(raw), nil
}

func (m *botModel) toBot() (*types.Bot, error) {
	cfg, err := decodeMap(m.Config)
	if err != nil {
		return nil, err
	}
	bot := &types.Bot{ID: m.ID, Name: m.Name, FirstStepID: m.FirstStepID, Config: cfg}
	if len(m.CacheStructure) > 0 && string(m.CacheStructure) != "null" {
		var snap types.Snapshot
		if err := json.Unmarshal(m.CacheStructure, &snap); err != nil {
			return nil, err
		}
		if snap.FirstStepID == "" {
			snap.FirstStepID = m.FirstStepID
		}
		bot.Snapshot = &snap
	}
	return bot, nil
}

func fromBot(b *types.Bot) (*botModel, error) {
	cfg, err := encodeMap(b.Config)
	if err != nil {
		return nil, err
	}
	m := &botModel{ID: b.ID, Name: b.Name, FirstStepID: b.FirstStepID, Config: cfg}
	if b.Snapshot != nil {
		raw, err := json.Marshal(b.Snapshot)
		if err != nil {
			return nil, err
		}
		m.CacheStructure = datatypes.JSON(raw)
	}
	return m, nil
}

func (m *sessionModel) toSession() *types.Session {
	return &types.Session{
		ID:        m.ID,
		UserID:    m.UserID,
		BotID:     m.BotID,
		ChannelID: m.ChannelID,
		StepID:    m.StepID,
		CreatedAt: m.CreatedAt,
		UpdatedAt: m.UpdatedAt,
	}
}

func (m *credentialModel) toCredential() *types.Credential {
	return &types.Credential{
		ID:        m.ID,
		BotID:     m.BotID,
		Provider:  m.Provider,
		Strategy:  m.Strategy,
		Scopes:    []string(m.Scopes),
		IsDefault: m.IsDefault,
		Payload:   m.Payload,
		UpdatedAt: m.UpdatedAt,
	}
}

func (m *emitterModel) toEmitter() (*types.Emitter, error) {
	params, err := decodeMap(m.Params)
	if err != nil {
		return nil, err
	}
	return &types.Emitter{
		ID:        m.ID,
		BotID:     m.BotID,
		ChannelID: m.ChannelID,
		UserID:    m.UserID,
		Name:      m.Name,
		Trigger:   m.Trigger.Data(),
		Text:      m.Text,
		Params:    params,
		Enabled:   m.Enabled,
	}, nil
}
