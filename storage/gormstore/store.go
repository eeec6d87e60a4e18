// Package gormstore is the relational source of truth, backed by Postgres
// through gorm.
package gormstore

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/carbonfay/DBCV-sub000/errors"
	"github.com/carbonfay/DBCV-sub000/pkg/dotpath"
	"github.com/carbonfay/DBCV-sub000/types"
)

// Config configures the connection pool.
type Config struct {
	DSN             string        `json:"dsn" yaml:"dsn"`
	MaxIdleConns    int           `json:"max_idle_conns" yaml:"max_idle_conns"`
	MaxOpenConns    int           `json:"max_open_conns" yaml:"max_open_conns"`
	ConnMaxLifetime time.Duration `json:"conn_max_lifetime" yaml:"conn_max_lifetime"`
	SlowThreshold   time.Duration `json:"slow_threshold" yaml:"slow_threshold"`
	AutoMigrate     bool          `json:"auto_migrate" yaml:"auto_migrate"`
}

// Store implements the engine's source of truth over gorm.
type Store struct {
	db     *gorm.DB
	logger *slog.Logger
}

// Open connects to Postgres and optionally migrates the schema.
func Open(ctx context.Context, cfg Config, log *slog.Logger) (*Store, error) {
	if log == nil {
		log = slog.Default()
	}
	slow := cfg.SlowThreshold
	if slow <= 0 {
		slow = time.Second
	}
	gormLogger := logger.New(
		slog.NewLogLogger(log.Handler(), slog.LevelWarn),
		logger.Config{
			SlowThreshold:             slow,
			LogLevel:                  logger.Warn,
			IgnoreRecordNotFoundError: true,
		},
	)

	db, err := gorm.Open(postgres.Open(cfg.DSN), &gorm.Config{Logger: gormLogger})
	if err != nil {
		return nil, errors.WrapTransient(err, "Store", "Open", "connect database")
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, errors.WrapFatal(err, "Store", "Open", "access pool")
	}
	if cfg.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	s := New(db, log)
	if cfg.AutoMigrate {
		if err := s.Migrate(ctx); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// New wraps an open gorm handle.
func New(db *gorm.DB, log *slog.Logger) *Store {
	if log == nil {
		log = slog.Default()
	}
	return &Store{db: db, logger: log.With("component", "gormstore")}
}

// Migrate creates or updates the schema.
func (s *Store) Migrate(ctx context.Context) error {
	err := s.db.WithContext(ctx).AutoMigrate(
		&botModel{},
		&userModel{},
		&channelModel{},
		&sessionModel{},
		&scopeModel{},
		&subscriptionModel{},
		&credentialModel{},
		&emitterModel{},
	)
	if err != nil {
		return errors.WrapFatal(err, "Store", "Migrate", "auto migrate")
	}
	return nil
}

// Ping checks the connection.
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close closes the pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// translate maps gorm errors onto the engine's sentinels.
func translate(err error, method, what string, notFound error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%s: %w", what, notFound)
	}
	return errors.WrapTransient(err, "Store", method, what)
}

func (s *Store) GetBot(ctx context.Context, id string) (*types.Bot, error) {
	var m botModel
	if err := s.db.WithContext(ctx).First(&m, "id = ?", id).Error; err != nil {
		return nil, translate(err, "GetBot", "bot "+id, errors.ErrBotNotFound)
	}
	bot, err := m.toBot()
	if err != nil {
		return nil, errors.WrapInvalid(err, "Store", "GetBot", "decode cache_structure")
	}
	return bot, nil
}

// SaveBot upserts a bot with its compiled snapshot.
func (s *Store) SaveBot(ctx context.Context, b *types.Bot) error {
	m, err := fromBot(b)
	if err != nil {
		return errors.WrapInvalid(err, "Store", "SaveBot", "encode bot")
	}
	return translate(s.db.WithContext(ctx).Save(m).Error, "SaveBot", "bot "+b.ID, errors.ErrKeyNotFound)
}

func (s *Store) GetUser(ctx context.Context, id string) (*types.User, error) {
	var m userModel
	if err := s.db.WithContext(ctx).First(&m, "id = ?", id).Error; err != nil {
		return nil, translate(err, "GetUser", "user "+id, errors.ErrKeyNotFound)
	}
	return &types.User{ID: m.ID, Name: m.Name}, nil
}

func (s *Store) GetChannel(ctx context.Context, id string) (*types.Channel, error) {
	var m channelModel
	if err := s.db.WithContext(ctx).First(&m, "id = ?", id).Error; err != nil {
		return nil, translate(err, "GetChannel", "channel "+id, errors.ErrKeyNotFound)
	}
	return &types.Channel{ID: m.ID, Name: m.Name}, nil
}

func (s *Store) FindSession(ctx context.Context, userID, botID, channelID string) (*types.Session, error) {
	var m sessionModel
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND bot_id = ? AND channel_id = ?", userID, botID, channelID).
		First(&m).Error
	if err != nil {
		return nil, translate(err, "FindSession", "session", errors.ErrKeyNotFound)
	}
	return m.toSession(), nil
}

func (s *Store) CreateSession(ctx context.Context, sess *types.Session) (*types.Session, error) {
	m := sessionModel{
		ID:        sess.ID,
		UserID:    sess.UserID,
		BotID:     sess.BotID,
		ChannelID: sess.ChannelID,
		StepID:    sess.StepID,
	}
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}, {Name: "bot_id"}, {Name: "channel_id"}},
			DoNothing: true,
		}).
		Create(&m).Error
	if err != nil {
		return nil, errors.WrapTransient(err, "Store", "CreateSession", "insert session")
	}
	return s.FindSession(ctx, sess.UserID, sess.BotID, sess.ChannelID)
}

func (s *Store) SetSessionStep(ctx context.Context, sessionID, stepID string) error {
	res := s.db.WithContext(ctx).Model(&sessionModel{}).
		Where("id = ?", sessionID).
		Update("step_id", stepID)
	if res.Error != nil {
		return errors.WrapTransient(res.Error, "Store", "SetSessionStep", "update session")
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("session %s: %w", sessionID, errors.ErrKeyNotFound)
	}
	return nil
}

func (s *Store) LoadScope(ctx context.Context, scope types.Scope, ownerID string) (map[string]any, error) {
	var m scopeModel
	err := s.db.WithContext(ctx).First(&m, "scope = ? AND owner_id = ?", string(scope), ownerID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return map[string]any{}, nil
	}
	if err != nil {
		return nil, errors.WrapTransient(err, "Store", "LoadScope", "select scope")
	}
	data, err := decodeMap(m.Data)
	if err != nil {
		s.logger.Warn("Scope blob is not an object, treating as empty", "scope", scope, "owner", ownerID, "error", err)
		return map[string]any{}, nil
	}
	return data, nil
}

// PatchScope merges patch into the stored blob inside one transaction,
// holding a row lock while merging.
func (s *Store) PatchScope(ctx context.Context, scope types.Scope, ownerID string, patch map[string]any) (map[string]any, error) {
	var merged map[string]any
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var m scopeModel
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			First(&m, "scope = ? AND owner_id = ?", string(scope), ownerID).Error
		if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}

		current, derr := decodeMap(m.Data)
		if derr != nil {
			current = map[string]any{}
		}
		merged = dotpath.Merge(current, dotpath.CloneMap(patch))

		raw, err := encodeMap(merged)
		if err != nil {
			return err
		}
		return tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "scope"}, {Name: "owner_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"data", "updated_at"}),
		}).Create(&scopeModel{Scope: string(scope), OwnerID: ownerID, Data: raw}).Error
	})
	if err != nil {
		return nil, errors.WrapTransient(err, "Store", "PatchScope", "merge scope")
	}
	return merged, nil
}

func (s *Store) Subscribers(ctx context.Context, channelID string) (*types.Subscribers, error) {
	var rows []subscriptionModel
	err := s.db.WithContext(ctx).
		Where("channel_id = ?", channelID).
		Order("created_at, member_id").
		Find(&rows).Error
	if err != nil {
		return nil, errors.WrapTransient(err, "Store", "Subscribers", "select subscriptions")
	}
	subs := &types.Subscribers{ChannelID: channelID}
	for _, r := range rows {
		switch r.MemberType {
		case memberBot:
			subs.BotIDs = append(subs.BotIDs, r.MemberID)
		case memberUser:
			subs.UserIDs = append(subs.UserIDs, r.MemberID)
		}
	}
	return subs, nil
}

// Subscribe adds members to a channel; existing memberships are kept.
func (s *Store) Subscribe(ctx context.Context, channelID string, botIDs, userIDs []string) error {
	rows := make([]subscriptionModel, 0, len(botIDs)+len(userIDs))
	for _, id := range botIDs {
		rows = append(rows, subscriptionModel{ChannelID: channelID, MemberType: memberBot, MemberID: id})
	}
	for _, id := range userIDs {
		rows = append(rows, subscriptionModel{ChannelID: channelID, MemberType: memberUser, MemberID: id})
	}
	if len(rows) == 0 {
		return nil
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&rows).Error
	return errors.WrapTransient(err, "Store", "Subscribe", "insert subscriptions")
}

// Unsubscribe drops the membership and the user's sessions in the channel
// in one transaction.
func (s *Store) Unsubscribe(ctx context.Context, channelID, userID string) ([]string, error) {
	var ids []string
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&sessionModel{}).
			Where("channel_id = ? AND user_id = ?", channelID, userID).
			Order("id").
			Pluck("id", &ids).Error; err != nil {
			return err
		}
		if len(ids) > 0 {
			if err := tx.Where("scope = ? AND owner_id IN ?", string(types.ScopeSession), ids).
				Delete(&scopeModel{}).Error; err != nil {
				return err
			}
			if err := tx.Where("id IN ?", ids).Delete(&sessionModel{}).Error; err != nil {
				return err
			}
		}
		return tx.Where("channel_id = ? AND member_type = ? AND member_id = ?", channelID, memberUser, userID).
			Delete(&subscriptionModel{}).Error
	})
	if err != nil {
		return nil, errors.WrapTransient(err, "Store", "Unsubscribe", "delete sessions")
	}
	return ids, nil
}

func (s *Store) Credentials(ctx context.Context, botID, provider string) ([]*types.Credential, error) {
	var rows []credentialModel
	err := s.db.WithContext(ctx).
		Where("bot_id = ? AND provider = ?", botID, provider).
		Order("id").
		Find(&rows).Error
	if err != nil {
		return nil, errors.WrapTransient(err, "Store", "Credentials", "select credentials")
	}
	out := make([]*types.Credential, len(rows))
	for i := range rows {
		out[i] = rows[i].toCredential()
	}
	return out, nil
}

func (s *Store) Credential(ctx context.Context, id string) (*types.Credential, error) {
	var m credentialModel
	if err := s.db.WithContext(ctx).First(&m, "id = ?", id).Error; err != nil {
		return nil, translate(err, "Credential", "credential "+id, errors.ErrKeyNotFound)
	}
	return m.toCredential(), nil
}

// SaveCredential upserts a credential. Marking it default clears the flag
// on the other credentials of the same (bot, provider, strategy).
func (s *Store) SaveCredential(ctx context.Context, c *types.Credential) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if c.IsDefault {
			err := tx.Model(&credentialModel{}).
				Where("bot_id = ? AND provider = ? AND strategy = ? AND id <> ?", c.BotID, c.Provider, c.Strategy, c.ID).
				Update("is_default", false).Error
			if err != nil {
				return errors.WrapTransient(err, "Store", "SaveCredential", "clear default")
			}
		}
		m := credentialModel{
			ID:        c.ID,
			BotID:     c.BotID,
			Provider:  c.Provider,
			Strategy:  c.Strategy,
			Scopes:    datatypes.NewJSONSlice(c.Scopes),
			IsDefault: c.IsDefault,
			Payload:   c.Payload,
		}
		return errors.WrapTransient(tx.Save(&m).Error, "Store", "SaveCredential", "save credential")
	})
}

func (s *Store) Emitters(ctx context.Context) ([]*types.Emitter, error) {
	var rows []emitterModel
	if err := s.db.WithContext(ctx).Order("id").Find(&rows).Error; err != nil {
		return nil, errors.WrapTransient(err, "Store", "Emitters", "select emitters")
	}
	out := make([]*types.Emitter, 0, len(rows))
	for i := range rows {
		e, err := rows[i].toEmitter()
		if err != nil {
			s.logger.Warn("Skipping emitter with bad params", "emitter", rows[i].ID, "error", err)
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

// SaveEmitter upserts an emitter definition.
func (s *Store) SaveEmitter(ctx context.Context, e *types.Emitter) error {
	params, err := encodeMap(e.Params)
	if err != nil {
		return errors.WrapInvalid(err, "Store", "SaveEmitter", "encode params")
	}
	m := emitterModel{
		ID:        e.ID,
		BotID:     e.BotID,
		ChannelID: e.ChannelID,
		UserID:    e.UserID,
		Name:      e.Name,
		Trigger:   datatypes.NewJSONType(e.Trigger),
		Text:      e.Text,
		Params:    params,
		Enabled:   e.Enabled,
	}
	return errors.WrapTransient(s.db.WithContext(ctx).Save(&m).Error, "Store", "SaveEmitter", "save emitter")
}
