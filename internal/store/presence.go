package store

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Presence is the durable online flag for one identity.
type Presence struct {
	IdentityID string    `gorm:"primaryKey;size:64" json:"id"`
	Username   string    `gorm:"size:100;not null" json:"username"`
	Online     bool      `gorm:"not null;index" json:"is_online"`
	LastSeen   time.Time `gorm:"not null" json:"last_seen"`
}

// TableName returns the table name for Presence model.
func (Presence) TableName() string {
	return "presence"
}

// SQLPresenceStore keeps presence rows in the relational database.
type SQLPresenceStore struct {
	db *gorm.DB
}

// NewSQLPresenceStore creates a presence store on db.
func NewSQLPresenceStore(db *gorm.DB) *SQLPresenceStore {
	return &SQLPresenceStore{db: db}
}

// SetPresence upserts the row for p.IdentityID.
func (s *SQLPresenceStore) SetPresence(ctx context.Context, p Presence) error {
	if p.LastSeen.IsZero() {
		p.LastSeen = time.Now().UTC()
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "identity_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"username", "online", "last_seen"}),
	}).Create(&p).Error
	if err != nil {
		return fmt.Errorf("failed to write presence for %s: %w", p.IdentityID, err)
	}
	return nil
}

// ClearOnline marks every identity offline and returns how many rows changed.
func (s *SQLPresenceStore) ClearOnline(ctx context.Context) (int64, error) {
	result := s.db.WithContext(ctx).
		Model(&Presence{}).
		Where("online = ?", true).
		Updates(map[string]any{"online": false, "last_seen": time.Now().UTC()})
	if result.Error != nil {
		return 0, fmt.Errorf("failed to clear presence: %w", result.Error)
	}
	return result.RowsAffected, nil
}

// Online lists identities currently flagged online, ordered by username.
func (s *SQLPresenceStore) Online(ctx context.Context) ([]Presence, error) {
	var rows []Presence
	err := s.db.WithContext(ctx).
		Where("online = ?", true).
		Order("username ASC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list online users: %w", err)
	}
	return rows, nil
}

// Get returns the presence row for id, or gorm.ErrRecordNotFound wrapped.
func (s *SQLPresenceStore) Get(ctx context.Context, id string) (Presence, error) {
	var p Presence
	if err := s.db.WithContext(ctx).First(&p, "identity_id = ?", id).Error; err != nil {
		return Presence{}, fmt.Errorf("failed to read presence for %s: %w", id, err)
	}
	return p, nil
}
