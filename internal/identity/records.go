package identity

import "time"

// Account is a password credential. Email is stored lower-cased and is unique.
type Account struct {
	UID          string    `gorm:"column:uid;primaryKey;size:190;not null"`
	Email        string    `gorm:"column:email;uniqueIndex;size:320;not null"`
	PasswordHash string    `gorm:"column:password_hash;size:100;not null"`
	DisplayName  string    `gorm:"column:display_name;size:320"`
	PhotoURL     string    `gorm:"column:photo_url;size:512"`
	Disabled     bool      `gorm:"column:disabled;not null;default:false"`
	CreatedAt    time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt    time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName exposes the table backing password accounts.
func (Account) TableName() string {
	return "identity_accounts"
}

// Link maps a federated provider subject onto a canonical uid.
type Link struct {
	Provider    string    `gorm:"column:provider;primaryKey;size:64;not null"`
	Subject     string    `gorm:"column:subject;primaryKey;size:190;not null"`
	UID         string    `gorm:"column:uid;size:190;not null;index"`
	Email       string    `gorm:"column:email;size:320"`
	DisplayName string    `gorm:"column:display_name;size:320"`
	PhotoURL    string    `gorm:"column:photo_url;size:512"`
	LastSeenAt  time.Time `gorm:"column:last_seen_at"`
	CreatedAt   time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt   time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName exposes the table backing federated identity links.
func (Link) TableName() string {
	return "identity_links"
}
