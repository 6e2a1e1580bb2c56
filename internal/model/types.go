package model

import "time"

// Session links one WhatsApp account to a chatflow on behalf of a user.
type Session struct {
	ID          string    `json:"id" gorm:"primaryKey;size:36"`
	ChatflowID  string    `json:"chatflowId" gorm:"column:chatflowId;size:36;index"`
	UserID      string    `json:"userId" gorm:"column:userId;size:36;index"`
	SessionID   string    `json:"sessionId" gorm:"column:sessionId;size:64;uniqueIndex"`
	PhoneNumber string    `json:"phoneNumber" gorm:"column:phoneNumber;size:32"`
	IsActive    bool      `json:"isActive" gorm:"column:isActive;default:false"`
	CreatedDate time.Time `json:"createdDate" gorm:"column:createdDate;autoCreateTime"`
	UpdatedDate time.Time `json:"updatedDate" gorm:"column:updatedDate;autoUpdateTime"`
}

func (Session) TableName() string {
	return "whatsapp_session"
}

// CredentialKeyCreds is the row holding the primary credential blob of a session.
const CredentialKeyCreds = "creds"

// CredentialRecord is one opaque row of authentication state. The table name
// is configurable, so it is always addressed through db.Table.
type CredentialRecord struct {
	SessionID string    `gorm:"column:session_id;primaryKey;size:64"`
	Key       string    `gorm:"column:id;primaryKey;size:191"`
	Value     []byte    `gorm:"column:value"`
	UpdatedAt time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

const (
	UserStatusActive   = "active"
	UserStatusDisabled = "disabled"
)

// User is owned by the host application; this service only reads it.
type User struct {
	ID     string `json:"id" gorm:"primaryKey;size:36"`
	Email  string `json:"email" gorm:"size:255"`
	Status string `json:"status" gorm:"size:32;default:active"`
}

func (User) TableName() string {
	return "user"
}
