package models

import (
	"time"

	"github.com/google/uuid"
)

type User struct {
	ID              uuid.UUID  `json:"id"`
	Email           string     `json:"email"`
	DisplayName     string     `json:"display_name"`
	PasswordHash    string     `json:"-"`
	Role            string     `json:"role"` // member | admin
	TelegramChatID  *int64     `json:"telegram_chat_id,omitempty"`
	ApartmentNumber string     `json:"apartment_number,omitempty"`
	BuildingID      *uuid.UUID `json:"building_id,omitempty"`
	Verified        bool       `json:"verified"`
	SharingEnabled  bool       `json:"sharing_enabled"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// CanShare reports whether the user may post food: verified, sharing not
// disabled, and assigned to a building.
func (u *User) CanShare() bool {
	return u.Verified && u.SharingEnabled && u.BuildingID != nil
}

type Building struct {
	ID        uuid.UUID `json:"id"`
	Name      string    `json:"name"`
	Address   string    `json:"address"`
	CreatedAt time.Time `json:"created_at"`
}
