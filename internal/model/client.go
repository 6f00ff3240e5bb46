package model

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Client represents a billing client of a user, the party an invoice is addressed to
type Client struct {
	ID             uuid.UUID      `gorm:"type:uuid;default:gen_random_uuid();primaryKey" json:"id"`
	UserID         uuid.UUID      `gorm:"type:uuid;not null;index" json:"user_id"`
	Name           string         `gorm:"type:varchar(255);not null" json:"name"`
	Email          string         `gorm:"type:varchar(255);not null" json:"email"`
	CompanyName    string         `gorm:"type:varchar(255)" json:"company_name"`
	Phone          string         `gorm:"type:varchar(50)" json:"phone"`
	BillingAddress string         `gorm:"type:text" json:"billing_address"`
	TaxCode        string         `gorm:"type:varchar(50)" json:"tax_code"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
	DeletedAt      gorm.DeletedAt `gorm:"index" json:"-"`
}
