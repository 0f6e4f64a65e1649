package models

import "time"

// Document is a schemaless record held by the document store.
type Document map[string]any

// EncryptedFieldsKey marks which fields of a Document hold ciphertext.
const EncryptedFieldsKey = "_encrypted_fields"

// EmergencyPhone is a user's emergency contact number.
type EmergencyPhone struct {
	ID          string     `json:"id"`
	UserID      string     `json:"user_id"`
	PhoneNumber string     `json:"phone_number"`
	CountryCode string     `json:"country_code"`
	IsPrimary   bool       `json:"is_primary"`
	Label       string     `json:"label"`
	Notes       string     `json:"notes,omitempty"`
	IsVerified  bool       `json:"is_verified"`
	VerifiedAt  *time.Time `json:"verified_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}
