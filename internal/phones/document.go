package phones

import (
	"fmt"
	"time"

	"github.com/org/citaguard/pkg/models"
)

// toPhone converts a decrypted document. Stores return timestamps either as
// time.Time or as RFC 3339 strings.
func toPhone(d models.Document) *models.EmergencyPhone {
	p := &models.EmergencyPhone{
		ID:          str(d, "id"),
		UserID:      str(d, "user_id"),
		PhoneNumber: str(d, "phone_number"),
		CountryCode: str(d, "country_code"),
		IsPrimary:   boolean(d, "is_primary"),
		Label:       str(d, "label"),
		Notes:       str(d, "notes"),
		IsVerified:  boolean(d, "is_verified"),
		CreatedAt:   timestamp(d["created_at"]),
		UpdatedAt:   timestamp(d["updated_at"]),
	}
	if t := timestamp(d["verified_at"]); !t.IsZero() {
		p.VerifiedAt = &t
	}
	return p
}

func str(d models.Document, key string) string {
	switch v := d[key].(type) {
	case nil:
		return ""
	case string:
		return v
	default:
		return fmt.Sprint(v)
	}
}

func boolean(d models.Document, key string) bool {
	b, _ := d[key].(bool)
	return b
}

func timestamp(v any) time.Time {
	switch t := v.(type) {
	case time.Time:
		return t.UTC()
	case *time.Time:
		if t != nil {
			return t.UTC()
		}
	case string:
		if parsed, err := time.Parse(time.RFC3339Nano, t); err == nil {
			return parsed.UTC()
		}
	}
	return time.Time{}
}
