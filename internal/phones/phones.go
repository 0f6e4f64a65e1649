// Package phones manages users' emergency contact numbers. Phone numbers are
// encrypted at rest and every access is recorded as a security event.
package phones

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/org/citaguard/internal/audit"
	"github.com/org/citaguard/internal/crypto"
	"github.com/org/citaguard/internal/sanitize"
	"github.com/org/citaguard/internal/storage"
	"github.com/org/citaguard/pkg/models"
	"github.com/rs/zerolog/log"
)

const dataType = "emergency_phone"

// Fields encrypted before a phone document is written.
var encryptedFields = []string{"phone_number"}

var (
	// ErrForbidden is returned when the caller may not act on the target user's data.
	ErrForbidden = errors.New("access denied")
	// ErrUnsafeInput is returned when a field carries markup or an injection pattern.
	ErrUnsafeInput = errors.New("input contains forbidden content")
)

// Service implements the emergency phone operations.
type Service struct {
	docs      storage.DocumentStore
	cipher    *crypto.FieldCipher
	audit     *audit.Logger
	sanitizer *sanitize.Sanitizer
	now       func() time.Time
}

// NewService wires a Service.
func NewService(docs storage.DocumentStore, cipher *crypto.FieldCipher, auditor *audit.Logger, sanitizer *sanitize.Sanitizer) *Service {
	return &Service{
		docs:      docs,
		cipher:    cipher,
		audit:     auditor,
		sanitizer: sanitizer,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// targetUser resolves whose phones the caller is acting on. Only admins may
// name a user other than themselves.
func (s *Service) targetUser(ctx context.Context, caller *models.Principal, userID, action string, client audit.ClientInfo) (string, error) {
	if userID == "" || userID == caller.UID {
		return caller.UID, nil
	}
	if !caller.Admin {
		s.audit.LogUnauthorizedAccess(ctx, caller.UID, fmt.Sprintf("emergency_phones (user %s)", userID), action, client)
		return "", ErrForbidden
	}
	return userID, nil
}

// Create stores a new phone for userID (or the caller when empty).
func (s *Service) Create(ctx context.Context, caller *models.Principal, userID string, in Input, client audit.ClientInfo) (*models.EmergencyPhone, error) {
	target, err := s.targetUser(ctx, caller, userID, "create", client)
	if err != nil {
		return nil, err
	}
	if err := s.inspect(ctx, caller.UID, in.textFields(), client); err != nil {
		return nil, err
	}

	in.PhoneNumber = s.sanitizer.Phone(in.PhoneNumber)
	in.CountryCode = s.sanitizer.Text(in.CountryCode)
	in.Label = s.sanitizer.Text(in.Label)
	in.Notes = s.sanitizer.Text(in.Notes)
	in.applyDefaults()
	if err := in.Validate(); err != nil {
		return nil, err
	}

	if in.IsPrimary {
		if err := s.clearPrimary(ctx, target, ""); err != nil {
			return nil, err
		}
	}

	now := s.now()
	doc := models.Document{
		"user_id":      target,
		"phone_number": in.PhoneNumber,
		"country_code": in.CountryCode,
		"is_primary":   in.IsPrimary,
		"label":        in.Label,
		"notes":        in.Notes,
		"is_verified":  false,
		"created_at":   now,
		"updated_at":   now,
	}
	enc, err := s.cipher.EncryptFields(doc, encryptedFields)
	if err != nil {
		return nil, fmt.Errorf("encrypting phone: %w", err)
	}
	id, err := s.docs.InsertDocument(ctx, storage.CollectionEmergencyPhones, enc)
	if err != nil {
		return nil, fmt.Errorf("storing phone: %w", err)
	}
	doc["id"] = id

	log.Info().Str("user_id", caller.UID).Str("target_user_id", target).Str("phone_id", id).Msg("emergency phone created")
	s.audit.LogSensitiveDataAccess(ctx, caller.UID, dataType, id, "create", client)
	if target != caller.UID {
		s.audit.LogAdminAction(ctx, caller.UID, "create_emergency_phone", target, client, map[string]any{"phone_id": id})
	}
	return toPhone(doc), nil
}

// List returns every phone of userID (or the caller when empty).
func (s *Service) List(ctx context.Context, caller *models.Principal, userID string, client audit.ClientInfo) ([]*models.EmergencyPhone, error) {
	target, err := s.targetUser(ctx, caller, userID, "read", client)
	if err != nil {
		return nil, err
	}
	docs, err := s.docs.FindDocuments(ctx, storage.CollectionEmergencyPhones, "user_id", target)
	if err != nil {
		return nil, fmt.Errorf("listing phones: %w", err)
	}
	out := make([]*models.EmergencyPhone, 0, len(docs))
	for _, d := range docs {
		out = append(out, toPhone(s.cipher.DecryptFields(d, encryptedFields...)))
	}

	if len(out) > 0 {
		s.audit.LogSensitiveDataAccess(ctx, caller.UID, dataType, fmt.Sprintf("user_%s_phones", target), "read", client)
	}
	if target != caller.UID {
		s.audit.LogAdminAction(ctx, caller.UID, "view_emergency_phones", target, client, map[string]any{"count": len(out)})
	}
	return out, nil
}

// Get returns one phone. Non-admin callers may only read their own.
func (s *Service) Get(ctx context.Context, caller *models.Principal, id string, client audit.ClientInfo) (*models.EmergencyPhone, error) {
	doc, err := s.load(ctx, caller, id, "read", client)
	if err != nil {
		return nil, err
	}
	s.audit.LogSensitiveDataAccess(ctx, caller.UID, dataType, id, "read", client)
	return toPhone(s.cipher.DecryptFields(doc, encryptedFields...)), nil
}

// Update applies u to the phone.
func (s *Service) Update(ctx context.Context, caller *models.Principal, id string, u Update, client audit.ClientInfo) (*models.EmergencyPhone, error) {
	doc, err := s.load(ctx, caller, id, "update", client)
	if err != nil {
		return nil, err
	}
	if err := s.inspect(ctx, caller.UID, u.textFields(), client); err != nil {
		return nil, err
	}

	patch := models.Document{}
	if u.PhoneNumber != nil {
		v := s.sanitizer.Phone(*u.PhoneNumber)
		u.PhoneNumber = &v
		patch["phone_number"] = v
	}
	if u.CountryCode != nil {
		v := s.sanitizer.Text(*u.CountryCode)
		u.CountryCode = &v
		patch["country_code"] = v
	}
	if u.Label != nil {
		v := s.sanitizer.Text(*u.Label)
		u.Label = &v
		patch["label"] = v
	}
	if u.Notes != nil {
		v := s.sanitizer.Text(*u.Notes)
		u.Notes = &v
		patch["notes"] = v
	}
	if u.IsPrimary != nil {
		patch["is_primary"] = *u.IsPrimary
	}
	if err := u.Validate(); err != nil {
		return nil, err
	}

	owner := str(doc, "user_id")
	if u.IsPrimary != nil && *u.IsPrimary {
		if err := s.clearPrimary(ctx, owner, id); err != nil {
			return nil, err
		}
	}

	patch["updated_at"] = s.now()
	if _, ok := patch["phone_number"]; ok {
		enc, err := s.cipher.EncryptFields(patch, encryptedFields)
		if err != nil {
			return nil, fmt.Errorf("encrypting phone: %w", err)
		}
		patch = enc
	}
	if err := s.docs.UpdateDocument(ctx, storage.CollectionEmergencyPhones, id, patch); err != nil {
		return nil, fmt.Errorf("updating phone: %w", err)
	}

	s.audit.LogSensitiveDataAccess(ctx, caller.UID, dataType, id, "update", client)
	if owner != caller.UID {
		s.audit.LogAdminAction(ctx, caller.UID, "update_emergency_phone", owner, client, map[string]any{"phone_id": id})
	}

	updated, err := s.docs.GetDocument(ctx, storage.CollectionEmergencyPhones, id)
	if err != nil {
		return nil, fmt.Errorf("reading updated phone: %w", err)
	}
	return toPhone(s.cipher.DecryptFields(updated, encryptedFields...)), nil
}

// Delete removes the phone.
func (s *Service) Delete(ctx context.Context, caller *models.Principal, id string, client audit.ClientInfo) error {
	doc, err := s.load(ctx, caller, id, "delete", client)
	if err != nil {
		return err
	}
	if err := s.docs.DeleteDocument(ctx, storage.CollectionEmergencyPhones, id); err != nil {
		return fmt.Errorf("deleting phone: %w", err)
	}
	s.audit.LogSensitiveDataAccess(ctx, caller.UID, dataType, id, "delete", client)
	if owner := str(doc, "user_id"); owner != caller.UID {
		s.audit.LogAdminAction(ctx, caller.UID, "delete_emergency_phone", owner, client, map[string]any{"phone_id": id})
	}
	return nil
}

// Verify marks a phone as verified. Admin only.
func (s *Service) Verify(ctx context.Context, caller *models.Principal, id string, client audit.ClientInfo) (*models.EmergencyPhone, error) {
	if !caller.Admin {
		s.audit.LogUnauthorizedAccess(ctx, caller.UID, "emergency_phone "+id, "verify", client)
		return nil, ErrForbidden
	}
	doc, err := s.docs.GetDocument(ctx, storage.CollectionEmergencyPhones, id)
	if err != nil {
		return nil, err
	}
	now := s.now()
	patch := models.Document{"is_verified": true, "verified_at": now, "updated_at": now}
	if err := s.docs.UpdateDocument(ctx, storage.CollectionEmergencyPhones, id, patch); err != nil {
		return nil, fmt.Errorf("verifying phone: %w", err)
	}
	for k, v := range patch {
		doc[k] = v
	}
	s.audit.LogAdminAction(ctx, caller.UID, "verify_emergency_phone", str(doc, "user_id"), client, map[string]any{"phone_id": id})
	return toPhone(s.cipher.DecryptFields(doc, encryptedFields...)), nil
}

// DeleteAllForUser removes every phone owned by userID and returns how many were deleted.
func (s *Service) DeleteAllForUser(ctx context.Context, userID string) (int, error) {
	docs, err := s.docs.FindDocuments(ctx, storage.CollectionEmergencyPhones, "user_id", userID)
	if err != nil {
		return 0, fmt.Errorf("listing phones: %w", err)
	}
	n := 0
	for _, d := range docs {
		err := s.docs.DeleteDocument(ctx, storage.CollectionEmergencyPhones, str(d, "id"))
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			return n, fmt.Errorf("deleting phone: %w", err)
		}
		n++
	}
	return n, nil
}

// load fetches a phone and checks the caller may act on it.
func (s *Service) load(ctx context.Context, caller *models.Principal, id, action string, client audit.ClientInfo) (models.Document, error) {
	doc, err := s.docs.GetDocument(ctx, storage.CollectionEmergencyPhones, id)
	if err != nil {
		return nil, err
	}
	if str(doc, "user_id") != caller.UID && !caller.Admin {
		s.audit.LogUnauthorizedAccess(ctx, caller.UID, "emergency_phone "+id, action, client)
		return nil, ErrForbidden
	}
	return doc, nil
}

// inspect rejects input that carries markup or query injection, recording each hit.
func (s *Service) inspect(ctx context.Context, userID string, fields map[string]string, client audit.ClientInfo) error {
	findings := s.sanitizer.Inspect(fields)
	for _, f := range findings {
		switch f.Kind {
		case sanitize.KindXSS:
			s.audit.LogXSSAttempt(ctx, userID, f.Field, f.Input, client)
		case sanitize.KindInjection:
			s.audit.LogInjectionAttempt(ctx, userID, f.Field, f.Input, client)
		}
	}
	if len(findings) > 0 {
		return ErrUnsafeInput
	}
	return nil
}

// clearPrimary unsets is_primary on every phone of userID except keepID.
func (s *Service) clearPrimary(ctx context.Context, userID, keepID string) error {
	docs, err := s.docs.FindDocuments(ctx, storage.CollectionEmergencyPhones, "user_id", userID)
	if err != nil {
		return fmt.Errorf("listing phones: %w", err)
	}
	for _, d := range docs {
		id := str(d, "id")
		if id == keepID {
			continue
		}
		if primary, _ := d["is_primary"].(bool); !primary {
			continue
		}
		if err := s.docs.UpdateDocument(ctx, storage.CollectionEmergencyPhones, id, models.Document{"is_primary": false}); err != nil {
			return fmt.Errorf("clearing primary flag: %w", err)
		}
	}
	return nil
}
