// Package services – UserService
//
// UserService reads and edits user profiles. A profile is created with
// defaults the first time it is read. TotalSP always comes from the ledger,
// never from the profile row.
package services

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"gorm.io/gorm"

	"github.com/tbourn/hamro-saath-backend/internal/domain"
	"github.com/tbourn/hamro-saath-backend/internal/ledger"
	"github.com/tbourn/hamro-saath-backend/internal/repo"

	// OpenTelemetry
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Profile field limits, in runes.
const (
	MaxDisplayNameLen = 128
	MaxAvatarLen      = 512
	MaxBioLen         = 1000
	MaxWardLen        = 64
)

// UpdateProfileInput carries a partial profile edit. Nil fields are left
// unchanged; an empty string clears an optional field.
type UpdateProfileInput struct {
	DisplayName       *string
	Avatar            *string
	Ward              *string
	Bio               *string
	ProfileVisibility *string
}

// UserService provides profile reads and edits.
type UserService struct {
	DB     *gorm.DB
	Ledger ledger.Store
	Now    func() time.Time
}

func (s *UserService) now() time.Time {
	if s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}

// Get returns the profile for userID, creating it on first read. Another
// caller viewing a private profile sees only its id, name and visibility.
func (s *UserService) Get(ctx context.Context, userID, viewerID string) (*domain.UserProfile, error) {
	tr := otel.Tracer("services/UserService")
	ctx, span := tr.Start(ctx, "Get", trace.WithAttributes(attribute.String("user.id", userID)))
	defer span.End()

	if strings.TrimSpace(userID) == "" {
		return nil, &MissingFieldsError{Fields: []string{"userId"}}
	}
	u, err := repo.GetOrCreateUser(ctx, s.DB, userID, s.now())
	if err != nil {
		return nil, err
	}
	if u.ProfileVisibility == domain.VisibilityPrivate && viewerID != userID {
		return &domain.UserProfile{
			ID:                u.ID,
			DisplayName:       u.DisplayName,
			ProfileVisibility: u.ProfileVisibility,
			CreatedAt:         u.CreatedAt,
			UpdatedAt:         u.UpdatedAt,
		}, nil
	}
	if u.TotalSP, err = s.Ledger.GetBalance(ctx, userID); err != nil {
		return nil, fmt.Errorf("profile %s: %w", userID, err)
	}
	return u, nil
}

// Update edits the caller's own profile.
func (s *UserService) Update(ctx context.Context, userID, actorID string, in UpdateProfileInput) (*domain.UserProfile, error) {
	tr := otel.Tracer("services/UserService")
	ctx, span := tr.Start(ctx, "Update", trace.WithAttributes(attribute.String("user.id", userID)))
	defer span.End()

	if actorID != userID {
		return nil, fmt.Errorf("%w: profiles can only be edited by their owner", ErrForbidden)
	}
	updates, err := profileUpdates(in)
	if err != nil {
		return nil, err
	}
	u, err := repo.UpdateUserProfile(ctx, s.DB, userID, updates, s.now())
	if err != nil {
		return nil, err
	}
	if u.TotalSP, err = s.Ledger.GetBalance(ctx, userID); err != nil {
		return nil, fmt.Errorf("profile %s: %w", userID, err)
	}
	return u, nil
}

// profileUpdates validates in and maps it to column updates.
func profileUpdates(in UpdateProfileInput) (map[string]any, error) {
	updates := map[string]any{}
	if in.DisplayName != nil {
		name := strings.Join(strings.Fields(*in.DisplayName), " ")
		if name == "" {
			return nil, fmt.Errorf("%w: displayName must not be blank", ErrInvalidInput)
		}
		updates["display_name"] = name
	}
	optional := []struct {
		col string
		val *string
		max int
	}{
		{"avatar", in.Avatar, MaxAvatarLen},
		{"ward", in.Ward, MaxWardLen},
		{"bio", in.Bio, MaxBioLen},
	}
	for _, f := range optional {
		if f.val == nil {
			continue
		}
		v := strings.TrimSpace(*f.val)
		if utf8.RuneCountInString(v) > f.max {
			return nil, fmt.Errorf("%w: %s is longer than %d characters", ErrInvalidInput, f.col, f.max)
		}
		updates[f.col] = v
	}
	if name, ok := updates["display_name"].(string); ok && utf8.RuneCountInString(name) > MaxDisplayNameLen {
		return nil, fmt.Errorf("%w: displayName is longer than %d characters", ErrInvalidInput, MaxDisplayNameLen)
	}
	if in.ProfileVisibility != nil {
		v := domain.ProfileVisibility(normalizeKey(*in.ProfileVisibility))
		if !v.Valid() {
			return nil, fmt.Errorf("%w: profileVisibility must be public or private", ErrInvalidInput)
		}
		updates["profile_visibility"] = string(v)
	}
	return updates, nil
}
