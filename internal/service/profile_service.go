package service

import (
	"context"
	"fmt"
	"strings"

	"stockflow/internal/access"
	"stockflow/internal/apperr"
	"stockflow/internal/auth"
	"stockflow/internal/docstore"
	"stockflow/internal/models"
	"stockflow/internal/util"

	"go.uber.org/zap"
)

// ProfileService provisions user profiles and manages roles
type ProfileService struct {
	store  docstore.Store
	logger *zap.Logger
}

// NewProfileService creates a new profile service
func NewProfileService(store docstore.Store) *ProfileService {
	return &ProfileService{
		store:  store,
		logger: util.GetLogger(),
	}
}

// EnsureProfile returns the session for an authenticated identity, creating
// its profile on first sign-in. The first profile ever created is an Admin;
// the bootstrap marker is claimed in the same transaction so that concurrent
// first sign-ins produce exactly one Admin.
func (s *ProfileService) EnsureProfile(ctx context.Context, id auth.Identity) (sess *access.Session, err error) {
	ctx, span := util.StartSpan(ctx, "ProfileService.EnsureProfile")
	defer func() { util.EndSpan(span, err) }()

	if id.UserID == "" {
		return nil, apperr.Validation("identity without user id")
	}

	var profile models.UserProfile
	created := false
	err = s.store.RunTransaction(ctx, func(ctx context.Context, tx docstore.Tx) error {
		profile = models.UserProfile{}
		created = false

		err := tx.Get(ctx, models.CollectionUsers, id.UserID, &profile)
		if err == nil {
			return nil
		}
		if !isNotFound(err) {
			return err
		}

		role := models.RoleViewer
		var marker models.Bootstrap
		err = tx.Get(ctx, models.CollectionMeta, models.MetaBootstrap, &marker)
		switch {
		case isNotFound(err):
			role = models.RoleAdmin
			tx.Create(models.CollectionMeta, models.MetaBootstrap, &models.Bootstrap{AdminID: id.UserID})
		case err != nil:
			return err
		}

		profile = models.UserProfile{
			ID:          id.UserID,
			Email:       id.Email,
			Role:        role,
			DisplayName: id.DisplayName,
		}
		tx.Create(models.CollectionUsers, id.UserID, &profile)
		created = true
		return nil
	})
	if err != nil {
		logFailure(s.logger, "Profile provisioning failed", err, zap.String("user_id", id.UserID))
		return nil, err
	}

	if created {
		s.logger.Info("Profile created",
			zap.String("user_id", profile.ID),
			zap.String("email", profile.Email),
			zap.String("role", string(profile.Role)))
	}
	return sessionOf(&profile), nil
}

// Resolve builds the session of an existing profile
func (s *ProfileService) Resolve(ctx context.Context, userID string) (*access.Session, error) {
	var profile models.UserProfile
	if err := s.store.Get(ctx, models.CollectionUsers, userID, &profile); err != nil {
		return nil, fmt.Errorf("user %s: %w", userID, err)
	}
	return sessionOf(&profile), nil
}

// SetRole changes a user's role. Admins cannot demote themselves, which
// keeps at least one Admin around.
func (s *ProfileService) SetRole(ctx context.Context, sess *access.Session, userID string, role models.Role) (*models.UserProfile, error) {
	if err := access.Require(sess, models.RoleAdmin); err != nil {
		return nil, err
	}
	role = models.Role(strings.TrimSpace(string(role)))
	if !access.Known(role) {
		return nil, apperr.Validation("unknown role %q", role)
	}
	if userID == sess.UserID && role != models.RoleAdmin {
		return nil, apperr.Validation("admins cannot demote themselves")
	}

	var profile models.UserProfile
	err := s.store.RunTransaction(ctx, func(ctx context.Context, tx docstore.Tx) error {
		profile = models.UserProfile{}
		if err := tx.Get(ctx, models.CollectionUsers, userID, &profile); err != nil {
			return err
		}
		profile.Role = role
		tx.Set(models.CollectionUsers, userID, &profile)
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("Role changed",
		zap.String("user_id", userID),
		zap.String("role", string(role)),
		zap.String("by", sess.UserID))
	return &profile, nil
}

// List returns all profiles ordered by email
func (s *ProfileService) List(ctx context.Context, sess *access.Session) ([]models.UserProfile, error) {
	if err := access.Require(sess, models.RoleAdmin); err != nil {
		return nil, err
	}
	docs, err := s.store.Query(ctx, docstore.Query{Collection: models.CollectionUsers}.Ordered("email", false))
	if err != nil {
		return nil, fmt.Errorf("failed to query users: %w", err)
	}
	return decodeAll[models.UserProfile](docs)
}

func sessionOf(p *models.UserProfile) *access.Session {
	return &access.Session{
		UserID:      p.ID,
		Email:       p.Email,
		DisplayName: p.DisplayName,
		Role:        p.Role,
	}
}
