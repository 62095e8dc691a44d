package identity

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"
)

var (
	// ErrIdentityMismatch indicates the claimed user does not exist or belongs
	// to a different tenant. Callers must not distinguish the two cases.
	ErrIdentityMismatch = errors.New("identity: unknown user or tenant mismatch")
)

// ServiceConfig describes the dependencies required for identity verification.
type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
}

// Service verifies claimed (userId, tenantId) pairs against the user store.
// This is the single tenant-isolation boundary for the gateway. Verification
// is deliberately uncached: a removed or reassigned user must stop verifying
// on the next claim, not at process restart.
type Service struct {
	db  *gorm.DB
	now func() time.Time
}

// NewService constructs the identity service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("identity: database connection required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Service{db: cfg.Database, now: clock}, nil
}

// Verify confirms a user record exists with the given id and that its tenant
// matches the claim exactly. Cross-tenant claims fail closed.
func (s *Service) Verify(ctx context.Context, userID, tenantID string) (User, error) {
	userID = strings.TrimSpace(userID)
	tenantID = strings.TrimSpace(tenantID)
	if userID == "" || tenantID == "" {
		return User{}, ErrIdentityMismatch
	}

	var user User
	err := s.db.WithContext(ctx).
		Where("id = ?", userID).
		First(&user).
		Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return User{}, ErrIdentityMismatch
	}
	if err != nil {
		return User{}, err
	}
	if user.TenantID != tenantID {
		return User{}, ErrIdentityMismatch
	}
	return user, nil
}

// CreateUser registers a user record. Used by provisioning and tests.
func (s *Service) CreateUser(ctx context.Context, user User) error {
	if strings.TrimSpace(user.ID) == "" || strings.TrimSpace(user.TenantID) == "" {
		return fmt.Errorf("identity: user id and tenant id required")
	}
	return s.db.WithContext(ctx).Create(&user).Error
}

// TenantUserIDs returns the ids of every user in a tenant.
func (s *Service) TenantUserIDs(ctx context.Context, tenantID string) ([]string, error) {
	var ids []string
	err := s.db.WithContext(ctx).
		Model(&User{}).
		Where("tenant_id = ?", tenantID).
		Pluck("id", &ids).
		Error
	if err != nil {
		return nil, err
	}
	return ids, nil
}
