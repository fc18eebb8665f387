package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	domain "github.com/maplemarket/api/internal/domain"
	"github.com/maplemarket/api/internal/repositories"
)

const (
	auditLogIDPrefix      = "aud_"
	defaultAuditActorRole = "unknown"
)

var auditActorRoles = map[string]struct{}{
	"buyer":  {},
	"seller": {},
	"admin":  {},
	"system": {},
}

// AuditLogServiceDeps bundles constructor inputs for the audit writer service.
type AuditLogServiceDeps struct {
	Repository  repositories.AuditLogRepository
	Clock       func() time.Time
	IDGenerator func() string
	Logger      func(ctx context.Context, event string, fields map[string]any)
}

type auditLogService struct {
	repo   repositories.AuditLogRepository
	clock  func() time.Time
	newID  func() string
	logger func(context.Context, string, map[string]any)
}

// NewAuditLogService creates an audit log writer backed by the supplied repository.
func NewAuditLogService(deps AuditLogServiceDeps) (AuditLogService, error) {
	if deps.Repository == nil {
		return nil, errors.New("audit log service: repository is required")
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	idGen := deps.IDGenerator
	if idGen == nil {
		idGen = func() string {
			return ulid.Make().String()
		}
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &auditLogService{
		repo:   deps.Repository,
		clock:  func() time.Time { return clock().UTC() },
		newID:  idGen,
		logger: logger,
	}, nil
}

// Record persists an audit entry describing a privileged mutation. Entries are
// append-only; there is no update or delete path.
func (s *auditLogService) Record(ctx context.Context, cmd RecordAuditCommand) error {
	action := auditText(cmd.Action, 120)
	if action == "" {
		return fmt.Errorf("audit log service: action is required")
	}

	entry := domain.AuditLog{
		ID:         auditLogIDPrefix + s.newID(),
		ActorID:    auditText(cmd.ActorID, 160),
		ActorRole:  normalizeAuditRole(cmd.ActorRole),
		Action:     action,
		TargetType: auditText(cmd.TargetType, 80),
		TargetID:   auditText(cmd.TargetID, 200),
		Metadata:   auditMetadata(cmd.Metadata),
		CreatedAt:  s.clock(),
	}

	if err := s.repo.Append(ctx, entry); err != nil {
		s.logger(ctx, "audit.append.failed", map[string]any{
			"action": entry.Action,
			"target": entry.TargetID,
			"error":  err.Error(),
		})
		return err
	}
	return nil
}

// List retrieves paginated audit entries for the admin console.
func (s *auditLogService) List(ctx context.Context, filter repositories.AuditLogFilter) (domain.CursorPage[AuditLog], error) {
	filter.ActorID = strings.TrimSpace(filter.ActorID)
	filter.Action = strings.TrimSpace(filter.Action)
	filter.TargetID = strings.TrimSpace(filter.TargetID)
	page, err := s.repo.List(ctx, filter)
	if err != nil {
		return domain.CursorPage[AuditLog]{}, err
	}
	return page, nil
}

func normalizeAuditRole(role string) string {
	role = strings.ToLower(strings.TrimSpace(role))
	if _, ok := auditActorRoles[role]; ok {
		return role
	}
	return defaultAuditActorRole
}

func auditMetadata(metadata map[string]any) map[string]any {
	if len(metadata) == 0 {
		return nil
	}
	result := make(map[string]any, len(metadata))
	for key, value := range metadata {
		key = auditText(key, 80)
		if key == "" {
			continue
		}
		if str, ok := value.(string); ok {
			result[key] = auditText(str, 512)
			continue
		}
		result[key] = value
	}
	return result
}

// auditText trims, strips control characters, and caps the length of
// free-form values before they reach storage.
func auditText(input string, limit int) string {
	if limit <= 0 {
		limit = 256
	}
	input = strings.TrimSpace(input)
	if input == "" {
		return ""
	}
	var builder strings.Builder
	for _, r := range input {
		if r < 32 && r != '\n' && r != '\r' && r != '\t' {
			continue
		}
		builder.WriteRune(r)
		if builder.Len() >= limit {
			break
		}
	}
	return builder.String()
}
