// Package permission 计算有效权限并处理角色模拟。
package permission

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/zacharykka/genai-governor/internal/domain"
	authutil "github.com/zacharykka/genai-governor/pkg/auth"
)

// Service 负责权限解析与角色切换。
type Service struct {
	repos  *domain.Repositories
	signer *authutil.Signer
	logger *zap.Logger
}

// NewService 创建权限服务。
func NewService(repos *domain.Repositories, signer *authutil.Signer, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{repos: repos, signer: signer, logger: logger}
}

// Effective 是权限解析结果的对外视图。
type Effective struct {
	UserID        string   `json:"user_id"`
	OriginalRole  string   `json:"original_role"`
	EffectiveRole string   `json:"effective_role"`
	Impersonating bool     `json:"impersonating"`
	Permissions   []string `json:"permissions"`
	Denied        []string `json:"denied"`
}

// Resolve 计算用户当前的有效权限集合。
func (s *Service) Resolve(ctx context.Context, userID string) (*Effective, *Set, error) {
	user, err := s.loadUser(ctx, userID)
	if err != nil {
		return nil, nil, err
	}
	set, err := s.compute(ctx, user, user.EffectiveRole())
	if err != nil {
		return nil, nil, err
	}
	return &Effective{
		UserID:        user.ID,
		OriginalRole:  user.Role,
		EffectiveRole: user.EffectiveRole(),
		Impersonating: user.ImpersonatedRole != nil,
		Permissions:   set.List(),
		Denied:        set.Denied(),
	}, set, nil
}

// Identity 根据存储状态构造不可变的调用方身份。
func (s *Service) Identity(ctx context.Context, userID, ip string) (domain.CallerIdentity, error) {
	user, err := s.loadUser(ctx, userID)
	if err != nil {
		return domain.CallerIdentity{}, err
	}
	return domain.CallerIdentity{
		UserID:        user.ID,
		OriginalRole:  user.Role,
		EffectiveRole: user.EffectiveRole(),
		IP:            ip,
	}, nil
}

// Authorize 以身份中的生效角色计算权限，并要求包含 perm。
func (s *Service) Authorize(ctx context.Context, identity domain.CallerIdentity, perm string) error {
	user, err := s.loadUser(ctx, identity.UserID)
	if err != nil {
		if errors.Is(err, ErrUserDisabled) {
			return &domain.ForbiddenError{UserID: identity.UserID, Reason: "user disabled"}
		}
		return err
	}
	role := identity.EffectiveRole
	if role == "" {
		role = user.EffectiveRole()
	}
	set, err := s.compute(ctx, user, role)
	if err != nil {
		return err
	}
	if !set.Has(perm) {
		return &domain.ForbiddenError{UserID: identity.UserID, Permission: perm}
	}
	return nil
}

// SwitchRole 让用户临时扮演目标角色；只允许一层模拟，再次切换会替换被模拟角色。
func (s *Service) SwitchRole(ctx context.Context, userID, target string) (*authutil.Credential, error) {
	user, err := s.loadUser(ctx, userID)
	if err != nil {
		return nil, err
	}

	// 只看未模拟状态下的权限，避免借模拟角色继续提权。
	base, err := s.compute(ctx, user, user.Role)
	if err != nil {
		return nil, err
	}
	if !base.Has(Impersonate) {
		return nil, &domain.ForbiddenError{UserID: userID, Permission: Impersonate}
	}

	if _, err := s.repos.Roles.Get(ctx, target); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, ErrRoleNotFound
		}
		return nil, err
	}

	var assumed *string
	if target != user.Role {
		assumed = &target
	}
	if err := s.repos.Users.SetImpersonatedRole(ctx, userID, assumed); err != nil {
		return nil, err
	}

	s.logger.Info("role switched",
		zap.String("user_id", userID),
		zap.String("original_role", user.Role),
		zap.String("effective_role", target),
	)
	return s.signer.Issue(userID, target, user.Role)
}

// Restore 结束角色模拟；未处于模拟状态时不做修改。
func (s *Service) Restore(ctx context.Context, userID string) (*authutil.Credential, error) {
	user, err := s.loadUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	if user.ImpersonatedRole != nil {
		if err := s.repos.Users.SetImpersonatedRole(ctx, userID, nil); err != nil {
			return nil, err
		}
		s.logger.Info("role restored", zap.String("user_id", userID), zap.String("role", user.Role))
	}
	return s.signer.Issue(userID, user.Role, user.Role)
}

func (s *Service) loadUser(ctx context.Context, userID string) (*domain.User, error) {
	user, err := s.repos.Users.GetByID(ctx, userID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}
	if user.Status != "" && user.Status != "active" {
		return nil, ErrUserDisabled
	}
	return user, nil
}

// compute 以 primaryRole 替代基础角色，合并附加角色，再应用 grant 与 deny。
func (s *Service) compute(ctx context.Context, user *domain.User, primaryRole string) (*Set, error) {
	set := newSet()
	roles := append([]string{primaryRole}, user.AdditionalRoles...)
	for _, name := range roles {
		role, err := s.repos.Roles.Get(ctx, name)
		if err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				s.logger.Warn("role referenced by user is missing", zap.String("user_id", user.ID), zap.String("role", name))
				continue
			}
			return nil, err
		}
		set.grant(role.Permissions...)
	}
	set.grant(user.GrantedPermissions...)
	set.deny(user.DeniedPermissions...)
	return set, nil
}
