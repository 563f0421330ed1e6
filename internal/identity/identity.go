// Package identity signs users up and in, and resolves callers to the
// principal the chat services act on behalf of.
package identity

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/pliu/chatsync/internal/clock"
	"github.com/pliu/chatsync/internal/errs"
	"github.com/pliu/chatsync/internal/models"
	"github.com/pliu/chatsync/internal/store"
	"github.com/samber/lo"
	"golang.org/x/crypto/bcrypt"
)

// MaxSearchResults caps Search.
const MaxSearchResults = 20

// Principal is the authenticated caller as seen by the chat services.
type Principal struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
}

func PrincipalOf(user models.User) Principal {
	return Principal{ID: user.ID, DisplayName: user.DisplayName}
}

type SignUpRequest struct {
	Username    string `json:"username" validate:"required,min=3,max=32"`
	Email       string `json:"email" validate:"required,email"`
	Password    string `json:"password" validate:"required,min=6,max=72"`
	DisplayName string `json:"displayName" validate:"required,max=64"`
}

// ProfileUpdate changes the fields that are set. At least one must be.
type ProfileUpdate struct {
	DisplayName *string `json:"displayName" validate:"omitempty,min=1,max=64"`
	Email       *string `json:"email" validate:"omitempty,email"`
}

type Provider struct {
	store store.Store
	clock clock.Clock
	log   *slog.Logger
}

func NewProvider(s store.Store, clk clock.Clock, log *slog.Logger) *Provider {
	return &Provider{store: s, clock: clk, log: log}
}

func (p *Provider) SignUp(ctx context.Context, req SignUpRequest) (*models.User, error) {
	req.Username = strings.TrimSpace(req.Username)
	req.Email = strings.TrimSpace(req.Email)
	req.DisplayName = strings.TrimSpace(req.DisplayName)
	if err := validateStruct(req); err != nil {
		return nil, err
	}

	hashedPassword, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		return nil, err
	}
	user := &models.User{
		Username:    req.Username,
		Email:       req.Email,
		DisplayName: req.DisplayName,
		Password:    string(hashedPassword),
		CreatedAt:   p.clock.Now(),
	}
	if err := p.store.CreateUser(ctx, user); err != nil {
		return nil, err
	}
	p.log.Info("User signed up", "user", user.ID, "username", user.Username)
	return user, nil
}

// SignIn accepts the username (any case) or the email as login. Unknown
// logins and wrong passwords fail the same way.
func (p *Provider) SignIn(ctx context.Context, login, password string) (*models.User, error) {
	login = strings.TrimSpace(login)
	if login == "" || password == "" {
		return nil, errs.Validation("login and password are required")
	}
	user, err := p.store.GetUserByLogin(ctx, login)
	if errors.Is(err, errs.ErrNotFound) {
		return nil, errs.ErrUnauthorized
	}
	if err != nil {
		return nil, err
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.Password), []byte(password)); err != nil {
		p.log.Debug("Password mismatch", "user", user.ID)
		return nil, errs.ErrUnauthorized
	}
	return user, nil
}

func (p *Provider) UpdateProfile(ctx context.Context, userID string, update ProfileUpdate) (*models.User, error) {
	if update.DisplayName != nil {
		update.DisplayName = lo.ToPtr(strings.TrimSpace(*update.DisplayName))
	}
	if update.Email != nil {
		update.Email = lo.ToPtr(strings.TrimSpace(*update.Email))
	}
	if update.DisplayName == nil && update.Email == nil {
		return nil, errs.Validation("nothing to update")
	}
	if err := validateStruct(update); err != nil {
		return nil, err
	}
	if err := p.store.UpdateUser(ctx, userID, models.UserPatch{DisplayName: update.DisplayName, Email: update.Email}); err != nil {
		return nil, err
	}
	return p.store.GetUser(ctx, userID)
}

// Search matches term against username, display name and email, leaving
// out the caller. Emails in the result are masked.
func (p *Provider) Search(ctx context.Context, term, callerID string) ([]models.User, error) {
	if strings.TrimSpace(term) == "" {
		return []models.User{}, nil
	}
	users, err := p.store.SearchUsers(ctx, store.UserFilter{Term: term, ExcludeID: callerID, Limit: MaxSearchResults})
	if err != nil {
		return nil, err
	}
	return lo.Map(users, func(user models.User, _ int) models.User {
		user.Email = maskEmail(user.Email)
		user.Password = ""
		return user
	}), nil
}

func (p *Provider) Resolve(ctx context.Context, userID string) (Principal, error) {
	if userID == "" {
		return Principal{}, errs.ErrUnauthorized
	}
	user, err := p.store.GetUser(ctx, userID)
	if err != nil {
		return Principal{}, err
	}
	return PrincipalOf(*user), nil
}

// ResolveAll resolves every id, failing on the first one that does not exist.
func (p *Provider) ResolveAll(ctx context.Context, userIDs []string) ([]Principal, error) {
	principals := make([]Principal, 0, len(userIDs))
	for _, id := range userIDs {
		principal, err := p.Resolve(ctx, id)
		if err != nil {
			return nil, err
		}
		principals = append(principals, principal)
	}
	return principals, nil
}

func maskEmail(email string) string {
	if email == "" {
		return ""
	}
	local, domain, ok := strings.Cut(email, "@")
	if !ok || strings.Contains(domain, "@") {
		return email
	}
	visible := 1
	if len(local) > 2 {
		visible = min(len(local)/2, 3)
	}
	return local[:visible] + strings.Repeat("*", len(local)-visible) + "@" + domain
}
