package auth

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/BlackStone8960/codequest-backend/internal/apperr"
	"github.com/BlackStone8960/codequest-backend/internal/httpmw"
	"github.com/BlackStone8960/codequest-backend/internal/httpx"
	"github.com/BlackStone8960/codequest-backend/internal/model"
	"github.com/BlackStone8960/codequest-backend/internal/progression"
	"github.com/BlackStone8960/codequest-backend/internal/storage"
	"github.com/BlackStone8960/codequest-backend/internal/telemetry"
)

var ErrInvalidCredentials = apperr.New(apperr.KindUnauthorized, "Invalid credentials")

// Registration is the credential sign-up payload.
type Registration struct {
	Username    string `json:"username" validate:"required,min=3,max=39"`
	Email       string `json:"email" validate:"required,email,max=254"`
	Password    string `json:"password" validate:"required,min=6,max=72"`
	AvatarURL   string `json:"avatarUrl" validate:"omitempty,url,max=2048"`
	DisplayName string `json:"displayName" validate:"omitempty,max=64"`
}

type Credentials struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// Identity is what an external provider knows about a user.
type Identity struct {
	ExternalID  string
	Username    string
	DisplayName string
	Email       string
	AvatarURL   string
	AccessToken string
}

// Session is returned by every successful sign-in.
type Session struct {
	User      model.User `json:"user"`
	Token     string     `json:"token"`
	ExpiresAt time.Time  `json:"expiresAt"`
}

type Options struct {
	Users  storage.UserStore
	Tokens *Tokens
	Logger *log.Logger
	Events telemetry.Repository
	Now    func() time.Time
	BaseHP int
	GitHub *GitHubLogin
}

type Service struct {
	users    storage.UserStore
	tokens   *Tokens
	logger   *log.Logger
	events   telemetry.Repository
	now      func() time.Time
	baseHP   int
	github   *GitHubLogin
	validate *validator.Validate
}

func NewService(opts Options) *Service {
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" || name == "" {
			return f.Name
		}
		return name
	})
	return &Service{
		users:    opts.Users,
		tokens:   opts.Tokens,
		logger:   logger,
		events:   opts.Events,
		now:      now,
		baseHP:   opts.BaseHP,
		github:   opts.GitHub,
		validate: v,
	}
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func (s *Service) record(eventType telemetry.EventType, userID string, md telemetry.EventMetadata) {
	if s.events == nil {
		return
	}
	if err := s.events.RecordEvent(eventType, userID, md); err != nil {
		s.logger.Printf("[telemetry] record %s: %v", eventType, err)
	}
}

// validationError flattens validator output into one client-facing message.
func validationError(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return apperr.Wrap(apperr.KindValidation, "invalid input", err)
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, describeField(fe))
	}
	return apperr.Wrap(apperr.KindValidation, strings.Join(msgs, "; "), err)
}

func describeField(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return fe.Field() + " is required"
	case "min":
		return fmt.Sprintf("%s must be at least %s characters", fe.Field(), fe.Param())
	case "max":
		return fmt.Sprintf("%s must be at most %s characters", fe.Field(), fe.Param())
	case "email":
		return fe.Field() + " must be a valid email"
	case "url":
		return fe.Field() + " must be a valid URL"
	default:
		return fe.Field() + " is invalid"
	}
}

func (s *Service) newUser(username, email, displayName, avatarURL string) model.User {
	now := s.now().UTC()
	if displayName == "" {
		displayName = username
	}
	return model.User{
		ID:             uuid.NewString(),
		Username:       username,
		Email:          email,
		AvatarURL:      avatarURL,
		DisplayName:    displayName,
		Progress:       progression.Initial(s.baseHP),
		Rank:           1,
		TasksCompleted: []string{},
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

func (s *Service) issue(u model.User) (Session, error) {
	token, exp, err := s.tokens.Issue(u.ID)
	if err != nil {
		return Session{}, err
	}
	return Session{User: u, Token: token, ExpiresAt: exp}, nil
}

// Register creates a credential account and signs it in.
func (s *Service) Register(ctx context.Context, in Registration) (Session, error) {
	in.Username = strings.TrimSpace(in.Username)
	in.Email = normalizeEmail(in.Email)
	in.AvatarURL = strings.TrimSpace(in.AvatarURL)
	in.DisplayName = strings.TrimSpace(in.DisplayName)
	if err := s.validate.Struct(in); err != nil {
		return Session{}, validationError(err)
	}

	if _, err := s.users.GetUserByUsername(ctx, in.Username); err == nil {
		return Session{}, storage.ErrUsernameTaken
	} else if !apperr.Is(err, apperr.KindNotFound) {
		return Session{}, err
	}
	if _, err := s.users.GetUserByEmail(ctx, in.Email); err == nil {
		return Session{}, storage.ErrEmailTaken
	} else if !apperr.Is(err, apperr.KindNotFound) {
		return Session{}, err
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(in.Password), bcrypt.DefaultCost)
	if err != nil {
		return Session{}, apperr.Internal(fmt.Errorf("hash password: %w", err))
	}
	u := s.newUser(in.Username, in.Email, in.DisplayName, in.AvatarURL)
	u.PasswordHash = string(hash)
	if err := s.users.CreateUser(ctx, u); err != nil {
		return Session{}, err
	}

	s.logger.Printf("[auth] registered user %s (%s)", u.ID, u.Username)
	s.record(telemetry.EventUserRegistered, u.ID, telemetry.EventMetadata{"method": "password"})
	return s.issue(u)
}

// Login checks email and password. Unknown emails and wrong passwords give
// the same error.
func (s *Service) Login(ctx context.Context, in Credentials) (Session, error) {
	email := normalizeEmail(in.Email)
	if email == "" || in.Password == "" {
		return Session{}, apperr.Validation("email and password are required")
	}
	u, err := s.users.GetUserByEmail(ctx, email)
	if err != nil {
		if apperr.Is(err, apperr.KindNotFound) {
			return Session{}, ErrInvalidCredentials
		}
		return Session{}, err
	}
	if u.PasswordHash == "" {
		return Session{}, ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(in.Password)); err != nil {
		return Session{}, ErrInvalidCredentials
	}

	s.record(telemetry.EventUserLogin, u.ID, telemetry.EventMetadata{"method": "password"})
	return s.issue(u)
}

// UpsertGitHubUser maps a provider identity onto a user. Existing users only
// get their token, avatar and display name refreshed; progression is never
// touched. New users start from the initial progression state.
func (s *Service) UpsertGitHubUser(ctx context.Context, id Identity) (model.User, bool, error) {
	id.ExternalID = strings.TrimSpace(id.ExternalID)
	if id.ExternalID == "" {
		return model.User{}, false, apperr.Validation("external id is required")
	}

	refresh := func(u *model.User) error {
		u.GitHubID = id.ExternalID
		if id.AccessToken != "" {
			u.GitHubAccessToken = id.AccessToken
		}
		if id.AvatarURL != "" {
			u.AvatarURL = id.AvatarURL
		}
		if id.DisplayName != "" {
			u.DisplayName = id.DisplayName
		}
		return nil
	}

	existing, err := s.users.GetUserByGitHubID(ctx, id.ExternalID)
	if err == nil {
		u, err := s.users.UpdateUser(ctx, existing.ID, refresh)
		return u, false, err
	}
	if !apperr.Is(err, apperr.KindNotFound) {
		return model.User{}, false, err
	}

	username, err := s.availableUsername(ctx, id)
	if err != nil {
		return model.User{}, false, err
	}
	email, err := s.availableEmail(ctx, id)
	if err != nil {
		return model.User{}, false, err
	}
	u := s.newUser(username, email, id.DisplayName, id.AvatarURL)
	_ = refresh(&u)

	if err := s.users.CreateUser(ctx, u); err != nil {
		if errors.Is(err, storage.ErrGitHubLinked) {
			// Lost a race with a concurrent callback for the same account.
			existing, gerr := s.users.GetUserByGitHubID(ctx, id.ExternalID)
			if gerr != nil {
				return model.User{}, false, gerr
			}
			u, uerr := s.users.UpdateUser(ctx, existing.ID, refresh)
			return u, false, uerr
		}
		return model.User{}, false, err
	}

	s.logger.Printf("[auth] created user %s from github account %s", u.ID, id.ExternalID)
	s.record(telemetry.EventUserRegistered, u.ID, telemetry.EventMetadata{"method": "github"})
	return u, true, nil
}

func (s *Service) availableUsername(ctx context.Context, id Identity) (string, error) {
	base := strings.TrimSpace(id.Username)
	if len(base) < 3 {
		base = "NoUsername"
	}
	for _, candidate := range []string{base, base + "-" + id.ExternalID} {
		_, err := s.users.GetUserByUsername(ctx, candidate)
		if apperr.Is(err, apperr.KindNotFound) {
			return candidate, nil
		}
		if err != nil {
			return "", err
		}
	}
	return "", storage.ErrUsernameTaken
}

// availableEmail prefers the provider email and falls back to GitHub's
// noreply address, which is unique per account.
func (s *Service) availableEmail(ctx context.Context, id Identity) (string, error) {
	if email := normalizeEmail(id.Email); email != "" {
		_, err := s.users.GetUserByEmail(ctx, email)
		if apperr.Is(err, apperr.KindNotFound) {
			return email, nil
		}
		if err != nil {
			return "", err
		}
	}
	login := strings.TrimSpace(id.Username)
	if login == "" {
		return id.ExternalID + "@users.noreply.github.com", nil
	}
	return strings.ToLower(id.ExternalID + "+" + login + "@users.noreply.github.com"), nil
}

// Authenticate resolves the bearer token on r to a user.
func (s *Service) Authenticate(r *http.Request) (model.User, error) {
	userID, err := s.tokens.Verify(bearerToken(r))
	if err != nil {
		return model.User{}, err
	}
	u, err := s.users.GetUser(r.Context(), userID)
	if err != nil {
		if apperr.Is(err, apperr.KindNotFound) {
			return model.User{}, apperr.New(apperr.KindUnauthorized, "user no longer exists")
		}
		return model.User{}, err
	}
	return u, nil
}

func bearerToken(r *http.Request) string {
	h := strings.TrimSpace(r.Header.Get("Authorization"))
	scheme, token, ok := strings.Cut(h, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}

// RequireAPI rejects requests without a valid bearer token: 401 when none is
// sent, 403 when it is invalid or expired.
func (s *Service) RequireAPI(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u, err := s.Authenticate(r)
		if err != nil {
			httpx.WriteError(w, s.logger, err)
			return
		}
		httpmw.SetUserID(r.Context(), u.ID)
		next.ServeHTTP(w, r.WithContext(withUserContext(r.Context(), u)))
	})
}
