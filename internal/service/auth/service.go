package auth

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Wakjira-Tesama/AI-Based-Desktop-Pooling-System/internal/domain"
	"github.com/Wakjira-Tesama/AI-Based-Desktop-Pooling-System/internal/repository"
	"github.com/Wakjira-Tesama/AI-Based-Desktop-Pooling-System/pkg/config"
	"github.com/Wakjira-Tesama/AI-Based-Desktop-Pooling-System/pkg/crypto"
	jwtpkg "github.com/Wakjira-Tesama/AI-Based-Desktop-Pooling-System/pkg/jwt"
)

// ErrInvalidCredentials hides whether the account or the password was wrong.
var ErrInvalidCredentials = errors.New("invalid credentials")

// Service handles authentication workflows. Identity-document verification
// happens upstream; this service only manages accounts and tokens.
type Service struct {
	students repository.StudentRepository
	logger   *slog.Logger
	cfg      config.APIConfig
}

// New constructs a Service.
func New(students repository.StudentRepository, logger *slog.Logger, cfg config.APIConfig) Service {
	return Service{students: students, logger: logger, cfg: cfg}
}

// TokenPair contains access and refresh tokens.
type TokenPair struct {
	AccessToken  string
	RefreshToken string
	ExpiresIn    time.Duration
}

// SignupInput carries new account fields.
type SignupInput struct {
	StudentRef string
	Name       string
	Email      string
	Password   string
}

// Signup registers a new student account.
func (s Service) Signup(ctx context.Context, input SignupInput) (*domain.Student, TokenPair, error) {
	hash, err := crypto.HashPassword(input.Password)
	if err != nil {
		return nil, TokenPair{}, err
	}
	student := &domain.Student{
		ID:           uuid.NewString(),
		StudentRef:   strings.TrimSpace(input.StudentRef),
		Name:         strings.TrimSpace(input.Name),
		Email:        strings.TrimSpace(input.Email),
		PasswordHash: hash,
		CreatedAt:    time.Now().UTC(),
	}
	if err := s.students.CreateStudent(ctx, student); err != nil {
		return nil, TokenPair{}, err
	}
	tokens, err := s.issueTokens(student)
	if err != nil {
		return nil, TokenPair{}, err
	}
	s.logger.Info("student registered", "student_id", student.ID)
	return student, tokens, nil
}

// Login authenticates by email or university identifier and returns tokens.
func (s Service) Login(ctx context.Context, username, password string) (*domain.Student, TokenPair, error) {
	username = strings.TrimSpace(username)
	student, err := s.students.GetStudentByEmail(ctx, username)
	if errors.Is(err, repository.ErrNotFound) {
		student, err = s.students.GetStudentByRef(ctx, username)
	}
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, TokenPair{}, ErrInvalidCredentials
		}
		return nil, TokenPair{}, err
	}
	if err := crypto.ComparePassword(student.PasswordHash, password); err != nil {
		return nil, TokenPair{}, ErrInvalidCredentials
	}
	tokens, err := s.issueTokens(student)
	if err != nil {
		return nil, TokenPair{}, err
	}
	s.logger.Info("student logged in", "student_id", student.ID)
	return student, tokens, nil
}

// Authorize validates a bearer token and returns the associated student.
func (s Service) Authorize(ctx context.Context, token string) (*domain.Student, *jwtpkg.Claims, error) {
	trimmed := strings.TrimSpace(token)
	if trimmed == "" {
		return nil, nil, errors.New("token required")
	}
	claims, err := jwtpkg.Parse(trimmed, s.cfg.JWTSecret)
	if err != nil {
		return nil, nil, err
	}
	student, err := s.students.GetStudentByID(ctx, claims.StudentID)
	if err != nil {
		return nil, nil, err
	}
	return student, claims, nil
}

// Student fetches an account by id.
func (s Service) Student(ctx context.Context, id string) (*domain.Student, error) {
	return s.students.GetStudentByID(ctx, id)
}

func (s Service) issueTokens(student *domain.Student) (TokenPair, error) {
	access, err := jwtpkg.GenerateToken(student.ID, student.IsAdmin, s.cfg.JWTSecret, s.cfg.AccessTokenTTL)
	if err != nil {
		return TokenPair{}, err
	}
	refresh, err := jwtpkg.GenerateToken(student.ID, student.IsAdmin, s.cfg.JWTSecret, s.cfg.RefreshTokenTTL)
	if err != nil {
		return TokenPair{}, err
	}
	return TokenPair{AccessToken: access, RefreshToken: refresh, ExpiresIn: s.cfg.AccessTokenTTL}, nil
}
