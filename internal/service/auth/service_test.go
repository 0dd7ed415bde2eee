package auth

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/Wakjira-Tesama/AI-Based-Desktop-Pooling-System/internal/domain"
	"github.com/Wakjira-Tesama/AI-Based-Desktop-Pooling-System/internal/repository"
	"github.com/Wakjira-Tesama/AI-Based-Desktop-Pooling-System/pkg/config"
)

type memStudentRepo struct {
	byID map[string]*domain.Student
}

func newMemStudentRepo() *memStudentRepo {
	return &memStudentRepo{byID: make(map[string]*domain.Student)}
}

func (r *memStudentRepo) CreateStudent(_ context.Context, student *domain.Student) error {
	stored := *student
	r.byID[student.ID] = &stored
	return nil
}

func (r *memStudentRepo) GetStudentByEmail(_ context.Context, email string) (*domain.Student, error) {
	for _, s := range r.byID {
		if s.Email == email {
			copied := *s
			return &copied, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (r *memStudentRepo) GetStudentByRef(_ context.Context, studentRef string) (*domain.Student, error) {
	for _, s := range r.byID {
		if s.StudentRef == studentRef {
			copied := *s
			return &copied, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (r *memStudentRepo) GetStudentByID(_ context.Context, id string) (*domain.Student, error) {
	s, ok := r.byID[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	copied := *s
	return &copied, nil
}

func newTestService() (Service, *memStudentRepo) {
	repo := newMemStudentRepo()
	cfg := config.APIConfig{
		JWTSecret:       "test-secret",
		AccessTokenTTL:  15 * time.Minute,
		RefreshTokenTTL: 24 * time.Hour,
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(repo, logger, cfg), repo
}

func signup(t *testing.T, svc Service) *domain.Student {
	t.Helper()
	student, _, err := svc.Signup(context.Background(), SignupInput{
		StudentRef: "UGR/1234/15",
		Name:       "Abebe Kebede",
		Email:      "abebe@example.edu",
		Password:   "correct horse",
	})
	if err != nil {
		t.Fatalf("Signup: %v", err)
	}
	return student
}

func TestSignupAndLoginByEmail(t *testing.T) {
	svc, _ := newTestService()
	student := signup(t, svc)

	got, tokens, err := svc.Login(context.Background(), "abebe@example.edu", "correct horse")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if got.ID != student.ID {
		t.Fatalf("student id = %s, want %s", got.ID, student.ID)
	}
	if tokens.AccessToken == "" || tokens.RefreshToken == "" {
		t.Fatal("expected both tokens")
	}
}

func TestLoginByStudentRef(t *testing.T) {
	svc, _ := newTestService()
	student := signup(t, svc)

	got, _, err := svc.Login(context.Background(), "UGR/1234/15", "correct horse")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if got.ID != student.ID {
		t.Fatalf("student id = %s, want %s", got.ID, student.ID)
	}
}

func TestLoginWrongPassword(t *testing.T) {
	svc, _ := newTestService()
	signup(t, svc)

	_, _, err := svc.Login(context.Background(), "abebe@example.edu", "wrong")
	if !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("err = %v, want ErrInvalidCredentials", err)
	}
}

func TestLoginUnknownAccount(t *testing.T) {
	svc, _ := newTestService()

	_, _, err := svc.Login(context.Background(), "nobody@example.edu", "whatever")
	if !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("err = %v, want ErrInvalidCredentials", err)
	}
}

func TestAuthorizeRoundTrip(t *testing.T) {
	svc, _ := newTestService()
	student := signup(t, svc)

	_, tokens, err := svc.Login(context.Background(), "abebe@example.edu", "correct horse")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}

	got, claims, err := svc.Authorize(context.Background(), tokens.AccessToken)
	if err != nil {
		t.Fatalf("Authorize: %v", err)
	}
	if got.ID != student.ID || claims.StudentID != student.ID {
		t.Fatalf("authorized id = %s/%s, want %s", got.ID, claims.StudentID, student.ID)
	}
}

func TestAuthorizeRejectsGarbage(t *testing.T) {
	svc, _ := newTestService()

	if _, _, err := svc.Authorize(context.Background(), "not-a-token"); err == nil {
		t.Fatal("expected error for malformed token")
	}
}
