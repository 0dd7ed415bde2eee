package postgres

import (
	"context"
	"errors"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Wakjira-Tesama/AI-Based-Desktop-Pooling-System/internal/domain"
	"github.com/Wakjira-Tesama/AI-Based-Desktop-Pooling-System/internal/repository"
)

// Repository implements persistence interfaces on PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// New constructs a Repository.
func New(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// ensure Repository satisfies interfaces.
var (
	_ repository.StudentRepository = (*Repository)(nil)
	_ repository.DesktopRepository = (*Repository)(nil)
	_ repository.PairingRepository = (*Repository)(nil)
	_ repository.LeaseRepository   = (*Repository)(nil)
)

// CreateStudent inserts a student account.
func (r *Repository) CreateStudent(ctx context.Context, student *domain.Student) error {
	const query = `INSERT INTO students (id, student_ref, name, email, password_hash, is_admin, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`
	_, err := r.pool.Exec(ctx, query, student.ID, student.StudentRef, student.Name, student.Email, student.PasswordHash, student.IsAdmin, student.CreatedAt)
	return err
}

// GetStudentByEmail fetches a student by email.
func (r *Repository) GetStudentByEmail(ctx context.Context, email string) (*domain.Student, error) {
	const query = `SELECT id, student_ref, name, email, password_hash, is_admin, created_at
		FROM students WHERE email = $1`
	return scanStudent(r.pool.QueryRow(ctx, query, strings.TrimSpace(email)))
}

// GetStudentByRef fetches a student by university identifier.
func (r *Repository) GetStudentByRef(ctx context.Context, studentRef string) (*domain.Student, error) {
	const query = `SELECT id, student_ref, name, email, password_hash, is_admin, created_at
		FROM students WHERE student_ref = $1`
	return scanStudent(r.pool.QueryRow(ctx, query, strings.TrimSpace(studentRef)))
}

// GetStudentByID fetches a student by account id.
func (r *Repository) GetStudentByID(ctx context.Context, id string) (*domain.Student, error) {
	const query = `SELECT id, student_ref, name, email, password_hash, is_admin, created_at
		FROM students WHERE id = $1`
	return scanStudent(r.pool.QueryRow(ctx, query, id))
}

func scanStudent(row pgx.Row) (*domain.Student, error) {
	var s domain.Student
	if err := row.Scan(&s.ID, &s.StudentRef, &s.Name, &s.Email, &s.PasswordHash, &s.IsAdmin, &s.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return &s, nil
}
