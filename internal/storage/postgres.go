package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/apply-orchestrator/internal/domain"
	"github.com/jmoiron/sqlx"
	"github.com/jmoiron/sqlx/types"
	"github.com/lib/pq"
)

//go:embed schema.sql
var schema string

const uniqueViolation = "23505"

const applicationColumns = `
	application_id, user_id, job_title, company, application_url, status,
	match_score, apply_recommendation, match_reasons, pending_questions, answers,
	applied_at, failure_reason, run_id, email_update_ids, created_at, updated_at`

const emailUpdateColumns = `
	email_update_id, email_id, user_id, application_id, classification, subject, sender,
	date, summary, job_title, company, action_required, action_description, key_info, created_at`

// PostgresStore handles all application database operations on PostgreSQL
type PostgresStore struct {
	db     *sqlx.DB
	logger *slog.Logger
	now    func() time.Time
}

// NewPostgresStore creates a new PostgresStore
func NewPostgresStore(db *sqlx.DB, logger *slog.Logger) *PostgresStore {
	return &PostgresStore{
		db:     db,
		logger: logger,
		now:    time.Now,
	}
}

// Migrate creates the tables if they do not exist
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	s.logger.Info("Database schema applied")
	return nil
}

type applicationRow struct {
	ApplicationID       string         `db:"application_id"`
	UserID              string         `db:"user_id"`
	JobTitle            string         `db:"job_title"`
	Company             string         `db:"company"`
	ApplicationURL      string         `db:"application_url"`
	Status              domain.Status  `db:"status"`
	MatchScore          sql.NullInt64  `db:"match_score"`
	ApplyRecommendation string         `db:"apply_recommendation"`
	MatchReasons        types.JSONText `db:"match_reasons"`
	PendingQuestions    types.JSONText `db:"pending_questions"`
	Answers             types.JSONText `db:"answers"`
	AppliedAt           sql.NullTime   `db:"applied_at"`
	FailureReason       string         `db:"failure_reason"`
	RunID               string         `db:"run_id"`
	EmailUpdateIDs      pq.StringArray `db:"email_update_ids"`
	CreatedAt           time.Time      `db:"created_at"`
	UpdatedAt           time.Time      `db:"updated_at"`
}

func toApplicationRow(app *domain.Application) (*applicationRow, error) {
	row := &applicationRow{
		ApplicationID:       app.ApplicationID,
		UserID:              app.UserID,
		JobTitle:            app.JobTitle,
		Company:             app.Company,
		ApplicationURL:      app.ApplicationURL,
		Status:              app.Status,
		ApplyRecommendation: app.ApplyRecommendation,
		FailureReason:       app.FailureReason,
		RunID:               app.RunID,
		EmailUpdateIDs:      pq.StringArray(app.EmailUpdateIDs),
		CreatedAt:           app.CreatedAt,
		UpdatedAt:           app.UpdatedAt,
	}
	if row.EmailUpdateIDs == nil {
		row.EmailUpdateIDs = pq.StringArray{}
	}
	if app.MatchScore != nil {
		row.MatchScore = sql.NullInt64{Int64: int64(*app.MatchScore), Valid: true}
	}
	if app.AppliedAt != nil {
		row.AppliedAt = sql.NullTime{Time: *app.AppliedAt, Valid: true}
	}

	var err error
	if row.MatchReasons, err = marshalJSON(app.MatchReasons, "[]"); err != nil {
		return nil, err
	}
	if row.PendingQuestions, err = marshalJSON(app.PendingQuestions, "[]"); err != nil {
		return nil, err
	}
	if row.Answers, err = marshalJSON(app.Answers, "{}"); err != nil {
		return nil, err
	}
	return row, nil
}

func (r *applicationRow) toDomain() (*domain.Application, error) {
	app := &domain.Application{
		ApplicationID:       r.ApplicationID,
		UserID:              r.UserID,
		JobTitle:            r.JobTitle,
		Company:             r.Company,
		ApplicationURL:      r.ApplicationURL,
		Status:              r.Status,
		ApplyRecommendation: r.ApplyRecommendation,
		FailureReason:       r.FailureReason,
		RunID:               r.RunID,
		EmailUpdateIDs:      []string(r.EmailUpdateIDs),
		CreatedAt:           r.CreatedAt,
		UpdatedAt:           r.UpdatedAt,
	}
	if r.MatchScore.Valid {
		score := int(r.MatchScore.Int64)
		app.MatchScore = &score
	}
	if r.AppliedAt.Valid {
		at := r.AppliedAt.Time
		app.AppliedAt = &at
	}
	if err := unmarshalJSON(r.MatchReasons, &app.MatchReasons); err != nil {
		return nil, fmt.Errorf("failed to decode match_reasons: %w", err)
	}
	if err := unmarshalJSON(r.PendingQuestions, &app.PendingQuestions); err != nil {
		return nil, fmt.Errorf("failed to decode pending_questions: %w", err)
	}
	if err := unmarshalJSON(r.Answers, &app.Answers); err != nil {
		return nil, fmt.Errorf("failed to decode answers: %w", err)
	}
	return app, nil
}

func marshalJSON(v any, empty string) (types.JSONText, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal json column: %w", err)
	}
	if string(b) == "null" {
		return types.JSONText(empty), nil
	}
	return types.JSONText(b), nil
}

func unmarshalJSON(text types.JSONText, dest any) error {
	if len(text) == 0 {
		return nil
	}
	return json.Unmarshal(text, dest)
}

func (s *PostgresStore) CreateApplication(ctx context.Context, app *domain.Application) error {
	if err := app.Validate(); err != nil {
		return err
	}
	if app.CreatedAt.IsZero() {
		app.CreatedAt = s.now()
	}
	app.UpdatedAt = app.CreatedAt

	row, err := toApplicationRow(app)
	if err != nil {
		return err
	}

	query := `INSERT INTO applications (` + applicationColumns + `) VALUES (
		:application_id, :user_id, :job_title, :company, :application_url, :status,
		:match_score, :apply_recommendation, :match_reasons, :pending_questions, :answers,
		:applied_at, :failure_reason, :run_id, :email_update_ids, :created_at, :updated_at
	)`

	if _, err := s.db.NamedExecContext(ctx, query, row); err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			return domain.ErrAlreadyExists
		}
		return fmt.Errorf("failed to create application: %w", err)
	}

	s.logger.Info("Application created",
		slog.String("application_id", app.ApplicationID),
		slog.String("user_id", app.UserID),
	)
	return nil
}

func (s *PostgresStore) GetApplication(ctx context.Context, applicationID string) (*domain.Application, error) {
	query := `SELECT ` + applicationColumns + ` FROM applications WHERE application_id = $1`

	var row applicationRow
	if err := s.db.GetContext(ctx, &row, query, applicationID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get application: %w", err)
	}
	return row.toDomain()
}

func (s *PostgresStore) ListApplications(ctx context.Context, filter ApplicationFilter) ([]*domain.Application, error) {
	query := `SELECT ` + applicationColumns + ` FROM applications WHERE 1=1`
	args := []interface{}{}
	argIdx := 1

	if filter.UserID != "" {
		query += fmt.Sprintf(" AND user_id = $%d", argIdx)
		args = append(args, filter.UserID)
		argIdx++
	}

	if filter.Status != "" {
		query += fmt.Sprintf(" AND status = $%d", argIdx)
		args = append(args, string(filter.Status))
		argIdx++
	}

	if filter.Cursor != nil {
		query += fmt.Sprintf(" AND (created_at, application_id) < ($%d, $%d)", argIdx, argIdx+1)
		args = append(args, filter.Cursor.CreatedAt, filter.Cursor.ApplicationID)
		argIdx += 2
	}

	query += " ORDER BY created_at DESC, application_id DESC"

	if filter.PageSize > 0 {
		// One extra row tells the caller whether another page exists
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, filter.PageSize+1)
	}

	var rows []applicationRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list applications: %w", err)
	}

	out := make([]*domain.Application, 0, len(rows))
	for i := range rows {
		app, err := rows[i].toDomain()
		if err != nil {
			return nil, err
		}
		out = append(out, app)
	}
	return out, nil
}

func (s *PostgresStore) ListApplicationsByStatus(ctx context.Context, status domain.Status) ([]*domain.Application, error) {
	return s.ListApplications(ctx, ApplicationFilter{Status: status})
}

// UpdateApplication locks the row for the duration of the mutation so concurrent
// writers from any process are serialized.
func (s *PostgresStore) UpdateApplication(ctx context.Context, applicationID string, mutate Mutation) (*domain.Application, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	query := `SELECT ` + applicationColumns + ` FROM applications WHERE application_id = $1 FOR UPDATE`

	var row applicationRow
	if err := tx.GetContext(ctx, &row, query, applicationID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("failed to lock application: %w", err)
	}

	current, err := row.toDomain()
	if err != nil {
		return nil, err
	}

	next, changed, err := applyMutation(current, mutate, s.now())
	if err != nil {
		return nil, err
	}
	if !changed {
		return current, nil
	}

	nextRow, err := toApplicationRow(next)
	if err != nil {
		return nil, err
	}

	update := `
		UPDATE applications
		SET status = :status,
		    pending_questions = :pending_questions,
		    answers = :answers,
		    applied_at = :applied_at,
		    failure_reason = :failure_reason,
		    run_id = :run_id,
		    email_update_ids = :email_update_ids,
		    updated_at = :updated_at
		WHERE application_id = :application_id
	`
	if _, err := tx.NamedExecContext(ctx, update, nextRow); err != nil {
		return nil, fmt.Errorf("failed to update application: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit application update: %w", err)
	}

	s.logger.Debug("Application updated",
		slog.String("application_id", applicationID),
		slog.String("status", string(next.Status)),
	)
	return next, nil
}

type emailUpdateRow struct {
	EmailUpdateID     string             `db:"email_update_id"`
	EmailID           string             `db:"email_id"`
	UserID            string             `db:"user_id"`
	ApplicationID     string             `db:"application_id"`
	Classification    string             `db:"classification"`
	Subject           string             `db:"subject"`
	Sender            string             `db:"sender"`
	Date              time.Time          `db:"date"`
	Summary           string             `db:"summary"`
	JobTitle          string             `db:"job_title"`
	Company           string             `db:"company"`
	ActionRequired    bool               `db:"action_required"`
	ActionDescription string             `db:"action_description"`
	KeyInfo           types.NullJSONText `db:"key_info"`
	CreatedAt         time.Time          `db:"created_at"`
}

func (r *emailUpdateRow) toDomain() (*domain.EmailUpdate, error) {
	u := &domain.EmailUpdate{
		EmailUpdateID:     r.EmailUpdateID,
		EmailID:           r.EmailID,
		UserID:            r.UserID,
		ApplicationID:     r.ApplicationID,
		Classification:    domain.ParseClassification(r.Classification),
		Subject:           r.Subject,
		Sender:            r.Sender,
		Date:              r.Date,
		Summary:           r.Summary,
		JobTitle:          r.JobTitle,
		Company:           r.Company,
		ActionRequired:    r.ActionRequired,
		ActionDescription: r.ActionDescription,
		CreatedAt:         r.CreatedAt,
	}
	if r.KeyInfo.Valid && len(r.KeyInfo.JSONText) > 0 {
		var info domain.KeyInfo
		if err := json.Unmarshal(r.KeyInfo.JSONText, &info); err != nil {
			return nil, fmt.Errorf("failed to decode key_info: %w", err)
		}
		u.KeyInfo = &info
	}
	return u, nil
}

func (s *PostgresStore) SaveEmailUpdate(ctx context.Context, u *domain.EmailUpdate) (bool, error) {
	if err := u.Validate(); err != nil {
		return false, err
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = s.now()
	}

	row := emailUpdateRow{
		EmailUpdateID:     u.EmailUpdateID,
		EmailID:           u.EmailID,
		UserID:            u.UserID,
		ApplicationID:     u.ApplicationID,
		Classification:    string(u.Classification),
		Subject:           u.Subject,
		Sender:            u.Sender,
		Date:              u.Date,
		Summary:           u.Summary,
		JobTitle:          u.JobTitle,
		Company:           u.Company,
		ActionRequired:    u.ActionRequired,
		ActionDescription: u.ActionDescription,
		CreatedAt:         u.CreatedAt,
	}
	if u.KeyInfo != nil {
		b, err := json.Marshal(u.KeyInfo)
		if err != nil {
			return false, fmt.Errorf("failed to marshal key_info: %w", err)
		}
		row.KeyInfo = types.NullJSONText{JSONText: b, Valid: true}
	}

	query := `INSERT INTO email_updates (` + emailUpdateColumns + `) VALUES (
		:email_update_id, :email_id, :user_id, :application_id, :classification, :subject, :sender,
		:date, :summary, :job_title, :company, :action_required, :action_description, :key_info, :created_at
	) ON CONFLICT (user_id, email_id) DO NOTHING`

	result, err := s.db.NamedExecContext(ctx, query, row)
	if err != nil {
		return false, fmt.Errorf("failed to save email update: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected > 0 {
		return true, nil
	}

	var existing struct {
		EmailUpdateID string    `db:"email_update_id"`
		CreatedAt     time.Time `db:"created_at"`
	}
	err = s.db.GetContext(ctx, &existing,
		`SELECT email_update_id, created_at FROM email_updates WHERE user_id = $1 AND email_id = $2`,
		u.UserID, u.EmailID)
	if err != nil {
		return false, fmt.Errorf("failed to load existing email update: %w", err)
	}
	u.EmailUpdateID = existing.EmailUpdateID
	u.CreatedAt = existing.CreatedAt
	return false, nil
}

func (s *PostgresStore) ListEmailUpdates(ctx context.Context, userID string) ([]*domain.EmailUpdate, error) {
	query := `SELECT ` + emailUpdateColumns + ` FROM email_updates WHERE user_id = $1 ORDER BY date DESC`

	var rows []emailUpdateRow
	if err := s.db.SelectContext(ctx, &rows, query, userID); err != nil {
		return nil, fmt.Errorf("failed to list email updates: %w", err)
	}
	return emailRowsToDomain(rows)
}

func (s *PostgresStore) GetEmailUpdates(ctx context.Context, ids []string) ([]*domain.EmailUpdate, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	query := `SELECT ` + emailUpdateColumns + ` FROM email_updates WHERE email_update_id = ANY($1) ORDER BY date ASC`

	var rows []emailUpdateRow
	if err := s.db.SelectContext(ctx, &rows, query, pq.Array(ids)); err != nil {
		return nil, fmt.Errorf("failed to get email updates: %w", err)
	}
	return emailRowsToDomain(rows)
}

func emailRowsToDomain(rows []emailUpdateRow) ([]*domain.EmailUpdate, error) {
	out := make([]*domain.EmailUpdate, 0, len(rows))
	for i := range rows {
		u, err := rows[i].toDomain()
		if err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, nil
}

func (s *PostgresStore) GetProfile(ctx context.Context, userID string) (map[string]string, error) {
	var fields types.JSONText
	err := s.db.GetContext(ctx, &fields, `SELECT fields FROM user_profiles WHERE user_id = $1`, userID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return map[string]string{}, nil
		}
		return nil, fmt.Errorf("failed to get profile: %w", err)
	}

	out := map[string]string{}
	if err := unmarshalJSON(fields, &out); err != nil {
		return nil, fmt.Errorf("failed to decode profile: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) PutProfile(ctx context.Context, userID string, fields map[string]string) error {
	b, err := marshalJSON(fields, "{}")
	if err != nil {
		return err
	}

	query := `
		INSERT INTO user_profiles (user_id, fields, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (user_id) DO UPDATE SET fields = EXCLUDED.fields, updated_at = NOW()
	`
	if _, err := s.db.ExecContext(ctx, query, userID, b); err != nil {
		return fmt.Errorf("failed to save profile: %w", err)
	}
	return nil
}
