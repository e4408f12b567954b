package messages

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/cuongbtq/audio-pipeline/internal/domain"
	"github.com/jmoiron/sqlx"
)

var _ Repository = (*PostgresRepository)(nil)

type messageRow struct {
	ID               string          `db:"id"`
	ProjectID        string          `db:"project_id"`
	AudioKey         sql.NullString  `db:"audio_key"`
	ProcessingStatus sql.NullString  `db:"processing_status"`
	ProcessingError  sql.NullString  `db:"processing_error"`
	RetryCount       int             `db:"retry_count"`
	TranscriptTxt    sql.NullString  `db:"transcript_txt"`
	Speaker          sql.NullString  `db:"speaker"`
	Duration         sql.NullFloat64 `db:"duration"`
	Tone             sql.NullString  `db:"tone"`
	ProcessedAt      sql.NullTime    `db:"processed_at"`
	ProviderJobID    sql.NullString  `db:"provider_job_id"`
	ProviderDuration sql.NullFloat64 `db:"provider_duration"`
}

func (r *messageRow) toDomain() *domain.Message {
	msg := &domain.Message{
		ID:               r.ID,
		ProjectID:        r.ProjectID,
		ProcessingStatus: domain.ProcessingStatusPending,
		RetryCount:       r.RetryCount,
		AudioKey:         nullString(r.AudioKey),
		ProcessingError:  nullString(r.ProcessingError),
		TranscriptTxt:    nullString(r.TranscriptTxt),
		Speaker:          nullString(r.Speaker),
		Duration:         nullFloat(r.Duration),
		ProviderJobID:    nullString(r.ProviderJobID),
		ProviderDuration: nullFloat(r.ProviderDuration),
	}
	if r.ProcessingStatus.Valid && r.ProcessingStatus.String != "" {
		msg.ProcessingStatus = domain.ProcessingStatus(r.ProcessingStatus.String)
	}
	if r.Tone.Valid {
		tone := domain.Tone(r.Tone.String)
		msg.Tone = &tone
	}
	if r.ProcessedAt.Valid {
		t := r.ProcessedAt.Time
		msg.ProcessedAt = &t
	}
	return msg
}

// PostgresRepository reads and writes the messages table
type PostgresRepository struct {
	db     *sqlx.DB
	logger *slog.Logger
}

// NewPostgresRepository creates a repository on an open database handle
func NewPostgresRepository(db *sqlx.DB, logger *slog.Logger) *PostgresRepository {
	return &PostgresRepository{
		db:     db,
		logger: logger,
	}
}

func (r *PostgresRepository) GetMessage(ctx context.Context, id string) (*domain.Message, error) {
	query := `
		SELECT
			id, project_id, audio_key, processing_status, processing_error,
			retry_count, transcript_txt, speaker, duration, tone,
			processed_at, provider_job_id, provider_duration
		FROM messages
		WHERE id = $1
	`

	var row messageRow
	if err := r.db.GetContext(ctx, &row, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrMessageNotFound
		}
		return nil, fmt.Errorf("failed to get message: %w", err)
	}

	return row.toDomain(), nil
}

func (r *PostgresRepository) UpdateMessage(ctx context.Context, id string, update domain.MessageUpdate) error {
	if update.IsEmpty() {
		return nil
	}

	query, args := buildUpdate(id, update)

	result, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update message: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return domain.ErrMessageNotFound
	}

	r.logger.Debug("Message updated", slog.String("message_id", id))

	return nil
}

// buildUpdate renders the SET clause for the non-nil fields of update
func buildUpdate(id string, update domain.MessageUpdate) (string, []interface{}) {
	sets := []string{}
	args := []interface{}{}
	argIdx := 1

	add := func(column string, value interface{}) {
		sets = append(sets, fmt.Sprintf("%s = $%d", column, argIdx))
		args = append(args, value)
		argIdx++
	}

	if update.ProcessingStatus != nil {
		add("processing_status", string(*update.ProcessingStatus))
	}
	if update.ProcessingError != nil {
		add("processing_error", *update.ProcessingError)
	} else if update.ClearError {
		sets = append(sets, "processing_error = NULL")
	}
	if update.RetryCount != nil {
		add("retry_count", *update.RetryCount)
	}
	if update.TranscriptTxt != nil {
		add("transcript_txt", *update.TranscriptTxt)
	}
	if update.Speaker != nil {
		add("speaker", *update.Speaker)
	}
	if update.Duration != nil {
		add("duration", *update.Duration)
	}
	if update.Tone != nil {
		add("tone", string(*update.Tone))
	}
	if update.ProcessedAt != nil {
		add("processed_at", *update.ProcessedAt)
	}
	if update.ProviderJobID != nil {
		add("provider_job_id", *update.ProviderJobID)
	}
	if update.ProviderDuration != nil {
		add("provider_duration", *update.ProviderDuration)
	}

	sets = append(sets, "updated_at = NOW()")

	query := fmt.Sprintf("UPDATE messages SET %s WHERE id = $%d", strings.Join(sets, ", "), argIdx)
	args = append(args, id)

	return query, args
}

func nullString(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}

func nullFloat(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Float64
	return &f
}
