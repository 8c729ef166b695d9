package questions

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Question is the metadata this subsystem needs: timing, reveal data and the
// fields shown to players. Answer correctness and explanations never leave
// the server before their reveal events.
type Question struct {
	UID             string
	Text            string
	AnswerOptions   []string
	CorrectAnswers  []bool
	Explanation     string
	TimeLimitSec    int64
	FeedbackWaitSec float64
}

// TimeLimitMs returns the answer window in milliseconds, falling back to 30s
// when the question carries no limit.
func (q *Question) TimeLimitMs() int64 {
	if q.TimeLimitSec <= 0 {
		return 30_000
	}
	return q.TimeLimitSec * 1000
}

var ErrNotFound = errors.New("question not found")

// Repository reads question metadata. The question catalogue is owned by
// another service; this subsystem only reads it.
type Repository interface {
	GetQuestion(ctx context.Context, uid string) (*Question, error)
	GetQuestions(ctx context.Context, uids []string) (map[string]*Question, error)
}

// PgxRepository implements Repository against the shared Postgres catalogue.
type PgxRepository struct {
	pool *pgxpool.Pool
}

func NewPgxRepository(pool *pgxpool.Pool) *PgxRepository {
	return &PgxRepository{pool: pool}
}

const questionColumns = `uid, question_text, answer_options, correct_answers, explanation, time_limit_seconds, feedback_wait_time`

func (r *PgxRepository) GetQuestion(ctx context.Context, uid string) (*Question, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT `+questionColumns+` FROM questions WHERE uid = $1`, uid)

	q, err := scanQuestion(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("question %s: %w", uid, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get question %s: %w", uid, err)
	}
	return q, nil
}

func (r *PgxRepository) GetQuestions(ctx context.Context, uids []string) (map[string]*Question, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+questionColumns+` FROM questions WHERE uid = ANY($1)`, uids)
	if err != nil {
		return nil, fmt.Errorf("failed to query questions: %w", err)
	}
	defer rows.Close()

	result := make(map[string]*Question, len(uids))
	for rows.Next() {
		q, err := scanQuestion(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan question: %w", err)
		}
		result[q.UID] = q
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read questions: %w", err)
	}
	return result, nil
}

func scanQuestion(row pgx.Row) (*Question, error) {
	var q Question
	err := row.Scan(
		&q.UID,
		&q.Text,
		&q.AnswerOptions,
		&q.CorrectAnswers,
		&q.Explanation,
		&q.TimeLimitSec,
		&q.FeedbackWaitSec,
	)
	if err != nil {
		return nil, err
	}
	return &q, nil
}

// ToPlayerPayload strips the fields players must not see before reveal.
type PlayerQuestion struct {
	UID             string
	Text            string
	AnswerOptions   []string
	TimeLimitMs     int64
	FeedbackWaitSec float64
}

func (q *Question) ToPlayerPayload() PlayerQuestion {
	return PlayerQuestion{
		UID:             q.UID,
		Text:            q.Text,
		AnswerOptions:   q.AnswerOptions,
		TimeLimitMs:     q.TimeLimitMs(),
		FeedbackWaitSec: q.FeedbackWaitSec,
	}
}
