package scoring

import (
	"context"

	"github.com/rs/zerolog/log"
)

// Scorer finalizes scoring for a question once its answer window closes. The
// scoring engine itself lives outside this subsystem; the game flow only
// needs to tell it when answers lock.
type Scorer interface {
	LockAnswers(ctx context.Context, accessCode, questionUID string) error
}

// NoopScorer logs the lock and does nothing else. Wired when the external
// scoring engine is not configured.
type NoopScorer struct{}

func (NoopScorer) LockAnswers(ctx context.Context, accessCode, questionUID string) error {
	log.Debug().
		Str("access_code", accessCode).
		Str("question_uid", questionUID).
		Msg("answers locked, no scorer configured")
	return nil
}
