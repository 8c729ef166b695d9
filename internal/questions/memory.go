package questions

import (
	"context"
	"fmt"
)

// MemoryRepository serves a fixed question set from memory. Used in tests and
// single-process development setups.
type MemoryRepository struct {
	byUID map[string]*Question
}

func NewMemoryRepository(qs ...*Question) *MemoryRepository {
	byUID := make(map[string]*Question, len(qs))
	for _, q := range qs {
		byUID[q.UID] = q
	}
	return &MemoryRepository{byUID: byUID}
}

func (r *MemoryRepository) GetQuestion(ctx context.Context, uid string) (*Question, error) {
	q, ok := r.byUID[uid]
	if !ok {
		return nil, fmt.Errorf("question %s: %w", uid, ErrNotFound)
	}
	copied := *q
	return &copied, nil
}

func (r *MemoryRepository) GetQuestions(ctx context.Context, uids []string) (map[string]*Question, error) {
	result := make(map[string]*Question, len(uids))
	for _, uid := range uids {
		if q, ok := r.byUID[uid]; ok {
			copied := *q
			result[uid] = &copied
		}
	}
	return result, nil
}
