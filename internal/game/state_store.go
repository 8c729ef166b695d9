package game

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mathquest/mathquest/internal/store"
)

const stateKeyPrefix = "mathquest:game:"

// questionStartTTLSec bounds how long per-user question start marks live.
const questionStartTTLSec = 300

// StateStore persists game instance state in the shared KV store so every
// replica sees the same question progression.
type StateStore struct {
	kv store.KV
}

func NewStateStore(kv store.KV) *StateStore {
	return &StateStore{kv: kv}
}

func stateKey(accessCode string) string {
	return stateKeyPrefix + accessCode
}

// Get returns the state for an access code, or nil when none exists.
func (s *StateStore) Get(ctx context.Context, accessCode string) (*State, error) {
	raw, found, err := s.kv.Get(ctx, stateKey(accessCode))
	if err != nil {
		return nil, fmt.Errorf("get game state %s: %w", accessCode, err)
	}
	if !found {
		return nil, nil
	}
	var st State
	if err := json.Unmarshal(raw, &st); err != nil {
		return nil, fmt.Errorf("decode game state %s: %w", accessCode, err)
	}
	return &st, nil
}

// Save writes the state unconditionally.
func (s *StateStore) Save(ctx context.Context, st *State) error {
	raw, err := json.Marshal(st)
	if err != nil {
		return err
	}
	if err := s.kv.Set(ctx, stateKey(st.AccessCode), raw); err != nil {
		return fmt.Errorf("save game state %s: %w", st.AccessCode, err)
	}
	return nil
}

// Update applies mutate to the current state under the store's per-key CAS.
// mutate receives nil when no state exists yet and may return an error to
// abort without writing.
func (s *StateStore) Update(ctx context.Context, accessCode string, mutate func(st *State) (*State, error)) (*State, error) {
	var result *State
	err := s.kv.Update(ctx, stateKey(accessCode), func(old []byte, found bool) ([]byte, error) {
		var cur *State
		if found {
			cur = &State{}
			if err := json.Unmarshal(old, cur); err != nil {
				return nil, fmt.Errorf("decode game state %s: %w", accessCode, err)
			}
		}
		next, err := mutate(cur)
		if err != nil {
			return nil, err
		}
		if next == nil {
			result = nil
			return nil, nil
		}
		result = next
		return json.Marshal(next)
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// Delete removes the state on game teardown.
func (s *StateStore) Delete(ctx context.Context, accessCode string) error {
	return s.kv.Del(ctx, stateKey(accessCode))
}

// MarkQuestionStart records when a participant first saw a question, used
// for server-side answer timing. Only the first mark per user sticks, so
// reconnects do not reset the clock. Marks expire on their own.
func (s *StateStore) MarkQuestionStart(ctx context.Context, accessCode, questionUID, userID string, nowMs int64) error {
	key := fmt.Sprintf("mathquest:game:question_start:%s:%s:%s", accessCode, questionUID, userID)
	_, found, err := s.kv.Get(ctx, key)
	if err != nil {
		return err
	}
	if found {
		return nil
	}
	return s.kv.SetTTL(ctx, key, []byte(fmt.Sprintf("%d", nowMs)), questionStartTTLSec)
}
