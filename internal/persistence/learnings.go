package persistence

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Learning scopes and lifecycle states.
const (
	LearningScopeGlobal = "global"
	LearningScopeRepo   = "repo"
	LearningScopeTool   = "tool"

	LearningStatusCandidate  = "candidate"
	LearningStatusActive     = "active"
	LearningStatusDeprecated = "deprecated"
)

// Learning is an evidence-backed rule derived from session history.
type Learning struct {
	ID               string     `json:"id"`
	UserID           string     `json:"user_id"`
	AgentID          string     `json:"agent_id"`
	Rule             string     `json:"rule"`
	Scope            string     `json:"scope"`
	ScopeContext     string     `json:"scope_context,omitempty"`
	Status           string     `json:"status"`
	Confidence       float64    `json:"confidence"`
	ObservationCount int        `json:"observation_count"`
	Tags             []string   `json:"tags,omitempty"`
	RuleHash         string     `json:"rule_hash"`
	FirstSeen        time.Time  `json:"first_seen"`
	LastSeen         time.Time  `json:"last_seen"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
	Evidence         []Evidence `json:"evidence,omitempty"`
}

// Evidence links a learning to the session, task, or file it came from.
type Evidence struct {
	ID        string    `json:"id"`
	Kind      string    `json:"kind"`
	Reference string    `json:"reference"`
	Context   string    `json:"context,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// NormalizeRule lowercases and collapses whitespace so trivially
// reworded rules dedup to the same hash.
func NormalizeRule(rule string) string {
	words := strings.Fields(rule)
	for i, w := range words {
		words[i] = strings.ToLower(w)
	}
	return strings.Join(words, " ")
}

// RuleHash is the SHA-256 of the normalized rule, hex encoded.
func RuleHash(rule string) string {
	sum := sha256.Sum256([]byte(NormalizeRule(rule)))
	return hex.EncodeToString(sum[:])
}

type CreateLearningParams struct {
	UserID       string
	AgentID      string
	Rule         string
	Scope        string
	ScopeContext string
	Confidence   float64
	Tags         []string
	EvidenceKind string
	EvidenceRef  string
	EvidenceCtx  string
}

// CreateOrMergeLearning records a rule. If the same user+agent already
// holds a learning with the same rule hash, the observation count is
// bumped and confidence keeps its maximum; otherwise a new candidate is
// created. Evidence, when given, is appended either way.
func (s *Store) CreateOrMergeLearning(ctx context.Context, p CreateLearningParams) (*Learning, error) {
	if strings.TrimSpace(p.Rule) == "" {
		return nil, fmt.Errorf("learning rule is required")
	}
	if p.Scope == "" {
		p.Scope = LearningScopeGlobal
	}
	if p.Confidence < 0 || p.Confidence > 1 {
		return nil, fmt.Errorf("confidence %v outside [0,1]", p.Confidence)
	}

	hash := RuleHash(p.Rule)
	var learningID string

	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin learning tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		var existingID string
		var count int
		var conf float64
		err = tx.QueryRowContext(ctx, `
			SELECT id, observation_count, confidence FROM agent_learnings
			WHERE user_id = ? AND agent_id = ? AND rule_hash = ?;
		`, p.UserID, p.AgentID, hash).Scan(&existingID, &count, &conf)
		switch {
		case err == sql.ErrNoRows:
			learningID = uuid.NewString()
			tagsJSON, err := json.Marshal(append([]string{}, p.Tags...))
			if err != nil {
				return fmt.Errorf("marshal tags: %w", err)
			}
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO agent_learnings (id, user_id, agent_id, rule, scope, scope_context,
					status, confidence, observation_count, tags, rule_hash)
				VALUES (?, ?, ?, ?, ?, NULLIF(?, ''), 'candidate', ?, 1, ?, ?);
			`, learningID, p.UserID, p.AgentID, p.Rule, p.Scope, p.ScopeContext,
				p.Confidence, string(tagsJSON), hash); err != nil {
				return fmt.Errorf("insert learning: %w", err)
			}
		case err != nil:
			return fmt.Errorf("find learning: %w", err)
		default:
			learningID = existingID
			if p.Confidence > conf {
				conf = p.Confidence
			}
			if _, err := tx.ExecContext(ctx, `
				UPDATE agent_learnings SET observation_count = ?, confidence = ?,
					last_seen = CURRENT_TIMESTAMP, updated_at = CURRENT_TIMESTAMP WHERE id = ?;
			`, count+1, conf, learningID); err != nil {
				return fmt.Errorf("merge learning: %w", err)
			}
		}

		if p.EvidenceKind != "" && p.EvidenceRef != "" {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO agent_learning_evidence (id, learning_id, kind, reference, context)
				VALUES (?, ?, ?, ?, NULLIF(?, ''));
			`, uuid.NewString(), learningID, p.EvidenceKind, p.EvidenceRef, p.EvidenceCtx); err != nil {
				return fmt.Errorf("insert evidence: %w", err)
			}
		}
		return tx.Commit()
	})
	if err != nil {
		return nil, err
	}
	return s.GetLearning(ctx, learningID)
}

// GetLearning fetches one learning with its evidence.
func (s *Store) GetLearning(ctx context.Context, id string) (*Learning, error) {
	row := s.db.QueryRowContext(ctx, learningSelect+` WHERE id = ?;`, id)
	l, err := scanLearning(row.Scan)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("learning %s not found", id)
	}
	if err != nil {
		return nil, err
	}
	l.Evidence, err = s.learningEvidence(ctx, l.ID)
	return l, err
}

// ListActiveLearnings returns active learnings ordered by confidence,
// most observed first among ties.
func (s *Store) ListActiveLearnings(ctx context.Context, userID, agentID string, limit int) ([]*Learning, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, learningSelect+`
		WHERE user_id = ? AND agent_id = ? AND status = 'active'
		ORDER BY confidence DESC, observation_count DESC LIMIT ?;
	`, userID, agentID, limit)
	if err != nil {
		return nil, fmt.Errorf("list active learnings: %w", err)
	}
	defer rows.Close()
	return scanLearnings(rows)
}

// SearchLearnings matches rule text case-insensitively.
func (s *Store) SearchLearnings(ctx context.Context, userID, agentID, query string, limit int) ([]*Learning, error) {
	if limit <= 0 {
		limit = 20
	}
	pattern := "%" + strings.ToLower(query) + "%"
	rows, err := s.db.QueryContext(ctx, learningSelect+`
		WHERE user_id = ? AND agent_id = ? AND LOWER(rule) LIKE ?
		ORDER BY confidence DESC LIMIT ?;
	`, userID, agentID, pattern, limit)
	if err != nil {
		return nil, fmt.Errorf("search learnings: %w", err)
	}
	defer rows.Close()
	return scanLearnings(rows)
}

// PromoteLearning moves a candidate to active.
func (s *Store) PromoteLearning(ctx context.Context, id string) error {
	return s.setLearningStatus(ctx, id, LearningStatusActive)
}

// DeprecateLearning retires a learning without deleting its evidence.
func (s *Store) DeprecateLearning(ctx context.Context, id string) error {
	return s.setLearningStatus(ctx, id, LearningStatusDeprecated)
}

func (s *Store) setLearningStatus(ctx context.Context, id, status string) error {
	return retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE agent_learnings SET status = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?;
		`, status, id)
		if err != nil {
			return fmt.Errorf("set learning status: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("learning %s not found", id)
		}
		return nil
	})
}

// FormatLearningsForPrompt renders the top active learnings as a system
// prompt section. Empty string when there is nothing active.
func (s *Store) FormatLearningsForPrompt(ctx context.Context, userID, agentID string, max int) (string, error) {
	learnings, err := s.ListActiveLearnings(ctx, userID, agentID, max)
	if err != nil {
		return "", err
	}
	if len(learnings) == 0 {
		return "", nil
	}
	var b strings.Builder
	b.WriteString("## Active Learnings\n\n")
	b.WriteString("Rules derived from experience (confidence-ranked):\n\n")
	for i, l := range learnings {
		fmt.Fprintf(&b, "%d. [conf=%.0f%%, seen=%dx] %s\n", i+1, l.Confidence*100, l.ObservationCount, l.Rule)
	}
	return b.String(), nil
}

const learningSelect = `
	SELECT id, user_id, agent_id, rule, scope, COALESCE(scope_context, ''), status,
		confidence, observation_count, tags, rule_hash,
		first_seen, last_seen, created_at, updated_at
	FROM agent_learnings`

func scanLearning(scan func(...any) error) (*Learning, error) {
	var l Learning
	var tags string
	if err := scan(&l.ID, &l.UserID, &l.AgentID, &l.Rule, &l.Scope, &l.ScopeContext, &l.Status,
		&l.Confidence, &l.ObservationCount, &tags, &l.RuleHash,
		&l.FirstSeen, &l.LastSeen, &l.CreatedAt, &l.UpdatedAt); err != nil {
		return nil, err
	}
	_ = json.Unmarshal([]byte(tags), &l.Tags)
	return &l, nil
}

func scanLearnings(rows *sql.Rows) ([]*Learning, error) {
	var out []*Learning
	for rows.Next() {
		l, err := scanLearning(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan learning: %w", err)
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

func (s *Store) learningEvidence(ctx context.Context, learningID string) ([]Evidence, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, kind, reference, COALESCE(context, ''), created_at
		FROM agent_learning_evidence WHERE learning_id = ? ORDER BY created_at, id;
	`, learningID)
	if err != nil {
		return nil, fmt.Errorf("list evidence: %w", err)
	}
	defer rows.Close()
	var out []Evidence
	for rows.Next() {
		var e Evidence
		if err := rows.Scan(&e.ID, &e.Kind, &e.Reference, &e.Context, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan evidence: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
