package store

import (
	"context"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/fyrsmithlabs/patternd/internal/pattern"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// SQLiteStore is the durable Privileged store.
type SQLiteStore struct {
	db *sql.DB
}

var _ Privileged = (*SQLiteStore)(nil)

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type rowScanner interface {
	Scan(dest ...any) error
}

// NewSQLiteStore opens (creating if needed) the database at path and applies the schema.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", "file:"+path+"?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("failed to open pattern db: %w", err)
	}
	// A single connection serializes writers and keeps :memory: databases coherent.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(Schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// DB exposes the handle for health checks.
func (s *SQLiteStore) DB() *sql.DB {
	return s.db
}

const patternColumns = `id, signature, trigger_text, embedding, response_template, action, category,
	confidence, auto_executable, status, enabled, usage_count, success_count, failure_count,
	merged_into, from_gold_standard, version, created_at, updated_at, last_used_at`

func scanPattern(r rowScanner) (*pattern.Pattern, error) {
	var (
		p                pattern.Pattern
		emb              []byte
		action, category string
		status           string
		created, updated int64
		lastUsed         sql.NullInt64
	)
	err := r.Scan(&p.ID, &p.Signature, &p.TriggerText, &emb, &p.ResponseTemplate, &action, &category,
		&p.Confidence, &p.AutoExecutable, &status, &p.Enabled, &p.UsageCount, &p.SuccessCount, &p.FailureCount,
		&p.MergedInto, &p.FromGoldStandard, &p.Version, &created, &updated, &lastUsed)
	if err != nil {
		return nil, err
	}
	p.Category = pattern.Category(category)
	p.Status = pattern.Status(status)
	p.Embedding = decodeVector(emb)
	if action != "" {
		var a pattern.Action
		if err := json.Unmarshal([]byte(action), &a); err != nil {
			return nil, fmt.Errorf("decode action for pattern %s: %w", p.ID, err)
		}
		p.Action = &a
	}
	p.CreatedAt = fromNanos(created)
	p.UpdatedAt = fromNanos(updated)
	p.LastUsedAt = nullTime(lastUsed)
	return &p, nil
}

func getPattern(ctx context.Context, q querier, id string) (*pattern.Pattern, error) {
	p, err := scanPattern(q.QueryRowContext(ctx, `SELECT `+patternColumns+` FROM patterns WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("pattern %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get pattern %s: %w", id, err)
	}
	return p, nil
}

// Get returns a pattern by id.
func (s *SQLiteStore) Get(ctx context.Context, id string) (*pattern.Pattern, error) {
	return getPattern(ctx, s.db, id)
}

// GetBySignature returns the matchable pattern with the given signature.
func (s *SQLiteStore) GetBySignature(ctx context.Context, signature string) (*pattern.Pattern, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+patternColumns+` FROM patterns
		WHERE signature = ? AND enabled = 1 AND status != 'deprecated' AND merged_into = ''`, signature)
	p, err := scanPattern(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("signature %s: %w", signature, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get by signature: %w", err)
	}
	return p, nil
}

// List returns patterns ordered by creation time.
func (s *SQLiteStore) List(ctx context.Context, f ListFilter) ([]*pattern.Pattern, error) {
	var (
		where []string
		args  []any
	)
	if f.Category != "" {
		where = append(where, "category = ?")
		args = append(args, string(f.Category))
	}
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(f.Status))
	}
	if f.MatchableOnly {
		where = append(where, "enabled = 1 AND status != 'deprecated' AND merged_into = ''")
	}
	if f.WithEmbedding {
		where = append(where, "embedding IS NOT NULL AND length(embedding) > 0")
	}
	if f.UnusedSince != nil {
		where = append(where, "COALESCE(last_used_at, created_at) <= ?")
		args = append(args, toNanos(*f.UnusedSince))
	}

	q := `SELECT ` + patternColumns + ` FROM patterns`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY created_at ASC, id ASC"
	q, args = withPage(q, args, f.Limit, f.Offset)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list patterns: %w", err)
	}
	defer rows.Close()

	var out []*pattern.Pattern
	for rows.Next() {
		p, err := scanPattern(rows)
		if err != nil {
			return nil, fmt.Errorf("scan pattern: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func withPage(q string, args []any, limit, offset int) (string, []any) {
	switch {
	case limit > 0:
		q += " LIMIT ?"
		args = append(args, limit)
	case offset > 0:
		q += " LIMIT -1"
	}
	if offset > 0 {
		q += " OFFSET ?"
		args = append(args, offset)
	}
	return q, args
}

// Create stores a new pattern.
func (s *SQLiteStore) Create(ctx context.Context, p *pattern.Pattern) error {
	if err := p.Validate(); err != nil {
		return fmt.Errorf("invalid pattern: %w", err)
	}
	action, err := encodeAction(p.Action)
	if err != nil {
		return err
	}
	version := p.Version
	if version == 0 {
		version = 1
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO patterns (`+patternColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.Signature, p.TriggerText, encodeVector(p.Embedding), p.ResponseTemplate, action, string(p.Category),
		p.Confidence, p.AutoExecutable, string(p.Status), p.Enabled, p.UsageCount, p.SuccessCount, p.FailureCount,
		p.MergedInto, p.FromGoldStandard, version, toNanos(p.CreatedAt), toNanos(p.UpdatedAt), nullNanos(p.LastUsedAt))
	if err != nil {
		if constraintCode(err) == sqlite3.SQLITE_CONSTRAINT_UNIQUE {
			return ErrDuplicateSignature
		}
		return fmt.Errorf("insert pattern: %w", err)
	}
	p.Version = version
	return nil
}

// UpdateTemplates changes non-guarded fields. The statement never names the
// confidence, auto_executable or status columns.
func (s *SQLiteStore) UpdateTemplates(ctx context.Context, id string, u TemplateUpdate) (*pattern.Pattern, error) {
	current, err := getPattern(ctx, s.db, id)
	if err != nil {
		return nil, err
	}
	applyTemplateUpdate(current, u)
	if err := current.Validate(); err != nil {
		return nil, fmt.Errorf("invalid update: %w", err)
	}
	action, err := encodeAction(current.Action)
	if err != nil {
		return nil, err
	}
	_, err = s.db.ExecContext(ctx, `UPDATE patterns
		SET response_template = ?, action = ?, category = ?, enabled = ?, from_gold_standard = ?, updated_at = ?
		WHERE id = ?`,
		current.ResponseTemplate, action, string(current.Category), current.Enabled, current.FromGoldStandard,
		toNanos(time.Now()), id)
	if err != nil {
		return nil, fmt.Errorf("update templates: %w", err)
	}
	return getPattern(ctx, s.db, id)
}

// SetEmbedding stores the trigger embedding.
func (s *SQLiteStore) SetEmbedding(ctx context.Context, id string, vec []float32) error {
	res, err := s.db.ExecContext(ctx, `UPDATE patterns SET embedding = ? WHERE id = ?`, encodeVector(vec), id)
	if err != nil {
		return fmt.Errorf("set embedding: %w", err)
	}
	return requireRow(res, "pattern", id)
}

// MarkUsed increments usage and sets last_used_at.
func (s *SQLiteStore) MarkUsed(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `UPDATE patterns SET usage_count = usage_count + 1, last_used_at = ? WHERE id = ?`,
		toNanos(at), id)
	if err != nil {
		return fmt.Errorf("mark used: %w", err)
	}
	return requireRow(res, "pattern", id)
}

const executionColumns = `id, pattern_id, conversation_id, matched_at, action_taken, outcome,
	confidence_at_time, reason, rendered_text, variant, resolved_at`

func scanExecution(r rowScanner) (*pattern.ExecutionRecord, error) {
	var (
		rec             pattern.ExecutionRecord
		matched         int64
		action, outcome string
		resolved        sql.NullInt64
	)
	err := r.Scan(&rec.ID, &rec.PatternID, &rec.ConversationID, &matched, &action, &outcome,
		&rec.ConfidenceAtTime, &rec.Reason, &rec.RenderedText, &rec.Variant, &resolved)
	if err != nil {
		return nil, err
	}
	rec.MatchedAt = fromNanos(matched)
	rec.ActionTaken = pattern.ActionTaken(action)
	rec.Outcome = pattern.Outcome(outcome)
	rec.ResolvedAt = nullTime(resolved)
	return &rec, nil
}

// RecordExecution stores a new execution record.
func (s *SQLiteStore) RecordExecution(ctx context.Context, rec *pattern.ExecutionRecord) error {
	if !rec.ActionTaken.Valid() {
		return pattern.ErrInvalidActionTaken
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO executions (`+executionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.PatternID, rec.ConversationID, toNanos(rec.MatchedAt), string(rec.ActionTaken), string(rec.Outcome),
		rec.ConfidenceAtTime, rec.Reason, rec.RenderedText, rec.Variant, nullNanos(rec.ResolvedAt))
	if err != nil {
		if constraintCode(err) == sqlite3.SQLITE_CONSTRAINT_FOREIGNKEY {
			return fmt.Errorf("pattern %s: %w", rec.PatternID, ErrNotFound)
		}
		return fmt.Errorf("insert execution: %w", err)
	}
	return nil
}

// UpdateExecutionAction rewrites the action taken for a record.
func (s *SQLiteStore) UpdateExecutionAction(ctx context.Context, id string, taken pattern.ActionTaken, reason string) error {
	if !taken.Valid() {
		return pattern.ErrInvalidActionTaken
	}
	res, err := s.db.ExecContext(ctx, `UPDATE executions SET action_taken = ?, reason = ? WHERE id = ?`, string(taken), reason, id)
	if err != nil {
		return fmt.Errorf("update execution action: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("execution %s: %w", id, ErrNotFound)
	}
	return nil
}

// GetExecution returns an execution record.
func (s *SQLiteStore) GetExecution(ctx context.Context, id string) (*pattern.ExecutionRecord, error) {
	rec, err := scanExecution(s.db.QueryRowContext(ctx, `SELECT `+executionColumns+` FROM executions WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("execution %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get execution: %w", err)
	}
	return rec, nil
}

// ListExecutions returns records newest first.
func (s *SQLiteStore) ListExecutions(ctx context.Context, f ExecutionFilter) ([]*pattern.ExecutionRecord, error) {
	var (
		where []string
		args  []any
	)
	if f.PatternID != "" {
		where = append(where, "pattern_id = ?")
		args = append(args, f.PatternID)
	}
	if f.ConversationID != "" {
		where = append(where, "conversation_id = ?")
		args = append(args, f.ConversationID)
	}
	if f.UnresolvedOnly {
		where = append(where, "resolved_at IS NULL")
	}
	q := `SELECT ` + executionColumns + ` FROM executions`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY matched_at DESC, rowid DESC"
	q, args = withPage(q, args, f.Limit, 0)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list executions: %w", err)
	}
	defer rows.Close()

	var out []*pattern.ExecutionRecord
	for rows.Next() {
		rec, err := scanExecution(rows)
		if err != nil {
			return nil, fmt.Errorf("scan execution: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// ResolveExecution back-fills an outcome once.
func (s *SQLiteStore) ResolveExecution(ctx context.Context, id string, outcome pattern.Outcome, at time.Time) (*pattern.ExecutionRecord, error) {
	if !outcome.Valid() {
		return nil, pattern.ErrInvalidOutcome
	}
	res, err := s.db.ExecContext(ctx, `UPDATE executions SET outcome = ?, resolved_at = ? WHERE id = ? AND resolved_at IS NULL`,
		string(outcome), toNanos(at), id)
	if err != nil {
		return nil, fmt.Errorf("resolve execution: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := s.GetExecution(ctx, id); err != nil {
			return nil, err
		}
		return nil, ErrAlreadyResolved
	}
	return s.GetExecution(ctx, id)
}

// FlagGoldStandard stores a gold-standard row, superseding the current one.
func (s *SQLiteStore) FlagGoldStandard(ctx context.Context, gs *pattern.GoldStandard) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `UPDATE gold_standard SET superseded_by = ?
		WHERE conversation_id = ? AND superseded_by = '' AND id != ?`, gs.ID, gs.ConversationID, gs.ID); err != nil {
		return fmt.Errorf("supersede gold standard: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO gold_standard
		(id, conversation_id, customer_text, operator_text, flagged_by, flagged_at, pattern_id, superseded_by)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		gs.ID, gs.ConversationID, gs.CustomerText, gs.OperatorText, gs.FlaggedBy, toNanos(gs.FlaggedAt),
		gs.PatternID, gs.SupersededBy); err != nil {
		return fmt.Errorf("insert gold standard: %w", err)
	}
	return tx.Commit()
}

// ListGoldStandard returns current rows newest first.
func (s *SQLiteStore) ListGoldStandard(ctx context.Context, limit int) ([]*pattern.GoldStandard, error) {
	q, args := withPage(`SELECT id, conversation_id, customer_text, operator_text, flagged_by, flagged_at, pattern_id, superseded_by
		FROM gold_standard WHERE superseded_by = '' ORDER BY flagged_at DESC, rowid DESC`, nil, limit, 0)
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list gold standard: %w", err)
	}
	defer rows.Close()

	var out []*pattern.GoldStandard
	for rows.Next() {
		var (
			g       pattern.GoldStandard
			flagged int64
		)
		if err := rows.Scan(&g.ID, &g.ConversationID, &g.CustomerText, &g.OperatorText, &g.FlaggedBy, &flagged,
			&g.PatternID, &g.SupersededBy); err != nil {
			return nil, fmt.Errorf("scan gold standard: %w", err)
		}
		g.FlaggedAt = fromNanos(flagged)
		out = append(out, &g)
	}
	return out, rows.Err()
}

// Counts summarizes the store.
func (s *SQLiteStore) Counts(ctx context.Context) (Counts, error) {
	var c Counts
	err := s.db.QueryRowContext(ctx, `SELECT
		(SELECT COUNT(*) FROM patterns),
		(SELECT COUNT(*) FROM patterns WHERE enabled = 1 AND status != 'deprecated' AND merged_into = ''),
		(SELECT COUNT(*) FROM patterns WHERE auto_executable = 1),
		(SELECT COUNT(*) FROM patterns WHERE status = 'verified'),
		(SELECT COUNT(*) FROM patterns WHERE status = 'deprecated'),
		(SELECT COUNT(*) FROM executions),
		(SELECT COUNT(*) FROM executions WHERE resolved_at IS NULL),
		(SELECT COUNT(*) FROM gold_standard WHERE superseded_by = ''),
		(SELECT COUNT(*) FROM conversations WHERE phase != 'closed'),
		(SELECT COUNT(*) FROM experiments WHERE active = 1)`).
		Scan(&c.Patterns, &c.Matchable, &c.AutoExecutable, &c.Verified, &c.Deprecated, &c.Executions,
			&c.Unresolved, &c.GoldStandard, &c.ActiveConversations, &c.ActiveExperiments)
	if err != nil {
		return Counts{}, fmt.Errorf("counts: %w", err)
	}
	return c, nil
}

// CompareAndSwap applies guarded state if the version matches. A resolution
// in u commits in the same transaction.
func (s *SQLiteStore) CompareAndSwap(ctx context.Context, id string, expectedVersion int64, u ConfidenceUpdate) (*pattern.Pattern, error) {
	if u.Confidence < 0 || u.Confidence > 1 {
		return nil, pattern.ErrInvalidConfidence
	}
	if !u.Status.Valid() {
		return nil, pattern.ErrInvalidStatus
	}
	if u.Resolve != nil && !u.Resolve.Outcome.Valid() {
		return nil, pattern.ErrInvalidOutcome
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if r := u.Resolve; r != nil {
		res, err := tx.ExecContext(ctx, `UPDATE executions SET outcome = ?, resolved_at = ? WHERE id = ? AND resolved_at IS NULL`,
			string(r.Outcome), toNanos(r.At), r.ExecutionID)
		if err != nil {
			return nil, fmt.Errorf("resolve execution: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			var one int
			err := tx.QueryRowContext(ctx, `SELECT 1 FROM executions WHERE id = ?`, r.ExecutionID).Scan(&one)
			if errors.Is(err, sql.ErrNoRows) {
				return nil, fmt.Errorf("execution %s: %w", r.ExecutionID, ErrNotFound)
			}
			if err != nil {
				return nil, fmt.Errorf("get execution: %w", err)
			}
			return nil, ErrAlreadyResolved
		}
	}

	res, err := tx.ExecContext(ctx, `UPDATE patterns
		SET confidence = ?, auto_executable = ?, status = ?,
			success_count = success_count + ?, failure_count = failure_count + ?,
			version = version + 1, updated_at = ?
		WHERE id = ? AND version = ?`,
		u.Confidence, u.AutoExecutable, string(u.Status), u.SuccessDelta, u.FailureDelta, toNanos(time.Now()),
		id, expectedVersion)
	if err != nil {
		return nil, fmt.Errorf("compare and swap: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := getPattern(ctx, tx, id); err != nil {
			return nil, err
		}
		return nil, ErrVersionConflict
	}
	p, err := getPattern(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return p, nil
}

// MergeInto folds a duplicate pattern into a canonical one in a single transaction.
func (s *SQLiteStore) MergeInto(ctx context.Context, canonicalID, duplicateID string) error {
	if canonicalID == duplicateID {
		return fmt.Errorf("%w: cannot merge a pattern into itself", ErrInvalidMerge)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	canon, err := getPattern(ctx, tx, canonicalID)
	if err != nil {
		return err
	}
	dup, err := getPattern(ctx, tx, duplicateID)
	if err != nil {
		return err
	}
	if !canon.Matchable() || dup.MergedInto != "" || dup.Status == pattern.StatusDeprecated {
		return fmt.Errorf("%w: %s into %s", ErrInvalidMerge, duplicateID, canonicalID)
	}

	now := toNanos(time.Now())
	stmts := []struct {
		q    string
		args []any
	}{
		{`UPDATE executions SET pattern_id = ? WHERE pattern_id = ?`, []any{canonicalID, duplicateID}},
		{`UPDATE gold_standard SET pattern_id = ? WHERE pattern_id = ?`, []any{canonicalID, duplicateID}},
		{`UPDATE experiments SET active = 0, ended_at = ? WHERE pattern_id = ? AND active = 1`, []any{now, duplicateID}},
		{`UPDATE patterns SET
			usage_count = usage_count + ?, success_count = success_count + ?, failure_count = failure_count + ?,
			from_gold_standard = (from_gold_standard OR ?),
			last_used_at = MAX(COALESCE(last_used_at, 0), COALESCE(?, 0)),
			version = version + 1, updated_at = ?
			WHERE id = ?`,
			[]any{dup.UsageCount, dup.SuccessCount, dup.FailureCount, dup.FromGoldStandard,
				nullNanos(dup.LastUsedAt), now, canonicalID}},
		{`UPDATE patterns SET status = 'deprecated', auto_executable = 0, merged_into = ?,
			version = version + 1, updated_at = ? WHERE id = ?`, []any{canonicalID, now, duplicateID}},
	}
	for _, st := range stmts {
		if _, err := tx.ExecContext(ctx, st.q, st.args...); err != nil {
			return fmt.Errorf("merge %s into %s: %w", duplicateID, canonicalID, err)
		}
	}
	// A canonical pattern that was never used keeps a NULL last_used_at.
	if _, err := tx.ExecContext(ctx, `UPDATE patterns SET last_used_at = NULL WHERE id = ? AND last_used_at = 0`, canonicalID); err != nil {
		return fmt.Errorf("merge %s into %s: %w", duplicateID, canonicalID, err)
	}
	return tx.Commit()
}

// LoadActiveConversation returns the non-closed state.
func (s *SQLiteStore) LoadActiveConversation(ctx context.Context, conversationID string) (*pattern.ConversationState, error) {
	st, err := scanConversation(s.db.QueryRowContext(ctx,
		`SELECT version, data FROM conversations WHERE conversation_id = ? AND phase != 'closed'`, conversationID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("conversation %s: %w", conversationID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("load conversation: %w", err)
	}
	return st, nil
}

func scanConversation(r rowScanner) (*pattern.ConversationState, error) {
	var (
		version int64
		data    string
	)
	if err := r.Scan(&version, &data); err != nil {
		return nil, err
	}
	var st pattern.ConversationState
	if err := json.Unmarshal([]byte(data), &st); err != nil {
		return nil, fmt.Errorf("decode conversation state: %w", err)
	}
	st.Version = version
	if st.Context == nil {
		st.Context = map[string]any{}
	}
	return &st, nil
}

// SaveConversation inserts or version-checked updates a state.
func (s *SQLiteStore) SaveConversation(ctx context.Context, st *pattern.ConversationState) error {
	if !st.Phase.Valid() {
		return fmt.Errorf("invalid phase %q", st.Phase)
	}
	next := st.Clone()
	next.Version = st.Version + 1
	data, err := json.Marshal(next)
	if err != nil {
		return fmt.Errorf("encode conversation state: %w", err)
	}

	var res sql.Result
	if st.Version == 0 {
		res, err = s.db.ExecContext(ctx, `INSERT INTO conversations
			(id, conversation_id, phase, version, last_activity_at, expires_at, data)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			st.ID, st.ConversationID, string(st.Phase), next.Version, toNanos(st.LastActivityAt), nullNanos(st.ExpiresAt), string(data))
	} else {
		res, err = s.db.ExecContext(ctx, `UPDATE conversations
			SET phase = ?, version = ?, last_activity_at = ?, expires_at = ?, data = ?
			WHERE id = ? AND version = ?`,
			string(st.Phase), next.Version, toNanos(st.LastActivityAt), nullNanos(st.ExpiresAt), string(data),
			st.ID, st.Version)
	}
	if err != nil {
		switch constraintCode(err) {
		case sqlite3.SQLITE_CONSTRAINT_UNIQUE:
			return ErrActiveConversationExists
		case sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
			return ErrVersionConflict
		}
		return fmt.Errorf("save conversation: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrVersionConflict
	}
	st.Version = next.Version
	return nil
}

func (s *SQLiteStore) listConversations(ctx context.Context, q string, args ...any) ([]*pattern.ConversationState, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()

	var out []*pattern.ConversationState
	for rows.Next() {
		st, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

// ListExpiredConfirmations returns states whose confirmation window has passed.
func (s *SQLiteStore) ListExpiredConfirmations(ctx context.Context, now time.Time) ([]*pattern.ConversationState, error) {
	return s.listConversations(ctx, `SELECT version, data FROM conversations
		WHERE phase = 'awaiting_confirmation' AND expires_at IS NOT NULL AND expires_at <= ?
		ORDER BY expires_at ASC`, toNanos(now))
}

// ListIdleConversations returns active states idle since before.
func (s *SQLiteStore) ListIdleConversations(ctx context.Context, before time.Time, limit int) ([]*pattern.ConversationState, error) {
	q, args := withPage(`SELECT version, data FROM conversations
		WHERE phase != 'closed' AND last_activity_at < ?
		ORDER BY last_activity_at ASC`, []any{toNanos(before)}, limit, 0)
	return s.listConversations(ctx, q, args...)
}

// EnqueueEvent defers an event for a conversation.
func (s *SQLiteStore) EnqueueEvent(ctx context.Context, conversationID string, payload []byte) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO deferred_events (conversation_id, payload, enqueued_at) VALUES (?, ?, ?)`,
		conversationID, payload, toNanos(time.Now()))
	if err != nil {
		return fmt.Errorf("enqueue event: %w", err)
	}
	return nil
}

// PendingEvents returns the deferred events for a conversation.
func (s *SQLiteStore) PendingEvents(ctx context.Context, conversationID string) ([]DeferredEvent, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT seq, payload FROM deferred_events WHERE conversation_id = ? ORDER BY seq ASC`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("pending events: %w", err)
	}
	defer rows.Close()
	var out []DeferredEvent
	for rows.Next() {
		var ev DeferredEvent
		if err := rows.Scan(&ev.Seq, &ev.Payload); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// AckEvent removes a replayed event.
func (s *SQLiteStore) AckEvent(ctx context.Context, conversationID string, seq int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM deferred_events WHERE conversation_id = ? AND seq = ?`, conversationID, seq)
	if err != nil {
		return fmt.Errorf("ack event: %w", err)
	}
	return nil
}

// ListQueuedConversations returns conversations with deferred events.
func (s *SQLiteStore) ListQueuedConversations(ctx context.Context, limit int) ([]string, error) {
	q, args := withPage(`SELECT conversation_id FROM deferred_events
		GROUP BY conversation_id ORDER BY MIN(seq) ASC`, nil, limit, 0)
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list queued conversations: %w", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan conversation id: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

const experimentColumns = `id, pattern_id, control_template, control_trials, control_successes,
	challenger_template, challenger_trials, challenger_successes, fraction, active, winner, started_at, ended_at`

func scanExperiment(r rowScanner) (*pattern.Experiment, error) {
	var (
		e       pattern.Experiment
		started int64
		ended   sql.NullInt64
	)
	err := r.Scan(&e.ID, &e.PatternID, &e.Control.ResponseTemplate, &e.Control.Trials, &e.Control.Successes,
		&e.Challenger.ResponseTemplate, &e.Challenger.Trials, &e.Challenger.Successes, &e.Fraction, &e.Active,
		&e.Winner, &started, &ended)
	if err != nil {
		return nil, err
	}
	e.Control.Name = pattern.VariantControl
	e.Challenger.Name = pattern.VariantChallenger
	e.StartedAt = fromNanos(started)
	e.EndedAt = nullTime(ended)
	return &e, nil
}

// SaveExperiment inserts or replaces an experiment.
func (s *SQLiteStore) SaveExperiment(ctx context.Context, e *pattern.Experiment) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO experiments (`+experimentColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			control_template = excluded.control_template,
			control_trials = excluded.control_trials,
			control_successes = excluded.control_successes,
			challenger_template = excluded.challenger_template,
			challenger_trials = excluded.challenger_trials,
			challenger_successes = excluded.challenger_successes,
			fraction = excluded.fraction,
			active = excluded.active,
			winner = excluded.winner,
			ended_at = excluded.ended_at`,
		e.ID, e.PatternID, e.Control.ResponseTemplate, e.Control.Trials, e.Control.Successes,
		e.Challenger.ResponseTemplate, e.Challenger.Trials, e.Challenger.Successes, e.Fraction, e.Active,
		e.Winner, toNanos(e.StartedAt), nullNanos(e.EndedAt))
	if err != nil {
		if constraintCode(err) == sqlite3.SQLITE_CONSTRAINT_UNIQUE {
			return fmt.Errorf("pattern %s already has an active experiment", e.PatternID)
		}
		return fmt.Errorf("save experiment: %w", err)
	}
	return nil
}

// ActiveExperiment returns the running experiment for a pattern.
func (s *SQLiteStore) ActiveExperiment(ctx context.Context, patternID string) (*pattern.Experiment, error) {
	e, err := scanExperiment(s.db.QueryRowContext(ctx,
		`SELECT `+experimentColumns+` FROM experiments WHERE pattern_id = ? AND active = 1`, patternID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("experiment for %s: %w", patternID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get experiment: %w", err)
	}
	return e, nil
}

// ListActiveExperiments returns all running experiments.
func (s *SQLiteStore) ListActiveExperiments(ctx context.Context) ([]*pattern.Experiment, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+experimentColumns+` FROM experiments WHERE active = 1 ORDER BY started_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("list experiments: %w", err)
	}
	defer rows.Close()

	var out []*pattern.Experiment
	for rows.Next() {
		e, err := scanExperiment(rows)
		if err != nil {
			return nil, fmt.Errorf("scan experiment: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// RecordVariantOutcome adds a trial to a variant.
func (s *SQLiteStore) RecordVariantOutcome(ctx context.Context, experimentID, variant string, success bool) error {
	var q string
	switch variant {
	case pattern.VariantControl:
		q = `UPDATE experiments SET control_trials = control_trials + 1, control_successes = control_successes + ? WHERE id = ?`
	case pattern.VariantChallenger:
		q = `UPDATE experiments SET challenger_trials = challenger_trials + 1, challenger_successes = challenger_successes + ? WHERE id = ?`
	default:
		return fmt.Errorf("unknown variant %q", variant)
	}
	inc := 0
	if success {
		inc = 1
	}
	res, err := s.db.ExecContext(ctx, q, inc, experimentID)
	if err != nil {
		return fmt.Errorf("record variant outcome: %w", err)
	}
	return requireRow(res, "experiment", experimentID)
}

func requireRow(res sql.Result, kind, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%s %s: %w", kind, id, ErrNotFound)
	}
	return nil
}

func constraintCode(err error) int {
	var se *sqlite.Error
	if errors.As(err, &se) {
		return se.Code()
	}
	return 0
}

func encodeAction(a *pattern.Action) (string, error) {
	if a == nil {
		return "", nil
	}
	raw, err := json.Marshal(a)
	if err != nil {
		return "", fmt.Errorf("encode action: %w", err)
	}
	return string(raw), nil
}

func encodeVector(v []float32) []byte {
	if len(v) == 0 {
		return nil
	}
	buf := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

func decodeVector(b []byte) []float32 {
	if len(b) == 0 || len(b)%4 != 0 {
		return nil
	}
	v := make([]float32, len(b)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return v
}

func toNanos(t time.Time) int64 {
	return t.UTC().UnixNano()
}

func fromNanos(n int64) time.Time {
	return time.Unix(0, n).UTC()
}

func nullNanos(t *time.Time) any {
	if t == nil {
		return nil
	}
	return toNanos(*t)
}

func nullTime(n sql.NullInt64) *time.Time {
	if !n.Valid || n.Int64 == 0 {
		return nil
	}
	t := fromNanos(n.Int64)
	return &t
}
