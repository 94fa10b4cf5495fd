// Package feedback stores solved interactions and user feedback.
//
// Rows live in SQLite and are mirrored into a vector collection for
// similarity search. The two writes are not atomic: a row is inserted first
// with a NULL embedding_id, then embedded, upserted and marked indexed. A row
// whose indexing failed stays pending and is picked up by Repair.
package feedback

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/fyrsmithlabs/mathmentor/internal/embeddings"
	"github.com/fyrsmithlabs/mathmentor/internal/events"
	"github.com/fyrsmithlabs/mathmentor/internal/problem"
	"github.com/fyrsmithlabs/mathmentor/internal/resilience"
	"github.com/fyrsmithlabs/mathmentor/internal/vectorstore"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

var tracer = otel.Tracer("mathmentor.feedback")

var (
	// ErrInteractionNotFound is returned for an unknown interaction id.
	ErrInteractionNotFound = errors.New("interaction not found")

	// ErrEmbeddingPending means the row was stored but is not yet searchable.
	ErrEmbeddingPending = errors.New("interaction stored, embedding pending")

	// ErrPersistence wraps failures writing the relational store.
	ErrPersistence = errors.New("persistence failure")
)

// Vector metadata keys.
const (
	MetaTopic         = "topic"
	MetaInteractionID = "interaction_id"
	MetaFeedback      = "feedback"
)

const tsLayout = "2006-01-02T15:04:05.000000000Z07:00"

const schema = `
CREATE TABLE IF NOT EXISTS interactions (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	timestamp TEXT NOT NULL,
	input_type TEXT NOT NULL DEFAULT 'text',
	raw_input TEXT NOT NULL,
	parsed_problem TEXT NOT NULL,
	topic TEXT NOT NULL,
	solution TEXT,
	verification TEXT,
	verification_score REAL,
	user_feedback TEXT NOT NULL DEFAULT 'none',
	feedback_comment TEXT NOT NULL DEFAULT '',
	corrected_solution TEXT NOT NULL DEFAULT '',
	embedding_id TEXT UNIQUE
);

CREATE TABLE IF NOT EXISTS feedback_log (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	interaction_id INTEGER NOT NULL REFERENCES interactions(id),
	feedback_type TEXT NOT NULL,
	comment TEXT NOT NULL DEFAULT '',
	corrected_solution TEXT NOT NULL DEFAULT '',
	timestamp TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_interactions_topic ON interactions(topic);
CREATE INDEX IF NOT EXISTS idx_interactions_feedback ON interactions(user_feedback);
CREATE INDEX IF NOT EXISTS idx_interactions_embedding ON interactions(embedding_id);
CREATE INDEX IF NOT EXISTS idx_feedback_log_interaction ON feedback_log(interaction_id);
`

const interactionColumns = `id, timestamp, input_type, raw_input, parsed_problem, solution,
	verification, user_feedback, feedback_comment, corrected_solution, embedding_id`

// EventPublisher receives feedback notifications.
type EventPublisher interface {
	PublishFeedback(ctx context.Context, ev events.FeedbackEvent) error
}

// Options configures a Store.
type Options struct {
	// Collection is the vector collection mirroring interactions.
	Collection  string
	BusyTimeout time.Duration
	Policy      resilience.Policy

	// Events is optional.
	Events EventPublisher
}

// FeedbackInput is a user's verdict on an interaction.
type FeedbackInput struct {
	Type              problem.FeedbackType `json:"feedback_type"`
	Comment           string               `json:"comment,omitempty"`
	CorrectedSolution string               `json:"corrected_solution,omitempty"`
}

// Similar is a past interaction matched by FindSimilar.
type Similar struct {
	Interaction problem.Interaction `json:"interaction"`
	Relevance   float64             `json:"relevance"`
}

// CategoryStats aggregates feedback for one topic.
type CategoryStats struct {
	Category             problem.Category `json:"topic"`
	Total                int              `json:"total"`
	Correct              int              `json:"correct"`
	Partial              int              `json:"partial"`
	Incorrect            int              `json:"incorrect"`
	AvgVerificationScore float64          `json:"avg_verification_score"`
}

// Comment is one feedback_log entry.
type Comment struct {
	InteractionID     int64                `json:"interaction_id"`
	Type              problem.FeedbackType `json:"feedback_type"`
	Comment           string               `json:"comment"`
	CorrectedSolution string               `json:"corrected_solution,omitempty"`
	Timestamp         time.Time            `json:"timestamp"`
}

// Store is the interaction and feedback store.
type Store struct {
	db       *sql.DB
	index    vectorstore.Index
	embedder embeddings.Embedder
	opts     Options
	locks    *keyedMutex
	logger   *zap.Logger
	now      func() time.Time
}

// Open opens (creating if needed) the SQLite database at path.
func Open(path string, index vectorstore.Index, embedder embeddings.Embedder, opts Options, logger *zap.Logger) (*Store, error) {
	if index == nil || embedder == nil {
		return nil, fmt.Errorf("feedback: index and embedder are required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Collection == "" {
		opts.Collection = "interactions"
	}
	if opts.BusyTimeout <= 0 {
		opts.BusyTimeout = 5 * time.Second
	}
	opts.Policy.ApplyDefaults()

	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating store directory: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_txlock=immediate",
		path, opts.BusyTimeout.Milliseconds())
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing schema: %w", err)
	}

	logger.Info("feedback store opened", zap.String("path", path))
	return &Store{
		db:       db,
		index:    index,
		embedder: embedder,
		opts:     opts,
		locks:    newKeyedMutex(),
		logger:   logger,
		now:      time.Now,
	}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// EmbeddingID is the vector document id of an interaction.
func EmbeddingID(id int64) string {
	return "interaction_" + strconv.FormatInt(id, 10)
}

// Persist records a solved interaction and indexes it for similarity search.
//
// The row is committed before indexing. If indexing fails the id is still
// returned, together with an error wrapping ErrEmbeddingPending.
func (s *Store) Persist(ctx context.Context, in problem.Interaction) (int64, error) {
	ctx, span := tracer.Start(ctx, "Store.Persist")
	defer span.End()

	if in.InputType == "" {
		in.InputType = "text"
	}
	if in.Feedback == "" {
		in.Feedback = problem.FeedbackNone
	}
	if in.Timestamp.IsZero() {
		in.Timestamp = s.now()
	}

	parsed, err := json.Marshal(in.Problem)
	if err != nil {
		return 0, fmt.Errorf("%w: encoding problem: %v", ErrPersistence, err)
	}
	solution, err := nullJSON(in.Solution)
	if err != nil {
		return 0, fmt.Errorf("%w: encoding solution: %v", ErrPersistence, err)
	}
	verification, err := nullJSON(in.Verification)
	if err != nil {
		return 0, fmt.Errorf("%w: encoding verification: %v", ErrPersistence, err)
	}
	var score sql.NullFloat64
	if in.Verification != nil {
		score = sql.NullFloat64{Float64: in.Verification.Confidence, Valid: true}
	}

	id, err := resilience.Do(ctx, s.opts.Policy, "insert interaction", func(ctx context.Context) (int64, error) {
		res, err := s.db.ExecContext(ctx, `
			INSERT INTO interactions (timestamp, input_type, raw_input, parsed_problem, topic,
				solution, verification, verification_score, user_feedback, feedback_comment, corrected_solution)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			formatTime(in.Timestamp), in.InputType, in.RawInput, string(parsed), in.Problem.Category.String(),
			solution, verification, score, string(in.Feedback), in.FeedbackComment, in.CorrectedSolution,
		)
		if err != nil {
			return 0, err
		}
		return res.LastInsertId()
	})
	if err != nil {
		span.RecordError(err)
		return 0, fmt.Errorf("%w: inserting interaction: %w", ErrPersistence, err)
	}
	span.SetAttributes(attribute.Int64("interaction_id", id))

	unlock := s.locks.Lock(id)
	defer unlock()

	in.ID = id
	if err := s.indexInteraction(ctx, &in); err != nil {
		span.RecordError(err)
		s.logger.Warn("interaction stored but not indexed",
			zap.Int64("interaction_id", id),
			zap.Error(err),
		)
		return id, fmt.Errorf("%w: %w", ErrEmbeddingPending, err)
	}
	return id, nil
}

// indexInteraction embeds, upserts and marks a row indexed. The caller holds
// the row's lock. Safe to repeat: the vector id is derived from the row id and
// embedding_id is only written while NULL.
func (s *Store) indexInteraction(ctx context.Context, in *problem.Interaction) error {
	vec, err := resilience.Do(ctx, s.opts.Policy, "embed interaction", func(ctx context.Context) ([]float32, error) {
		return s.embedder.EmbedQuery(ctx, embedText(in))
	})
	if err != nil {
		return fmt.Errorf("embedding interaction %d: %w", in.ID, err)
	}

	embID := EmbeddingID(in.ID)
	doc := vectorstore.Document{
		ID:      embID,
		Content: in.Problem.Text,
		Metadata: map[string]string{
			MetaTopic:         in.Problem.Category.String(),
			MetaInteractionID: strconv.FormatInt(in.ID, 10),
			MetaFeedback:      string(in.Feedback),
		},
		Embedding: vec,
	}
	err = resilience.Run(ctx, s.opts.Policy, "upsert interaction vector", func(ctx context.Context) error {
		return s.index.Upsert(ctx, s.opts.Collection, []vectorstore.Document{doc})
	})
	if err != nil {
		return fmt.Errorf("indexing interaction %d: %w", in.ID, err)
	}

	err = resilience.Run(ctx, s.opts.Policy, "mark interaction indexed", func(ctx context.Context) error {
		_, err := s.db.ExecContext(ctx,
			`UPDATE interactions SET embedding_id = ? WHERE id = ? AND embedding_id IS NULL`, embID, in.ID)
		return err
	})
	if err != nil {
		return fmt.Errorf("%w: marking interaction %d indexed: %w", ErrPersistence, in.ID, err)
	}
	in.EmbeddingID = &embID
	return nil
}

func embedText(in *problem.Interaction) string {
	if in.Solution == nil || in.Solution.FinalAnswer == "" {
		return in.Problem.Text
	}
	return in.Problem.Text + "\n" + in.Solution.FinalAnswer
}

// RecordFeedback stores a verdict for an interaction.
//
// The feedback_log insert and the interaction update commit together. The
// vector metadata refresh and event publication afterwards are best effort.
func (s *Store) RecordFeedback(ctx context.Context, id int64, in FeedbackInput) error {
	ctx, span := tracer.Start(ctx, "Store.RecordFeedback")
	defer span.End()
	span.SetAttributes(attribute.Int64("interaction_id", id))

	ft, err := problem.ParseFeedbackType(string(in.Type))
	if err != nil {
		return err
	}

	unlock := s.locks.Lock(id)
	defer unlock()

	ts := s.now()
	err = resilience.Run(ctx, s.opts.Policy, "record feedback", func(ctx context.Context) error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()

		var exists int
		err = tx.QueryRowContext(ctx, `SELECT 1 FROM interactions WHERE id = ?`, id).Scan(&exists)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: %d", ErrInteractionNotFound, id)
		}
		if err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO feedback_log (interaction_id, feedback_type, comment, corrected_solution, timestamp)
			VALUES (?, ?, ?, ?, ?)`,
			id, string(ft), in.Comment, in.CorrectedSolution, formatTime(ts),
		); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE interactions SET user_feedback = ?, feedback_comment = ?, corrected_solution = ?
			WHERE id = ?`,
			string(ft), in.Comment, in.CorrectedSolution, id,
		); err != nil {
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		span.RecordError(err)
		if errors.Is(err, ErrInteractionNotFound) {
			return err
		}
		return fmt.Errorf("%w: recording feedback: %w", ErrPersistence, err)
	}

	row, err := s.get(ctx, id)
	if err != nil {
		s.logger.Warn("reloading interaction after feedback", zap.Int64("interaction_id", id), zap.Error(err))
		return nil
	}
	if row.Indexed() {
		if err := s.refreshVector(ctx, row); err != nil {
			s.logger.Warn("refreshing interaction vector metadata",
				zap.Int64("interaction_id", id),
				zap.Error(err),
			)
		}
	}

	if s.opts.Events != nil {
		ev := events.FeedbackEvent{
			InteractionID: id,
			Type:          ft,
			Category:      row.Problem.Category,
			Comment:       in.Comment,
			Timestamp:     ts.UTC(),
		}
		if err := s.opts.Events.PublishFeedback(ctx, ev); err != nil {
			s.logger.Warn("publishing feedback event", zap.Int64("interaction_id", id), zap.Error(err))
		}
	}

	s.logger.Info("feedback recorded",
		zap.Int64("interaction_id", id),
		zap.String("feedback_type", string(ft)),
	)
	return nil
}

// refreshVector re-upserts an indexed row so its feedback metadata is current.
func (s *Store) refreshVector(ctx context.Context, row *problem.Interaction) error {
	vec, err := resilience.Do(ctx, s.opts.Policy, "embed interaction", func(ctx context.Context) ([]float32, error) {
		return s.embedder.EmbedQuery(ctx, embedText(row))
	})
	if err != nil {
		return err
	}
	doc := vectorstore.Document{
		ID:      *row.EmbeddingID,
		Content: row.Problem.Text,
		Metadata: map[string]string{
			MetaTopic:         row.Problem.Category.String(),
			MetaInteractionID: strconv.FormatInt(row.ID, 10),
			MetaFeedback:      string(row.Feedback),
		},
		Embedding: vec,
	}
	return resilience.Run(ctx, s.opts.Policy, "upsert interaction vector", func(ctx context.Context) error {
		return s.index.Upsert(ctx, s.opts.Collection, []vectorstore.Document{doc})
	})
}

// Get loads one interaction.
func (s *Store) Get(ctx context.Context, id int64) (*problem.Interaction, error) {
	return s.get(ctx, id)
}

func (s *Store) get(ctx context.Context, id int64) (*problem.Interaction, error) {
	rows, err := s.load(ctx, "load interaction",
		`SELECT `+interactionColumns+` FROM interactions WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("%w: %d", ErrInteractionNotFound, id)
	}
	return &rows[0], nil
}

// FindSimilar returns indexed interactions similar to text, most similar
// first. filter matches vector metadata (topic, feedback). Rows still
// pending indexing are never returned.
func (s *Store) FindSimilar(ctx context.Context, text string, k int, filter map[string]string) ([]Similar, error) {
	ctx, span := tracer.Start(ctx, "Store.FindSimilar")
	defer span.End()

	if k <= 0 || strings.TrimSpace(text) == "" {
		return []Similar{}, nil
	}

	vec, err := resilience.Do(ctx, s.opts.Policy, "embed similarity query", func(ctx context.Context) ([]float32, error) {
		return s.embedder.EmbedQuery(ctx, text)
	})
	if err != nil {
		return nil, fmt.Errorf("embedding similarity query: %w", err)
	}
	hits, err := resilience.Do(ctx, s.opts.Policy, "query interactions", func(ctx context.Context) ([]vectorstore.SearchResult, error) {
		return s.index.Query(ctx, s.opts.Collection, vec, k, filter)
	})
	if err != nil {
		return nil, fmt.Errorf("querying interactions: %w", err)
	}
	if len(hits) == 0 {
		return []Similar{}, nil
	}

	ids := make([]any, 0, len(hits))
	for _, h := range hits {
		id, err := strconv.ParseInt(h.Metadata[MetaInteractionID], 10, 64)
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	if len(ids) == 0 {
		return []Similar{}, nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	rows, err := s.load(ctx, "load similar interactions",
		`SELECT `+interactionColumns+` FROM interactions
		 WHERE id IN (`+placeholders+`) AND embedding_id IS NOT NULL`, ids...)
	if err != nil {
		return nil, err
	}
	byID := make(map[int64]problem.Interaction, len(rows))
	for _, r := range rows {
		byID[r.ID] = r
	}

	out := make([]Similar, 0, len(rows))
	for _, h := range hits {
		id, _ := strconv.ParseInt(h.Metadata[MetaInteractionID], 10, 64)
		row, ok := byID[id]
		if !ok {
			continue
		}
		out = append(out, Similar{Interaction: row, Relevance: problem.Clamp01(h.Relevance())})
	}
	span.SetAttributes(attribute.Int("results_count", len(out)))
	return out, nil
}

// StatsByCategory aggregates feedback per topic.
func (s *Store) StatsByCategory(ctx context.Context) ([]CategoryStats, error) {
	return resilience.Do(ctx, s.opts.Policy, "category stats", func(ctx context.Context) ([]CategoryStats, error) {
		rows, err := s.db.QueryContext(ctx, `
			SELECT topic,
				COUNT(*),
				SUM(CASE WHEN user_feedback = 'correct' THEN 1 ELSE 0 END),
				SUM(CASE WHEN user_feedback = 'partial' THEN 1 ELSE 0 END),
				SUM(CASE WHEN user_feedback = 'incorrect' THEN 1 ELSE 0 END),
				COALESCE(AVG(verification_score), 0)
			FROM interactions
			GROUP BY topic
			ORDER BY topic`)
		if err != nil {
			return nil, err
		}
		defer rows.Close()

		out := []CategoryStats{}
		for rows.Next() {
			var st CategoryStats
			var topic string
			if err := rows.Scan(&topic, &st.Total, &st.Correct, &st.Partial, &st.Incorrect, &st.AvgVerificationScore); err != nil {
				return nil, err
			}
			st.Category = problem.ParseCategory(topic)
			out = append(out, st)
		}
		return out, rows.Err()
	})
}

// History returns every interaction that received feedback, oldest first.
func (s *Store) History(ctx context.Context) ([]problem.Interaction, error) {
	return s.load(ctx, "load feedback history",
		`SELECT `+interactionColumns+` FROM interactions WHERE user_feedback != 'none' ORDER BY id`)
}

// Since returns interactions recorded at or after t, oldest first.
func (s *Store) Since(ctx context.Context, t time.Time) ([]problem.Interaction, error) {
	return s.load(ctx, "load recent interactions",
		`SELECT `+interactionColumns+` FROM interactions WHERE timestamp >= ? ORDER BY id`, formatTime(t))
}

// PendingEmbeddings returns up to limit rows not yet indexed, oldest first.
func (s *Store) PendingEmbeddings(ctx context.Context, limit int) ([]problem.Interaction, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.load(ctx, "load pending interactions",
		`SELECT `+interactionColumns+` FROM interactions WHERE embedding_id IS NULL ORDER BY id LIMIT ?`, limit)
}

// Comments returns non-empty feedback comments for a topic, newest first.
// An empty types slice matches every feedback type.
func (s *Store) Comments(ctx context.Context, category problem.Category, types []problem.FeedbackType, limit int) ([]Comment, error) {
	if limit <= 0 {
		limit = 5
	}
	query := `
		SELECT f.interaction_id, f.feedback_type, f.comment, f.corrected_solution, f.timestamp
		FROM feedback_log f JOIN interactions i ON i.id = f.interaction_id
		WHERE i.topic = ? AND f.comment != ''`
	args := []any{category.String()}
	if len(types) > 0 {
		query += ` AND f.feedback_type IN (` + strings.TrimSuffix(strings.Repeat("?,", len(types)), ",") + `)`
		for _, t := range types {
			args = append(args, string(t))
		}
	}
	query += ` ORDER BY f.timestamp DESC, f.id DESC LIMIT ?`
	args = append(args, limit)

	return resilience.Do(ctx, s.opts.Policy, "load feedback comments", func(ctx context.Context) ([]Comment, error) {
		rows, err := s.db.QueryContext(ctx, query, args...)
		if err != nil {
			return nil, err
		}
		defer rows.Close()

		out := []Comment{}
		for rows.Next() {
			var c Comment
			var ft, ts string
			if err := rows.Scan(&c.InteractionID, &ft, &c.Comment, &c.CorrectedSolution, &ts); err != nil {
				return nil, err
			}
			c.Type = problem.FeedbackType(ft)
			c.Timestamp = parseTime(ts)
			out = append(out, c)
		}
		return out, rows.Err()
	})
}

// RecurringComment is a feedback comment left more than once.
type RecurringComment struct {
	Comment string `json:"comment"`
	Count   int    `json:"count"`
}

// RecurringComments returns comments seen at least minCount times, most
// frequent first.
func (s *Store) RecurringComments(ctx context.Context, minCount, limit int) ([]RecurringComment, error) {
	if minCount < 1 {
		minCount = 2
	}
	if limit <= 0 {
		limit = 5
	}
	return resilience.Do(ctx, s.opts.Policy, "load recurring comments", func(ctx context.Context) ([]RecurringComment, error) {
		rows, err := s.db.QueryContext(ctx, `
			SELECT comment, COUNT(*) AS n
			FROM feedback_log
			WHERE comment != ''
			GROUP BY comment
			HAVING n >= ?
			ORDER BY n DESC, comment
			LIMIT ?`, minCount, limit)
		if err != nil {
			return nil, err
		}
		defer rows.Close()

		out := []RecurringComment{}
		for rows.Next() {
			var rc RecurringComment
			if err := rows.Scan(&rc.Comment, &rc.Count); err != nil {
				return nil, err
			}
			out = append(out, rc)
		}
		return out, rows.Err()
	})
}

func (s *Store) load(ctx context.Context, name, query string, args ...any) ([]problem.Interaction, error) {
	out, err := resilience.Do(ctx, s.opts.Policy, name, func(ctx context.Context) ([]problem.Interaction, error) {
		rows, err := s.db.QueryContext(ctx, query, args...)
		if err != nil {
			return nil, err
		}
		defer rows.Close()

		out := []problem.Interaction{}
		for rows.Next() {
			in, err := scanInteraction(rows)
			if err != nil {
				return nil, err
			}
			out = append(out, in)
		}
		return out, rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	return out, nil
}

func scanInteraction(rows *sql.Rows) (problem.Interaction, error) {
	var (
		in                     problem.Interaction
		ts, parsed, feedback   string
		solution, verification sql.NullString
		embID                  sql.NullString
	)
	if err := rows.Scan(&in.ID, &ts, &in.InputType, &in.RawInput, &parsed, &solution,
		&verification, &feedback, &in.FeedbackComment, &in.CorrectedSolution, &embID); err != nil {
		return in, err
	}
	in.Timestamp = parseTime(ts)
	in.Feedback = problem.FeedbackType(feedback)
	if err := json.Unmarshal([]byte(parsed), &in.Problem); err != nil {
		return in, fmt.Errorf("decoding problem of interaction %d: %w", in.ID, err)
	}
	if solution.Valid {
		in.Solution = &problem.Solution{}
		if err := json.Unmarshal([]byte(solution.String), in.Solution); err != nil {
			return in, fmt.Errorf("decoding solution of interaction %d: %w", in.ID, err)
		}
	}
	if verification.Valid {
		in.Verification = &problem.Verification{}
		if err := json.Unmarshal([]byte(verification.String), in.Verification); err != nil {
			return in, fmt.Errorf("decoding verification of interaction %d: %w", in.ID, err)
		}
	}
	if embID.Valid {
		id := embID.String
		in.EmbeddingID = &id
	}
	return in, nil
}

func nullJSON[T any](v *T) (sql.NullString, error) {
	if v == nil {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(tsLayout)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(tsLayout, s)
	if err != nil {
		t, _ = time.Parse(time.RFC3339Nano, s)
	}
	return t
}
