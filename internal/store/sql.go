package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"vrpopt/internal/model"
)

//go:embed schema/*.sql
var schemaFS embed.FS

// dialect holds what differs between the SQL backends. Queries are written
// with $n placeholders, each used once and in order, and rebound to ? for
// SQLite.
type dialect struct {
	name        string
	schema      string
	questionArg bool
}

var (
	postgresDialect = dialect{name: "postgres", schema: "schema/postgres.sql"}
	sqliteDialect   = dialect{name: "sqlite", schema: "schema/sqlite.sql", questionArg: true}
)

func (d dialect) rebind(q string) string {
	if !d.questionArg {
		return q
	}
	var b strings.Builder
	b.Grow(len(q))
	for i := 0; i < len(q); i++ {
		if q[i] == '$' && i+1 < len(q) && q[i+1] >= '0' && q[i+1] <= '9' {
			b.WriteByte('?')
			for i+1 < len(q) && q[i+1] >= '0' && q[i+1] <= '9' {
				i++
			}
			continue
		}
		b.WriteByte(q[i])
	}
	return b.String()
}

// sqlStore implements ModelStore over database/sql.
type sqlStore struct {
	db *sql.DB
	d  dialect
}

func (s *sqlStore) migrate(ctx context.Context) error {
	raw, err := schemaFS.ReadFile(s.d.schema)
	if err != nil {
		return fmt.Errorf("read schema: %w", err)
	}
	for _, stmt := range strings.Split(string(raw), ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate %s: %w", s.d.name, err)
		}
	}
	return nil
}

func (s *sqlStore) exec(ctx context.Context, q string, args ...any) (sql.Result, error) {
	return s.db.ExecContext(ctx, s.d.rebind(q), args...)
}

const modelColumns = `name, version, model_type, file_path, is_active, metrics, hyperparameters, trained_episodes, created_at, updated_at`

func (s *sqlStore) UpsertModel(ctx context.Context, m model.ModelInfo) error {
	if m.Name == "" {
		return fmt.Errorf("upsert model: name required")
	}
	metrics, err := encodeJSON(m.Metrics)
	if err != nil {
		return fmt.Errorf("upsert model: metrics: %w", err)
	}
	hp, err := encodeJSON(m.Hyperparameters)
	if err != nil {
		return fmt.Errorf("upsert model: hyperparameters: %w", err)
	}
	now := time.Now().UnixMilli()
	_, err = s.exec(ctx, `INSERT INTO rl_models (name, version, model_type, file_path, metrics, hyperparameters, trained_episodes, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
ON CONFLICT (name) DO UPDATE SET
  version = excluded.version,
  model_type = excluded.model_type,
  file_path = excluded.file_path,
  metrics = excluded.metrics,
  hyperparameters = excluded.hyperparameters,
  trained_episodes = excluded.trained_episodes,
  updated_at = excluded.updated_at`,
		m.Name, m.Version, m.ModelType, m.FilePath, metrics, hp, m.TrainedEpisodes, now, now)
	if err != nil {
		return fmt.Errorf("upsert model %q: %w", m.Name, err)
	}
	return nil
}

func (s *sqlStore) GetModel(ctx context.Context, name string) (model.ModelInfo, error) {
	row := s.db.QueryRowContext(ctx, s.d.rebind(`SELECT `+modelColumns+` FROM rl_models WHERE name = $1`), name)
	m, err := scanModel(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.ModelInfo{}, ErrNotFound
	}
	if err != nil {
		return model.ModelInfo{}, fmt.Errorf("get model %q: %w", name, err)
	}
	return m, nil
}

func (s *sqlStore) ListModels(ctx context.Context) ([]model.ModelInfo, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+modelColumns+` FROM rl_models ORDER BY updated_at DESC, name`)
	if err != nil {
		return nil, fmt.Errorf("list models: %w", err)
	}
	defer rows.Close()
	out := []model.ModelInfo{}
	for rows.Next() {
		m, err := scanModel(rows)
		if err != nil {
			return nil, fmt.Errorf("list models: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *sqlStore) ActivateModel(ctx context.Context, name string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var one int
	err = tx.QueryRowContext(ctx, s.d.rebind(`SELECT 1 FROM rl_models WHERE name = $1`), name).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("activate model %q: %w", name, err)
	}
	if _, err := tx.ExecContext(ctx,
		s.d.rebind(`UPDATE rl_models SET is_active = (name = $1), updated_at = $2 WHERE is_active OR name = $3`),
		name, time.Now().UnixMilli(), name); err != nil {
		return fmt.Errorf("activate model %q: %w", name, err)
	}
	return tx.Commit()
}

func (s *sqlStore) ActiveModel(ctx context.Context) (model.ModelInfo, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+modelColumns+` FROM rl_models WHERE is_active ORDER BY updated_at DESC LIMIT 1`)
	m, err := scanModel(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.ModelInfo{}, ErrNotFound
	}
	if err != nil {
		return model.ModelInfo{}, fmt.Errorf("active model: %w", err)
	}
	return m, nil
}

func (s *sqlStore) DeleteModel(ctx context.Context, name string) (model.ModelInfo, error) {
	row := s.db.QueryRowContext(ctx, s.d.rebind(`DELETE FROM rl_models WHERE name = $1 RETURNING `+modelColumns), name)
	m, err := scanModel(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.ModelInfo{}, ErrNotFound
	}
	if err != nil {
		return model.ModelInfo{}, fmt.Errorf("delete model %q: %w", name, err)
	}
	return m, nil
}

func (s *sqlStore) RecordHistory(ctx context.Context, e model.HistoryEntry) error {
	hp, err := encodeJSON(e.Hyperparameters)
	if err != nil {
		return fmt.Errorf("record history: hyperparameters: %w", err)
	}
	created := e.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	_, err = s.exec(ctx, `INSERT INTO training_history
  (model_name, run_id, episode, total_reward, avg_reward, avg_distance, avg_deliveries, epsilon, loss, training_time_seconds, hyperparameters, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		e.ModelName, e.RunID, e.Episode, e.TotalReward, e.AvgReward, e.AvgDistance, e.AvgDeliveries,
		e.Epsilon, e.Loss, e.TrainingTimeSeconds, hp, created.UnixMilli())
	if err != nil {
		return fmt.Errorf("record history for %q: %w", e.ModelName, err)
	}
	return nil
}

func (s *sqlStore) ListHistory(ctx context.Context, name string, limit int) ([]model.HistoryEntry, error) {
	q := `SELECT model_name, run_id, episode, total_reward, avg_reward, avg_distance, avg_deliveries, epsilon, loss, training_time_seconds, hyperparameters, created_at
FROM training_history WHERE model_name = $1 ORDER BY id DESC`
	args := []any{name}
	if limit > 0 {
		q += ` LIMIT $2`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, s.d.rebind(q), args...)
	if err != nil {
		return nil, fmt.Errorf("list history for %q: %w", name, err)
	}
	defer rows.Close()
	out := []model.HistoryEntry{}
	for rows.Next() {
		var (
			e       model.HistoryEntry
			runID   sql.NullString
			hp      []byte
			created int64
		)
		if err := rows.Scan(&e.ModelName, &runID, &e.Episode, &e.TotalReward, &e.AvgReward, &e.AvgDistance,
			&e.AvgDeliveries, &e.Epsilon, &e.Loss, &e.TrainingTimeSeconds, &hp, &created); err != nil {
			return nil, fmt.Errorf("list history for %q: %w", name, err)
		}
		e.RunID = runID.String
		e.CreatedAt = time.UnixMilli(created).UTC()
		if e.Hyperparameters, err = decodeJSON(hp); err != nil {
			return nil, fmt.Errorf("list history for %q: %w", name, err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	slices.Reverse(out)
	return out, nil
}

func (s *sqlStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *sqlStore) Close() error { return s.db.Close() }

type rowScanner interface {
	Scan(dest ...any) error
}

func scanModel(r rowScanner) (model.ModelInfo, error) {
	var (
		m                model.ModelInfo
		metrics, hp      []byte
		created, updated int64
	)
	if err := r.Scan(&m.Name, &m.Version, &m.ModelType, &m.FilePath, &m.IsActive, &metrics, &hp,
		&m.TrainedEpisodes, &created, &updated); err != nil {
		return model.ModelInfo{}, err
	}
	var err error
	if m.Metrics, err = decodeJSON(metrics); err != nil {
		return model.ModelInfo{}, fmt.Errorf("metrics: %w", err)
	}
	if m.Hyperparameters, err = decodeJSON(hp); err != nil {
		return model.ModelInfo{}, fmt.Errorf("hyperparameters: %w", err)
	}
	m.CreatedAt = time.UnixMilli(created).UTC()
	m.UpdatedAt = time.UnixMilli(updated).UTC()
	return m, nil
}

// encodeJSON returns nil for an empty map so the column stays NULL.
func encodeJSON(v map[string]any) (any, error) {
	if len(v) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func decodeJSON(b []byte) (map[string]any, error) {
	if len(b) == 0 {
		return nil, nil
	}
	var out map[string]any
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, err
	}
	return out, nil
}
