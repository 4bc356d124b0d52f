package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"pointerguard/pkg/database"
	"pointerguard/shared/types"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// Migrate applies (up=true) or rolls back the schema on a dedicated
// connection.
func Migrate(ctx context.Context, dsn string, up bool) error {
	db, err := database.Open(ctx, database.DBConfig{DSN: dsn, MaxOpenConns: 1})
	if err != nil {
		return err
	}
	mm, err := database.NewMigrationManager(db, migrationFS, "migrations")
	if err != nil {
		db.Close()
		return err
	}
	defer mm.Close()
	if up {
		return mm.Up()
	}
	return mm.Down()
}

// PostgresStore keeps every facet in Postgres.
type PostgresStore struct {
	db *sql.DB
}

// OpenPostgres migrates the schema and returns a connected store.
func OpenPostgres(ctx context.Context, dsn string) (*PostgresStore, error) {
	if err := Migrate(ctx, dsn, true); err != nil {
		return nil, err
	}
	db, err := database.Open(ctx, database.DBConfig{DSN: dsn})
	if err != nil {
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

func (s *PostgresStore) Close() error { return s.db.Close() }

func (s *PostgresStore) PutVector(ctx context.Context, fv *types.FeatureVector) error {
	features, err := json.Marshal(fv.Features)
	if err != nil {
		return fmt.Errorf("encode features: %w", err)
	}
	if fv.CreatedAt.IsZero() {
		fv.CreatedAt = time.Now().UTC()
	}
	var seq int64
	err = s.db.QueryRowContext(ctx, `
		INSERT INTO feature_vectors (identity_id, session_id, ts, features, created_at)
		VALUES ($1, $2, $3, $4, $5) RETURNING seq`,
		fv.IdentityID, fv.SessionID, fv.Timestamp, features, fv.CreatedAt,
	).Scan(&seq)
	if err != nil {
		return fmt.Errorf("insert vector: %w", err)
	}
	fv.Seq = uint64(seq)
	return nil
}

const vectorColumns = `seq, identity_id, session_id, ts, features, created_at`

func (s *PostgresStore) Vectors(ctx context.Context, identity string) ([]types.FeatureVector, error) {
	return s.queryVectors(ctx, `SELECT `+vectorColumns+` FROM feature_vectors WHERE identity_id = $1 ORDER BY seq`, identity)
}

func (s *PostgresStore) RecentVectors(ctx context.Context, identity string, n int) ([]types.FeatureVector, error) {
	if n <= 0 {
		return s.Vectors(ctx, identity)
	}
	out, err := s.queryVectors(ctx, `SELECT `+vectorColumns+` FROM feature_vectors WHERE identity_id = $1 ORDER BY seq DESC LIMIT $2`, identity, n)
	return reversed(out), err
}

func (s *PostgresStore) VectorsSince(ctx context.Context, identity string, afterSeq uint64, limit int) ([]types.FeatureVector, error) {
	if limit <= 0 {
		return s.queryVectors(ctx, `SELECT `+vectorColumns+` FROM feature_vectors WHERE identity_id = $1 AND seq > $2 ORDER BY seq`, identity, int64(afterSeq))
	}
	return s.queryVectors(ctx, `SELECT `+vectorColumns+` FROM feature_vectors WHERE identity_id = $1 AND seq > $2 ORDER BY seq LIMIT $3`, identity, int64(afterSeq), limit)
}

func (s *PostgresStore) VectorsExcluding(ctx context.Context, identity string, limit int) ([]types.FeatureVector, error) {
	q := `SELECT ` + vectorColumns + ` FROM feature_vectors WHERE identity_id <> $1 AND identity_id <> $2 ORDER BY seq`
	if limit > 0 {
		return s.queryVectors(ctx, q+` LIMIT $3`, identity, types.PopulationIdentity, limit)
	}
	return s.queryVectors(ctx, q, identity, types.PopulationIdentity)
}

func (s *PostgresStore) queryVectors(ctx context.Context, query string, args ...any) ([]types.FeatureVector, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query vectors: %w", err)
	}
	defer rows.Close()
	var out []types.FeatureVector
	for rows.Next() {
		var fv types.FeatureVector
		var seq int64
		var raw []byte
		if err := rows.Scan(&seq, &fv.IdentityID, &fv.SessionID, &fv.Timestamp, &raw, &fv.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan vector: %w", err)
		}
		if err := json.Unmarshal(raw, &fv.Features); err != nil {
			return nil, fmt.Errorf("decode features %d: %w", seq, err)
		}
		fv.Seq = uint64(seq)
		out = append(out, fv)
	}
	return out, rows.Err()
}

func (s *PostgresStore) Identities(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT identity_id FROM feature_vectors WHERE identity_id <> $1 ORDER BY identity_id`, types.PopulationIdentity)
	if err != nil {
		return nil, fmt.Errorf("query identities: %w", err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *PostgresStore) SaveModel(ctx context.Context, art *types.ModelArtifact) error {
	j, err := json.Marshal(art)
	if err != nil {
		return fmt.Errorf("encode artifact: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO model_artifacts (identity_id, version, artifact, trained_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (identity_id) DO UPDATE
		SET version = EXCLUDED.version, artifact = EXCLUDED.artifact, trained_at = EXCLUDED.trained_at`,
		art.IdentityID, art.Version, j, art.TrainedAt)
	if err != nil {
		return fmt.Errorf("upsert artifact: %w", err)
	}
	return nil
}

func (s *PostgresStore) LoadModel(ctx context.Context, identity string) (*types.ModelArtifact, error) {
	var raw []byte
	err := s.db.QueryRowContext(ctx, `SELECT artifact FROM model_artifacts WHERE identity_id = $1`, identity).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load artifact: %w", err)
	}
	art := &types.ModelArtifact{}
	if err := json.Unmarshal(raw, art); err != nil {
		return nil, fmt.Errorf("decode artifact: %w", err)
	}
	return art, nil
}

func (s *PostgresStore) AppendScore(ctx context.Context, rec types.ScoreRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO score_records (id, identity_id, session_id, seq, ts, scored_at, anomaly_score, decision, model_version, policy)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		rec.ID, rec.IdentityID, rec.SessionID, int64(rec.Seq), rec.Timestamp, rec.ScoredAt,
		rec.AnomalyScore, string(rec.Decision), rec.ModelVersion, rec.Policy)
	if err != nil {
		return fmt.Errorf("insert score: %w", err)
	}
	return nil
}

func (s *PostgresStore) Scores(ctx context.Context, identity string, limit int) ([]types.ScoreRecord, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, identity_id, session_id, seq, ts, scored_at, anomaly_score, decision, model_version, policy
		FROM score_records WHERE identity_id = $1 ORDER BY position DESC LIMIT $2`, identity, limit)
	if err != nil {
		return nil, fmt.Errorf("query scores: %w", err)
	}
	defer rows.Close()
	var out []types.ScoreRecord
	for rows.Next() {
		var rec types.ScoreRecord
		var seq int64
		var decision string
		if err := rows.Scan(&rec.ID, &rec.IdentityID, &rec.SessionID, &seq, &rec.Timestamp, &rec.ScoredAt,
			&rec.AnomalyScore, &decision, &rec.ModelVersion, &rec.Policy); err != nil {
			return nil, fmt.Errorf("scan score: %w", err)
		}
		rec.Seq = uint64(seq)
		rec.Decision = types.Decision(decision)
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *PostgresStore) AppendAction(ctx context.Context, rec types.ActionRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO action_records (id, identity_id, kind, severity, channel, outcome, error, manual, score_record_id, created_at, prev_hash, hash)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		rec.ID, rec.IdentityID, string(rec.Kind), rec.Severity, rec.Channel, rec.Outcome, rec.Error,
		rec.Manual, rec.ScoreRecordID, rec.CreatedAt, rec.PrevHash, rec.Hash)
	if err != nil {
		return fmt.Errorf("insert action: %w", err)
	}
	return nil
}

func (s *PostgresStore) Actions(ctx context.Context, identity string, limit int) ([]types.ActionRecord, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, identity_id, kind, severity, channel, outcome, error, manual, score_record_id, created_at, prev_hash, hash
		FROM action_records WHERE identity_id = $1 ORDER BY position DESC LIMIT $2`, identity, limit)
	if err != nil {
		return nil, fmt.Errorf("query actions: %w", err)
	}
	defer rows.Close()
	var out []types.ActionRecord
	for rows.Next() {
		var rec types.ActionRecord
		var kind string
		if err := rows.Scan(&rec.ID, &rec.IdentityID, &kind, &rec.Severity, &rec.Channel, &rec.Outcome, &rec.Error,
			&rec.Manual, &rec.ScoreRecordID, &rec.CreatedAt, &rec.PrevHash, &rec.Hash); err != nil {
			return nil, fmt.Errorf("scan action: %w", err)
		}
		rec.Kind = types.ActionKind(kind)
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *PostgresStore) LastActionHash(ctx context.Context) (string, error) {
	var h string
	err := s.db.QueryRowContext(ctx, `SELECT hash FROM action_records ORDER BY position DESC LIMIT 1`).Scan(&h)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return h, err
}
