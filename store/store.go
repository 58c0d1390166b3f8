// Package store reads profiles and persists embedding vectors in Postgres.
package store

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/lib/pq" // PostgreSQL driver
	"github.com/pgvector/pgvector-go"

	"gitea.kood.tech/petrkubec/match-me/feed/embedding"
	"gitea.kood.tech/petrkubec/match-me/feed/model"
)

//go:embed schema.sql
var schema string

// Store is the Postgres-backed profile and embedding store.
type Store struct {
	db *sql.DB
}

// Open connects to url and checks the connection.
func Open(ctx context.Context, url string, maxOpenConns int) (*Store, error) {
	db, err := sql.Open("postgres", url)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if maxOpenConns > 0 {
		db.SetMaxOpenConns(maxOpenConns)
		db.SetMaxIdleConns(maxOpenConns)
	}
	db.SetConnMaxLifetime(30 * time.Minute)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("reach database: %w", err)
	}
	return &Store{db: db}, nil
}

// New wraps an existing handle.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// DB exposes the handle for health checks.
func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) Close() error { return s.db.Close() }

// Migrate creates any missing tables. It is safe to run repeatedly.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

const profileColumns = `
	p.user_id,
	COALESCE(p.display_name, ''),
	COALESCE(p.profile_picture_file, ''),
	COALESCE(p.bio, ''),
	COALESCE(p.turn_ons, ''),
	COALESCE(p.turn_offs, ''),
	COALESCE(p.role, ''),
	p.seeking_roles, p.intents, p.interests, p.dislikes,
	p.lifestyle, p.opt_ins,
	p.location_lat, p.location_lon,
	u.last_online, u.created_at,
	e.embedding`

const profileFrom = `
	FROM profiles p
	JOIN users u ON u.id = p.user_id
	LEFT JOIN profile_embeddings e ON e.profile_id = p.user_id AND e.field = 'combined'`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProfile(row rowScanner) (model.Profile, error) {
	var (
		p          model.Profile
		lifestyle  []byte
		lat, lon   sql.NullFloat64
		lastOnline sql.NullTime
		emb        *pgvector.Vector
	)
	err := row.Scan(
		&p.ID, &p.DisplayName, &p.PhotoFile,
		&p.Bio, &p.TurnOns, &p.TurnOffs, &p.Role,
		pq.Array(&p.SeekingRoles), pq.Array(&p.Intents), pq.Array(&p.Interests), pq.Array(&p.Dislikes),
		&lifestyle, pq.Array(&p.OptIns),
		&lat, &lon,
		&lastOnline, &p.CreatedAt,
		&emb,
	)
	if err != nil {
		return model.Profile{}, err
	}
	if len(lifestyle) > 0 {
		if err := json.Unmarshal(lifestyle, &p.Lifestyle); err != nil {
			return model.Profile{}, fmt.Errorf("profile %d lifestyle: %w", p.ID, err)
		}
	}
	if lat.Valid && lon.Valid {
		p.Location = &model.Coord{Lat: lat.Float64, Lng: lon.Float64}
	}
	if lastOnline.Valid {
		p.LastActive = lastOnline.Time
	}
	if emb != nil {
		p.Embedding = emb.Slice()
	}
	return p, nil
}

func collectProfiles(rows *sql.Rows) ([]model.Profile, error) {
	defer rows.Close()
	var out []model.Profile
	for rows.Next() {
		p, err := scanProfile(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// Profile loads one profile. Unknown ids return an error wrapping
// model.ErrNotFound.
func (s *Store) Profile(ctx context.Context, id int) (model.Profile, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+profileColumns+profileFrom+` WHERE p.user_id = $1`, id)
	p, err := scanProfile(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Profile{}, fmt.Errorf("profile %d: %w", id, model.ErrNotFound)
	}
	if err != nil {
		return model.Profile{}, fmt.Errorf("load profile %d: %w", id, err)
	}
	return p, nil
}

// Profiles loads many profiles at once, keyed by id. Unknown ids are
// absent from the result.
func (s *Store) Profiles(ctx context.Context, ids []int) (map[int]model.Profile, error) {
	out := make(map[int]model.Profile, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+profileColumns+profileFrom+` WHERE p.user_id = ANY($1)`, pq.Array(ids))
	if err != nil {
		return nil, fmt.Errorf("load profiles: %w", err)
	}
	list, err := collectProfiles(rows)
	if err != nil {
		return nil, fmt.Errorf("load profiles: %w", err)
	}
	for _, p := range list {
		out[p.ID] = p
	}
	return out, nil
}

// Candidates returns up to limit complete profiles the viewer may be shown:
// never the viewer, nobody they are connected to in either direction, and
// nobody they dismissed. Most recently active first.
func (s *Store) Candidates(ctx context.Context, viewerID int, limit int) ([]model.Profile, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+profileColumns+profileFrom+`
		WHERE p.is_complete = TRUE
		  AND p.user_id <> $1
		  AND NOT EXISTS (
		      SELECT 1
		      FROM connections c
		      WHERE (c.user_id = $1 AND c.target_user_id = p.user_id)
		         OR (c.user_id = p.user_id AND c.target_user_id = $1)
		  )
		  AND NOT EXISTS (
		      SELECT 1
		      FROM dismissed_recommendations d
		      WHERE d.user_id = $1 AND d.dismissed_user_id = p.user_id
		  )
		ORDER BY u.last_online DESC NULLS LAST, p.user_id
		LIMIT $2`, viewerID, limit)
	if err != nil {
		return nil, fmt.Errorf("load candidates for %d: %w", viewerID, err)
	}
	list, err := collectProfiles(rows)
	if err != nil {
		return nil, fmt.Errorf("load candidates for %d: %w", viewerID, err)
	}
	return list, nil
}

// ProfilesMissingEmbeddings returns profiles with text whose combined vector
// is absent, older than the profile itself, or older than staleBefore.
func (s *Store) ProfilesMissingEmbeddings(ctx context.Context, staleBefore time.Time, limit int) ([]model.Profile, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+profileColumns+profileFrom+`
		WHERE (COALESCE(p.bio, '') <> '' OR COALESCE(p.turn_ons, '') <> '' OR COALESCE(p.turn_offs, '') <> '')
		  AND (e.profile_id IS NULL OR e.updated_at < p.updated_at OR e.updated_at < $1)
		ORDER BY p.user_id
		LIMIT $2`, staleBefore, limit)
	if err != nil {
		return nil, fmt.Errorf("load profiles missing embeddings: %w", err)
	}
	list, err := collectProfiles(rows)
	if err != nil {
		return nil, fmt.Errorf("load profiles missing embeddings: %w", err)
	}
	return list, nil
}

// UpsertEmbeddings writes every record in one transaction, replacing any
// existing vector for the same (profile, field).
func (s *Store) UpsertEmbeddings(ctx context.Context, profileID int, records []embedding.Record) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO profile_embeddings (profile_id, field, embedding, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (profile_id, field) DO UPDATE SET
			embedding = EXCLUDED.embedding,
			updated_at = EXCLUDED.updated_at`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, r := range records {
		if r.ProfileID != profileID {
			return fmt.Errorf("record for profile %d in upsert for %d", r.ProfileID, profileID)
		}
		if _, err := stmt.ExecContext(ctx, profileID, string(r.Field), pgvector.NewVector(r.Vector), r.UpdatedAt); err != nil {
			return fmt.Errorf("upsert %s: %w", r.Field, err)
		}
	}
	return tx.Commit()
}

// DeleteEmbeddings removes the given fields' vectors for a profile.
func (s *Store) DeleteEmbeddings(ctx context.Context, profileID int, fields []embedding.Field) error {
	if len(fields) == 0 {
		return nil
	}
	names := make([]string, len(fields))
	for i, f := range fields {
		names[i] = string(f)
	}
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM profile_embeddings
		WHERE profile_id = $1 AND field = ANY($2)`, profileID, pq.Array(names))
	if err != nil {
		return fmt.Errorf("delete embeddings for %d: %w", profileID, err)
	}
	return nil
}

// Embeddings returns every stored vector for a profile.
func (s *Store) Embeddings(ctx context.Context, profileID int) ([]embedding.Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT field, embedding, updated_at
		FROM profile_embeddings
		WHERE profile_id = $1
		ORDER BY field`, profileID)
	if err != nil {
		return nil, fmt.Errorf("load embeddings for %d: %w", profileID, err)
	}
	defer rows.Close()

	var out []embedding.Record
	for rows.Next() {
		var (
			field string
			vec   pgvector.Vector
			r     = embedding.Record{ProfileID: profileID}
		)
		if err := rows.Scan(&field, &vec, &r.UpdatedAt); err != nil {
			return nil, err
		}
		r.Field = embedding.Field(field)
		r.Vector = vec.Slice()
		out = append(out, r)
	}
	return out, rows.Err()
}

// DismissCandidate hides targetID from the viewer's future feeds. Dismissing
// twice is a no-op. An unknown or incomplete target, or the viewer
// themselves, returns an error wrapping model.ErrNotFound.
func (s *Store) DismissCandidate(ctx context.Context, viewerID, targetID int) error {
	if viewerID == targetID {
		return fmt.Errorf("dismiss %d: %w", targetID, model.ErrNotFound)
	}
	var exists bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM users JOIN profiles ON users.id = profiles.user_id
			WHERE users.id = $1 AND profiles.is_complete = TRUE
		)`, targetID).Scan(&exists)
	if err != nil {
		return fmt.Errorf("dismiss %d: %w", targetID, err)
	}
	if !exists {
		return fmt.Errorf("dismiss %d: %w", targetID, model.ErrNotFound)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO dismissed_recommendations (user_id, dismissed_user_id)
		VALUES ($1, $2)
		ON CONFLICT DO NOTHING`, viewerID, targetID)
	if err != nil {
		return fmt.Errorf("dismiss %d: %w", targetID, err)
	}
	return nil
}

// TouchLastActive records activity for userID at the given time.
func (s *Store) TouchLastActive(ctx context.Context, userID int, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `UPDATE users SET last_online = $2 WHERE id = $1`, userID, at)
	if err != nil {
		return fmt.Errorf("touch last active %d: %w", userID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("touch last active %d: %w", userID, model.ErrNotFound)
	}
	return nil
}
