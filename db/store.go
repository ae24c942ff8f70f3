package db

import (
	"context"
	"embed"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed schema.sql
var sqlFS embed.FS

// Store persists voice transcriptions in Postgres.
type Store struct {
	pool *pgxpool.Pool
}

// Open connects to the database and applies the embedded schema.
func Open(ctx context.Context, databaseURL string) (*Store, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("unable to connect to database: %w", err)
	}

	schema, err := sqlFS.ReadFile("schema.sql")
	if err != nil {
		return nil, fmt.Errorf("failed to read embedded schema.sql: %w", err)
	}

	if _, err := pool.Exec(ctx, string(schema)); err != nil {
		return nil, fmt.Errorf("failed to execute embedded schema.sql: %w", err)
	}

	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	s.pool.Close()
}

type InsertVoiceTranscriptionParams struct {
	ID               string
	DiscordUserID    string
	DiscordGuildID   string
	DiscordChannelID string
	Content          string
	CreatedAt        time.Time
}

func (s *Store) InsertVoiceTranscription(
	ctx context.Context,
	params InsertVoiceTranscriptionParams,
) error {
	_, err := s.pool.Exec(
		ctx,
		`INSERT INTO voice_transcriptions
		    (id, discord_user_id, discord_guild_id, discord_channel_id, content, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		params.ID,
		params.DiscordUserID,
		params.DiscordGuildID,
		params.DiscordChannelID,
		params.Content,
		params.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert voice transcription: %w", err)
	}
	return nil
}

type VoiceTranscriptionRow struct {
	ID               string
	DiscordUserID    string
	DiscordGuildID   string
	DiscordChannelID string
	Content          string
	CreatedAt        time.Time
}

func (s *Store) GetRecentVoiceTranscriptions(
	ctx context.Context,
	limit int32,
) ([]VoiceTranscriptionRow, error) {
	rows, err := s.pool.Query(
		ctx,
		`SELECT id, discord_user_id, discord_guild_id, discord_channel_id, content, created_at
		 FROM voice_transcriptions
		 ORDER BY created_at DESC
		 LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query voice transcriptions: %w", err)
	}
	defer rows.Close()

	var out []VoiceTranscriptionRow
	for rows.Next() {
		var r VoiceTranscriptionRow
		if err := rows.Scan(
			&r.ID,
			&r.DiscordUserID,
			&r.DiscordGuildID,
			&r.DiscordChannelID,
			&r.Content,
			&r.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan voice transcription: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
