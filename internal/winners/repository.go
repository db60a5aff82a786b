package winners

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/sqlc-dev/pqtype"

	"github.com/ludogames/bingohall/internal/bingo"
)

// Repository persists winners to Postgres so the recent list survives
// restarts. Schema:
//
//	CREATE TABLE round_winners (
//	    id           BIGSERIAL PRIMARY KEY,
//	    identity     TEXT NOT NULL,
//	    nickname     TEXT NOT NULL,
//	    winning_card JSONB,
//	    won_at       TIMESTAMPTZ NOT NULL DEFAULT now()
//	);
type Repository struct {
	db *sql.DB
}

// NewRepository wraps an open database handle.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) Record(ctx context.Context, w Winner) error {
	cardJSON, err := json.Marshal(w.Card)
	if err != nil {
		return fmt.Errorf("failed to marshal winning card: %w", err)
	}
	card := pqtype.NullRawMessage{RawMessage: cardJSON, Valid: true}

	_, err = r.db.ExecContext(ctx,
		`INSERT INTO round_winners (identity, nickname, winning_card, won_at) VALUES ($1, $2, $3, $4)`,
		w.Identity, w.Nickname, card, w.WonAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert winner: %w", err)
	}
	return nil
}

func (r *Repository) Recent(ctx context.Context, limit int) ([]Winner, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT identity, nickname, winning_card, won_at FROM round_winners ORDER BY won_at DESC LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query winners: %w", err)
	}
	defer rows.Close()

	var out []Winner
	for rows.Next() {
		var w Winner
		var card pqtype.NullRawMessage
		if err := rows.Scan(&w.Identity, &w.Nickname, &card, &w.WonAt); err != nil {
			return nil, fmt.Errorf("failed to scan winner: %w", err)
		}
		if card.Valid {
			var g bingo.Grid
			if err := json.Unmarshal(card.RawMessage, &g); err != nil {
				return nil, fmt.Errorf("failed to unmarshal winning card: %w", err)
			}
			w.Card = g
		}
		out = append(out, w)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate winners: %w", err)
	}
	return out, nil
}
