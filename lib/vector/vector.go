/*
 * LifeTrace
 * Copyright (C) 2026  Gravitational, Inc.
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 */

// Package vector implements the embedding store the OCR worker upserts
// into. Vectors live in their own sqlite database under the data dir;
// similarity search loads candidates and ranks by cosine in process,
// which is plenty at single-user scale.
package vector

import (
	"context"
	"database/sql"
	"encoding/binary"
	"log/slog"
	"math"
	"sort"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	_ "github.com/mattn/go-sqlite3"

	"github.com/gravitational/lifetrace"
)

// Document is one embedded text chunk.
type Document struct {
	// ID is the caller-chosen document key; upserting replaces it.
	ID string
	// Text is the raw text the vector was computed from.
	Text string
	// Vector is the embedding.
	Vector []float32
}

// Match is one search hit.
type Match struct {
	// ID is the document key.
	ID string
	// Text is the stored text.
	Text string
	// Score is cosine similarity in [-1, 1].
	Score float64
}

// Index is the narrow surface the pipeline depends on.
type Index interface {
	Upsert(ctx context.Context, doc Document) error
	Search(ctx context.Context, query []float32, k int) ([]Match, error)
	Close() error
}

// Config configures the sqlite-backed index.
type Config struct {
	// Path is the vector database file.
	Path string
	// Clock timestamps upserts.
	Clock clockwork.Clock
	// Log is the index logger.
	Log *slog.Logger
}

// CheckAndSetDefaults checks and sets defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.Path == "" {
		return trace.BadParameter("missing parameter Path")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Log == nil {
		c.Log = slog.Default().With(lifetrace.ComponentKey, lifetrace.ComponentVector)
	}
	return nil
}

// Store is the sqlite-backed Index.
type Store struct {
	cfg Config
	db  *sql.DB
}

// Open opens (creating if needed) the vector database.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	db, err := sql.Open("sqlite3", "file:"+cfg.Path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, trace.Wrap(err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(ctx, vectorSchema); err != nil {
		db.Close()
		return nil, trace.Wrap(err)
	}
	return &Store{cfg: cfg, db: db}, nil
}

const vectorSchema = `
CREATE TABLE IF NOT EXISTS vectors (
	id TEXT PRIMARY KEY,
	text TEXT NOT NULL DEFAULT '',
	embedding BLOB NOT NULL,
	updated_at TEXT NOT NULL
);
`

// Close closes the database.
func (s *Store) Close() error {
	return trace.Wrap(s.db.Close())
}

// Upsert inserts or replaces one document.
func (s *Store) Upsert(ctx context.Context, doc Document) error {
	if doc.ID == "" {
		return trace.BadParameter("missing document id")
	}
	if len(doc.Vector) == 0 {
		return trace.BadParameter("document %q carries no vector", doc.ID)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO vectors (id, text, embedding, updated_at) VALUES (?, ?, ?, ?)`,
		doc.ID, doc.Text, encodeVector(doc.Vector),
		s.cfg.Clock.Now().UTC().Format(time.RFC3339Nano))
	return trace.Wrap(err)
}

// Search returns the k documents most similar to the query vector,
// best first.
func (s *Store) Search(ctx context.Context, query []float32, k int) ([]Match, error) {
	if len(query) == 0 {
		return nil, trace.BadParameter("missing query vector")
	}
	if k <= 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, `SELECT id, text, embedding FROM vectors`)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	defer rows.Close()

	var matches []Match
	for rows.Next() {
		var id, text string
		var blob []byte
		if err := rows.Scan(&id, &text, &blob); err != nil {
			return nil, trace.Wrap(err)
		}
		vec, err := decodeVector(blob)
		if err != nil {
			s.cfg.Log.Warn("Skipping malformed vector.", "id", id, "error", err)
			continue
		}
		if len(vec) != len(query) {
			continue
		}
		matches = append(matches, Match{ID: id, Text: text, Score: cosine(query, vec)})
	}
	if err := rows.Err(); err != nil {
		return nil, trace.Wrap(err)
	}

	sort.Slice(matches, func(i, j int) bool { return matches[i].Score > matches[j].Score })
	if len(matches) > k {
		matches = matches[:k]
	}
	return matches, nil
}

func encodeVector(v []float32) []byte {
	out := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(out[4*i:], math.Float32bits(f))
	}
	return out
}

func decodeVector(b []byte) ([]float32, error) {
	if len(b)%4 != 0 {
		return nil, trace.BadParameter("vector blob length %v is not a multiple of 4", len(b))
	}
	out := make([]float32, len(b)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[4*i:]))
	}
	return out, nil
}

func cosine(a, b []float32) float64 {
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
