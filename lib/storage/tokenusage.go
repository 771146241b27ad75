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

package storage

import (
	"context"
	"database/sql"
	"time"

	"github.com/gravitational/trace"
)

// TokenUsageManager records LLM token spend. Append-only; nothing in the
// core ever deletes these rows.
type TokenUsageManager struct {
	s *Storage
}

// Add appends one usage record.
func (m *TokenUsageManager) Add(ctx context.Context, u TokenUsage) (int64, error) {
	var id int64
	err := m.s.withTx(ctx, func(tx *sql.Tx) error {
		createdAt := u.CreatedAt
		if createdAt.IsZero() {
			createdAt = m.s.cfg.Clock.Now().UTC()
		}
		res, err := tx.ExecContext(ctx, `
			INSERT INTO token_usage (model, input_tokens, output_tokens, total_tokens, endpoint, feature_type, created_at, input_cost, output_cost, total_cost)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			u.Model, u.InputTokens, u.OutputTokens, u.TotalTokens,
			u.Endpoint, u.FeatureType, formatTime(createdAt),
			u.InputCost, u.OutputCost, u.TotalCost)
		if err != nil {
			return trace.Wrap(err)
		}
		id, err = res.LastInsertId()
		return trace.Wrap(err)
	})
	if err != nil {
		return 0, trace.Wrap(err)
	}
	return id, nil
}

// Aggregate sums usage over [start, end).
func (m *TokenUsageManager) Aggregate(ctx context.Context, start, end time.Time) (*TokenUsageSummary, error) {
	var sum TokenUsageSummary
	err := m.s.withTx(ctx, func(tx *sql.Tx) error {
		return trace.Wrap(tx.QueryRowContext(ctx, `
			SELECT COALESCE(SUM(input_tokens), 0), COALESCE(SUM(output_tokens), 0),
			       COALESCE(SUM(total_tokens), 0), COALESCE(SUM(total_cost), 0), COUNT(*)
			FROM token_usage WHERE created_at >= ? AND created_at < ?`,
			formatTime(start), formatTime(end)).Scan(
			&sum.InputTokens, &sum.OutputTokens, &sum.TotalTokens, &sum.TotalCost, &sum.Records))
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return &sum, nil
}
