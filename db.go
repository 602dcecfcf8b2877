/*
 * Copyright 2022 RapidLoop, Inc.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package muscle

import (
	"context"
	"errors"
	"fmt"
	"net/url"

	"github.com/jackc/pgconn"
	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/rs/zerolog"
)

// emptyResult stands in for "no row returned"; an empty string is no JSON.
const emptyResult = "{}"

// AuthEnv carries the per-request session state for an authenticated route:
// the token variable plus the SET LOCAL preamble derived from claims. All of
// it is applied inside a transaction so nothing leaks to the next lease.
type AuthEnv struct {
	TokenName string
	Bearer    string
	Preamble  string
}

// DBAdapter executes synthesized statements on one tenant's connection pool.
type DBAdapter struct {
	pool   *pgxpool.Pool
	logger zerolog.Logger
}

// NewDBAdapter builds the pool for a tenant. Connections are established
// lazily so the gateway can start before (or without) the database; the
// configured timezone is applied to every fresh connection.
func NewDBAdapter(ctx context.Context, cc *ContextConfig, logger zerolog.Logger) (*DBAdapter, error) {
	params := make(url.Values)
	params.Set("dbname", cc.DB)
	params.Set("user", cc.DBUser)
	params.Set("password", cc.DBPass)

	cfg, err := pgxpool.ParseConfig("postgres://?" + params.Encode())
	if err != nil {
		return nil, fmt.Errorf("invalid database configuration for context %q: %w", cc.Prefix, err)
	}
	cfg.LazyConnect = true
	tz := cc.Timezone
	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		if _, err := conn.Exec(ctx, "set timezone='"+escapeLiteral(tz)+"'"); err != nil {
			return fmt.Errorf("failed to set timezone %q: %w", tz, err)
		}
		return nil
	}

	pool, err := pgxpool.ConnectConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create pool for context %q: %w", cc.Prefix, err)
	}
	return &DBAdapter{pool: pool, logger: logger}, nil
}

// Close releases the pool.
func (d *DBAdapter) Close() {
	d.pool.Close()
}

// Exec runs one synthesized statement and returns the response body text:
// the first row's first column for row-returning statements (or `{}` when
// no row comes back), and a rows-affected message for DELETE. Driver errors
// surface unchanged.
func (d *DBAdapter) Exec(ctx context.Context, stmt Statement, auth *AuthEnv) (string, error) {
	conn, err := d.pool.Acquire(ctx)
	if err != nil {
		return "", fmt.Errorf("no db client available: %w", err)
	}
	defer conn.Release()

	if auth != nil {
		batch := fmt.Sprintf("BEGIN; SET LOCAL %s='%s'; %s",
			auth.TokenName, escapeLiteral(auth.Bearer), auth.Preamble)
		if _, err := conn.Exec(ctx, batch); err != nil {
			return "", err
		}
		// END regardless of outcome, so session-local settings cannot
		// survive into the next lease of this connection
		defer func() {
			if _, err := conn.Exec(ctx, "END;"); err != nil {
				d.logger.Error().Err(err).Msg("failed to close auth transaction")
			}
		}()
	}

	if !stmt.ExpectRows {
		tag, err := conn.Exec(ctx, stmt.SQL, stmt.Values...)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf(`{"message":"rows affected: %d"}`, tag.RowsAffected()), nil
	}

	var row *string
	err = conn.QueryRow(ctx, stmt.SQL, stmt.Values...).Scan(&row)
	if errors.Is(err, pgx.ErrNoRows) {
		return emptyResult, nil
	}
	if err != nil {
		return "", err
	}
	if row == nil {
		// json_agg over an empty set yields a NULL aggregate
		return emptyResult, nil
	}
	return *row, nil
}

// driverMessage extracts the server's own message from a driver error, so
// the client sees what PostgreSQL said, not the wrapping.
func driverMessage(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Message
	}
	return err.Error()
}
