// Copyright 2025 Peercall Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// 	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package store

import (
	"context"
	"database/sql"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pkg/errors"

	"github.com/peercall/peercall/pkg/config"
)

const schema = `
CREATE TABLE IF NOT EXISTS active_calls (
	chat_id            TEXT        NOT NULL,
	caller_username    TEXT        NOT NULL,
	recipient_username TEXT        NOT NULL,
	status             TEXT        NOT NULL,
	video_enabled      BOOLEAN     NOT NULL DEFAULT FALSE,
	created_at         TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (chat_id, caller_username, recipient_username)
);
CREATE INDEX IF NOT EXISTS active_calls_recipient_status
	ON active_calls (recipient_username, status);

CREATE TABLE IF NOT EXISTS call_logs (
	id                 BIGSERIAL   PRIMARY KEY,
	caller_username    TEXT        NOT NULL,
	recipient_username TEXT        NOT NULL,
	chat_id            TEXT        NOT NULL,
	status             TEXT        NOT NULL,
	started_at         TIMESTAMPTZ NOT NULL,
	ended_at           TIMESTAMPTZ NOT NULL,
	duration           INTEGER,
	video_enabled      BOOLEAN     NOT NULL DEFAULT FALSE
);
`

// Postgres implements Store over database/sql with the pgx stdlib driver.
type Postgres struct {
	db *sql.DB
}

var _ Store = (*Postgres)(nil)

// OpenPostgres opens the pool and verifies connectivity. The DSN contains
// secrets and must not be logged.
func OpenPostgres(ctx context.Context, conf config.PostgresConfig) (*Postgres, error) {
	db, err := sql.Open("pgx", conf.DSN)
	if err != nil {
		return nil, errors.Wrap(err, "open postgres")
	}

	if conf.MaxOpenConns > 0 {
		db.SetMaxOpenConns(conf.MaxOpenConns)
	}
	if conf.MaxIdleConns > 0 {
		db.SetMaxIdleConns(conf.MaxIdleConns)
	}
	if conf.ConnMaxLifetimeSec > 0 {
		db.SetConnMaxLifetime(conf.ConnMaxLifetime())
	}

	pingTimeout := conf.PingTimeout()
	if pingTimeout <= 0 {
		pingTimeout = 5 * time.Second
	}
	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "postgres ping")
	}

	p := &Postgres{db: db}
	if err := p.ensureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return p, nil
}

func (p *Postgres) ensureSchema(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, schema)
	return errors.Wrap(err, "ensure schema")
}

func (p *Postgres) Close() error {
	return p.db.Close()
}

func (p *Postgres) CreateActiveCall(ctx context.Context, call ActiveCall) error {
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO active_calls (chat_id, caller_username, recipient_username, status, video_enabled)
		 VALUES ($1, $2, $3, $4, $5)`,
		call.ChatID, call.Caller, call.Recipient, string(ActivePending), call.VideoEnabled)
	return errors.Wrap(err, "create active call")
}

func (p *Postgres) AcceptActiveCall(ctx context.Context, chatID, caller, recipient string) error {
	_, err := p.db.ExecContext(ctx,
		`UPDATE active_calls SET status = $1
		 WHERE chat_id = $2 AND caller_username = $3 AND recipient_username = $4`,
		string(ActiveAccepted), chatID, caller, recipient)
	return errors.Wrap(err, "accept active call")
}

func (p *Postgres) DeleteActiveCall(ctx context.Context, chatID, caller, recipient string) error {
	_, err := p.db.ExecContext(ctx,
		`DELETE FROM active_calls
		 WHERE chat_id = $1 AND caller_username = $2 AND recipient_username = $3`,
		chatID, caller, recipient)
	return errors.Wrap(err, "delete active call")
}

func (p *Postgres) DeleteActiveCallsFor(ctx context.Context, caller, recipient string) error {
	_, err := p.db.ExecContext(ctx,
		`DELETE FROM active_calls
		 WHERE caller_username = $1 AND recipient_username = $2`,
		caller, recipient)
	return errors.Wrap(err, "delete active calls")
}

func (p *Postgres) PendingCallsFor(ctx context.Context, recipient string) ([]ActiveCall, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT chat_id, caller_username, recipient_username, status, video_enabled, created_at
		 FROM active_calls
		 WHERE recipient_username = $1 AND status = $2
		 ORDER BY created_at`,
		recipient, string(ActivePending))
	if err != nil {
		return nil, errors.Wrap(err, "query pending calls")
	}
	defer rows.Close()

	var out []ActiveCall
	for rows.Next() {
		var c ActiveCall
		var status string
		if err := rows.Scan(&c.ChatID, &c.Caller, &c.Recipient, &status, &c.VideoEnabled, &c.CreatedAt); err != nil {
			return nil, errors.Wrap(err, "scan pending call")
		}
		c.Status = ActiveStatus(status)
		out = append(out, c)
	}
	return out, errors.Wrap(rows.Err(), "iterate pending calls")
}

func (p *Postgres) InsertCallLog(ctx context.Context, log CallLog) error {
	var dur sql.NullInt64
	if log.Duration != nil {
		dur = sql.NullInt64{Int64: int64(*log.Duration), Valid: true}
	}
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO call_logs
		 (caller_username, recipient_username, chat_id, status, started_at, ended_at, duration, video_enabled)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		log.Caller, log.Recipient, log.ChatID, string(log.Status),
		log.StartedAt, log.EndedAt, dur, log.VideoEnabled)
	return errors.Wrap(err, "insert call log")
}
