package audit

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/lib/pq" // Postgres driver
)

// PQStore mirrors audit events into Postgres for long-term, queryable
// retention. It wraps a primary Store: the NDJSON chain stays authoritative
// and the mirror is pruned per RetentionPolicy.
type PQStore struct {
	primary   Store
	db        *sql.DB
	retention RetentionPolicy
}

// NewPQStore opens the Postgres mirror and ensures the table exists.
func NewPQStore(primary Store, dsn string, retention RetentionPolicy) (*PQStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	const schema = `
CREATE TABLE IF NOT EXISTS audit_events (
    sequence      BIGINT PRIMARY KEY,
    ts            TIMESTAMPTZ NOT NULL,
    actor         TEXT NOT NULL,
    kind          TEXT NOT NULL,
    prior_digest  TEXT NOT NULL,
    payload       JSONB NOT NULL,
    digest        TEXT NOT NULL,
    identifier    TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS audit_events_kind_ts ON audit_events (kind, ts);`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("ensure audit_events table: %w", err)
	}

	return &PQStore{primary: primary, db: db, retention: retention}, nil
}

// Append commits to the primary store first (the durability point), then
// mirrors. A mirror failure is surfaced: callers decided to run with a
// mirror, so they get its errors.
func (s *PQStore) Append(e Event) error {
	if err := s.primary.Append(e); err != nil {
		return err
	}

	payload, err := json.Marshal(e.Payload)
	if err != nil {
		return fmt.Errorf("marshal payload seq %d: %w", e.Sequence, err)
	}
	_, err = s.db.Exec(
		`INSERT INTO audit_events (sequence, ts, actor, kind, prior_digest, payload, digest, identifier)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		e.Sequence, e.Timestamp, e.Actor, string(e.Kind), e.PriorDigest, payload, e.Digest, e.Identifier,
	)
	if err != nil {
		return fmt.Errorf("mirror audit event %d: %w", e.Sequence, err)
	}
	return nil
}

// ReadAll reads the authoritative primary chain.
func (s *PQStore) ReadAll() ([]Event, error) {
	return s.primary.ReadAll()
}

// QueryByKind returns mirrored events of one kind inside [from, to].
func (s *PQStore) QueryByKind(kind Kind, from, to time.Time) ([]Event, error) {
	rows, err := s.db.Query(
		`SELECT sequence, ts, actor, kind, prior_digest, payload, digest, identifier
		 FROM audit_events WHERE kind = $1 AND ts BETWEEN $2 AND $3 ORDER BY sequence`,
		string(kind), from, to,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var e Event
		var kindStr string
		var payload []byte
		if err := rows.Scan(&e.Sequence, &e.Timestamp, &e.Actor, &kindStr, &e.PriorDigest, &payload, &e.Digest, &e.Identifier); err != nil {
			return nil, err
		}
		e.Kind = Kind(kindStr)
		if err := json.Unmarshal(payload, &e.Payload); err != nil {
			return nil, fmt.Errorf("unmarshal payload seq %d: %w", e.Sequence, err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// PruneExpired drops mirror rows outside their retention window. The primary
// chain is untouched.
func (s *PQStore) PruneExpired(now time.Time) (int64, error) {
	var total int64
	for _, kind := range []Kind{
		KindDecision, KindTransition, KindBundleChange, KindVerification,
		KindSynthesis, KindBanditSafety, KindCacheIntegrity, KindSecurity,
		KindConstitutional, KindReview, KindAlert,
	} {
		cutoff := now.Add(-s.retention.Window(kind))
		res, err := s.db.Exec(`DELETE FROM audit_events WHERE kind = $1 AND ts < $2`, string(kind), cutoff)
		if err != nil {
			return total, fmt.Errorf("prune %s: %w", kind, err)
		}
		n, _ := res.RowsAffected()
		total += n
	}
	return total, nil
}

// Close releases both stores.
func (s *PQStore) Close() error {
	dbErr := s.db.Close()
	if err := s.primary.Close(); err != nil {
		return err
	}
	return dbErr
}
