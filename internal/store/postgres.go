package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// Postgres stores documents in a single versioned table using the pgx
// stdlib driver. Change notifications fan out to in-process subscribers;
// a Feed bridge relays them to other processes.
type Postgres struct {
	db *sql.DB

	mu     sync.RWMutex
	nextID int
	subs   map[string]map[int]func(Change)
}

// NewPostgres opens a connection pool with sane defaults and ensures the
// documents table exists.
func NewPostgres(connString string) (*Postgres, error) {
	db, err := sql.Open("pgx", connString)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("postgres ping: %w", err)
	}
	if _, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS documents (
			collection TEXT NOT NULL,
			id         TEXT NOT NULL,
			version    BIGINT NOT NULL DEFAULT 1,
			data       JSONB NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			PRIMARY KEY (collection, id)
		)
	`); err != nil {
		return nil, fmt.Errorf("ensure documents table: %w", err)
	}
	return &Postgres{db: db, subs: make(map[string]map[int]func(Change))}, nil
}

// Ping reports connectivity of the underlying pool.
func (p *Postgres) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

// Close releases the connection pool.
func (p *Postgres) Close() error {
	if p == nil || p.db == nil {
		return nil
	}
	return p.db.Close()
}

// Get fetches one document or ErrNotFound.
func (p *Postgres) Get(ctx context.Context, collection, id string) (Document, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT version, data FROM documents
		WHERE collection = $1 AND id = $2
	`, collection, id)
	doc := Document{Collection: collection, ID: id}
	if err := row.Scan(&doc.Version, &doc.Data); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Document{}, ErrNotFound
		}
		return Document{}, err
	}
	return doc, nil
}

// List returns every document in a collection.
func (p *Postgres) List(ctx context.Context, collection string) ([]Document, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, version, data FROM documents
		WHERE collection = $1
	`, collection)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Document
	for rows.Next() {
		doc := Document{Collection: collection}
		if err := rows.Scan(&doc.ID, &doc.Version, &doc.Data); err != nil {
			return nil, err
		}
		out = append(out, doc)
	}
	return out, rows.Err()
}

// Set writes unconditionally.
func (p *Postgres) Set(ctx context.Context, collection, id string, data []byte) (int64, error) {
	row := p.db.QueryRowContext(ctx, `
		INSERT INTO documents (collection, id, data)
		VALUES ($1, $2, $3)
		ON CONFLICT (collection, id) DO UPDATE SET
			data = EXCLUDED.data,
			version = documents.version + 1,
			updated_at = NOW()
		RETURNING version
	`, collection, id, data)
	var version int64
	if err := row.Scan(&version); err != nil {
		return 0, err
	}
	p.publish(Change{Collection: collection, ID: id, Version: version, Data: data})
	return version, nil
}

// Update is a compare-and-swap keyed on the stored version.
func (p *Postgres) Update(ctx context.Context, collection, id string, version int64, data []byte) (int64, error) {
	row := p.db.QueryRowContext(ctx, `
		UPDATE documents
		SET data = $4, version = version + 1, updated_at = NOW()
		WHERE collection = $1 AND id = $2 AND version = $3
		RETURNING version
	`, collection, id, version, data)
	var next int64
	if err := row.Scan(&next); err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			return 0, err
		}
		// Distinguish a lost race from a missing document.
		if _, gerr := p.Get(ctx, collection, id); errors.Is(gerr, ErrNotFound) {
			return 0, ErrNotFound
		}
		return 0, ErrConflict
	}
	p.publish(Change{Collection: collection, ID: id, Version: next, Data: data})
	return next, nil
}

// Commit applies the batch inside one transaction. Any failed version
// guard rolls the whole transaction back with ErrConflict.
func (p *Postgres) Commit(ctx context.Context, ops []WriteOp) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	changes := make([]Change, 0, len(ops))
	for _, op := range ops {
		if op.Data == nil {
			if op.ExpectVersion > 0 {
				res, err := tx.ExecContext(ctx, `
					DELETE FROM documents
					WHERE collection = $1 AND id = $2 AND version = $3
				`, op.Collection, op.ID, op.ExpectVersion)
				if err != nil {
					return err
				}
				n, err := res.RowsAffected()
				if err != nil {
					return err
				}
				if n == 0 {
					return ErrConflict
				}
			} else if _, err := tx.ExecContext(ctx, `
				DELETE FROM documents WHERE collection = $1 AND id = $2
			`, op.Collection, op.ID); err != nil {
				return err
			}
			changes = append(changes, Change{Collection: op.Collection, ID: op.ID, Deleted: true})
			continue
		}

		var row *sql.Row
		switch {
		case op.ExpectVersion == VersionAbsent:
			row = tx.QueryRowContext(ctx, `
				INSERT INTO documents (collection, id, data)
				VALUES ($1, $2, $3)
				ON CONFLICT (collection, id) DO NOTHING
				RETURNING version
			`, op.Collection, op.ID, op.Data)
		case op.ExpectVersion > 0:
			row = tx.QueryRowContext(ctx, `
				UPDATE documents
				SET data = $4, version = version + 1, updated_at = NOW()
				WHERE collection = $1 AND id = $2 AND version = $3
				RETURNING version
			`, op.Collection, op.ID, op.ExpectVersion, op.Data)
		default:
			row = tx.QueryRowContext(ctx, `
				INSERT INTO documents (collection, id, data)
				VALUES ($1, $2, $3)
				ON CONFLICT (collection, id) DO UPDATE SET
					data = EXCLUDED.data,
					version = documents.version + 1,
					updated_at = NOW()
				RETURNING version
			`, op.Collection, op.ID, op.Data)
		}
		var version int64
		if err := row.Scan(&version); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrConflict
			}
			return err
		}
		changes = append(changes, Change{Collection: op.Collection, ID: op.ID, Version: version, Data: op.Data})
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	for _, ch := range changes {
		p.publish(ch)
	}
	return nil
}

// Subscribe registers a change callback for one collection.
func (p *Postgres) Subscribe(collection string, fn func(Change)) func() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.subs[collection] == nil {
		p.subs[collection] = make(map[int]func(Change))
	}
	id := p.nextID
	p.nextID++
	p.subs[collection][id] = fn
	return func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		delete(p.subs[collection], id)
	}
}

func (p *Postgres) publish(ch Change) {
	p.mu.RLock()
	fns := make([]func(Change), 0, len(p.subs[ch.Collection]))
	for _, fn := range p.subs[ch.Collection] {
		fns = append(fns, fn)
	}
	p.mu.RUnlock()
	for _, fn := range fns {
		fn(ch)
	}
}
