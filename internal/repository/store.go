package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	_ "github.com/lib/pq"
)

// Store is a Repository that can also open transactions.
type Store interface {
	Repository
	InTx(ctx context.Context, fn func(tx Tx) error) error
	Ping(ctx context.Context) error
	Close() error
}

// Tx is a Repository bound to one open transaction.
//
// Savepoint runs fn inside a nested scope: an error from fn rolls back only
// the work done inside it. OnCommit queues fn to run after the outermost
// transaction commits; hooks queued inside a rolled back savepoint, or in a
// transaction that does not commit, never run.
type Tx interface {
	Repository
	Savepoint(ctx context.Context, fn func() error) error
	OnCommit(fn func())
}

type transactionalConnection interface {
	Connection
	BeginTxx(ctx context.Context, opts *sql.TxOptions) (*sqlx.Tx, error)
	PingContext(ctx context.Context) error
	Close() error
}

type store struct {
	repository
	db transactionalConnection
}

type transaction struct {
	repository
	tx    *sqlx.Tx
	hooks []func()
	depth int
}

// Open connects to Postgres using a lib/pq connection string.
func Open(ctx context.Context, conn string) (Store, error) {
	db, err := sqlx.ConnectContext(ctx, "postgres", conn)
	if err != nil {
		return nil, err
	}

	return NewStore(db), nil
}

func NewStore(db *sqlx.DB) Store {
	return &store{repository: repository{db}, db: db}
}

func (s *store) InTx(ctx context.Context, fn func(tx Tx) error) error {
	sqlTx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}

	tx := &transaction{repository: repository{sqlTx}, tx: sqlTx}
	defer func() {
		if p := recover(); p != nil {
			_ = sqlTx.Rollback()
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		if rbErr := sqlTx.Rollback(); rbErr != nil {
			return errors.Join(err, rbErr)
		}
		return err
	}

	if err := sqlTx.Commit(); err != nil {
		return err
	}

	for _, hook := range tx.hooks {
		hook()
	}

	return nil
}

func (s *store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *store) Close() error {
	return s.db.Close()
}

func (t *transaction) Savepoint(ctx context.Context, fn func() error) error {
	t.depth++
	name := fmt.Sprintf("periodic_sp_%d", t.depth)
	defer func() { t.depth-- }()

	if _, err := t.tx.ExecContext(ctx, "SAVEPOINT "+name); err != nil {
		return err
	}

	mark := len(t.hooks)
	if err := fn(); err != nil {
		t.hooks = t.hooks[:mark]
		if _, rbErr := t.tx.ExecContext(ctx, "ROLLBACK TO SAVEPOINT "+name); rbErr != nil {
			return errors.Join(err, rbErr)
		}
		return err
	}

	_, err := t.tx.ExecContext(ctx, "RELEASE SAVEPOINT "+name)
	return err
}

func (t *transaction) OnCommit(fn func()) {
	t.hooks = append(t.hooks, fn)
}

var _ Store = &store{}
var _ Tx = &transaction{}
