package store

import (
	"fmt"
	"regexp"
	"time"

	// database drivers
	_ "github.com/go-sql-driver/mysql"
	"github.com/go-xorm/xorm"
	_ "github.com/mattn/go-sqlite3"
	"xorm.io/core"

	"github.com/gosechat/logger"
)

// ErrNoSuchParameter is wrapped when a named parameter referenced by
// ExecNamed is missing from the argument map.
var ErrNoSuchParameter = fmt.Errorf("store: no such parameter")

// migration 已执行的迁移记录
type migration struct {
	ID        int64
	Name      string `xorm:"unique"`
	AppliedAt time.Time
}

// Store wraps a xorm engine with the narrow interface the bot core
// needs: transactional query execution, parameterized statements, and
// run-once named migrations.
type Store struct {
	engine *xorm.Engine
	log    *logger.Logger
}

// Open opens a database. Supported drivers are sqlite3 (default for
// bot state) and mysql.
func Open(driver, source string) (*Store, error) {
	engine, err := xorm.NewEngine(driver, source)
	if err != nil {
		return nil, err
	}

	engine.SetTableMapper(core.NewPrefixMapper(core.SnakeMapper{}, "bot_"))
	engine.SetColumnMapper(core.SnakeMapper{})

	if err := engine.Sync2(new(migration), new(roomInfo), new(roomUser)); err != nil {
		engine.Close()
		return nil, err
	}

	return &Store{engine: engine, log: logger.NewLogger("store")}, nil
}

// Close closes the underlying engine.
func (s *Store) Close() error {
	return s.engine.Close()
}

// Tx runs fn inside a transaction, committing on nil and rolling back
// on error.
func (s *Store) Tx(fn func(*xorm.Session) error) error {
	sess := s.engine.NewSession()
	defer sess.Close()

	if err := sess.Begin(); err != nil {
		return err
	}
	if err := fn(sess); err != nil {
		sess.Rollback()
		return err
	}
	return sess.Commit()
}

// Exec runs a statement with positional parameters.
func (s *Store) Exec(query string, args ...interface{}) error {
	sqlAndArgs := append([]interface{}{query}, args...)
	_, err := s.engine.Exec(sqlAndArgs...)
	return err
}

// Query runs a query with positional parameters and returns the rows
// as string maps.
func (s *Store) Query(query string, args ...interface{}) ([]map[string]string, error) {
	sqlAndArgs := append([]interface{}{query}, args...)
	return s.engine.QueryString(sqlAndArgs...)
}

var namedParam = regexp.MustCompile(`:([A-Za-z_][A-Za-z0-9_]*)`)

// bindNamed rewrites :name placeholders to positional ones.
func bindNamed(query string, params map[string]interface{}) (string, []interface{}, error) {
	var args []interface{}
	var missing error
	rewritten := namedParam.ReplaceAllStringFunc(query, func(match string) string {
		name := match[1:]
		value, ok := params[name]
		if !ok {
			missing = fmt.Errorf("%w: %s", ErrNoSuchParameter, name)
			return match
		}
		args = append(args, value)
		return "?"
	})
	if missing != nil {
		return "", nil, missing
	}
	return rewritten, args, nil
}

// ExecNamed runs a statement with :name parameters.
func (s *Store) ExecNamed(query string, params map[string]interface{}) error {
	rewritten, args, err := bindNamed(query, params)
	if err != nil {
		return err
	}
	return s.Exec(rewritten, args...)
}

// QueryNamed runs a query with :name parameters.
func (s *Store) QueryNamed(query string, params map[string]interface{}) ([]map[string]string, error) {
	rewritten, args, err := bindNamed(query, params)
	if err != nil {
		return nil, err
	}
	return s.Query(rewritten, args...)
}

// Migrate runs fn exactly once per name. A migration that already ran
// is skipped; a failing migration is rolled back and not recorded.
func (s *Store) Migrate(name string, fn func(*xorm.Session) error) error {
	return s.Tx(func(sess *xorm.Session) error {
		var m migration
		applied, err := sess.Where("name = ?", name).Get(&m)
		if err != nil {
			return err
		}
		if applied {
			return nil
		}
		if err := fn(sess); err != nil {
			return err
		}
		s.log.Infof("applied migration %s", name)
		_, err = sess.Insert(&migration{Name: name, AppliedAt: time.Now()})
		return err
	})
}
