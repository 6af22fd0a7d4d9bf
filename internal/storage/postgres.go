package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"

	logx "postrunner/pkg/logx"
)

func openPostgres(cfg Config, log logx.Logger) (Store, error) {
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("storage.dsn is required for postgres driver")
	}
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		conv, err := pq.ParseURL(dsn)
		if err != nil {
			return nil, fmt.Errorf("parse postgres url: %w", err)
		}
		dsn = conv
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		return nil, closeOnErr(db, fmt.Errorf("ping postgres: %w", err))
	}

	st := &sqlStore{db: db, log: log, dialect: "postgres"}
	if err := st.migrate(ctx); err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) {
			err = fmt.Errorf("%s (%s): %w", pqErr.Message, pqErr.Code.Name(), err)
		}
		return nil, closeOnErr(db, fmt.Errorf("postgres migrate: %w", err))
	}
	return st, nil
}
