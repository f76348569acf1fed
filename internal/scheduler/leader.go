package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// LockKey — ключ pg_advisory_lock лидера scheduler'а.
const LockKey int64 = 424242

// Leader держит advisory lock на выделенном соединении.
// Advisory lock принадлежит сессии, поэтому соединение не возвращается
// в пул, пока лидерство не снято.
type Leader struct {
	pool *pgxpool.Pool
	key  int64
	conn *pgxpool.Conn
}

// NewLeader создаёт Leader для пула.
func NewLeader(pool *pgxpool.Pool, key int64) *Leader {
	return &Leader{pool: pool, key: key}
}

// TryAcquire пытается стать лидером. Для текущего лидера проверяет,
// что сессия жива; при потере соединения лидерство сбрасывается.
func (l *Leader) TryAcquire(ctx context.Context) (bool, error) {
	if l.conn != nil {
		if err := l.conn.Ping(ctx); err == nil {
			return true, nil
		}
		l.conn.Release()
		l.conn = nil
	}

	conn, err := l.pool.Acquire(ctx)
	if err != nil {
		return false, fmt.Errorf("acquire conn: %w", err)
	}

	var ok bool
	if err := conn.QueryRow(ctx, "select pg_try_advisory_lock($1)", l.key).Scan(&ok); err != nil {
		conn.Release()
		return false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !ok {
		conn.Release()
		return false, nil
	}

	l.conn = conn
	return true, nil
}

// Release снимает lock и возвращает соединение в пул.
func (l *Leader) Release(ctx context.Context) {
	if l.conn == nil {
		return
	}
	_, _ = l.conn.Exec(ctx, "select pg_advisory_unlock($1)", l.key)
	l.conn.Release()
	l.conn = nil
}

// Elector — leader election (Leader или заглушка в тестах).
type Elector interface {
	TryAcquire(ctx context.Context) (bool, error)
	Release(ctx context.Context)
}

// Loop вызывает tick каждые interval, пока процесс — лидер.
// Не-лидер пропускает тики и пробует захватить lock на следующем.
func Loop(ctx context.Context, leader Elector, interval time.Duration, logger *slog.Logger, tick func(context.Context) error) {
	tk := time.NewTicker(interval)
	defer tk.Stop()
	defer leader.Release(context.WithoutCancel(ctx))

	var wasLeader bool
	for {
		select {
		case <-ctx.Done():
			return
		case <-tk.C:
		}

		isLeader, err := leader.TryAcquire(ctx)
		if err != nil {
			logger.Warn("leader election failed", "error", err)
			continue
		}
		if isLeader != wasLeader {
			logger.Info("leadership changed", "leader", isLeader)
			wasLeader = isLeader
		}
		if !isLeader {
			continue
		}

		if err := tick(ctx); err != nil {
			logger.Error("scheduler tick failed", "error", err)
		}
	}
}
