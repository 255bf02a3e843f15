// Package checkpoint drains the SQLite write-ahead log into the main database
// file before a copy is taken.
package checkpoint

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/juju/clock"
	"github.com/juju/retry"
	"github.com/rs/zerolog"

	"clinic-vault/engine/internal/backuperr"
	"clinic-vault/engine/internal/db"
)

var errBusy = errors.New("checkpoint blocked by active readers or writers")

// Policy bounds the TRUNCATE retry loop.
type Policy struct {
	Attempts int
	Delay    time.Duration
	MaxDelay time.Duration
	Clock    clock.Clock
}

func DefaultPolicy() Policy {
	return Policy{Attempts: 5, Delay: 100 * time.Millisecond, MaxDelay: 2 * time.Second, Clock: clock.WallClock}
}

// Result describes one Quiesce call. Warning is set when the log could not be
// fully drained and a best-effort PASSIVE checkpoint was used instead.
type Result struct {
	Attempts     int
	LogFrames    int
	Checkpointed int
	Warning      *backuperr.Warning
}

// Coordinator forces WAL checkpoints on a live handle.
type Coordinator struct {
	policy Policy
	log    zerolog.Logger
}

func New(policy Policy, log zerolog.Logger) *Coordinator {
	if policy.Attempts <= 0 {
		policy.Attempts = 1
	}
	if policy.Delay <= 0 {
		policy.Delay = 10 * time.Millisecond
	}
	if policy.Clock == nil {
		policy.Clock = clock.WallClock
	}
	return &Coordinator{policy: policy, log: log}
}

type walResult struct {
	busy, log, checkpointed int
}

// Quiesce raises synchronous to FULL and lowers busy_timeout to the policy
// delay on a pinned connection, checkpoints with TRUNCATE until the log is
// empty or the policy gives up, and puts both settings back. Only a failure to
// reach the database is returned as an error.
func (c *Coordinator) Quiesce(ctx context.Context, h *db.Handle) (Result, error) {
	gdb, err := h.Conn()
	if err != nil {
		return Result{}, fmt.Errorf("%w: %w", backuperr.ErrSourceUnavailable, err)
	}
	sqlDB, err := gdb.DB()
	if err != nil {
		return Result{}, err
	}
	// PRAGMA synchronous is per connection; everything runs on one.
	conn, err := sqlDB.Conn(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %w", backuperr.ErrSourceUnavailable, err)
	}
	defer conn.Close()

	var prevSync int
	if err := conn.QueryRowContext(ctx, "PRAGMA synchronous").Scan(&prevSync); err != nil {
		return Result{}, fmt.Errorf("read synchronous: %w", err)
	}
	if _, err := conn.ExecContext(ctx, "PRAGMA synchronous = FULL"); err != nil {
		return Result{}, fmt.Errorf("raise synchronous: %w", err)
	}
	defer func() {
		if _, err := conn.ExecContext(context.WithoutCancel(ctx), fmt.Sprintf("PRAGMA synchronous = %d", prevSync)); err != nil {
			c.log.Warn().Err(err).Msg("restore synchronous setting")
		}
	}()

	// A TRUNCATE checkpoint waits on readers through the busy handler, so the
	// pool's timeout would stall every attempt. The retry policy owns the wait.
	var prevBusy int
	if err := conn.QueryRowContext(ctx, "PRAGMA busy_timeout").Scan(&prevBusy); err != nil {
		return Result{}, fmt.Errorf("read busy_timeout: %w", err)
	}
	if _, err := conn.ExecContext(ctx, fmt.Sprintf("PRAGMA busy_timeout = %d", c.busyTimeout())); err != nil {
		return Result{}, fmt.Errorf("lower busy_timeout: %w", err)
	}
	defer func() {
		if _, err := conn.ExecContext(context.WithoutCancel(ctx), fmt.Sprintf("PRAGMA busy_timeout = %d", prevBusy)); err != nil {
			c.log.Warn().Err(err).Msg("restore busy_timeout setting")
		}
	}()

	var res Result
	var last walResult
	err = retry.Call(retry.CallArgs{
		Func: func() error {
			res.Attempts++
			r, err := walCheckpoint(ctx, conn, "TRUNCATE")
			if err != nil {
				return err
			}
			last = r
			if r.busy != 0 {
				return errBusy
			}
			return nil
		},
		IsFatalError: func(err error) bool { return !errors.Is(err, errBusy) && !isLocked(err) },
		NotifyFunc: func(err error, attempt int) {
			c.log.Debug().Err(err).Int("attempt", attempt).Msg("checkpoint retry")
		},
		Attempts:    c.policy.Attempts,
		Delay:       c.policy.Delay,
		MaxDelay:    c.policy.MaxDelay,
		BackoffFunc: retry.DoubleDelay,
		Clock:       c.policy.Clock,
		Stop:        ctx.Done(),
	})
	if err == nil {
		res.LogFrames, res.Checkpointed = last.log, last.checkpointed
		c.log.Debug().Int("attempts", res.Attempts).Int("frames", last.log).Msg("wal checkpoint complete")
		return res, nil
	}
	if cerr := ctx.Err(); cerr != nil {
		return res, cerr
	}
	cause := retry.LastError(err)
	if cause == nil {
		cause = err
	}
	if !errors.Is(cause, errBusy) && !isLocked(cause) {
		return res, fmt.Errorf("wal checkpoint: %w", cause)
	}

	// Best effort: copy whatever reached the main file. Pages still in the
	// log are newer than the snapshot but nothing older is lost.
	r, perr := walCheckpoint(ctx, conn, "PASSIVE")
	if perr == nil {
		res.LogFrames, res.Checkpointed = r.log, r.checkpointed
	}
	w := backuperr.Warnf(backuperr.CheckpointWarning,
		"log not fully drained after %d attempts (%d of %d frames checkpointed)", res.Attempts, res.Checkpointed, res.LogFrames)
	res.Warning = &w
	c.log.Warn().Int("attempts", res.Attempts).Msg(w.Msg)
	return res, nil
}

// busyTimeout is the per-attempt wait in milliseconds.
func (c *Coordinator) busyTimeout() int64 {
	if ms := c.policy.Delay.Milliseconds(); ms > 0 {
		return ms
	}
	return 1
}

func walCheckpoint(ctx context.Context, conn *sql.Conn, mode string) (walResult, error) {
	var r walResult
	err := conn.QueryRowContext(ctx, "PRAGMA wal_checkpoint("+mode+")").Scan(&r.busy, &r.log, &r.checkpointed)
	return r, err
}
