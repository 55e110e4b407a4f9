package consuming

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/ruslanjabari/soketi/internal/configtypes"
	"github.com/ruslanjabari/soketi/internal/metrics"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/errgroup"
)

type PostgresConfig = configtypes.PostgresConsumerConfig

// PostgresConsumer reads trigger requests from outbox table. Rows of one partition
// are processed in id order under transaction advisory lock, so several nodes may
// run the same consumer.
type PostgresConsumer struct {
	pool       *pgxpool.Pool
	config     PostgresConfig
	dispatcher Dispatcher
	lockPrefix string
	common     *consumerCommon
}

type outboxRow struct {
	ID        int64
	Payload   []byte
	Partition int64
}

var errLockNotAcquired = errors.New("advisory lock not acquired")

func NewPostgresConsumer(config PostgresConfig, dispatcher Dispatcher, common *consumerCommon) (*PostgresConsumer, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if config.PartitionSelectLimit <= 0 {
		config.PartitionSelectLimit = 100
	}
	if config.PartitionPollInterval <= 0 {
		config.PartitionPollInterval = configtypes.Duration(300 * time.Millisecond)
	}
	conf, err := pgxpool.ParseConfig(config.DSN)
	if err != nil {
		return nil, fmt.Errorf("error parsing postgresql DSN: %w", err)
	}
	if config.TLS.Enabled {
		tlsConfig, err := config.TLS.ToGoTLSConfig("postgresql_consumer:" + common.name)
		if err != nil {
			return nil, fmt.Errorf("error creating postgresql TLS config: %w", err)
		}
		conf.ConnConfig.TLSConfig = tlsConfig
	}
	pool, err := pgxpool.NewWithConfig(context.Background(), conf)
	if err != nil {
		return nil, fmt.Errorf("error creating postgresql pool: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("error connecting to postgresql: %w", err)
	}
	return &PostgresConsumer{
		pool:       pool,
		config:     config,
		dispatcher: dispatcher,
		lockPrefix: "soketi_outbox_" + common.name + "_",
		common:     common,
	}, nil
}

func (c *PostgresConsumer) listen(ctx context.Context, wakeups []chan struct{}) error {
	conn, err := c.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("error acquiring connection: %w", err)
	}
	defer conn.Release()

	_, err = conn.Exec(ctx, "LISTEN "+pgx.Identifier{c.config.PartitionNotificationChannel}.Sanitize())
	if err != nil {
		return fmt.Errorf("error executing LISTEN: %w", err)
	}
	for {
		notification, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("error waiting notification: %w", err)
		}
		partition, err := strconv.Atoi(notification.Payload)
		if err != nil || partition < 0 || partition >= len(wakeups) {
			c.common.log.Error().Str("payload", notification.Payload).Msg("bad outbox notification payload")
			continue
		}
		select {
		case wakeups[partition] <- struct{}{}:
		default:
		}
	}
}

// processPartition handles one batch of partition rows. Rows dispatched before a
// failure are deleted, the failed row stays first in partition.
func (c *PostgresConsumer) processPartition(ctx context.Context, partition int) (int, error) {
	tx, err := c.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return 0, fmt.Errorf("error starting transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	lockName := c.lockPrefix + strconv.Itoa(partition)
	if c.config.UseTryLock {
		var acquired bool
		err = tx.QueryRow(ctx, "SELECT pg_try_advisory_xact_lock(hashtext($1))", lockName).Scan(&acquired)
		if err != nil {
			return 0, fmt.Errorf("error acquiring advisory lock: %w", err)
		}
		if !acquired {
			return 0, errLockNotAcquired
		}
	} else if _, err = tx.Exec(ctx, "SELECT pg_advisory_xact_lock(hashtext($1))", lockName); err != nil {
		return 0, fmt.Errorf("error acquiring advisory lock: %w", err)
	}

	table := pgx.Identifier{c.config.OutboxTableName}.Sanitize()
	rows, err := tx.Query(ctx,
		"SELECT id, payload, partition FROM "+table+" WHERE partition=$1 ORDER BY id ASC LIMIT $2",
		partition, c.config.PartitionSelectLimit)
	if err != nil {
		return 0, fmt.Errorf("error selecting outbox rows: %w", err)
	}
	batch, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (outboxRow, error) {
		var r outboxRow
		err := row.Scan(&r.ID, &r.Payload, &r.Partition)
		return r, err
	})
	if err != nil {
		return 0, fmt.Errorf("error scanning outbox rows: %w", err)
	}

	processed := make([]int64, 0, len(batch))
	var dispatchErr error
	for _, r := range batch {
		if dispatchErr = c.common.dispatch(ctx, c.dispatcher, r.Payload); dispatchErr != nil {
			c.common.log.Error().Err(dispatchErr).Int64("id", r.ID).Msg("error dispatching outbox row")
			break
		}
		processed = append(processed, r.ID)
	}
	if len(processed) > 0 {
		if _, err = tx.Exec(ctx, "DELETE FROM "+table+" WHERE id = ANY($1)", processed); err != nil {
			return 0, fmt.Errorf("error deleting outbox rows: %w", err)
		}
	}
	if err = tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("error committing transaction: %w", err)
	}
	return len(processed), dispatchErr
}

func (c *PostgresConsumer) runPartition(ctx context.Context, partition int, wakeup <-chan struct{}) error {
	pollInterval := c.config.PartitionPollInterval.ToDuration()
	wait := func(d time.Duration) error {
		select {
		case <-time.After(d):
		case <-wakeup:
		case <-ctx.Done():
			return ctx.Err()
		}
		return nil
	}

	retryBackoff := newRetryBackoff()
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		n, err := c.processPartition(ctx, partition)
		metrics.ConsumerProcessedTotal.WithLabelValues(c.common.name).Add(float64(n))
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, errLockNotAcquired) {
				if err := wait(pollInterval); err != nil {
					return err
				}
				continue
			}
			next := retryBackoff.NextBackOff()
			metrics.ConsumerErrorsTotal.WithLabelValues(c.common.name).Inc()
			c.common.log.Error().Err(err).Int("partition", partition).Str("next_attempt_in", next.String()).Msg("error processing outbox partition")
			if err := sleepCtx(ctx, next); err != nil {
				return err
			}
			continue
		}
		retryBackoff.Reset()
		// Full batch means more rows may be waiting.
		if n < c.config.PartitionSelectLimit {
			if err := wait(pollInterval); err != nil {
				return err
			}
		}
	}
}

func (c *PostgresConsumer) Run(ctx context.Context) error {
	defer c.pool.Close()

	eg, ctx := errgroup.WithContext(ctx)

	wakeups := make([]chan struct{}, c.config.NumPartitions)
	for i := range wakeups {
		wakeups[i] = make(chan struct{}, 1)
	}

	if c.config.PartitionNotificationChannel != "" {
		eg.Go(func() error {
			for {
				err := c.listen(ctx, wakeups)
				if ctx.Err() != nil {
					return ctx.Err()
				}
				c.common.log.Error().Err(err).Msg("error listening outbox notifications")
				select {
				case <-time.After(time.Second):
				case <-ctx.Done():
					return ctx.Err()
				}
			}
		})
	}

	for i := range wakeups {
		eg.Go(func() error {
			return c.runPartition(ctx, i, wakeups[i])
		})
	}
	return eg.Wait()
}
