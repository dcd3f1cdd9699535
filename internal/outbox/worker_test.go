//go:build integration

package outbox

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/require"
	natscontainer "github.com/testcontainers/testcontainers-go/modules/nats"
	postgrescontainer "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.uber.org/zap"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/example/wavematch/internal/notify"
	"github.com/example/wavematch/internal/request/domain"
	"github.com/example/wavematch/internal/request/repository"
)

func TestWorkerRelaysOutboxNotifications(t *testing.T) {
	ctx := context.Background()
	db := openDB(t, ctx)
	nc := connectNATS(t, ctx)

	msgCh := make(chan *nats.Msg, 1)
	_, err := nc.Subscribe(notify.DefaultSubjectPrefix+".>", func(msg *nats.Msg) {
		msgCh <- msg
	})
	require.NoError(t, err)

	n := domain.Notification{Event: domain.EventNewOpportunity, TargetUserID: uuid.New(), RequestID: uuid.New(), CreatedAt: time.Now().UTC()}
	require.NoError(t, notify.NewOutboxNotifier(db, "").Notify(ctx, n))

	worker := NewWorker(db, nc, zap.NewNop(), WorkerConfig{PollInterval: 100 * time.Millisecond, BatchSize: 10, RetryMax: 5})
	ctxWorker, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		_ = worker.Run(ctxWorker)
	}()

	select {
	case <-time.After(10 * time.Second):
		t.Fatal("expected relayed notification")
	case msg := <-msgCh:
		require.Equal(t, notify.Subject(notify.DefaultSubjectPrefix, domain.EventNewOpportunity), msg.Subject)
		require.Equal(t, string(domain.EventNewOpportunity), msg.Header.Get(notify.HeaderEventType))
		require.Equal(t, "outbox-1", msg.Header.Get(nats.MsgIdHdr))
		var decoded domain.Notification
		require.NoError(t, json.Unmarshal(msg.Data, &decoded))
		require.Equal(t, n.RequestID, decoded.RequestID)
	}

	require.Eventually(t, func() bool { return published(t, ctx, db, 1) }, 5*time.Second, 50*time.Millisecond)
	cancel()
}

func TestWorkerRetriesOnFailure(t *testing.T) {
	ctx := context.Background()
	db := openDB(t, ctx)
	nc := connectNATS(t, ctx)

	msgCh := make(chan *nats.Msg, 1)
	_, err := nc.Subscribe(notify.DefaultSubjectPrefix+".>", func(msg *nats.Msg) {
		msgCh <- msg
	})
	require.NoError(t, err)

	require.NoError(t, notify.NewOutboxNotifier(db, "").Notify(ctx, domain.Notification{
		Event: domain.EventExpired, TargetUserID: uuid.New(), RequestID: uuid.New(),
	}))

	worker := NewWorker(db, nc, zap.NewNop(), WorkerConfig{PollInterval: 100 * time.Millisecond, BatchSize: 5, RetryMax: 5})
	worker.publisher = &flakyPublisher{base: nc, failFor: 3}

	n, err := worker.ProcessOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	select {
	case <-time.After(5 * time.Second):
		t.Fatal("expected retry publish")
	case msg := <-msgCh:
		require.Equal(t, string(domain.EventExpired), msg.Header.Get(notify.HeaderEventType))
	}
	require.True(t, published(t, ctx, db, 1))

	removed, err := worker.Purge(ctx, time.Now().Add(time.Hour))
	require.NoError(t, err)
	require.Equal(t, int64(1), removed)
}

type flakyPublisher struct {
	base    *nats.Conn
	failFor int32
}

func (f *flakyPublisher) PublishMsg(msg *nats.Msg) error {
	if atomic.LoadInt32(&f.failFor) > 0 {
		atomic.AddInt32(&f.failFor, -1)
		return errors.New("simulated nats outage")
	}
	return f.base.PublishMsg(msg)
}

func openDB(t *testing.T, ctx context.Context) *sql.DB {
	pg, err := postgrescontainer.Run(ctx, "postgres:16",
		postgrescontainer.WithDatabase("wavematch"),
		postgrescontainer.WithUsername("postgres"),
		postgrescontainer.WithPassword("postgres"),
		postgrescontainer.WithWaitStrategy(wait.ForLog("database system is ready to accept connections").WithOccurrence(2)))
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, pg.Terminate(ctx))
	})
	dsn, err := pg.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)
	db, err := sql.Open("pgx", dsn)
	require.NoError(t, err)
	require.NoError(t, db.PingContext(ctx))
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, repository.Migrate(db))
	return db
}

func connectNATS(t *testing.T, ctx context.Context) *nats.Conn {
	container, err := natscontainer.Run(ctx, "nats:2")
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, container.Terminate(ctx))
	})
	url, err := container.ConnectionString(ctx)
	require.NoError(t, err)
	nc, err := nats.Connect(url)
	require.NoError(t, err)
	t.Cleanup(func() { _ = nc.Drain() })
	return nc
}

func published(t *testing.T, ctx context.Context, db *sql.DB, id int64) bool {
	var ok bool
	require.NoError(t, db.QueryRowContext(ctx, `SELECT published FROM outbox WHERE id = $1`, id).Scan(&ok))
	return ok
}
