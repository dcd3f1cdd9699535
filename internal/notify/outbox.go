package notify

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/example/wavematch/internal/request/domain"
)

// OutboxNotifier stores notifications in the outbox table. The outbox relay
// publishes them to NATS, so a broker outage does not lose events.
type OutboxNotifier struct {
	db     *sql.DB
	prefix string
}

func NewOutboxNotifier(db *sql.DB, prefix string) *OutboxNotifier {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	return &OutboxNotifier{db: db, prefix: prefix}
}

// Notify satisfies domain.Notifier.
func (o *OutboxNotifier) Notify(ctx context.Context, n domain.Notification) error {
	payload, err := Encode(n)
	if err != nil {
		return err
	}
	if _, err := o.db.ExecContext(ctx,
		`INSERT INTO outbox (topic, event_type, payload, published) VALUES ($1, $2, $3, false)`,
		Subject(o.prefix, n.Event), string(n.Event), payload); err != nil {
		return fmt.Errorf("insert outbox: %w", err)
	}
	return nil
}
