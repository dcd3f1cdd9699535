package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel/trace"

	"github.com/example/wavematch/internal/request/domain"
)

const (
	HeaderTraceID   = "x-trace-id"
	HeaderEventType = "x-event-type"
	HeaderTarget    = "x-target-user"
)

// DefaultSubjectPrefix is used when no prefix is configured.
const DefaultSubjectPrefix = "wavematch.notifications"

type msgPublisher interface {
	PublishMsg(msg *nats.Msg) error
}

// NATSNotifier publishes notifications to "<prefix>.<event>" subjects.
type NATSNotifier struct {
	conn   msgPublisher
	prefix string
}

// NewNATSNotifier builds a notifier over an established connection.
func NewNATSNotifier(conn *nats.Conn, prefix string) *NATSNotifier {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	return &NATSNotifier{conn: conn, prefix: prefix}
}

// Notify satisfies domain.Notifier.
func (p *NATSNotifier) Notify(ctx context.Context, n domain.Notification) error {
	if p == nil || p.conn == nil {
		return nil
	}
	payload, err := Encode(n)
	if err != nil {
		return err
	}
	msg := nats.NewMsg(Subject(p.prefix, n.Event))
	msg.Data = payload
	msg.Header.Set(HeaderEventType, string(n.Event))
	msg.Header.Set(HeaderTarget, n.TargetUserID.String())
	if id := traceIDFromContext(ctx); id != "" {
		msg.Header.Set(HeaderTraceID, id)
	}
	if err := p.conn.PublishMsg(msg); err != nil {
		return fmt.Errorf("publish %s: %w", msg.Subject, err)
	}
	return nil
}

// Subject returns the subject an event is published on.
func Subject(prefix string, event domain.EventType) string {
	return prefix + "." + string(event)
}

// Encode renders the wire payload of a notification.
func Encode(n domain.Notification) ([]byte, error) {
	payload, err := json.Marshal(n)
	if err != nil {
		return nil, fmt.Errorf("marshal notification: %w", err)
	}
	return payload, nil
}

func traceIDFromContext(ctx context.Context) string {
	sc := trace.SpanFromContext(ctx).SpanContext()
	if !sc.IsValid() {
		return ""
	}
	return sc.TraceID().String()
}
