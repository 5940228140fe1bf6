package queue

import (
    "context"
    "encoding/json"
    "errors"
    "fmt"
    "os"
    "path/filepath"
    "strings"
    "time"

    amqp "github.com/rabbitmq/amqp091-go"

    "github.com/iliyamo/backoffice-auth/internal/logging"
)

// DefaultQueue is the durable queue auth events are routed to.
const DefaultQueue = "auth.events"

// Consumer listens to the auth events queue and appends one line per event
// to LogPath.
type Consumer struct {
    URL     string
    Queue   string
    Tag     string
    LogPath string
    Log     logging.Logger
}

// Run connects to RabbitMQ, declares the queue (durable) and consumes until
// ctx is cancelled. Broker failures are retried with capped exponential
// backoff; malformed messages are rejected without requeue so the consumer
// never spins on them.
func (c *Consumer) Run(ctx context.Context) error {
    if c.Queue == "" {
        c.Queue = DefaultQueue
    }
    if c.Log == nil {
        c.Log = logging.Nop()
    }
    backoff := time.Second
    for {
        conn, err := amqp.Dial(c.URL)
        if err != nil {
            c.Log.Warn(ctx, "auth-consumer: dial failed", "error", err, "retry_in", backoff)
            if !sleep(ctx, backoff) {
                return ctx.Err()
            }
            if backoff < 30*time.Second {
                backoff *= 2
            }
            continue
        }
        backoff = time.Second

        err = c.consumeLoop(ctx, conn)
        _ = conn.Close()
        if ctx.Err() != nil {
            return ctx.Err()
        }
        c.Log.Warn(ctx, "auth-consumer: consume loop ended; reconnecting", "error", err)
        if !sleep(ctx, 2*time.Second) {
            return ctx.Err()
        }
    }
}

func sleep(ctx context.Context, d time.Duration) bool {
    t := time.NewTimer(d)
    defer t.Stop()
    select {
    case <-ctx.Done():
        return false
    case <-t.C:
        return true
    }
}

func (c *Consumer) consumeLoop(ctx context.Context, conn *amqp.Connection) error {
    ch, err := conn.Channel()
    if err != nil {
        return fmt.Errorf("channel open: %w", err)
    }
    defer func() { _ = ch.Close() }()

    if err := ch.Qos(50, 0, false); err != nil {
        c.Log.Warn(ctx, "auth-consumer: set QoS failed", "error", err)
    }

    if _, err := ch.QueueDeclare(c.Queue, true, false, false, false, nil); err != nil {
        return fmt.Errorf("queue declare: %w", err)
    }

    msgs, err := ch.ConsumeWithContext(ctx, c.Queue, c.Tag, false, false, false, false, nil)
    if err != nil {
        return fmt.Errorf("queue consume: %w", err)
    }

    for d := range msgs {
        if err := c.HandleMessage(d.Body); err != nil {
            c.Log.Error(ctx, "auth-consumer: handle message failed", "error", err)
            _ = d.Nack(false, false)
            continue
        }
        _ = d.Ack(false)
    }
    return errors.New("deliveries channel closed")
}

// HandleMessage decodes one event and appends it to the audit log.
func (c *Consumer) HandleMessage(body []byte) error {
    var ev AuthEvent
    if err := json.Unmarshal(body, &ev); err != nil {
        return fmt.Errorf("unmarshal: %w", err)
    }
    if ev.Type == "" {
        return errors.New("event without type")
    }
    if err := os.MkdirAll(filepath.Dir(c.LogPath), 0o755); err != nil {
        return fmt.Errorf("mkdir logs: %w", err)
    }
    f, err := os.OpenFile(c.LogPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
    if err != nil {
        return fmt.Errorf("open log file: %w", err)
    }
    defer f.Close()

    if _, err := f.WriteString(FormatLine(ev)); err != nil {
        return fmt.Errorf("write log: %w", err)
    }
    return nil
}

// FormatLine renders an event as a single human-friendly log line.
func FormatLine(ev AuthEvent) string {
    var b strings.Builder
    fmt.Fprintf(&b, "[%s] %s | id=%s", ev.OccurredAt.UTC().Format(time.RFC3339), ev.Type, ev.ID)
    if ev.UserID != 0 {
        fmt.Fprintf(&b, " | user_id=%d", ev.UserID)
    }
    if ev.Email != "" {
        fmt.Fprintf(&b, " | email=%q", ev.Email)
    }
    if ev.IP != "" {
        fmt.Fprintf(&b, " | ip=%s", ev.IP)
    }
    if ev.Reason != "" {
        fmt.Fprintf(&b, " | reason=%s", ev.Reason)
    }
    b.WriteByte('\n')
    return b.String()
}
