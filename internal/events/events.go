package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/wagerledger/pkg/ledger"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// LedgerEvent is the wire form of a successful state-changing operation.
type LedgerEvent struct {
	Operation   string `json:"operation"`
	Status      string `json:"status"`
	AccountID   string `json:"account_id,omitempty"`
	PoolID      string `json:"pool_id,omitempty"`
	BetID       string `json:"bet_id,omitempty"`
	LoanID      string `json:"loan_id,omitempty"`
	ReferenceID string `json:"reference_id,omitempty"`
	Kind        string `json:"kind,omitempty"`
	Amount      int64  `json:"amount,omitempty"`
	Count       int64  `json:"count,omitempty"`
	TsUnixMs    int64  `json:"ts_unix_ms"`
}

// LoanReminder asks the presentation layer to nudge a borrower.
type LoanReminder struct {
	LoanID     string `json:"loan_id"`
	LenderID   string `json:"lender_id"`
	BorrowerID string `json:"borrower_id"`
	Owed       int64  `json:"owed"`
	DueAt      string `json:"due_at"`
	TsUnixMs   int64  `json:"ts_unix_ms"`
}

// Notifier delivers loan reminders.
type Notifier interface {
	NotifyLoanDue(ctx context.Context, loan ledger.Loan) error
}

// MessageWriter is the subset of *kafka.Writer used here.
type MessageWriter interface {
	WriteMessages(ctx context.Context, messages ...kafka.Message) error
	Close() error
}

// NewWriter builds an asynchronous kafka writer for one topic. Delivery
// failures are not reported back to the caller.
func NewWriter(brokers []string, topic string) *kafka.Writer {
	writer := newWriter(brokers, topic)
	writer.Async = true
	return writer
}

// NewReminderWriter builds a synchronous kafka writer so that WriteMessages
// returns only after the brokers acknowledge the reminder.
func NewReminderWriter(brokers []string, topic string) *kafka.Writer {
	writer := newWriter(brokers, topic)
	writer.RequiredAcks = kafka.RequireOne
	return writer
}

func newWriter(brokers []string, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		BatchTimeout:           50 * time.Millisecond,
		AllowAutoTopicCreation: true,
	}
}

// ParseBrokers splits a comma-delimited broker list.
func ParseBrokers(raw string) []string {
	parts := strings.Split(raw, ",")
	brokers := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			brokers = append(brokers, trimmed)
		}
	}
	return brokers
}

// Publisher streams ledger operations to kafka. It implements
// ledger.OperationLogger; failed and no-op operations are not published.
type Publisher struct {
	writer MessageWriter
	logger *zap.Logger
	now    func() time.Time
}

// NewPublisher wires a publisher over a message writer.
func NewPublisher(writer MessageWriter, logger *zap.Logger) (*Publisher, error) {
	if writer == nil {
		return nil, errors.New("events writer is nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Publisher{writer: writer, logger: logger, now: time.Now}, nil
}

// LogOperation implements ledger.OperationLogger.
func (publisher *Publisher) LogOperation(ctx context.Context, entry ledger.OperationLog) {
	if !entry.Succeeded() {
		return
	}
	event := LedgerEvent{
		Operation:   entry.Operation,
		Status:      entry.Status,
		AccountID:   entry.AccountID.String(),
		PoolID:      entry.PoolID,
		BetID:       entry.BetID,
		LoanID:      entry.LoanID,
		ReferenceID: entry.ReferenceID,
		Kind:        entry.Kind.String(),
		Amount:      entry.Amount,
		Count:       entry.Count,
		TsUnixMs:    entry.OccurredAt.UnixMilli(),
	}
	if err := publisher.write(ctx, eventKey(entry), event); err != nil {
		publisher.logger.Warn("ledger event publish failed", zap.String("operation", entry.Operation), zap.Error(err))
	}
}

// Close flushes and closes the writer.
func (publisher *Publisher) Close() error {
	return publisher.writer.Close()
}

func (publisher *Publisher) write(ctx context.Context, key string, payload any) error {
	value, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	return publisher.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(key),
		Value: value,
		Time:  publisher.now().UTC(),
	})
}

// eventKey keeps events of one pool, loan or account on one partition.
func eventKey(entry ledger.OperationLog) string {
	switch {
	case entry.PoolID != "":
		return entry.PoolID
	case entry.LoanID != "":
		return entry.LoanID
	default:
		return entry.AccountID.String()
	}
}

// KafkaNotifier publishes loan reminders to a reminders topic.
type KafkaNotifier struct {
	publisher *Publisher
}

// NewKafkaNotifier wires a reminder notifier over a message writer.
func NewKafkaNotifier(writer MessageWriter, logger *zap.Logger) (*KafkaNotifier, error) {
	publisher, err := NewPublisher(writer, logger)
	if err != nil {
		return nil, err
	}
	return &KafkaNotifier{publisher: publisher}, nil
}

// NotifyLoanDue implements Notifier.
func (notifier *KafkaNotifier) NotifyLoanDue(ctx context.Context, loan ledger.Loan) error {
	reminder := LoanReminder{
		LoanID:     loan.ID,
		LenderID:   loan.LenderID.String(),
		BorrowerID: loan.BorrowerID.String(),
		Owed:       loan.Owed(),
		DueAt:      loan.DueAt.UTC().Format(time.RFC3339),
		TsUnixMs:   notifier.publisher.now().UnixMilli(),
	}
	if err := notifier.publisher.write(ctx, loan.ID, reminder); err != nil {
		return fmt.Errorf("publish loan reminder %s: %w", loan.ID, err)
	}
	return nil
}

// Close flushes and closes the writer.
func (notifier *KafkaNotifier) Close() error {
	return notifier.publisher.Close()
}

// LogNotifier writes reminders to the log when no broker is configured.
type LogNotifier struct {
	logger *zap.Logger
}

// NewLogNotifier returns a notifier that only logs.
func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogNotifier{logger: logger}
}

// NotifyLoanDue implements Notifier.
func (notifier *LogNotifier) NotifyLoanDue(ctx context.Context, loan ledger.Loan) error {
	notifier.logger.Info("loan due",
		zap.String("loan_id", loan.ID),
		zap.String("borrower_id", loan.BorrowerID.String()),
		zap.String("lender_id", loan.LenderID.String()),
		zap.Int64("owed", loan.Owed()),
		zap.Time("due_at", loan.DueAt),
	)
	return nil
}

var (
	_ ledger.OperationLogger = (*Publisher)(nil)
	_ Notifier               = (*KafkaNotifier)(nil)
	_ Notifier               = (*LogNotifier)(nil)
)
