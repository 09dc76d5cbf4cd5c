package chatstore

import (
	"context"
	"time"

	"github.com/raphaelgruber/policychat/internal/metrics"
	"github.com/raphaelgruber/policychat/internal/models"
)

type instrumented struct {
	next    Store
	metrics *metrics.Collector
}

// Instrument records the latency and failures of every call on s.
func Instrument(s Store, m *metrics.Collector) Store {
	if m == nil {
		return s
	}
	return &instrumented{next: s, metrics: m}
}

func (i *instrumented) CreateSession(ctx context.Context, userID string) (string, error) {
	start := time.Now()
	id, err := i.next.CreateSession(ctx, userID)
	i.metrics.RecordResult(metrics.OpStoreCreate, time.Since(start), err)
	return id, err
}

func (i *instrumented) ListSessions(ctx context.Context, userID string) ([]models.SessionSummary, error) {
	start := time.Now()
	list, err := i.next.ListSessions(ctx, userID)
	i.metrics.RecordResult(metrics.OpStoreList, time.Since(start), err)
	return list, err
}

func (i *instrumented) GetSession(ctx context.Context, userID, sessionID string) (*models.Session, error) {
	start := time.Now()
	sess, err := i.next.GetSession(ctx, userID, sessionID)
	i.metrics.RecordResult(metrics.OpStoreGet, time.Since(start), err)
	return sess, err
}

func (i *instrumented) AppendMessage(ctx context.Context, userID, sessionID string, msg models.Message) (models.Message, error) {
	start := time.Now()
	stored, err := i.next.AppendMessage(ctx, userID, sessionID, msg)
	i.metrics.RecordResult(metrics.OpStoreAppend, time.Since(start), err)
	return stored, err
}
