package store

import (
	"context"
	"time"

	"github.com/BTreeMap/CarePipe/internal/logger"
)

// OutboxSendFunc is the callback that performs the actual message send.
// It receives the outbox message and should return an error if sending failed.
type OutboxSendFunc func(ctx context.Context, msg OutboxMessage) error

// OutboxSender periodically claims due outbox messages and attempts to send them.
type OutboxSender struct {
	repo           OutboxRepo
	sendFunc       OutboxSendFunc
	log            *logger.Logger
	pollInterval   time.Duration
	staleThreshold time.Duration
	claimLimit     int
	now            func() time.Time
}

// NewOutboxSender creates a new OutboxSender.
func NewOutboxSender(repo OutboxRepo, sendFunc OutboxSendFunc, pollInterval time.Duration, log *logger.Logger) *OutboxSender {
	if pollInterval <= 0 {
		pollInterval = 5 * time.Second
	}
	if log == nil {
		log = logger.NewNop()
	}
	return &OutboxSender{
		repo:           repo,
		sendFunc:       sendFunc,
		log:            log,
		pollInterval:   pollInterval,
		staleThreshold: 5 * time.Minute,
		claimLimit:     10,
		now:            time.Now,
	}
}

// RecoverStaleMessages requeues messages stuck in sending state (crash recovery).
// Should be called once at startup.
func (s *OutboxSender) RecoverStaleMessages(ctx context.Context) error {
	staleBefore := s.now().Add(-s.staleThreshold)
	n, err := s.repo.RequeueStaleSendingMessages(ctx, staleBefore)
	if err != nil {
		return err
	}
	if n > 0 {
		s.log.Info("OutboxSender.RecoverStaleMessages: requeued stale messages", "count", n)
	}
	return nil
}

// Run starts the polling loop. It blocks until the context is cancelled.
func (s *OutboxSender) Run(ctx context.Context) {
	s.log.Info("OutboxSender.Run: starting outbox sender", "pollInterval", s.pollInterval)

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.log.Info("OutboxSender.Run: stopping")
			return
		case <-ticker.C:
			s.Poll(ctx)
		}
	}
}

// Poll sends one round of due messages and returns how many were claimed.
func (s *OutboxSender) Poll(ctx context.Context) int {
	now := s.now()
	msgs, err := s.repo.ClaimDueOutboxMessages(ctx, now, s.claimLimit)
	if err != nil {
		s.log.Error("OutboxSender.Poll: claim failed", "error", err)
		return 0
	}

	for _, msg := range msgs {
		s.log.Debug("OutboxSender.Poll: sending message", "id", msg.ID, "patientID", msg.PatientID, "kind", msg.Kind)
		if err := s.sendFunc(ctx, msg); err != nil {
			s.log.Error("OutboxSender.Poll: send failed", "id", msg.ID, "error", err)
			// Exponential backoff: 10s, 20s, 40s, ...
			backoff := time.Duration(10*(1<<msg.Attempts)) * time.Second
			if err := s.repo.FailOutboxMessage(ctx, msg.ID, err.Error(), now.Add(backoff)); err != nil {
				s.log.Error("OutboxSender.Poll: fail message error", "id", msg.ID, "error", err)
			}
			continue
		}
		if err := s.repo.MarkOutboxMessageSent(ctx, msg.ID); err != nil {
			s.log.Error("OutboxSender.Poll: mark sent error", "id", msg.ID, "error", err)
		}
		s.log.Debug("OutboxSender.Poll: message sent", "id", msg.ID, "patientID", msg.PatientID)
	}
	return len(msgs)
}
