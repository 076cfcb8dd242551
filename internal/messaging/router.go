package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/BTreeMap/CarePipe/internal/logger"
	"github.com/BTreeMap/CarePipe/internal/models"
	"github.com/BTreeMap/CarePipe/internal/store"
	"github.com/BTreeMap/CarePipe/internal/util"
)

// ErrUnknownSender is returned by Route for messages from unregistered numbers.
var ErrUnknownSender = errors.New("unknown sender")

// RouterStore is the repository surface the router needs.
type RouterStore interface {
	store.PatientRepo
	store.InstanceRepo
	store.ObservationRepo
	store.DedupRepo
}

// Submitter accepts text fragments for debounced analysis.
type Submitter interface {
	Submit(ctx context.Context, f models.MessageFragment) error
}

// Router dispatches inbound messages to the message buffer and records
// photo check-ins.
type Router struct {
	st     RouterStore
	intake Submitter
	log    *logger.Logger
}

// NewRouter creates a Router.
func NewRouter(st RouterStore, intake Submitter, log *logger.Logger) *Router {
	if log == nil {
		log = logger.NewNop()
	}
	return &Router{st: st, intake: intake, log: log}
}

// Route handles one inbound message. A redelivered ExternalID is dropped once
// an earlier delivery was processed.
func (r *Router) Route(ctx context.Context, msg models.InboundMessage) error {
	phone, err := CanonicalPhone(msg.From)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnknownSender, err)
	}
	patient, err := r.st.GetPatientByPhone(ctx, phone)
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("%w: %s", ErrUnknownSender, logger.MaskPhone(phone))
	}
	if err != nil {
		return fmt.Errorf("route: %w", err)
	}

	if msg.ExternalID != "" {
		fresh, err := r.st.RecordInbound(ctx, msg.ExternalID, patient.ID)
		if err != nil {
			return fmt.Errorf("route: record inbound %s: %w", msg.ExternalID, err)
		}
		if !fresh {
			r.log.Debug("Router.Route: duplicate delivery dropped", "patient_id", patient.ID, "external_id", msg.ExternalID)
			return nil
		}
	}

	var errs []error
	if msg.MediaURL != "" {
		errs = append(errs, r.recordPhoto(ctx, patient.ID, msg))
	}
	if strings.TrimSpace(msg.Body) != "" {
		err := r.intake.Submit(ctx, models.MessageFragment{
			PatientID:  patient.ID,
			Text:       msg.Body,
			ExternalID: msg.ExternalID,
			ReceivedAt: msg.ReceivedAt(),
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("submit fragment: %w", err))
		}
	}
	if err := errors.Join(errs...); err != nil {
		return err
	}

	if msg.ExternalID != "" {
		if err := r.st.MarkProcessed(ctx, msg.ExternalID); err != nil {
			r.log.Warn("Router.Route: mark processed failed", "external_id", msg.ExternalID, "error", err)
		}
	}
	return nil
}

func (r *Router) recordPhoto(ctx context.Context, patientID string, msg models.InboundMessage) error {
	obs := models.Observation{
		PatientID:    patientID,
		ActivityType: models.ActivityPhoto,
		MediaURL:     msg.MediaURL,
		Source:       models.ObservationFromPatient,
		CreatedAt:    msg.ReceivedAt(),
	}
	if msg.ExternalID != "" {
		obs.ID = util.StableID(util.PrefixObservation, "inbound:"+msg.ExternalID)
	}
	if caption := strings.TrimSpace(msg.Body); caption != "" {
		obs.Value.Text = &caption
	}
	if inst, err := r.st.GetRunningInstanceForPatient(ctx, patientID); err == nil {
		obs.ProgramInstanceID = inst.ID
	}
	if err := r.st.AddObservation(ctx, obs); err != nil {
		return fmt.Errorf("record photo: %w", err)
	}
	r.log.Info("Router.recordPhoto: photo observation recorded", "patient_id", patientID, "external_id", msg.ExternalID)
	return nil
}

// Run routes messages from in until it is closed or ctx is done.
func (r *Router) Run(ctx context.Context, in <-chan models.InboundMessage) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-in:
			if !ok {
				return
			}
			err := r.Route(ctx, msg)
			switch {
			case errors.Is(err, ErrUnknownSender):
				r.log.Warn("Router.Run: message from unknown sender ignored", "from", msg.From)
			case err != nil:
				r.log.Error("Router.Run: route failed", "from", msg.From, "external_id", msg.ExternalID, "error", err)
			}
		}
	}
}

// RecordReceipts stores delivery receipts from in until it is closed or ctx is done.
func RecordReceipts(ctx context.Context, repo store.ReceiptRepo, in <-chan models.Receipt, log *logger.Logger) {
	if log == nil {
		log = logger.NewNop()
	}
	for {
		select {
		case <-ctx.Done():
			return
		case r, ok := <-in:
			if !ok {
				return
			}
			if err := repo.AddReceipt(ctx, r); err != nil {
				log.Error("RecordReceipts: store failed", "to", r.To, "status", r.Status, "error", err)
			}
		}
	}
}

// Sender is the outbound half of a Service.
type Sender interface {
	SendMessage(ctx context.Context, to string, body string) error
}

// OutboxSendFunc delivers outbox text messages through sender.
func OutboxSendFunc(sender Sender) store.OutboxSendFunc {
	return func(ctx context.Context, msg store.OutboxMessage) error {
		switch msg.Kind {
		case store.OutboxKindReply, store.OutboxKindReminder:
		default:
			return fmt.Errorf("outbox message %s: unsupported kind %q", msg.ID, msg.Kind)
		}
		var p store.OutboxPayload
		if err := json.Unmarshal([]byte(msg.PayloadJSON), &p); err != nil {
			return fmt.Errorf("outbox message %s: decode payload: %w", msg.ID, err)
		}
		return sender.SendMessage(ctx, p.To, p.Body)
	}
}
