package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/agendly/agendly/libs/db"
	"github.com/agendly/agendly/libs/events"
	"github.com/agendly/agendly/services/notification-service/internal/email"
	"github.com/agendly/agendly/services/notification-service/internal/sms"
	"github.com/agendly/agendly/services/notification-service/internal/storage"
	"github.com/segmentio/kafka-go"
)

const (
	KindReminder     = "reminder"
	KindConfirmation = "confirmation"
)

// Dispatcher routes consumed events to the right channel sender, records
// every delivery attempt, and mirrors the outcome to the outbox so billing
// can meter sent notifications.
type Dispatcher struct {
	pool       *db.Pool
	repo       *storage.Repository
	outboxRepo *events.OutboxRepository
	email      email.Sender
	sms        sms.Sender
	logger     *slog.Logger
	failSuffix string
}

func New(pool *db.Pool, repo *storage.Repository, outboxRepo *events.OutboxRepository, emailSender email.Sender, smsSender sms.Sender, logger *slog.Logger, failSuffix string) *Dispatcher {
	return &Dispatcher{
		pool:       pool,
		repo:       repo,
		outboxRepo: outboxRepo,
		email:      emailSender,
		sms:        smsSender,
		logger:     logger,
		failSuffix: failSuffix,
	}
}

type reminderPayload struct {
	AppointmentID string         `json:"appointment_id"`
	BusinessID    string         `json:"business_id"`
	Channel       string         `json:"channel"`
	Recipient     string         `json:"recipient"`
	RemindAt      string         `json:"remind_at"`
	TemplateData  map[string]any `json:"template_data"`
}

type confirmationPayload struct {
	AppointmentID string `json:"appointment_id"`
	BusinessID    string `json:"business_id"`
	ServiceID     string `json:"service_id"`
	ClientEmail   string `json:"client_email"`
	ClientPhone   string `json:"client_phone"`
	StartTime     string `json:"start_time"`
}

// delivery is one attempt on one channel, ready to hand to a sender.
type delivery struct {
	appointmentID string
	businessID    string
	kind          string
	channel       string
	recipient     string
	subject       string
	body          string
	templateData  map[string]any
}

func (d *Dispatcher) HandleMessage(ctx context.Context, msg kafka.Message) error {
	switch msg.Topic {
	case "scheduler.reminder.due.v1":
		return d.handleReminder(ctx, msg.Value)
	case "booking.appointment.confirmed.v1":
		return d.handleConfirmation(ctx, msg.Value)
	default:
		d.logger.Warn("unexpected topic", "topic", msg.Topic)
		return nil
	}
}

func (d *Dispatcher) handleReminder(ctx context.Context, raw []byte) error {
	var payload reminderPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		d.logger.Error("invalid reminder payload", "err", err)
		return nil
	}
	if payload.AppointmentID == "" || payload.BusinessID == "" || payload.Channel == "" || payload.Recipient == "" || payload.RemindAt == "" {
		d.logger.Error("missing reminder fields", "appointment_id", payload.AppointmentID)
		return nil
	}
	if _, err := time.Parse(time.RFC3339, payload.RemindAt); err != nil {
		d.logger.Error("invalid remind_at", "err", err, "remind_at", payload.RemindAt)
		return nil
	}

	subject, body := reminderContent(payload)
	return d.deliver(ctx, delivery{
		appointmentID: payload.AppointmentID,
		businessID:    payload.BusinessID,
		kind:          KindReminder,
		channel:       strings.ToLower(payload.Channel),
		recipient:     payload.Recipient,
		subject:       subject,
		body:          body,
		templateData:  payload.TemplateData,
	})
}

func (d *Dispatcher) handleConfirmation(ctx context.Context, raw []byte) error {
	var payload confirmationPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		d.logger.Error("invalid confirmation payload", "err", err)
		return nil
	}
	if payload.AppointmentID == "" || payload.BusinessID == "" {
		d.logger.Error("missing confirmation fields")
		return nil
	}

	deliveries := confirmationDeliveries(payload)
	if len(deliveries) == 0 {
		d.logger.Info("confirmation has no reachable recipient", "appointment_id", payload.AppointmentID)
		return nil
	}
	for _, dv := range deliveries {
		if err := d.deliver(ctx, dv); err != nil {
			return err
		}
	}
	return nil
}

// deliver sends, persists the attempt, and enqueues the outcome event.
// Send failures are recorded, not retried; persistence failures surface to
// the consumer loop so they are at least logged.
func (d *Dispatcher) deliver(ctx context.Context, dv delivery) error {
	status := "sent"
	failureReason := ""
	providerID := ""

	if d.failSuffix != "" && strings.HasSuffix(dv.recipient, d.failSuffix) {
		status = "failed"
		failureReason = "simulated failure"
	}

	if status == "sent" {
		switch dv.channel {
		case "email":
			if err := d.email.Send(dv.recipient, dv.subject, dv.body); err != nil {
				status = "failed"
				failureReason = err.Error()
				d.logger.Error("email send failed", "err", err, "recipient", dv.recipient)
			} else {
				providerID = "smtp"
			}
		case "sms":
			if err := d.sms.Send(ctx, dv.recipient, dv.body); err != nil {
				status = "failed"
				failureReason = err.Error()
				d.logger.Error("sms send failed", "err", err, "recipient", dv.recipient)
			} else {
				providerID = d.sms.ProviderID()
			}
		default:
			status = "failed"
			failureReason = "unsupported channel: " + dv.channel
			d.logger.Error("unsupported channel", "channel", dv.channel)
		}
	}

	if err := d.repo.Insert(ctx, storage.Notification{
		AppointmentID: dv.appointmentID,
		BusinessID:    dv.businessID,
		Kind:          dv.kind,
		Channel:       dv.channel,
		Recipient:     dv.recipient,
		Payload:       dv.templateData,
		Status:        status,
		ProviderID:    providerID,
		FailureReason: failureReason,
	}); err != nil {
		d.logger.Error("failed to persist notification", "err", err)
		return err
	}

	if status == "failed" {
		if err := d.enqueueFailed(ctx, dv, failureReason); err != nil {
			d.logger.Error("failed to enqueue notification.failed", "err", err)
			return err
		}
	} else {
		if err := d.enqueueSent(ctx, dv, providerID); err != nil {
			d.logger.Error("failed to enqueue notification.sent", "err", err)
			return err
		}
	}

	d.logger.Info("notification processed",
		"appointment_id", dv.appointmentID, "kind", dv.kind, "channel", dv.channel, "status", status)
	return nil
}

func (d *Dispatcher) enqueueSent(ctx context.Context, dv delivery, providerID string) error {
	if providerID == "" {
		providerID = "unknown"
	}
	payload, err := json.Marshal(map[string]any{
		"appointment_id": dv.appointmentID,
		"business_id":    dv.businessID,
		"kind":           dv.kind,
		"channel":        dv.channel,
		"provider_id":    providerID,
		"count":          1,
		"sent_at":        time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return err
	}
	return d.enqueue(ctx, dv.appointmentID, "notification.sent.v1", payload)
}

func (d *Dispatcher) enqueueFailed(ctx context.Context, dv delivery, reason string) error {
	payload, err := json.Marshal(map[string]any{
		"appointment_id": dv.appointmentID,
		"business_id":    dv.businessID,
		"kind":           dv.kind,
		"channel":        dv.channel,
		"error_reason":   reason,
		"failed_at":      time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return err
	}
	return d.enqueue(ctx, dv.appointmentID, "notification.failed.v1", payload)
}

func (d *Dispatcher) enqueue(ctx context.Context, appointmentID, eventType string, payload []byte) error {
	tx, err := d.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := d.outboxRepo.Insert(ctx, tx, events.Event{
		AggregateType: "notification",
		AggregateID:   appointmentID,
		EventType:     eventType,
		Payload:       payload,
	}); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func reminderContent(p reminderPayload) (string, string) {
	subject := "Appointment reminder"
	body := fmt.Sprintf("Reminder for appointment %s at %s.", p.AppointmentID, p.RemindAt)
	if start, ok := p.TemplateData["start_time"].(string); ok && start != "" {
		body = fmt.Sprintf("Reminder for appointment %s starting at %s.", p.AppointmentID, start)
	}
	if name, ok := p.TemplateData["client_name"].(string); ok && name != "" {
		body = fmt.Sprintf("Hi %s. %s", name, body)
	}
	if name, ok := p.TemplateData["business_name"].(string); ok && name != "" {
		body = fmt.Sprintf("[%s] %s", name, body)
	}
	return subject, body
}

func confirmationDeliveries(p confirmationPayload) []delivery {
	subject := "Appointment confirmed"
	body := fmt.Sprintf("Your appointment %s is confirmed.", p.AppointmentID)
	if p.StartTime != "" {
		body = fmt.Sprintf("Your appointment %s is confirmed for %s.", p.AppointmentID, p.StartTime)
	}

	var out []delivery
	if strings.TrimSpace(p.ClientEmail) != "" {
		out = append(out, delivery{
			appointmentID: p.AppointmentID,
			businessID:    p.BusinessID,
			kind:          KindConfirmation,
			channel:       "email",
			recipient:     p.ClientEmail,
			subject:       subject,
			body:          body,
		})
	}
	if strings.TrimSpace(p.ClientPhone) != "" {
		out = append(out, delivery{
			appointmentID: p.AppointmentID,
			businessID:    p.BusinessID,
			kind:          KindConfirmation,
			channel:       "sms",
			recipient:     p.ClientPhone,
			subject:       subject,
			body:          body,
		})
	}
	return out
}
