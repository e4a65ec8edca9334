package audit

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"identity-service/internal/bucketing"
	"identity-service/internal/client"
	"identity-service/internal/models"
	"identity-service/internal/util"
)

// Event types recorded by the authentication flows.
const (
	EventLoginSucceeded       = "login.succeeded"
	EventLoginFailed          = "login.failed"
	EventLoginRateLimited     = "login.rate_limited"
	EventStepUpSucceeded      = "step_up.succeeded"
	EventStepUpFailed         = "step_up.failed"
	EventSessionRevoked       = "session.revoked"
	EventSessionsBulkRevoked  = "session.bulk_revoked"
	EventTotpEnrolled         = "mfa.totp_enrolled"
	EventTotpActivated        = "mfa.totp_activated"
	EventTotpDisabled         = "mfa.totp_disabled"
	EventBackupCodesIssued    = "mfa.backup_codes_issued"
	EventBackupCodeUsed       = "mfa.backup_code_used"
	EventEmailChangeRequested = "email_change.requested"
	EventEmailChangeFinalized = "email_change.finalized"
	EventEmailChangeCancelled = "email_change.cancelled"
	EventCsrfRejected         = "csrf.rejected"
)

// Recorder accepts security events. Recording is best effort: flows never
// fail because the audit path is down.
type Recorder interface {
	Record(ctx context.Context, event *models.SecurityEvent)
}

// Sink fans events out to Kafka for streaming consumers and ClickHouse for
// analytics queries.
type Sink struct {
	kafka      *client.KafkaClient
	clickhouse *client.ClickhouseClient
	buckets    *bucketing.Manager
}

func NewSink(kafkaClient *client.KafkaClient, chClient *client.ClickhouseClient, buckets *bucketing.Manager) *Sink {
	return &Sink{
		kafka:      kafkaClient,
		clickhouse: chClient,
		buckets:    buckets,
	}
}

func (s *Sink) Record(ctx context.Context, event *models.SecurityEvent) {
	if event.EventTime.IsZero() {
		event.EventTime = time.Now().UTC()
	}
	event.EventDate = event.EventTime.Format("2006-01-02")
	if event.IdentityID != "" {
		event.EventBucket = int(s.buckets.Bucket(event.IdentityID))
	}

	if s.kafka != nil {
		payload, err := json.Marshal(event)
		if err != nil {
			util.Error("Failed to marshal security event", util.ErrorField(err))
			return
		}
		key := []byte(strconv.Itoa(event.EventBucket))
		if err := s.kafka.Publish(ctx, key, payload); err != nil {
			util.Warn("Failed to publish security event to kafka",
				util.String("event_type", event.EventType),
				util.ErrorField(err))
		}
	}

	if s.clickhouse != nil {
		if err := s.insertClickhouse(ctx, event); err != nil {
			util.Warn("Failed to store security event in clickhouse",
				util.String("event_type", event.EventType),
				util.ErrorField(err))
		}
	}
}

func (s *Sink) insertClickhouse(ctx context.Context, event *models.SecurityEvent) error {
	batch, err := s.clickhouse.Conn().PrepareBatch(ctx,
		`INSERT INTO security_events (event_bucket, event_date, event_time, event_type, identity_id, session_id, ip_address, details)`)
	if err != nil {
		return err
	}
	if err := batch.Append(
		uint32(event.EventBucket),
		event.EventDate,
		event.EventTime,
		event.EventType,
		event.IdentityID,
		event.SessionID,
		event.IPAddress,
		event.Details,
	); err != nil {
		return err
	}
	return batch.Send()
}

// NopRecorder discards events. Used in tests and when the audit backends
// are not configured.
type NopRecorder struct{}

func (NopRecorder) Record(context.Context, *models.SecurityEvent) {}
