package model

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// DefaultLocale is used when a recipient's locale has no content in the payload.
const DefaultLocale = "en"

type Channel string

const (
	ChannelNotification Channel = "notification"
	ChannelEmail        Channel = "email"
)

func (c Channel) IsValid() bool {
	switch c {
	case ChannelNotification, ChannelEmail:
		return true
	}
	return false
}

type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
	JobStatusCancelled  JobStatus = "cancelled"
)

func (s JobStatus) IsValid() bool {
	switch s {
	case JobStatusPending, JobStatusProcessing, JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	}
	return false
}

// IsTerminal reports whether no delivery pass will run without an explicit reprocess.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	}
	return false
}

type RecipientStatus string

const (
	RecipientStatusPending RecipientStatus = "pending"
	RecipientStatusSent    RecipientStatus = "sent"
	RecipientStatusFailed  RecipientStatus = "failed"
)

func (s RecipientStatus) IsValid() bool {
	switch s {
	case RecipientStatusPending, RecipientStatusSent, RecipientStatusFailed:
		return true
	}
	return false
}

// Content is the message for one locale. Notification jobs use Title and Message,
// email jobs use Subject, Body and the optional call to action.
type Content struct {
	Title    string `json:"title,omitempty"`
	Message  string `json:"message,omitempty"`
	Subject  string `json:"subject,omitempty"`
	Body     string `json:"body,omitempty"`
	CTALabel string `json:"cta_label,omitempty"`
	CTAURL   string `json:"cta_url,omitempty"`
}

// Payload is locale-keyed content, stored as JSONB.
type Payload map[string]Content

// Validate checks that every locale carries the fields the channel needs.
func (p Payload) Validate(ch Channel) error {
	if len(p) == 0 {
		return errors.New("payload must contain at least one locale")
	}
	for locale, c := range p {
		if strings.TrimSpace(locale) == "" {
			return errors.New("payload locale must not be empty")
		}
		switch ch {
		case ChannelNotification:
			if strings.TrimSpace(c.Title) == "" || strings.TrimSpace(c.Message) == "" {
				return fmt.Errorf("payload locale %q requires title and message", locale)
			}
		case ChannelEmail:
			if strings.TrimSpace(c.Subject) == "" || strings.TrimSpace(c.Body) == "" {
				return fmt.Errorf("payload locale %q requires subject and body", locale)
			}
			if c.CTALabel != "" && c.CTAURL == "" {
				return fmt.Errorf("payload locale %q has a cta label without url", locale)
			}
		default:
			return fmt.Errorf("unsupported channel: %s", ch)
		}
	}
	return nil
}

// For picks the content for locale, then DefaultLocale, then the first locale in sorted order.
func (p Payload) For(locale string) (Content, string, bool) {
	if len(p) == 0 {
		return Content{}, "", false
	}
	if c, ok := p[locale]; ok && locale != "" {
		return c, locale, true
	}
	if c, ok := p[DefaultLocale]; ok {
		return c, DefaultLocale, true
	}
	keys := make([]string, 0, len(p))
	for k := range p {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return p[keys[0]], keys[0], true
}

func (p Payload) Value() (driver.Value, error) {
	if p == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(p)
}

func (p *Payload) Scan(src interface{}) error {
	var data []byte
	switch v := src.(type) {
	case nil:
		*p = Payload{}
		return nil
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("unsupported payload type %T", src)
	}
	return json.Unmarshal(data, p)
}

// BroadcastJob is one mass-delivery request.
type BroadcastJob struct {
	ID                 uuid.UUID      `db:"id" json:"id"`
	Channel            Channel        `db:"channel" json:"channel"`
	TargetAllUsers     bool           `db:"target_all_users" json:"target_all_users"`
	TargetPlans        pq.StringArray `db:"target_plans" json:"target_plans"`
	Payload            Payload        `db:"payload" json:"payload"`
	BatchSize          int            `db:"batch_size" json:"batch_size"`
	BatchDelayMs       int            `db:"batch_delay_ms" json:"batch_delay_ms"`
	Status             JobStatus      `db:"status" json:"status"`
	TotalRecipients    int            `db:"total_recipients" json:"total_recipients"`
	ProcessedCount     int            `db:"processed_count" json:"processed_count"`
	SuccessCount       int            `db:"success_count" json:"success_count"`
	FailedCount        int            `db:"failed_count" json:"failed_count"`
	LastError          *string        `db:"last_error" json:"last_error,omitempty"`
	CreatedBy          string         `db:"created_by" json:"created_by,omitempty"`
	CreatedAt          time.Time      `db:"created_at" json:"created_at"`
	UpdatedAt          time.Time      `db:"updated_at" json:"updated_at"`
	StartedAt          *time.Time     `db:"started_at" json:"started_at,omitempty"`
	HeartbeatAt        *time.Time     `db:"heartbeat_at" json:"heartbeat_at,omitempty"`
	AudienceResolvedAt *time.Time     `db:"audience_resolved_at" json:"audience_resolved_at,omitempty"`
	CompletedAt        *time.Time     `db:"completed_at" json:"completed_at,omitempty"`
	// RunToken identifies the driver currently holding the job. Every claim replaces it.
	RunToken *uuid.UUID `db:"run_token" json:"-"`
}

// HeldBy reports whether the job is processing under token.
func (j *BroadcastJob) HeldBy(token uuid.UUID) bool {
	return j.Status == JobStatusProcessing && j.RunToken != nil && *j.RunToken == token
}

func (j *BroadcastJob) BatchDelay() time.Duration {
	return time.Duration(j.BatchDelayMs) * time.Millisecond
}

// Remaining is the number of recipients not yet attempted in the current pass.
func (j *BroadcastJob) Remaining() int {
	return j.TotalRecipients - j.ProcessedCount
}

// Clone returns a deep copy safe to hand out of a store.
func (j *BroadcastJob) Clone() *BroadcastJob {
	if j == nil {
		return nil
	}
	cp := *j
	cp.TargetPlans = append(pq.StringArray(nil), j.TargetPlans...)
	if j.Payload != nil {
		cp.Payload = make(Payload, len(j.Payload))
		for k, v := range j.Payload {
			cp.Payload[k] = v
		}
	}
	cp.LastError = cloneString(j.LastError)
	cp.StartedAt = cloneTime(j.StartedAt)
	cp.HeartbeatAt = cloneTime(j.HeartbeatAt)
	cp.AudienceResolvedAt = cloneTime(j.AudienceResolvedAt)
	cp.CompletedAt = cloneTime(j.CompletedAt)
	if j.RunToken != nil {
		token := *j.RunToken
		cp.RunToken = &token
	}
	return &cp
}

// Progress projects the job onto the snapshot served to polling clients.
func (j *BroadcastJob) Progress() Progress {
	return Progress{
		JobID:           j.ID,
		Status:          j.Status,
		ProcessedCount:  j.ProcessedCount,
		TotalRecipients: j.TotalRecipients,
		SuccessCount:    j.SuccessCount,
		FailedCount:     j.FailedCount,
		UpdatedAt:       j.UpdatedAt,
	}
}

// Progress is the read-only job snapshot.
type Progress struct {
	JobID           uuid.UUID `json:"job_id"`
	Status          JobStatus `json:"status"`
	ProcessedCount  int       `json:"processed_count"`
	TotalRecipients int       `json:"total_recipients"`
	SuccessCount    int       `json:"success_count"`
	FailedCount     int       `json:"failed_count"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// RecipientRecord is one (job, recipient) delivery outcome.
type RecipientRecord struct {
	ID           uuid.UUID       `db:"id" json:"id"`
	JobID        uuid.UUID       `db:"job_id" json:"job_id"`
	Address      string          `db:"address" json:"recipient_address"`
	Locale       string          `db:"locale" json:"locale"`
	Status       RecipientStatus `db:"status" json:"status"`
	ErrorMessage *string         `db:"error_message" json:"error_message,omitempty"`
	AttemptCount int             `db:"attempt_count" json:"attempt_count"`
	AttemptedAt  *time.Time      `db:"attempted_at" json:"attempted_at,omitempty"`
	CreatedAt    time.Time       `db:"created_at" json:"created_at"`
}

func (r *RecipientRecord) Clone() *RecipientRecord {
	if r == nil {
		return nil
	}
	cp := *r
	cp.ErrorMessage = cloneString(r.ErrorMessage)
	cp.AttemptedAt = cloneTime(r.AttemptedAt)
	return &cp
}

// DeliveryOutcome is the result of one send, applied atomically with the job counters.
type DeliveryOutcome struct {
	JobID       uuid.UUID
	RecipientID uuid.UUID
	Status      RecipientStatus
	Error       string
	AttemptedAt time.Time
}

// JobFilter narrows ListJobs.
type JobFilter struct {
	Status  JobStatus
	Channel Channel
	Pagination
}

// RecipientFilter narrows ListRecipients.
type RecipientFilter struct {
	JobID  uuid.UUID
	Status RecipientStatus
	Pagination
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
