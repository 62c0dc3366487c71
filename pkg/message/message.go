package message

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
)

// Status tracks where a raw message sits in the processing lifecycle.
type Status int

const (
	StatusUnprocessed Status = 0
	StatusProcessed   Status = 1
	StatusFailed      Status = 2
	StatusSkipped     Status = 3
)

func (s Status) String() string {
	switch s {
	case StatusUnprocessed:
		return "unprocessed"
	case StatusProcessed:
		return "processed"
	case StatusFailed:
		return "failed"
	case StatusSkipped:
		return "skipped"
	}
	return fmt.Sprintf("status(%d)", int(s))
}

// ValidationStatus marks the resolution of a staging row within its batch.
type ValidationStatus string

const (
	ValidationPending   ValidationStatus = "pending"
	ValidationValid     ValidationStatus = "valid"
	ValidationInvalid   ValidationStatus = "invalid"
	ValidationDuplicate ValidationStatus = "duplicate"
)

// RawMessage is a tier-1 record: append-only, never deleted. The captured
// fields (group, sender, content, type, timestamp) are immutable once written;
// only the processing fields mutate.
type RawMessage struct {
	ID                 int64      `db:"id" json:"id"`
	GroupName          string     `db:"group_name" json:"group_name"`
	Sender             string     `db:"sender" json:"sender"`
	Content            string     `db:"content" json:"content"`
	MsgType            string     `db:"msg_type" json:"msg_type"`
	Timestamp          time.Time  `db:"timestamp" json:"timestamp"`
	CapturedAt         time.Time  `db:"captured_at" json:"captured_at"`
	ProcessedStatus    Status     `db:"processed_status" json:"processed_status"`
	ProcessingAttempts int        `db:"processing_attempts" json:"processing_attempts"`
	LastAttempt        *time.Time `db:"last_processing_attempt" json:"last_processing_attempt,omitempty"`
	ProcessingError    string     `db:"processing_error" json:"processing_error,omitempty"`
	CreatedAt          time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt          time.Time  `db:"updated_at" json:"updated_at"`
}

// StagingMessage is a tier-2 scratch record created while a batch is in
// flight. Rows expire after the staging retention window; they are not a
// system of record.
type StagingMessage struct {
	ID               int64            `db:"id" json:"id"`
	RawMessageID     int64            `db:"raw_message_id" json:"raw_message_id"`
	GroupName        string           `db:"group_name" json:"group_name"`
	Sender           string           `db:"sender" json:"sender"`
	Content          string           `db:"content" json:"content"`
	MsgType          string           `db:"msg_type" json:"msg_type"`
	Timestamp        time.Time        `db:"timestamp" json:"timestamp"`
	DedupHash        string           `db:"dedup_hash" json:"dedup_hash"`
	BatchID          string           `db:"processing_batch_id" json:"processing_batch_id"`
	BatchSequence    int              `db:"batch_sequence" json:"batch_sequence"`
	ValidationStatus ValidationStatus `db:"validation_status" json:"validation_status"`
	CreatedAt        time.Time        `db:"created_at" json:"created_at"`
}

// CleanMessage is a tier-3 record: the deduplicated system of record. Exactly
// one clean row exists per fingerprint, created the first time that content is
// seen and never updated afterwards.
type CleanMessage struct {
	ID               int64     `db:"id" json:"id"`
	RawMessageID     int64     `db:"raw_message_id" json:"raw_message_id"`
	StagingMessageID *int64    `db:"staging_message_id" json:"staging_message_id,omitempty"`
	GroupName        string    `db:"group_name" json:"group_name"`
	Sender           string    `db:"sender" json:"sender"`
	Content          string    `db:"content" json:"content"`
	MsgType          string    `db:"msg_type" json:"msg_type"`
	Timestamp        time.Time `db:"timestamp" json:"timestamp"`
	DedupHash        string    `db:"dedup_hash" json:"dedup_hash"`
	BatchID          string    `db:"processed_batch_id" json:"processed_batch_id"`
	QualityScore     float64   `db:"quality_score" json:"quality_score"`
	CreatedAt        time.Time `db:"created_at" json:"created_at"`
	UpdatedAt        time.Time `db:"updated_at" json:"updated_at"`
}

// Job is a derived record produced by the extraction collaborator from a
// clean message. It references the clean tier but never mutates it.
type Job struct {
	ID                   int64     `db:"id" json:"id"`
	CleanMessageID       int64     `db:"clean_message_id" json:"clean_message_id"`
	RawMessageID         int64     `db:"raw_message_id" json:"raw_message_id"`
	Company              string    `db:"company" json:"company"`
	Position             string    `db:"position" json:"position"`
	Location             string    `db:"location" json:"location"`
	ContactEmail         string    `db:"contact_email" json:"contact_email"`
	FullText             string    `db:"full_text" json:"full_text"`
	ExtractionConfidence float64   `db:"extraction_confidence" json:"extraction_confidence"`
	ParsedAt             time.Time `db:"parsed_at" json:"parsed_at"`
	CreatedAt            time.Time `db:"created_at" json:"created_at"`
}

// Fingerprint returns the canonical dedup hash for a message: SHA-256 over
// "group|sender|content" with the content lowercased and trimmed. The same
// normalization must be applied everywhere a fingerprint is computed or
// duplicates slip through.
func Fingerprint(group, sender, content string) string {
	normalized := strings.ToLower(strings.TrimSpace(content))
	sum := sha256.Sum256([]byte(group + "|" + sender + "|" + normalized))
	return hex.EncodeToString(sum[:])
}
