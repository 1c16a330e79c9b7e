// Package domain defines the core persistence models for the application.
// These types are used by GORM for database schema mapping and are shared
// across the repository and service layers.
package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"gorm.io/datatypes"
)

// Action log statuses. A row is inserted as "attempted" before the provider
// call and moved to exactly one terminal outcome afterwards.
const (
	ActionAttempted = "attempted"
	ActionSucceeded = "succeeded"
	ActionTimedOut  = "timed_out"
	ActionRejected  = "rejected"
)

// ActionLog is the audit row for one logical side effect, keyed by a unique
// (user, idempotency key) pair. At most one row per pair ever reaches
// OK=true; repeats of the same request return the recorded result instead of
// re-executing, while a different request under the same key is refused.
//
// Fields:
//   - Request: the normalized payload sent to the provider.
//   - RequestHash: RequestFingerprint of the request, compared on key hits.
//   - Result: provider response (or error detail) once terminal.
//   - Attempts: incremented when a timed-out row is re-claimed for retry.
type ActionLog struct {
	ID             string         `json:"id"              gorm:"type:char(36);primaryKey"`
	UserID         string         `json:"user_id"         gorm:"type:varchar(64);not null;index:idx_action_logs_user_created,priority:1;uniqueIndex:ux_action_logs_user_key,priority:1"`
	ActionType     ActionType     `json:"action_type"     gorm:"type:varchar(32);not null"`
	Target         string         `json:"target"          gorm:"type:varchar(255);not null"`
	Request        datatypes.JSON `json:"request"         gorm:"not null"`
	Result         datatypes.JSON `json:"result,omitempty"`
	OK             bool           `json:"ok"              gorm:"not null"`
	Status         string         `json:"status"          gorm:"type:varchar(16);not null;check:status IN ('attempted','succeeded','timed_out','rejected')"`
	Error          string         `json:"error,omitempty" gorm:"type:text"`
	IdempotencyKey string         `json:"idempotency_key" gorm:"type:varchar(200);not null;uniqueIndex:ux_action_logs_user_key,priority:2"`
	RequestHash    string         `json:"-"               gorm:"type:char(64);not null;default:''"`
	Attempts       int            `json:"attempts"        gorm:"not null"`
	CreatedAt      time.Time      `json:"created_at"      gorm:"index:idx_action_logs_user_created,priority:2"`
	UpdatedAt      time.Time      `json:"updated_at"`
	CompletedAt    *time.Time     `json:"completed_at,omitempty"`

	User User `json:"-" gorm:"foreignKey:UserID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
}

// TableName implements the GORM tabler interface.
func (ActionLog) TableName() string { return "action_logs" }

// Terminal reports whether the row has a final outcome.
func (l ActionLog) Terminal() bool { return l.Status != ActionAttempted }

// DeriveIdempotencyKey fingerprints a request as sha256(action|target|payload)
// over the normalized payload. It does not depend on request time, so
// accidental retries of the same intent collapse to one log entry.
func DeriveIdempotencyKey(p Payload) string {
	p.normalize()
	body, err := json.Marshal(p)
	if err != nil {
		body = []byte(p.Target())
	}
	h := sha256.New()
	h.Write([]byte(p.Action()))
	h.Write([]byte{'|'})
	h.Write([]byte(p.Target()))
	h.Write([]byte{'|'})
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}

// RequestFingerprint hashes the action, target and encoded request body. Two
// requests sharing an idempotency key must also share this fingerprint.
func RequestFingerprint(action ActionType, target string, body []byte) string {
	h := sha256.New()
	h.Write([]byte(action))
	h.Write([]byte{'|'})
	h.Write([]byte(target))
	h.Write([]byte{'|'})
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}
