package store

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("store: not found")

// Store is the persistence interface for Printwatch.
// Defined at the consumer side per Go conventions.
type Store interface {
	// Recipients
	CreateRecipient(r *Recipient) error
	GetRecipient(id string) (*Recipient, error)
	DeleteRecipient(id string) error
	ListRecipients(prefix string) ([]Recipient, error)

	// Live-activity tokens
	SetLiveActivityToken(recipientID, token string) error
	ClearLiveActivityTokens(prefix string) error

	// Print history
	AddHistory(e *HistoryEntry) error
	ListHistory(prefix string, limit int) ([]HistoryEntry, error)

	// Maintenance
	Cleanup(retention time.Duration) error
	Close() error
}

// Recipient is a registered mobile device and its per-event preferences.
// Created at device-registration time; read-only to the dispatch pipeline.
type Recipient struct {
	ID                string
	PushToken         string
	LiveActivityToken string
	PrinterPrefix     string
	OnStart           bool
	OnComplete        bool
	OnFailed          bool
	OnPaused          bool
	OnMilestone       bool
	CreatedAt         time.Time
}

// HistoryEntry is one row of the durable print-history log.
type HistoryEntry struct {
	ID        int64
	Prefix    string
	Event     string // started, completed, failed, paused, milestone
	Filename  string
	Progress  int
	CreatedAt time.Time
}
