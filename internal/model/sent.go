package model

import "time"

// SentAlert is the immutable record of one alert delivery. AlertID is a weak
// reference: the alert may have been deleted since.
type SentAlert struct {
	ID        int64     `json:"id"`
	AlertID   int64     `json:"alert_id"`
	UserID    int64     `json:"user_id"`
	SendDate  time.Time `json:"send_date"`
	Filter    string    `json:"filter"`
	Sources   Sources   `json:"sources"`
	Frequency Frequency `json:"frequency"`
	Recipient string    `json:"recipient"`
	DBLink    string    `json:"db_link"`

	// LeadIDs is populated only by history lookups.
	LeadIDs []int64 `json:"leads,omitempty"`
}

// SnapshotOf copies the mutable fields of a into a new SentAlert.
func SnapshotOf(a Alert, sentAt time.Time) SentAlert {
	return SentAlert{
		AlertID:   a.ID,
		UserID:    a.UserID,
		SendDate:  sentAt,
		Filter:    a.Filter,
		Sources:   a.Sources,
		Frequency: a.Frequency,
		Recipient: a.Recipient,
	}
}

// LeadMatch is a published lead selected by an alert's saved search.
type LeadMatch struct {
	ID          int64     `json:"id"`
	Name        string    `json:"name"`
	PublishedAt time.Time `json:"published_dt"`
}
