package model

import (
	"regexp"
	"strings"
	"time"

	"github.com/rotisserie/eris"
)

// Frequency governs how often an alert may fire.
type Frequency int16

const (
	FrequencyWeekly Frequency = iota
	FrequencySemiWeekly
	FrequencyMonthly
)

var frequencyNames = map[Frequency]string{
	FrequencyWeekly:     "weekly",
	FrequencySemiWeekly: "semi-weekly",
	FrequencyMonthly:    "monthly",
}

var frequencyPeriods = map[Frequency]time.Duration{
	FrequencyWeekly:     7 * 24 * time.Hour,
	FrequencySemiWeekly: 10 * 24 * time.Hour,
	FrequencyMonthly:    30 * 24 * time.Hour,
}

// Frequencies lists every frequency in storage order.
var Frequencies = []Frequency{FrequencyWeekly, FrequencySemiWeekly, FrequencyMonthly}

func (f Frequency) String() string {
	if name, ok := frequencyNames[f]; ok {
		return name
	}
	return "unknown"
}

// Valid reports whether f is one of the known frequencies.
func (f Frequency) Valid() bool {
	_, ok := frequencyNames[f]
	return ok
}

// Period is the nominal time between two sends of an alert.
func (f Frequency) Period() time.Duration {
	return frequencyPeriods[f]
}

// ParseFrequency accepts the textual names used by the trigger endpoint.
func ParseFrequency(s string) (Frequency, error) {
	for f, name := range frequencyNames {
		if strings.EqualFold(s, name) {
			return f, nil
		}
	}
	return 0, eris.Errorf("model: unknown frequency %q", s)
}

// Tier is a jurisdiction level a lead source belongs to.
type Tier string

const (
	TierFederal  Tier = "federal"
	TierRegional Tier = "regional"
	TierLocal    Tier = "local"
)

// Tiers lists the jurisdiction tiers in display order.
var Tiers = []Tier{TierFederal, TierRegional, TierLocal}

// SourceExclude is the tier value meaning no lead from that tier qualifies.
const SourceExclude = "exclude"

// Sources scopes an alert per jurisdiction tier. A nil tier matches any
// source in that tier.
type Sources struct {
	Federal  *string `json:"federal"`
	Regional *string `json:"regional"`
	Local    *string `json:"local"`
}

// Get returns the scope for a tier.
func (s Sources) Get(t Tier) *string {
	switch t {
	case TierFederal:
		return s.Federal
	case TierRegional:
		return s.Regional
	case TierLocal:
		return s.Local
	}
	return nil
}

// Unrestricted reports whether every tier matches any source.
func (s Sources) Unrestricted() bool {
	return s.Federal == nil && s.Regional == nil && s.Local == nil
}

// Normalize trims tier values and treats blanks as unset.
func (s Sources) Normalize() Sources {
	norm := func(v *string) *string {
		if v == nil {
			return nil
		}
		trimmed := strings.TrimSpace(*v)
		if trimmed == "" {
			return nil
		}
		return &trimmed
	}
	return Sources{
		Federal:  norm(s.Federal),
		Regional: norm(s.Regional),
		Local:    norm(s.Local),
	}
}

// Alert is a saved search and delivery target owned by one user.
type Alert struct {
	ID        int64     `json:"id"`
	UserID    int64     `json:"user_id"`
	Filter    string    `json:"filter"`
	Sources   Sources   `json:"sources"`
	Frequency Frequency `json:"frequency"`
	Recipient string    `json:"recipient"`
}

// AlertStatus is an alert with the time of its most recent send, if any.
type AlertStatus struct {
	Alert
	LastSent *time.Time
}

var emailPattern = regexp.MustCompile(`^[a-zA-Z0-9_.+-]+@[a-zA-Z0-9-]+\.[a-zA-Z0-9-.]+$`)

// ValidEmail reports whether s looks like local@domain.tld.
func ValidEmail(s string) bool {
	return emailPattern.MatchString(s)
}
