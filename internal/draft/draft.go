// Package draft validates and normalises user-submitted events before they
// are listed for trading.
package draft

import (
	"errors"
	"fmt"
	"html"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/microcosm-cc/bluemonday"
	"github.com/shopspring/decimal"

	"github.com/predictx/market-engine/internal/lmsr"
	"github.com/predictx/market-engine/internal/model"
)

const (
	MaxTitleLen       = 200
	MaxDescriptionLen = 2000
	MaxOutcomeLen     = 100
	MaxOutcomes       = 20
)

var (
	ErrTitleRequired    = errors.New("draft: title is required")
	ErrTooLong          = errors.New("draft: text exceeds maximum length")
	ErrTooFewOutcomes   = errors.New("draft: an event needs at least two outcomes")
	ErrTooManyOutcomes  = errors.New("draft: too many outcomes")
	ErrEmptyOutcome     = errors.New("draft: outcome title is empty")
	ErrDuplicateOutcome = errors.New("draft: outcome titles must be distinct")
	ErrExpired          = errors.New("draft: expiry date is not in the future")
)

var (
	whitespace = regexp.MustCompile(`\s+`)
	policy     = bluemonday.StrictPolicy()
)

// Event is a new event as submitted by its creator.
type Event struct {
	Title       string    `json:"title"`
	Description string    `json:"description"`
	CreatorID   string    `json:"creator_id"`
	ExpiryDate  time.Time `json:"expiry_date"`
	Outcomes    []string  `json:"outcomes"`
}

// maxUnescapes bounds how many layers of entity encoding stripMarkup peels.
const maxUnescapes = 4

// stripMarkup removes markup and returns plain text. Entities are decoded
// and the result sanitised again until it is stable, so encoded tags never
// come back out as live markup. Input still changing after maxUnescapes
// rounds keeps the sanitiser's escaped form.
func stripMarkup(s string) string {
	for i := 0; i < maxUnescapes; i++ {
		next := html.UnescapeString(policy.Sanitize(s))
		if next == s {
			return s
		}
		s = next
	}
	if next := html.UnescapeString(policy.Sanitize(s)); next == s {
		return s
	}
	return policy.Sanitize(s)
}

// Clean strips all markup from s and collapses runs of whitespace.
func Clean(s string) string {
	return strings.TrimSpace(whitespace.ReplaceAllString(stripMarkup(s), " "))
}

// Normalize returns a copy with every free-text field cleaned.
func (e Event) Normalize() Event {
	out := e
	out.Title = Clean(e.Title)
	out.Description = strings.TrimSpace(stripMarkup(e.Description))
	out.Outcomes = make([]string, len(e.Outcomes))
	for i, o := range e.Outcomes {
		out.Outcomes[i] = Clean(o)
	}
	return out
}

// Validate checks a normalised draft. A zero ExpiryDate means the event
// never expires.
func (e Event) Validate(now time.Time) error {
	if e.Title == "" {
		return ErrTitleRequired
	}
	if utf8.RuneCountInString(e.Title) > MaxTitleLen {
		return fmt.Errorf("%w: title longer than %d", ErrTooLong, MaxTitleLen)
	}
	if utf8.RuneCountInString(e.Description) > MaxDescriptionLen {
		return fmt.Errorf("%w: description longer than %d", ErrTooLong, MaxDescriptionLen)
	}
	if !e.ExpiryDate.IsZero() && !e.ExpiryDate.After(now) {
		return fmt.Errorf("%w: %s", ErrExpired, e.ExpiryDate.Format(time.RFC3339))
	}

	if len(e.Outcomes) < 2 {
		return fmt.Errorf("%w: got %d", ErrTooFewOutcomes, len(e.Outcomes))
	}
	if len(e.Outcomes) > MaxOutcomes {
		return fmt.Errorf("%w: got %d, max %d", ErrTooManyOutcomes, len(e.Outcomes), MaxOutcomes)
	}
	seen := make(map[string]bool, len(e.Outcomes))
	for i, o := range e.Outcomes {
		if o == "" {
			return fmt.Errorf("%w: outcome %d", ErrEmptyOutcome, i)
		}
		if utf8.RuneCountInString(o) > MaxOutcomeLen {
			return fmt.Errorf("%w: outcome %q longer than %d", ErrTooLong, o, MaxOutcomeLen)
		}
		key := strings.ToLower(o)
		if seen[key] {
			return fmt.Errorf("%w: %q", ErrDuplicateOutcome, o)
		}
		seen[key] = true
	}
	return nil
}

// Build turns a validated draft into an ACTIVE event and its outcomes.
// Every outcome starts at MinShares supply and zero liquidity, so the
// market opens with uniform prices.
func (e Event) Build(now time.Time, newID func() string) (*model.Event, []model.Outcome) {
	ev := &model.Event{
		ID:          newID(),
		Title:       e.Title,
		Description: e.Description,
		CreatorID:   e.CreatorID,
		Status:      model.StatusActive,
		ExpiryDate:  e.ExpiryDate,
		CreatedAt:   now,
	}

	start := decimal.NewFromFloat(lmsr.MinShares)
	outcomes := make([]model.Outcome, len(e.Outcomes))
	for i, title := range e.Outcomes {
		outcomes[i] = model.Outcome{
			ID:             newID(),
			EventID:        ev.ID,
			Title:          title,
			Position:       i,
			CurrentSupply:  start,
			TotalLiquidity: decimal.Zero,
			CreatedAt:      now,
		}
	}
	return ev, outcomes
}
