package engine

import (
	"fmt"
	"net/mail"
	"strings"
	"time"
	"unicode"
)

const (
	EventLeadCreated    = "lead.created"
	EventBookingCreated = "booking.created"
	EventGuideRequested = "guide.requested"
	EventBlogPublished  = "blog.published"
)

// Event is an inbound domain event. Prepare validates the event and
// normalizes it in place: missing created_at is stamped with now and
// date/time fields are rewritten as ISO-8601.
type Event interface {
	EventName() string
	Prepare(now time.Time) []ErrorDetail
}

type Lead struct {
	FirstName    string         `json:"first_name"`
	LastName     *string        `json:"last_name"`
	Email        string         `json:"email"`
	Phone        *string        `json:"phone"`
	InterestType string         `json:"interest_type"`
	Source       string         `json:"source"`
	Budget       *string        `json:"budget"`
	Timeline     *string        `json:"timeline"`
	FormData     map[string]any `json:"form_data"`
	Tags         []string       `json:"tags"`
	CreatedAt    string         `json:"created_at"`
}

func (e *Lead) EventName() string { return EventLeadCreated }

func (e *Lead) Prepare(now time.Time) []ErrorDetail {
	var errs []ErrorDetail
	errs = requireField(errs, "first_name", e.FirstName)
	errs = requireEmail(errs, e.Email)
	errs = requireField(errs, "interest_type", e.InterestType)
	if e.Source == "" {
		e.Source = "website"
	}
	errs = normalizeCreatedAt(errs, &e.CreatedAt, now)
	return errs
}

type Booking struct {
	FirstName       string         `json:"first_name"`
	LastName        *string        `json:"last_name"`
	Email           string         `json:"email"`
	Phone           *string        `json:"phone"`
	BookingType     string         `json:"booking_type"`
	StartDate       string         `json:"start_date"`
	EndDate         string         `json:"end_date"`
	Guests          *int           `json:"guests"`
	TotalAmount     *float64       `json:"total_amount"`
	SpecialRequests *string        `json:"special_requests"`
	FormData        map[string]any `json:"form_data"`
	Tags            []string       `json:"tags"`
	CreatedAt       string         `json:"created_at"`
}

func (e *Booking) EventName() string { return EventBookingCreated }

func (e *Booking) Prepare(now time.Time) []ErrorDetail {
	var errs []ErrorDetail
	errs = requireField(errs, "first_name", e.FirstName)
	errs = requireEmail(errs, e.Email)
	errs = requireField(errs, "booking_type", e.BookingType)
	errs = normalizeDate(errs, "start_date", &e.StartDate)
	errs = normalizeDate(errs, "end_date", &e.EndDate)
	if e.Guests == nil {
		errs = append(errs, ErrorDetail{Field: "guests", Rule: "required", Message: "guests is required"})
	} else if *e.Guests < 1 {
		errs = append(errs, ErrorDetail{Field: "guests", Rule: "min", Message: "guests must be at least 1"})
	}
	errs = normalizeCreatedAt(errs, &e.CreatedAt, now)
	return errs
}

type GuideRequest struct {
	FirstName     string         `json:"first_name"`
	LastName      *string        `json:"last_name"`
	Email         string         `json:"email"`
	Phone         *string        `json:"phone"`
	GuideType     string         `json:"guide_type"`
	InterestAreas []string       `json:"interest_areas"`
	FormData      map[string]any `json:"form_data"`
	Tags          []string       `json:"tags"`
	CreatedAt     string         `json:"created_at"`
}

func (e *GuideRequest) EventName() string { return EventGuideRequested }

func (e *GuideRequest) Prepare(now time.Time) []ErrorDetail {
	var errs []ErrorDetail
	errs = requireField(errs, "first_name", e.FirstName)
	errs = requireEmail(errs, e.Email)
	errs = requireField(errs, "guide_type", e.GuideType)
	errs = normalizeCreatedAt(errs, &e.CreatedAt, now)
	return errs
}

const excerptLength = 150

type BlogPost struct {
	Title     string   `json:"title"`
	Content   string   `json:"content"`
	Excerpt   string   `json:"excerpt"`
	Slug      string   `json:"slug"`
	ImageURL  *string  `json:"image_url"`
	Category  string   `json:"category"`
	Tags      []string `json:"tags"`
	Publish   *bool    `json:"publish"`
	CreatedAt string   `json:"created_at"`
}

func (e *BlogPost) EventName() string { return EventBlogPublished }

func (e *BlogPost) Prepare(now time.Time) []ErrorDetail {
	var errs []ErrorDetail
	errs = requireField(errs, "title", e.Title)
	errs = requireField(errs, "content", e.Content)
	if e.Slug == "" {
		e.Slug = Slugify(e.Title)
	}
	if e.Excerpt == "" && e.Content != "" {
		e.Excerpt = Excerpt(e.Content, excerptLength)
	}
	if e.Category == "" {
		e.Category = "travel"
	}
	if e.Publish == nil {
		publish := true
		e.Publish = &publish
	}
	errs = normalizeCreatedAt(errs, &e.CreatedAt, now)
	return errs
}

// Slugify lowercases s and joins its letter and digit runs with hyphens.
func Slugify(s string) string {
	var b strings.Builder
	pendingDash := false
	for _, r := range strings.ToLower(s) {
		if r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r)) {
			if pendingDash && b.Len() > 0 {
				b.WriteByte('-')
			}
			b.WriteRune(r)
			pendingDash = false
			continue
		}
		pendingDash = true
	}
	return b.String()
}

// Excerpt cuts content to n characters at the last word boundary and appends "...".
func Excerpt(content string, n int) string {
	runes := []rune(content)
	if len(runes) > n {
		runes = runes[:n]
	}
	cut := string(runes)
	if i := strings.LastIndex(cut, " "); i > 0 {
		cut = cut[:i]
	}
	return cut + "..."
}

func requireField(errs []ErrorDetail, field, value string) []ErrorDetail {
	if strings.TrimSpace(value) == "" {
		errs = append(errs, ErrorDetail{Field: field, Rule: "required", Message: field + " is required"})
	}
	return errs
}

func requireEmail(errs []ErrorDetail, email string) []ErrorDetail {
	if strings.TrimSpace(email) == "" {
		return append(errs, ErrorDetail{Field: "email", Rule: "required", Message: "email is required"})
	}
	if _, err := mail.ParseAddress(email); err != nil {
		return append(errs, ErrorDetail{Field: "email", Rule: "format", Message: "email is not a valid address"})
	}
	return errs
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05",
}

func normalizeCreatedAt(errs []ErrorDetail, v *string, now time.Time) []ErrorDetail {
	if strings.TrimSpace(*v) == "" {
		*v = now.UTC().Format(time.RFC3339Nano)
		return errs
	}
	t, ok := parseTimestamp(*v)
	if !ok {
		return append(errs, ErrorDetail{Field: "created_at", Rule: "format", Message: "created_at must be an ISO-8601 timestamp"})
	}
	*v = t.Format(time.RFC3339Nano)
	return errs
}

// normalizeDate keeps plain dates as YYYY-MM-DD and rewrites timestamps as RFC 3339.
func normalizeDate(errs []ErrorDetail, field string, v *string) []ErrorDetail {
	s := strings.TrimSpace(*v)
	if s == "" {
		return append(errs, ErrorDetail{Field: field, Rule: "required", Message: field + " is required"})
	}
	if d, err := time.Parse(time.DateOnly, s); err == nil {
		*v = d.Format(time.DateOnly)
		return errs
	}
	t, ok := parseTimestamp(s)
	if !ok {
		return append(errs, ErrorDetail{Field: field, Rule: "format", Message: fmt.Sprintf("%s must be an ISO-8601 date or timestamp", field)})
	}
	*v = t.Format(time.RFC3339Nano)
	return errs
}

func parseTimestamp(s string) (time.Time, bool) {
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}
