package sink

import (
	"encoding/json"
	"fmt"
	"strings"
)

const (
	CollectionLeads         = "Leads"
	CollectionBookings      = "Bookings"
	CollectionGuideRequests = "Guide Requests"
)

type fieldMap struct {
	column string
	key    string
	join   bool // join a list value with ", "
}

var common = []fieldMap{
	{column: "First Name", key: "first_name"},
	{column: "Last Name", key: "last_name"},
	{column: "Email", key: "email"},
	{column: "Phone", key: "phone"},
}

var mappings = map[string]struct {
	collection string
	fields     []fieldMap
}{
	"lead.created": {CollectionLeads, []fieldMap{
		{column: "Interest Type", key: "interest_type"},
		{column: "Source", key: "source"},
		{column: "Budget", key: "budget"},
		{column: "Timeline", key: "timeline"},
		{column: "Tags", key: "tags", join: true},
	}},
	"booking.created": {CollectionBookings, []fieldMap{
		{column: "Booking Type", key: "booking_type"},
		{column: "Start Date", key: "start_date"},
		{column: "End Date", key: "end_date"},
		{column: "Guests", key: "guests"},
		{column: "Total Amount", key: "total_amount"},
		{column: "Special Requests", key: "special_requests"},
	}},
	"guide.requested": {CollectionGuideRequests, []fieldMap{
		{column: "Guide Type", key: "guide_type"},
		{column: "Interest Areas", key: "interest_areas", join: true},
	}},
}

// FieldsFor maps a canonical event payload onto the collection and columns
// it is stored under. ok is false for events that are not forwarded.
// Null and empty values are left out.
func FieldsFor(payload map[string]any) (collection string, fields map[string]any, ok bool) {
	event, _ := payload["event_type"].(string)
	m, found := mappings[event]
	if !found {
		return "", nil, false
	}

	fields = map[string]any{}
	all := append(append([]fieldMap{}, common...), m.fields...)
	all = append(all, fieldMap{column: "Event Type", key: "event_type"}, fieldMap{column: "Tracking ID", key: "tracking_id"})
	for _, f := range all {
		v, present := payload[f.key]
		if !present || v == nil {
			continue
		}
		if f.join {
			joined := joinList(v)
			if joined == "" {
				continue
			}
			fields[f.column] = joined
			continue
		}
		fields[f.column] = v
	}
	if formData, ok := payload["form_data"].(map[string]any); ok && len(formData) > 0 {
		if b, err := json.Marshal(formData); err == nil {
			fields["Notes"] = string(b)
		}
	}
	return m.collection, fields, true
}

func joinList(v any) string {
	items, ok := v.([]any)
	if !ok {
		return ""
	}
	parts := make([]string, 0, len(items))
	for _, item := range items {
		parts = append(parts, fmt.Sprint(item))
	}
	return strings.Join(parts, ", ")
}
