package realtime

import (
	"net/http"
	"slices"
	"strconv"
	"strings"

	"github.com/mbd888/sendguard/internal/audit"
)

// Subscription filters for a client. Empty filters match everything.
type Subscription struct {
	AllEvents bool         `json:"allEvents"`
	Kinds     []audit.Kind `json:"kinds"`
	TenantIDs []string     `json:"tenantIds"`
	Entities  []string     `json:"entities"` // "kind:id"
	Actions   []string     `json:"actions"`  // e.g. rule codes, "applied"
}

// Matches reports whether the event passes every non-empty filter.
func (s Subscription) Matches(ev *Event) bool {
	if s.AllEvents {
		return true
	}
	r := ev.Record
	if len(s.Kinds) > 0 && !slices.Contains(s.Kinds, r.Kind()) {
		return false
	}
	if len(s.TenantIDs) > 0 && !slices.Contains(s.TenantIDs, r.TenantID()) {
		return false
	}
	if len(s.Entities) > 0 && !slices.Contains(s.Entities, r.Entity().Key()) {
		return false
	}
	if len(s.Actions) > 0 && !slices.Contains(s.Actions, r.Action()) {
		return false
	}
	return true
}

func (s Subscription) empty() bool {
	return len(s.Kinds) == 0 && len(s.TenantIDs) == 0 && len(s.Entities) == 0 && len(s.Actions) == 0
}

// subscriptionFromQuery builds the initial filter from ?kind=, ?tenant=,
// ?entity= and ?action= (comma-separated). No parameters means all events.
func subscriptionFromQuery(r *http.Request) Subscription {
	q := r.URL.Query()
	split := func(key string) []string {
		v := q.Get(key)
		if v == "" {
			return nil
		}
		return strings.Split(v, ",")
	}
	sub := Subscription{
		TenantIDs: split("tenant"),
		Entities:  split("entity"),
		Actions:   split("action"),
	}
	for _, k := range split("kind") {
		sub.Kinds = append(sub.Kinds, audit.Kind(k))
	}
	sub.AllEvents = sub.empty()
	return sub
}

// sinceFromQuery reads ?since=<seq>. Missing or malformed means no replay.
func sinceFromQuery(r *http.Request) (uint64, bool) {
	v := r.URL.Query().Get("since")
	if v == "" {
		return 0, false
	}
	n, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}
