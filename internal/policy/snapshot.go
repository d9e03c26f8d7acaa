package policy

import (
	"sort"
	"time"
)

// Snapshot is an immutable, indexed view of one policy version.
// Accessors return copies so callers cannot alter shared state.
type Snapshot struct {
	version  int64
	loadedAt time.Time
	doc      Document
	factors  map[string]RiskFactor
	rules    map[string][]AbuseRule // by signal type, priority descending
	tiers    map[string]RateLimitTier
}

// NewSnapshot validates doc and indexes it.
func NewSnapshot(doc *Document, loadedAt time.Time) (*Snapshot, error) {
	if doc == nil {
		doc = &Document{}
	}
	if err := doc.Validate(); err != nil {
		return nil, err
	}

	s := &Snapshot{
		version:  doc.Version,
		loadedAt: loadedAt,
		doc:      cloneDocument(doc),
		factors:  make(map[string]RiskFactor, len(doc.Factors)),
		rules:    make(map[string][]AbuseRule),
		tiers:    make(map[string]RateLimitTier, len(doc.Tiers)),
	}
	for _, f := range s.doc.Factors {
		s.factors[f.Code] = f
	}
	for _, r := range s.doc.Rules {
		s.rules[r.SignalType] = append(s.rules[r.SignalType], r)
	}
	for sig := range s.rules {
		rules := s.rules[sig]
		sort.SliceStable(rules, func(i, j int) bool {
			if rules[i].Priority != rules[j].Priority {
				return rules[i].Priority > rules[j].Priority
			}
			return rules[i].Code < rules[j].Code
		})
	}
	for _, t := range s.doc.Tiers {
		s.tiers[t.Code] = t
	}
	return s, nil
}

func emptySnapshot() *Snapshot {
	s, _ := NewSnapshot(&Document{}, time.Time{})
	return s
}

// Version of the document this snapshot was built from.
func (s *Snapshot) Version() int64 { return s.version }

// LoadedAt is when the snapshot was built.
func (s *Snapshot) LoadedAt() time.Time { return s.loadedAt }

// Factor looks up a risk factor by code, active or not.
func (s *Snapshot) Factor(code string) (RiskFactor, bool) {
	f, ok := s.factors[code]
	if !ok {
		return RiskFactor{}, false
	}
	f.AppliesTo = append(f.AppliesTo[:0:0], f.AppliesTo...)
	return f, true
}

// RulesFor returns active rules for a signal type that cover the tier,
// ordered by priority descending.
func (s *Snapshot) RulesFor(signalType, tier string) []AbuseRule {
	var out []AbuseRule
	for _, r := range s.rules[signalType] {
		if !r.Active || !r.AppliesTo(tier) {
			continue
		}
		out = append(out, cloneRule(r))
	}
	return out
}

// Tier looks up a rate-limit tier by code.
func (s *Snapshot) Tier(code string) (RateLimitTier, bool) {
	t, ok := s.tiers[code]
	if !ok {
		return RateLimitTier{}, false
	}
	t.Warmup = append(t.Warmup[:0:0], t.Warmup...)
	return t, true
}

// Document returns a copy of the source document.
func (s *Snapshot) Document() Document {
	return cloneDocument(&s.doc)
}

func cloneDocument(d *Document) Document {
	out := Document{Version: d.Version}
	for _, f := range d.Factors {
		f.AppliesTo = append(f.AppliesTo[:0:0], f.AppliesTo...)
		out.Factors = append(out.Factors, f)
	}
	for _, r := range d.Rules {
		out.Rules = append(out.Rules, cloneRule(r))
	}
	for _, t := range d.Tiers {
		t.Warmup = append(t.Warmup[:0:0], t.Warmup...)
		out.Tiers = append(out.Tiers, t)
	}
	return out
}

func cloneRule(r AbuseRule) AbuseRule {
	th := make(map[string]float64, len(r.Thresholds))
	for k, v := range r.Thresholds {
		th[k] = v
	}
	r.Thresholds = th
	r.ApplicableTiers = append(r.ApplicableTiers[:0:0], r.ApplicableTiers...)
	return r
}

func sortedKeys(m map[string]float64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
