package scoring

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/BoweryJG/repconnect/internal/models"
)

const (
	weightLocation = 0.3
	weightServices = 0.4
	weightCriteria = 0.3

	// frequentContactBonus is added for contacts called more than
	// frequentContactCalls times.
	frequentContactBonus = 0.1
	frequentContactCalls = 5

	// unfilteredBaseline is the score every contact gets when the
	// instruction names no filter at all.
	unfilteredBaseline = 0.5

	DefaultCount = 50

	recentWindowDays = 14
	staleAfterDays   = 30

	highLikelihood = 0.7
	lowLikelihood  = 0.3
)

// Engine scores contacts. Now is injectable so recency is deterministic in tests.
type Engine struct {
	Now func() time.Time
}

func NewEngine() *Engine {
	return &Engine{Now: func() time.Time { return time.Now().UTC() }}
}

func (e *Engine) Parse(instruction string) ParsedQuery { return Parse(instruction) }

func (e *Engine) Score(c models.Contact, q ParsedQuery) models.ScoredContact {
	now := time.Now().UTC()
	if e != nil && e.Now != nil {
		now = e.Now()
	}
	out := models.ScoredContact{Contact: c, Reasons: []string{}}

	if !q.HasFilters() {
		out.Score = unfilteredBaseline
		out.Reasons = append(out.Reasons, "no filters: all contacts eligible")
	} else {
		if q.Location != "" && matchesLocation(c, q.Location) {
			out.Score += weightLocation
			out.Reasons = append(out.Reasons, "located in "+q.Location)
		}
		if svc, ok := matchesService(c, q.Services); ok {
			out.Score += weightServices
			out.Reasons = append(out.Reasons, "interested in "+svc)
		}
		if total := q.Criteria.specified(); total > 0 {
			matched, reasons := matchCriteria(c, q.Criteria, now)
			out.Score += weightCriteria * float64(matched) / float64(total)
			out.Reasons = append(out.Reasons, reasons...)
		}
	}

	if out.Score > 0 && c.CallCount > frequentContactCalls {
		out.Score += frequentContactBonus
		out.Reasons = append(out.Reasons, fmt.Sprintf("frequent contact (%d calls)", c.CallCount))
	}
	out.Score = math.Min(1, math.Round(out.Score*1000)/1000)
	return out
}

// Rank scores every contact, drops zero scores, sorts by score descending
// (ties by contact id) and truncates to the query's count or DefaultCount.
func (e *Engine) Rank(contacts []models.Contact, q ParsedQuery) []models.ScoredContact {
	out := make([]models.ScoredContact, 0, len(contacts))
	for _, c := range contacts {
		sc := e.Score(c, q)
		if sc.Score <= 0 {
			continue
		}
		out = append(out, sc)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].Contact.ID < out[j].Contact.ID
	})

	limit := DefaultCount
	if q.Count != nil && *q.Count > 0 {
		limit = *q.Count
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

func matchesLocation(c models.Contact, loc string) bool {
	l := strings.ToLower(strings.TrimSpace(loc))
	city := strings.ToLower(strings.TrimSpace(c.City))
	state := strings.ToLower(strings.TrimSpace(c.State))
	switch {
	case l == "":
		return false
	case c.Zip != "" && l == c.Zip:
		return true
	case city != "" && (l == city || strings.HasPrefix(l, city+",") || strings.HasPrefix(l, city+" ")):
		return true
	case state != "" && l == state:
		return true
	}
	return false
}

func matchesService(c models.Contact, services []string) (string, bool) {
	if len(services) == 0 {
		return "", false
	}
	hay := []string{strings.ToLower(c.Specialty)}
	for _, i := range c.Interests {
		hay = append(hay, strings.ToLower(i))
	}
	for _, s := range services {
		for _, h := range hay {
			if h != "" && strings.Contains(h, s) {
				return s, true
			}
		}
	}
	return "", false
}

func matchCriteria(c models.Contact, cr Criteria, now time.Time) (int, []string) {
	matched := 0
	var reasons []string

	switch cr.Likelihood {
	case LevelHigh:
		if c.ConversionLikelihood >= highLikelihood {
			matched++
			reasons = append(reasons, "high conversion likelihood")
		}
	case LevelLow:
		if c.ConversionLikelihood < lowLikelihood {
			matched++
			reasons = append(reasons, "low conversion likelihood")
		}
	}

	switch cr.Recency {
	case RecencyRecent:
		if c.LastContactedAt != nil {
			days := int(now.Sub(*c.LastContactedAt).Hours() / 24)
			if days >= 0 && days <= recentWindowDays {
				matched++
				reasons = append(reasons, fmt.Sprintf("contacted %d days ago", days))
			}
		}
	case RecencyStale:
		if c.LastContactedAt == nil {
			matched++
			reasons = append(reasons, "never contacted")
		} else if days := int(now.Sub(*c.LastContactedAt).Hours() / 24); days >= staleAfterDays {
			matched++
			reasons = append(reasons, fmt.Sprintf("not contacted in %d days", days))
		}
	}

	if cr.ValueTier != "" && strings.EqualFold(c.ValueTier, cr.ValueTier) {
		matched++
		reasons = append(reasons, cr.ValueTier+" value tier")
	}

	if len(cr.Tags) > 0 {
		for _, want := range cr.Tags {
			if hasTag(c.Tags, want) {
				matched++
				reasons = append(reasons, "tagged "+want)
				break
			}
		}
	}
	return matched, reasons
}

func hasTag(tags []string, want string) bool {
	for _, t := range tags {
		if strings.EqualFold(t, want) {
			return true
		}
	}
	return false
}
