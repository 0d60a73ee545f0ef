package scoring

import (
	"regexp"
	"sort"
	"strconv"
	"strings"
)

type Intent string

const (
	IntentSync       Intent = "sync"
	IntentFilter     Intent = "filter"
	IntentPrioritize Intent = "prioritize"
)

const (
	LevelHigh     = "high"
	LevelLow      = "low"
	LevelStandard = "standard"

	RecencyRecent = "recent"
	RecencyStale  = "stale"
)

// Criteria holds the qualitative filters. Empty fields were not asked for.
type Criteria struct {
	Likelihood string   `json:"likelihood,omitempty"`
	Recency    string   `json:"recency,omitempty"`
	ValueTier  string   `json:"valueTier,omitempty"`
	Tags       []string `json:"tags,omitempty"`
}

func (c Criteria) specified() int {
	n := 0
	if c.Likelihood != "" {
		n++
	}
	if c.Recency != "" {
		n++
	}
	if c.ValueTier != "" {
		n++
	}
	if len(c.Tags) > 0 {
		n++
	}
	return n
}

type ParsedQuery struct {
	Intent     Intent   `json:"intent"`
	Count      *int     `json:"count,omitempty"`
	Location   string   `json:"location,omitempty"`
	Services   []string `json:"services,omitempty"`
	Criteria   Criteria `json:"criteria"`
	Confidence float64  `json:"confidence"`
}

// HasFilters reports whether any field narrows the contact list.
func (q ParsedQuery) HasFilters() bool {
	return q.Location != "" || len(q.Services) > 0 || q.Criteria.specified() > 0
}

// serviceKeywords maps phrases found in instructions to a canonical service.
var serviceKeywords = map[string]string{
	"botox":         "botox",
	"neurotoxin":    "botox",
	"filler":        "fillers",
	"fillers":       "fillers",
	"dermal filler": "fillers",
	"laser":         "laser",
	"lasers":        "laser",
	"implant":       "implants",
	"implants":      "implants",
	"invisalign":    "invisalign",
	"aligners":      "invisalign",
	"orthodontic":   "orthodontics",
	"orthodontics":  "orthodontics",
	"cosmetic":      "cosmetic",
	"aesthetic":     "aesthetics",
	"aesthetics":    "aesthetics",
	"skincare":      "skincare",
	"body contour":  "body contouring",
	"coolsculpting": "body contouring",
	"microneedling": "microneedling",
	"yomi":          "yomi",
	"robotic":       "yomi",
	"veneers":       "veneers",
	"whitening":     "whitening",
	"periodontal":   "periodontics",
	"endodontic":    "endodontics",
	"dental":        "dental",
	"dermatology":   "dermatology",
	"plastic":       "plastic surgery",
	"med spa":       "med spa",
	"medspa":        "med spa",
}

var timeUnits = map[string]bool{
	"day": true, "days": true, "week": true, "weeks": true, "month": true, "months": true,
	"year": true, "years": true, "hour": true, "hours": true, "minute": true, "minutes": true,
}

var countLead = map[string]bool{"top": true, "first": true, "next": true, "best": true}

var units = map[string]int{
	"zero": 0, "one": 1, "two": 2, "three": 3, "four": 4, "five": 5, "six": 6, "seven": 7,
	"eight": 8, "nine": 9, "ten": 10, "eleven": 11, "twelve": 12, "thirteen": 13,
	"fourteen": 14, "fifteen": 15, "sixteen": 16, "seventeen": 17, "eighteen": 18,
	"nineteen": 19,
}

var tens = map[string]int{
	"twenty": 20, "thirty": 30, "forty": 40, "fifty": 50,
	"sixty": 60, "seventy": 70, "eighty": 80, "ninety": 90,
}

var (
	tokenRe    = regexp.MustCompile(`\$?\d+%?|[a-z]+`)
	zipRe      = regexp.MustCompile(`\b\d{5}\b`)
	locationRe = regexp.MustCompile(`(?i)\b(in|near|around|from)\s+([A-Za-z][A-Za-z .'-]*?)(?:\s+(?:who|that|with|and|contacted|called|interested|for|by|to)\b|[,;:!?]|\.\s|\.$|$)`)
	tagRe      = regexp.MustCompile(`(?i)(?:\btagged(?:\s+as)?\s+|#)([a-z0-9_-]+)`)
	interestRe = regexp.MustCompile(`(?i)\binterested\s+in\s+([a-z]+(?:\s+[a-z]+)?)`)
	lastDaysRe = regexp.MustCompile(`\b(?:last|past|within)\s+(\d+)\s+days?\b`)
)

// Parse turns a free-text instruction into a ParsedQuery. It never fails:
// unrecognized input yields a query with low confidence and no filters.
func Parse(instruction string) ParsedQuery {
	q := ParsedQuery{Intent: IntentSync}
	text := strings.ToLower(strings.TrimSpace(instruction))
	if text == "" {
		return q
	}

	hits := 0
	if intent, ok := parseIntent(text); ok {
		q.Intent = intent
		hits++
	}

	zip := zipRe.FindString(text)
	if n, ok := parseCount(tokenRe.FindAllString(text, -1), zip); ok {
		q.Count = &n
		hits++
	}

	if zip != "" {
		q.Location = zip
	} else {
		q.Location = parseLocation(instruction)
	}
	if q.Location != "" {
		hits++
	}

	q.Services = parseServices(text)
	if len(q.Services) > 0 {
		hits++
	}

	q.Criteria = parseCriteria(text)
	hits += q.Criteria.specified()

	q.Confidence = 0.2 + 0.2*float64(hits)
	if q.Confidence > 1 {
		q.Confidence = 1
	}
	return q
}

func parseIntent(text string) (Intent, bool) {
	switch {
	case containsAny(text, "prioritize", "prioritise", "rank ", "focus on", "most important"):
		return IntentPrioritize, true
	case containsAny(text, "filter", "only ", "show me", "find ", "exclude"):
		return IntentFilter, true
	case containsAny(text, "sync", "queue", "call list", "dial", "call "):
		return IntentSync, true
	}
	return IntentSync, false
}

// parseCount prefers a number right after "top"/"first"/"next"/"best" and
// otherwise takes the first number that is not a duration or the zip code.
func parseCount(tokens []string, zip string) (int, bool) {
	first, found := 0, false
	for i := 0; i < len(tokens); {
		n, used, ok := numberAt(tokens, i)
		if !ok {
			i++
			continue
		}
		next := ""
		if i+used < len(tokens) {
			next = tokens[i+used]
		}
		isZip := zip != "" && tokens[i] == zip
		if !timeUnits[next] && !isZip && n > 0 {
			if i > 0 && countLead[tokens[i-1]] {
				return n, true
			}
			if !found {
				first, found = n, true
			}
		}
		i += used
	}
	return first, found
}

// numberAt reads a digit token or a run of number words starting at i.
func numberAt(tokens []string, i int) (value, used int, ok bool) {
	if n, err := strconv.Atoi(tokens[i]); err == nil {
		return n, 1, true
	}
	current, j, matched := 0, i, false
	for j < len(tokens) {
		t := tokens[j]
		switch {
		case t == "a" && !matched && j+1 < len(tokens) && (tokens[j+1] == "hundred" || tokens[j+1] == "dozen"):
			current = 1
			j++
			continue
		case t == "dozen":
			if current == 0 {
				current = 1
			}
			current *= 12
		case t == "hundred":
			if current == 0 {
				current = 1
			}
			current *= 100
		case t == "and" && matched && j+1 < len(tokens) && isNumberWord(tokens[j+1]):
			j++
			continue
		default:
			if v, ok := units[t]; ok {
				current += v
			} else if v, ok := tens[t]; ok {
				current += v
			} else {
				return current, j - i, matched
			}
		}
		matched = true
		j++
	}
	return current, j - i, matched
}

func isNumberWord(t string) bool {
	_, u := units[t]
	_, tn := tens[t]
	return u || tn || t == "hundred"
}

func parseLocation(instruction string) string {
	for _, m := range locationRe.FindAllStringSubmatchIndex(instruction, -1) {
		before := strings.ToLower(strings.TrimSpace(instruction[:m[0]]))
		if strings.HasSuffix(before, "interested") {
			continue
		}
		loc := strings.TrimSpace(instruction[m[4]:m[5]])
		lower := strings.ToLower(loc)
		if lower == "" || strings.HasPrefix(lower, "the ") || strings.HasPrefix(lower, "last") ||
			strings.HasPrefix(lower, "past") || strings.HasPrefix(lower, "a ") ||
			strings.HasPrefix(lower, "my ") || strings.HasPrefix(lower, "our ") || strings.HasPrefix(lower, "this ") {
			continue
		}
		if _, isService := serviceKeywords[lower]; isService {
			continue
		}
		return loc
	}
	return ""
}

func parseServices(text string) []string {
	seen := map[string]bool{}
	var out []string
	add := func(s string) {
		if s != "" && !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	for _, kw := range sortedKeywords() {
		if wordMatch(text, kw) {
			add(serviceKeywords[kw])
		}
	}
	for _, m := range interestRe.FindAllStringSubmatch(text, -1) {
		phrase := strings.TrimSpace(m[1])
		if canon, ok := serviceKeywords[phrase]; ok {
			add(canon)
			continue
		}
		first := strings.Fields(phrase)[0]
		if canon, ok := serviceKeywords[first]; ok {
			add(canon)
			continue
		}
		add(first)
	}
	return out
}

func parseCriteria(text string) Criteria {
	var c Criteria

	switch {
	case containsAny(text, "low likelihood", "unlikely", "cold lead", "cold leads"):
		c.Likelihood = LevelLow
	case containsAny(text, "high likelihood", "likely to convert", "likely to buy", "hot lead", "hot leads", "warm lead", "warm leads", "high-intent", "high intent"):
		c.Likelihood = LevelHigh
	}

	switch {
	case containsAny(text, "not contacted", "haven't been contacted", "havent been contacted", "not been contacted",
		"haven't called", "not called", "stale", "dormant", "overdue", "in a while", "neglected"):
		c.Recency = RecencyStale
	case containsAny(text, "recently", "recent", "this week", "lately"):
		c.Recency = RecencyRecent
	default:
		if m := lastDaysRe.FindStringSubmatch(text); m != nil {
			if n, _ := strconv.Atoi(m[1]); n > 0 && n <= recentWindowDays {
				c.Recency = RecencyRecent
			}
		}
	}

	switch {
	case containsAny(text, "high-value", "high value", "vip", "top-tier", "top tier", "premium", "key account", "key accounts", "a-tier", "tier 1", "tier one"):
		c.ValueTier = LevelHigh
	case containsAny(text, "low-value", "low value", "small account", "small accounts"):
		c.ValueTier = LevelLow
	case containsAny(text, "standard account", "standard accounts", "standard-tier", "standard tier", "mid-tier"):
		c.ValueTier = LevelStandard
	}

	for _, m := range tagRe.FindAllStringSubmatch(text, -1) {
		c.Tags = append(c.Tags, strings.ToLower(m[1]))
	}
	return c
}

var keywordOrder = func() []string {
	out := make([]string, 0, len(serviceKeywords))
	for k := range serviceKeywords {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool {
		if len(out[i]) != len(out[j]) {
			return len(out[i]) > len(out[j])
		}
		return out[i] < out[j]
	})
	return out
}()

func sortedKeywords() []string { return keywordOrder }

func containsAny(text string, needles ...string) bool {
	for _, n := range needles {
		if strings.Contains(text, n) {
			return true
		}
	}
	return false
}

func wordMatch(text, phrase string) bool {
	idx := 0
	for {
		i := strings.Index(text[idx:], phrase)
		if i < 0 {
			return false
		}
		start := idx + i
		end := start + len(phrase)
		if (start == 0 || !isWordByte(text[start-1])) && (end == len(text) || !isWordByte(text[end])) {
			return true
		}
		idx = start + 1
	}
}

func isWordByte(b byte) bool {
	return b >= 'a' && b <= 'z' || b >= '0' && b <= '9'
}
