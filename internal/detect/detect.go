package detect

import (
	"regexp"
	"strings"
)

type Mechanism string

const (
	MechanismNone         Mechanism = "none"
	MechanismDataDome     Mechanism = "datadome"
	MechanismCloudflare   Mechanism = "cloudflare"
	MechanismReCaptcha    Mechanism = "recaptcha"
	MechanismHCaptcha     Mechanism = "hcaptcha"
	MechanismGenericBlock Mechanism = "generic_block"
)

func (m Mechanism) Valid() bool {
	switch m {
	case MechanismDataDome, MechanismCloudflare, MechanismReCaptcha, MechanismHCaptcha, MechanismGenericBlock:
		return true
	}
	return false
}

const (
	keywordBodyWeight  = 0.3
	keywordTitleWeight = 0.2
	keywordURLWeight   = 0.1
	patternBodyWeight  = 0.4

	fastPathConfidence = 0.9
	stubPageConfidence = 0.7

	// scores are sums of decimal weights; compare thresholds with a little slack
	thresholdEpsilon = 1e-9
)

// Evidence is a snapshot of one page as seen by a session.
type Evidence struct {
	Content string
	Title   string
	URL     string
	Length  int
}

func NewEvidence(content, title, url string) Evidence {
	return Evidence{
		Content: content,
		Title:   title,
		URL:     url,
		Length:  len(content),
	}
}

type Verdict struct {
	Blocked    bool      `json:"blocked"`
	Mechanism  Mechanism `json:"mechanism"`
	Confidence float64   `json:"confidence"`
}

func NotBlocked() Verdict {
	return Verdict{Mechanism: MechanismNone}
}

// Rule scores one mechanism. Patterns are matched case-insensitively.
type Rule struct {
	Mechanism Mechanism
	Keywords  []string
	Patterns  []*regexp.Regexp
	Threshold float64
}

// Classifier is immutable once built and safe for concurrent use.
type Classifier struct {
	rules              []Rule
	shortPageThreshold int
	fastPathKeywords   []string
	stubPageLength     int
}

// New builds a classifier from a rule set. Rule order is the tie-break
// priority: on equal scores the earlier rule wins.
func New(rs RuleSet) (*Classifier, error) {
	if err := rs.Validate(); err != nil {
		return nil, err
	}

	c := &Classifier{
		shortPageThreshold: rs.ShortPageThreshold,
		stubPageLength:     rs.StubPageLength,
	}

	for _, kw := range rs.FastPathKeywords {
		c.fastPathKeywords = append(c.fastPathKeywords, strings.ToLower(kw))
	}

	for _, spec := range rs.Rules {
		rule, err := spec.compile()
		if err != nil {
			return nil, err
		}
		c.rules = append(c.rules, rule)
	}

	return c, nil
}

// Default returns a classifier over DefaultRuleSet.
func Default() *Classifier {
	c, err := New(DefaultRuleSet())
	if err != nil {
		panic("detect: default rule set invalid: " + err.Error())
	}
	return c
}

// Classify scores evidence against every rule. It never fails: missing
// evidence degrades to a not-blocked verdict.
func (c *Classifier) Classify(ev Evidence) Verdict {
	body := strings.ToLower(ev.Content)
	title := strings.ToLower(ev.Title)
	url := strings.ToLower(ev.URL)

	if ev.Length < c.shortPageThreshold {
		for _, kw := range c.fastPathKeywords {
			if strings.Contains(body, kw) {
				return Verdict{Blocked: true, Mechanism: MechanismGenericBlock, Confidence: fastPathConfidence}
			}
		}
	}

	if ev.Length > 0 && ev.Length < c.stubPageLength {
		return Verdict{Blocked: true, Mechanism: MechanismGenericBlock, Confidence: stubPageConfidence}
	}

	best := -1
	bestScore := 0.0
	for i, rule := range c.rules {
		score := rule.score(ev.Content, body, title, url)
		if best < 0 || score > bestScore {
			best = i
			bestScore = score
		}
	}

	if best < 0 {
		return NotBlocked()
	}

	winner := c.rules[best]
	if bestScore+thresholdEpsilon >= winner.Threshold {
		return Verdict{Blocked: true, Mechanism: winner.Mechanism, Confidence: bestScore}
	}

	return NotBlocked()
}

// Scores exposes the normalised per-mechanism scores, mostly for
// diagnostics through the API.
func (c *Classifier) Scores(ev Evidence) map[Mechanism]float64 {
	body := strings.ToLower(ev.Content)
	title := strings.ToLower(ev.Title)
	url := strings.ToLower(ev.URL)

	out := make(map[Mechanism]float64, len(c.rules))
	for _, rule := range c.rules {
		out[rule.Mechanism] = rule.score(ev.Content, body, title, url)
	}
	return out
}

func (r Rule) score(raw, body, title, url string) float64 {
	var total float64
	checks := 0

	for _, kw := range r.Keywords {
		checks++
		if strings.Contains(body, kw) {
			total += keywordBodyWeight
		}
		if strings.Contains(title, kw) {
			total += keywordTitleWeight
		}
		if strings.Contains(url, kw) {
			total += keywordURLWeight
		}
	}

	matched := false
	for _, re := range r.Patterns {
		checks++
		if !matched && re.MatchString(raw) {
			matched = true
		}
	}
	if matched {
		total += patternBodyWeight
	}

	if checks == 0 {
		return 0
	}

	score := total / float64(checks)
	if score > 1 {
		score = 1
	}
	return score
}
