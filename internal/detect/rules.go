package detect

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// RuleSpec is the configuration form of a Rule.
type RuleSpec struct {
	Mechanism Mechanism `yaml:"mechanism"`
	Keywords  []string  `yaml:"keywords"`
	Patterns  []string  `yaml:"patterns"`
	Threshold float64   `yaml:"threshold"`
}

type RuleSet struct {
	ShortPageThreshold int        `yaml:"short_page_threshold"`
	FastPathKeywords   []string   `yaml:"fast_path_keywords"`
	StubPageLength     int        `yaml:"stub_page_length"`
	Rules              []RuleSpec `yaml:"rules"`
}

// DefaultRuleSet mirrors the tables the probe has been tuned with. Rules
// are ordered most specific first, which is also the tie-break order.
func DefaultRuleSet() RuleSet {
	return RuleSet{
		ShortPageThreshold: 5000,
		FastPathKeywords: []string{
			"cmsg", "animation", "opacity", "keyframes", "cfasync",
			"datadome", "cloudflare", "recaptcha", "hcaptcha",
			"verify", "human", "robot", "blocked", "access denied",
		},
		Rules: []RuleSpec{
			{
				Mechanism: MechanismReCaptcha,
				Keywords:  []string{"recaptcha", "google.com/recaptcha", "g-recaptcha"},
				Patterns:  []string{`google\.com/recaptcha`, `g-recaptcha`, `recaptcha[^>]*challenge`},
				Threshold: 0.9,
			},
			{
				Mechanism: MechanismHCaptcha,
				Keywords:  []string{"hcaptcha", "hcaptcha.com", "h-captcha"},
				Patterns:  []string{`hcaptcha\.com`, `h-captcha`, `hcaptcha[^>]*challenge`},
				Threshold: 0.9,
			},
			{
				Mechanism: MechanismCloudflare,
				Keywords:  []string{"cloudflare", "cf-chl-bypass", "turnstile", "challenge"},
				Patterns:  []string{`cloudflare[^>]*challenge`, `cf-chl-bypass`, `turnstile`, `checking.*browser`},
				Threshold: 0.8,
			},
			{
				Mechanism: MechanismDataDome,
				Keywords:  []string{"datadome", "geo.captcha-delivery.com", "datadome-captcha"},
				Patterns:  []string{`datadome[^>]*blocked`, `geo\.captcha-delivery\.com`, `datadome-captcha`},
				Threshold: 0.7,
			},
			{
				Mechanism: MechanismGenericBlock,
				Keywords:  []string{"access denied", "blocked", "forbidden", "rate limit", "cmsg", "animation", "opacity"},
				Patterns:  []string{`access.*denied`, `blocked.*request`, `forbidden`, `rate.*limit`, `#cmsg`, `animation.*opacity`},
				Threshold: 0.3,
			},
		},
	}
}

// LoadRuleSet reads a YAML rule file. Fields left empty fall back to the
// defaults, so a file may override only the rules table.
func LoadRuleSet(path string) (RuleSet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return RuleSet{}, fmt.Errorf("failed to read rules file: %w", err)
	}

	var rs RuleSet
	if err := yaml.Unmarshal(data, &rs); err != nil {
		return RuleSet{}, fmt.Errorf("failed to parse rules file: %w", err)
	}

	def := DefaultRuleSet()
	if rs.ShortPageThreshold == 0 {
		rs.ShortPageThreshold = def.ShortPageThreshold
	}
	if len(rs.FastPathKeywords) == 0 {
		rs.FastPathKeywords = def.FastPathKeywords
	}
	if len(rs.Rules) == 0 {
		rs.Rules = def.Rules
	}

	if err := rs.Validate(); err != nil {
		return RuleSet{}, err
	}
	return rs, nil
}

func (rs RuleSet) Validate() error {
	if rs.ShortPageThreshold < 0 || rs.StubPageLength < 0 {
		return fmt.Errorf("page length thresholds cannot be negative")
	}

	seen := make(map[Mechanism]bool, len(rs.Rules))
	for _, spec := range rs.Rules {
		if !spec.Mechanism.Valid() {
			return fmt.Errorf("unknown mechanism %q", spec.Mechanism)
		}
		if seen[spec.Mechanism] {
			return fmt.Errorf("mechanism %q configured twice", spec.Mechanism)
		}
		seen[spec.Mechanism] = true

		if spec.Threshold <= 0 || spec.Threshold > 1 {
			return fmt.Errorf("threshold for %s must be in (0,1], got %v", spec.Mechanism, spec.Threshold)
		}
	}
	return nil
}

func (s RuleSpec) compile() (Rule, error) {
	rule := Rule{
		Mechanism: s.Mechanism,
		Threshold: s.Threshold,
	}

	for _, kw := range s.Keywords {
		kw = strings.ToLower(strings.TrimSpace(kw))
		if kw != "" {
			rule.Keywords = append(rule.Keywords, kw)
		}
	}

	for _, p := range s.Patterns {
		re, err := regexp.Compile("(?i)" + p)
		if err != nil {
			return Rule{}, fmt.Errorf("invalid pattern %q for %s: %w", p, s.Mechanism, err)
		}
		rule.Patterns = append(rule.Patterns, re)
	}

	return rule, nil
}
