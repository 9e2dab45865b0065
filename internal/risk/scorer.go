// Package risk scores redemption requests for signs of automated clients.
//
// The scorer is rule based: every signal contributes either nothing or its full
// category penalty, so a stored total can always be explained by its components.
package risk

import (
	"fmt"
	"net/netip"
	"strings"
	"time"
)

const (
	defaultUserAgentPenalty         = 20
	defaultTimingPenalty            = 15
	defaultIPAddressPenalty         = 25
	defaultMalformedRequestPenalty  = 30
	defaultSequentialPatternPenalty = 20
	defaultTimingFloor              = 30 * time.Second
)

// DefaultThreshold is the total at or above which a submission is flagged as a bot.
const DefaultThreshold = 50

// DefaultUserAgentPatterns lists crawler and link-preview substrings matched case-insensitively.
var DefaultUserAgentPatterns = []string{
	"googlebot",
	"bingbot",
	"slurp",
	"duckduckbot",
	"baiduspider",
	"yandexbot",
	"facebookexternalhit",
	"twitterbot",
	"linkedinbot",
	"whatsapp",
	"telegrambot",
	"crawler",
	"spider",
	"scraper",
}

// DefaultDatacenterRanges lists cloud and CDN ranges that rarely host residential clients.
var DefaultDatacenterRanges = []string{
	"52.0.0.0/8",
	"54.0.0.0/8",
	"18.0.0.0/8",
	"3.0.0.0/8",
	"13.0.0.0/8",
	"23.0.0.0/8",
	"104.16.0.0/16",
	"104.17.0.0/16",
	"162.158.0.0/16",
	"172.64.0.0/16",
}

// Penalties holds the fixed contribution of each signal.
type Penalties struct {
	UserAgent         int
	Timing            int
	IPAddress         int
	MalformedRequest  int
	SequentialPattern int
}

// DefaultPenalties returns the stock penalty table.
func DefaultPenalties() Penalties {
	return Penalties{
		UserAgent:         defaultUserAgentPenalty,
		Timing:            defaultTimingPenalty,
		IPAddress:         defaultIPAddressPenalty,
		MalformedRequest:  defaultMalformedRequestPenalty,
		SequentialPattern: defaultSequentialPatternPenalty,
	}
}

// ScorerConfig configures a Scorer. Zero values take the defaults.
type ScorerConfig struct {
	Penalties         Penalties
	Threshold         int
	TimingFloor       time.Duration
	UserAgentPatterns []string
	DatacenterRanges  []string
}

// Signals is the request-time evidence for one redemption.
type Signals struct {
	UserAgent string
	IPAddress string
	// Elapsed is the time between token issuance and redemption.
	Elapsed           time.Duration
	MalformedRequest  bool
	SequentialPattern bool
}

// Score holds the per-signal contributions. The JSON form is persisted as the bot score factors.
type Score struct {
	UserAgent         int `json:"userAgent"`
	Timing            int `json:"timing"`
	IPAddress         int `json:"ipAddress"`
	MalformedRequest  int `json:"headRequest"`
	SequentialPattern int `json:"pattern"`
}

// Total sums all components.
func (s Score) Total() int {
	return s.UserAgent + s.Timing + s.IPAddress + s.MalformedRequest + s.SequentialPattern
}

// Scorer evaluates Signals. It is immutable after construction.
type Scorer struct {
	penalties   Penalties
	threshold   int
	timingFloor time.Duration
	userAgents  []string
	datacenters []netip.Prefix
}

// NewScorer builds a scorer, rejecting unparsable datacenter ranges.
func NewScorer(cfg ScorerConfig) (*Scorer, error) {
	defaults := DefaultPenalties()
	penalties := cfg.Penalties
	penalties.UserAgent = positiveOr(penalties.UserAgent, defaults.UserAgent)
	penalties.Timing = positiveOr(penalties.Timing, defaults.Timing)
	penalties.IPAddress = positiveOr(penalties.IPAddress, defaults.IPAddress)
	penalties.MalformedRequest = positiveOr(penalties.MalformedRequest, defaults.MalformedRequest)
	penalties.SequentialPattern = positiveOr(penalties.SequentialPattern, defaults.SequentialPattern)

	timingFloor := cfg.TimingFloor
	if timingFloor <= 0 {
		timingFloor = defaultTimingFloor
	}

	patterns := cfg.UserAgentPatterns
	if len(patterns) == 0 {
		patterns = DefaultUserAgentPatterns
	}
	userAgents := make([]string, 0, len(patterns))
	for _, pattern := range patterns {
		normalized := strings.ToLower(strings.TrimSpace(pattern))
		if normalized != "" {
			userAgents = append(userAgents, normalized)
		}
	}

	ranges := cfg.DatacenterRanges
	if len(ranges) == 0 {
		ranges = DefaultDatacenterRanges
	}
	datacenters := make([]netip.Prefix, 0, len(ranges))
	for _, raw := range ranges {
		prefix, err := netip.ParsePrefix(strings.TrimSpace(raw))
		if err != nil {
			return nil, fmt.Errorf("risk: datacenter range %q: %w", raw, err)
		}
		datacenters = append(datacenters, prefix.Masked())
	}

	return &Scorer{
		penalties:   penalties,
		threshold:   positiveOr(cfg.Threshold, DefaultThreshold),
		timingFloor: timingFloor,
		userAgents:  userAgents,
		datacenters: datacenters,
	}, nil
}

// Score evaluates every signal independently.
func (s *Scorer) Score(signals Signals) Score {
	var score Score
	if s.matchesUserAgent(signals.UserAgent) {
		score.UserAgent = s.penalties.UserAgent
	}
	if signals.Elapsed < s.timingFloor {
		score.Timing = s.penalties.Timing
	}
	if s.matchesDatacenter(signals.IPAddress) {
		score.IPAddress = s.penalties.IPAddress
	}
	if signals.MalformedRequest {
		score.MalformedRequest = s.penalties.MalformedRequest
	}
	if signals.SequentialPattern {
		score.SequentialPattern = s.penalties.SequentialPattern
	}
	return score
}

// IsBot reports whether the total reaches the threshold.
func (s *Scorer) IsBot(score Score) bool {
	return score.Total() >= s.threshold
}

// Threshold returns the configured bot threshold.
func (s *Scorer) Threshold() int {
	return s.threshold
}

func (s *Scorer) matchesUserAgent(userAgent string) bool {
	if userAgent == "" {
		return false
	}
	lowered := strings.ToLower(userAgent)
	for _, pattern := range s.userAgents {
		if strings.Contains(lowered, pattern) {
			return true
		}
	}
	return false
}

func (s *Scorer) matchesDatacenter(ipAddress string) bool {
	address, err := netip.ParseAddr(strings.TrimSpace(ipAddress))
	if err != nil {
		return false
	}
	address = address.Unmap()
	for _, prefix := range s.datacenters {
		if prefix.Contains(address) {
			return true
		}
	}
	return false
}

func positiveOr(value, fallback int) int {
	if value > 0 {
		return value
	}
	return fallback
}
