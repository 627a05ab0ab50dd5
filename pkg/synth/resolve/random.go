// Random and time value markers
// Each occurrence draws independently; random.int draws feed last_match
package resolve

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"regexp"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

var (
	intPattern    = regexp.MustCompile(`\{\{random\.int\((\d+),\s*(\d+)\)\}\}`)
	floatPattern  = regexp.MustCompile(`\{\{random\.float\(([\d.]+),\s*([\d.]+)\)\}\}`)
	choicePattern = regexp.MustCompile(`\{\{random\.choice\((.*?)\)\}\}`)
	simplePattern = regexp.MustCompile(`\{\{(random\.uuid|random\.ipv4|random\.user_agent|time\.now|time\.iso)\}\}`)
)

// UserAgents is the pool sampled by random.user_agent.
var UserAgents = []string{
	"curl/7.68.0",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/108.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/108.0.0.0 Safari/537.36",
	"Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/108.0.0.0 Safari/537.36",
	"Mozilla/5.0 (iPhone; CPU iPhone OS 16_2 like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/16.1 Mobile/15E148 Safari/604.1",
	"Mozilla/5.0 (Linux; Android 10; SM-G975F) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/108.0.0.0 Mobile Safari/537.36",
}

func (r *Resolver) substituteRandom(worker int, s string) string {
	s = intPattern.ReplaceAllStringFunc(s, func(marker string) string {
		m := intPattern.FindStringSubmatch(marker)
		lo, errLo := strconv.ParseInt(m[1], 10, 64)
		hi, errHi := strconv.ParseInt(m[2], 10, 64)
		if errLo != nil || errHi != nil {
			r.logger.Warn("invalid random.int bounds", zap.String("marker", marker))
			return marker
		}
		if lo > hi {
			lo, hi = hi, lo
		}
		v := strconv.FormatInt(randomInt(lo, hi), 10)
		r.recordMatch(worker, v)
		return v
	})

	s = floatPattern.ReplaceAllStringFunc(s, func(marker string) string {
		m := floatPattern.FindStringSubmatch(marker)
		lo, errLo := strconv.ParseFloat(m[1], 64)
		hi, errHi := strconv.ParseFloat(m[2], 64)
		if errLo != nil || errHi != nil {
			r.logger.Warn("invalid random.float bounds", zap.String("marker", marker))
			return marker
		}
		return strconv.FormatFloat(lo+rand.Float64()*(hi-lo), 'f', 2, 64) //nolint:gosec // synthetic data
	})

	s = choicePattern.ReplaceAllStringFunc(s, func(marker string) string {
		payload := choicePattern.FindStringSubmatch(marker)[1]
		choices, err := parseChoices(payload)
		if err != nil {
			r.logger.Warn("could not parse choices for random.choice",
				zap.String("payload", payload),
				zap.Error(err),
			)
			return marker
		}
		return choices[rand.IntN(len(choices))] //nolint:gosec // synthetic data
	})

	return simplePattern.ReplaceAllStringFunc(s, func(marker string) string {
		switch simplePattern.FindStringSubmatch(marker)[1] {
		case "random.uuid":
			return uuid.NewString()
		case "random.ipv4":
			return randomIPv4()
		case "random.user_agent":
			return UserAgents[rand.IntN(len(UserAgents))] //nolint:gosec // synthetic data
		case "time.now":
			return strconv.FormatInt(time.Now().Unix(), 10)
		case "time.iso":
			return time.Now().UTC().Format(time.RFC3339Nano)
		}
		return marker
	})
}

// randomInt draws uniformly from [lo, hi]. Bounds come from \d+ so 0 <= lo <= hi,
// and hi-lo+1 fits a uint64 even for the full non-negative int64 range.
func randomInt(lo, hi int64) int64 {
	return lo + int64(rand.Uint64N(uint64(hi-lo)+1)) //nolint:gosec // synthetic data, not security-sensitive
}

// parseChoices reads a list literal such as ['a', 'b'] or ["a","b"].
// The payload is parsed as a YAML flow sequence, which accepts both quote styles.
// Strings must be quoted; numbers and booleans may be bare.
func parseChoices(payload string) ([]string, error) {
	var doc yaml.Node
	if err := yaml.Unmarshal([]byte(payload), &doc); err != nil {
		return nil, err
	}
	if len(doc.Content) != 1 || doc.Content[0].Kind != yaml.SequenceNode {
		return nil, errors.New("choices must be a list literal")
	}
	items := doc.Content[0].Content
	if len(items) == 0 {
		return nil, errors.New("choice list is empty")
	}
	choices := make([]string, len(items))
	for i, item := range items {
		if item.Kind == yaml.ScalarNode && item.Style == 0 && item.ShortTag() == "!!str" {
			return nil, fmt.Errorf("unquoted string %q in choice list", item.Value)
		}
		var v any
		if err := item.Decode(&v); err != nil {
			return nil, err
		}
		choices[i] = render(v)
	}
	return choices, nil
}

func randomIPv4() string {
	//nolint:gosec // synthetic data
	return fmt.Sprintf("%d.%d.%d.%d", 1+rand.IntN(254), rand.IntN(256), rand.IntN(256), 1+rand.IntN(254))
}
