package feed

import (
	"fmt"
	"strings"

	"github.com/grafana/regexp"

	"iinaplus/bridge/backend/store"
)

// Filter drops comments matching the enabled block rules. A nil Filter blocks nothing.
type Filter struct {
	keywords []string
	patterns []*regexp.Regexp
	users    map[string]struct{}
}

// NewFilter compiles rules. Invalid regex rules are skipped and reported.
func NewFilter(rules []store.DanmakuBlockRule) (*Filter, error) {
	f := &Filter{users: map[string]struct{}{}}
	var invalid []string
	for _, rule := range rules {
		if !rule.Enabled {
			continue
		}
		pattern := strings.TrimSpace(rule.Pattern)
		if pattern == "" {
			continue
		}
		switch rule.Kind {
		case store.BlockRuleKeyword:
			f.keywords = append(f.keywords, strings.ToLower(pattern))
		case store.BlockRuleRegex:
			compiled, err := regexp.Compile(pattern)
			if err != nil {
				invalid = append(invalid, pattern)
				continue
			}
			f.patterns = append(f.patterns, compiled)
		case store.BlockRuleUser:
			f.users[strings.ToLower(pattern)] = struct{}{}
		}
	}
	if len(invalid) > 0 {
		return f, fmt.Errorf("skipped %d invalid regex rules: %s", len(invalid), strings.Join(invalid, ", "))
	}
	return f, nil
}

func (f *Filter) Len() int {
	if f == nil {
		return 0
	}
	return len(f.keywords) + len(f.patterns) + len(f.users)
}

// Blocked reports whether a comment by user should be dropped. user is the uid for
// live comments and the sender hash for video comments.
func (f *Filter) Blocked(content string, user string) bool {
	if f == nil {
		return false
	}
	if user != "" {
		if _, ok := f.users[strings.ToLower(user)]; ok {
			return true
		}
	}
	lower := strings.ToLower(content)
	for _, keyword := range f.keywords {
		if strings.Contains(lower, keyword) {
			return true
		}
	}
	for _, pattern := range f.patterns {
		if pattern.MatchString(content) {
			return true
		}
	}
	return false
}
