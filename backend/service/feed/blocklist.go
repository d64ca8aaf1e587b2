package feed

import (
	"bytes"
	"context"
	"encoding/xml"
	"fmt"
	"log"
	"os"
	"strings"

	"iinaplus/bridge/backend/store"
)

// RuleStore reads and writes persisted block rules.
type RuleStore interface {
	ListDanmakuBlockRules(ctx context.Context, enabledOnly bool) ([]store.DanmakuBlockRule, error)
	ImportDanmakuBlockRules(ctx context.Context, rules []store.DanmakuBlockRule) (int, error)
}

type blockListDocument struct {
	Items []struct {
		Enabled string `xml:"enabled,attr"`
		Value   string `xml:",chardata"`
	} `xml:"item"`
}

// ParseBlockList reads the player's exported block list: <item enabled="true">t=word</item>
// entries where the prefix is t (keyword), r (regex) or u (user hash). Items without a
// known prefix are skipped.
func ParseBlockList(data []byte) ([]store.DanmakuBlockRule, error) {
	var doc blockListDocument
	decoder := xml.NewDecoder(bytes.NewReader(data))
	decoder.Strict = false
	if err := decoder.Decode(&doc); err != nil {
		return nil, fmt.Errorf("parse block list: %w", err)
	}
	rules := make([]store.DanmakuBlockRule, 0, len(doc.Items))
	for _, item := range doc.Items {
		prefix, pattern, ok := strings.Cut(strings.TrimSpace(item.Value), "=")
		if !ok || strings.TrimSpace(pattern) == "" {
			continue
		}
		kind, ok := store.NormalizeBlockRuleKind(prefix)
		if !ok || prefix == "" {
			continue
		}
		rules = append(rules, store.DanmakuBlockRule{
			Kind:    kind,
			Pattern: strings.TrimSpace(pattern),
			Enabled: !strings.EqualFold(strings.TrimSpace(item.Enabled), "false"),
		})
	}
	return rules, nil
}

// ImportBlockListFile loads the block list file into the rule store.
func ImportBlockListFile(ctx context.Context, rules RuleStore, path string) (int, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return 0, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	parsed, err := ParseBlockList(data)
	if err != nil {
		return 0, err
	}
	count, err := rules.ImportDanmakuBlockRules(ctx, parsed)
	if err != nil {
		return 0, err
	}
	log.Printf("[feed] imported %d block rules from %s", count, path)
	return count, nil
}

func loadFilter(ctx context.Context, rules RuleStore) (*Filter, error) {
	if rules == nil {
		return nil, nil
	}
	items, err := rules.ListDanmakuBlockRules(ctx, true)
	if err != nil {
		return nil, err
	}
	return NewFilter(items)
}
