package conflict

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"

	"warroom/internal/domain"
	"warroom/internal/generator"
	"warroom/internal/prompts"
)

// Delegated asks the content generator to compare the record and parses the
// JSON array it answers with.
type Delegated struct {
	Generator generator.Generator
	Retry     generator.RetryPolicy
}

func (d Delegated) Detect(ctx context.Context, args []domain.Argument, counters []domain.Counterargument) ([]Finding, error) {
	if len(args) == 0 && len(counters) == 0 {
		return []Finding{}, nil
	}
	temperature := 0.3
	res, err := generator.Invoke(ctx, d.Generator, d.Retry, generator.Request{
		Role:        domain.RoleModerator,
		System:      prompts.ConflictSystem,
		Prompt:      prompts.ConflictComparison(args, counters),
		Temperature: &temperature,
	}, nil)
	if err != nil {
		return nil, fmt.Errorf("conflict comparison: %w", err)
	}
	return parseFindings(res.Text)
}

// parseFindings reads a JSON array of findings from model output that may
// wrap it in prose or a fenced block.
func parseFindings(text string) ([]Finding, error) {
	raw, ok := locateArray(text)
	if !ok {
		return nil, errors.New("no JSON array in conflict comparison output")
	}
	var findings []Finding
	gjson.Parse(raw).ForEach(func(_, item gjson.Result) bool {
		if !item.IsObject() {
			return true
		}
		f := Finding{
			Issue:       item.Get("issue").String(),
			Description: item.Get("description").String(),
		}
		item.Get("agents_involved").ForEach(func(_, agent gjson.Result) bool {
			if role, ok := roleFromName(agent.String()); ok {
				f.AgentsInvolved = append(f.AgentsInvolved, role)
			}
			return true
		})
		findings = append(findings, f)
		return true
	})
	return normalize(findings), nil
}

func locateArray(text string) (string, bool) {
	text = strings.TrimSpace(text)
	candidates := []string{text}
	if start := strings.Index(text, "```"); start >= 0 {
		body := text[start+3:]
		body = strings.TrimPrefix(body, "json")
		if end := strings.Index(body, "```"); end >= 0 {
			candidates = append(candidates, strings.TrimSpace(body[:end]))
		}
	}
	if start, end := strings.Index(text, "["), strings.LastIndex(text, "]"); start >= 0 && end > start {
		candidates = append(candidates, text[start:end+1])
	}
	for _, candidate := range candidates {
		if gjson.Valid(candidate) && gjson.Parse(candidate).IsArray() {
			return candidate, true
		}
	}
	return "", false
}

var roleAliases = map[string]domain.Role{
	"lead strategist":      domain.RoleLeadStrategist,
	"strategist":           domain.RoleLeadStrategist,
	"precedent researcher": domain.RolePrecedentResearcher,
	"precedent expert":     domain.RolePrecedentResearcher,
	"researcher":           domain.RolePrecedentResearcher,
	"adversarial counsel":  domain.RoleAdversarialCounsel,
	"opposing counsel":     domain.RoleAdversarialCounsel,
	"moderator":            domain.RoleModerator,
	"managing partner":     domain.RoleModerator,
}

func roleFromName(name string) (domain.Role, bool) {
	key := strings.ToLower(strings.TrimSpace(name))
	if role := domain.Role(key); role.Valid() {
		return role, true
	}
	key = strings.ReplaceAll(key, "_", " ")
	role, ok := roleAliases[key]
	return role, ok
}
