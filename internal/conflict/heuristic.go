package conflict

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"warroom/internal/domain"
)

type pole struct {
	name string
	cues []string
}

type axis struct {
	label string
	poles [2]pole
}

// lexicon is the fixed set of stance axes the heuristic detector knows.
var lexicon = []axis{
	{
		label: "litigation posture",
		poles: [2]pole{
			{name: "trial", cues: []string{"prepare for trial", "go to trial", "proceed to trial", "toward trial", "push for trial", "litigate", "file suit", "file for", "trial track"}},
			{name: "settlement", cues: []string{"settle", "negotiat", "mediat", "avoid trial", "trial is risky", "risky and costly"}},
		},
	},
	{
		label: "merits strength",
		poles: [2]pole{
			{name: "strong", cues: []string{"strong on the merits", "position is strong", "remains strong", "strong claim", "clear breach", "is a breach", "likely to prevail"}},
			{name: "weak", cues: []string{"weaker", "claim is weak", "weak claim", "ambiguous", "speculative", "unlikely to prevail", "uphill"}},
		},
	},
	{
		label: "contract performance",
		poles: [2]pole{
			{name: "met", cues: []string{"milestone was met", "milestone was satisfied", "was satisfied", "met in substance", "fully performed"}},
			{name: "unmet", cues: []string{"never met", "not met", "slipped", "missed", "failed to meet"}},
		},
	},
	{
		label: "remedy",
		poles: [2]pole{
			{name: "equitable relief", cues: []string{"specific performance", "injunct"}},
			{name: "money damages", cues: []string{"money damages", "monetary", "damages award", "compensatory"}},
		},
	},
	{
		label: "timing",
		poles: [2]pole{
			{name: "act now", cues: []string{"move quickly", "early filing", "immediately", "without delay", "urgent"}},
			{name: "wait", cues: []string{"wait for", "after discovery", "premature", "hold off", "defer"}},
		},
	},
}

// Heuristic detects opposed stances with a keyword lexicon. Each role takes
// the majority pole of every axis over everything it wrote; a tie takes no
// stance.
type Heuristic struct{}

type stance struct {
	pole     int
	evidence []string
}

func (Heuristic) Detect(ctx context.Context, args []domain.Argument, counters []domain.Counterargument) ([]Finding, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	texts := map[domain.Role]*strings.Builder{}
	add := func(role domain.Role, parts ...string) {
		b, ok := texts[role]
		if !ok {
			b = &strings.Builder{}
			texts[role] = b
		}
		for _, part := range parts {
			b.WriteString(strings.ToLower(part))
			b.WriteString("\n")
		}
	}
	for _, arg := range args {
		add(arg.Role, arg.Content.Text)
		add(arg.Role, arg.Content.AttackVectors...)
	}
	for _, counter := range counters {
		add(counter.Role, counter.Content.Text)
		add(counter.Role, counter.Content.AttackVectors...)
	}

	roles := make([]domain.Role, 0, len(texts))
	for role := range texts {
		roles = append(roles, role)
	}
	sort.Slice(roles, func(i, j int) bool { return roles[i] < roles[j] })

	var findings []Finding
	for _, ax := range lexicon {
		stances := map[domain.Role]stance{}
		for _, role := range roles {
			if s, ok := ax.stanceOf(texts[role].String()); ok {
				stances[role] = s
			}
		}
		for i, a := range roles {
			for _, b := range roles[i+1:] {
				sa, okA := stances[a]
				sb, okB := stances[b]
				if !okA || !okB || sa.pole == sb.pole {
					continue
				}
				findings = append(findings, Finding{
					Issue:          ax.label,
					AgentsInvolved: []domain.Role{a, b},
					Description: fmt.Sprintf("%s favors %s (%s) while %s favors %s (%s).",
						a, ax.poles[sa.pole].name, strings.Join(sa.evidence, ", "),
						b, ax.poles[sb.pole].name, strings.Join(sb.evidence, ", ")),
				})
			}
		}
	}
	return normalize(findings), nil
}

func (ax axis) stanceOf(text string) (stance, bool) {
	var counts [2]int
	var evidence [2][]string
	for i, p := range ax.poles {
		for _, cue := range p.cues {
			if n := strings.Count(text, cue); n > 0 {
				counts[i] += n
				evidence[i] = append(evidence[i], strings.TrimSpace(cue))
			}
		}
	}
	switch {
	case counts[0] > counts[1]:
		return stance{pole: 0, evidence: evidence[0]}, true
	case counts[1] > counts[0]:
		return stance{pole: 1, evidence: evidence[1]}, true
	default:
		return stance{}, false
	}
}
