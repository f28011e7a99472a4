// Package conflict compares what the roles of a case have argued and reports
// the points on which they disagree.
package conflict

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"warroom/internal/domain"
	"warroom/internal/generator"
)

const (
	ModeHeuristic = "heuristic"
	ModeDelegated = "delegated"
)

// Finding is one disagreement between two or more roles.
type Finding struct {
	Issue          string
	AgentsInvolved []domain.Role
	Description    string
}

// Detector is pure over its input: the same arguments and counterarguments
// always produce the same findings.
type Detector interface {
	Detect(ctx context.Context, args []domain.Argument, counters []domain.Counterargument) ([]Finding, error)
}

// New returns the detector for mode. The delegated detector needs a
// generator.
func New(mode string, gen generator.Generator, policy generator.RetryPolicy) (Detector, error) {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case "", ModeHeuristic:
		return Heuristic{}, nil
	case ModeDelegated:
		if gen == nil {
			return nil, fmt.Errorf("delegated conflict detection needs a generator")
		}
		return Delegated{Generator: gen, Retry: policy}, nil
	default:
		return nil, fmt.Errorf("unknown conflict mode %q", mode)
	}
}

// normalize sorts roles inside each finding, drops findings that involve
// fewer than two distinct roles, merges duplicates and orders the result.
func normalize(findings []Finding) []Finding {
	seen := map[string]int{}
	out := make([]Finding, 0, len(findings))
	for _, f := range findings {
		f.Issue = strings.TrimSpace(f.Issue)
		f.Description = strings.TrimSpace(f.Description)
		f.AgentsInvolved = distinctRoles(f.AgentsInvolved)
		if f.Issue == "" || len(f.AgentsInvolved) < 2 {
			continue
		}
		key := strings.ToLower(f.Issue) + "|" + joinRoles(f.AgentsInvolved)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = len(out)
		out = append(out, f)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if a, b := strings.ToLower(out[i].Issue), strings.ToLower(out[j].Issue); a != b {
			return a < b
		}
		return joinRoles(out[i].AgentsInvolved) < joinRoles(out[j].AgentsInvolved)
	})
	return out
}

func distinctRoles(roles []domain.Role) []domain.Role {
	set := map[domain.Role]struct{}{}
	for _, role := range roles {
		if role.Valid() {
			set[role] = struct{}{}
		}
	}
	out := make([]domain.Role, 0, len(set))
	for role := range set {
		out = append(out, role)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func joinRoles(roles []domain.Role) string {
	parts := make([]string, len(roles))
	for i, role := range roles {
		parts[i] = string(role)
	}
	return strings.Join(parts, ",")
}
