// Package prompts renders the standing instructions and context bundles
// handed to the content generator for each role.
package prompts

import (
	"fmt"
	"strings"

	"warroom/internal/domain"
)

// RevisionMarker opens every rebuttal prompt.
const RevisionMarker = "Revise your strategy"

var defaultSystem = map[domain.Role]string{
	domain.RoleLeadStrategist: `You are a senior trial attorney who develops bold, winning legal strategies.
Analyze the case and provide: the primary strategy (trial or settlement), key leverage points, the sequence of moves and the critical assumptions.
Be aggressive but realistic. Keep the output structured and actionable.`,
	domain.RolePrecedentResearcher: `You are a legal research expert with deep knowledge of case law.
Provide relevant precedents with their holdings, the doctrines that apply, how to distinguish unfavorable authority and technical arguments others might miss.`,
	domain.RoleAdversarialCounsel: `You are opposing counsel. Your only job is to find every weakness in the plaintiff's strategy.
Identify the weakest points, the strongest counterarguments and the evidence that hurts their case.
End with a section titled "Attack vectors" listing 3 to 5 short bullet points.`,
	domain.RoleModerator: `You are the managing partner. You have reviewed every argument, counterargument and conflict.
Weigh the competing positions, resolve each conflict with clear reasoning and produce one coherent strategy.
Name the conflicts you resolved and end with a section titled "Rejected alternatives" listing what you rejected and why.`,
}

// ConflictSystem instructs the delegated conflict comparator.
const ConflictSystem = "You are a legal analyst that identifies conflicts and disagreements between legal arguments. Always respond with valid JSON."

// Set holds the system prompt per role. Missing roles fall back to the
// built-in defaults.
type Set struct {
	System map[domain.Role]string
}

func Defaults() Set {
	return Set{System: map[domain.Role]string{}}
}

func (s Set) SystemFor(role domain.Role) string {
	if text := strings.TrimSpace(s.System[role]); text != "" {
		return text
	}
	return defaultSystem[role]
}

// DefaultSystem exposes the built-in system prompt of a role.
func DefaultSystem(role domain.Role) string {
	return defaultSystem[role]
}

func writeCase(b *strings.Builder, heading string, c domain.Case) {
	fmt.Fprintf(b, "%s\n\nTitle: %s\n\nFacts:\n%s\n\nJurisdiction: %s\n\nStakes: %s\n\n---\n\n",
		heading, orUnknown(c.Title), orUnknown(c.Facts), orUnknown(c.Jurisdiction), orUnknown(c.Stakes))
}

func orUnknown(v string) string {
	if strings.TrimSpace(v) == "" {
		return "Unknown"
	}
	return v
}

func writeArguments(b *strings.Builder, args []domain.Argument) {
	for _, arg := range args {
		fmt.Fprintf(b, "--- %s (%s, round %d) ---\n%s\n\n", arg.Role, arg.Kind, arg.Round, arg.Content.Text)
	}
}

func writeCounters(b *strings.Builder, counters []domain.Counterargument) {
	for _, counter := range counters {
		fmt.Fprintf(b, "--- %s (round %d) ---\n%s\n", counter.Role, counter.Round, counter.Content.Text)
		if len(counter.Content.AttackVectors) > 0 {
			fmt.Fprintf(b, "Attack vectors: %s\n", strings.Join(counter.Content.AttackVectors, "; "))
		}
		b.WriteString("\n")
	}
}

// Strategy asks the lead strategist for the primary strategy.
func Strategy(c domain.Case) string {
	var b strings.Builder
	writeCase(&b, "CASE ANALYSIS REQUEST", c)
	b.WriteString(`Develop the primary legal strategy for this case:

1. Primary strategy recommendation: trial or settlement, and why.
2. Key leverage points.
3. Strategic sequence of moves.
4. Critical assumptions.
5. Risk assessment.
`)
	return b.String()
}

// Research asks the precedent researcher to ground the strategy in authority.
func Research(c domain.Case, strategy domain.Argument) string {
	var b strings.Builder
	writeCase(&b, "LEGAL RESEARCH REQUEST", c)
	b.WriteString("LEAD STRATEGY UNDER REVIEW:\n")
	writeArguments(&b, []domain.Argument{strategy})
	b.WriteString(`---

Provide legal research for this case:

1. Relevant precedents with citation, key facts, holding and application.
2. Applicable doctrines and how they favor our position.
3. Unfavorable precedents opposing counsel may cite and how to distinguish them.
4. Technical arguments others might miss.
`)
	return b.String()
}

// Attack asks adversarial counsel to attack the current strategy in light of
// everything argued so far.
func Attack(c domain.Case, round int, head domain.Argument, args []domain.Argument, counters []domain.Counterargument) string {
	var b strings.Builder
	writeCase(&b, fmt.Sprintf("OPPOSING COUNSEL ANALYSIS (round %d)", round), c)
	b.WriteString("CURRENT STRATEGY:\n")
	writeArguments(&b, []domain.Argument{head})
	var support []domain.Argument
	for _, arg := range args {
		if arg.ID != head.ID {
			support = append(support, arg)
		}
	}
	if len(support) > 0 {
		b.WriteString("SUPPORTING ARGUMENTS:\n")
		writeArguments(&b, support)
	}
	if len(counters) > 0 {
		b.WriteString("EARLIER ATTACKS:\n")
		writeCounters(&b, counters)
	}
	b.WriteString(`---

Attack this strategy:

1. The three weakest points and why each is weak.
2. The strongest counterarguments.
3. Evidence that hurts their case.
4. Attack vectors: 3 to 5 short bullet points.
`)
	return b.String()
}

// Rebuttal asks the lead strategist to revise the strategy against the
// latest attack.
func Rebuttal(c domain.Case, round int, head domain.Argument, counter domain.Counterargument) string {
	var b strings.Builder
	writeCase(&b, fmt.Sprintf("STRATEGY RECONSIDERATION REQUEST (round %d)", round), c)
	b.WriteString("YOUR CURRENT STRATEGY:\n")
	writeArguments(&b, []domain.Argument{head})
	b.WriteString("OPPOSING COUNSEL'S ATTACK:\n")
	writeCounters(&b, []domain.Counterargument{counter})
	b.WriteString(RevisionMarker + ` in light of this attack:

1. Directly address the strongest counterarguments.
2. Reinforce the leverage points.
3. Adjust the tactical sequence if needed.
`)
	return b.String()
}

// Synthesis gives the moderator the full record of the case.
func Synthesis(c domain.Case, args []domain.Argument, counters []domain.Counterargument, conflicts []domain.Conflict) string {
	var b strings.Builder
	writeCase(&b, "FINAL STRATEGY SYNTHESIS", c)
	b.WriteString("TEAM ARGUMENTS:\n")
	writeArguments(&b, args)
	b.WriteString("---\n\nADVERSARIAL ANALYSIS:\n")
	if len(counters) == 0 {
		b.WriteString("No counterarguments were raised.\n\n")
	}
	writeCounters(&b, counters)
	b.WriteString("---\n\nIDENTIFIED CONFLICTS:\n")
	if len(conflicts) == 0 {
		b.WriteString("No major conflicts detected.\n")
	}
	for _, conflict := range conflicts {
		roles := make([]string, len(conflict.AgentsInvolved))
		for i, role := range conflict.AgentsInvolved {
			roles[i] = string(role)
		}
		fmt.Fprintf(&b, "--- Conflict: %s ---\nAgents involved: %s\nDescription: %s\n", conflict.Issue, strings.Join(roles, ", "), conflict.Description)
	}
	b.WriteString(`
---

Synthesize one final strategy:

1. Executive summary.
2. Final decision: trial or settlement, the legal theory and key arguments.
3. Action plan.
4. Risk mitigation against the adversarial concerns.
5. Conflict resolutions: name each conflict you resolved.
6. Rejected alternatives and why.
`)
	return b.String()
}

// ConflictComparison asks the generator to list disagreements as JSON.
func ConflictComparison(args []domain.Argument, counters []domain.Counterargument) string {
	var b strings.Builder
	b.WriteString(`Compare these legal arguments and identify contradictions, disagreements or tensions between them.

Return a JSON array. Each element has:
- agents_involved: the roles that disagree, from lead_strategist, precedent_researcher, adversarial_counsel, moderator
- issue: a short title of the conflict
- description: what the disagreement is

Return [] when there are no conflicts. Return only JSON.

ARGUMENTS FROM THE LEGAL TEAM:

`)
	writeArguments(&b, args)
	if len(counters) > 0 {
		b.WriteString("COUNTERARGUMENTS:\n\n")
		writeCounters(&b, counters)
	}
	return b.String()
}
