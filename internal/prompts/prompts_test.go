package prompts

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"warroom/internal/domain"
)

var meridian = domain.Case{
	Title:        "Meridian Ventures v. Halcyon Capital",
	Facts:        "Halcyon withheld the second funding tranche claiming a missed milestone.",
	Jurisdiction: "Delaware",
	Stakes:       "$4M tranche",
}

func TestSystemForFallsBackToDefaults(t *testing.T) {
	set := Set{System: map[domain.Role]string{domain.RoleModerator: "  custom moderator "}}
	assert.Equal(t, "custom moderator", set.SystemFor(domain.RoleModerator))
	assert.Equal(t, DefaultSystem(domain.RoleLeadStrategist), set.SystemFor(domain.RoleLeadStrategist))
	for _, role := range domain.Roles {
		assert.NotEmpty(t, Defaults().SystemFor(role), role)
	}
}

func TestCaseFieldsAppearInEveryPrompt(t *testing.T) {
	head := domain.Argument{ID: "a1", Role: domain.RoleLeadStrategist, Kind: domain.ArgumentPrimary, Content: domain.PlainText("file suit")}
	counter := domain.Counterargument{Role: domain.RoleAdversarialCounsel, Round: 1, Content: domain.Structured("weak", []string{"ambiguous milestone"}, nil)}
	rendered := []string{
		Strategy(meridian),
		Research(meridian, head),
		Attack(meridian, 1, head, []domain.Argument{head}, nil),
		Rebuttal(meridian, 1, head, counter),
		Synthesis(meridian, []domain.Argument{head}, []domain.Counterargument{counter}, nil),
	}
	for _, text := range rendered {
		assert.Contains(t, text, meridian.Title)
		assert.Contains(t, text, "Delaware")
		assert.Contains(t, text, "$4M tranche")
	}
}

func TestOnlyRebuttalCarriesRevisionMarker(t *testing.T) {
	head := domain.Argument{ID: "a1", Role: domain.RoleLeadStrategist, Kind: domain.ArgumentPrimary, Content: domain.PlainText("file suit")}
	counter := domain.Counterargument{Role: domain.RoleAdversarialCounsel, Round: 1, Content: domain.PlainText("weak")}
	assert.Contains(t, Rebuttal(meridian, 1, head, counter), RevisionMarker)
	assert.NotContains(t, Attack(meridian, 1, head, nil, []domain.Counterargument{counter}), RevisionMarker)
	assert.NotContains(t, Synthesis(meridian, nil, nil, nil), RevisionMarker)
}

func TestAttackListsSupportAndEarlierAttacks(t *testing.T) {
	head := domain.Argument{ID: "a3", Role: domain.RoleLeadStrategist, Kind: domain.ArgumentRevision, Round: 1, Content: domain.PlainText("revised plan")}
	research := domain.Argument{ID: "a2", Role: domain.RolePrecedentResearcher, Kind: domain.ArgumentPrecedent, Content: domain.PlainText("precedent text")}
	counter := domain.Counterargument{Role: domain.RoleAdversarialCounsel, Round: 1, Content: domain.Structured("first attack", []string{"speculative damages"}, nil)}

	text := Attack(meridian, 2, head, []domain.Argument{research, head}, []domain.Counterargument{counter})
	assert.Contains(t, text, "round 2")
	assert.Contains(t, text, "precedent text")
	assert.Contains(t, text, "speculative damages")
	assert.Equal(t, 1, strings.Count(text, "revised plan"))
}

func TestSynthesisListsConflicts(t *testing.T) {
	conflicts := []domain.Conflict{{Issue: "litigation posture", AgentsInvolved: []domain.Role{domain.RoleAdversarialCounsel, domain.RoleLeadStrategist}, Description: "trial vs settlement"}}
	text := Synthesis(meridian, nil, nil, conflicts)
	assert.Contains(t, text, "Conflict: litigation posture")
	assert.Contains(t, text, "adversarial_counsel, lead_strategist")
	assert.Contains(t, Synthesis(meridian, nil, nil, nil), "No major conflicts detected.")
}
