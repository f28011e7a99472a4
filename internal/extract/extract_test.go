package extract

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAttackVectorsFromBulletSection(t *testing.T) {
	text := `## Weak points
- This bullet sits outside the section

## Attack Vectors
- **Milestone ambiguity** in the term sheet
* Emails showing the milestone slipped
• Damages are speculative
1. Specific performance is rarely granted
2) Nope
- Good faith defence is available
- A sixth item that should be dropped

## Closing
- Not part of the list`
	assert.Equal(t, []string{
		"Milestone ambiguity in the term sheet",
		"Emails showing the milestone slipped",
		"Damages are speculative",
		"Specific performance is rarely granted",
		"Good faith defence is available",
	}, AttackVectors(text))
}

func TestAttackVectorsStopAtNextHeading(t *testing.T) {
	text := "Attack angles:\n- Challenge the notice period\n\n**Cross-examination traps**\n- Ask about the board minutes"
	assert.Equal(t, []string{"Challenge the notice period"}, AttackVectors(text))
}

func TestNoSectionYieldsNothing(t *testing.T) {
	assert.Empty(t, AttackVectors("The claim is weak.\n- but this is just a list"))
	assert.Empty(t, RejectedAlternatives(""))
}

func TestRejectedAlternativesTruncatesAndFiltersShortItems(t *testing.T) {
	long := strings.Repeat("x", 250)
	text := "Rejected alternatives:\n- Too short\n- Immediate settlement without discovery\n- " + long
	got := RejectedAlternatives(text)
	assert.Equal(t, []string{"Immediate settlement without discovery", strings.Repeat("x", 200)}, got)
}

func TestRejectedStrategiesTrigger(t *testing.T) {
	text := "**Rejected Strategies**\n1. All-out trial with no negotiation channel"
	assert.Equal(t, []string{"All-out trial with no negotiation channel"}, RejectedAlternatives(text))
}
