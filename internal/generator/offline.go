package generator

import (
	"context"
	"fmt"
	"strings"

	"warroom/internal/domain"
	"warroom/internal/prompts"
)

// Offline answers every request with fixed per-role text. It lets the full
// pipeline run without provider credentials, for demos and local testing.
type Offline struct{}

func (Offline) Generate(ctx context.Context, req Request) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	text, ok := offlineScripts[req.Role]
	if !ok {
		return "", Permanent(fmt.Sprintf("offline generator has no script for role %q", req.Role), nil)
	}
	switch {
	case req.System == prompts.ConflictSystem:
		return offlineConflicts, nil
	case strings.Contains(req.Prompt, prompts.RevisionMarker):
		return offlineRevision, nil
	}
	return text, nil
}

const offlineConflicts = `[{"agents_involved":["lead_strategist","adversarial_counsel"],"issue":"litigation posture","description":"The strategist pushes for trial while opposing counsel argues settlement preserves value."}]`

const offlineRevision = `## Revised strategy
The opposing theory leans on an ambiguous milestone definition. We concede the ambiguity but the record shows the milestone was met in substance.
- Keep pressure toward trial while discovery locks in the performance evidence.
- Our position remains strong on the merits; the counterparty's reading is a pretext.`

var offlineScripts = map[domain.Role]string{
	domain.RoleLeadStrategist: `## Strategy
Litigate aggressively and prepare for trial. The milestone was satisfied and withholding the tranche is a breach.
- File for breach of contract and seek specific performance of the funding obligation.
- Move quickly; early filing preserves leverage.
Our position is strong on the merits.`,
	domain.RolePrecedentResearcher: `## Precedent
Courts applying this jurisdiction's law enforce funding covenants as written and read conditions precedent narrowly.
- Conditions are construed against forfeiture.
- Good faith and fair dealing limits pretextual refusals to fund.
Authority supports a strong claim, though outcomes turn on the milestone wording.`,
	domain.RoleAdversarialCounsel: `## Counterarguments
The milestone language is ambiguous and the counterparty will argue it was never met. A trial is risky and costly; settlement may preserve value.
Attack vectors:
- Milestone definition is ambiguous on its face
- Internal emails suggest the milestone slipped
- Damages are speculative until the company fails
- Specific performance of a loan is rarely granted
The claim is weaker than it looks.`,
	domain.RoleModerator: `## Final strategy
Pursue a litigation track with a parallel settlement channel. File the breach claim to preserve leverage, then open negotiations once discovery on milestone performance is complete.
Conflicts addressed: litigation posture, merits strength.
Rejected alternatives:
- Immediate settlement without discovery, which gives away leverage too early
- All-out trial with no negotiation, which maximises cost and risk`,
}
