package domain

import "fmt"

type Phase string

const (
	PhaseCreated            Phase = "created"
	PhaseStrategizing       Phase = "strategizing"
	PhaseResearching        Phase = "researching"
	PhaseDeliberating       Phase = "deliberating"
	PhaseDetectingConflicts Phase = "detecting_conflicts"
	PhaseSynthesizing       Phase = "synthesizing"
	PhaseComplete           Phase = "complete"
	PhaseFailed             Phase = "failed"
)

// phaseOrder is the only forward path a case may take. Failed sits outside it.
var phaseOrder = []Phase{
	PhaseCreated,
	PhaseStrategizing,
	PhaseResearching,
	PhaseDeliberating,
	PhaseDetectingConflicts,
	PhaseSynthesizing,
	PhaseComplete,
}

func (p Phase) index() int {
	for i, candidate := range phaseOrder {
		if candidate == p {
			return i
		}
	}
	return -1
}

func (p Phase) Valid() bool {
	return p == PhaseFailed || p.index() >= 0
}

func (p Phase) Terminal() bool {
	return p == PhaseComplete || p == PhaseFailed
}

// Next returns the phase that follows p, or "" for terminal phases.
func (p Phase) Next() Phase {
	i := p.index()
	if i < 0 || i+1 >= len(phaseOrder) {
		return ""
	}
	return phaseOrder[i+1]
}

// ValidateTransition allows exactly one step forward, or a move to failed from
// any non-terminal phase.
func ValidateTransition(from, to Phase) error {
	if from.Terminal() {
		return fmt.Errorf("invalid phase transition %s -> %s: case is terminal", from, to)
	}
	if to == PhaseFailed {
		return nil
	}
	if from.Next() != to {
		return fmt.Errorf("invalid phase transition %s -> %s", from, to)
	}
	return nil
}

type Role string

const (
	RoleLeadStrategist      Role = "lead_strategist"
	RolePrecedentResearcher Role = "precedent_researcher"
	RoleAdversarialCounsel  Role = "adversarial_counsel"
	RoleModerator           Role = "moderator"
)

var Roles = []Role{RoleLeadStrategist, RolePrecedentResearcher, RoleAdversarialCounsel, RoleModerator}

func (r Role) Valid() bool {
	for _, candidate := range Roles {
		if candidate == r {
			return true
		}
	}
	return false
}

type Case struct {
	ID                 string `json:"id"`
	Title              string `json:"title"`
	Facts              string `json:"facts"`
	Jurisdiction       string `json:"jurisdiction"`
	Stakes             string `json:"stakes"`
	DeliberationRounds int    `json:"deliberation_rounds"`
	Phase              Phase  `json:"phase" enum:"created,strategizing,researching,deliberating,detecting_conflicts,synthesizing,complete,failed"`
	FailureReason      string `json:"failure_reason,omitempty"`
	CreatedAt          string `json:"created_at" format:"date-time"`
	UpdatedAt          string `json:"updated_at" format:"date-time"`
}

type RunOutcome string

const (
	OutcomeRunning RunOutcome = "running"
	OutcomeRetried RunOutcome = "retried"
	OutcomeSuccess RunOutcome = "success"
	OutcomeFailure RunOutcome = "failure"
)

type AgentRun struct {
	ID           string     `json:"id"`
	CaseID       string     `json:"case_id"`
	Seq          int64      `json:"seq"`
	Role         Role       `json:"role"`
	Phase        Phase      `json:"phase"`
	Label        string     `json:"label"`
	Round        int        `json:"round"`
	Outcome      RunOutcome `json:"outcome" enum:"running,retried,success,failure"`
	AttemptCount int        `json:"attempt_count"`
	Error        string     `json:"error,omitempty"`
	StartedAt    string     `json:"started_at" format:"date-time"`
	EndedAt      *string    `json:"ended_at,omitempty" format:"date-time"`
}

func (r AgentRun) Sealed() bool {
	return r.EndedAt != nil
}

type ReasoningStep struct {
	ID         string         `json:"id"`
	CaseID     string         `json:"case_id"`
	RunID      string         `json:"run_id"`
	Seq        int64          `json:"seq"`
	Name       string         `json:"name"`
	Status     string         `json:"status" enum:"ok,error"`
	Detail     map[string]any `json:"detail,omitempty"`
	DurationMS int64          `json:"duration_ms"`
	CreatedAt  string         `json:"created_at" format:"date-time"`
}

type ArgumentKind string

const (
	ArgumentPrimary   ArgumentKind = "primary"
	ArgumentPrecedent ArgumentKind = "precedent"
	ArgumentRevision  ArgumentKind = "revision"
)

type Argument struct {
	ID         string       `json:"id"`
	CaseID     string       `json:"case_id"`
	Seq        int64        `json:"seq"`
	Role       Role         `json:"role"`
	Round      int          `json:"round"`
	Kind       ArgumentKind `json:"kind" enum:"primary,precedent,revision"`
	Content    Content      `json:"content"`
	LineageID  string       `json:"lineage_id"`
	RevisionOf string       `json:"revision_of,omitempty"`
	RunID      string       `json:"run_id"`
	CreatedAt  string       `json:"created_at" format:"date-time"`
}

type Counterargument struct {
	ID               string  `json:"id"`
	CaseID           string  `json:"case_id"`
	Seq              int64   `json:"seq"`
	Role             Role    `json:"role"`
	Round            int     `json:"round"`
	TargetArgumentID string  `json:"target_argument_id"`
	Content          Content `json:"content"`
	RunID            string  `json:"run_id"`
	CreatedAt        string  `json:"created_at" format:"date-time"`
}

// RecipientTeam addresses a message to every role.
const RecipientTeam = "team"

type AgentMessage struct {
	ID        string         `json:"id"`
	CaseID    string         `json:"case_id"`
	Seq       int64          `json:"seq"`
	Sender    Role           `json:"sender"`
	Recipient string         `json:"recipient"`
	Body      map[string]any `json:"body"`
	CreatedAt string         `json:"created_at" format:"date-time"`
}

type ConflictStatus string

const (
	ConflictUnresolved ConflictStatus = "unresolved"
	ConflictResolved   ConflictStatus = "resolved"
)

type Conflict struct {
	ID                   string         `json:"id"`
	CaseID               string         `json:"case_id"`
	Seq                  int64          `json:"seq"`
	DetectionPass        int            `json:"detection_pass"`
	Issue                string         `json:"issue"`
	AgentsInvolved       []Role         `json:"agents_involved"`
	Description          string         `json:"description"`
	Status               ConflictStatus `json:"status" enum:"unresolved,resolved"`
	Resolution           string         `json:"resolution,omitempty"`
	ResolvedByStrategyID string         `json:"resolved_by_strategy_id,omitempty"`
	CreatedAt            string         `json:"created_at" format:"date-time"`
	ResolvedAt           *string        `json:"resolved_at,omitempty" format:"date-time"`
}

type Rationale struct {
	Method                string `json:"method"`
	DeliberationRounds    int    `json:"deliberation_rounds"`
	ArgumentsConsidered   int    `json:"arguments_considered"`
	CounterargsConsidered int    `json:"counterarguments_considered"`
	ConflictsConsidered   int    `json:"conflicts_considered"`
	ConflictsResolved     int    `json:"conflicts_resolved"`
}

type Strategy struct {
	ID                   string    `json:"id"`
	CaseID               string    `json:"case_id"`
	Version              int       `json:"version"`
	Content              string    `json:"content"`
	Rationale            Rationale `json:"rationale"`
	RejectedAlternatives []string  `json:"rejected_alternatives"`
	RunID                string    `json:"run_id"`
	CreatedAt            string    `json:"created_at" format:"date-time"`
}

// Snapshot is everything the ledger knows about a case at one point in time.
type Snapshot struct {
	Case             Case              `json:"case"`
	Arguments        []Argument        `json:"arguments"`
	Counterarguments []Counterargument `json:"counterarguments"`
	Conflicts        []Conflict        `json:"conflicts"`
	Strategy         *Strategy         `json:"strategy,omitempty"`
	Strategies       []Strategy        `json:"strategies"`
	AgentRuns        []AgentRun        `json:"agent_runs"`
	ReasoningSteps   []ReasoningStep   `json:"reasoning_steps"`
	AgentMessages    []AgentMessage    `json:"agent_messages"`
	LastEventSeq     int64             `json:"last_event_seq"`
}
