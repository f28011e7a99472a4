package server

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/danielgtaylor/huma/v2"

	"warroom/internal/domain"
	"warroom/internal/engine"
)

type casePath struct {
	CaseID string `path:"case_id"`
}

func (a *api) requireCase(ctx context.Context, caseID string) (domain.Case, huma.StatusError) {
	c, err := a.ledger.GetCase(ctx, caseID)
	if err != nil {
		return domain.Case{}, handleError(err)
	}
	return c, nil
}

func (a *api) registerCases(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-case",
		Method:        http.MethodPost,
		Path:          "/cases",
		Summary:       "Submit a case",
		Description:   "Stores the case and starts its deliberation workflow in the background.",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		Body CreateCaseRequest `json:"body"`
	}) (*struct {
		Body domain.Case `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		c, err := a.dispatcher.Submit(ctx, engine.SubmitInput{
			Title:              input.Body.Title,
			Facts:              input.Body.Facts,
			Jurisdiction:       input.Body.Jurisdiction,
			Stakes:             input.Body.Stakes,
			DeliberationRounds: input.Body.DeliberationRounds,
		})
		if err != nil {
			return nil, handleError(err)
		}
		a.logger.WithCase(c.ID).Info("case accepted", "rounds", c.DeliberationRounds)
		return &struct {
			Body domain.Case `json:"body"`
		}{Body: c}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-cases",
		Method:      http.MethodGet,
		Path:        "/cases",
		Summary:     "List cases, newest first",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Phase  string `query:"phase" enum:"created,strategizing,researching,deliberating,detecting_conflicts,synthesizing,complete,failed"`
		Limit  int    `query:"limit" default:"50"`
		Cursor string `query:"cursor"`
	}) (*struct {
		Body paginatedCases `json:"body"`
	}, error) {
		limit := normalizeLimit(input.Limit)
		cursorTS, cursorID, err := parseCompositeCursor(input.Cursor)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
		}
		items, err := a.ledger.ListCases(ctx, limit+1, domain.Phase(input.Phase), cursorTS, cursorID)
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedCases{Items: items}
		if len(items) > limit {
			last := items[limit-1]
			resp.NextCursor = composeCursor(last.CreatedAt, last.ID)
			resp.Items = items[:limit]
		}
		return &struct {
			Body paginatedCases `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-case",
		Method:      http.MethodGet,
		Path:        "/cases/{case_id}",
		Summary:     "Case snapshot",
		Description: "Everything recorded for the case, read in one transaction.",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *casePath) (*struct {
		Body domain.Snapshot `json:"body"`
	}, error) {
		snap, err := a.ledger.Snapshot(ctx, input.CaseID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Snapshot `json:"body"`
		}{Body: snap}, nil
	})
}

func (a *api) registerRecords(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "list-arguments",
		Method:      http.MethodGet,
		Path:        "/cases/{case_id}/arguments",
		Summary:     "Arguments in ledger order",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		CaseID string `path:"case_id"`
		Role   string `query:"role" enum:"lead_strategist,precedent_researcher,adversarial_counsel,moderator"`
	}) (*struct {
		Body []domain.Argument `json:"body"`
	}, error) {
		if _, serr := a.requireCase(ctx, input.CaseID); serr != nil {
			return nil, serr
		}
		items, err := a.ledger.Arguments(ctx, input.CaseID)
		if err != nil {
			return nil, handleError(err)
		}
		if input.Role != "" {
			filtered := items[:0]
			for _, arg := range items {
				if string(arg.Role) == input.Role {
					filtered = append(filtered, arg)
				}
			}
			items = filtered
		}
		return &struct {
			Body []domain.Argument `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-counterarguments",
		Method:      http.MethodGet,
		Path:        "/cases/{case_id}/counterarguments",
		Summary:     "Counterarguments in ledger order",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *casePath) (*struct {
		Body []domain.Counterargument `json:"body"`
	}, error) {
		if _, serr := a.requireCase(ctx, input.CaseID); serr != nil {
			return nil, serr
		}
		items, err := a.ledger.Counterarguments(ctx, input.CaseID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Counterargument `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-conflicts",
		Method:      http.MethodGet,
		Path:        "/cases/{case_id}/conflicts",
		Summary:     "Detected conflicts",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		CaseID string `path:"case_id"`
		Status string `query:"status" enum:"unresolved,resolved"`
	}) (*struct {
		Body []domain.Conflict `json:"body"`
	}, error) {
		if _, serr := a.requireCase(ctx, input.CaseID); serr != nil {
			return nil, serr
		}
		items, err := a.ledger.Conflicts(ctx, input.CaseID, domain.ConflictStatus(input.Status))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Conflict `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-strategy",
		Method:      http.MethodGet,
		Path:        "/cases/{case_id}/strategy",
		Summary:     "Current strategy",
		Description: "The highest strategy version. 404 until the first synthesis completes.",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *casePath) (*struct {
		Body domain.Strategy `json:"body"`
	}, error) {
		if _, serr := a.requireCase(ctx, input.CaseID); serr != nil {
			return nil, serr
		}
		s, err := a.ledger.CurrentStrategy(ctx, input.CaseID)
		if err != nil {
			return nil, handleError(fmt.Errorf("strategy for case %s: %w", input.CaseID, err))
		}
		return &struct {
			Body domain.Strategy `json:"body"`
		}{Body: s}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-strategy-versions",
		Method:      http.MethodGet,
		Path:        "/cases/{case_id}/strategy/versions",
		Summary:     "Every strategy version, oldest first",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *casePath) (*struct {
		Body []domain.Strategy `json:"body"`
	}, error) {
		if _, serr := a.requireCase(ctx, input.CaseID); serr != nil {
			return nil, serr
		}
		items, err := a.ledger.Strategies(ctx, input.CaseID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Strategy `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-runs",
		Method:      http.MethodGet,
		Path:        "/cases/{case_id}/runs",
		Summary:     "Agent runs with their reasoning steps",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		CaseID string `path:"case_id"`
		Steps  bool   `query:"steps" default:"true"`
	}) (*struct {
		Body []RunResponse `json:"body"`
	}, error) {
		if _, serr := a.requireCase(ctx, input.CaseID); serr != nil {
			return nil, serr
		}
		runs, err := a.ledger.AgentRuns(ctx, input.CaseID)
		if err != nil {
			return nil, handleError(err)
		}
		var byRun map[string][]domain.ReasoningStep
		if input.Steps {
			steps, err := a.ledger.ReasoningSteps(ctx, input.CaseID, "")
			if err != nil {
				return nil, handleError(err)
			}
			byRun = make(map[string][]domain.ReasoningStep)
			for _, s := range steps {
				byRun[s.RunID] = append(byRun[s.RunID], s)
			}
		}
		out := make([]RunResponse, 0, len(runs))
		for _, run := range runs {
			out = append(out, RunResponse{AgentRun: run, Steps: byRun[run.ID]})
		}
		return &struct {
			Body []RunResponse `json:"body"`
		}{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-messages",
		Method:      http.MethodGet,
		Path:        "/cases/{case_id}/messages",
		Summary:     "Messages exchanged between roles",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *casePath) (*struct {
		Body []domain.AgentMessage `json:"body"`
	}, error) {
		if _, serr := a.requireCase(ctx, input.CaseID); serr != nil {
			return nil, serr
		}
		items, err := a.ledger.AgentMessages(ctx, input.CaseID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.AgentMessage `json:"body"`
		}{Body: items}, nil
	})
}

func (a *api) registerActions(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "cancel-case",
		Method:      http.MethodPost,
		Path:        "/cases/{case_id}/cancel",
		Summary:     "Cancel a case",
		Description: "Operator action. Stops a running workflow and marks the case failed; records already written stay.",
		Errors:      []int{http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *casePath) (*struct {
		Body domain.Case `json:"body"`
	}, error) {
		if serr := requireRole(ctx, a.auth, RoleOperator); serr != nil {
			return nil, serr
		}
		c, err := a.dispatcher.Cancel(ctx, input.CaseID)
		if err != nil {
			return nil, handleError(err)
		}
		by := "anonymous"
		if p, ok := principalFromContext(ctx); ok {
			by = p.Subject
		}
		a.logger.WithCase(c.ID).Warn("cancel requested", "by", by)
		return &struct {
			Body domain.Case `json:"body"`
		}{Body: c}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "resynthesize-case",
		Method:        http.MethodPost,
		Path:          "/cases/{case_id}/resynthesize",
		Summary:       "Write the next strategy version",
		Description:   "Re-runs synthesis over the current ledger state of a complete case. Watch the stream for strategy_ready.",
		DefaultStatus: http.StatusAccepted,
		Errors:        []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *casePath) (*struct {
		Body AcceptedResponse `json:"body"`
	}, error) {
		if err := a.dispatcher.Resynthesize(ctx, input.CaseID); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body AcceptedResponse `json:"body"`
		}{Body: AcceptedResponse{CaseID: input.CaseID, Operation: "resynthesize", Status: "accepted"}}, nil
	})
}

func normalizeLimit(in int) int {
	if in <= 0 {
		return 50
	}
	if in > 200 {
		return 200
	}
	return in
}

func parseCompositeCursor(cursor string) (string, string, error) {
	if cursor == "" {
		return "", "", nil
	}
	parts := strings.SplitN(cursor, "|", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid cursor")
	}
	return parts[0], parts[1], nil
}

func composeCursor(ts, id string) string {
	if ts == "" || id == "" {
		return ""
	}
	return ts + "|" + id
}
