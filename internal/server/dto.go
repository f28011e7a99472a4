package server

import (
	"encoding/json"

	"warroom/internal/domain"
	"warroom/internal/events"
)

// Request payloads

type CreateCaseRequest struct {
	Title              string `json:"title" minLength:"1" maxLength:"200" doc:"Short case title" example:"Meridian Ventures tranche dispute"`
	Facts              string `json:"facts" minLength:"1" doc:"Facts as known to the client"`
	Jurisdiction       string `json:"jurisdiction" minLength:"1" maxLength:"200" example:"Delaware"`
	Stakes             string `json:"stakes" minLength:"1" doc:"What the client stands to gain or lose"`
	DeliberationRounds *int   `json:"deliberation_rounds,omitempty" minimum:"0" maximum:"10" doc:"Adversarial rounds; the configured default when omitted"`
}

// Response payloads

type paginatedCases struct {
	Items      []domain.Case `json:"items"`
	NextCursor string        `json:"next_cursor,omitempty"`
}

type EventResponse struct {
	CaseID  string         `json:"case_id"`
	Seq     int64          `json:"seq"`
	Kind    string         `json:"kind" enum:"agent_started,agent_completed,deliberation_round_started,deliberation_round_completed,conflict_detected,strategy_ready,error"`
	TS      string         `json:"ts" format:"date-time"`
	Payload map[string]any `json:"payload"`
}

type paginatedEvents struct {
	Items []EventResponse `json:"items"`
	// NextAfter is the after value for the next page, zero on the last page.
	NextAfter int64 `json:"next_after,omitempty"`
}

type AcceptedResponse struct {
	CaseID    string `json:"case_id"`
	Operation string `json:"operation" example:"resynthesize"`
	Status    string `json:"status" example:"accepted"`
}

type RunResponse struct {
	domain.AgentRun
	Steps []domain.ReasoningStep `json:"steps,omitempty"`
}

func eventResponse(evt events.Event) EventResponse {
	payload := map[string]any{}
	if len(evt.Payload) > 0 {
		if err := json.Unmarshal(evt.Payload, &payload); err != nil {
			payload = map[string]any{"raw": string(evt.Payload)}
		}
	}
	return EventResponse{
		CaseID:  evt.CaseID,
		Seq:     evt.Seq,
		Kind:    string(evt.Kind),
		TS:      evt.TS,
		Payload: payload,
	}
}

func mapEvents(items []events.Event) []EventResponse {
	out := make([]EventResponse, 0, len(items))
	for _, evt := range items {
		out = append(out, eventResponse(evt))
	}
	return out
}
