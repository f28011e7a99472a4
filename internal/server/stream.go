package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/sse"

	"warroom/internal/events"
)

const (
	defaultEventsLimit = 500
	maxEventsLimit     = 1000
)

func (a *api) registerEvents(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "list-case-events",
		Method:      http.MethodGet,
		Path:        "/cases/{case_id}/events",
		Summary:     "Persisted event log",
		Description: "Events with seq greater than after, in order. Page with next_after.",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		CaseID string `path:"case_id"`
		After  int64  `query:"after" minimum:"0"`
		Limit  int    `query:"limit" default:"500"`
	}) (*struct {
		Body paginatedEvents `json:"body"`
	}, error) {
		if _, serr := a.requireCase(ctx, input.CaseID); serr != nil {
			return nil, serr
		}
		limit := input.Limit
		if limit <= 0 {
			limit = defaultEventsLimit
		}
		limit = min(limit, maxEventsLimit)
		items, err := a.ledger.EventsAfter(ctx, input.CaseID, input.After, limit+1)
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedEvents{}
		if len(items) > limit {
			items = items[:limit]
			resp.NextAfter = items[limit-1].Seq
		}
		resp.Items = mapEvents(items)
		return &struct {
			Body paginatedEvents `json:"body"`
		}{Body: resp}, nil
	})
}

// One named type per event kind so each SSE message carries its kind as the
// event field.
type (
	AgentStartedEvent               EventResponse
	AgentCompletedEvent             EventResponse
	DeliberationRoundStartedEvent   EventResponse
	DeliberationRoundCompletedEvent EventResponse
	ConflictDetectedEvent           EventResponse
	StrategyReadyEvent              EventResponse
	ErrorEvent                      EventResponse
)

var streamEventTypes = map[string]any{
	string(events.AgentStarted):               AgentStartedEvent{},
	string(events.AgentCompleted):             AgentCompletedEvent{},
	string(events.DeliberationRoundStarted):   DeliberationRoundStartedEvent{},
	string(events.DeliberationRoundCompleted): DeliberationRoundCompletedEvent{},
	string(events.ConflictDetected):           ConflictDetectedEvent{},
	string(events.StrategyReady):              StrategyReadyEvent{},
	string(events.Error):                      ErrorEvent{},
}

func streamMessage(evt events.Event) sse.Message {
	resp := eventResponse(evt)
	var data any
	switch evt.Kind {
	case events.AgentStarted:
		data = AgentStartedEvent(resp)
	case events.AgentCompleted:
		data = AgentCompletedEvent(resp)
	case events.DeliberationRoundStarted:
		data = DeliberationRoundStartedEvent(resp)
	case events.DeliberationRoundCompleted:
		data = DeliberationRoundCompletedEvent(resp)
	case events.ConflictDetected:
		data = ConflictDetectedEvent(resp)
	case events.StrategyReady:
		data = StrategyReadyEvent(resp)
	default:
		data = ErrorEvent(resp)
	}
	return sse.Message{ID: int(evt.Seq), Data: data}
}

func (a *api) registerStream(api huma.API) {
	sse.Register(api, huma.Operation{
		OperationID: "stream-case",
		Method:      http.MethodGet,
		Path:        "/cases/{case_id}/stream",
		Summary:     "Live case events",
		Description: "Replays persisted events after the given seq, then streams live ones. " +
			"Ends after strategy_ready or error. Reconnect with after set to the last id received.",
	}, streamEventTypes, func(ctx context.Context, input *struct {
		CaseID      string `path:"case_id"`
		After       int64  `query:"after" minimum:"0"`
		LastEventID int64  `header:"Last-Event-ID"`
	}, send sse.Sender) {
		log := a.logger.WithCase(input.CaseID)
		after := max(input.After, input.LastEventID)
		c, err := a.ledger.GetCase(ctx, input.CaseID)
		if err != nil {
			_ = send.Data(ErrorEvent{CaseID: input.CaseID, Kind: string(events.Error), Payload: map[string]any{"message": err.Error()}})
			return
		}
		sub, err := a.engine.Bus.Subscribe(ctx, c.ID, after)
		if err != nil {
			_ = send.Data(ErrorEvent{CaseID: c.ID, Kind: string(events.Error), Payload: map[string]any{"message": err.Error()}})
			return
		}
		for evt := range sub.C {
			if err := send(streamMessage(evt)); err != nil {
				log.Debug("stream client gone", "err", err)
				return
			}
		}
		if err := sub.Err(); err != nil {
			log.Warn("stream ended early", "err", err)
		}
	})
}
