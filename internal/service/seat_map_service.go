package service

import (
	"context"
	"fmt"

	"checkout-service/internal/models"
	"checkout-service/internal/util"

	"go.opentelemetry.io/otel/attribute"
)

// SeatView is the displayed state of one seat
type SeatView struct {
	SeatID string `json:"seat_id"`
	Status string `json:"status"`
}

// SeatMapService overlays live lock state on durable seat rows for display
type SeatMapService struct {
	seats SeatStateReader
	locks SeatLockReader
}

// NewSeatMapService creates a new seat map service
func NewSeatMapService(seats SeatStateReader, locks SeatLockReader) *SeatMapService {
	return &SeatMapService{seats: seats, locks: locks}
}

// SeatMap returns the displayed seat states of an event item. It never writes:
// a HOLD row whose lock already lapsed is shown FREE and left for the expiry sweep.
func (s *SeatMapService) SeatMap(ctx context.Context, eventItemID int64) ([]SeatView, error) {
	ctx, span := util.StartSpan(ctx, "SeatMapService.SeatMap", attribute.Int64("event_item_id", eventItemID))
	defer span.End()

	rows, err := s.seats.ListSeatStates(ctx, eventItemID)
	if err != nil {
		return nil, util.SpanError(span, fmt.Errorf("failed to list seat states: %w", err))
	}

	ids := make([]string, len(rows))
	for i, r := range rows {
		ids[i] = r.SeatID
	}

	owners, err := s.locks.LockOwners(ctx, eventItemID, ids)
	if err != nil {
		return nil, util.SpanError(span, fmt.Errorf("failed to read seat locks: %w", err))
	}

	views := make([]SeatView, len(rows))
	for i, r := range rows {
		_, locked := owners[r.SeatID]
		views[i] = SeatView{SeatID: r.SeatID, Status: displayStatus(r.Status, locked)}
	}
	return views, nil
}

func displayStatus(stored string, locked bool) string {
	switch {
	case stored == models.SeatStatusPaid:
		return models.SeatStatusPaid
	case locked:
		return models.SeatStatusHold
	}
	return models.SeatStatusFree
}
