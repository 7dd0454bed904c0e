package web

import (
	"context"
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/itohio/gofeeder/pkg/feeder"
	"github.com/itohio/gofeeder/pkg/presence"
	"github.com/itohio/gofeeder/pkg/scale"
)

// StatusResponse is the body of GET /api/status.
type StatusResponse struct {
	Phase     string         `json:"phase"`
	Mode      string         `json:"mode"`
	Motion    int            `json:"motion"`
	Weight    *float64       `json:"weight"`
	Ticks     uint64         `json:"ticks"`
	LastEvent *EventResponse `json:"last_event,omitempty"`
	LastPhoto *time.Time     `json:"last_photo,omitempty"`
	Link      *LinkResponse  `json:"link,omitempty"`
}

// EventResponse describes an emitted event.
type EventResponse struct {
	ID     string    `json:"id"`
	Time   time.Time `json:"time"`
	Event  string    `json:"event"`
	Weight *float64  `json:"weight,omitempty"`
	Source string    `json:"source,omitempty"`
	Photo  string    `json:"photo,omitempty"`
}

// LinkResponse describes the weight link.
type LinkResponse struct {
	State     string     `json:"state"`
	Weight    *float64   `json:"weight"`
	WeightAt  *time.Time `json:"weight_at,omitempty"`
	TaredAt   *time.Time `json:"tared_at,omitempty"`
	PongAt    *time.Time `json:"pong_at,omitempty"`
	LastError string     `json:"last_error,omitempty"`
}

func newEventResponse(r feeder.Record) EventResponse {
	ev := EventResponse{
		ID:    r.ID,
		Time:  r.Time,
		Event: r.Event.Kind.String(),
		Photo: r.Photo,
	}
	if r.Event.Kind == presence.Landed {
		ev.Weight = r.Event.Weight
		ev.Source = r.Event.Source.String()
	}
	return ev
}

func newStatusResponse(st feeder.Status) StatusResponse {
	resp := StatusResponse{
		Phase:     st.Phase.String(),
		Mode:      st.Mode.String(),
		Motion:    st.Motion,
		Weight:    st.Weight,
		Ticks:     st.Ticks,
		LastPhoto: optionalTime(st.LastPhoto),
	}
	if st.LastEvent != nil {
		ev := newEventResponse(*st.LastEvent)
		resp.LastEvent = &ev
	}
	if st.Link != nil {
		link := LinkResponse{
			State:     st.Link.State.String(),
			TaredAt:   optionalTime(st.Link.TaredAt),
			PongAt:    optionalTime(st.Link.PongAt),
			LastError: st.Link.LastError,
		}
		if r := st.Link.Reading; r != nil {
			grams := r.Grams
			link.Weight = &grams
			link.WeightAt = optionalTime(r.At)
		}
		resp.Link = &link
	}
	return resp
}

func optionalTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

// handleStatus returns the driver status.
func (s *Server) handleStatus(c *fiber.Ctx) error {
	return c.JSON(newStatusResponse(s.feeder.Status()))
}

// handleTare forwards a manual tare to the scale.
func (s *Server) handleTare(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(context.Background(), s.tareTimeout)
	defer cancel()

	err := s.feeder.Tare(ctx)
	switch {
	case err == nil:
		s.log.Info("manual tare")
		return c.JSON(fiber.Map{"status": "tared"})
	case errors.Is(err, feeder.ErrNoScale):
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": err.Error()})
	case errors.Is(err, scale.ErrNotConnected):
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": err.Error()})
	default:
		s.log.Warn("manual tare failed", "error", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": err.Error()})
	}
}
