package handler

import (
	"context"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/iliyamo/wellness-appointments/internal/model"
	"github.com/iliyamo/wellness-appointments/internal/service"
)

// BookingAPI is the part of the booking service the HTTP layer needs.
type BookingAPI interface {
	GetCalendar(ctx context.Context) (*service.CalendarView, error)
	UpdateCalendar(ctx context.Context, in service.CalendarView) (*service.CalendarView, error)
	Availability(ctx context.Context, start, end string) (*service.Availability, error)
	Reserve(ctx context.Context, in service.ReserveInput) (*model.Booking, error)
}

// AppointmentHandler serves the calendar and booking endpoints.
type AppointmentHandler struct {
	Bookings BookingAPI
}

// NewAppointmentHandler panics on a nil service.
func NewAppointmentHandler(bookings BookingAPI) *AppointmentHandler {
	if bookings == nil {
		panic("nil booking service passed to NewAppointmentHandler")
	}
	return &AppointmentHandler{Bookings: bookings}
}

// Availability handles GET /appointments-availability?start=&end=.
func (h *AppointmentHandler) Availability(c echo.Context) error {
	av, err := h.Bookings.Availability(c.Request().Context(), c.QueryParam("start"), c.QueryParam("end"))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, av)
}

// GetSettings handles GET /appointments-settings.
func (h *AppointmentHandler) GetSettings(c echo.Context) error {
	cal, err := h.Bookings.GetCalendar(c.Request().Context())
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, cal)
}

// UpdateSettings handles POST /appointments-settings.  The body replaces
// settings, blackouts and overrides as a whole.
func (h *AppointmentHandler) UpdateSettings(c echo.Context) error {
	var body service.CalendarView
	if err := c.Bind(&body); err != nil {
		return invalidBody(c)
	}
	cal, err := h.Bookings.UpdateCalendar(c.Request().Context(), body)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, cal)
}

// Book handles POST /appointments-book and answers 201 with the new hold.
func (h *AppointmentHandler) Book(c echo.Context) error {
	var body service.ReserveInput
	if err := c.Bind(&body); err != nil {
		return invalidBody(c)
	}
	b, err := h.Bookings.Reserve(c.Request().Context(), body)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusCreated, echo.Map{"booking": b.Public()})
}
