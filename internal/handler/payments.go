package handler

import (
	"context"
	"io"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/iliyamo/wellness-appointments/internal/model"
	"github.com/iliyamo/wellness-appointments/internal/service"
)

const maxWebhookBody = 1 << 20

// PaymentAPI is the part of the payment service the HTTP layer needs.
type PaymentAPI interface {
	Initiate(ctx context.Context, in service.InitiateInput) (*service.InitiateOutput, error)
	ConfirmCheckout(ctx context.Context, sessionID string) (*model.Booking, error)
	CapturePayPal(ctx context.Context, bookingID, orderID string) (*model.Booking, error)
	HandleWebhook(ctx context.Context, provider, secret string, body []byte) (any, error)
	Status(ctx context.Context, bookingID string) (*service.StatusView, error)
}

// PaymentHandler serves payment initiation, confirmation, status and the
// provider webhooks.
type PaymentHandler struct {
	Payments PaymentAPI
}

func NewPaymentHandler(payments PaymentAPI) *PaymentHandler {
	if payments == nil {
		panic("nil payment service passed to NewPaymentHandler")
	}
	return &PaymentHandler{Payments: payments}
}

// Initiate handles POST /payments-initiate {bookingId, provider, phone?}.
func (h *PaymentHandler) Initiate(c echo.Context) error {
	var body service.InitiateInput
	if err := c.Bind(&body); err != nil {
		return invalidBody(c)
	}
	out, err := h.Payments.Initiate(c.Request().Context(), body)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, out)
}

// Confirm handles POST /appointments-confirm {sessionId}.
func (h *PaymentHandler) Confirm(c echo.Context) error {
	var body struct {
		SessionID string `json:"sessionId"`
	}
	if err := c.Bind(&body); err != nil {
		return invalidBody(c)
	}
	b, err := h.Payments.ConfirmCheckout(c.Request().Context(), body.SessionID)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, echo.Map{"booking": b.Public()})
}

// CapturePayPal handles POST /payments-paypal-capture {bookingId, orderId}.
func (h *PaymentHandler) CapturePayPal(c echo.Context) error {
	var body struct {
		BookingID string `json:"bookingId"`
		OrderID   string `json:"orderId"`
	}
	if err := c.Bind(&body); err != nil {
		return invalidBody(c)
	}
	b, err := h.Payments.CapturePayPal(c.Request().Context(), body.BookingID, body.OrderID)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, echo.Map{"booking": b.Public()})
}

// Status handles GET /payments-status?booking_id=.
func (h *PaymentHandler) Status(c echo.Context) error {
	view, err := h.Payments.Status(c.Request().Context(), c.QueryParam("booking_id"))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, view)
}

// Webhook handles POST /payments-webhook/:provider?secret=.  The raw body
// is handed to the provider's callback parser.
func (h *PaymentHandler) Webhook(c echo.Context) error {
	raw, err := io.ReadAll(io.LimitReader(c.Request().Body, maxWebhookBody))
	if err != nil {
		return invalidBody(c)
	}
	ack, err := h.Payments.HandleWebhook(c.Request().Context(), c.Param("provider"), c.QueryParam("secret"), raw)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, ack)
}
