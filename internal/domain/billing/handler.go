package billing

import (
	"fmt"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/shopspring/decimal"

	"github.com/dentalclinic/billing/internal/domain/fiscal"
	"github.com/dentalclinic/billing/internal/platform/auth"
	"github.com/dentalclinic/billing/internal/platform/validation"
	"github.com/dentalclinic/billing/pkg/pagination"
)

type Handler struct {
	svc    *Service
	clinic ClinicInfo
	// writes wraps the POST endpoints, e.g. with idempotency.
	writes []echo.MiddlewareFunc
}

func NewHandler(svc *Service, clinic ClinicInfo, writes ...echo.MiddlewareFunc) *Handler {
	return &Handler{svc: svc, clinic: clinic, writes: writes}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	// Front desk and dentists
	staff := api.Group("", auth.RequireRole(auth.RoleAdmin, auth.RoleDoctor))
	staff.GET("/invoices/preview/:chart_id", h.PreviewInvoice)
	staff.GET("/charts/:chart_id/pending-treatments", h.PendingTreatments)
	staff.GET("/invoices/:id", h.GetInvoice)
	staff.GET("/invoices/:id/pdf", h.InvoicePDF)
	staff.GET("/patients/:patient_id/invoices", h.ListPatientInvoices)
	staff.POST("/invoices", h.CreateInvoice, h.writes...)
	staff.POST("/invoices/:id/payments", h.RegisterPayment, h.writes...)

	// Voiding a fiscal document is admin only
	admin := api.Group("", auth.RequireRole(auth.RoleAdmin))
	admin.PUT("/invoices/:id/cancel", h.CancelInvoice)
}

func uuidParam(c echo.Context, name string) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param(name))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid "+name)
	}
	return id, nil
}

// -- Preview --

func (h *Handler) PreviewInvoice(c echo.Context) error {
	chartID, err := uuidParam(c, "chart_id")
	if err != nil {
		return err
	}
	p, err := h.svc.PreviewInvoice(c.Request().Context(), chartID)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, p)
}

func (h *Handler) PendingTreatments(c echo.Context) error {
	chartID, err := uuidParam(c, "chart_id")
	if err != nil {
		return err
	}
	p, err := h.svc.PendingTreatments(c.Request().Context(), chartID)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, p)
}

// -- Invoices --

type createInvoiceRequest struct {
	OdontogramID       uuid.UUID        `json:"odontogram_id" validate:"required"`
	TreatmentRecordIDs []uuid.UUID      `json:"treatment_record_ids" validate:"required,min=1"`
	InvoiceType        string           `json:"invoice_type" validate:"omitempty,oneof=factura recibo nota_credito nota_debito"`
	DiscountAmount     *decimal.Decimal `json:"discount_amount,omitempty" validate:"omitempty,gte=0"`
	DiscountPercentage *decimal.Decimal `json:"discount_percentage,omitempty" validate:"omitempty,gte=0,lte=100"`
	Notes              *string          `json:"notes,omitempty" validate:"omitempty,max=2000"`
}

func (h *Handler) CreateInvoice(c echo.Context) error {
	var req createInvoiceRequest
	if err := validation.BindAndValidate(c, &req); err != nil {
		return err
	}
	inv, err := h.svc.CreateInvoice(c.Request().Context(), CreateInvoiceInput{
		ChartID:            req.OdontogramID,
		TreatmentRecordIDs: req.TreatmentRecordIDs,
		InvoiceType:        fiscal.InvoiceType(req.InvoiceType),
		DiscountAmount:     req.DiscountAmount,
		DiscountPercentage: req.DiscountPercentage,
		Notes:              req.Notes,
	})
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, inv)
}

func (h *Handler) GetInvoice(c echo.Context) error {
	id, err := uuidParam(c, "id")
	if err != nil {
		return err
	}
	inv, err := h.svc.GetInvoice(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, inv)
}

func (h *Handler) InvoicePDF(c echo.Context) error {
	id, err := uuidParam(c, "id")
	if err != nil {
		return err
	}
	inv, err := h.svc.GetInvoice(c.Request().Context(), id)
	if err != nil {
		return err
	}
	doc, err := RenderInvoicePDF(inv, h.clinic)
	if err != nil {
		return err
	}
	c.Response().Header().Set(echo.HeaderContentDisposition,
		fmt.Sprintf(`inline; filename="invoice-%s.pdf"`, inv.InvoiceNumber))
	return c.Blob(http.StatusOK, "application/pdf", doc)
}

func (h *Handler) ListPatientInvoices(c echo.Context) error {
	patientID, err := uuidParam(c, "patient_id")
	if err != nil {
		return err
	}
	pg := pagination.FromContext(c)
	items, total, err := h.svc.ListInvoicesByPatient(c.Request().Context(), patientID, pg.Limit, pg.Offset)
	if err != nil {
		return err
	}
	if items == nil {
		items = []*Invoice{}
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg))
}

type cancelInvoiceRequest struct {
	Reason string `json:"reason" validate:"required,max=500"`
}

func (h *Handler) CancelInvoice(c echo.Context) error {
	id, err := uuidParam(c, "id")
	if err != nil {
		return err
	}
	var req cancelInvoiceRequest
	if err := validation.BindAndValidate(c, &req); err != nil {
		return err
	}
	inv, err := h.svc.CancelInvoice(c.Request().Context(), id, req.Reason)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, inv)
}

// -- Payments --

type registerPaymentRequest struct {
	Amount    decimal.Decimal `json:"amount" validate:"gt=0"`
	Method    string          `json:"payment_method" validate:"required,oneof=cash credit_card debit_card bank_transfer check other"`
	Reference *string         `json:"reference,omitempty" validate:"omitempty,max=100"`
	Notes     *string         `json:"notes,omitempty" validate:"omitempty,max=2000"`
}

func (h *Handler) RegisterPayment(c echo.Context) error {
	id, err := uuidParam(c, "id")
	if err != nil {
		return err
	}
	var req registerPaymentRequest
	if err := validation.BindAndValidate(c, &req); err != nil {
		return err
	}
	p, err := h.svc.RegisterPayment(c.Request().Context(), RegisterPaymentInput{
		InvoiceID: id,
		Amount:    req.Amount,
		Method:    PaymentMethod(req.Method),
		Reference: req.Reference,
		Notes:     req.Notes,
	})
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, p)
}
