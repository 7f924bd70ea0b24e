package fiscal

import (
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/dentalclinic/billing/internal/platform/apperror"
	"github.com/dentalclinic/billing/internal/platform/auth"
	"github.com/dentalclinic/billing/internal/platform/validation"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// RegisterRoutes mounts the fiscal sequence endpoints. Managing CAIs is an
// admin task.
func (h *Handler) RegisterRoutes(api *echo.Group) {
	g := api.Group("/fiscal-sequences", auth.RequireRole(auth.RoleAdmin))
	g.GET("", h.List)
	g.POST("", h.Create)
	g.GET("/:id", h.Get)
	g.PUT("/:id/activate", h.Activate)
	g.PUT("/:id/deactivate", h.Deactivate)
}

type createSequenceRequest struct {
	CAI               string `json:"cai" validate:"required,max=64"`
	InvoiceType       string `json:"invoice_type" validate:"required,oneof=factura recibo nota_credito nota_debito"`
	RangeStart        string `json:"range_start" validate:"required,numeric"`
	RangeEnd          string `json:"range_end" validate:"required,numeric"`
	Branch            string `json:"branch" validate:"required,max=10"`
	PointOfEmission   string `json:"point_of_emission" validate:"required,max=10"`
	AuthorizationDate string `json:"authorization_date" validate:"required"`
	ExpirationDate    string `json:"expiration_date" validate:"required"`
}

// parseDate accepts RFC 3339 timestamps or plain dates. A plain expiration
// date stays valid through the end of that day (UTC).
func parseDate(field, v string, endOfDay bool) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t, nil
	}
	d, err := time.Parse("2006-01-02", v)
	if err != nil {
		return time.Time{}, apperror.Validation("%s must be a date (YYYY-MM-DD) or RFC 3339 timestamp", field)
	}
	if endOfDay {
		d = d.Add(24*time.Hour - time.Nanosecond)
	}
	return d, nil
}

func (h *Handler) Create(c echo.Context) error {
	var req createSequenceRequest
	if err := validation.BindAndValidate(c, &req); err != nil {
		return err
	}
	authDate, err := parseDate("authorization_date", req.AuthorizationDate, false)
	if err != nil {
		return err
	}
	expDate, err := parseDate("expiration_date", req.ExpirationDate, true)
	if err != nil {
		return err
	}

	ctx := c.Request().Context()
	seq, err := h.svc.CreateSequence(ctx, CreateSequenceInput{
		CAI:               req.CAI,
		InvoiceType:       InvoiceType(req.InvoiceType),
		RangeStart:        req.RangeStart,
		RangeEnd:          req.RangeEnd,
		Branch:            req.Branch,
		PointOfEmission:   req.PointOfEmission,
		AuthorizationDate: authDate,
		ExpirationDate:    expDate,
		CreatedBy:         auth.UserIDFromContext(ctx),
	})
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, h.svc.View(seq))
}

func (h *Handler) List(c echo.Context) error {
	seqs, err := h.svc.List(c.Request().Context())
	if err != nil {
		return err
	}
	views := make([]*SequenceView, 0, len(seqs))
	for _, s := range seqs {
		views = append(views, h.svc.View(s))
	}
	return c.JSON(http.StatusOK, views)
}

func parseID(c echo.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	return id, nil
}

func (h *Handler) Get(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	seq, err := h.svc.Get(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, h.svc.View(seq))
}

func (h *Handler) Activate(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	seq, err := h.svc.Activate(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, h.svc.View(seq))
}

func (h *Handler) Deactivate(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	seq, err := h.svc.Deactivate(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, h.svc.View(seq))
}
