package submission

import (
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/ehr/echs-verifier/internal/domain/document"
	"github.com/ehr/echs-verifier/internal/domain/reconcile"
	"github.com/ehr/echs-verifier/internal/platform/auth"
)

// UploadAllPath is the route of the long-running upload-all operation, so
// callers can exempt it from request timeouts.
const UploadAllPath = "/api/v1/submission/upload-all"

type Handler struct {
	svc   *Service
	roles []string
}

// NewHandler returns the HTTP surface of svc. When roles are given, callers
// need one of them.
func NewHandler(svc *Service, roles ...string) *Handler {
	return &Handler{svc: svc, roles: roles}
}

func (h *Handler) RegisterRoutes(api *echo.Group, heavy ...echo.MiddlewareFunc) {
	g := api.Group("/submission", auth.RequireRole(h.roles...))
	g.GET("", h.GetSession)
	g.DELETE("", h.ResetSession)
	g.PUT("/primary-card", h.SelectPrimaryCard)
	g.POST("/documents/:category/files", h.AttachFiles)
	g.PATCH("/documents/:category", h.PatchDocument)
	g.GET("/comparison", h.GetComparison)
	g.POST("/approvals/:field/toggle", h.ToggleApproval)

	// Endpoints that call the remote backend
	g.POST("/documents/:category/extract", h.ExtractDocument, heavy...)
	g.POST("/upload-all", h.UploadAll, heavy...)
	g.POST("/validate-again", h.ValidateAgain, heavy...)
	g.POST("/claim-id", h.GenerateClaimID, heavy...)
	g.POST("/claim-id/repeat", h.RepeatClaimID, heavy...)
}

func userID(c echo.Context) (string, error) {
	uid := auth.UserIDFromContext(c.Request().Context())
	if uid == "" {
		return "", echo.NewHTTPError(http.StatusUnauthorized, "no authenticated user")
	}
	return uid, nil
}

func categoryParam(c echo.Context) (document.Category, error) {
	cat, err := document.ParseCategory(c.Param("category"))
	if err != nil {
		return "", echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return cat, nil
}

// httpError maps service errors onto HTTP responses.
func httpError(err error) error {
	var (
		ve *ValidationError
		ee *ExtractionError
		ce *ClaimError
		ue *UpdateError
		he *echo.HTTPError
	)
	switch {
	case errors.As(err, &he):
		return he
	case errors.As(err, &ve):
		return echo.NewHTTPError(http.StatusUnprocessableEntity, map[string]interface{}{
			"message": "validation failed",
			"errors":  ve.Fields,
		})
	case errors.Is(err, ErrNotApproved), errors.Is(err, ErrNoRequest):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.As(err, &ee):
		return echo.NewHTTPError(http.StatusBadGateway, map[string]interface{}{
			"message":  remoteMessage(ee.Err),
			"category": ee.Category,
		})
	case errors.As(err, &ce):
		return echo.NewHTTPError(http.StatusBadGateway, remoteMessage(ce.Err))
	case errors.As(err, &ue):
		return echo.NewHTTPError(http.StatusBadGateway, remoteMessage(ue.Err))
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}

func (h *Handler) GetSession(c echo.Context) error {
	uid, err := userID(c)
	if err != nil {
		return err
	}
	v, err := h.svc.View(c.Request().Context(), uid)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, v)
}

func (h *Handler) ResetSession(c echo.Context) error {
	uid, err := userID(c)
	if err != nil {
		return err
	}
	if err := h.svc.Reset(c.Request().Context(), uid); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

type primaryCardRequest struct {
	Category string `json:"category"`
}

func (h *Handler) SelectPrimaryCard(c echo.Context) error {
	uid, err := userID(c)
	if err != nil {
		return err
	}
	var req primaryCardRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	cat, err := document.ParseCategory(req.Category)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := h.svc.SelectPrimaryCard(c.Request().Context(), uid, cat); err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, map[string]document.Category{"primary_card": cat})
}

func (h *Handler) AttachFiles(c echo.Context) error {
	uid, err := userID(c)
	if err != nil {
		return err
	}
	cat, err := categoryParam(c)
	if err != nil {
		return err
	}
	form, err := c.MultipartForm()
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "expected multipart form data")
	}
	headers := append(append([]*multipart.FileHeader(nil), form.File["file"]...), form.File["files"]...)

	uploads := make([]FileUpload, 0, len(headers))
	var opened []io.Closer
	defer func() {
		for _, f := range opened {
			_ = f.Close()
		}
	}()
	for _, fh := range headers {
		f, err := fh.Open()
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "unreadable file "+fh.Filename)
		}
		opened = append(opened, f)
		uploads = append(uploads, FileUpload{
			FileName:    fh.Filename,
			ContentType: fh.Header.Get("Content-Type"),
			Content:     f,
		})
	}

	rec, err := h.svc.AttachFiles(c.Request().Context(), uid, cat, uploads)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, recordView(h.svc.Registry(), rec))
}

func (h *Handler) ExtractDocument(c echo.Context) error {
	uid, err := userID(c)
	if err != nil {
		return err
	}
	cat, err := categoryParam(c)
	if err != nil {
		return err
	}
	rec, err := h.svc.Extract(c.Request().Context(), uid, cat)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, recordView(h.svc.Registry(), rec))
}

func (h *Handler) PatchDocument(c echo.Context) error {
	uid, err := userID(c)
	if err != nil {
		return err
	}
	cat, err := categoryParam(c)
	if err != nil {
		return err
	}
	// Decoded directly: Bind would merge the :category path param into the map.
	var fields map[string]interface{}
	if err := json.NewDecoder(c.Request().Body).Decode(&fields); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if len(fields) == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "no fields to update")
	}
	rec, err := h.svc.Patch(c.Request().Context(), uid, cat, fields)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, recordView(h.svc.Registry(), rec))
}

func (h *Handler) UploadAll(c echo.Context) error {
	uid, err := userID(c)
	if err != nil {
		return err
	}
	res, err := h.svc.UploadAll(c.Request().Context(), uid)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, res)
}

func (h *Handler) GetComparison(c echo.Context) error {
	uid, err := userID(c)
	if err != nil {
		return err
	}
	cv, err := h.svc.Comparison(c.Request().Context(), uid)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, cv)
}

func (h *Handler) ToggleApproval(c echo.Context) error {
	uid, err := userID(c)
	if err != nil {
		return err
	}
	field, err := reconcile.ParseTrackedField(c.Param("field"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	entry, all, err := h.svc.ToggleApproval(c.Request().Context(), uid, field)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"field":        field,
		"approved":     entry.Approved,
		"provenance":   entry.Provenance,
		"all_approved": all,
	})
}

func (h *Handler) ValidateAgain(c echo.Context) error {
	uid, err := userID(c)
	if err != nil {
		return err
	}
	recs, err := h.svc.ValidateAgain(c.Request().Context(), uid)
	if err != nil {
		return httpError(err)
	}
	out := make([]RecordView, 0, len(recs))
	for _, rec := range recs {
		out = append(out, recordView(h.svc.Registry(), rec))
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"records": out})
}

func (h *Handler) GenerateClaimID(c echo.Context) error {
	return h.claimID(c, false)
}

func (h *Handler) RepeatClaimID(c echo.Context) error {
	return h.claimID(c, true)
}

func (h *Handler) claimID(c echo.Context, repeat bool) error {
	uid, err := userID(c)
	if err != nil {
		return err
	}
	cv, err := h.svc.GenerateClaimID(c.Request().Context(), uid, repeat)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, cv)
}
