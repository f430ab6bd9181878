package api

import (
	"net/http"
	"sort"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/sirupsen/logrus"

	"midas.oar.dev/common"
	"midas.oar.dev/dbio"
	"midas.oar.dev/prov"
)

// ProjectHandlers routes authoring requests to the project services.  Each
// configured service flavour (e.g. "dmp/mdm1", "dap/mds3") gets its own
// path prefix and service factory.
type ProjectHandlers struct {
	factories map[string]*dbio.ProjectServiceFactory
	log       *logrus.Entry
}

// NewProjectHandlers creates handlers over the given service factories,
// keyed by their path prefix ("svc/convention").
func NewProjectHandlers(factories map[string]*dbio.ProjectServiceFactory) *ProjectHandlers {
	return &ProjectHandlers{
		factories: factories,
		log:       common.Logger.WithField("service", "api"),
	}
}

// SetupProjectRoutes registers the authoring API under each configured
// service prefix, protected by bearer authentication.
func SetupProjectRoutes(e *echo.Echo, h *ProjectHandlers, jwtcfg JWTConfig) {
	auth := AuthMiddleware(jwtcfg)
	for prefix := range h.factories {
		g := e.Group("/"+prefix, auth)
		name := prefix
		g.GET("", func(c echo.Context) error { return h.ListRecords(c, name) })
		g.GET("/", func(c echo.Context) error { return h.ListRecords(c, name) })
		g.POST("", func(c echo.Context) error { return h.CreateRecord(c, name) })
		g.POST("/", func(c echo.Context) error { return h.CreateRecord(c, name) })
		g.GET("/:id", func(c echo.Context) error { return h.GetRecord(c, name) })
		g.GET("/:id/*", func(c echo.Context) error { return h.GetRecordPart(c, name) })
		g.PATCH("/:id", func(c echo.Context) error { return h.UpdateRecord(c, name) })
		g.PATCH("/:id/*", func(c echo.Context) error { return h.UpdateRecordPart(c, name) })
		g.PUT("/:id", func(c echo.Context) error { return h.ReplaceRecord(c, name) })
		g.PUT("/:id/*", func(c echo.Context) error { return h.ReplaceRecordPart(c, name) })
		g.DELETE("/:id", func(c echo.Context) error { return h.DeleteRecord(c, name) })
		g.DELETE("/:id/*", func(c echo.Context) error { return h.ClearRecordPart(c, name) })
	}

	// legacy external-review callback
	extrev := e.Group("/extrev", auth)
	extrev.POST("/nps/leg/:id", h.LegacyNPSReview)
}

func (h *ProjectHandlers) serviceFor(c echo.Context, prefix string) (*dbio.ProjectService, error) {
	factory, ok := h.factories[prefix]
	if !ok {
		return nil, echo.NewHTTPError(http.StatusNotFound, "unknown service: "+prefix)
	}
	return factory.CreateServiceFor(AgentFrom(c))
}

// ListRecords returns the records visible to the caller, optionally
// constrained and sorted.
//
// Query parameters: perm (repeatable), name, state, owner (repeatable),
// and sort (modified|name|id, "-" prefix for descending).
func (h *ProjectHandlers) ListRecords(c echo.Context, prefix string) error {
	svc, err := h.serviceFor(c, prefix)
	if err != nil {
		return err
	}
	perms := c.QueryParams()["perm"]
	constraints := map[string][]string{}
	for qp, cst := range map[string]string{"name": "name", "state": "status_state", "owner": "owner"} {
		if vals := c.QueryParams()[qp]; len(vals) > 0 {
			constraints[cst] = vals
		}
	}
	recs, err := svc.DBClient().SelectRecords(perms, constraints)
	if err != nil {
		return sendError(c, err)
	}
	sortRecords(recs, c.QueryParam("sort"))

	out := make([]map[string]interface{}, 0, len(recs))
	for _, rec := range recs {
		view, verr := rec.ToView()
		if verr != nil {
			continue
		}
		out = append(out, view)
	}
	return c.JSON(http.StatusOK, out)
}

func sortRecords(recs []*dbio.ProjectRecord, key string) {
	desc := strings.HasPrefix(key, "-")
	key = strings.TrimPrefix(key, "-")
	if key == "" {
		return
	}
	less := func(a, b *dbio.ProjectRecord) bool { return a.ID < b.ID }
	switch key {
	case "name":
		less = func(a, b *dbio.ProjectRecord) bool { return a.Name < b.Name }
	case "modified":
		less = func(a, b *dbio.ProjectRecord) bool { return a.Status.Modified < b.Status.Modified }
	}
	sort.SliceStable(recs, func(i, j int) bool {
		if desc {
			return less(recs[j], recs[i])
		}
		return less(recs[i], recs[j])
	})
}

type createRequest struct {
	Name string                 `json:"name"`
	Data map[string]interface{} `json:"data"`
	Meta map[string]interface{} `json:"meta"`
}

// CreateRecord creates a new draft record.
func (h *ProjectHandlers) CreateRecord(c echo.Context, prefix string) error {
	svc, err := h.serviceFor(c, prefix)
	if err != nil {
		return err
	}
	var req createRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "request body is not parseable JSON")
	}
	if req.Name == "" {
		return badRequest(c, "name is required")
	}
	rec, err := svc.CreateRecord(req.Name, req.Data, req.Meta)
	if err != nil {
		return sendError(c, err)
	}
	view, err := rec.ToView()
	if err != nil {
		return sendError(c, err)
	}
	h.log.WithField("correlation_id", CorrelationFrom(c)).
		WithField("id", rec.ID).Info("record created")
	return c.JSON(http.StatusCreated, view)
}

// GetRecord returns the full record envelope.
func (h *ProjectHandlers) GetRecord(c echo.Context, prefix string) error {
	svc, err := h.serviceFor(c, prefix)
	if err != nil {
		return err
	}
	rec, err := svc.GetRecord(c.Param("id"))
	if err != nil {
		return sendError(c, err)
	}
	view, err := rec.ToView()
	if err != nil {
		return sendError(c, err)
	}
	return c.JSON(http.StatusOK, view)
}

// GetRecordPart returns a scoped view of the record: data, meta, status,
// name, acls, or a slash-delimited pointer under data.
func (h *ProjectHandlers) GetRecordPart(c echo.Context, prefix string) error {
	svc, err := h.serviceFor(c, prefix)
	if err != nil {
		return err
	}
	id := c.Param("id")
	part := strings.Trim(c.Param("*"), "/")
	rec, err := svc.GetRecord(id)
	if err != nil {
		return sendError(c, err)
	}
	switch {
	case part == "data":
		return c.JSON(http.StatusOK, rec.Data)
	case part == "meta":
		return c.JSON(http.StatusOK, rec.Meta)
	case part == "status":
		return c.JSON(http.StatusOK, rec.Status.Clone())
	case part == "name":
		return c.JSON(http.StatusOK, rec.Name)
	case part == "acls":
		return c.JSON(http.StatusOK, rec.ACLs)
	case strings.HasPrefix(part, "data/"):
		data, derr := svc.GetData(id, strings.TrimPrefix(part, "data/"))
		if derr != nil {
			return sendError(c, derr)
		}
		return c.JSON(http.StatusOK, data)
	}
	return sendError(c, dbio.PartNotFound(id, part))
}

// UpdateRecord merge-updates the record's data.  The action query
// parameter triggers a lifecycle transition after (or instead of) the
// update: finalize, or publish/submit.
func (h *ProjectHandlers) UpdateRecord(c echo.Context, prefix string) error {
	svc, err := h.serviceFor(c, prefix)
	if err != nil {
		return err
	}
	id := c.Param("id")

	var body map[string]interface{}
	if err := c.Bind(&body); err != nil {
		return badRequest(c, "request body is not parseable JSON")
	}
	message, _ := body["message"].(string)
	if data, ok := body["data"].(map[string]interface{}); ok {
		body = data
	} else if message != "" {
		delete(body, "message")
	}
	if len(body) > 0 {
		if _, err := svc.UpdateData(id, body, "", message); err != nil {
			return sendError(c, err)
		}
	}

	switch action := c.QueryParam("action"); action {
	case "":
	case "finalize":
		if _, err := svc.Finalize(id, message); err != nil {
			return sendError(c, err)
		}
	case "publish", "submit":
		if _, err := svc.Submit(id, message); err != nil {
			return sendError(c, err)
		}
	default:
		return badRequest(c, "unsupported action: "+action)
	}

	rec, err := svc.GetRecord(id)
	if err != nil {
		return sendError(c, err)
	}
	view, err := rec.ToView()
	if err != nil {
		return sendError(c, err)
	}
	return c.JSON(http.StatusOK, view)
}

// UpdateRecordPart merge-updates a scoped part: data, a pointer under
// data, the status message, or the record name.
func (h *ProjectHandlers) UpdateRecordPart(c echo.Context, prefix string) error {
	svc, err := h.serviceFor(c, prefix)
	if err != nil {
		return err
	}
	id := c.Param("id")
	part := strings.Trim(c.Param("*"), "/")

	switch {
	case part == "data" || strings.HasPrefix(part, "data/"):
		var body map[string]interface{}
		if err := c.Bind(&body); err != nil {
			return badRequest(c, "request body is not parseable JSON")
		}
		sub := strings.TrimPrefix(strings.TrimPrefix(part, "data"), "/")
		data, uerr := svc.UpdateData(id, body, sub, "")
		if uerr != nil {
			return sendError(c, uerr)
		}
		return c.JSON(http.StatusOK, data)
	case part == "status":
		var body struct {
			Message string `json:"message"`
		}
		if err := c.Bind(&body); err != nil {
			return badRequest(c, "request body is not parseable JSON")
		}
		stat, serr := svc.UpdateStatusMessage(id, body.Message)
		if serr != nil {
			return sendError(c, serr)
		}
		return c.JSON(http.StatusOK, stat)
	case part == "name":
		var newname string
		if err := c.Bind(&newname); err != nil {
			return badRequest(c, "request body must be a JSON string")
		}
		rec, rerr := svc.RenameRecord(id, newname)
		if rerr != nil {
			return sendError(c, rerr)
		}
		return c.JSON(http.StatusOK, rec.Name)
	}
	return sendError(c, dbio.PartNotFound(id, part))
}

// ReplaceRecord replaces the record's data outright.
func (h *ProjectHandlers) ReplaceRecord(c echo.Context, prefix string) error {
	svc, err := h.serviceFor(c, prefix)
	if err != nil {
		return err
	}
	var body map[string]interface{}
	if err := c.Bind(&body); err != nil {
		return badRequest(c, "request body is not parseable JSON")
	}
	if data, ok := body["data"].(map[string]interface{}); ok {
		body = data
	}
	result, err := svc.ReplaceData(c.Param("id"), body, "", "")
	if err != nil {
		return sendError(c, err)
	}
	return c.JSON(http.StatusOK, result)
}

// ReplaceRecordPart replaces a scoped part of the record's data.
func (h *ProjectHandlers) ReplaceRecordPart(c echo.Context, prefix string) error {
	svc, err := h.serviceFor(c, prefix)
	if err != nil {
		return err
	}
	id := c.Param("id")
	part := strings.Trim(c.Param("*"), "/")
	if part != "data" && !strings.HasPrefix(part, "data/") {
		return sendError(c, dbio.PartNotFound(id, part))
	}
	var body map[string]interface{}
	if err := c.Bind(&body); err != nil {
		return badRequest(c, "request body is not parseable JSON")
	}
	sub := strings.TrimPrefix(strings.TrimPrefix(part, "data"), "/")
	result, err := svc.ReplaceData(id, body, sub, "")
	if err != nil {
		return sendError(c, err)
	}
	return c.JSON(http.StatusOK, result)
}

// DeleteRecord deletes the record, or reverts a published record to its
// published snapshot.
func (h *ProjectHandlers) DeleteRecord(c echo.Context, prefix string) error {
	svc, err := h.serviceFor(c, prefix)
	if err != nil {
		return err
	}
	deleted, err := svc.DeleteRecord(c.Param("id"))
	if err != nil {
		return sendError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"deleted": deleted})
}

// ClearRecordPart resets a scoped part of the record's data to its
// default.
func (h *ProjectHandlers) ClearRecordPart(c echo.Context, prefix string) error {
	svc, err := h.serviceFor(c, prefix)
	if err != nil {
		return err
	}
	id := c.Param("id")
	part := strings.Trim(c.Param("*"), "/")
	if part != "data" && !strings.HasPrefix(part, "data/") {
		return sendError(c, dbio.PartNotFound(id, part))
	}
	sub := strings.TrimPrefix(strings.TrimPrefix(part, "data"), "/")
	cleared, err := svc.ClearData(id, sub, "")
	if err != nil {
		return sendError(c, err)
	}
	if !cleared {
		return sendError(c, dbio.PartNotFound(id, sub))
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"cleared": true})
}

// npsFeedback is the canned reviewer-feedback pointer recorded when the
// legacy NPS callback pauses a review.
var npsFeedback = []map[string]interface{}{
	{"type": "req", "description": "Visit NPS for reviewer comments"},
}

type npsReviewRequest struct {
	ReviewResponse *bool `json:"reviewResponse"`
}

// LegacyNPSReview handles the legacy NPS external-review callback: a true
// response approves (and publishes), false pauses the review and reopens
// the record, and null marks the review in progress.
func (h *ProjectHandlers) LegacyNPSReview(c echo.Context) error {
	// the legacy endpoint is DAP-flavoured; find a configured dap service
	var prefix string
	for p := range h.factories {
		if strings.HasPrefix(p, "dap/") {
			prefix = p
			break
		}
	}
	if prefix == "" {
		for p := range h.factories {
			prefix = p
			break
		}
	}
	svc, err := h.serviceFor(c, prefix)
	if err != nil {
		return err
	}
	agent := AgentFrom(c)
	if agent.Class() == prov.AgentInvalid {
		return echo.NewHTTPError(http.StatusUnauthorized, "authentication required")
	}

	id := c.Param("id")
	var req npsReviewRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "request body is not parseable JSON")
	}

	var state string
	switch {
	case req.ReviewResponse == nil:
		state, err = svc.ApplyExternalReview(id, "nps", "in progress", "", "", nil, false, true, nil)
	case *req.ReviewResponse:
		var stat *dbio.Status
		stat, err = svc.Approve(id, "nps", "", "", true)
		if stat != nil {
			state = stat.State
		}
	default:
		state, err = svc.ApplyExternalReview(id, "nps", "paused", "", "",
			npsFeedback, true, true, nil)
	}
	if err != nil {
		return sendError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"state": state})
}
