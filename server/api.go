package main

import (
	"errors"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/meikuraledutech/flowsync"
	"github.com/meikuraledutech/flowsync/collab"
	"github.com/meikuraledutech/flowsync/diff"
	"github.com/meikuraledutech/flowsync/fork"
	"github.com/meikuraledutech/flowsync/merge"
	"go.uber.org/zap"
)

// userHeader carries the caller's id. Authentication happens in front of
// this service.
const userHeader = "X-User-ID"

// api holds what the HTTP routes need.
type api struct {
	store  flowsync.Store
	access flowsync.AccessControl
	ids    flowsync.IDGenerator
	forks  *fork.Manager
	merges *merge.Service
	hub    *collab.Hub
	logger *zap.Logger
}

type createWorkflowInput struct {
	Name        string                   `json:"name" validate:"required,max=200"`
	Description string                   `json:"description" validate:"max=5000"`
	EngineType  string                   `json:"engineType" validate:"max=100"`
	Tags        []string                 `json:"tags" validate:"max=50,dive,max=64"`
	Visibility  flowsync.Visibility      `json:"visibility" validate:"omitempty,oneof=private public"`
	Definition  flowsync.GraphDefinition `json:"definition"`
}

type createVersionInput struct {
	Definition flowsync.GraphDefinition `json:"definition"`
	ChangeLog  string                   `json:"changeLog" validate:"max=2000"`
}

type autoMergeInput struct {
	Base     flowsync.GraphDefinition `json:"base"`
	Left     merge.Side               `json:"left"`
	Right    merge.Side               `json:"right"`
	Strategy merge.Strategy           `json:"strategy"`
}

type detectConflictsInput struct {
	BaseVersion int `json:"baseVersion" validate:"gte=1"`
	Version1    int `json:"version1" validate:"gte=1"`
	Version2    int `json:"version2" validate:"gte=1"`
}

type diffInput struct {
	Base  flowsync.GraphDefinition `json:"base"`
	Other flowsync.GraphDefinition `json:"other"`
}

type statusInput struct {
	Status flowsync.MergeRequestStatus `json:"status"`
}

type resolveInput struct {
	Definition flowsync.GraphDefinition `json:"resolvedDefinition"`
}

// newApp builds the fiber app with every route.
func newApp(a *api) *fiber.App {
	app := fiber.New()
	app.Use(requireUser)

	// ── Workflows ─────────────────────────────────────────────────────
	app.Post("/workflows", a.createWorkflow)
	app.Get("/workflows/:id", a.getWorkflow)
	app.Get("/workflows/:id/versions", a.listVersions)
	app.Post("/workflows/:id/versions", a.createVersion)
	app.Get("/workflows/:id/versions/:version", a.getVersion)
	app.Get("/workflows/:id/sessions", a.listSessions)

	// ── Forks & merge requests ────────────────────────────────────────
	app.Post("/workflows/:id/fork", a.forkWorkflow)
	app.Get("/workflows/:id/forks", a.listForks)
	app.Get("/workflows/:id/merge-requests", a.listMergeRequests)
	app.Post("/merge-requests", a.createMergeRequest)
	app.Get("/merge-requests/:id", a.getMergeRequest)
	app.Patch("/merge-requests/:id", a.updateMergeRequest)
	app.Post("/merge-requests/:id/merge", a.mergeBranch)
	app.Get("/merge-requests/:id/preview", a.previewMerge)

	// ── Diff, merge & conflicts ───────────────────────────────────────
	app.Post("/diff", a.diff)
	app.Post("/merge", a.autoMerge)
	app.Post("/workflows/:id/conflicts", a.detectConflicts)
	app.Get("/workflows/:id/conflicts", a.listConflicts)
	app.Get("/conflicts/:id", a.getConflict)
	app.Post("/conflicts/:id/resolve", a.resolveConflict)
	app.Post("/conflicts/:id/reject", a.rejectConflict)
	app.Post("/conflicts/:id/commit", a.commitResolution)

	return app
}

// statusOf maps an error kind to its HTTP status.
func statusOf(err error) int {
	switch {
	case errors.Is(err, flowsync.ErrValidation):
		return fiber.StatusUnprocessableEntity
	case errors.Is(err, flowsync.ErrPermission):
		return fiber.StatusForbidden
	case errors.Is(err, flowsync.ErrState):
		return fiber.StatusConflict
	case errors.Is(err, flowsync.ErrNotFound):
		return fiber.StatusNotFound
	case errors.Is(err, flowsync.ErrConcurrency):
		return fiber.StatusServiceUnavailable
	}
	return fiber.StatusInternalServerError
}

func (a *api) fail(c fiber.Ctx, err error) error {
	status := statusOf(err)
	if status == fiber.StatusInternalServerError {
		a.logger.Error("request failed", zap.String("path", c.Path()), zap.Error(err))
	}
	return c.Status(status).JSON(fiber.Map{"error": err.Error()})
}

type userKey struct{}

// requireUser rejects requests without a caller id.
func requireUser(c fiber.Ctx) error {
	id := c.Get(userHeader)
	if id == "" {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "missing " + userHeader})
	}
	c.Locals(userKey{}, id)
	return c.Next()
}

func userOf(c fiber.Ctx) string {
	id, _ := c.Locals(userKey{}).(string)
	return id
}

func badBody(c fiber.Ctx) error {
	return c.Status(400).JSON(fiber.Map{"error": "invalid body"})
}

func (a *api) require(c fiber.Ctx, op, workflowID, userID string, perm flowsync.Permission) error {
	ok, err := a.access.HasAccess(c.Context(), workflowID, userID, perm)
	if err != nil {
		return err
	}
	if !ok {
		return flowsync.Permissionf(op, "user %s lacks %s access to workflow %s", userID, perm, workflowID)
	}
	return nil
}

// ── Workflows ─────────────────────────────────────────────────────────

func (a *api) createWorkflow(c fiber.Ctx) error {
	userID := userOf(c)
	var in createWorkflowInput
	if err := c.Bind().JSON(&in); err != nil {
		return badBody(c)
	}
	if err := flowsync.ValidateStruct("create workflow", "", in); err != nil {
		return a.fail(c, err)
	}
	if err := flowsync.ValidateDefinition(in.Definition); err != nil {
		return a.fail(c, err)
	}
	wf := &flowsync.Workflow{
		ID:          a.ids.NewID(),
		Name:        in.Name,
		Description: in.Description,
		OwnerID:     userID,
		EngineType:  in.EngineType,
		Tags:        in.Tags,
		Visibility:  in.Visibility,
		CreatedAt:   time.Now().UTC(),
	}
	if wf.Visibility == "" {
		wf.Visibility = flowsync.VisibilityPrivate
	}
	if wf.Tags == nil {
		wf.Tags = []string{}
	}
	if err := a.store.CreateWorkflow(c.Context(), wf, in.Definition); err != nil {
		return a.fail(c, err)
	}
	return c.Status(201).JSON(wf)
}

func (a *api) getWorkflow(c fiber.Ctx) error {
	userID := userOf(c)
	id := c.Params("id")
	wf, err := a.store.GetWorkflow(c.Context(), id)
	if err != nil {
		return a.fail(c, err)
	}
	if wf == nil {
		return c.Status(404).JSON(fiber.Map{"error": "workflow not found"})
	}
	if err := a.require(c, "get workflow", id, userID, flowsync.PermissionRead); err != nil {
		return a.fail(c, err)
	}
	def, err := a.store.GetDefinition(c.Context(), id)
	if err != nil {
		return a.fail(c, err)
	}
	return c.JSON(fiber.Map{"workflow": wf, "definition": def})
}

func (a *api) listVersions(c fiber.Ctx) error {
	userID := userOf(c)
	id := c.Params("id")
	if err := a.require(c, "list versions", id, userID, flowsync.PermissionRead); err != nil {
		return a.fail(c, err)
	}
	page, _ := strconv.Atoi(c.Query("page", "1"))
	limit, _ := strconv.Atoi(c.Query("limit", "20"))
	versions, err := a.store.ListVersions(c.Context(), id, page, limit)
	if err != nil {
		return a.fail(c, err)
	}
	return c.JSON(versions)
}

func (a *api) getVersion(c fiber.Ctx) error {
	userID := userOf(c)
	id := c.Params("id")
	n, err := strconv.Atoi(c.Params("version"))
	if err != nil {
		return a.fail(c, flowsync.Validationf("get version", "version", "must be a number"))
	}
	if err := a.require(c, "get version", id, userID, flowsync.PermissionRead); err != nil {
		return a.fail(c, err)
	}
	v, err := a.store.GetVersion(c.Context(), id, n)
	if err != nil {
		return a.fail(c, err)
	}
	if v == nil {
		return c.Status(404).JSON(fiber.Map{"error": "version not found"})
	}
	return c.JSON(v)
}

func (a *api) createVersion(c fiber.Ctx) error {
	userID := userOf(c)
	id := c.Params("id")
	var in createVersionInput
	if err := c.Bind().JSON(&in); err != nil {
		return badBody(c)
	}
	if err := flowsync.ValidateDefinition(in.Definition); err != nil {
		return a.fail(c, err)
	}
	if err := a.require(c, "create version", id, userID, flowsync.PermissionWrite); err != nil {
		return a.fail(c, err)
	}
	v, err := flowsync.RetryOnConflict(c.Context(), func() (*flowsync.WorkflowVersion, error) {
		return a.store.CreateVersion(c.Context(), id, in.Definition, in.ChangeLog, userID)
	})
	if err != nil {
		return a.fail(c, err)
	}
	return c.Status(201).JSON(v)
}

func (a *api) listSessions(c fiber.Ctx) error {
	userID := userOf(c)
	id := c.Params("id")
	if err := a.require(c, "list sessions", id, userID, flowsync.PermissionRead); err != nil {
		return a.fail(c, err)
	}
	return c.JSON(a.hub.Sessions(id))
}

// ── Forks & merge requests ────────────────────────────────────────────

func (a *api) forkWorkflow(c fiber.Ctx) error {
	userID := userOf(c)
	var in fork.ForkInput
	if len(c.Body()) > 0 {
		if err := c.Bind().JSON(&in); err != nil {
			return badBody(c)
		}
	}
	res, err := a.forks.ForkWorkflow(c.Context(), c.Params("id"), userID, in)
	if err != nil {
		return a.fail(c, err)
	}
	return c.Status(201).JSON(res)
}

func (a *api) listForks(c fiber.Ctx) error {
	userID := userOf(c)
	id := c.Params("id")
	if err := a.require(c, "list forks", id, userID, flowsync.PermissionRead); err != nil {
		return a.fail(c, err)
	}
	forks, err := a.forks.FindForksByOriginalWorkflow(c.Context(), id)
	if err != nil {
		return a.fail(c, err)
	}
	return c.JSON(forks)
}

func (a *api) listMergeRequests(c fiber.Ctx) error {
	userID := userOf(c)
	id := c.Params("id")
	if err := a.require(c, "list merge requests", id, userID, flowsync.PermissionRead); err != nil {
		return a.fail(c, err)
	}
	mrs, err := a.forks.FindMergeRequestsByWorkflow(c.Context(), id)
	if err != nil {
		return a.fail(c, err)
	}
	return c.JSON(mrs)
}

func (a *api) createMergeRequest(c fiber.Ctx) error {
	userID := userOf(c)
	var in fork.CreateMergeRequestInput
	if err := c.Bind().JSON(&in); err != nil {
		return badBody(c)
	}
	mr, err := a.forks.CreateMergeRequest(c.Context(), userID, in)
	if err != nil {
		return a.fail(c, err)
	}
	return c.Status(201).JSON(mr)
}

func (a *api) getMergeRequest(c fiber.Ctx) error {
	userID := userOf(c)
	mr, err := a.forks.GetMergeRequest(c.Context(), c.Params("id"))
	if err != nil {
		return a.fail(c, err)
	}
	if err := a.require(c, "get merge request", mr.TargetWorkflowID, userID, flowsync.PermissionRead); err != nil {
		return a.fail(c, err)
	}
	return c.JSON(mr)
}

func (a *api) updateMergeRequest(c fiber.Ctx) error {
	userID := userOf(c)
	var in statusInput
	if err := c.Bind().JSON(&in); err != nil {
		return badBody(c)
	}
	mr, err := a.forks.UpdateMergeRequestStatus(c.Context(), c.Params("id"), userID, in.Status)
	if err != nil {
		return a.fail(c, err)
	}
	return c.JSON(mr)
}

func (a *api) mergeBranch(c fiber.Ctx) error {
	userID := userOf(c)
	res, err := a.forks.MergeBranch(c.Context(), c.Params("id"), userID)
	if err != nil {
		return a.fail(c, err)
	}
	return c.JSON(res)
}

func (a *api) previewMerge(c fiber.Ctx) error {
	userID := userOf(c)
	p, err := a.forks.PreviewMerge(c.Context(), c.Params("id"), userID)
	if err != nil {
		return a.fail(c, err)
	}
	return c.JSON(p)
}

// ── Diff, merge & conflicts ───────────────────────────────────────────

func (a *api) diff(c fiber.Ctx) error {
	var in diffInput
	if err := c.Bind().JSON(&in); err != nil {
		return badBody(c)
	}
	for _, g := range []flowsync.GraphDefinition{in.Base, in.Other} {
		if err := flowsync.ValidateDefinition(g); err != nil {
			return a.fail(c, err)
		}
	}
	changes := diff.Diff(in.Base, in.Other)
	return c.JSON(fiber.Map{"changes": changes, "summary": diff.Summarize(changes)})
}

func (a *api) autoMerge(c fiber.Ctx) error {
	var in autoMergeInput
	if err := c.Bind().JSON(&in); err != nil {
		return badBody(c)
	}
	if in.Strategy == "" {
		in.Strategy = merge.StrategyAuto
	}
	res, err := a.merges.AttemptAutoMerge(in.Base, in.Left, in.Right, in.Strategy)
	if err != nil {
		return a.fail(c, err)
	}
	return c.JSON(res)
}

func (a *api) detectConflicts(c fiber.Ctx) error {
	userID := userOf(c)
	var in detectConflictsInput
	if err := c.Bind().JSON(&in); err != nil {
		return badBody(c)
	}
	if err := flowsync.ValidateStruct("detect conflicts", "", in); err != nil {
		return a.fail(c, err)
	}
	cr, err := a.merges.DetectConflicts(c.Context(), c.Params("id"), in.BaseVersion, in.Version1, in.Version2, userID)
	if err != nil {
		return a.fail(c, err)
	}
	if cr == nil {
		return c.JSON(fiber.Map{"conflict": nil})
	}
	return c.Status(201).JSON(fiber.Map{"conflict": cr})
}

func (a *api) listConflicts(c fiber.Ctx) error {
	userID := userOf(c)
	id := c.Params("id")
	if err := a.require(c, "list conflicts", id, userID, flowsync.PermissionRead); err != nil {
		return a.fail(c, err)
	}
	out, err := a.merges.GetWorkflowConflicts(c.Context(), id)
	if err != nil {
		return a.fail(c, err)
	}
	return c.JSON(out)
}

func (a *api) getConflict(c fiber.Ctx) error {
	userID := userOf(c)
	cr, err := a.merges.GetConflict(c.Context(), c.Params("id"))
	if err != nil {
		return a.fail(c, err)
	}
	if err := a.require(c, "get conflict", cr.WorkflowID, userID, flowsync.PermissionRead); err != nil {
		return a.fail(c, err)
	}
	return c.JSON(cr)
}

func (a *api) resolveConflict(c fiber.Ctx) error {
	userID := userOf(c)
	var in resolveInput
	if err := c.Bind().JSON(&in); err != nil {
		return badBody(c)
	}
	cr, err := a.merges.ResolveConflictManually(c.Context(), c.Params("id"), in.Definition, userID)
	if err != nil {
		return a.fail(c, err)
	}
	return c.JSON(cr)
}

func (a *api) rejectConflict(c fiber.Ctx) error {
	userID := userOf(c)
	cr, err := a.merges.RejectConflict(c.Context(), c.Params("id"), userID)
	if err != nil {
		return a.fail(c, err)
	}
	return c.JSON(cr)
}

func (a *api) commitResolution(c fiber.Ctx) error {
	userID := userOf(c)
	v, err := a.merges.CommitResolution(c.Context(), c.Params("id"), userID)
	if err != nil {
		return a.fail(c, err)
	}
	return c.Status(201).JSON(v)
}
