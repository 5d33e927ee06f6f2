package handler

import (
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/makeasinger/studio/internal/middleware"
	"github.com/makeasinger/studio/internal/model"
	"github.com/makeasinger/studio/internal/service"
	"github.com/makeasinger/studio/pkg/response"
)

// JobsHandler serves the owner's library and the follow-on operations.
type JobsHandler struct {
	artifacts  *service.ArtifactService
	submission *service.SubmissionService
	reconciler *service.Reconciler
	validator  *validator.Validate
	logger     zerolog.Logger
}

func NewJobsHandler(artifacts *service.ArtifactService, submission *service.SubmissionService, reconciler *service.Reconciler, v *validator.Validate, logger zerolog.Logger) *JobsHandler {
	return &JobsHandler{
		artifacts:  artifacts,
		submission: submission,
		reconciler: reconciler,
		validator:  v,
		logger:     logger,
	}
}

// List handles GET /api/jobs
func (h *JobsHandler) List(c *fiber.Ctx) error {
	jobs, err := h.artifacts.ListJobs(c.UserContext(), middleware.GetUserID(c), c.QueryInt("limit", 0))
	if err != nil {
		return writeError(c, h.logger, err)
	}
	return response.OK(c, fiber.Map{"jobs": jobs})
}

// Get handles GET /api/jobs/:taskId
func (h *JobsHandler) Get(c *fiber.Ctx) error {
	job, err := h.artifacts.GetJob(c.UserContext(), middleware.GetUserID(c), c.Params("taskId"))
	if err != nil {
		return writeError(c, h.logger, err)
	}
	return response.OK(c, job)
}

// RequestCover handles POST /api/jobs/:taskId/cover
func (h *JobsHandler) RequestCover(c *fiber.Ctx) error {
	result, err := h.submission.RequestCover(c.UserContext(), middleware.GetUserID(c), c.Params("taskId"))
	if err != nil {
		return writeError(c, h.logger, err)
	}
	return response.Accepted(c, result)
}

// CoverStatus handles GET /api/jobs/:taskId/cover/status
func (h *JobsHandler) CoverStatus(c *fiber.Ctx) error {
	result, err := h.reconciler.PollCover(c.UserContext(), middleware.GetUserID(c), c.Params("taskId"))
	if err != nil {
		return writeError(c, h.logger, err)
	}
	return response.OK(c, result)
}

// DeleteArtifact handles DELETE /api/artifacts/:id
func (h *JobsHandler) DeleteArtifact(c *fiber.Ctx) error {
	if err := h.artifacts.DeleteArtifact(c.UserContext(), middleware.GetUserID(c), c.Params("id")); err != nil {
		return writeError(c, h.logger, err)
	}
	return response.NoContent(c)
}

// Share handles POST /api/artifacts/:id/share
func (h *JobsHandler) Share(c *fiber.Ctx) error {
	var req model.ShareRequest
	if err := c.BodyParser(&req); err != nil {
		return response.ValidationError(c, "Invalid request body", nil)
	}
	if err := h.validator.Struct(&req); err != nil {
		return response.ValidationError(c, "Validation failed", formatValidationErrors(err))
	}

	artifact, err := h.artifacts.Share(c.UserContext(), middleware.GetUserID(c), c.Params("id"), req)
	if err != nil {
		return writeError(c, h.logger, err)
	}
	return response.OK(c, artifact)
}

// RequestVideo handles POST /api/artifacts/:id/video
func (h *JobsHandler) RequestVideo(c *fiber.Ctx) error {
	result, err := h.submission.RequestVideo(c.UserContext(), middleware.GetUserID(c), c.Params("id"))
	if err != nil {
		return writeError(c, h.logger, err)
	}
	return response.Accepted(c, result)
}

// VideoStatus handles GET /api/artifacts/:id/video/status
func (h *JobsHandler) VideoStatus(c *fiber.Ctx) error {
	result, err := h.reconciler.PollVideo(c.UserContext(), middleware.GetUserID(c), c.Params("id"))
	if err != nil {
		return writeError(c, h.logger, err)
	}
	return response.OK(c, result)
}
