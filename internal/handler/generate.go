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

type GenerateHandler struct {
	submission *service.SubmissionService
	reconciler *service.Reconciler
	validator  *validator.Validate
	logger     zerolog.Logger
}

func NewGenerateHandler(submission *service.SubmissionService, reconciler *service.Reconciler, v *validator.Validate, logger zerolog.Logger) *GenerateHandler {
	return &GenerateHandler{
		submission: submission,
		reconciler: reconciler,
		validator:  v,
		logger:     logger,
	}
}

// newRequest returns an empty request body for kind.
func newRequest(kind model.JobKind) interface{} {
	switch kind {
	case model.JobKindGenerate:
		return &model.GenerateRequest{}
	case model.JobKindExtend:
		return &model.ExtendRequest{}
	case model.JobKindUploadCover:
		return &model.UploadCoverRequest{}
	case model.JobKindMashup:
		return &model.MashupRequest{}
	case model.JobKindVocalSeparation:
		return &model.VocalSeparationRequest{}
	}
	return nil
}

// Submit handles POST /api/generate/:kind
func (h *GenerateHandler) Submit(c *fiber.Ctx) error {
	kind, ok := model.ParseJobKind(c.Params("kind"))
	if !ok {
		return response.NotFound(c, "Unknown generation kind")
	}

	req := newRequest(kind)
	if err := c.BodyParser(req); err != nil {
		return response.ValidationError(c, "Invalid request body", nil)
	}
	if err := h.validator.Struct(req); err != nil {
		return response.ValidationError(c, "Validation failed", formatValidationErrors(err))
	}

	result, err := h.submission.Submit(c.UserContext(), middleware.GetUserID(c), kind, req)
	if err != nil {
		return writeError(c, h.logger, err)
	}
	return response.Accepted(c, result)
}

// Status handles GET /api/generate/status/:taskId
func (h *GenerateHandler) Status(c *fiber.Ctx) error {
	taskID := c.Params("taskId")
	if taskID == "" {
		return response.ValidationError(c, "Task ID is required", nil)
	}

	result, err := h.reconciler.Poll(c.UserContext(), middleware.GetUserID(c), taskID)
	if err != nil {
		return writeError(c, h.logger, err)
	}
	return response.OK(c, result)
}
