package handler

import (
	"errors"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/makeasinger/studio/internal/client"
	"github.com/makeasinger/studio/internal/mediastore"
	"github.com/makeasinger/studio/internal/service"
	"github.com/makeasinger/studio/pkg/response"
)

// formatValidationErrors formats validator errors for response
func formatValidationErrors(err error) interface{} {
	var validationErrors validator.ValidationErrors
	if errors.As(err, &validationErrors) {
		fields := make(map[string]string, len(validationErrors))
		for _, e := range validationErrors {
			fields[e.Field()] = e.Tag()
		}
		return fields
	}
	return nil
}

// writeError maps service and provider errors onto the API error shape.
func writeError(c *fiber.Ctx, logger zerolog.Logger, err error) error {
	var ve *service.ValidationError
	var pe *client.ProviderError

	switch {
	case errors.As(err, &ve):
		return response.ValidationError(c, ve.Error(), map[string]string{ve.Field: ve.Message})
	case errors.As(err, &pe):
		return response.ProviderError(c, pe.HTTPStatus, pe.Message, pe.ProviderCode)
	case errors.Is(err, service.ErrNotFound):
		return response.NotFound(c, "Not found")
	case errors.Is(err, service.ErrForbidden):
		return response.Forbidden(c, "Access denied")
	case errors.Is(err, mediastore.ErrInvalidName):
		return response.ValidationError(c, "Invalid filename", nil)
	case errors.Is(err, service.ErrStorageUnavailable):
		return response.Unavailable(c, "Object storage is not configured")
	}

	logger.Error().Err(err).Str("path", c.Path()).Msg("request failed")
	return response.ServiceError(c, "Internal server error")
}
