package app

import (
	"database/sql"
	"errors"
	"fmt"
	"net/http"

	"backstage/api/internal/auth"
	"backstage/api/internal/authpw"
	"backstage/api/internal/export"
	"backstage/api/internal/media"
	"backstage/api/internal/reorder"
	"backstage/api/internal/scenenotes"
	"backstage/api/internal/session"
	"backstage/api/internal/store"
	"backstage/api/internal/writebehind"

	"github.com/jackc/pgx/v5/pgconn"
)

type DomainError struct {
	Status  int
	Code    string
	Message string
	Details any
}

func (e *DomainError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func domainError(status int, code, message string, details any) *DomainError {
	return &DomainError{
		Status:  status,
		Code:    code,
		Message: message,
		Details: details,
	}
}

func validationError(message string) *DomainError {
	return domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", message, nil)
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	switch {
	case errors.Is(err, sql.ErrNoRows),
		errors.Is(err, reorder.ErrUnknownItem),
		errors.Is(err, scenenotes.ErrUnknownScene):
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	case errors.Is(err, store.ErrUnknownColumn):
		return http.StatusBadRequest, "UNKNOWN_FIELD", err.Error(), nil
	case errors.Is(err, auth.ErrInvalidToken),
		errors.Is(err, auth.ErrExpiredToken),
		errors.Is(err, session.ErrSessionNotFound):
		return http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil
	case errors.Is(err, authpw.ErrInvalidCredentials):
		return http.StatusUnauthorized, "INVALID_CREDENTIALS", "Invalid email or password", nil
	case errors.Is(err, authpw.ErrPendingApproval):
		return http.StatusForbidden, "PENDING_APPROVAL", "Account is awaiting approval", nil
	case errors.Is(err, authpw.ErrRejected):
		return http.StatusForbidden, "ACCOUNT_REJECTED", "Account was rejected", nil
	case errors.Is(err, authpw.ErrEmailTaken):
		return http.StatusConflict, "EMAIL_EXISTS", "Email already registered", nil
	case errors.Is(err, authpw.ErrInvalidInput):
		return http.StatusUnprocessableEntity, "VALIDATION_ERROR", err.Error(), nil
	case errors.Is(err, writebehind.ErrClosed):
		return http.StatusConflict, "BOARD_CLOSED", "Board was closed", nil
	case errors.Is(err, export.ErrUnsupportedFormat):
		return http.StatusBadRequest, "UNSUPPORTED_FORMAT", "Unsupported export format", nil
	case errors.Is(err, export.ErrPDFDependencyMissing):
		return http.StatusServiceUnavailable, "PDF_UNAVAILABLE", "PDF rendering is not available", nil
	case errors.Is(err, media.ErrEmptyUpload),
		errors.Is(err, media.ErrUnsupportedImage):
		return http.StatusUnprocessableEntity, "INVALID_IMAGE", err.Error(), nil
	case errors.Is(err, media.ErrTooLarge):
		return http.StatusRequestEntityTooLarge, "IMAGE_TOO_LARGE", "Image exceeds size limit", nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505":
			return http.StatusConflict, "CONFLICT", "Record already exists", map[string]any{"constraint": pgErr.ConstraintName}
		case "23503":
			// A queued move can point at a location deleted by another editor.
			return http.StatusUnprocessableEntity, "REFERENCE_NOT_FOUND", "Referenced record no longer exists", map[string]any{"constraint": pgErr.ConstraintName}
		}
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
