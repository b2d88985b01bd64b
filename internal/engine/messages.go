package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/khushsharma-rampinfotech/whatsapp-service/internal/backoffice"
	"github.com/khushsharma-rampinfotech/whatsapp-service/internal/models"
)

const (
	msgTemporarilyUnavailable = "Service is temporarily unavailable. Please try again shortly."
	msgTryAgain               = "Something went wrong. Please try again."
	msgStartOver              = "Something went wrong while finishing your request. Please send \"hi\" to start again."
)

func claimSavedStartOver(ref string) string {
	return fmt.Sprintf("Claim %s was saved, but the conversation could not continue. Please send \"hi\" to start again.", ref)
}

// reasonFor turns a task failure into text fit for the user.
func reasonFor(err error) string {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return "the request timed out"
	case errors.Is(err, backoffice.ErrSessionExpired):
		return "the claims login expired"
	case errors.Is(err, models.ErrCommitAtomicity):
		return "an invoice category could not be matched"
	case errors.Is(err, errFileTooLarge):
		return "a file is too large"
	case errors.Is(err, models.ErrCollaboratorUnavailable):
		return "a required service is unavailable"
	default:
		return "unexpected error"
	}
}
