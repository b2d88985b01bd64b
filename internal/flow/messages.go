package flow

import (
	"fmt"
	"strings"

	"github.com/khushsharma-rampinfotech/whatsapp-service/internal/models"
)

const (
	msgUserNotFound     = "User not found. Please contact your administrator."
	msgNoServices       = "No services are enabled for your number."
	msgNoEntities       = "No entities are configured for your account."
	msgSendHi           = "Please send \"hi\" to start."
	msgUnexpectedMedia  = "I was not expecting a file right now. Please follow the last instruction or send \"hi\" to start over."
	msgUnsupportedMedia = "Unsupported file type. Please send an image or a PDF."
	msgStillProcessing  = "Still processing your previous request, please wait."
	msgSessionReset     = "Your session was missing some details and has been reset. Please send \"hi\" to start again."
	msgSendGRN          = "Please send the GRN image or PDF."
	msgProcessingGRN    = "Processing GRN..."
	msgProcessingBatch  = "Processing invoices..."
	msgSavingClaim      = "Saving claim..."
	msgGoodbye          = "Thank you. Your claim is saved as a draft."
)

func serviceMenu(services []models.Service) string {
	var b strings.Builder
	b.WriteString("Which service do you want?")
	for i, s := range services {
		fmt.Fprintf(&b, "\n%d. %s", i+1, s.Label())
	}
	return b.String()
}

func entityMenu(entities []models.Entity) string {
	var b strings.Builder
	b.WriteString("Select entity:")
	for i, e := range entities {
		fmt.Fprintf(&b, "\n%d. %s", i+1, e.Name)
	}
	return b.String()
}

func imageCountPrompt(max int) string {
	return fmt.Sprintf("How many images does this invoice have? (1-%d)", max)
}

func sendImagesPrompt(n int) string {
	return fmt.Sprintf("Please send %d invoice image(s).", n)
}

func receivedProgress(received, expected int) string {
	return fmt.Sprintf("Invoice %d/%d received.", received, expected)
}

func remainingImages(sess *models.Session) string {
	return fmt.Sprintf("Please send the remaining %d invoice image(s).", sess.Expected-sess.Received)
}

// claimChoicePrompt offers append only when there is a record to append to.
func claimChoicePrompt(sess *models.Session) string {
	header := fmt.Sprintf("Entity: %s\n", sess.EntityName())
	if target := appendTarget(sess); target != "" {
		return header + fmt.Sprintf("Draft claim found (Claim No: %s)\n1. Add to existing\n2. Create new", target)
	}
	return header + "No draft claim found.\n2. Create new claim"
}

func commitSucceeded(ref string) string {
	return fmt.Sprintf("Claim saved successfully (Draft)\nClaim No: %s\n\nDo you want to add another invoice?\n1. Yes\n2. No", ref)
}

func commitFailed(reason string, sess *models.Session) string {
	return fmt.Sprintf("Failed to save claim: %s\n\n%s", reason, claimChoicePrompt(sess))
}

func batchFailed(reason string, max int) string {
	return fmt.Sprintf("Failed to process invoices: %s\n%s", reason, imageCountPrompt(max))
}

func addAnotherPrompt() string {
	return "Do you want to add another invoice?\n1. Yes\n2. No"
}

func autoCommitNotice(ref string) string {
	return fmt.Sprintf("Adding invoices to claim %s...", ref)
}
