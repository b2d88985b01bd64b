package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/cockroachdb/apd/v3"
	"github.com/rs/zerolog/log"

	"github.com/khushsharma-rampinfotech/whatsapp-service/internal/backoffice"
	"github.com/khushsharma-rampinfotech/whatsapp-service/internal/flow"
	"github.com/khushsharma-rampinfotech/whatsapp-service/internal/logging"
	"github.com/khushsharma-rampinfotech/whatsapp-service/internal/models"
)

var decimalCtx = apd.BaseContext.WithPrecision(34)

// commit writes the batch to the back office: one create or append call with
// every line item, then one upload per returned line item. Category and amount
// problems are found before anything is written.
func (e *Engine) commit(ctx context.Context, t task, eff flow.Effect) {
	logger := log.With().
		Str("user", logging.MaskPhone(t.user)).
		Str("batchId", t.batchID).
		Str("mode", string(eff.Mode)).
		Logger()

	sess, ok := e.begin(ctx, t)
	if !ok {
		return
	}

	recordRef, err := e.writeClaim(ctx, sess, eff)
	if err != nil {
		logger.Error().Err(err).Msg("commit failed")
		reason, failReply := reasonFor(err), msgStartOver
		if recordRef != "" {
			reason = fmt.Sprintf("claim %s was saved but its attachments failed (%s)", recordRef, reason)
			failReply = claimSavedStartOver(recordRef)
		}
		e.finish(t, failReply, func(s *models.Session) flow.Outcome {
			return e.machine.CommitFailed(s, t.batchID, reason)
		})
		return
	}
	logger.Info().Str("claimNo", recordRef).Int("bills", len(sess.Bills)).Msg("claim committed")

	if err := e.finish(t, claimSavedStartOver(recordRef), func(s *models.Session) flow.Outcome {
		return e.machine.Committed(s, t.batchID, recordRef)
	}); err == nil {
		e.Media.Release(context.Background(), sess.Files)
	}
}

// writeClaim returns the record reference once the record exists, even when a
// later attachment upload fails.
func (e *Engine) writeClaim(ctx context.Context, sess *models.Session, eff flow.Effect) (string, error) {
	claim, err := e.buildClaim(ctx, sess)
	if err != nil {
		return "", err
	}

	credential, err := e.Backoffice.Login(ctx, sess.User)
	if err != nil {
		return "", err
	}
	ref := ""
	if eff.Mode == flow.CommitAppend {
		ref = eff.Ref
	}
	res, err := e.Backoffice.CreateOrAppend(ctx, credential, ref, *claim)
	if err != nil {
		return "", err
	}
	sent := string(claim.Claim.Total)
	if !TotalsAgree(sent, res.Total, ref != "") {
		log.Warn().
			Str("user", logging.MaskPhone(sess.User)).
			Str("claimNo", res.RecordRef).
			Str("sentTotal", sent).
			Str("recordTotal", res.Total).
			Msg("back office total differs from the batch total")
	} else {
		log.Debug().Str("claimNo", res.RecordRef).Str("recordTotal", res.Total).Msg("claim total confirmed")
	}

	attachments := e.attachments(sess.Files)
	for _, lineRef := range res.LineItemRefs {
		if err := e.Backoffice.Attach(ctx, credential, res.RecordRef, lineRef, attachments); err != nil {
			return res.RecordRef, err
		}
	}
	return res.RecordRef, nil
}

// buildClaim resolves category ids and totals the amounts of every bill.
func (e *Engine) buildClaim(ctx context.Context, sess *models.Session) (*backoffice.ClaimRequest, error) {
	if len(sess.Bills) == 0 {
		return nil, fmt.Errorf("%w: no bills to commit", models.ErrCommitAtomicity)
	}
	lines := make([]backoffice.LineItem, 0, len(sess.Bills))
	amounts := make([]string, 0, len(sess.Bills))
	for i, bill := range sess.Bills {
		ids, err := e.Directory.ResolveIDs(ctx, sess.Tenant, bill.ExpenseType, bill.ExpenseSubType)
		if err != nil {
			return nil, err
		}
		if ids == nil {
			return nil, fmt.Errorf("%w: bill %d category %q/%q unknown", models.ErrCommitAtomicity, i+1, bill.ExpenseType, bill.ExpenseSubType)
		}
		amount, err := decimalOrZero(bill.Amount)
		if err != nil {
			return nil, fmt.Errorf("%w: bill %d amount: %w", models.ErrCommitAtomicity, i+1, err)
		}
		vat, err := decimalOrZero(bill.VAT)
		if err != nil {
			return nil, fmt.Errorf("%w: bill %d VAT: %w", models.ErrCommitAtomicity, i+1, err)
		}
		amounts = append(amounts, amount)
		lines = append(lines, backoffice.LineItem{
			ExpenseTypeID:    ids.TypeID,
			ExpenseSubTypeID: ids.SubTypeID,
			FromDate:         optional(bill.FromDate),
			ToDate:           optional(bill.ToDate),
			BillAmount:       json.Number(amount),
			VATAmount:        json.Number(vat),
			MerchantName:     bill.MerchantName,
			InvoiceNumber:    bill.InvoiceNumber,
		})
	}

	total, err := SumAmounts(amounts)
	if err != nil {
		return nil, fmt.Errorf("%w: total: %w", models.ErrCommitAtomicity, err)
	}
	return &backoffice.ClaimRequest{
		Claim: backoffice.ClaimHeader{
			Title:       backoffice.ClaimTitle,
			Description: backoffice.ClaimDescription,
			EmployeeID:  sess.EmployeeID,
			EntityID:    sess.EntityID,
			Total:       json.Number(total),
			Status:      backoffice.StatusDrafted,
		},
		Bills: lines,
	}, nil
}

func (e *Engine) attachments(files []models.FileRef) []backoffice.Attachment {
	out := make([]backoffice.Attachment, 0, len(files))
	for _, f := range files {
		out = append(out, backoffice.Attachment{
			Name:     path.Base(f.Path),
			MimeType: f.MimeType,
			Open: func(ctx context.Context) (io.ReadCloser, error) {
				return e.Media.Open(ctx, f)
			},
		})
	}
	return out
}

// SumAmounts adds decimal strings exactly.
func SumAmounts(amounts []string) (string, error) {
	var total apd.Decimal
	for _, a := range amounts {
		d, _, err := apd.NewFromString(a)
		if err != nil {
			return "", fmt.Errorf("parse amount %q: %w", a, err)
		}
		if _, err := decimalCtx.Add(&total, &total, d); err != nil {
			return "", fmt.Errorf("add amount %q: %w", a, err)
		}
	}
	return total.Text('f'), nil
}

// TotalsAgree reports whether the back office total matches the batch total.
// An appended record also carries earlier batches, so its total may be larger.
// An unreported total agrees.
func TotalsAgree(batch, record string, appended bool) bool {
	if strings.TrimSpace(record) == "" {
		return true
	}
	b, _, err := apd.NewFromString(strings.TrimSpace(batch))
	if err != nil {
		return false
	}
	r, _, err := apd.NewFromString(strings.TrimSpace(record))
	if err != nil {
		return false
	}
	if appended {
		return r.Cmp(b) >= 0
	}
	return r.Cmp(b) == 0
}

// decimalOrZero validates a decimal string; empty means zero.
func decimalOrZero(s string) (string, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "0", nil
	}
	d, _, err := apd.NewFromString(s)
	if err != nil {
		return "", err
	}
	if d.Form != apd.Finite {
		return "", fmt.Errorf("amount %q is not finite", s)
	}
	return d.Text('f'), nil
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
