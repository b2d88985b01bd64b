package flow

import (
	"errors"
	"fmt"

	"github.com/khushsharma-rampinfotech/whatsapp-service/internal/models"
)

// ErrStale means a background result no longer matches the stored session,
// typically because the user restarted the flow while the task ran.
var ErrStale = errors.New("stale task result")

// BatchProcessed applies the recognition results of batchID. files are the
// batch files as stored, in batch order. With an active record the batch is
// committed straight away by appending to it; otherwise the user chooses
// between the looked-up draft and a new claim.
func (m *Machine) BatchProcessed(sess *models.Session, batchID string, files []models.FileRef, bills []models.Bill, draftRef string) Outcome {
	if err := expectTask(sess, models.StateProcessingBatch, batchID); err != nil {
		return Outcome{Op: OpKeep, Err: err}
	}
	if len(bills) != len(sess.Files) || len(files) != len(sess.Files) {
		return reset(fmt.Errorf("%w: %d bills and %d files for %d files", models.ErrSessionInvariant, len(bills), len(files), len(sess.Files)))
	}
	for i, f := range files {
		if f.MediaID != sess.Files[i].MediaID {
			return reset(fmt.Errorf("%w: file %d is %s, want %s", models.ErrSessionInvariant, i, f.MediaID, sess.Files[i].MediaID))
		}
	}
	next := sess.Clone()
	next.Files = append([]models.FileRef(nil), files...)
	next.Bills = append([]models.Bill(nil), bills...)

	if next.RecordRef != "" {
		next.State = models.StateCommitting
		return Outcome{
			Session: next,
			Op:      OpSave,
			Reply:   autoCommitNotice(next.RecordRef),
			Effect:  Effect{Kind: EffectCommit, BatchID: batchID, Mode: CommitAppend, Ref: next.RecordRef},
		}
	}
	next.DraftRef = draftRef
	next.State = models.StateWaitingForClaimChoice
	return save(next, claimChoicePrompt(next))
}

// BatchFailed rolls back to image-count collection with the batch cleared.
func (m *Machine) BatchFailed(sess *models.Session, batchID string, reason string) Outcome {
	if err := expectTask(sess, models.StateProcessingBatch, batchID); err != nil {
		return Outcome{Op: OpKeep, Err: err}
	}
	next := sess.Clone()
	next.ResetBatch()
	next.State = models.StateWaitingForImageCount
	return save(next, batchFailed(reason, m.maxImages))
}

// Committed records the returned reference and waits for the add-another choice.
func (m *Machine) Committed(sess *models.Session, batchID string, recordRef string) Outcome {
	if err := expectTask(sess, models.StateCommitting, batchID); err != nil {
		return Outcome{Op: OpKeep, Err: err}
	}
	next := sess.Clone()
	next.RecordRef = recordRef
	next.DraftRef = ""
	next.ResetBatch()
	next.State = models.StateWaitingForAddAnother
	return save(next, commitSucceeded(recordRef))
}

// CommitFailed restores the pre-commit state with the batch intact.
func (m *Machine) CommitFailed(sess *models.Session, batchID string, reason string) Outcome {
	if err := expectTask(sess, models.StateCommitting, batchID); err != nil {
		return Outcome{Op: OpKeep, Err: err}
	}
	next := sess.Clone()
	next.State = models.StateWaitingForClaimChoice
	return save(next, commitFailed(reason, next))
}

// GRNFinished ends the GRN branch; the session is destroyed whatever happened.
func (m *Machine) GRNFinished(sess *models.Session, batchID string, reply string) Outcome {
	if err := expectTask(sess, models.StateProcessingGRN, batchID); err != nil {
		return Outcome{Op: OpKeep, Err: err}
	}
	return Outcome{Op: OpDelete, Reply: reply}
}

func expectTask(sess *models.Session, state models.State, batchID string) error {
	if sess == nil {
		return fmt.Errorf("%w: session gone", ErrStale)
	}
	if sess.State != state || sess.BatchID != batchID {
		return fmt.Errorf("%w: want %s/%s, have %s/%s", ErrStale, state, batchID, sess.State, sess.BatchID)
	}
	return nil
}
