package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/khushsharma-rampinfotech/whatsapp-service/internal/flow"
	"github.com/khushsharma-rampinfotech/whatsapp-service/internal/grn"
	"github.com/khushsharma-rampinfotech/whatsapp-service/internal/models"
	"github.com/khushsharma-rampinfotech/whatsapp-service/internal/worker"
)

// toClaimChoice drives a fresh user up to the claim choice with two invoices.
func toClaimChoice(t *testing.T, h *harness) {
	t.Helper()
	h.start(t)
	h.text(t, "1")
	h.text(t, "1")
	h.text(t, "2")
	h.mediaEvent(t, "m1")
	h.mediaEvent(t, "m2")
	h.wait(t)
	require.Equal(t, models.StateWaitingForClaimChoice, h.session(t).State)
}

func TestFullClaimConversation(t *testing.T) {
	h := newHarness(t)

	h.start(t)
	assert.Contains(t, h.notifier.last(), "Which service do you want?")
	h.text(t, "1")
	assert.Contains(t, h.notifier.last(), "Acme LLC")
	h.text(t, "1")
	assert.Contains(t, h.notifier.last(), "How many images")
	h.text(t, "2")
	assert.Equal(t, "Please send 2 invoice image(s).", h.notifier.last())
	h.mediaEvent(t, "m1")
	assert.Equal(t, "Invoice 1/2 received.", h.notifier.last())
	h.mediaEvent(t, "m2")
	h.wait(t)
	assert.Contains(t, h.notifier.last(), "No draft claim found.")

	sess := h.session(t)
	require.Len(t, sess.Bills, 2)
	assert.Equal(t, "12.50", sess.Bills[0].Amount)
	assert.Equal(t, "7.25", sess.Bills[1].Amount)
	assert.Equal(t, user+"/m1.jpg", sess.Files[0].Path)

	h.text(t, "2")
	h.wait(t)
	assert.Contains(t, h.notifier.last(), "Claim No: CLM-100")

	claims, refs := h.backoffice.snapshot()
	require.Len(t, claims, 1)
	assert.Equal(t, []string{""}, refs)
	assert.Equal(t, json.Number("19.75"), claims[0].Claim.Total)
	assert.Equal(t, "EN0001", claims[0].Claim.EntityID)
	assert.Equal(t, int64(42), claims[0].Claim.EmployeeID)
	assert.Equal(t, "Drafted", claims[0].Claim.Status)
	require.Len(t, claims[0].Bills, 2)
	assert.Equal(t, json.Number("0.60"), claims[0].Bills[0].VATAmount)
	assert.Equal(t, json.Number("0"), claims[0].Bills[1].VATAmount)
	require.NotNil(t, claims[0].Bills[0].FromDate)
	assert.Nil(t, claims[0].Bills[1].FromDate)
	assert.Equal(t, map[string]int{"CLM-100-B1": 2, "CLM-100-B2": 2}, h.backoffice.attached)

	sess = h.session(t)
	assert.Equal(t, models.StateWaitingForAddAnother, sess.State)
	assert.Equal(t, "CLM-100", sess.RecordRef)
	assert.Empty(t, sess.Files)
	assert.Zero(t, h.media.held())

	// Another invoice is appended to the same claim without asking again.
	h.text(t, "1")
	h.text(t, "1")
	h.mediaEvent(t, "m3")
	h.wait(t)
	assert.Equal(t, 1, h.notifier.count("Adding invoices to claim CLM-100"))
	claims, refs = h.backoffice.snapshot()
	require.Len(t, claims, 2)
	assert.Equal(t, "CLM-100", refs[1])
	assert.Equal(t, json.Number("3.10"), claims[1].Claim.Total)
	assert.Equal(t, models.StateWaitingForAddAnother, h.session(t).State)

	h.text(t, "2")
	assert.Nil(t, h.session(t))
}

func TestDraftIsOffered(t *testing.T) {
	h := newHarness(t)
	h.directory.draft = "CLM-77"
	toClaimChoice(t, h)
	assert.Contains(t, h.notifier.last(), "Entity: Acme LLC")
	assert.Contains(t, h.notifier.last(), "Draft claim found (Claim No: CLM-77)")

	h.text(t, "1")
	h.wait(t)
	_, refs := h.backoffice.snapshot()
	assert.Equal(t, []string{"CLM-77"}, refs)
	assert.Equal(t, "CLM-77", h.session(t).RecordRef)
}

func TestConcurrentMediaStartsOneBatch(t *testing.T) {
	h := newHarness(t)
	h.start(t)
	h.text(t, "1")
	h.text(t, "1")
	h.text(t, "1")

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			h.engine.Handle(context.Background(), flow.Event{
				User: user, Kind: flow.EventMedia, MediaID: fmt.Sprintf("m%d", i+1), MimeType: "image/jpeg",
			})
		}(i)
	}
	wg.Wait()
	h.wait(t)

	assert.Equal(t, 1, h.fetcher.count())
	assert.Equal(t, 1, h.notifier.count("Processing invoices"))
	sess := h.session(t)
	assert.Len(t, sess.Files, 1)
	assert.Len(t, sess.Bills, 1)
}

func TestResolutionFailureWritesNothing(t *testing.T) {
	h := newHarness(t)
	h.start(t)
	h.text(t, "1")
	before := h.session(t)
	writes := h.store.count()

	h.directory.err = fmt.Errorf("resolve employee: %w", models.ErrCollaboratorUnavailable)
	err := h.engine.Handle(context.Background(), flow.Event{User: user, Kind: flow.EventFlowStart, Text: "hi"})
	require.ErrorIs(t, err, models.ErrCollaboratorUnavailable)

	assert.Equal(t, writes, h.store.count())
	assert.Equal(t, before, h.session(t))
	assert.Equal(t, msgTemporarilyUnavailable, h.notifier.last())
}

func TestUnknownUser(t *testing.T) {
	h := newHarness(t)
	h.directory.employee = nil
	h.start(t)
	assert.Contains(t, h.notifier.last(), "User not found")
	assert.Nil(t, h.session(t))
}

func TestFlowStartCancelsRunningBatch(t *testing.T) {
	h := newHarness(t)
	h.recognizer.block = true
	h.start(t)
	h.text(t, "1")
	h.text(t, "1")
	h.text(t, "1")
	h.mediaEvent(t, "m1")

	h.start(t)
	h.wait(t)

	sess := h.session(t)
	require.NotNil(t, sess)
	assert.Equal(t, models.StateWaitingForService, sess.State)
	assert.Empty(t, sess.BatchID)
	assert.Zero(t, h.notifier.count("Failed to process invoices"))
}

func TestCommitFailureKeepsBatch(t *testing.T) {
	h := newHarness(t)
	toClaimChoice(t, h)
	h.backoffice.createErr = fmt.Errorf("write claim: %w", models.ErrCollaboratorUnavailable)

	h.text(t, "2")
	h.wait(t)

	assert.Contains(t, h.notifier.last(), "Failed to save claim: a required service is unavailable")
	sess := h.session(t)
	assert.Equal(t, models.StateWaitingForClaimChoice, sess.State)
	assert.Len(t, sess.Bills, 2)
	assert.Len(t, sess.Files, 2)
	assert.Equal(t, 2, h.media.held())
}

func TestAttachFailureNamesCreatedClaim(t *testing.T) {
	h := newHarness(t)
	toClaimChoice(t, h)
	h.backoffice.attachErr = fmt.Errorf("upload: %w", models.ErrCollaboratorUnavailable)

	h.text(t, "2")
	h.wait(t)

	assert.Contains(t, h.notifier.last(), "claim CLM-100 was saved but its attachments failed")
	assert.Equal(t, models.StateWaitingForClaimChoice, h.session(t).State)
}

func TestUnknownCategoryWritesNothing(t *testing.T) {
	h := newHarness(t)
	h.recognizer.bills["m2"] = models.Bill{ExpenseType: "Fuel", Amount: "5"}
	toClaimChoice(t, h)

	h.text(t, "2")
	h.wait(t)

	claims, _ := h.backoffice.snapshot()
	assert.Empty(t, claims)
	assert.Contains(t, h.notifier.last(), "category could not be matched")
	assert.Equal(t, models.StateWaitingForClaimChoice, h.session(t).State)
}

func TestPartialExtractionKeepsEmptyBill(t *testing.T) {
	h := newHarness(t)
	delete(h.recognizer.bills, "m2")
	toClaimChoice(t, h)

	sess := h.session(t)
	assert.True(t, sess.Bills[1].Empty())
	assert.False(t, sess.Bills[0].Empty())
}

func TestBusyRunnerFailsBatch(t *testing.T) {
	h := newHarness(t)
	h.start(t)
	h.text(t, "1")
	h.text(t, "1")
	h.text(t, "1")

	release := make(chan struct{})
	require.True(t, h.engine.Runner.Start(user, worker.TaskBatch, 0, func(ctx context.Context) { <-release }))
	h.mediaEvent(t, "m1")
	close(release)
	h.wait(t)

	assert.Contains(t, h.notifier.last(), "another batch is still being processed")
	sess := h.session(t)
	assert.Equal(t, models.StateWaitingForImageCount, sess.State)
	assert.Empty(t, sess.Files)
}

func TestStoreFailureAfterBatchEndsSession(t *testing.T) {
	h := newHarness(t)
	h.store.failPutOnce(models.StateWaitingForClaimChoice)
	h.start(t)
	h.text(t, "1")
	h.text(t, "1")
	h.text(t, "2")
	h.mediaEvent(t, "m1")
	h.mediaEvent(t, "m2")
	h.wait(t)

	assert.Equal(t, 1, h.store.putErrs)
	assert.Equal(t, msgStartOver, h.notifier.last())
	assert.Nil(t, h.session(t))
	assert.Zero(t, h.media.held())

	h.text(t, "1")
	assert.Zero(t, h.notifier.count("Still processing"))

	h.start(t)
	assert.Contains(t, h.notifier.last(), "Which service do you want?")
}

func TestStoreFailureAfterCommitNamesClaim(t *testing.T) {
	h := newHarness(t)
	toClaimChoice(t, h)
	h.store.failPutOnce(models.StateWaitingForAddAnother)

	h.text(t, "2")
	h.wait(t)

	claims, _ := h.backoffice.snapshot()
	assert.Len(t, claims, 1)
	assert.Equal(t, claimSavedStartOver("CLM-100"), h.notifier.last())
	assert.Nil(t, h.session(t))
	assert.Zero(t, h.media.held())
}

func TestStoreFailureLeavesNewerSessionAlone(t *testing.T) {
	h := newHarness(t)
	toClaimChoice(t, h)

	h.engine.abandon(task{user: user, state: models.StateProcessingBatch, batchID: "batch-1"}, msgStartOver)

	assert.NotEqual(t, msgStartOver, h.notifier.last())
	assert.Equal(t, models.StateWaitingForClaimChoice, h.session(t).State)
	assert.Equal(t, 2, h.media.held())
}

func TestGRNConversation(t *testing.T) {
	h := newHarness(t)
	h.directory.services = []models.Service{models.ServiceGRN}

	h.start(t)
	assert.Equal(t, "Please send the GRN image or PDF.", h.notifier.last())
	h.mediaEvent(t, "g1")
	h.wait(t)

	assert.Equal(t, grn.ReplyFor(h.grn.res, nil), h.notifier.last())
	assert.Equal(t, []string{"g1.jpg:content-of-g1"}, h.grn.seen)
	assert.Nil(t, h.session(t))
	assert.Zero(t, h.media.held())
}

func TestDuplicateDeliveriesDropped(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.DedupeDeliveries = true })
	h.start(t)
	h.text(t, "1")
	h.text(t, "1")

	ev := flow.Event{User: user, Kind: flow.EventText, Text: "2", DeliveryID: "wamid.1"}
	require.NoError(t, h.engine.Handle(context.Background(), ev))
	replies := len(h.notifier.all())
	require.NoError(t, h.engine.Handle(context.Background(), ev))

	assert.Len(t, h.notifier.all(), replies)
	assert.Equal(t, 2, h.session(t).Expected)
}

func TestSumAmounts(t *testing.T) {
	total, err := SumAmounts([]string{"12.50", "7.25"})
	require.NoError(t, err)
	assert.Equal(t, "19.75", total)

	total, err = SumAmounts([]string{"0.1", "0.1", "0.1"})
	require.NoError(t, err)
	assert.Equal(t, "0.3", total)

	_, err = SumAmounts([]string{"abc"})
	assert.Error(t, err)
}

func TestTotalsAgree(t *testing.T) {
	cases := []struct {
		name     string
		batch    string
		record   string
		appended bool
		want     bool
	}{
		{"no record total", "19.75", "", false, true},
		{"created equal", "19.75", "19.750", false, true},
		{"created differs", "19.75", "20.00", false, false},
		{"appended adds to earlier lines", "3.10", "22.85", true, true},
		{"appended below batch", "3.10", "1.00", true, false},
		{"unparsable record", "19.75", "n/a", false, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, TotalsAgree(tc.batch, tc.record, tc.appended))
		})
	}
}
