// Package flow decides how a user's conversation moves forward. It performs no
// I/O: every decision is returned as an Outcome the caller applies.
package flow

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/khushsharma-rampinfotech/whatsapp-service/internal/models"
)

type EventKind int

const (
	EventFlowStart EventKind = iota + 1
	EventText
	EventMedia
)

func (k EventKind) String() string {
	switch k {
	case EventFlowStart:
		return "flow_start"
	case EventText:
		return "text"
	case EventMedia:
		return "media"
	default:
		return "unknown"
	}
}

// Event is one inbound message already classified by kind.
type Event struct {
	User       string
	Kind       EventKind
	Text       string
	MediaID    string
	MimeType   string
	DeliveryID string
	// Start carries the resolved organizational context of a flow_start.
	Start *StartContext
}

// StartContext is what the directory knows about a user when a flow starts.
type StartContext struct {
	// Employee is nil when the phone number is unknown.
	Employee *models.Employee
	Services []models.Service
	Entities []models.Entity
}

// Op tells the caller what to do with the stored session.
type Op int

const (
	OpKeep Op = iota
	OpSave
	OpDelete
)

func (o Op) String() string {
	switch o {
	case OpSave:
		return "save"
	case OpDelete:
		return "delete"
	default:
		return "keep"
	}
}

type EffectKind int

const (
	EffectNone EffectKind = iota
	EffectProcessBatch
	EffectCommit
	EffectProcessGRN
)

func (k EffectKind) String() string {
	switch k {
	case EffectProcessBatch:
		return "process_batch"
	case EffectCommit:
		return "commit"
	case EffectProcessGRN:
		return "process_grn"
	default:
		return "none"
	}
}

type CommitMode string

const (
	CommitCreate CommitMode = "create"
	CommitAppend CommitMode = "append"
)

// Effect is background work the caller must start after applying the outcome.
type Effect struct {
	Kind    EffectKind
	BatchID string
	Mode    CommitMode
	// Ref is the record appended to when Mode is CommitAppend.
	Ref  string
	File models.FileRef
}

// Outcome is the result of one transition.
type Outcome struct {
	// Session is the next session; set when Op is OpSave.
	Session *models.Session
	Op      Op
	Reply   string
	Effect  Effect
	// Err classifies rejected or resetting transitions for logging.
	Err error
}

// Machine is the transition table of the conversation.
type Machine struct {
	maxImages int
	newID     func() string
}

func NewMachine(maxImages int, newID func() string) *Machine {
	if maxImages <= 0 {
		maxImages = 10
	}
	return &Machine{maxImages: maxImages, newID: newID}
}

// IsFlowStart reports whether text restarts the conversation.
func IsFlowStart(text string) bool {
	switch strings.ToLower(strings.TrimSpace(text)) {
	case "hi", "start":
		return true
	}
	return false
}

// SupportedMime reports whether a media type can enter a batch.
func SupportedMime(mime string) bool {
	mime = strings.ToLower(strings.TrimSpace(mime))
	if i := strings.IndexByte(mime, ';'); i >= 0 {
		mime = strings.TrimSpace(mime[:i])
	}
	return strings.HasPrefix(mime, "image/") || mime == "application/pdf"
}

// Transition applies ev to sess. A nil sess is the initial state.
func (m *Machine) Transition(sess *models.Session, ev Event) Outcome {
	if ev.Kind == EventFlowStart {
		return m.start(sess, ev)
	}
	if sess == nil {
		return Outcome{Op: OpKeep, Reply: msgSendHi}
	}
	if !sess.State.Valid() || sess.State == models.StateInit || sess.State == models.StateDone {
		return reset(fmt.Errorf("%w: stored state %q", models.ErrSessionInvariant, sess.State))
	}
	if sess.State.Busy() {
		return Outcome{Op: OpKeep, Reply: msgStillProcessing}
	}
	if ev.Kind == EventMedia {
		return m.media(sess, ev)
	}
	return m.text(sess, ev)
}

func (m *Machine) start(prev *models.Session, ev Event) Outcome {
	ctx := ev.Start
	if ctx == nil {
		return reset(fmt.Errorf("%w: flow start without context", models.ErrSessionInvariant))
	}
	if ctx.Employee == nil || ctx.Employee.ID <= 0 || ctx.Employee.Tenant == "" {
		return Outcome{Op: OpDelete, Reply: msgUserNotFound}
	}
	services := canonicalServices(ctx.Services)
	if len(services) == 0 {
		return Outcome{Op: OpDelete, Reply: msgNoServices}
	}

	next := models.NewSession(ev.User)
	if prev != nil {
		next.Version = prev.Version
	}
	next.Services = services
	next.EmployeeID = ctx.Employee.ID
	next.Tenant = ctx.Employee.Tenant
	next.Entities = append([]models.Entity(nil), ctx.Entities...)
	next.ReplyTo = ev.DeliveryID

	if len(services) == 1 {
		return m.selectService(next, services[0])
	}
	next.State = models.StateWaitingForService
	return save(next, serviceMenu(services))
}

func (m *Machine) selectService(sess *models.Session, svc models.Service) Outcome {
	sess.Service = svc
	switch svc {
	case models.ServiceClaim:
		if len(sess.Entities) == 0 {
			return Outcome{Op: OpDelete, Reply: msgNoEntities}
		}
		sess.State = models.StateWaitingForEntity
		return save(sess, entityMenu(sess.Entities))
	case models.ServiceGRN:
		sess.State = models.StateWaitingForGRNUpload
		return save(sess, msgSendGRN)
	default:
		return reset(fmt.Errorf("%w: unknown service %q", models.ErrSessionInvariant, svc))
	}
}

func (m *Machine) text(sess *models.Session, ev Event) Outcome {
	next := sess.Clone()
	next.ReplyTo = ev.DeliveryID
	text := strings.TrimSpace(ev.Text)

	switch sess.State {
	case models.StateWaitingForService:
		if len(sess.Services) == 0 || !sess.HasEmployee() {
			return reset(fmt.Errorf("%w: service menu without services", models.ErrSessionInvariant))
		}
		idx, ok := parseChoice(text, len(sess.Services))
		if !ok {
			return invalid(serviceMenu(sess.Services))
		}
		return m.selectService(next, sess.Services[idx])

	case models.StateWaitingForEntity:
		if len(sess.Entities) == 0 || !sess.HasEmployee() {
			return reset(fmt.Errorf("%w: entity menu without entities", models.ErrSessionInvariant))
		}
		idx, ok := parseChoice(text, len(sess.Entities))
		if !ok {
			return invalid(entityMenu(sess.Entities))
		}
		next.EntityID = sess.Entities[idx].ID
		next.State = models.StateWaitingForImageCount
		return save(next, imageCountPrompt(m.maxImages))

	case models.StateWaitingForImageCount:
		if err := requireClaimContext(sess); err != nil {
			return reset(err)
		}
		n, ok := parseChoice(text, m.maxImages)
		if !ok {
			return invalid(imageCountPrompt(m.maxImages))
		}
		next.ResetBatch()
		next.Expected = n + 1
		next.BatchID = m.newID()
		next.State = models.StateWaitingForImages
		return save(next, sendImagesPrompt(next.Expected))

	case models.StateWaitingForImages:
		return invalid(remainingImages(sess))

	case models.StateWaitingForClaimChoice:
		if err := requireBatchResults(sess); err != nil {
			return reset(err)
		}
		target := appendTarget(sess)
		switch text {
		case "1":
			if target == "" {
				return invalid(claimChoicePrompt(sess))
			}
			next.State = models.StateCommitting
			return Outcome{
				Session: next,
				Op:      OpSave,
				Reply:   msgSavingClaim,
				Effect:  Effect{Kind: EffectCommit, BatchID: sess.BatchID, Mode: CommitAppend, Ref: target},
			}
		case "2":
			next.State = models.StateCommitting
			return Outcome{
				Session: next,
				Op:      OpSave,
				Reply:   msgSavingClaim,
				Effect:  Effect{Kind: EffectCommit, BatchID: sess.BatchID, Mode: CommitCreate},
			}
		}
		return invalid(claimChoicePrompt(sess))

	case models.StateWaitingForAddAnother:
		if sess.RecordRef == "" {
			return reset(fmt.Errorf("%w: add-another without a record", models.ErrSessionInvariant))
		}
		switch text {
		case "1":
			next.ResetBatch()
			next.State = models.StateWaitingForImageCount
			return save(next, imageCountPrompt(m.maxImages))
		case "2":
			return Outcome{Op: OpDelete, Reply: msgGoodbye}
		}
		return invalid(addAnotherPrompt())

	case models.StateWaitingForGRNUpload:
		return invalid(msgSendGRN)
	}
	return reset(fmt.Errorf("%w: no text rule for %s", models.ErrSessionInvariant, sess.State))
}

func (m *Machine) media(sess *models.Session, ev Event) Outcome {
	if !sess.State.AcceptsMedia() {
		return Outcome{Op: OpKeep, Reply: msgUnexpectedMedia}
	}
	if !SupportedMime(ev.MimeType) {
		return Outcome{Op: OpKeep, Reply: msgUnsupportedMedia, Err: models.ErrInvalidUserInput}
	}
	file := models.FileRef{MediaID: ev.MediaID, MimeType: ev.MimeType}
	next := sess.Clone()
	next.ReplyTo = ev.DeliveryID

	if sess.State == models.StateWaitingForGRNUpload {
		if !sess.HasEmployee() {
			return reset(fmt.Errorf("%w: grn upload without employee", models.ErrSessionInvariant))
		}
		next.ResetBatch()
		next.BatchID = m.newID()
		next.Expected, next.Received = 1, 1
		next.Files = []models.FileRef{file}
		next.State = models.StateProcessingGRN
		return Outcome{
			Session: next,
			Op:      OpSave,
			Reply:   msgProcessingGRN,
			Effect:  Effect{Kind: EffectProcessGRN, BatchID: next.BatchID, File: file},
		}
	}

	if err := requireClaimContext(sess); err != nil {
		return reset(err)
	}
	if sess.Expected <= 0 || sess.BatchID == "" || sess.Received >= sess.Expected {
		return reset(fmt.Errorf("%w: batch counters %d/%d", models.ErrSessionInvariant, sess.Received, sess.Expected))
	}
	next.Files = append(next.Files, file)
	next.Received++
	if next.Received < next.Expected {
		return save(next, receivedProgress(next.Received, next.Expected))
	}
	next.State = models.StateProcessingBatch
	return Outcome{
		Session: next,
		Op:      OpSave,
		Reply:   msgProcessingBatch,
		Effect:  Effect{Kind: EffectProcessBatch, BatchID: next.BatchID},
	}
}

// parseChoice reads a 1-based option number and returns its 0-based index.
func parseChoice(text string, options int) (int, bool) {
	n, err := strconv.Atoi(strings.TrimSpace(text))
	if err != nil || n < 1 || n > options {
		return 0, false
	}
	return n - 1, true
}

// canonicalServices drops duplicates and unknown values and orders CLAIM first.
func canonicalServices(in []models.Service) []models.Service {
	seen := make(map[models.Service]bool, len(in))
	var out []models.Service
	for _, s := range in {
		if s != models.ServiceClaim && s != models.ServiceGRN {
			continue
		}
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] == models.ServiceClaim && out[j] != models.ServiceClaim })
	return out
}

// appendTarget is the record a "1" choice appends to: the active record first,
// then the looked-up draft.
func appendTarget(sess *models.Session) string {
	if sess.RecordRef != "" {
		return sess.RecordRef
	}
	return sess.DraftRef
}

func requireClaimContext(sess *models.Session) error {
	if !sess.HasEmployee() {
		return fmt.Errorf("%w: employee context missing in %s", models.ErrSessionInvariant, sess.State)
	}
	if sess.Service != models.ServiceClaim || sess.EntityID == "" {
		return fmt.Errorf("%w: entity missing in %s", models.ErrSessionInvariant, sess.State)
	}
	return nil
}

func requireBatchResults(sess *models.Session) error {
	if err := requireClaimContext(sess); err != nil {
		return err
	}
	if sess.BatchID == "" || len(sess.Files) == 0 || len(sess.Bills) != len(sess.Files) {
		return fmt.Errorf("%w: batch results missing (%d files, %d bills)", models.ErrSessionInvariant, len(sess.Files), len(sess.Bills))
	}
	return nil
}

func save(sess *models.Session, reply string) Outcome {
	return Outcome{Session: sess, Op: OpSave, Reply: reply}
}

func invalid(reply string) Outcome {
	return Outcome{Op: OpKeep, Reply: "Invalid choice. " + reply, Err: models.ErrInvalidUserInput}
}

// Reset discards a session that can no longer be interpreted.
func (m *Machine) Reset(err error) Outcome {
	return reset(err)
}

func reset(err error) Outcome {
	return Outcome{Op: OpDelete, Reply: msgSessionReset, Err: err}
}
