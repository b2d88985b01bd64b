package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/khushsharma-rampinfotech/whatsapp-service/internal/backoffice"
	"github.com/khushsharma-rampinfotech/whatsapp-service/internal/flow"
	"github.com/khushsharma-rampinfotech/whatsapp-service/internal/grn"
	"github.com/khushsharma-rampinfotech/whatsapp-service/internal/models"
	"github.com/khushsharma-rampinfotech/whatsapp-service/internal/recognition"
	"github.com/khushsharma-rampinfotech/whatsapp-service/internal/session"
	"github.com/khushsharma-rampinfotech/whatsapp-service/internal/worker"
)

const user = "919876543210"

type fakeNotifier struct {
	mu      sync.Mutex
	replies []string
}

func (n *fakeNotifier) Reply(_ context.Context, to, text, _ string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.replies = append(n.replies, text)
	return nil
}

func (n *fakeNotifier) all() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.replies...)
}

func (n *fakeNotifier) last() string {
	all := n.all()
	if len(all) == 0 {
		return ""
	}
	return all[len(all)-1]
}

func (n *fakeNotifier) count(substr string) int {
	c := 0
	for _, r := range n.all() {
		if strings.Contains(r, substr) {
			c++
		}
	}
	return c
}

type fakeDirectory struct {
	mu       sync.Mutex
	employee *models.Employee
	services []models.Service
	entities []models.Entity
	mapping  models.CategoryMapping
	draft    string
	err      error
}

func (d *fakeDirectory) fail() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.err
}

func (d *fakeDirectory) ResolveUser(context.Context, string) (*models.Employee, error) {
	if err := d.fail(); err != nil {
		return nil, err
	}
	return d.employee, nil
}

func (d *fakeDirectory) ServicesFor(context.Context, string) ([]models.Service, error) {
	return d.services, d.fail()
}

func (d *fakeDirectory) EntitiesFor(context.Context, int64, string) ([]models.Entity, error) {
	return d.entities, d.fail()
}

func (d *fakeDirectory) MappingFor(context.Context, string) (models.CategoryMapping, error) {
	return d.mapping, d.fail()
}

func (d *fakeDirectory) ResolveIDs(_ context.Context, _, category, sub string) (*models.CategoryIDs, error) {
	if category == "" {
		return &models.CategoryIDs{TypeID: 1, SubTypeID: 10}, nil
	}
	typeID := int64(0)
	for name, subs := range d.mapping {
		typeID++
		if name != category {
			continue
		}
		for i, s := range subs {
			if s == sub || sub == "" {
				return &models.CategoryIDs{TypeID: typeID, SubTypeID: typeID*10 + int64(i)}, nil
			}
		}
	}
	return nil, nil
}

func (d *fakeDirectory) LatestDraftFor(context.Context, int64, string, string) (string, error) {
	return d.draft, d.fail()
}

type fakeFetcher struct {
	mu    sync.Mutex
	calls int
}

func (f *fakeFetcher) Fetch(_ context.Context, mediaID string) (io.ReadCloser, string, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	return io.NopCloser(strings.NewReader("content-of-" + mediaID)), "image/jpeg", nil
}

func (f *fakeFetcher) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeMedia struct {
	mu       sync.Mutex
	files    map[string][]byte
	released []models.FileRef
}

func newFakeMedia() *fakeMedia {
	return &fakeMedia{files: make(map[string][]byte)}
}

func (m *fakeMedia) Save(_ context.Context, user, mediaID, declaredMime string, content []byte) (models.FileRef, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := user + "/" + mediaID + ".jpg"
	m.files[key] = content
	return models.FileRef{MediaID: mediaID, MimeType: declaredMime, Path: key}, nil
}

func (m *fakeMedia) Open(ctx context.Context, ref models.FileRef) (io.ReadCloser, error) {
	content, err := m.Read(ctx, ref)
	if err != nil {
		return nil, err
	}
	return io.NopCloser(strings.NewReader(string(content))), nil
}

func (m *fakeMedia) Read(_ context.Context, ref models.FileRef) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	content, ok := m.files[ref.Path]
	if !ok {
		return nil, fmt.Errorf("no file %s", ref.Path)
	}
	return content, nil
}

func (m *fakeMedia) Release(_ context.Context, refs []models.FileRef) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, ref := range refs {
		if ref.Path == "" {
			continue
		}
		delete(m.files, ref.Path)
		m.released = append(m.released, ref)
	}
}

func (m *fakeMedia) held() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.files)
}

type fakeRecognizer struct {
	mu    sync.Mutex
	bills map[string]models.Bill
	// block makes Extract wait for ctx to end.
	block bool
}

func (r *fakeRecognizer) Extract(ctx context.Context, doc recognition.Document, _ models.CategoryMapping) (models.Bill, error) {
	r.mu.Lock()
	block := r.block
	bill, ok := r.bills[strings.TrimSuffix(doc.Name, ".jpg")]
	r.mu.Unlock()
	if block {
		<-ctx.Done()
		return models.Bill{}, ctx.Err()
	}
	if !ok {
		return models.Bill{}, fmt.Errorf("%s: %w", doc.Name, models.ErrPartialExtraction)
	}
	return bill, nil
}

type fakeBackoffice struct {
	mu          sync.Mutex
	claims      []backoffice.ClaimRequest
	appendRefs  []string
	attached    map[string]int
	nextRef     string
	createErr   error
	attachErr   error
	credentials int
}

func (b *fakeBackoffice) Login(context.Context, string) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.credentials++
	return fmt.Sprintf("cred-%d", b.credentials), nil
}

func (b *fakeBackoffice) CreateOrAppend(_ context.Context, _ string, recordRef string, claim backoffice.ClaimRequest) (*backoffice.ClaimResult, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.createErr != nil {
		return nil, b.createErr
	}
	b.claims = append(b.claims, claim)
	b.appendRefs = append(b.appendRefs, recordRef)
	ref := recordRef
	if ref == "" {
		ref = b.nextRef
	}
	res := &backoffice.ClaimResult{RecordRef: ref}
	for i := range claim.Bills {
		res.LineItemRefs = append(res.LineItemRefs, fmt.Sprintf("%s-B%d", ref, i+1))
	}
	return res, nil
}

func (b *fakeBackoffice) Attach(ctx context.Context, _ string, _ string, lineItemRef string, files []backoffice.Attachment) error {
	for _, f := range files {
		rc, err := f.Open(ctx)
		if err != nil {
			return err
		}
		rc.Close()
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.attachErr != nil {
		return b.attachErr
	}
	if b.attached == nil {
		b.attached = make(map[string]int)
	}
	b.attached[lineItemRef] += len(files)
	return nil
}

func (b *fakeBackoffice) snapshot() ([]backoffice.ClaimRequest, []string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]backoffice.ClaimRequest(nil), b.claims...), append([]string(nil), b.appendRefs...)
}

type fakeGRN struct {
	res  *grn.Result
	err  error
	seen []string
}

func (g *fakeGRN) Extract(_ context.Context, name string, content io.Reader) (*grn.Result, error) {
	body, _ := io.ReadAll(content)
	g.seen = append(g.seen, name+":"+string(body))
	return g.res, g.err
}

// countingStore counts writes reaching the store. It can fail one Put.
type countingStore struct {
	session.Store
	mu      sync.Mutex
	writes  int
	failIn  models.State
	putErrs int
}

var errStoreDown = errors.New("store unavailable")

// failPutOnce makes the next Put of a session in state fail.
func (s *countingStore) failPutOnce(state models.State) {
	s.mu.Lock()
	s.failIn = state
	s.mu.Unlock()
}

func (s *countingStore) putErr(sess *models.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failIn == "" || sess.State != s.failIn {
		return nil
	}
	s.failIn = ""
	s.putErrs++
	return errStoreDown
}

func (s *countingStore) bump() {
	s.mu.Lock()
	s.writes++
	s.mu.Unlock()
}

func (s *countingStore) Put(ctx context.Context, sess *models.Session, ttl time.Duration) error {
	s.bump()
	if err := s.putErr(sess); err != nil {
		return err
	}
	return s.Store.Put(ctx, sess, ttl)
}

func (s *countingStore) Delete(ctx context.Context, u string) error {
	s.bump()
	return s.Store.Delete(ctx, u)
}

func (s *countingStore) CompareAndDelete(ctx context.Context, u string, version int64) error {
	s.bump()
	return s.Store.CompareAndDelete(ctx, u, version)
}

func (s *countingStore) DeleteAll(ctx context.Context, u string) error {
	s.bump()
	return s.Store.DeleteAll(ctx, u)
}

func (s *countingStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writes
}

type harness struct {
	engine     *Engine
	store      *countingStore
	notifier   *fakeNotifier
	directory  *fakeDirectory
	fetcher    *fakeFetcher
	media      *fakeMedia
	recognizer *fakeRecognizer
	backoffice *fakeBackoffice
	grn        *fakeGRN
}

func newHarness(t *testing.T, mutate ...func(*Options)) *harness {
	t.Helper()
	h := &harness{
		store:    &countingStore{Store: session.NewMemoryStore()},
		notifier: &fakeNotifier{},
		directory: &fakeDirectory{
			employee: &models.Employee{ID: 42, Tenant: "acme"},
			services: []models.Service{models.ServiceClaim, models.ServiceGRN},
			entities: []models.Entity{{ID: "EN0001", Name: "Acme LLC"}},
			mapping:  models.CategoryMapping{"Travel": {"Taxi"}, "Meals": {"Client Lunch"}},
		},
		fetcher: &fakeFetcher{},
		media:   newFakeMedia(),
		recognizer: &fakeRecognizer{bills: map[string]models.Bill{
			"m1": {ExpenseType: "Travel", ExpenseSubType: "Taxi", Amount: "12.50", VAT: "0.60", FromDate: "2025-03-01", ToDate: "2025-03-01"},
			"m2": {ExpenseType: "Meals", ExpenseSubType: "Client Lunch", Amount: "7.25"},
			"m3": {Amount: "3.10"},
		}},
		backoffice: &fakeBackoffice{nextRef: "CLM-100"},
		grn:        &fakeGRN{res: &grn.Result{SharepointURL: "https://sp/doc", DatabaseStatus: "Success"}},
	}

	seq := 0
	var idMu sync.Mutex
	opts := Options{
		SessionTTL:    15 * time.Minute,
		MaxImages:     10,
		BatchTimeout:  5 * time.Second,
		CommitTimeout: 5 * time.Second,
		GRNTimeout:    5 * time.Second,
		Concurrency:   2,
		NewID: func() string {
			idMu.Lock()
			defer idMu.Unlock()
			seq++
			return fmt.Sprintf("batch-%d", seq)
		},
	}
	for _, m := range mutate {
		m(&opts)
	}
	h.engine = New(Deps{
		Store:      h.store,
		Runner:     worker.NewTaskRunner(),
		Notifier:   h.notifier,
		Directory:  h.directory,
		Fetcher:    h.fetcher,
		Media:      h.media,
		Recognizer: h.recognizer,
		Backoffice: h.backoffice,
		GRN:        h.grn,
	}, opts)
	return h
}

func (h *harness) start(t *testing.T) {
	t.Helper()
	require.NoError(t, h.engine.Handle(context.Background(), flow.Event{User: user, Kind: flow.EventFlowStart, Text: "hi"}))
}

func (h *harness) text(t *testing.T, text string) {
	t.Helper()
	require.NoError(t, h.engine.Handle(context.Background(), flow.Event{User: user, Kind: flow.EventText, Text: text}))
}

func (h *harness) mediaEvent(t *testing.T, mediaID string) {
	t.Helper()
	require.NoError(t, h.engine.Handle(context.Background(), flow.Event{
		User: user, Kind: flow.EventMedia, MediaID: mediaID, MimeType: "image/jpeg",
	}))
}

func (h *harness) wait(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, h.engine.Runner.Wait(ctx))
}

func (h *harness) session(t *testing.T) *models.Session {
	t.Helper()
	sess, err := h.store.Get(context.Background(), user)
	if errors.Is(err, session.ErrNotFound) {
		return nil
	}
	require.NoError(t, err)
	return sess
}
