package models

import "time"

// FileRef points at one captured document of a batch.
type FileRef struct {
	MediaID  string `json:"media_id"`
	MimeType string `json:"mime_type"`
	// Path is set once the media has been copied into temporary storage.
	Path string `json:"path,omitempty"`
}

// Bill holds the fields recognized on one captured document.
// Amounts stay as decimal strings until the commit computes totals.
type Bill struct {
	ExpenseType    string `json:"expense_type"`
	ExpenseSubType string `json:"expense_sub_type"`
	MerchantName   string `json:"merchant_name"`
	InvoiceNumber  string `json:"invoice_number"`
	FromDate       string `json:"from_date"`
	ToDate         string `json:"to_date"`
	Amount         string `json:"amount"`
	VAT            string `json:"VAT"`
}

// Empty reports whether recognition produced nothing usable.
func (b Bill) Empty() bool {
	return b == Bill{}
}

// Session is the per-user conversational state. Every field is always present;
// zero values mean "unset".
type Session struct {
	User    string `json:"user"`
	State   State  `json:"state"`
	Version int64  `json:"version"`

	Services   []Service `json:"services"`
	Service    Service   `json:"service"`
	EmployeeID int64     `json:"employee_id"`
	Tenant     string    `json:"tenant"`
	Entities   []Entity  `json:"entities"`
	EntityID   string    `json:"entity_id"`

	Expected int       `json:"expected"`
	Received int       `json:"received"`
	BatchID  string    `json:"batch_id"`
	Files    []FileRef `json:"files"`
	Bills    []Bill    `json:"bills"`

	DraftRef  string `json:"draft_ref"`
	RecordRef string `json:"record_ref"`

	// ReplyTo is the inbound message id replies from background tasks quote.
	ReplyTo   string    `json:"reply_to"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewSession returns an empty session for user.
func NewSession(user string) *Session {
	return &Session{User: user}
}

// Clone returns a deep copy so callers can mutate without aliasing stored state.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	c := *s
	c.Services = append([]Service(nil), s.Services...)
	c.Entities = append([]Entity(nil), s.Entities...)
	c.Files = append([]FileRef(nil), s.Files...)
	c.Bills = append([]Bill(nil), s.Bills...)
	return &c
}

// ResetBatch clears the current batch while keeping the record reference.
func (s *Session) ResetBatch() {
	s.Expected = 0
	s.Received = 0
	s.BatchID = ""
	s.Files = nil
	s.Bills = nil
}

// HasEmployee reports whether identity context was resolved.
func (s *Session) HasEmployee() bool {
	return s.EmployeeID > 0 && s.Tenant != ""
}

// EntityName returns the display name of the selected entity.
func (s *Session) EntityName() string {
	for _, e := range s.Entities {
		if e.ID == s.EntityID {
			return e.Name
		}
	}
	return s.EntityID
}
