package models

// Service is a product a user may be entitled to use over the channel.
type Service string

const (
	ServiceClaim Service = "CLAIM"
	ServiceGRN   Service = "GRN"
)

// Label is the human readable option text for the service menu.
func (s Service) Label() string {
	switch s {
	case ServiceClaim:
		return "Claim Reimbursement"
	case ServiceGRN:
		return "GRN"
	default:
		return string(s)
	}
}

// Employee is the organizational identity behind a phone number.
type Employee struct {
	ID     int64  `json:"id"`
	Tenant string `json:"tenant"`
}

// Entity is a legal entity an employee can file claims against.
type Entity struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// CategoryMapping maps expense types to their allowed sub-types.
type CategoryMapping map[string][]string

// CategoryIDs are the back-office identifiers of an expense type/sub-type pair.
type CategoryIDs struct {
	TypeID    int64 `json:"expense_type_id"`
	SubTypeID int64 `json:"expense_sub_type_id"`
}
