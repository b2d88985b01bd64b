package recognition

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/cockroachdb/apd/v3"

	"github.com/khushsharma-rampinfotech/whatsapp-service/internal/models"
)

const systemPrompt = `You extract expense data from invoices.
Answer with a single JSON object and nothing else, using exactly these keys:
expense_type, expense_sub_type, merchant_name, invoice_number, from_date, to_date, amount, VAT.
Dates use DD/MM/YYYY. Amounts are plain numbers without currency symbols.
Use an empty string for anything you cannot find.`

var fencePattern = regexp.MustCompile("(?s)^```[a-zA-Z]*\\s*(.*?)\\s*```$")

// buildPrompt renders the user message for one document.
func buildPrompt(text string, mapping models.CategoryMapping) string {
	var b strings.Builder
	b.WriteString("Allowed expense types and their sub-types:\n")
	types := make([]string, 0, len(mapping))
	for t := range mapping {
		types = append(types, t)
	}
	sort.Strings(types)
	for _, t := range types {
		fmt.Fprintf(&b, "- %s: %s\n", t, strings.Join(mapping[t], ", "))
	}
	b.WriteString("Pick expense_type and expense_sub_type only from this list.\n\nInvoice text:\n")
	b.WriteString(text)
	return b.String()
}

// StripMarkdownFences removes a surrounding ``` block if the model added one.
func StripMarkdownFences(s string) string {
	s = strings.TrimSpace(s)
	if m := fencePattern.FindStringSubmatch(s); m != nil {
		return m[1]
	}
	return s
}

// ExtractJSON returns the outermost JSON object in s.
func ExtractJSON(s string) (string, error) {
	s = StripMarkdownFences(s)
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start < 0 || end <= start {
		return "", errors.New("no JSON object in model output")
	}
	return s[start : end+1], nil
}

// looseString accepts JSON strings, numbers and null.
type looseString string

func (l *looseString) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*l = ""
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*l = looseString(strings.TrimSpace(s))
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("unsupported value %s", string(data))
	}
	*l = looseString(n.String())
	return nil
}

type rawBill struct {
	ExpenseType    looseString `json:"expense_type"`
	ExpenseSubType looseString `json:"expense_sub_type"`
	MerchantName   looseString `json:"merchant_name"`
	InvoiceNumber  looseString `json:"invoice_number"`
	FromDate       looseString `json:"from_date"`
	ToDate         looseString `json:"to_date"`
	Amount         looseString `json:"amount"`
	VAT            looseString `json:"VAT"`
}

// ParseBill decodes model output into a bill, normalizing dates, amounts and
// categories. Categories outside mapping are dropped so the tenant default applies.
func ParseBill(output string, mapping models.CategoryMapping) (models.Bill, error) {
	raw, err := ExtractJSON(output)
	if err != nil {
		return models.Bill{}, err
	}
	var rb rawBill
	if err := json.Unmarshal([]byte(raw), &rb); err != nil {
		return models.Bill{}, fmt.Errorf("decode bill: %w", err)
	}

	bill := models.Bill{
		MerchantName:  string(rb.MerchantName),
		InvoiceNumber: string(rb.InvoiceNumber),
		FromDate:      NormalizeDate(string(rb.FromDate)),
		ToDate:        NormalizeDate(string(rb.ToDate)),
		Amount:        NormalizeAmount(string(rb.Amount)),
		VAT:           NormalizeAmount(string(rb.VAT)),
	}
	if bill.ToDate == "" {
		bill.ToDate = bill.FromDate
	}
	bill.ExpenseType, bill.ExpenseSubType = matchCategory(mapping, string(rb.ExpenseType), string(rb.ExpenseSubType))
	return bill, nil
}

func matchCategory(mapping models.CategoryMapping, category, sub string) (string, string) {
	for t, subs := range mapping {
		if !strings.EqualFold(t, category) {
			continue
		}
		for _, s := range subs {
			if strings.EqualFold(s, sub) {
				return t, s
			}
		}
		return t, ""
	}
	return "", ""
}

// NormalizeDate converts DD/MM/YYYY or YYYY-MM-DD to YYYY-MM-DD. Anything else
// becomes empty.
func NormalizeDate(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	layout := "2006-01-02"
	if strings.Contains(s, "/") {
		layout = "02/01/2006"
	}
	t, err := time.Parse(layout, s)
	if err != nil {
		return ""
	}
	return t.Format("2006-01-02")
}

var amountNoise = strings.NewReplacer(",", "", " ", "", "\u00a0", "")

// NormalizeAmount keeps the decimal digits of an amount, dropping thousands
// separators and a leading currency code or symbol.
func NormalizeAmount(s string) string {
	s = amountNoise.Replace(strings.TrimSpace(s))
	s = strings.TrimLeftFunc(s, func(r rune) bool {
		return !(r >= '0' && r <= '9') && r != '-' && r != '.'
	})
	if s == "" {
		return ""
	}
	d, _, err := apd.NewFromString(s)
	if err != nil || d.Form != apd.Finite {
		return ""
	}
	return d.Text('f')
}
