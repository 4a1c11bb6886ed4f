package schema

import (
	"fmt"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/shopspring/decimal"
)

// Entry types shared by records and categories.
const (
	TypeIncome  = "income"
	TypeExpense = "expense"
)

// Reminder repeat rules.
const (
	RepeatNone    = "none"
	RepeatDaily   = "daily"
	RepeatWeekly  = "weekly"
	RepeatMonthly = "monthly"
	RepeatYearly  = "yearly"
)

// Record is an income or expense entry.
type Record struct {
	ID          string          `json:"id,omitempty"`
	Type        string          `json:"type"` // income, expense
	Category    string          `json:"category"`
	Amount      decimal.Decimal `json:"amount"`
	Date        string          `json:"date"` // YYYY-MM-DD
	Description string          `json:"description,omitempty"`
	BelieverID  string          `json:"believerId,omitempty"`
	CreatedAt   time.Time       `json:"createdAt"`
	UpdatedAt   time.Time       `json:"updatedAt"`
}

// Validate checks user-supplied fields. Timestamps are assigned by the store.
func (r *Record) Validate() error {
	if err := validateType(r.Type); err != nil {
		return err
	}
	if strings.TrimSpace(r.Category) == "" {
		return fmt.Errorf("category is required")
	}
	if r.Amount.IsNegative() {
		return fmt.Errorf("amount must not be negative (got %s)", r.Amount)
	}
	if _, err := time.Parse(DateLayout, r.Date); err != nil {
		return fmt.Errorf("date must be YYYY-MM-DD (got %q)", r.Date)
	}
	return nil
}

// ToDocument converts the record to a storable document.
func (r *Record) ToDocument() Document {
	doc := Document{
		"type":     r.Type,
		"category": r.Category,
		"amount":   Number(r.Amount),
		"date":     r.Date,
	}
	if r.Description != "" {
		doc["description"] = r.Description
	}
	if r.BelieverID != "" {
		doc["believerId"] = r.BelieverID
	}
	putCommon(doc, r.ID, r.CreatedAt, r.UpdatedAt)
	return doc
}

// RecordFromDocument is the inverse of ToDocument.
func RecordFromDocument(doc Document) (*Record, error) {
	var r Record
	if err := decodeInto(doc, &r); err != nil {
		return nil, fmt.Errorf("invalid record %s: %w", doc.ID(), err)
	}
	r.ID = doc.ID()
	return &r, nil
}

// Believer is a donor or member of the temple.
type Believer struct {
	ID            string          `json:"id,omitempty"`
	Name          string          `json:"name"`
	Phone         string          `json:"phone,omitempty"`
	Email         string          `json:"email,omitempty"`
	Address       string          `json:"address,omitempty"`
	TotalDonation decimal.Decimal `json:"totalDonation"`
	Notes         string          `json:"notes,omitempty"`
	CreatedAt     time.Time       `json:"createdAt"`
	UpdatedAt     time.Time       `json:"updatedAt"`
}

// Validate checks user-supplied fields.
func (b *Believer) Validate() error {
	if strings.TrimSpace(b.Name) == "" {
		return fmt.Errorf("name is required")
	}
	if b.Email != "" && !strings.Contains(b.Email, "@") {
		return fmt.Errorf("email %q is not valid", b.Email)
	}
	if b.TotalDonation.IsNegative() {
		return fmt.Errorf("totalDonation must not be negative (got %s)", b.TotalDonation)
	}
	return nil
}

// ToDocument converts the believer to a storable document.
func (b *Believer) ToDocument() Document {
	doc := Document{
		"name":          b.Name,
		"totalDonation": Number(b.TotalDonation),
	}
	optional(doc, "phone", b.Phone)
	optional(doc, "email", b.Email)
	optional(doc, "address", b.Address)
	optional(doc, "notes", b.Notes)
	putCommon(doc, b.ID, b.CreatedAt, b.UpdatedAt)
	return doc
}

// BelieverFromDocument is the inverse of ToDocument.
func BelieverFromDocument(doc Document) (*Believer, error) {
	var b Believer
	if err := decodeInto(doc, &b); err != nil {
		return nil, fmt.Errorf("invalid believer %s: %w", doc.ID(), err)
	}
	b.ID = doc.ID()
	return &b, nil
}

// Reminder is a dated task such as a festival or a renewal.
type Reminder struct {
	ID        string    `json:"id,omitempty"`
	Title     string    `json:"title"`
	DueDate   string    `json:"dueDate"` // YYYY-MM-DD
	Completed bool      `json:"completed"`
	Repeat    string    `json:"repeat"`
	Notes     string    `json:"notes,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Validate checks user-supplied fields.
func (r *Reminder) Validate() error {
	if strings.TrimSpace(r.Title) == "" {
		return fmt.Errorf("title is required")
	}
	if _, err := time.Parse(DateLayout, r.DueDate); err != nil {
		return fmt.Errorf("dueDate must be YYYY-MM-DD (got %q)", r.DueDate)
	}
	switch r.Repeat {
	case "", RepeatNone, RepeatDaily, RepeatWeekly, RepeatMonthly, RepeatYearly:
	default:
		return fmt.Errorf("invalid repeat %q", r.Repeat)
	}
	return nil
}

// ToDocument converts the reminder to a storable document.
func (r *Reminder) ToDocument() Document {
	repeat := r.Repeat
	if repeat == "" {
		repeat = RepeatNone
	}
	doc := Document{
		"title":     r.Title,
		"dueDate":   r.DueDate,
		"completed": r.Completed,
		"repeat":    repeat,
	}
	optional(doc, "notes", r.Notes)
	putCommon(doc, r.ID, r.CreatedAt, r.UpdatedAt)
	return doc
}

// ReminderFromDocument is the inverse of ToDocument.
func ReminderFromDocument(doc Document) (*Reminder, error) {
	var r Reminder
	if err := decodeInto(doc, &r); err != nil {
		return nil, fmt.Errorf("invalid reminder %s: %w", doc.ID(), err)
	}
	r.ID = doc.ID()
	return &r, nil
}

// Category is a custom income or expense category.
type Category struct {
	ID   string `json:"id,omitempty"`
	Type string `json:"type"`
	Name string `json:"name"`
}

// Validate checks user-supplied fields.
func (c *Category) Validate() error {
	if err := validateType(c.Type); err != nil {
		return err
	}
	if strings.TrimSpace(c.Name) == "" {
		return fmt.Errorf("name is required")
	}
	return nil
}

// ToDocument converts the category to a storable document.
func (c *Category) ToDocument() Document {
	doc := Document{"type": c.Type, "name": c.Name}
	if c.ID != "" {
		doc.SetID(c.ID)
	}
	return doc
}

func validateType(typ string) error {
	switch typ {
	case TypeIncome, TypeExpense:
		return nil
	case "":
		return fmt.Errorf("type is required")
	default:
		return fmt.Errorf("type must be %s or %s (got %q)", TypeIncome, TypeExpense, typ)
	}
}

func putCommon(doc Document, id string, createdAt, updatedAt time.Time) {
	if id != "" {
		doc.SetID(id)
	}
	if !createdAt.IsZero() {
		doc[FieldCreatedAt] = FormatTime(createdAt)
	}
	if !updatedAt.IsZero() {
		doc[FieldUpdatedAt] = FormatTime(updatedAt)
	}
}

func optional(doc Document, field, value string) {
	if value != "" {
		doc[field] = value
	}
}

// decodeInto maps a document onto a typed entity. Numeric ids are dropped
// before decoding since the typed structs carry string ids.
func decodeInto(doc Document, v any) error {
	clean := make(Document, len(doc))
	for k, val := range doc {
		clean[k] = val
	}
	delete(clean, FieldID)
	data, err := json.Marshal(clean)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}
