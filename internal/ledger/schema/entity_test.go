package schema

import (
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestRecord_Validate(t *testing.T) {
	tests := []struct {
		name    string
		record  Record
		wantErr bool
		errMsg  string
	}{
		{
			name: "valid income",
			record: Record{
				Type:     TypeIncome,
				Category: "香油錢",
				Amount:   decimal.NewFromInt(100),
				Date:     "2026-10-01",
			},
		},
		{
			name: "missing type",
			record: Record{
				Category: "香油錢",
				Amount:   decimal.NewFromInt(100),
				Date:     "2026-10-01",
			},
			wantErr: true,
			errMsg:  "type is required",
		},
		{
			name: "unknown type",
			record: Record{
				Type:     "transfer",
				Category: "misc",
				Date:     "2026-10-01",
			},
			wantErr: true,
			errMsg:  "type must be income or expense",
		},
		{
			name: "missing category",
			record: Record{
				Type: TypeExpense,
				Date: "2026-10-01",
			},
			wantErr: true,
			errMsg:  "category is required",
		},
		{
			name: "negative amount",
			record: Record{
				Type:     TypeExpense,
				Category: "utilities",
				Amount:   decimal.NewFromInt(-5),
				Date:     "2026-10-01",
			},
			wantErr: true,
			errMsg:  "amount must not be negative",
		},
		{
			name: "bad date",
			record: Record{
				Type:     TypeExpense,
				Category: "utilities",
				Date:     "10/01/2026",
			},
			wantErr: true,
			errMsg:  "date must be YYYY-MM-DD",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.record.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr && !strings.Contains(err.Error(), tt.errMsg) {
				t.Errorf("Validate() error = %q, want substring %q", err.Error(), tt.errMsg)
			}
		})
	}
}

func TestRecord_DocumentRoundTrip(t *testing.T) {
	created := time.Date(2026, 10, 1, 8, 30, 0, 0, time.UTC)
	r := &Record{
		ID:          "r-1",
		Type:        TypeIncome,
		Category:    "光明燈",
		Amount:      decimal.RequireFromString("1200.50"),
		Date:        "2026-10-01",
		Description: "annual lamp",
		CreatedAt:   created,
		UpdatedAt:   created,
	}

	doc := r.ToDocument()
	if doc.ID() != "r-1" {
		t.Fatalf("ID() = %q, want r-1", doc.ID())
	}
	if got := doc.String(FieldCreatedAt); got != "2026-10-01T08:30:00.000000000Z" {
		t.Errorf("createdAt = %q", got)
	}

	// Re-decode through JSON the way the store does.
	data, err := doc.Encode()
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	if strings.Contains(string(data), `"1200.5"`) {
		t.Errorf("amount encoded as string: %s", data)
	}
	stored, err := DecodeDocument(data)
	if err != nil {
		t.Fatalf("DecodeDocument() error = %v", err)
	}

	back, err := RecordFromDocument(stored)
	if err != nil {
		t.Fatalf("RecordFromDocument() error = %v", err)
	}
	if !back.Amount.Equal(r.Amount) {
		t.Errorf("Amount = %s, want %s", back.Amount, r.Amount)
	}
	if back.Category != r.Category || back.Description != r.Description {
		t.Errorf("round trip mismatch: %+v", back)
	}
	if !back.CreatedAt.Equal(created) {
		t.Errorf("CreatedAt = %v, want %v", back.CreatedAt, created)
	}
}

func TestRecordFromDocument_NumericID(t *testing.T) {
	doc, err := DecodeDocument([]byte(`{"id": 42, "type": "income", "category": "c", "amount": "15", "date": "2026-01-02"}`))
	if err != nil {
		t.Fatal(err)
	}
	r, err := RecordFromDocument(doc)
	if err != nil {
		t.Fatalf("RecordFromDocument() error = %v", err)
	}
	if r.ID != "42" {
		t.Errorf("ID = %q, want 42", r.ID)
	}
	if !r.Amount.Equal(decimal.NewFromInt(15)) {
		t.Errorf("Amount = %s, want 15", r.Amount)
	}
}

func TestBeliever_Validate(t *testing.T) {
	tests := []struct {
		name     string
		believer Believer
		wantErr  bool
	}{
		{name: "valid", believer: Believer{Name: "林信徒", Email: "lin@example.com"}},
		{name: "missing name", believer: Believer{Phone: "0912"}, wantErr: true},
		{name: "bad email", believer: Believer{Name: "x", Email: "nope"}, wantErr: true},
		{name: "negative donation", believer: Believer{Name: "x", TotalDonation: decimal.NewFromInt(-1)}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.believer.Validate(); (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestReminder_ToDocumentDefaultsRepeat(t *testing.T) {
	r := &Reminder{Title: "中元普渡", DueDate: "2026-08-20"}
	if err := r.Validate(); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	doc := r.ToDocument()
	if doc["repeat"] != RepeatNone {
		t.Errorf("repeat = %v, want %q", doc["repeat"], RepeatNone)
	}
	if doc["completed"] != false {
		t.Errorf("completed = %v, want false", doc["completed"])
	}

	bad := &Reminder{Title: "x", DueDate: "2026-08-20", Repeat: "hourly"}
	if err := bad.Validate(); err == nil {
		t.Error("Validate() accepted repeat=hourly")
	}
}

func TestQueueItemFromDocument(t *testing.T) {
	doc, err := DecodeDocument([]byte(`{"id":"01J","action":"update","table":"believers","data":{"id":"7","name":"x"},"timestamp":1700000000000,"synced":false}`))
	if err != nil {
		t.Fatal(err)
	}
	item, err := QueueItemFromDocument(doc)
	if err != nil {
		t.Fatalf("QueueItemFromDocument() error = %v", err)
	}
	if item.Action != ActionUpdate || item.Table != Believers {
		t.Errorf("got action=%s table=%s", item.Action, item.Table)
	}
	if item.EntityID() != "7" {
		t.Errorf("EntityID() = %q, want 7", item.EntityID())
	}
	if item.Time().UnixMilli() != 1700000000000 {
		t.Errorf("Time() = %v", item.Time())
	}
}
