package main

import (
	"bytes"
	"context"
	"io"
	"path/filepath"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/templeledger/templeledger/internal/ledger/db"
	"github.com/templeledger/templeledger/internal/ledger/remote"
	"github.com/templeledger/templeledger/internal/ledger/schema"
)

func setupTestDB(t *testing.T) *db.DB {
	t.Helper()
	opts := db.DefaultOptions()
	opts.Logger = log.New(io.Discard)
	store, _, err := db.OpenWithRetry(context.Background(), filepath.Join(t.TempDir(), "ledger.db"), opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestParseConditions(t *testing.T) {
	tests := []struct {
		name    string
		args    []string
		want    db.Conditions
		wantErr bool
	}{
		{"equals", []string{"type=income"}, db.Conditions{"type": db.Equals("income")}, false},
		{"bool", []string{"completed=false"}, db.Conditions{"completed": db.Equals(false)}, false},
		{"open range", []string{"amount=100.."}, db.Conditions{"amount": db.Between("100", nil)}, false},
		{"closed range", []string{"date=2026-10-01..2026-10-31"}, db.Conditions{"date": db.Between("2026-10-01", "2026-10-31")}, false},
		{"includes", []string{"name~chen"}, db.Conditions{"name": db.Includes("chen")}, false},
		{"tilde in value", []string{"notes=a~b"}, db.Conditions{"notes": db.Equals("a~b")}, false},
		{"no operator", []string{"amount"}, nil, true},
		{"empty range", []string{"amount=.."}, nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseConditions(tt.args)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestSnapshotFormats(t *testing.T) {
	store := setupTestDB(t)
	ctx := context.Background()
	_, err := store.Add(ctx, schema.Records, schema.Document{"id": "1", "type": "income", "amount": 100.5, "date": "2026-10-01"})
	require.NoError(t, err)
	_, err = store.Add(ctx, schema.Believers, schema.Document{"id": "7", "name": "Lin", "totalDonation": 300})
	require.NoError(t, err)

	snap, err := store.ExportAllData(ctx)
	require.NoError(t, err)

	for _, format := range []string{"json", "yaml"} {
		t.Run(format, func(t *testing.T) {
			var buf bytes.Buffer
			require.NoError(t, encodeSnapshot(&buf, snap, format))

			back, err := decodeSnapshot(buf.Bytes(), format)
			require.NoError(t, err)
			require.Len(t, back.Collections[schema.Records], 1)
			rec := back.Collections[schema.Records][0]
			assert.Equal(t, "100.5", rec.Key("amount"))
			assert.Equal(t, "2026-10-01", rec.String("date"))
			assert.Equal(t, "300", back.Collections[schema.Believers][0].Key("totalDonation"))

			target := setupTestDB(t)
			n, err := target.ImportData(ctx, back)
			require.NoError(t, err)
			assert.Equal(t, 2, n)
		})
	}

	assert.Error(t, encodeSnapshot(io.Discard, snap, "xml"))
}

func TestFormatFor(t *testing.T) {
	assert.Equal(t, "yaml", formatFor("ledger.YML"))
	assert.Equal(t, "yaml", formatFor("/tmp/ledger.yaml"))
	assert.Equal(t, "json", formatFor("ledger.json"))
	assert.Equal(t, "json", formatFor("ledger"))
}

func TestSettingsSessions(t *testing.T) {
	store := setupTestDB(t)
	ctx := context.Background()
	sessions := &settingsSessions{store: store}

	s, err := sessions.LoadSession(ctx)
	require.NoError(t, err)
	assert.Nil(t, s)

	want := &remote.Session{
		Token:     "tok",
		User:      &remote.User{ID: "u1", Email: "monk@temple.example"},
		ExpiresAt: time.Date(2026, 11, 1, 0, 0, 0, 0, time.UTC),
	}
	require.NoError(t, sessions.SaveSession(ctx, want))

	got, err := sessions.LoadSession(ctx)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, want.Token, got.Token)
	assert.Equal(t, want.User.Email, got.User.Email)
	assert.True(t, want.ExpiresAt.Equal(got.ExpiresAt))

	n, err := store.CountPending(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "the session is never uploaded")

	require.NoError(t, sessions.ClearSession(ctx))
	s, err = sessions.LoadSession(ctx)
	require.NoError(t, err)
	assert.Nil(t, s)
}

func TestSingular(t *testing.T) {
	assert.Equal(t, "record", singular(schema.Records))
	assert.Equal(t, "believer", singular(schema.Believers))
	assert.Equal(t, "category", singular(schema.Categories))
}
