package main

import (
	"context"
	"fmt"

	"github.com/goccy/go-json"

	"github.com/templeledger/templeledger/internal/ledger/db"
	"github.com/templeledger/templeledger/internal/ledger/remote"
	"github.com/templeledger/templeledger/internal/ledger/schema"
)

const settingSession = "session"

// settingsSessions keeps the remote session in the local settings
// collection so a login survives between runs.
type settingsSessions struct {
	store *db.DB
}

var _ remote.SessionStore = (*settingsSessions)(nil)

func (s *settingsSessions) LoadSession(ctx context.Context) (*remote.Session, error) {
	doc, err := s.store.GetSetting(ctx, settingSession)
	if err != nil || doc == nil {
		return nil, err
	}
	raw, ok := doc["value"].(string)
	if !ok {
		return nil, nil
	}
	var session remote.Session
	if err := json.Unmarshal([]byte(raw), &session); err != nil {
		return nil, fmt.Errorf("corrupt saved session: %w", err)
	}
	return &session, nil
}

func (s *settingsSessions) SaveSession(ctx context.Context, session *remote.Session) error {
	data, err := json.Marshal(session)
	if err != nil {
		return err
	}
	return s.store.PutSetting(ctx, settingSession, schema.Document{"value": string(data)})
}

func (s *settingsSessions) ClearSession(ctx context.Context) error {
	return s.store.DeleteSetting(ctx, settingSession)
}
