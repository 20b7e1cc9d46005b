package main

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/bellujrb/hackathon-onco/internal/models"
	"github.com/bellujrb/hackathon-onco/internal/session"
)

// seedSessions writes a session table with one live and one expired row
// and returns a config file pointing at it.
func seedSessions(t *testing.T) (configPath, sessionsPath string) {
	t.Helper()
	sessionsPath = filepath.Join(t.TempDir(), "sessions.json")
	p, err := session.NewFilePersister(sessionsPath)
	if err != nil {
		t.Fatal(err)
	}
	now := time.Now()
	rows := []models.Session{
		{ID: "live-token", OwnerID: "5511911112222@s.whatsapp.net", CreatedAt: now, ExpiresAt: now.Add(24 * time.Hour)},
		{ID: "old-token", OwnerID: "5511933334444@s.whatsapp.net", CreatedAt: now.Add(-48 * time.Hour), ExpiresAt: now.Add(-24 * time.Hour)},
	}
	if err := p.Save(context.Background(), rows); err != nil {
		t.Fatal(err)
	}
	configPath = writeConfig(t, "sessions:\n  store: file\n  path: "+sessionsPath+"\n")
	return configPath, sessionsPath
}

func persistedIDs(t *testing.T, path string) []string {
	t.Helper()
	p, _ := session.NewFilePersister(path)
	rows, err := p.Load(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	var ids []string
	for _, r := range rows {
		ids = append(ids, r.ID)
	}
	return ids
}

func TestSessionCmd_Help(t *testing.T) {
	out, err := runCmd(t, "", "session", "--help")
	if err != nil {
		t.Fatal(err)
	}
	for _, sub := range []string{"list", "revoke", "purge"} {
		if !strings.Contains(out, sub) {
			t.Errorf("help missing %q: %s", sub, out)
		}
	}
}

func TestSessionList(t *testing.T) {
	configPath, _ := seedSessions(t)
	out, err := runCmd(t, "", "session", "list", "-c", configPath)
	if err != nil {
		t.Fatalf("session list: %v", err)
	}
	if !strings.Contains(out, "TOKEN") || !strings.Contains(out, "live-token") {
		t.Errorf("output = %s", out)
	}
	if strings.Contains(out, "old-token") {
		t.Errorf("expired session listed: %s", out)
	}
}

func TestSessionList_Empty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sessions.json")
	configPath := writeConfig(t, "sessions:\n  store: file\n  path: "+path+"\n")
	out, err := runCmd(t, "", "session", "list", "-c", configPath)
	if err != nil {
		t.Fatalf("session list: %v", err)
	}
	if !strings.Contains(out, "No active sessions.") {
		t.Errorf("output = %s", out)
	}
}

func TestSessionList_MemoryStore(t *testing.T) {
	configPath := writeConfig(t, "sessions:\n  store: memory\n")
	if _, err := runCmd(t, "", "session", "list", "-c", configPath); err == nil {
		t.Fatal("expected error for memory store")
	}
}

func TestSessionRevoke(t *testing.T) {
	configPath, sessionsPath := seedSessions(t)
	out, err := runCmd(t, "", "session", "revoke", "live-token", "-c", configPath)
	if err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if !strings.Contains(out, "revoked") {
		t.Errorf("output = %s", out)
	}
	for _, id := range persistedIDs(t, sessionsPath) {
		if id == "live-token" {
			t.Error("revoked token still persisted")
		}
	}
}

func TestSessionRevoke_Unknown(t *testing.T) {
	configPath, _ := seedSessions(t)
	if _, err := runCmd(t, "", "session", "revoke", "nope", "-c", configPath); err == nil {
		t.Fatal("expected error for unknown token")
	}
}

func TestSessionRevoke_RequiresToken(t *testing.T) {
	configPath, _ := seedSessions(t)
	if _, err := runCmd(t, "", "session", "revoke", "-c", configPath); err == nil {
		t.Fatal("expected argument error")
	}
}

func TestSessionPurge(t *testing.T) {
	configPath, sessionsPath := seedSessions(t)
	out, err := runCmd(t, "", "session", "purge", "-c", configPath)
	if err != nil {
		t.Fatalf("purge: %v", err)
	}
	if !strings.Contains(out, "1 active remain") {
		t.Errorf("output = %s", out)
	}
	ids := persistedIDs(t, sessionsPath)
	if len(ids) != 1 || ids[0] != "live-token" {
		t.Errorf("persisted = %v", ids)
	}
}
