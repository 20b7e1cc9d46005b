package db

import (
	"strings"
	"testing"
	"time"

	"github.com/bellujrb/hackathon-onco/internal/models"
)

func TestNormalizeMySQLDSN(t *testing.T) {
	tests := []struct {
		name string
		dsn  string
		want []string
	}{
		{
			name: "adds parseTime",
			dsn:  "onco:pw@tcp(127.0.0.1:3306)/onco",
			want: []string{"parseTime=true", "tcp(127.0.0.1:3306)/onco"},
		},
		{
			name: "keeps explicit charset",
			dsn:  "root@tcp(db:3306)/onco?charset=latin1",
			want: []string{"charset=latin1", "parseTime=true"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NormalizeMySQLDSN(tt.dsn)
			if err != nil {
				t.Fatalf("NormalizeMySQLDSN: %v", err)
			}
			for _, w := range tt.want {
				if !strings.Contains(got, w) {
					t.Errorf("DSN %q missing %q", got, w)
				}
			}
		})
	}
}

func TestNormalizeMySQLDSN_Invalid(t *testing.T) {
	if _, err := NormalizeMySQLDSN("not a dsn"); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestConnect_UnsupportedDriver(t *testing.T) {
	_, err := Connect("postgres", "x")
	if err == nil || !strings.Contains(err.Error(), "unsupported driver") {
		t.Fatalf("err = %v, want unsupported driver", err)
	}
}

func TestConnect_SQLiteAndMigrate(t *testing.T) {
	gdb, err := Connect("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer Close(gdb)

	if err := AutoMigrate(gdb); err != nil {
		t.Fatalf("AutoMigrate: %v", err)
	}
	for _, m := range AllModels() {
		if !gdb.Migrator().HasTable(m) {
			t.Errorf("table for %T not created", m)
		}
	}

	now := time.Now().UTC().Truncate(time.Second)
	s := models.Session{ID: "tok", OwnerID: "5511@s.whatsapp.net", CreatedAt: now, ExpiresAt: now.Add(time.Hour)}
	if err := gdb.Create(&s).Error; err != nil {
		t.Fatalf("create session: %v", err)
	}
	var got models.Session
	if err := gdb.First(&got, "id = ?", "tok").Error; err != nil {
		t.Fatalf("read session: %v", err)
	}
	if got.OwnerID != s.OwnerID || !got.ExpiresAt.Equal(s.ExpiresAt) {
		t.Errorf("got %+v, want %+v", got, s)
	}
}
