package postgresql

import (
	"testing"
	"time"
)

func TestConfig_ToMap(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
		want string
	}{
		{name: "explicit dsn wins", cfg: Config{DSN: " postgres://a@b/c ", Host: "ignored"}, want: "postgres://a@b/c"},
		{name: "built from parts", cfg: Config{Host: "db", User: "u", Password: "p@ss", DBName: "kms"}, want: "postgres://u:p%40ss@db:5432/kms?sslmode=disable"},
		{name: "custom port and ssl", cfg: Config{Host: "db", Port: 6543, User: "u", DBName: "kms", SSLMode: "require"}, want: "postgres://u:@db:6543/kms?sslmode=require"},
		{name: "nothing", cfg: Config{}, want: ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.cfg.ToMap()["dsn"]; got != tt.want {
				t.Errorf("dsn = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestStore_Validate(t *testing.T) {
	s := NewStore()
	if err := s.Validate(); err == nil {
		t.Fatalf("expected error without dsn")
	}
	_ = s.Load(map[string]interface{}{"dsn": "postgres://x"})
	if err := s.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestDialect(t *testing.T) {
	d := NewDialect()
	if d.GetPlaceholder(3) != "$3" || d.GetDriverName() != "postgresql" {
		t.Fatalf("unexpected dialect basics")
	}
	ts := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	if d.ConvertTimeFromStorage(ts) != "2025-01-02T03:04:05Z" || d.ConvertTimeFromStorage(&ts) != "2025-01-02T03:04:05Z" {
		t.Fatalf("time from storage")
	}
	if d.ConvertTimeFromStorage(nil) != "" {
		t.Fatalf("nil time should be empty")
	}
}
