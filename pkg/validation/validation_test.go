package validation

import (
	"strings"
	"testing"
)

func TestValidateUsername(t *testing.T) {
	tests := []struct {
		name     string
		username string
		wantErr  bool
	}{
		{"valid username", "user123", false},
		{"valid with underscore", "user_name", false},
		{"valid with dash", "user-name", false},
		{"empty", "", true},
		{"too short", "ab", true},
		{"too long", strings.Repeat("a", 51), true},
		{"invalid chars", "user name", true},
		{"surrounding spaces trimmed", "  alice  ", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateUsername(tt.username)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateUsername() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidateIdentifier(t *testing.T) {
	tests := []struct {
		name    string
		id      string
		wantErr bool
	}{
		{"room id", "room_1700000000000", false},
		{"uuid", "0b5c7a9e-3c1d-4d7e-9f61-2a8b1c3d4e5f", false},
		{"empty", "", true},
		{"too long", strings.Repeat("x", 101), true},
		{"slash", "room/1", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateIdentifier(tt.id, "room id")
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateIdentifier() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidateSignalURL(t *testing.T) {
	tests := []struct {
		name    string
		url     string
		wantErr bool
	}{
		{"ws", "ws://localhost:8081/ws", false},
		{"wss", "wss://signal.example.com/ws", false},
		{"http rejected", "http://localhost:8081", true},
		{"no host", "ws:///ws", true},
		{"empty", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateSignalURL(tt.url)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateSignalURL() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
