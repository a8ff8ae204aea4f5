package model

import (
	"strings"
	"testing"
)

func TestValidateUsername(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr error
	}{
		{"valid simple", "alice", nil},
		{"valid with numbers", "user123", nil},
		{"valid with underscore", "my_user", nil},
		{"valid with hyphen", "my-user", nil},
		{"valid max length", strings.Repeat("a", MaxUsernameLength), nil},
		{"empty", "", ErrUsernameEmpty},
		{"too long", strings.Repeat("a", MaxUsernameLength+1), ErrUsernameTooLong},
		{"contains space", "has space", ErrUsernameInvalidChars},
		{"contains dot", "user.name", ErrUsernameInvalidChars},
		{"contains @", "user@name", ErrUsernameInvalidChars},
		{"unicode letter", "ñoño", ErrUsernameInvalidChars},
		{"newline", "user\nname", ErrUsernameInvalidChars},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateUsername(tt.input)
			if err != tt.wantErr {
				t.Errorf("ValidateUsername(%q) = %v, want %v", tt.input, err, tt.wantErr)
			}
		})
	}
}

func TestValidateDisplayName(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr error
	}{
		{"plain", "Alice", nil},
		{"spaces and unicode", "Ñoño the Great", nil},
		{"max length", strings.Repeat("é", MaxDisplayNameLength), nil},
		{"empty", "", ErrDisplayNameEmpty},
		{"whitespace only", "  \t ", ErrDisplayNameEmpty},
		{"too long", strings.Repeat("é", MaxDisplayNameLength+1), ErrDisplayNameTooLong},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := ValidateDisplayName(tt.input); err != tt.wantErr {
				t.Errorf("ValidateDisplayName(%q) = %v, want %v", tt.input, err, tt.wantErr)
			}
		})
	}
}

func TestParseStatus(t *testing.T) {
	tests := []struct {
		input   string
		want    Status
		wantErr error
	}{
		{"online", StatusOnline, nil},
		{"AWAY", StatusAway, nil},
		{" Busy ", StatusBusy, nil},
		{"offline", StatusOffline, nil},
		{"", "", ErrInvalidStatus},
		{"sleeping", "", ErrInvalidStatus},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseStatus(tt.input)
			if err != tt.wantErr {
				t.Fatalf("ParseStatus(%q) err = %v, want %v", tt.input, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("ParseStatus(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestValidateMessageBody(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr error
	}{
		{"text", "hello", nil},
		{"empty", "", ErrMessageBodyEmpty},
		{"blank", "   \n", ErrMessageBodyEmpty},
		{"max length", strings.Repeat("x", MessageMaxBodyLength), nil},
		{"too long", strings.Repeat("x", MessageMaxBodyLength+1), ErrMessageBodyTooLong},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := ValidateMessageBody(tt.input); err != tt.wantErr {
				t.Errorf("ValidateMessageBody(%q) = %v, want %v", tt.input, err, tt.wantErr)
			}
		})
	}
}
