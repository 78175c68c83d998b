package domain

import "log/slog"

// SecretString wraps sensitive string values: bearer tokens, refresh tokens,
// session cookies. Implements slog.LogValuer so the value never reaches a log
// record in plaintext, and fmt.Stringer to return a redacted placeholder.
type SecretString string

// String returns a redacted placeholder, never the actual value.
// This prevents accidental exposure via fmt.Printf, string concatenation, etc.
func (s SecretString) String() string {
	return "[REDACTED]"
}

// LogValue implements slog.LogValuer so secrets are never logged in plaintext,
// even when a handler's ReplaceAttr does not know the attribute key.
func (s SecretString) LogValue() slog.Value {
	return slog.StringValue("[REDACTED]")
}

// Expose returns the actual secret value.
// Use sparingly - only at the point the secret goes on the wire.
// This method name is intentionally explicit to discourage casual use.
func (s SecretString) Expose() string {
	return string(s)
}

// IsEmpty returns true if the secret is empty.
func (s SecretString) IsEmpty() bool {
	return len(s) == 0
}

// SecretBytes wraps sensitive byte slices (private key material) with the
// same protections as SecretString.
type SecretBytes []byte

// String returns a redacted placeholder.
func (s SecretBytes) String() string {
	return "[REDACTED]"
}

// LogValue implements slog.LogValuer.
func (s SecretBytes) LogValue() slog.Value {
	return slog.StringValue("[REDACTED]")
}

// Expose returns the actual secret bytes.
func (s SecretBytes) Expose() []byte {
	return []byte(s)
}

// IsEmpty returns true if the secret is empty.
func (s SecretBytes) IsEmpty() bool {
	return len(s) == 0
}

// Ensure interfaces are implemented at compile time.
var (
	_ slog.LogValuer = SecretString("")
	_ slog.LogValuer = SecretBytes{}
)
