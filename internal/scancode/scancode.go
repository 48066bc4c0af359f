package scancode

import (
	"crypto/rand"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// tokenAlphabet avoids characters that read ambiguously on a projector.
const tokenAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

const tokenLength = 6

// Code is one rotating scan code. Raw travels on the wire as
// "scan<N>:<TOKEN>:<issuedAtEpochMs>"; Human is the token shown for
// manual entry and compared case-insensitively.
type Code struct {
	Raw      string    `json:"raw"`
	Human    string    `json:"human"`
	Phase    int       `json:"phase"`
	IssuedAt time.Time `json:"issued_at"`
}

// Issuer produces codes for a single session. Token entropy makes a
// collision within one session's lifetime a negligible-probability event;
// collisions are not actively detected.
type Issuer struct {
	now func() time.Time
}

// NewIssuer creates an issuer; a nil clock defaults to time.Now.
func NewIssuer(now func() time.Time) *Issuer {
	if now == nil {
		now = time.Now
	}
	return &Issuer{now: now}
}

// Issue creates a fresh code tagged with the given phase.
func (i *Issuer) Issue(phase int) (Code, error) {
	if phase < 1 {
		return Code{}, fmt.Errorf("phase must be positive, got %d", phase)
	}
	token, err := randomToken()
	if err != nil {
		return Code{}, fmt.Errorf("issue code: %w", err)
	}
	issuedAt := i.now().UTC()
	return Code{
		Raw:      fmt.Sprintf("scan%d:%s:%d", phase, token, issuedAt.UnixMilli()),
		Human:    token,
		Phase:    phase,
		IssuedAt: issuedAt,
	}, nil
}

// Parse recovers phase, token, and issue time from a raw code without a
// lookup. The format is positional and colon-delimited.
func Parse(raw string) (Code, error) {
	parts := strings.Split(raw, ":")
	if len(parts) != 3 {
		return Code{}, fmt.Errorf("malformed code %q: want 3 colon-delimited parts", raw)
	}
	if !strings.HasPrefix(parts[0], "scan") {
		return Code{}, fmt.Errorf("malformed phase tag %q", parts[0])
	}
	phase, err := strconv.Atoi(strings.TrimPrefix(parts[0], "scan"))
	if err != nil || phase < 1 {
		return Code{}, fmt.Errorf("malformed phase tag %q", parts[0])
	}
	ms, err := strconv.ParseInt(parts[2], 10, 64)
	if err != nil {
		return Code{}, fmt.Errorf("malformed issue time %q", parts[2])
	}
	return Code{
		Raw:      raw,
		Human:    parts[1],
		Phase:    phase,
		IssuedAt: time.UnixMilli(ms).UTC(),
	}, nil
}

// TokensMatch compares human-entered tokens case-insensitively.
func TokensMatch(a, b string) bool {
	return strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b))
}

func randomToken() (string, error) {
	buf := make([]byte, tokenLength)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	for i, b := range buf {
		buf[i] = tokenAlphabet[int(b)%len(tokenAlphabet)]
	}
	return string(buf), nil
}
