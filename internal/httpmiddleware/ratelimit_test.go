package httpmiddleware

import "testing"

func TestRateLimiter_AllowsUpToBurst(t *testing.T) {
	l := NewRateLimiter(60, 3)
	for i := 0; i < 3; i++ {
		if !l.Allow("ip-1") {
			t.Fatalf("request %d denied within burst", i+1)
		}
	}
	if l.Allow("ip-1") {
		t.Error("request past burst allowed")
	}
	// Other keys are unaffected.
	if !l.Allow("ip-2") {
		t.Error("independent key denied")
	}
}
