package secret

import (
	"errors"
	"testing"
)

func stubSource(env map[string]string, tty bool, input string, readErr error) (*Source, *int) {
	reads := 0
	s := NewSource("ESCROWCTL_SECRET", "token secret")
	s.lookup = func(key string) (string, bool) {
		v, ok := env[key]
		return v, ok
	}
	s.terminal = func() bool { return tty }
	s.read = func() ([]byte, error) {
		reads++
		return []byte(input), readErr
	}
	return s, &reads
}

func TestSourcePrefersEnvironment(t *testing.T) {
	s, reads := stubSource(map[string]string{"ESCROWCTL_SECRET": " from-env "}, true, "typed", nil)
	got, err := s.Get()
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got != "from-env" {
		t.Fatalf("expected env value, got %q", got)
	}
	if *reads != 0 {
		t.Fatalf("expected no prompt, got %d reads", *reads)
	}
}

func TestSourceRejectsEmptyEnvironment(t *testing.T) {
	s, _ := stubSource(map[string]string{"ESCROWCTL_SECRET": "  "}, true, "typed", nil)
	if _, err := s.Get(); err == nil {
		t.Fatalf("expected error for empty env value")
	}
}

func TestSourcePromptsOnceAndCaches(t *testing.T) {
	s, reads := stubSource(nil, true, "typed-secret\n", nil)
	for i := 0; i < 2; i++ {
		got, err := s.Get()
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if got != "typed-secret" {
			t.Fatalf("unexpected secret %q", got)
		}
	}
	if *reads != 1 {
		t.Fatalf("expected a single prompt, got %d", *reads)
	}
}

func TestSourceWithoutTerminal(t *testing.T) {
	s, _ := stubSource(nil, false, "", nil)
	if _, err := s.Get(); err == nil {
		t.Fatalf("expected error without terminal")
	}
}

func TestSourceReadFailure(t *testing.T) {
	s, _ := stubSource(nil, true, "", errors.New("boom"))
	if _, err := s.Get(); err == nil {
		t.Fatalf("expected read error")
	}
}
