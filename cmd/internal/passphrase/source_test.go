package passphrase

import (
	"errors"
	"io"
	"strings"
	"testing"
)

func scripted(answers ...string) func() ([]byte, error) {
	return func() ([]byte, error) {
		if len(answers) == 0 {
			return nil, errors.New("no more input")
		}
		next := answers[0]
		answers = answers[1:]
		return []byte(next), nil
	}
}

func newTestSource(envVar string, tty bool, answers ...string) *Source {
	s := NewSource(envVar, "operator")
	s.prompt = io.Discard
	s.terminal = func() bool { return tty }
	s.read = scripted(answers...)
	return s
}

func TestSourcePrefersEnvironment(t *testing.T) {
	t.Setenv("MARKETCTL_TEST_PASS", "from-env")
	s := newTestSource("MARKETCTL_TEST_PASS", false)
	got, err := s.Get()
	if err != nil || got != "from-env" {
		t.Fatalf("expected env passphrase, got %q (%v)", got, err)
	}
}

func TestSourceRejectsBlankEnvironment(t *testing.T) {
	t.Setenv("MARKETCTL_TEST_PASS", "  ")
	if _, err := newTestSource("MARKETCTL_TEST_PASS", true, "ignored").Get(); err == nil {
		t.Fatalf("expected blank env passphrase to be rejected")
	}
}

func TestSourceRequiresTerminal(t *testing.T) {
	_, err := newTestSource("MARKETCTL_UNSET_PASS", false).Get()
	if err == nil || !strings.Contains(err.Error(), "MARKETCTL_UNSET_PASS") {
		t.Fatalf("expected hint about env var, got %v", err)
	}
}

func TestSourceConfirmation(t *testing.T) {
	s := newTestSource("", true, "secret", "secret").WithConfirmation()
	got, err := s.Get()
	if err != nil || got != "secret" {
		t.Fatalf("expected confirmed passphrase, got %q (%v)", got, err)
	}
	again, _ := s.Get()
	if again != "secret" {
		t.Fatalf("expected cached passphrase")
	}

	mismatch := newTestSource("", true, "one", "two").WithConfirmation()
	if _, err := mismatch.Get(); err == nil {
		t.Fatalf("expected mismatch to fail")
	}

	blank := newTestSource("", true, "   ")
	if _, err := blank.Get(); err == nil {
		t.Fatalf("expected blank passphrase to fail")
	}
}
