package otel

import (
	"context"
	"testing"
)

func TestParseHeaders(t *testing.T) {
	got := ParseHeaders(" api-key = abc ,broken, =x,tenant=market ")
	if len(got) != 2 || got["api-key"] != "abc" || got["tenant"] != "market" {
		t.Fatalf("unexpected headers: %#v", got)
	}
	if len(ParseHeaders("")) != 0 {
		t.Fatalf("expected no headers from empty input")
	}
}

func TestInitValidatesConfig(t *testing.T) {
	if _, err := Init(context.Background(), Config{}); err == nil {
		t.Fatalf("expected missing service name to fail")
	}
	if _, err := Init(context.Background(), Config{ServiceName: "marketd", SampleRatio: 2}); err == nil {
		t.Fatalf("expected invalid sample ratio to fail")
	}
}

func TestInitWithoutExportersIsNoop(t *testing.T) {
	shutdown, err := Init(context.Background(), Config{ServiceName: "marketd"})
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}
