package errs

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestErrorFormattingIncludesContext(t *testing.T) {
	err := New(
		"segment/scan",
		CodeCorruptRecord,
		WithTopic("orders"),
		WithSegment(3),
		WithOffset(4096),
		WithMessage("crc mismatch"),
		WithCause(errors.New("checksum 0xdeadbeef != 0x00000000")),
	)

	out := err.Error()
	if !strings.Contains(out, "op=segment/scan") {
		t.Fatalf("expected op marker in error string: %s", out)
	}
	if !strings.Contains(out, "code=corrupt_record") {
		t.Fatalf("expected code in error string: %s", out)
	}
	if !strings.Contains(out, "topic=\"orders\"") {
		t.Fatalf("expected topic in error string: %s", out)
	}
	if !strings.Contains(out, "segment=3") {
		t.Fatalf("expected segment in error string: %s", out)
	}
	if !strings.Contains(out, "offset=4096") {
		t.Fatalf("expected offset in error string: %s", out)
	}
}

func TestZeroOffsetIsReported(t *testing.T) {
	err := New("segment/scan", CodeTruncatedTail, WithOffset(0))
	if !strings.Contains(err.Error(), "offset=0") {
		t.Fatalf("explicit zero offset must render: %s", err.Error())
	}

	bare := New("segment/scan", CodeTruncatedTail)
	if strings.Contains(bare.Error(), "offset=") {
		t.Fatalf("unset offset must not render: %s", bare.Error())
	}
}

func TestCodeOfWalksWrapChain(t *testing.T) {
	inner := New("bus/publish", CodeQueueFull)
	wrapped := fmt.Errorf("publish orders: %w", inner)

	if got := CodeOf(wrapped); got != CodeQueueFull {
		t.Fatalf("expected queue_full, got %q", got)
	}
	if !IsCode(wrapped, CodeQueueFull) {
		t.Fatal("IsCode should match through wrapping")
	}
	if IsCode(errors.New("plain"), CodeQueueFull) {
		t.Fatal("plain errors carry no code")
	}
	if got := CodeOf(nil); got != "" {
		t.Fatalf("nil error should yield empty code, got %q", got)
	}
}

func TestUnwrapExposesCause(t *testing.T) {
	cause := errors.New("disk full")
	err := New("segment/append", CodeIoFailure, WithCause(cause))
	if !errors.Is(err, cause) {
		t.Fatal("expected errors.Is to reach the cause")
	}
}
