package ssh

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
)

func TestFirstLine(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"echo test", "echo test"},
		{"cat > /tmp/x <<'EOF'\ninput {}\nEOF", "cat > /tmp/x <<'EOF' ..."},
		{"", ""},
	}

	for _, tt := range tests {
		if got := firstLine(tt.in); got != tt.want {
			t.Errorf("firstLine(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestShellQuote(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"/opt/logstash-1", "'/opt/logstash-1'"},
		{"with space", "'with space'"},
		{"it's", `'it'\''s'`},
	}

	for _, tt := range tests {
		if got := shellQuote(tt.in); got != tt.want {
			t.Errorf("shellQuote(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestCopyWithContext(t *testing.T) {
	t.Run("copies everything", func(t *testing.T) {
		src := strings.Repeat("x", 100*1024)
		var dst bytes.Buffer

		n, err := copyWithContext(context.Background(), &dst, strings.NewReader(src))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if n != int64(len(src)) || dst.String() != src {
			t.Errorf("copied %d bytes, want %d", n, len(src))
		}
	})

	t.Run("stops on cancellation", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		var dst bytes.Buffer
		_, err := copyWithContext(ctx, &dst, strings.NewReader("data"))
		if !errors.Is(err, context.Canceled) {
			t.Errorf("expected context.Canceled, got %v", err)
		}
		if dst.Len() != 0 {
			t.Errorf("expected nothing copied, got %d bytes", dst.Len())
		}
	})
}

func TestTransportError(t *testing.T) {
	base := errors.New("connection reset")
	err := &TransportError{Op: "execute", Host: "edge-1", Err: base, IsTemporary: true}

	if err.Error() != "ssh execute edge-1: connection reset" {
		t.Errorf("Error() = %q", err.Error())
	}
	if !errors.Is(err, base) {
		t.Error("expected TransportError to unwrap to its cause")
	}
	if !err.Temporary() {
		t.Error("expected temporary error")
	}

	noHost := &TransportError{Op: "connect", Err: base}
	if noHost.Error() != "ssh connect: connection reset" {
		t.Errorf("Error() = %q", noHost.Error())
	}
}
