package container

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/charmbracelet/log"
)

func TestIncusCommandTraceFollowsLogLevel(t *testing.T) {
	prev := log.Default()
	t.Cleanup(func() { log.SetDefault(prev) })

	tests := []struct {
		level log.Level
		want  bool
	}{
		{level: log.DebugLevel, want: true},
		{level: log.InfoLevel, want: false},
	}
	for _, tt := range tests {
		t.Run(tt.level.String(), func(t *testing.T) {
			var buf bytes.Buffer
			log.SetDefault(log.NewWithOptions(&buf, log.Options{Level: tt.level}))

			execIncusCommandContext(context.Background(), buildIncusCommand("list", "--format=json"))

			got := strings.Contains(buf.String(), "running incus")
			if got != tt.want {
				t.Errorf("trace logged = %v, want %v (output %q)", got, tt.want, buf.String())
			}
			if tt.want && !strings.Contains(buf.String(), "--format=json") {
				t.Errorf("Expected the command line in the trace, got %q", buf.String())
			}
		})
	}
}

func TestBuildIncusCommand(t *testing.T) {
	args := buildIncusCommand("network", "acl", "show", "coi-net-a b")
	if len(args) != 3 || args[0] != IncusGroup || args[1] != "-c" {
		t.Fatalf("unexpected command: %v", args)
	}
	want := "incus --project " + IncusProject + " network acl show 'coi-net-a b'"
	if args[2] != want {
		t.Errorf("command = %q, want %q", args[2], want)
	}
}
