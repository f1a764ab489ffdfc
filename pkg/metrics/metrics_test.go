package metrics

import (
	"strings"
	"testing"
	"time"
)

func TestRecorderWriteText(t *testing.T) {
	rec := NewRecorder()

	rec.ObserveValidation("posix", "command", false)
	rec.ObserveValidation("posix", "", true)
	rec.ObserveExecution("local", "posix", "ok", 120*time.Millisecond)
	rec.SessionOpened("ok")
	rec.SessionUp()
	rec.KeepaliveMiss()
	rec.ObserveTransfer("upload", "ok")
	rec.SessionDown()

	var sb strings.Builder
	if err := rec.WriteText(&sb); err != nil {
		t.Fatalf("WriteText failed: %v", err)
	}
	out := sb.String()

	for _, want := range []string{
		`shellgate_validations_total{dialect="posix",outcome="rejected",stage="command"} 1`,
		`shellgate_validations_total{dialect="posix",outcome="allowed",stage="none"} 1`,
		`shellgate_executions_total{backend="local",dialect="posix",status="ok"} 1`,
		`shellgate_ssh_session_opens_total{status="ok"} 1`,
		"shellgate_ssh_sessions_active 0",
		"shellgate_ssh_keepalive_misses_total 1",
		`shellgate_sftp_transfers_total{op="upload",status="ok"} 1`,
	} {
		if !strings.Contains(out, want) {
			t.Errorf("exposition missing %q\ngot:\n%s", want, out)
		}
	}
}

func TestNilRecorderIsSafe(t *testing.T) {
	var rec *Recorder
	rec.ObserveValidation("posix", "command", false)
	rec.ObserveExecution("local", "posix", "ok", time.Second)
	rec.SessionOpened("error")
	rec.SessionUp()
	rec.SessionDown()
	rec.KeepaliveMiss()
	rec.ObserveTransfer("list", "error")
	if err := rec.WriteText(&strings.Builder{}); err != nil {
		t.Fatalf("nil recorder WriteText returned error: %v", err)
	}
}

func TestTwoRecordersDoNotCollide(t *testing.T) {
	a := NewRecorder()
	b := NewRecorder()
	a.SessionUp()
	b.SessionUp()
	b.SessionUp()

	var sa, sb strings.Builder
	if err := a.WriteText(&sa); err != nil {
		t.Fatalf("WriteText failed: %v", err)
	}
	if err := b.WriteText(&sb); err != nil {
		t.Fatalf("WriteText failed: %v", err)
	}
	if !strings.Contains(sa.String(), "shellgate_ssh_sessions_active 1") {
		t.Errorf("recorder a gauge wrong:\n%s", sa.String())
	}
	if !strings.Contains(sb.String(), "shellgate_ssh_sessions_active 2") {
		t.Errorf("recorder b gauge wrong:\n%s", sb.String())
	}
}
