package review

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/specd/internal/specs"
)

func TestAutoPresenter(t *testing.T) {
	verdict, err := AutoPresenter{}.Present(context.Background(), &Content{SpecID: "s"})
	require.NoError(t, err)
	assert.Equal(t, Approved, verdict.Decision)
	assert.Equal(t, "auto", verdict.ApprovedBy)
}

func TestTerminalPresenter_FeedbackThenApprove(t *testing.T) {
	var out strings.Builder
	p := &TerminalPresenter{
		In:         strings.NewReader("f\nuse smaller batches\na\n"),
		Out:        &out,
		ApprovedBy: "dana",
	}
	verdict, err := p.Present(context.Background(), &Content{
		SpecID:  "s1",
		SpecDoc: []byte("spec body"),
		Plan:    []byte("plan body"),
	})
	require.NoError(t, err)
	assert.Equal(t, Approved, verdict.Decision)
	assert.Equal(t, "dana", verdict.ApprovedBy)
	assert.Equal(t, []string{"use smaller batches"}, verdict.Feedback)
	assert.Contains(t, out.String(), "spec body")
	assert.Contains(t, out.String(), "plan body")
}

func TestTerminalPresenter_UnknownInputReprompts(t *testing.T) {
	var out strings.Builder
	p := &TerminalPresenter{
		In:  strings.NewReader("maybe\nr\nnot ready\n"),
		Out: &out,
	}
	verdict, err := p.Present(context.Background(), &Content{SpecID: "s1"})
	require.NoError(t, err)
	assert.Equal(t, Rejected, verdict.Decision)
	assert.Equal(t, []string{"not ready"}, verdict.Feedback)
	assert.Contains(t, out.String(), `unknown input "maybe"`)
}

// writeEditorScript returns an executable that rewrites its file argument
// with the given content, standing in for an interactive $EDITOR.
func writeEditorScript(t *testing.T, newContent string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "editor.sh")
	script := "#!/bin/sh\nprintf '%s' '" + newContent + "' > \"$1\"\n"
	require.NoError(t, os.WriteFile(path, []byte(script), 0o755))
	return path
}

func TestTerminalPresenter_EditReloadsPlanAndRefreshesFingerprint(t *testing.T) {
	planPath := filepath.Join(t.TempDir(), "plan.md")
	require.NoError(t, os.WriteFile(planPath, []byte("v1"), 0o644))

	content := &Content{
		SpecID:      "s1",
		SpecDoc:     []byte("spec body"),
		Plan:        []byte("v1"),
		PlanPath:    planPath,
		Fingerprint: specs.Fingerprint([]byte("spec body"), []byte("v1")),
	}

	var out strings.Builder
	p := &TerminalPresenter{
		In:     strings.NewReader("e\na\n"),
		Out:    &out,
		Editor: writeEditorScript(t, "v2 with fixes"),
	}
	verdict, err := p.Present(context.Background(), content)
	require.NoError(t, err)
	assert.Equal(t, Approved, verdict.Decision)

	assert.Equal(t, "v2 with fixes", string(content.Plan))
	assert.Equal(t, specs.Fingerprint([]byte("spec body"), []byte("v2 with fixes")), content.Fingerprint)
	assert.Contains(t, out.String(), "plan (edited)")
	assert.Contains(t, out.String(), "fingerprint refreshed")
}

func TestTerminalPresenter_EditWithoutEditorReprompts(t *testing.T) {
	t.Setenv("EDITOR", "")
	planPath := filepath.Join(t.TempDir(), "plan.md")
	require.NoError(t, os.WriteFile(planPath, []byte("v1"), 0o644))

	var out strings.Builder
	p := &TerminalPresenter{
		In:  strings.NewReader("e\nr\nstill pending\n"),
		Out: &out,
	}
	verdict, err := p.Present(context.Background(), &Content{SpecID: "s1", PlanPath: planPath})
	require.NoError(t, err)
	assert.Equal(t, Rejected, verdict.Decision)
	assert.Contains(t, out.String(), "edit failed")
	assert.Contains(t, out.String(), "$EDITOR is not set")
}

func TestWatchDrift_NotifiesOnPlanWrite(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	planPath := filepath.Join(t.TempDir(), "plan.md")
	require.NoError(t, os.WriteFile(planPath, []byte("v1"), 0o644))

	p := &TerminalPresenter{Out: &strings.Builder{}}
	drift := p.watchDrift(ctx, planPath)

	// Give the watcher a moment to register before mutating the file.
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, os.WriteFile(planPath, []byte("v2"), 0o644))

	select {
	case <-drift:
	case <-time.After(2 * time.Second):
		t.Fatal("expected drift notification after plan write")
	}
}

func TestWatchDrift_MissingPathIsSilent(t *testing.T) {
	p := &TerminalPresenter{Out: &strings.Builder{}}
	drift := p.watchDrift(context.Background(), "")

	select {
	case <-drift:
		t.Fatal("unexpected drift notification")
	case <-time.After(50 * time.Millisecond):
	}
}
