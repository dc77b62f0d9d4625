package pipeline

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kandev/researchd/internal/events"
)

func TestExecutorStartAnnouncesStages(t *testing.T) {
	ex, rec := newTestExecutor(t)

	st := rec.statuses(t)
	require.Len(t, st, 1)
	assert.Equal(t, events.StatusRunning, st[0].Status)
	assert.Equal(t, "quantum batteries", st[0].Query)
	assert.Equal(t, DefaultDefinition().IDs(), st[0].Stages)

	assert.Error(t, ex.Start(context.Background()), "a session starts once")
}

func TestExecutorSequentialStages(t *testing.T) {
	ex, rec := newTestExecutor(t)

	feed(t, ex,
		"Browser: starting",
		"Browser: searching 3 sources",
		"Browser: done",
		"Editor: planning 50%",
		"Editor: planning 80%",
		"Researcher: starting",
	)

	browser := rec.agentUpdates(t, "browser")
	require.Len(t, browser, 2, "one update on running, one on completion")
	assert.Equal(t, events.StatusRunning, browser[0].Status)
	assert.Nil(t, browser[0].Progress)
	assert.Equal(t, events.StatusCompleted, browser[1].Status)
	assert.Nil(t, browser[1].Progress, "progress is never synthesised")

	editor := rec.agentUpdates(t, "editor")
	require.Len(t, editor, 3)
	assert.Equal(t, 50, *editor[0].Progress)
	assert.Equal(t, 80, *editor[1].Progress)
	assert.Equal(t, events.StatusCompleted, editor[2].Status, "a later stage completes earlier ones")
	assert.Equal(t, 100, *editor[2].Progress)

	assert.Len(t, rec.logLines(t), 6, "every line is a log event")

	var progress []int
	for _, s := range rec.statuses(t)[1:] {
		progress = append(progress, s.Progress)
	}
	assert.Equal(t, []int{14, 28}, progress)
	assert.Equal(t, StageResearcher, ex.CurrentStage())
}

func TestExecutorFanOutJoin(t *testing.T) {
	ex, rec := newTestExecutor(t)

	feed(t, ex,
		"Researcher: starting units=2",
		"Researcher#a: searching",
		"Researcher#a: completed",
	)
	res := rec.agentUpdates(t, "researcher")
	require.Len(t, res, 1)
	assert.Equal(t, events.StatusRunning, res[0].Status)

	feed(t, ex, "Researcher#b: completed")
	res = rec.agentUpdates(t, "researcher")
	require.Len(t, res, 2)
	assert.Equal(t, events.StatusCompleted, res[1].Status)
	assert.Equal(t, "2/2 units completed", res[1].Message)
}

func TestExecutorFanOutFirstErrorWins(t *testing.T) {
	ex, rec := newTestExecutor(t)

	feed(t, ex,
		"Researcher: starting units=3",
		"Researcher#a: completed",
		"Researcher#b: failed to fetch",
		"Researcher#c: completed",
		"Researcher#c: error again",
	)

	res := rec.agentUpdates(t, "researcher")
	require.Len(t, res, 2)
	assert.Equal(t, events.StatusError, res[1].Status)
	assert.Equal(t, "unit b: failed to fetch", res[1].Message)
	assert.Equal(t, events.StatusRunning, ex.Status(), "a non-terminal stage error does not fail the session")

	feed(t, ex, "Reviewer: reviewing")
	assert.Len(t, rec.agentUpdates(t, "reviewer"), 1)
}

func TestExecutorFanOutWithoutWidthClosesOnNextStage(t *testing.T) {
	ex, rec := newTestExecutor(t)

	feed(t, ex,
		"Researcher#x: completed",
		"Researcher#y: completed",
	)
	require.Len(t, rec.agentUpdates(t, "researcher"), 1)

	feed(t, ex, "Reviewer: start")
	res := rec.agentUpdates(t, "researcher")
	require.Len(t, res, 2)
	assert.Equal(t, events.StatusCompleted, res[1].Status)
}

func TestExecutorTerminalStageErrorFailsSession(t *testing.T) {
	ex, rec := newTestExecutor(t)

	feed(t, ex,
		"Writer: drafting",
		"Publisher: failed to render pdf",
		"Publisher: done",
	)

	assert.Equal(t, events.StatusFailed, ex.Status())
	pub := rec.agentUpdates(t, "publisher")
	require.Len(t, pub, 1, "markers after failure are ignored")
	assert.Equal(t, events.StatusError, pub[0].Status)

	st := rec.statuses(t)
	last := st[len(st)-1]
	assert.Equal(t, events.StatusFailed, last.Status)
	assert.Contains(t, last.Message, "Publisher failed")

	before := len(rec.all())
	require.NoError(t, ex.Finish(context.Background(), nil))
	assert.Len(t, rec.all(), before, "finish after failure is a no-op")
}

func TestExecutorFinish(t *testing.T) {
	ex, rec := newTestExecutor(t)
	feed(t, ex, "Writer: drafting 10%")

	require.NoError(t, ex.Finish(context.Background(), nil))

	writer := rec.agentUpdates(t, "writer")
	require.Len(t, writer, 2)
	assert.Equal(t, events.StatusCompleted, writer[1].Status)
	assert.Equal(t, 100, *writer[1].Progress)

	st := rec.statuses(t)
	assert.Equal(t, events.StatusCompleted, st[len(st)-1].Status)
	assert.Equal(t, 100, st[len(st)-1].Progress)
	assert.Equal(t, events.StatusCompleted, ex.Status())
}

func TestExecutorFinishWithError(t *testing.T) {
	ex, rec := newTestExecutor(t)
	feed(t, ex, "Writer: drafting")

	require.NoError(t, ex.Finish(context.Background(), errors.New("exit status 2")))

	writer := rec.agentUpdates(t, "writer")
	assert.Equal(t, events.StatusError, writer[len(writer)-1].Status)
	st := rec.statuses(t)
	assert.Equal(t, events.StatusFailed, st[len(st)-1].Status)
	assert.Equal(t, "exit status 2", st[len(st)-1].Message)
}

func TestExecutorAbort(t *testing.T) {
	ex, rec := newTestExecutor(t)
	feed(t, ex, "Editor: planning")

	require.NoError(t, ex.Abort(context.Background(), "cancelled by user"))
	require.NoError(t, ex.Abort(context.Background(), "again"))

	editor := rec.agentUpdates(t, "editor")
	assert.Equal(t, events.StatusError, editor[len(editor)-1].Status)

	st := rec.statuses(t)
	require.Len(t, st, 2)
	assert.Equal(t, events.StatusFailed, st[1].Status)
	assert.Equal(t, "cancelled by user", st[1].Message)
}

func TestExecutorUnknownLabelsOnlyLog(t *testing.T) {
	ex, rec := newTestExecutor(t)
	feed(t, ex, "Translator: translating", "", "   ")

	assert.Len(t, rec.logLines(t), 1, "blank lines are dropped")
	assert.Empty(t, rec.ofType(events.AgentUpdate))
}

func TestExecutorNotifyFile(t *testing.T) {
	ex, rec := newTestExecutor(t)
	ctx := context.Background()

	require.NoError(t, ex.NotifyFile(ctx, "", "out/notes.md"))
	feed(t, ex, "Writer: drafting")
	require.NoError(t, ex.NotifyFile(ctx, "", "out/draft.md"))
	require.NoError(t, ex.NotifyFile(ctx, "", "out/./draft.md"))
	feed(t, ex, "Writer: saved out/draft.md")

	files := rec.ofType(events.FileGenerated)
	require.Len(t, files, 2, "each path is reported once")

	var first, second events.FileGeneratedPayload
	require.NoError(t, files[0].Decode(&first))
	require.NoError(t, files[1].Decode(&second))
	assert.Equal(t, "publisher", first.Agent, "no running stage attributes to the terminal stage")
	assert.Equal(t, "writer", second.Agent)
	assert.Equal(t, "draft.md", second.Name)
	assert.False(t, second.DetectedAt.IsZero())
}
