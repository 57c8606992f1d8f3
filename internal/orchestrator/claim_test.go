package orchestrator_test

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ntjobs/jobsos/internal/inifile"
	"github.com/ntjobs/jobsos/internal/model"
	"github.com/ntjobs/jobsos/internal/orchestrator"
	"github.com/stretchr/testify/require"
)

func TestClaimWithoutConfig(t *testing.T) {
	f := newFixture(t, nil)
	f.submit(t, "alice", "[J1]\nACTION = ECHO\n")

	require.NoError(t, f.svc.Claim.Search(t.Context()))

	require.Empty(t, slots(t, f.inbox()))
	require.NoFileExists(t, filepath.Join(f.root, "alice", model.SubmissionFile))
	require.FileExists(t, filepath.Join(f.root, "alice", model.ResultFile))

	sent := f.mail.sent()
	require.Len(t, sent, 1)
	require.Equal(t, "alice@example.com", sent[0].to)
	require.Contains(t, sent[0].body, "CONFIG")
}

func TestClaimMovesFiles(t *testing.T) {
	f := newFixture(t, nil)
	write(t, filepath.Join(f.root, "alice", "data", "in.txt"), "payload", 0o644)
	f.submit(t, "alice", "[CONFIG]\n[J1]\nACTION = ECHO\nFILE.IN = data/in.txt\n")

	require.NoError(t, f.svc.Claim.Search(t.Context()))

	all := slots(t, f.inbox())
	require.Len(t, all, 1)
	require.Regexp(t, `^jobs_\d{8}_\d{6}_0$`, filepath.Base(all[0]))

	b, err := inifile.Read(filepath.Join(all[0], model.SubmissionFile))
	require.NoError(t, err)
	require.Equal(t, "alice", field(t, b, model.ConfigSection, model.KeyOwner))

	data, err := os.ReadFile(filepath.Join(all[0], "data", "in.txt"))
	require.NoError(t, err)
	require.Equal(t, "payload", string(data))
	require.NoFileExists(t, filepath.Join(f.root, "alice", "data", "in.txt"))
	require.NoFileExists(t, filepath.Join(f.root, "alice", model.SubmissionFile))
}

func TestClaimAbandonsSlot(t *testing.T) {
	f := newFixture(t, nil)
	write(t, filepath.Join(f.root, "bob", "x.txt"), "bob's", 0o644)
	f.submit(t, "alice", "[CONFIG]\n[J1]\nACTION = ECHO\nFILE.X = ../bob/x.txt\n")

	require.NoError(t, f.svc.Claim.Search(t.Context()))

	all := slots(t, f.inbox())
	require.Len(t, all, 1)
	require.FileExists(t, filepath.Join(all[0], model.AbandonedFile))
	require.NoFileExists(t, filepath.Join(all[0], model.SubmissionFile))
	require.FileExists(t, filepath.Join(f.root, "bob", "x.txt"))
	require.NoFileExists(t, filepath.Join(f.root, "alice", model.SubmissionFile))

	sent := f.mail.sent()
	require.Len(t, sent, 1)
	require.Equal(t, "alice@example.com", sent[0].to)
	require.Contains(t, sent[0].subject, "not claimed")
	require.Contains(t, sent[0].body, "inside the submission directory")

	require.NoError(t, f.svc.Dispatch.Get(t.Context()))
	require.NoFileExists(t, filepath.Join(all[0], model.ResultFile))
	require.Len(t, f.mail.sent(), 1)
}

func TestClaimSkipsArchivedNames(t *testing.T) {
	f := newFixture(t, nil)
	claimer, ok := f.svc.Claim.(*orchestrator.Claimer)
	require.True(t, ok)
	now := time.Date(2024, 1, 2, 3, 4, 5, 0, time.Local)
	claimer.WithClock(func() time.Time { return now })
	require.NoError(t, os.MkdirAll(filepath.Join(f.archive(), "jobs_20240102_030405_0"), 0o755))

	f.submit(t, "alice", "[CONFIG]\n[J1]\nACTION = SYS.NOOP\n")
	slot, err := claimer.Claim(t.Context(), filepath.Join(f.root, "alice"), "alice")
	require.NoError(t, err)
	require.Equal(t, "jobs_20240102_030405_1", filepath.Base(slot))
	require.NoDirExists(t, filepath.Join(f.inbox(), "jobs_20240102_030405_0"))
}

func TestClaimRace(t *testing.T) {
	f := newFixture(t, nil)
	claimer, ok := f.svc.Claim.(*orchestrator.Claimer)
	require.True(t, ok)
	dir := filepath.Join(f.root, "alice")

	const rounds = 10
	for range rounds {
		f.submit(t, "alice", "[CONFIG]\n[J1]\nACTION = SYS.NOOP\n")

		var wg sync.WaitGroup
		errs := make([]error, 2)
		for i := range errs {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, errs[i] = claimer.Claim(t.Context(), dir, "alice")
			}()
		}
		wg.Wait()

		var won, lost int
		for _, err := range errs {
			switch {
			case err == nil:
				won++
			case errors.Is(err, orchestrator.ErrAlreadyClaimed):
				lost++
			default:
				t.Fatalf("unexpected claim error: %v", err)
			}
		}
		require.Equal(t, 1, won)
		require.Equal(t, 1, lost)
	}

	all := slots(t, f.inbox())
	require.Len(t, all, rounds)
	for _, slot := range all {
		require.FileExists(t, filepath.Join(slot, model.SubmissionFile))
	}
}

func TestSearchIgnoresEmptyDirectories(t *testing.T) {
	f := newFixture(t, nil)
	require.NoError(t, os.RemoveAll(filepath.Join(f.root, "bob")))

	require.NoError(t, f.svc.Claim.Search(t.Context()))
	require.Empty(t, slots(t, f.inbox()))
	require.Empty(t, f.mail.sent())
}
