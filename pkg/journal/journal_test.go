package journal

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"packdb/pkg/metrics"
)

func newTestJournal(t *testing.T, cfg Config) *Journal {
	t.Helper()
	j, err := New(t.TempDir(), cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = j.Close() })
	return j
}

func replayAll(t *testing.T, j *Journal) []Record {
	t.Helper()
	var recs []Record
	require.NoError(t, j.Replay(func(rec Record) error {
		recs = append(recs, rec)
		return nil
	}))
	return recs
}

func TestJournal_AppendSyncReplayOrder(t *testing.T) {
	j := newTestJournal(t, Config{})

	var want [][]byte
	for i := 0; i < 10; i++ {
		payload := []byte(fmt.Sprintf("record-%02d", i))
		want = append(want, payload)
		_, err := j.Append(payload)
		require.NoError(t, err)
	}

	// Nothing is durable before the barrier.
	require.Empty(t, replayAll(t, j))
	require.Equal(t, 10, j.Pending())

	require.NoError(t, j.SyncNow())
	require.Equal(t, 0, j.Pending())

	recs := replayAll(t, j)
	require.Len(t, recs, 10)
	for i, rec := range recs {
		require.Equal(t, want[i], rec.Payload)
		require.EqualValues(t, i+1, rec.SeqN, "sequence numbers must be gapless and ordered")
	}
}

func TestJournal_FailedSyncRetainsRecords(t *testing.T) {
	j := newTestJournal(t, Config{})

	for i := 0; i < 5; i++ {
		_, err := j.Append([]byte{byte(i)})
		require.NoError(t, err)
	}

	barrier := errors.New("barrier failed")
	j.fsync = func(*os.File) error { return barrier }

	err := j.SyncNow()
	require.ErrorIs(t, err, barrier)
	require.Equal(t, 5, j.Pending(), "failed sync must retain the pending set")
	require.Empty(t, replayAll(t, j), "failed barrier must not expose records")

	// Appends made between the failure and the retry stay ordered after the
	// retained batch.
	_, err = j.Append([]byte{99})
	require.NoError(t, err)

	j.fsync = (*os.File).Sync
	require.NoError(t, j.SyncNow())

	recs := replayAll(t, j)
	require.Len(t, recs, 6)
	for i := 0; i < 5; i++ {
		require.Equal(t, []byte{byte(i)}, recs[i].Payload)
	}
	require.Equal(t, []byte{99}, recs[5].Payload)
}

func TestJournal_SizeThresholdAutoSync(t *testing.T) {
	collector := metrics.NewRegistry()
	j, err := New(t.TempDir(), Config{
		MaxBatchRecords: 5,
		SyncInterval:    time.Hour, // keep the interval trigger out of the picture
	}, collector)
	require.NoError(t, err)

	j.Start(context.Background())

	// 12 appends with a cap of 5 trigger exactly two automatic syncs; the
	// remaining two records stay buffered until Close. Waiting for the
	// buffer to drain between the two full batches keeps the count exact.
	appendN := func(n int) {
		for i := 0; i < n; i++ {
			_, err := j.Append([]byte{byte(i)})
			require.NoError(t, err)
		}
	}
	drained := func() bool { return j.Pending() == 0 }

	appendN(5)
	require.Eventually(t, drained, 2*time.Second, time.Millisecond)
	appendN(5)
	require.Eventually(t, drained, 2*time.Second, time.Millisecond)
	appendN(2)

	require.EqualValues(t, 2, collector.Counter("journal_auto_syncs"))
	require.Equal(t, 2, j.Pending())

	require.NoError(t, j.Close())
	require.EqualValues(t, 2, collector.Counter("journal_auto_syncs"))

	reopened, err := New(filepath.Dir(j.filePath), Config{}, nil)
	require.NoError(t, err)
	defer reopened.Close()
	require.Len(t, replayAll(t, reopened), 12, "close must flush the tail records")
}

func TestJournal_IntervalSync(t *testing.T) {
	collector := metrics.NewRegistry()
	j, err := New(t.TempDir(), Config{SyncInterval: 20 * time.Millisecond}, collector)
	require.NoError(t, err)
	defer j.Close()

	j.Start(context.Background())

	_, err = j.Append([]byte("tick"))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return j.Pending() == 0
	}, 2*time.Second, 5*time.Millisecond, "interval trigger must flush the buffer")
}

func TestJournal_AppendWait(t *testing.T) {
	j, err := New(t.TempDir(), Config{SyncInterval: 20 * time.Millisecond}, nil)
	require.NoError(t, err)
	defer j.Close()

	j.Start(context.Background())

	_, err = j.AppendWait([]byte("durable"), 2*time.Second)
	require.NoError(t, err)

	recs := replayAll(t, j)
	require.Len(t, recs, 1, "AppendWait must not return before the record is durable")
}

func TestJournal_AppendWaitTimeout(t *testing.T) {
	// No Start, no manual sync: the gate never fires.
	j := newTestJournal(t, Config{SyncInterval: time.Hour})

	_, err := j.AppendWait([]byte("stuck"), 20*time.Millisecond)
	require.ErrorIs(t, err, ErrSyncTimeout)
}

func TestJournal_ReopenContinuesSequence(t *testing.T) {
	dir := t.TempDir()

	j, err := New(dir, Config{}, nil)
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		_, err := j.Append([]byte{byte(i)})
		require.NoError(t, err)
	}
	require.NoError(t, j.SyncNow())
	require.NoError(t, j.Close())

	reopened, err := New(dir, Config{}, nil)
	require.NoError(t, err)
	defer reopened.Close()

	seqN, err := reopened.Append([]byte("next"))
	require.NoError(t, err)
	require.EqualValues(t, 4, seqN, "sequence must continue past replayed records")
}

// A torn record at the log tail (crash between the buffered write and the
// barrier) was never acknowledged; opening must drop it, not fail.
func TestJournal_TornTailDiscarded(t *testing.T) {
	dir := t.TempDir()

	j, err := New(dir, Config{}, nil)
	require.NoError(t, err)
	_, err = j.Append([]byte("good"))
	require.NoError(t, err)
	require.NoError(t, j.SyncNow())
	require.NoError(t, j.Close())

	// A partial record at the tail.
	f, err := os.OpenFile(filepath.Join(dir, fileName), os.O_WRONLY|os.O_APPEND, 0600)
	require.NoError(t, err)
	_, err = f.Write([]byte{0xde, 0xad, 0xbe})
	require.NoError(t, err)
	require.NoError(t, f.Close())

	reopened, err := New(dir, Config{}, nil)
	require.NoError(t, err, "torn tail must not fail the open")
	defer reopened.Close()

	recs := replayAll(t, reopened)
	require.Len(t, recs, 1)
	require.Equal(t, []byte("good"), recs[0].Payload)

	// The log stays appendable past the truncation point.
	seqN, err := reopened.Append([]byte("after"))
	require.NoError(t, err)
	require.EqualValues(t, 2, seqN)
	require.NoError(t, reopened.SyncNow())
	require.Len(t, replayAll(t, reopened), 2)
}

// A checksum mismatch on a barrier-covered record is real corruption and must
// still fail the open.
func TestJournal_ChecksumMismatchDetected(t *testing.T) {
	dir := t.TempDir()

	j, err := New(dir, Config{}, nil)
	require.NoError(t, err)
	_, err = j.Append([]byte("aaaa"))
	require.NoError(t, err)
	_, err = j.Append([]byte("bbbb"))
	require.NoError(t, err)
	require.NoError(t, j.SyncNow())
	require.NoError(t, j.Close())

	// Flip the first payload byte of the first record (header is 16 bytes).
	f, err := os.OpenFile(filepath.Join(dir, fileName), os.O_RDWR, 0600)
	require.NoError(t, err)
	_, err = f.WriteAt([]byte{0xff}, recordHeaderLen)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	_, err = New(dir, Config{}, nil)
	require.ErrorIs(t, err, ErrCorruptRecord)
}

func TestJournal_AppendAfterClose(t *testing.T) {
	j, err := New(t.TempDir(), Config{}, nil)
	require.NoError(t, err)
	require.NoError(t, j.Close())
	require.NoError(t, j.Close(), "close must be idempotent")

	_, err = j.Append([]byte("late"))
	require.ErrorIs(t, err, ErrClosed)
}
