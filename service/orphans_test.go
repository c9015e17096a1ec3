package service

import (
	"context"
	"fmt"
	"os"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"proctoring-recorder/constant"
	"proctoring-recorder/entities"
	"proctoring-recorder/pkg/storage"
	"proctoring-recorder/testutil"
)

type deleteFailingBackend struct {
	*testutil.MemoryBackend
}

func (deleteFailingBackend) Delete(context.Context, string) error {
	return fmt.Errorf("%w: injected delete failure", storage.ErrUnavailable)
}

func TestPurgeDeletesOrphanedBytes(t *testing.T) {
	f := newFixture(t)
	sessionId := uuid.New()
	first := f.ingest(t, sessionId, constant.ChannelWebcam, 0, []byte("first"))
	second := f.ingest(t, sessionId, constant.ChannelWebcam, 0, []byte("second"))

	require.NoError(t, f.repo.CreateOrphan(f.ctx, &entities.OrphanedObject{
		SessionId:      sessionId,
		StorageBackend: constant.StorageBackendObjectStore,
		Location:       "sessions/already-gone.webm",
		Reason:         orphanReasonUnregistered,
	}))

	report, err := NewOrphanService(f.repo, f.backends, f.retry, f.metrics).Purge(f.ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Deleted)
	assert.Zero(t, report.Failed)

	_, err = os.Stat(f.localPath(t, first))
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(f.localPath(t, second))
	assert.NoError(t, err, "live segment bytes are kept")

	orphans, err := f.repo.ListOrphans(f.ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, orphans)
}

func TestPurgeKeepsRecordWhenDeleteFails(t *testing.T) {
	f := newFixture(t, withDefaultBackend(constant.StorageBackendObjectStore))
	sessionId := uuid.New()
	f.ingest(t, sessionId, constant.ChannelWebcam, 0, []byte("first"))
	f.ingest(t, sessionId, constant.ChannelWebcam, 0, []byte("second"))
	require.Equal(t, 2, f.remote.Len())

	backends, err := storage.NewRegistry(constant.StorageBackendObjectStore, f.local, deleteFailingBackend{f.remote})
	require.NoError(t, err)

	report, err := NewOrphanService(f.repo, backends, f.retry, f.metrics).Purge(f.ctx, 10)
	require.NoError(t, err)
	assert.Zero(t, report.Deleted)
	assert.Equal(t, 1, report.Failed)

	orphans, err := f.repo.ListOrphans(f.ctx, 10)
	require.NoError(t, err)
	assert.Len(t, orphans, 1)
}
