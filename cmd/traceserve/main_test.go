package main

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/signalsfoundry/traceview/internal/dataset"
	"github.com/signalsfoundry/traceview/internal/domain"
	"github.com/signalsfoundry/traceview/internal/fetch"
	"github.com/signalsfoundry/traceview/internal/logging"
	"github.com/signalsfoundry/traceview/internal/tracedata"
	"github.com/signalsfoundry/traceview/timectrl"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func listen(t *testing.T) net.Listener {
	t.Helper()
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	return lis
}

func TestTraceserveStartupSmoke(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	httpLis, grpcLis := listen(t), listen(t)
	cfg := Config{Synthetic: 2, FlushEvery: 64, LogLevel: "warn"}
	log := logging.New(logging.Config{Level: cfg.LogLevel, Format: "text"})

	errCh := make(chan error, 1)
	go func() { errCh <- run(ctx, cfg, log, httpLis, grpcLis) }()

	client, err := fetch.NewClient("http://" + httpLis.Addr().String())
	require.NoError(t, err)
	infos, err := client.Datasets(ctx)
	require.NoError(t, err)
	require.Len(t, infos, 2)
	assert.Equal(t, "synthetic-1", infos[0].ID)
	assert.True(t, infos[0].Ready)

	p, err := client.Fetch(ctx, fetch.Query{
		Dataset:  "synthetic-1",
		Resource: fetch.ResourceUtilization,
		Window:   infos[0].Overview,
		Bins:     16,
	})
	require.NoError(t, err)
	assert.Equal(t, 16, p.Len())

	conn, err := dataset.DialHealth(grpcLis.Addr().String())
	require.NoError(t, err)
	defer conn.Close()
	ok, err := dataset.NewHealthChecker(conn).Ready(ctx, "synthetic-2")
	require.NoError(t, err)
	assert.True(t, ok)

	cancel()
	require.NoError(t, <-errCh)
}

func TestLoadDatasetsFromFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "run.csv")
	require.NoError(t, os.WriteFile(path, []byte("begin,end,location\n0,4,a\n2,8,b\n"), 0o600))

	store := tracedata.NewStore(timectrl.Real())
	defer store.Close()
	require.NoError(t, loadDatasets(context.Background(), Config{DataFiles: []string{path}}, store, logging.Noop()))

	list := store.List()
	require.Len(t, list, 1)
	assert.Equal(t, "run", list[0].ID)
	assert.Equal(t, domain.Domain{Begin: 0, End: 8}, list[0].Overview)

	err := loadDatasets(context.Background(), Config{DataFiles: []string{filepath.Join(dir, "absent.json")}}, store, logging.Noop())
	assert.Error(t, err)
}

func TestMetricsServerDisabledWithoutAddress(t *testing.T) {
	assert.Nil(t, metricsServer("", nil))
}
