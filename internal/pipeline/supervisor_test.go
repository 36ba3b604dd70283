package pipeline

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/accountex-org/reportstream/pkg/config"
	"github.com/accountex-org/reportstream/pkg/models"
	"github.com/accountex-org/reportstream/pkg/source"
	"github.com/accountex-org/reportstream/pkg/telemetry"
	"github.com/accountex-org/reportstream/pkg/testutil"
)

func supervisorTestConfig(partitions int) config.PipelineConfig {
	cfg := *config.NewPipelineConfig("supervisor-test")
	cfg.Fetch.ChunkSize = 1000
	cfg.Fetch.RetryBackoffBase = time.Millisecond
	cfg.Fetch.ResumePollInterval = 5 * time.Millisecond
	cfg.Transform.NumericFields = []string{"amount"}
	cfg.Transform.GroupBy = []string{"region"}
	cfg.Partition.Count = partitions
	return cfg
}

func runSupervisor(t *testing.T, cfg config.PipelineConfig, src source.PagedDataSource, transformers func() []Transformer) (*RunReport, *Registry, *testutil.RecordingSink, error) {
	t.Helper()
	ctx, cancel := testutil.TestContext(t)
	defer cancel()

	sink := testutil.NewRecordingSink()
	registry := NewRegistry(sink, testutil.TestLogger(t))
	cache := NewCache(cfg.Cache, testutil.TestLogger(t))

	sv := NewSupervisor(cfg, src, source.Query{Source: "test"}, transformers, registry, cache, sink, testutil.TestLogger(t))
	report, err := sv.Run(ctx)
	return report, registry, sink, err
}

func TestSupervisorEndToEnd(t *testing.T) {
	records := testutil.GenerateRecords(10000, "region", []string{"na", "eu", "apac"}, "amount", 2.0)
	src := source.NewSliceSource(records)

	report, registry, sink, err := runSupervisor(t, supervisorTestConfig(4), src, nil)
	require.NoError(t, err)
	require.NotNil(t, report.Result)

	res := report.Result
	assert.Equal(t, int64(10000), res.Records)
	assert.Equal(t, int64(10000), res.Count)
	assert.Equal(t, 20000.0, res.Sum["amount"])
	assert.Equal(t, 2.0, res.Avg["amount"])

	grouped := res.Grouped["region"]
	require.Len(t, grouped.Groups, 3)
	var groupTotal int64
	for _, g := range grouped.Groups {
		groupTotal += g.Count
		assert.Equal(t, 2.0*float64(g.Count), g.Sum["amount"])
	}
	assert.Equal(t, int64(10000), groupTotal)

	assert.Equal(t, StatusCompleted, report.State.Status)
	assert.Equal(t, int64(10000), report.State.RecordsProcessed)
	assert.Equal(t, 1, sink.CountNamed(telemetry.EventCompleted))

	// the run stays queryable after completion
	state, ok := registry.Get(report.PipelineID)
	require.True(t, ok)
	assert.Equal(t, StatusCompleted, state.Status)
}

func TestSupervisorTransientSourceFailures(t *testing.T) {
	inner := source.NewSliceSource(testutil.GenerateRecords(2500, "region", []string{"na", "eu"}, "amount", 1.0))
	flaky := testutil.NewFlakySource(inner, 2)

	report, _, _, err := runSupervisor(t, supervisorTestConfig(2), flaky, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(2500), report.Result.Records)
	assert.Equal(t, StatusCompleted, report.State.Status)
}

func TestSupervisorFetchFailureKeepsPartialResult(t *testing.T) {
	cfg := supervisorTestConfig(2)
	cfg.Fetch.ChunkSize = 100
	cfg.Fetch.MaxRetries = 1

	inner := source.NewSliceSource(testutil.GenerateRecords(1000, "region", []string{"na", "eu"}, "amount", 1.0))
	src := &failAfterSource{inner: inner, failFrom: 300}

	report, _, sink, err := runSupervisor(t, cfg, src, nil)
	require.Error(t, err)
	require.NotNil(t, report)

	assert.Equal(t, StatusFailed, report.State.Status)
	assert.Equal(t, int64(300), report.State.RecordsProcessed)

	// partial aggregation survives the failure
	require.NotNil(t, report.Result)
	assert.Equal(t, int64(300), report.Result.Records)
	assert.Equal(t, 300.0, report.Result.Sum["amount"])

	require.GreaterOrEqual(t, sink.CountNamed(telemetry.EventException), 1)
}

func TestSupervisorRestartsCrashedWorker(t *testing.T) {
	cfg := supervisorTestConfig(1)
	cfg.Fetch.ChunkSize = 10
	// small demand windows so the crash aborts one small batch, not the
	// whole stream
	cfg.Flow.MaxDemand = 10
	cfg.Flow.MinDemand = 5

	poison := func() []Transformer {
		return []Transformer{func(rec *models.Record) (*models.Record, error) {
			if rec.ID == "synthetic-25" {
				panic("poison record")
			}
			return rec, nil
		}}
	}

	src := source.NewSliceSource(testutil.GenerateRecords(100, "region", []string{"na"}, "amount", 1.0))
	report, _, sink, err := runSupervisor(t, cfg, src, poison)

	// the crash costs the worker its pre-crash state but not the run
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, report.State.Status)
	assert.Equal(t, 1, sink.CountNamed(telemetry.EventStageCrashed))
	assert.Less(t, report.Result.Records, int64(100))
	assert.Greater(t, report.Result.Records, int64(0))
}

func TestSupervisorAppliesTransformers(t *testing.T) {
	toUpper := func() []Transformer {
		return []Transformer{func(rec *models.Record) (*models.Record, error) {
			v, _ := rec.Float("amount")
			rec.Set("amount", v*10)
			return rec, nil
		}}
	}

	src := source.NewSliceSource(testutil.GenerateRecords(50, "region", []string{"na"}, "amount", 1.0))
	report, _, _, err := runSupervisor(t, supervisorTestConfig(1), src, toUpper)
	require.NoError(t, err)
	assert.Equal(t, 500.0, report.Result.Sum["amount"])
}
