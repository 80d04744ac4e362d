// Command appenderator-demo exercises the appenderator package end to end:
// it starts a job, feeds it a batch of synthetic rows across a couple of
// segment identifiers, forces an intermediate persist, and pushes the
// result to a local deep storage root, printing the resulting segment
// descriptors. It exists to give reviewers and integrators something
// runnable rather than only unit tests.
package main

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"time"

	"github.com/KimMachineGun/automemlimit/memlimit"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/loquisgon/appenderator/appenderator"
	"github.com/loquisgon/appenderator/deepstorage"
	"github.com/loquisgon/appenderator/rowindex"
	"github.com/loquisgon/appenderator/segment"
)

const demoMaxBytesInMemory = 32 << 20 // 32 MiB

func main() {
	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	if err := run(log); err != nil {
		log.WithError(err).Fatal("demo run failed")
	}
}

func run(log *logrus.Logger) error {
	setMemoryLimit(log)

	basePersistDir, err := os.MkdirTemp("", "appenderator-demo-persist-")
	if err != nil {
		return err
	}
	defer os.RemoveAll(basePersistDir)

	deepStorageRoot, err := os.MkdirTemp("", "appenderator-demo-deepstorage-")
	if err != nil {
		return err
	}
	defer os.RemoveAll(deepStorageRoot)

	pusher, err := deepstorage.NewLocalPusher(deepStorageRoot)
	if err != nil {
		return err
	}

	registry := prometheus.NewRegistry()
	metrics := appenderator.NewMetrics(registry, "orders")

	a, err := appenderator.New(log,
		appenderator.WithDataSource("orders"),
		appenderator.WithBasePersistDirectory(basePersistDir),
		appenderator.WithPusher(pusher),
		appenderator.WithMaxRowsInMemory(2_000),
		appenderator.WithMaxBytesInMemory(demoMaxBytesInMemory),
		appenderator.WithIntermediatePersistPeriod(30*time.Second),
		appenderator.WithMetrics(metrics),
	)
	if err != nil {
		return err
	}

	if err := a.StartJob(); err != nil {
		return err
	}
	defer a.Close(context.Background())

	ctx := context.Background()
	day := segment.Interval{
		Start: time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC),
		End:   time.Date(2024, 3, 2, 0, 0, 0, 0, time.UTC),
	}
	identifiers := []segment.Identifier{
		{DataSource: "orders", Interval: day, Version: "2024-03-01T00:00:00.000Z", Shard: segment.ShardSpec{Type: "numbered", Partition: 0, Partitions: 2}},
		{DataSource: "orders", Interval: day, Version: "2024-03-01T00:00:00.000Z", Shard: segment.ShardSpec{Type: "numbered", Partition: 1, Partitions: 2}},
	}

	rng := rand.New(rand.NewSource(42))
	const rowsPerIdentifier = 6_000
	for _, id := range identifiers {
		for i := 0; i < rowsPerIdentifier; i++ {
			row := rowindex.Row{
				Timestamp: day.Start.Add(time.Duration(rng.Int63n(int64(day.End.Sub(day.Start))))),
				Fields: map[string]interface{}{
					"order_id": i,
					"amount":   rng.Float64() * 500,
					"region":   []string{"us-east", "us-west", "eu-west"}[rng.Intn(3)],
				},
			}
			if _, err := a.Add(ctx, id, row, nil, true); err != nil {
				return fmt.Errorf("add row to %s: %w", id.String(), err)
			}
		}
		log.WithField("identifier", id.String()).WithField("rows", rowsPerIdentifier).Info("finished adding rows")
	}

	if err := a.PersistAll(ctx); err != nil {
		return fmt.Errorf("persist all: %w", err)
	}

	result := <-a.Push(ctx, false)
	if result.Err != nil {
		return fmt.Errorf("push: %w", result.Err)
	}

	for _, seg := range result.Segments {
		log.WithFields(logrus.Fields{
			"identifier": seg.Identifier.String(),
			"rows":       seg.NumRows,
			"bytes":      seg.Size,
			"path":       seg.LoadSpec["path"],
		}).Info("pushed segment")
	}

	log.WithField("total_rows", a.GetTotalRowCount()).Info("demo run complete")
	return nil
}

// setMemoryLimit ties the Go runtime's soft memory limit to
// demoMaxBytesInMemory plus a fixed margin for everything that is not a
// buffered row (goroutine stacks, the merge workspace, GC overhead), so a
// misconfigured container limit cannot OOM-kill the process before the
// appenderator's own admission control ever gets a chance to push back.
func setMemoryLimit(log *logrus.Logger) {
	const overheadMargin = 64 << 20 // 64 MiB

	limit, err := memlimit.SetGoMemLimitWithOpts(
		memlimit.WithProvider(memlimit.Limit(uint64(demoMaxBytesInMemory+overheadMargin))),
		memlimit.WithRatio(0.9),
	)
	if err != nil {
		log.WithError(err).Warn("failed to set GOMEMLIMIT from MaxBytesInMemory; continuing with the runtime default")
		return
	}
	log.WithField("gomemlimit_bytes", limit).Info("set GOMEMLIMIT from appenderator memory budget")
}
