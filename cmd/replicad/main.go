// replicad is a minimal demo driving two in-process replicas over the
// in-memory transport so the whole sync stack -- storage, transport,
// sync engine, collection -- can be exercised end to end from the
// command line without a real network. Structurally this plays
// syncbased's role (services/syncbase/syncbased/main.go): flag parsing,
// one constructor call, block until signalled.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/cloud-shuttle/leptos-sync-sub001/pkg/crdt"
	"github.com/cloud-shuttle/leptos-sync-sub001/pkg/ids"
	"github.com/cloud-shuttle/leptos-sync-sub001/pkg/metrics"
	"github.com/cloud-shuttle/leptos-sync-sub001/pkg/replica"
	"github.com/cloud-shuttle/leptos-sync-sub001/pkg/storage"
	"github.com/cloud-shuttle/leptos-sync-sub001/pkg/transport"
)

func main() {
	root := &cobra.Command{
		Use:   "replicad",
		Short: "Run a two-replica in-memory sync demo",
	}

	var collectionName string
	demoCmd := &cobra.Command{
		Use:   "demo",
		Short: "Start two in-process replicas, insert a record on one, wait for it to appear on the other",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDemo(collectionName)
		},
	}
	demoCmd.Flags().StringVar(&collectionName, "collection", "widgets", "Name of the demo collection")
	root.AddCommand(demoCmd)

	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("replicad v0.1.0")
		},
	})

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func runDemo(collectionName string) error {
	logger, err := zap.NewDevelopment()
	if err != nil {
		return fmt.Errorf("replicad: build logger: %w", err)
	}
	defer logger.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus := transport.NewInMemoryBus(2)
	collector := metrics.New("replicad", nil)

	a, err := replica.Open(ctx, replica.Options{
		Storage: storage.NewMemoryStore(), Transport: bus[0], Logger: logger.Named("replica-a"), Metrics: collector,
	})
	if err != nil {
		return fmt.Errorf("replicad: open replica a: %w", err)
	}
	defer a.Close(context.Background())

	b, err := replica.Open(ctx, replica.Options{
		Storage: storage.NewMemoryStore(), Transport: bus[1], Logger: logger.Named("replica-b"), Metrics: collector,
	})
	if err != nil {
		return fmt.Errorf("replicad: open replica b: %w", err)
	}
	defer b.Close(context.Background())

	ca, err := a.Collection(ctx, collectionName, crdt.VariantLwwMap)
	if err != nil {
		return fmt.Errorf("replicad: open collection on a: %w", err)
	}
	cb, err := b.Collection(ctx, collectionName, crdt.VariantLwwMap)
	if err != nil {
		return fmt.Errorf("replicad: open collection on b: %w", err)
	}

	value, _ := json.Marshal("hello from replica a")
	err = ca.Insert(ctx, "greeting", func(current crdt.Value, stamp ids.OperationId) (any, error) {
		return crdt.LwwMapDelta{Key: "greeting", Value: value, Stamp: stamp}, nil
	})
	if err != nil {
		return fmt.Errorf("replicad: insert: %w", err)
	}
	logger.Info("inserted record on replica a", zap.String("replica", a.ID().String()))

	deadline := time.After(5 * time.Second)
	tick := time.NewTicker(20 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case <-deadline:
			return fmt.Errorf("replicad: record did not converge to replica b within 5s")
		case <-tick.C:
			if v, ok := cb.Get("greeting"); ok {
				if raw, present := v.(*crdt.LwwMap).Get("greeting"); present {
					var got string
					_ = json.Unmarshal(raw, &got)
					logger.Info("record converged on replica b", zap.String("replica", b.ID().String()), zap.String("value", got))
					sigCh := make(chan os.Signal, 1)
					signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
					fmt.Println("demo converged; press Ctrl+C to exit")
					<-sigCh
					return nil
				}
			}
		}
	}
}
