package perf

import (
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	gometrics "github.com/rcrowley/go-metrics"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	cmdUtil "github.com/ValentinKolb/pathkvs/cmd/util"
	"github.com/ValentinKolb/pathkvs/lib/kv"
	"github.com/ValentinKolb/pathkvs/rpc/client"
)

var (
	PerfCmd = &cobra.Command{
		Use:   "perf",
		Short: "Contention benchmark for pathkvs servers",
		Long:  `Hammer a single counter key (INC) with read-increment-write transactions from multiple connections. Every conflicted commit is retried, so the counter grows by exactly the requested increment count; the conflict rate shows how the optimistic commit protocol behaves under contention.`,
		RunE:  run,
	}

	perfCount   = 1000
	perfThreads = 4
)

func init() {
	cobra.OnInitialize(cmdUtil.InitConfig)
	cmdUtil.SetupClientFlags(PerfCmd)

	key := "count"
	PerfCmd.Flags().Int(key, 1000, cmdUtil.WrapString("How many successful increments to perform in total"))
	key = "threads"
	PerfCmd.Flags().Int(key, 4, cmdUtil.WrapString("Number of concurrent connections"))
}

func processConfig(cmd *cobra.Command) error {
	if err := viper.BindPFlags(cmd.Flags()); err != nil {
		return err
	}
	perfCount = viper.GetInt("count")
	perfThreads = viper.GetInt("threads")
	return nil
}

func run(cmd *cobra.Command, _ []string) error {
	if err := processConfig(cmd); err != nil {
		return err
	}

	fmt.Println("Contention benchmark for pathkvs servers")
	fmt.Println(cmdUtil.GetClientConfig().String())
	fmt.Printf("Increments: %d, Threads: %d\n\n", perfCount, perfThreads)

	var (
		remaining = int64(perfCount)
		conflicts atomic.Int64
		timer     = gometrics.NewTimer()
		wg        sync.WaitGroup
		errOnce   sync.Once
		runErr    error
	)

	start := time.Now()
	wg.Add(perfThreads)
	for i := 0; i < perfThreads; i++ {
		go func() {
			defer wg.Done()

			conn, err := client.Dial(*cmdUtil.GetClientConfig())
			if err != nil {
				errOnce.Do(func() { runErr = err })
				return
			}
			defer conn.Close()

			for atomic.AddInt64(&remaining, -1) >= 0 {
				// one successful increment, retrying on conflict
				for {
					txStart := time.Now()
					err := increment(conn)
					timer.UpdateSince(txStart)

					if err == nil {
						break
					}
					if kv.IsConflict(err) {
						conflicts.Add(1)
						continue
					}
					errOnce.Do(func() { runErr = err })
					return
				}
			}
		}()
	}
	wg.Wait()
	elapsed := time.Since(start)

	if runErr != nil {
		return runErr
	}

	ps := timer.Percentiles([]float64{0.5, 0.95, 0.99})
	fmt.Printf("incremented INC %d times in %s\n", perfCount, elapsed.Round(time.Millisecond))
	fmt.Printf("  throughput : %.0f txn/s\n", float64(perfCount)/elapsed.Seconds())
	fmt.Printf("  conflicts  : %d\n", conflicts.Load())
	fmt.Printf("  latency    : mean %s, p50 %s, p95 %s, p99 %s\n",
		time.Duration(timer.Mean()).Round(time.Microsecond),
		time.Duration(ps[0]).Round(time.Microsecond),
		time.Duration(ps[1]).Round(time.Microsecond),
		time.Duration(ps[2]).Round(time.Microsecond),
	)
	return nil
}

// increment runs one read-increment-write transaction on the INC key.
func increment(conn *client.Client) error {
	if err := conn.Start(); err != nil {
		return err
	}
	value, found, err := conn.Read("INC")
	if err != nil {
		return err
	}
	current := uint64(0)
	if found {
		current, err = strconv.ParseUint(value, 10, 64)
		if err != nil {
			return err
		}
	}
	if err := conn.Write("INC", strconv.FormatUint(current+1, 10)); err != nil {
		return err
	}
	return conn.Commit()
}
