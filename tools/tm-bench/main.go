package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/tendermint/tendermint/libs/log"
	rpcclient "github.com/tendermint/tendermint/rpc/jsonrpc/client"

	"dbft_demo/rpc"
)

var (
	duration, txsRate, connections, senders int
	verbose                                 bool
	broadcastTxMethod                       string
)

var rootCmd = &cobra.Command{
	Use:   "tm-bench [endpoints]",
	Short: "Send fee-bearing transactions to dbft nodes over websocket and report block latency",
	Example: `tm-bench localhost:26657
tm-bench -T 30 -r 500 node0:26657,node1:26657`,
	Args: cobra.ExactArgs(1),
	RunE: run,
}

func init() {
	rootCmd.Flags().IntVarP(&connections, "connections", "c", 1, "Connections to open to each endpoint")
	rootCmd.Flags().IntVarP(&duration, "duration", "T", 10, "Exit after the specified amount of time in seconds")
	rootCmd.Flags().IntVarP(&txsRate, "rate", "r", 1000, "Txs per second to send in a connection")
	rootCmd.Flags().IntVar(&senders, "senders", 100, "Number of distinct tx senders")
	rootCmd.Flags().StringVar(&broadcastTxMethod, "broadcast-tx-method", "broadcast_tx", "RPC method used to broadcast transactions")
	rootCmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "Verbose output")
}

func run(cmd *cobra.Command, args []string) error {
	logger := log.NewNopLogger()
	if verbose {
		logger = log.NewTMLogger(log.NewSyncWriter(os.Stdout))
	}
	if senders < 1 || senders > 256 {
		return fmt.Errorf("senders must be in [1, 256], got %d", senders)
	}

	endpoints := strings.Split(args[0], ",")
	transacters := make([]*transacter, 0, len(endpoints))
	for _, e := range endpoints {
		t := newTransacter(e, connections, txsRate, senders, broadcastTxMethod)
		t.SetLogger(logger)
		if err := t.Start(); err != nil {
			return err
		}
		transacters = append(transacters, t)
	}

	time.Sleep(time.Duration(duration) * time.Second)
	for _, t := range transacters {
		t.Stop()
	}

	return printLatency(endpoints[0])
}

// printLatency 查询第一个节点统计的出块间隔
func printLatency(endpoint string) error {
	c, err := rpcclient.New("tcp://" + endpoint)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var latency rpc.ResultLatency
	if _, err := c.Call(ctx, "block_latency", map[string]interface{}{}, &latency); err != nil {
		return err
	}
	var status rpc.ResultStatus
	if _, err := c.Call(ctx, "status", map[string]interface{}{}, &status); err != nil {
		return err
	}

	fmt.Printf("height %d, %d block intervals: avg %.3fs median %.3fs min %.3fs max %.3fs\n",
		status.SyncInfo.LatestBlockIndex, latency.Blocks,
		latency.AverageInterval, latency.MedianInterval, latency.MinInterval, latency.MaxInterval)
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
