package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/rkozak/travelres/internal/wire"
)

func httpClientFor(cmd *cobra.Command) *http.Client {
	return &http.Client{Timeout: 10 * time.Second}
}

func tmAddr(cmd *cobra.Command) string {
	addr, _ := cmd.Flags().GetString("tm-addr")
	return addr
}

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start a new transaction and print its id",
	RunE: func(cmd *cobra.Command, args []string) error {
		var resp wire.StartTxnResponse
		ctx := context.Background()
		_, err := wire.Call(ctx, httpClientFor(cmd), http.MethodPost, tmAddr(cmd)+"/txn/start", "", nil, &resp)
		if err != nil {
			return fmt.Errorf("start transaction: %w", err)
		}
		fmt.Println(resp.XID)
		return nil
	},
}

var commitCmd = &cobra.Command{
	Use:   "commit XID",
	Short: "Commit a transaction, driving two-phase commit to completion",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		xid := args[0]
		var resp wire.TxnStatusResponse
		ctx := context.Background()
		_, err := wire.Call(ctx, httpClientFor(cmd), http.MethodPost, tmAddr(cmd)+"/txn/commit", xid, wire.CommitRequest{XID: xid}, &resp)
		if err != nil {
			return fmt.Errorf("commit %s: %w", xid, err)
		}
		fmt.Println(resp.Status)
		return nil
	},
}

var abortCmd = &cobra.Command{
	Use:   "abort XID",
	Short: "Abort a transaction",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		xid := args[0]
		var resp wire.TxnStatusResponse
		ctx := context.Background()
		_, err := wire.Call(ctx, httpClientFor(cmd), http.MethodPost, tmAddr(cmd)+"/txn/abort", xid, wire.CommitRequest{XID: xid}, &resp)
		if err != nil {
			return fmt.Errorf("abort %s: %w", xid, err)
		}
		fmt.Println(resp.Status)
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status XID",
	Short: "Print a transaction's current state",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		xid := args[0]
		var resp wire.TxnStatusResponse
		ctx := context.Background()
		_, err := wire.Call(ctx, httpClientFor(cmd), http.MethodGet, tmAddr(cmd)+"/txn/"+xid, "", nil, &resp)
		if err != nil {
			return fmt.Errorf("status %s: %w", xid, err)
		}
		fmt.Println(resp.Status)
		return nil
	},
}
