package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/rkozak/travelres/internal/wire"
)

func wcAddr(cmd *cobra.Command) string {
	addr, _ := cmd.Flags().GetString("wc-addr")
	return addr
}

var reserveCmd = &cobra.Command{
	Use:   "reserve",
	Short: "Reserve one inventory item for a customer",
	RunE: func(cmd *cobra.Command, args []string) error {
		custName, _ := cmd.Flags().GetString("customer")
		flight, _ := cmd.Flags().GetString("flight")
		car, _ := cmd.Flags().GetString("car")
		room, _ := cmd.Flags().GetString("room")
		quantity, _ := cmd.Flags().GetInt64("quantity")

		given := 0
		for _, v := range []string{flight, car, room} {
			if v != "" {
				given++
			}
		}
		if given > 1 {
			return fmt.Errorf("exactly one of --flight, --car or --room is required")
		}

		var path string
		var resvKey string
		switch {
		case flight != "":
			path, resvKey = "/reservations/flight", flight
		case car != "":
			path, resvKey = "/reservations/car", car
		case room != "":
			path, resvKey = "/reservations/room", room
		default:
			return fmt.Errorf("exactly one of --flight, --car or --room is required")
		}

		req := wire.ReserveRequest{CustName: custName, ResvKey: resvKey, Quantity: quantity}
		var resp wire.WCResponse
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		_, err := wire.Call(ctx, httpClientFor(cmd), http.MethodPost, wcAddr(cmd)+path, "", req, &resp)
		if err != nil {
			return fmt.Errorf("reserve: %w", err)
		}
		if !resp.OK {
			return fmt.Errorf("reserve failed: %s", resp.Message)
		}
		fmt.Println("reserved")
		return nil
	},
}

func init() {
	reserveCmd.Flags().String("customer", "", "customer name (required)")
	reserveCmd.Flags().String("flight", "", "flight id to reserve")
	reserveCmd.Flags().String("car", "", "car location to reserve")
	reserveCmd.Flags().String("room", "", "room location to reserve")
	reserveCmd.Flags().Int64("quantity", 1, "number of seats/cars/rooms to reserve")
	reserveCmd.MarkFlagRequired("customer")
}
