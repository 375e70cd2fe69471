package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/rkozak/travelres/internal/wire"
)

type inventorySeed struct {
	Key      string `json:"key"`
	Price    int64  `json:"price"`
	NumSeats int64  `json:"numSeats"`
	NumAvail int64  `json:"numAvail"`
}

type customerSeed struct {
	Name    string `json:"name"`
	Balance int64  `json:"balance"`
}

// seedFlights, seedCars, seedRooms and seedCustomers are a small, fixed
// sample dataset -- enough to exercise every business verb by hand
// without requiring an operator to type out inventory records.
var (
	seedFlights = []inventorySeed{
		{Key: "FL100", Price: 250, NumSeats: 180, NumAvail: 180},
		{Key: "FL200", Price: 400, NumSeats: 120, NumAvail: 120},
	}
	seedCars = []inventorySeed{
		{Key: "SFO", Price: 80, NumSeats: 40, NumAvail: 40},
		{Key: "JFK", Price: 95, NumSeats: 25, NumAvail: 25},
	}
	seedRooms = []inventorySeed{
		{Key: "SFO-downtown", Price: 150, NumSeats: 60, NumAvail: 60},
	}
	seedCustomers = []customerSeed{
		{Name: "alice", Balance: 5000},
		{Name: "bob", Balance: 3000},
	}
)

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Load a small fixed sample dataset through the WorkflowController",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		client := httpClientFor(cmd)
		base := wcAddr(cmd)

		for _, f := range seedFlights {
			if err := postSeed(ctx, client, base+"/inventory/flights", f); err != nil {
				return fmt.Errorf("seed flight %s: %w", f.Key, err)
			}
		}
		for _, c := range seedCars {
			if err := postSeed(ctx, client, base+"/inventory/cars", c); err != nil {
				return fmt.Errorf("seed car %s: %w", c.Key, err)
			}
		}
		for _, r := range seedRooms {
			if err := postSeed(ctx, client, base+"/inventory/rooms", r); err != nil {
				return fmt.Errorf("seed room %s: %w", r.Key, err)
			}
		}
		for _, cust := range seedCustomers {
			if err := postSeed(ctx, client, base+"/customers", cust); err != nil {
				return fmt.Errorf("seed customer %s: %w", cust.Name, err)
			}
		}

		fmt.Println("seeded sample inventory and customers")
		return nil
	},
}

func postSeed(ctx context.Context, client *http.Client, url string, body any) error {
	var resp wire.WCResponse
	_, err := wire.Call(ctx, client, http.MethodPost, url, "", body, &resp)
	if err != nil {
		return err
	}
	if !resp.OK {
		return fmt.Errorf("%s", resp.Message)
	}
	return nil
}
