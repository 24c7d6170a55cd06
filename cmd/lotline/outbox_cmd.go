package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/lotline/lotline/internal/client/delivery"
	"github.com/lotline/lotline/internal/client/outbox"
	"github.com/lotline/lotline/internal/client/retry"
)

var outboxCmd = &cobra.Command{
	Use:   "outbox",
	Short: "Inspect and drain the offline delivery queue",
}

var outboxListCmd = &cobra.Command{
	Use:   "list",
	Short: "List queued deliveries",
	RunE:  runOutboxList,
}

var outboxDrainCmd = &cobra.Command{
	Use:   "drain",
	Short: "Attempt delivery of all queued items now",
	RunE:  runOutboxDrain,
}

var outboxRequeueCmd = &cobra.Command{
	Use:   "requeue",
	Short: "Reset items that hit the retry ceiling",
	RunE:  runOutboxRequeue,
}

func init() {
	outboxCmd.AddCommand(outboxListCmd, outboxDrainCmd, outboxRequeueCmd)
}

func runOutboxList(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	q, err := outbox.Open(cfg.Client.QueueDir)
	if err != nil {
		return err
	}
	items, err := q.List()
	if err != nil {
		return err
	}
	if len(items) == 0 {
		fmt.Println("Outbox is empty")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "#\tTYPE\tENDPOINT\tRETRIES\tENQUEUED")
	for i, item := range items {
		marker := ""
		if item.RetryCount >= cfg.Client.RetryCeiling {
			marker = " (parked)"
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%d%s\t%s\n",
			i+1, item.Type, item.Endpoint, item.RetryCount, marker,
			item.EnqueuedAt.Format("2006-01-02 15:04:05"))
	}
	w.Flush()
	return nil
}

func runOutboxDrain(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	q, err := outbox.Open(cfg.Client.QueueDir)
	if err != nil {
		return err
	}
	n, err := q.Len()
	if err != nil {
		return err
	}
	if n == 0 {
		fmt.Println("Outbox is empty")
		return nil
	}

	t := delivery.NewTransport(cfg.Client.APIBaseURL, cfg.Client.RequestTimeout())
	coord := retry.New(q, t, retry.Config{
		DrainInterval:  cfg.Client.DrainInterval(),
		HealthInterval: cfg.Client.HealthCheckInterval(),
		RetryCeiling:   cfg.Client.RetryCeiling,
	})

	stats := coord.DrainOnce()
	fmt.Printf("Delivered: %d\n", stats.Delivered)
	fmt.Printf("Rejected:  %d\n", stats.Rejected)
	fmt.Printf("Deferred:  %d\n", stats.Deferred)
	fmt.Printf("Parked:    %d\n", stats.Parked)
	return nil
}

func runOutboxRequeue(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	q, err := outbox.Open(cfg.Client.QueueDir)
	if err != nil {
		return err
	}
	dead, err := q.ListDead(cfg.Client.RetryCeiling)
	if err != nil {
		return err
	}
	if len(dead) == 0 {
		fmt.Println("No parked items")
		return nil
	}

	for i := range dead {
		if err := q.Requeue(&dead[i]); err != nil {
			return err
		}
	}
	fmt.Printf("Requeued %d items\n", len(dead))
	return nil
}
