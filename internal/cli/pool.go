package cli

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
)

// NewQueueCmd создаёт группу команд для инспекции очередей.
func NewQueueCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect queues",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List queues with depths",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			queues, err := client.ListQueues()
			if err != nil {
				return err
			}

			headers := []string{"NAME", "DEPTH"}
			rows := make([][]string, len(queues))
			for i, q := range queues {
				rows[i] = []string{q.Name, strconv.Itoa(q.Depth)}
			}

			out.Print(headers, rows, queues)
			return nil
		},
	})

	return cmd
}

// NewPoolCmd создаёт группу команд для управления worker pool'ом.
func NewPoolCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pool",
		Short: "Manage the worker pool",
	}

	cmd.AddCommand(
		newPoolStatusCmd(clientFn, outputFn),
		newPoolScaleCmd(clientFn, outputFn),
	)

	return cmd
}

func newPoolStatusCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show pool status",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			pool, err := client.GetPool()
			if err != nil {
				return err
			}

			out.Success(fmt.Sprintf("Pool %s: %d slots, queues [%s], latency %dms",
				pool.Name, pool.Slots, strings.Join(pool.Queues, ", "), pool.LatencyMs))

			headers := []string{"SLOT", "GENERATION", "EXECUTED", "TOTAL", "CURRENT_TASK"}
			rows := make([][]string, len(pool.Workers))
			for i, w := range pool.Workers {
				rows[i] = []string{
					strconv.Itoa(w.ID),
					strconv.Itoa(w.Generation),
					strconv.Itoa(w.Executed),
					strconv.Itoa(w.TotalExecuted),
					w.CurrentTask,
				}
			}

			out.Print(headers, rows, pool)
			return nil
		},
	}
}

func newPoolScaleCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "scale SLOTS",
		Short: "Scale the pool to N slots",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			slots, err := strconv.Atoi(args[0])
			if err != nil || slots < 1 {
				return fmt.Errorf("invalid slot count %q", args[0])
			}

			pool, err := client.ScalePool(slots)
			if err != nil {
				return err
			}

			out.Success(fmt.Sprintf("Pool %s scaled to %d slots", pool.Name, pool.Slots))
			return nil
		},
	}
}
