package main

import (
	"fmt"
	"io"
	"os"

	"vertexcentric/updater"

	"github.com/spf13/cobra"
)

// demo drives a single Updater in process, without a coord or workers.
func demo(out io.Writer) error {
	product := 1.0
	fib := updater.New(0, 1)
	if err := fib.SetUpdate(func(vertex, context float64) float64 {
		product *= context
		return vertex + context
	}); err != nil {
		return err
	}

	if err := fib.Run(); err != nil {
		return err
	}
	fmt.Fprintf(out, "10th Fibonacci number: %.0f\n", fib.Vertex())
	fmt.Fprintf(out, "Product of the first 10 Fibonacci numbers: %.0f\n", product)

	if err := fib.Run(); err != nil {
		return err
	}
	fmt.Fprintf(out, "20th Fibonacci number: %.0f\n", fib.Vertex())
	fmt.Fprintf(out, "Product of the first 20 Fibonacci numbers: %g\n", product)

	power := updater.New(1, 2)
	if err := power.SetUpdate(func(vertex, context float64) float64 {
		return vertex * context
	}); err != nil {
		return err
	}
	if err := power.Run(); err != nil {
		return err
	}
	fmt.Fprintf(out, "2^55: %.0f\n", power.Vertex())
	return nil
}

func main() {
	rootCmd := &cobra.Command{
		Use:   "demo",
		Short: "Run Fibonacci and power updaters locally",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return demo(cmd.OutOrStdout())
		},
	}
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
