// Command buildgraphctl is the operator-facing CLI: it can submit a
// graph file to a running buildgraphd, trigger a run against it, or
// run a graph locally without a daemon at all. Grounded on the
// cobra root-command wiring the pack's other CLI entrypoints use.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/buildgraph/engine/internal/fingerprint"
	"github.com/buildgraph/engine/internal/graphspec"
	"github.com/buildgraph/engine/internal/telemetry"
	"github.com/buildgraph/engine/internal/walker"
)

var daemonAddr string

func main() {
	root := &cobra.Command{
		Use:   "buildgraphctl",
		Short: "Submit and run buildgraph DAGs",
	}
	root.PersistentFlags().StringVar(&daemonAddr, "daemon", "http://localhost:8080", "buildgraphd base URL")

	root.AddCommand(submitCmd(), runRemoteCmd(), runLocalCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadSpec(path string) (graphspec.Spec, error) {
	var spec graphspec.Spec
	f, err := os.Open(path)
	if err != nil {
		return spec, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()
	if err := json.NewDecoder(f).Decode(&spec); err != nil {
		return spec, fmt.Errorf("decode %s: %w", path, err)
	}
	return spec, nil
}

func submitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "submit [graph.json]",
		Short: "Upload a graph definition to a running daemon",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			spec, err := loadSpec(args[0])
			if err != nil {
				return err
			}
			body, err := json.Marshal(spec)
			if err != nil {
				return err
			}
			resp, err := http.Post(daemonAddr+"/v1/graphs", "application/json", bytes.NewReader(body))
			if err != nil {
				return fmt.Errorf("post graph: %w", err)
			}
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusCreated {
				msg, _ := io.ReadAll(resp.Body)
				return fmt.Errorf("daemon rejected graph: %s: %s", resp.Status, msg)
			}
			fmt.Printf("submitted %s\n", spec.Name)
			return nil
		},
	}
}

func runRemoteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run-remote [graph-name]",
		Short: "Trigger a run of an already-submitted graph on the daemon",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := json.Marshal(map[string]string{"graph": args[0]})
			if err != nil {
				return err
			}
			resp, err := http.Post(daemonAddr+"/v1/runs", "application/json", bytes.NewReader(body))
			if err != nil {
				return fmt.Errorf("post run: %w", err)
			}
			defer resp.Body.Close()
			out, err := io.ReadAll(resp.Body)
			if err != nil {
				return err
			}
			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("daemon rejected run: %s: %s", resp.Status, out)
			}
			fmt.Println(string(out))
			return nil
		},
	}
}

func runLocalCmd() *cobra.Command {
	var fpPath string
	cmd := &cobra.Command{
		Use:   "run [graph.json]",
		Short: "Run a graph in-process, with no daemon involved",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			spec, err := loadSpec(args[0])
			if err != nil {
				return err
			}
			d, err := graphspec.BuildDAG(spec)
			if err != nil {
				return err
			}

			var fp fingerprint.Store
			if fpPath == "" {
				fp = fingerprint.NewMemStore()
			} else {
				fp, err = fingerprint.OpenBoltStore(fpPath, "buildgraphctl", nil)
				if err != nil {
					return fmt.Errorf("open fingerprint store: %w", err)
				}
				defer fp.Close()
			}

			w := walker.New(d, fp, graphspec.ActionProvider{},
				walker.WithFingerprintFunc(graphspec.Fingerprint),
				walker.WithRecorder(telemetry.NewRecorder()),
			)

			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
			defer cancel()
			if err := w.Run(ctx); err != nil {
				return fmt.Errorf("run: %w", err)
			}

			for _, v := range spec.Vertices {
				fmt.Printf("%-20s %s\n", v.ID, w.JobStatus(v.ID))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&fpPath, "fingerprint-db", "", "bbolt file to persist fingerprints across local runs (default: in-memory, no memoization across invocations)")
	return cmd
}
