package main

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"text/tabwriter"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/alexisbeaulieu97/nfvo/internal/config"
	"github.com/alexisbeaulieu97/nfvo/internal/orchestrator"
	nfvoerrors "github.com/alexisbeaulieu97/nfvo/pkg/errors"
)

type deployOptions struct {
	scenarioPath string
	instancePath string
	metricsFile  string
}

func newDeployCmd(root *rootFlags) *cobra.Command {
	opts := &deployOptions{}

	cmd := &cobra.Command{
		Use:   "deploy <scenario>",
		Short: "Deploy an instance of a scenario",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.scenarioPath = args[0]
			return runDeploy(cmd, root, opts)
		},
	}

	cmd.Flags().StringVarP(&opts.instancePath, "instance", "i", "", "Path to the instance descriptor")
	cmd.Flags().StringVar(&opts.metricsFile, "metrics-file", "", "Write Prometheus metrics to this file when done")
	cmd.MarkFlagRequired("instance") //nolint:errcheck

	return cmd
}

func runDeploy(cmd *cobra.Command, root *rootFlags, opts *deployOptions) error {
	sc, err := config.LoadScenario(opts.scenarioPath)
	if err != nil {
		return err
	}
	inst, err := config.LoadInstance(opts.instancePath)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()

	a, err := newApp(ctx, root, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer a.Close() //nolint:errcheck
	if opts.metricsFile != "" {
		defer writeMetrics(a.metrics, opts.metricsFile, cmd)
	}

	d, err := a.orch.Deploy(ctx, sc, inst)
	if err != nil {
		renderDeployFailure(cmd, err)
		return err
	}
	return renderDeployment(cmd, d)
}

func writeMetrics(reg *prometheus.Registry, path string, cmd *cobra.Command) {
	if err := prometheus.WriteToTextfile(path, reg); err != nil {
		fmt.Fprintf(cmd.ErrOrStderr(), "write metrics to %s: %v\n", path, err)
	}
}

func renderDeployment(cmd *cobra.Command, d *orchestrator.Deployment) error {
	out := cmd.OutOrStdout()
	p := newPainter(out)

	fmt.Fprintln(out, p.paint(successStyle, fmt.Sprintf("Instance %s deployed", d.Name)))
	fmt.Fprintf(out, "ID: %s\n", d.InstanceID)

	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "KIND\tNAME\tDATACENTER\tRESOURCE ID")
	for _, r := range d.Networks {
		kind := "network"
		if !r.Created {
			kind = "network (existing)"
		}
		fmt.Fprintf(writer, "%s\t%s\t%s\t%s\n", kind, r.Name, r.Datacenter, r.ResourceID)
	}
	for _, r := range d.VMs {
		fmt.Fprintf(writer, "vm\t%s\t%s\t%s\n", r.Name, r.Datacenter, r.ResourceID)
	}
	return writer.Flush()
}

func renderDeployFailure(cmd *cobra.Command, err error) {
	var deployErr *nfvoerrors.DeploymentError
	if !errors.As(err, &deployErr) {
		return
	}
	out := cmd.OutOrStdout()
	p := newPainter(out)
	fmt.Fprintln(out, p.paint(failureStyle, fmt.Sprintf("Deployment failed at %s", deployErr.Step)))
	if deployErr.RollbackOK {
		fmt.Fprintln(out, p.paint(mutedStyle, deployErr.RollbackSummary))
		return
	}
	fmt.Fprintln(out, p.paint(failureStyle, strings.TrimSpace(deployErr.RollbackSummary)))
}
