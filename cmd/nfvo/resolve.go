package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/alexisbeaulieu97/nfvo/internal/config"
	"github.com/alexisbeaulieu97/nfvo/internal/topology"
)

type resolveOptions struct {
	managementNetwork string
	jsonOutput        bool
}

func newResolveCmd(root *rootFlags) *cobra.Command {
	opts := &resolveOptions{}

	cmd := &cobra.Command{
		Use:   "resolve <scenario>",
		Short: "Resolve the logical networks of a scenario without deploying it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !cmd.Flags().Changed("management-network") {
				opts.managementNetwork = configuredManagementNetwork(root.configPath)
			}
			return runResolve(cmd, args[0], opts)
		},
	}

	cmd.Flags().StringVar(&opts.managementNetwork, "management-network", "", "Network receiving unattached management interfaces (defaults to the settings file)")
	cmd.Flags().BoolVar(&opts.jsonOutput, "json", false, "Output in JSON format")

	return cmd
}

// configuredManagementNetwork reads the management network from the settings
// file when one exists. Resolving does not require a settings file.
func configuredManagementNetwork(path string) string {
	if _, err := os.Stat(path); err != nil {
		return ""
	}
	settings, err := config.LoadSettings(path)
	if err != nil {
		return ""
	}
	return settings.ManagementNetwork
}

func runResolve(cmd *cobra.Command, path string, opts *resolveOptions) error {
	sc, err := config.LoadScenario(path)
	if err != nil {
		return err
	}

	res, err := topology.Resolve(sc.TopologyInput(opts.managementNetwork))
	if err != nil {
		return fmt.Errorf("resolve scenario %s: %w", sc.Name, err)
	}

	if opts.jsonOutput {
		return renderResolveJSON(cmd, sc, res)
	}
	return renderResolveTable(cmd, sc, res)
}

func renderResolveTable(cmd *cobra.Command, sc *config.Scenario, res *topology.Result) error {
	out := cmd.OutOrStdout()
	p := newPainter(out)

	fmt.Fprintln(out, p.paint(titleStyle, fmt.Sprintf("Scenario %s: %d networks", sc.Name, len(res.Networks))))

	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "KEY\tTRANSPORT\tKIND\tMEMBERS")
	for _, n := range res.Networks {
		fmt.Fprintf(writer, "%s\t%s\t%s\t%s\n", n.Key, n.Transport, networkKind(n), joinEndpoints(n.Members))
	}
	if err := writer.Flush(); err != nil {
		return err
	}

	if len(res.Unattached) > 0 {
		fmt.Fprintln(out, p.paint(mutedStyle, "Unattached: "+joinEndpoints(res.Unattached)))
	}
	return nil
}

func networkKind(n topology.LogicalNetwork) string {
	var kinds []string
	if n.Declared {
		kinds = append(kinds, "declared")
	} else {
		kinds = append(kinds, "implicit")
	}
	if n.External {
		kinds = append(kinds, "external")
	}
	if n.Management {
		kinds = append(kinds, "management")
	}
	return strings.Join(kinds, ",")
}

func joinEndpoints(eps []topology.Endpoint) string {
	return strings.Join(endpointStrings(eps), " ")
}

type resolveJSONNetwork struct {
	Key        string   `json:"key"`
	Name       string   `json:"name"`
	Transport  string   `json:"transport"`
	External   bool     `json:"external"`
	Declared   bool     `json:"declared"`
	Management bool     `json:"management"`
	Members    []string `json:"members"`
	Statements []string `json:"statements,omitempty"`
}

type resolveJSONPayload struct {
	Scenario   string               `json:"scenario"`
	Networks   []resolveJSONNetwork `json:"networks"`
	Unattached []string             `json:"unattached,omitempty"`
}

func renderResolveJSON(cmd *cobra.Command, sc *config.Scenario, res *topology.Result) error {
	payload := resolveJSONPayload{
		Scenario: sc.Name,
		Networks: make([]resolveJSONNetwork, len(res.Networks)),
	}
	for i, n := range res.Networks {
		payload.Networks[i] = resolveJSONNetwork{
			Key:        n.Key,
			Name:       n.Name,
			Transport:  string(n.Transport),
			External:   n.External,
			Declared:   n.Declared,
			Management: n.Management,
			Members:    endpointStrings(n.Members),
			Statements: n.Statements,
		}
	}
	payload.Unattached = endpointStrings(res.Unattached)

	encoder := json.NewEncoder(cmd.OutOrStdout())
	encoder.SetIndent("", "  ")
	return encoder.Encode(payload)
}

func endpointStrings(eps []topology.Endpoint) []string {
	if len(eps) == 0 {
		return nil
	}
	out := make([]string, len(eps))
	for i, ep := range eps {
		out[i] = ep.String()
	}
	return out
}
