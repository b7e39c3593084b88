// Command gatewayctl is a REST client for gatewayd's HTTP control
// surface: apply a desired state, inspect reconcile/dispatcher status,
// and query traffic samples (spec §4.5).
package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"gatewayd/internal/buildinfo"
	"gatewayd/internal/clientconfig"
	"gatewayd/internal/model"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, errorStyle.Render(err.Error()))
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "gatewayctl",
		Short:   "Client for the gatewayd control surface",
		Version: buildinfo.Version,
	}

	cmd.AddCommand(contextCmd(), configCmd(), applyCmd(), statusCmd(), trafficCmd())
	return cmd
}

// resolveClient uses the --address/--token flags when --address is given,
// and otherwise the current context (set via `gatewayctl context use`).
func resolveClient(address, token string) (*client, error) {
	if address != "" {
		return newClient(address, token), nil
	}

	cfg, err := clientconfig.Load()
	if err != nil {
		return nil, err
	}
	_, ctx, ok := cfg.Current()
	if !ok {
		return nil, fmt.Errorf("no current context; run `gatewayctl context use <name>` or pass --address")
	}
	return newClient(ctx.URL(), ctx.Token), nil
}

func contextCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "context",
		Short: "Manage gatewayd connection contexts",
	}

	setCmd := &cobra.Command{
		Use:   "set <name> <address> <token>",
		Short: "Add or update a named context",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := clientconfig.Load()
			if err != nil {
				return err
			}
			if err := cfg.Set(args[0], clientconfig.Context{Address: args[1], Token: args[2]}); err != nil {
				return err
			}
			if err := cfg.Save(); err != nil {
				return err
			}
			fmt.Println(successMsg("saved context %q", args[0]))
			return nil
		},
	}

	useCmd := &cobra.Command{
		Use:   "use <name>",
		Short: "Select the current context",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := clientconfig.Load()
			if err != nil {
				return err
			}
			if err := cfg.Use(args[0]); err != nil {
				return err
			}
			if err := cfg.Save(); err != nil {
				return err
			}
			fmt.Println(successMsg("using context %q", args[0]))
			return nil
		},
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List saved contexts",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := clientconfig.Load()
			if err != nil {
				return err
			}
			names := make([]string, 0, len(cfg.Contexts))
			for name := range cfg.Contexts {
				names = append(names, name)
			}
			sortStrings(names)

			rows := make([][]string, 0, len(names))
			for _, name := range names {
				ctx := cfg.Contexts[name].Redacted()
				current := ""
				if name == cfg.CurrentContext {
					current = "*"
				}
				rows = append(rows, []string{current, name, ctx.Address, ctx.Token})
			}
			fmt.Println(renderTable([]string{"", "name", "address", "token"}, rows))
			return nil
		},
	}

	cmd.AddCommand(setCmd, useCmd, listCmd)
	return cmd
}

func sortStrings(a []string) {
	for i := 1; i < len(a); i++ {
		for j := i; j > 0 && a[j-1] > a[j]; j-- {
			a[j-1], a[j] = a[j], a[j-1]
		}
	}
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect the desired state gatewayd last accepted",
	}
	cmd.AddCommand(configGetCmd())
	return cmd
}

func configGetCmd() *cobra.Command {
	var address, token string

	cmd := &cobra.Command{
		Use:   "get",
		Short: "Print the current desired state as JSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := resolveClient(address, token)
			if err != nil {
				return err
			}
			desired, err := c.getConfig(cmd.Context())
			if err != nil {
				return err
			}
			out, err := json.MarshalIndent(desired, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(out))
			return nil
		},
	}

	cmd.Flags().StringVar(&address, "address", "", "gatewayd API address (overrides the current context)")
	cmd.Flags().StringVar(&token, "token", "", "gatewayd API token (overrides the current context)")
	return cmd
}

func applyCmd() *cobra.Command {
	var address, token, file string

	cmd := &cobra.Command{
		Use:   "apply",
		Short: "POST a desired state and print the reconcile result",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := resolveClient(address, token)
			if err != nil {
				return err
			}

			var raw io.Reader = os.Stdin
			if file != "" {
				f, err := os.Open(file)
				if err != nil {
					return fmt.Errorf("open %s: %w", file, err)
				}
				defer f.Close()
				raw = f
			}

			var desired model.DesiredState
			if err := json.NewDecoder(raw).Decode(&desired); err != nil {
				return fmt.Errorf("decode desired state: %w", err)
			}

			result, err := c.postConfig(cmd.Context(), desired)
			if err != nil {
				return err
			}

			rows := make([][]string, 0, len(result.Ports))
			ports := make([]int, 0, len(result.Ports))
			for port := range result.Ports {
				ports = append(ports, int(port))
			}
			sortInts(ports)
			for _, port := range ports {
				st := result.Ports[uint16(port)]
				rows = append(rows, []string{strconv.Itoa(port), stateStyled(string(st.State)), st.Reason})
			}
			fmt.Println(renderTable([]string{"port", "state", "reason"}, rows))
			fmt.Println(successMsg("applied desired state"))
			return nil
		},
	}

	cmd.Flags().StringVar(&address, "address", "", "gatewayd API address (overrides the current context)")
	cmd.Flags().StringVar(&token, "token", "", "gatewayd API token (overrides the current context)")
	cmd.Flags().StringVarP(&file, "file", "f", "", "Desired state JSON file (default: stdin)")
	return cmd
}

func statusCmd() *cobra.Command {
	var address, token string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show per-port health and dispatcher statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := resolveClient(address, token)
			if err != nil {
				return err
			}
			resp, err := c.getStatus(cmd.Context())
			if err != nil {
				return err
			}

			ports := make([]int, 0, len(resp.Ports))
			for port := range resp.Ports {
				ports = append(ports, int(port))
			}
			sortInts(ports)

			rows := make([][]string, 0, len(ports))
			for _, port := range ports {
				st := resp.Ports[uint16(port)]
				rows = append(rows, []string{strconv.Itoa(port), stateStyled(string(st.State)), st.Reason})
			}
			fmt.Println(renderTable([]string{"port", "state", "reason"}, rows))
			fmt.Printf("active connections: %d\n", resp.Dispatcher.ActiveConnections)

			for _, c := range resp.Conflicts {
				fmt.Println(warnStyle.Render(fmt.Sprintf("conflict: %s won by port %d (lost: %v)", c.Hostname, c.Winner, c.Losers)))
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&address, "address", "", "gatewayd API address (overrides the current context)")
	cmd.Flags().StringVar(&token, "token", "", "gatewayd API token (overrides the current context)")
	return cmd
}

func trafficCmd() *cobra.Command {
	var address, token string
	var since int64

	cmd := &cobra.Command{
		Use:   "traffic",
		Short: "Query accumulated traffic samples",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := resolveClient(address, token)
			if err != nil {
				return err
			}
			rows, err := c.getTraffic(cmd.Context(), since)
			if err != nil {
				return err
			}

			tableRows := make([][]string, 0)
			for _, group := range rows {
				for _, p := range group.Samples {
					tableRows = append(tableRows, []string{
						group.Network, group.Peer,
						strconv.FormatInt(p.Time, 10),
						strconv.FormatUint(p.Rx, 10),
						strconv.FormatUint(p.Tx, 10),
					})
				}
			}
			fmt.Println(renderTable([]string{"network", "peer", "time", "rx", "tx"}, tableRows))
			return nil
		},
	}

	cmd.Flags().StringVar(&address, "address", "", "gatewayd API address (overrides the current context)")
	cmd.Flags().StringVar(&token, "token", "", "gatewayd API token (overrides the current context)")
	cmd.Flags().Int64Var(&since, "since", 0, "Only include samples after this unix timestamp")
	return cmd
}

func sortInts(a []int) {
	for i := 1; i < len(a); i++ {
		for j := i; j > 0 && a[j-1] > a[j]; j-- {
			a[j-1], a[j] = a[j], a[j-1]
		}
	}
}
