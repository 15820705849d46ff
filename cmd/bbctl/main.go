// Command bbctl is an operator-facing status and config-check tool.
// It has no wire protocol to the running core - spec.md's Non-goals
// exclude an RPC status surface - so status assembles its own
// throwaway Core off the same files and CLI the daemon itself uses
// (spec.md §4.7, §6): the site config, the on-disk persistent-buffer
// snapshot, and one synchronous reconciliation pass against the
// external subsystem, then renders the same StatePack the facade
// hands back to a live job's status query.
package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/hpc-tools/dws-burstbuffer/pkg/config"
	"github.com/hpc-tools/dws-burstbuffer/pkg/core"
)

var configPath = pflag.String("config", "/etc/slurm/burst_buffer.yaml", "path to the site config file")

func main() {
	root := &cobra.Command{
		Use:   "bbctl",
		Short: "inspect burst-buffer core state",
	}
	root.PersistentFlags().AddFlag(pflag.Lookup("config"))
	root.AddCommand(statusCmd(), configCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func statusCmd() *cobra.Command {
	var uid uint32
	cmd := &cobra.Command{
		Use:   "status",
		Short: "report live buffer state via the facade's state pack",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}
			if !cmd.Flags().Changed("uid") && len(cfg.PrivilegedUsers) > 0 {
				uid = cfg.PrivilegedUsers[0]
			}

			c := core.New(cfg, nil)
			if err := c.Agent.LoadSnapshot(cfg); err != nil {
				fmt.Fprintf(os.Stderr, "warning: loading snapshot: %v\n", err)
			}
			// One synchronous pass against the real external CLI recovers
			// persistent-buffer attribution and pulls in whatever sessions
			// and pools it reports right now; a running daemon's in-flight
			// job-scratch admission state, which lives only in that
			// process's memory, is out of reach from a one-shot CLI either
			// way.
			c.Agent.Pass(context.Background())

			sp := c.Facade.StatePack(uid)
			if !cfg.IsPrivileged(uid) {
				fmt.Fprintf(os.Stderr, "warning: uid %d is not in privileged_users; showing only its own allocations\n", uid)
			}

			fmt.Printf("total_space_bytes: %d  used_space_bytes: %d\n", sp.TotalSpaceBytes, sp.UsedSpaceBytes)

			if len(sp.Jobs) > 0 {
				w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "JOB\tSTATE\tBYTES\tDESC")
				for _, j := range sp.Jobs {
					fmt.Fprintf(w, "%d\t%s\t%d\t%s\n", j.JobID, j.State, j.Bytes, j.StateDesc)
				}
				w.Flush()
			}

			if len(sp.Allocations) == 0 {
				fmt.Println("no allocations recorded")
				return nil
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tJOB\tOWNER\tBYTES\tSTATE\tPERSISTENT")
			for _, a := range sp.Allocations {
				fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%s\t%v\n", a.Name, a.JobID, a.OwnerUID, a.Bytes, a.State, a.Persistent)
			}
			return w.Flush()
		},
	}
	cmd.Flags().Uint32Var(&uid, "uid", 0, "caller uid whose view to render (defaults to the first privileged_users entry)")
	return cmd
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "site configuration commands",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "validate [file]",
		Short: "load a config file and report the effective settings",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(args[0])
			if err != nil {
				return err
			}
			fmt.Printf("state_save_dir: %s\n", cfg.StateSaveDir)
			fmt.Printf("total_space_bytes: %d\n", cfg.TotalSpaceBytes)
			fmt.Printf("granularity: %d\n", cfg.Granularity)
			fmt.Printf("emulation_mode: %v\n", cfg.EmulationMode)
			fmt.Printf("allow_user_persistence: %v\n", cfg.AllowUserPersistence)
			fmt.Printf("privileged_users: %v\n", cfg.PrivilegedUsers)
			return nil
		},
	})
	return cmd
}
