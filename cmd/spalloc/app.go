package main

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"pkt.systems/pslog"

	"pkt.systems/spalloc"
	"pkt.systems/spalloc/api"
	"pkt.systems/spalloc/protocol"
)

type appFlags struct {
	configPath string
	hostname   string
	port       int
	owner      string
	timeout    time.Duration
}

func newRootCommand(logger pslog.Logger) *cobra.Command {
	flags := &appFlags{}
	root := &cobra.Command{
		Use:           "spalloc",
		Short:         "Interact with a spalloc board-allocation server",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	pf := root.PersistentFlags()
	pf.StringVar(&flags.configPath, "config", "", "read settings from this INI file instead of the default search path")
	pf.StringVar(&flags.hostname, "hostname", "", "spalloc server hostname")
	pf.IntVar(&flags.port, "port", 0, "spalloc server port")
	pf.StringVar(&flags.owner, "owner", "", "owner to create jobs under")
	pf.DurationVar(&flags.timeout, "timeout", 0, "per-command timeout")
	root.AddCommand(
		newVersionCommand(flags),
		newCreateCommand(flags, logger),
		newDestroyCommand(flags),
		newPowerCommand(flags),
		newPSCommand(flags),
		newMachinesCommand(flags),
		newWhereIsCommand(flags),
	)
	return root
}

// config merges the INI configuration with any command-line overrides.
func (f *appFlags) config() (spalloc.Config, error) {
	var cfg spalloc.Config
	var err error
	if f.configPath != "" {
		cfg, err = spalloc.LoadConfig(f.configPath)
	} else {
		cfg, err = spalloc.LoadConfig()
	}
	if err != nil {
		return spalloc.Config{}, err
	}
	if f.hostname != "" {
		cfg.Hostname = f.hostname
	}
	if f.port != 0 {
		cfg.Port = f.port
	}
	if f.owner != "" {
		cfg.Owner = f.owner
	}
	if f.timeout != 0 {
		cfg.Timeout = f.timeout
	}
	if cfg.Hostname == "" {
		return spalloc.Config{}, fmt.Errorf("no spalloc server configured; use --hostname or a config file")
	}
	return cfg, nil
}

// dial opens a raw protocol client for the query commands.
func (f *appFlags) dial() (*protocol.Client, protocol.Handle, spalloc.Config, error) {
	cfg, err := f.config()
	if err != nil {
		return nil, 0, spalloc.Config{}, err
	}
	c := protocol.New(cfg.Hostname, cfg.Port, protocol.WithDefaultTimeout(cfg.Timeout))
	h := c.NewHandle()
	if err := c.Connect(h, cfg.Timeout); err != nil {
		return nil, 0, spalloc.Config{}, err
	}
	return c, h, cfg, nil
}

func newVersionCommand(flags *appFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Report the server's protocol version",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, h, cfg, err := flags.dial()
			if err != nil {
				return err
			}
			defer c.Close()
			v, err := c.Version(cmd.Context(), h, cfg.Timeout)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), v)
			return nil
		},
	}
}

func newCreateCommand(flags *appFlags, logger pslog.Logger) *cobra.Command {
	var boards, width, height int
	var wait time.Duration
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Allocate boards and hold the job until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := flags.config()
			if err != nil {
				return err
			}
			req := spalloc.CreateRequest{Boards: boards, Width: width, Height: height}
			job, err := spalloc.NewJob(cmd.Context(), cfg, req, spalloc.WithLogger(logger))
			if err != nil {
				return err
			}
			// The command context is already cancelled when we get here on
			// interrupt, so destroy with a fresh one.
			defer job.Destroy(context.Background(), "released by spalloc create")
			if err := job.WaitUntilReady(cmd.Context(), wait); err != nil {
				return err
			}
			hostname, err := job.Hostname(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "job %d ready: %s\n", job.ID(), hostname)
			<-cmd.Context().Done()
			return nil
		},
	}
	cmd.Flags().IntVar(&boards, "boards", 1, "number of boards to request")
	cmd.Flags().IntVar(&width, "width", 0, "width in triads (with --height)")
	cmd.Flags().IntVar(&height, "height", 0, "height in triads (with --width)")
	cmd.Flags().DurationVar(&wait, "wait", 0, "give up if the job is not ready after this long (0 waits forever)")
	return cmd
}

func newDestroyCommand(flags *appFlags) *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "destroy <job-id>",
		Short: "Destroy a job and free its boards",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.Atoi(args[0])
			if err != nil {
				return fmt.Errorf("job id must be an integer: %q", args[0])
			}
			c, h, cfg, err := flags.dial()
			if err != nil {
				return err
			}
			defer c.Close()
			return c.DestroyJob(cmd.Context(), h, id, reason, cfg.Timeout)
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "reason recorded on the server")
	return cmd
}

func newPowerCommand(flags *appFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "power <on|off> <job-id>",
		Short: "Switch a job's boards on or off",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.Atoi(args[1])
			if err != nil {
				return fmt.Errorf("job id must be an integer: %q", args[1])
			}
			c, h, cfg, err := flags.dial()
			if err != nil {
				return err
			}
			defer c.Close()
			switch args[0] {
			case "on":
				return c.PowerOnJobBoards(cmd.Context(), h, id, cfg.Timeout)
			case "off":
				return c.PowerOffJobBoards(cmd.Context(), h, id, cfg.Timeout)
			default:
				return fmt.Errorf("power state must be on or off, not %q", args[0])
			}
		},
	}
}

func newPSCommand(flags *appFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "ps",
		Short: "List the server's job queue",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, h, cfg, err := flags.dial()
			if err != nil {
				return err
			}
			defer c.Close()
			jobs, err := c.ListJobs(cmd.Context(), h, cfg.Timeout)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 8, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tSTATE\tPOWER\tBOARDS\tMACHINE\tOWNER")
			for _, job := range jobs {
				power := "-"
				if job.Power != nil {
					power = map[bool]string{true: "on", false: "off"}[*job.Power]
				}
				machine := "-"
				if job.AllocatedMachineName != nil {
					machine = *job.AllocatedMachineName
				}
				fmt.Fprintf(w, "%d\t%s\t%s\t%d\t%s\t%s\n",
					job.JobID, job.State, power, len(job.Boards), machine, job.Owner)
			}
			return w.Flush()
		},
	}
}

func newMachinesCommand(flags *appFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "machines",
		Short: "List the machines the server allocates from",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, h, cfg, err := flags.dial()
			if err != nil {
				return err
			}
			defer c.Close()
			machines, err := c.ListMachines(cmd.Context(), h, cfg.Timeout)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 8, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tSIZE\tDEAD BOARDS\tDEAD LINKS\tTAGS")
			for _, m := range machines {
				fmt.Fprintf(w, "%s\t%dx%d\t%d\t%d\t%s\n",
					m.Name, m.Width, m.Height, len(m.DeadBoards), len(m.DeadLinks),
					strings.Join(m.Tags, ","))
			}
			return w.Flush()
		},
	}
}

func newWhereIsCommand(flags *appFlags) *cobra.Command {
	var machine, board string
	var jobID, chipX, chipY int
	cmd := &cobra.Command{
		Use:   "where-is",
		Short: "Locate a board or chip across coordinate systems",
		RunE: func(cmd *cobra.Command, args []string) error {
			var q api.WhereIsQuery
			switch {
			case board != "":
				coord, err := parseTriad(board)
				if err != nil {
					return err
				}
				q.Machine = machine
				q.Logical = &coord
			case cmd.Flags().Changed("job"):
				q.JobID = &jobID
				q.Chip = &api.ChipCoord{X: chipX, Y: chipY}
			default:
				q.Machine = machine
				q.Chip = &api.ChipCoord{X: chipX, Y: chipY}
			}
			c, h, cfg, err := flags.dial()
			if err != nil {
				return err
			}
			defer c.Close()
			w, err := c.WhereIs(cmd.Context(), h, q, cfg.Timeout)
			if err != nil {
				return err
			}
			if w == nil {
				return fmt.Errorf("no board at the requested location")
			}
			fmt.Fprintf(cmd.OutOrStdout(),
				"machine %s logical (%d,%d,%d) physical cabinet %d frame %d board %d chip (%d,%d)\n",
				w.Machine, w.Logical.X, w.Logical.Y, w.Logical.Z,
				w.Physical.Cabinet, w.Physical.Frame, w.Physical.Board,
				w.Chip.X, w.Chip.Y)
			return nil
		},
	}
	cmd.Flags().StringVar(&machine, "machine", "", "machine to query")
	cmd.Flags().StringVar(&board, "board", "", "logical board coordinate x,y,z")
	cmd.Flags().IntVar(&jobID, "job", 0, "resolve the chip relative to this job")
	cmd.Flags().IntVar(&chipX, "chip-x", 0, "chip x coordinate")
	cmd.Flags().IntVar(&chipY, "chip-y", 0, "chip y coordinate")
	return cmd
}

func parseTriad(s string) (api.BoardCoord, error) {
	parts := strings.Split(s, ",")
	if len(parts) != 3 {
		return api.BoardCoord{}, fmt.Errorf("board coordinate must be x,y,z")
	}
	var c api.BoardCoord
	fields := []*int{&c.X, &c.Y, &c.Z}
	for i, part := range parts {
		n, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil {
			return api.BoardCoord{}, fmt.Errorf("board coordinate must be x,y,z")
		}
		*fields[i] = n
	}
	return c, nil
}
