package main

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/highbeam/versionfs/internal/config"
	"github.com/highbeam/versionfs/internal/daemon"
	"github.com/highbeam/versionfs/internal/ipc"
	"github.com/highbeam/versionfs/internal/report"
)

// globals holds the persistent flags shared by every command.
type globals struct {
	configPath string
	root       string
	jsonOutput bool
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	g := &globals{}

	rootCmd := &cobra.Command{
		Use:   "versionfs",
		Short: "Keep every version of the files under a directory",
		Long: `versionfs is a daemon that watches a directory and records every
version of every file in it, so any past state can be read back.`,
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			report.Color = colorEnabled()
		},
	}

	rootCmd.PersistentFlags().StringVar(&g.configPath, "config", "", "Config file (default: ~/.versionfs/config.json)")
	rootCmd.PersistentFlags().StringVar(&g.root, "root", "", "Versioned root directory (overrides config)")
	rootCmd.PersistentFlags().BoolVar(&g.jsonOutput, "json", false, "Output as JSON")

	rootCmd.AddCommand(startCmd(g))
	rootCmd.AddCommand(stopCmd(g))
	rootCmd.AddCommand(pingCmd(g))
	rootCmd.AddCommand(statusCmd(g))
	rootCmd.AddCommand(importCmd(g))
	rootCmd.AddCommand(filesCmd(g))
	rootCmd.AddCommand(logCmd(g))
	rootCmd.AddCommand(showCmd(g))
	rootCmd.AddCommand(atCmd(g))

	return rootCmd
}

// colorEnabled reports whether stdout is a terminal that wants color.
func colorEnabled() bool {
	if os.Getenv("NO_COLOR") != "" {
		return false
	}
	fd := os.Stdout.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}

func (g *globals) load() (*config.Config, error) {
	cfg, err := config.Load(g.configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if g.root != "" {
		abs, err := filepath.Abs(g.root)
		if err != nil {
			return nil, fmt.Errorf("resolve root: %w", err)
		}
		cfg.RootDir = abs
	}
	return cfg, nil
}

func (g *globals) client() (*ipc.Client, error) {
	cfg, err := g.load()
	if err != nil {
		return nil, err
	}
	return ipc.NewClient(cfg.SocketPath), nil
}

func pidPath(cfg *config.Config) string {
	return filepath.Join(cfg.DataDir, "versionfs.pid")
}

func startCmd(g *globals) *cobra.Command {
	var (
		foreground bool
		reset      bool
		noWatch    bool
	)

	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start the versionfs daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := g.load()
			if err != nil {
				return err
			}
			if reset {
				cfg.ResetDatabase = true
			}
			if noWatch {
				cfg.Watch = false
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			out := cmd.OutOrStdout()

			// The already-running checks only apply to the user-facing
			// entry point. The foreground child skips them because the
			// parent already wrote the PID file for it.
			if !foreground {
				if pid, ok := runningPID(pidPath(cfg)); ok {
					fmt.Fprintf(out, "daemon is already running (pid %d)\n", pid)
					return nil
				}
				if err := ipc.NewClient(cfg.SocketPath).Ping(); err == nil {
					fmt.Fprintln(out, "daemon is already running")
					return nil
				}
				return spawn(cmd, g, cfg, args)
			}

			// Foreground mode: Start blocks until signal, stop command or error.
			d := daemon.New(cfg)
			err = d.Start(cmd.Context())
			_ = os.Remove(pidPath(cfg))
			return err
		},
	}

	cmd.Flags().BoolVar(&foreground, "foreground", false, "Run in the foreground (don't daemonize)")
	cmd.Flags().BoolVar(&reset, "reset", false, "Drop all stored history before the initial import")
	cmd.Flags().BoolVar(&noWatch, "no-watch", false, "Do not watch the root for changes")

	return cmd
}

// runningPID reads the PID file and reports whether that process is alive.
// A stale PID file is removed.
func runningPID(path string) (int, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, false
	}
	if pid, err := strconv.Atoi(strings.TrimSpace(string(data))); err == nil {
		if process, err := os.FindProcess(pid); err == nil {
			if err := process.Signal(syscall.Signal(0)); err == nil {
				return pid, true
			}
		}
	}
	_ = os.Remove(path)
	return 0, false
}

// spawn re-executes the binary with --foreground in a new session and
// waits for its socket to answer.
func spawn(cmd *cobra.Command, g *globals, cfg *config.Config, args []string) error {
	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("resolve executable path: %w", err)
	}
	if err := cfg.EnsureDataDir(); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	logPath := filepath.Join(cfg.DataDir, "daemon.log")
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("open daemon log: %w", err)
	}
	defer logFile.Close()

	childArgs := []string{"start", "--foreground", "--root", cfg.RootDir}
	if g.configPath != "" {
		childArgs = append(childArgs, "--config", g.configPath)
	}
	for _, name := range []string{"reset", "no-watch"} {
		if f := cmd.Flags().Lookup(name); f != nil && f.Changed {
			childArgs = append(childArgs, "--"+name)
		}
	}
	childArgs = append(childArgs, args...)

	child := exec.Command(exe, childArgs...)
	child.Stdout = logFile
	child.Stderr = logFile
	child.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if err := child.Start(); err != nil {
		return fmt.Errorf("start background daemon: %w", err)
	}

	childPID := child.Process.Pid
	if err := os.WriteFile(pidPath(cfg), []byte(strconv.Itoa(childPID)), 0644); err != nil {
		return fmt.Errorf("write pid file: %w", err)
	}
	// Detach from the child so it won't become a zombie.
	_ = child.Process.Release()

	// The initial import runs before the socket opens, so allow it time.
	client := ipc.NewClient(cfg.SocketPath)
	deadline := time.Now().Add(60 * time.Second)
	for time.Now().Before(deadline) {
		time.Sleep(200 * time.Millisecond)
		if err := client.Ping(); err == nil {
			fmt.Fprintf(cmd.OutOrStdout(), "daemon started (pid %d, root %s)\n", childPID, cfg.RootDir)
			return nil
		}
	}

	_ = os.Remove(pidPath(cfg))
	return fmt.Errorf("daemon failed to start (check %s)", logPath)
}

func stopCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop the versionfs daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := g.load()
			if err != nil {
				return err
			}

			client := ipc.NewClient(cfg.SocketPath)
			if err := client.RequestStop(); err != nil {
				return fmt.Errorf("stop daemon: %w", err)
			}

			// Remove PID file in case daemon crashes before its own cleanup.
			_ = os.Remove(pidPath(cfg))

			fmt.Fprintln(cmd.OutOrStdout(), "daemon stopping")
			return nil
		},
	}
}

func pingCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "ping",
		Short: "Check if daemon is alive",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := g.client()
			if err != nil {
				return err
			}
			if err := client.Ping(); err != nil {
				fmt.Fprintln(cmd.OutOrStdout(), "daemon is not running")
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "daemon is alive")
			return nil
		},
	}
}

func statusCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show daemon status",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := g.client()
			if err != nil {
				return err
			}
			status, err := client.Status()
			if err != nil {
				return fmt.Errorf("daemon not running or unreachable: %w", err)
			}

			if g.jsonOutput {
				fmt.Fprintln(cmd.OutOrStdout(), report.FormatJSON(status))
			} else {
				fmt.Fprint(cmd.OutOrStdout(), report.FormatStatus(status))
			}
			return nil
		},
	}
}
