package commands

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/openfroyo/converge/pkg/core"
	"github.com/openfroyo/converge/pkg/engine"
	"github.com/openfroyo/converge/pkg/exec/remote"
	"github.com/openfroyo/converge/pkg/settings"
	"github.com/openfroyo/converge/pkg/stores"
	"github.com/openfroyo/converge/pkg/telemetry"
	sshtransport "github.com/openfroyo/converge/pkg/transports/ssh"
)

func newConfigCommand(global *globalFlags, version string) *cobra.Command {
	var (
		confDirs        []string
		initialManifest string
		outPath         string
		outPathPattern  string
		remoteOutPath   string
		remoteExec      string
		remoteShell     string
		archiving       string
		transport       string
		journal         string
		metricsAddress  string
		hostFile        string
		parallel        int
		dryRun          bool
	)

	cmd := &cobra.Command{
		Use:   "config [host...]",
		Short: "Configure hosts",
		Long: `Converge each host to the state declared by the initial manifest.

Hosts are taken from the arguments and from --file. Several hosts are
configured at the same time with --parallel. A failing host does not stop
the others; the command fails if any host failed.`,
		Example: `  # Configure one host with the configuration in ./conf
  converge config -c ./conf web1

  # Configure hosts listed in a file, four at a time
  converge config -c ./conf -f hosts.txt -j 4

  # Show what would be generated without running any code
  converge config -c ./conf -n web1`,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := global.loadSettings(func(s *settings.Settings) {
				f := cmd.Flags()
				if f.Changed("conf-dir") {
					s.ConfDirs = confDirs
				}
				if f.Changed("initial-manifest") {
					s.InitialManifest = initialManifest
				}
				if f.Changed("out-dir") {
					s.OutPath = outPath
				}
				if f.Changed("out-dir-pattern") {
					s.OutPathPattern = outPathPattern
				}
				if f.Changed("remote-out-dir") {
					s.RemoteOutPath = remoteOutPath
				}
				if f.Changed("remote-exec") {
					s.RemoteExec = remoteExec
				}
				if f.Changed("remote-shell") {
					s.RemoteShell = remoteShell
				}
				if f.Changed("archiving") {
					s.Archiving = archiving
				}
				if f.Changed("transport") {
					s.Transport = transport
				}
				if f.Changed("journal") {
					s.Journal = journal
				}
				if f.Changed("metrics-address") {
					s.MetricsAddress = metricsAddress
				}
				if f.Changed("parallel") {
					s.Parallel = parallel
				}
				if f.Changed("dry-run") {
					s.DryRun = dryRun
				}
			})
			if err != nil {
				return err
			}

			hosts, err := collectHosts(args, hostFile, cmd.InOrStdin())
			if err != nil {
				return err
			}
			if len(hosts) == 0 {
				return errors.New("no hosts given")
			}

			return runConfig(cmd.Context(), s, version, hosts)
		},
	}

	f := cmd.Flags()
	f.StringArrayVarP(&confDirs, "conf-dir", "c", nil, "configuration directory, may be repeated")
	f.StringVarP(&initialManifest, "initial-manifest", "i", "", "initial manifest instead of conf/manifest/init")
	f.StringVarP(&outPath, "out-dir", "o", "", "directory for the per-host output trees")
	f.StringVar(&outPathPattern, "out-dir-pattern", "", "name of each host tree below --out-dir: %h host hash, %N host, %P pid, strftime")
	f.StringVarP(&remoteOutPath, "remote-out-dir", "R", "", "working directory on the target")
	f.StringVar(&remoteExec, "remote-exec", "", "command used to run commands on the target")
	f.StringVar(&remoteShell, "remote-shell", "", "shell that runs scripts on the target")
	f.StringVarP(&archiving, "archiving", "a", "", "transfer directories as none, tar, tgz, tbz2 or txz")
	f.StringVar(&transport, "transport", "", "reach targets with the remote exec command (exec) or built-in ssh (ssh)")
	f.StringVar(&journal, "journal", "", "SQLite run journal")
	f.StringVar(&metricsAddress, "metrics-address", "", "serve Prometheus metrics on this address")
	f.StringVarP(&hostFile, "file", "f", "", "read hosts from a file, - for stdin")
	f.IntVarP(&parallel, "parallel", "j", 1, "number of hosts configured at the same time")
	f.BoolVarP(&dryRun, "dry-run", "n", false, "generate code but do not run it")

	return cmd
}

// collectHosts merges the host arguments with the hosts listed in file.
// Empty lines and lines starting with # are skipped.
func collectHosts(args []string, file string, stdin io.Reader) ([]string, error) {
	hosts := append([]string{}, args...)
	if file == "" {
		return hosts, nil
	}

	var r io.Reader = stdin
	if file != "-" {
		f, err := os.Open(file)
		if err != nil {
			return nil, fmt.Errorf("read host file: %w", err)
		}
		defer f.Close()
		r = f
	}

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		hosts = append(hosts, line)
	}
	return hosts, scanner.Err()
}

// resolveTarget looks up the host name and FQDN of host. Lookup failures
// leave the names empty, as the target may only be reachable through the
// remote exec command.
func resolveTarget(ctx context.Context, host string) core.TargetHost {
	target := core.TargetHost{Host: host}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	addrs, err := net.DefaultResolver.LookupHost(ctx, host)
	if err != nil || len(addrs) == 0 {
		return target
	}
	names, err := net.DefaultResolver.LookupAddr(ctx, addrs[0])
	if err != nil || len(names) == 0 {
		if net.ParseIP(host) == nil {
			target.FQDN = host
			target.Hostname, _, _ = strings.Cut(host, ".")
		}
		return target
	}
	target.FQDN = strings.TrimSuffix(names[0], ".")
	target.Hostname, _, _ = strings.Cut(target.FQDN, ".")
	return target
}

func runConfig(ctx context.Context, s *settings.Settings, version string, hosts []string) error {
	tel, err := telemetry.NewTelemetry(s.TelemetryConfig(version))
	if err != nil {
		return err
	}
	shutdown := func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := tel.Shutdown(shutdownCtx); err != nil {
			tel.Logger.WithError(err).Warn("Telemetry shutdown failed")
		}
	}

	// The journal closes after telemetry shutdown has drained the events.
	if s.Journal != "" {
		store, err := openJournal(ctx, s.Journal)
		if err != nil {
			shutdown()
			return err
		}
		defer store.Close()
		stores.NewJournal(store).Attach(tel.Events)
	}
	defer shutdown()
	tel.StartMetricsServer()

	var (
		mu     sync.Mutex
		failed []string
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.Parallel)
	for _, host := range hosts {
		host := host
		g.Go(func() error {
			if err := configureHost(gctx, s, tel, host); err != nil {
				telemetry.ForHost(host).WithError(err).Error("Configuration failed")
				mu.Lock()
				failed = append(failed, host)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return err
	}
	if len(failed) > 0 {
		return fmt.Errorf("failed hosts: %s", strings.Join(failed, " "))
	}
	return nil
}

func configureHost(ctx context.Context, s *settings.Settings, tel *telemetry.Telemetry, host string) error {
	target := resolveTarget(ctx, host)

	var transport remote.Transport
	if s.Transport == settings.TransportSSH {
		client, err := sshtransport.NewSSHClient(s.SSHConfig(host))
		if err != nil {
			return err
		}
		if err := client.Connect(ctx); err != nil {
			return err
		}
		defer client.Disconnect()
		transport = client
	}

	e, err := engine.New(s.EngineOptions(target), transport, tel)
	if err != nil {
		return err
	}
	telemetry.ForHost(host).Verbosef("Output tree %s, run %s", e.Options().OutPath, e.RunID)
	return e.Run(ctx)
}

func openJournal(ctx context.Context, path string) (*stores.SQLiteStore, error) {
	store, err := stores.NewSQLiteStore(stores.Config{Path: path})
	if err != nil {
		return nil, err
	}
	if err := store.Init(ctx); err != nil {
		_ = store.Close()
		return nil, err
	}
	if err := store.Migrate(ctx); err != nil {
		_ = store.Close()
		return nil, err
	}
	return store, nil
}
