// flashinst
// Installs images onto raw MTD flash partitions, NAND and NOR, and serves
// the local control socket other processes use to request installs.
// Cobra CLI + optional tcell fullscreen view with one glyph per ERASE BLOCK.
//
// Build:
//
//	go build -o flashinst .
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"flashinst/config"
	"flashinst/handler"
	"flashinst/ipc"
	"flashinst/logger"
	"flashinst/mtd"
	"flashinst/nandsim"
)

func must(err error) {
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(2)
	}
}

func human(b int64) string {
	if b >= 1024*1024*1024 {
		return fmt.Sprintf("%dG", b/(1024*1024*1024))
	}
	if b >= 1024*1024 {
		return fmt.Sprintf("%dM", b/(1024*1024))
	}
	if b >= 1024 {
		return fmt.Sprintf("%dK", b/1024)
	}
	return fmt.Sprintf("%dB", b)
}

// env is what every command needs once flags and the config file are read.
type env struct {
	cfg      *config.Config
	log      *zap.Logger
	provider mtd.Provider
}

type globalFlags struct {
	configPath string
	socket     string
	debug      bool
	json       bool
}

func (g *globalFlags) load(fs afero.Fs) (*env, error) {
	cfg, err := config.Load(fs, g.configPath)
	if err != nil {
		return nil, err
	}
	if g.socket != "" {
		cfg.Socket = g.socket
	}
	if g.debug {
		cfg.Log.Debug = true
	}
	if g.json {
		cfg.Log.JSON = true
	}
	log, err := logger.New(logger.Config{ServiceName: "flashinst", Debug: cfg.Log.Debug, JSON: cfg.Log.JSON})
	if err != nil {
		return nil, err
	}
	p, err := cfg.Provider(fs)
	if err != nil {
		return nil, err
	}
	return &env{cfg: cfg, log: log, provider: p}, nil
}

// parseBlockList reads "1,5,9" into block indexes.
func parseBlockList(s string) ([]int64, error) {
	var out []int64
	for _, f := range strings.Split(s, ",") {
		f = strings.TrimSpace(f)
		if f == "" {
			continue
		}
		n, err := strconv.ParseInt(f, 0, 64)
		if err != nil || n < 0 {
			return nil, fmt.Errorf("bad block index %q", f)
		}
		out = append(out, n)
	}
	return out, nil
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func main() {
	fs := afero.NewOsFs()
	var g globalFlags

	root := &cobra.Command{
		Use:           "flashinst",
		Short:         "Raw flash image installer",
		Long:          "Write images to NAND/NOR MTD partitions with bad block handling, and serve install requests over a local control socket",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&g.configPath, "config", "", "YAML configuration file")
	root.PersistentFlags().StringVar(&g.socket, "socket", "", "control socket path (default $TMPDIR/sockinstctrl)")
	root.PersistentFlags().BoolVar(&g.debug, "debug", false, "debug logging")
	root.PersistentFlags().BoolVar(&g.json, "log-json", false, "log in JSON")

	root.AddCommand(installCmd(fs, &g))

	// serve
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve install requests on the control socket",
		RunE: func(_ *cobra.Command, _ []string) error {
			e, err := g.load(fs)
			if err != nil {
				return err
			}
			defer e.log.Sync()

			reg := handler.NewRegistry()
			f, err := handler.RegisterFlash(reg, e.provider, e.log)
			if err != nil {
				return err
			}
			f.ChunkSize = int(e.cfg.ChunkSize)

			srv := ipc.NewServer(e.cfg.Socket, reg, e.log)
			srv.PostUpdateCmd = e.cfg.PostUpdateCmd

			ctx, stop := signalContext()
			defer stop()
			return srv.Serve(ctx)
		},
	}
	root.AddCommand(serveCmd)

	// status
	var (
		statusTimeout int
		statusWait    bool
	)
	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Query the installer state",
		RunE: func(_ *cobra.Command, _ []string) error {
			c := ipc.NewClient(g.socketPath(fs))
			if statusWait {
				ctx, stop := signalContext()
				defer stop()
				res, err := c.WaitForComplete(ctx, printStatus)
				if err != nil {
					return err
				}
				fmt.Printf("Result: %s\n", res)
				if res != ipc.Success {
					return fmt.Errorf("installation ended with %s", res)
				}
				return nil
			}
			st, err := c.GetStatusTimeout(time.Duration(statusTimeout) * time.Millisecond)
			if errors.Is(err, ipc.ErrTimeout) {
				return fmt.Errorf("no answer within %dms", statusTimeout)
			}
			if err != nil {
				return err
			}
			fmt.Printf("State:       %s\n", st.Current)
			fmt.Printf("Last result: %s\n", st.LastResult)
			fmt.Printf("Error:       %d\n", st.Error)
			if d := st.Description(); d != "" {
				fmt.Printf("Message:     %s\n", d)
			}
			return nil
		},
	}
	statusCmd.Flags().IntVar(&statusTimeout, "timeout", 0, "reply timeout in milliseconds (0 waits forever)")
	statusCmd.Flags().BoolVar(&statusWait, "wait", false, "poll until the installer is idle")
	root.AddCommand(statusCmd)

	// postupdate
	var postMsg string
	postCmd := &cobra.Command{
		Use:   "postupdate",
		Short: "Ask the installer to run its post-update action",
		RunE: func(_ *cobra.Command, _ []string) error {
			c := ipc.NewClient(g.socketPath(fs))
			if err := c.PostUpdate(postMsg); err != nil {
				return err
			}
			fmt.Println("Post-update acknowledged")
			return nil
		},
	}
	postCmd.Flags().StringVar(&postMsg, "msg", "", "message passed to the post-update command")
	root.AddCommand(postCmd)

	root.AddCommand(mtdCmd(fs, &g))
	root.AddCommand(simCmd())

	must(root.Execute())
}

// socketPath resolves the socket without building a logger or provider.
func (g *globalFlags) socketPath(fs afero.Fs) string {
	if g.socket != "" {
		return g.socket
	}
	if g.configPath != "" {
		if cfg, err := config.Load(fs, g.configPath); err == nil {
			return ipc.SocketPath(cfg.Socket)
		}
	}
	return ipc.SocketPath("")
}

func printStatus(st ipc.Status) {
	if d := st.Description(); d != "" {
		fmt.Printf("[%s] %s\n", st.Current, d)
		return
	}
	fmt.Printf("[%s]\n", st.Current)
}

func mtdCmd(fs afero.Fs, g *globalFlags) *cobra.Command {
	mtdRoot := &cobra.Command{
		Use:   "mtd",
		Short: "Inspect MTD partitions (read-only)",
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List MTD partitions",
		RunE: func(_ *cobra.Command, _ []string) error {
			e, err := g.load(fs)
			if err != nil {
				return err
			}
			infos, err := e.provider.Devices()
			if err != nil {
				return err
			}
			if len(infos) == 0 {
				fmt.Println("No MTD partitions found.")
				return nil
			}
			fmt.Printf("%-6s %-10s %-10s %s\n", "dev", "size", "erasesize", "name")
			for _, in := range infos {
				fmt.Printf("mtd%-3d %-10s %-10s %q\n", in.Index, human(in.Size), human(in.EraseSize), in.Name)
			}
			return nil
		},
	}
	mtdRoot.AddCommand(listCmd)

	var (
		device string
		scan   bool
	)
	infoCmd := &cobra.Command{
		Use:   "info",
		Short: "Show geometry of one partition",
		RunE: func(_ *cobra.Command, _ []string) error {
			e, err := g.load(fs)
			if err != nil {
				return err
			}
			idx, err := e.provider.Lookup(device)
			if err != nil {
				idx, err = mtd.ParseDeviceIndex(device)
				if err != nil {
					return err
				}
			}
			dev, err := e.provider.Open(idx)
			if err != nil {
				return err
			}
			defer dev.Close()

			geo := dev.Geometry()
			fmt.Printf("mtd%d\n", idx)
			fmt.Printf("  Type:       %s\n", geo.Type)
			fmt.Printf("  Size:       %s (%d bytes)\n", human(geo.Size), geo.Size)
			fmt.Printf("  Erase size: %s\n", human(geo.EraseSize))
			fmt.Printf("  Min I/O:    %d\n", geo.MinIOSize)
			if geo.OOBSize > 0 {
				fmt.Printf("  OOB size:   %d\n", geo.OOBSize)
			}
			fmt.Printf("  Blocks:     %d\n", geo.Blocks())
			if !scan || !geo.Type.IsNAND() {
				return nil
			}
			var bad []string
			for b := int64(0); b < geo.Blocks(); b++ {
				isBad, err := dev.IsBad(b)
				if err != nil {
					return fmt.Errorf("scan block %d: %w", b, err)
				}
				if isBad {
					bad = append(bad, fmt.Sprintf("%d@0x%08x", b, geo.BlockOffset(b)))
				}
			}
			fmt.Printf("  Bad blocks: %d\n", len(bad))
			for _, b := range bad {
				fmt.Printf("    %s\n", b)
			}
			return nil
		},
	}
	infoCmd.Flags().StringVar(&device, "device", "", "mtdN, /dev/mtdN or a partition name")
	infoCmd.Flags().BoolVar(&scan, "scan", false, "scan for bad blocks")
	_ = infoCmd.MarkFlagRequired("device")
	mtdRoot.AddCommand(infoCmd)

	return mtdRoot
}

func simCmd() *cobra.Command {
	simRoot := &cobra.Command{
		Use:   "sim",
		Short: "Manage simulated flash images",
	}

	var (
		out, sizeStr, ebStr, minIOStr, badStr string
		nor                                   bool
	)
	createCmd := &cobra.Command{
		Use:   "create",
		Short: "Create an erased simulated flash image",
		RunE: func(_ *cobra.Command, _ []string) error {
			size, err := config.ParseSize(sizeStr)
			if err != nil {
				return err
			}
			eb, err := config.ParseSize(ebStr)
			if err != nil {
				return err
			}
			minIO, err := config.ParseSize(minIOStr)
			if err != nil {
				return err
			}
			bad, err := parseBlockList(badStr)
			if err != nil {
				return err
			}
			geo := mtd.Geometry{Type: mtd.NAND, Size: size, EraseSize: eb, MinIOSize: minIO}
			if nor {
				geo.Type = mtd.NOR
			}
			if err := geo.Validate(); err != nil {
				return err
			}
			d, err := nandsim.Create(out, nandsim.Options{Geometry: geo, BadBlocks: bad})
			if err != nil {
				return err
			}
			if err := d.Close(); err != nil {
				return err
			}
			fmt.Printf("Created %s: %s %s, %d blocks of %s, min I/O %d, %d bad\n",
				out, geo.Type, human(size), geo.Blocks(), human(eb), minIO, len(bad))
			return nil
		},
	}
	createCmd.Flags().StringVar(&out, "out", "", "image file to create")
	createCmd.Flags().StringVar(&sizeStr, "size", "", "total size (e.g. 64m)")
	createCmd.Flags().StringVar(&ebStr, "erase-size", "128k", "erase block size")
	createCmd.Flags().StringVar(&minIOStr, "min-io", "2k", "minimum I/O (page) size")
	createCmd.Flags().StringVar(&badStr, "bad", "", "comma separated factory bad blocks")
	createCmd.Flags().BoolVar(&nor, "nor", false, "simulate NOR instead of NAND")
	_ = createCmd.MarkFlagRequired("out")
	_ = createCmd.MarkFlagRequired("size")
	simRoot.AddCommand(createCmd)

	return simRoot
}
