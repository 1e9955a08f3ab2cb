package main

import (
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"time"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"flashinst/config"
	"flashinst/flash"
	"flashinst/handler"
	"flashinst/ipc"
	"flashinst/mtd"
	"flashinst/tui"
)

type installOpts struct {
	image   string
	device  string
	mtdName string
	offset  string
	typ     string
	ui      bool
	remote  bool
	dryRun  bool
}

func installCmd(fs afero.Fs, g *globalFlags) *cobra.Command {
	var o installOpts
	cmd := &cobra.Command{
		Use:   "install",
		Short: "Write an image to an MTD partition",
		RunE: func(_ *cobra.Command, _ []string) error {
			if o.device == "" && o.mtdName == "" {
				return fmt.Errorf("choose --device or --mtdname")
			}
			if o.dryRun && !o.remote {
				return fmt.Errorf("--dry-run needs --remote")
			}
			if o.remote {
				return installRemote(fs, g, o)
			}
			return installLocal(fs, g, o)
		},
	}
	cmd.Flags().StringVar(&o.image, "image", "", "image file to install")
	cmd.Flags().StringVar(&o.device, "device", "", "target device (mtdN or /dev/mtdN)")
	cmd.Flags().StringVar(&o.mtdName, "mtdname", "", "target partition name from the mtd table (wins over --device)")
	cmd.Flags().StringVar(&o.offset, "offset", "0", "byte offset inside the partition (NOR only)")
	cmd.Flags().StringVar(&o.typ, "type", handler.FlashType, "image type")
	cmd.Flags().BoolVar(&o.ui, "ui", false, "fullscreen block map")
	cmd.Flags().BoolVar(&o.remote, "remote", false, "hand the image to a running 'flashinst serve'")
	cmd.Flags().BoolVar(&o.dryRun, "dry-run", false, "let the server read the image without writing it")
	_ = cmd.MarkFlagRequired("image")
	return cmd
}

func openImage(fs afero.Fs, path string) (afero.File, int64, error) {
	f, err := fs.Open(path)
	if err != nil {
		return nil, 0, err
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, 0, err
	}
	return f, st.Size(), nil
}

func parseOffset(s string) (int64, error) {
	if s == "" {
		return 0, nil
	}
	return config.ParseSize(s)
}

func installLocal(fs afero.Fs, g *globalFlags, o installOpts) error {
	e, err := g.load(fs)
	if err != nil {
		return err
	}
	defer e.log.Sync()

	off, err := parseOffset(o.offset)
	if err != nil {
		return err
	}
	f, size, err := openImage(fs, o.image)
	if err != nil {
		return err
	}
	defer f.Close()

	reg := handler.NewRegistry()
	fh, err := handler.RegisterFlash(reg, e.provider, e.log)
	if err != nil {
		return err
	}
	fh.ChunkSize = int(e.cfg.ChunkSize)

	img := &handler.Image{
		Filename: filepath.Base(o.image),
		Type:     o.typ,
		Device:   o.device,
		MTDName:  o.mtdName,
		Offset:   off,
		Size:     size,
		Source:   f,
	}

	geo := targetGeometry(e.provider, img)
	bt := newBlockTracker(geo.Blocks(), geo.EraseSize)
	bt.progress(0, size)
	fh.Observe = bt.observe
	fh.Progress = bt.progress

	if !o.ui {
		err = reg.Install(img)
		printSummary(img, geo, bt, err)
		return err
	}
	return installWithUI(reg, fh, img, geo, bt, e.log)
}

// targetGeometry peeks at the target so the tracker can be sized before the
// install opens the device for real. Resolution errors are left to the
// install itself so they are reported the same way.
func targetGeometry(p mtd.Provider, img *handler.Image) mtd.Geometry {
	var idx int
	var err error
	if img.MTDName != "" {
		idx, err = p.Lookup(img.MTDName)
	} else {
		idx, err = mtd.ParseDeviceIndex(img.Device)
	}
	if err != nil {
		return mtd.Geometry{}
	}
	dev, err := p.Open(idx)
	if err != nil {
		return mtd.Geometry{}
	}
	defer dev.Close()
	return dev.Geometry()
}

func printSummary(img *handler.Image, geo mtd.Geometry, bt *blockTracker, err error) {
	if err != nil {
		return
	}
	c := bt.counts()
	fmt.Printf("Installed %s into %s (%s, %s)\n", img.Filename, img.Target(), geo.Type, human(img.Size))
	if geo.Type.IsNAND() {
		fmt.Printf("  Blocks: %d programmed, %d skipped (erased), %d bad, %d retired\n",
			c.Programmed, c.Skipped, c.Bad, c.Retired)
	}
}

func installWithUI(reg *handler.Registry, fh *handler.Flash, img *handler.Image, geo mtd.Geometry, bt *blockTracker, log *zap.Logger) error {
	ui, err := tui.NewUI()
	if err != nil {
		return err
	}

	ui.SetTitle(fmt.Sprintf("INSTALL – %s → %s  %s %s", img.Filename, img.Target(), geo.Type, human(geo.Size)))
	ui.SetSummaryLines([]string{
		fmt.Sprintf("Image: %s (%s)   Erase block: %s   Min I/O: %d   Blocks: %d",
			img.Filename, human(img.Size), human(geo.EraseSize), geo.MinIOSize, geo.Blocks()),
	})
	ui.SetLegend(tui.Legend())
	ui.SetPhases([]string{"Resolve", "Erase", "Write", "Done"})
	ui.SetPhaseDone("resolve")

	ctx, stop := signalContext()
	defer stop()
	done := make(chan struct{})
	defer closeUI(ui, done)
	go func() {
		select {
		case <-ctx.Done():
			ui.RequestStop()
		case <-done:
		}
	}()

	img.Source = stopReader{r: img.Source, stop: ui.Stopped()}
	bt.setOp("Erase partition")

	observe := fh.Observe
	fh.Observe = func(ev flash.BlockEvent) {
		observe(ev)
		bt.refresh(ui)
	}
	progress := fh.Progress
	writing := false
	fh.Progress = func(done, total int64) {
		progress(done, total)
		if !writing {
			writing = true
			ui.SetPhaseDone("erase")
			bt.setOp("Write image")
		}
	}
	bt.refresh(ui)

	err = reg.Install(img)
	if err != nil {
		log.Debug("install ended", zap.Error(err))
		bt.setOp("Failed: " + err.Error())
	} else {
		ui.SetPhaseDone("write")
		ui.SetPhaseDone("done")
		bt.setOp("Done")
	}
	bt.refresh(ui)
	if werr := tui.WaitWithStop(ui, 2*time.Second); werr != nil && !errors.Is(werr, tui.ErrInterrupted) {
		return werr
	}
	closeUI(ui, done)
	if errors.Is(err, tui.ErrInterrupted) {
		return fmt.Errorf("interrupted, %s into %s is incomplete", img.Filename, img.Target())
	}
	printSummary(img, geo, bt, err)
	return err
}

// closeUI stops the signal watcher before giving the terminal back, so a
// late signal never reaches a finalized screen.
func closeUI(ui *tui.UI, done chan struct{}) {
	select {
	case <-done:
	default:
		close(done)
	}
	ui.Close()
}

func installRemote(fs afero.Fs, g *globalFlags, o installOpts) error {
	off, err := parseOffset(o.offset)
	if err != nil {
		return err
	}
	f, size, err := openImage(fs, o.image)
	if err != nil {
		return err
	}
	defer f.Close()

	c := ipc.NewClient(g.socketPath(fs))
	s, err := c.StartInstall(ipc.Request{
		Source:   ipc.SourceLocal,
		DryRun:   o.dryRun,
		Size:     size,
		Offset:   off,
		Type:     o.typ,
		Device:   o.device,
		MTDName:  o.mtdName,
		Filename: filepath.Base(o.image),
	})
	if err != nil {
		return err
	}
	if _, err := io.Copy(s, f); err != nil {
		s.Close()
		return fmt.Errorf("upload %s: %w", o.image, err)
	}
	if err := s.Close(); err != nil {
		return err
	}

	ctx, stop := signalContext()
	defer stop()
	res, err := c.WaitForComplete(ctx, printStatus)
	if err != nil {
		return err
	}
	if res != ipc.Success {
		return fmt.Errorf("installing %s into %s failed", filepath.Base(o.image), targetName(o))
	}
	fmt.Printf("Installed %s into %s\n", filepath.Base(o.image), targetName(o))
	return nil
}

func targetName(o installOpts) string {
	if o.mtdName != "" {
		return o.mtdName
	}
	return o.device
}
