package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/hako/durafmt"
	"github.com/remeh/sizedwaitgroup"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"

	"github.com/cbegin/smfplay-go"
	intaudio "github.com/cbegin/smfplay-go/internal/audio"
	"github.com/cbegin/smfplay-go/internal/logging"
	"github.com/cbegin/smfplay-go/internal/timeline"
)

var shortUnits, _ = durafmt.DefaultUnitsCoder.Decode("y:yrs,wk:wks,d:d,h:h,m:m,s:s,ms:ms,us:us")

func main() {
	app := &cli.App{
		Name:      "play_smf",
		Usage:     "play a Standard MIDI File through a SoundFont synthesizer",
		ArgsUsage: "<file.mid> [soundfont.sf2]",
		Flags:     append(synthFlags(), deviceFlags()...),
		Action:    playAction,
		Commands: []*cli.Command{
			{
				Name:      "render",
				Usage:     "render MIDI files to WAV without an audio device",
				ArgsUsage: "<file.mid>...",
				Flags: append(synthFlags(),
					&cli.StringFlag{Name: "out-dir", Aliases: []string{"o"}, Value: ".", Usage: "directory for the WAV files"},
					&cli.IntFlag{Name: "jobs", Aliases: []string{"j"}, Value: runtime.NumCPU(), Usage: "files rendered in parallel"},
				),
				Action: renderAction,
			},
			{
				Name:      "info",
				Usage:     "print the timeline summary of a MIDI file",
				ArgsUsage: "<file.mid>",
				Flags:     logFlags(),
				Action:    infoAction,
			},
		},
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	if err := app.RunContext(ctx, os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func logFlags() []cli.Flag {
	return []cli.Flag{
		&cli.BoolFlag{Name: "debug", Usage: "log at debug level", EnvVars: []string{"SMFPLAY_DEBUG"}},
		&cli.BoolFlag{Name: "quiet", Aliases: []string{"q"}, Usage: "only log warnings and errors"},
		&cli.StringFlag{Name: "log-dir", Usage: "also write logs to a timestamped file in this directory", EnvVars: []string{"SMFPLAY_LOG_DIR"}},
	}
}

func synthFlags() []cli.Flag {
	return append(logFlags(),
		&cli.StringFlag{Name: "soundfont", Aliases: []string{"sf"}, Usage: "SF2 sound font", EnvVars: []string{"SMFPLAY_SOUNDFONT"}},
		&cli.IntFlag{Name: "sample-rate", Value: 44100, Usage: "output sample rate", EnvVars: []string{"SMFPLAY_SAMPLE_RATE"}},
		&cli.StringFlag{Name: "format", Value: "f32", Usage: "sample format: f32|i16", EnvVars: []string{"SMFPLAY_FORMAT"}},
		&cli.Float64Flag{Name: "gain", Value: 0.7, Usage: "master gain"},
		&cli.BoolFlag{Name: "no-effects", Usage: "disable reverb and chorus"},
		&cli.DurationFlag{Name: "tail", Value: 2 * time.Second, Usage: "time to let notes ring after the last event (0s for none)"},
	)
}

func deviceFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{Name: "backend", Value: "ebiten", Usage: "audio backend: ebiten|oto", EnvVars: []string{"SMFPLAY_BACKEND"}},
		&cli.DurationFlag{Name: "buffer", Value: intaudio.DefaultBufferSize, Usage: "audio device buffer length"},
		&cli.DurationFlag{Name: "poll", Value: time.Millisecond, Usage: "event dispatch poll interval"},
		&cli.StringFlag{Name: "wav", Usage: "also render the song to this WAV file before playing"},
	}
}

func setupLogger(c *cli.Context) (*logrus.Logger, func() error, error) {
	return logging.Setup(logging.Options{
		Debug: c.Bool("debug"),
		Quiet: c.Bool("quiet"),
		Dir:   c.String("log-dir"),
	})
}

// playerOptions maps the shared flags onto player options.
func playerOptions(c *cli.Context, log logrus.FieldLogger) ([]smfplay.PlayerOption, intaudio.Format, error) {
	format, err := intaudio.ParseFormat(c.String("format"))
	if err != nil {
		return nil, 0, err
	}
	tail := c.Duration("tail")
	if tail == 0 {
		tail = -1
	}
	opts := []smfplay.PlayerOption{
		smfplay.WithSampleRate(c.Int("sample-rate")),
		smfplay.WithFormat(format),
		smfplay.WithGain(float32(c.Float64("gain"))),
		smfplay.WithReverbAndChorus(!c.Bool("no-effects")),
		smfplay.WithTail(tail),
		smfplay.WithLogger(log),
	}
	if c.String("backend") != "" {
		backend, err := intaudio.ParseBackend(c.String("backend"))
		if err != nil {
			return nil, 0, err
		}
		opts = append(opts,
			smfplay.WithBackend(backend),
			smfplay.WithBufferSize(c.Duration("buffer")),
			smfplay.WithPollInterval(c.Duration("poll")),
		)
	}
	return opts, format, nil
}

func soundFontPath(c *cli.Context, positional int) (string, error) {
	if c.NArg() > positional {
		return c.Args().Get(positional), nil
	}
	if sf := c.String("soundfont"); sf != "" {
		return sf, nil
	}
	return "", cli.Exit("no sound font: pass it as an argument, --soundfont or SMFPLAY_SOUNDFONT", 2)
}

func playAction(c *cli.Context) error {
	if c.NArg() < 1 {
		return cli.ShowAppHelp(c)
	}
	log, closeLog, err := setupLogger(c)
	if err != nil {
		return err
	}
	defer closeLog()

	sfPath, err := soundFontPath(c, 1)
	if err != nil {
		return err
	}
	opts, format, err := playerOptions(c, log)
	if err != nil {
		return err
	}
	tl, err := smfplay.CompileFile(c.Args().First(), log)
	if err != nil {
		return fmt.Errorf("load %s: %w", c.Args().First(), err)
	}
	report(log, c.Args().First(), tl)

	pl, err := smfplay.NewPlayer(opts...)
	if err != nil {
		return err
	}
	if err := pl.LoadSoundFontFile(sfPath); err != nil {
		return err
	}
	if out := c.String("wav"); out != "" {
		if err := writeWAV(pl, tl, out, format, log); err != nil {
			return err
		}
	}

	events := pl.Watch()
	if err := pl.Play(c.Context, tl); err != nil {
		return err
	}
	start := time.Now()

	g, ctx := errgroup.WithContext(c.Context)
	g.Go(func() error {
		return pl.Wait()
	})
	g.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-pl.Done():
				return nil
			case ev := <-events:
				switch ev.Kind {
				case smfplay.EventDispatchComplete:
					log.WithField("elapsed", durafmt.Parse(time.Since(start)).LimitFirstN(2).Format(shortUnits)).Info("all events dispatched; waiting for notes to decay")
				case smfplay.EventPlaybackEnded:
					log.Info("playback completed")
				case smfplay.EventDeviceError:
					log.WithError(ev.Err).Warn("audio device reported an error")
				}
			}
		}
	})
	err = g.Wait()

	stats := pl.Stats()
	log.WithFields(logrus.Fields{
		"dispatched": humanize.Comma(stats.Dispatched),
		"failed":     humanize.Comma(stats.Failed),
		"dropped":    humanize.Comma(stats.Dropped),
	}).Info("done")
	if errors.Is(err, context.Canceled) {
		log.Info("interrupted")
		return nil
	}
	return err
}

func renderAction(c *cli.Context) error {
	if c.NArg() < 1 {
		return cli.ShowSubcommandHelp(c)
	}
	log, closeLog, err := setupLogger(c)
	if err != nil {
		return err
	}
	defer closeLog()

	sfPath, err := soundFontPath(c, c.NArg())
	if err != nil {
		return err
	}
	opts, format, err := playerOptions(c, log)
	if err != nil {
		return err
	}
	pl, err := smfplay.NewPlayer(opts...)
	if err != nil {
		return err
	}
	if err := pl.LoadSoundFontFile(sfPath); err != nil {
		return err
	}
	outDir := c.String("out-dir")
	if err := os.MkdirAll(outDir, 0755); err != nil {
		return err
	}

	var (
		mu   sync.Mutex
		errs []error
	)
	wg := sizedwaitgroup.New(max(1, c.Int("jobs")))
	for _, in := range c.Args().Slice() {
		if c.Context.Err() != nil {
			break
		}
		wg.Add()
		go func(in string) {
			defer wg.Done()
			fileLog := log.WithField("file", filepath.Base(in))
			tl, err := smfplay.CompileFile(in, fileLog)
			if err == nil {
				out := filepath.Join(outDir, strings.TrimSuffix(filepath.Base(in), filepath.Ext(in))+".wav")
				err = writeWAV(pl, tl, out, format, fileLog)
			}
			if err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("%s: %w", in, err))
				mu.Unlock()
			}
		}(in)
	}
	wg.Wait()
	return errors.Join(errs...)
}

func infoAction(c *cli.Context) error {
	if c.NArg() != 1 {
		return cli.ShowSubcommandHelp(c)
	}
	log, closeLog, err := setupLogger(c)
	if err != nil {
		return err
	}
	defer closeLog()
	tl, err := smfplay.CompileFile(c.Args().First(), log)
	if err != nil {
		return err
	}
	report(log, c.Args().First(), tl)
	return nil
}

func report(log logrus.FieldLogger, name string, tl *timeline.Timeline) {
	fields := logrus.Fields{
		"file":          filepath.Base(name),
		"tracks":        tl.Info.Tracks,
		"events":        humanize.Comma(int64(tl.Len())),
		"tempo_changes": tl.Info.TempoChanges(),
		"length":        timeline.FormatDuration(tl.Duration()),
	}
	if names := tl.Info.TrackNames(); len(names) > 0 {
		fields["track_names"] = strings.Join(names, ", ")
	}
	log.WithFields(fields).Info("song loaded")
	if tl.Info.PPQFallback {
		log.Warn("timing is frame-based; event times are approximate")
	}
}

func writeWAV(pl *smfplay.Player, tl *timeline.Timeline, path string, format intaudio.Format, log logrus.FieldLogger) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	start := time.Now()
	n, err := pl.RenderWAV(f, tl, format)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("render %s: %w", path, err)
	}
	log.WithFields(logrus.Fields{
		"path": path,
		"size": humanize.Bytes(uint64(n)),
		"took": durafmt.Parse(time.Since(start)).LimitFirstN(2).Format(shortUnits),
	}).Info("wrote wav")
	return nil
}
