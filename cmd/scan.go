package cmd

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	_ "image/jpeg"
	"io"
	"os"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/andresmejia3/rollcall/internal/attendance"
	"github.com/andresmejia3/rollcall/internal/pipeline"
	"github.com/andresmejia3/rollcall/internal/types"
	"github.com/andresmejia3/rollcall/internal/utils"
)

const megabyte = 1024 * 1024

// scanOptions holds the flags of the scan command
type scanOptions struct {
	InputPath   string
	StartTime   string
	ProcessFPS  float64
	StatsJSON   bool
	StopTimeout time.Duration
	DebugDir    string
	MaskUnknown bool
}

var scanOpts scanOptions

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Take attendance from a recorded video",
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		return runScan(cmd.Context(), scanOpts)
	},
}

func init() {
	scanCmd.Flags().StringVarP(&scanOpts.InputPath, "input", "i", "", "Path to video")
	scanCmd.Flags().StringVarP(&scanOpts.StartTime, "start", "s", "", "Wall-clock time of the first frame (RFC3339, default: file modification time)")
	scanCmd.Flags().Float64VarP(&scanOpts.ProcessFPS, "fps", "f", 0, "Frames per second to analyse (default: pipeline.processing_fps)")
	scanCmd.Flags().BoolVar(&scanOpts.StatsJSON, "json", false, "Print pipeline statistics as JSON on stdout")
	scanCmd.Flags().StringVarP(&scanOpts.DebugDir, "debug-frames", "d", "", "Save annotated copies of processed frames to this directory")
	scanCmd.Flags().BoolVar(&scanOpts.MaskUnknown, "mask-unknown", false, "Mask unrecognized faces in debug frames")
	scanCmd.Flags().DurationVar(&scanOpts.StopTimeout, "drain-timeout", 10*time.Second, "How long to wait for pending attendance events on exit")

	scanCmd.MarkFlagRequired("input")
	rootCmd.AddCommand(scanCmd)
}

// runScan streams the video through the pipeline: FFmpeg decoding, frame
// processing, event recording and progress tracking.
func runScan(ctx context.Context, opts scanOptions) error {
	if err := validateScanFlags(&opts); err != nil {
		utils.ShowError("Invalid scan options", err, nil)
		return err
	}

	sourceID, err := utils.GenerateSourceID(opts.InputPath)
	if err != nil {
		return fmt.Errorf("failed to generate source id: %w", err)
	}
	if DB != nil {
		if err := DB.EnsureSource(ctx, sourceID, opts.InputPath); err != nil {
			return fmt.Errorf("failed to register source: %w", err)
		}
	}
	fmt.Fprintf(os.Stderr, "📼 Processing Source ID: %s\n", sourceID[:12])

	fps, err := utils.GetVideoFPS(ctx, opts.InputPath)
	if err != nil {
		Logger.Warn("could not determine video fps, using capture_rate",
			zap.Float64("capture_rate", Cfg.Pipeline.CaptureRate),
			zap.Error(err))
		fps = Cfg.Pipeline.CaptureRate
	}
	Cfg.Pipeline.CaptureRate = fps
	if opts.ProcessFPS > 0 {
		Cfg.Pipeline.ProcessingFPS = opts.ProcessFPS
	}

	start, err := scanStartTime(opts)
	if err != nil {
		return err
	}

	// Events go to the log, and to Postgres when configured
	var sink attendance.Sink = attendance.LogSink{Logger: Logger}
	if DB != nil {
		sink = attendance.MultiSink{DB, sink}
	}
	recorder := attendance.NewRecorder(sink, Logger, attendance.RecorderConfig{
		BufferSize:  Cfg.Attendance.BufferSize,
		WorkerCount: Cfg.Attendance.Workers,
	})
	if err := recorder.Start(); err != nil {
		return err
	}
	defer func() {
		if err := recorder.Stop(opts.StopTimeout); err != nil {
			Logger.Warn("attendance recorder did not drain", zap.Error(err))
		}
	}()

	p, closeEngine, err := newPipeline(ctx, pipeline.WithRecorder(recorder), pipeline.WithSource(sourceID))
	if err != nil {
		utils.ShowError("Pipeline startup failed", err, nil)
		return err
	}
	defer closeEngine()

	totalVideoFrames := utils.GetTotalFrames(ctx, opts.InputPath, Logger)
	if totalVideoFrames <= 0 {
		// Fallback to a spinner if ffprobe fails
		totalVideoFrames = -1
	}
	bar := progressbar.NewOptions(totalVideoFrames,
		progressbar.OptionSetDescription("🔍 Taking Attendance"),
		progressbar.OptionSetWriter(os.Stderr), // Write bar to Stderr
		progressbar.OptionShowCount(),
	)

	summary := newScanSummary(start)
	frames := make(chan types.Frame, 4)
	g, gctx := errgroup.WithContext(ctx)

	// Producer: decode the FFmpeg stream into timestamped frames
	g.Go(func() error {
		defer close(frames)
		return decodeVideo(gctx, opts.InputPath, start, fps, frames)
	})

	// Consumer: frames must be processed in order for throttling and cooldown
	g.Go(func() error {
		idx := 0
		for frame := range frames {
			res, err := p.Process(gctx, frame)
			bar.Add(1)
			if errors.Is(err, pipeline.ErrNotReady) && gctx.Err() == nil {
				// The engine restarts lazily; one successful ping brings the pipeline back
				if rerr := p.Recheck(gctx); rerr != nil {
					return fmt.Errorf("%w: %v", err, rerr)
				}
				Logger.Warn("pipeline recovered, frame dropped", zap.Int("frame", idx))
				idx++
				continue
			}
			if err != nil {
				return err
			}
			summary.add(res)
			if opts.DebugDir != "" {
				if err := writeDebugFrame(opts.DebugDir, idx, frame.Image, res, opts.MaskUnknown); err != nil {
					Logger.Warn("failed to write debug frame", zap.Int("frame", idx), zap.Error(err))
				}
			}
			idx++
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		bar.Exit()
		if errors.Is(err, context.Canceled) {
			fmt.Fprintln(os.Stderr, "\n🛑 Scan interrupted.")
		}
		return err
	}
	bar.Finish()

	stats := p.Stats()
	summary.print(os.Stderr)
	fmt.Fprintf(os.Stderr, "\n🏁 Scan Complete. Processed %d frames out of %d total (%d skipped, %d failed).\n",
		stats.FramesProcessed, stats.FramesSeen, stats.FramesSkipped, stats.FramesFailed)
	if stats.BudgetOverruns > 0 {
		fmt.Fprintf(os.Stderr, "⏱️  %d frames exceeded the processing budget of %s\n",
			stats.BudgetOverruns, Cfg.Pipeline.MaxProcessingTime)
	}

	if opts.StatsJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(stats)
	}
	return nil
}

// decodeVideo runs FFmpeg on path and sends every decodable frame, stamped at
// start + index/fps.
func decodeVideo(ctx context.Context, path string, start time.Time, fps float64, out chan<- types.Frame) error {
	ffmpeg := utils.NewFFmpegCmd(ctx, path)

	var stderrBuf bytes.Buffer
	ffmpeg.Stderr = &stderrBuf

	ffmpegOut, err := ffmpeg.StdoutPipe()
	if err != nil {
		return fmt.Errorf("failed to create FFmpeg stdout pipe: %w", err)
	}
	if err := ffmpeg.Start(); err != nil {
		return fmt.Errorf("failed to start FFmpeg: %w", err)
	}

	err = splitFrames(ctx, ffmpegOut, start, fps, out, Logger)
	if err != nil {
		// Unblock FFmpeg if it is still writing
		_, _ = io.Copy(io.Discard, ffmpegOut)
	}

	if werr := ffmpeg.Wait(); werr != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if stderrBuf.Len() > 0 {
			fmt.Fprintf(os.Stderr, "\nFFmpeg Logs:\n%s\n", stderrBuf.String())
		}
		return fmt.Errorf("FFmpeg execution failed: %w", werr)
	}
	return err
}

// splitFrames reads concatenated JPEGs from r. Frames that fail to decode
// still advance the clock so timestamps stay aligned with the video.
func splitFrames(ctx context.Context, r io.Reader, start time.Time, fps float64, out chan<- types.Frame, logger *zap.Logger) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, megabyte), 64*megabyte)
	scanner.Split(utils.SplitJpeg)

	frameDur := time.Duration(float64(time.Second) / fps)
	for idx := 0; scanner.Scan(); idx++ {
		img, _, err := image.Decode(bytes.NewReader(scanner.Bytes()))
		if err != nil {
			logger.Warn("skipping undecodable frame", zap.Int("frame", idx), zap.Error(err))
			continue
		}
		frame := types.Frame{Image: img, Timestamp: start.Add(time.Duration(idx) * frameDur)}
		select {
		case out <- frame:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	// Check for scanner errors (e.g. token too long, unexpected EOF)
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("frame scanner failed: %w", err)
	}
	return nil
}

func scanStartTime(opts scanOptions) (time.Time, error) {
	if opts.StartTime != "" {
		t, err := time.Parse(time.RFC3339, opts.StartTime)
		if err != nil {
			return time.Time{}, fmt.Errorf("invalid start time (use RFC3339, e.g. 2024-03-01T09:00:00Z): %w", err)
		}
		return t, nil
	}
	info, err := os.Stat(opts.InputPath)
	if err != nil {
		return time.Time{}, err
	}
	return info.ModTime(), nil
}

// --- Summary ---

type sighting struct {
	Name      string
	First     time.Time
	Last      time.Time
	Marks     int
	BestScore float64
}

// scanSummary aggregates per-identity sightings across a scan.
type scanSummary struct {
	start      time.Time
	identities map[string]*sighting
	spoofs     int
	unknown    int
	faults     int
	faces      int
}

func newScanSummary(start time.Time) *scanSummary {
	return &scanSummary{start: start, identities: make(map[string]*sighting)}
}

func (s *scanSummary) add(res types.FrameResult) {
	for _, f := range res.Faces {
		s.faces++
		if f.Error != nil {
			s.faults++
		}
		switch f.Stage {
		case types.StageRejected:
			s.spoofs++
		case types.StageUnmatched:
			s.unknown++
		case types.StageMatched, types.StageDecided:
			rec := f.Recognition
			if rec == nil {
				continue
			}
			sg, ok := s.identities[rec.IdentityID]
			if !ok {
				sg = &sighting{Name: rec.Name, First: res.Timestamp}
				s.identities[rec.IdentityID] = sg
			}
			sg.Last = res.Timestamp
			sg.BestScore = max(sg.BestScore, rec.Similarity)
			if f.AttendanceMarked {
				sg.Marks++
			}
		}
	}
}

func (s *scanSummary) ids() []string {
	ids := make([]string, 0, len(s.identities))
	for id := range s.identities {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (s *scanSummary) print(w io.Writer) {
	fmt.Fprintf(w, "\n---------------------------------------------------------\n")
	fmt.Fprintf(w, "📊 ATTENDANCE SUMMARY\n")
	fmt.Fprintf(w, "---------------------------------------------------------\n")

	if len(s.identities) == 0 {
		fmt.Fprintln(w, "No registered identities were recognized.")
	} else {
		tw := tabwriter.NewWriter(w, 0, 0, 3, ' ', 0)
		fmt.Fprintln(tw, "ID\tNAME\tFIRST SEEN\tLAST SEEN\tMARKS\tBEST SCORE")
		fmt.Fprintln(tw, "--\t----\t----------\t---------\t-----\t----------")
		for _, id := range s.ids() {
			sg := s.identities[id]
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%.3f\n", id, sg.Name,
				fmtTime(sg.First.Sub(s.start).Seconds()),
				fmtTime(sg.Last.Sub(s.start).Seconds()),
				sg.Marks, sg.BestScore)
		}
		tw.Flush()
	}

	fmt.Fprintf(w, "\n---------------------------------------------------------\n")
	fmt.Fprintf(w, "👁️  Faces analysed:   %d\n", s.faces)
	fmt.Fprintf(w, "🎭 Spoofs rejected:  %d\n", s.spoofs)
	fmt.Fprintf(w, "❓ Unknown faces:    %d\n", s.unknown)
	if s.faults > 0 {
		fmt.Fprintf(w, "⚠️  Face faults:      %d\n", s.faults)
	}
	fmt.Fprintf(w, "---------------------------------------------------------\n")
}

// validateScanFlags ensures all CLI arguments are valid before starting heavy processes.
func validateScanFlags(opts *scanOptions) error {
	info, err := os.Stat(opts.InputPath)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("input file does not exist: %w", err)
		}
		return fmt.Errorf("unable to access input file: %w", err)
	}
	if info.IsDir() {
		return errors.New("input path is a directory, expected a video file")
	}
	if opts.ProcessFPS < 0 {
		return fmt.Errorf("fps must be >= 0, got %f", opts.ProcessFPS)
	}
	if opts.DebugDir != "" {
		if err := os.MkdirAll(opts.DebugDir, 0o755); err != nil {
			return fmt.Errorf("unable to create debug frame directory: %w", err)
		}
	}
	if opts.StopTimeout <= 0 {
		opts.StopTimeout = 10 * time.Second
	}
	return nil
}

func fmtTime(seconds float64) string {
	duration := time.Duration(seconds * float64(time.Second))
	h := int(duration.Hours())
	m := int(duration.Minutes()) % 60
	s := int(duration.Seconds()) % 60
	return fmt.Sprintf("%02d:%02d:%02d", h, m, s)
}
