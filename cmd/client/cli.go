package main

import (
	"fmt"
	"os"
	"os/signal"
	fp "path/filepath"
	"syscall"
	"text/tabwriter"

	"github.com/urfave/cli/v2"

	"github.com/pyropy/carlens/core/client"
	"github.com/pyropy/carlens/core/constants"
	"github.com/pyropy/carlens/core/framesource"
	"github.com/pyropy/carlens/core/model"
	"github.com/pyropy/carlens/core/recognition"
	"github.com/pyropy/carlens/core/session"
	"github.com/pyropy/carlens/lib/checksum"
	"github.com/pyropy/carlens/lib/utils"
)

var uploadCmd = &cli.Command{
	Name:  "upload",
	Usage: "Upload a video and watch it being processed",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:     "file",
			Required: true,
			Usage:    "Path to the video you want to upload",
		},
		&cli.IntFlag{
			Name:  "chunk-size",
			Value: constants.UPLOAD_CHUNK_SIZE_BYTES,
			Usage: "Upload chunk size in bytes",
		},
		&cli.BoolFlag{
			Name:  "shuffle",
			Usage: "Send chunks in random order",
		},
		&cli.BoolFlag{
			Name:  "indexed-frames",
			Value: true,
			Usage: "Live frames carry their index (server PIPELINE_INDEX_FRAMES)",
		},
		&cli.StringFlag{
			Name:  "frames-dir",
			Usage: "Save live frames as JPEG files in this directory",
		},
	},
	Action: func(cctx *cli.Context) error {
		ctx, stop := signal.NotifyContext(cctx.Context, syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		framesDir := cctx.String("frames-dir")
		if framesDir != "" {
			if err := os.MkdirAll(framesDir, 0750); err != nil {
				return err
			}
		}

		c := client.NewClient(cctx.String("server"))
		res, err := c.Upload(ctx, cctx.String("file"), client.UploadOptions{
			ChunkSize:     cctx.Int("chunk-size"),
			Shuffle:       cctx.Bool("shuffle"),
			IndexedFrames: cctx.Bool("indexed-frames"),
		}, func(index int, jpeg []byte) error {
			if framesDir == "" {
				return nil
			}
			return saveFrame(framesDir, index, jpeg)
		})
		if err != nil {
			return err
		}

		printResult(res.Metadata, res.Frames, res.Predictions)
		return nil
	},
}

var processCmd = &cli.Command{
	Name:  "process",
	Usage: "Process a local video without a server",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:     "file",
			Required: true,
			Usage:    "Path to the video",
		},
		&cli.IntFlag{
			Name:  "workers",
			Value: constants.DEFAULT_WORKERS,
			Usage: "Concurrent recognitions",
		},
		&cli.IntFlag{
			Name:  "recognize-every",
			Value: constants.DEFAULT_RECOGNIZE_EVERY,
			Usage: "Recognize every n-th frame",
		},
		&cli.StringFlag{
			Name:  "aws-region",
			Usage: "Use AWS Rekognition in this region; without it frames pass through",
		},
		&cli.StringFlag{
			Name:  "frames-dir",
			Usage: "Save annotated frames as JPEG files in this directory",
		},
	},
	Action: func(cctx *cli.Context) error {
		ctx, stop := signal.NotifyContext(cctx.Context, syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		path := cctx.String("file")
		sum, err := checksum.File(path)
		if err != nil {
			return err
		}

		var recognizer recognition.Recognizer = recognition.Passthrough{}
		if region := cctx.String("aws-region"); region != "" {
			recognizer, err = recognition.NewRekognitionForRegion(ctx, region, recognition.RekognitionOptions{
				PlateLength:   len(constants.PLATE_FORMAT),
				MinConfidence: 80,
			}, log.Named("recognition"))
			if err != nil {
				return err
			}
		}

		pipeline := session.NewPipeline(session.Options{
			Workers:        cctx.Int("workers"),
			Buffer:         constants.DEFAULT_HOLDING_BUFFER,
			RecognizeEvery: cctx.Int("recognize-every"),
		}, func() framesource.Decoder {
			return framesource.NewFFmpegDecoder()
		}, recognizer, nil, nil, log.Named("session"))

		framesDir := cctx.String("frames-dir")
		if framesDir != "" {
			if err := os.MkdirAll(framesDir, 0750); err != nil {
				return err
			}
		}

		emitter := &localEmitter{framesDir: framesDir}
		record, err := pipeline.Run(ctx, &model.AssembledFile{
			StreamID: path,
			Filename: fp.Base(path),
			Path:     path,
			Checksum: sum,
		}, emitter)
		if err != nil {
			return err
		}

		printResult(record.Metadata, int(record.FramesForwarded), record.Predictions())
		return nil
	},
}

var historyCmd = &cli.Command{
	Name:  "history",
	Usage: "List processed sessions",
	Action: func(cctx *cli.Context) error {
		c := client.NewClient(cctx.String("server"))
		records, err := c.History(cctx.Context)
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tFILE\tSTATUS\tPLATE\tFRAMES\tSTARTED")
		for _, r := range records {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\n", r.ID, r.Filename, r.Status, r.Plate, r.FramesForwarded, r.StartedAt.Format("2006-01-02 15:04:05"))
		}
		return w.Flush()
	},
}

// localEmitter prints session output for the process command.
type localEmitter struct {
	framesDir string
}

func (e *localEmitter) SendMetadata(md model.VideoMetadata) error {
	log.Debugw("process", "event", "Metadata", "metadata", md)
	return nil
}

func (e *localEmitter) SendFrame(frame *model.Frame) error {
	if e.framesDir == "" {
		return nil
	}

	jpeg, err := utils.EncodeJPEG(frame.Image, constants.DEFAULT_JPEG_QUALITY)
	if err != nil {
		return err
	}
	return saveFrame(e.framesDir, frame.Index, jpeg)
}

func (e *localEmitter) SendPredictions([]string) error { return nil }

func (e *localEmitter) SendError(err error) error {
	log.Errorw("process", "error", err)
	return nil
}

func saveFrame(dir string, index int, jpeg []byte) error {
	return os.WriteFile(fp.Join(dir, fmt.Sprintf("frame_%06d.jpg", index)), jpeg, 0644)
}

func printResult(md model.VideoMetadata, frames int, predictions []string) {
	fmt.Printf("video: %dx%d @ %.2f fps, %d frames\n", md.Width, md.Height, md.FPS, md.FrameCount)
	if len(predictions) == 0 {
		fmt.Printf("no plate found in %d frames\n", frames)
		return
	}
	fmt.Printf("plate: %s (%d frames)\n", predictions[0], frames)
}
