package framesource

import (
	"context"
	"encoding/json"
	"image"
	"io"
	"math"
	"os/exec"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	ffmpeg "github.com/u2takey/ffmpeg-go"

	"github.com/pyropy/carlens/core/model"
)

// FFmpegDecoder decodes with the ffmpeg binary: ffprobe for metadata and a
// rawvideo rgb24 pipe for frames.
type FFmpegDecoder struct {
	width, height int
	buf           []byte

	out    *io.PipeReader
	cancel context.CancelFunc
	done   chan error
}

func NewFFmpegDecoder() *FFmpegDecoder {
	return &FFmpegDecoder{}
}

func (d *FFmpegDecoder) Open(ctx context.Context, path string) (model.VideoMetadata, error) {
	// make sure ffmpeg is in the path before doing anything else
	for _, bin := range []string{"ffmpeg", "ffprobe"} {
		if _, err := exec.LookPath(bin); err != nil {
			return model.VideoMetadata{}, errors.Wrap(ErrUnreadableSource, err.Error())
		}
	}

	if err := ctx.Err(); err != nil {
		return model.VideoMetadata{}, err
	}

	probe, err := ffmpeg.Probe(path)
	if err != nil {
		return model.VideoMetadata{}, errors.Wrapf(ErrUnreadableSource, "probe %s: %v", path, err)
	}

	metadata, err := parseProbe(probe)
	if err != nil {
		return model.VideoMetadata{}, errors.Wrapf(ErrUnreadableSource, "probe %s: %v", path, err)
	}

	d.width, d.height = metadata.Width, metadata.Height
	d.buf = make([]byte, d.width*d.height*3)

	// the process outlives Open; it is stopped by Close
	procCtx, cancel := context.WithCancel(context.Background())
	in, out := io.Pipe()
	d.out, d.cancel, d.done = in, cancel, make(chan error, 1)

	stream := ffmpeg.Input(path).Output("pipe:", ffmpeg.KwArgs{
		"format":  "rawvideo",
		"pix_fmt": "rgb24",
	})
	stream.Context = procCtx

	go func() {
		err := stream.WithOutput(out).Run()
		out.CloseWithError(err)
		d.done <- err
	}()

	return metadata, nil
}

func (d *FFmpegDecoder) ReadFrame() (image.Image, error) {
	if d.out == nil {
		return nil, errors.New("decoder not opened")
	}

	_, err := io.ReadFull(d.out, d.buf)
	if err == io.EOF || err == io.ErrUnexpectedEOF {
		return nil, io.EOF
	}
	if err != nil {
		return nil, err
	}

	return rgb24ToRGBA(d.buf, d.width, d.height), nil
}

func (d *FFmpegDecoder) Close() error {
	if d.cancel == nil {
		return nil
	}

	d.cancel()
	d.out.Close()
	err := <-d.done
	d.cancel = nil

	// a killed process is the expected way to stop early
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) || errors.Is(err, context.Canceled) || errors.Is(err, io.ErrClosedPipe) {
		return nil
	}

	return err
}

func rgb24ToRGBA(buf []byte, width, height int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for i, j := 0, 0; i+2 < len(buf); i, j = i+3, j+4 {
		img.Pix[j] = buf[i]
		img.Pix[j+1] = buf[i+1]
		img.Pix[j+2] = buf[i+2]
		img.Pix[j+3] = 0xff
	}

	return img
}

type probeOutput struct {
	Streams []struct {
		CodecType    string `json:"codec_type"`
		Width        int    `json:"width"`
		Height       int    `json:"height"`
		AvgFrameRate string `json:"avg_frame_rate"`
		RFrameRate   string `json:"r_frame_rate"`
		NbFrames     string `json:"nb_frames"`
		Duration     string `json:"duration"`
	} `json:"streams"`
	Format struct {
		Duration string `json:"duration"`
	} `json:"format"`
}

func parseProbe(probe string) (model.VideoMetadata, error) {
	var out probeOutput
	if err := json.Unmarshal([]byte(probe), &out); err != nil {
		return model.VideoMetadata{}, err
	}

	for _, s := range out.Streams {
		if s.CodecType != "video" {
			continue
		}
		if s.Width <= 0 || s.Height <= 0 {
			return model.VideoMetadata{}, errors.New("video stream has no dimensions")
		}

		fps := parseRate(s.AvgFrameRate)
		if fps == 0 {
			fps = parseRate(s.RFrameRate)
		}

		count, _ := strconv.Atoi(s.NbFrames)
		if count == 0 && fps > 0 {
			duration := s.Duration
			if duration == "" {
				duration = out.Format.Duration
			}
			if secs, err := strconv.ParseFloat(duration, 64); err == nil {
				count = int(math.Round(secs * fps))
			}
		}

		return model.VideoMetadata{
			Width:      s.Width,
			Height:     s.Height,
			FPS:        fps,
			FrameCount: count,
		}, nil
	}

	return model.VideoMetadata{}, errors.New("no video stream")
}

// parseRate parses ffprobe rationals such as "30000/1001".
func parseRate(rate string) float64 {
	num, den, found := strings.Cut(rate, "/")
	n, err := strconv.ParseFloat(num, 64)
	if err != nil {
		return 0
	}
	if !found {
		return n
	}

	dn, err := strconv.ParseFloat(den, 64)
	if err != nil || dn == 0 {
		return 0
	}

	return n / dn
}
