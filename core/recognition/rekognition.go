package recognition

import (
	"context"
	"image"
	"image/color"
	"strings"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/rekognition"
	"github.com/aws/aws-sdk-go-v2/service/rekognition/types"
	"github.com/fogleman/gg"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/pyropy/carlens/core/model"
	"github.com/pyropy/carlens/lib/utils"
)

// TextDetector is the part of the Rekognition client used here.
type TextDetector interface {
	DetectText(ctx context.Context, params *rekognition.DetectTextInput, optFns ...func(*rekognition.Options)) (*rekognition.DetectTextOutput, error)
}

type RekognitionOptions struct {
	// PlateLength filters detections to strings of exactly this length.
	PlateLength   int
	MinConfidence float32
	JPEGQuality   int
}

type Rekognition struct {
	client TextDetector
	opts   RekognitionOptions
	log    *zap.SugaredLogger
}

func NewRekognition(client TextDetector, opts RekognitionOptions, log *zap.SugaredLogger) *Rekognition {
	if opts.JPEGQuality <= 0 || opts.JPEGQuality > 100 {
		opts.JPEGQuality = 90
	}

	return &Rekognition{
		client: client,
		opts:   opts,
		log:    log,
	}
}

// NewRekognitionForRegion builds a client from the default AWS credential chain.
func NewRekognitionForRegion(ctx context.Context, region string, opts RekognitionOptions, log *zap.SugaredLogger) (*Rekognition, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, errors.Wrap(err, "load aws config")
	}

	return NewRekognition(rekognition.NewFromConfig(cfg), opts, log), nil
}

func (r *Rekognition) Recognize(ctx context.Context, frame *model.Frame) (Result, error) {
	if frame == nil || frame.Image == nil {
		return Result{}, errors.Wrap(ErrRecognition, "empty frame")
	}

	data, err := utils.EncodeJPEG(frame.Image, r.opts.JPEGQuality)
	if err != nil {
		return Result{}, errors.Wrapf(ErrRecognition, "encode frame %d: %v", frame.Index, err)
	}

	out, err := r.client.DetectText(ctx, &rekognition.DetectTextInput{
		Image: &types.Image{Bytes: data},
	})
	if err != nil {
		return Result{}, errors.Wrapf(ErrRecognition, "detect text frame %d: %v", frame.Index, err)
	}

	var (
		candidates []string
		boxes      []*types.BoundingBox
		lines      = map[int32]struct{}{}
	)
	keep := func(d types.TextDetection) bool {
		if d.DetectedText == nil || d.Confidence == nil || *d.Confidence < r.opts.MinConfidence {
			return false
		}

		text := normalize(*d.DetectedText)
		if r.opts.PlateLength > 0 && len(text) != r.opts.PlateLength {
			return false
		}

		candidates = append(candidates, text)
		if d.Geometry != nil && d.Geometry.BoundingBox != nil {
			boxes = append(boxes, d.Geometry.BoundingBox)
		}
		return true
	}

	for _, d := range out.TextDetections {
		if d.Type == types.TextTypesLine && keep(d) && d.Id != nil {
			lines[*d.Id] = struct{}{}
		}
	}

	// a word is only a separate reading when its line was not kept
	for _, d := range out.TextDetections {
		if d.Type != types.TextTypesWord {
			continue
		}
		if d.ParentId != nil {
			if _, ok := lines[*d.ParentId]; ok {
				continue
			}
		}
		keep(d)
	}

	r.log.Debugw("recognition", "event", "DetectText", "frame", frame.Index, "detections", len(out.TextDetections), "candidates", candidates)

	if len(boxes) == 0 {
		return Result{Annotated: frame.Image, Candidates: candidates}, nil
	}

	return Result{Annotated: annotate(frame.Image, boxes), Candidates: candidates}, nil
}

var plateColor = color.RGBA{R: 0, G: 255, B: 0, A: 255}

// annotate draws the boxes, given as ratios of the frame size, on a copy of img.
func annotate(img image.Image, boxes []*types.BoundingBox) image.Image {
	dc := gg.NewContextForImage(img)
	w, h := float64(dc.Width()), float64(dc.Height())

	dc.SetColor(plateColor)
	dc.SetLineWidth(2)
	for _, b := range boxes {
		dc.DrawRectangle(
			float64(deref(b.Left))*w,
			float64(deref(b.Top))*h,
			float64(deref(b.Width))*w,
			float64(deref(b.Height))*h,
		)
		dc.Stroke()
	}

	return dc.Image()
}

func deref(f *float32) float32 {
	if f == nil {
		return 0
	}
	return *f
}

// normalize upper-cases text and strips the separators plates are printed with.
func normalize(text string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case ' ', '-', '.':
			return -1
		}
		return r
	}, strings.ToUpper(text))
}
