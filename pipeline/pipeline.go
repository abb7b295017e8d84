// Package pipeline turns an image into a spoken description.
//
// A run goes through AnalyzingImage then SynthesizingSpeech and always ends
// with a Result. Analysis failures carry no text. Synthesis and persist
// failures keep the analysis text so the caller still gets the description.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"visionaid/speech"
	"visionaid/storage"
)

// Describer is the remote vision stage.
type Describer interface {
	Describe(ctx context.Context, image []byte, mimeType string) (string, error)
}

// Synthesizer is the remote speech stage.
type Synthesizer interface {
	Synthesize(ctx context.Context, text, voice string, wait time.Duration) (*speech.Audio, error)
}

// Artifacts is the storage the pipeline writes to.
type Artifacts interface {
	SaveUpload(id, ext string, data []byte) (string, error)
	OutputPath(id string) string
	WriteOutput(path string, data []byte) error
	Remove(path string)
}

// State is a step of a single run.
type State string

const (
	StateCreated            State = "created"
	StateAnalyzingImage     State = "analyzing_image"
	StateSynthesizingSpeech State = "synthesizing_speech"
	StateDone               State = "done"
)

// Progress receives advisory completion percentages. It may be nil.
type Progress func(percent int)

func (p Progress) report(percent int) {
	if p != nil {
		p(percent)
	}
}

// Checkpoints reported through Progress by ConvertUpload.
const (
	ProgressInputSaved = 30
	ProgressAnalyzing  = 50
	ProgressConverted  = 90
)

// Request is the input of Convert.
type Request struct {
	ImagePath string
	Voice     string
	WaitTime  time.Duration
	// OutputID names the audio artifact.
	OutputID string
}

// Options are the caller-tunable parameters of a conversion.
type Options struct {
	Voice    string
	WaitTime time.Duration
}

// Upload is an image as received from a caller.
type Upload struct {
	Filename string
	Data     []byte
}

// Converter composes the vision and speech stages.
type Converter struct {
	vision       Describer
	speech       Synthesizer
	artifacts    Artifacts
	maxDimension int
	logger       *zap.Logger

	// onState observes state transitions; used by tests.
	onState func(State)
}

func NewConverter(v Describer, s Synthesizer, a Artifacts, maxDimension int, logger *zap.Logger) *Converter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Converter{
		vision:       v,
		speech:       s,
		artifacts:    a,
		maxDimension: maxDimension,
		logger:       logger,
	}
}

func (c *Converter) enter(s State) {
	if c.onState != nil {
		c.onState(s)
	}
}

// Convert runs one conversion of the image at req.ImagePath.
func (c *Converter) Convert(ctx context.Context, req Request) (result Result) {
	c.enter(StateCreated)
	defer c.enter(StateDone)

	log := c.logger.With(zap.String("image", req.ImagePath), zap.String("voice", req.Voice))

	data, err := os.ReadFile(req.ImagePath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Failed(KindImageNotFound, fmt.Sprintf("Image file not found: %s", req.ImagePath), "")
		}
		return Failed(KindImageNotFound, fmt.Sprintf("Image file not readable: %v", err), "")
	}
	img, err := ValidateImage(data, req.ImagePath)
	if err != nil {
		return Failed(KindInvalidInput, err.Error(), "")
	}
	if fitted, err := fitImage(img, c.maxDimension); err != nil {
		log.Warn("could not downscale image, sending original", zap.Error(err))
	} else {
		img = fitted
	}

	c.enter(StateAnalyzingImage)
	start := time.Now()
	text, err := c.vision.Describe(ctx, img.Data, img.MimeType)
	if err != nil {
		log.Warn("image analysis failed", zap.Error(err))
		return Failed(KindRemoteVision, err.Error(), "")
	}
	log.Info("image analysed", zap.Int("text_length", len(text)), zap.Duration("elapsed", time.Since(start)))

	c.enter(StateSynthesizingSpeech)
	start = time.Now()
	audio, err := c.speech.Synthesize(ctx, text, req.Voice, req.WaitTime)
	if err != nil {
		log.Warn("speech synthesis failed", zap.Error(err))
		return Failed(KindRemoteSpeech, err.Error(), text)
	}

	outPath := c.artifacts.OutputPath(req.OutputID)
	if err := c.artifacts.WriteOutput(outPath, audio.Data); err != nil {
		log.Error("failed to persist audio", zap.String("path", outPath), zap.Error(err))
		return Failed(KindPersist, fmt.Sprintf("failed to save audio: %v", err), text)
	}
	log.Info("audio saved",
		zap.String("path", outPath),
		zap.Int("audio_bytes", len(audio.Data)),
		zap.Duration("elapsed", time.Since(start)),
	)

	return Succeeded(Success{
		Text:          text,
		AudioPath:     outPath,
		AudioFilename: filepath.Base(outPath),
		VoiceUsed:     req.Voice,
	})
}

// ConvertUpload stores the upload as an input artifact, converts it, and
// removes the input artifact on every exit path. A failed or panicking run
// also removes any audio artifact it may have left behind.
func (c *Converter) ConvertUpload(ctx context.Context, up Upload, opts Options, progress Progress) (result Result) {
	var outPath string
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("conversion panicked", zap.Any("panic", r))
			result = Recovered(r)
		}
		if outPath != "" && !result.OK() {
			c.artifacts.Remove(outPath)
		}
	}()

	img, err := ValidateImage(up.Data, up.Filename)
	if err != nil {
		return Failed(KindInvalidInput, err.Error(), "")
	}

	id := storage.NewID()
	inputPath, err := c.artifacts.SaveUpload(id, img.Ext, img.Data)
	if err != nil {
		return Failed(KindPersist, err.Error(), "")
	}
	defer c.artifacts.Remove(inputPath)
	outPath = c.artifacts.OutputPath(id)
	progress.report(ProgressInputSaved)

	progress.report(ProgressAnalyzing)
	result = c.Convert(ctx, Request{
		ImagePath: inputPath,
		Voice:     opts.Voice,
		WaitTime:  opts.WaitTime,
		OutputID:  id,
	})
	progress.report(ProgressConverted)
	return result
}
