package pipeline

import (
	"bytes"
	"fmt"
	"image"
	"path/filepath"
	"strings"

	"github.com/disintegration/imaging"
)

// allowedExt maps accepted upload extensions to their MIME type.
var allowedExt = map[string]string{
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".png":  "image/png",
	".bmp":  "image/bmp",
	".gif":  "image/gif",
}

var formatMime = map[imaging.Format]string{
	imaging.JPEG: "image/jpeg",
	imaging.PNG:  "image/png",
	imaging.BMP:  "image/bmp",
	imaging.GIF:  "image/gif",
}

// Image is a validated image payload.
type Image struct {
	Data     []byte
	MimeType string
	Ext      string
	Width    int
	Height   int
}

// AllowedExt reports whether a filename has an accepted image extension.
func AllowedExt(filename string) bool {
	_, ok := allowedExt[strings.ToLower(filepath.Ext(filename))]
	return ok
}

// SniffExt returns the extension matching the encoding of data, or "" when
// the encoding is not recognised.
func SniffExt(data []byte) string {
	_, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return ""
	}
	switch format {
	case "jpeg":
		return ".jpg"
	case "png", "gif", "bmp":
		return "." + format
	}
	return ""
}

// ValidateImage checks the extension and that data really decodes as one of
// the accepted encodings. The MIME type comes from the decoded content, not
// the extension.
func ValidateImage(data []byte, filename string) (Image, error) {
	ext := strings.ToLower(filepath.Ext(filename))
	if _, ok := allowedExt[ext]; !ok {
		return Image{}, &InputError{Reason: fmt.Sprintf("unsupported image format %q", ext)}
	}
	if len(data) == 0 {
		return Image{}, &InputError{Reason: "image is empty"}
	}

	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return Image{}, &InputError{Reason: fmt.Sprintf("image cannot be decoded: %v", err)}
	}
	f, err := imaging.FormatFromExtension(format)
	if err != nil {
		return Image{}, &InputError{Reason: fmt.Sprintf("unsupported image encoding %q", format)}
	}
	mime, ok := formatMime[f]
	if !ok {
		return Image{}, &InputError{Reason: fmt.Sprintf("unsupported image encoding %q", format)}
	}
	// Decode fully so truncated files are caught here rather than remotely.
	if _, err := imaging.Decode(bytes.NewReader(data)); err != nil {
		return Image{}, &InputError{Reason: fmt.Sprintf("image cannot be decoded: %v", err)}
	}

	return Image{
		Data:     data,
		MimeType: mime,
		Ext:      ext,
		Width:    cfg.Width,
		Height:   cfg.Height,
	}, nil
}

// fitImage shrinks img so neither side exceeds maxDim, re-encoding as JPEG.
// Images already within bounds, or maxDim <= 0, are returned unchanged.
func fitImage(img Image, maxDim int) (Image, error) {
	if maxDim <= 0 || (img.Width <= maxDim && img.Height <= maxDim) {
		return img, nil
	}
	src, err := imaging.Decode(bytes.NewReader(img.Data))
	if err != nil {
		return img, err
	}
	dst := imaging.Fit(src, maxDim, maxDim, imaging.Lanczos)

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, dst, imaging.JPEG, imaging.JPEGQuality(85)); err != nil {
		return img, err
	}
	b := dst.Bounds()
	return Image{
		Data:     buf.Bytes(),
		MimeType: "image/jpeg",
		Ext:      ".jpg",
		Width:    b.Dx(),
		Height:   b.Dy(),
	}, nil
}
