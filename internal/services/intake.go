package services

import (
	"bytes"
	"fmt"
	"image"
	"net/http"
	"strings"

	_ "image/jpeg"
	_ "image/png"

	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"

	"github.com/stripsense/stripsense-backend/internal/apierr"
	"github.com/stripsense/stripsense-backend/internal/logger"
	"github.com/stripsense/stripsense-backend/internal/utils"
)

const (
	RejectUnsupportedType = "UNSUPPORTED_TYPE"
	RejectTooLarge        = "TOO_LARGE"
	RejectUndecodable     = "UNDECODABLE"
	RejectTooSmall        = "TOO_SMALL"
	RejectTooDark         = "TOO_DARK"
	RejectTooBright       = "TOO_BRIGHT"
	RejectTooBlurry       = "TOO_BLURRY"
)

// IntakeReport carries the measured quality metrics for an accepted image.
// Advisories are non-fatal observations the client may surface to the user.
type IntakeReport struct {
	Width      int      `json:"width"`
	Height     int      `json:"height"`
	MeanLuma   float64  `json:"mean_luma"`
	Sharpness  float64  `json:"sharpness"`
	Advisories []string `json:"advisories,omitempty"`
}

// IntakeService is the quality gate in front of classification. Pure
// validation over the submitted bytes; persists nothing.
type IntakeService interface {
	ValidateSubmission(imageBytes []byte, declaredMimeType string, sizeBytes int64) (*IntakeReport, error)
	MaxImageBytes() int64
}

type intakeService struct {
	log           *logger.Logger
	maxImageBytes int64
	minWidth      int
	minHeight     int
	minLuma       float64
	maxLuma       float64
	minSharpness  float64
}

var allowedMimeTypes = map[string]bool{
	"image/jpeg": true,
	"image/png":  true,
	"image/webp": true,
}

func NewIntakeService(log *logger.Logger) IntakeService {
	serviceLog := log.With("service", "IntakeService")
	return &intakeService{
		log:           serviceLog,
		maxImageBytes: utils.GetEnvAsInt64("MAX_IMAGE_BYTES", 5*1024*1024, log),
		minWidth:      utils.GetEnvAsInt("MIN_IMAGE_WIDTH", 200, log),
		minHeight:     utils.GetEnvAsInt("MIN_IMAGE_HEIGHT", 200, log),
		minLuma:       utils.GetEnvAsFloat("MIN_IMAGE_BRIGHTNESS", 40, log),
		maxLuma:       utils.GetEnvAsFloat("MAX_IMAGE_BRIGHTNESS", 220, log),
		minSharpness:  utils.GetEnvAsFloat("MIN_IMAGE_SHARPNESS", 2.0, log),
	}
}

func (is *intakeService) MaxImageBytes() int64 {
	return is.maxImageBytes
}

func (is *intakeService) ValidateSubmission(imageBytes []byte, declaredMimeType string, sizeBytes int64) (*IntakeReport, error) {
	if sizeBytes > is.maxImageBytes || int64(len(imageBytes)) > is.maxImageBytes {
		return nil, apierr.Validation(RejectTooLarge,
			fmt.Errorf("image exceeds the %d byte limit", is.maxImageBytes))
	}
	if len(imageBytes) == 0 {
		return nil, apierr.Validation(RejectUndecodable, fmt.Errorf("empty image payload"))
	}

	declared := normalizeMime(declaredMimeType)
	if !allowedMimeTypes[declared] {
		return nil, apierr.Validation(RejectUnsupportedType,
			fmt.Errorf("unsupported content type %q, expected JPEG, PNG or WebP", declaredMimeType))
	}
	sniffed := normalizeMime(http.DetectContentType(imageBytes))
	if sniffed != declared {
		return nil, apierr.Validation(RejectUnsupportedType,
			fmt.Errorf("declared content type %q does not match image bytes (%s)", declaredMimeType, sniffed))
	}

	img, format, err := image.Decode(bytes.NewReader(imageBytes))
	if err != nil {
		return nil, apierr.Validation(RejectUndecodable, fmt.Errorf("image could not be decoded: %w", err))
	}
	is.log.Debug("Decoded submission image", "format", format)

	bounds := img.Bounds()
	width, height := bounds.Dx(), bounds.Dy()
	if width < is.minWidth || height < is.minHeight {
		return nil, apierr.Quality(RejectTooSmall,
			fmt.Errorf("image is %dx%d, minimum is %dx%d", width, height, is.minWidth, is.minHeight))
	}

	gray := downsampleGray(img, 256)
	meanLuma := meanIntensity(gray)
	sharpness := laplacianSharpness(gray)

	report := &IntakeReport{
		Width:     width,
		Height:    height,
		MeanLuma:  meanLuma,
		Sharpness: sharpness,
	}

	if meanLuma < is.minLuma {
		return report, apierr.Quality(RejectTooDark,
			fmt.Errorf("image is too dark (mean brightness %.1f, minimum %.1f)", meanLuma, is.minLuma))
	}
	if meanLuma > is.maxLuma {
		return report, apierr.Quality(RejectTooBright,
			fmt.Errorf("image is too bright (mean brightness %.1f, maximum %.1f)", meanLuma, is.maxLuma))
	}
	if sharpness < is.minSharpness {
		return report, apierr.Quality(RejectTooBlurry,
			fmt.Errorf("image is too blurry (sharpness %.2f, minimum %.2f)", sharpness, is.minSharpness))
	}

	if meanLuma < is.minLuma+15 {
		report.Advisories = append(report.Advisories, "image is on the dark side; better lighting may improve accuracy")
	}
	if meanLuma > is.maxLuma-15 {
		report.Advisories = append(report.Advisories, "image is close to overexposed; reduce glare if possible")
	}
	if sharpness < is.minSharpness*2 {
		report.Advisories = append(report.Advisories, "image sharpness is marginal; hold the camera steady and refocus")
	}

	return report, nil
}

func normalizeMime(mt string) string {
	mt = strings.ToLower(strings.TrimSpace(mt))
	if idx := strings.Index(mt, ";"); idx >= 0 {
		mt = strings.TrimSpace(mt[:idx])
	}
	if mt == "image/jpg" {
		return "image/jpeg"
	}
	return mt
}

// downsampleGray scales the image so its longest side is at most maxSide and
// converts to grayscale. Quality metrics run on this raster so their cost is
// bounded regardless of the upload resolution.
func downsampleGray(img image.Image, maxSide int) *image.Gray {
	bounds := img.Bounds()
	w, h := bounds.Dx(), bounds.Dy()
	if w > maxSide || h > maxSide {
		if w >= h {
			h = h * maxSide / w
			w = maxSide
		} else {
			w = w * maxSide / h
			h = maxSide
		}
		if w < 1 {
			w = 1
		}
		if h < 1 {
			h = 1
		}
	}
	scaled := image.NewGray(image.Rect(0, 0, w, h))
	draw.ApproxBiLinear.Scale(scaled, scaled.Bounds(), img, bounds, draw.Src, nil)
	return scaled
}

func meanIntensity(gray *image.Gray) float64 {
	bounds := gray.Bounds()
	total := 0.0
	count := 0
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			total += float64(gray.GrayAt(x, y).Y)
			count++
		}
	}
	if count == 0 {
		return 0
	}
	return total / float64(count)
}

// laplacianSharpness is the mean absolute 4-neighbour Laplacian response.
// Sharper edges score higher; a flat or defocused image scores near zero.
func laplacianSharpness(gray *image.Gray) float64 {
	bounds := gray.Bounds()
	w, h := bounds.Dx(), bounds.Dy()
	if w < 3 || h < 3 {
		return 0
	}
	total := 0.0
	count := 0
	for y := bounds.Min.Y + 1; y < bounds.Max.Y-1; y++ {
		for x := bounds.Min.X + 1; x < bounds.Max.X-1; x++ {
			center := float64(gray.GrayAt(x, y).Y)
			lap := float64(gray.GrayAt(x-1, y).Y) +
				float64(gray.GrayAt(x+1, y).Y) +
				float64(gray.GrayAt(x, y-1).Y) +
				float64(gray.GrayAt(x, y+1).Y) -
				4*center
			if lap < 0 {
				lap = -lap
			}
			total += lap
			count++
		}
	}
	if count == 0 {
		return 0
	}
	return total / float64(count)
}
