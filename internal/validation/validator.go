// Package validation confirms that an uploaded payload is a genuine image or a
// schema-conformant table before any inference is attempted.
package validation

import (
	"bufio"
	"encoding/csv"
	"errors"
	"fmt"
	"image"
	"image/color"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/medscan-diagnosis-server/internal/domain"
)

// ReasonCorruptImage is the stable reason reported for undecodable images
const ReasonCorruptImage = "corrupt image"

// ReasonImageTooLarge is reported when the declared pixel count exceeds the limit
const ReasonImageTooLarge = "image too large"

// DefaultMaxPixels matches the decompression bomb warning threshold of common
// imaging libraries.
const DefaultMaxPixels int64 = 89_478_485

// Table is a parsed delimited file
type Table struct {
	Header []string
	Rows   [][]string
}

// Artifact is the decoded form of a validated payload
type Artifact struct {
	Kind  domain.ContentKind
	Image image.Image
	Table *Table
}

// Validator checks staged uploads. It only reads the files it is given.
type Validator struct {
	schema    []string
	maxPixels int64
	logger    *logrus.Logger
}

// NewValidator creates a validator. A nil schema accepts any parseable table.
func NewValidator(schema []string, logger *logrus.Logger) *Validator {
	if logger == nil {
		logger = logrus.New()
	}
	return &Validator{schema: schema, maxPixels: DefaultMaxPixels, logger: logger}
}

// WithMaxPixels bounds the width*height an image may declare. A non-positive
// n keeps DefaultMaxPixels.
func (v *Validator) WithMaxPixels(n int64) *Validator {
	if n > 0 {
		v.maxPixels = n
	}
	return v
}

// HasSchema reports whether tables are checked against a reference header
func (v *Validator) HasSchema() bool {
	return v.schema != nil
}

// Validate decodes the file at path according to kind
func (v *Validator) Validate(path string, kind domain.ContentKind) (*Artifact, error) {
	switch kind {
	case domain.ContentImage:
		img, err := v.ValidateImage(path)
		if err != nil {
			return nil, err
		}
		return &Artifact{Kind: kind, Image: img}, nil
	case domain.ContentTabular:
		tbl, err := v.ValidateTable(path)
		if err != nil {
			return nil, err
		}
		return &Artifact{Kind: kind, Table: tbl}, nil
	}
	return nil, domain.NewPipelineError(domain.ErrUnsupportedInputKind, "Unsupported file type", string(kind), nil)
}

// ValidateImage verifies the image header, then reopens the file for a full
// decode and returns an opaque RGB image. Images declaring more than the
// configured pixel count are rejected before any pixel data is decoded.
func (v *Validator) ValidateImage(path string) (image.Image, error) {
	cfg, err := verifyImage(path)
	if err != nil {
		return nil, domain.NewInvalidInputError(ReasonCorruptImage, err)
	}
	if pixels := int64(cfg.Width) * int64(cfg.Height); pixels > v.maxPixels {
		return nil, domain.NewInvalidInputError(ReasonImageTooLarge,
			fmt.Errorf("%dx%d exceeds the %d pixel limit", cfg.Width, cfg.Height, v.maxPixels))
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, domain.NewInvalidInputError(ReasonCorruptImage, err)
	}
	defer f.Close()

	img, format, err := image.Decode(bufio.NewReader(f))
	if err != nil {
		return nil, domain.NewInvalidInputError(ReasonCorruptImage, err)
	}

	v.logger.WithFields(logrus.Fields{
		"format": format,
		"width":  img.Bounds().Dx(),
		"height": img.Bounds().Dy(),
	}).Debug("Image decoded")

	return toRGB(img), nil
}

func verifyImage(path string) (image.Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return image.Config{}, err
	}
	defer f.Close()

	cfg, _, err := image.DecodeConfig(bufio.NewReader(f))
	if err != nil {
		return image.Config{}, err
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return image.Config{}, fmt.Errorf("image has no pixels")
	}
	return cfg, nil
}

// toRGB drops the alpha channel without compositing
func toRGB(src image.Image) *image.NRGBA {
	b := src.Bounds()
	dst := image.NewNRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			c := color.NRGBAModel.Convert(src.At(x, y)).(color.NRGBA)
			c.A = 0xff
			dst.SetNRGBA(x-b.Min.X, y-b.Min.Y, c)
		}
	}
	return dst
}

// ValidateTable parses the file as CSV and checks its header against the
// reference schema, ignoring column order.
func (v *Validator) ValidateTable(path string) (*Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, domain.NewInvalidInputError("unreadable table", err)
	}
	defer f.Close()

	tbl, err := ParseTable(f)
	if err != nil {
		return nil, domain.NewInvalidInputError("malformed table", err)
	}

	if v.schema == nil {
		v.logger.Debug("No reference schema configured, accepting table")
		return tbl, nil
	}
	if !SameColumns(tbl.Header, v.schema) {
		return nil, domain.NewInvalidInputError("schema mismatch",
			fmt.Errorf("expected %d columns matching the reference schema, got %d", len(v.schema), len(tbl.Header)))
	}
	return tbl, nil
}

// ParseTable reads a header row followed by data rows
func ParseTable(r io.Reader) (*Table, error) {
	reader := csv.NewReader(bufio.NewReader(r))
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("table is empty")
	}
	if err != nil {
		return nil, err
	}
	for i := range header {
		header[i] = strings.TrimSpace(strings.TrimPrefix(header[i], "\ufeff"))
	}

	rows, err := reader.ReadAll()
	if err != nil {
		return nil, err
	}
	return &Table{Header: header, Rows: rows}, nil
}

// SameColumns reports whether a and b hold the same column names in any order
func SameColumns(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	counts := make(map[string]int, len(a))
	for _, name := range a {
		counts[name]++
	}
	for _, name := range b {
		if counts[name] == 0 {
			return false
		}
		counts[name]--
	}
	return true
}

// LoadReferenceSchema reads the header of the reference table at path. A
// missing file yields a nil schema, which puts tabular validation in degraded mode.
func LoadReferenceSchema(path string) ([]string, error) {
	if path == "" {
		return nil, nil
	}
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open reference schema: %w", err)
	}
	defer f.Close()

	header, err := csv.NewReader(bufio.NewReader(f)).Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read reference schema header: %w", err)
	}
	for i := range header {
		header[i] = strings.TrimSpace(strings.TrimPrefix(header[i], "\ufeff"))
	}
	return header, nil
}
