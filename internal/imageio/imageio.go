// Package imageio loads and stores fingerprint images in the formats
// produced by sensors, capture scripts and enrollment exports.
package imageio

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	_ "image/jpeg"
	"image/png"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/jtejido/go-wsq"
	"github.com/spakin/netpbm"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"

	"fingerauth/internal/scan"
)

// ErrUnsupportedSize reports an image whose dimensions differ from the sensor's.
var ErrUnsupportedSize = errors.New("image is not sensor sized")

// ErrUnknownFormat reports an extension no codec is registered for.
var ErrUnknownFormat = errors.New("unknown image format")

// wsqMagic is the WSQ start-of-image marker.
const wsqMagic = "\xff\xa0"

// wsqBitrate is the FBI-recommended compression for 500 ppi prints.
const wsqBitrate = 0.75

// Options tune Load and Decode.
type Options struct {
	// AllowAnySize accepts images whose dimensions differ from the sensor.
	AllowAnySize bool
}

var knownExts = map[string]struct{}{
	".png":  {},
	".jpg":  {},
	".jpeg": {},
	".bmp":  {},
	".tif":  {},
	".tiff": {},
	".pgm":  {},
	".pnm":  {},
	".wsq":  {},
	".raw":  {},
}

// Supported reports whether path carries an extension Load understands.
func Supported(path string) bool {
	_, ok := knownExts[strings.ToLower(filepath.Ext(path))]
	return ok
}

// Load reads an image file into a grid. ".raw" files hold a packed sensor
// scan; everything else goes through the registered image decoders.
func Load(path string, opts Options) (*scan.Grid, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var g *scan.Grid
	switch strings.ToLower(filepath.Ext(path)) {
	case ".raw":
		return scan.Decode(scan.RawScan(data))
	case ".pgm", ".pnm":
		g, err = DecodePGM(bytes.NewReader(data))
		if err == nil {
			g, err = checkSize(g, opts)
		}
	case ".wsq":
		g, err = DecodeWSQ(bytes.NewReader(data), opts)
	default:
		g, err = Decode(bytes.NewReader(data), opts)
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", filepath.Base(path), err)
	}
	return g, nil
}

// Decode reads any registered image format from r.
func Decode(r io.Reader, opts Options) (*scan.Grid, error) {
	img, _, err := image.Decode(r)
	if err != nil {
		return nil, err
	}
	return fromImage(img, opts)
}

// DecodeBytes decodes an in-memory payload by its leading magic. Bytes that
// are exactly one sensor buffer long and do not decode as an image are a
// packed raw scan.
func DecodeBytes(data []byte, opts Options) (*scan.Grid, error) {
	g, err := decodeSigned(data, opts)
	if err != nil && len(data) == scan.RawSize && !errors.Is(err, ErrUnsupportedSize) {
		return scan.Decode(scan.RawScan(data))
	}
	return g, err
}

func decodeSigned(data []byte, opts Options) (*scan.Grid, error) {
	switch {
	case bytes.HasPrefix(data, []byte(wsqMagic)):
		return DecodeWSQ(bytes.NewReader(data), opts)
	case isPNM(data):
		g, err := DecodePGM(bytes.NewReader(data))
		if err != nil {
			return nil, err
		}
		return checkSize(g, opts)
	case len(data) == scan.RawSize && !registered(data):
		return nil, ErrUnknownFormat
	}
	return Decode(bytes.NewReader(data), opts)
}

// registered reports whether one of the image package decoders recognizes
// the header of data.
func registered(data []byte) bool {
	_, _, err := image.DecodeConfig(bytes.NewReader(data))
	return err == nil
}

func isPNM(data []byte) bool {
	return len(data) >= 2 && data[0] == 'P' && data[1] >= '1' && data[1] <= '6'
}

// DecodeWSQ reads a WSQ-compressed print.
func DecodeWSQ(r io.Reader, opts Options) (*scan.Grid, error) {
	img, err := wsq.Decode(r)
	if err != nil {
		return nil, fmt.Errorf("wsq: %w", err)
	}
	return fromImage(img, opts)
}

// EncodeWSQ writes g as WSQ. The codec is lossy.
func EncodeWSQ(w io.Writer, g *scan.Grid) error {
	return wsq.Encode(w, g.Gray(), &wsq.Options{
		Bitrate:  wsqBitrate,
		Comments: []string{"fingerauth"},
	})
}

func fromImage(img image.Image, opts Options) (*scan.Grid, error) {
	return checkSize(scan.FromImage(img), opts)
}

func checkSize(g *scan.Grid, opts Options) (*scan.Grid, error) {
	if !opts.AllowAnySize && (g.Width != scan.Width || g.Height != scan.Height) {
		return nil, fmt.Errorf("%w: %dx%d", ErrUnsupportedSize, g.Width, g.Height)
	}
	return g, nil
}

// EncodePGM writes g as a binary 8-bit PGM.
func EncodePGM(w io.Writer, g *scan.Grid) error {
	return netpbm.Encode(w, g.Gray(), &netpbm.EncodeOptions{
		Format:   netpbm.PGM,
		MaxValue: 255,
		Comments: []string{"fingerauth"},
	})
}

// DecodePGM reads a PGM written by EncodePGM.
func DecodePGM(r io.Reader) (*scan.Grid, error) {
	img, err := netpbm.Decode(r, &netpbm.DecodeOptions{
		Target: netpbm.PGM,
		Exact:  true,
	})
	if err != nil {
		return nil, err
	}
	return scan.FromImage(img), nil
}

// EncodePNG writes g as an 8-bit grayscale PNG.
func EncodePNG(w io.Writer, g *scan.Grid) error {
	return png.Encode(w, g.Gray())
}

// Save writes g to path, choosing the encoder from the extension.
func Save(path string, g *scan.Grid) error {
	var buf bytes.Buffer
	switch strings.ToLower(filepath.Ext(path)) {
	case ".png":
		if err := EncodePNG(&buf, g); err != nil {
			return err
		}
	case ".pgm", ".pnm":
		if err := EncodePGM(&buf, g); err != nil {
			return err
		}
	case ".wsq":
		if err := EncodeWSQ(&buf, g); err != nil {
			return err
		}
	case ".raw":
		raw, err := scan.Encode(g)
		if err != nil {
			return err
		}
		buf.Write(raw)
	default:
		return fmt.Errorf("%w: %s", ErrUnknownFormat, filepath.Ext(path))
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return os.WriteFile(path, buf.Bytes(), 0o644)
}
