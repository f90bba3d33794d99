package imageio

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"fingerauth/internal/scan"
	"fingerauth/internal/scan/scantest"
)

func TestSaveLoadRoundTrip(t *testing.T) {
	g := scantest.Texture(1)
	dir := t.TempDir()
	for _, name := range []string{"print.png", "print.pgm", "print.raw"} {
		path := filepath.Join(dir, name)
		if err := Save(path, g); err != nil {
			t.Fatalf("%s: save: %v", name, err)
		}
		back, err := Load(path, Options{})
		if err != nil {
			t.Fatalf("%s: load: %v", name, err)
		}
		if !back.Equal(g) {
			t.Fatalf("%s: pixels changed across round trip", name)
		}
	}
}

func TestPGMCodec(t *testing.T) {
	g := scan.NewGrid(4, 3)
	for i := range g.Pix {
		g.Pix[i] = uint8(i * 20)
	}
	var buf bytes.Buffer
	if err := EncodePGM(&buf, g); err != nil {
		t.Fatalf("encode: %v", err)
	}
	back, err := DecodePGM(&buf)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !back.Equal(g) {
		t.Fatalf("pgm round trip mismatch: %v vs %v", back.Pix, g.Pix)
	}
}

func TestLoadRejectsOddSizes(t *testing.T) {
	path := filepath.Join(t.TempDir(), "small.png")
	if err := Save(path, scan.NewGrid(10, 10)); err != nil {
		t.Fatalf("save: %v", err)
	}
	if _, err := Load(path, Options{}); !errors.Is(err, ErrUnsupportedSize) {
		t.Fatalf("expected ErrUnsupportedSize, got %v", err)
	}
	g, err := Load(path, Options{AllowAnySize: true})
	if err != nil {
		t.Fatalf("load with AllowAnySize: %v", err)
	}
	if g.Width != 10 || g.Height != 10 {
		t.Fatalf("unexpected dims %dx%d", g.Width, g.Height)
	}
}

func TestLoadRawRejectsTruncatedScan(t *testing.T) {
	path := filepath.Join(t.TempDir(), "short.raw")
	if err := os.WriteFile(path, make([]byte, 100), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path, Options{}); !errors.Is(err, scan.ErrMalformedScan) {
		t.Fatalf("expected ErrMalformedScan, got %v", err)
	}
}

func TestDecodeBytesAcceptsPackedScan(t *testing.T) {
	g := scantest.Texture(2)
	got, err := DecodeBytes(scantest.Raw(g), Options{})
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !got.Equal(g) {
		t.Fatalf("packed scan decoded to different pixels")
	}
}

func TestSupported(t *testing.T) {
	if !Supported("a/b/PRINT.PNG") || !Supported("x.wsq") {
		t.Fatalf("expected png and wsq to be supported")
	}
	if Supported("notes.txt") {
		t.Fatalf("txt should not be supported")
	}
	if err := Save(filepath.Join(t.TempDir(), "x.gif"), scan.NewGrid(1, 1)); !errors.Is(err, ErrUnknownFormat) {
		t.Fatalf("expected ErrUnknownFormat, got %v", err)
	}
}

func TestWSQRoundTrip(t *testing.T) {
	g := scantest.Texture(3)
	path := filepath.Join(t.TempDir(), "print.wsq")
	if err := Save(path, g); err != nil {
		t.Fatalf("save: %v", err)
	}
	back, err := Load(path, Options{})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if back.Width != g.Width || back.Height != g.Height {
		t.Fatalf("unexpected dims %dx%d", back.Width, back.Height)
	}
	if d := mean(back) - mean(g); d > 16 || d < -16 {
		t.Fatalf("mean intensity drifted by %.1f", d)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := DecodeBytes(data, Options{}); err != nil {
		t.Fatalf("decode bytes: %v", err)
	}
}

func TestDecodeBytesPrefersImageSignature(t *testing.T) {
	g := scan.NewGrid(10, 10)
	for i := range g.Pix {
		g.Pix[i] = uint8(i)
	}
	var buf bytes.Buffer
	if err := EncodePNG(&buf, g); err != nil {
		t.Fatal(err)
	}
	if buf.Len() > scan.RawSize {
		t.Fatalf("png larger than a raw scan: %d", buf.Len())
	}
	data := append(buf.Bytes(), make([]byte, scan.RawSize-buf.Len())...)

	got, err := DecodeBytes(data, Options{AllowAnySize: true})
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !got.Equal(g) {
		t.Fatalf("sensor-sized png decoded as a raw scan")
	}
}

func mean(g *scan.Grid) float64 {
	var sum float64
	for _, v := range g.Pix {
		sum += float64(v)
	}
	return sum / float64(len(g.Pix))
}
