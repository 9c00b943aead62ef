package store

import (
	"bytes"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"testing"
)

func encodePNG(t *testing.T, withAlpha bool) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 4, 4))
	for y := 0; y < 4; y++ {
		for x := 0; x < 4; x++ {
			a := uint8(255)
			if withAlpha && x%2 == 0 {
				a = 0
			}
			img.SetRGBA(x, y, color.RGBA{R: 200, G: 10, B: 10, A: a})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func TestMaybeConvertProducesDecodableJPEG(t *testing.T) {
	s, _ := newTestStore(t)

	data, ext, converted := s.MaybeConvert(encodePNG(t, true), ".png")
	if !converted {
		t.Fatal("conversion expected")
	}
	if ext != ".jpg" {
		t.Fatalf("ext = %q", ext)
	}
	if _, err := jpeg.Decode(bytes.NewReader(data)); err != nil {
		t.Fatalf("converted payload not decodable: %v", err)
	}
}

func TestMaybeConvertDegradesOnGarbage(t *testing.T) {
	s, _ := newTestStore(t)

	original := []byte("not a png at all")
	data, ext, converted := s.MaybeConvert(original, ".png")
	if converted {
		t.Fatal("garbage must not report conversion")
	}
	if ext != ".png" || !bytes.Equal(data, original) {
		t.Fatal("original bytes must be preserved on failure")
	}
}

func TestMaybeConvertRespectsDisabledMode(t *testing.T) {
	s, _ := newTestStore(t)
	s.opts.ConvertPNGToJPG = false

	original := encodePNG(t, false)
	data, ext, converted := s.MaybeConvert(original, ".png")
	if converted || ext != ".png" || !bytes.Equal(data, original) {
		t.Fatal("disabled mode must pass bytes through untouched")
	}
}

func TestMaybeConvertIgnoresNonPNG(t *testing.T) {
	s, _ := newTestStore(t)
	original := []byte{0xff, 0xd8, 0xff}
	if _, ext, converted := s.MaybeConvert(original, ".jpg"); converted || ext != ".jpg" {
		t.Fatal("non-png extensions are untouched")
	}
}

func TestMediaFileClassification(t *testing.T) {
	if !IsImageFile("a/b/pic.PNG") || !IsVideoFile("clip.Mp4") {
		t.Fatal("extension match must be case-insensitive")
	}
	if IsImageFile("doc.pdf") || IsVideoFile("doc.pdf") {
		t.Fatal("pdf is neither image nor video")
	}
	if MIMEType("x.webm") != "video/webm" {
		t.Fatal("mime lookup broken")
	}
	if MIMEType("x.unknown") != "application/octet-stream" {
		t.Fatal("unknown extensions default to octet-stream")
	}
}
