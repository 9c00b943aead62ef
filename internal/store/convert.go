package store

import (
	"bytes"
	"image"
	"image/color"
	"image/draw"
	"image/jpeg"
	"image/png"
	"path/filepath"
	"strings"
)

var imageExts = map[string]bool{
	".jpg": true, ".jpeg": true, ".png": true, ".gif": true, ".webp": true, ".bmp": true,
}

var videoExts = map[string]bool{
	".mp4": true, ".mov": true, ".webm": true, ".avi": true, ".mkv": true,
}

func IsImageFile(name string) bool {
	return imageExts[strings.ToLower(filepath.Ext(name))]
}

func IsVideoFile(name string) bool {
	return videoExts[strings.ToLower(filepath.Ext(name))]
}

// MaybeConvert re-encodes a PNG payload as JPEG when the store's size-saving
// mode is on, flattening transparency onto a white background. Any decode or
// encode failure degrades to the original bytes; the resource is never
// dropped. Returns the payload, the extension to store under, and whether a
// conversion happened.
func (s *Store) MaybeConvert(data []byte, ext string) ([]byte, string, bool) {
	if !s.opts.ConvertPNGToJPG || !strings.EqualFold(ext, ".png") {
		return data, ext, false
	}
	converted, err := pngToJPEG(data, s.opts.JPGQuality)
	if err != nil {
		s.logger.Debug().Err(err).Msg("png to jpg conversion failed, keeping original")
		return data, ext, false
	}
	return converted, ".jpg", true
}

func pngToJPEG(data []byte, quality int) ([]byte, error) {
	img, err := png.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	flat := image.NewRGBA(img.Bounds())
	draw.Draw(flat, flat.Bounds(), image.NewUniform(color.White), image.Point{}, draw.Src)
	draw.Draw(flat, flat.Bounds(), img, img.Bounds().Min, draw.Over)

	var out bytes.Buffer
	if err := jpeg.Encode(&out, flat, &jpeg.Options{Quality: quality}); err != nil {
		return nil, err
	}
	return out.Bytes(), nil
}
