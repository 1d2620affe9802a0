package session

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/draw"
	_ "image/jpeg"
	"image/png"
	"os"

	"visionchat/internal/models"
)

// ErrUnsupportedImage is returned for uploads that are not decodable JPEG or PNG.
var ErrUnsupportedImage = errors.New("please upload a JPEG or PNG image")

// decodeUpload decodes a JPEG or PNG upload and re-encodes it as 8-bit PNG,
// the form both the model request and the report consume.
func decodeUpload(fileName string, data []byte) (*models.UploadedImage, error) {
	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedImage, err)
	}
	if format != "jpeg" && format != "png" {
		return nil, fmt.Errorf("%w: got %s", ErrUnsupportedImage, format)
	}
	bounds := img.Bounds()
	nrgba := image.NewNRGBA(image.Rect(0, 0, bounds.Dx(), bounds.Dy()))
	draw.Draw(nrgba, nrgba.Bounds(), img, bounds.Min, draw.Src)

	var buf bytes.Buffer
	if err := png.Encode(&buf, nrgba); err != nil {
		return nil, fmt.Errorf("encode png: %w", err)
	}
	return &models.UploadedImage{
		FileName: fileName,
		MimeType: "image/png",
		Width:    bounds.Dx(),
		Height:   bounds.Dy(),
		Data:     buf.Bytes(),
	}, nil
}

// writeTempImage materialises the ephemeral on-disk copy of an upload.
func writeTempImage(dir string, data []byte) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create temp dir: %w", err)
	}
	f, err := os.CreateTemp(dir, "upload-*.png")
	if err != nil {
		return "", fmt.Errorf("create temp image: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", fmt.Errorf("write temp image: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return "", fmt.Errorf("close temp image: %w", err)
	}
	return f.Name(), nil
}
