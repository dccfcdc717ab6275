package pipeline

import (
	"bytes"
	"context"
	"image"
	_ "image/gif"  // register GIF for DecodeConfig
	_ "image/jpeg" // register JPEG for DecodeConfig
	_ "image/png"  // register PNG for DecodeConfig
	"net/http"

	"github.com/pixcache/pixcache/pkg/errors"
)

// Image is an encoded image plus what is known about it.
type Image struct {
	Data     []byte
	MimeType string
	Width    int
	Height   int
}

// Size is the number of bytes the image holds in the memory cache.
func (img *Image) Size() int64 {
	return int64(len(img.Data))
}

// Decoder turns fetched source bytes into an Image for a request.
type Decoder interface {
	Decode(ctx context.Context, data []byte, mimeType string, req *Request) (*Image, error)
}

// Transformation rewrites a decoded image. Key must identify the
// transformation and its parameters; it is part of the cache key.
type Transformation interface {
	Key() string
	Transform(ctx context.Context, img *Image) (*Image, error)
}

// PassthroughDecoder keeps the source bytes and reads the dimensions and
// format from the image header. Sources that are not a registered image
// format fail with DECODE_FAILED.
type PassthroughDecoder struct{}

// Decode implements Decoder.
func (PassthroughDecoder) Decode(ctx context.Context, data []byte, mimeType string, req *Request) (*Image, error) {
	if err := ctx.Err(); err != nil {
		return nil, errors.Wrap(errors.ErrCodeOperationCanceled, "decode canceled", err).
			WithComponent("pipeline").WithOperation("decode")
	}

	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeDecodeFailed, "unrecognized image data", err).
			WithComponent("pipeline").WithOperation("decode").WithContext("uri", req.URI)
	}

	if mimeType == "" || mimeType == "application/octet-stream" {
		mimeType = http.DetectContentType(data)
	}
	if mimeType == "application/octet-stream" {
		mimeType = "image/" + format
	}

	return &Image{
		Data:     data,
		MimeType: mimeType,
		Width:    cfg.Width,
		Height:   cfg.Height,
	}, nil
}
