// Package pairing turns raw pairing tokens from the transport into
// display-ready artifacts a human can scan to link a device.
package pairing

import (
	"encoding/base64"
	"errors"
	"time"

	qrcode "github.com/skip2/go-qrcode"
)

// DefaultFreshness is the advisory window after which callers should
// treat an artifact as likely expired upstream and request a new one.
const DefaultFreshness = 20 * time.Second

var ErrEmptyToken = errors.New("pairing token is empty")

// Artifact is a renderable pairing code: a PNG QR image embedded in a
// data URL, plus the time the underlying token was issued.
type Artifact struct {
	DataURL  string
	IssuedAt time.Time
}

// Fresh reports whether the artifact is still inside the advisory
// freshness window at the given instant.
func (a *Artifact) Fresh(now time.Time) bool {
	return now.Sub(a.IssuedAt) < DefaultFreshness
}

// Encoder encodes pairing tokens into artifacts. Encoding is
// deterministic for a given token and configuration.
type Encoder struct {
	size  int
	level qrcode.RecoveryLevel
}

// EncoderConfig configures the encoder
type EncoderConfig struct {
	Size  int // image edge in pixels, default 256
	Level qrcode.RecoveryLevel
}

// NewEncoder creates an encoder with the given configuration
func NewEncoder(config EncoderConfig) *Encoder {
	if config.Size == 0 {
		config.Size = 256
	}

	return &Encoder{
		size:  config.Size,
		level: config.Level,
	}
}

// Encode renders the token as a QR PNG data URL and stamps the issue
// time.
func (e *Encoder) Encode(token string) (*Artifact, error) {
	if token == "" {
		return nil, ErrEmptyToken
	}

	png, err := qrcode.Encode(token, e.level, e.size)
	if err != nil {
		return nil, err
	}

	return &Artifact{
		DataURL:  "data:image/png;base64," + base64.StdEncoding.EncodeToString(png),
		IssuedAt: time.Now(),
	}, nil
}
