package fingerprint

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"

	"tunegate/pkg/ffmpeg"

	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("fingerprint",
	fx.Provide(NewFingerprinter),
)

// Fingerprint is the content-derived identity of an uploaded file. Hash alone
// drives dedup; Duration is informational and may be zero with Known=false
// when probing failed.
type Fingerprint struct {
	Hash     string
	Duration time.Duration
	Known    bool
}

type Fingerprinter interface {
	Fingerprint(ctx context.Context, data []byte) Fingerprint
}

type fingerprinter struct {
	prober ffmpeg.Prober
}

type Params struct {
	fx.In

	Prober ffmpeg.Prober
}

func NewFingerprinter(p Params) Fingerprinter {
	return &fingerprinter{prober: p.Prober}
}

func (f *fingerprinter) Fingerprint(ctx context.Context, data []byte) Fingerprint {
	sum := sha256.Sum256(data)

	fp := Fingerprint{Hash: hex.EncodeToString(sum[:])}

	dur, err := f.prober.Duration(ctx, data)
	if err != nil {
		zap.L().Warn("duration probe failed, billing falls back to minimum block",
			zap.String("hash", fp.Hash),
			zap.Error(err),
		)
		return fp
	}

	fp.Duration = dur
	fp.Known = true
	return fp
}
