package codes

import (
	"bytes"
	"context"
	"fmt"
	"image/png"
	"os"
	"path/filepath"

	"github.com/boombuler/barcode"
	"github.com/boombuler/barcode/qr"
)

// qrSize is the rendered artifact edge in pixels.
const qrSize = 256

// QRBinder renders one scannable artifact per code value. The QR
// payload is exactly the value, no transformation, at error-correction
// level H so damaged printed labels remain scannable.
//
// Binding is idempotent: re-binding a value re-renders the same bytes
// and overwrites the artifact in place, so disaster recovery never
// fails because the file already exists.
type QRBinder struct {
	root string
}

// NewQRBinder stores artifacts under root.
func NewQRBinder(root string) *QRBinder {
	return &QRBinder{root: root}
}

// RefFor is the retrievable reference path for a code value, relative
// to the artifact root.
func (b *QRBinder) RefFor(value string) string {
	return filepath.Join("qr", value+".png")
}

// Bind renders and persists the artifact for value, returning its
// reference path. The write is atomic (tmp + rename) and honors ctx
// cancellation before touching disk.
func (b *QRBinder) Bind(ctx context.Context, value string) (string, error) {
	img, err := qr.Encode(value, qr.H, qr.Auto)
	if err != nil {
		return "", fmt.Errorf("encode qr for %s: %w", value, err)
	}
	scaled, err := barcode.Scale(img, qrSize, qrSize)
	if err != nil {
		return "", fmt.Errorf("scale qr for %s: %w", value, err)
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, scaled); err != nil {
		return "", fmt.Errorf("render qr for %s: %w", value, err)
	}

	if err := ctx.Err(); err != nil {
		return "", fmt.Errorf("bind qr for %s: %w", value, err)
	}

	ref := b.RefFor(value)
	path := filepath.Join(b.root, ref)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("prepare artifact dir: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, buf.Bytes(), 0o644); err != nil {
		return "", fmt.Errorf("write artifact for %s: %w", value, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("publish artifact for %s: %w", value, err)
	}
	return ref, nil
}

// Open returns the artifact bytes for a reference path.
func (b *QRBinder) Open(ref string) ([]byte, error) {
	data, err := os.ReadFile(filepath.Join(b.root, ref))
	if err != nil {
		return nil, fmt.Errorf("read artifact %s: %w", ref, err)
	}
	return data, nil
}
