package fingerprint

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"strconv"

	"github.com/corona10/goimagehash"
	"golang.org/x/sync/errgroup"
)

// Bits is the length of the perceptual hash.
const Bits = 64

// InvalidImageError is returned for empty or undecodable image input.
type InvalidImageError struct {
	Index  int
	Reason string
}

func (e *InvalidImageError) Error() string {
	return fmt.Sprintf("invalid image #%d: %s", e.Index, e.Reason)
}

// Fingerprint is the pair of hashes derived from one image.
type Fingerprint struct {
	// Digest is the hex SHA-256 of the submitted bytes.
	Digest string
	// PHash is a 64-bit gradient (difference) hash of the normalized image.
	PHash uint64
}

// Digest returns the hex encoded SHA-256 of data.
func Digest(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Compute derives the content digest and perceptual hash of an image.
func Compute(data []byte) (Fingerprint, error) {
	return compute(0, data)
}

func compute(index int, data []byte) (Fingerprint, error) {
	if len(data) == 0 {
		return Fingerprint{}, &InvalidImageError{Index: index, Reason: "empty image data"}
	}
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return Fingerprint{}, &InvalidImageError{Index: index, Reason: err.Error()}
	}
	if b := img.Bounds(); b.Dx() < 2 || b.Dy() < 2 {
		return Fingerprint{}, &InvalidImageError{Index: index, Reason: "image is too small"}
	}

	img = normalize(img, orientation(data))

	h, err := goimagehash.DifferenceHash(img)
	if err != nil {
		return Fingerprint{}, &InvalidImageError{Index: index, Reason: err.Error()}
	}
	return Fingerprint{
		Digest: Digest(data),
		PHash:  h.GetHash(),
	}, nil
}

// ComputeAll fingerprints every image in parallel, preserving order.
func ComputeAll(ctx context.Context, images [][]byte) ([]Fingerprint, error) {
	out := make([]Fingerprint, len(images))
	g, _ := errgroup.WithContext(ctx)
	for i, data := range images {
		i, data := i, data
		g.Go(func() error {
			fp, err := compute(i, data)
			if err != nil {
				return err
			}
			out[i] = fp
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// Distance returns the Hamming distance between two perceptual hashes.
func Distance(a, b uint64) int {
	d, err := goimagehash.NewImageHash(a, goimagehash.DHash).
		Distance(goimagehash.NewImageHash(b, goimagehash.DHash))
	if err != nil {
		// Both hashes are built with the same kind, so this is unreachable.
		return Bits
	}
	return d
}

// Similarity maps a Hamming distance to [0, 1].
func Similarity(distance int) float64 {
	return 1 - float64(distance)/float64(Bits)
}

// FormatPHash encodes a perceptual hash as 16 hex characters for storage.
func FormatPHash(h uint64) string {
	return fmt.Sprintf("%016x", h)
}

// ParsePHash decodes a stored perceptual hash.
func ParsePHash(s string) (uint64, error) {
	return strconv.ParseUint(s, 16, 64)
}
