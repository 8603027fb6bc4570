// Package compress is the compression codec of the cache tier. It
// turns a byte range of a source file into a standalone zstd frame on
// disk, and inflates such a frame back into a target file.
package compress

import (
	"io"
	"os"

	"github.com/klauspost/compress/zstd"
)

// Options configures a Codec.
type Options struct {
	// Level selects the encoder speed/ratio trade-off. Zero means
	// zstd.SpeedDefault.
	Level zstd.EncoderLevel
}

// Codec compresses file ranges with zstd. It is stateless and safe for
// concurrent use; encoder and decoder state lives per call.
type Codec struct {
	level zstd.EncoderLevel
}

func New(opts Options) *Codec {
	level := opts.Level
	if level == 0 {
		level = zstd.SpeedDefault
	}
	return &Codec{level: level}
}

// Compress writes length bytes of src starting at offset into dstPath
// as a zstd frame and reports the compressed size on disk. A short
// source range compresses whatever is available. A failed compression
// leaves no file behind.
func (c *Codec) Compress(srcPath string, offset, length int64, dstPath string) (int64, error) {
	src, err := os.Open(srcPath)
	if err != nil {
		return 0, err
	}
	defer src.Close()

	dst, err := os.Create(dstPath)
	if err != nil {
		return 0, err
	}

	enc, err := zstd.NewWriter(dst,
		zstd.WithEncoderLevel(c.level),
		zstd.WithEncoderConcurrency(1),
	)
	if err != nil {
		_ = dst.Close()
		_ = os.Remove(dstPath)
		return 0, err
	}

	_, err = io.Copy(enc, io.NewSectionReader(src, offset, length))
	if cerr := enc.Close(); err == nil {
		err = cerr
	}
	if cerr := dst.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(dstPath)
		return 0, err
	}

	fi, err := os.Stat(dstPath)
	if err != nil {
		return 0, err
	}
	return fi.Size(), nil
}

// Decompress inflates the zstd frame at srcPath into dstPath. A failed
// decompression leaves no file behind.
func (c *Codec) Decompress(srcPath, dstPath string) error {
	src, err := os.Open(srcPath)
	if err != nil {
		return err
	}
	defer src.Close()

	dec, err := zstd.NewReader(src, zstd.WithDecoderConcurrency(1))
	if err != nil {
		return err
	}
	defer dec.Close()

	dst, err := os.Create(dstPath)
	if err != nil {
		return err
	}

	_, err = io.Copy(dst, dec)
	if cerr := dst.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(dstPath)
		return err
	}
	return nil
}
