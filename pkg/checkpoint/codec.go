package checkpoint

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/cespare/xxhash/v2"
	"github.com/vmihailenco/msgpack/v5"
)

const (
	magic         = "VTCK"
	formatVersion = 1

	KindCheckpoint = "checkpoint"
	KindWeights    = "weights"
)

var ErrCorrupt = errors.New("checkpoint file is corrupt")

// envelope wraps an encoded payload with its kind and checksum.
type envelope struct {
	Magic    string `msgpack:"magic"`
	Version  int    `msgpack:"version"`
	Kind     string `msgpack:"kind"`
	Checksum uint64 `msgpack:"xxh64"`
	Payload  []byte `msgpack:"payload"`
}

// Encode serializes v with msgpack inside a checksummed envelope.
func Encode(kind string, v any) ([]byte, error) {
	payload, err := msgpack.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", kind, err)
	}
	return msgpack.Marshal(envelope{
		Magic:    magic,
		Version:  formatVersion,
		Kind:     kind,
		Checksum: xxhash.Sum64(payload),
		Payload:  payload,
	})
}

// Decode verifies the envelope and decodes its payload into v.
func Decode(data []byte, kind string, v any) error {
	var env envelope
	if err := msgpack.Unmarshal(data, &env); err != nil {
		return fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if env.Magic != magic {
		return fmt.Errorf("%w: bad magic %q", ErrCorrupt, env.Magic)
	}
	if env.Version != formatVersion {
		return fmt.Errorf("unsupported checkpoint format version %d", env.Version)
	}
	if kind != "" && env.Kind != kind {
		return fmt.Errorf("file holds %s, expected %s", env.Kind, kind)
	}
	if xxhash.Sum64(env.Payload) != env.Checksum {
		return fmt.Errorf("%w: checksum mismatch", ErrCorrupt)
	}
	if err := msgpack.Unmarshal(env.Payload, v); err != nil {
		return fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	return nil
}

// PeekKind returns the envelope kind without decoding the payload.
func PeekKind(data []byte) (string, error) {
	var env envelope
	if err := msgpack.Unmarshal(data, &env); err != nil || env.Magic != magic {
		return "", ErrCorrupt
	}
	return env.Kind, nil
}

// Digest is the xxhash of a file's bytes, used to identify uploaded artifacts.
func Digest(path string) (uint64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	h := xxhash.New()
	if _, err := io.Copy(h, f); err != nil {
		return 0, err
	}
	return h.Sum64(), nil
}

// writeAtomic writes data to path so that readers see either the old file or
// the complete new one.
func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		cleanup()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		cleanup()
		return err
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		cleanup()
		return err
	}
	return syncDir(dir)
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	// some filesystems reject fsync on directories; the rename already happened
	_ = d.Sync()
	return nil
}
