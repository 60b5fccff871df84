package storage

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"fmt"
	"io"

	"go.uber.org/zap"
)

// ExtractBundle unpacks a deliverable bundle: a tar (optionally gzipped)
// archive of result files uploaded as one artifact. Directory entries are
// skipped; the returned map keys are the archived file names, including any
// subdirectory prefix.
func ExtractBundle(archive []byte) (map[string][]byte, error) {
	var reader io.Reader = bytes.NewReader(archive)

	if isGzip(archive) {
		gzr, err := gzip.NewReader(reader)
		if err != nil {
			return nil, fmt.Errorf("decompress bundle: %w", err)
		}
		defer func() {
			if cerr := gzr.Close(); cerr != nil {
				zap.L().Error("closing gzip reader", zap.Error(cerr))
			}
		}()
		reader = gzr
	}

	tr := tar.NewReader(reader)
	files := make(map[string][]byte)
	for {
		header, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read bundle entry: %w", err)
		}

		switch header.Typeflag {
		case tar.TypeDir:
			continue
		case tar.TypeReg:
			data, err := io.ReadAll(tr)
			if err != nil {
				return nil, fmt.Errorf("read bundle file %s: %w", header.Name, err)
			}
			files[header.Name] = data
		default:
			return nil, fmt.Errorf("unsupported entry type %c for %s in bundle", header.Typeflag, header.Name)
		}
	}
	return files, nil
}

// isGzip reports whether data starts with the gzip magic bytes.
func isGzip(data []byte) bool {
	return len(data) > 2 && data[0] == 0x1F && data[1] == 0x8B
}
