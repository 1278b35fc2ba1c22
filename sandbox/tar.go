package sandbox

import (
	"archive/tar"
	"bytes"
	"errors"
	"fmt"
	"io"
	"time"
)

// makeArchive builds an uncompressed tar stream of the given files, laid
// out relative to the scratch directory. Parent directories are emitted
// explicitly so extraction works regardless of the backend's untar
// behavior.
func makeArchive(files []FileSpec) (io.Reader, error) {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)

	now := time.Now()
	seenDirs := make(map[string]bool)

	for _, file := range files {
		for _, dir := range parentDirs(file.Name) {
			if seenDirs[dir] {
				continue
			}
			seenDirs[dir] = true
			header := &tar.Header{
				Name:     dir + "/",
				Typeflag: tar.TypeDir,
				Mode:     0o777,
				ModTime:  now,
			}
			if err := tw.WriteHeader(header); err != nil {
				return nil, fmt.Errorf("write tar dir header: %w", err)
			}
		}

		mode := file.Mode
		if mode == 0 {
			mode = 0o644
		}

		header := &tar.Header{
			Name:    file.Name,
			Mode:    mode,
			Size:    int64(len(file.Data)),
			ModTime: now,
		}
		if err := tw.WriteHeader(header); err != nil {
			return nil, fmt.Errorf("write tar header: %w", err)
		}
		if _, err := tw.Write(file.Data); err != nil {
			return nil, fmt.Errorf("write tar contents: %w", err)
		}
	}

	if err := tw.Close(); err != nil {
		return nil, fmt.Errorf("close tar writer: %w", err)
	}

	return bytes.NewReader(buf.Bytes()), nil
}

func parentDirs(name string) []string {
	var dirs []string
	for i, r := range name {
		if r == '/' && i > 0 {
			dirs = append(dirs, name[:i])
		}
	}
	return dirs
}

// extractSingleFile reads the first regular file out of a tar stream, as
// produced by copying a single path out of a container.
func extractSingleFile(r io.Reader) ([]byte, error) {
	tr := tar.NewReader(r)
	for {
		header, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read tar: %w", err)
		}

		if header.Typeflag == tar.TypeReg {
			data, err := io.ReadAll(tr)
			if err != nil {
				return nil, fmt.Errorf("read file contents: %w", err)
			}
			return data, nil
		}
	}

	return nil, errors.New("no regular file in container archive")
}
