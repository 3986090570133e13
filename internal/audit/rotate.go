package audit

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/klauspost/compress/zstd"
)

// rotateSize is how large a journal may grow before Open rotates it. The
// caller rotates only when the tail is clean, so a rotated segment never
// strands an in-flight file.
const rotateSize = 1 << 20

func maybeRotate(path string) error {
	st, err := os.Stat(path)
	if os.IsNotExist(err) {
		return nil
	} else if err != nil {
		return fmt.Errorf("stat audit journal: %w", err)
	}
	if st.Size() < rotateSize {
		return nil
	}

	segment := fmt.Sprintf("%s.%s", path, time.Now().UTC().Format("20060102T150405Z"))
	if err := os.Rename(path, segment); err != nil {
		return fmt.Errorf("rotate audit journal: %w", err)
	}

	// Compression is best effort: a failure leaves the plain segment behind,
	// which is still a valid archive.
	if err := compressSegment(segment); err == nil {
		_ = os.Remove(segment)
	}
	return nil
}

func compressSegment(path string) error {
	in, err := os.Open(path)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(path + ".zst")
	if err != nil {
		return err
	}

	zw, err := zstd.NewWriter(out)
	if err != nil {
		out.Close()
		return err
	}
	if _, err := io.Copy(zw, in); err != nil {
		zw.Close()
		out.Close()
		os.Remove(out.Name())
		return err
	}
	if err := zw.Close(); err != nil {
		out.Close()
		os.Remove(out.Name())
		return err
	}
	return out.Close()
}
