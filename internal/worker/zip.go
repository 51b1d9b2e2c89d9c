package worker

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/zip"
	"github.com/openmined/rfsync/internal/collector"
)

// uploadZip transfers files as one archive unpacked remotely. Both archive
// copies are removed whatever the outcome. A non-zero unzip exit returns
// ErrZipFailed and nothing is marked copied.
func (w *Copier) uploadZip(ctx context.Context, files []*collector.Info) error {
	root := commonDir(files)

	archive, err := os.CreateTemp("", "rfs-*.zip")
	if err != nil {
		return fmt.Errorf("create archive: %w", err)
	}
	localArchive := archive.Name()
	defer os.Remove(localArchive)

	mtimes, err := writeArchive(ctx, archive, root, files)
	if cerr := archive.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("write archive: %w", err)
	}

	if st, err := os.Stat(localArchive); err == nil {
		slog.Info("wholecopy archive", "host", w.p.Host.String(), "files", len(files), "size", humanize.Bytes(uint64(st.Size())), "root", root)
	}

	remoteArchive := path.Join(root, ".rfs-"+uuid.NewString()+".zip")
	if err := w.p.Client.Upload(ctx, localArchive, w.p.Host, remoteArchive, 0o600); err != nil {
		return fmt.Errorf("upload archive: %w", err)
	}
	defer func() {
		if err := w.p.Client.Rm(context.WithoutCancel(ctx), w.p.Host, remoteArchive); err != nil {
			slog.Warn("wholecopy remove remote archive", "path", remoteArchive, "error", err)
		}
	}()

	if err := w.checkCancel(ctx); err != nil {
		return err
	}
	res, err := w.p.Client.Execute(ctx, w.p.Host, "env", "TZ=UTC", "unzip", "-oqq", remoteArchive, "-d", root)
	if err != nil {
		return fmt.Errorf("unzip: %w", err)
	}
	if !res.OK() {
		return fmt.Errorf("%w: exit %d: %s", ErrZipFailed, res.ExitCode, strings.TrimSpace(res.Stderr))
	}

	for _, f := range files {
		w.p.Store.MarkCopied(f.Local, mtimes[f])
	}
	w.uploaded.Add(int64(len(files)))
	return nil
}

// writeArchive stores every file under its remote path relative to root and
// returns the modification time captured for each.
func writeArchive(ctx context.Context, out io.Writer, root string, files []*collector.Info) (map[*collector.Info]time.Time, error) {
	bw := bufio.NewWriterSize(out, 256*1024)
	zw := zip.NewWriter(bw)
	zw.RegisterCompressor(zip.Deflate, func(out io.Writer) (io.WriteCloser, error) {
		return flate.NewWriter(out, flate.BestSpeed)
	})

	mtimes := make(map[*collector.Info]time.Time, len(files))
	for _, f := range files {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := addToArchive(zw, root, f); err != nil {
			return nil, err
		}
		mtimes[f] = f.ModTime
	}

	if err := zw.Close(); err != nil {
		return nil, err
	}
	if err := bw.Flush(); err != nil {
		return nil, err
	}
	return mtimes, nil
}

func addToArchive(zw *zip.Writer, root string, f *collector.Info) error {
	in, err := os.Open(f.Local)
	if err != nil {
		return err
	}
	defer in.Close()

	name := strings.TrimPrefix(strings.TrimPrefix(f.Remote, root), "/")
	hdr := &zip.FileHeader{
		Name:     name,
		Method:   zip.Deflate,
		Modified: f.ModTime.UTC(),
	}
	hdr.SetMode(f.Mode.Perm())
	wr, err := zw.CreateHeader(hdr)
	if err != nil {
		return fmt.Errorf("add %s: %w", name, err)
	}
	if _, err := io.Copy(wr, in); err != nil {
		return fmt.Errorf("add %s: %w", name, err)
	}
	return nil
}

// commonDir is the deepest remote directory containing every file.
func commonDir(files []*collector.Info) string {
	if len(files) == 0 {
		return "/"
	}
	common := path.Dir(files[0].Remote)
	for _, f := range files[1:] {
		dir := path.Dir(f.Remote)
		for common != "/" && dir != common && !strings.HasPrefix(dir, common+"/") {
			common = path.Dir(common)
		}
	}
	return common
}
