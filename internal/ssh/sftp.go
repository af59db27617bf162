package ssh

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"

	"github.com/pkg/sftp"
)

// PushFile uploads a local file to remotePath, creating the remote directory
// as needed, and returns the number of bytes written.
func PushFile(ctx context.Context, sf *sftp.Client, localPath, remotePath string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if err := sf.MkdirAll(path.Dir(remotePath)); err != nil {
		return 0, fmt.Errorf("mkdir remote: %w", err)
	}
	src, err := os.Open(localPath)
	if err != nil {
		return 0, fmt.Errorf("open local: %w", err)
	}
	defer src.Close()
	dst, err := sf.Create(remotePath)
	if err != nil {
		return 0, fmt.Errorf("create remote: %w", err)
	}
	n, err := io.Copy(dst, src)
	if cerr := dst.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return n, fmt.Errorf("copy %s: %w", localPath, err)
	}
	return n, nil
}
