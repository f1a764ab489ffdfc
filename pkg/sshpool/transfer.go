package sshpool

import (
	"fmt"
	"io"
	"os"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
)

// sftpTransfer is the production Transfer over one SFTP sub-session.
type sftpTransfer struct {
	client *sftp.Client
}

func sftpClient(conn *ssh.Client) (*sftpTransfer, error) {
	client, err := sftp.NewClient(conn)
	if err != nil {
		return nil, err
	}
	return &sftpTransfer{client: client}, nil
}

// List returns the entries of a remote directory.
func (t *sftpTransfer) List(path string) ([]FileInfo, error) {
	entries, err := t.client.ReadDir(path)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", path, err)
	}
	out := make([]FileInfo, 0, len(entries))
	for _, entry := range entries {
		out = append(out, FileInfo{
			Name:    entry.Name(),
			Size:    entry.Size(),
			Mode:    entry.Mode().String(),
			ModTime: entry.ModTime(),
			IsDir:   entry.IsDir(),
		})
	}
	return out, nil
}

// Upload copies a local file to the remote path.
func (t *sftpTransfer) Upload(localPath, remotePath string) error {
	src, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("open local file: %w", err)
	}
	defer src.Close()

	dst, err := t.client.Create(remotePath)
	if err != nil {
		return fmt.Errorf("create remote file: %w", err)
	}
	if _, err := io.Copy(dst, src); err != nil {
		_ = dst.Close()
		return fmt.Errorf("upload to %s: %w", remotePath, err)
	}
	return dst.Close()
}

// Download copies a remote file to the local path.
func (t *sftpTransfer) Download(remotePath, localPath string) error {
	src, err := t.client.Open(remotePath)
	if err != nil {
		return fmt.Errorf("open remote file: %w", err)
	}
	defer src.Close()

	dst, err := os.Create(localPath)
	if err != nil {
		return fmt.Errorf("create local file: %w", err)
	}
	if _, err := io.Copy(dst, src); err != nil {
		_ = dst.Close()
		return fmt.Errorf("download from %s: %w", remotePath, err)
	}
	return dst.Close()
}

// Close ends the sub-session. Safe to call more than once.
func (t *sftpTransfer) Close() error {
	return t.client.Close()
}
