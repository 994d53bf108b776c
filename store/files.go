package store

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strings"
)

// FileRequest names a file transfer between the function's working directory
// and a data store. Folder fields default to "." when empty; ServerName
// defaults to the payload's DefaultDataStore.
type FileRequest struct {
	LocalFile    string `json:"local_file"`
	RemoteFile   string `json:"remote_file"`
	ServerName   string `json:"server_name"`
	LocalFolder  string `json:"local_folder"`
	RemoteFolder string `json:"remote_folder"`
}

var slashRuns = regexp.MustCompile(`/+`)

// normalizePath strips trailing slashes and collapses runs of slashes.
// Guards against duplicated separators from user-supplied folder/file pairs
// ("//remote/folder//" + "file/").
func normalizePath(p string) string {
	return slashRuns.ReplaceAllString(strings.TrimRight(p, "/"), "/")
}

// remotePath joins the normalized folder and file names into an object key.
func remotePath(folder, file string) string {
	return path.Join(normalizePath(folder), normalizePath(file))
}

// localPath resolves the local side of a transfer. A LocalFile that already
// carries directory components wins over the default "." folder.
func localPath(folder, file string) string {
	if folder == "" {
		folder = "."
	}
	if folder == "." && filepath.Dir(file) != "." {
		return file
	}
	return filepath.Join(normalizePath(folder), normalizePath(file))
}

func (r *FileRequest) withDefaults() FileRequest {
	out := *r
	if out.LocalFolder == "" {
		out.LocalFolder = "."
	}
	if out.RemoteFolder == "" {
		out.RemoteFolder = "."
	}
	return out
}

// PutFile uploads a local file to the named data store. In local-filesystem
// mode the object lands under the configured directory instead.
func (c *Client) PutFile(ctx context.Context, req FileRequest) error {
	r := req.withDefaults()
	if r.LocalFile == "" || r.RemoteFile == "" {
		return fmt.Errorf("store: put file requires local_file and remote_file")
	}

	src := localPath(r.LocalFolder, r.LocalFile)
	body, err := os.ReadFile(src)
	if err != nil {
		return fmt.Errorf("store: local file not found: %s: %w", src, err)
	}

	key := remotePath(r.RemoteFolder, r.RemoteFile)

	if c.cfg.UseLocalFileSystem {
		dst := filepath.Join(c.cfg.LocalFileSystemDir, key)
		if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
			return fmt.Errorf("store: local bucket mkdir: %w", err)
		}
		c.logger.Info("writing to local bucket", map[string]any{"local": src, "remote": key})
		return os.WriteFile(dst, body, 0o644)
	}

	bucket, _, err := c.bucketFor(ctx, r.ServerName)
	if err != nil {
		return err
	}
	if err := bucket.Put(ctx, key, body); err != nil {
		c.collector.IncStoreWriteFailure()
		return err
	}
	c.collector.IncStoreWrite()
	return nil
}

// GetFile downloads an object from the named data store to the local side.
func (c *Client) GetFile(ctx context.Context, req FileRequest) error {
	r := req.withDefaults()
	if r.LocalFile == "" || r.RemoteFile == "" {
		return fmt.Errorf("store: get file requires local_file and remote_file")
	}

	bucket, _, err := c.bucketFor(ctx, r.ServerName)
	if err != nil {
		return err
	}
	body, err := bucket.Get(ctx, remotePath(r.RemoteFolder, r.RemoteFile))
	if err != nil {
		return err
	}
	c.collector.IncStoreRead()

	dst := localPath(r.LocalFolder, r.LocalFile)
	if dir := filepath.Dir(dst); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("store: local mkdir: %w", err)
		}
	}
	return os.WriteFile(dst, body, 0o644)
}

// DeleteFile removes an object from the named data store.
func (c *Client) DeleteFile(ctx context.Context, req FileRequest) error {
	r := req.withDefaults()
	if r.RemoteFile == "" {
		return fmt.Errorf("store: delete file requires remote_file")
	}

	bucket, _, err := c.bucketFor(ctx, r.ServerName)
	if err != nil {
		return err
	}
	return bucket.Delete(ctx, remotePath(r.RemoteFolder, r.RemoteFile))
}

// FolderList returns the object keys under a folder prefix in the named data
// store. Folder placeholder keys (trailing slash) are filtered out.
func (c *Client) FolderList(ctx context.Context, serverName, folder string) ([]string, error) {
	bucket, _, err := c.bucketFor(ctx, serverName)
	if err != nil {
		return nil, err
	}

	prefix := normalizePath(folder)
	if prefix != "" && prefix != "." {
		prefix += "/"
	} else {
		prefix = ""
	}

	keys, err := bucket.List(ctx, prefix)
	if err != nil {
		return nil, err
	}
	c.collector.IncStoreRead()

	out := make([]string, 0, len(keys))
	for _, key := range keys {
		if strings.HasSuffix(key, "/") {
			continue
		}
		out = append(out, key)
	}
	return out, nil
}
