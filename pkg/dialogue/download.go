// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package dialogue

import (
	"context"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
	"k8s.io/klog/v2"
)

// PersonaChatURL is the location of the PERSONA-CHAT dataset (self_original variant).
var PersonaChatURL = "https://s3.amazonaws.com/datasets.huggingface.co/personachat/personachat_self_original.json"

// PersonaChatFileName is the name of the downloaded dataset file inside the cache directory.
const PersonaChatFileName = "personachat_self_original.json"

// DownloadPersonaChat downloads PERSONA-CHAT into cacheDir, unless it is already there, and
// returns the path to the file.
func DownloadPersonaChat(ctx context.Context, cacheDir string) (string, error) {
	destPath := filepath.Join(cacheDir, PersonaChatFileName)
	if err := downloadFile(ctx, PersonaChatURL, destPath); err != nil {
		return "", errors.WithMessage(err, "PERSONA-CHAT")
	}
	return destPath, nil
}

// downloadFile downloads url to destPath if it doesn't exist yet, displaying a progress bar.
// The file is written to a temporary name first, so an interrupted download is not mistaken
// for a complete one.
func downloadFile(ctx context.Context, url, destPath string) error {
	if _, err := os.Stat(destPath); err == nil {
		return nil
	}
	client := &http.Client{Timeout: 30 * time.Minute}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return errors.Wrapf(err, "failed to create request for %q", url)
	}
	resp, err := client.Do(req)
	if err != nil {
		return errors.Wrapf(err, "failed to download %q", url)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return errors.Errorf("download of %q failed with status %s", url, resp.Status)
	}

	tmpPath := destPath + ".downloading"
	f, err := os.Create(tmpPath)
	if err != nil {
		return errors.Wrapf(err, "failed to create %q", tmpPath)
	}
	bar := progressbar.DefaultBytes(resp.ContentLength, "Downloading "+filepath.Base(destPath))
	written, err := io.Copy(io.MultiWriter(f, bar), resp.Body)
	_ = bar.Finish()
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		_ = os.Remove(tmpPath)
		return errors.Wrapf(err, "failed to write %q", tmpPath)
	}
	if err := os.Rename(tmpPath, destPath); err != nil {
		return errors.Wrapf(err, "failed to move download into %q", destPath)
	}
	klog.Infof("Downloaded %s into %q", humanize.Bytes(uint64(written)), destPath)
	return nil
}
