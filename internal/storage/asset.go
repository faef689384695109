// Package storage はログイン済み利用者に配布する静的ファイルを扱います。
package storage

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/gabriel-vasile/mimetype"
	pdfapi "github.com/pdfcpu/pdfcpu/pkg/api"
)

const contentTypePDF = "application/pdf"

// Asset は配布対象ファイルのメタデータです。
type Asset struct {
	Path        string
	Filename    string
	ContentType string
	Pages       int // PDF の場合のみ設定
}

// OpenAsset はファイルを検査して Asset を返します。
// PDF の場合は pdfcpu でページ数を読み取り、壊れたファイルを起動時に検出します。
func OpenAsset(path string) (*Asset, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat download file: %w", err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("download file is a directory: %s", path)
	}

	mtype, err := mimetype.DetectFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to detect content type: %w", err)
	}

	asset := &Asset{
		Path:        path,
		Filename:    filepath.Base(path),
		ContentType: mtype.String(),
	}
	if mtype.Is(contentTypePDF) {
		pages, err := pdfapi.PageCountFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read pdf: %w", err)
		}
		asset.ContentType = contentTypePDF
		asset.Pages = pages
	}
	return asset, nil
}

// Open は配信用にファイルを開き、現在のサイズと共に返します。
func (a *Asset) Open() (*os.File, int64, error) {
	file, err := os.Open(a.Path)
	if err != nil {
		return nil, 0, err
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, 0, err
	}
	return file, info.Size(), nil
}
