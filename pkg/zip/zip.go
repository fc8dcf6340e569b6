// Package zip bundles persisted assets into a downloadable archive.
package zip

import (
	"archive/zip"
	"bytes"
	"strings"
)

type Asset struct {
	Filename string
	MIME     string
	Data     []byte
}

// ArchiveAssets writes the assets into a zip archive. Assets without data
// are skipped; filenames missing an extension get one derived from the MIME
// type so extracted files open correctly.
func ArchiveAssets(assets []Asset) []byte {
	buf := &bytes.Buffer{}
	zw := zip.NewWriter(buf)
	for _, asset := range assets {
		if len(asset.Data) == 0 {
			continue
		}
		w, err := zw.Create(filename(asset))
		if err != nil {
			continue
		}
		if _, err := w.Write(asset.Data); err != nil {
			return nil
		}
	}
	_ = zw.Close()
	return buf.Bytes()
}

func filename(asset Asset) string {
	name := asset.Filename
	if name == "" {
		name = "asset"
	}
	if strings.Contains(name, ".") {
		return name
	}
	switch strings.ToLower(asset.MIME) {
	case "image/png":
		return name + ".png"
	case "image/webp":
		return name + ".webp"
	case "image/gif":
		return name + ".gif"
	default:
		return name + ".jpg"
	}
}
