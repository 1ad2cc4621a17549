// Package scan enumerates gallery folders: which files are eligible
// images, their stable display order, byte totals and sampled pixel
// dimensions.
package scan

import (
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/galleryup/galleryup/internal/model"
	_ "golang.org/x/image/webp"
)

// eligibleExtensions is the closed set of image types a gallery may carry.
var eligibleExtensions = map[string]bool{
	".jpg":  true,
	".jpeg": true,
	".png":  true,
	".gif":  true,
	".webp": true,
}

// ListImages returns the eligible image filenames of a folder in natural
// sort order. Subdirectories are ignored.
func ListImages(folder string) ([]string, error) {
	entries, err := os.ReadDir(folder)
	if err != nil {
		return nil, fmt.Errorf("failed to read folder: %w", err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if eligibleExtensions[strings.ToLower(filepath.Ext(e.Name()))] {
			names = append(names, e.Name())
		}
	}
	NaturalSort(names)
	return names, nil
}

// NaturalSort orders names the way a file browser does: digit runs compare
// numerically, everything else case-insensitively.
func NaturalSort(names []string) {
	sort.SliceStable(names, func(i, j int) bool {
		return naturalLess(names[i], names[j])
	})
}

func naturalLess(a, b string) bool {
	ta, tb := tokenize(a), tokenize(b)
	for i := 0; i < len(ta) && i < len(tb); i++ {
		x, y := ta[i], tb[i]
		if x == y {
			continue
		}
		xn, xErr := strconv.Atoi(x)
		yn, yErr := strconv.Atoi(y)
		if xErr == nil && yErr == nil {
			if xn != yn {
				return xn < yn
			}
			continue
		}
		return x < y
	}
	return len(ta) < len(tb)
}

// tokenize splits a name into lowercase runs of digits and non-digits.
func tokenize(s string) []string {
	s = strings.ToLower(s)
	var tokens []string
	var cur strings.Builder
	var curDigit bool
	for _, r := range s {
		isDigit := r >= '0' && r <= '9'
		if cur.Len() > 0 && isDigit != curDigit {
			tokens = append(tokens, cur.String())
			cur.Reset()
		}
		curDigit = isDigit
		cur.WriteRune(r)
	}
	if cur.Len() > 0 {
		tokens = append(tokens, cur.String())
	}
	return tokens
}

// Result is the outcome of scanning one folder.
type Result struct {
	Images     []*model.Image
	TotalBytes int64
	Dimensions model.DimensionStats
}

// Scan reads a folder and produces its image set in display order. When
// sampleDimensions is set, each image header is decoded for pixel
// dimensions; undecodable files keep zero dimensions but stay eligible.
func Scan(folder string, sampleDimensions bool) (*Result, error) {
	names, err := ListImages(folder)
	if err != nil {
		return nil, err
	}
	if len(names) == 0 {
		return nil, fmt.Errorf("no image files found in %s", folder)
	}

	res := &Result{}
	var widths, heights []int
	for _, name := range names {
		path := filepath.Join(folder, name)
		img := &model.Image{GalleryPath: folder, Filename: name}
		if info, err := os.Stat(path); err == nil {
			img.SizeBytes = info.Size()
			res.TotalBytes += info.Size()
		}
		if sampleDimensions {
			if w, h, err := decodeDimensions(path); err == nil {
				img.Width, img.Height = w, h
				widths = append(widths, w)
				heights = append(heights, h)
			}
		}
		res.Images = append(res.Images, img)
	}

	if len(widths) > 0 {
		res.Dimensions = dimensionStats(widths, heights)
	}
	return res, nil
}

func decodeDimensions(path string) (int, int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, 0, err
	}
	defer f.Close()

	cfg, _, err := image.DecodeConfig(f)
	if err != nil {
		return 0, 0, err
	}
	return cfg.Width, cfg.Height, nil
}

func dimensionStats(widths, heights []int) model.DimensionStats {
	stats := model.DimensionStats{
		MinWidth:  widths[0],
		MinHeight: heights[0],
	}
	var sumW, sumH int
	for i := range widths {
		w, h := widths[i], heights[i]
		sumW += w
		sumH += h
		if w < stats.MinWidth {
			stats.MinWidth = w
		}
		if h < stats.MinHeight {
			stats.MinHeight = h
		}
		if w > stats.MaxWidth {
			stats.MaxWidth = w
		}
		if h > stats.MaxHeight {
			stats.MaxHeight = h
		}
	}
	stats.AvgWidth = sumW / len(widths)
	stats.AvgHeight = sumH / len(heights)
	return stats
}
