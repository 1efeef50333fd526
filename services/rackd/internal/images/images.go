// Package images resolves which downloaded boot image serves a request.
package images

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// NoSuchImage is the label rendered when no image matches.
const NoSuchImage = "no-such-image"

// Image is one boot image available on this rack.
type Image struct {
	OSystem            string `yaml:"osystem"`
	Release            string `yaml:"release"`
	Architecture       string `yaml:"architecture"`
	Subarchitecture    string `yaml:"subarchitecture"`
	Purpose            string `yaml:"purpose"`
	Label              string `yaml:"label"`
	SupportedSubarches string `yaml:"supported_subarches"`
	XInstallPath       string `yaml:"xinstall_path"`
}

// Supports reports whether subarch is in the image's supported list.
func (img Image) Supports(subarch string) bool {
	for _, s := range strings.Split(img.SupportedSubarches, ",") {
		if strings.TrimSpace(s) == subarch {
			return true
		}
	}
	return false
}

// Catalog lists the images on this rack. Filtering happens in Resolve.
type Catalog interface {
	List() ([]Image, error)
}

// Query selects an image.
type Query struct {
	OSystem     string
	Release     string
	Arch        string
	Subarch     string
	Purpose     string
	SkipSubarch bool
}

// Resolve picks the image for q. Enlistment boots the commissioning image.
// An exact subarchitecture match beats a supported-subarchitecture match.
func Resolve(c Catalog, q Query) (Image, bool, error) {
	all, err := c.List()
	if err != nil {
		return Image{}, false, fmt.Errorf("list boot images: %w", err)
	}

	purpose := q.Purpose
	if purpose == "enlist" {
		purpose = "commissioning"
	}

	var candidates []Image
	for _, img := range all {
		if img.OSystem == q.OSystem && img.Release == q.Release &&
			img.Architecture == q.Arch && img.Purpose == purpose {
			candidates = append(candidates, img)
		}
	}
	if len(candidates) == 0 {
		return Image{}, false, nil
	}
	if q.SkipSubarch {
		return candidates[0], true, nil
	}
	for _, img := range candidates {
		if img.Subarchitecture == q.Subarch {
			return img, true, nil
		}
	}
	for _, img := range candidates {
		if img.Supports(q.Subarch) {
			return img, true, nil
		}
	}
	return Image{}, false, nil
}

type manifest struct {
	Images []Image `yaml:"images"`
}

// FileCatalog reads images from a YAML manifest, re-reading it whenever its
// modification time changes. A missing manifest is an empty catalog.
type FileCatalog struct {
	path string

	mu      sync.Mutex
	modTime time.Time
	size    int64
	images  []Image
}

func NewFileCatalog(path string) *FileCatalog {
	return &FileCatalog{path: path}
}

func (c *FileCatalog) List() ([]Image, error) {
	info, err := os.Stat(c.path)
	if errors.Is(err, os.ErrNotExist) {
		c.mu.Lock()
		c.images, c.modTime, c.size = nil, time.Time{}, 0
		c.mu.Unlock()
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.images != nil && info.ModTime().Equal(c.modTime) && info.Size() == c.size {
		return append([]Image(nil), c.images...), nil
	}

	data, err := os.ReadFile(c.path)
	if err != nil {
		return nil, err
	}
	var m manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse %s: %w", c.path, err)
	}
	if m.Images == nil {
		m.Images = []Image{}
	}
	c.images, c.modTime, c.size = m.Images, info.ModTime(), info.Size()
	return append([]Image(nil), c.images...), nil
}
