package sfm

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// ImageData is the per-image input contract: an ordered keypoint list and
// the image's intrinsic calibration.
type ImageData struct {
	ID        ImageID    `json:"id"`
	Keypoints []Keypoint `json:"keypoints"`
	Intr      Intrinsics `json:"intrinsics"`
}

// PairData is the per-pair input contract: putative correspondences between
// two images, produced by an external matcher.
type PairData struct {
	I1      ImageID `json:"i1"`
	I2      ImageID `json:"i2"`
	Matches []Match `json:"matches"`
}

// Dataset is the full pipeline input.
type Dataset struct {
	Images []ImageData `json:"images"`
	Pairs  []PairData  `json:"pairs"`
}

// Image returns the image with the given ID, or nil.
func (d *Dataset) Image(id ImageID) *ImageData {
	for i := range d.Images {
		if d.Images[i].ID == id {
			return &d.Images[i]
		}
	}
	return nil
}

// Validate checks referential integrity: pairs must reference two distinct
// known images and matches must index into the keypoint lists.
func (d *Dataset) Validate() error {
	byID := make(map[ImageID]*ImageData, len(d.Images))
	for i := range d.Images {
		img := &d.Images[i]
		if _, dup := byID[img.ID]; dup {
			return fmt.Errorf("duplicate image id %d", img.ID)
		}
		byID[img.ID] = img
	}
	for _, p := range d.Pairs {
		if p.I1 == p.I2 {
			return fmt.Errorf("pair %v references the same image twice", MakePairKey(p.I1, p.I2))
		}
		img1, ok1 := byID[p.I1]
		img2, ok2 := byID[p.I2]
		if !ok1 || !ok2 {
			return fmt.Errorf("pair %v references unknown image", MakePairKey(p.I1, p.I2))
		}
		for _, m := range p.Matches {
			if m.K1 < 0 || m.K1 >= len(img1.Keypoints) || m.K2 < 0 || m.K2 >= len(img2.Keypoints) {
				return fmt.Errorf("pair %v has out-of-range match (%d,%d)", MakePairKey(p.I1, p.I2), m.K1, m.K2)
			}
		}
	}
	return nil
}

// LoadDataset reads a dataset from a JSON file and validates it.
func LoadDataset(path string) (*Dataset, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("dataset file must have .json extension, got %q", ext)
	}
	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read dataset file: %w", err)
	}
	var ds Dataset
	if err := json.Unmarshal(data, &ds); err != nil {
		return nil, fmt.Errorf("failed to parse dataset file: %w", err)
	}
	if err := ds.Validate(); err != nil {
		return nil, fmt.Errorf("invalid dataset: %w", err)
	}
	return &ds, nil
}
