package overlay

import (
	"errors"
	"fmt"
	"strings"

	"github.com/dj-oyu/hardhat-overlay/overlay-client/internal/wire"
	"github.com/dj-oyu/hardhat-overlay/overlay-client/pkg/types"
)

// ErrInvalidBox is returned for boxes whose corners are inverted or missing.
var ErrInvalidBox = errors.New("invalid box")

// DefaultViolationVocabulary matches the labels the hard-hat model emits
// for workers without head protection.
var DefaultViolationVocabulary = []string{
	"no hard hat",
	"no-hard-hat",
	"no_hard_hat",
	"no helmet",
	"no-helmet",
	"no_helmet",
	"nohelmet",
	"without helmet",
}

// LabelClassifier decides the category of a detection label.
type LabelClassifier interface {
	Classify(label string) types.Category
}

// Vocabulary classifies a label as a violation when it contains any term,
// compared case-insensitively.
type Vocabulary struct {
	terms []string
}

// NewVocabulary builds a classifier. An empty term list uses DefaultViolationVocabulary.
func NewVocabulary(terms []string) *Vocabulary {
	if len(terms) == 0 {
		terms = DefaultViolationVocabulary
	}
	v := &Vocabulary{terms: make([]string, 0, len(terms))}
	for _, t := range terms {
		t = strings.ToLower(strings.TrimSpace(t))
		if t != "" {
			v.terms = append(v.terms, t)
		}
	}
	return v
}

// Classify implements LabelClassifier.
func (v *Vocabulary) Classify(label string) types.Category {
	l := strings.ToLower(label)
	for _, t := range v.terms {
		if strings.Contains(l, t) {
			return types.CategoryViolation
		}
	}
	return types.CategoryCompliant
}

// Terms returns the normalized vocabulary.
func (v *Vocabulary) Terms() []string {
	out := make([]string, len(v.terms))
	copy(out, v.terms)
	return out
}

// MapBox converts corner coordinates to origin + extent.
func MapBox(raw wire.RawBox, classifier LabelClassifier) (types.Box, error) {
	if raw.Err != nil {
		return types.Box{}, fmt.Errorf("%w: %v", ErrInvalidBox, raw.Err)
	}
	x1, y1, x2, y2 := raw.Corners[0], raw.Corners[1], raw.Corners[2], raw.Corners[3]
	// Negated comparison so NaN corners are rejected too.
	if !(x2 >= x1) || !(y2 >= y1) {
		return types.Box{}, fmt.Errorf("%w: corners (%g,%g)-(%g,%g)", ErrInvalidBox, x1, y1, x2, y2)
	}
	return types.Box{
		X:          x1,
		Y:          y1,
		Width:      x2 - x1,
		Height:     y2 - y1,
		Label:      raw.Label,
		Confidence: raw.Confidence,
		Category:   classifier.Classify(raw.Label),
	}, nil
}

// Result is the outcome of mapping one event's detections.
type Result struct {
	Boxes      []types.Box
	Dropped    []error
	Violations int
}

// MapBoxes maps every detection in order, dropping invalid boxes only.
func MapBoxes(raws []wire.RawBox, classifier LabelClassifier) Result {
	res := Result{Boxes: make([]types.Box, 0, len(raws))}
	for _, raw := range raws {
		box, err := MapBox(raw, classifier)
		if err != nil {
			res.Dropped = append(res.Dropped, err)
			continue
		}
		if box.Category == types.CategoryViolation {
			res.Violations++
		}
		res.Boxes = append(res.Boxes, box)
	}
	return res
}
