package vto

import (
	"fmt"
	"regexp"
)

// GarmentType says which part of the outfit the garment replaces.
type GarmentType string

const (
	GarmentTop      GarmentType = "top"
	GarmentBottom   GarmentType = "bottom"
	GarmentDress    GarmentType = "dress"
	GarmentFullBody GarmentType = "full-body"
)

var garmentNames = map[GarmentType]string{
	GarmentTop:      "shirt/top/blouse",
	GarmentBottom:   "pants/jeans/skirt",
	GarmentDress:    "dress",
	GarmentFullBody: "outfit",
}

// Valid reports whether g is one of the known types.
func (g GarmentType) Valid() bool {
	_, ok := garmentNames[g]
	return ok
}

// replaces names the clothing the model should swap out.
func (g GarmentType) replaces() string {
	switch g {
	case GarmentTop:
		return "upper body garment (shirt/top/jacket)"
	case GarmentBottom:
		return "lower body garment (pants/skirt)"
	default:
		return "clothing"
	}
}

// TryOn describes the garment being tried on.
type TryOn struct {
	Type        GarmentType
	Description string
}

// Prompt is the instruction sent ahead of the two images: the person photo
// first, the garment second.
func (t TryOn) Prompt() string {
	garment := garmentNames[t.Type]
	if t.Description != "" {
		garment += " - " + t.Description
	}
	swap := t.Type.replaces()
	return fmt.Sprintf(`VIRTUAL TRY-ON TASK: Edit the first image so the person is wearing the garment from the second image.

IMAGE 1 (person photo) is the base image. Keep exactly as shown:
- the face, facial features, expression and identity
- the body pose, position and proportions
- the background, surroundings and lighting
- every accessory (jewelry, watch, glasses)
- the hair style and color
- any clothing that is not being replaced

IMAGE 2 (garment): a %s

TASK: Replace only the person's %s with the garment from image 2.

RULES:
1. Do not change the face or facial features.
2. Do not change the background.
3. Do not change the body pose or proportions.
4. Do not change any clothing other than the %s.
5. Fit the garment naturally to the person's body.
6. Match the lighting and shadows of the original photo.
7. The result should look like the original photo with only the %s swapped.

Generate the edited image now.`, garment, swap, swap, swap)
}

var dataURLPrefix = regexp.MustCompile(`^data:image/\w+;base64,`)

// stripDataURL returns the base64 payload of an image data URL. Anything
// else is returned unchanged.
func stripDataURL(s string) string {
	return dataURLPrefix.ReplaceAllString(s, "")
}
