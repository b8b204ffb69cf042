// Package places recognises in-game landmarks from screenshots.
//
// A catalog of reference screenshots is embedded once into an image
// collection. [Engine.Identify] embeds a new frame, fetches its nearest
// reference images, and names the building only when enough of them agree.
// Failing to reach agreement is a normal [Outcome], not an error: errors are
// reserved for the embedding model or the store being unavailable.
package places

import (
	"fmt"

	"github.com/MrWong99/hemdan/pkg/vectorstore"
)

// DefaultDescription replaces empty catalog descriptions.
const DefaultDescription = "No description available"

// Outcome classifies an identification attempt.
type Outcome int

const (
	// OutcomeIdentified means a building won the vote.
	OutcomeIdentified Outcome = iota
	// OutcomeNoConsensus means no building reached the minimum match count.
	OutcomeNoConsensus
	// OutcomeInsufficientData means the catalog is too small to vote.
	OutcomeInsufficientData
	// OutcomeInvalidInput means the frame was missing or could not be
	// embedded.
	OutcomeInvalidInput
)

var outcomeNames = [...]string{
	OutcomeIdentified:       "identified",
	OutcomeNoConsensus:      "no_consensus",
	OutcomeInsufficientData: "insufficient_data",
	OutcomeInvalidInput:     "invalid_input",
}

func (o Outcome) String() string {
	if o < 0 || int(o) >= len(outcomeNames) {
		return fmt.Sprintf("Outcome(%d)", int(o))
	}
	return outcomeNames[o]
}

// MarshalText encodes the outcome by name.
func (o Outcome) MarshalText() ([]byte, error) { return []byte(o.String()), nil }

// Identification is the result of a successful vote.
type Identification struct {
	BuildingName string  `json:"name"`
	Description  string  `json:"description"`
	Confidence   float64 `json:"confidence"`
	MatchCount   int     `json:"match_count"`
}

// Record is one catalog image as stored.
type Record struct {
	ID           string    `json:"id"`
	BuildingName string    `json:"name"`
	Description  string    `json:"description"`
	SourceFolder string    `json:"source_folder"`
	ImagePath    string    `json:"image_path"`
	Embedding    []float32 `json:"-"`
}

// Meta is the metadata stored with every catalog image.
type Meta struct {
	Name         string
	Description  string
	SourceFolder string
	ImagePath    string
}

type metaCodec struct{}

func (metaCodec) Encode(m Meta) map[string]string {
	return map[string]string{
		"name":          m.Name,
		"description":   m.Description,
		"source_folder": m.SourceFolder,
		"image_path":    m.ImagePath,
	}
}

func (metaCodec) Decode(md map[string]string) (Meta, error) {
	name, err := vectorstore.Require(md, "name")
	if err != nil {
		return Meta{}, err
	}
	m := Meta{
		Name:         name,
		Description:  md["description"],
		SourceFolder: md["source_folder"],
		ImagePath:    md["image_path"],
	}
	if m.Description == "" {
		m.Description = DefaultDescription
	}
	return m, nil
}

// Codec is the [vectorstore.Codec] for catalog image metadata.
var Codec vectorstore.Codec[Meta] = metaCodec{}
