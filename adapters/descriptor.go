// Package adapters implements the default sources backing layers and maps:
// the relational table, the feature/map services, the metadata catalog and
// documents on disk.
package adapters

import (
	"encoding/json"

	"github.com/maxpert/pubsync/publication"
)

// Descriptor is the JSON body written to services and files
type Descriptor struct {
	Workspace   string `json:"workspace"`
	Type        string `json:"type"`
	Name        string `json:"name"`
	UUID        string `json:"uuid"`
	Title       string `json:"title,omitempty"`
	Description string `json:"description,omitempty"`
	Style       string `json:"style,omitempty"`
	Table       string `json:"table,omitempty"`
}

// Describe builds the descriptor of pub from request options
func Describe(pub publication.Publication, opts publication.Options) Descriptor {
	d := Descriptor{
		Workspace:   pub.Workspace,
		Type:        string(pub.Type),
		Name:        pub.Name,
		UUID:        pub.UUID.String(),
		Title:       opts.String(publication.OptTitle),
		Description: opts.String(publication.OptDescription),
		Style:       opts.String(publication.OptStyle),
	}
	if d.Title == "" {
		d.Title = pub.Name
	}
	if pub.Type == publication.TypeLayer {
		d.Table = TableName(pub)
	}
	return d
}

func (d Descriptor) encode() ([]byte, error) {
	return json.MarshalIndent(d, "", "  ")
}
