package adapters

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/maxpert/pubsync/publication"
	"github.com/maxpert/pubsync/source"
	"github.com/rs/zerolog/log"
)

// Source names of the default pipelines
const (
	LayerTable    source.Name = "layer.table"
	LayerWFS      source.Name = "layer.wfs"
	LayerWMS      source.Name = "layer.wms"
	LayerStyle    source.Name = "layer.style"
	LayerMetadata source.Name = "layer.metadata"
	MapFile       source.Name = "map.file"
	MapMetadata   source.Name = "map.metadata"
)

// Deps are the backing systems wired into the default pipelines. A
// service with an empty BaseURL is declared but never needed.
type Deps struct {
	DB       *sql.DB
	Driver   string
	FilesDir string
	Feature  ServiceConfig
	Map      ServiceConfig
	Catalog  ServiceConfig
}

// RegisterDefaults declares the layer and map pipelines on reg
func RegisterDefaults(ctx context.Context, reg *source.Registry, deps Deps) error {
	table, err := NewTableSource(ctx, LayerTable, deps.Driver, deps.DB,
		source.WhenAny(publication.OptFileChanged))
	if err != nil {
		return err
	}

	feature, err := service(LayerWFS, deps.Feature, "wfs",
		source.WhenAny(publication.OptFileChanged))
	if err != nil {
		return err
	}
	maps, err := service(LayerWMS, deps.Map, "wms",
		source.WhenAny(publication.OptFileChanged, publication.OptStyleChanged, publication.OptMetadataChanged))
	if err != nil {
		return err
	}
	layerMeta, err := service(LayerMetadata, deps.Catalog, "records", source.Always)
	if err != nil {
		return err
	}
	style := NewFileSource(LayerStyle, deps.FilesDir, ".style.json", RenderStyle,
		source.WhenAny(publication.OptStyleChanged))

	if err := reg.Register(publication.TypeLayer, table, feature, maps, style, layerMeta); err != nil {
		return fmt.Errorf("register layer sources: %w", err)
	}

	mapFile := NewFileSource(MapFile, deps.FilesDir, ".json", RenderDescriptor,
		source.WhenAny(publication.OptFileChanged))
	mapMeta, err := service(MapMetadata, deps.Catalog, "records", source.Always)
	if err != nil {
		return err
	}

	if err := reg.Register(publication.TypeMap, mapFile, mapMeta); err != nil {
		return fmt.Errorf("register map sources: %w", err)
	}
	return nil
}

func service(name source.Name, cfg ServiceConfig, resource string, needed source.Predicate) (source.Source, error) {
	if cfg.BaseURL == "" {
		log.Info().Str("source", name).Msg("Service not configured, source disabled")
		return &source.Funcs{SourceName: name, NeededFunc: source.Never}, nil
	}
	if cfg.Resource == "" {
		cfg.Resource = resource
	}
	return NewServiceSource(name, cfg, needed)
}
