package stack

import (
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"
)

// Entity IDs of the thumbnail pipeline.
const (
	TableID         = "thumbnail-table"
	ResizeHandlerID = "handler-function-resizeImg"
	ListHandlerID   = "handler-function-getImg"
	APIID           = "thumbnails-api"
	BucketID        = "photo-bucket"
)

// Environment keys the handlers read.
const (
	EnvTable         = "MY_TABLE"
	EnvRegion        = "REGION_NAME"
	EnvThumbnailSize = "THUMBNAIL_SIZE"
)

// Pipeline defaults.
const (
	DefaultStackName     = "CdkThumbnailStack"
	DefaultRegion        = "eu-west-3"
	DefaultThumbnailSize = 128
	DefaultLayerARN      = "arn:aws:lambda:eu-west-3:770693421928:layer:Klayers-p38-Pillow:4"
	DefaultCodePath      = "lambdas"
	ResizeEntryPoint     = "app.s3_thumbnail_generator"
	ListEntryPoint       = "app.s3_get_thumbnail_urls"
	ImagesPath           = "images"
	APIDescription       = "Thumbnails API"
)

// ErrInvalidConfig reports a pipeline configuration that cannot be built.
var ErrInvalidConfig = errors.New("invalid pipeline config")

// Variant names a pipeline preset.
type Variant string

const (
	VariantFull    Variant = "full"
	VariantReduced Variant = "reduced"
)

// PipelineConfig enumerates the optional components and tunables of the
// thumbnail pipeline.
type PipelineConfig struct {
	Name          string
	Region        string
	ThumbnailSize int
	Runtime       Runtime
	Timeout       time.Duration
	LayerARN      string
	CodePath      string
	BucketPrefix  string

	// Table declares the thumbnail table and passes its name to handlers.
	Table bool
	// ListingAPI declares the listing handler behind GET /images.
	ListingAPI bool
	// Notification invokes the resize handler on object creation.
	Notification bool
	// WildcardS3Policy attaches s3:* on * to the resize handler.
	WildcardS3Policy bool
}

func base() PipelineConfig {
	return PipelineConfig{
		Name:          DefaultStackName,
		Region:        DefaultRegion,
		ThumbnailSize: DefaultThumbnailSize,
		Runtime:       RuntimePython38,
		Timeout:       DefaultTimeout,
		LayerARN:      DefaultLayerARN,
		CodePath:      DefaultCodePath,
		BucketPrefix:  BucketID,
	}
}

// FullPipeline is the pipeline with a table, a listing API and bucket
// notifications.
func FullPipeline() PipelineConfig {
	cfg := base()
	cfg.Table = true
	cfg.ListingAPI = true
	cfg.Notification = true
	return cfg
}

// ReducedPipeline is a bucket and the resize handler only.
func ReducedPipeline() PipelineConfig {
	return base()
}

// Preset returns the configuration of the named variant.
func Preset(v Variant) (PipelineConfig, error) {
	switch v {
	case VariantFull, "":
		return FullPipeline(), nil
	case VariantReduced:
		return ReducedPipeline(), nil
	}
	return PipelineConfig{}, fmt.Errorf("%w: unknown variant %q (want %q or %q)", ErrInvalidConfig, v, VariantFull, VariantReduced)
}

// Validate checks the configuration for values no graph can be built from.
func (c PipelineConfig) Validate() error {
	var errs []error
	if c.Region == "" {
		errs = append(errs, fmt.Errorf("%w: region is required", ErrInvalidConfig))
	}
	if c.ThumbnailSize <= 0 {
		errs = append(errs, fmt.Errorf("%w: thumbnail size %d must be positive", ErrInvalidConfig, c.ThumbnailSize))
	}
	if c.ListingAPI && !c.Table {
		errs = append(errs, fmt.Errorf("%w: listing API requires the table", ErrInvalidConfig))
	}
	return errors.Join(errs...)
}

// BuildPipeline builds the thumbnail pipeline graph described by cfg.
func BuildPipeline(cfg PipelineConfig) (*Graph, error) {
	return BuildPipelineWithLogger(cfg, nil)
}

// BuildPipelineWithLogger is BuildPipeline with construction events sent to
// log.
func BuildPipelineWithLogger(cfg PipelineConfig, log *slog.Logger) (*Graph, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	b := NewBuilder(Options{
		Logger:                log,
		AllowWildcardPolicies: cfg.WildcardS3Policy,
	})

	env := map[string]EnvValue{
		EnvRegion:        Literal(cfg.Region),
		EnvThumbnailSize: Literal(strconv.Itoa(cfg.ThumbnailSize)),
	}

	var table TableRef
	if cfg.Table {
		table = b.DeclareTable(TableID,
			Attribute{Name: "id", Type: AttributeString},
			BillingOnDemand,
			RemovalDestroy)
		env[EnvTable] = NameOf(table)
	}

	handlerSpec := func(entry string) HandlerSpec {
		spec := HandlerSpec{
			EntryPoint: entry,
			Runtime:    cfg.Runtime,
			Timeout:    cfg.Timeout,
			CodePath:   cfg.CodePath,
			Env:        env,
		}
		if cfg.LayerARN != "" {
			spec.Layers = []string{cfg.LayerARN}
		}
		return spec
	}

	resize := b.DeclareHandler(ResizeHandlerID, handlerSpec(ResizeEntryPoint))

	if cfg.ListingAPI {
		list := b.DeclareHandler(ListHandlerID, handlerSpec(ListEntryPoint))
		b.DeclareAPI(APIID, APISpec{
			Description: APIDescription,
			Routes: []RouteSpec{{
				Path:    ImagesPath,
				Method:  "GET",
				Handler: list,
				RequestTemplates: map[string]string{
					"application/json": `{"statusCode": "200"}`,
				},
			}},
		})
		b.Grant(list, table, AccessRead)
	}

	bucket := b.DeclareBucket(BucketID, RemovalDestroy, true, WithNamePrefix(cfg.BucketPrefix))
	b.Grant(resize, bucket, AccessReadWrite)
	if cfg.Table {
		b.Grant(resize, table, AccessReadWrite)
	}
	if cfg.Notification {
		b.AttachTrigger(bucket, EventObjectCreated, resize)
	}
	if cfg.WildcardS3Policy {
		b.AttachPolicy(resize, []string{"s3:*"}, []string{"*"})
	}

	return b.Build()
}
