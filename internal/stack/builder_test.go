package stack

import (
	"bytes"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pythonHandler(entry string) HandlerSpec {
	return HandlerSpec{EntryPoint: entry, Runtime: RuntimePython312}
}

func TestBuilder_DeclareHandler_Defaults(t *testing.T) {
	b := NewBuilder(Options{})
	ref := b.DeclareHandler("fn", HandlerSpec{
		EntryPoint: "app.main",
		Runtime:    RuntimePython312,
		Layers:     []string{"arn:b", "arn:a", "arn:b"},
	})
	assert.Equal(t, "fn", ref.ID())

	g, err := b.Build()
	require.NoError(t, err)

	h, ok := g.Handler("fn")
	require.True(t, ok)
	assert.Equal(t, DefaultTimeout, h.Timeout)
	assert.Equal(t, DefaultMemoryMB, h.MemoryMB)
	assert.Equal(t, []string{"arn:b", "arn:a"}, h.Layers)
	assert.Empty(t, h.Env)
}

func TestBuilder_DeclareHandler_Invalid(t *testing.T) {
	tests := []struct {
		name string
		spec HandlerSpec
	}{
		{"unknown runtime", HandlerSpec{EntryPoint: "app.main", Runtime: "cobol85"}},
		{"entry without function", HandlerSpec{EntryPoint: "app", Runtime: RuntimePython38}},
		{"entry trailing dot", HandlerSpec{EntryPoint: "app.", Runtime: RuntimeNodeJS20}},
		{"custom runtime entry", HandlerSpec{EntryPoint: "app.main", Runtime: RuntimeProvidedAL223}},
		{"timeout over limit", HandlerSpec{EntryPoint: "app.main", Runtime: RuntimePython312, Timeout: 901 * time.Second}},
		{"negative timeout", HandlerSpec{EntryPoint: "app.main", Runtime: RuntimePython312, Timeout: -time.Second}},
		{"sub-second timeout", HandlerSpec{EntryPoint: "app.main", Runtime: RuntimePython312, Timeout: 500 * time.Millisecond}},
		{"fractional timeout", HandlerSpec{EntryPoint: "app.main", Runtime: RuntimePython312, Timeout: 1500 * time.Millisecond}},
		{"memory too small", HandlerSpec{EntryPoint: "app.main", Runtime: RuntimePython312, MemoryMB: 64}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := NewBuilder(Options{})
			ref := b.DeclareHandler("fn", tt.spec)
			assert.Empty(t, ref.ID())

			_, err := b.Build()
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalidHandler)
		})
	}
}

func TestBuilder_DeclareHandler_CustomRuntime(t *testing.T) {
	b := NewBuilder(Options{})
	b.DeclareHandler("fn", HandlerSpec{EntryPoint: "bootstrap", Runtime: RuntimeProvidedAL223})
	_, err := b.Build()
	assert.NoError(t, err)
}

func TestBuilder_DeclareHandler_EnvReference(t *testing.T) {
	b := NewBuilder(Options{})
	table := b.DeclareTable("t", Attribute{Name: "id", Type: AttributeString}, BillingOnDemand, RemovalRetain)
	spec := pythonHandler("app.main")
	spec.Env = map[string]EnvValue{"TABLE": NameOf(table), "MODE": Literal("fast")}
	b.DeclareHandler("fn", spec)

	g, err := b.Build()
	require.NoError(t, err)

	h, _ := g.Handler("fn")
	assert.Equal(t, "t", h.Env["TABLE"].Source)
	assert.True(t, h.Env["TABLE"].IsRef())
	assert.Equal(t, "fast", h.Env["MODE"].Literal)
	assert.Equal(t, []string{"t"}, g.Dependencies("fn"))
}

func TestBuilder_DeclareHandler_EnvReferenceUnknown(t *testing.T) {
	b := NewBuilder(Options{})
	spec := pythonHandler("app.main")
	spec.Env = map[string]EnvValue{"TABLE": {Source: "later"}}
	b.DeclareHandler("fn", spec)
	b.DeclareTable("later", Attribute{Name: "id", Type: AttributeString}, BillingOnDemand, RemovalRetain)

	_, err := b.Build()
	assert.ErrorIs(t, err, ErrUnknownRef)
}

func TestBuilder_DuplicateID(t *testing.T) {
	b := NewBuilder(Options{})
	b.DeclareBucket("x", RemovalRetain, false)
	ref := b.DeclareTable("x", Attribute{Name: "id", Type: AttributeString}, BillingOnDemand, RemovalRetain)
	assert.Empty(t, ref.ID())

	_, err := b.Build()
	assert.ErrorIs(t, err, ErrDuplicateID)
}

func TestBuilder_DuplicateLogicalID(t *testing.T) {
	b := NewBuilder(Options{})
	b.DeclareBucket("photo-bucket", RemovalRetain, false)
	ref := b.DeclareBucket("photo_bucket", RemovalRetain, false)
	assert.Empty(t, ref.ID())
	none := b.DeclareTable("--", Attribute{Name: "id", Type: AttributeString}, BillingOnDemand, RemovalRetain)
	assert.Empty(t, none.ID())

	_, err := b.Build()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDuplicateID)
	assert.ErrorIs(t, err, ErrInvalidEntity)
	assert.Contains(t, err.Error(), "PhotoBucket")
}

func TestBuilder_DeclareTable(t *testing.T) {
	tests := []struct {
		name      string
		key       Attribute
		billing   BillingMode
		opts      []TableOption
		wantErr   bool
		wantRead  int
		wantWrite int
	}{
		{"on demand", Attribute{"id", AttributeString}, BillingOnDemand, nil, false, 0, 0},
		{"provisioned default", Attribute{"id", AttributeNumber}, BillingProvisioned, nil, false, 5, 5},
		{"provisioned custom", Attribute{"id", AttributeBinary}, BillingProvisioned, []TableOption{WithCapacity(10, 2)}, false, 10, 2},
		{"provisioned zero", Attribute{"id", AttributeString}, BillingProvisioned, []TableOption{WithCapacity(0, 1)}, true, 0, 0},
		{"bad key type", Attribute{"id", "BOOL"}, BillingOnDemand, nil, true, 0, 0},
		{"missing key name", Attribute{"", AttributeString}, BillingOnDemand, nil, true, 0, 0},
		{"bad billing", Attribute{"id", AttributeString}, "free", nil, true, 0, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := NewBuilder(Options{})
			b.DeclareTable("t", tt.key, tt.billing, RemovalRetain, tt.opts...)
			g, err := b.Build()
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidEntity)
				return
			}
			require.NoError(t, err)
			tbl, ok := g.Table("t")
			require.True(t, ok)
			assert.Equal(t, tt.wantRead, tbl.ReadCapacity)
			assert.Equal(t, tt.wantWrite, tbl.WriteCapacity)
		})
	}
}

func TestBuilder_DeclareBucket(t *testing.T) {
	tests := []struct {
		name      string
		removal   RemovalPolicy
		autoPurge bool
		wantErr   error
	}{
		{"destroy with purge", RemovalDestroy, true, nil},
		{"destroy without purge", RemovalDestroy, false, ErrPurgeRequired},
		{"retain", RemovalRetain, false, nil},
		{"retain with purge", RemovalRetain, true, nil},
		{"unknown policy", "snapshot", true, ErrInvalidEntity},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := NewBuilder(Options{})
			b.DeclareBucket("bkt", tt.removal, tt.autoPurge)
			g, err := b.Build()
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			bk, ok := g.Bucket("bkt")
			require.True(t, ok)
			assert.Equal(t, "bkt", bk.NamePrefix)
		})
	}
}

func TestBuilder_Grant(t *testing.T) {
	b := NewBuilder(Options{})
	fn := b.DeclareHandler("fn", pythonHandler("app.main"))
	bucket := b.DeclareBucket("bkt", RemovalRetain, false)

	b.Grant(fn, bucket, AccessRead)
	b.Grant(fn, bucket, AccessRead)
	b.Grant(fn, bucket, AccessWrite)

	g, err := b.Build()
	require.NoError(t, err)
	assert.Len(t, g.Grants(), 2, "repeated grant is a no-op")
	assert.Equal(t, AccessReadWrite, g.AccessLevel("fn", "bkt"))
	assert.Equal(t, AccessLevel(""), g.AccessLevel("fn", "other"))
}

func TestBuilder_Grant_UnknownRefs(t *testing.T) {
	b := NewBuilder(Options{})
	fn := b.DeclareHandler("fn", pythonHandler("app.main"))
	b.Grant(fn, BucketRef{id: "ghost"}, AccessRead)
	b.Grant(HandlerRef{id: "nobody"}, TableRef{id: "ghost"}, AccessRead)
	b.Grant(fn, nil, AccessRead)

	_, err := b.Build()
	require.ErrorIs(t, err, ErrUnknownRef)
	assert.Contains(t, err.Error(), `bucket "ghost"`)
	assert.Contains(t, err.Error(), `handler "nobody"`)
}

func TestBuilder_Grant_KindMismatch(t *testing.T) {
	b := NewBuilder(Options{})
	fn := b.DeclareHandler("fn", pythonHandler("app.main"))
	b.DeclareBucket("store", RemovalRetain, false)
	b.Grant(fn, TableRef{id: "store"}, AccessRead)

	_, err := b.Build()
	assert.ErrorIs(t, err, ErrUnknownRef)
}

func TestBuilder_AttachTrigger(t *testing.T) {
	tests := []struct {
		name    string
		level   AccessLevel
		wantErr error
	}{
		{"read write grant", AccessReadWrite, nil},
		{"read only grant", AccessRead, ErrMissingGrant},
		{"no grant", "", ErrMissingGrant},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := NewBuilder(Options{})
			fn := b.DeclareHandler("fn", pythonHandler("app.main"))
			bucket := b.DeclareBucket("bkt", RemovalRetain, false)
			if tt.level != "" {
				b.Grant(fn, bucket, tt.level)
			}
			b.AttachTrigger(bucket, EventObjectCreated, fn)

			g, err := b.Build()
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, []Trigger{{Bucket: "bkt", Event: EventObjectCreated, Handler: "fn"}}, g.Triggers())
		})
	}
}

func TestBuilder_AttachTrigger_GrantAfterTrigger(t *testing.T) {
	b := NewBuilder(Options{})
	fn := b.DeclareHandler("fn", pythonHandler("app.main"))
	bucket := b.DeclareBucket("bkt", RemovalRetain, false)
	b.AttachTrigger(bucket, EventObjectCreated, fn)
	b.Grant(fn, bucket, AccessReadWrite)

	_, err := b.Build()
	assert.ErrorIs(t, err, ErrMissingGrant)
}

func TestBuilder_AttachTrigger_Duplicate(t *testing.T) {
	b := NewBuilder(Options{})
	fn := b.DeclareHandler("fn", pythonHandler("app.main"))
	other := b.DeclareHandler("other", pythonHandler("app.other"))
	bucket := b.DeclareBucket("bkt", RemovalRetain, false)
	b.Grant(fn, bucket, AccessReadWrite)
	b.Grant(other, bucket, AccessReadWrite)

	b.AttachTrigger(bucket, EventObjectCreated, fn)
	b.AttachTrigger(bucket, EventObjectCreated, other)
	b.AttachTrigger(bucket, EventObjectRemoved, other)

	_, err := b.Build()
	assert.ErrorIs(t, err, ErrDuplicateTrigger)
}

func TestBuilder_DeclareAPI(t *testing.T) {
	b := NewBuilder(Options{})
	fn := b.DeclareHandler("fn", pythonHandler("app.main"))
	ref := b.DeclareAPI("api", APISpec{
		Description: "test",
		Routes: []RouteSpec{
			{Path: "/images/", Method: "get", Handler: fn},
			{Path: "images", Method: "POST", Handler: fn},
		},
	})
	assert.Equal(t, "api", ref.ID())

	g, err := b.Build()
	require.NoError(t, err)

	api, ok := g.API("api")
	require.True(t, ok)
	assert.Equal(t, DefaultStageName, api.StageName)
	require.Len(t, api.Routes, 2)
	assert.Equal(t, "images", api.Routes[0].Path)
	assert.Equal(t, "GET", api.Routes[0].Method)
	assert.Len(t, g.RoutesTo("fn"), 2)
	assert.Equal(t, []string{"fn"}, g.Dependencies("api"))
}

func TestBuilder_DeclareAPI_Errors(t *testing.T) {
	tests := []struct {
		name    string
		routes  func(fn HandlerRef) []RouteSpec
		wantErr error
	}{
		{
			name: "duplicate route",
			routes: func(fn HandlerRef) []RouteSpec {
				return []RouteSpec{
					{Path: "images", Method: "GET", Handler: fn},
					{Path: "/images", Method: "get", Handler: fn},
				}
			},
			wantErr: ErrDuplicateRoute,
		},
		{
			name: "paths with the same name",
			routes: func(fn HandlerRef) []RouteSpec {
				return []RouteSpec{
					{Path: "a/b", Method: "GET", Handler: fn},
					{Path: "a-b", Method: "GET", Handler: fn},
				}
			},
			wantErr: ErrDuplicateRoute,
		},
		{
			name: "root and root-named path",
			routes: func(fn HandlerRef) []RouteSpec {
				return []RouteSpec{
					{Path: "/", Method: "GET", Handler: fn},
					{Path: "root", Method: "POST", Handler: fn},
				}
			},
			wantErr: ErrDuplicateRoute,
		},
		{
			name: "unknown handler",
			routes: func(HandlerRef) []RouteSpec {
				return []RouteSpec{{Path: "images", Method: "GET", Handler: HandlerRef{id: "ghost"}}}
			},
			wantErr: ErrUnknownRef,
		},
		{
			name: "bad method",
			routes: func(fn HandlerRef) []RouteSpec {
				return []RouteSpec{{Path: "images", Method: "FETCH", Handler: fn}}
			},
			wantErr: ErrInvalidEntity,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := NewBuilder(Options{})
			fn := b.DeclareHandler("fn", pythonHandler("app.main"))
			ref := b.DeclareAPI("api", APISpec{Routes: tt.routes(fn)})
			assert.Empty(t, ref.ID())

			_, err := b.Build()
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestBuilder_AttachPolicy(t *testing.T) {
	tests := []struct {
		name         string
		allow        bool
		actions      []string
		resources    []string
		wantErr      error
		wantWildcard bool
	}{
		{"scoped", false, []string{"s3:GetObject"}, []string{"arn:aws:s3:::b/*"}, nil, false},
		{"service wildcard rejected", false, []string{"s3:*"}, []string{"arn:aws:s3:::b"}, ErrWildcardPolicy, false},
		{"resource wildcard rejected", false, []string{"s3:GetObject"}, []string{"*"}, ErrWildcardPolicy, false},
		{"wildcard allowed", true, []string{"s3:*"}, []string{"*"}, nil, true},
		{"empty actions", true, nil, []string{"*"}, ErrInvalidPolicy, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var logs bytes.Buffer
			b := NewBuilder(Options{
				Logger:                slog.New(slog.NewTextHandler(&logs, nil)),
				AllowWildcardPolicies: tt.allow,
			})
			fn := b.DeclareHandler("fn", pythonHandler("app.main"))
			b.AttachPolicy(fn, tt.actions, tt.resources)

			g, err := b.Build()
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			require.Len(t, g.Policies(), 1)
			assert.Equal(t, tt.wantWildcard, g.Policies()[0].Wildcard)
			if tt.wantWildcard {
				assert.Len(t, g.Warnings(), 1)
				assert.Contains(t, logs.String(), "level=WARN")
			} else {
				assert.Empty(t, g.Warnings())
			}
		})
	}
}

func TestBuilder_Build_AccumulatesErrors(t *testing.T) {
	b := NewBuilder(Options{})
	b.DeclareBucket("bkt", RemovalDestroy, false)
	b.DeclareHandler("fn", HandlerSpec{EntryPoint: "nope", Runtime: RuntimePython312})
	b.AttachPolicy(HandlerRef{id: "fn"}, []string{"*"}, []string{"*"})

	g, err := b.Build()
	assert.Nil(t, g)
	assert.ErrorIs(t, err, ErrPurgeRequired)
	assert.ErrorIs(t, err, ErrInvalidHandler)
	assert.ErrorIs(t, err, ErrUnknownRef)
}

func TestGraph_AccessorsReturnCopies(t *testing.T) {
	g, err := BuildPipeline(FullPipeline())
	require.NoError(t, err)

	handlers := g.Handlers()
	handlers[0].Env[EnvRegion] = Literal("us-east-1")
	handlers[0].Layers[0] = "tampered"

	apis := g.APIs()
	apis[0].Routes[0].Path = "tampered"

	h, _ := g.Handler(ResizeHandlerID)
	assert.Equal(t, DefaultRegion, h.Env[EnvRegion].Literal)
	assert.Equal(t, DefaultLayerARN, h.Layers[0])
	api, _ := g.API(APIID)
	assert.Equal(t, ImagesPath, api.Routes[0].Path)
}

func TestGraph_Permissions(t *testing.T) {
	g, err := BuildPipeline(FullPipeline())
	require.NoError(t, err)

	perms := g.Permissions(ResizeHandlerID)
	require.Len(t, perms, 2)
	assert.Equal(t, BucketID, perms[0].Target)
	assert.Contains(t, perms[0].Actions, "s3:GetObject*")
	assert.Contains(t, perms[0].Actions, "s3:PutObject")
	assert.Equal(t, TableID, perms[1].Target)
	assert.Contains(t, perms[1].Actions, "dynamodb:PutItem")

	list := g.Permissions(ListHandlerID)
	require.Len(t, list, 1)
	assert.Contains(t, list[0].Actions, "dynamodb:Query")
	assert.NotContains(t, list[0].Actions, "dynamodb:PutItem")
}

func TestGraph_Order(t *testing.T) {
	g, err := BuildPipeline(FullPipeline())
	require.NoError(t, err)

	order := g.Order()
	pos := make(map[string]int, len(order))
	for i, id := range order {
		pos[id] = i
	}
	require.Len(t, pos, 5)
	for _, id := range order {
		for _, dep := range g.Dependencies(id) {
			assert.Less(t, pos[dep], pos[id], "%s must follow %s", id, dep)
		}
	}
}
