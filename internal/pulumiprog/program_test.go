package pulumiprog

import (
	"encoding/json"
	"strings"
	"sync"
	"testing"

	"github.com/pulumi/pulumi/sdk/v3/go/common/resource"
	"github.com/pulumi/pulumi/sdk/v3/go/pulumi"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lex00/thumbstack-go/internal/stack"
)

type capturedResource struct {
	Type   string
	Name   string
	Inputs resource.PropertyMap
}

type testMocks struct {
	mu        sync.Mutex
	resources []capturedResource
}

func (m *testMocks) NewResource(args pulumi.MockResourceArgs) (string, resource.PropertyMap, error) {
	m.mu.Lock()
	m.resources = append(m.resources, capturedResource{Type: args.TypeToken, Name: args.Name, Inputs: args.Inputs})
	m.mu.Unlock()

	// Echo inputs as outputs; synthesize an ID, an ARN and a physical name.
	id := args.Name + "_id"
	out := args.Inputs.Copy()
	arn := "arn:aws:mock:eu-west-3:123456789012:" + args.Name
	out[resource.PropertyKey("arn")] = resource.NewStringProperty(arn)
	if _, ok := out[resource.PropertyKey("name")]; !ok {
		out[resource.PropertyKey("name")] = resource.NewStringProperty(args.Name)
	}
	switch args.TypeToken {
	case "aws:s3/bucket:Bucket":
		out[resource.PropertyKey("bucket")] = resource.NewStringProperty(args.Name + "-physical")
	case "aws:lambda/function:Function":
		out[resource.PropertyKey("invokeArn")] = resource.NewStringProperty(arn + "/invocations")
	case "aws:apigateway/restApi:RestApi":
		out[resource.PropertyKey("rootResourceId")] = resource.NewStringProperty("root")
		out[resource.PropertyKey("executionArn")] = resource.NewStringProperty(arn)
	case "aws:apigateway/stage:Stage":
		out[resource.PropertyKey("invokeUrl")] = resource.NewStringProperty("https://example.execute-api/prod")
	}
	return id, out, nil
}

func (m *testMocks) Call(args pulumi.MockCallArgs) (resource.PropertyMap, error) {
	return resource.PropertyMap{}, nil
}

func (m *testMocks) count(typeToken string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, r := range m.resources {
		if r.Type == typeToken {
			n++
		}
	}
	return n
}

func (m *testMocks) find(typeToken, name string) (resource.PropertyMap, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.resources {
		if r.Type == typeToken && r.Name == name {
			return r.Inputs, true
		}
	}
	return nil, false
}

func (m *testMocks) all(typeToken string) []capturedResource {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []capturedResource
	for _, r := range m.resources {
		if r.Type == typeToken {
			out = append(out, r)
		}
	}
	return out
}

func run(t *testing.T, cfg stack.PipelineConfig) *testMocks {
	t.Helper()
	cfg.CodePath = t.TempDir()
	g, err := stack.BuildPipeline(cfg)
	require.NoError(t, err)

	mocks := &testMocks{}
	err = pulumi.RunErr(Program(g), pulumi.WithMocks("thumbstack", "dev", mocks))
	require.NoError(t, err)
	return mocks
}

func TestProgram_FullPipeline(t *testing.T) {
	mocks := run(t, stack.FullPipeline())

	expected := map[string]int{
		"aws:s3/bucket:Bucket":                              1,
		"aws:s3/bucketNotification:BucketNotification":      1,
		"aws:dynamodb/table:Table":                          1,
		"aws:iam/role:Role":                                 2,
		"aws:iam/rolePolicy:RolePolicy":                     2,
		"aws:iam/rolePolicyAttachment:RolePolicyAttachment": 2,
		"aws:lambda/function:Function":                      2,
		"aws:lambda/permission:Permission":                  2,
		"aws:apigateway/restApi:RestApi":                    1,
		"aws:apigateway/resource:Resource":                  1,
		"aws:apigateway/method:Method":                      1,
		"aws:apigateway/integration:Integration":            1,
		"aws:apigateway/deployment:Deployment":              1,
		"aws:apigateway/stage:Stage":                        1,
	}
	for token, want := range expected {
		assert.Equal(t, want, mocks.count(token), token)
	}
}

func TestProgram_ReducedPipeline(t *testing.T) {
	mocks := run(t, stack.ReducedPipeline())

	assert.Equal(t, 1, mocks.count("aws:s3/bucket:Bucket"))
	assert.Equal(t, 1, mocks.count("aws:lambda/function:Function"))
	assert.Zero(t, mocks.count("aws:dynamodb/table:Table"))
	assert.Zero(t, mocks.count("aws:apigateway/restApi:RestApi"))
	assert.Zero(t, mocks.count("aws:s3/bucketNotification:BucketNotification"))
	assert.Zero(t, mocks.count("aws:lambda/permission:Permission"))
}

func TestProgram_BucketForceDestroy(t *testing.T) {
	mocks := run(t, stack.FullPipeline())

	inputs, ok := mocks.find("aws:s3/bucket:Bucket", stack.BucketID)
	require.True(t, ok)
	assert.True(t, inputs["forceDestroy"].BoolValue())
	assert.Equal(t, "photo-bucket-", inputs["bucketPrefix"].StringValue())
}

func TestProgram_HandlerConfiguration(t *testing.T) {
	mocks := run(t, stack.FullPipeline())

	inputs, ok := mocks.find("aws:lambda/function:Function", stack.ResizeHandlerID)
	require.True(t, ok)
	assert.Equal(t, "python3.8", inputs["runtime"].StringValue())
	assert.Equal(t, stack.ResizeEntryPoint, inputs["handler"].StringValue())
	assert.Equal(t, float64(20), inputs["timeout"].NumberValue())

	vars := inputs["environment"].ObjectValue()["variables"].ObjectValue()
	assert.Equal(t, "eu-west-3", vars[stack.EnvRegion].StringValue())
	assert.Equal(t, "128", vars[stack.EnvThumbnailSize].StringValue())
	assert.Equal(t, stack.TableID, vars[stack.EnvTable].StringValue())

	layers := inputs["layers"].ArrayValue()
	require.Len(t, layers, 1)
	assert.Equal(t, stack.DefaultLayerARN, layers[0].StringValue())
}

func TestProgram_RolePolicies(t *testing.T) {
	mocks := run(t, stack.FullPipeline())

	inputs, ok := mocks.find("aws:iam/rolePolicy:RolePolicy", stack.ListHandlerID+"-role-policy")
	require.True(t, ok)

	var doc struct {
		Statement []struct {
			Action   []string
			Resource []string
		}
	}
	require.NoError(t, json.Unmarshal([]byte(inputs["policy"].StringValue()), &doc))
	require.Len(t, doc.Statement, 1)
	assert.Contains(t, doc.Statement[0].Action, "dynamodb:Query")
	assert.NotContains(t, doc.Statement[0].Action, "dynamodb:PutItem")
	assert.Equal(t, []string{"arn:aws:mock:eu-west-3:123456789012:" + stack.TableID}, doc.Statement[0].Resource)
}

func TestProgram_TriggerWiring(t *testing.T) {
	mocks := run(t, stack.FullPipeline())

	var s3Permission resource.PropertyMap
	for _, r := range mocks.all("aws:lambda/permission:Permission") {
		if r.Inputs["principal"].StringValue() == "s3.amazonaws.com" {
			s3Permission = r.Inputs
		}
	}
	require.NotNil(t, s3Permission)

	inputs, ok := mocks.find("aws:s3/bucketNotification:BucketNotification", stack.BucketID+"-notification")
	require.True(t, ok)
	fns := inputs["lambdaFunctions"].ArrayValue()
	require.Len(t, fns, 1)
	events := fns[0].ObjectValue()["events"].ArrayValue()
	require.Len(t, events, 1)
	assert.Equal(t, "s3:ObjectCreated:*", events[0].StringValue())
}

func TestProgram_Route(t *testing.T) {
	mocks := run(t, stack.FullPipeline())

	methods := mocks.all("aws:apigateway/method:Method")
	require.Len(t, methods, 1)
	assert.Equal(t, "GET", methods[0].Inputs["httpMethod"].StringValue())

	resources := mocks.all("aws:apigateway/resource:Resource")
	require.Len(t, resources, 1)
	assert.Equal(t, stack.ImagesPath, resources[0].Inputs["pathPart"].StringValue())

	integrations := mocks.all("aws:apigateway/integration:Integration")
	require.Len(t, integrations, 1)
	assert.Equal(t, "AWS_PROXY", integrations[0].Inputs["type"].StringValue())
	templates := integrations[0].Inputs["requestTemplates"].ObjectValue()
	assert.True(t, strings.Contains(templates["application/json"].StringValue(), "200"))
}

func TestProgram_ProvisionedTable(t *testing.T) {
	b := stack.NewBuilder(stack.Options{})
	b.DeclareTable("archive", stack.Attribute{Name: "id", Type: stack.AttributeString},
		stack.BillingProvisioned, stack.RemovalRetain, stack.WithCapacity(3, 4))
	g, err := b.Build()
	require.NoError(t, err)

	mocks := &testMocks{}
	require.NoError(t, pulumi.RunErr(Program(g), pulumi.WithMocks("thumbstack", "dev", mocks)))

	inputs, ok := mocks.find("aws:dynamodb/table:Table", "archive")
	require.True(t, ok)
	assert.Equal(t, "PROVISIONED", inputs["billingMode"].StringValue())
	assert.Equal(t, "id", inputs["hashKey"].StringValue())
	assert.Equal(t, float64(3), inputs["readCapacity"].NumberValue())
	assert.Equal(t, float64(4), inputs["writeCapacity"].NumberValue())
}

func TestProgram_RetainedBucketNotForceDestroyed(t *testing.T) {
	b := stack.NewBuilder(stack.Options{})
	b.DeclareBucket("keep", stack.RemovalRetain, true)
	g, err := b.Build()
	require.NoError(t, err)

	mocks := &testMocks{}
	require.NoError(t, pulumi.RunErr(Program(g), pulumi.WithMocks("thumbstack", "dev", mocks)))

	inputs, ok := mocks.find("aws:s3/bucket:Bucket", "keep")
	require.True(t, ok)
	assert.False(t, inputs["forceDestroy"].BoolValue())
}
