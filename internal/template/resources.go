package template

import (
	_ "embed"
	"fmt"
	"maps"
	"slices"
	"strings"

	thumbstack "github.com/lex00/thumbstack-go"
	"github.com/lex00/thumbstack-go/internal/stack"
	"github.com/lex00/thumbstack-go/intrinsics"
)

//go:embed assets/auto_delete_objects.py
var autoDeleteObjectsCode string

// CloudFormation resource types emitted by the synthesizer.
const (
	TypeBucket         = "AWS::S3::Bucket"
	TypeTable          = "AWS::DynamoDB::Table"
	TypeRole           = "AWS::IAM::Role"
	TypeFunction       = "AWS::Lambda::Function"
	TypePermission     = "AWS::Lambda::Permission"
	TypeRestAPI        = "AWS::ApiGateway::RestApi"
	TypeAPIResource    = "AWS::ApiGateway::Resource"
	TypeMethod         = "AWS::ApiGateway::Method"
	TypeDeployment     = "AWS::ApiGateway::Deployment"
	TypeStage          = "AWS::ApiGateway::Stage"
	TypeAutoDeleteObjs = "Custom::S3AutoDeleteObjects"
)

// AutoDeleteTag marks buckets whose objects are purged when the stack
// deletes them.
const AutoDeleteTag = "thumbstack:auto-delete-objects"

const basicExecutionPolicy = "arn:${AWS::Partition}:iam::aws:policy/service-role/AWSLambdaBasicExecutionRole"

func subf(format string, args ...any) intrinsics.Sub {
	return intrinsics.Sub{String: fmt.Sprintf(format, args...)}
}

func deletionPolicy(p stack.RemovalPolicy) string {
	if p == stack.RemovalDestroy {
		return "Delete"
	}
	return "Retain"
}

// bucketNamePattern is the Fn::Sub pattern of a bucket's physical name.
func bucketNamePattern(b stack.Bucket) string {
	return b.NamePrefix + "-${AWS::AccountId}-${AWS::Region}"
}

func (s *Synthesizer) bucketPattern(id string) string {
	b, _ := s.graph.Bucket(id)
	return bucketNamePattern(b)
}

func (s *Synthesizer) addTable(t stack.Table) {
	name := stack.LogicalID(t.ID)
	props := map[string]any{
		"KeySchema": []any{
			map[string]any{"AttributeName": t.PartitionKey.Name, "KeyType": "HASH"},
		},
		"AttributeDefinitions": []any{
			map[string]any{"AttributeName": t.PartitionKey.Name, "AttributeType": string(t.PartitionKey.Type)},
		},
	}
	if t.BillingMode == stack.BillingOnDemand {
		props["BillingMode"] = "PAY_PER_REQUEST"
	} else {
		props["BillingMode"] = "PROVISIONED"
		props["ProvisionedThroughput"] = map[string]any{
			"ReadCapacityUnits":  t.ReadCapacity,
			"WriteCapacityUnits": t.WriteCapacity,
		}
	}
	s.addResource(name, thumbstack.ResourceDef{
		Type:                TypeTable,
		Properties:          props,
		DeletionPolicy:      deletionPolicy(t.RemovalPolicy),
		UpdateReplacePolicy: deletionPolicy(t.RemovalPolicy),
	})
	s.addOutput(name+"Name", "Name of table "+t.ID, intrinsics.RefTo(name))
}

func (s *Synthesizer) addBucket(b stack.Bucket) {
	name := stack.LogicalID(b.ID)
	pattern := bucketNamePattern(b)
	props := map[string]any{
		"BucketName": intrinsics.Sub{String: pattern},
	}
	if b.Purges() {
		props["Tags"] = []any{map[string]any{"Key": AutoDeleteTag, "Value": "true"}}
	}

	var configs []any
	var dependsOn []string
	for _, tr := range s.graph.Triggers() {
		if tr.Bucket != b.ID {
			continue
		}
		configs = append(configs, map[string]any{
			"Event":    tr.Event.S3Event(),
			"Function": intrinsics.Attr(stack.LogicalID(tr.Handler), "Arn"),
		})
		dependsOn = append(dependsOn, triggerPermissionName(tr))
	}
	if len(configs) > 0 {
		props["NotificationConfiguration"] = map[string]any{"LambdaConfigurations": configs}
	}

	s.addResource(name, thumbstack.ResourceDef{
		Type:                TypeBucket,
		Properties:          props,
		DependsOn:           dependsOn,
		DeletionPolicy:      deletionPolicy(b.RemovalPolicy),
		UpdateReplacePolicy: deletionPolicy(b.RemovalPolicy),
	})
	s.addOutput(name+"Name", "Name of bucket "+b.ID, intrinsics.RefTo(name))

	if b.Purges() {
		s.addAutoDeleteObjects(name, pattern)
	}
}

// addAutoDeleteObjects adds a custom resource that empties the bucket before
// CloudFormation deletes it.
func (s *Synthesizer) addAutoDeleteObjects(bucket, pattern string) {
	role := bucket + "AutoDeleteObjectsRole"
	fn := bucket + "AutoDeleteObjectsFunction"

	s.addResource(role, thumbstack.ResourceDef{
		Type: TypeRole,
		Properties: map[string]any{
			"AssumeRolePolicyDocument": intrinsics.AssumeRoleFor("lambda.amazonaws.com"),
			"ManagedPolicyArns":        []any{intrinsics.Sub{String: basicExecutionPolicy}},
			"Policies": []any{map[string]any{
				"PolicyName": bucket + "AutoDeleteObjects",
				"PolicyDocument": intrinsics.NewPolicyDocument(intrinsics.Allow(
					[]string{"s3:DeleteObject*", "s3:GetBucket*", "s3:List*"},
					[]any{intrinsics.S3BucketArn(pattern), intrinsics.S3ObjectsArn(pattern)},
				)),
			}},
		},
	})
	s.addResource(fn, thumbstack.ResourceDef{
		Type: TypeFunction,
		Properties: map[string]any{
			"Role":    intrinsics.Attr(role, "Arn"),
			"Runtime": string(stack.RuntimePython312),
			"Handler": "index.handler",
			"Timeout": 900,
			"Code":    map[string]any{"ZipFile": autoDeleteObjectsCode},
		},
	})
	s.addResource(bucket+"AutoDeleteObjects", thumbstack.ResourceDef{
		Type: TypeAutoDeleteObjs,
		Properties: map[string]any{
			"ServiceToken": intrinsics.Attr(fn, "Arn"),
			"BucketName":   intrinsics.RefTo(bucket),
		},
		DeletionPolicy: "Delete",
	})
}

// envValue resolves a handler environment value. Buckets are named by
// pattern rather than Ref so that a bucket notifying the handler does not
// form a cycle with it.
func (s *Synthesizer) envValue(v stack.EnvValue) any {
	if !v.IsRef() {
		return v.Literal
	}
	if kind, _ := s.graph.Kind(v.Source); kind == stack.KindBucket {
		return intrinsics.Sub{String: s.bucketPattern(v.Source)}
	}
	return intrinsics.RefTo(stack.LogicalID(v.Source))
}

// statement converts one permission of a handler's role into a policy
// statement.
func (s *Synthesizer) statement(p stack.Permission) intrinsics.PolicyStatement {
	var resources []any
	switch p.TargetKind {
	case stack.KindBucket:
		pattern := s.bucketPattern(p.Target)
		resources = []any{intrinsics.S3BucketArn(pattern), intrinsics.S3ObjectsArn(pattern)}
	case stack.KindTable:
		resources = []any{intrinsics.Attr(stack.LogicalID(p.Target), "Arn")}
	default:
		for _, r := range p.Resources {
			resources = append(resources, r)
		}
	}
	return intrinsics.Allow(p.Actions, resources)
}

func (s *Synthesizer) addHandler(h stack.Handler) {
	name := stack.LogicalID(h.ID)
	role := name + "ServiceRole"

	roleProps := map[string]any{
		"AssumeRolePolicyDocument": intrinsics.AssumeRoleFor("lambda.amazonaws.com"),
		"ManagedPolicyArns":        []any{intrinsics.Sub{String: basicExecutionPolicy}},
	}
	var statements []any
	for _, p := range s.graph.Permissions(h.ID) {
		statements = append(statements, s.statement(p))
	}
	if len(statements) > 0 {
		roleProps["Policies"] = []any{map[string]any{
			"PolicyName":     name + "ServiceRoleDefaultPolicy",
			"PolicyDocument": intrinsics.NewPolicyDocument(statements...),
		}}
	}
	s.addResource(role, thumbstack.ResourceDef{Type: TypeRole, Properties: roleProps})

	props := map[string]any{
		"Role":       intrinsics.Attr(role, "Arn"),
		"Runtime":    string(h.Runtime),
		"Handler":    h.EntryPoint,
		"Timeout":    int(h.Timeout.Seconds()),
		"MemorySize": h.MemoryMB,
		"Code": map[string]any{
			"S3Bucket": intrinsics.RefTo(ParamCodeBucket),
			"S3Key":    subf("${%s}%s.zip", ParamCodeKeyPrefix, h.CodePath),
		},
	}
	if len(h.Layers) > 0 {
		layers := make([]any, len(h.Layers))
		for i, l := range h.Layers {
			layers[i] = l
		}
		props["Layers"] = layers
	}
	if len(h.Env) > 0 {
		vars := make(map[string]any, len(h.Env))
		for _, key := range slices.Sorted(maps.Keys(h.Env)) {
			vars[key] = s.envValue(h.Env[key])
		}
		props["Environment"] = map[string]any{"Variables": vars}
	}
	s.addResource(name, thumbstack.ResourceDef{
		Type:       TypeFunction,
		Properties: props,
		DependsOn:  []string{role},
	})
	s.addOutput(name+"Name", "Function name of handler "+h.ID, intrinsics.RefTo(name))
}

func triggerPermissionName(tr stack.Trigger) string {
	return stack.LogicalID(tr.Bucket) + "Invoke" + stack.LogicalID(tr.Handler) + "Permission"
}

func (s *Synthesizer) addTrigger(tr stack.Trigger) {
	s.addResource(triggerPermissionName(tr), thumbstack.ResourceDef{
		Type: TypePermission,
		Properties: map[string]any{
			"Action":        "lambda:InvokeFunction",
			"FunctionName":  intrinsics.Attr(stack.LogicalID(tr.Handler), "Arn"),
			"Principal":     "s3.amazonaws.com",
			"SourceAccount": intrinsics.AWS_ACCOUNT_ID,
			"SourceArn":     intrinsics.S3BucketArn(s.bucketPattern(tr.Bucket)),
		},
	})
}

func (s *Synthesizer) addAPI(a stack.API) {
	api := stack.LogicalID(a.ID)
	s.addResource(api, thumbstack.ResourceDef{
		Type: TypeRestAPI,
		Properties: map[string]any{
			"Name":        a.ID,
			"Description": a.Description,
		},
	})

	// One AWS::ApiGateway::Resource per distinct path prefix.
	resources := map[string]string{}
	resourceID := func(path string) any {
		if path == "" {
			return intrinsics.Attr(api, "RootResourceId")
		}
		var parent any = intrinsics.Attr(api, "RootResourceId")
		segments := strings.Split(path, "/")
		for i, seg := range segments {
			prefix := strings.Join(segments[:i+1], "/")
			name, ok := resources[prefix]
			if !ok {
				name = api + stack.RouteName(prefix)
				resources[prefix] = name
				s.addResource(name, thumbstack.ResourceDef{
					Type: TypeAPIResource,
					Properties: map[string]any{
						"RestApiId": intrinsics.RefTo(api),
						"ParentId":  parent,
						"PathPart":  seg,
					},
				})
			}
			parent = intrinsics.RefTo(name)
		}
		return parent
	}

	var methods []string
	for _, r := range a.Routes {
		fn := stack.LogicalID(r.Handler)
		method := api + stack.RouteName(r.Path) + r.Method
		methods = append(methods, method)

		integration := map[string]any{
			"Type":                  "AWS_PROXY",
			"IntegrationHttpMethod": "POST",
			"Uri":                   subf("arn:${AWS::Partition}:apigateway:${AWS::Region}:lambda:path/2015-03-31/functions/${%s.Arn}/invocations", fn),
		}
		if len(r.RequestTemplates) > 0 {
			templates := make(map[string]any, len(r.RequestTemplates))
			for k, v := range r.RequestTemplates {
				templates[k] = v
			}
			integration["RequestTemplates"] = templates
		}
		s.addResource(method, thumbstack.ResourceDef{
			Type: TypeMethod,
			Properties: map[string]any{
				"RestApiId":         intrinsics.RefTo(api),
				"ResourceId":        resourceID(r.Path),
				"HttpMethod":        r.Method,
				"AuthorizationType": "NONE",
				"Integration":       integration,
			},
		})

		methodPath := r.Method
		if r.Method == "ANY" {
			methodPath = "*"
		}
		s.addResource(method+"Permission", thumbstack.ResourceDef{
			Type: TypePermission,
			Properties: map[string]any{
				"Action":       "lambda:InvokeFunction",
				"FunctionName": intrinsics.Attr(fn, "Arn"),
				"Principal":    "apigateway.amazonaws.com",
				"SourceArn": subf("arn:${AWS::Partition}:execute-api:${AWS::Region}:${AWS::AccountId}:${%s}/*/%s/%s",
					api, methodPath, r.Path),
			},
		})
	}

	deployment := api + "Deployment"
	s.addResource(deployment, thumbstack.ResourceDef{
		Type: TypeDeployment,
		Properties: map[string]any{
			"RestApiId":   intrinsics.RefTo(api),
			"Description": a.Description,
		},
		DependsOn: methods,
	})
	stage := deployment + "Stage" + a.StageName
	s.addResource(stage, thumbstack.ResourceDef{
		Type: TypeStage,
		Properties: map[string]any{
			"RestApiId":    intrinsics.RefTo(api),
			"DeploymentId": intrinsics.RefTo(deployment),
			"StageName":    a.StageName,
		},
	})
	s.addOutput(api+"Endpoint", "Invoke URL of API "+a.ID,
		subf("https://${%s}.execute-api.${AWS::Region}.${AWS::URLSuffix}/%s/", api, a.StageName))
}
