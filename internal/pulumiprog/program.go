// Package pulumiprog provisions a resource graph through Pulumi instead of a
// CloudFormation template. The program registers the same topology the
// template synthesizer emits and exports the same output names.
package pulumiprog

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/pulumi/pulumi-aws/sdk/v6/go/aws/apigateway"
	"github.com/pulumi/pulumi-aws/sdk/v6/go/aws/dynamodb"
	"github.com/pulumi/pulumi-aws/sdk/v6/go/aws/iam"
	"github.com/pulumi/pulumi-aws/sdk/v6/go/aws/lambda"
	"github.com/pulumi/pulumi-aws/sdk/v6/go/aws/s3"
	"github.com/pulumi/pulumi/sdk/v3/go/pulumi"

	"github.com/lex00/thumbstack-go/internal/stack"
	"github.com/lex00/thumbstack-go/intrinsics"
)

const basicExecutionPolicyArn = "arn:aws:iam::aws:policy/service-role/AWSLambdaBasicExecutionRole"

var billingModes = map[stack.BillingMode]string{
	stack.BillingOnDemand:    "PAY_PER_REQUEST",
	stack.BillingProvisioned: "PROVISIONED",
}

// Program returns a Pulumi program registering every entity of g.
func Program(g *stack.Graph) pulumi.RunFunc {
	return func(ctx *pulumi.Context) error {
		p := &program{
			ctx:       ctx,
			graph:     g,
			buckets:   map[string]*s3.Bucket{},
			tables:    map[string]*dynamodb.Table{},
			functions: map[string]*lambda.Function{},
		}
		return p.run()
	}
}

type program struct {
	ctx       *pulumi.Context
	graph     *stack.Graph
	buckets   map[string]*s3.Bucket
	tables    map[string]*dynamodb.Table
	functions map[string]*lambda.Function
}

func (p *program) run() error {
	for _, id := range p.graph.Order() {
		kind, _ := p.graph.Kind(id)
		var err error
		switch kind {
		case stack.KindBucket:
			b, _ := p.graph.Bucket(id)
			err = p.bucket(b)
		case stack.KindTable:
			t, _ := p.graph.Table(id)
			err = p.table(t)
		case stack.KindHandler:
			h, _ := p.graph.Handler(id)
			err = p.handler(h)
		case stack.KindAPI:
			a, _ := p.graph.API(id)
			err = p.api(a)
		}
		if err != nil {
			return fmt.Errorf("registering %s %s: %w", kind, id, err)
		}
	}
	return p.notifications()
}

func removalOptions(policy stack.RemovalPolicy) []pulumi.ResourceOption {
	if policy == stack.RemovalRetain {
		return []pulumi.ResourceOption{pulumi.RetainOnDelete(true)}
	}
	return nil
}

func (p *program) bucket(b stack.Bucket) error {
	bucket, err := s3.NewBucket(p.ctx, b.ID, &s3.BucketArgs{
		BucketPrefix: pulumi.StringPtr(b.NamePrefix + "-"),
		ForceDestroy: pulumi.Bool(b.Purges()),
	}, removalOptions(b.RemovalPolicy)...)
	if err != nil {
		return err
	}
	p.buckets[b.ID] = bucket
	p.ctx.Export(stack.LogicalID(b.ID)+"Name", bucket.Bucket)
	return nil
}

func (p *program) table(t stack.Table) error {
	args := &dynamodb.TableArgs{
		Attributes: dynamodb.TableAttributeArray{
			dynamodb.TableAttributeArgs{
				Name: pulumi.String(t.PartitionKey.Name),
				Type: pulumi.String(string(t.PartitionKey.Type)),
			},
		},
		HashKey:     pulumi.String(t.PartitionKey.Name),
		BillingMode: pulumi.String(billingModes[t.BillingMode]),
	}
	if t.BillingMode == stack.BillingProvisioned {
		args.ReadCapacity = pulumi.Int(t.ReadCapacity)
		args.WriteCapacity = pulumi.Int(t.WriteCapacity)
	}

	table, err := dynamodb.NewTable(p.ctx, t.ID, args, removalOptions(t.RemovalPolicy)...)
	if err != nil {
		return err
	}
	p.tables[t.ID] = table
	p.ctx.Export(stack.LogicalID(t.ID)+"Name", table.Name)
	return nil
}

func (p *program) envValue(v stack.EnvValue) pulumi.StringInput {
	if !v.IsRef() {
		return pulumi.String(v.Literal)
	}
	if b, ok := p.buckets[v.Source]; ok {
		return b.Bucket
	}
	return p.tables[v.Source].Name
}

func (p *program) targetArn(perm stack.Permission) pulumi.StringOutput {
	if perm.TargetKind == stack.KindBucket {
		return p.buckets[perm.Target].Arn
	}
	return p.tables[perm.Target].Arn
}

// rolePolicy renders the handler's permissions once every target ARN is known.
func (p *program) rolePolicy(perms []stack.Permission) pulumi.StringOutput {
	var arns []any
	for _, perm := range perms {
		if perm.Target != "" {
			arns = append(arns, p.targetArn(perm))
		}
	}

	return pulumi.All(arns...).ApplyT(func(resolved []any) (string, error) {
		var statements []any
		next := 0
		for _, perm := range perms {
			var resources []any
			switch perm.TargetKind {
			case stack.KindBucket:
				arn := resolved[next].(string)
				next++
				resources = []any{arn, arn + "/*"}
			case stack.KindTable:
				resources = []any{resolved[next].(string)}
				next++
			default:
				for _, r := range perm.Resources {
					resources = append(resources, r)
				}
			}
			statements = append(statements, intrinsics.Allow(perm.Actions, resources))
		}
		doc, err := json.Marshal(intrinsics.NewPolicyDocument(statements...))
		if err != nil {
			return "", err
		}
		return string(doc), nil
	}).(pulumi.StringOutput)
}

func (p *program) handler(h stack.Handler) error {
	trust, err := json.Marshal(intrinsics.AssumeRoleFor("lambda.amazonaws.com"))
	if err != nil {
		return err
	}
	role, err := iam.NewRole(p.ctx, h.ID+"-role", &iam.RoleArgs{
		AssumeRolePolicy: pulumi.String(string(trust)),
	})
	if err != nil {
		return err
	}

	basic, err := iam.NewRolePolicyAttachment(p.ctx, h.ID+"-role-basic", &iam.RolePolicyAttachmentArgs{
		PolicyArn: pulumi.String(basicExecutionPolicyArn),
		Role:      role.Name,
	}, pulumi.Parent(role))
	if err != nil {
		return err
	}
	dependsOn := []pulumi.Resource{basic}

	if perms := p.graph.Permissions(h.ID); len(perms) > 0 {
		policy, err := iam.NewRolePolicy(p.ctx, h.ID+"-role-policy", &iam.RolePolicyArgs{
			Role:   role.Name,
			Policy: p.rolePolicy(perms),
		}, pulumi.Parent(role))
		if err != nil {
			return err
		}
		dependsOn = append(dependsOn, policy)
	}

	env := pulumi.StringMap{}
	for k, v := range h.Env {
		env[k] = p.envValue(v)
	}

	fn, err := lambda.NewFunction(p.ctx, h.ID, &lambda.FunctionArgs{
		Role:        role.Arn,
		Runtime:     pulumi.String(string(h.Runtime)),
		Handler:     pulumi.String(h.EntryPoint),
		Timeout:     pulumi.Int(int(h.Timeout.Seconds())),
		MemorySize:  pulumi.Int(h.MemoryMB),
		Layers:      pulumi.ToStringArray(h.Layers),
		Environment: &lambda.FunctionEnvironmentArgs{Variables: env},
		Code:        pulumi.NewFileArchive(h.CodePath),
	}, pulumi.DependsOn(dependsOn))
	if err != nil {
		return err
	}
	p.functions[h.ID] = fn
	p.ctx.Export(stack.LogicalID(h.ID)+"Name", fn.Name)
	return nil
}

// notifications registers one notification resource per bucket, since a
// bucket carries a single notification configuration.
func (p *program) notifications() error {
	byBucket := map[string][]stack.Trigger{}
	var order []string
	for _, tr := range p.graph.Triggers() {
		if _, ok := byBucket[tr.Bucket]; !ok {
			order = append(order, tr.Bucket)
		}
		byBucket[tr.Bucket] = append(byBucket[tr.Bucket], tr)
	}

	for _, id := range order {
		bucket := p.buckets[id]
		var permissions []pulumi.Resource
		var targets s3.BucketNotificationLambdaFunctionArray
		for _, tr := range byBucket[id] {
			fn := p.functions[tr.Handler]
			perm, err := lambda.NewPermission(p.ctx, fmt.Sprintf("%s-invoke-%s", id, tr.Handler), &lambda.PermissionArgs{
				Action:    pulumi.String("lambda:InvokeFunction"),
				Function:  fn.Name,
				Principal: pulumi.String("s3.amazonaws.com"),
				SourceArn: bucket.Arn,
			})
			if err != nil {
				return fmt.Errorf("registering trigger %s -> %s: %w", id, tr.Handler, err)
			}
			permissions = append(permissions, perm)
			targets = append(targets, s3.BucketNotificationLambdaFunctionArgs{
				LambdaFunctionArn: fn.Arn,
				Events:            pulumi.ToStringArray([]string{tr.Event.S3Event()}),
			})
		}

		_, err := s3.NewBucketNotification(p.ctx, id+"-notification", &s3.BucketNotificationArgs{
			Bucket:          bucket.Bucket,
			LambdaFunctions: targets,
		}, pulumi.DependsOn(permissions))
		if err != nil {
			return fmt.Errorf("registering notifications for %s: %w", id, err)
		}
	}
	return nil
}

func (p *program) api(a stack.API) error {
	restAPI, err := apigateway.NewRestApi(p.ctx, a.ID, &apigateway.RestApiArgs{
		Name:        pulumi.String(a.ID),
		Description: pulumi.String(a.Description),
	})
	if err != nil {
		return err
	}

	resources := map[string]*apigateway.Resource{}
	resourceID := func(path string) (pulumi.StringInput, error) {
		parent := restAPI.RootResourceId
		if path == "" {
			return parent, nil
		}
		segments := strings.Split(path, "/")
		for i, seg := range segments {
			prefix := strings.Join(segments[:i+1], "/")
			res, ok := resources[prefix]
			if !ok {
				res, err = apigateway.NewResource(p.ctx, a.ID+"-"+strings.ReplaceAll(prefix, "/", "-"), &apigateway.ResourceArgs{
					RestApi:  restAPI.ID(),
					ParentId: parent,
					PathPart: pulumi.String(seg),
				}, pulumi.Parent(restAPI))
				if err != nil {
					return nil, err
				}
				resources[prefix] = res
			}
			parent = res.ID().ToStringOutput()
		}
		return parent, nil
	}

	var integrations []pulumi.Resource
	for _, r := range a.Routes {
		fn := p.functions[r.Handler]
		name := fmt.Sprintf("%s-%s-%s", a.ID, strings.ReplaceAll(r.Path, "/", "-"), strings.ToLower(r.Method))

		resID, err := resourceID(r.Path)
		if err != nil {
			return err
		}
		method, err := apigateway.NewMethod(p.ctx, name, &apigateway.MethodArgs{
			RestApi:       restAPI.ID(),
			ResourceId:    resID,
			HttpMethod:    pulumi.String(r.Method),
			Authorization: pulumi.String("NONE"),
		}, pulumi.Parent(restAPI))
		if err != nil {
			return err
		}

		integration, err := apigateway.NewIntegration(p.ctx, name+"-integration", &apigateway.IntegrationArgs{
			RestApi:               restAPI.ID(),
			ResourceId:            resID,
			HttpMethod:            method.HttpMethod,
			IntegrationHttpMethod: pulumi.String("POST"),
			Type:                  pulumi.String("AWS_PROXY"),
			Uri:                   fn.InvokeArn,
			RequestTemplates:      pulumi.ToStringMap(r.RequestTemplates),
		}, pulumi.Parent(restAPI))
		if err != nil {
			return err
		}
		integrations = append(integrations, integration)

		methodPath := r.Method
		if r.Method == "ANY" {
			methodPath = "*"
		}
		_, err = lambda.NewPermission(p.ctx, name+"-permission", &lambda.PermissionArgs{
			Action:    pulumi.String("lambda:InvokeFunction"),
			Function:  fn.Name,
			Principal: pulumi.String("apigateway.amazonaws.com"),
			SourceArn: pulumi.Sprintf("%s/*/%s/%s", restAPI.ExecutionArn, methodPath, r.Path),
		})
		if err != nil {
			return err
		}
	}

	deployment, err := apigateway.NewDeployment(p.ctx, a.ID+"-deployment", &apigateway.DeploymentArgs{
		RestApi: restAPI.ID(),
	}, pulumi.Parent(restAPI), pulumi.DependsOn(integrations))
	if err != nil {
		return err
	}

	stage, err := apigateway.NewStage(p.ctx, a.ID+"-"+a.StageName, &apigateway.StageArgs{
		RestApi:    restAPI.ID(),
		Deployment: deployment.ID(),
		StageName:  pulumi.String(a.StageName),
	}, pulumi.Parent(restAPI))
	if err != nil {
		return err
	}

	p.ctx.Export(stack.LogicalID(a.ID)+"Endpoint", stage.InvokeUrl)
	return nil
}
