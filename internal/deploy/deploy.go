// Package deploy hands synthesized templates to CloudFormation and checks the
// live handlers and tables against the resource graph.
package deploy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudformation"
	"github.com/aws/aws-sdk-go-v2/service/cloudformation/types"
	"github.com/aws/smithy-go"

	thumbstack "github.com/lex00/thumbstack-go"
	"github.com/lex00/thumbstack-go/internal/template"
)

// DefaultMaxWait bounds how long Deploy waits for a stack operation.
const DefaultMaxWait = 30 * time.Minute

// ErrStackFailed is returned when a stack is left in a state that cannot be
// updated.
var ErrStackFailed = errors.New("stack in failed state")

// LoadAWSConfig loads the default AWS configuration, pinned to region when set.
func LoadAWSConfig(ctx context.Context, region string) (aws.Config, error) {
	if region == "" {
		return awsconfig.LoadDefaultConfig(ctx)
	}
	return awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
}

// CloudFormationAPI is the subset of the CloudFormation client Deploy uses.
type CloudFormationAPI interface {
	cloudformation.DescribeStacksAPIClient
	CreateStack(ctx context.Context, params *cloudformation.CreateStackInput, optFns ...func(*cloudformation.Options)) (*cloudformation.CreateStackOutput, error)
	UpdateStack(ctx context.Context, params *cloudformation.UpdateStackInput, optFns ...func(*cloudformation.Options)) (*cloudformation.UpdateStackOutput, error)
}

// Action is what Deploy did to the stack.
type Action string

const (
	ActionCreate Action = "create"
	ActionUpdate Action = "update"
	ActionNone   Action = "none"
)

// Result describes a finished deployment.
type Result struct {
	StackName string            `json:"stack_name"`
	Action    Action            `json:"action"`
	Outputs   map[string]string `json:"outputs"`
}

// Deployer creates or updates CloudFormation stacks.
type Deployer struct {
	client  CloudFormationAPI
	logger  *slog.Logger
	MaxWait time.Duration
}

// NewDeployer returns a Deployer using client. A nil logger discards output.
func NewDeployer(client CloudFormationAPI, logger *slog.Logger) *Deployer {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Deployer{client: client, logger: logger, MaxWait: DefaultMaxWait}
}

// Deploy creates stackName from tmpl when it does not exist and updates it
// otherwise, then waits for the operation to finish. An update with no
// changes is not an error.
func (d *Deployer) Deploy(ctx context.Context, stackName string, tmpl *thumbstack.Template, params map[string]string) (*Result, error) {
	body, err := template.ToJSON(tmpl)
	if err != nil {
		return nil, fmt.Errorf("encoding template: %w", err)
	}

	existing, err := d.describe(ctx, stackName)
	if err != nil {
		return nil, err
	}

	parameters := toParameters(params)
	capabilities := []types.Capability{types.CapabilityCapabilityIam}
	log := d.logger.With("stack", stackName)

	if existing == nil {
		log.Info("creating stack")
		_, err := d.client.CreateStack(ctx, &cloudformation.CreateStackInput{
			StackName:    aws.String(stackName),
			TemplateBody: aws.String(string(body)),
			Parameters:   parameters,
			Capabilities: capabilities,
		})
		if err != nil {
			return nil, fmt.Errorf("creating stack %s: %w", stackName, err)
		}
		out, err := cloudformation.NewStackCreateCompleteWaiter(d.client).
			WaitForOutput(ctx, &cloudformation.DescribeStacksInput{StackName: aws.String(stackName)}, d.MaxWait)
		if err != nil {
			return nil, fmt.Errorf("waiting for stack %s: %w", stackName, err)
		}
		log.Info("stack created")
		return &Result{StackName: stackName, Action: ActionCreate, Outputs: outputsOf(out)}, nil
	}

	if err := checkUpdatable(stackName, existing.StackStatus); err != nil {
		return nil, err
	}

	log.Info("updating stack", "status", existing.StackStatus)
	_, err = d.client.UpdateStack(ctx, &cloudformation.UpdateStackInput{
		StackName:    aws.String(stackName),
		TemplateBody: aws.String(string(body)),
		Parameters:   parameters,
		Capabilities: capabilities,
	})
	if isNoUpdates(err) {
		log.Info("stack is up to date")
		return &Result{StackName: stackName, Action: ActionNone, Outputs: stackOutputs(existing)}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("updating stack %s: %w", stackName, err)
	}
	out, err := cloudformation.NewStackUpdateCompleteWaiter(d.client).
		WaitForOutput(ctx, &cloudformation.DescribeStacksInput{StackName: aws.String(stackName)}, d.MaxWait)
	if err != nil {
		return nil, fmt.Errorf("waiting for stack %s: %w", stackName, err)
	}
	log.Info("stack updated")
	return &Result{StackName: stackName, Action: ActionUpdate, Outputs: outputsOf(out)}, nil
}

// unrecoverable holds the states UpdateStack rejects until the stack is
// deleted or repaired by hand.
var unrecoverable = []types.StackStatus{
	types.StackStatusRollbackComplete,
	types.StackStatusRollbackFailed,
	types.StackStatusDeleteFailed,
	types.StackStatusUpdateRollbackFailed,
	types.StackStatusImportRollbackFailed,
}

func checkUpdatable(stackName string, status types.StackStatus) error {
	switch {
	case strings.HasSuffix(string(status), "_IN_PROGRESS"):
		return fmt.Errorf("%w: %s has an operation in progress (%s); retry when it finishes", ErrStackFailed, stackName, status)
	case slices.Contains(unrecoverable, status):
		return fmt.Errorf("%w: %s is %s; repair or delete it before deploying", ErrStackFailed, stackName, status)
	}
	return nil
}

// Outputs returns the outputs of an existing stack.
func (d *Deployer) Outputs(ctx context.Context, stackName string) (map[string]string, error) {
	s, err := d.describe(ctx, stackName)
	if err != nil {
		return nil, err
	}
	if s == nil {
		return nil, fmt.Errorf("stack %s does not exist", stackName)
	}
	return stackOutputs(s), nil
}

// describe returns nil when the stack does not exist.
func (d *Deployer) describe(ctx context.Context, stackName string) (*types.Stack, error) {
	out, err := d.client.DescribeStacks(ctx, &cloudformation.DescribeStacksInput{StackName: aws.String(stackName)})
	if isNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("describing stack %s: %w", stackName, err)
	}
	if len(out.Stacks) == 0 {
		return nil, nil
	}
	return &out.Stacks[0], nil
}

func toParameters(params map[string]string) []types.Parameter {
	var out []types.Parameter
	for _, k := range slices.Sorted(maps.Keys(params)) {
		out = append(out, types.Parameter{ParameterKey: aws.String(k), ParameterValue: aws.String(params[k])})
	}
	return out
}

func outputsOf(out *cloudformation.DescribeStacksOutput) map[string]string {
	if out == nil || len(out.Stacks) == 0 {
		return map[string]string{}
	}
	return stackOutputs(&out.Stacks[0])
}

func stackOutputs(s *types.Stack) map[string]string {
	outputs := make(map[string]string, len(s.Outputs))
	for _, o := range s.Outputs {
		outputs[aws.ToString(o.OutputKey)] = aws.ToString(o.OutputValue)
	}
	return outputs
}

// CloudFormation reports both conditions below as ValidationError.

func isNotFound(err error) bool {
	var api smithy.APIError
	return errors.As(err, &api) && api.ErrorCode() == "ValidationError" &&
		strings.Contains(api.ErrorMessage(), "does not exist")
}

func isNoUpdates(err error) bool {
	var api smithy.APIError
	return errors.As(err, &api) && api.ErrorCode() == "ValidationError" &&
		strings.Contains(api.ErrorMessage(), "No updates are to be performed")
}
