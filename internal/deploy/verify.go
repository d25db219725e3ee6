package deploy

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	ddbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/aws-sdk-go-v2/service/lambda"

	"github.com/lex00/thumbstack-go/internal/stack"
)

// LambdaAPI is the subset of the Lambda client Verify uses.
type LambdaAPI interface {
	GetFunctionConfiguration(ctx context.Context, params *lambda.GetFunctionConfigurationInput, optFns ...func(*lambda.Options)) (*lambda.GetFunctionConfigurationOutput, error)
}

// DynamoDBAPI is the subset of the DynamoDB client Verify uses.
type DynamoDBAPI interface {
	DescribeTable(ctx context.Context, params *dynamodb.DescribeTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error)
}

// Drift is one difference between the graph and live infrastructure.
type Drift struct {
	Entity   string `json:"entity"`
	Field    string `json:"field"`
	Expected string `json:"expected"`
	Actual   string `json:"actual"`
}

func (d Drift) String() string {
	return fmt.Sprintf("%s: %s expected %q, got %q", d.Entity, d.Field, d.Expected, d.Actual)
}

// Report lists every drift found by Verify.
type Report struct {
	Checked int     `json:"checked"`
	Drift   []Drift `json:"drift,omitempty"`
}

// InSync reports whether no drift was found.
func (r *Report) InSync() bool { return len(r.Drift) == 0 }

// Verifier compares live handlers and tables with a graph.
type Verifier struct {
	lambda   LambdaAPI
	dynamodb DynamoDBAPI
	logger   *slog.Logger
}

// NewVerifier returns a Verifier. A nil logger discards output.
func NewVerifier(l LambdaAPI, d DynamoDBAPI, logger *slog.Logger) *Verifier {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Verifier{lambda: l, dynamodb: d, logger: logger}
}

// OutputName returns the stack output carrying the physical name of id.
func OutputName(id string) string { return stack.LogicalID(id) + "Name" }

// Verify looks up each handler and table by the physical name in outputs and
// reports drift in runtime, timeout, memory, environment, layers, billing
// mode and partition key.
func (v *Verifier) Verify(ctx context.Context, g *stack.Graph, outputs map[string]string) (*Report, error) {
	report := &Report{}

	for _, h := range g.Handlers() {
		name, ok := outputs[OutputName(h.ID)]
		if !ok {
			report.Drift = append(report.Drift, Drift{Entity: h.ID, Field: "output", Expected: OutputName(h.ID)})
			continue
		}
		cfg, err := v.lambda.GetFunctionConfiguration(ctx, &lambda.GetFunctionConfigurationInput{FunctionName: aws.String(name)})
		if err != nil {
			return nil, fmt.Errorf("reading function %s: %w", name, err)
		}
		report.Checked++
		report.Drift = append(report.Drift, handlerDrift(h, cfg)...)
		v.logger.Debug("verified handler", "id", h.ID, "function", name)
	}

	for _, t := range g.Tables() {
		name, ok := outputs[OutputName(t.ID)]
		if !ok {
			report.Drift = append(report.Drift, Drift{Entity: t.ID, Field: "output", Expected: OutputName(t.ID)})
			continue
		}
		out, err := v.dynamodb.DescribeTable(ctx, &dynamodb.DescribeTableInput{TableName: aws.String(name)})
		if err != nil {
			return nil, fmt.Errorf("describing table %s: %w", name, err)
		}
		report.Checked++
		report.Drift = append(report.Drift, tableDrift(t, out.Table)...)
		v.logger.Debug("verified table", "id", t.ID, "table", name)
	}

	if !report.InSync() {
		v.logger.Warn("drift detected", "count", len(report.Drift))
	}
	return report, nil
}

func handlerDrift(h stack.Handler, cfg *lambda.GetFunctionConfigurationOutput) []Drift {
	var drift []Drift
	check := func(field, expected, actual string) {
		if expected != actual {
			drift = append(drift, Drift{Entity: h.ID, Field: field, Expected: expected, Actual: actual})
		}
	}

	check("runtime", string(h.Runtime), string(cfg.Runtime))
	check("handler", h.EntryPoint, aws.ToString(cfg.Handler))
	check("timeout", strconv.Itoa(int(h.Timeout.Seconds())), strconv.Itoa(int(aws.ToInt32(cfg.Timeout))))
	check("memory", strconv.Itoa(h.MemoryMB), strconv.Itoa(int(aws.ToInt32(cfg.MemorySize))))

	var live map[string]string
	if cfg.Environment != nil {
		live = cfg.Environment.Variables
	}
	check("environment keys", fmt.Sprint(slices.Sorted(maps.Keys(h.Env))), fmt.Sprint(slices.Sorted(maps.Keys(live))))
	for _, k := range slices.Sorted(maps.Keys(h.Env)) {
		if v := h.Env[k]; !v.IsRef() {
			if actual, ok := live[k]; ok {
				check("environment "+k, v.Literal, actual)
			}
		}
	}

	var layers []string
	for _, l := range cfg.Layers {
		layers = append(layers, aws.ToString(l.Arn))
	}
	check("layers", fmt.Sprint(h.Layers), fmt.Sprint(layers))
	return drift
}

var billingModes = map[stack.BillingMode]ddbtypes.BillingMode{
	stack.BillingOnDemand:    ddbtypes.BillingModePayPerRequest,
	stack.BillingProvisioned: ddbtypes.BillingModeProvisioned,
}

func tableDrift(t stack.Table, desc *ddbtypes.TableDescription) []Drift {
	if desc == nil {
		return []Drift{{Entity: t.ID, Field: "table", Expected: t.ID, Actual: "missing"}}
	}
	var drift []Drift
	check := func(field, expected, actual string) {
		if expected != actual {
			drift = append(drift, Drift{Entity: t.ID, Field: field, Expected: expected, Actual: actual})
		}
	}

	// Tables created as provisioned may carry no billing summary.
	billing := ddbtypes.BillingModeProvisioned
	if desc.BillingModeSummary != nil {
		billing = desc.BillingModeSummary.BillingMode
	}
	check("billing mode", string(billingModes[t.BillingMode]), string(billing))

	var key string
	for _, k := range desc.KeySchema {
		if k.KeyType == ddbtypes.KeyTypeHash {
			key = aws.ToString(k.AttributeName)
		}
	}
	check("partition key", t.PartitionKey.Name, key)

	var keyType string
	for _, a := range desc.AttributeDefinitions {
		if aws.ToString(a.AttributeName) == key {
			keyType = string(a.AttributeType)
		}
	}
	check("partition key type", string(t.PartitionKey.Type), keyType)
	return drift
}
