package thumbstack

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTemplate_JSON(t *testing.T) {
	template := Template{
		AWSTemplateFormatVersion: "2010-09-09",
		Description:              "Thumbnail pipeline",
		Resources: map[string]ResourceDef{
			"PhotoBucket": {
				Type: "AWS::S3::Bucket",
				Properties: map[string]any{
					"BucketName": map[string]any{"Fn::Sub": "photo-bucket-${AWS::AccountId}-${AWS::Region}"},
				},
				DeletionPolicy:      "Delete",
				UpdateReplacePolicy: "Delete",
			},
		},
		Parameters: map[string]Parameter{
			"CodeBucket": {
				Type:        "String",
				Description: "Bucket holding handler code",
			},
		},
		Outputs: map[string]Output{
			"PhotoBucketName": {
				Description: "Name of bucket photo-bucket",
				Value:       map[string]any{"Ref": "PhotoBucket"},
			},
		},
	}

	data, err := json.Marshal(template)
	require.NoError(t, err)

	var parsed map[string]any
	require.NoError(t, json.Unmarshal(data, &parsed))

	assert.Equal(t, "2010-09-09", parsed["AWSTemplateFormatVersion"])
	assert.Equal(t, "Thumbnail pipeline", parsed["Description"])

	resources := parsed["Resources"].(map[string]any)
	bucket := resources["PhotoBucket"].(map[string]any)
	assert.Equal(t, "AWS::S3::Bucket", bucket["Type"])
	assert.Equal(t, "Delete", bucket["DeletionPolicy"])
	assert.NotContains(t, bucket, "DependsOn")

	params := parsed["Parameters"].(map[string]any)
	code := params["CodeBucket"].(map[string]any)
	assert.Equal(t, "String", code["Type"])
	assert.NotContains(t, code, "Default")

	outputs := parsed["Outputs"].(map[string]any)
	name := outputs["PhotoBucketName"].(map[string]any)
	assert.Equal(t, "Name of bucket photo-bucket", name["Description"])
	assert.NotContains(t, name, "Export")
}

func TestTemplate_OmitsEmptySections(t *testing.T) {
	data, err := json.Marshal(Template{AWSTemplateFormatVersion: "2010-09-09", Resources: map[string]ResourceDef{}})
	require.NoError(t, err)
	assert.JSONEq(t, `{"AWSTemplateFormatVersion":"2010-09-09","Resources":{}}`, string(data))
}

func TestResourceDef_DependsOn(t *testing.T) {
	resource := ResourceDef{
		Type: "AWS::Lambda::Function",
		Properties: map[string]any{
			"Handler": "app.s3_thumbnail_generator",
		},
		DependsOn: []string{"HandlerFunctionResizeImgServiceRole", "HandlerFunctionResizeImgServiceRoleDefaultPolicy"},
	}

	data, err := json.Marshal(resource)
	require.NoError(t, err)

	var parsed map[string]any
	require.NoError(t, json.Unmarshal(data, &parsed))

	assert.Equal(t, "AWS::Lambda::Function", parsed["Type"])
	dependsOn := parsed["DependsOn"].([]any)
	assert.Len(t, dependsOn, 2)
	assert.Equal(t, "HandlerFunctionResizeImgServiceRole", dependsOn[0])
}

func TestBuildResult_Success(t *testing.T) {
	result := BuildResult{
		Success: true,
		Template: Template{
			AWSTemplateFormatVersion: "2010-09-09",
			Resources: map[string]ResourceDef{
				"PhotoBucket": {
					Type: "AWS::S3::Bucket",
				},
			},
		},
		Resources: []string{"PhotoBucket"},
	}

	data, err := json.Marshal(result)
	require.NoError(t, err)

	var parsed map[string]any
	require.NoError(t, json.Unmarshal(data, &parsed))

	assert.True(t, parsed["success"].(bool))
	resources := parsed["resources"].([]any)
	assert.Equal(t, "PhotoBucket", resources[0])
}

func TestBuildResult_Error(t *testing.T) {
	result := BuildResult{
		Success: false,
		Errors:  []string{`unknown reference: handler "x"`, `duplicate id: "photo-bucket"`},
	}

	data, err := json.Marshal(result)
	require.NoError(t, err)

	var parsed map[string]any
	require.NoError(t, json.Unmarshal(data, &parsed))

	assert.False(t, parsed["success"].(bool))
	errors := parsed["errors"].([]any)
	assert.Len(t, errors, 2)
}

func TestLintResult(t *testing.T) {
	result := LintResult{
		Success: false,
		Issues: []LintIssue{
			{
				Entity:   "handler-function-resizeImg",
				Severity: "warning",
				Message:  "runtime python3.8 is deprecated",
				Rule:     "THS003",
			},
			{
				Entity:   "handler-function-resizeImg",
				Severity: "error",
				Message:  "wildcard policy covers s3:DeleteBucket",
				Rule:     "THS001",
			},
		},
	}

	data, err := json.Marshal(result)
	require.NoError(t, err)

	var parsed map[string]any
	require.NoError(t, json.Unmarshal(data, &parsed))

	assert.False(t, parsed["success"].(bool))
	issues := parsed["issues"].([]any)
	assert.Len(t, issues, 2)

	issue1 := issues[0].(map[string]any)
	assert.Equal(t, "handler-function-resizeImg", issue1["entity"])
	assert.Equal(t, "warning", issue1["severity"])

	issue2 := issues[1].(map[string]any)
	assert.Equal(t, "error", issue2["severity"])
	assert.Equal(t, "THS001", issue2["rule"])
}

func TestOutput_WithExport(t *testing.T) {
	output := Output{
		Description: "Name of table thumbnail-table",
		Value:       map[string]any{"Ref": "ThumbnailTable"},
		Export: &OutputExport{
			Name: map[string]any{"Fn::Sub": "${AWS::StackName}-ThumbnailTableName"},
		},
	}

	data, err := json.Marshal(output)
	require.NoError(t, err)

	assert.JSONEq(t, `{
		"Description": "Name of table thumbnail-table",
		"Value": {"Ref": "ThumbnailTable"},
		"Export": {"Name": {"Fn::Sub": "${AWS::StackName}-ThumbnailTableName"}}
	}`, string(data))
}

func TestDiffResult_JSON(t *testing.T) {
	result := DiffResult{
		Success: true,
		Diff: TemplateDiff{
			Added:    []DiffEntry{{Resource: "ThumbnailTable", Type: "AWS::DynamoDB::Table"}},
			Modified: []DiffEntry{{Resource: "PhotoBucket", Type: "AWS::S3::Bucket", Changes: []string{"DependsOn changed"}}},
		},
		Summary: DiffSummary{Added: 1, Modified: 1, Total: 2},
	}

	data, err := json.Marshal(result)
	require.NoError(t, err)

	var parsed map[string]any
	require.NoError(t, json.Unmarshal(data, &parsed))

	diff := parsed["diff"].(map[string]any)
	assert.NotContains(t, diff, "removed")
	assert.Len(t, diff["added"].([]any), 1)
	summary := parsed["summary"].(map[string]any)
	assert.Equal(t, float64(2), summary["total"])
}

func TestListResult_JSON(t *testing.T) {
	data, err := json.Marshal(ListResult{Entities: []ListEntity{
		{ID: "photo-bucket", Kind: "bucket", LogicalID: "PhotoBucket"},
	}})
	require.NoError(t, err)
	assert.JSONEq(t, `{"entities":[{"id":"photo-bucket","kind":"bucket","logical_id":"PhotoBucket"}]}`, string(data))
}
