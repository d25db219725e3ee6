package stack

import (
	"k8s.io/apimachinery/pkg/util/sets"
)

var (
	bucketReadActions  = []string{"s3:GetObject*", "s3:GetBucket*", "s3:List*"}
	bucketWriteActions = []string{
		"s3:DeleteObject*",
		"s3:PutObject",
		"s3:PutObjectLegalHold",
		"s3:PutObjectRetention",
		"s3:PutObjectTagging",
		"s3:PutObjectVersionTagging",
		"s3:Abort*",
	}
	tableReadActions = []string{
		"dynamodb:BatchGetItem",
		"dynamodb:GetRecords",
		"dynamodb:GetShardIterator",
		"dynamodb:Query",
		"dynamodb:GetItem",
		"dynamodb:Scan",
		"dynamodb:ConditionCheckItem",
		"dynamodb:DescribeTable",
	}
	tableWriteActions = []string{
		"dynamodb:BatchWriteItem",
		"dynamodb:PutItem",
		"dynamodb:UpdateItem",
		"dynamodb:DeleteItem",
		"dynamodb:DescribeTable",
	}
)

// GrantActions returns the sorted IAM actions a grant of level on an entity
// of kind confers.
func GrantActions(kind Kind, level AccessLevel) []string {
	var read, write []string
	switch kind {
	case KindBucket:
		read, write = bucketReadActions, bucketWriteActions
	case KindTable:
		read, write = tableReadActions, tableWriteActions
	default:
		return nil
	}

	actions := sets.New[string]()
	if level.CanRead() {
		actions.Insert(read...)
	}
	if level.CanWrite() {
		actions.Insert(write...)
	}
	return sets.List(actions)
}

// Permission is one statement of a handler's role: a set of actions on either
// a declared entity or raw resource patterns.
type Permission struct {
	Actions []string
	// Target is the entity the statement applies to; empty for raw policies.
	Target     string
	TargetKind Kind
	Resources  []string
	Wildcard   bool
}
