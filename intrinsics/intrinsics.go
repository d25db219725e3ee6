// Package intrinsics provides the CloudFormation intrinsic functions used when
// synthesizing a thumbnail stack.
//
// The core intrinsic types are re-exported from cloudformation-schema-go:
//
//	Ref{LogicalName: "PhotoBucket"} → {"Ref": "PhotoBucket"}
//	Sub{String: "${AWS::Region}-photos"} → {"Fn::Sub": "${AWS::Region}-photos"}
package intrinsics

import (
	"github.com/lex00/cloudformation-schema-go/intrinsics"
)

type (
	// Ref represents a CloudFormation Ref intrinsic function.
	Ref = intrinsics.Ref

	// GetAtt represents a CloudFormation Fn::GetAtt intrinsic function.
	GetAtt = intrinsics.GetAtt

	// Sub represents a CloudFormation Fn::Sub intrinsic function.
	Sub = intrinsics.Sub
)

// AWS_ACCOUNT_ID returns the AWS account ID of the account in which the stack
// is created. Other pseudo parameters are referenced inside Sub strings.
var AWS_ACCOUNT_ID = intrinsics.AWS_ACCOUNT_ID

// RefTo returns a Ref to the named logical resource or parameter.
func RefTo(logicalName string) Ref {
	return Ref{LogicalName: logicalName}
}

// Attr returns a GetAtt for the named logical resource attribute.
func Attr(logicalName, attribute string) GetAtt {
	return GetAtt{LogicalName: logicalName, Attribute: attribute}
}

// S3BucketArn builds the ARN of a bucket whose physical name is the given
// Fn::Sub pattern, without referencing the bucket resource itself.
func S3BucketArn(namePattern string) Sub {
	return Sub{String: "arn:${AWS::Partition}:s3:::" + namePattern}
}

// S3ObjectsArn is S3BucketArn for every object in the bucket.
func S3ObjectsArn(namePattern string) Sub {
	return Sub{String: "arn:${AWS::Partition}:s3:::" + namePattern + "/*"}
}
